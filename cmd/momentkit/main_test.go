package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

const quietLogging = `"logging": {"level": "error", "console": true}`

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "resolve", "--format", "xml", "--config", writeConfig(t, "{}"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestResolveJSON(t *testing.T) {
	cfg := writeConfig(t, `{`+quietLogging+`, "app": {"id": "com.example.app", "version": "1.0.0"}}`)
	out, err := execute(t, "resolve", "app_id", "--format", "json", "--config", cfg)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "com.example.app", got["app_id"])
}

func TestEventSendRejectsReserved(t *testing.T) {
	cfg := writeConfig(t, `{`+quietLogging+`}`)
	_, err := execute(t, "event", "send", "momentkit.events.built_in.app_start", "--config", cfg)
	require.Error(t, err)

	_, err = execute(t, "event", "send", "momentkit.events.built_in.app_start", "--builtin", "--config", cfg)
	require.NoError(t, err)
}

func TestPlanApplyFile(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "state.db")
	cfg := writeConfig(t, `{`+quietLogging+`, "storage": {"driver": "sqlite", "path": "`+filepath.ToSlash(db)+`"}}`)
	plan := filepath.Join(dir, "plan.yaml")
	require.NoError(t, os.WriteFile(plan, []byte("notifications:\n  - id: later\n    fire_epoch_seconds: 4102444800\n    title: Later\n"), 0o644))

	out, err := execute(t, "plan", "apply", plan, "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "completed: upserted=1")

	out, err = execute(t, "plan", "show", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "plan: 1 notifications")
	assert.Contains(t, out, "momentkit.later")
}
