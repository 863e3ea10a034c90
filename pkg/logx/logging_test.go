package logx

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	assert.True(t, l.IsZero())
	l.Info("dropped", String("k", "v"))
}

func TestWithFieldsAreApplied(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("comp", "registry"))
	l.Warn("duplicate provider", String("name", "battery_level"), Int("n", 2))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "warn", m["level"])
	assert.Equal(t, "registry", m["comp"])
	assert.Equal(t, "battery_level", m["name"])
	assert.EqualValues(t, 2, m["n"])
	assert.Contains(t, m["caller"], "logging_test.go")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "warn")
	l.Info("hidden")
	assert.Zero(t, buf.Len())
	assert.False(t, l.Enabled(LevelInfo))
	assert.True(t, l.Enabled(LevelError))
}

func TestThrottlePerKey(t *testing.T) {
	th := NewThrottle(time.Hour, 2)
	assert.True(t, th.Allow("a"))
	assert.True(t, th.Allow("a"))
	assert.False(t, th.Allow("a"))
	assert.True(t, th.Allow("b"))
	assert.EqualValues(t, 1, th.Suppressed())

	var nilThrottle *Throttle
	assert.True(t, nilThrottle.Allow("x"))
}
