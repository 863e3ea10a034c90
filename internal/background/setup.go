package background

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/afero"
	yaml "go.yaml.in/yaml/v3"
)

// RequiredBackgroundMode must be listed in the manifest's background_modes.
const RequiredBackgroundMode = "processing"

var ErrSetup = errors.New("background setup is incomplete")

// Manifest is the part of the host application's manifest that describes
// background execution. Other keys are ignored.
type Manifest struct {
	PermittedTaskIdentifiers []string `yaml:"permitted_task_identifiers"`
	BackgroundModes          []string `yaml:"background_modes"`
}

// SetupError lists what the manifest is missing. It is fatal to background
// scheduling but not to the process.
type SetupError struct {
	Path     string
	Problems []string
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("background setup (%s): %s", e.Path, strings.Join(e.Problems, "; "))
}

func (e *SetupError) Unwrap() error { return ErrSetup }

// LoadManifest reads a YAML (or JSON) manifest.
func LoadManifest(fs afero.Fs, path string) (Manifest, error) {
	var m Manifest
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return m, err
	}
	if err := yaml.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("parse %s: %w", path, err)
	}
	return m, nil
}

// DevModeCheckBackgroundSetup verifies that the manifest at path permits
// taskID and declares the processing background mode. Any problem is
// reported as a *SetupError.
func DevModeCheckBackgroundSetup(fs afero.Fs, path, taskID string) error {
	m, err := LoadManifest(fs, path)
	if err != nil {
		return &SetupError{Path: path, Problems: []string{"manifest unreadable: " + err.Error()}}
	}
	var problems []string
	if strings.TrimSpace(taskID) == "" {
		problems = append(problems, "task identifier is empty")
	} else if !slices.Contains(m.PermittedTaskIdentifiers, taskID) {
		problems = append(problems, fmt.Sprintf("permitted_task_identifiers does not contain %q", taskID))
	}
	if !slices.Contains(m.BackgroundModes, RequiredBackgroundMode) {
		problems = append(problems, fmt.Sprintf("background_modes does not contain %q", RequiredBackgroundMode))
	}
	if len(problems) > 0 {
		return &SetupError{Path: path, Problems: problems}
	}
	return nil
}
