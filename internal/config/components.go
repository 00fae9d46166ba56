package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ComponentManifest holds the per-component deployment manifest. It is
// optional: when the file is absent every registered component runs with
// the restart policy from the main config.
type ComponentManifest struct {
	Components map[string]ComponentEntry `yaml:"components"`
}

// ComponentEntry describes one supervised component in the manifest.
// Zero-valued fields inherit from SupervisorConfig.
type ComponentEntry struct {
	Enabled    *bool    `yaml:"enabled"`
	Critical   *bool    `yaml:"critical"`
	DependsOn  []string `yaml:"depends_on"`
	MinBackoff string   `yaml:"min_backoff"`
	MaxBackoff string   `yaml:"max_backoff"`
	MaxFails   int      `yaml:"max_consecutive_failures"`
}

// LoadComponentManifest reads a components.yaml manifest. A missing file
// is not an error; it yields an empty manifest.
func LoadComponentManifest(path string) (*ComponentManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ComponentManifest{Components: map[string]ComponentEntry{}}, nil
		}
		return nil, fmt.Errorf("failed to read component manifest: %w", err)
	}

	var m ComponentManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse component manifest: %w", err)
	}
	if m.Components == nil {
		m.Components = map[string]ComponentEntry{}
	}

	for name, entry := range m.Components {
		if entry.MinBackoff != "" {
			if _, err := time.ParseDuration(entry.MinBackoff); err != nil {
				return nil, fmt.Errorf("component %s: invalid min_backoff: %w", name, err)
			}
		}
		if entry.MaxBackoff != "" {
			if _, err := time.ParseDuration(entry.MaxBackoff); err != nil {
				return nil, fmt.Errorf("component %s: invalid max_backoff: %w", name, err)
			}
		}
	}

	return &m, nil
}

// IsEnabled reports whether a component should be started. Components not
// listed in the manifest default to enabled.
func (m *ComponentManifest) IsEnabled(name string) bool {
	entry, ok := m.Components[name]
	if !ok || entry.Enabled == nil {
		return true
	}
	return *entry.Enabled
}

// IsCritical reports the manifest's criticality override, if any.
func (m *ComponentManifest) IsCritical(name string) (bool, bool) {
	entry, ok := m.Components[name]
	if !ok || entry.Critical == nil {
		return false, false
	}
	return *entry.Critical, true
}

// DependsOn returns the declared upstream components for name.
func (m *ComponentManifest) DependsOn(name string) []string {
	return m.Components[name].DependsOn
}

// MaxFailsOverride returns the manifest's consecutive-failure ceiling for
// name, zero when unset.
func (m *ComponentManifest) MaxFailsOverride(name string) int {
	return m.Components[name].MaxFails
}

// BackoffOverride returns the manifest's backoff bounds for name. Zero
// durations mean no override.
func (m *ComponentManifest) BackoffOverride(name string) (min, max time.Duration) {
	entry, ok := m.Components[name]
	if !ok {
		return 0, 0
	}
	if entry.MinBackoff != "" {
		min, _ = time.ParseDuration(entry.MinBackoff)
	}
	if entry.MaxBackoff != "" {
		max, _ = time.ParseDuration(entry.MaxBackoff)
	}
	return min, max
}
