package runtime

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ManifestFile is the name of the manifest inside a plugin directory.
const ManifestFile = "plugin.yaml"

var (
	ErrNoManifest      = errors.New("runtime: plugin directory has no " + ManifestFile)
	ErrInvalidManifest = errors.New("runtime: invalid plugin manifest")
)

// Manifest describes a plugin directory.
type Manifest struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version,omitempty"`
	// Services maps entry point names to the scripts registered for them, in
	// preference order.
	Services map[string][]string `yaml:"services"`
}

// ReadManifest loads and validates dir/plugin.yaml.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoManifest, dir)
	}
	if err != nil {
		return nil, fmt.Errorf("runtime: reading manifest in %s: %w", dir, err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes and validates manifest YAML.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks that the manifest has a name and that every script path is
// a relative .risor path inside the plugin directory.
func (m *Manifest) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidManifest)
	}
	for entryPoint, scripts := range m.Services {
		if entryPoint == "" {
			return fmt.Errorf("%w: empty entry point name", ErrInvalidManifest)
		}
		for _, s := range scripts {
			clean := path.Clean(s)
			if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
				return fmt.Errorf("%w: script %q escapes the plugin directory", ErrInvalidManifest, s)
			}
			if path.Ext(clean) != ".risor" {
				return fmt.Errorf("%w: script %q is not a .risor file", ErrInvalidManifest, s)
			}
		}
	}
	return nil
}

// Scripts returns the scripts registered for entryPoint.
func (m *Manifest) Scripts(entryPoint string) []string {
	return m.Services[entryPoint]
}
