package manifest

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// A single build instruction.
//
// Exactly one of Copy or Run may be set. A step with neither is a modifier
// step: its Shell, Workdir, and Env fields update the persistent step state
// for all subsequent steps. On an operation step the same fields apply to
// that operation only.
type Step struct {
	Copy    string            `yaml:"copy,omitempty"`    // "src dest" copy from the build context into the image.
	Run     string            `yaml:"run,omitempty"`     // Shell command executed inside the build container.
	Shell   string            `yaml:"shell,omitempty"`   // Shell used for run steps (default /bin/sh).
	Workdir string            `yaml:"workdir,omitempty"` // Working directory for the operation.
	Env     map[string]string `yaml:"env,omitempty"`     // Environment variables for the operation.
}

// The declarative description of how to produce an image.
//
// Step order is part of the contract: each step materializes a layer on top
// of the previous one, and reordering changes both caching and correctness.
type Manifest struct {
	Base       string   `yaml:"base"`                 // Path to the base runtime OCI archive, relative to the build context.
	Workdir    string   `yaml:"workdir,omitempty"`    // Initial working directory, created if absent.
	Steps      []Step   `yaml:"steps"`                // Ordered build steps.
	Port       int      `yaml:"port,omitempty"`       // Port the entrypoint intends to listen on. Declarative only.
	Entrypoint []string `yaml:"entrypoint,omitempty"` // Command run as the sole foreground process at launch.
}

// Parses a manifest from YAML and validates it.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrManifest, err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Reads and parses a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrManifest, err)
	}
	return Parse(data)
}

// Checks the manifest for structural errors.
//
// A port of 0 means no port is advertised. The port is metadata only; it is
// never validated against what the entrypoint actually binds.
func (m *Manifest) Validate() error {
	if m.Base == "" {
		return fmt.Errorf("%w: base image archive is required", ErrManifest)
	}

	if m.Port != 0 && (m.Port < 1 || m.Port > 65535) {
		return fmt.Errorf("%w: port %d out of range 1-65535", ErrManifest, m.Port)
	}

	for i, step := range m.Steps {
		if err := step.validate(); err != nil {
			return fmt.Errorf("%w: step %d: %w", ErrManifest, i+1, err)
		}
	}

	return nil
}

// Checks a single step for structural errors.
func (s Step) validate() error {
	if s.Copy != "" && s.Run != "" {
		return fmt.Errorf("copy and run are mutually exclusive")
	}
	if s.Copy == "" && s.Run == "" && s.Shell == "" && s.Workdir == "" && len(s.Env) == 0 {
		return fmt.Errorf("empty step")
	}
	return nil
}

// Returns true if the step performs an operation (copy or run) rather than
// only modifying the persistent step state.
func (s Step) IsOperation() bool {
	return s.Copy != "" || s.Run != ""
}
