// Package wsb compiles declarative sandbox configurations into the
// Windows Sandbox loader's XML document format and manages launched
// sandbox sessions.
package wsb

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// Host-enforced bounds for the sandbox memory grant.
	MinMemoryMB = 1024
	MaxMemoryMB = 32768

	// DefaultMemoryMB is applied when a config leaves MemoryMB unset.
	DefaultMemoryMB = 2048
)

// MappedFolder shares one host directory into the sandbox.
type MappedFolder struct {
	HostFolder    string `json:"host_folder" yaml:"host_folder"`
	SandboxFolder string `json:"sandbox_folder,omitempty" yaml:"sandbox_folder,omitempty"` // Empty = loader default (desktop).
	ReadOnly      bool   `json:"read_only" yaml:"read_only"`
}

// Config is the declarative sandbox description. Empty folder and
// command lists are valid and compile to a minimal document.
type Config struct {
	Name          string         `json:"name" yaml:"name"`
	MemoryMB      int            `json:"memory_mb" yaml:"memory_mb"` // 0 = DefaultMemoryMB.
	VGPU          bool           `json:"vgpu" yaml:"vgpu"`
	Networking    bool           `json:"networking" yaml:"networking"`
	MappedFolders []MappedFolder `json:"mapped_folders,omitempty" yaml:"mapped_folders,omitempty"`
	LogonCommands []string       `json:"logon_commands,omitempty" yaml:"logon_commands,omitempty"`
}

// ValidationError carries every problem found in a config, not just the
// first one, so a caller correcting a config sees all of them in one
// round-trip.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid sandbox config: %s", strings.Join(e.Problems, "; "))
}

// Validate checks the whole config and collects every violation. A nil
// return means the config is compilable.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.Name) == "" {
		problems = append(problems, "name must not be empty")
	}

	memory := c.MemoryMB
	if memory == 0 {
		memory = DefaultMemoryMB
	}
	if memory < MinMemoryMB || memory > MaxMemoryMB {
		problems = append(problems, fmt.Sprintf(
			"memory_mb must be between %d and %d, got %d", MinMemoryMB, MaxMemoryMB, c.MemoryMB))
	}

	for i, folder := range c.MappedFolders {
		if strings.TrimSpace(folder.HostFolder) == "" {
			problems = append(problems, fmt.Sprintf("mapped_folders[%d]: host_folder must not be empty", i))
			continue
		}
		if !filepath.IsAbs(folder.HostFolder) {
			problems = append(problems, fmt.Sprintf(
				"mapped_folders[%d]: host_folder must be absolute: %s", i, folder.HostFolder))
			continue
		}
		if info, err := os.Stat(folder.HostFolder); err != nil {
			problems = append(problems, fmt.Sprintf(
				"mapped_folders[%d]: host_folder does not exist: %s", i, folder.HostFolder))
		} else if !info.IsDir() {
			problems = append(problems, fmt.Sprintf(
				"mapped_folders[%d]: host_folder is not a directory: %s", i, folder.HostFolder))
		}
	}

	for i, cmd := range c.LogonCommands {
		if strings.TrimSpace(cmd) == "" {
			problems = append(problems, fmt.Sprintf("logon_commands[%d]: must not be empty", i))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
