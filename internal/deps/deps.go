// Package deps verifies that the external binaries a run depends on are
// installed before any shot starts rendering.
package deps

import (
	"fmt"
	"os/exec"
	"strings"

	"shotline/internal/config"
)

// Requirement defines an external binary the tool shells out to.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// Status reports the availability of a requirement.
type Status struct {
	Name        string
	Command     string
	Description string
	Optional    bool
	Available   bool
	Detail      string
}

// ForConfig returns the requirements of a run under the given configuration.
func ForConfig(cfg *config.Config) []Requirement {
	command := "ffmpeg"
	if cfg != nil && strings.TrimSpace(cfg.Render.FFmpegBinary) != "" {
		command = cfg.Render.FFmpegBinary
	}
	return []Requirement{
		{
			Name:        "FFmpeg",
			Command:     command,
			Description: "Renders previews and full-resolution exports",
		},
	}
}

// CheckBinaries evaluates the requirements and reports availability.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		cmd := strings.TrimSpace(req.Command)
		status := Status{
			Name:        req.Name,
			Command:     cmd,
			Description: strings.TrimSpace(req.Description),
			Optional:    req.Optional,
		}
		if cmd == "" {
			status.Detail = "command not configured"
			results = append(results, status)
			continue
		}
		if _, err := exec.LookPath(cmd); err != nil {
			status.Detail = fmt.Sprintf("binary %q not found", cmd)
			results = append(results, status)
			continue
		}
		status.Available = true
		results = append(results, status)
	}
	return results
}

// Verify returns an error naming the first missing required binary.
func Verify(cfg *config.Config) error {
	for _, status := range CheckBinaries(ForConfig(cfg)) {
		if !status.Available && !status.Optional {
			return fmt.Errorf("missing dependency %s: %s", status.Name, status.Detail)
		}
	}
	return nil
}
