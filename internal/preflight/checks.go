// Package preflight checks that the bridged program can be started.
package preflight

import (
	"os/exec"

	"github.com/peterje/sampleterm/internal/models"
)

// CheckCommand reports whether name resolves to an executable, either as a
// path or through PATH.
func CheckCommand(name string) models.CommandStatus {
	path, err := exec.LookPath(name)
	if err != nil {
		return models.CommandStatus{Name: name, Installed: false}
	}
	return models.CommandStatus{Name: name, Installed: true, Path: path}
}
