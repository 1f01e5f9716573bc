package commands

import (
	"os"
	"path/filepath"

	"github.com/peerframe/screenshotd/pkg/errors"
)

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(dbPath, fsmDBPath string) error {
	// Create database directory
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}

	// Create FSM database directory (only needed for serve)
	if fsmDBPath != "" {
		if err := os.MkdirAll(filepath.Dir(fsmDBPath), 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}

	return nil
}
