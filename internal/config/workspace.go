package config

import (
	"os"
	"path/filepath"
)

// FindWorkspaceRoot walks up from the working directory looking for a
// .deepnerd data directory. Falls back to the current directory when none
// is found.
func FindWorkspaceRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	originalDir := dir
	for {
		if _, err := os.Stat(filepath.Join(dir, ".deepnerd")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return originalDir, nil
}

// DefaultConfigPath returns the config path under a workspace root.
func DefaultConfigPath(workspace string) string {
	return filepath.Join(workspace, ".deepnerd", "config.yaml")
}
