package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// GetOrcaHome returns Orca's working directory for local state (sqlite
// file, per-invocation logs, worktrees).
// Priority order:
//  1. ORCA_HOME environment variable, if set.
//  2. A .orca directory under this module's repository root (detected by
//     walking up for an .orca-root marker or a go.mod whose module path is
//     github.com/emily-flambe/orca).
//  3. A .orca directory under the current working directory, as a last resort.
//
// The directory is created if it doesn't exist.
func GetOrcaHome() (string, error) {
	if home := os.Getenv("ORCA_HOME"); home != "" {
		return home, ensureDir(home)
	}

	if repoRoot, err := findOrcaRepoRoot(); err == nil && repoRoot != "" {
		home := filepath.Join(repoRoot, ".orca")
		return home, ensureDir(home)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	home := filepath.Join(cwd, ".orca")
	return home, ensureDir(home)
}

func ensureDir(path string) error {
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("create orca home directory %s: %w", path, err)
	}
	return nil
}

// findOrcaRepoRoot walks up from the working directory looking for a
// go.mod declaring this module, or an .orca-root marker file.
func findOrcaRepoRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for current := cwd; ; {
		if _, err := os.Stat(filepath.Join(current, ".orca-root")); err == nil {
			return current, nil
		}
		if data, err := os.ReadFile(filepath.Join(current, "go.mod")); err == nil {
			if strings.Contains(string(data), "github.com/emily-flambe/orca") {
				return current, nil
			}
		}
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}

	return "", fmt.Errorf("orca repository root not found (looking for .orca-root or go.mod declaring github.com/emily-flambe/orca)")
}

// DefaultDBPath returns $ORCA_HOME/orca.db.
func DefaultDBPath() (string, error) {
	home, err := GetOrcaHome()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "orca.db"), nil
}

// LogDir returns $ORCA_HOME/logs, creating it if needed.
func LogDir() (string, error) {
	home, err := GetOrcaHome()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, "logs")
	return dir, ensureDir(dir)
}
