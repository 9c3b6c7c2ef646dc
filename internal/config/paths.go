package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// EnvHome overrides the state root directory when set. Used by tests and
// by operators running multiple engines side by side.
const EnvHome = "PANOPTICON_HOME"

var (
	homeDir     string
	homeDirOnce sync.Once
)

func cachedHomeDir() string {
	homeDirOnce.Do(func() {
		homeDir, _ = os.UserHomeDir()
	})
	return homeDir
}

// ExpandHome expands a leading ~/ to the user's home directory.
// Returns the path unchanged if it doesn't start with ~/ or if
// the home directory cannot be determined.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home := cachedHomeDir()
	if home == "" {
		return path
	}
	return home + path[1:]
}

// Root returns the engine state root, ~/.panopticon by default.
func Root() string {
	if v := os.Getenv(EnvHome); v != "" {
		return v
	}
	return filepath.Join(cachedHomeDir(), ".panopticon")
}

// AgentsDir returns the directory holding per-agent state directories.
func AgentsDir(root string) string {
	return filepath.Join(root, "agents")
}

// SpecialistsDir returns the directory holding per-specialist state.
func SpecialistsDir(root string) string {
	return filepath.Join(root, "specialists")
}

// ReviewStatusPath returns the path of the issue → ReviewStatus map.
func ReviewStatusPath(root string) string {
	return filepath.Join(root, "review-status.json")
}

// OperationsPath returns the path of the operation journal.
func OperationsPath(root string) string {
	return filepath.Join(root, "pending-operations.json")
}

// DefaultTranscriptRoot returns the transcript root used when the config
// leaves transcript_root empty.
func DefaultTranscriptRoot() string {
	return filepath.Join(cachedHomeDir(), ".claude", "projects")
}

// ResolvedTranscriptRoot returns the effective transcript root for a config.
func (c *Config) ResolvedTranscriptRoot() string {
	if c.TranscriptRoot != "" {
		return ExpandHome(c.TranscriptRoot)
	}
	return DefaultTranscriptRoot()
}
