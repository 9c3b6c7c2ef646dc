// Package config loads Panopticon configuration and resolves state paths.
//
// Configuration lives at ~/.panopticon/config.toml. Every knob has a
// default; a missing file yields the default configuration. Credentials
// for upstream collaborators are loaded separately from ~/.panopticon/.env
// (see cmd serve), never from config.toml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// HealthThresholds controls the pane-quiet windows used by the health
// classifier. All values are durations in seconds in the TOML file.
type HealthThresholds struct {
	StaleSec int `toml:"stale_sec"`
	WarnSec  int `toml:"warn_sec"`
	StuckSec int `toml:"stuck_sec"`
}

// Config is the enumerated engine configuration. Dynamic config shapes are
// deliberately not supported; unknown keys are rejected at load time.
type Config struct {
	// ListenAddr is the bind address for the control surface.
	ListenAddr string `toml:"listen_addr"`

	// PatrolIntervalSec is the reconciler tick interval.
	PatrolIntervalSec int `toml:"patrol_interval_sec"`

	// ActivityRetention bounds the per-agent activity log entry count.
	ActivityRetention int `toml:"activity_retention"`

	// CircuitBreakerMax bounds automatic review requeues per issue.
	CircuitBreakerMax int `toml:"circuit_breaker_max"`

	// AnswerPaceMs is the delay between answer keystrokes.
	AnswerPaceMs int `toml:"answer_pace_ms"`

	// OperationTimeoutMin marks journal operations failed after this long.
	OperationTimeoutMin int `toml:"operation_timeout_min"`

	// TrackerTimeoutSec is the ceiling on upstream issue-tracker calls.
	TrackerTimeoutSec int `toml:"tracker_timeout_sec"`

	// AgentCommand is the command launched for worker agents. The
	// placeholders {model} and {resume} are substituted when present.
	AgentCommand string `toml:"agent_command"`

	// SpecialistCommand is the command launched for specialist agents.
	SpecialistCommand string `toml:"specialist_command"`

	// TranscriptRoot is the directory holding per-workspace transcript
	// directories. Empty means ~/.claude/projects.
	TranscriptRoot string `toml:"transcript_root"`

	Health HealthThresholds `toml:"health"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddr:          "127.0.0.1:7777",
		PatrolIntervalSec:   30,
		ActivityRetention:   100,
		CircuitBreakerMax:   3,
		AnswerPaceMs:        100,
		OperationTimeoutMin: 10,
		TrackerTimeoutSec:   30,
		AgentCommand:        "claude --dangerously-skip-permissions",
		SpecialistCommand:   "claude --dangerously-skip-permissions",
		Health: HealthThresholds{
			StaleSec: 120,
			WarnSec:  480,
			StuckSec: 1200,
		},
	}
}

// Load reads config.toml under the given root, applying defaults for any
// missing fields. A missing file is not an error.
func Load(root string) (*Config, error) {
	cfg := Default()
	path := filepath.Join(root, "config.toml")

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config keys in %s: %v", path, undecoded)
	}
	return cfg, nil
}

// PatrolInterval returns the patrol tick interval as a duration.
func (c *Config) PatrolInterval() time.Duration {
	return time.Duration(c.PatrolIntervalSec) * time.Second
}

// OperationTimeout returns the journal staleness ceiling.
func (c *Config) OperationTimeout() time.Duration {
	return time.Duration(c.OperationTimeoutMin) * time.Minute
}

// TrackerTimeout returns the upstream-tracker call ceiling.
func (c *Config) TrackerTimeout() time.Duration {
	return time.Duration(c.TrackerTimeoutSec) * time.Second
}

// StaleThreshold returns the pane-quiet window for the stale classification.
func (h HealthThresholds) StaleThreshold() time.Duration {
	return time.Duration(h.StaleSec) * time.Second
}

// WarnThreshold returns the pane-quiet window for the warning classification.
func (h HealthThresholds) WarnThreshold() time.Duration {
	return time.Duration(h.WarnSec) * time.Second
}

// StuckThreshold returns the pane-quiet window for the stuck classification.
func (h HealthThresholds) StuckThreshold() time.Duration {
	return time.Duration(h.StuckSec) * time.Second
}
