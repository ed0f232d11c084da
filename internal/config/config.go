// Package config loads the Gateway's settings from layered JSON files:
// user-level defaults overridden by a per-project file, merged field by
// field (project wins, then user, then a built-in default) — the same
// Manager{userConfig,projectConfig,merged} shape the teacher CLI uses for
// its own settings.json, generalized from UI/agent/tool preferences to the
// Gateway's socket paths, listen address, and timing budgets.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config holds every tunable the Gateway daemon needs at startup.
type Config struct {
	// Listen is the WebSocket acceptor's host:port (spec §4.10).
	Listen string `json:"listen,omitempty"`
	// HookSocketPath is the Unix-domain-socket path hook senders connect to.
	HookSocketPath string `json:"hook_socket_path,omitempty"`
	// RecoveryDir is where PtyBridge writes {pid,sessionId,...} recovery files.
	RecoveryDir string `json:"recovery_dir,omitempty"`
	// DBPath is the sqlite file backing the outbox and job tables.
	DBPath string `json:"db_path,omitempty"`
	// RingBufferBudget is the per-session byte budget for the RingBuffer.
	RingBufferBudget int `json:"ring_buffer_budget,omitempty"`
	// OutboxPollIntervalMS is loaded and merged but not passed to the
	// OutboxTailer, which polls on its own fixed 1s interval.
	OutboxPollIntervalMS int `json:"outbox_poll_interval_ms,omitempty"`
	// MaxConcurrentJobs is loaded and merged but not passed to JobManager,
	// which uses its fixed jobs.MaxConcurrentJobs (3).
	MaxConcurrentJobs int `json:"max_concurrent_jobs,omitempty"`
	// JobTimeoutSeconds is loaded and merged but not passed to JobRunner,
	// which uses its fixed 5-minute default budget.
	JobTimeoutSeconds int `json:"job_timeout_seconds,omitempty"`
	// KnowledgeSyncTimeoutSeconds is loaded and merged but not passed to
	// JobRunner, which uses its fixed 15-minute knowledge_sync budget.
	KnowledgeSyncTimeoutSeconds int `json:"knowledge_sync_timeout_seconds,omitempty"`
	// CommanderCommand is the external CLI binary the CommanderManager spawns.
	CommanderCommand string `json:"commander_command,omitempty"`
	// CommanderProjectDir is the directory the Commander's transcript watcher scans.
	CommanderProjectDir string `json:"commander_project_dir,omitempty"`
	// RateLimitPerSecond bounds per-session hook-line ingestion.
	RateLimitPerSecond float64 `json:"rate_limit_per_second,omitempty"`
	// LogLevel is one of debug/info/warn/error.
	LogLevel string `json:"log_level,omitempty"`
	// LogFile, if set, additionally writes logs to this path.
	LogFile string `json:"log_file,omitempty"`
}

// Manager loads and merges user- and project-scoped config files.
type Manager struct {
	userConfig    *Config
	projectConfig *Config
	merged        *Config
}

func NewManager() *Manager {
	return &Manager{userConfig: &Config{}, projectConfig: &Config{}, merged: &Config{}}
}

// Load reads <userConfigDir>/gateway.json and <projectDir>/.fleetgate/gateway.json,
// tolerating either being absent, then merges them.
func (m *Manager) Load(userConfigDir, projectDir string) error {
	if err := m.loadConfig(filepath.Join(userConfigDir, "gateway.json"), m.userConfig); err != nil {
		return err
	}
	if err := m.loadConfig(filepath.Join(projectDir, ".fleetgate", "gateway.json"), m.projectConfig); err != nil {
		return err
	}
	m.mergeConfigs()
	return nil
}

func (m *Manager) loadConfig(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, cfg)
}

func (m *Manager) mergeConfigs() {
	m.merged = &Config{
		Listen:                      str(m.projectConfig.Listen, m.userConfig.Listen, "127.0.0.1:7420"),
		HookSocketPath:              str(m.projectConfig.HookSocketPath, m.userConfig.HookSocketPath, defaultHookSocketPath()),
		RecoveryDir:                 str(m.projectConfig.RecoveryDir, m.userConfig.RecoveryDir, defaultRecoveryDir()),
		DBPath:                      str(m.projectConfig.DBPath, m.userConfig.DBPath, defaultDBPath()),
		RingBufferBudget:            ints(m.projectConfig.RingBufferBudget, m.userConfig.RingBufferBudget, 256*1024),
		OutboxPollIntervalMS:        ints(m.projectConfig.OutboxPollIntervalMS, m.userConfig.OutboxPollIntervalMS, 1000),
		MaxConcurrentJobs:           ints(m.projectConfig.MaxConcurrentJobs, m.userConfig.MaxConcurrentJobs, 3),
		JobTimeoutSeconds:           ints(m.projectConfig.JobTimeoutSeconds, m.userConfig.JobTimeoutSeconds, 300),
		KnowledgeSyncTimeoutSeconds: ints(m.projectConfig.KnowledgeSyncTimeoutSeconds, m.userConfig.KnowledgeSyncTimeoutSeconds, 900),
		CommanderCommand:            str(m.projectConfig.CommanderCommand, m.userConfig.CommanderCommand, "claude"),
		CommanderProjectDir:         str(m.projectConfig.CommanderProjectDir, m.userConfig.CommanderProjectDir, ""),
		RateLimitPerSecond:          floats(m.projectConfig.RateLimitPerSecond, m.userConfig.RateLimitPerSecond, 20),
		LogLevel:                    str(m.projectConfig.LogLevel, m.userConfig.LogLevel, "info"),
		LogFile:                     str(m.projectConfig.LogFile, m.userConfig.LogFile, ""),
	}
}

func str(project, user, def string) string {
	if project != "" {
		return project
	}
	if user != "" {
		return user
	}
	return def
}

func ints(project, user, def int) int {
	if project != 0 {
		return project
	}
	if user != 0 {
		return user
	}
	return def
}

func floats(project, user, def float64) float64 {
	if project != 0 {
		return project
	}
	if user != 0 {
		return user
	}
	return def
}

// Get returns the merged, effective configuration.
func (m *Manager) Get() *Config {
	return m.merged
}

// SaveUserConfig persists the in-memory user-level config back to disk.
func (m *Manager) SaveUserConfig(userConfigDir string) error {
	if err := os.MkdirAll(userConfigDir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m.userConfig, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(userConfigDir, "gateway.json"), data, 0644)
}

// SaveProjectConfig persists the in-memory project-level config back to disk.
func (m *Manager) SaveProjectConfig(projectDir string) error {
	dir := filepath.Join(projectDir, ".fleetgate")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m.projectConfig, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "gateway.json"), data, 0644)
}
