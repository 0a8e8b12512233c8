package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Name: "aide",
			Role: "personal assistant",
		},
		Tmux: TmuxConfig{
			Session: "aide",
			Socket:  "aide",
		},
		Daemon: DaemonConfig{
			Port:     18650,
			LogLevel: "info",
			LogFile:  "~/.aide/logs/daemon.jsonl",
			LogRotation: LogRotationConfig{
				MaxSizeMB: 10,
				MaxFiles:  5,
			},
			StateDir:       "~/.aide/state",
			ExternalHeader: "X-External-Request",
		},
		Transcript: TranscriptConfig{
			Extension:    ".jsonl",
			PollInterval: "15s",
		},
		AgentComms: AgentCommsConfig{
			HeartbeatInt: "5m",
		},
		Network: NetworkConfig{
			PollInterval: "30s",
		},
		Security: SecurityConfig{
			RateLimits: RateLimitConfig{
				IncomingMaxPerMinute: 5,
				OutgoingMaxPerMinute: 20,
			},
		},
		Watchdog: WatchdogConfig{
			UsageFile:   "~/.aide/state/context-usage.json",
			NoticePct:   50,
			WarnPct:     65,
			UrgentPct:   80,
			CriticalPct: 90,
		},
	}
}

// Load reads config from a YAML file, then overlays env vars.
// A missing file yields pure defaults — unknown keys are ignored.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(ExpandHome(path))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("AIDE_AGENT_NAME", &c.Agent.Name)
	envStr("AIDE_TMUX_SESSION", &c.Tmux.Session)
	envStr("AIDE_TMUX_SOCKET", &c.Tmux.Socket)
	envStr("AIDE_STATE_DIR", &c.Daemon.StateDir)
	envStr("AIDE_LOG_LEVEL", &c.Daemon.LogLevel)
	envStr("AIDE_TRANSCRIPT_DIR", &c.Transcript.Dir)
	envStr("AIDE_RELAY_URL", &c.Network.RelayURL)

	if v := os.Getenv("AIDE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Daemon.Port = port
		}
	}
}
