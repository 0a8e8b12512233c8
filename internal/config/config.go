// Package config loads the daemon's YAML configuration, merges defaults,
// and applies environment overrides. The merged Config is read-only after
// startup — no component mutates it at runtime.
package config

import (
	"os"
	"path/filepath"
	"strings"
)

// Config is the root configuration for the aide daemon.
type Config struct {
	Agent      AgentConfig      `yaml:"agent"`
	Tmux       TmuxConfig       `yaml:"tmux"`
	Daemon     DaemonConfig     `yaml:"daemon"`
	Transcript TranscriptConfig `yaml:"transcript"`
	Channels   ChannelsConfig   `yaml:"channels"`
	AgentComms AgentCommsConfig `yaml:"agent-comms"`
	Network    NetworkConfig    `yaml:"network"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Security   SecurityConfig   `yaml:"security"`
	Watchdog   WatchdogConfig   `yaml:"watchdog"`
}

// AgentConfig identifies this agent instance.
type AgentConfig struct {
	Name string `yaml:"name"` // display name, used in logs and peer identity
	Role string `yaml:"role"` // free-form role description
}

// TmuxConfig names the pane the session bridge talks to.
type TmuxConfig struct {
	Session string `yaml:"session"` // tmux session name
	Socket  string `yaml:"socket"`  // tmux -L socket name ("" = default socket)
	Command string `yaml:"command"` // command used by StartSession when the pane is absent
}

// DaemonConfig configures the HTTP front end and logging.
type DaemonConfig struct {
	Port           int               `yaml:"port"`
	LogLevel       string            `yaml:"log_level"` // debug/info/warn/error
	LogFile        string            `yaml:"log_file"`
	LogRotation    LogRotationConfig `yaml:"log_rotation"`
	StateDir       string            `yaml:"state_dir"`       // persisted JSON state lives here
	ExternalHeader string            `yaml:"external_header"` // header injected by the reverse proxy on tunnel traffic
}

// LogRotationConfig bounds the daemon log file.
type LogRotationConfig struct {
	MaxSizeMB int `yaml:"max_size_mb"`
	MaxFiles  int `yaml:"max_files"`
}

// TranscriptConfig locates the LLM session's JSONL transcript.
type TranscriptConfig struct {
	Dir          string `yaml:"dir"`           // directory scanned for the newest transcript
	Extension    string `yaml:"extension"`     // transcript file extension (default ".jsonl")
	PollInterval string `yaml:"poll_interval"` // safety-net poll ("15s")
}

// ChannelsConfig enables and configures the outbound/inbound adapters.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Email    EmailConfig    `yaml:"email"`
	Voice    VoiceConfig    `yaml:"voice"`
}

// TelegramConfig configures the chat-bot adapter.
type TelegramConfig struct {
	Enabled     bool   `yaml:"enabled"`
	TokenSecret string `yaml:"token_secret"` // vault name of the bot token
	PrimaryChat string `yaml:"primary_chat"` // chat ID of the primary human
	PrimaryUser string `yaml:"primary_user"` // sender ID of the primary human (approval authority)
}

// EmailConfig configures the mail adapter.
type EmailConfig struct {
	Enabled   bool            `yaml:"enabled"`
	Providers []EmailProvider `yaml:"providers"` // ordered; first healthy provider is the send identity
	Triage    TriageConfig    `yaml:"triage"`
	Address   string          `yaml:"address"` // our own address, used as From
}

// EmailProvider is one IMAP/SMTP backend.
type EmailProvider struct {
	Name           string `yaml:"name"`
	IMAPHost       string `yaml:"imap_host"`
	IMAPPort       int    `yaml:"imap_port"`
	SMTPHost       string `yaml:"smtp_host"`
	SMTPPort       int    `yaml:"smtp_port"`
	TLS            bool   `yaml:"tls"`
	Username       string `yaml:"username"`
	PasswordSecret string `yaml:"password_secret"` // vault name of the account password
}

// TriageConfig holds pattern lists for the email triage classifier.
// Entries are plain substrings or "/regex/" forms.
type TriageConfig struct {
	VIP         []string `yaml:"vip"`
	Junk        []string `yaml:"junk"`
	Newsletters []string `yaml:"newsletters"`
	Receipts    []string `yaml:"receipts"`
	AutoRead    []string `yaml:"auto_read"`
}

// VoiceConfig configures the voice pipeline endpoints.
type VoiceConfig struct {
	Enabled    bool   `yaml:"enabled"`
	STTURL     string `yaml:"stt"`        // STT proxy base URL
	TTSURL     string `yaml:"tts"`        // TTS proxy base URL
	WakeWord   string `yaml:"wake_word"`
	Client     string `yaml:"client"`     // registered client identifier
	Initiation string `yaml:"initiation"` // "push" or "wake"
}

// AgentCommsConfig configures the inter-agent messaging plane.
type AgentCommsConfig struct {
	Enabled      bool   `yaml:"enabled"`
	SecretName   string `yaml:"secret"`   // vault name of the shared LAN bearer secret
	KeySecret    string `yaml:"key_secret"` // vault name of the ed25519 private key (base64)
	Peers        []Peer `yaml:"peers"`
	HeartbeatInt string `yaml:"heartbeat_interval"` // default "5m"
}

// Peer is one known remote agent. PublicKey pins the peer's signing
// key; when empty the key is fetched from the relay on demand.
type Peer struct {
	Name       string `yaml:"name"`
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	FallbackIP string `yaml:"fallback_ip"`
	PublicKey  string `yaml:"public_key"` // base64 ed25519
}

// NetworkConfig configures optional relay participation.
type NetworkConfig struct {
	Enabled      bool   `yaml:"enabled"`
	RelayURL     string `yaml:"relay_url"`
	PollInterval string `yaml:"poll_interval"` // default "30s"
}

// SchedulerConfig lists enabled scheduled tasks.
type SchedulerConfig struct {
	Tasks []TaskConfig `yaml:"tasks"`
}

// TaskConfig binds a registered task to a schedule. Exactly one of
// Interval or Cron should be set; when both are set, Cron wins.
type TaskConfig struct {
	Name     string            `yaml:"name"`
	Enabled  *bool             `yaml:"enabled"` // nil = enabled
	Interval string            `yaml:"interval,omitempty"`
	Cron     string            `yaml:"cron,omitempty"`
	Config   map[string]string `yaml:"config,omitempty"`
}

// IsEnabled reports whether the task slot is active.
func (t TaskConfig) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// SecurityConfig holds rate-limit parameters.
type SecurityConfig struct {
	RateLimits RateLimitConfig `yaml:"rate_limits"`
}

// RateLimitConfig bounds inbound and outbound message rates.
type RateLimitConfig struct {
	IncomingMaxPerMinute int `yaml:"incoming_max_per_minute"`
	OutgoingMaxPerMinute int `yaml:"outgoing_max_per_minute"`
}

// WatchdogConfig configures the context-usage watchdog thresholds.
// Percentages of the model context window; escalation is tiered.
type WatchdogConfig struct {
	UsageFile   string `yaml:"usage_file"` // context-usage.json written by the LLM status line
	NoticePct   int    `yaml:"notice_pct"`
	WarnPct     int    `yaml:"warn_pct"`
	UrgentPct   int    `yaml:"urgent_pct"`
	CriticalPct int    `yaml:"critical_pct"`
}

// ExpandHome expands a leading "~/" to the user's home directory.
func ExpandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// StatePath resolves a file name inside the daemon state directory.
func (c *Config) StatePath(name string) string {
	return filepath.Join(ExpandHome(c.Daemon.StateDir), name)
}
