// Package config loads, validates and hot-reloads the bot configuration.
//
// Files may be JSON or YAML (by extension). Unknown keys are rejected.
// Durations are Go duration strings ("500ms", "24h"); a bare integer is read
// as seconds.
package config

type Config struct {
	Bot       BotConfig       `json:"bot"`
	Admin     AdminConfig     `json:"admin"`
	Transport TransportConfig `json:"transport"`
	Storage   StorageConfig   `json:"storage"`
	Broadcast BroadcastConfig `json:"broadcast"`
	History   HistoryConfig   `json:"history"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Health    HealthConfig    `json:"health"`
	Logging   LoggingConfig   `json:"logging"`
}

type BotConfig struct {
	PhoneNumber       string `json:"phone_number"`
	WelcomeMessage    string `json:"welcome_message,omitempty"`
	InstructionsURL   string `json:"instructions_url,omitempty"`
	ExpirationSeconds int    `json:"expiration_seconds"`
	DataDir           string `json:"data_dir"`
}

type AdminConfig struct {
	// Password, when set, replaces the stored admin password hash at boot.
	Password string `json:"password,omitempty"`
	// File defaults to <data_dir>/admin.txt.
	File string `json:"file,omitempty"`
}

type TransportConfig struct {
	Driver   string         `json:"driver"` // signal | telegram
	Signal   SignalConfig   `json:"signal"`
	Telegram TelegramConfig `json:"telegram"`
}

type SignalConfig struct {
	Service        string `json:"service"`
	ReceiveTimeout string `json:"receive_timeout,omitempty"`
}

type TelegramConfig struct {
	Token       string `json:"token,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type StorageConfig struct {
	Driver      string `json:"driver"` // sqlite | badger | file | memory | none
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type BroadcastConfig struct {
	RatePerSec       float64 `json:"rate_per_sec"`
	MaxInFlight      int     `json:"max_in_flight"`
	Stagger          string  `json:"stagger"`
	StaggerJitter    float64 `json:"stagger_jitter"`
	SendTimeout      string  `json:"send_timeout"`
	FailureThreshold int     `json:"failure_threshold"`
	// ImplicitText broadcasts plain non-command text from subscribers.
	ImplicitText bool `json:"implicit_text"`
}

type HistoryConfig struct {
	Retention     string `json:"retention"`
	PruneSchedule string `json:"prune_schedule"`
}

type DispatchConfig struct {
	Workers        int    `json:"workers"`
	QueueSize      int    `json:"queue_size"`
	HandlerTimeout string `json:"handler_timeout"`
}

type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
}

type HealthConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
	// Receiver gets a Ping on every probe. The probe is off while empty.
	Receiver string `json:"receiver,omitempty"`
	Timeout  string `json:"timeout"`
}

type LoggingConfig struct {
	Level          string          `json:"level"`
	Console        bool            `json:"console"`
	File           LogFileConfig   `json:"file"`
	Notify         LogNotifyConfig `json:"notify"`
	RotateSchedule string          `json:"rotate_schedule"`
}

type LogFileConfig struct {
	Enabled   bool   `json:"enabled"`
	Path      string `json:"path"`
	MaxSizeMB int    `json:"max_size_mb"`
	Backups   int    `json:"backups"`
}

// LogNotifyConfig forwards log lines at or above MinLevel to a chat recipient.
type LogNotifyConfig struct {
	Enabled    bool   `json:"enabled"`
	Recipient  string `json:"recipient,omitempty"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}
