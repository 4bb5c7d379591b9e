package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"

	"signalblast/internal/task/scheduler"
	logx "signalblast/pkg/logx"
)

const fourWeeks = 60 * 60 * 24 * 7 * 4

// Defaults returns a config with every default filled in. Parse decodes the
// file on top of it, so omitted keys keep these values.
func Defaults() *Config {
	return &Config{
		Bot: BotConfig{
			ExpirationSeconds: fourWeeks,
			DataDir:           "./data",
		},
		Transport: TransportConfig{
			Driver:   "signal",
			Signal:   SignalConfig{Service: "localhost:8080"},
			Telegram: TelegramConfig{PollTimeout: "10s"},
		},
		Storage: StorageConfig{Driver: "sqlite", BusyTimeout: "1s"},
		Broadcast: BroadcastConfig{
			RatePerSec:       5,
			MaxInFlight:      16,
			Stagger:          "500ms",
			StaggerJitter:    0.5,
			SendTimeout:      "60s",
			FailureThreshold: 10,
		},
		History:   HistoryConfig{Retention: "24h", PruneSchedule: "@daily"},
		Dispatch:  DispatchConfig{Workers: 4, QueueSize: 256, HandlerTimeout: "10m"},
		Scheduler: SchedulerConfig{Enabled: true},
		Health:    HealthConfig{Enabled: true, Addr: "127.0.0.1:15556", Timeout: "30s"},
		Logging: LoggingConfig{
			Level:          "info",
			Console:        true,
			File:           LogFileConfig{Path: "./signalblast.log", MaxSizeMB: 5, Backups: 1},
			Notify:         LogNotifyConfig{MinLevel: "warn", RatePerSec: 1},
			RotateSchedule: "@every 12h",
		},
	}
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays the SIGNALBLAST_* environment onto cfg.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("SIGNALBLAST_PASSWORD", &cfg.Admin.Password)
	str("SIGNAL_SERVICE", &cfg.Transport.Signal.Service)
	str("SIGNALBLAST_PHONE_NUMBER", &cfg.Bot.PhoneNumber)
	str("SIGNALBLAST_WELCOME_MESSAGE", &cfg.Bot.WelcomeMessage)
	str("SIGNALBLAST_HEALTHCHECK_RECEIVER", &cfg.Health.Receiver)
	str("SIGNALBLAST_INSTRUCTIONS_URL", &cfg.Bot.InstructionsURL)
	str("SIGNALBLAST_DATA_DIR", &cfg.Bot.DataDir)
	str("SIGNALBLAST_TELEGRAM_TOKEN", &cfg.Transport.Telegram.Token)

	var errs []error
	if v, ok := lookup("SIGNALBLAST_EXPIRATION_TIME"); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("SIGNALBLAST_EXPIRATION_TIME: %w", err))
		} else {
			cfg.Bot.ExpirationSeconds = n
		}
	}
	if v, ok := lookup("SIGNALBLAST_HEALTHCHECK_PORT"); ok && strings.TrimSpace(v) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || port <= 0 || port > 65535 {
			errs = append(errs, fmt.Errorf("SIGNALBLAST_HEALTHCHECK_PORT: invalid port %q", v))
		} else {
			host, _, err := net.SplitHostPort(cfg.Health.Addr)
			if err != nil || host == "" {
				host = "127.0.0.1"
			}
			cfg.Health.Addr = net.JoinHostPort(host, strconv.Itoa(port))
		}
	}
	return errors.Join(errs...)
}

// AdminFile is where the admin id and password hash live.
func (c *Config) AdminFile() string {
	if c.Admin.File != "" {
		return c.Admin.File
	}
	return filepath.Join(c.Bot.DataDir, "admin.txt")
}

func (c *Config) SubscribersFile() string { return filepath.Join(c.Bot.DataDir, "subscribers.csv") }

func (c *Config) BannedFile() string { return filepath.Join(c.Bot.DataDir, "banned_users.csv") }

// StoragePath is the history store location for the configured driver.
func (c *Config) StoragePath() string {
	if c.Storage.Path != "" {
		return c.Storage.Path
	}
	switch strings.ToLower(c.Storage.Driver) {
	case "badger":
		return filepath.Join(c.Bot.DataDir, "history.badger")
	case "file":
		return filepath.Join(c.Bot.DataDir, "history")
	default:
		return filepath.Join(c.Bot.DataDir, "signalblast.db")
	}
}

// Validate checks cross-field rules and that every duration and schedule parses.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(c.Transport.Driver) {
	case "signal":
		if strings.TrimSpace(c.Bot.PhoneNumber) == "" {
			add(errors.New("bot.phone_number: the bot phone number is not set"))
		}
		if strings.TrimSpace(c.Transport.Signal.Service) == "" {
			add(errors.New("transport.signal.service: required"))
		}
	case "telegram":
		if strings.TrimSpace(c.Transport.Telegram.Token) == "" {
			add(errors.New("transport.telegram.token: required"))
		}
	default:
		add(fmt.Errorf("transport.driver: unknown driver %q", c.Transport.Driver))
	}

	switch strings.ToLower(c.Storage.Driver) {
	case "", "none", "memory", "file", "sqlite", "sqlite3", "badger":
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}

	if strings.TrimSpace(c.Bot.DataDir) == "" {
		add(errors.New("bot.data_dir: required"))
	}
	if c.Bot.ExpirationSeconds < 0 {
		add(errors.New("bot.expiration_seconds: must be >= 0"))
	}
	if c.Broadcast.RatePerSec < 0 {
		add(errors.New("broadcast.rate_per_sec: must be >= 0"))
	}
	if c.Broadcast.StaggerJitter < 0 || c.Broadcast.StaggerJitter > 1 {
		add(errors.New("broadcast.stagger_jitter: must be within [0,1]"))
	}
	if c.Broadcast.FailureThreshold < 0 {
		add(errors.New("broadcast.failure_threshold: must be >= 0"))
	}

	for path, raw := range map[string]string{
		"transport.signal.receive_timeout": c.Transport.Signal.ReceiveTimeout,
		"transport.telegram.poll_timeout":  c.Transport.Telegram.PollTimeout,
		"storage.busy_timeout":             c.Storage.BusyTimeout,
		"broadcast.stagger":                c.Broadcast.Stagger,
		"broadcast.send_timeout":           c.Broadcast.SendTimeout,
		"history.retention":                c.History.Retention,
		"dispatch.handler_timeout":         c.Dispatch.HandlerTimeout,
		"health.timeout":                   c.Health.Timeout,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	for path, spec := range map[string]string{
		"history.prune_schedule":  c.History.PruneSchedule,
		"logging.rotate_schedule": c.Logging.RotateSchedule,
	} {
		if _, err := scheduler.ValidateSchedule(spec); err != nil {
			add(fmt.Errorf("%s: %w", path, err))
		}
	}

	if !logx.ValidLevel(c.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	if c.Logging.Notify.Enabled && !logx.ValidLevel(c.Logging.Notify.MinLevel) {
		add(fmt.Errorf("logging.notify.min_level: unknown level %q", c.Logging.Notify.MinLevel))
	}
	if c.Health.Enabled && c.Health.Receiver != "" {
		if _, _, err := net.SplitHostPort(c.Health.Addr); err != nil {
			add(fmt.Errorf("health.addr: %w", err))
		}
	}
	return errors.Join(errs...)
}
