package app

import (
	"fmt"
	"strings"
	"time"

	"signalblast/internal/broadcast"
	"signalblast/internal/config"
	"signalblast/internal/dispatch"
	"signalblast/internal/health"
	"signalblast/internal/storage"
	"signalblast/internal/task/scheduler"
	"signalblast/internal/transport"
	"signalblast/internal/transport/signal"
	"signalblast/internal/transport/telegram"
	logx "signalblast/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled:   lc.File.Enabled,
			Path:      lc.File.Path,
			MaxSizeMB: lc.File.MaxSizeMB,
			Backups:   lc.File.Backups,
		},
		Notify: logx.NotifyConfig{
			Enabled:    lc.Notify.Enabled,
			Recipient:  lc.Notify.Recipient,
			MinLevel:   lc.Notify.MinLevel,
			RatePerSec: lc.Notify.RatePerSec,
		},
	}
}

// mapStorageConfig reports enabled=false for the "none" driver.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{Driver: driver, Path: cfg.StoragePath(), BusyTimeout: busy}, true, nil
}

func mapBroadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	bc := cfg.Broadcast
	stagger, err := config.ParseDurationField("broadcast.stagger", bc.Stagger)
	if err != nil {
		return broadcast.Config{}, err
	}
	sendTimeout, err := config.ParseDurationField("broadcast.send_timeout", bc.SendTimeout)
	if err != nil {
		return broadcast.Config{}, err
	}
	retention, err := config.ParseDurationField("history.retention", cfg.History.Retention)
	if err != nil {
		return broadcast.Config{}, err
	}
	return broadcast.Config{
		RatePerSec:       bc.RatePerSec,
		MaxInFlight:      bc.MaxInFlight,
		Stagger:          stagger,
		StaggerJitter:    bc.StaggerJitter,
		SendTimeout:      sendTimeout,
		FailureThreshold: bc.FailureThreshold,
		Retention:        retention,
	}, nil
}

func mapDispatchSettings(cfg *config.Config) (dispatch.Settings, error) {
	timeout, err := config.ParseDurationField("dispatch.handler_timeout", cfg.Dispatch.HandlerTimeout)
	if err != nil {
		return dispatch.Settings{}, err
	}
	return dispatch.Settings{
		WelcomeMessage:    cfg.Bot.WelcomeMessage,
		InstructionsURL:   cfg.Bot.InstructionsURL,
		ExpirationSeconds: cfg.Bot.ExpirationSeconds,
		ImplicitText:      cfg.Broadcast.ImplicitText,
		Workers:           cfg.Dispatch.Workers,
		QueueSize:         cfg.Dispatch.QueueSize,
		HandlerTimeout:    timeout,
	}, nil
}

func mapHealthConfig(cfg *config.Config) (health.Config, error) {
	timeout, err := config.ParseDurationField("health.timeout", cfg.Health.Timeout)
	if err != nil {
		return health.Config{}, err
	}
	return health.Config{
		Enabled:  cfg.Health.Enabled,
		Addr:     cfg.Health.Addr,
		Receiver: cfg.Health.Receiver,
		Timeout:  timeout,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: cfg.Scheduler.Timezone}
}

// newTransport builds the adapter selected by transport.driver.
func newTransport(cfg *config.Config, log logx.Logger) (transport.Adapter, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Transport.Driver)) {
	case "signal":
		recv, err := config.ParseDurationField("transport.signal.receive_timeout", cfg.Transport.Signal.ReceiveTimeout)
		if err != nil {
			return nil, err
		}
		return signal.New(signal.Config{
			Service:        cfg.Transport.Signal.Service,
			Number:         cfg.Bot.PhoneNumber,
			ReceiveTimeout: recv,
		}, log)
	case "telegram":
		poll, err := config.ParseDurationOrDefault("transport.telegram.poll_timeout", cfg.Transport.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		return telegram.New(telegram.Config{
			Token:       cfg.Transport.Telegram.Token,
			PollTimeout: poll,
		}, log)
	default:
		return nil, fmt.Errorf("unknown transport.driver: %s", cfg.Transport.Driver)
	}
}
