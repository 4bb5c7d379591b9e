package config

import (
	"reflect"
	"strings"

	logx "signalblast/pkg/logx"
)

// SummarizeConfigChange lists the changed top-level sections and safe fields
// for logging. Secrets (password, token) are reported only as set/unset.
// restart lists changed sections that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	if oldCfg.Bot != newCfg.Bot {
		changed = append(changed, "bot")
		attrs = append(attrs,
			logx.Bool("bot.welcome_set", newCfg.Bot.WelcomeMessage != ""),
			logx.String("bot.instructions_url", newCfg.Bot.InstructionsURL),
			logx.Int("bot.expiration_seconds", newCfg.Bot.ExpirationSeconds),
		)
		if oldCfg.Bot.PhoneNumber != newCfg.Bot.PhoneNumber || oldCfg.Bot.DataDir != newCfg.Bot.DataDir {
			restart = append(restart, "bot")
		}
	}

	if oldCfg.Admin.File != newCfg.Admin.File || (oldCfg.Admin.Password != "") != (newCfg.Admin.Password != "") {
		changed = append(changed, "admin")
		attrs = append(attrs, logx.Bool("admin.password_set", strings.TrimSpace(newCfg.Admin.Password) != ""))
		restart = append(restart, "admin")
	}

	oT, nT := oldCfg.Transport, newCfg.Transport
	if oT.Driver != nT.Driver || oT.Signal != nT.Signal || oT.Telegram.PollTimeout != nT.Telegram.PollTimeout ||
		(oT.Telegram.Token != "") != (nT.Telegram.Token != "") {
		changed = append(changed, "transport")
		attrs = append(attrs,
			logx.String("transport.driver", nT.Driver),
			logx.String("transport.signal.service", nT.Signal.Service),
			logx.Bool("transport.telegram.token_set", nT.Telegram.Token != ""),
		)
		restart = append(restart, "transport")
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver), logx.String("storage.path", newCfg.Storage.Path))
		restart = append(restart, "storage")
	}

	if oldCfg.Broadcast != newCfg.Broadcast {
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.Any("broadcast.rate_per_sec", newCfg.Broadcast.RatePerSec),
			logx.Int("broadcast.max_in_flight", newCfg.Broadcast.MaxInFlight),
			logx.String("broadcast.stagger", newCfg.Broadcast.Stagger),
			logx.Bool("broadcast.implicit_text", newCfg.Broadcast.ImplicitText),
		)
	}

	if oldCfg.History != newCfg.History {
		changed = append(changed, "history")
		attrs = append(attrs,
			logx.String("history.retention", newCfg.History.Retention),
			logx.String("history.prune_schedule", newCfg.History.PruneSchedule),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.workers", newCfg.Dispatch.Workers),
			logx.Int("dispatch.queue_size", newCfg.Dispatch.QueueSize),
			logx.String("dispatch.handler_timeout", newCfg.Dispatch.HandlerTimeout),
		)
		if oldCfg.Dispatch.Workers != newCfg.Dispatch.Workers || oldCfg.Dispatch.QueueSize != newCfg.Dispatch.QueueSize {
			restart = append(restart, "dispatch")
		}
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}

	if oldCfg.Health != newCfg.Health {
		changed = append(changed, "health")
		attrs = append(attrs,
			logx.Bool("health.enabled", newCfg.Health.Enabled),
			logx.String("health.addr", newCfg.Health.Addr),
			logx.Bool("health.receiver_set", newCfg.Health.Receiver != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.notify_enabled", newCfg.Logging.Notify.Enabled),
			logx.String("logging.rotate_schedule", newCfg.Logging.RotateSchedule),
		)
	}

	return changed, attrs, restart
}
