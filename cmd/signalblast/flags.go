package main

import (
	"fmt"
	"net"
	"strconv"

	"github.com/spf13/cobra"

	"signalblast/internal/app"
	"signalblast/internal/config"
)

// addOverrideFlags registers the flags that win over both the config file
// and the environment. Only flags set on the command line are applied.
func addOverrideFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("admin_pass", "", "Admin password (replaces the stored hash)")
	f.Int("expiration_time", 0, "Disappearing message timer in seconds, 0 to disable")
	f.String("signal_service", "", "signal-cli REST API address (host:port)")
	f.String("phone_number", "", "Phone number registered for the bot")
	f.String("welcome_message", "", "Extra text sent to new subscribers")
	f.Int("health_check_port", 0, "Port for the health check listener")
	f.String("health_check_receiver", "", "Recipient pinged on every health check")
	f.String("instructions_url", "", "Link shown in help and subscription replies")
	f.String("data_dir", "", "Directory for subscribers, bans, admin and history")
	f.String("transport", "", "Transport driver: signal or telegram")
}

func options(cmd *cobra.Command) (app.Options, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return app.Options{}, err
	}
	override, err := flagOverride(cmd)
	if err != nil {
		return app.Options{}, err
	}
	return app.Options{ConfigPath: path, Override: override}, nil
}

func flagOverride(cmd *cobra.Command) (func(*config.Config), error) {
	f := cmd.Flags()
	var sets []func(*config.Config)

	str := func(name string, apply func(*config.Config, string)) error {
		if !f.Changed(name) {
			return nil
		}
		v, err := f.GetString(name)
		if err != nil {
			return err
		}
		sets = append(sets, func(c *config.Config) { apply(c, v) })
		return nil
	}
	for name, apply := range map[string]func(*config.Config, string){
		"admin_pass":            func(c *config.Config, v string) { c.Admin.Password = v },
		"signal_service":        func(c *config.Config, v string) { c.Transport.Signal.Service = v },
		"phone_number":          func(c *config.Config, v string) { c.Bot.PhoneNumber = v },
		"welcome_message":       func(c *config.Config, v string) { c.Bot.WelcomeMessage = v },
		"health_check_receiver": func(c *config.Config, v string) { c.Health.Receiver = v },
		"instructions_url":      func(c *config.Config, v string) { c.Bot.InstructionsURL = v },
		"data_dir":              func(c *config.Config, v string) { c.Bot.DataDir = v },
		"transport":             func(c *config.Config, v string) { c.Transport.Driver = v },
	} {
		if err := str(name, apply); err != nil {
			return nil, err
		}
	}

	if f.Changed("expiration_time") {
		secs, err := f.GetInt("expiration_time")
		if err != nil {
			return nil, err
		}
		if secs < 0 {
			return nil, fmt.Errorf("--expiration_time: must be >= 0")
		}
		sets = append(sets, func(c *config.Config) { c.Bot.ExpirationSeconds = secs })
	}
	if f.Changed("health_check_port") {
		port, err := f.GetInt("health_check_port")
		if err != nil {
			return nil, err
		}
		if port <= 0 || port > 65535 {
			return nil, fmt.Errorf("--health_check_port: invalid port %d", port)
		}
		sets = append(sets, func(c *config.Config) {
			host, _, err := net.SplitHostPort(c.Health.Addr)
			if err != nil || host == "" {
				host = "127.0.0.1"
			}
			c.Health.Addr = net.JoinHostPort(host, strconv.Itoa(port))
		})
	}

	return func(c *config.Config) {
		for _, set := range sets {
			set(c)
		}
	}, nil
}
