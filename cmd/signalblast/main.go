package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"signalblast/internal/app"
	"signalblast/internal/config"
)

const (
	defaultConfigPath = "./config.yaml"
	stopTimeout       = 30 * time.Second
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "signalblast",
		Short:         "Broadcast relay bot for Signal and Telegram",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runBot,
	}
	rootCmd.PersistentFlags().String("config", defaultConfigPath, "Path to the JSON or YAML config file")
	addOverrideFlags(rootCmd)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the bot (default)",
		RunE:  runBot,
	}
	addOverrideFlags(runCmd)

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Load and validate the configuration, then exit",
		RunE:  runConfigCheck,
	}
	addOverrideFlags(checkCmd)
	printCmd := &cobra.Command{
		Use:   "print",
		Short: "Print the effective configuration as YAML",
		RunE:  runConfigPrint,
	}
	addOverrideFlags(printCmd)
	configCmd.AddCommand(checkCmd, printCmd)

	rootCmd.AddCommand(runCmd, configCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func runBot(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts, err := options(cmd)
	if err != nil {
		return err
	}
	a, err := app.New(opts)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
		defer stopCancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	select {
	case <-ctx.Done():
	case <-a.Done():
	}
	// The app context derives from ctx, so only a live ctx means the app died on its own.
	reason := app.StopSignal
	if ctx.Err() == nil {
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if reason == app.StopFatalError {
		if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

func runConfigCheck(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "config ok (transport=%s, storage=%s, data_dir=%s)\n",
		cfg.Transport.Driver, cfg.Storage.Driver, cfg.Bot.DataDir)
	return nil
}

func runConfigPrint(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	// Keep the admin secret out of terminals and logs.
	if cfg.Admin.Password != "" {
		cfg.Admin.Password = "***"
	}
	out, err := config.MarshalYAML(cfg)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	opts, err := options(cmd)
	if err != nil {
		return nil, err
	}
	m := config.NewConfigManager(opts.ConfigPath)
	m.SetOverride(opts.Override)
	return m.Load()
}
