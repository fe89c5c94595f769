// Command rdtmgr tracks production line telemetry and serves OEE indicators.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/robertosilvah/rdtmgr/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:   "rdtmgr",
		Short: "Production line downtime and OEE tracker",
		Long: `rdtmgr consumes scanner telemetry from MQTT, splits each line's time into
productions and delays per shift, and serves the indicators over HTTP and
websockets.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (YAML)")

	root.AddCommand(
		newServeCmd(&configFile),
		newSimulateCmd(&configFile),
		newRecordCmd(&configFile),
		newReplayCmd(&configFile),
		newIntervalsCmd(),
	)
	return root
}

// setup loads the config, applies flag overrides and installs the logger as
// the default.
func setup(path string, override func(*config.Config) error) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if override != nil {
		if err := override(cfg); err != nil {
			return nil, nil, err
		}
	}
	log, err := config.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(log)
	return cfg, log, nil
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	}
	return "UNKNOWN"
}
