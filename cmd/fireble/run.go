package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/fireble/bridge"
	"github.com/srg/fireble/internal/api"
	"github.com/srg/fireble/internal/groutine"
	"github.com/srg/fireble/pkg/config"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bridge for every configured FireBoard hub",
	Long: `Connects to every hub listed in the configuration file and keeps the
connections alive until interrupted. Probe entities appear as probes are
plugged in and disappear when they are unplugged or go silent.

Example configuration:

  log_level: info
  http:
    listen: 127.0.0.1:8321
  mqtt:
    broker: tcp://localhost:1883
  devices:
    - address: AA:BB:CC:DD:9F:3E
      name: Smoker
      publish: true

Example:
  fireble run --config fireble.yaml --follow`,
	Args: cobra.NoArgs,
	RunE: runBridge,
}

var (
	runConfigPath string
	runFollow     bool
	runListen     string
)

func init() {
	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", "fireble.yaml", "Configuration file")
	runCmd.Flags().BoolVarP(&runFollow, "follow", "f", false, "Print session events as they happen")
	runCmd.Flags().StringVar(&runListen, "listen", "", "Status API address; overrides http.listen, \"off\" disables it")
}

// loadConfig reads path and builds the logger for it
func loadConfig(cmd *cobra.Command, path string) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	logger, err := configureLogger(cmd, cfg.Level())
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func runBridge(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd, runConfigPath)
	if err != nil {
		return err
	}
	switch runListen {
	case "":
	case "off":
		cfg.HTTP.Listen = ""
	default:
		cfg.HTTP.Listen = runListen
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	progress := NewProgressPrinter(cmd.OutOrStdout(),
		fmt.Sprintf("Starting bridge for %d device(s)", len(cfg.Devices)), "Opening Bluetooth adapter", 0, "Running")
	progress.Start()
	defer progress.Stop()

	_, err = bridge.Run(ctx, &bridge.Options{Config: cfg, Logger: logger}, progress.Callback(),
		func(b *bridge.Bridge) (struct{}, error) {
			return struct{}{}, serve(ctx, b, cfg.HTTP.Listen, cmd.OutOrStdout(), runFollow, logger)
		})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// serve runs the status API and the event feed until ctx ends
func serve(ctx context.Context, b *bridge.Bridge, listen string, out io.Writer, follow bool, logger *logrus.Logger) error {
	var apiErr chan error
	if listen != "" {
		apiErr = make(chan error, 1)
		router := api.New(b, logger)
		groutine.Go(ctx, "status-api", func(ctx context.Context) {
			apiErr <- router.Serve(ctx, listen)
		})
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("Bridge shutting down...")
			if apiErr != nil {
				if err := <-apiErr; err != nil {
					logger.WithError(err).Warn("Status API shutdown failed")
				}
			}
			return nil
		case err := <-apiErr:
			apiErr = nil
			if err != nil {
				return fmt.Errorf("status API: %w", err)
			}
		case ev := <-b.Events():
			if follow {
				fmt.Fprintln(out, formatEvent(ev))
			}
		}
	}
}
