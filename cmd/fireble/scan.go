package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/fireble/internal/device"
	goble "github.com/srg/fireble/internal/device/go-ble"
	"github.com/srg/fireble/internal/fireboard"
	"github.com/srg/fireble/pkg/config"
	"github.com/srg/fireble/scanner"
	"gopkg.in/yaml.v3"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for FireBoard hubs",
	Long: `Scans for FireBoard hubs in range and lists their addresses and signal strength.

With --format yaml the result is printed as a devices section ready to paste
into the configuration file.

Example:
  fireble scan --duration 5s
  fireble scan --format yaml >> fireble.yaml`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration  time.Duration
	scanFormat    string
	scanAll       bool
	scanAllowList []string
	scanBlockList []string
)

// newScanSource opens the radio used by the scan command
var newScanSource = func() (scanner.Source, error) {
	return goble.NewScanner(goble.DefaultSource)
}

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration (0 for until interrupted)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json, yaml)")
	scanCmd.Flags().BoolVarP(&scanAll, "all", "a", false, "Include peripherals that are not FireBoard hubs")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show devices with these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide devices with these addresses")
}

func runScan(cmd *cobra.Command, _ []string) error {
	switch scanFormat {
	case "table", "json", "yaml":
	default:
		return fmt.Errorf("invalid format '%s': must be one of [table json yaml]", scanFormat)
	}

	logger, err := configureLogger(cmd, logrus.PanicLevel)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	source, err := newScanSource()
	if err != nil {
		return fmt.Errorf("failed to open Bluetooth adapter: %w", err)
	}
	s, err := scanner.NewScanner(source, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	progress := NewProgressPrinter(cmd.OutOrStdout(), "Scanning for FireBoard hubs", "Scanning", scanDuration, "Processing results")
	progress.Start()
	devices, err := s.Scan(ctx, &scanner.Options{
		Duration:  scanDuration,
		All:       scanAll,
		AllowList: scanAllowList,
		BlockList: scanBlockList,
	}, progress.Callback())
	progress.Stop()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch scanFormat {
	case "json":
		return displayDevicesJSON(out, devices)
	case "yaml":
		return displayDevicesYAML(out, devices)
	default:
		return displayDevicesTable(out, devices)
	}
}

func displayDevicesTable(out io.Writer, devices []device.Observation) error {
	if len(devices) == 0 {
		_, err := fmt.Fprintln(out, "No devices discovered")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tFIREBOARD\tCONNECTABLE")
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "(unnamed)"
		}
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\t%s\n", name, d.Address, d.RSSI, yesNo(fireboard.Matches(d)), yesNo(d.Connectable))
	}
	return w.Flush()
}

func displayDevicesJSON(out io.Writer, devices []device.Observation) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(devices)
}

// displayDevicesYAML prints a devices section for the configuration file
func displayDevicesYAML(out io.Writer, devices []device.Observation) error {
	section := struct {
		Devices []config.Device `yaml:"devices"`
	}{Devices: make([]config.Device, 0, len(devices))}
	for _, d := range devices {
		section.Devices = append(section.Devices, config.Device{Address: d.Address, Name: d.Name})
	}

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(section); err != nil {
		return err
	}
	return enc.Close()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
