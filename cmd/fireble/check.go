package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/srg/fireble/internal/fireboard"
	"github.com/srg/fireble/pkg/config"
)

// checkCmd validates a configuration file without touching the radio
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration file",
	Long: `Parses and validates the configuration file, then prints the devices the
bridge would run with their effective names and republish topics.

Example:
  fireble check --config fireble.yaml`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

var checkConfigPath string

func init() {
	checkCmd.Flags().StringVarP(&checkConfigPath, "config", "c", "fireble.yaml", "Configuration file")
}

func runCheck(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(checkConfigPath)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true
	return printDevices(cmd.OutOrStdout(), cfg)
}

// printDevices lists the configured hubs with defaults applied
func printDevices(out io.Writer, cfg *config.Config) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tNAME\tTOPIC\tPUBLISH")
	for _, d := range cfg.Devices {
		name := d.Name
		if name == "" {
			name = fireboard.DisplayName(d.Address)
		}
		topic := d.BaseTopic
		if topic == "" {
			topic = fireboard.BaseTopic(d.Address)
		}
		publish := "no"
		if d.Publish {
			publish = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.Address, name, topic, publish)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	broker := cfg.MQTT.Broker
	if broker == "" {
		broker = "disabled"
	}
	listen := cfg.HTTP.Listen
	if listen == "" {
		listen = "disabled"
	}
	_, err := fmt.Fprintf(out, "\nMQTT: %s\nStatus API: %s\n", broker, listen)
	return err
}
