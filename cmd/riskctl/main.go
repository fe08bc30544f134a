// Command riskctl runs the risk engine against an offline snapshot of market
// and balance data and prints the results as JSON.
package main

import (
	"encoding/json"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dorkfi/risk-engine/internal/config"
	"github.com/dorkfi/risk-engine/internal/solvency"
)

const (
	snapshotKey = "snapshot"
	configKey   = "config"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	if err := rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	c := &cobra.Command{
		Use:          "riskctl",
		Short:        "Evaluates account solvency and liquidation risk from a snapshot",
		SilenceUsage: true,
	}
	flags := c.PersistentFlags()
	flags.StringP(snapshotKey, "s", "", "YAML or JSON snapshot of markets and balances (required)")
	flags.StringP(configKey, "c", "", "Risk engine config file; built-in defaults when empty")

	c.AddCommand(
		healthCommand(),
		capacityCommand(),
		simulateCommand(),
		rankCommand(),
		liquidateCommand(),
	)
	return c
}

// setup loads the engine config and the snapshot named by the persistent
// flags.
func setup(c *cobra.Command) (*solvency.Engine, *Snapshot, error) {
	flags := c.Flags()
	configPath, err := flags.GetString(configKey)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	engine, err := solvency.NewEngine(cfg.EngineParams())
	if err != nil {
		return nil, nil, err
	}

	snapshotPath, err := flags.GetString(snapshotKey)
	if err != nil {
		return nil, nil, err
	}
	snap, err := loadSnapshot(snapshotPath)
	if err != nil {
		return nil, nil, err
	}
	return engine, snap, nil
}

func printJSON(c *cobra.Command, v any) error {
	enc := json.NewEncoder(c.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
