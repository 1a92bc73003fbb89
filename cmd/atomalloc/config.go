package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fklr/atomalloc"
)

func init() {
	rootCmd.AddCommand(newConfigCmd())
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `The config command loads the configuration selected by --config or
--lua-config, validates it and prints it with defaults applied.

Example:
  atomalloc config
  atomalloc config --config atomalloc.yaml --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfig()
		},
	}
}

func runConfig() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := atomalloc.WithConfig(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg = a.Config()

	if jsonOut {
		return printJSON(cfg)
	}
	printVerbose("max memory %s, blocks %s..%s\n",
		humanize.IBytes(cfg.MaxMemory), humanize.IBytes(cfg.MinBlockSize), humanize.IBytes(cfg.MaxBlockSize))
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}
