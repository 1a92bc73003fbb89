package main

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/phuslu/log"
	"github.com/spf13/cobra"
	"go.yuchanns.xyz/lua"

	"github.com/fklr/atomalloc"
	"github.com/fklr/atomalloc/luaconfig"
)

var (
	// Global flags
	verbose    bool
	jsonOut    bool
	configPath string
	luaConfig  string
	luaLib     string
)

var rootCmd = &cobra.Command{
	Use:   "atomalloc",
	Short: "Exercise and inspect the atomalloc block allocator",
	Long: `atomalloc drives the lock-free block allocator from the command line.
It can run a concurrent stress workload against a configuration and print the
effective configuration after defaults are applied.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogger()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&luaConfig, "lua-config", "", "Lua script defining an `atomalloc` table")
	rootCmd.PersistentFlags().StringVar(&luaLib, "lua-lib", "", "Path to the Lua 5.4 shared library used by --lua-config")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogger() {
	log.DefaultLogger.Writer = &log.ConsoleWriter{Writer: os.Stderr}
	if verbose {
		log.DefaultLogger.Level = log.DebugLevel
	} else {
		log.DefaultLogger.Level = log.WarnLevel
	}
}

// loadConfig resolves the configuration from --lua-config, --config or the
// defaults, in that order.
func loadConfig() (atomalloc.Config, error) {
	switch {
	case luaConfig != "":
		if luaLib == "" {
			return atomalloc.Config{}, fmt.Errorf("--lua-config requires --lua-lib")
		}
		lib, err := lua.New(luaLib)
		if err != nil {
			return atomalloc.Config{}, fmt.Errorf("failed to load lua library: %w", err)
		}
		defer lib.Close()
		return luaconfig.LoadFile(lib, luaConfig)
	case configPath != "":
		return atomalloc.LoadConfig(configPath)
	}
	return atomalloc.DefaultConfig(), nil
}

// printJSON outputs data as JSON
func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// printVerbose prints a message if verbose mode is enabled
func printVerbose(format string, args ...any) {
	if verbose {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}
