// Package cli implements the chunkindex command line.
package cli

import (
	"fmt"
	"os"

	"github.com/arkilian/chunkindex/internal/config"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	dataDir string
	cfg     *config.Config
)

// rootCmd is the base command.
var rootCmd = &cobra.Command{
	Use:   "chunkindex",
	Short: "Chunked keyword index compiler and chunk sync server",
	Long: `chunkindex imports object descriptors, compiles them into keyword and
object chunks, and streams those chunks to subscribed caches.

Run 'chunkindex serve' to start the server.
Run 'chunkindex search' to sync a cache from a server and query it.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig()
	},
}

// Execute runs the root command.
func Execute(version string) {
	rootCmd.Version = version
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Configuration file (YAML, JSON or TOML)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
}

// loadConfig layers the config file, environment and flags, in that order.
func loadConfig() error {
	var err error
	if cfgFile != "" {
		cfg, err = config.LoadFromFile(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	cfg.Resolve()
	return nil
}
