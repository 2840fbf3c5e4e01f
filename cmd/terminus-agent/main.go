package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/terminus/agent/internal/config"
	"github.com/terminus/agent/internal/device"
	"github.com/terminus/agent/internal/logging"
)

var (
	version  = "0.1.0"
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "terminus-agent",
	Short: "Terminus audio evidence agent",
	Long: `Terminus Agent records microphone audio in fixed-length chunks and seals
each one into a local vault with a SHA-256 checksum and device metadata.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Terminus Agent v%s\n", version)
	},
}

var deviceIDCmd = &cobra.Command{
	Use:   "device-id",
	Short: "Print this device's persistent id, creating it if needed",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, closer, err := loadConfig()
		if err != nil {
			return err
		}
		defer closer.Close()

		id, err := device.NewIdentityStore(cfg.DataDir).GetOrCreate()
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/terminus/agent.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log_level (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(deviceIDCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads and validates the config and installs the logger it
// describes. The returned closer releases the log file, if any.
func loadConfig() (*config.Config, io.Closer, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	closer, err := logging.Setup(logging.Options{
		Format:     cfg.LogFormat,
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	cfg.Validate()
	return cfg, closer, nil
}
