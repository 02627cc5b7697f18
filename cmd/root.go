package cmd

import (
	"fmt"
	"os"

	"example.com/backstage/services/branchops/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *logrus.Logger
)

var rootCmd = &cobra.Command{
	Use:   "branchops",
	Short: "Branch operations dashboard: device heartbeats, deployments and branch records.",

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize Logger
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
		logger.SetLevel(logrus.InfoLevel)

		// Load Config
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		level, err := logrus.ParseLevel(cfg.Log.Level)
		if err != nil {
			logger.WithField("level", cfg.Log.Level).Warn("Unknown log level, using info")
		} else {
			logger.SetLevel(level)
		}
		cfg.Logger = logger
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config/config.yaml", "config file (default is ./config/config.yaml)")
}
