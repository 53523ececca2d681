// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"beacon/internal/broker"
	"beacon/internal/gateway"
	"beacon/internal/logger"
)

var (
	serveConfigPath string
	serveAddr       string
	serveStaticDir  string
	serveDebugFlag  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Beacon broker daemon",
	Long: `Beacon serve runs the broker and its WebSocket gateway. Browser clients
and headless scripts connect to /ws, register a device id and exchange event
messages. The gateway can also serve a static web client build.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadServeConfiguration()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		logger.SetSilentMode(false)
		if serveDebugFlag {
			logger.SetLevel("debug")
		} else {
			logger.SetLevel(config.Logging.Level)
		}

		log := logger.New()
		log.Info().
			Str("config_file", serveConfigPath).
			Str("address", config.Server.Address).
			Str("static_dir", config.Server.StaticDir).
			Str("log_level", config.Logging.Level).
			Msg("Starting Beacon broker daemon")

		b := broker.New(config.Broker.HistoryLimit, config.Broker.DedupCacheSize)
		server := gateway.NewServer(config, b)

		errChan := make(chan error, 1)
		go func() {
			if err := server.Start(); err != nil {
				errChan <- fmt.Errorf("gateway server error: %w", err)
			}
		}()

		// Handle graceful shutdown
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigChan:
			log.Info().
				Str("signal", sig.String()).
				Msg("Received shutdown signal")
		case err := <-errChan:
			log.Error().Err(err).Msg("Service error")
			return err
		}

		log.Info().Msg("Shutting down broker daemon")

		if err := server.Stop(); err != nil {
			log.Error().Err(err).Msg("Error stopping gateway server")
		}
		b.Shutdown()

		log.Info().Msg("Broker daemon stopped")
		return nil
	},
}

var serveConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage broker configuration",
	Long:  `Generate or validate broker configuration files.`,
}

var serveConfigGenerateCmd = &cobra.Command{
	Use:   "generate [config-file]",
	Short: "Generate default configuration file",
	Long:  `Generate a default configuration file with example settings.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := serveConfigPath
		if len(args) > 0 {
			configPath = args[0]
		}

		defaultConfig := gateway.NewDefaultConfig()
		if err := gateway.SaveConfig(defaultConfig, configPath); err != nil {
			return fmt.Errorf("failed to save default config: %w", err)
		}

		cmd.Printf("Default configuration saved to: %s\n", configPath)
		return nil
	},
}

var serveConfigValidateCmd = &cobra.Command{
	Use:   "validate [config-file]",
	Short: "Validate configuration file",
	Long:  `Validate a broker configuration file for syntax and required fields.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := serveConfigPath
		if len(args) > 0 {
			configPath = args[0]
		}

		config, err := gateway.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}

		cmd.Printf("Configuration file is valid: %s\n", configPath)
		cmd.Printf("Server address: %s\n", config.Server.Address)
		cmd.Printf("History limit: %d\n", config.Broker.HistoryLimit)
		return nil
	},
}

// loadServeConfiguration loads the config file and applies CLI flag overrides
func loadServeConfiguration() (*gateway.Config, error) {
	var config *gateway.Config

	if _, err := os.Stat(serveConfigPath); err == nil {
		config, err = gateway.LoadConfig(serveConfigPath)
		if err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		config = gateway.NewDefaultConfig()
	} else {
		return nil, fmt.Errorf("failed to check config file: %w", err)
	}

	if serveAddr != "" {
		config.Server.Address = serveAddr
	}
	if serveStaticDir != "" {
		config.Server.StaticDir = serveStaticDir
	}
	if serveDebugFlag {
		config.Logging.Level = "debug"
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "beacon.yml", "Path to broker configuration file")
	serveCmd.Flags().StringVarP(&serveAddr, "addr", "a", "", "Listen address override (e.g. :5000)")
	serveCmd.Flags().StringVar(&serveStaticDir, "static", "", "Directory with the web client build")
	serveCmd.Flags().BoolVarP(&serveDebugFlag, "debug", "d", false, "Enable debug logging")

	serveCmd.AddCommand(serveConfigCmd)
	serveConfigCmd.AddCommand(serveConfigGenerateCmd)
	serveConfigCmd.AddCommand(serveConfigValidateCmd)

	serveConfigGenerateCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "beacon.yml", "Path for generated configuration file")
	serveConfigValidateCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "beacon.yml", "Path to configuration file to validate")
}
