// Copyright 2025 Edgeo SCADA
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

package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo/bacnet-stack/bacnet"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

var (
	cfgFile      string
	deviceID     uint32
	timeout      time.Duration
	retries      int
	outputFmt    string
	verbose      bool
	logFormat    string
	localAddress string
	bbmdAddress  string
	bbmdPort     int
	bbmdTTL      time.Duration

	logger = slog.Default()
)

var rootCmd = &cobra.Command{
	Use:   "bacnet-stack",
	Short: "BACnet/IP client, simulated device and build recipe tool",
	Long: `bacnet-stack talks to BACnet/IP devices, serves a simulated device and
evaluates the build configuration of the bacnet-stack library.

Examples:
  # Discover devices on the network
  bacnet-stack scan

  # Read a property from a device
  bacnet-stack read -d 1234 -O analog-input:1 -P present-value

  # Command an output at priority 8
  bacnet-stack write -d 1234 -O analog-output:1 -V 75.5 --priority 8

  # Serve the objects of a config file
  bacnet-stack serve --config device.yaml --db values.db --http :9100

  # Check a build configuration
  bacnet-stack recipe configure --os Windows --shared`,

	SilenceUsage: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if viper.GetBool("verbose") {
			level = slog.LevelDebug
		}
		opts := &slog.HandlerOptions{Level: level}

		switch viper.GetString("log-format") {
		case "json":
			logger = slog.New(slog.NewJSONHandler(os.Stderr, opts))
		case "text", "":
			logger = slog.New(slog.NewTextHandler(os.Stderr, opts))
		default:
			return fmt.Errorf("unknown log format %q (text, json)", viper.GetString("log-format"))
		}
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.bacnet-stack.yaml)")
	flags.Uint32VarP(&deviceID, "device", "d", 0, "Target device instance")
	flags.DurationVarP(&timeout, "timeout", "t", 3*time.Second, "Request timeout")
	flags.IntVar(&retries, "retries", 3, "Number of retries")
	flags.StringVarP(&outputFmt, "output", "o", "table", "Output format (table, json, csv, raw)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	flags.StringVar(&logFormat, "log-format", "text", "Log format (text, json)")
	flags.StringVar(&localAddress, "local", "", "Local address to bind to (e.g., 0.0.0.0:47808)")
	flags.StringVar(&bbmdAddress, "bbmd", "", "BBMD address for foreign device registration")
	flags.IntVar(&bbmdPort, "bbmd-port", bacnet.DefaultPort, "BBMD port")
	flags.DurationVar(&bbmdTTL, "bbmd-ttl", 60*time.Second, "Foreign device registration TTL")

	for _, name := range []string{
		"device", "timeout", "retries", "output", "verbose", "log-format",
		"local", "bbmd", "bbmd-port", "bbmd-ttl",
	} {
		viper.BindPFlag(name, flags.Lookup(name))
	}

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(interactiveCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(recipeCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		viper.AddConfigPath(home)
		viper.SetConfigName(".bacnet-stack")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("BACNET")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	} else if cfgFile != "" {
		fmt.Fprintln(os.Stderr, "Error reading config file:", err)
		os.Exit(1)
	}
}

// clientOptions returns the client options of the global flags, with
// config file and environment overrides applied
func clientOptions() []bacnet.Option {
	opts := []bacnet.Option{
		bacnet.WithTimeout(viper.GetDuration("timeout")),
		bacnet.WithRetries(viper.GetInt("retries")),
		bacnet.WithLogger(logger),
	}
	if addr := viper.GetString("local"); addr != "" {
		opts = append(opts, bacnet.WithLocalAddress(addr))
	}
	if addr := viper.GetString("bbmd"); addr != "" {
		opts = append(opts, bacnet.WithBBMD(addr, viper.GetInt("bbmd-port"), viper.GetDuration("bbmd-ttl")))
	}
	return opts
}

// createClient creates a BACnet client with current configuration
func createClient() (*bacnet.Client, error) {
	return bacnet.NewClient(clientOptions()...)
}

// targetDevice returns the --device instance, failing when unset
func targetDevice() (uint32, error) {
	id := viper.GetUint32("device")
	if id == 0 {
		return 0, fmt.Errorf("device ID is required (-d or --device)")
	}
	if id > bacnet.MaxInstance {
		return 0, fmt.Errorf("device ID %d out of range (max %d)", id, bacnet.MaxInstance)
	}
	return id, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "bacnet-stack version %s\n", version)
	},
}
