package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rplacetk/canvasd/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "canvasd",
	Short: "Real-time server for a collaborative pixel canvas",
	Long: `canvasd holds the canvas, accepts websocket players, enforces the
placement cooldown and relays chat.

Configuration is read from canvasd.yaml in the working directory, the file
named by --config or CANVASD_CONFIG_FILE, and CANVASD_<SECTION>_<KEY>
environment variables, in increasing order of precedence.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./canvasd.yaml, can also use CANVASD_CONFIG_FILE)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// initConfig picks the config file: --config, then CANVASD_CONFIG_FILE, then
// ./canvasd.yaml. A missing default file is not an error.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if envFile := os.Getenv(config.EnvPrefix + "_CONFIG_FILE"); envFile != "" {
		viper.SetConfigFile(envFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("canvasd")
	}

	config.BindEnv(viper.GetViper())
}

// readConfig reads the selected file. An explicitly named file must exist.
func readConfig() error {
	err := viper.ReadInConfig()
	if err == nil {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		return nil
	}
	return fmt.Errorf("read config: %w", err)
}
