package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaflik/hass-sampler/internal/config"
)

const configEnv = config.EnvPrefix + "CONFIG"

var configFile string

var rootCmd = &cobra.Command{
	Use:          "hass-sampler",
	Short:        "Periodically sample Home Assistant sensors into new MQTT sensors",
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", os.Getenv(configEnv),
		"configuration file (env "+configEnv+")")

	rootCmd.AddCommand(runCmd, entryCmd)
}

func loadConfig() (*config.Config, error) {
	return config.Load(configFile)
}
