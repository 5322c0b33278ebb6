// Package cliclient implements the onionmesh client's command-line interface.
package cliclient

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile       string
	verbose       bool
	directoryAddr string
	hopCount      int
)

var rootCmd = &cobra.Command{
	Use:   "onionmesh-client",
	Short: "Fetch a URL through an onionmesh circuit",
	Long: `onionmesh-client builds a telescoped circuit through relays drawn from
the directory, then tunnels an HTTP GET through it.

Examples:
  # Fetch through the default three-hop circuit
  onionmesh-client fetch example.com

  # Fetch through a five-hop circuit
  onionmesh-client fetch --hops 5 example.com/status`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.onionmesh.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&directoryAddr, "directory", "127.0.0.1:9000", "directory address (ip:port)")
	rootCmd.PersistentFlags().IntVar(&hopCount, "hops", 3, "number of relays to telescope through")

	viper.BindPFlag("directory", rootCmd.PersistentFlags().Lookup("directory"))
	viper.BindPFlag("hops", rootCmd.PersistentFlags().Lookup("hops"))
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return
		}

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".onionmesh")
	}

	viper.SetEnvPrefix("ONIONMESH")
	viper.AutomaticEnv()

	viper.SetDefault("directory", "127.0.0.1:9000")
	viper.SetDefault("hops", 3)

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

// IsVerbose reports whether verbose mode is enabled.
func IsVerbose() bool {
	return verbose || viper.GetBool("verbose")
}

// DirectoryAddr returns the configured directory address.
func DirectoryAddr() string {
	return viper.GetString("directory")
}

// HopCount returns the configured circuit length.
func HopCount() int {
	n := viper.GetInt("hops")
	if n <= 0 {
		return 3
	}
	return n
}
