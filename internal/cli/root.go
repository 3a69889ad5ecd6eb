// Package cli implements the sampleterm command line.
package cli

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/peterje/sampleterm/internal/config"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "sampleterm",
	Short: "Bridge network clients to a local interactive program",
	Long: `sampleterm runs one instance of a configured program per client connection
and relays text between the client and the program's stdin and combined
stdout/stderr until either side closes.

Clients connect over WebSocket, a framed TCP stream, or a reverse tunnel
through a gateway.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(viper.GetViper(), cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		log.Logger = cfg.Log.Logger()
		cfg.Log.ConfigureZerolog()
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./sampleterm.yaml or $HOME/.sampleterm/sampleterm.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace|debug|info|warn|error)")
	rootCmd.PersistentFlags().String("log-format", "console", "log format (console|json)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().String("db", "", "session history database path (default is $HOME/.sampleterm/sessions.db)")

	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("log.debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.BindPFlag("database.path", rootCmd.PersistentFlags().Lookup("db"))
}
