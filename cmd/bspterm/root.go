package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tu10ng/bspterm-sub000/internal/app"
	"github.com/tu10ng/bspterm-sub000/pkg/config"
)

var (
	cfgFile string
	envFile string

	cfg    *config.Config
	appCtx *app.Context
)

var rootCmd = &cobra.Command{
	Use:   "bspterm",
	Short: "SSH and Telnet terminal client",
	Long: `bspterm opens SSH and Telnet terminal sessions to network devices and servers.

Sessions can be opened ad hoc (bspterm ssh, bspterm telnet), by name from the
configuration file (bspterm connect), or from a browser through the WebSocket
relay (bspterm serve).`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		appCtx = app.NewContext(cfg)
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./bspterm.yaml, $HOME/.bspterm/bspterm.yaml or /etc/bspterm/bspterm.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "environment file with BSPTERM_* overrides")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace|debug|info|warn|error)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().Bool("insecure", false, "skip SSH host key verification")
	rootCmd.PersistentFlags().Duration("dial-timeout", 0, "connection timeout")

	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log.debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.BindPFlag("connection.insecure_ignore_host_key", rootCmd.PersistentFlags().Lookup("insecure"))
	viper.BindPFlag("connection.dial_timeout", rootCmd.PersistentFlags().Lookup("dial-timeout"))
}

// loadConfig reads the config and env files, then applies command-line flags
// on top. Flags only win when given explicitly.
func loadConfig() (*config.Config, error) {
	configFile := cfgFile
	if configFile == "" {
		configFile = config.FindConfigFile(config.ServiceName)
	}
	environmentFile := envFile
	if environmentFile == "" {
		environmentFile = config.FindEnvironmentFile(config.ServiceName)
	}

	c, err := config.Load(configFile, environmentFile)
	if err != nil {
		return nil, err
	}

	if viper.IsSet("log.level") {
		c.Log.Level = viper.GetString("log.level")
	}
	if viper.IsSet("log.debug") {
		c.Log.Debug = viper.GetBool("log.debug")
	}
	if viper.IsSet("connection.insecure_ignore_host_key") {
		c.Connection.InsecureIgnoreHostKey = viper.GetBool("connection.insecure_ignore_host_key")
	}
	if viper.IsSet("connection.dial_timeout") {
		c.Connection.DialTimeout = viper.GetDuration("connection.dial_timeout")
	}

	c.Log.ConfigureZerolog()

	log.Debug().
		Str("config_file", configFile).
		Str("env_file", environmentFile).
		Str("log_level", c.Log.Level).
		Int("sessions", len(c.Sessions)).
		Msg("Configuration loaded")

	return c, nil
}
