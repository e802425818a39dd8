package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tu10ng/bspterm-sub000/internal/registry"
	"github.com/tu10ng/bspterm-sub000/internal/relay"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve configured sessions to browser terminals over WebSocket",
	Long: `Start the WebSocket relay. A browser terminal connects to
/ws/sessions/<name> to open a configured session; binary frames carry
keystrokes and output, and {"type":"resize","cols":N,"rows":N} text frames
resize the remote terminal.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if viper.IsSet("relay.listen_address") {
			cfg.Relay.ListenAddress = viper.GetString("relay.listen_address")
		}
		if viper.IsSet("relay.metrics_enabled") {
			cfg.Relay.MetricsEnabled = viper.GetBool("relay.metrics_enabled")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		unsubscribe := appCtx.Registry.Subscribe(logRegistryChange)
		defer unsubscribe()
		defer appCtx.Shutdown()

		collector := registry.NewCollector(appCtx.Registry, 0)
		go collector.Start(ctx)
		defer collector.Stop()

		log.Info().
			Int("sessions", len(cfg.Sessions)).
			Msg("Starting bspterm relay")

		return relay.NewService(appCtx, cfg.Relay).ListenAndServe(ctx)
	},
}

func init() {
	serveCmd.Flags().String("listen", "", "listen address (default from configuration, 127.0.0.1:8095)")
	serveCmd.Flags().Bool("metrics", true, "serve Prometheus metrics on /metrics")

	viper.BindPFlag("relay.listen_address", serveCmd.Flags().Lookup("listen"))
	viper.BindPFlag("relay.metrics_enabled", serveCmd.Flags().Lookup("metrics"))

	rootCmd.AddCommand(serveCmd)
}

// logRegistryChange logs terminals opening and closing. Activity updates are
// too frequent to log.
func logRegistryChange(change registry.Change) {
	if change.Kind == registry.Updated {
		return
	}
	log.Info().
		Str("id", change.Entry.ID).
		Str("session", change.Entry.SessionName).
		Str("source", change.Entry.Source).
		Stringer("change", change.Kind).
		Msg("Terminal registry changed")
}
