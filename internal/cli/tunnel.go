package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/peterje/sampleterm/internal/tunnel"
)

var tunnelCmd = &cobra.Command{
	Use:   "tunnel [flags] [-- command [args...]]",
	Short: "Serve bridges through a remote gateway",
	Long: `Connect outbound to a gateway over WebSocket and serve every stream the
gateway opens as one bridge. Reconnects with backoff until interrupted.`,
	RunE: runTunnel,
}

func init() {
	rootCmd.AddCommand(tunnelCmd)

	f := tunnelCmd.Flags()
	f.String("gateway-url", "", "gateway tunnel URL, e.g. wss://gateway.example.com/tunnel")
	f.String("secret", "", "pre-shared gateway secret")
	f.Bool("no-history", false, "do not record sessions in the history database")

	viper.BindPFlag("tunnel.gateway_url", f.Lookup("gateway-url"))
	viper.BindPFlag("tunnel.secret", f.Lookup("secret"))
}

func runTunnel(cmd *cobra.Command, args []string) error {
	applyCommandArgs(cfg, args)
	if noHistory, _ := cmd.Flags().GetBool("no-history"); noHistory {
		cfg.Database.Enabled = false
	}
	if cfg.Tunnel.GatewayURL == "" {
		return errors.New("tunnel.gateway_url must be set (--gateway-url)")
	}
	if err := checkCommand(cfg.Bridge.Command, false); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h, _, cleanup, err := newHub(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	client := tunnel.NewClient(cfg.Tunnel.GatewayURL, cfg.Tunnel.Secret, h, log.Logger)
	err = client.Run(ctx)
	h.StopAll()
	log.Info().Msg("Tunnel stopped")
	return err
}
