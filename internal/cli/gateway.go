package cli

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/peterje/sampleterm/internal/config"
	"github.com/peterje/sampleterm/internal/gateway"
	"github.com/peterje/sampleterm/internal/server"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the public gateway for a tunnelled sampleterm",
	Long: `Accept one reverse tunnel from "sampleterm tunnel" on /tunnel and forward
every WebSocket client on /ws through it.

When tunnel.secret is not set a random secret is generated and printed.`,
	RunE: runGateway,
}

func init() {
	rootCmd.AddCommand(gatewayCmd)

	f := gatewayCmd.Flags()
	f.String("listen", "0.0.0.0:8443", "gateway listen address")
	f.String("token", "", "require this token from WebSocket clients")
	f.String("secret", "", "pre-shared tunnel secret")
	f.Bool("tls", false, "serve HTTPS/WSS")
	f.String("tls-cert", "", "TLS certificate file (self-signed when empty)")
	f.String("tls-key", "", "TLS key file")

	viper.BindPFlag("gateway.listen", f.Lookup("listen"))
	viper.BindPFlag("gateway.token", f.Lookup("token"))
	viper.BindPFlag("gateway.tls.enabled", f.Lookup("tls"))
	viper.BindPFlag("gateway.tls.cert_file", f.Lookup("tls-cert"))
	viper.BindPFlag("gateway.tls.key_file", f.Lookup("tls-key"))
}

func runGateway(cmd *cobra.Command, args []string) error {
	secret := cfg.Tunnel.Secret
	if s, _ := cmd.Flags().GetString("secret"); s != "" {
		secret = s
	}
	if secret == "" {
		b := make([]byte, 24)
		if _, err := rand.Read(b); err != nil {
			return fmt.Errorf("generate secret: %w", err)
		}
		secret = hex.EncodeToString(b)
		fmt.Fprintf(os.Stderr, "Tunnel secret: %s\n", secret)
	}

	var tlsCfg *tls.Config
	if cfg.Gateway.TLS.Enabled {
		dir, err := config.Dir()
		if err != nil {
			return err
		}
		tlsCfg, err = server.TLSConfig(cfg.Gateway.TLS.CertFile, cfg.Gateway.TLS.KeyFile, filepath.Join(dir, "gateway-tls"))
		if err != nil {
			return fmt.Errorf("TLS config: %w", err)
		}
	}

	ln, err := net.Listen("tcp", cfg.Gateway.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Gateway.Listen, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g := gateway.New(secret, cfg.Gateway.Token, log.Logger)
	if err := g.Serve(ctx, ln, tlsCfg); err != nil {
		return err
	}
	log.Info().Msg("Gateway stopped")
	return nil
}
