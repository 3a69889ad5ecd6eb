package cli

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/peterje/sampleterm/internal/config"
	"github.com/peterje/sampleterm/internal/preflight"
	"github.com/peterje/sampleterm/internal/server"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve [flags] [-- command [args...]]",
	Short: "Serve the bridge over HTTP/WebSocket and optionally TCP",
	Long: `Start the bridge server. Every WebSocket client on /ws, and every client on
the optional TCP listener, gets its own instance of the configured command.

The command defaults to bridge.command and bridge.args from the configuration;
arguments after -- replace both.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	f := serveCmd.Flags()
	f.String("listen", "0.0.0.0:8800", "HTTP listen address")
	f.String("tcp-listen", "", "framed TCP listen address (disabled when empty)")
	f.String("token", "", "require this token on every request except /api/health")
	f.Int("max-sessions", 0, "maximum concurrent sessions (0 means unlimited)")
	f.Bool("tls", false, "serve HTTPS/WSS")
	f.String("tls-cert", "", "TLS certificate file (self-signed when empty)")
	f.String("tls-key", "", "TLS key file")
	f.Bool("pty", false, "run the command on a pseudo-terminal")
	f.Bool("line-mode", false, "append a newline to every received message")
	f.Duration("grace-period", 3*time.Second, "wait after SIGTERM before SIGKILL")
	f.Bool("no-history", false, "do not record sessions in the history database")
	f.Bool("skip-preflight", false, "start even when the command cannot be found")

	viper.BindPFlag("server.listen", f.Lookup("listen"))
	viper.BindPFlag("server.tcp_listen", f.Lookup("tcp-listen"))
	viper.BindPFlag("server.token", f.Lookup("token"))
	viper.BindPFlag("server.max_sessions", f.Lookup("max-sessions"))
	viper.BindPFlag("server.tls.enabled", f.Lookup("tls"))
	viper.BindPFlag("server.tls.cert_file", f.Lookup("tls-cert"))
	viper.BindPFlag("server.tls.key_file", f.Lookup("tls-key"))
	viper.BindPFlag("bridge.pty", f.Lookup("pty"))
	viper.BindPFlag("bridge.line_mode", f.Lookup("line-mode"))
	viper.BindPFlag("bridge.grace_period", f.Lookup("grace-period"))
}

func runServe(cmd *cobra.Command, args []string) error {
	applyCommandArgs(cfg, args)
	if noHistory, _ := cmd.Flags().GetBool("no-history"); noHistory {
		cfg.Database.Enabled = false
	}

	skipPreflight, _ := cmd.Flags().GetBool("skip-preflight")
	if err := checkCommand(cfg.Bridge.Command, skipPreflight); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h, history, cleanup, err := newHub(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ln, err := listen(cfg)
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Handler:           server.New(h, history, cfg.Server.Token),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		if err := httpSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if cfg.Server.TCPListen != "" {
		tcpLn, err := net.Listen("tcp", cfg.Server.TCPListen)
		if err != nil {
			httpSrv.Close()
			return fmt.Errorf("listen %s: %w", cfg.Server.TCPListen, err)
		}
		go func() {
			if err := h.ServeListener(ctx, tcpLn, "tcp"); err != nil {
				errCh <- err
			}
		}()
	}

	if cfg.Server.Token == "" {
		log.Warn().Msg("No server.token configured, every client can start the command")
	}
	log.Info().
		Str("addr", ln.Addr().String()).
		Bool("tls", cfg.Server.TLS.Enabled).
		Str("command", h.Command()).
		Msg("Server running")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("Listener failed, shutting down")
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	h.StopAll()

	log.Info().Msg("Server stopped")
	return runErr
}

// applyCommandArgs replaces the configured command with the one given
// after --.
func applyCommandArgs(c *config.Config, args []string) {
	if len(args) == 0 {
		return
	}
	c.Bridge.Command = args[0]
	c.Bridge.Args = args[1:]
}

func checkCommand(name string, skip bool) error {
	status := preflight.CheckCommand(name)
	if status.Installed {
		log.Info().Str("command", name).Str("path", status.Path).Msg("Command found")
		return nil
	}
	if skip {
		log.Warn().Str("command", name).Msg("Command not found, continuing because of --skip-preflight")
		return nil
	}
	return fmt.Errorf("command %q not found on PATH (use --skip-preflight to start anyway)", name)
}

func listen(c *config.Config) (net.Listener, error) {
	ln, err := net.Listen("tcp", c.Server.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", c.Server.Listen, err)
	}
	if !c.Server.TLS.Enabled {
		return ln, nil
	}

	dir, err := config.Dir()
	if err != nil {
		ln.Close()
		return nil, err
	}
	tlsCfg, err := server.TLSConfig(c.Server.TLS.CertFile, c.Server.TLS.KeyFile, filepath.Join(dir, "tls"))
	if err != nil {
		ln.Close()
		return nil, err
	}
	return tls.NewListener(ln, tlsCfg), nil
}
