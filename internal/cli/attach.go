package cli

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/peterje/sampleterm/internal/attach"
	"github.com/peterje/sampleterm/internal/channel"
)

const dialTimeout = 10 * time.Second

var attachCmd = &cobra.Command{
	Use:   "attach <url>",
	Short: "Attach the local terminal to a bridge",
	Long: `Connect to a sampleterm server and relay the local terminal to the program
it starts. The URL is ws://host:port/ws or wss://host:port/ws for the
WebSocket endpoint, or tcp://host:port for the framed TCP listener.

Press Ctrl+] then 'q' to detach.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token, _ := cmd.Flags().GetString("token")
		insecure, _ := cmd.Flags().GetBool("insecure")
		rawMode, _ := cmd.Flags().GetBool("raw")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		ch, err := dialChannel(ctx, args[0], token, insecure)
		if err != nil {
			return err
		}

		if rawMode {
			fd := int(os.Stdin.Fd())
			if !term.IsTerminal(fd) {
				ch.Close()
				return fmt.Errorf("--raw requires stdin to be a terminal")
			}
			state, err := term.MakeRaw(fd)
			if err != nil {
				ch.Close()
				return fmt.Errorf("failed to set raw mode: %w", err)
			}
			defer term.Restore(fd, state)
		}

		fmt.Fprintln(os.Stderr, "Connected. Press Ctrl+] then 'q' to detach.")
		return attach.Run(ctx, ch, os.Stdin, os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(attachCmd)

	attachCmd.Flags().String("token", "", "server token")
	attachCmd.Flags().Bool("insecure", false, "skip TLS certificate verification")
	attachCmd.Flags().Bool("raw", false, "put the local terminal in raw mode (for --pty servers)")
}

// dialChannel opens a duplex channel to rawURL.
func dialChannel(ctx context.Context, rawURL, token string, insecure bool) (channel.Duplex, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
		dialer := websocket.Dialer{
			HandshakeTimeout: dialTimeout,
			TLSClientConfig:  &tls.Config{InsecureSkipVerify: insecure},
		}
		header := http.Header{}
		if token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
		conn, resp, err := dialer.DialContext(ctx, u.String(), header)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("dial %s: %w (status %d)", u.Redacted(), err, resp.StatusCode)
			}
			return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
		}
		return channel.NewWebSocket(conn), nil
	case "tcp":
		d := net.Dialer{Timeout: dialTimeout}
		conn, err := d.DialContext(ctx, "tcp", u.Host)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", u.Host, err)
		}
		return channel.NewStream(conn), nil
	default:
		return nil, fmt.Errorf("unsupported url scheme %q (want ws, wss or tcp)", u.Scheme)
	}
}
