package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/peterje/sampleterm/internal/models"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		format, _ := cmd.Flags().GetString("output")

		store, database, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		sessions, err := store.List(cmd.Context(), limit)
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}
		return writeHistory(os.Stdout, sessions, format)
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().Int("limit", 20, "number of sessions to show")
	historyCmd.Flags().StringP("output", "o", "text", "Output format (text|json)")
}

func writeHistory(out io.Writer, sessions []models.Session, format string) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(sessions)
	case "text":
	default:
		return fmt.Errorf("invalid output format: %s (must be 'text' or 'json')", format)
	}

	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions recorded.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTRANSPORT\tREMOTE\tSTATUS\tEXIT\tIN\tOUT\tSTARTED\tDURATION")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			s.ID,
			s.Transport,
			orDash(s.RemoteAddr),
			s.Status,
			exitCode(s.ExitCode),
			s.BytesIn,
			s.BytesOut,
			s.StartedAt.Local().Format(time.DateTime),
			duration(s),
		)
	}
	return w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func exitCode(code *int) string {
	if code == nil {
		return "-"
	}
	return strconv.Itoa(*code)
}

func duration(s models.Session) string {
	if s.EndedAt == nil {
		return "-"
	}
	return s.EndedAt.Sub(s.StartedAt).Round(time.Second).String()
}
