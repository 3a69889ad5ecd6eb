package cli

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/peterje/sampleterm/internal/api"
	"github.com/peterje/sampleterm/internal/config"
	"github.com/peterje/sampleterm/internal/db"
	"github.com/peterje/sampleterm/internal/hub"
)

// openStore opens and migrates the history database.
func openStore(c *config.Config) (*db.Store, *sql.DB, error) {
	path, err := c.DatabasePath()
	if err != nil {
		return nil, nil, fmt.Errorf("resolve database path: %w", err)
	}
	database, err := db.Open(path)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(database); err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("migrate database: %w", err)
	}
	return db.NewStore(database), database, nil
}

// newHub builds the hub shared by serve and tunnel. The returned cleanup
// closes the history database and must run after the hub has drained.
func newHub(ctx context.Context, c *config.Config) (*hub.Hub, api.History, func(), error) {
	var (
		rec     hub.Recorder
		history api.History
		cleanup = func() {}
	)

	if c.Database.Enabled {
		store, database, err := openStore(c)
		if err != nil {
			return nil, nil, nil, err
		}
		n, err := store.MarkInterrupted(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to mark stale sessions")
		} else if n > 0 {
			log.Info().Int64("count", n).Msg("Marked sessions from a previous run as interrupted")
		}
		rec, history = store, store
		cleanup = func() {
			if err := database.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close database")
			}
		}
	}

	h := hub.New(c.Bridge.BridgeConfig(), rec, log.Logger, hub.WithMaxSessions(c.Server.MaxSessions))
	return h, history, cleanup, nil
}
