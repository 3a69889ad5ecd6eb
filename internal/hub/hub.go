// Package hub runs one bridge per accepted connection and keeps track of
// the bridges that are currently live.
package hub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/peterje/sampleterm/internal/bridge"
	"github.com/peterje/sampleterm/internal/channel"
	"github.com/peterje/sampleterm/internal/models"
	"github.com/peterje/sampleterm/internal/process"
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrTooManySessions = errors.New("session limit reached")
	ErrClosing         = errors.New("hub is shutting down")
)

const recordTimeout = 5 * time.Second

// Recorder persists session history. A nil Recorder disables recording.
type Recorder interface {
	RecordStart(ctx context.Context, sess models.Session) error
	RecordEnd(ctx context.Context, sess models.Session) error
}

// Peer describes where a connection came from.
type Peer struct {
	Transport  string
	RemoteAddr string
}

type entry struct {
	bridge *bridge.Bridge
	peer   Peer
}

type Hub struct {
	cfg         bridge.Config
	rec         Recorder
	logger      zerolog.Logger
	maxSessions int

	mu       sync.RWMutex
	sessions map[string]*entry
	closing  bool
	wg       sync.WaitGroup
}

type Option func(*Hub)

// WithMaxSessions caps the number of concurrently live bridges; zero means
// no limit.
func WithMaxSessions(n int) Option {
	return func(h *Hub) { h.maxSessions = n }
}

func New(cfg bridge.Config, rec Recorder, logger zerolog.Logger, opts ...Option) *Hub {
	h := &Hub{
		cfg:      cfg,
		rec:      rec,
		logger:   logger,
		sessions: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Command returns the command line bridged to each connection.
func (h *Hub) Command() string {
	return strings.Join(append([]string{h.cfg.Process.Command}, h.cfg.Process.Args...), " ")
}

// CommandName returns the program bridged to each connection.
func (h *Hub) CommandName() string {
	return h.cfg.Process.Command
}

// Full reports whether the session limit has been reached.
func (h *Hub) Full() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.maxSessions > 0 && len(h.sessions) >= h.maxSessions
}

// Serve runs one bridge over ch and blocks until it has closed. The hub
// takes ownership of ch.
func (h *Hub) Serve(ctx context.Context, ch channel.Duplex, peer Peer) error {
	id := uuid.New().String()
	logger := h.logger.With().
		Str("session_id", id).
		Str("transport", peer.Transport).
		Str("remote", peer.RemoteAddr).
		Logger()
	b := bridge.New(id, ch, h.cfg, logger)

	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		ch.Close()
		logger.Debug().Msg("Rejecting connection, hub is shutting down")
		return ErrClosing
	}
	if h.maxSessions > 0 && len(h.sessions) >= h.maxSessions {
		h.mu.Unlock()
		ch.Close()
		logger.Warn().Int("max_sessions", h.maxSessions).Msg("Rejecting connection, session limit reached")
		return ErrTooManySessions
	}
	h.sessions[id] = &entry{bridge: b, peer: peer}
	h.wg.Add(1)
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.sessions, id)
		h.mu.Unlock()
		h.wg.Done()
	}()

	if h.rec != nil {
		h.record(ctx, logger, h.rec.RecordStart, h.snapshot(b, peer))
	}

	err := b.Run(ctx)

	sess := h.snapshot(b, peer)
	now := time.Now()
	sess.EndedAt = &now
	sess.Status = models.StatusClosed
	if err != nil {
		sess.Status = models.StatusFailed
		sess.Error = err.Error()
	}
	if h.rec != nil {
		h.record(ctx, logger, h.rec.RecordEnd, sess)
	}

	var spawnErr *process.SpawnError
	if errors.As(err, &spawnErr) {
		logger.Error().Err(err).Msg("Session failed to start")
	}
	return err
}

func (h *Hub) record(ctx context.Context, logger zerolog.Logger,
	fn func(context.Context, models.Session) error, sess models.Session) {
	// Recording must survive the cancellation that ended the session.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := fn(ctx, sess); err != nil {
		logger.Warn().Err(err).Msg("Failed to record session")
	}
}

func (h *Hub) snapshot(b *bridge.Bridge, peer Peer) models.Session {
	stats := b.Stats()
	sess := models.Session{
		ID:         stats.ID,
		Transport:  peer.Transport,
		RemoteAddr: peer.RemoteAddr,
		Command:    h.Command(),
		Status:     models.StatusRunning,
		BytesIn:    stats.BytesIn,
		BytesOut:   stats.BytesOut,
		StartedAt:  stats.StartedAt,
	}
	if stats.PID != 0 {
		pid := stats.PID
		sess.PID = &pid
	}
	if stats.State == bridge.StateClosed && stats.ExitCode >= 0 {
		code := stats.ExitCode
		sess.ExitCode = &code
	}
	return sess
}

// ServeListener accepts connections from ln and serves each as a framed
// stream channel on its own goroutine. It returns nil once ctx is done or
// the listener is closed.
func (h *Hub) ServeListener(ctx context.Context, ln net.Listener, transport string) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	h.logger.Info().Str("transport", transport).Str("addr", ln.Addr().String()).Msg("Accepting connections")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		peer := Peer{Transport: transport, RemoteAddr: conn.RemoteAddr().String()}
		go func() {
			if err := h.Serve(ctx, channel.NewStream(conn), peer); err != nil {
				h.logger.Debug().Err(err).Str("remote", peer.RemoteAddr).Msg("Session ended with error")
			}
		}()
	}
}

// List returns the live sessions, oldest first.
func (h *Hub) List() []models.Session {
	h.mu.RLock()
	sessions := make([]models.Session, 0, len(h.sessions))
	for _, e := range h.sessions {
		sessions = append(sessions, h.snapshot(e.bridge, e.peer))
	}
	h.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.Before(sessions[j].StartedAt)
	})
	return sessions
}

func (h *Hub) Get(id string) (models.Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.sessions[id]
	if !ok {
		return models.Session{}, false
	}
	return h.snapshot(e.bridge, e.peer), true
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Stop asks the bridge with the given id to shut down.
func (h *Hub) Stop(id string) error {
	h.mu.RLock()
	e, ok := h.sessions[id]
	h.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	e.bridge.Stop()
	return nil
}

// Resize changes the terminal size of the bridge with the given id.
func (h *Hub) Resize(id string, rows, cols uint16) error {
	h.mu.RLock()
	e, ok := h.sessions[id]
	h.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	return e.bridge.Resize(rows, cols)
}

// StopAll asks every live bridge to shut down and waits until they have.
// Serve rejects new connections from then on.
func (h *Hub) StopAll() {
	h.mu.Lock()
	h.closing = true
	bridges := make([]*bridge.Bridge, 0, len(h.sessions))
	for _, e := range h.sessions {
		bridges = append(bridges, e.bridge)
	}
	h.mu.Unlock()

	for _, b := range bridges {
		b.Stop()
	}
	h.Wait()
}

// Wait blocks until every bridge started by Serve has returned.
func (h *Hub) Wait() {
	h.wg.Wait()
}
