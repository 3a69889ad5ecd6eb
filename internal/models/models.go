package models

import "time"

const (
	StatusRunning     = "running"
	StatusClosed      = "closed"
	StatusFailed      = "failed"
	StatusInterrupted = "interrupted"
)

type Session struct {
	ID         string     `json:"id"`
	Transport  string     `json:"transport"`
	RemoteAddr string     `json:"remote_addr"`
	Command    string     `json:"command"`
	Status     string     `json:"status"`
	PID        *int       `json:"pid"`
	ExitCode   *int       `json:"exit_code"`
	BytesIn    int64      `json:"bytes_in"`
	BytesOut   int64      `json:"bytes_out"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at"`
}

type CommandStatus struct {
	Name      string `json:"name"`
	Installed bool   `json:"installed"`
	Path      string `json:"path,omitempty"`
}

type HealthResponse struct {
	Status         string        `json:"status"`
	Command        CommandStatus `json:"command"`
	ActiveSessions int           `json:"active_sessions"`
}
