package session

import (
	"time"

	"github.com/parleyhq/parley/internal/pipeline"
)

type Status string

const (
	StatusCreated Status = "created"
	StatusActive  Status = "active"
	StatusEnding  Status = "ending"
	StatusClosed  Status = "closed"
)

// Session is a point-in-time snapshot; mutation happens only inside the
// Manager. History holds every turn that reached a terminal status, in
// sequence order.
type Session struct {
	ID             string           `json:"session_id"`
	Channel        pipeline.Channel `json:"channel"`
	Status         Status           `json:"status"`
	Turns          uint64           `json:"turns"`
	History        []pipeline.Turn  `json:"history,omitempty"`
	Cancellations  int              `json:"cancellations"`
	StartedAt      time.Time        `json:"started_at"`
	LastActivityAt time.Time        `json:"last_activity_at"`
}

// CreateRequest defines the payload for creating a new session.
type CreateRequest struct {
	Channel string `json:"channel"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID    string           `json:"session_id"`
	Channel      pipeline.Channel `json:"channel"`
	Status       Status           `json:"status"`
	StartedAt    time.Time        `json:"started_at"`
	IdleTTLMS    int64            `json:"idle_ttl_ms"`
	WelcomeQueue bool             `json:"welcome_queued"`
}
