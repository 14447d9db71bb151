// Package session runs one intake-to-protocol exchange per client connection:
// read the profile, store it, format the prompt and relay the model's output.
package session

import (
	"context"
	"errors"

	"github.com/kalambet/vitastack/internal/profile"
	"github.com/kalambet/vitastack/internal/proxy"
)

// Conn is the client side of a session. Implementations exist for websocket,
// plain HTTP streaming and in-memory buffering.
type Conn interface {
	// ReadPayload returns the single intake message.
	ReadPayload(ctx context.Context) ([]byte, error)
	// Send delivers one chunk of generated text.
	Send(ctx context.Context, chunk string) error
	// Close ends the session with the given status.
	Close(status Status, reason string) error
}

// ErrClosed is returned by a Conn used after Close.
var ErrClosed = errors.New("connection closed")

// ProfileStore persists intake profiles.
type ProfileStore interface {
	CreateProfile(ctx context.Context, p profile.Profile) (profile.Profile, error)
}

// Streamer runs a streaming completion, calling onDelta for each text delta.
type Streamer interface {
	Stream(ctx context.Context, req proxy.ChatRequest, onDelta func(delta string) error) error
}

// Status is the reason a session closed. Values follow websocket close codes.
type Status int

const (
	StatusNormal     Status = 1000
	StatusGoingAway  Status = 1001
	StatusMalformed  Status = 1007
	StatusModelError Status = 1011
)

func (s Status) String() string {
	switch s {
	case StatusNormal:
		return "normal"
	case StatusGoingAway:
		return "going_away"
	case StatusMalformed:
		return "malformed_payload"
	case StatusModelError:
		return "model_error"
	default:
		return "unknown"
	}
}

// State is a session's position in its lifecycle.
type State int

const (
	StateAwaitingPayload State = iota
	StateProcessing
	StateStreaming
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateAwaitingPayload:
		return "awaiting_payload"
	case StateProcessing:
		return "processing"
	case StateStreaming:
		return "streaming"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Result summarises a finished session.
type Result struct {
	SessionID string
	State     State
	Status    Status
	// ProfileID is empty when the store write failed.
	ProfileID string
	Chunks    int
	StoreErr  error
	Err       error
}
