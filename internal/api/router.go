package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"

	"github.com/kalambet/vitastack/internal/session"
)

const maxRequestBodySize = 1 << 20 // 1MB

// SessionServer runs one protocol session over a connection.
type SessionServer interface {
	Serve(ctx context.Context, conn session.Conn) session.Result
}

// Deps holds what the HTTP surface needs.
type Deps struct {
	Sessions       SessionServer
	AllowedOrigins []string
	// APIToken, when set, is required on /ws and /v1/protocol.
	APIToken string
	Logger   *slog.Logger
	// Tracker cancels and awaits sessions on shutdown. NewHandler creates
	// one when nil.
	Tracker *Tracker
	// PayloadTimeout bounds the wait for the first websocket frame.
	PayloadTimeout time.Duration
}

// NewHandler returns the HTTP handler serving health, the websocket endpoint
// and the plain HTTP streaming fallback.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Tracker == nil {
		deps.Tracker = NewTracker()
	}
	if deps.PayloadTimeout <= 0 {
		deps.PayloadTimeout = defaultPayloadTimeout
	}

	r := chi.NewRouter()
	r.Use(cors.New(cors.Options{
		AllowedOrigins:   deps.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	}).Handler)

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		if deps.APIToken != "" {
			r.Use(BearerAuth(deps.APIToken))
		}
		r.Get("/ws", handleWebsocket(deps))
		r.Post("/v1/protocol", handleProtocol(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// handleProtocol runs a session over a plain HTTP request: the body is the
// profile and chunks are streamed back as text/plain.
func handleProtocol(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		body, err := io.ReadAll(r.Body)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading request body: %v", err)
			return
		}

		ctx, done, err := deps.Tracker.track(r.Context())
		if err != nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "%v", err)
			return
		}
		defer done()

		conn := newHTTPConn(w, body)
		res := deps.Sessions.Serve(ctx, conn)
		deps.Logger.Debug("http session finished",
			"session_id", res.SessionID,
			"state", res.State.String(),
			"chunks", res.Chunks,
		)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
