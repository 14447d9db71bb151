package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/vitastack/internal/composer"
	"github.com/kalambet/vitastack/internal/profile"
)

const defaultWriteTimeout = 10 * time.Second

// Handler serves sessions. It is safe for concurrent use; sessions share
// only the store and the model client.
type Handler struct {
	store        ProfileStore
	model        Streamer
	composer     *composer.Composer
	writeTimeout time.Duration
	logger       *slog.Logger
}

// Options tunes a Handler. Zero values select defaults.
type Options struct {
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(store ProfileStore, model Streamer, comp *composer.Composer, opts Options) *Handler {
	h := &Handler{
		store:        store,
		model:        model,
		composer:     comp,
		writeTimeout: opts.WriteTimeout,
		logger:       opts.Logger,
	}
	if h.writeTimeout <= 0 {
		h.writeTimeout = defaultWriteTimeout
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

type storeOutcome struct {
	id  string
	err error
}

// Serve runs one session on conn and closes it before returning.
//
// The profile is persisted concurrently with generation on a context that
// outlives ctx, so a client disconnect still leaves the audit record. A
// failed write is logged and reported in the Result but never reaches the
// client. Chunks are forwarded in the order the model produces them.
func (h *Handler) Serve(ctx context.Context, conn Conn) Result {
	res := Result{SessionID: uuid.NewString(), State: StateAwaitingPayload}
	log := h.logger.With("session_id", res.SessionID)

	fail := func(status Status, reason string, err error) Result {
		res.State = StateError
		res.Err = err
		h.close(log, conn, &res, status, reason)
		return res
	}

	payload, err := conn.ReadPayload(ctx)
	if err != nil {
		log.Debug("no payload received", "error", err)
		return fail(StatusGoingAway, "no payload", fmt.Errorf("reading payload: %w", err))
	}

	p, err := profile.Decode(payload)
	if err != nil {
		log.Warn("rejecting malformed payload", "error", err)
		return fail(StatusMalformed, "malformed profile payload", err)
	}

	res.State = StateProcessing
	stored := make(chan storeOutcome, 1)
	go func() {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.writeTimeout)
		defer cancel()
		saved, err := h.store.CreateProfile(wctx, p)
		stored <- storeOutcome{id: saved.ID, err: err}
	}()
	waitStore := func() {
		out := <-stored
		if out.err != nil {
			res.StoreErr = out.err
			log.Warn("storing profile failed", "error", out.err)
			return
		}
		res.ProfileID = out.id
		log.Debug("profile stored", "profile_id", out.id)
	}

	req, err := h.composer.Compose(p)
	if err != nil {
		log.Error("composing request failed", "error", err)
		res.State = StateError
		res.Err = err
		h.close(log, conn, &res, StatusModelError, "internal error")
		waitStore()
		return res
	}
	log.Debug("prompt composed", "estimated_tokens", composer.EstimateTokens(string(req.Messages)))

	res.State = StateStreaming
	var sendErr error
	err = h.model.Stream(ctx, req, func(delta string) error {
		if err := conn.Send(ctx, delta); err != nil {
			sendErr = err
			return err
		}
		res.Chunks++
		return nil
	})

	// The client gets its close frame as soon as the stream ends; the store
	// write is awaited afterwards so a slow database never delays it.
	switch {
	case err == nil:
		res.State = StateDone
		h.close(log, conn, &res, StatusNormal, "")
	case sendErr != nil, ctx.Err() != nil, errors.Is(err, context.Canceled):
		res.State, res.Err = StateError, err
		h.close(log, conn, &res, StatusGoingAway, "client disconnected")
	default:
		res.State, res.Err = StateError, err
		h.close(log, conn, &res, StatusModelError, "model service error")
	}
	waitStore()

	switch res.Status {
	case StatusNormal:
		log.Info("session complete", "chunks", res.Chunks, "profile_id", res.ProfileID)
	case StatusGoingAway:
		log.Info("client went away", "chunks", res.Chunks, "error", err)
	default:
		log.Error("model stream failed", "chunks", res.Chunks, "error", err)
	}
	return res
}

func (h *Handler) close(log *slog.Logger, conn Conn, res *Result, status Status, reason string) {
	res.Status = status
	if err := conn.Close(status, reason); err != nil {
		log.Debug("closing connection", "status", status.String(), "error", err)
	}
}
