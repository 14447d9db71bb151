package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/vitastack/internal/composer"
	"github.com/kalambet/vitastack/internal/profile"
	"github.com/kalambet/vitastack/internal/proxy"
)

const alexPayload = `{
	"name": "Alex", "age": 34, "sex": "male", "weight_kg": 80, "height_cm": 180,
	"diet_type": "omnivore", "food_allergies": ["peanuts"], "activity_level": "moderate",
	"sleep_hours": 6.5, "smoking": false, "alcohol": "occasional",
	"goals": ["energy", "focus"], "symptoms": [], "current_stack": ["vitamin D"],
	"urgency": "3 months"
}`

type fakeStore struct {
	mu       sync.Mutex
	saved    []profile.Profile
	ctxErrs  []error
	err      error
	blocking bool
	// gate, when set, holds the write until it is closed or the write times out.
	gate chan struct{}
	n    int
}

func (s *fakeStore) CreateProfile(ctx context.Context, p profile.Profile) (profile.Profile, error) {
	if s.blocking {
		<-ctx.Done()
		return profile.Profile{}, ctx.Err()
	}
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return profile.Profile{}, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctxErrs = append(s.ctxErrs, ctx.Err())
	if s.err != nil {
		return profile.Profile{}, s.err
	}
	s.n++
	p.ID = fmt.Sprintf("profile-%d", s.n)
	s.saved = append(s.saved, p)
	return p, nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

type fakeStreamer struct {
	chunks []string
	err    error
	// afterChunk runs after chunk i was accepted by the callback.
	afterChunk func(i int)

	mu   sync.Mutex
	reqs []proxy.ChatRequest
}

func (f *fakeStreamer) Stream(ctx context.Context, req proxy.ChatRequest, onDelta func(string) error) error {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()

	for i, c := range f.chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := onDelta(c); err != nil {
			return err
		}
		if f.afterChunk != nil {
			f.afterChunk(i)
		}
	}
	return f.err
}

func (f *fakeStreamer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

// failingConn stops accepting chunks after limit sends.
type failingConn struct {
	*Buffer
	limit int
	sent  int
}

func (c *failingConn) Send(ctx context.Context, chunk string) error {
	if c.sent >= c.limit {
		return ErrClosed
	}
	c.sent++
	return c.Buffer.Send(ctx, chunk)
}

// closeHookConn runs onClose when the session closes the connection.
type closeHookConn struct {
	*Buffer
	onClose func()
}

func (c closeHookConn) Close(status Status, reason string) error {
	c.onClose()
	return c.Buffer.Close(status, reason)
}

type errPayloadConn struct {
	*Buffer
}

func (c errPayloadConn) ReadPayload(context.Context) ([]byte, error) {
	return nil, errors.New("connection reset")
}

func newTestHandler(store ProfileStore, model Streamer) *Handler {
	return NewHandler(store, model, composer.New("test-model"), Options{})
}

func numbered(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("chunk-%d ", i)
	}
	return out
}

func TestServeStreamsChunksInOrder(t *testing.T) {
	store := &fakeStore{}
	model := &fakeStreamer{chunks: numbered(5)}
	conn := NewBuffer([]byte(alexPayload))

	res := newTestHandler(store, model).Serve(context.Background(), conn)

	if res.State != StateDone || res.Err != nil {
		t.Fatalf("State = %v, Err = %v; want done", res.State, res.Err)
	}
	if res.Status != StatusNormal {
		t.Errorf("Status = %v, want normal", res.Status)
	}
	if got := conn.Chunks(); !reflect.DeepEqual(got, model.chunks) {
		t.Errorf("chunks = %q, want %q", got, model.chunks)
	}
	if res.Chunks != 5 {
		t.Errorf("Result.Chunks = %d, want 5", res.Chunks)
	}
	if res.ProfileID != "profile-1" {
		t.Errorf("ProfileID = %q, want profile-1", res.ProfileID)
	}
	if closed, status, _ := conn.Closed(); !closed || status != StatusNormal {
		t.Errorf("conn closed = %v status = %v", closed, status)
	}
	if store.count() != 1 {
		t.Errorf("stored %d profiles, want 1", store.count())
	}
	if store.saved[0].Name != "Alex" || *store.saved[0].Age != 34 {
		t.Errorf("stored profile = %+v", store.saved[0])
	}
}

func TestServeSendsFormattedPromptAsSingleUserMessage(t *testing.T) {
	model := &fakeStreamer{}
	newTestHandler(&fakeStore{}, model).Serve(context.Background(), NewBuffer([]byte(alexPayload)))

	if model.calls() != 1 {
		t.Fatalf("model called %d times, want 1", model.calls())
	}
	req := model.reqs[0]
	if req.Model != "test-model" || !req.Stream {
		t.Errorf("request model = %q stream = %v", req.Model, req.Stream)
	}
	var msgs []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(req.Messages, &msgs); err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Role != "user" {
		t.Fatalf("messages = %+v", msgs)
	}
	p, _ := profile.Decode([]byte(alexPayload))
	if msgs[0].Content != composer.FormatProtocolPrompt(p) {
		t.Errorf("prompt content does not match formatter output:\n%s", msgs[0].Content)
	}
}

func TestServeMalformedPayload(t *testing.T) {
	for _, payload := range []string{``, `not json`, `[1,2]`, `{"age":"thirty"}`} {
		t.Run(payload, func(t *testing.T) {
			store := &fakeStore{}
			model := &fakeStreamer{chunks: numbered(3)}
			conn := NewBuffer([]byte(payload))

			res := newTestHandler(store, model).Serve(context.Background(), conn)

			if res.State != StateError || res.Status != StatusMalformed {
				t.Errorf("State = %v Status = %v; want error/malformed", res.State, res.Status)
			}
			if !errors.Is(res.Err, profile.ErrMalformed) {
				t.Errorf("Err = %v, want ErrMalformed", res.Err)
			}
			if store.count() != 0 || len(store.ctxErrs) != 0 {
				t.Error("store was written for a malformed payload")
			}
			if model.calls() != 0 {
				t.Error("model was called for a malformed payload")
			}
			if len(conn.Chunks()) != 0 {
				t.Errorf("chunks sent: %q", conn.Chunks())
			}
			if closed, status, _ := conn.Closed(); !closed || status != StatusMalformed {
				t.Errorf("conn closed = %v status = %v", closed, status)
			}
		})
	}
}

func TestServeStoreFailureStillStreams(t *testing.T) {
	store := &fakeStore{err: errors.New("database unavailable")}
	model := &fakeStreamer{chunks: numbered(4)}
	conn := NewBuffer([]byte(alexPayload))

	res := newTestHandler(store, model).Serve(context.Background(), conn)

	if res.State != StateDone {
		t.Fatalf("State = %v, want done (err %v)", res.State, res.Err)
	}
	if res.StoreErr == nil {
		t.Error("expected StoreErr")
	}
	if res.ProfileID != "" {
		t.Errorf("ProfileID = %q, want empty", res.ProfileID)
	}
	if got := conn.Chunks(); !reflect.DeepEqual(got, model.chunks) {
		t.Errorf("chunks = %q, want %q", got, model.chunks)
	}
	if strings.Contains(conn.Text(), "database") {
		t.Error("storage error leaked to the client")
	}
}

func TestServeStoreWriteIsBounded(t *testing.T) {
	store := &fakeStore{blocking: true}
	model := &fakeStreamer{chunks: numbered(2)}
	h := NewHandler(store, model, composer.New("m"), Options{WriteTimeout: 20 * time.Millisecond})

	res := h.Serve(context.Background(), NewBuffer([]byte(alexPayload)))

	if res.State != StateDone {
		t.Errorf("State = %v, want done", res.State)
	}
	if !errors.Is(res.StoreErr, context.DeadlineExceeded) {
		t.Errorf("StoreErr = %v, want deadline exceeded", res.StoreErr)
	}
}

func TestServeClosesConnectionBeforeAwaitingStore(t *testing.T) {
	gate := make(chan struct{})
	store := &fakeStore{gate: gate}
	model := &fakeStreamer{chunks: numbered(2)}
	conn := closeHookConn{Buffer: NewBuffer([]byte(alexPayload)), onClose: func() { close(gate) }}
	h := NewHandler(store, model, composer.New("m"), Options{WriteTimeout: 2 * time.Second})

	res := h.Serve(context.Background(), conn)

	if res.State != StateDone || res.Status != StatusNormal {
		t.Fatalf("State = %v, Status = %v; want done/normal", res.State, res.Status)
	}
	// The write only completes because the close released it.
	if res.StoreErr != nil || res.ProfileID == "" {
		t.Errorf("StoreErr = %v, ProfileID = %q; want the write to finish after close", res.StoreErr, res.ProfileID)
	}
}

func TestServeClientDisconnectMidStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := &fakeStore{}
	model := &fakeStreamer{chunks: numbered(10)}
	model.afterChunk = func(i int) {
		if i == 2 {
			cancel()
		}
	}
	conn := NewBuffer([]byte(alexPayload))

	res := newTestHandler(store, model).Serve(ctx, conn)

	if res.State != StateError || res.Status != StatusGoingAway {
		t.Fatalf("State = %v Status = %v; want error/going_away", res.State, res.Status)
	}
	if got := conn.Chunks(); !reflect.DeepEqual(got, model.chunks[:3]) {
		t.Errorf("chunks = %q, want first three", got)
	}
	if res.Chunks != 3 {
		t.Errorf("Result.Chunks = %d, want 3", res.Chunks)
	}
	if store.count() != 1 {
		t.Fatalf("stored %d profiles, want 1", store.count())
	}
	if store.ctxErrs[0] != nil {
		t.Errorf("store saw canceled context: %v", store.ctxErrs[0])
	}
}

func TestServeSendFailure(t *testing.T) {
	model := &fakeStreamer{chunks: numbered(6)}
	conn := &failingConn{Buffer: NewBuffer([]byte(alexPayload)), limit: 3}

	res := newTestHandler(&fakeStore{}, model).Serve(context.Background(), conn)

	if res.State != StateError || res.Status != StatusGoingAway {
		t.Fatalf("State = %v Status = %v; want error/going_away", res.State, res.Status)
	}
	if !errors.Is(res.Err, ErrClosed) {
		t.Errorf("Err = %v, want ErrClosed", res.Err)
	}
	if len(conn.Chunks()) != 3 || res.Chunks != 3 {
		t.Errorf("delivered %d chunks (result %d), want 3", len(conn.Chunks()), res.Chunks)
	}
}

func TestServeModelErrorKeepsPartialOutput(t *testing.T) {
	upstream := &proxy.StreamError{Message: "overloaded", Type: "server_error"}
	model := &fakeStreamer{chunks: numbered(2), err: upstream}
	conn := NewBuffer([]byte(alexPayload))

	res := newTestHandler(&fakeStore{}, model).Serve(context.Background(), conn)

	if res.State != StateError || res.Status != StatusModelError {
		t.Fatalf("State = %v Status = %v; want error/model_error", res.State, res.Status)
	}
	var se *proxy.StreamError
	if !errors.As(res.Err, &se) {
		t.Errorf("Err = %v, want *proxy.StreamError", res.Err)
	}
	if got := conn.Chunks(); !reflect.DeepEqual(got, model.chunks) {
		t.Errorf("chunks = %q, want %q", got, model.chunks)
	}
	if res.ProfileID == "" {
		t.Error("profile should still be stored")
	}
}

func TestServeTruncatedUpstreamIsModelError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range []string{"Take ", "magnesium ", "nightly"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q},\"finish_reason\":null}]}\n\n", c)
			w.(http.Flusher).Flush()
		}
	}))
	defer upstream.Close()

	store := &fakeStore{}
	conn := NewBuffer([]byte(alexPayload))
	res := newTestHandler(store, proxy.NewClientWithBaseURL("test-key", upstream.URL)).Serve(context.Background(), conn)

	if res.State != StateError || res.Status != StatusModelError {
		t.Fatalf("State = %v, Status = %v; want error/model_error", res.State, res.Status)
	}
	if !errors.Is(res.Err, proxy.ErrStreamTruncated) {
		t.Errorf("Err = %v, want ErrStreamTruncated", res.Err)
	}
	if res.Chunks != 3 || conn.Text() != "Take magnesium nightly" {
		t.Errorf("Chunks = %d, text = %q; want partial output kept", res.Chunks, conn.Text())
	}
	if closed, status, _ := conn.Closed(); !closed || status != StatusModelError {
		t.Errorf("conn closed = %v with %v, want model_error", closed, status)
	}
	if store.count() != 1 {
		t.Errorf("stored %d profiles, want 1", store.count())
	}
}

func TestServeReadPayloadFailure(t *testing.T) {
	store := &fakeStore{}
	model := &fakeStreamer{}
	conn := errPayloadConn{NewBuffer(nil)}

	res := newTestHandler(store, model).Serve(context.Background(), conn)

	if res.State != StateError || res.Status != StatusGoingAway {
		t.Errorf("State = %v Status = %v", res.State, res.Status)
	}
	if store.count() != 0 || model.calls() != 0 {
		t.Error("no side effects expected without a payload")
	}
}

func TestServeConcurrentSessions(t *testing.T) {
	store := &fakeStore{}
	model := &fakeStreamer{chunks: numbered(8)}
	h := newTestHandler(store, model)

	const sessions = 20
	conns := make([]*Buffer, sessions)
	results := make([]Result, sessions)
	var wg sync.WaitGroup
	for i := range sessions {
		conns[i] = NewBuffer([]byte(fmt.Sprintf(`{"name":"user-%d"}`, i)))
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = h.Serve(context.Background(), conns[i])
		}()
	}
	wg.Wait()

	ids := make(map[string]bool)
	for i, res := range results {
		if res.State != StateDone {
			t.Errorf("session %d: State = %v (err %v)", i, res.State, res.Err)
		}
		if got := conns[i].Chunks(); !reflect.DeepEqual(got, model.chunks) {
			t.Errorf("session %d: chunks = %q", i, got)
		}
		if ids[res.ProfileID] {
			t.Errorf("duplicate profile id %q", res.ProfileID)
		}
		ids[res.ProfileID] = true
		if ids[res.SessionID] {
			t.Errorf("duplicate session id %q", res.SessionID)
		}
		ids[res.SessionID] = true
	}
	if store.count() != sessions {
		t.Errorf("stored %d profiles, want %d", store.count(), sessions)
	}
}

func TestStatusAndStateStrings(t *testing.T) {
	if StatusMalformed.String() != "malformed_payload" {
		t.Errorf("StatusMalformed = %q", StatusMalformed.String())
	}
	if StateStreaming.String() != "streaming" {
		t.Errorf("StateStreaming = %q", StateStreaming.String())
	}
}
