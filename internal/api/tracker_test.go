package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestTracker_ShutdownCancelsAndWaits(t *testing.T) {
	tr := NewTracker()
	ctx, done, err := tr.track(context.Background())
	if err != nil {
		t.Fatalf("track: %v", err)
	}

	finished := make(chan struct{})
	go func() {
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		close(finished)
		done()
	}()

	wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.Shutdown(wctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case <-finished:
	default:
		t.Fatal("Shutdown returned before the session finished")
	}
}

func TestTracker_WaitHonoursDeadline(t *testing.T) {
	tr := NewTracker()
	_, done, err := tr.track(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer done()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := tr.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait = %v, want deadline exceeded", err)
	}
}

func TestTracker_RejectsAfterCancel(t *testing.T) {
	tr := NewTracker()
	tr.Cancel()
	tr.Cancel()
	if _, _, err := tr.track(context.Background()); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("track after Cancel = %v, want ErrShuttingDown", err)
	}
}

func TestTracker_ParentCancelStillPropagates(t *testing.T) {
	tr := NewTracker()
	parent, cancelParent := context.WithCancel(context.Background())
	ctx, done, err := tr.track(parent)
	if err != nil {
		t.Fatal(err)
	}
	defer done()

	cancelParent()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("session context not canceled with its parent")
	}
}

func TestProtocol_RejectedWhileShuttingDown(t *testing.T) {
	deps := newTestDeps(&mockStore{}, &mockModel{chunks: []string{"x"}})
	deps.Tracker = NewTracker()
	deps.Tracker.Cancel()
	handler := NewHandler(deps)

	req := httptest.NewRequest(http.MethodPost, "/v1/protocol", strings.NewReader(alexPayload))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}
