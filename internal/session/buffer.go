package session

import (
	"context"
	"strings"
	"sync"
)

// Buffer is an in-memory Conn that serves a fixed payload and collects every
// chunk sent to it.
type Buffer struct {
	payload []byte

	mu     sync.Mutex
	chunks []string
	closed bool
	status Status
	reason string
}

// NewBuffer returns a Buffer that yields payload on ReadPayload.
func NewBuffer(payload []byte) *Buffer {
	return &Buffer{payload: payload}
}

func (b *Buffer) ReadPayload(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.payload, nil
}

func (b *Buffer) Send(ctx context.Context, chunk string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.chunks = append(b.chunks, chunk)
	return nil
}

func (b *Buffer) Close(status Status, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.closed = true
	b.status = status
	b.reason = reason
	return nil
}

// Chunks returns the chunks received so far, in order.
func (b *Buffer) Chunks() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.chunks...)
}

// Text returns the concatenated chunks.
func (b *Buffer) Text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.chunks, "")
}

// Closed reports whether Close was called, with its status and reason.
func (b *Buffer) Closed() (bool, Status, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed, b.status, b.reason
}
