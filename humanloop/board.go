// Package humanloop implements a question board for tools that need a
// human answer. The loop blocks in a tool call while an operator resolves
// the request out of band.
package humanloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RequestStatus is the lifecycle state of a board request.
type RequestStatus string

const (
	StatusWaiting   RequestStatus = "waiting"
	StatusCompleted RequestStatus = "completed"
	StatusCancelled RequestStatus = "cancelled"
	StatusTimeout   RequestStatus = "timeout"
)

// Request is one pending question. Status transitions are one way from
// waiting; the first Resolve, Cancel, or timeout wins.
type Request struct {
	ID        string        `json:"id"`
	Prompt    string        `json:"prompt"`
	Status    RequestStatus `json:"status"`
	Response  string        `json:"response,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// ErrNotFound is returned for an unknown request ID.
var ErrNotFound = errors.New("request not found")

// Board holds in-flight requests in memory.
type Board struct {
	mu       sync.Mutex
	requests map[string]*Request
}

func NewBoard() *Board {
	return &Board{requests: make(map[string]*Request)}
}

// Create posts a new question and returns its ID.
func (b *Board) Create(prompt string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := uuid.New().String()
	b.requests[id] = &Request{
		ID:        id,
		Prompt:    prompt,
		Status:    StatusWaiting,
		CreatedAt: time.Now().UTC(),
	}
	return id
}

// Resolve answers a waiting request. Resolving a request that already left
// the waiting state is an error; the earlier outcome stands.
func (b *Board) Resolve(id, response string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	req, ok := b.requests[id]
	if !ok {
		return ErrNotFound
	}
	if req.Status != StatusWaiting {
		return fmt.Errorf("request %s already %s", id, req.Status)
	}
	req.Status = StatusCompleted
	req.Response = response
	return nil
}

// Cancel withdraws a waiting request.
func (b *Board) Cancel(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	req, ok := b.requests[id]
	if !ok {
		return ErrNotFound
	}
	if req.Status != StatusWaiting {
		return fmt.Errorf("request %s already %s", id, req.Status)
	}
	req.Status = StatusCancelled
	return nil
}

// Get returns a copy of the request.
func (b *Board) Get(id string) (Request, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	req, ok := b.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return *req, nil
}

// Waiting lists all requests still awaiting an answer.
func (b *Board) Waiting() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Request
	for _, req := range b.requests {
		if req.Status == StatusWaiting {
			out = append(out, *req)
		}
	}
	return out
}

// Await polls a request until it leaves the waiting state. A timeout of
// zero or less waits indefinitely. On timeout the request is marked so a
// late Resolve does not silently succeed.
func (b *Board) Await(ctx context.Context, id string, poll, timeout time.Duration) (Request, error) {
	if poll <= 0 {
		poll = time.Second
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		req, err := b.Get(id)
		if err != nil {
			return Request{}, err
		}
		if req.Status != StatusWaiting {
			return req, nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			b.expire(id)
			return Request{}, fmt.Errorf("request %s timed out after %s", id, timeout)
		}
		select {
		case <-ctx.Done():
			return Request{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *Board) expire(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if req, ok := b.requests[id]; ok && req.Status == StatusWaiting {
		req.Status = StatusTimeout
	}
}
