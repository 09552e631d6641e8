package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ambulance-dispatch/internal/observability"
)

const defaultWriteWait = 5 * time.Second

// WSSession represents one connected socket for a recipient.
type WSSession struct {
	ID   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteWait)
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteJSON(ev)
}

func (s *WSSession) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(defaultWriteWait))
}

func (s *WSSession) Close() error { return s.conn.Close() }

// WSRegistry holds live sockets keyed by recipient ("driver:{id}", "user:{id}").
// It is the process-local Channel: a recipient with no socket is a silent
// success.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*WSSession
}

func NewWSRegistry() *WSRegistry {
	return &WSRegistry{sessions: make(map[string]map[string]*WSSession)}
}

func (r *WSRegistry) Add(recipient string, conn *websocket.Conn) *WSSession {
	s := &WSSession{ID: uuid.NewString(), conn: conn}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[recipient] == nil {
		r.sessions[recipient] = make(map[string]*WSSession)
	}
	r.sessions[recipient][s.ID] = s
	observability.WSSessions.Inc()
	return s
}

// Remove drops and closes the session. Removing twice is a no-op.
func (r *WSRegistry) Remove(recipient string, s *WSSession) {
	r.mu.Lock()
	set, ok := r.sessions[recipient]
	if ok {
		if _, present := set[s.ID]; present {
			delete(set, s.ID)
			observability.WSSessions.Dec()
		} else {
			ok = false
		}
		if len(set) == 0 {
			delete(r.sessions, recipient)
		}
	}
	r.mu.Unlock()
	if ok {
		_ = s.Close()
	}
}

func (r *WSRegistry) Count(recipient string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[recipient])
}

// Publish writes ev to every socket of the recipient. Sockets that fail the
// write are dropped; the joined write errors are returned.
func (r *WSRegistry) Publish(ctx context.Context, recipient string, ev Event) error {
	r.mu.RLock()
	targets := make([]*WSSession, 0, len(r.sessions[recipient]))
	for _, s := range r.sessions[recipient] {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	var errs []error
	for _, s := range targets {
		if err := s.Send(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", s.ID, err))
			r.Remove(recipient, s)
		}
	}
	return errors.Join(errs...)
}
