package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
)

// WSSession is one connected rider or driver.
type WSSession struct {
	conn  *websocket.Conn
	actor models.Actor
	mu    sync.Mutex
}

func (s *WSSession) send(ctx context.Context, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteJSON(v)
}

func (s *WSSession) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// WSRegistry holds one session per user id. A reconnect replaces the older
// session.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

func (r *WSRegistry) Name() string { return "websocket" }

// Serve registers conn for actor and blocks until the client goes away.
func (r *WSRegistry) Serve(actor models.Actor, conn *websocket.Conn) {
	s := &WSSession{conn: conn, actor: actor}
	r.mu.Lock()
	if old, ok := r.sessions[actor.ID]; ok {
		_ = old.conn.Close()
	}
	r.sessions[actor.ID] = s
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		if r.sessions[actor.ID] == s {
			delete(r.sessions, actor.ID)
		}
		r.mu.Unlock()
		_ = conn.Close()
	}()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		t := time.NewTicker(wsPingPeriod)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				if err := s.ping(); err != nil {
					return
				}
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		// clients only listen; anything they send is discarded
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (r *WSRegistry) SendTo(ctx context.Context, recipientID string, ev Event) error {
	r.mu.RLock()
	s, ok := r.sessions[recipientID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.send(ctx, ev)
}

// Broadcast reaches every connected driver.
func (r *WSRegistry) Broadcast(ctx context.Context, ev Event) error {
	r.mu.RLock()
	targets := make([]*WSSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.actor.Role == models.RoleDriver {
			targets = append(targets, s)
		}
	}
	r.mu.RUnlock()

	var firstErr error
	for _, s := range targets {
		if err := s.send(ctx, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *WSRegistry) Connected(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[id]
	return ok
}
