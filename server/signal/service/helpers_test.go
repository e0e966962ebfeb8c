package service

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"rtc_server/server/signal/domain"
)

type fakeConn struct {
	id     string
	userID string

	mu     sync.Mutex
	events []domain.Event
	closed bool
	full   bool
}

func newFakeConn(userID string) *fakeConn {
	return &fakeConn{id: uuid.NewString(), userID: userID}
}

func (c *fakeConn) ID() string     { return c.id }
func (c *fakeConn) UserID() string { return c.userID }

func (c *fakeConn) Send(event domain.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	if c.full {
		return errors.New("send buffer full")
	}
	c.events = append(c.events, event)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) all() []domain.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Event(nil), c.events...)
}

func (c *fakeConn) ofType(eventType string) []domain.Event {
	var out []domain.Event
	for _, ev := range c.all() {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}

// connect registers a fresh fake connection for each user.
func connect(r *Registry, userIDs ...string) map[string]*fakeConn {
	out := make(map[string]*fakeConn, len(userIDs))
	for _, id := range userIDs {
		c := newFakeConn(id)
		r.Register(id, c)
		out[id] = c
	}
	return out
}

type recordingRecorder struct {
	mu       sync.Mutex
	sessions []domain.CallSession
}

func (r *recordingRecorder) Record(session domain.CallSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, session)
}

func (r *recordingRecorder) recorded() []domain.CallSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.CallSession(nil), r.sessions...)
}

type listenerLog struct {
	mu     sync.Mutex
	events []string
}

func (l *listenerLog) OnRegistered(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, "+"+userID)
}

func (l *listenerLog) OnUnregistered(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, "-"+userID)
}

func (l *listenerLog) seen() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type capturePublisher struct {
	mu   sync.Mutex
	keys []string
}

func (p *capturePublisher) Publish(_ context.Context, key string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	return nil
}

func (p *capturePublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}
