package service

import (
	"sync"
	"time"

	commonlog "rtc_server/server/common/log"
	"rtc_server/server/common/metrics"
	"rtc_server/server/signal/domain"
)

// Conn is a live client transport. Send must not block: implementations
// queue the event or fail fast.
type Conn interface {
	ID() string
	UserID() string
	Send(event domain.Event) error
	Close() error
}

// RegistryListener observes register/unregister transitions. Callbacks run
// in mutation order and must not call Register or Unregister.
type RegistryListener interface {
	OnRegistered(userID string)
	OnUnregistered(userID string)
}

type registration struct {
	conn          Conn
	establishedAt time.Time
}

type registryEvent struct {
	userID string
	online bool
}

// Registry maps a user to its single live connection. The last registration
// wins and retires the previous handle.
type Registry struct {
	mu        sync.Mutex
	conns     map[string]registration
	pending   []registryEvent
	listeners []RegistryListener

	notifyMu sync.Mutex
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{conns: map[string]registration{}, now: time.Now}
}

func (r *Registry) AddListener(l RegistryListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Register installs conn for userID and returns the handle it superseded, if
// any. The superseded handle is closed.
func (r *Registry) Register(userID string, conn Conn) Conn {
	r.mu.Lock()
	prev, hadPrev := r.conns[userID]
	if hadPrev && prev.conn == conn {
		r.mu.Unlock()
		return nil
	}
	r.conns[userID] = registration{conn: conn, establishedAt: r.now()}
	r.pending = append(r.pending, registryEvent{userID: userID, online: true})
	if !hadPrev {
		metrics.Connections.Inc()
	}
	r.mu.Unlock()

	var superseded Conn
	if hadPrev {
		superseded = prev.conn
		if err := superseded.Close(); err != nil {
			commonlog.Debugf("event=registry action=supersede status=close_failed user_id=%s conn_id=%s error=%v", userID, superseded.ID(), err)
		}
		commonlog.Infof("event=registry action=supersede status=ok user_id=%s old_conn_id=%s new_conn_id=%s", userID, superseded.ID(), conn.ID())
	} else {
		commonlog.Infof("event=registry action=register status=ok user_id=%s conn_id=%s", userID, conn.ID())
	}
	r.flush()
	return superseded
}

// Unregister removes and closes whatever handle userID holds.
func (r *Registry) Unregister(userID string) {
	r.mu.Lock()
	prev, ok := r.conns[userID]
	if ok {
		r.removeLocked(userID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	_ = prev.conn.Close()
	commonlog.Infof("event=registry action=unregister status=ok user_id=%s conn_id=%s", userID, prev.conn.ID())
	r.flush()
}

// UnregisterConn removes conn only if it is still the user's current handle,
// so a superseded connection tearing down cannot evict its successor.
func (r *Registry) UnregisterConn(conn Conn) bool {
	userID := conn.UserID()
	r.mu.Lock()
	current, ok := r.conns[userID]
	if !ok || current.conn != conn {
		r.mu.Unlock()
		return false
	}
	r.removeLocked(userID)
	r.mu.Unlock()

	commonlog.Infof("event=registry action=unregister status=ok user_id=%s conn_id=%s", userID, conn.ID())
	r.flush()
	return true
}

func (r *Registry) removeLocked(userID string) {
	delete(r.conns, userID)
	r.pending = append(r.pending, registryEvent{userID: userID, online: false})
	metrics.Connections.Dec()
}

func (r *Registry) Lookup(userID string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.conns[userID]
	if !ok {
		return nil, false
	}
	return reg.conn, true
}

func (r *Registry) Connection(userID string) (domain.Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.conns[userID]
	if !ok {
		return domain.Connection{}, false
	}
	return domain.Connection{UserID: userID, ConnectionID: reg.conn.ID(), EstablishedAt: reg.establishedAt}, true
}

func (r *Registry) IsOnline(userID string) bool {
	_, ok := r.Lookup(userID)
	return ok
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Deliver sends event to userID if connected. An absent user is a normal
// outcome and returns false without logging at warn level.
func (r *Registry) Deliver(userID string, event domain.Event) bool {
	conn, ok := r.Lookup(userID)
	if !ok {
		return false
	}
	if err := conn.Send(event); err != nil {
		metrics.EventsDropped.WithLabelValues(event.Type).Inc()
		commonlog.Warnf("event=registry_deliver action=send status=failed type=%s user_id=%s conn_id=%s error=%v", event.Type, userID, conn.ID(), err)
		return false
	}
	metrics.EventsSent.WithLabelValues(event.Type).Inc()
	return true
}

// DeliverMany fans event out to every connected user in userIDs. Failures are
// per recipient and never abort the batch.
func (r *Registry) DeliverMany(userIDs []string, event domain.Event) int {
	delivered := 0
	seen := make(map[string]struct{}, len(userIDs))
	for _, userID := range userIDs {
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}
		if r.Deliver(userID, event) {
			delivered++
		}
	}
	return delivered
}

// flush drains queued transitions to listeners in the order they were
// recorded. notifyMu keeps a single drainer so ordering holds across
// goroutines.
func (r *Registry) flush() {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	for {
		r.mu.Lock()
		if len(r.pending) == 0 {
			r.mu.Unlock()
			return
		}
		ev := r.pending[0]
		r.pending = r.pending[1:]
		listeners := append([]RegistryListener(nil), r.listeners...)
		r.mu.Unlock()

		for _, l := range listeners {
			if ev.online {
				l.OnRegistered(ev.userID)
			} else {
				l.OnUnregistered(ev.userID)
			}
		}
	}
}
