package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	commonlog "rtc_server/server/common/log"
	"rtc_server/server/signal/domain"
)

type PresenceStore interface {
	Get(ctx context.Context, userID string) (domain.PresenceRecord, bool, error)
	Put(ctx context.Context, record domain.PresenceRecord) error
}

// PeerSource lists users who share a conversation with userID.
type PeerSource interface {
	Peers(ctx context.Context, userID string) ([]string, error)
}

// InterestIndex answers "who cares about this user's presence": explicit
// subscriptions plus conversation peers.
type InterestIndex struct {
	mu       sync.RWMutex
	watchers map[string]map[string]struct{}
	watching map[string]map[string]struct{}
	peers    PeerSource
}

func NewInterestIndex(peers PeerSource) *InterestIndex {
	return &InterestIndex{
		watchers: map[string]map[string]struct{}{},
		watching: map[string]map[string]struct{}{},
		peers:    peers,
	}
}

func (i *InterestIndex) Subscribe(watcher string, targets ...string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, target := range targets {
		if target == "" || target == watcher {
			continue
		}
		if i.watchers[target] == nil {
			i.watchers[target] = map[string]struct{}{}
		}
		i.watchers[target][watcher] = struct{}{}
		if i.watching[watcher] == nil {
			i.watching[watcher] = map[string]struct{}{}
		}
		i.watching[watcher][target] = struct{}{}
	}
}

func (i *InterestIndex) Unsubscribe(watcher string, targets ...string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, target := range targets {
		i.unlinkLocked(watcher, target)
	}
}

// DropWatcher forgets every explicit subscription held by watcher.
func (i *InterestIndex) DropWatcher(watcher string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for target := range i.watching[watcher] {
		i.unlinkLocked(watcher, target)
	}
}

func (i *InterestIndex) unlinkLocked(watcher, target string) {
	if set := i.watchers[target]; set != nil {
		delete(set, watcher)
		if len(set) == 0 {
			delete(i.watchers, target)
		}
	}
	if set := i.watching[watcher]; set != nil {
		delete(set, target)
		if len(set) == 0 {
			delete(i.watching, watcher)
		}
	}
}

// Interested returns the sorted, de-duplicated interest set of userID,
// never including userID itself.
func (i *InterestIndex) Interested(ctx context.Context, userID string) ([]string, error) {
	set := map[string]struct{}{}
	i.mu.RLock()
	for watcher := range i.watchers[userID] {
		set[watcher] = struct{}{}
	}
	i.mu.RUnlock()

	var peerErr error
	if i.peers != nil {
		peers, err := i.peers.Peers(ctx, userID)
		if err != nil {
			peerErr = err
		}
		for _, p := range peers {
			set[p] = struct{}{}
		}
	}
	delete(set, userID)

	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, peerErr
}

type PresenceTracker struct {
	registry  *Registry
	store     PresenceStore
	interests *InterestIndex
	publisher EventPublisher
	locks     *keyedMutex
	now       func() time.Time
}

func NewPresenceTracker(registry *Registry, store PresenceStore, interests *InterestIndex, publisher EventPublisher) *PresenceTracker {
	return &PresenceTracker{
		registry:  registry,
		store:     store,
		interests: interests,
		publisher: publisherOrNop(publisher),
		locks:     newKeyedMutex(),
		now:       time.Now,
	}
}

func (t *PresenceTracker) Interests() *InterestIndex {
	return t.interests
}

func (t *PresenceTracker) Get(ctx context.Context, userID string) (domain.PresenceRecord, error) {
	rec, ok, err := t.store.Get(ctx, userID)
	if err != nil {
		return domain.PresenceRecord{}, fmt.Errorf("%w: load presence: %v", domain.ErrPersistence, err)
	}
	if !ok {
		return domain.PresenceRecord{UserID: userID, Status: domain.StatusOffline}, nil
	}
	return rec, nil
}

func (t *PresenceTracker) Snapshot(ctx context.Context, userIDs []string) []domain.PresenceRecord {
	out := make([]domain.PresenceRecord, 0, len(userIDs))
	for _, id := range userIDs {
		rec, err := t.Get(ctx, id)
		if err != nil {
			commonlog.Warnf("event=presence action=snapshot status=failed user_id=%s error=%v", id, err)
			rec = domain.PresenceRecord{UserID: id, Status: domain.StatusOffline}
		}
		out = append(out, rec)
	}
	return out
}

func (t *PresenceTracker) SetStatus(ctx context.Context, userID string, status domain.Status) (domain.PresenceRecord, error) {
	if !status.Valid() {
		return domain.PresenceRecord{}, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidArgument, status)
	}
	return t.mutate(ctx, userID, func(rec *domain.PresenceRecord) {
		rec.Status = status
		rec.IsOnline = t.registry.IsOnline(userID)
		rec.LastSeen = t.now().UTC()
	}), nil
}

// OnRegistered marks the user online. A status the user chose survives the
// reconnect; offline or unset becomes available.
func (t *PresenceTracker) OnRegistered(userID string) {
	t.mutate(context.Background(), userID, func(rec *domain.PresenceRecord) {
		rec.IsOnline = true
		if rec.Status == "" || rec.Status == domain.StatusOffline {
			rec.Status = domain.StatusAvailable
		}
		rec.LastSeen = t.now().UTC()
	})
}

// OnUnregistered flips isOnline and stamps lastSeen. The chosen status is
// kept so it can be restored on reconnect; readers derive offline from
// isOnline.
func (t *PresenceTracker) OnUnregistered(userID string) {
	t.interests.DropWatcher(userID)
	t.mutate(context.Background(), userID, func(rec *domain.PresenceRecord) {
		rec.IsOnline = false
		rec.LastSeen = t.now().UTC()
	})
}

// mutate applies fn to the stored record under the user's lock, persists it
// and broadcasts the result. Store failures are logged; the broadcast still
// goes out.
func (t *PresenceTracker) mutate(ctx context.Context, userID string, fn func(rec *domain.PresenceRecord)) domain.PresenceRecord {
	unlock := t.locks.Lock(userID)
	defer unlock()

	rec, ok, err := t.store.Get(ctx, userID)
	if err != nil {
		commonlog.Errorf("event=presence action=load status=failed user_id=%s error=%v", userID, err)
	}
	if !ok {
		rec = domain.PresenceRecord{UserID: userID, Status: domain.StatusOffline}
	}
	fn(&rec)
	if err := t.store.Put(ctx, rec); err != nil {
		commonlog.Errorf("event=presence action=store status=failed user_id=%s error=%v", userID, err)
	}
	t.BroadcastPresence(ctx, rec)
	return rec
}

// BroadcastPresence sends user-status-change to the connected members of the
// user's interest set.
func (t *PresenceTracker) BroadcastPresence(ctx context.Context, rec domain.PresenceRecord) int {
	recipients, err := t.interests.Interested(ctx, rec.UserID)
	if err != nil {
		commonlog.Warnf("event=presence action=interest_lookup status=partial user_id=%s error=%v", rec.UserID, err)
	}
	delivered := t.registry.DeliverMany(recipients, domain.NewEvent(domain.EventUserStatusChange, rec))
	commonlog.Debugf("event=presence action=broadcast status=ok user_id=%s online=%t presence=%s interested=%d fanout_count=%d", rec.UserID, rec.IsOnline, rec.Status, len(recipients), delivered)
	publishAsync(t.publisher, domain.TopicPresenceChanged, rec)
	return delivered
}
