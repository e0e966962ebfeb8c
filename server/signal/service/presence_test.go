package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtc_server/server/signal/domain"
	"rtc_server/server/signal/repository"
)

type presenceFixture struct {
	registry  *Registry
	chat      *ChatService
	tracker   *PresenceTracker
	publisher *capturePublisher
}

func newPresenceFixture(t *testing.T) *presenceFixture {
	t.Helper()
	registry := NewRegistry()
	chat := NewChatService(repository.NewMemoryConversationStore(), registry, nil, nil)
	publisher := &capturePublisher{}
	tracker := NewPresenceTracker(registry, repository.NewMemoryPresenceStore(), NewInterestIndex(chat), publisher)
	registry.AddListener(tracker)
	return &presenceFixture{registry: registry, chat: chat, tracker: tracker, publisher: publisher}
}

func statusChanges(c *fakeConn, userID string) []domain.PresenceRecord {
	var out []domain.PresenceRecord
	for _, ev := range c.ofType(domain.EventUserStatusChange) {
		rec := ev.Payload.(domain.PresenceRecord)
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	return out
}

func TestPresenceBroadcastsOnlyToInterestedUsers(t *testing.T) {
	f := newPresenceFixture(t)
	ctx := context.Background()

	_, err := f.chat.Send(ctx, SendInput{SenderID: "alice", ReceiverID: "bob", Body: "hi"})
	require.NoError(t, err)

	conns := connect(f.registry, "bob", "carol", "dave")
	f.tracker.Interests().Subscribe("dave", "alice")

	connect(f.registry, "alice")

	bobSeen := statusChanges(conns["bob"], "alice")
	require.Len(t, bobSeen, 1)
	assert.True(t, bobSeen[0].IsOnline)
	assert.Equal(t, domain.StatusAvailable, bobSeen[0].Status)
	assert.Len(t, statusChanges(conns["dave"], "alice"), 1)
	assert.Empty(t, statusChanges(conns["carol"], "alice"))

	f.registry.Unregister("alice")

	bobSeen = statusChanges(conns["bob"], "alice")
	require.Len(t, bobSeen, 2)
	assert.False(t, bobSeen[1].IsOnline)
	assert.Equal(t, domain.StatusAvailable, bobSeen[1].Status)

	rec, err := f.tracker.Get(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, rec.IsOnline)
	assert.False(t, rec.LastSeen.IsZero())

	require.Eventually(t, func() bool {
		for _, key := range f.publisher.published() {
			if key == domain.TopicPresenceChanged {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestPresenceSetStatusPersistsAndBroadcasts(t *testing.T) {
	f := newPresenceFixture(t)
	ctx := context.Background()

	conns := connect(f.registry, "alice", "watcher")
	f.tracker.Interests().Subscribe("watcher", "alice")

	rec, err := f.tracker.SetStatus(ctx, "alice", domain.StatusDoNotDisturb)
	require.NoError(t, err)
	assert.True(t, rec.IsOnline)
	assert.Equal(t, domain.StatusDoNotDisturb, rec.Status)

	seen := statusChanges(conns["watcher"], "alice")
	require.NotEmpty(t, seen)
	assert.Equal(t, domain.StatusDoNotDisturb, seen[len(seen)-1].Status)

	stored, err := f.tracker.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDoNotDisturb, stored.Status)

	_, err = f.tracker.SetStatus(ctx, "alice", domain.Status("invisible"))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestPresenceReconnectRestoresAvailable(t *testing.T) {
	f := newPresenceFixture(t)
	ctx := context.Background()

	connect(f.registry, "alice")
	f.registry.Unregister("alice")
	connect(f.registry, "alice")

	rec, err := f.tracker.Get(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, rec.IsOnline)
	assert.Equal(t, domain.StatusAvailable, rec.Status)
}

func TestPresenceKeepsChosenStatusAcrossReconnect(t *testing.T) {
	f := newPresenceFixture(t)
	ctx := context.Background()

	connect(f.registry, "alice")
	_, err := f.tracker.SetStatus(ctx, "alice", domain.StatusBusy)
	require.NoError(t, err)

	f.registry.Unregister("alice")
	rec, err := f.tracker.Get(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, rec.IsOnline)
	assert.Equal(t, domain.StatusBusy, rec.Status)
	disconnectedAt := rec.LastSeen

	connect(f.registry, "alice")
	rec, err = f.tracker.Get(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, rec.IsOnline)
	assert.Equal(t, domain.StatusBusy, rec.Status)
	assert.False(t, rec.LastSeen.Before(disconnectedAt))
}

func TestPresenceDisconnectDropsSubscriptions(t *testing.T) {
	f := newPresenceFixture(t)
	ctx := context.Background()

	connect(f.registry, "watcher")
	f.tracker.Interests().Subscribe("watcher", "alice", "bob")
	f.registry.Unregister("watcher")

	interested, err := f.tracker.Interests().Interested(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, interested)
}

func TestPresenceSnapshotDefaultsUnknownUsersOffline(t *testing.T) {
	f := newPresenceFixture(t)
	connect(f.registry, "alice")

	snap := f.tracker.Snapshot(context.Background(), []string{"alice", "nobody"})
	require.Len(t, snap, 2)
	assert.True(t, snap[0].IsOnline)
	assert.Equal(t, "nobody", snap[1].UserID)
	assert.Equal(t, domain.StatusOffline, snap[1].Status)
}

type failingPeers struct{}

func (failingPeers) Peers(context.Context, string) ([]string, error) {
	return []string{"peer"}, errors.New("store down")
}

func TestInterestIndexMergesSubscriptionsAndPeers(t *testing.T) {
	idx := NewInterestIndex(failingPeers{})
	idx.Subscribe("w1", "target", "target", "")
	idx.Subscribe("target", "target")
	idx.Subscribe("w2", "target")
	idx.Unsubscribe("w2", "target")

	got, err := idx.Interested(context.Background(), "target")
	assert.Error(t, err)
	assert.Equal(t, []string{"peer", "w1"}, got)
}

func TestRelayForwardsOpaquePayload(t *testing.T) {
	registry := NewRegistry()
	conns := connect(registry, "alice", "bob")
	relay := NewRelay(registry)
	ctx := context.Background()

	signal := json.RawMessage(`{"sdp":"v=0","type":"offer"}`)
	require.NoError(t, relay.Relay(ctx, "alice", "bob", signal))

	got := conns["bob"].ofType(domain.EventWebRTCSignal)
	require.Len(t, got, 1)
	payload := got[0].Payload.(domain.SignalPayload)
	assert.Equal(t, "alice", payload.SenderID)
	assert.JSONEq(t, string(signal), string(payload.Signal))

	err := relay.Relay(ctx, "alice", "absent", signal)
	assert.ErrorIs(t, err, domain.ErrUnreachable)
	assert.Equal(t, domain.KindUnreachable, domain.Classify(err))
	assert.Empty(t, conns["alice"].all())

	assert.ErrorIs(t, relay.Relay(ctx, "alice", " ", signal), domain.ErrInvalidArgument)
}
