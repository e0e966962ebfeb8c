package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtc_server/server/signal/domain"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type callFixture struct {
	registry *Registry
	machine  *CallMachine
	recorder *recordingRecorder
	clock    *testClock
	conns    map[string]*fakeConn
}

func newCallFixture(t *testing.T, cfg CallMachineConfig, online ...string) *callFixture {
	t.Helper()
	registry := NewRegistry()
	recorder := &recordingRecorder{}
	machine := NewCallMachine(registry, recorder, nil, cfg)
	clock := newTestClock()
	machine.now = clock.Now
	registry.AddListener(machine)
	t.Cleanup(machine.Close)
	return &callFixture{
		registry: registry,
		machine:  machine,
		recorder: recorder,
		clock:    clock,
		conns:    connect(registry, online...),
	}
}

func TestCallMachineAcceptedCallBecomesOngoing(t *testing.T) {
	f := newCallFixture(t, CallMachineConfig{}, "caller", "receiver")
	ctx := context.Background()

	session, err := f.machine.Request(ctx, "caller", []string{"receiver"}, domain.MediaVideo)
	require.NoError(t, err)
	assert.Equal(t, domain.CallRinging, session.State)
	assert.False(t, session.IsGroup)

	incoming := f.conns["receiver"].ofType(domain.EventIncomingCall)
	require.Len(t, incoming, 1)
	payload := incoming[0].Payload.(domain.IncomingCallPayload)
	assert.Equal(t, session.CallID, payload.CallID)
	assert.Equal(t, "caller", payload.CallerID)
	assert.Equal(t, domain.MediaVideo, payload.CallType)
	assert.Len(t, f.conns["caller"].ofType(domain.EventCallInitiated), 1)

	f.clock.Advance(time.Second)
	session, err = f.machine.Respond(ctx, session.CallID, "receiver", true)
	require.NoError(t, err)
	assert.Equal(t, domain.CallOngoing, session.State)
	require.NotNil(t, session.AnsweredAt)

	assert.Len(t, f.conns["caller"].ofType(domain.EventCallAccepted), 1)
	assert.Len(t, f.conns["receiver"].ofType(domain.EventCallAccepted), 1)
	assert.Empty(t, f.recorder.recorded())
	assert.Len(t, f.machine.ActiveFor("caller"), 1)
}

func TestCallMachineOfflineReceiverIsMissed(t *testing.T) {
	f := newCallFixture(t, CallMachineConfig{}, "caller")

	session, err := f.machine.Request(context.Background(), "caller", []string{"ghost"}, domain.MediaAudio)
	require.NoError(t, err)
	assert.Equal(t, domain.CallMissed, session.State)
	assert.Equal(t, int64(0), session.DurationSeconds)
	assert.Equal(t, domain.ReasonReceiverOffline, session.EndReason)

	missed := f.conns["caller"].ofType(domain.EventCallMissed)
	require.Len(t, missed, 1)
	assert.Equal(t, domain.CallMissedPayload{CallID: session.CallID, Reason: domain.ReasonReceiverOffline}, missed[0].Payload)

	recorded := f.recorder.recorded()
	require.Len(t, recorded, 1)
	assert.Equal(t, domain.CallMissed, recorded[0].State)
	assert.Empty(t, f.machine.ActiveFor("caller"))
}

func TestCallMachineDeclineResolvesRejected(t *testing.T) {
	f := newCallFixture(t, CallMachineConfig{}, "caller", "receiver")
	ctx := context.Background()

	session, err := f.machine.Request(ctx, "caller", []string{"receiver"}, domain.MediaAudio)
	require.NoError(t, err)

	session, err = f.machine.Respond(ctx, session.CallID, "receiver", false)
	require.NoError(t, err)
	assert.Equal(t, domain.CallRejected, session.State)
	assert.Equal(t, int64(0), session.DurationSeconds)
	assert.Len(t, f.conns["caller"].ofType(domain.EventCallRejected), 1)
	assert.Len(t, f.conns["receiver"].ofType(domain.EventCallRejected), 1)
	assert.Len(t, f.recorder.recorded(), 1)

	_, err = f.machine.Respond(ctx, session.CallID, "receiver", true)
	assert.ErrorIs(t, err, domain.ErrAlreadyResolved)
	assert.Equal(t, domain.KindInvalidState, domain.Classify(err))
}

func TestCallMachineRingTimeoutMarksMissed(t *testing.T) {
	f := newCallFixture(t, CallMachineConfig{RingTimeout: 20 * time.Millisecond}, "caller", "receiver")
	ctx := context.Background()

	session, err := f.machine.Request(ctx, "caller", []string{"receiver"}, domain.MediaAudio)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.recorder.recorded()) == 1
	}, time.Second, 5*time.Millisecond)

	got, err := f.machine.Session(session.CallID, "caller")
	require.NoError(t, err)
	assert.Equal(t, domain.CallMissed, got.State)
	assert.Equal(t, domain.ReasonNoAnswer, got.EndReason)

	missed := f.conns["caller"].ofType(domain.EventCallMissed)
	require.Len(t, missed, 1)
	assert.Equal(t, domain.ReasonNoAnswer, missed[0].Payload.(domain.CallMissedPayload).Reason)
	assert.Len(t, f.conns["receiver"].ofType(domain.EventCallMissed), 1)

	_, err = f.machine.Respond(ctx, session.CallID, "receiver", true)
	assert.ErrorIs(t, err, domain.ErrAlreadyResolved)
}

func TestCallMachineHangupRecordsDuration(t *testing.T) {
	f := newCallFixture(t, CallMachineConfig{}, "caller", "receiver")
	ctx := context.Background()

	session, err := f.machine.Request(ctx, "caller", []string{"receiver"}, domain.MediaVideo)
	require.NoError(t, err)
	_, err = f.machine.Respond(ctx, session.CallID, "receiver", true)
	require.NoError(t, err)

	f.clock.Advance(95 * time.Second)
	session, err = f.machine.End(ctx, session.CallID, "receiver")
	require.NoError(t, err)
	assert.Equal(t, domain.CallEnded, session.State)
	assert.Equal(t, int64(95), session.DurationSeconds)

	for _, user := range []string{"caller", "receiver"} {
		ended := f.conns[user].ofType(domain.EventCallEnded)
		require.Len(t, ended, 1, user)
		payload := ended[0].Payload.(domain.CallEndedPayload)
		assert.Equal(t, "receiver", payload.EndedBy)
		assert.Equal(t, int64(95), payload.DurationSeconds)
	}

	_, err = f.machine.End(ctx, session.CallID, "caller")
	assert.ErrorIs(t, err, domain.ErrAlreadyResolved)
	require.Len(t, f.recorder.recorded(), 1)
}

func TestCallMachineCallerCancelWhileRinging(t *testing.T) {
	f := newCallFixture(t, CallMachineConfig{}, "caller", "receiver")
	ctx := context.Background()

	session, err := f.machine.Request(ctx, "caller", []string{"receiver"}, domain.MediaAudio)
	require.NoError(t, err)
	session, err = f.machine.End(ctx, session.CallID, "caller")
	require.NoError(t, err)
	assert.Equal(t, domain.CallMissed, session.State)
	assert.Equal(t, domain.ReasonCanceled, session.EndReason)
	assert.Len(t, f.conns["receiver"].ofType(domain.EventCallMissed), 1)
}

func TestCallMachineDisconnectEndsOngoingCall(t *testing.T) {
	f := newCallFixture(t, CallMachineConfig{}, "caller", "receiver")
	ctx := context.Background()

	session, err := f.machine.Request(ctx, "caller", []string{"receiver"}, domain.MediaAudio)
	require.NoError(t, err)
	_, err = f.machine.Respond(ctx, session.CallID, "receiver", true)
	require.NoError(t, err)

	f.registry.Unregister("receiver")

	got, err := f.machine.Session(session.CallID, "caller")
	require.NoError(t, err)
	assert.Equal(t, domain.CallEnded, got.State)
	assert.Equal(t, domain.ReasonDisconnected, got.EndReason)

	ended := f.conns["caller"].ofType(domain.EventCallEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, domain.ReasonDisconnected, ended[0].Payload.(domain.CallEndedPayload).Reason)
	assert.Len(t, f.recorder.recorded(), 1)
}

func TestCallMachineGroupParticipantsLeaveIndividually(t *testing.T) {
	f := newCallFixture(t, CallMachineConfig{}, "host", "bob", "carol")
	ctx := context.Background()

	session, err := f.machine.Request(ctx, "host", []string{"bob", "carol", "bob"}, domain.MediaVideo)
	require.NoError(t, err)
	assert.True(t, session.IsGroup)
	require.Len(t, session.Participants, 2)

	_, err = f.machine.Respond(ctx, session.CallID, "bob", true)
	require.NoError(t, err)
	session, err = f.machine.Respond(ctx, session.CallID, "carol", true)
	require.NoError(t, err)
	assert.Equal(t, domain.CallOngoing, session.State)

	session, err = f.machine.End(ctx, session.CallID, "carol")
	require.NoError(t, err)
	assert.Equal(t, domain.CallOngoing, session.State)
	p, ok := session.Participant("carol")
	require.True(t, ok)
	assert.Equal(t, domain.ParticipantLeft, p.State)
	assert.Len(t, f.conns["host"].ofType(domain.EventCallParticipantLeft), 1)
	assert.Len(t, f.conns["bob"].ofType(domain.EventCallParticipantLeft), 1)

	session, err = f.machine.End(ctx, session.CallID, "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.CallEnded, session.State)
	assert.Len(t, f.conns["host"].ofType(domain.EventCallEnded), 1)
	assert.Len(t, f.recorder.recorded(), 1)
}

func TestCallMachineGroupPartialDeclineStillRings(t *testing.T) {
	f := newCallFixture(t, CallMachineConfig{}, "host", "bob", "carol")
	ctx := context.Background()

	session, err := f.machine.Request(ctx, "host", []string{"bob", "carol"}, domain.MediaAudio)
	require.NoError(t, err)
	session, err = f.machine.Respond(ctx, session.CallID, "bob", false)
	require.NoError(t, err)
	assert.Equal(t, domain.CallRinging, session.State)

	session, err = f.machine.Respond(ctx, session.CallID, "carol", false)
	require.NoError(t, err)
	assert.Equal(t, domain.CallRejected, session.State)
}

func TestCallMachineRejectsInvalidRequests(t *testing.T) {
	f := newCallFixture(t, CallMachineConfig{}, "caller", "receiver")
	ctx := context.Background()

	_, err := f.machine.Request(ctx, "caller", []string{"receiver"}, domain.MediaKind("hologram"))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = f.machine.Request(ctx, "caller", []string{"caller"}, domain.MediaAudio)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = f.machine.Request(ctx, "caller", []string{" "}, domain.MediaAudio)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = f.machine.Respond(ctx, "missing", "receiver", true)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	session, err := f.machine.Request(ctx, "caller", []string{"receiver"}, domain.MediaAudio)
	require.NoError(t, err)
	_, err = f.machine.Respond(ctx, session.CallID, "stranger", true)
	assert.ErrorIs(t, err, domain.ErrNotParticipant)
	_, err = f.machine.Session(session.CallID, "stranger")
	assert.Equal(t, domain.KindAuthorization, domain.Classify(err))
}

func TestCallMachineConcurrentResponsesResolveOnce(t *testing.T) {
	f := newCallFixture(t, CallMachineConfig{}, "caller", "receiver")
	ctx := context.Background()

	session, err := f.machine.Request(ctx, "caller", []string{"receiver"}, domain.MediaAudio)
	require.NoError(t, err)

	const n = 16
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.machine.Respond(ctx, session.CallID, "receiver", i%2 == 0)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrAlreadyResolved)
	}
	assert.Equal(t, 1, succeeded)

	got, err := f.machine.Session(session.CallID, "caller")
	require.NoError(t, err)
	assert.Contains(t, []domain.CallState{domain.CallOngoing, domain.CallRejected}, got.State)
}
