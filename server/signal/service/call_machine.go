package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	commonlog "rtc_server/server/common/log"
	"rtc_server/server/common/metrics"
	"rtc_server/server/signal/domain"
)

const (
	DefaultRingTimeout       = 30 * time.Second
	DefaultResolvedRetention = 10 * time.Minute
)

// HistoryRecorder accepts terminated sessions. Record must not block.
type HistoryRecorder interface {
	Record(session domain.CallSession)
}

type CallMachineConfig struct {
	RingTimeout       time.Duration
	ResolvedRetention time.Duration
}

type callEntry struct {
	mu         sync.Mutex
	session    domain.CallSession
	timer      *time.Timer
	resolvedAt time.Time
}

// CallMachine owns every call session. Transitions for one callId are
// serialized by that entry's mutex; the maps are guarded by mu.
type CallMachine struct {
	registry  *Registry
	recorder  HistoryRecorder
	publisher EventPublisher
	cfg       CallMachineConfig
	now       func() time.Time
	newID     func() string

	mu       sync.Mutex
	sessions map[string]*callEntry
	byUser   map[string]map[string]struct{}
}

func NewCallMachine(registry *Registry, recorder HistoryRecorder, publisher EventPublisher, cfg CallMachineConfig) *CallMachine {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = DefaultRingTimeout
	}
	if cfg.ResolvedRetention <= 0 {
		cfg.ResolvedRetention = DefaultResolvedRetention
	}
	return &CallMachine{
		registry:  registry,
		recorder:  recorder,
		publisher: publisherOrNop(publisher),
		cfg:       cfg,
		now:       time.Now,
		newID:     uuid.NewString,
		sessions:  map[string]*callEntry{},
		byUser:    map[string]map[string]struct{}{},
	}
}

// Request creates a session from callerID to one receiver, or to several for
// a group call. Unreachable receivers resolve the call to Missed immediately.
func (m *CallMachine) Request(ctx context.Context, callerID string, receiverIDs []string, kind domain.MediaKind) (domain.CallSession, error) {
	callerID = strings.TrimSpace(callerID)
	if callerID == "" {
		return domain.CallSession{}, fmt.Errorf("%w: caller required", domain.ErrInvalidArgument)
	}
	if !kind.Valid() {
		return domain.CallSession{}, fmt.Errorf("%w: callType must be audio or video", domain.ErrInvalidArgument)
	}
	receivers := normalizeIDs(receiverIDs)
	if len(receivers) == 0 {
		return domain.CallSession{}, fmt.Errorf("%w: receiver required", domain.ErrInvalidArgument)
	}
	for _, id := range receivers {
		if id == callerID {
			return domain.CallSession{}, fmt.Errorf("%w: receiver must differ from caller", domain.ErrInvalidArgument)
		}
	}
	m.pruneResolved()

	now := m.now().UTC()
	session := domain.CallSession{
		CallID:     m.newID(),
		CallerID:   callerID,
		ReceiverID: receivers[0],
		IsGroup:    len(receivers) > 1,
		MediaKind:  kind,
		State:      domain.CallInitiated,
		StartedAt:  now,
	}
	for _, id := range receivers {
		session.Participants = append(session.Participants, domain.CallParticipant{UserID: id, State: domain.ParticipantInvited})
	}

	entry := &callEntry{session: session}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	m.track(entry)
	metrics.ActiveCalls.Inc()

	s := &entry.session
	invite := domain.NewEvent(domain.EventIncomingCall, domain.IncomingCallPayload{
		CallID:       s.CallID,
		CallerID:     callerID,
		CallType:     kind,
		IsGroup:      s.IsGroup,
		Participants: s.ParticipantIDs(),
	})
	reachable := 0
	for i := range s.Participants {
		if m.registry.Deliver(s.Participants[i].UserID, invite) {
			reachable++
			continue
		}
		s.Participants[i].State = domain.ParticipantUnreachable
	}

	if reachable == 0 {
		m.finalizeLocked(entry, domain.CallMissed, domain.ReasonReceiverOffline)
		m.registry.Deliver(callerID, domain.NewEvent(domain.EventCallMissed, domain.CallMissedPayload{CallID: s.CallID, Reason: domain.ReasonReceiverOffline}))
		commonlog.Infof("event=call action=request status=missed call_id=%s caller_id=%s receivers=%d reason=%s", s.CallID, callerID, len(receivers), domain.ReasonReceiverOffline)
		return s.Clone(), nil
	}

	s.State = domain.CallRinging
	callID := s.CallID
	entry.timer = time.AfterFunc(m.cfg.RingTimeout, func() { m.expire(callID) })
	m.registry.Deliver(callerID, domain.NewEvent(domain.EventCallInitiated, domain.CallInitiatedPayload{
		CallID:       s.CallID,
		ReceiverID:   s.ReceiverID,
		CallType:     kind,
		State:        s.State,
		Participants: s.Clone().Participants,
	}))
	commonlog.Infof("event=call action=request status=ringing call_id=%s caller_id=%s receivers=%d reachable=%d media=%s", s.CallID, callerID, len(receivers), reachable, kind)
	return s.Clone(), nil
}

// Respond records one invitee's answer. Each invitee answers at most once;
// answers to resolved sessions fail with ErrAlreadyResolved.
func (m *CallMachine) Respond(ctx context.Context, callID, userID string, accept bool) (domain.CallSession, error) {
	entry, err := m.entry(callID)
	if err != nil {
		return domain.CallSession{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	s := &entry.session
	if s.State.Terminal() {
		return s.Clone(), fmt.Errorf("respond to call %s: %w", callID, domain.ErrAlreadyResolved)
	}
	idx := participantIndex(s, userID)
	if idx < 0 {
		return domain.CallSession{}, fmt.Errorf("respond to call %s: %w", callID, domain.ErrNotParticipant)
	}
	if s.Participants[idx].State != domain.ParticipantInvited {
		return s.Clone(), fmt.Errorf("respond to call %s: %w", callID, domain.ErrAlreadyResolved)
	}

	if !accept {
		m.declineLocked(entry, idx, domain.ParticipantDeclined, domain.ReasonDeclined)
		return s.Clone(), nil
	}

	now := m.now().UTC()
	s.Participants[idx].State = domain.ParticipantJoined
	s.Participants[idx].JoinedAt = &now
	if s.State == domain.CallRinging {
		s.State = domain.CallOngoing
		s.AnsweredAt = &now
	}
	if countParticipants(s, domain.ParticipantInvited) == 0 {
		stopTimer(entry)
	}
	accepted := domain.NewEvent(domain.EventCallAccepted, domain.CallAcceptedPayload{CallID: s.CallID, UserID: userID})
	m.registry.DeliverMany(append([]string{s.CallerID}, joinedIDs(s)...), accepted)
	commonlog.Infof("event=call action=respond status=accepted call_id=%s user_id=%s state=%s", s.CallID, userID, s.State)
	return s.Clone(), nil
}

// End hangs up (Ongoing) or cancels (Initiated/Ringing) on behalf of userID.
func (m *CallMachine) End(ctx context.Context, callID, userID string) (domain.CallSession, error) {
	entry, err := m.entry(callID)
	if err != nil {
		return domain.CallSession{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	s := &entry.session
	if !s.Involves(userID) {
		return domain.CallSession{}, fmt.Errorf("end call %s: %w", callID, domain.ErrNotParticipant)
	}
	if s.State.Terminal() {
		return s.Clone(), fmt.Errorf("end call %s: %w", callID, domain.ErrAlreadyResolved)
	}
	if err := m.leaveLocked(entry, userID, domain.ReasonHangup); err != nil {
		return s.Clone(), fmt.Errorf("end call %s: %w", callID, err)
	}
	return s.Clone(), nil
}

// OnRegistered is a no-op; calls only react to departures.
func (m *CallMachine) OnRegistered(string) {}

// OnUnregistered applies the implicit end-call rule to every live session
// the user is part of.
func (m *CallMachine) OnUnregistered(userID string) {
	m.HandleDisconnect(userID)
}

func (m *CallMachine) HandleDisconnect(userID string) {
	for _, entry := range m.activeEntries(userID) {
		entry.mu.Lock()
		if !entry.session.State.Terminal() {
			if err := m.leaveLocked(entry, userID, domain.ReasonDisconnected); err != nil {
				commonlog.Debugf("event=call action=disconnect status=skipped call_id=%s user_id=%s error=%v", entry.session.CallID, userID, err)
			}
		}
		entry.mu.Unlock()
	}
}

// leaveLocked removes userID from a live session with the rule matching the
// current state.
func (m *CallMachine) leaveLocked(entry *callEntry, userID, reason string) error {
	s := &entry.session
	isCaller := userID == s.CallerID

	switch s.State {
	case domain.CallInitiated, domain.CallRinging:
		if isCaller {
			cancelReason := domain.ReasonCanceled
			if reason == domain.ReasonDisconnected {
				cancelReason = reason
			}
			recipients := pendingIDs(s)
			m.finalizeLocked(entry, domain.CallMissed, cancelReason)
			m.registry.DeliverMany(append([]string{s.CallerID}, recipients...), domain.NewEvent(domain.EventCallMissed, domain.CallMissedPayload{CallID: s.CallID, Reason: cancelReason}))
			commonlog.Infof("event=call action=cancel status=missed call_id=%s user_id=%s reason=%s", s.CallID, userID, cancelReason)
			return nil
		}
		idx := participantIndex(s, userID)
		if s.Participants[idx].State != domain.ParticipantInvited {
			return domain.ErrAlreadyResolved
		}
		pstate, why := domain.ParticipantDeclined, domain.ReasonDeclined
		if reason == domain.ReasonDisconnected {
			pstate, why = domain.ParticipantUnreachable, reason
		}
		m.declineLocked(entry, idx, pstate, why)
		return nil

	case domain.CallOngoing:
		if isCaller || !s.IsGroup {
			m.hangupLocked(entry, userID, reason)
			return nil
		}
		idx := participantIndex(s, userID)
		switch s.Participants[idx].State {
		case domain.ParticipantInvited:
			pstate, why := domain.ParticipantDeclined, domain.ReasonDeclined
			if reason == domain.ReasonDisconnected {
				pstate, why = domain.ParticipantUnreachable, reason
			}
			m.declineLocked(entry, idx, pstate, why)
			return nil
		case domain.ParticipantJoined:
		default:
			return domain.ErrAlreadyResolved
		}
		now := m.now().UTC()
		s.Participants[idx].State = domain.ParticipantLeft
		s.Participants[idx].LeftAt = &now
		left := domain.NewEvent(domain.EventCallParticipantLeft, domain.ParticipantLeftPayload{CallID: s.CallID, UserID: userID})
		m.registry.DeliverMany(append([]string{s.CallerID}, joinedIDs(s)...), left)
		commonlog.Infof("event=call action=leave status=ok call_id=%s user_id=%s joined=%d reason=%s", s.CallID, userID, countParticipants(s, domain.ParticipantJoined), reason)
		if countParticipants(s, domain.ParticipantJoined) == 0 {
			m.hangupLocked(entry, userID, reason)
		}
		return nil
	}
	return domain.ErrInvalidTransition
}

// declineLocked marks one invitee as declined or unreachable and resolves
// the call once nobody is left ringing or joined.
func (m *CallMachine) declineLocked(entry *callEntry, idx int, pstate domain.ParticipantState, reason string) {
	s := &entry.session
	userID := s.Participants[idx].UserID
	s.Participants[idx].State = pstate

	if pstate == domain.ParticipantDeclined {
		rejected := domain.NewEvent(domain.EventCallRejected, domain.CallRejectedPayload{CallID: s.CallID, UserID: userID, Reason: reason})
		m.registry.DeliverMany([]string{s.CallerID, userID}, rejected)
	} else if s.IsGroup {
		left := domain.NewEvent(domain.EventCallParticipantLeft, domain.ParticipantLeftPayload{CallID: s.CallID, UserID: userID})
		m.registry.DeliverMany(append([]string{s.CallerID}, joinedIDs(s)...), left)
	}
	commonlog.Infof("event=call action=decline status=ok call_id=%s user_id=%s reason=%s", s.CallID, userID, reason)

	if countParticipants(s, domain.ParticipantInvited) == 0 {
		stopTimer(entry)
	}
	if s.State != domain.CallRinging {
		return
	}
	if countParticipants(s, domain.ParticipantInvited)+countParticipants(s, domain.ParticipantJoined) > 0 {
		return
	}
	if countParticipants(s, domain.ParticipantDeclined) > 0 {
		m.finalizeLocked(entry, domain.CallRejected, reason)
		return
	}
	m.finalizeLocked(entry, domain.CallMissed, reason)
	m.registry.Deliver(s.CallerID, domain.NewEvent(domain.EventCallMissed, domain.CallMissedPayload{CallID: s.CallID, Reason: reason}))
}

func (m *CallMachine) hangupLocked(entry *callEntry, userID, reason string) {
	s := &entry.session
	recipients := append([]string{s.CallerID}, joinedIDs(s)...)
	recipients = append(recipients, pendingIDs(s)...)
	m.finalizeLocked(entry, domain.CallEnded, reason)
	ended := domain.NewEvent(domain.EventCallEnded, domain.CallEndedPayload{
		CallID:          s.CallID,
		EndedBy:         userID,
		DurationSeconds: s.DurationSeconds,
		Reason:          reason,
	})
	m.registry.DeliverMany(recipients, ended)
	commonlog.Infof("event=call action=end status=ended call_id=%s user_id=%s duration_s=%d reason=%s", s.CallID, userID, s.DurationSeconds, reason)
}

// expire fires when the ring timer elapses.
func (m *CallMachine) expire(callID string) {
	entry, err := m.entry(callID)
	if err != nil {
		return
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	s := &entry.session
	pending := pendingIDs(s)
	if len(pending) == 0 {
		return
	}
	for i := range s.Participants {
		if s.Participants[i].State == domain.ParticipantInvited {
			s.Participants[i].State = domain.ParticipantUnreachable
		}
	}
	missed := domain.NewEvent(domain.EventCallMissed, domain.CallMissedPayload{CallID: s.CallID, Reason: domain.ReasonNoAnswer})
	switch s.State {
	case domain.CallRinging:
		m.finalizeLocked(entry, domain.CallMissed, domain.ReasonNoAnswer)
		m.registry.DeliverMany(append([]string{s.CallerID}, pending...), missed)
		commonlog.Infof("event=call action=timeout status=missed call_id=%s caller_id=%s", s.CallID, s.CallerID)
	case domain.CallOngoing:
		m.registry.DeliverMany(pending, missed)
		commonlog.Infof("event=call action=timeout status=partial call_id=%s unanswered=%d", s.CallID, len(pending))
	}
}

// finalizeLocked moves the session into a terminal state and hands the
// frozen copy to history and the event bus.
func (m *CallMachine) finalizeLocked(entry *callEntry, state domain.CallState, reason string) {
	s := &entry.session
	if !s.State.CanTransition(state) {
		commonlog.Errorf("event=call action=finalize status=rejected call_id=%s from=%s to=%s", s.CallID, s.State, state)
		return
	}
	now := m.now().UTC()
	s.State = state
	s.EndedAt = &now
	s.EndReason = reason
	s.DurationSeconds = 0
	if state == domain.CallEnded {
		s.DurationSeconds = int64(now.Sub(s.StartedAt) / time.Second)
	}
	for i := range s.Participants {
		if s.Participants[i].State == domain.ParticipantJoined {
			s.Participants[i].State = domain.ParticipantLeft
			s.Participants[i].LeftAt = &now
		}
	}
	stopTimer(entry)
	entry.resolvedAt = now
	m.untrack(s)

	metrics.ActiveCalls.Dec()
	metrics.CallsTerminated.WithLabelValues(string(state)).Inc()

	frozen := s.Clone()
	if m.recorder != nil {
		m.recorder.Record(frozen)
	}
	publishAsync(m.publisher, domain.TopicCallTerminated, frozen)
}

// Session returns a copy of callID if userID takes part in it.
func (m *CallMachine) Session(callID, userID string) (domain.CallSession, error) {
	entry, err := m.entry(callID)
	if err != nil {
		return domain.CallSession{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if !entry.session.Involves(userID) {
		return domain.CallSession{}, fmt.Errorf("call %s: %w", callID, domain.ErrNotParticipant)
	}
	return entry.session.Clone(), nil
}

// ActiveFor lists the live sessions userID takes part in.
func (m *CallMachine) ActiveFor(userID string) []domain.CallSession {
	entries := m.activeEntries(userID)
	out := make([]domain.CallSession, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		if !entry.session.State.Terminal() {
			out = append(out, entry.session.Clone())
		}
		entry.mu.Unlock()
	}
	return out
}

// Close stops every pending ring timer.
func (m *CallMachine) Close() {
	m.mu.Lock()
	entries := make([]*callEntry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.Unlock()
	for _, e := range entries {
		e.mu.Lock()
		stopTimer(e)
		e.mu.Unlock()
	}
}

func (m *CallMachine) entry(callID string) (*callEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.sessions[strings.TrimSpace(callID)]
	if !ok {
		return nil, fmt.Errorf("call %s: %w", callID, domain.ErrNotFound)
	}
	return entry, nil
}

func (m *CallMachine) track(entry *callEntry) {
	s := entry.session
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.CallID] = entry
	for _, userID := range append([]string{s.CallerID}, s.ParticipantIDs()...) {
		if m.byUser[userID] == nil {
			m.byUser[userID] = map[string]struct{}{}
		}
		m.byUser[userID][s.CallID] = struct{}{}
	}
}

func (m *CallMachine) untrack(s *domain.CallSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, userID := range append([]string{s.CallerID}, s.ParticipantIDs()...) {
		if set := m.byUser[userID]; set != nil {
			delete(set, s.CallID)
			if len(set) == 0 {
				delete(m.byUser, userID)
			}
		}
	}
}

func (m *CallMachine) activeEntries(userID string) []*callEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*callEntry, 0, len(m.byUser[userID]))
	for callID := range m.byUser[userID] {
		if e, ok := m.sessions[callID]; ok {
			out = append(out, e)
		}
	}
	return out
}

// pruneResolved forgets sessions that have been terminal for longer than the
// retention window. Until then late answers still get ErrAlreadyResolved.
func (m *CallMachine) pruneResolved() {
	cutoff := m.now().Add(-m.cfg.ResolvedRetention)
	m.mu.Lock()
	candidates := make(map[string]*callEntry, len(m.sessions))
	for id, e := range m.sessions {
		candidates[id] = e
	}
	m.mu.Unlock()

	var stale []string
	for id, e := range candidates {
		e.mu.Lock()
		if e.session.State.Terminal() && e.resolvedAt.Before(cutoff) {
			stale = append(stale, id)
		}
		e.mu.Unlock()
	}
	if len(stale) == 0 {
		return
	}
	m.mu.Lock()
	for _, id := range stale {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
}

func stopTimer(entry *callEntry) {
	if entry.timer != nil {
		entry.timer.Stop()
		entry.timer = nil
	}
}

func participantIndex(s *domain.CallSession, userID string) int {
	for i, p := range s.Participants {
		if p.UserID == userID {
			return i
		}
	}
	return -1
}

func countParticipants(s *domain.CallSession, state domain.ParticipantState) int {
	n := 0
	for _, p := range s.Participants {
		if p.State == state {
			n++
		}
	}
	return n
}

func joinedIDs(s *domain.CallSession) []string {
	return idsInState(s, domain.ParticipantJoined)
}

func pendingIDs(s *domain.CallSession) []string {
	return idsInState(s, domain.ParticipantInvited)
}

func idsInState(s *domain.CallSession, state domain.ParticipantState) []string {
	var out []string
	for _, p := range s.Participants {
		if p.State == state {
			out = append(out, p.UserID)
		}
	}
	return out
}

func normalizeIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := map[string]struct{}{}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
