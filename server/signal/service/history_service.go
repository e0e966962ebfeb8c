package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	commonlog "rtc_server/server/common/log"
	"rtc_server/server/common/metrics"
	"rtc_server/server/common/security"
	"rtc_server/server/signal/domain"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 500
)

// HistoryBackend persists sealed call records. List returns newest first.
type HistoryBackend interface {
	Put(ctx context.Context, rec domain.SealedCallRecord) error
	List(ctx context.Context, userID string) ([]domain.SealedCallRecord, error)
	DeleteUser(ctx context.Context, userID string) (int, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// HistoryService keeps every user's view of terminated calls encrypted at
// rest. Read failures degrade to empty results instead of surfacing.
type HistoryService struct {
	backend HistoryBackend
	cipher  security.Cipher
}

func NewHistoryService(backend HistoryBackend, cipher security.Cipher) *HistoryService {
	return &HistoryService{backend: backend, cipher: cipher}
}

// Record stores one CallRecord per user involved in the terminated session.
func (h *HistoryService) Record(ctx context.Context, session domain.CallSession) error {
	if !session.State.Terminal() {
		return fmt.Errorf("%w: session %s is not terminal", domain.ErrInvalidArgument, session.CallID)
	}
	var errs []error
	for userID, rec := range RecordsFor(session) {
		plaintext, err := json.Marshal(rec)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		sealed, err := h.cipher.Seal(ctx, plaintext, []byte(userID))
		if err != nil {
			errs = append(errs, fmt.Errorf("seal record for %s: %w", userID, err))
			continue
		}
		if err := h.backend.Put(ctx, domain.SealedCallRecord{UserID: userID, RecordID: rec.ID, StartTime: rec.StartTime, Data: sealed}); err != nil {
			errs = append(errs, fmt.Errorf("store record for %s: %w", userID, err))
		}
	}
	if len(errs) > 0 {
		metrics.HistoryWrites.WithLabelValues("failed").Inc()
		return fmt.Errorf("%w: %v", domain.ErrPersistence, errors.Join(errs...))
	}
	metrics.HistoryWrites.WithLabelValues("ok").Inc()
	return nil
}

// RecordsFor derives each participant's view of a terminated session, keyed
// by user id.
func RecordsFor(session domain.CallSession) map[string]domain.CallRecord {
	endTime := session.StartedAt
	if session.EndedAt != nil {
		endTime = *session.EndedAt
	}
	out := make(map[string]domain.CallRecord, len(session.Participants)+1)

	caller := domain.CallRecord{
		ID:           session.CallID,
		RemoteUserID: session.ReceiverID,
		StartTime:    session.StartedAt,
		EndTime:      endTime,
		Duration:     session.DurationSeconds,
		Type:         session.MediaKind,
		Status:       session.State,
		IsOutgoing:   true,
		EndReason:    session.EndReason,
	}
	if session.IsGroup {
		caller.Participants = session.ParticipantIDs()
	}
	out[session.CallerID] = caller

	for _, p := range session.Participants {
		rec := domain.CallRecord{
			ID:           session.CallID,
			RemoteUserID: session.CallerID,
			StartTime:    session.StartedAt,
			EndTime:      endTime,
			Type:         session.MediaKind,
			IsOutgoing:   false,
			EndReason:    session.EndReason,
		}
		switch {
		case p.JoinedAt != nil && session.State == domain.CallEnded:
			rec.Status = domain.CallEnded
			rec.Duration = session.DurationSeconds
		case p.State == domain.ParticipantDeclined:
			rec.Status = domain.CallRejected
		default:
			rec.Status = domain.CallMissed
		}
		if session.IsGroup {
			others := []string{session.CallerID}
			for _, q := range session.Participants {
				if q.UserID != p.UserID {
					others = append(others, q.UserID)
				}
			}
			rec.Participants = others
		}
		out[p.UserID] = rec
	}
	return out
}

// List returns the user's records matching filter, newest first.
func (h *HistoryService) List(ctx context.Context, userID string, filter domain.HistoryFilter) ([]domain.CallRecord, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user required", domain.ErrInvalidArgument)
	}
	limit := filter.Limit
	if limit <= 0 || limit > maxHistoryLimit {
		limit = defaultHistoryLimit
	}
	out := make([]domain.CallRecord, 0)
	for _, rec := range h.load(ctx, userID) {
		if !filter.Match(rec) {
			continue
		}
		out = append(out, rec)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (h *HistoryService) Statistics(ctx context.Context, userID string) (domain.CallStatistics, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.CallStatistics{}, fmt.Errorf("%w: user required", domain.ErrInvalidArgument)
	}
	stats := domain.CallStatistics{PerTypeCounts: map[domain.MediaKind]int{}}
	for _, rec := range h.load(ctx, userID) {
		stats.TotalCalls++
		stats.TotalDuration += rec.Duration
		stats.PerTypeCounts[rec.Type]++
		switch rec.Status {
		case domain.CallMissed:
			stats.MissedCount++
		case domain.CallRejected:
			stats.RejectedCount++
		case domain.CallEnded:
			stats.CompletedCount++
		}
		if rec.IsOutgoing {
			stats.OutgoingCount++
		} else {
			stats.IncomingCount++
		}
	}
	return stats, nil
}

// Search matches query case-insensitively against the remote user, group
// participants, media type, status and call id. An empty query lists all.
func (h *HistoryService) Search(ctx context.Context, userID, query string, limit int) ([]domain.CallRecord, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user required", domain.ErrInvalidArgument)
	}
	if limit <= 0 || limit > maxHistoryLimit {
		limit = defaultHistoryLimit
	}
	q := strings.ToLower(strings.TrimSpace(query))
	out := make([]domain.CallRecord, 0)
	for _, rec := range h.load(ctx, userID) {
		if q != "" && !recordMatches(rec, q) {
			continue
		}
		out = append(out, rec)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func recordMatches(rec domain.CallRecord, q string) bool {
	fields := append([]string{rec.RemoteUserID, string(rec.Type), string(rec.Status), rec.ID}, rec.Participants...)
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), q) {
			return true
		}
	}
	return false
}

func (h *HistoryService) Clear(ctx context.Context, userID string) (int, error) {
	n, err := h.backend.DeleteUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("%w: clear history: %v", domain.ErrPersistence, err)
	}
	commonlog.Infof("event=call_history action=clear status=ok user_id=%s deleted=%d", userID, n)
	return n, nil
}

// Purge deletes every record that started before cutoff.
func (h *HistoryService) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := h.backend.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: purge history: %v", domain.ErrPersistence, err)
	}
	return n, nil
}

// load opens every record of userID. A backend failure yields no history and
// a record that fails to open is skipped; both are logged.
func (h *HistoryService) load(ctx context.Context, userID string) []domain.CallRecord {
	sealed, err := h.backend.List(ctx, userID)
	if err != nil {
		commonlog.Errorf("event=call_history action=list status=degraded user_id=%s error=%v", userID, err)
		return nil
	}
	out := make([]domain.CallRecord, 0, len(sealed))
	for _, item := range sealed {
		plaintext, err := h.cipher.Open(ctx, item.Data, []byte(userID))
		if err != nil {
			metrics.HistoryDecryptFailures.Inc()
			commonlog.Errorf("event=call_history action=decrypt status=skipped user_id=%s record_id=%s cipher=%s error=%v", userID, item.RecordID, h.cipher.Name(), err)
			continue
		}
		var rec domain.CallRecord
		if err := json.Unmarshal(plaintext, &rec); err != nil {
			metrics.HistoryDecryptFailures.Inc()
			commonlog.Errorf("event=call_history action=decode status=skipped user_id=%s record_id=%s error=%v", userID, item.RecordID, err)
			continue
		}
		out = append(out, rec)
	}
	return out
}

// AsyncRecorder queues terminated sessions for the history store so the
// signaling path never waits on persistence.
type AsyncRecorder struct {
	history *HistoryService
	queue   chan domain.CallSession
	timeout time.Duration

	closeMu sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
}

func NewAsyncRecorder(history *HistoryService, queueSize int) *AsyncRecorder {
	if queueSize <= 0 {
		queueSize = 256
	}
	r := &AsyncRecorder{
		history: history,
		queue:   make(chan domain.CallSession, queueSize),
		timeout: 10 * time.Second,
	}
	r.wg.Add(1)
	go r.run()
	return r
}

func (r *AsyncRecorder) Record(session domain.CallSession) {
	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.closed {
		commonlog.Warnf("event=call_history action=enqueue status=dropped call_id=%s reason=closed", session.CallID)
		return
	}
	select {
	case r.queue <- session:
	default:
		// queue full: write on a side goroutine rather than block the caller
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.write(session)
		}()
	}
}

func (r *AsyncRecorder) run() {
	defer r.wg.Done()
	for session := range r.queue {
		r.write(session)
	}
}

func (r *AsyncRecorder) write(session domain.CallSession) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.history.Record(ctx, session); err != nil {
		commonlog.Errorf("event=call_history action=record status=failed call_id=%s state=%s error=%v", session.CallID, session.State, err)
		return
	}
	commonlog.Debugf("event=call_history action=record status=ok call_id=%s state=%s", session.CallID, session.State)
}

// Close drains queued sessions and waits for in-flight writes.
func (r *AsyncRecorder) Close() {
	r.closeMu.Lock()
	if r.closed {
		r.closeMu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.closeMu.Unlock()
	r.wg.Wait()
}
