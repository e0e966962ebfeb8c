package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	commonlog "rtc_server/server/common/log"
)

const DefaultRetentionCron = "0 3 * * *"

// RetentionScheduler purges call history older than maxAge on a cron schedule.
type RetentionScheduler struct {
	history *HistoryService
	cron    string
	maxAge  time.Duration
	now     func() time.Time
}

func NewRetentionScheduler(history *HistoryService, cronExpr string, maxAge time.Duration) (*RetentionScheduler, error) {
	cronExpr = strings.TrimSpace(cronExpr)
	if cronExpr == "" {
		cronExpr = DefaultRetentionCron
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid retention cron expression: %s", cronExpr)
	}
	if maxAge <= 0 {
		return nil, fmt.Errorf("retention max age must be positive")
	}
	return &RetentionScheduler{history: history, cron: cronExpr, maxAge: maxAge, now: time.Now}, nil
}

// Start runs the schedule until the returned cancel func is called.
func (s *RetentionScheduler) Start(ctx context.Context) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)
	go s.loop(ctx)
	commonlog.Infof("event=retention action=start status=ok cron=%q max_age=%s", s.cron, s.maxAge)
	return cancel
}

func (s *RetentionScheduler) loop(ctx context.Context) {
	for {
		next, err := gronx.NextTickAfter(s.cron, s.now().UTC(), false)
		if err != nil {
			commonlog.Errorf("event=retention action=next_tick status=failed cron=%q error=%v", s.cron, err)
			next = s.now().Add(30 * time.Second)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			commonlog.Infof("event=retention action=stop status=ok")
			return
		case <-timer.C:
		}
		if _, err := s.RunOnce(ctx); err != nil {
			commonlog.Errorf("event=retention action=purge status=failed error=%v", err)
		}
	}
}

// RunOnce deletes every record that started more than maxAge ago.
func (s *RetentionScheduler) RunOnce(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.maxAge)
	n, err := s.history.Purge(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	commonlog.Infof("event=retention action=purge status=ok cutoff=%s deleted=%d", cutoff.UTC().Format(time.RFC3339), n)
	return n, nil
}
