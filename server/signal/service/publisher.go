package service

import (
	"context"
	"time"

	commonlog "rtc_server/server/common/log"
)

// EventPublisher forwards domain events to the message bus.
type EventPublisher interface {
	Publish(ctx context.Context, key string, payload any) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, any) error { return nil }

func publisherOrNop(p EventPublisher) EventPublisher {
	if p == nil {
		return nopPublisher{}
	}
	return p
}

const publishTimeout = 3 * time.Second

// publishAsync never blocks the realtime path; bus failures are logged only.
func publishAsync(p EventPublisher, key string, payload any) {
	if _, ok := p.(nopPublisher); ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := p.Publish(ctx, key, payload); err != nil {
			commonlog.Warnf("event=bus_publish action=publish status=failed key=%s error=%v", key, err)
		}
	}()
}
