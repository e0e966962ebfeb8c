package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	commonlog "rtc_server/server/common/log"
	"rtc_server/server/common/metrics"
	"rtc_server/server/signal/domain"
)

// Relay forwards negotiation payloads between peers without reading them.
type Relay struct {
	registry *Registry
}

func NewRelay(registry *Registry) *Relay {
	return &Relay{registry: registry}
}

// Relay delivers payload to toUserID if connected. An absent receiver drops
// the payload and returns ErrUnreachable, which callers must not surface to
// the sender; retries belong to the client.
func (r *Relay) Relay(ctx context.Context, fromUserID, toUserID string, payload json.RawMessage) error {
	toUserID = strings.TrimSpace(toUserID)
	if toUserID == "" {
		return fmt.Errorf("%w: receiverId required", domain.ErrInvalidArgument)
	}
	event := domain.NewEvent(domain.EventWebRTCSignal, domain.SignalPayload{SenderID: fromUserID, Signal: payload})
	if !r.registry.Deliver(toUserID, event) {
		metrics.SignalsDropped.Inc()
		commonlog.Debugf("event=signal_relay action=forward status=dropped from=%s to=%s bytes=%d", fromUserID, toUserID, len(payload))
		return fmt.Errorf("relay to %s: %w", toUserID, domain.ErrUnreachable)
	}
	commonlog.Debugf("event=signal_relay action=forward status=ok from=%s to=%s bytes=%d", fromUserID, toUserID, len(payload))
	return nil
}
