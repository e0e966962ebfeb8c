package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	commonlog "rtc_server/server/common/log"
	"rtc_server/server/common/metrics"
	"rtc_server/server/signal/domain"
)

const commandTimeout = 10 * time.Second

type handlerFunc func(ctx context.Context, client Conn, payload json.RawMessage) error

// Dispatcher routes inbound websocket commands through a fixed command table.
// Every handler error becomes an error event for the sender.
type Dispatcher struct {
	handlers map[domain.Command]handlerFunc
	chat     *ChatService
	calls    *CallMachine
	relay    *Relay
	presence *PresenceTracker
}

func NewDispatcher(chat *ChatService, calls *CallMachine, relay *Relay, presence *PresenceTracker) *Dispatcher {
	d := &Dispatcher{chat: chat, calls: calls, relay: relay, presence: presence}
	d.handlers = map[domain.Command]handlerFunc{
		domain.CmdSendMessage:       d.sendMessage,
		domain.CmdMarkRead:          d.markRead,
		domain.CmdTyping:            d.typing(true),
		domain.CmdStopTyping:        d.typing(false),
		domain.CmdCallRequest:       d.callRequest,
		domain.CmdCallResponse:      d.callResponse,
		domain.CmdEndCall:           d.endCall,
		domain.CmdWebRTCSignal:      d.webrtcSignal,
		domain.CmdUpdateStatus:      d.updateStatus,
		domain.CmdSubscribePresence: d.subscribePresence,
	}
	return d
}

// Commands lists the registered command names.
func (d *Dispatcher) Commands() []domain.Command {
	out := make([]domain.Command, 0, len(d.handlers))
	for cmd := range d.handlers {
		out = append(out, cmd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Dispatch decodes one inbound frame and runs its handler. Panics are
// recovered and reported as internal errors.
func (d *Dispatcher) Dispatch(ctx context.Context, client Conn, raw []byte) {
	var env domain.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		metrics.CommandsHandled.WithLabelValues("malformed", string(domain.KindInvalidArgument)).Inc()
		_ = client.Send(errorEvent("", fmt.Errorf("%w: malformed frame", domain.ErrInvalidArgument)))
		return
	}
	handler, ok := d.handlers[env.Type]
	if !ok {
		metrics.CommandsHandled.WithLabelValues("unknown", string(domain.KindInvalidArgument)).Inc()
		_ = client.Send(errorEvent(env.Type, fmt.Errorf("%w: unknown command %q", domain.ErrInvalidArgument, env.Type)))
		return
	}

	startedAt := time.Now()
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			commonlog.Exceptionf("event=ws_command action=%s status=panic user_id=%s panic=%v", env.Type, client.UserID(), r)
			metrics.CommandsHandled.WithLabelValues(string(env.Type), string(domain.KindInternal)).Inc()
			_ = client.Send(errorEvent(env.Type, errors.New("internal error")))
		}
	}()

	err := handler(ctx, client, env.Payload)
	kind := domain.Classify(err)
	switch kind {
	case "":
		metrics.CommandsHandled.WithLabelValues(string(env.Type), "ok").Inc()
		commonlog.Debugf("event=ws_command action=%s status=ok user_id=%s latency_ms=%d", env.Type, client.UserID(), time.Since(startedAt).Milliseconds())
	case domain.KindUnreachable:
		// dropped silently; the sender only learns through its own timeout
		metrics.CommandsHandled.WithLabelValues(string(env.Type), string(kind)).Inc()
		commonlog.Debugf("event=ws_command action=%s status=unreachable user_id=%s error=%v", env.Type, client.UserID(), err)
	default:
		metrics.CommandsHandled.WithLabelValues(string(env.Type), string(kind)).Inc()
		if kind == domain.KindInternal || kind == domain.KindPersistence {
			commonlog.Errorf("event=ws_command action=%s status=failed kind=%s user_id=%s error=%v", env.Type, kind, client.UserID(), err)
		} else {
			commonlog.Infof("event=ws_command action=%s status=rejected kind=%s user_id=%s error=%v", env.Type, kind, client.UserID(), err)
		}
		_ = client.Send(errorEvent(env.Type, err))
	}
}

func errorEvent(cmd domain.Command, err error) domain.Event {
	kind := domain.Classify(err)
	if kind == "" {
		kind = domain.KindInternal
	}
	return domain.NewEvent(domain.EventError, domain.ErrorPayload{Code: kind, Reason: err.Error(), Command: string(cmd)})
}

func decodePayload[T any](payload json.RawMessage) (T, error) {
	var out T
	if len(payload) == 0 || string(payload) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return out, fmt.Errorf("%w: invalid payload: %v", domain.ErrInvalidArgument, err)
	}
	return out, nil
}

func (d *Dispatcher) sendMessage(ctx context.Context, client Conn, payload json.RawMessage) error {
	in, err := decodePayload[domain.SendMessageCommand](payload)
	if err != nil {
		return err
	}
	msg, err := d.chat.Send(ctx, SendInput{
		ConversationID: in.ConversationID,
		ReceiverID:     in.ReceiverID,
		SenderID:       client.UserID(),
		Body:           in.Text,
		Media:          in.Media,
	})
	if err != nil {
		return err
	}
	return client.Send(domain.NewEvent(domain.EventMessageSent, msg))
}

func (d *Dispatcher) markRead(ctx context.Context, client Conn, payload json.RawMessage) error {
	in, err := decodePayload[domain.MarkReadCommand](payload)
	if err != nil {
		return err
	}
	n, err := d.chat.MarkRead(ctx, in.ConversationID, client.UserID(), in.MessageID)
	if err != nil {
		return err
	}
	return client.Send(domain.NewEvent(domain.EventMessagesMarked, domain.MessagesMarkedPayload{ConversationID: in.ConversationID, UpdatedCount: n}))
}

func (d *Dispatcher) typing(active bool) handlerFunc {
	return func(ctx context.Context, client Conn, payload json.RawMessage) error {
		in, err := decodePayload[domain.TypingCommand](payload)
		if err != nil {
			return err
		}
		return d.chat.Typing(ctx, in.ConversationID, client.UserID(), active)
	}
}

func (d *Dispatcher) callRequest(ctx context.Context, client Conn, payload json.RawMessage) error {
	in, err := decodePayload[domain.CallRequestCommand](payload)
	if err != nil {
		return err
	}
	receivers := in.ReceiverIDs
	if in.ReceiverID != "" {
		receivers = append([]string{in.ReceiverID}, receivers...)
	}
	_, err = d.calls.Request(ctx, client.UserID(), receivers, in.CallType)
	return err
}

func (d *Dispatcher) callResponse(ctx context.Context, client Conn, payload json.RawMessage) error {
	in, err := decodePayload[domain.CallResponseCommand](payload)
	if err != nil {
		return err
	}
	_, err = d.calls.Respond(ctx, in.CallID, client.UserID(), in.Accept)
	return err
}

func (d *Dispatcher) endCall(ctx context.Context, client Conn, payload json.RawMessage) error {
	in, err := decodePayload[domain.EndCallCommand](payload)
	if err != nil {
		return err
	}
	_, err = d.calls.End(ctx, in.CallID, client.UserID())
	return err
}

func (d *Dispatcher) webrtcSignal(ctx context.Context, client Conn, payload json.RawMessage) error {
	in, err := decodePayload[domain.SignalCommand](payload)
	if err != nil {
		return err
	}
	return d.relay.Relay(ctx, client.UserID(), in.ReceiverID, in.Signal)
}

func (d *Dispatcher) updateStatus(ctx context.Context, client Conn, payload json.RawMessage) error {
	in, err := decodePayload[domain.UpdateStatusCommand](payload)
	if err != nil {
		return err
	}
	_, err = d.presence.SetStatus(ctx, client.UserID(), in.Status)
	return err
}

// subscribePresence adds (or removes) explicit interest in users outside the
// caller's conversations and answers with their current presence.
func (d *Dispatcher) subscribePresence(ctx context.Context, client Conn, payload json.RawMessage) error {
	in, err := decodePayload[domain.SubscribePresenceCommand](payload)
	if err != nil {
		return err
	}
	ids := normalizeIDs(in.UserIDs)
	filtered := ids[:0]
	for _, id := range ids {
		if id != client.UserID() {
			filtered = append(filtered, id)
		}
	}
	if len(filtered) == 0 {
		return fmt.Errorf("%w: userIds required", domain.ErrInvalidArgument)
	}
	if in.Unsubscribe {
		d.presence.Interests().Unsubscribe(client.UserID(), filtered...)
		return nil
	}
	d.presence.Interests().Subscribe(client.UserID(), filtered...)
	return client.Send(domain.NewEvent(domain.EventPresenceSnapshot, d.presence.Snapshot(ctx, filtered)))
}
