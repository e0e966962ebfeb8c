package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	commonlog "rtc_server/server/common/log"
	"rtc_server/server/signal/domain"
)

const (
	defaultMessagePageSize = 50
	maxMessagePageSize     = 200
	maxBodyLength          = 8000
)

type ConversationStore interface {
	CreateConversation(ctx context.Context, conv domain.Conversation) (domain.Conversation, error)
	FindDirect(ctx context.Context, userA, userB string) (domain.Conversation, bool, error)
	GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error)
	UpdateConversation(ctx context.Context, conv domain.Conversation) error
	ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error)
	Peers(ctx context.Context, userID string) ([]string, error)

	AppendMessage(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error)
	GetMessage(ctx context.Context, conversationID, messageID string) (domain.ChatMessage, error)
	ListMessages(ctx context.Context, conversationID string, beforeSeq int64, limit int) ([]domain.ChatMessage, error)
	LatestMessage(ctx context.Context, conversationID string) (domain.ChatMessage, bool, error)
	MarkRead(ctx context.Context, conversationID, readerID string, upToSeq int64, readAt time.Time) ([]domain.ChatMessage, error)
	UnreadCount(ctx context.Context, conversationID, readerID string) (int64, error)
	UnreadCounts(ctx context.Context, readerID string) ([]domain.ConversationUnread, error)
}

// MediaPreparer validates an uploaded attachment and derives extras such as
// thumbnails.
type MediaPreparer interface {
	Prepare(ctx context.Context, userID string, media domain.Media) (domain.Media, error)
}

type SendInput struct {
	ConversationID string
	ReceiverID     string
	SenderID       string
	Body           string
	Media          *domain.Media
}

type ChatService struct {
	store       ConversationStore
	registry    *Registry
	media       MediaPreparer
	publisher   EventPublisher
	convLocks   *keyedMutex
	directLocks *keyedMutex
	now         func() time.Time
	newID       func() string
}

func NewChatService(store ConversationStore, registry *Registry, media MediaPreparer, publisher EventPublisher) *ChatService {
	return &ChatService{
		store:       store,
		registry:    registry,
		media:       media,
		publisher:   publisherOrNop(publisher),
		convLocks:   newKeyedMutex(),
		directLocks: newKeyedMutex(),
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

// Send appends a message and pushes new-message to every other connected
// participant. Offline participants see it on their next fetch.
func (s *ChatService) Send(ctx context.Context, in SendInput) (domain.ChatMessage, error) {
	startedAt := time.Now()
	in.SenderID = strings.TrimSpace(in.SenderID)
	in.Body = strings.TrimSpace(in.Body)
	if in.SenderID == "" {
		return domain.ChatMessage{}, fmt.Errorf("%w: sender required", domain.ErrInvalidArgument)
	}
	if in.Media != nil && strings.TrimSpace(in.Media.ObjectKey) == "" {
		in.Media = nil
	}
	if in.Body == "" && in.Media == nil {
		return domain.ChatMessage{}, fmt.Errorf("%w: text or media required", domain.ErrInvalidArgument)
	}
	if len(in.Body) > maxBodyLength {
		return domain.ChatMessage{}, fmt.Errorf("%w: text exceeds %d bytes", domain.ErrInvalidArgument, maxBodyLength)
	}

	conv, err := s.resolveConversation(ctx, in)
	if err != nil {
		return domain.ChatMessage{}, err
	}

	if in.Media != nil && s.media != nil {
		prepared, err := s.media.Prepare(ctx, in.SenderID, *in.Media)
		if err != nil {
			commonlog.Warnf("event=chat_message action=prepare_media status=failed conversation_id=%s user_id=%s object_key=%s error=%v", conv.ConversationID, in.SenderID, in.Media.ObjectKey, err)
		} else {
			in.Media = &prepared
		}
	}

	// membership may have changed while media was prepared; check again
	// under the lock and fan out to the participants seen there
	unlock := s.convLocks.Lock(conv.ConversationID)
	defer unlock()
	conv, err = s.Conversation(ctx, conv.ConversationID, in.SenderID)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	created, err := s.store.AppendMessage(ctx, domain.ChatMessage{
		MessageID:      s.newID(),
		ConversationID: conv.ConversationID,
		SenderID:       in.SenderID,
		Body:           in.Body,
		Media:          in.Media,
		CreatedAt:      s.now().UTC(),
	})
	if err != nil {
		commonlog.Errorf("event=chat_message action=create status=failed conversation_id=%s user_id=%s latency_ms=%d error=%v", conv.ConversationID, in.SenderID, time.Since(startedAt).Milliseconds(), err)
		return domain.ChatMessage{}, fmt.Errorf("%w: append message: %v", domain.ErrPersistence, err)
	}

	fanout := s.registry.DeliverMany(conv.Others(in.SenderID), domain.NewEvent(domain.EventNewMessage, created))
	publishAsync(s.publisher, domain.TopicMessageCreated, created)
	commonlog.Infof("event=chat_message action=create status=ok conversation_id=%s message_id=%s user_id=%s seq=%d fanout_count=%d latency_ms=%d", created.ConversationID, created.MessageID, created.SenderID, created.Seq, fanout, time.Since(startedAt).Milliseconds())
	return created, nil
}

func (s *ChatService) resolveConversation(ctx context.Context, in SendInput) (domain.Conversation, error) {
	if id := strings.TrimSpace(in.ConversationID); id != "" {
		return s.Conversation(ctx, id, in.SenderID)
	}
	receiverID := strings.TrimSpace(in.ReceiverID)
	if receiverID == "" {
		return domain.Conversation{}, fmt.Errorf("%w: conversationId or receiverId required", domain.ErrInvalidArgument)
	}
	if receiverID == in.SenderID {
		return domain.Conversation{}, fmt.Errorf("%w: cannot message yourself", domain.ErrInvalidArgument)
	}
	return s.directConversation(ctx, in.SenderID, receiverID)
}

// directConversation finds or creates the one direct conversation between
// two users.
func (s *ChatService) directConversation(ctx context.Context, a, b string) (domain.Conversation, error) {
	pair := []string{a, b}
	sort.Strings(pair)
	unlock := s.directLocks.Lock(pair[0] + "\x00" + pair[1])
	defer unlock()

	conv, ok, err := s.store.FindDirect(ctx, a, b)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("%w: find conversation: %v", domain.ErrPersistence, err)
	}
	if ok {
		return conv, nil
	}
	now := s.now().UTC()
	conv, err = s.store.CreateConversation(ctx, domain.Conversation{
		ConversationID: s.newID(),
		ParticipantIDs: pair,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("%w: create conversation: %v", domain.ErrPersistence, err)
	}
	commonlog.Infof("event=conversation action=create status=ok conversation_id=%s kind=direct", conv.ConversationID)
	return conv, nil
}

// MarkRead marks every unread message not sent by readerID, up to and
// including upToMessageID when given, then tells each original sender once.
// Calls for one conversation are serialized.
func (s *ChatService) MarkRead(ctx context.Context, conversationID, readerID, upToMessageID string) (int, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return 0, fmt.Errorf("%w: conversationId required", domain.ErrInvalidArgument)
	}
	unlock := s.convLocks.Lock(conversationID)
	defer unlock()

	conv, err := s.Conversation(ctx, conversationID, readerID)
	if err != nil {
		return 0, err
	}

	var upToSeq int64
	if id := strings.TrimSpace(upToMessageID); id != "" {
		msg, err := s.store.GetMessage(ctx, conv.ConversationID, id)
		if err != nil {
			return 0, wrapStoreErr("load message", err)
		}
		upToSeq = msg.Seq
	}

	readAt := s.now().UTC()
	updated, err := s.store.MarkRead(ctx, conv.ConversationID, readerID, upToSeq, readAt)
	if err != nil {
		commonlog.Errorf("event=chat_read action=mark status=failed conversation_id=%s user_id=%s error=%v", conv.ConversationID, readerID, err)
		return 0, fmt.Errorf("%w: mark read: %v", domain.ErrPersistence, err)
	}
	if len(updated) == 0 {
		return 0, nil
	}

	bySender := map[string][]string{}
	for _, m := range updated {
		bySender[m.SenderID] = append(bySender[m.SenderID], m.MessageID)
	}
	senders := make([]string, 0, len(bySender))
	for sender := range bySender {
		senders = append(senders, sender)
	}
	sort.Strings(senders)
	for _, sender := range senders {
		payload := domain.MessagesReadPayload{
			ConversationID: conv.ConversationID,
			ReaderID:       readerID,
			MessageIDs:     bySender[sender],
			ReadAt:         readAt,
		}
		s.registry.Deliver(sender, domain.NewEvent(domain.EventMessagesRead, payload))
		publishAsync(s.publisher, domain.TopicMessagesRead, payload)
	}
	commonlog.Infof("event=chat_read action=mark status=ok conversation_id=%s user_id=%s updated=%d senders=%d", conv.ConversationID, readerID, len(updated), len(senders))
	return len(updated), nil
}

// Typing relays an ephemeral typing indicator to the other participants.
func (s *ChatService) Typing(ctx context.Context, conversationID, userID string, typing bool) error {
	conv, err := s.Conversation(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	eventType := domain.EventUserStoppedTyping
	if typing {
		eventType = domain.EventUserTyping
	}
	s.registry.DeliverMany(conv.Others(userID), domain.NewEvent(eventType, domain.TypingPayload{ConversationID: conv.ConversationID, UserID: userID}))
	return nil
}

func (s *ChatService) CreateGroup(ctx context.Context, adminID, name string, participantIDs []string) (domain.Conversation, error) {
	adminID = strings.TrimSpace(adminID)
	if adminID == "" {
		return domain.Conversation{}, fmt.Errorf("%w: admin required", domain.ErrInvalidArgument)
	}
	members := normalizeIDs(append([]string{adminID}, participantIDs...))
	if len(members) < 2 {
		return domain.Conversation{}, fmt.Errorf("%w: a group needs at least one other participant", domain.ErrInvalidArgument)
	}
	now := s.now().UTC()
	conv, err := s.store.CreateConversation(ctx, domain.Conversation{
		ConversationID: s.newID(),
		ParticipantIDs: members,
		IsGroup:        true,
		AdminID:        adminID,
		Name:           strings.TrimSpace(name),
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("%w: create group: %v", domain.ErrPersistence, err)
	}
	s.notifyConversation(conv, conv.ParticipantIDs, "created", adminID, "")
	commonlog.Infof("event=conversation action=create status=ok conversation_id=%s kind=group admin_id=%s members=%d", conv.ConversationID, adminID, len(members))
	return conv, nil
}

func (s *ChatService) AddParticipant(ctx context.Context, conversationID, actorID, userID string) (domain.Conversation, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Conversation{}, fmt.Errorf("%w: userId required", domain.ErrInvalidArgument)
	}
	return s.mutateGroup(ctx, conversationID, actorID, userID, func(conv *domain.Conversation) (string, []string, error) {
		if conv.AdminID != actorID {
			return "", nil, domain.ErrNotAdmin
		}
		if conv.HasParticipant(userID) {
			return "", nil, nil
		}
		conv.ParticipantIDs = append(conv.ParticipantIDs, userID)
		return "participant-added", nil, nil
	})
}

// RemoveParticipant lets the admin remove anyone but themselves, and lets a
// non-admin remove only themselves.
func (s *ChatService) RemoveParticipant(ctx context.Context, conversationID, actorID, userID string) (domain.Conversation, error) {
	userID = strings.TrimSpace(userID)
	return s.mutateGroup(ctx, conversationID, actorID, userID, func(conv *domain.Conversation) (string, []string, error) {
		if actorID != conv.AdminID && actorID != userID {
			return "", nil, domain.ErrNotAdmin
		}
		if userID == conv.AdminID {
			return "", nil, fmt.Errorf("%w: the admin cannot be removed", domain.ErrInvalidArgument)
		}
		if !conv.HasParticipant(userID) {
			return "", nil, fmt.Errorf("%w: %s is not a participant", domain.ErrNotFound, userID)
		}
		conv.ParticipantIDs = conv.Others(userID)
		return "participant-removed", []string{userID}, nil
	})
}

func (s *ChatService) Rename(ctx context.Context, conversationID, actorID, name string) (domain.Conversation, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Conversation{}, fmt.Errorf("%w: name required", domain.ErrInvalidArgument)
	}
	return s.mutateGroup(ctx, conversationID, actorID, "", func(conv *domain.Conversation) (string, []string, error) {
		if conv.AdminID != actorID {
			return "", nil, domain.ErrNotAdmin
		}
		if conv.Name == name {
			return "", nil, nil
		}
		conv.Name = name
		return "renamed", nil, nil
	})
}

// mutateGroup runs an admin mutation under the conversation lock. fn returns
// the action name (empty for no-op) and any extra users to notify.
func (s *ChatService) mutateGroup(ctx context.Context, conversationID, actorID, subjectID string, fn func(conv *domain.Conversation) (string, []string, error)) (domain.Conversation, error) {
	conversationID = strings.TrimSpace(conversationID)
	unlock := s.convLocks.Lock(conversationID)
	defer unlock()

	conv, err := s.Conversation(ctx, conversationID, actorID)
	if err != nil {
		return domain.Conversation{}, err
	}
	if !conv.IsGroup {
		return domain.Conversation{}, fmt.Errorf("%w: conversation is not a group", domain.ErrInvalidArgument)
	}
	action, extra, err := fn(&conv)
	if err != nil {
		commonlog.Warnf("event=conversation action=mutate status=rejected conversation_id=%s actor_id=%s subject_id=%s error=%v", conversationID, actorID, subjectID, err)
		return domain.Conversation{}, err
	}
	if action == "" {
		return conv, nil
	}
	conv.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateConversation(ctx, conv); err != nil {
		return domain.Conversation{}, fmt.Errorf("%w: update conversation: %v", domain.ErrPersistence, err)
	}
	s.notifyConversation(conv, append(append([]string(nil), conv.ParticipantIDs...), extra...), action, actorID, subjectID)
	publishAsync(s.publisher, domain.TopicConversationEdit, domain.ConversationUpdatedPayload{Conversation: conv, Action: action, ActorID: actorID, UserID: subjectID})
	commonlog.Infof("event=conversation action=%s status=ok conversation_id=%s actor_id=%s subject_id=%s members=%d", action, conv.ConversationID, actorID, subjectID, len(conv.ParticipantIDs))
	return conv, nil
}

func (s *ChatService) notifyConversation(conv domain.Conversation, recipients []string, action, actorID, subjectID string) {
	event := domain.NewEvent(domain.EventConversationUpdated, domain.ConversationUpdatedPayload{
		Conversation: conv,
		Action:       action,
		ActorID:      actorID,
		UserID:       subjectID,
	})
	s.registry.DeliverMany(recipients, event)
}

// Conversation loads conversationID and checks that userID takes part in it.
func (s *ChatService) Conversation(ctx context.Context, conversationID, userID string) (domain.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, strings.TrimSpace(conversationID))
	if err != nil {
		return domain.Conversation{}, wrapStoreErr("load conversation", err)
	}
	if !conv.HasParticipant(userID) {
		return domain.Conversation{}, fmt.Errorf("conversation %s: %w", conversationID, domain.ErrNotParticipant)
	}
	return conv, nil
}

func (s *ChatService) ListConversations(ctx context.Context, userID string) ([]domain.ConversationSummary, error) {
	convs, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: list conversations: %v", domain.ErrPersistence, err)
	}
	out := make([]domain.ConversationSummary, 0, len(convs))
	for _, conv := range convs {
		summary := domain.ConversationSummary{Conversation: conv}
		if n, err := s.store.UnreadCount(ctx, conv.ConversationID, userID); err == nil {
			summary.UnreadCount = n
		} else {
			commonlog.Warnf("event=conversation action=unread_count status=failed conversation_id=%s user_id=%s error=%v", conv.ConversationID, userID, err)
		}
		if latest, ok, err := s.store.LatestMessage(ctx, conv.ConversationID); err == nil && ok {
			summary.LatestMessage = &latest
		}
		out = append(out, summary)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return summaryTime(out[i]).After(summaryTime(out[j]))
	})
	return out, nil
}

func summaryTime(s domain.ConversationSummary) time.Time {
	if s.LatestMessage != nil {
		return s.LatestMessage.CreatedAt
	}
	return s.UpdatedAt
}

// ListMessages pages backwards from cursor, newest first.
func (s *ChatService) ListMessages(ctx context.Context, conversationID, userID string, limit int, cursor string) ([]domain.ChatMessage, string, error) {
	if limit <= 0 || limit > maxMessagePageSize {
		limit = defaultMessagePageSize
	}
	conv, err := s.Conversation(ctx, conversationID, userID)
	if err != nil {
		return nil, "", err
	}
	var beforeSeq int64
	if strings.TrimSpace(cursor) != "" {
		beforeSeq, err = decodeSeqCursor(cursor)
		if err != nil {
			return nil, "", fmt.Errorf("%w: cursor is invalid", domain.ErrInvalidArgument)
		}
	}
	items, err := s.store.ListMessages(ctx, conv.ConversationID, beforeSeq, limit+1)
	if err != nil {
		return nil, "", fmt.Errorf("%w: list messages: %v", domain.ErrPersistence, err)
	}
	nextCursor := ""
	if len(items) > limit {
		items = items[:limit]
		nextCursor = encodeSeqCursor(items[len(items)-1].Seq)
	}
	return items, nextCursor, nil
}

func (s *ChatService) UnreadCount(ctx context.Context, conversationID, userID string) (int64, error) {
	conv, err := s.Conversation(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}
	n, err := s.store.UnreadCount(ctx, conv.ConversationID, userID)
	if err != nil {
		return 0, fmt.Errorf("%w: unread count: %v", domain.ErrPersistence, err)
	}
	return n, nil
}

func (s *ChatService) UnreadCounts(ctx context.Context, userID string) ([]domain.ConversationUnread, error) {
	items, err := s.store.UnreadCounts(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: unread counts: %v", domain.ErrPersistence, err)
	}
	return items, nil
}

// Peers implements PeerSource for the presence interest index.
func (s *ChatService) Peers(ctx context.Context, userID string) ([]string, error) {
	return s.store.Peers(ctx, userID)
}

func wrapStoreErr(action string, err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("%s: %w", action, err)
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrPersistence, action, err)
}

func encodeSeqCursor(seq int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(seq, 10)))
}

func decodeSeqCursor(cursor string) (int64, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, err
	}
	seq, err := strconv.ParseInt(strings.TrimSpace(string(decoded)), 10, 64)
	if err != nil {
		return 0, err
	}
	if seq <= 0 {
		return 0, errors.New("invalid cursor")
	}
	return seq, nil
}
