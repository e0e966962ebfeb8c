package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"rtc_server/server/signal/domain"
)

// MemoryConversationStore keeps conversations, messages and per-reader read
// state in process memory. Returned values never alias internal state.
type MemoryConversationStore struct {
	mu            sync.RWMutex
	conversations map[string]domain.Conversation
	direct        map[string]string
	messages      map[string][]domain.ChatMessage
	reads         map[string]map[string]time.Time
}

func NewMemoryConversationStore() *MemoryConversationStore {
	return &MemoryConversationStore{
		conversations: map[string]domain.Conversation{},
		direct:        map[string]string{},
		messages:      map[string][]domain.ChatMessage{},
		reads:         map[string]map[string]time.Time{},
	}
}

func (s *MemoryConversationStore) CreateConversation(_ context.Context, conv domain.Conversation) (domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv.ConversationID == "" {
		return domain.Conversation{}, fmt.Errorf("%w: conversation id required", domain.ErrInvalidArgument)
	}
	if _, exists := s.conversations[conv.ConversationID]; exists {
		return domain.Conversation{}, fmt.Errorf("conversation %s already exists", conv.ConversationID)
	}
	if !conv.IsGroup {
		if len(conv.ParticipantIDs) != 2 {
			return domain.Conversation{}, fmt.Errorf("%w: direct conversation needs two participants", domain.ErrInvalidArgument)
		}
		key := directKey(conv.ParticipantIDs[0], conv.ParticipantIDs[1])
		if _, exists := s.direct[key]; exists {
			return domain.Conversation{}, fmt.Errorf("direct conversation already exists")
		}
		s.direct[key] = conv.ConversationID
	}
	conv = cloneConversation(conv)
	s.conversations[conv.ConversationID] = conv
	return cloneConversation(conv), nil
}

func (s *MemoryConversationStore) FindDirect(_ context.Context, userA, userB string) (domain.Conversation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.direct[directKey(userA, userB)]
	if !ok {
		return domain.Conversation{}, false, nil
	}
	return cloneConversation(s.conversations[id]), true, nil
}

func (s *MemoryConversationStore) GetConversation(_ context.Context, conversationID string) (domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return domain.Conversation{}, fmt.Errorf("conversation %s: %w", conversationID, domain.ErrNotFound)
	}
	return cloneConversation(conv), nil
}

func (s *MemoryConversationStore) UpdateConversation(_ context.Context, conv domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.conversations[conv.ConversationID]
	if !ok {
		return fmt.Errorf("conversation %s: %w", conv.ConversationID, domain.ErrNotFound)
	}
	current.ParticipantIDs = append([]string(nil), conv.ParticipantIDs...)
	current.AdminID = conv.AdminID
	current.Name = conv.Name
	current.UpdatedAt = conv.UpdatedAt
	s.conversations[conv.ConversationID] = current
	return nil
}

func (s *MemoryConversationStore) ListConversations(_ context.Context, userID string) ([]domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Conversation, 0)
	for _, conv := range s.conversations {
		if conv.HasParticipant(userID) {
			out = append(out, cloneConversation(conv))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ConversationID < out[j].ConversationID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *MemoryConversationStore) Peers(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[string]struct{}{}
	for _, conv := range s.conversations {
		if !conv.HasParticipant(userID) {
			continue
		}
		for _, id := range conv.ParticipantIDs {
			if id != userID {
				seen[id] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryConversationStore) AppendMessage(_ context.Context, msg domain.ChatMessage) (domain.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		return domain.ChatMessage{}, fmt.Errorf("conversation %s: %w", msg.ConversationID, domain.ErrNotFound)
	}
	msg.Seq = int64(len(s.messages[msg.ConversationID]) + 1)
	msg.IsRead = false
	msg.ReadAt = nil
	msg.Media = cloneMedia(msg.Media)
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)
	conv.UpdatedAt = msg.CreatedAt
	s.conversations[msg.ConversationID] = conv
	return cloneMessage(msg), nil
}

func (s *MemoryConversationStore) GetMessage(_ context.Context, conversationID, messageID string) (domain.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, msg := range s.messages[conversationID] {
		if msg.MessageID == messageID {
			return cloneMessage(msg), nil
		}
	}
	return domain.ChatMessage{}, fmt.Errorf("message %s: %w", messageID, domain.ErrNotFound)
}

func (s *MemoryConversationStore) ListMessages(_ context.Context, conversationID string, beforeSeq int64, limit int) ([]domain.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.messages[conversationID]
	out := make([]domain.ChatMessage, 0)
	for i := len(all) - 1; i >= 0; i-- {
		if beforeSeq > 0 && all[i].Seq >= beforeSeq {
			continue
		}
		out = append(out, cloneMessage(all[i]))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryConversationStore) LatestMessage(_ context.Context, conversationID string) (domain.ChatMessage, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.messages[conversationID]
	if len(all) == 0 {
		return domain.ChatMessage{}, false, nil
	}
	return cloneMessage(all[len(all)-1]), true, nil
}

// MarkRead records readerID as having read every message from others up to
// upToSeq (all when zero) and returns the ones not already read by them.
func (s *MemoryConversationStore) MarkRead(_ context.Context, conversationID, readerID string, upToSeq int64, readAt time.Time) ([]domain.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, domain.ErrNotFound)
	}
	msgs := s.messages[conversationID]
	updated := make([]domain.ChatMessage, 0)
	for i := range msgs {
		msg := &msgs[i]
		if msg.SenderID == readerID || (upToSeq > 0 && msg.Seq > upToSeq) {
			continue
		}
		readers := s.reads[msg.MessageID]
		if _, done := readers[readerID]; done {
			continue
		}
		if readers == nil {
			readers = map[string]time.Time{}
			s.reads[msg.MessageID] = readers
		}
		readers[readerID] = readAt
		if !msg.IsRead {
			at := readAt
			msg.IsRead = true
			msg.ReadAt = &at
		}
		updated = append(updated, cloneMessage(*msg))
	}
	return updated, nil
}

func (s *MemoryConversationStore) UnreadCount(_ context.Context, conversationID, readerID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unreadLocked(conversationID, readerID), nil
}

func (s *MemoryConversationStore) UnreadCounts(_ context.Context, readerID string) ([]domain.ConversationUnread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ConversationUnread, 0)
	for id, conv := range s.conversations {
		if !conv.HasParticipant(readerID) {
			continue
		}
		out = append(out, domain.ConversationUnread{ConversationID: id, UnreadCount: s.unreadLocked(id, readerID)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out, nil
}

func (s *MemoryConversationStore) unreadLocked(conversationID, readerID string) int64 {
	var n int64
	for _, msg := range s.messages[conversationID] {
		if msg.SenderID == readerID {
			continue
		}
		if _, done := s.reads[msg.MessageID][readerID]; !done {
			n++
		}
	}
	return n
}

func cloneConversation(c domain.Conversation) domain.Conversation {
	c.ParticipantIDs = append([]string(nil), c.ParticipantIDs...)
	return c
}

func cloneMessage(m domain.ChatMessage) domain.ChatMessage {
	m.Media = cloneMedia(m.Media)
	if m.ReadAt != nil {
		at := *m.ReadAt
		m.ReadAt = &at
	}
	return m
}

func cloneMedia(m *domain.Media) *domain.Media {
	if m == nil {
		return nil
	}
	out := *m
	return &out
}
