package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtc_server/server/signal/domain"
	"rtc_server/server/signal/repository"
)

type chatFixture struct {
	registry *Registry
	chat     *ChatService
	conns    map[string]*fakeConn
}

func newChatFixture(t *testing.T, media MediaPreparer, online ...string) *chatFixture {
	t.Helper()
	registry := NewRegistry()
	return &chatFixture{
		registry: registry,
		chat:     NewChatService(repository.NewMemoryConversationStore(), registry, media, nil),
		conns:    connect(registry, online...),
	}
}

func (f *chatFixture) send(t *testing.T, convID, sender, body string) domain.ChatMessage {
	t.Helper()
	msg, err := f.chat.Send(context.Background(), SendInput{ConversationID: convID, SenderID: sender, Body: body})
	require.NoError(t, err)
	return msg
}

func TestChatSendCreatesSingleDirectConversation(t *testing.T) {
	f := newChatFixture(t, nil, "alice", "bob")
	ctx := context.Background()

	first, err := f.chat.Send(ctx, SendInput{SenderID: "alice", ReceiverID: "bob", Body: "hi"})
	require.NoError(t, err)
	second, err := f.chat.Send(ctx, SendInput{SenderID: "bob", ReceiverID: "alice", Body: "hey"})
	require.NoError(t, err)

	assert.Equal(t, first.ConversationID, second.ConversationID)
	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, int64(2), second.Seq)
	assert.False(t, first.IsRead)

	incoming := f.conns["bob"].ofType(domain.EventNewMessage)
	require.Len(t, incoming, 1)
	assert.Equal(t, first.MessageID, incoming[0].Payload.(domain.ChatMessage).MessageID)
	assert.Len(t, f.conns["alice"].ofType(domain.EventNewMessage), 1)
}

func TestChatConcurrentFirstMessagesShareConversation(t *testing.T) {
	f := newChatFixture(t, nil)
	ctx := context.Background()

	const n = 10
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sender, receiver := "alice", "bob"
			if i%2 == 1 {
				sender, receiver = receiver, sender
			}
			msg, err := f.chat.Send(ctx, SendInput{SenderID: sender, ReceiverID: receiver, Body: "ping"})
			assert.NoError(t, err)
			ids[i] = msg.ConversationID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	convs, err := f.chat.ListConversations(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, convs, 1)
}

func TestChatSendValidation(t *testing.T) {
	f := newChatFixture(t, nil, "alice")
	ctx := context.Background()

	cases := []struct {
		name string
		in   SendInput
		want error
	}{
		{name: "empty body", in: SendInput{SenderID: "alice", ReceiverID: "bob"}, want: domain.ErrInvalidArgument},
		{name: "no target", in: SendInput{SenderID: "alice", Body: "x"}, want: domain.ErrInvalidArgument},
		{name: "self", in: SendInput{SenderID: "alice", ReceiverID: "alice", Body: "x"}, want: domain.ErrInvalidArgument},
		{name: "unknown conversation", in: SendInput{SenderID: "alice", ConversationID: "nope", Body: "x"}, want: domain.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.chat.Send(ctx, tc.in)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestChatConcurrentMarkReadNotifiesEachSenderOnce(t *testing.T) {
	f := newChatFixture(t, nil, "alice", "bob", "carol")
	ctx := context.Background()

	group, err := f.chat.CreateGroup(ctx, "alice", "team", []string{"bob", "carol"})
	require.NoError(t, err)
	f.send(t, group.ConversationID, "bob", "one")
	f.send(t, group.ConversationID, "bob", "two")
	f.send(t, group.ConversationID, "carol", "three")
	f.send(t, group.ConversationID, "alice", "mine")

	var wg sync.WaitGroup
	counts := make([]int, 2)
	for i := range counts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, err := f.chat.MarkRead(ctx, group.ConversationID, "alice", "")
			assert.NoError(t, err)
			counts[i] = n
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 3, counts[0]+counts[1])
	unread, err := f.chat.UnreadCount(ctx, group.ConversationID, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), unread)

	bobReads := f.conns["bob"].ofType(domain.EventMessagesRead)
	require.Len(t, bobReads, 1)
	payload := bobReads[0].Payload.(domain.MessagesReadPayload)
	assert.Equal(t, "alice", payload.ReaderID)
	assert.Len(t, payload.MessageIDs, 2)
	assert.Len(t, f.conns["carol"].ofType(domain.EventMessagesRead), 1)
	assert.Empty(t, f.conns["alice"].ofType(domain.EventMessagesRead))

	n, err := f.chat.MarkRead(ctx, group.ConversationID, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, f.conns["bob"].ofType(domain.EventMessagesRead), 1)

	// Other readers keep their own unread state.
	unread, err = f.chat.UnreadCount(ctx, group.ConversationID, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(2), unread)
}

func TestChatMarkReadUpToMessage(t *testing.T) {
	f := newChatFixture(t, nil, "alice", "bob")
	ctx := context.Background()

	first, err := f.chat.Send(ctx, SendInput{SenderID: "bob", ReceiverID: "alice", Body: "1"})
	require.NoError(t, err)
	second := f.send(t, first.ConversationID, "bob", "2")
	f.send(t, first.ConversationID, "bob", "3")

	n, err := f.chat.MarkRead(ctx, first.ConversationID, "alice", second.MessageID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	unread, err := f.chat.UnreadCount(ctx, first.ConversationID, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), unread)

	_, err = f.chat.MarkRead(ctx, first.ConversationID, "alice", "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.chat.MarkRead(ctx, first.ConversationID, "mallory", "")
	assert.ErrorIs(t, err, domain.ErrNotParticipant)
}

func TestChatRemovedParticipantStopsReceiving(t *testing.T) {
	f := newChatFixture(t, nil, "admin", "bob", "carol")
	ctx := context.Background()

	group, err := f.chat.CreateGroup(ctx, "admin", "ops", []string{"bob", "carol"})
	require.NoError(t, err)
	require.Len(t, group.ParticipantIDs, 3)

	_, err = f.chat.RemoveParticipant(ctx, group.ConversationID, "carol", "bob")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotAdmin)
	assert.Equal(t, domain.KindAuthorization, domain.Classify(err))

	updated, err := f.chat.RemoveParticipant(ctx, group.ConversationID, "admin", "bob")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"admin", "carol"}, updated.ParticipantIDs)

	removedEvents := f.conns["bob"].ofType(domain.EventConversationUpdated)
	require.NotEmpty(t, removedEvents)
	last := removedEvents[len(removedEvents)-1].Payload.(domain.ConversationUpdatedPayload)
	assert.Equal(t, "participant-removed", last.Action)
	assert.Equal(t, "bob", last.UserID)

	f.conns["bob"].reset()
	f.conns["carol"].reset()
	f.send(t, group.ConversationID, "admin", "after removal")
	assert.Len(t, f.conns["carol"].ofType(domain.EventNewMessage), 1)
	assert.Empty(t, f.conns["bob"].ofType(domain.EventNewMessage))

	_, err = f.chat.Send(ctx, SendInput{ConversationID: group.ConversationID, SenderID: "bob", Body: "let me in"})
	assert.ErrorIs(t, err, domain.ErrNotParticipant)
}

// hookMedia runs during Prepare so a test can change the conversation while
// a send is in flight.
type hookMedia struct {
	during func()
}

func (m *hookMedia) Prepare(_ context.Context, _ string, media domain.Media) (domain.Media, error) {
	if m.during != nil {
		m.during()
	}
	return media, nil
}

func TestChatSendRechecksMembershipAfterMediaPrepare(t *testing.T) {
	media := &hookMedia{}
	f := newChatFixture(t, media, "admin", "bob", "carol")
	ctx := context.Background()

	group, err := f.chat.CreateGroup(ctx, "admin", "ops", []string{"bob", "carol"})
	require.NoError(t, err)
	attachment := &domain.Media{ObjectKey: "users/admin/a.png", ContentType: "image/png"}

	media.during = func() {
		_, err := f.chat.RemoveParticipant(ctx, group.ConversationID, "admin", "carol")
		require.NoError(t, err)
	}
	f.conns["carol"].reset()
	_, err = f.chat.Send(ctx, SendInput{ConversationID: group.ConversationID, SenderID: "admin", Media: attachment})
	require.NoError(t, err)
	assert.Empty(t, f.conns["carol"].ofType(domain.EventNewMessage))
	assert.Len(t, f.conns["bob"].ofType(domain.EventNewMessage), 1)

	media.during = func() {
		_, err := f.chat.RemoveParticipant(ctx, group.ConversationID, "admin", "bob")
		require.NoError(t, err)
	}
	_, err = f.chat.Send(ctx, SendInput{ConversationID: group.ConversationID, SenderID: "bob", Media: attachment})
	require.ErrorIs(t, err, domain.ErrNotParticipant)
	assert.Equal(t, domain.KindAuthorization, domain.Classify(err))

	items, _, err := f.chat.ListMessages(ctx, group.ConversationID, "admin", 10, "")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "admin", items[0].SenderID)
}

func TestChatGroupAdministration(t *testing.T) {
	f := newChatFixture(t, nil, "admin", "bob")
	ctx := context.Background()

	group, err := f.chat.CreateGroup(ctx, "admin", "ops", []string{"bob"})
	require.NoError(t, err)

	_, err = f.chat.CreateGroup(ctx, "admin", "solo", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = f.chat.AddParticipant(ctx, group.ConversationID, "bob", "dave")
	assert.ErrorIs(t, err, domain.ErrNotAdmin)

	conv, err := f.chat.AddParticipant(ctx, group.ConversationID, "admin", "dave")
	require.NoError(t, err)
	assert.Contains(t, conv.ParticipantIDs, "dave")

	conv, err = f.chat.Rename(ctx, group.ConversationID, "admin", "platform")
	require.NoError(t, err)
	assert.Equal(t, "platform", conv.Name)

	_, err = f.chat.RemoveParticipant(ctx, group.ConversationID, "admin", "admin")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	conv, err = f.chat.RemoveParticipant(ctx, group.ConversationID, "dave", "dave")
	require.NoError(t, err)
	assert.NotContains(t, conv.ParticipantIDs, "dave")

	direct, err := f.chat.Send(ctx, SendInput{SenderID: "admin", ReceiverID: "bob", Body: "dm"})
	require.NoError(t, err)
	_, err = f.chat.Rename(ctx, direct.ConversationID, "admin", "nope")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestChatListMessagesPagesWithCursor(t *testing.T) {
	f := newChatFixture(t, nil)
	ctx := context.Background()

	first, err := f.chat.Send(ctx, SendInput{SenderID: "alice", ReceiverID: "bob", Body: "1"})
	require.NoError(t, err)
	for _, body := range []string{"2", "3", "4", "5"} {
		f.send(t, first.ConversationID, "alice", body)
	}

	var bodies []string
	cursor := ""
	pages := 0
	for {
		items, next, err := f.chat.ListMessages(ctx, first.ConversationID, "bob", 2, cursor)
		require.NoError(t, err)
		for _, m := range items {
			bodies = append(bodies, m.Body)
		}
		pages++
		if next == "" {
			break
		}
		cursor = next
	}
	assert.Equal(t, []string{"5", "4", "3", "2", "1"}, bodies)
	assert.Equal(t, 3, pages)

	_, _, err = f.chat.ListMessages(ctx, first.ConversationID, "bob", 2, "!!")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, _, err = f.chat.ListMessages(ctx, first.ConversationID, "eve", 2, "")
	assert.ErrorIs(t, err, domain.ErrNotParticipant)
}

func TestChatListConversationsCarriesUnreadAndLatest(t *testing.T) {
	f := newChatFixture(t, nil)
	ctx := context.Background()

	msg, err := f.chat.Send(ctx, SendInput{SenderID: "bob", ReceiverID: "alice", Body: "first"})
	require.NoError(t, err)
	latest := f.send(t, msg.ConversationID, "bob", "second")

	convs, err := f.chat.ListConversations(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, int64(2), convs[0].UnreadCount)
	require.NotNil(t, convs[0].LatestMessage)
	assert.Equal(t, latest.MessageID, convs[0].LatestMessage.MessageID)

	counts, err := f.chat.UnreadCounts(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []domain.ConversationUnread{{ConversationID: msg.ConversationID, UnreadCount: 2}}, counts)
}

func TestChatTypingReachesOthersOnly(t *testing.T) {
	f := newChatFixture(t, nil, "alice", "bob")
	ctx := context.Background()

	msg, err := f.chat.Send(ctx, SendInput{SenderID: "alice", ReceiverID: "bob", Body: "hi"})
	require.NoError(t, err)

	require.NoError(t, f.chat.Typing(ctx, msg.ConversationID, "alice", true))
	require.NoError(t, f.chat.Typing(ctx, msg.ConversationID, "alice", false))
	assert.Len(t, f.conns["bob"].ofType(domain.EventUserTyping), 1)
	assert.Len(t, f.conns["bob"].ofType(domain.EventUserStoppedTyping), 1)
	assert.Empty(t, f.conns["alice"].ofType(domain.EventUserTyping))

	assert.ErrorIs(t, f.chat.Typing(ctx, msg.ConversationID, "eve", true), domain.ErrNotParticipant)
}

type stubMedia struct {
	err error
}

func (m stubMedia) Prepare(_ context.Context, _ string, media domain.Media) (domain.Media, error) {
	if m.err != nil {
		return domain.Media{}, m.err
	}
	media.ThumbnailKey = "thumb.jpg"
	return media, nil
}

func TestChatSendPreparesMedia(t *testing.T) {
	ctx := context.Background()

	f := newChatFixture(t, stubMedia{}, "bob")
	msg, err := f.chat.Send(ctx, SendInput{SenderID: "alice", ReceiverID: "bob", Media: &domain.Media{ObjectKey: "users/alice/a.png", ContentType: "image/png"}})
	require.NoError(t, err)
	require.NotNil(t, msg.Media)
	assert.Equal(t, "thumb.jpg", msg.Media.ThumbnailKey)

	failing := newChatFixture(t, stubMedia{err: errors.New("stat failed")})
	msg, err = failing.chat.Send(ctx, SendInput{SenderID: "alice", ReceiverID: "bob", Media: &domain.Media{ObjectKey: "users/alice/a.png"}})
	require.NoError(t, err)
	require.NotNil(t, msg.Media)
	assert.Empty(t, msg.Media.ThumbnailKey)
}

func TestSeqCursorRoundTrip(t *testing.T) {
	seq, err := decodeSeqCursor(encodeSeqCursor(42))
	require.NoError(t, err)
	assert.Equal(t, int64(42), seq)

	_, err = decodeSeqCursor(encodeSeqCursor(0))
	assert.Error(t, err)
}
