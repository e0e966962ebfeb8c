package domain

import "time"

// Connection describes the live transport a user is reachable on.
type Connection struct {
	UserID        string    `json:"userId"`
	ConnectionID  string    `json:"connectionId"`
	EstablishedAt time.Time `json:"establishedAt"`
}

type Status string

const (
	StatusAvailable    Status = "available"
	StatusBusy         Status = "busy"
	StatusDoNotDisturb Status = "doNotDisturb"
	StatusOffline      Status = "offline"
)

func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusBusy, StatusDoNotDisturb, StatusOffline:
		return true
	}
	return false
}

type PresenceRecord struct {
	UserID   string    `json:"userId"`
	IsOnline bool      `json:"isOnline"`
	LastSeen time.Time `json:"lastSeen"`
	Status   Status    `json:"status"`
}

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaAudio || k == MediaVideo
}

type CallState string

const (
	CallInitiated CallState = "initiated"
	CallRinging   CallState = "ringing"
	CallOngoing   CallState = "ongoing"
	CallMissed    CallState = "missed"
	CallRejected  CallState = "rejected"
	CallEnded     CallState = "ended"
)

func (s CallState) Terminal() bool {
	return s == CallMissed || s == CallRejected || s == CallEnded
}

// rank orders states so transitions can be checked for forward motion.
func (s CallState) rank() int {
	switch s {
	case CallInitiated:
		return 0
	case CallRinging:
		return 1
	case CallOngoing:
		return 2
	case CallMissed, CallRejected, CallEnded:
		return 3
	}
	return -1
}

// CanTransition reports whether moving from s to next keeps the machine
// moving forward. Missed and Rejected are reachable from Initiated and
// Ringing only; Ended only from Ongoing.
func (s CallState) CanTransition(next CallState) bool {
	if s.Terminal() || next.rank() <= s.rank() {
		return false
	}
	switch next {
	case CallRinging:
		return s == CallInitiated
	case CallOngoing:
		return s == CallRinging
	case CallMissed, CallRejected:
		return s == CallInitiated || s == CallRinging
	case CallEnded:
		return s == CallOngoing
	}
	return false
}

type ParticipantState string

const (
	ParticipantInvited     ParticipantState = "invited"
	ParticipantJoined      ParticipantState = "joined"
	ParticipantDeclined    ParticipantState = "declined"
	ParticipantLeft        ParticipantState = "left"
	ParticipantUnreachable ParticipantState = "unreachable"
)

type CallParticipant struct {
	UserID   string           `json:"userId"`
	State    ParticipantState `json:"state"`
	JoinedAt *time.Time       `json:"joinedAt,omitempty"`
	LeftAt   *time.Time       `json:"leftAt,omitempty"`
}

const (
	ReasonReceiverOffline = "receiver_offline"
	ReasonNoAnswer        = "no_answer"
	ReasonCanceled        = "canceled"
	ReasonDeclined        = "declined"
	ReasonHangup          = "hangup"
	ReasonDisconnected    = "disconnected"
)

// CallSession is owned by the call machine until it reaches a terminal
// state. Participants never includes the caller.
type CallSession struct {
	CallID          string            `json:"callId"`
	CallerID        string            `json:"callerId"`
	ReceiverID      string            `json:"receiverId"`
	Participants    []CallParticipant `json:"participants"`
	IsGroup         bool              `json:"isGroup"`
	MediaKind       MediaKind         `json:"mediaKind"`
	State           CallState         `json:"state"`
	StartedAt       time.Time         `json:"startedAt"`
	AnsweredAt      *time.Time        `json:"answeredAt,omitempty"`
	EndedAt         *time.Time        `json:"endedAt,omitempty"`
	DurationSeconds int64             `json:"durationSeconds"`
	EndReason       string            `json:"endReason,omitempty"`
}

func (s CallSession) Participant(userID string) (CallParticipant, bool) {
	for _, p := range s.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return CallParticipant{}, false
}

func (s CallSession) Involves(userID string) bool {
	if s.CallerID == userID {
		return true
	}
	_, ok := s.Participant(userID)
	return ok
}

func (s CallSession) ParticipantIDs() []string {
	ids := make([]string, 0, len(s.Participants))
	for _, p := range s.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}

// Clone deep-copies the session so callers never share slices or pointers
// with the machine's copy.
func (s CallSession) Clone() CallSession {
	out := s
	out.Participants = make([]CallParticipant, len(s.Participants))
	for i, p := range s.Participants {
		out.Participants[i] = p
		out.Participants[i].JoinedAt = cloneTime(p.JoinedAt)
		out.Participants[i].LeftAt = cloneTime(p.LeftAt)
	}
	out.AnsweredAt = cloneTime(s.AnsweredAt)
	out.EndedAt = cloneTime(s.EndedAt)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

type Media struct {
	ObjectKey    string `json:"objectKey"`
	ContentType  string `json:"contentType,omitempty"`
	SizeBytes    int64  `json:"sizeBytes,omitempty"`
	ThumbnailKey string `json:"thumbnailKey,omitempty"`
}

type ChatMessage struct {
	MessageID      string     `json:"messageId"`
	ConversationID string     `json:"conversationId"`
	SenderID       string     `json:"senderId"`
	Body           string     `json:"body"`
	Media          *Media     `json:"media,omitempty"`
	IsRead         bool       `json:"isRead"`
	ReadAt         *time.Time `json:"readAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	Seq            int64      `json:"seq"`
}

type Conversation struct {
	ConversationID string    `json:"conversationId"`
	ParticipantIDs []string  `json:"participantIds"`
	IsGroup        bool      `json:"isGroup"`
	AdminID        string    `json:"adminId,omitempty"`
	Name           string    `json:"name,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func (c Conversation) HasParticipant(userID string) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Others returns every participant except userID.
func (c Conversation) Others(userID string) []string {
	out := make([]string, 0, len(c.ParticipantIDs))
	for _, id := range c.ParticipantIDs {
		if id != userID {
			out = append(out, id)
		}
	}
	return out
}

type ConversationSummary struct {
	Conversation
	UnreadCount   int64        `json:"unreadCount"`
	LatestMessage *ChatMessage `json:"latestMessage,omitempty"`
}

type ConversationUnread struct {
	ConversationID string `json:"conversationId"`
	UnreadCount    int64  `json:"unreadCount"`
}

// CallRecord is one user's view of a terminated call, as persisted (encrypted)
// by the history store.
type CallRecord struct {
	ID           string    `json:"id"`
	RemoteUserID string    `json:"remoteUserId"`
	StartTime    time.Time `json:"startTime"`
	EndTime      time.Time `json:"endTime"`
	Duration     int64     `json:"duration"`
	Type         MediaKind `json:"type"`
	Status       CallState `json:"status"`
	IsOutgoing   bool      `json:"isOutgoing"`
	Participants []string  `json:"participants,omitempty"`
	EndReason    string    `json:"endReason,omitempty"`
}

type CallStatistics struct {
	TotalCalls     int               `json:"totalCalls"`
	TotalDuration  int64             `json:"totalDuration"`
	PerTypeCounts  map[MediaKind]int `json:"perTypeCounts"`
	MissedCount    int               `json:"missedCount"`
	RejectedCount  int               `json:"rejectedCount"`
	CompletedCount int               `json:"completedCount"`
	IncomingCount  int               `json:"incomingCount"`
	OutgoingCount  int               `json:"outgoingCount"`
}

type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

type HistoryFilter struct {
	Type      MediaKind
	Status    CallState
	Direction Direction
	From      *time.Time
	To        *time.Time
	Limit     int
}

func (f HistoryFilter) Match(r CallRecord) bool {
	if f.Type != "" && r.Type != f.Type {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	switch f.Direction {
	case DirectionIncoming:
		if r.IsOutgoing {
			return false
		}
	case DirectionOutgoing:
		if !r.IsOutgoing {
			return false
		}
	}
	if f.From != nil && r.StartTime.Before(*f.From) {
		return false
	}
	if f.To != nil && r.StartTime.After(*f.To) {
		return false
	}
	return true
}

// SealedCallRecord is the at-rest form of a CallRecord: only the owner, the
// record id and the start time stay in clear for indexing.
type SealedCallRecord struct {
	UserID    string
	RecordID  string
	StartTime time.Time
	Data      []byte
}
