package chat

import (
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/masomo/campus/core"
	"github.com/masomo/campus/core/pagination"
	"github.com/masomo/campus/core/user"
)

type (
	ConversationType string
	MessageType      string
)

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"

	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageVoice MessageType = "voice"
)

var MessageTypes = []MessageType{MessageText, MessageImage, MessageVoice}

func (t MessageType) IsValid() bool {
	for _, mt := range MessageTypes {
		if t == mt {
			return true
		}
	}
	return false
}

type Participant struct {
	User user.Summary `json:"user"`
}

type Conversation struct {
	ID           string           `json:"id"`
	Type         ConversationType `json:"type"`
	Title        string           `json:"title,omitempty"`
	Participants []Participant    `json:"participants"`
	LastMessage  *Message         `json:"lastMessage,omitempty"`
	UnreadCount  int              `json:"unreadCount"`
	CreatedAt    time.Time        `json:"createdAt"` // UTC
	UpdatedAt    time.Time        `json:"updatedAt"` // UTC
}

func (c Conversation) ParticipantIDs() []string {
	ids := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		ids = append(ids, p.User.ID)
	}
	return ids
}

func (c Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.User.ID == userID {
			return true
		}
	}
	return false
}

// Message is immutable once stored. CreatedAt is assigned by the server and orders a conversation.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Content        string        `json:"content"`
	Type           MessageType   `json:"type"`
	CreatedAt      time.Time     `json:"createdAt"` // UTC
	Sender         *user.Summary `json:"sender,omitempty"`
}

// MessagePage is one page of a conversation's history.
type MessagePage struct {
	Messages []Message       `json:"messages"`
	Meta     pagination.Meta `json:"meta"`
}

// MessageFilter positions a messages query. A non-zero Cursor takes precedence over Skip:
// ascending queries return messages created after it, descending ones messages created before it.
type MessageFilter struct {
	ConversationID string
	Cursor         time.Time
	Ascending      bool
	Skip           int
	Take           int
}

// NewConversation contains information needed to start a conversation.
// The creator is always a participant and must not be listed in ParticipantIDs.
type NewConversation struct {
	Type           ConversationType `json:"type" validate:"required,oneof=direct group"`
	Title          string           `json:"title" validate:"omitempty,max=120"`
	ParticipantIDs []string         `json:"participantIds" validate:"required,min=1,dive,required"`
}

func (nc *NewConversation) Validate(validate *validator.Validate, creatorID string) error {
	nc.Title = core.CleanString(nc.Title)
	nc.ParticipantIDs = cleanIDs(nc.ParticipantIDs, creatorID)
	return validate.Struct(nc)
}

// NewMessage contains information needed to post a message. It is also the sendMessage event payload.
type NewMessage struct {
	ConversationID string      `json:"conversationId" validate:"required"`
	Content        string      `json:"content" validate:"required,notblank,max=4000"`
	Type           MessageType `json:"type" validate:"msgtype"`
}

func (nm *NewMessage) Validate(validate *validator.Validate) error {
	nm.ConversationID = strings.TrimSpace(nm.ConversationID)
	if nm.Type == "" {
		nm.Type = MessageText
	}
	return validate.Struct(nm)
}

// cleanIDs trims, dedupes and sorts ids, dropping blanks and `exclude`.
func cleanIDs(ids []string, exclude string) []string {
	seen := make(map[string]struct{}, len(ids))
	cleaned := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || id == exclude {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		cleaned = append(cleaned, id)
	}
	sort.Strings(cleaned)
	return cleaned
}

// DirectKey identifies the direct conversation between two users, whatever the order.
func DirectKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

