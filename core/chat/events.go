package chat

import (
	"context"
	"encoding/json"
)

// Socket events
const (
	// server -> client
	EventNewMessage = "newMessage"
	EventAck        = "ack"
	EventError      = "error"

	// client -> server
	EventSendMessage       = "sendMessage"
	EventJoinConversation  = "joinConversation"
	EventLeaveConversation = "leaveConversation"
)

type (
	// Frame is the unit exchanged over the socket. Ack, when set, correlates a request with its EventAck reply.
	Frame struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data,omitempty"`
		Ack   string          `json:"ack,omitempty"`
	}

	Ack struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data,omitempty"`
		Error   string          `json:"error,omitempty"`
	}

	// ErrorPayload is the data of EventError, sent when a frame without an ack id fails.
	ErrorPayload struct {
		Event string `json:"event,omitempty"`
		Error string `json:"error"`
	}

	// RoomRequest is the payload of EventJoinConversation and EventLeaveConversation.
	RoomRequest struct {
		ConversationID string `json:"conversationId"`
	}

	// Publisher delivers an event to every connection joined to any of the rooms, at most once per connection.
	Publisher interface {
		Publish(ctx context.Context, rooms []string, event string, data interface{}) error
	}

	nopPublisher struct{}
)

func ConversationRoom(conversationID string) string { return "conversation:" + conversationID }

// UserRoom is joined automatically by every connection of the user.
func UserRoom(userID string) string { return "user:" + userID }

// NopPublisher drops every event.
var NopPublisher Publisher = nopPublisher{}

func (nopPublisher) Publish(context.Context, []string, string, interface{}) error { return nil }

// NewFrame builds a Frame carrying data encoded as JSON.
func NewFrame(event string, data interface{}, ack ...string) (Frame, error) {
	f := Frame{Event: event}
	if len(ack) > 0 {
		f.Ack = ack[0]
	}
	if data == nil {
		return f, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, err
	}
	f.Data = raw
	return f, nil
}
