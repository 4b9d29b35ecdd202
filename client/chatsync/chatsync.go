// Package chatsync keeps a local mirror of the chat state of one logged in user.
//
// A Store fetches conversations and message history over a PullClient (HTTP) and layers the events
// received over a PushChannel (websocket) on top of it.
package chatsync

import (
	"context"
	"encoding/json"

	"github.com/masomo/campus/core/chat"
	"github.com/masomo/campus/core/pagination"
)

// PullClient is the request/response channel.
type PullClient interface {
	Conversations(ctx context.Context) ([]chat.Conversation, error)
	Messages(ctx context.Context, conversationID string, req pagination.Request) (chat.MessagePage, error)
}

// PushChannel is the persistent event channel. Handlers registered with On and OnReconnect run on the
// channel's reader goroutine, in the order events were received.
type PushChannel interface {
	Connected() bool
	Emit(ctx context.Context, event string, data interface{}) error
	EmitWithAck(ctx context.Context, event string, data interface{}) (chat.Ack, error)
	On(event string, fn func(data json.RawMessage)) (off func())
	OnReconnect(fn func()) (off func())
}

// State is a snapshot of a Store.
type State struct {
	Conversations        []chat.Conversation
	ActiveConversationID string
	Messages             []chat.Message // chronological
	IsLoadingMessages    bool
	IsConnected          bool
}
