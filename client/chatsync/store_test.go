package chatsync_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masomo/campus/client/chatsync"
	"github.com/masomo/campus/core/chat"
	"github.com/masomo/campus/core/pagination"
	"github.com/masomo/campus/tests"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var errOffline = errors.New("offline")

type messagesCall struct {
	conversationID string
	req            pagination.Request
}

type fakePull struct {
	mu           sync.Mutex
	convs        []chat.Conversation
	convErr      error
	convCalls    int
	msgCalls     []messagesCall
	messagesFunc func(id string, req pagination.Request) (chat.MessagePage, error)
}

func (p *fakePull) Conversations(context.Context) ([]chat.Conversation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.convCalls++
	return p.convs, p.convErr
}

func (p *fakePull) Messages(_ context.Context, id string, req pagination.Request) (chat.MessagePage, error) {
	p.mu.Lock()
	p.msgCalls = append(p.msgCalls, messagesCall{id, req})
	fn := p.messagesFunc
	p.mu.Unlock()
	if fn == nil {
		return chat.MessagePage{}, nil
	}
	return fn(id, req)
}

func (p *fakePull) conversationCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.convCalls
}

func (p *fakePull) messageCalls() []messagesCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]messagesCall(nil), p.msgCalls...)
}

type emitted struct {
	event string
	data  interface{}
}

type fakePush struct {
	mu        sync.Mutex
	connected bool
	emitErr   error
	emitted   []emitted
	handlers  map[string]func(json.RawMessage)
	reconnect func()
}

var _ chatsync.PushChannel = (*fakePush)(nil)

func newFakePush(connected bool) *fakePush {
	return &fakePush{connected: connected, handlers: make(map[string]func(json.RawMessage))}
}

func (p *fakePush) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *fakePush) Emit(_ context.Context, event string, data interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.emitErr != nil {
		return p.emitErr
	}
	p.emitted = append(p.emitted, emitted{event, data})
	return nil
}

func (p *fakePush) EmitWithAck(ctx context.Context, event string, data interface{}) (chat.Ack, error) {
	return chat.Ack{Success: true}, p.Emit(ctx, event, data)
}

func (p *fakePush) On(event string, fn func(json.RawMessage)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[event] = fn
	return func() {
		p.mu.Lock()
		delete(p.handlers, event)
		p.mu.Unlock()
	}
}

func (p *fakePush) OnReconnect(fn func()) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reconnect = fn
	return func() {
		p.mu.Lock()
		p.reconnect = nil
		p.mu.Unlock()
	}
}

func (p *fakePush) events() []emitted {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]emitted(nil), p.emitted...)
}

// deliver simulates an inbound frame, on the caller's goroutine.
func (p *fakePush) deliver(t *testing.T, event string, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	p.mu.Lock()
	fn := p.handlers[event]
	p.mu.Unlock()
	if fn != nil {
		fn(raw)
	}
}

func (p *fakePush) reconnected() {
	p.mu.Lock()
	p.connected = true
	fn := p.reconnect
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

var epoch = time.Date(2024, 9, 2, 8, 0, 0, 0, time.UTC)

func newMessage(id, conversationID string, minute int) chat.Message {
	return chat.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       "u1",
		Content:        "message " + id,
		Type:           chat.MessageText,
		CreatedAt:      epoch.Add(time.Duration(minute) * time.Minute),
	}
}

// newestFirst serves the messages as the API does for sortOrder=desc.
func newestFirst(msgs ...chat.Message) chat.MessagePage {
	page := chat.MessagePage{Messages: make([]chat.Message, 0, len(msgs))}
	for i := len(msgs) - 1; i >= 0; i-- {
		page.Messages = append(page.Messages, msgs[i])
	}
	return page
}

func messageIDs(msgs []chat.Message) []string {
	ids := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		ids = append(ids, msg.ID)
	}
	return ids
}

func newStore(t *testing.T, pull *fakePull, push *fakePush, opts ...chatsync.Option) *chatsync.Store {
	t.Helper()
	store := chatsync.NewStore(pull, push, testutil.NewLogger(), opts...)
	t.Cleanup(store.Close)
	return store
}

func TestStore_SetActiveConversation(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	pull := &fakePull{
		messagesFunc: func(id string, _ pagination.Request) (chat.MessagePage, error) {
			switch id {
			case "x":
				return newestFirst(newMessage("x1", "x", 1), newMessage("x2", "x", 2)), nil
			case "z":
				<-release
				return newestFirst(newMessage("z1", "z", 1), newMessage("z2", "z", 2), newMessage("z3", "z", 3)), nil
			}
			return chat.MessagePage{}, nil
		},
	}
	push := newFakePush(true)
	store := newStore(t, pull, push, chatsync.WithPageSize(30))

	store.SetActiveConversation(ctx, "x")
	st := store.State()
	assert.Equal(t, "x", st.ActiveConversationID)
	assert.Equal(t, []string{"x1", "x2"}, messageIDs(st.Messages), "chronological order")
	assert.False(t, st.IsLoadingMessages)
	assert.True(t, st.IsConnected)

	var snapshots []chatsync.State
	var smu sync.Mutex
	store.Subscribe(func(st chatsync.State) {
		smu.Lock()
		snapshots = append(snapshots, st)
		smu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		store.SetActiveConversation(ctx, "z")
		close(done)
	}()

	// cleared and loading while the fetch is in flight
	require.Eventually(t, func() bool { return store.State().ActiveConversationID == "z" }, waitFor, tick)
	st = store.State()
	assert.Empty(t, st.Messages)
	assert.True(t, st.IsLoadingMessages)

	close(release)
	<-done
	st = store.State()
	assert.Equal(t, []string{"z1", "z2", "z3"}, messageIDs(st.Messages))
	assert.False(t, st.IsLoadingMessages)

	smu.Lock()
	if assert.NotEmpty(t, snapshots) {
		assert.Empty(t, snapshots[0].Messages)
		assert.True(t, snapshots[0].IsLoadingMessages)
	}
	smu.Unlock()

	calls := pull.messageCalls()
	if assert.Len(t, calls, 2) {
		assert.Equal(t, "z", calls[1].conversationID)
		assert.Equal(t, 1, calls[1].req.Page)
		assert.Equal(t, 30, calls[1].req.Limit)
		assert.Equal(t, pagination.SortDesc, calls[1].req.SortOrder)
		assert.Empty(t, calls[1].req.Cursor)
	}

	// joins only, no leave by default
	assert.Equal(t, []emitted{
		{chat.EventJoinConversation, chat.RoomRequest{ConversationID: "x"}},
		{chat.EventJoinConversation, chat.RoomRequest{ConversationID: "z"}},
	}, push.events())

	// same conversation: nothing happens
	store.SetActiveConversation(ctx, "z")
	assert.Len(t, pull.messageCalls(), 2)
	assert.Len(t, store.State().Messages, 3)

	// none
	store.SetActiveConversation(ctx, "")
	st = store.State()
	assert.Empty(t, st.ActiveConversationID)
	assert.Empty(t, st.Messages)
	assert.False(t, st.IsLoadingMessages)
	assert.Len(t, pull.messageCalls(), 2)
}

func TestStore_SetActiveConversation_staleFetch(t *testing.T) {
	ctx := context.Background()
	started := make(chan struct{})
	release := make(chan struct{})
	pull := &fakePull{
		messagesFunc: func(id string, _ pagination.Request) (chat.MessagePage, error) {
			if id == "a" {
				close(started)
				<-release
				return newestFirst(newMessage("a1", "a", 1)), nil
			}
			return newestFirst(newMessage("b1", "b", 1)), nil
		},
	}
	store := newStore(t, pull, newFakePush(true))

	done := make(chan struct{})
	go func() {
		store.SetActiveConversation(ctx, "a")
		close(done)
	}()
	<-started

	store.SetActiveConversation(ctx, "b")
	close(release)
	<-done

	st := store.State()
	assert.Equal(t, "b", st.ActiveConversationID)
	assert.Equal(t, []string{"b1"}, messageIDs(st.Messages))
	assert.False(t, st.IsLoadingMessages)
}

func TestStore_SetActiveConversation_options(t *testing.T) {
	ctx := context.Background()

	t.Run("leave on switch", func(t *testing.T) {
		push := newFakePush(true)
		store := newStore(t, &fakePull{}, push, chatsync.WithLeaveOnSwitch(true))
		store.SetActiveConversation(ctx, "a")
		store.SetActiveConversation(ctx, "b")
		assert.Equal(t, []emitted{
			{chat.EventJoinConversation, chat.RoomRequest{ConversationID: "a"}},
			{chat.EventLeaveConversation, chat.RoomRequest{ConversationID: "a"}},
			{chat.EventJoinConversation, chat.RoomRequest{ConversationID: "b"}},
		}, push.events())
	})

	t.Run("disconnected", func(t *testing.T) {
		push := newFakePush(false)
		pull := &fakePull{}
		store := newStore(t, pull, push)
		store.SetActiveConversation(ctx, "a")
		assert.Empty(t, push.events())
		assert.Len(t, pull.messageCalls(), 1, "history is still fetched")
		assert.False(t, store.State().IsConnected)
	})

	t.Run("page size clamped", func(t *testing.T) {
		pull := &fakePull{}
		store := newStore(t, pull, newFakePush(true), chatsync.WithPageSize(1000))
		store.SetActiveConversation(ctx, "a")
		calls := pull.messageCalls()
		require.Len(t, calls, 1)
		assert.Equal(t, pagination.MaxLimit, calls[0].req.Limit)
	})

	t.Run("fetch failure", func(t *testing.T) {
		pull := &fakePull{
			messagesFunc: func(string, pagination.Request) (chat.MessagePage, error) {
				return chat.MessagePage{}, errOffline
			},
		}
		store := newStore(t, pull, newFakePush(true))
		store.SetActiveConversation(ctx, "a")
		st := store.State()
		assert.Equal(t, "a", st.ActiveConversationID)
		assert.Empty(t, st.Messages)
		assert.False(t, st.IsLoadingMessages)
	})
}

func TestStore_SendMessage(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		active      string
		connected   bool
		emitErr     error
		wantEmitted []emitted
		wantErr     bool
	}{
		{
			name:      "no active conversation",
			connected: true,
		},
		{
			name:   "disconnected",
			active: "a",
		},
		{
			name:      "emits",
			active:    "a",
			connected: true,
			wantEmitted: []emitted{{
				chat.EventSendMessage,
				chat.NewMessage{ConversationID: "a", Content: "Habari", Type: chat.MessageText},
			}},
		},
		{
			name:      "transport error",
			active:    "a",
			connected: true,
			emitErr:   errOffline,
			wantErr:   true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			push := newFakePush(tc.connected)
			store := newStore(t, &fakePull{}, push)
			if tc.active != "" {
				store.SetActiveConversation(ctx, tc.active)
			}
			push.mu.Lock()
			push.emitted = nil
			push.emitErr = tc.emitErr
			push.mu.Unlock()

			err := store.SendMessage(ctx, "Habari", chat.MessageText)
			if tc.wantErr {
				assert.Equal(t, errOffline, errors.Cause(err))
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tc.wantEmitted, push.events())
			assert.Empty(t, store.State().Messages, "no optimistic append")
		})
	}
}

func TestStore_RefreshConversations(t *testing.T) {
	ctx := context.Background()
	pull := &fakePull{convs: []chat.Conversation{{ID: "a", UnreadCount: 2}, {ID: "b"}}}
	store := newStore(t, pull, newFakePush(true))

	store.RefreshConversations(ctx)
	assert.Equal(t, pull.convs, store.State().Conversations)

	// replaced wholesale
	pull.mu.Lock()
	pull.convs = []chat.Conversation{{ID: "c"}}
	pull.mu.Unlock()
	store.RefreshConversations(ctx)
	assert.Equal(t, []chat.Conversation{{ID: "c"}}, store.State().Conversations)

	// failures keep the current list
	pull.mu.Lock()
	pull.convErr = errOffline
	pull.mu.Unlock()
	store.RefreshConversations(ctx)
	assert.Equal(t, []chat.Conversation{{ID: "c"}}, store.State().Conversations)
}

func TestStore_newMessage(t *testing.T) {
	ctx := context.Background()
	pull := &fakePull{
		convs: []chat.Conversation{{ID: "x"}, {ID: "y"}},
		messagesFunc: func(string, pagination.Request) (chat.MessagePage, error) {
			return newestFirst(newMessage("x1", "x", 1)), nil
		},
	}
	push := newFakePush(true)
	store := newStore(t, pull, push)
	store.SetActiveConversation(ctx, "x")

	// another conversation: messages untouched, one refresh
	push.deliver(t, chat.EventNewMessage, newMessage("y1", "y", 2))
	require.Eventually(t, func() bool { return pull.conversationCalls() == 1 }, waitFor, tick)
	assert.Equal(t, []string{"x1"}, messageIDs(store.State().Messages))

	// the active conversation: appended
	push.deliver(t, chat.EventNewMessage, newMessage("x2", "x", 3))
	require.Eventually(t, func() bool { return pull.conversationCalls() == 2 }, waitFor, tick)
	assert.Equal(t, []string{"x1", "x2"}, messageIDs(store.State().Messages))

	// repeated delivery: no duplicate, still refreshed
	push.deliver(t, chat.EventNewMessage, newMessage("x2", "x", 3))
	require.Eventually(t, func() bool { return pull.conversationCalls() == 3 }, waitFor, tick)
	assert.Equal(t, []string{"x1", "x2"}, messageIDs(store.State().Messages))

	require.Eventually(t, func() bool { return len(store.State().Conversations) == 2 }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, pull.conversationCalls(), "exactly one refresh per event")
}

func TestStore_newMessage_whileLoading(t *testing.T) {
	ctx := context.Background()
	started := make(chan struct{})
	release := make(chan struct{})
	pull := &fakePull{
		messagesFunc: func(string, pagination.Request) (chat.MessagePage, error) {
			close(started)
			<-release
			return newestFirst(newMessage("x1", "x", 1), newMessage("x2", "x", 2)), nil
		},
	}
	push := newFakePush(true)
	store := newStore(t, pull, push)

	done := make(chan struct{})
	go func() {
		store.SetActiveConversation(ctx, "x")
		close(done)
	}()
	<-started

	push.deliver(t, chat.EventNewMessage, newMessage("x2", "x", 2))
	push.deliver(t, chat.EventNewMessage, newMessage("x3", "x", 3))
	close(release)
	<-done

	assert.Equal(t, []string{"x1", "x2", "x3"}, messageIDs(store.State().Messages))
}

func TestStore_resync(t *testing.T) {
	ctx := context.Background()
	pull := &fakePull{
		convs: []chat.Conversation{{ID: "x", UnreadCount: 2}},
		messagesFunc: func(_ string, req pagination.Request) (chat.MessagePage, error) {
			if req.Cursor == "" {
				return newestFirst(newMessage("x1", "x", 1), newMessage("x2", "x", 2)), nil
			}
			return chat.MessagePage{Messages: []chat.Message{newMessage("x2", "x", 2), newMessage("x3", "x", 3), newMessage("x4", "x", 4)}}, nil
		},
	}
	push := newFakePush(true)
	store := newStore(t, pull, push)
	store.SetActiveConversation(ctx, "x")

	push.mu.Lock()
	push.connected = false
	push.emitted = nil
	push.mu.Unlock()
	push.reconnected()

	st := store.State()
	assert.Equal(t, []string{"x1", "x2", "x3", "x4"}, messageIDs(st.Messages))
	assert.Equal(t, pull.convs, st.Conversations)
	assert.True(t, st.IsConnected)
	assert.Equal(t, []emitted{{chat.EventJoinConversation, chat.RoomRequest{ConversationID: "x"}}}, push.events())

	calls := pull.messageCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, pagination.SortAsc, calls[1].req.SortOrder)
	assert.Equal(t, newMessage("x2", "x", 2).CreatedAt.Format(time.RFC3339Nano), calls[1].req.Cursor)
}

func TestStore_resync_paged(t *testing.T) {
	ctx := context.Background()
	pull := &fakePull{
		messagesFunc: func(_ string, req pagination.Request) (chat.MessagePage, error) {
			switch req.Cursor {
			case "":
				return newestFirst(newMessage("x1", "x", 1)), nil
			case epoch.Add(time.Minute).Format(time.RFC3339Nano):
				return chat.MessagePage{Messages: []chat.Message{newMessage("x2", "x", 2), newMessage("x3", "x", 3)}}, nil
			case epoch.Add(3 * time.Minute).Format(time.RFC3339Nano):
				return chat.MessagePage{Messages: []chat.Message{newMessage("x4", "x", 4)}}, nil
			}
			return chat.MessagePage{}, errors.Errorf("unexpected cursor %s", req.Cursor)
		},
	}
	push := newFakePush(true)
	store := newStore(t, pull, push, chatsync.WithPageSize(2))
	store.SetActiveConversation(ctx, "x")

	pull.mu.Lock()
	pull.msgCalls = nil
	pull.mu.Unlock()
	push.reconnected()

	assert.Equal(t, []string{"x1", "x2", "x3", "x4"}, messageIDs(store.State().Messages))
	assert.Len(t, pull.messageCalls(), 2, "stops on a short page")
}

func TestStore_Close(t *testing.T) {
	ctx := context.Background()
	pull := &fakePull{}
	push := newFakePush(true)
	store := chatsync.NewStore(pull, push, testutil.NewLogger())

	calls := 0
	store.Subscribe(func(chatsync.State) { calls++ })
	store.SetActiveConversation(ctx, "x")
	require.NotZero(t, calls)

	store.Close()
	store.Close() // idempotent

	push.mu.Lock()
	assert.Empty(t, push.handlers)
	assert.Nil(t, push.reconnect)
	push.mu.Unlock()

	before := calls
	store.SetActiveConversation(ctx, "y")
	store.RefreshConversations(ctx)
	assert.NoError(t, store.SendMessage(ctx, "hi", chat.MessageText))
	assert.Equal(t, before, calls)
	assert.Equal(t, "x", store.State().ActiveConversationID)
	assert.Zero(t, pull.conversationCalls())
}
