package chatsync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/masomo/campus/core"
	"github.com/masomo/campus/core/chat"
	"github.com/masomo/campus/core/pagination"
)

// Store is the chat state of a session. It is created once the user is logged in and closed on logout.
// Views read it through State and Subscribe; the server stays the only writer of record.
type Store struct {
	pull   PullClient
	push   PushChannel
	logger core.Logger
	opts   options

	ctx    context.Context // cancelled by Close
	cancel context.CancelFunc
	wg     sync.WaitGroup
	offs   []func()

	mu             sync.Mutex
	closed         bool
	conversations  []chat.Conversation
	activeID       string
	messages       *orderedmap.OrderedMap[string, chat.Message]
	loading        bool
	generation     uint64 // bumped on every switch; stale fetches are discarded
	refreshSeq     uint64
	refreshApplied uint64

	lmu          sync.Mutex
	listeners    map[int]func(State)
	nextListener int
}

// NewStore subscribes a Store to the push channel. The channel's lifecycle stays with the caller.
func NewStore(pull PullClient, push PushChannel, logger core.Logger, opts ...Option) *Store {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		pull:      pull,
		push:      push,
		logger:    logger,
		opts:      o,
		ctx:       ctx,
		cancel:    cancel,
		messages:  orderedmap.New[string, chat.Message](),
		listeners: make(map[int]func(State)),
	}
	s.offs = append(s.offs,
		push.On(chat.EventNewMessage, s.onNewMessage),
		push.OnReconnect(s.resync),
	)
	return s
}

// State returns a snapshot of the store.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := State{
		Conversations:        make([]chat.Conversation, len(s.conversations)),
		ActiveConversationID: s.activeID,
		Messages:             make([]chat.Message, 0, s.messages.Len()),
		IsLoadingMessages:    s.loading,
		IsConnected:          s.push.Connected(),
	}
	copy(st.Conversations, s.conversations)
	for pair := s.messages.Oldest(); pair != nil; pair = pair.Next() {
		st.Messages = append(st.Messages, pair.Value)
	}
	return st
}

// Subscribe registers fn to be called with a fresh snapshot after every change.
func (s *Store) Subscribe(fn func(State)) (unsubscribe func()) {
	s.lmu.Lock()
	defer s.lmu.Unlock()

	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	return func() {
		s.lmu.Lock()
		delete(s.listeners, id)
		s.lmu.Unlock()
	}
}

func (s *Store) notify() {
	st := s.State()

	s.lmu.Lock()
	fns := make([]func(State), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.lmu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}

// SetActiveConversation switches the active conversation ("" selects none). The messages are cleared
// and the loading flag raised before anything else; then the newest page of history is requested and
// the conversation room joined. It returns once the history has been applied or dropped.
// Selecting the conversation that is already active does nothing.
func (s *Store) SetActiveConversation(ctx context.Context, id string) {
	s.mu.Lock()
	if s.closed || id == s.activeID {
		s.mu.Unlock()
		return
	}
	prev := s.activeID
	s.generation++
	gen := s.generation
	s.activeID = id
	s.messages = orderedmap.New[string, chat.Message]()
	s.loading = id != ""
	s.mu.Unlock()
	s.notify()

	if prev != "" && s.opts.leaveOnSwitch {
		s.emitRoom(ctx, chat.EventLeaveConversation, prev)
	}
	if id == "" {
		return
	}

	type result struct {
		page chat.MessagePage
		err  error
	}
	res := make(chan result, 1)
	go func() {
		page, err := s.pull.Messages(ctx, id, s.newestPage())
		res <- result{page, err}
	}()
	s.emitRoom(ctx, chat.EventJoinConversation, id)

	r := <-res
	if r.err != nil {
		s.logger.Error("fetching messages", errors.Wrapf(r.err, "fetching messages of %s", id))
	}
	s.applyHistory(gen, r.page.Messages, r.err)
}

// SendMessage emits a sendMessage event for the active conversation. The message shows up once the
// server echoes it back as newMessage. Without an active conversation or a connected channel it does
// nothing; transport errors are returned.
func (s *Store) SendMessage(ctx context.Context, content string, typ chat.MessageType) error {
	s.mu.Lock()
	id, closed := s.activeID, s.closed
	s.mu.Unlock()

	if closed || id == "" || !s.push.Connected() {
		return nil
	}
	err := s.push.Emit(ctx, chat.EventSendMessage, chat.NewMessage{
		ConversationID: id,
		Content:        content,
		Type:           typ,
	})
	return errors.Wrap(err, "emitting sendMessage")
}

// RefreshConversations replaces the conversation list with the server's. On failure the current list
// is kept. When refreshes overlap, the one started last wins.
func (s *Store) RefreshConversations(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.refreshSeq++
	seq := s.refreshSeq
	s.mu.Unlock()

	convs, err := s.pull.Conversations(ctx)
	if err != nil {
		s.logger.Error("refreshing conversations", errors.Wrap(err, "fetching conversations"))
		return
	}
	if convs == nil {
		convs = []chat.Conversation{}
	}

	s.mu.Lock()
	if s.closed || seq < s.refreshApplied {
		s.mu.Unlock()
		return
	}
	s.refreshApplied = seq
	s.conversations = convs
	s.mu.Unlock()
	s.notify()
}

// Close unsubscribes the store from the push channel and waits for background refreshes.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	for _, off := range s.offs {
		off()
	}
	s.cancel()
	s.wg.Wait()

	s.lmu.Lock()
	s.listeners = make(map[int]func(State))
	s.lmu.Unlock()
}

// onNewMessage inserts the message when it belongs to the active conversation, then refreshes the
// conversation list once, whatever the conversation.
func (s *Store) onNewMessage(data json.RawMessage) {
	var msg chat.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("malformed newMessage event", errors.Wrap(err, "decoding message"))
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	changed := false
	if msg.ID != "" && msg.ConversationID == s.activeID {
		if _, present := s.messages.Get(msg.ID); !present {
			s.messages.Set(msg.ID, msg)
			changed = true
		}
	}
	s.wg.Add(1)
	s.mu.Unlock()

	if changed {
		s.notify()
	}
	go func() {
		defer s.wg.Done()
		s.RefreshConversations(s.ctx)
	}()
}

// resync runs after the push channel reconnected: it joins the active room again, fetches what was
// missed since the newest message held and refreshes the conversation list.
func (s *Store) resync() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	id, gen := s.activeID, s.generation
	var since time.Time
	if newest := s.messages.Newest(); newest != nil {
		since = newest.Value.CreatedAt
	}
	s.mu.Unlock()
	s.notify()

	if id != "" {
		s.emitRoom(s.ctx, chat.EventJoinConversation, id)
		if since.IsZero() {
			page, err := s.pull.Messages(s.ctx, id, s.newestPage())
			if err != nil {
				s.logger.Error("resyncing messages", errors.Wrapf(err, "fetching messages of %s", id))
			}
			s.applyHistory(gen, page.Messages, err)
		} else {
			s.fillGap(gen, id, since)
		}
	}
	s.RefreshConversations(s.ctx)
}

func (s *Store) fillGap(gen uint64, id string, since time.Time) {
	for i := 0; i < s.opts.resyncPages; i++ {
		req := pagination.NewRequest()
		req.Limit = s.opts.pageSize
		req.SortOrder = pagination.SortAsc
		req.Cursor = since.UTC().Format(time.RFC3339Nano)

		page, err := s.pull.Messages(s.ctx, id, req)
		if err != nil {
			s.logger.Error("resyncing messages", errors.Wrapf(err, "fetching messages of %s since %s", id, req.Cursor))
			return
		}
		if !s.appendMessages(gen, page.Messages) || len(page.Messages) < req.Limit {
			return
		}
		since = page.Messages[len(page.Messages)-1].CreatedAt
	}
}

// applyHistory puts a newest-first page in front of the messages received while it was loading.
// It is a no-op when the active conversation changed since generation gen.
func (s *Store) applyHistory(gen uint64, newestFirst []chat.Message, fetchErr error) {
	s.mu.Lock()
	if s.closed || gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.loading = false
	if fetchErr == nil {
		merged := orderedmap.New[string, chat.Message]()
		for i := len(newestFirst) - 1; i >= 0; i-- {
			msg := newestFirst[i]
			if msg.ConversationID == s.activeID {
				merged.Set(msg.ID, msg)
			}
		}
		for pair := s.messages.Oldest(); pair != nil; pair = pair.Next() {
			if _, present := merged.Get(pair.Key); !present {
				merged.Set(pair.Key, pair.Value)
			}
		}
		s.messages = merged
	}
	s.mu.Unlock()
	s.notify()
}

// appendMessages inserts chronological messages after those held. It reports false when the
// active conversation changed since generation gen.
func (s *Store) appendMessages(gen uint64, msgs []chat.Message) bool {
	s.mu.Lock()
	if s.closed || gen != s.generation {
		s.mu.Unlock()
		return false
	}
	changed := false
	for _, msg := range msgs {
		if msg.ConversationID != s.activeID {
			continue
		}
		if _, present := s.messages.Get(msg.ID); !present {
			s.messages.Set(msg.ID, msg)
			changed = true
		}
	}
	s.mu.Unlock()

	if changed {
		s.notify()
	}
	return true
}

func (s *Store) emitRoom(ctx context.Context, event, conversationID string) {
	if !s.push.Connected() {
		return
	}
	if err := s.push.Emit(ctx, event, chat.RoomRequest{ConversationID: conversationID}); err != nil {
		s.logger.Warn("emitting room event", errors.Wrapf(err, "emitting %s for %s", event, conversationID))
	}
}

func (s *Store) newestPage() pagination.Request {
	req := pagination.NewRequest()
	req.Limit = s.opts.pageSize
	req.SortOrder = pagination.SortDesc
	return req
}
