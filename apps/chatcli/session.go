package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/masomo/campus/client/chatsync"
	"github.com/masomo/campus/core/chat"
)

type chatStore interface {
	State() chatsync.State
	SetActiveConversation(ctx context.Context, id string)
	SendMessage(ctx context.Context, content string, typ chat.MessageType) error
	RefreshConversations(ctx context.Context)
}

// session renders a Store to a terminal and turns input lines into store operations.
type session struct {
	store chatStore
	out   io.Writer

	mu       sync.Mutex
	activeID string
	printed  map[string]struct{} // messages of activeID already shown
	loading  bool
}

func newSession(store chatStore, out io.Writer) *session {
	return &session{store: store, out: out, printed: make(map[string]struct{})}
}

func (s *session) printHelp() {
	fmt.Fprintln(s.out, "Commands:")
	fmt.Fprintln(s.out, "  /list       - list conversations")
	fmt.Fprintln(s.out, "  /open N|ID  - open a conversation by list number or id")
	fmt.Fprintln(s.out, "  /close      - close the open conversation")
	fmt.Fprintln(s.out, "  /quit       - exit")
	fmt.Fprintln(s.out, "Any other line is sent to the open conversation.")
}

// handle runs one input line and reports whether the session is over.
func (s *session) handle(ctx context.Context, line string) (quit bool) {
	line = strings.TrimSpace(line)
	cmd, arg := line, ""
	if i := strings.IndexByte(line, ' '); i >= 0 {
		cmd, arg = line[:i], strings.TrimSpace(line[i+1:])
	}

	switch {
	case line == "":
	case cmd == "/quit":
		return true
	case cmd == "/help":
		s.printHelp()
	case cmd == "/list":
		s.store.RefreshConversations(ctx)
		s.printConversations(s.store.State())
	case cmd == "/open":
		id, ok := s.resolve(arg)
		if !ok {
			fmt.Fprintf(s.out, "unknown conversation %q\n", arg)
			return false
		}
		s.store.SetActiveConversation(ctx, id)
	case cmd == "/close":
		s.store.SetActiveConversation(ctx, "")
	case strings.HasPrefix(cmd, "/"):
		fmt.Fprintf(s.out, "unknown command %s, try /help\n", cmd)
	default:
		st := s.store.State()
		switch {
		case st.ActiveConversationID == "":
			fmt.Fprintln(s.out, "no open conversation, use /open")
		case !st.IsConnected:
			fmt.Fprintln(s.out, "not connected, message not sent")
		default:
			if err := s.store.SendMessage(ctx, line, chat.MessageText); err != nil {
				fmt.Fprintf(s.out, "sending failed: %v\n", err)
			}
		}
	}
	return false
}

// resolve accepts a 1-based position in the conversation list or a conversation id.
func (s *session) resolve(arg string) (string, bool) {
	if arg == "" {
		return "", false
	}
	convs := s.store.State().Conversations
	if n, err := strconv.Atoi(arg); err == nil && n >= 1 && n <= len(convs) {
		return convs[n-1].ID, true
	}
	for _, conv := range convs {
		if conv.ID == arg {
			return conv.ID, true
		}
	}
	return "", false
}

func (s *session) printConversations(st chatsync.State) {
	if len(st.Conversations) == 0 {
		fmt.Fprintln(s.out, "no conversations")
		return
	}
	for i, conv := range st.Conversations {
		marker := " "
		if conv.ID == st.ActiveConversationID {
			marker = "*"
		}
		line := fmt.Sprintf("%s%2d. %s", marker, i+1, conversationName(conv))
		if conv.UnreadCount > 0 {
			line += fmt.Sprintf(" (%d unread)", conv.UnreadCount)
		}
		if conv.LastMessage != nil {
			line += ": " + preview(conv.LastMessage.Content)
		}
		fmt.Fprintln(s.out, line)
	}
}

// render prints what changed for the open conversation.
func (s *session) render(st chatsync.State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st.ActiveConversationID != s.activeID {
		s.activeID = st.ActiveConversationID
		s.printed = make(map[string]struct{})
		if s.activeID != "" {
			fmt.Fprintf(s.out, "--- %s ---\n", s.activeName(st))
		}
	}
	if st.IsLoadingMessages && !s.loading {
		fmt.Fprintln(s.out, "loading...")
	}
	s.loading = st.IsLoadingMessages

	for _, msg := range st.Messages {
		if _, ok := s.printed[msg.ID]; ok {
			continue
		}
		s.printed[msg.ID] = struct{}{}
		fmt.Fprintf(s.out, "[%s] %s: %s\n", msg.CreatedAt.Local().Format("15:04"), senderName(msg), msg.Content)
	}
}

func (s *session) activeName(st chatsync.State) string {
	for _, conv := range st.Conversations {
		if conv.ID == st.ActiveConversationID {
			return conversationName(conv)
		}
	}
	return st.ActiveConversationID
}

func conversationName(conv chat.Conversation) string {
	if conv.Title != "" {
		return conv.Title
	}
	names := make([]string, 0, len(conv.Participants))
	for _, p := range conv.Participants {
		names = append(names, p.User.Name)
	}
	return strings.Join(names, ", ")
}

func senderName(msg chat.Message) string {
	if msg.Sender != nil && msg.Sender.Name != "" {
		return msg.Sender.Name
	}
	return msg.SenderID
}

func preview(content string) string {
	const maxLen = 40
	r := []rune(content)
	if len(r) <= maxLen {
		return content
	}
	return string(r[:maxLen-3]) + "..."
}
