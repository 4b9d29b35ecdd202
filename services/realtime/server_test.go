package realtime_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masomo/campus/core"
	"github.com/masomo/campus/core/chat"
	"github.com/masomo/campus/core/user"
	"github.com/masomo/campus/services/realtime"
	"github.com/masomo/campus/storage/database/inmem"
	"github.com/masomo/campus/tests"
)

type fixture struct {
	url     string
	chatSvc chat.Service
	conv    chat.Conversation
	amani   user.User
	baraka  user.User
	chiku   user.User
}

func setup(t *testing.T, conf core.RealtimeConfig) fixture {
	t.Helper()
	db := inmemdb.Open()
	usrRepo := inmemdb.NewUserRepository(db)
	usrSvc := user.NewService(usrRepo)
	validate, translator := testutil.NewValidator()
	logger := testutil.NewLogger()

	hub := realtime.NewHub(logger, realtime.NewMetrics(prometheus.NewRegistry()))
	chatSvc := chat.NewService(inmemdb.NewChatRepository(db), usrSvc, hub, validate, logger)
	srv := realtime.NewServer(hub, chatSvc, conf, translator, logger)

	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		usr, err := usrSvc.GetByID(r.Context(), r.URL.Query().Get("user"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		srv.Serve(r.Context(), ws, usr)
	}))
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
	})

	f := fixture{
		url:     "ws" + strings.TrimPrefix(ts.URL, "http"),
		chatSvc: chatSvc,
		amani:   testutil.CreateUser(t, usrRepo, "Amani", "amani", "amani@test.cd", "", []string{user.RoleTeacher}, true),
		baraka:  testutil.CreateUser(t, usrRepo, "Baraka", "baraka", "baraka@test.cd", "", []string{user.RoleStudent}, true),
		chiku:   testutil.CreateUser(t, usrRepo, "Chiku", "chiku", "chiku@test.cd", "", []string{user.RoleParent}, true),
	}
	conv, _, err := chatSvc.CreateConversation(context.Background(), f.amani, chat.NewConversation{
		Type:           chat.ConversationDirect,
		ParticipantIDs: []string{f.baraka.ID},
	})
	require.NoError(t, err)
	f.conv = conv
	return f
}

// dial connects as usr and waits until the connection is registered.
func (f fixture) dial(t *testing.T, usr user.User) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(f.url+"?user="+usr.ID, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	ack := request(t, ws, chat.EventLeaveConversation, chat.RoomRequest{ConversationID: "none"}, "sync")
	require.True(t, ack.Success)
	return ws
}

func send(t *testing.T, ws *websocket.Conn, event string, data interface{}, ack string) {
	t.Helper()
	f, err := chat.NewFrame(event, data, ack)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(f))
}

func receive(t *testing.T, ws *websocket.Conn) chat.Frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f chat.Frame
	require.NoError(t, ws.ReadJSON(&f))
	return f
}

// request sends a frame and returns its ack, skipping the events received meanwhile.
func request(t *testing.T, ws *websocket.Conn, event string, data interface{}, ackID string) chat.Ack {
	t.Helper()
	send(t, ws, event, data, ackID)
	for {
		f := receive(t, ws)
		if f.Event != chat.EventAck {
			continue
		}
		require.Equal(t, ackID, f.Ack)
		var ack chat.Ack
		require.NoError(t, json.Unmarshal(f.Data, &ack))
		return ack
	}
}

func assertSilent(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, msg, err := ws.ReadMessage()
	assert.Error(t, err, "unexpected frame: %s", msg)
}

func TestServer_SendMessage(t *testing.T) {
	f := setup(t, core.NewTestConfig().Realtime)
	amaniWS := f.dial(t, f.amani)
	barakaWS := f.dial(t, f.baraka)

	ack := request(t, amaniWS, chat.EventJoinConversation, chat.RoomRequest{ConversationID: f.conv.ID}, "1")
	assert.True(t, ack.Success)
	assert.JSONEq(t, `{"conversationId":"`+f.conv.ID+`"}`, string(ack.Data))

	send(t, barakaWS, chat.EventSendMessage, chat.NewMessage{ConversationID: f.conv.ID, Content: "Habari mwalimu"}, "2")

	// the sender gets the broadcast through their user room, then the ack
	fr := receive(t, barakaWS)
	assert.Equal(t, chat.EventNewMessage, fr.Event)
	fr = receive(t, barakaWS)
	require.Equal(t, chat.EventAck, fr.Event)
	require.Equal(t, "2", fr.Ack)
	var sendAck chat.Ack
	require.NoError(t, json.Unmarshal(fr.Data, &sendAck))
	require.True(t, sendAck.Success)
	var sent chat.Message
	require.NoError(t, json.Unmarshal(sendAck.Data, &sent))
	assert.Equal(t, "Habari mwalimu", sent.Content)
	assert.Equal(t, f.baraka.ID, sent.SenderID)

	// once, although amani is in both the conversation and the user room
	fr = receive(t, amaniWS)
	require.Equal(t, chat.EventNewMessage, fr.Event)
	var got chat.Message
	require.NoError(t, json.Unmarshal(fr.Data, &got))
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, chat.MessageText, got.Type)
	if assert.NotNil(t, got.Sender) {
		assert.Equal(t, "Baraka", got.Sender.Name)
	}
	assertSilent(t, amaniWS)
}

func TestServer_Errors(t *testing.T) {
	f := setup(t, core.NewTestConfig().Realtime)
	chikuWS := f.dial(t, f.chiku)
	barakaWS := f.dial(t, f.baraka)

	tests := []struct {
		name    string
		ws      *websocket.Conn
		event   string
		data    interface{}
		wantErr string
	}{
		{
			name:    "join as outsider",
			ws:      chikuWS,
			event:   chat.EventJoinConversation,
			data:    chat.RoomRequest{ConversationID: f.conv.ID},
			wantErr: "conversation not found",
		},
		{
			name:    "join without conversation",
			ws:      chikuWS,
			event:   chat.EventJoinConversation,
			data:    chat.RoomRequest{},
			wantErr: "malformed payload",
		},
		{
			name:    "send as outsider",
			ws:      chikuWS,
			event:   chat.EventSendMessage,
			data:    chat.NewMessage{ConversationID: f.conv.ID, Content: "hi"},
			wantErr: "conversation not found",
		},
		{
			name:    "blank content",
			ws:      barakaWS,
			event:   chat.EventSendMessage,
			data:    chat.NewMessage{ConversationID: f.conv.ID, Content: "  "},
			wantErr: "content: this field cannot be blank",
		},
		{
			name:    "unknown message type",
			ws:      barakaWS,
			event:   chat.EventSendMessage,
			data:    chat.NewMessage{ConversationID: f.conv.ID, Content: "hi", Type: "video"},
			wantErr: "type",
		},
		{
			name:    "unknown event",
			ws:      barakaWS,
			event:   "typing",
			wantErr: "unknown event",
		},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack := request(t, tt.ws, tt.event, tt.data, string(rune('a'+i)))
			assert.False(t, ack.Success)
			assert.Contains(t, ack.Error, tt.wantErr)
			assert.Empty(t, ack.Data)
		})
	}

	t.Run("without ack id", func(t *testing.T) {
		send(t, barakaWS, "typing", nil, "")
		fr := receive(t, barakaWS)
		require.Equal(t, chat.EventError, fr.Event)
		var payload chat.ErrorPayload
		require.NoError(t, json.Unmarshal(fr.Data, &payload))
		assert.Equal(t, chat.ErrorPayload{Event: "typing", Error: "unknown event"}, payload)
	})

	t.Run("malformed frame", func(t *testing.T) {
		require.NoError(t, barakaWS.WriteMessage(websocket.TextMessage, []byte("jambo")))
		fr := receive(t, barakaWS)
		require.Equal(t, chat.EventError, fr.Event)
		var payload chat.ErrorPayload
		require.NoError(t, json.Unmarshal(fr.Data, &payload))
		assert.Equal(t, "malformed payload", payload.Error)
	})
}

func TestServer_RateLimit(t *testing.T) {
	conf := core.NewTestConfig().Realtime
	conf.SendRate = 0.001
	conf.SendBurst = 2
	f := setup(t, conf)
	ws := f.dial(t, f.amani)

	nm := chat.NewMessage{ConversationID: f.conv.ID, Content: "hi"}
	assert.True(t, request(t, ws, chat.EventSendMessage, nm, "1").Success)
	assert.True(t, request(t, ws, chat.EventSendMessage, nm, "2").Success)

	ack := request(t, ws, chat.EventSendMessage, nm, "3")
	assert.False(t, ack.Success)
	assert.Equal(t, "rate limit exceeded", ack.Error)

	// joining is not limited
	assert.True(t, request(t, ws, chat.EventJoinConversation, chat.RoomRequest{ConversationID: f.conv.ID}, "4").Success)
}

func TestServer_LeaveConversation(t *testing.T) {
	f := setup(t, core.NewTestConfig().Realtime)
	amaniWS := f.dial(t, f.amani)

	room := chat.RoomRequest{ConversationID: f.conv.ID}
	require.True(t, request(t, amaniWS, chat.EventJoinConversation, room, "1").Success)
	require.True(t, request(t, amaniWS, chat.EventLeaveConversation, room, "2").Success)

	// still reached through the user room, once
	_, err := f.chatSvc.SendMessage(context.Background(), f.baraka, chat.NewMessage{ConversationID: f.conv.ID, Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, chat.EventNewMessage, receive(t, amaniWS).Event)
	assertSilent(t, amaniWS)
}
