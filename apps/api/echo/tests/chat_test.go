package tests

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masomo/campus/core/chat"
	"github.com/masomo/campus/core/pagination"
	"github.com/masomo/campus/core/user"
	"github.com/masomo/campus/tests"
)

type chatFixture struct {
	amani  user.User
	baraka user.User
	chiku  user.User
	conv   chat.Conversation
	msgs   []chat.Message // chronological
}

func setupChat(t *testing.T, nMsgs int) chatFixture {
	t.Helper()
	db.Reset()

	f := chatFixture{
		amani:  testutil.CreateUser(t, usrRepo, "Amani", "amani", "amani@test.cd", "", []string{user.RoleTeacher}, true),
		baraka: testutil.CreateUser(t, usrRepo, "Baraka", "baraka", "baraka@test.cd", "", []string{user.RoleStudent}, true),
		chiku:  testutil.CreateUser(t, usrRepo, "Chiku", "chiku", "chiku@test.cd", "", []string{user.RoleParent}, true),
	}

	ctx := context.Background()
	conv, _, err := chatSvc.CreateConversation(ctx, f.amani, chat.NewConversation{
		Type:           chat.ConversationDirect,
		ParticipantIDs: []string{f.baraka.ID},
	})
	require.NoError(t, err)
	f.conv = conv

	for i := 0; i < nMsgs; i++ {
		from := f.amani
		if i%2 == 1 {
			from = f.baraka
		}
		msg, err := chatSvc.SendMessage(ctx, from, chat.NewMessage{ConversationID: conv.ID, Content: "msg " + string(rune('a'+i))})
		require.NoError(t, err)
		f.msgs = append(f.msgs, msg)
		time.Sleep(time.Millisecond) // distinct createdAt
	}
	return f
}

func messageIDs(msgs []chat.Message) []string {
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	return ids
}

func Test_chatApi_listConversations(t *testing.T) {
	f := setupChat(t, 3)
	path := "/api/chat/conversations"

	t.Run("Auth required", func(t *testing.T) {
		req, rec := newRequest(http.MethodGet, path)
		app.ServeHTTP(rec, req)
		checkCodeAndData(t, httpTest{wantCode: http.StatusUnauthorized, wantData: errData(t, errMissingToken)}, rec)
	})

	t.Run("no conversations", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodGet, path, getToken(t, conf, f.chiku))
		app.ServeHTTP(rec, req)
		checkCodeAndData(t, httpTest{wantCode: http.StatusOK, wantData: okData(t, []chat.Conversation{})}, rec)
	})

	t.Run("unread count", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodGet, path, getToken(t, conf, f.amani))
		app.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var convs []chat.Conversation
		decodeData(t, rec, &convs)
		require.Len(t, convs, 1)
		assert.Equal(t, f.conv.ID, convs[0].ID)
		assert.Equal(t, 0, convs[0].UnreadCount) // amani sent the last message
		if assert.NotNil(t, convs[0].LastMessage) {
			assert.Equal(t, f.msgs[2].ID, convs[0].LastMessage.ID)
		}

		req, rec = newAuthRequest(http.MethodGet, path, getToken(t, conf, f.baraka))
		app.ServeHTTP(rec, req)
		decodeData(t, rec, &convs)
		require.Len(t, convs, 1)
		assert.Equal(t, 1, convs[0].UnreadCount)
	})

	t.Run("mark read", func(t *testing.T) {
		token := getToken(t, conf, f.baraka)
		req, rec := newAuthRequest(http.MethodPost, path+"/"+f.conv.ID+"/read", token)
		app.ServeHTTP(rec, req)
		checkCodeAndData(t, httpTest{wantCode: http.StatusOK, wantData: []byte(`{"success":true}`)}, rec)

		req, rec = newAuthRequest(http.MethodGet, path, token)
		app.ServeHTTP(rec, req)
		var convs []chat.Conversation
		decodeData(t, rec, &convs)
		require.Len(t, convs, 1)
		assert.Equal(t, 0, convs[0].UnreadCount)
	})

	t.Run("mark read as outsider", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodPost, path+"/"+f.conv.ID+"/read", getToken(t, conf, f.chiku))
		app.ServeHTTP(rec, req)
		checkCodeAndData(t, httpTest{wantCode: http.StatusNotFound, wantData: errData(t, "conversation not found")}, rec)
	})
}

func Test_chatApi_createConversation(t *testing.T) {
	f := setupChat(t, 0)
	token := getToken(t, conf, f.amani)

	create := func(nc chat.NewConversation) *httptest.ResponseRecorder {
		req, rec := newAuthRequest(http.MethodPost, "/api/chat/conversations", token, marchallObj(t, nc))
		app.ServeHTTP(rec, req)
		return rec
	}

	// existing direct conversation
	rec := create(chat.NewConversation{Type: chat.ConversationDirect, ParticipantIDs: []string{f.baraka.ID}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var conv chat.Conversation
	decodeData(t, rec, &conv)
	assert.Equal(t, f.conv.ID, conv.ID)

	// new group
	rec = create(chat.NewConversation{Type: chat.ConversationGroup, Title: "Form 4 parents", ParticipantIDs: []string{f.baraka.ID, f.chiku.ID}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	decodeData(t, rec, &conv)
	assert.NotEqual(t, f.conv.ID, conv.ID)
	assert.Equal(t, "Form 4 parents", conv.Title)
	assert.Len(t, conv.Participants, 3)

	tests := []httpTest{
		{
			name: "group without title",
			body: marchallObj(t, chat.NewConversation{Type: chat.ConversationGroup, ParticipantIDs: []string{f.baraka.ID}}),
			wantData: errData(t, "validation failed", map[string]string{"title": "a group conversation needs a title"}),
		},
		{
			name: "direct with 2 peers",
			body: marchallObj(t, chat.NewConversation{Type: chat.ConversationDirect, ParticipantIDs: []string{f.baraka.ID, f.chiku.ID}}),
			wantData: errData(t, "validation failed", map[string]string{"participantIds": "a direct conversation needs exactly one other participant"}),
		},
		{
			name: "unknown participant",
			body: marchallObj(t, chat.NewConversation{Type: chat.ConversationDirect, ParticipantIDs: []string{"lol"}}),
			wantData: errData(t, "validation failed", map[string]string{"participantIds": chat.ErrUnknownParticipant.Error() + ": lol"}),
		},
	}
	for _, tt := range tests {
		tt.method = http.MethodPost
		tt.path = "/api/chat/conversations"
		tt.token = token
		tt.wantCode = http.StatusBadRequest

		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(tt.method, tt.path, tt.token, tt.body)
			app.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)
		})
	}
}

func Test_chatApi_listMessages(t *testing.T) {
	f := setupChat(t, 5)
	token := getToken(t, conf, f.baraka)
	path := func(query url.Values) string {
		return "/api/chat/conversations/" + f.conv.ID + "/messages?" + query.Encode()
	}
	cursorOf := func(m chat.Message) string { return m.CreatedAt.UTC().Format(time.RFC3339Nano) }
	strPtr := func(s string) *string { return &s }

	tests := []struct {
		name     string
		query    url.Values
		wantIDs  []string
		wantMeta pagination.Meta
	}{
		{
			name:    "newest first",
			query:   url.Values{"limit": {"2"}},
			wantIDs: messageIDs([]chat.Message{f.msgs[4], f.msgs[3]}),
			wantMeta: pagination.Meta{
				Total: 5, Page: 1, Limit: 2, TotalPages: 3, HasNextPage: true,
				NextCursor: strPtr(cursorOf(f.msgs[3])),
			},
		},
		{
			name:    "older page by cursor",
			query:   url.Values{"limit": {"2"}, "cursor": {cursorOf(f.msgs[3])}},
			wantIDs: messageIDs([]chat.Message{f.msgs[2], f.msgs[1]}),
			wantMeta: pagination.Meta{
				Total: 5, Page: 1, Limit: 2, TotalPages: 3, HasNextPage: true,
				NextCursor: strPtr(cursorOf(f.msgs[1])),
			},
		},
		{
			name:    "cursor wins over page",
			query:   url.Values{"limit": {"2"}, "page": {"3"}, "cursor": {cursorOf(f.msgs[1])}},
			wantIDs: messageIDs([]chat.Message{f.msgs[0]}),
			wantMeta: pagination.Meta{
				Total: 5, Page: 3, Limit: 2, TotalPages: 3, HasPreviousPage: true,
				NextCursor: strPtr(cursorOf(f.msgs[0])),
			},
		},
		{
			name:    "gap fill after cursor",
			query:   url.Values{"sortOrder": {"asc"}, "cursor": {cursorOf(f.msgs[2])}},
			wantIDs: messageIDs([]chat.Message{f.msgs[3], f.msgs[4]}),
			wantMeta: pagination.Meta{
				Total: 5, Page: 1, Limit: 20, TotalPages: 1,
				NextCursor: strPtr(cursorOf(f.msgs[4])),
			},
		},
		{
			name:     "beyond last page",
			query:    url.Values{"limit": {"2"}, "page": {"4"}},
			wantIDs:  []string{},
			wantMeta: pagination.Meta{Total: 5, Page: 4, Limit: 2, TotalPages: 3, HasPreviousPage: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(http.MethodGet, path(tt.query), token)
			app.ServeHTTP(rec, req)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			var page chat.MessagePage
			decodeData(t, rec, &page)
			assert.Equal(t, tt.wantIDs, messageIDs(page.Messages))
			assert.Equal(t, tt.wantMeta, page.Meta)
		})
	}

	errTests := []httpTest{
		{
			name: "outsider", path: path(nil), token: getToken(t, conf, f.chiku),
			wantCode: http.StatusNotFound, wantData: errData(t, "conversation not found"),
		},
		{
			name: "unknown conversation", path: "/api/chat/conversations/lol/messages", token: token,
			wantCode: http.StatusNotFound, wantData: errData(t, "conversation not found"),
		},
		{
			name: "invalid cursor", path: path(url.Values{"cursor": {"yesterday"}}), token: token,
			wantCode: http.StatusBadRequest, wantData: errData(t, "validation failed", map[string]string{"cursor": chat.ErrInvalidCursor.Error()}),
		},
		{
			name: "unknown sortBy", path: path(url.Values{"sortBy": {"content"}}), token: token,
			wantCode: http.StatusBadRequest, wantData: errData(t, "validation failed", map[string]string{"sortBy": chat.ErrInvalidSortBy.Error()}),
		},
		{
			name: "negative page", path: path(url.Values{"page": {"-1"}}), token: token,
			wantCode: http.StatusBadRequest, wantData: errData(t, "validation failed", map[string]string{"page": "page must be 1 or greater"}),
		},
	}
	for _, tt := range errTests {
		tt.method = http.MethodGet

		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(tt.method, tt.path, tt.token, tt.body)
			app.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)
		})
	}
}

func Test_chatApi_sendMessage(t *testing.T) {
	f := setupChat(t, 0)
	path := "/api/chat/conversations/" + f.conv.ID + "/messages"

	send := func(usr user.User, nm chat.NewMessage) *httptest.ResponseRecorder {
		req, rec := newAuthRequest(http.MethodPost, path, getToken(t, conf, usr), marchallObj(t, nm))
		app.ServeHTTP(rec, req)
		return rec
	}

	rec := send(f.baraka, chat.NewMessage{Content: "Habari mwalimu", Type: chat.MessageText})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var msg chat.Message
	decodeData(t, rec, &msg)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, f.conv.ID, msg.ConversationID)
	assert.Equal(t, f.baraka.ID, msg.SenderID)
	assert.False(t, msg.CreatedAt.IsZero())

	rec = send(f.chiku, chat.NewMessage{Content: "hi"})
	checkCodeAndData(t, httpTest{wantCode: http.StatusNotFound, wantData: errData(t, "conversation not found")}, rec)

	rec = send(f.baraka, chat.NewMessage{Content: " "})
	checkCodeAndData(t, httpTest{
		wantCode: http.StatusBadRequest,
		wantData: errData(t, "validation failed", map[string]string{"content": "this field cannot be blank"}),
	}, rec)

	rec = send(f.baraka, chat.NewMessage{Content: "hi", Type: "video"})
	checkCodeAndData(t, httpTest{
		wantCode: http.StatusBadRequest,
		wantData: errData(t, "validation failed", map[string]string{"type": "invalid message type"}),
	}, rec)
}

func Test_websocket(t *testing.T) {
	f := setupChat(t, 0)
	srv := httptest.NewServer(app)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"

	t.Run("token required", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.Error(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("invalid token", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL+"?token=lol", nil)
		require.Error(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("message sent over HTTP reaches the socket", func(t *testing.T) {
		ws, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+getToken(t, conf, f.amani), nil)
		require.NoError(t, err)
		defer ws.Close()

		join, err := chat.NewFrame(chat.EventJoinConversation, chat.RoomRequest{ConversationID: f.conv.ID}, "1")
		require.NoError(t, err)
		require.NoError(t, ws.WriteJSON(join))

		var fr chat.Frame
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
		require.NoError(t, ws.ReadJSON(&fr))
		require.Equal(t, chat.EventAck, fr.Event)

		req, rec := newAuthRequest(http.MethodPost, "/api/chat/conversations/"+f.conv.ID+"/messages",
			getToken(t, conf, f.baraka), marchallObj(t, chat.NewMessage{Content: "Shikamoo"}))
		app.ServeHTTP(rec, req)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		require.NoError(t, ws.ReadJSON(&fr))
		require.Equal(t, chat.EventNewMessage, fr.Event)
		var msg chat.Message
		require.NoError(t, json.Unmarshal(fr.Data, &msg))
		assert.Equal(t, "Shikamoo", msg.Content)
		assert.Equal(t, f.baraka.ID, msg.SenderID)
	})
}

func Test_metrics(t *testing.T) {
	req, rec := newRequest(http.MethodGet, "/metrics")
	app.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "masomo_realtime_connections")
}
