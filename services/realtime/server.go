package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/masomo/campus/core"
	"github.com/masomo/campus/core/chat"
	"github.com/masomo/campus/core/user"
)

var (
	errRateLimited  = errors.New("rate limit exceeded")
	errUnknownEvent = errors.New("unknown event")
	errBadPayload   = errors.New("malformed payload")
	errInternal     = errors.New("internal error")
)

// Server handles the socket connections of authenticated users.
type Server struct {
	hub        *Hub
	chatSvc    chat.Service
	conf       core.RealtimeConfig
	translator ut.Translator
	logger     core.Logger
}

func NewServer(hub *Hub, chatSvc chat.Service, conf core.RealtimeConfig, translator ut.Translator, logger core.Logger) *Server {
	return &Server{
		hub:        hub,
		chatSvc:    chatSvc,
		conf:       conf,
		translator: translator,
		logger:     logger,
	}
}

// Serve runs the connection until the peer goes away. The user room is joined automatically.
func (s *Server) Serve(ctx context.Context, ws *websocket.Conn, usr user.User) {
	burst := s.conf.SendBurst
	if burst < 1 {
		burst = 1
	}
	bufSize := s.conf.SendBufferSize
	if bufSize < 1 {
		bufSize = 256
	}
	c := newConn(ws, usr, rate.NewLimiter(rate.Limit(s.conf.SendRate), burst), bufSize)

	s.hub.register(c)
	s.hub.join(c, chat.UserRoom(usr.ID))
	defer s.hub.unregister(c)

	go c.writer()
	s.reader(ctx, c)
}

func (s *Server) reader(ctx context.Context, c *conn) {
	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug(fmt.Sprintf("socket closed: %v", err), c.user)
			}
			return
		}

		var f chat.Frame
		if err = json.Unmarshal(raw, &f); err != nil || f.Event == "" {
			s.reply(c, chat.Frame{}, nil, errBadPayload)
			continue
		}
		s.hub.metrics.inbound.WithLabelValues(f.Event).Inc()
		s.handle(ctx, c, f)
	}
}

func (s *Server) handle(ctx context.Context, c *conn, f chat.Frame) {
	switch f.Event {
	case chat.EventJoinConversation:
		var req chat.RoomRequest
		if err := json.Unmarshal(f.Data, &req); err != nil || req.ConversationID == "" {
			s.reply(c, f, nil, errBadPayload)
			return
		}
		ok, err := s.chatSvc.IsParticipant(ctx, req.ConversationID, c.user.ID)
		if err != nil {
			s.reply(c, f, nil, errors.Wrap(err, "checking participant"))
			return
		}
		if !ok {
			s.reply(c, f, nil, chat.ErrNotFound)
			return
		}
		s.hub.join(c, chat.ConversationRoom(req.ConversationID))
		s.reply(c, f, req, nil)

	case chat.EventLeaveConversation:
		var req chat.RoomRequest
		if err := json.Unmarshal(f.Data, &req); err != nil || req.ConversationID == "" {
			s.reply(c, f, nil, errBadPayload)
			return
		}
		s.hub.leave(c, chat.ConversationRoom(req.ConversationID))
		s.reply(c, f, req, nil)

	case chat.EventSendMessage:
		if !c.limiter.Allow() {
			s.reply(c, f, nil, errRateLimited)
			return
		}
		var nm chat.NewMessage
		if err := json.Unmarshal(f.Data, &nm); err != nil {
			s.reply(c, f, nil, errBadPayload)
			return
		}
		msg, err := s.chatSvc.SendMessage(ctx, c.user, nm)
		s.reply(c, f, msg, err)

	default:
		s.reply(c, f, nil, errUnknownEvent)
	}
}

// reply acks the frame when it carries an ack id. Without one, only errors are reported, as EventError.
func (s *Server) reply(c *conn, f chat.Frame, data interface{}, err error) {
	var out chat.Frame
	switch {
	case f.Ack != "":
		ack := chat.Ack{Success: err == nil}
		if err != nil {
			ack.Error = s.describe(err, c.user)
		} else if data != nil {
			raw, mErr := json.Marshal(data)
			if mErr != nil {
				ack = chat.Ack{Error: s.describe(mErr, c.user)}
			} else {
				ack.Data = raw
			}
		}
		out, err = chat.NewFrame(chat.EventAck, ack, f.Ack)
	case err != nil:
		out, err = chat.NewFrame(chat.EventError, chat.ErrorPayload{Event: f.Event, Error: s.describe(err, c.user)})
	default:
		return
	}
	if err != nil {
		s.logger.Error("encoding reply", errors.Wrap(err, "encoding reply"), c.user)
		return
	}

	msg, err := json.Marshal(out)
	if err != nil {
		s.logger.Error("encoding reply", errors.Wrap(err, "encoding reply"), c.user)
		return
	}
	s.hub.deliver(c, msg)
}

// describe turns err into a message fit for the client. Unexpected errors are logged and hidden.
func (s *Server) describe(err error, usr user.User) string {
	switch origErr := errors.Cause(err).(type) {
	case validator.ValidationErrors:
		msgs := make([]string, 0, len(origErr))
		for _, fe := range origErr {
			msgs = append(msgs, fe.Field()+": "+fe.Translate(s.translator))
		}
		return strings.Join(msgs, "; ")
	case *core.ValidationError:
		if len(origErr.Fields) == 0 {
			return origErr.Error()
		}
		msgs := make([]string, 0, len(origErr.Fields))
		for _, fe := range origErr.Fields {
			msgs = append(msgs, fe.Field+": "+fe.Error)
		}
		return strings.Join(msgs, "; ")
	}

	switch errors.Cause(err) {
	case chat.ErrNotFound, errRateLimited, errUnknownEvent, errBadPayload:
		return errors.Cause(err).Error()
	}
	s.logger.Error("socket request failed", err, usr)
	return errInternal.Error()
}
