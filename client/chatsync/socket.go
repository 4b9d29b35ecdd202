package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/masomo/campus/core"
	"github.com/masomo/campus/core/chat"
)

const (
	writeWait = 10 * time.Second
	// the server pings every 54s
	readWait = 70 * time.Second
)

var (
	ErrNotConnected = errors.New("socket not connected")
	ErrDisconnected = errors.New("socket disconnected before the ack arrived")
)

// AckError is returned by EmitWithAck when the server rejected the event.
type AckError struct {
	Event   string
	Message string
}

func (e *AckError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Event, e.Message)
}

type handler struct {
	id int
	fn func(json.RawMessage)
}

// Socket is the PushChannel of the Masomo realtime server. It redials with exponential backoff when the
// connection drops, until Close is called or the server refuses the credentials.
// Handlers run on the reader goroutine and must not wait for acks.
type Socket struct {
	url        string
	header     http.Header
	dialer     *websocket.Dialer
	newBackOff func() backoff.BackOff
	logger     core.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	ws          *websocket.Conn
	handlers    map[string][]handler
	onReconnect []handler
	nextID      int
	pending     map[string]chan chat.Ack

	wmu sync.Mutex // one writer at a time
}

var _ PushChannel = (*Socket)(nil)

// SocketOption configures a Socket.
type SocketOption func(*Socket)

// WithBackOff sets the reconnection policy. newBackOff is called once per disconnection.
func WithBackOff(newBackOff func() backoff.BackOff) SocketOption {
	return func(s *Socket) { s.newBackOff = newBackOff }
}

func WithDialer(dialer *websocket.Dialer) SocketOption {
	return func(s *Socket) { s.dialer = dialer }
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // retry until closed
	return b
}

// DialSocket connects to the websocket endpoint at url, eg. `ws://localhost:8000/api/ws`, authenticated
// with the JWT token.
func DialSocket(ctx context.Context, url, token string, logger core.Logger, opts ...SocketOption) (*Socket, error) {
	sctx, cancel := context.WithCancel(context.Background())
	s := &Socket{
		url:        url,
		header:     http.Header{"Authorization": []string{"Bearer " + token}},
		dialer:     websocket.DefaultDialer,
		newBackOff: defaultBackOff,
		logger:     logger,
		ctx:        sctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		handlers:   make(map[string][]handler),
		pending:    make(map[string]chan chat.Ack),
	}
	for _, opt := range opts {
		opt(s)
	}

	ws, err := s.dial(ctx)
	if err != nil {
		cancel()
		return nil, errors.Wrapf(err, "dialing %s", url)
	}
	go s.run(ws)
	return s, nil
}

func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws != nil
}

func (s *Socket) On(event string, fn func(json.RawMessage)) (off func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.handlers[event] = append(s.handlers[event], handler{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.handlers[event] = removeHandler(s.handlers[event], id)
	}
}

func (s *Socket) OnReconnect(fn func()) (off func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.onReconnect = append(s.onReconnect, handler{id: id, fn: func(json.RawMessage) { fn() }})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.onReconnect = removeHandler(s.onReconnect, id)
	}
}

func removeHandler(hs []handler, id int) []handler {
	kept := make([]handler, 0, len(hs))
	for _, h := range hs {
		if h.id != id {
			kept = append(kept, h)
		}
	}
	return kept
}

func (s *Socket) Emit(ctx context.Context, event string, data interface{}) error {
	f, err := chat.NewFrame(event, data)
	if err != nil {
		return errors.Wrap(err, "encoding frame")
	}
	return s.write(ctx, f)
}

// EmitWithAck sends the event and waits for the server's ack. A rejected event returns the ack along
// with an *AckError.
func (s *Socket) EmitWithAck(ctx context.Context, event string, data interface{}) (chat.Ack, error) {
	id := uuid.NewString()
	f, err := chat.NewFrame(event, data, id)
	if err != nil {
		return chat.Ack{}, errors.Wrap(err, "encoding frame")
	}

	ch := make(chan chat.Ack, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.write(ctx, f); err != nil {
		return chat.Ack{}, err
	}

	select {
	case ack, ok := <-ch:
		if !ok {
			return chat.Ack{}, ErrDisconnected
		}
		if !ack.Success {
			return ack, &AckError{Event: event, Message: ack.Error}
		}
		return ack, nil
	case <-ctx.Done():
		return chat.Ack{}, ctx.Err()
	}
}

// Close stops reconnecting and closes the connection.
func (s *Socket) Close() error {
	s.cancel()

	s.mu.Lock()
	ws := s.ws
	s.mu.Unlock()
	if ws != nil {
		s.wmu.Lock()
		_ = ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		s.wmu.Unlock()
		_ = ws.Close()
	}
	<-s.done
	return nil
}

func (s *Socket) write(ctx context.Context, f chat.Frame) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "encoding frame")
	}

	s.mu.Lock()
	ws := s.ws
	s.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = ws.SetWriteDeadline(deadline)
	return errors.Wrapf(ws.WriteMessage(websocket.TextMessage, raw), "writing %s", f.Event)
}

func (s *Socket) dial(ctx context.Context) (*websocket.Conn, error) {
	ws, resp, err := s.dialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, backoff.Permanent(errors.Wrapf(err, "status %d", resp.StatusCode))
		}
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		_ = ws.Close()
		return nil, s.ctx.Err()
	}
	ws.SetReadLimit(64 * 1024)
	_ = ws.SetReadDeadline(time.Now().Add(readWait))
	ws.SetPingHandler(func(appData string) error {
		_ = ws.SetReadDeadline(time.Now().Add(readWait))
		err := ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	s.ws = ws
	return ws, nil
}

// run reads the connection and redials it until the socket is closed.
func (s *Socket) run(ws *websocket.Conn) {
	defer close(s.done)
	for {
		s.read(ws)
		s.disconnect(ws)
		if s.ctx.Err() != nil {
			return
		}

		var err error
		ws, err = s.redial()
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Error("giving up reconnecting", errors.Wrap(err, "redialing socket"))
			}
			return
		}
		s.mu.Lock()
		hs := append([]handler(nil), s.onReconnect...)
		s.mu.Unlock()
		for _, h := range hs {
			h.fn(nil)
		}
	}
}

func (s *Socket) redial() (*websocket.Conn, error) {
	var ws *websocket.Conn
	err := backoff.RetryNotify(
		func() (err error) {
			ws, err = s.dial(s.ctx)
			return err
		},
		backoff.WithContext(s.newBackOff(), s.ctx),
		func(err error, wait time.Duration) {
			s.logger.Warn(fmt.Sprintf("socket reconnection failed, retrying in %s", wait), err)
		},
	)
	return ws, err
}

func (s *Socket) read(ws *websocket.Conn) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Warn("socket connection lost", errors.Wrap(err, "reading frame"))
			}
			return
		}

		var f chat.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			s.logger.Warn("dropping malformed frame", errors.Wrap(err, "decoding frame"))
			continue
		}
		s.dispatch(f)
	}
}

func (s *Socket) dispatch(f chat.Frame) {
	if f.Event == chat.EventAck {
		var ack chat.Ack
		if err := json.Unmarshal(f.Data, &ack); err != nil {
			s.logger.Warn("dropping malformed ack", errors.Wrap(err, "decoding ack"))
			return
		}
		s.mu.Lock()
		ch, ok := s.pending[f.Ack]
		s.mu.Unlock()
		if ok {
			select {
			case ch <- ack:
			default: // duplicate ack
			}
		}
		return
	}

	if f.Event == chat.EventError {
		var payload chat.ErrorPayload
		if err := json.Unmarshal(f.Data, &payload); err == nil {
			s.logger.Warn(fmt.Sprintf("server rejected %s: %s", payload.Event, payload.Error))
		}
	}

	s.mu.Lock()
	hs := append([]handler(nil), s.handlers[f.Event]...)
	s.mu.Unlock()
	for _, h := range hs {
		h.fn(f.Data)
	}
}

// disconnect fails the pending acks of ws.
func (s *Socket) disconnect(ws *websocket.Conn) {
	s.mu.Lock()
	if s.ws == ws {
		s.ws = nil
	}
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	s.mu.Unlock()
	_ = ws.Close()
}
