package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aelexs/socket-gateway/internal/domain"
	"github.com/aelexs/socket-gateway/internal/errmap"
	"github.com/aelexs/socket-gateway/pkg/protocol"
)

// closeWriteTimeout bounds the close frame write so a stuck client cannot
// hold up a broadcast or shutdown.
const closeWriteTimeout = time.Second

// State is the lifecycle state of a session.
type State int32

const (
	StateConnected State = iota
	StateDisconnected
)

func (st State) String() string {
	if st == StateConnected {
		return "connected"
	}
	return "disconnected"
}

// Handler handles one client event. payload holds the data bytes the client
// sent (base64 data already decoded), or nil when the frame carried none.
type Handler func(ctx context.Context, payload []byte)

// Session is one connected client.
type Session struct {
	id          domain.SessionID
	server      *Server
	conn        *websocket.Conn
	logger      *slog.Logger
	connectedAt time.Time

	send       chan []byte
	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
	closeWith  errmap.WebSocketClose
	state      atomic.Int32

	mu           sync.Mutex
	handlers     map[domain.EventName][]Handler
	onDisconnect []func(reason string)

	// rooms is guarded by server.mu.
	rooms map[string]struct{}
}

func newSession(s *Server, conn *websocket.Conn) *Session {
	id := domain.GenerateSessionID()
	return &Session{
		id:          id,
		server:      s,
		conn:        conn,
		logger:      s.logger.With(slog.String("session_id", id.String())),
		connectedAt: s.cfg.Clock.Now(),
		send:        make(chan []byte, s.cfg.OutboundBufferSize),
		done:        make(chan struct{}),
		writerDone:  make(chan struct{}),
		handlers:    make(map[domain.EventName][]Handler),
		rooms:       make(map[string]struct{}),
	}
}

// ID returns the session identifier assigned on accept.
func (sess *Session) ID() domain.SessionID { return sess.id }

// ConnectedAt returns when the session was accepted.
func (sess *Session) ConnectedAt() time.Time { return sess.connectedAt }

// RemoteAddr returns the client's network address.
func (sess *Session) RemoteAddr() net.Addr { return sess.conn.RemoteAddr() }

// State reports whether the session is still connected.
func (sess *Session) State() State { return State(sess.state.Load()) }

// On registers a handler for a client event. Multiple handlers for the same
// event run in registration order.
func (sess *Session) On(name domain.EventName, h Handler) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.handlers[name] = append(sess.handlers[name], h)
}

// OnDisconnect registers a hook fired once when the session ends.
func (sess *Session) OnDisconnect(fn func(reason string)) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.onDisconnect = append(sess.onDisconnect, fn)
}

// Emit sends an event to this client only.
func (sess *Session) Emit(name domain.EventName, payload []byte) error {
	ev := Event{Name: name, Payload: payload}
	if err := ev.Validate(); err != nil {
		return err
	}
	data, err := ev.frame()
	if err != nil {
		return err
	}
	return sess.enqueue(data)
}

// Broadcast emits to every session on every node except this one.
func (sess *Session) Broadcast(ctx context.Context, name domain.EventName, payload []byte) error {
	return sess.server.broadcast(ctx, Event{Name: name, Payload: payload, Except: sess.id, Origin: OriginLocal})
}

// Join adds the session to a room.
func (sess *Session) Join(room string) {
	sess.server.join(sess, room)
}

// Leave removes the session from a room.
func (sess *Session) Leave(room string) {
	sess.server.leave(sess, room)
}

// Rooms returns the rooms this session has joined, sorted.
func (sess *Session) Rooms() []string {
	sess.server.mu.RLock()
	defer sess.server.mu.RUnlock()
	out := make([]string, 0, len(sess.rooms))
	for room := range sess.rooms {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

// Close sends a close frame with wc and tears the connection down. Safe to
// call more than once and from any goroutine; only the first call counts.
func (sess *Session) Close(wc errmap.WebSocketClose) {
	if !sess.markClosed(wc) {
		return
	}
	sess.closeConn(wc)
}

// closeConn may block for closeWriteTimeout when the client stopped reading.
func (sess *Session) closeConn(wc errmap.WebSocketClose) {
	msg := websocket.FormatCloseMessage(wc.Code, wc.Reason)
	_ = sess.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
	_ = sess.conn.Close()
}

func (sess *Session) markClosed(wc errmap.WebSocketClose) bool {
	first := false
	sess.closeOnce.Do(func() {
		first = true
		sess.closeWith = wc
		close(sess.done)
	})
	return first
}

// enqueue never blocks: a full buffer drops the session as a slow consumer.
// The close frame is written on its own goroutine so broadcasts and the
// relay loop are not held up by a stalled socket.
func (sess *Session) enqueue(data []byte) error {
	select {
	case <-sess.done:
		return domain.ErrSessionClosed
	default:
	}

	select {
	case sess.send <- data:
		return nil
	case <-sess.done:
		return domain.ErrSessionClosed
	default:
		slowConsumersTotal.Add(context.Background(), 1)
		sess.logger.Warn("dropping slow consumer", slog.Int("buffered", len(sess.send)))
		wc := errmap.ToWebSocketClose(domain.ErrSlowConsumer)
		if sess.markClosed(wc) {
			go sess.closeConn(wc)
		}
		return domain.ErrSlowConsumer
	}
}

// run drives the session from accept to disconnect on the request goroutine.
func (s *Server) run(ctx context.Context, sess *Session) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sessionsActive.Add(ctx, 1)
	sessionsTotal.Add(ctx, 1)
	defer sessionsActive.Add(context.Background(), -1)

	go sess.writePump()

	ack := protocol.MustFrame(protocol.FrameTypeConnectionAck, protocol.ConnectionAck{
		SessionID:           sess.id.String(),
		HeartbeatIntervalMs: s.cfg.HeartbeatInterval.Milliseconds(),
		ConnectedAt:         sess.connectedAt.UTC().UnixMilli(),
	})
	if data, err := json.Marshal(ack); err == nil {
		_ = sess.enqueue(data)
	}

	for _, fn := range s.connectHooks() {
		fn(sess)
	}

	reason := sess.readPump(ctx)

	s.unregister(sess)
	sess.state.Store(int32(StateDisconnected))
	cancel()
	<-sess.writerDone

	sess.mu.Lock()
	hooks := append(([]func(string))(nil), sess.onDisconnect...)
	sess.mu.Unlock()
	for _, fn := range hooks {
		fn(reason)
	}
}

func (sess *Session) writePump() {
	defer close(sess.writerDone)

	ticker := time.NewTicker(sess.server.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.done:
			return
		case data := <-sess.send:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(domain.OutboundWriteTimeout))
			if err := sess.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = sess.conn.Close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(domain.OutboundWriteTimeout)
			if err := sess.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = sess.conn.Close()
				return
			}
		}
	}
}

// readPump reads frames until the connection fails and returns the
// disconnect reason.
func (sess *Session) readPump(ctx context.Context) string {
	timeout := sess.server.cfg.HeartbeatTimeout
	sess.conn.SetReadLimit(sess.server.cfg.MaxEventSize)
	_ = sess.conn.SetReadDeadline(time.Now().Add(timeout))
	sess.conn.SetPongHandler(func(string) error {
		return sess.conn.SetReadDeadline(time.Now().Add(timeout))
	})

	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			return sess.disconnectReason(err)
		}
		if err := sess.handleFrame(ctx, data); err != nil {
			sess.logger.Debug("closing session on bad frame", slog.String("error", err.Error()))
			sess.Close(errmap.ToWebSocketClose(err))
		}
	}
}

func (sess *Session) disconnectReason(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		sess.Close(errmap.ToWebSocketClose(domain.ErrEventTooLarge))
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		sess.markClosed(errmap.WebSocketClose{Code: errmap.CloseNormalClosure, Reason: "client_closed"})
	case errors.As(err, &netErr) && netErr.Timeout():
		sess.Close(errmap.CloseHeartbeatLost)
	default:
		sess.markClosed(errmap.WebSocketClose{Code: errmap.CloseGoingAway, Reason: "transport_error"})
	}
	_ = sess.conn.Close()
	return sess.closeWith.Reason
}

func (sess *Session) handleFrame(ctx context.Context, data []byte) error {
	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		return err
	}

	switch frame.Type {
	case protocol.FrameTypeEvent:
		var ev protocol.Event
		if err := frame.ParsePayload(&ev); err != nil {
			return fmt.Errorf("%w: event payload: %w", domain.ErrInvalidFrame, err)
		}
		name := domain.EventName(ev.Event)
		if err := domain.ValidateEventName(name); err != nil {
			sess.sendError(fmt.Errorf("event %q: %w", name, err))
			return nil
		}
		payload, err := ev.Bytes()
		if err != nil {
			sess.sendError(fmt.Errorf("event %q: %w", name, err))
			return nil
		}
		eventsReceivedTotal.Add(ctx, 1)
		sess.dispatch(ctx, name, payload)

	case protocol.FrameTypeJoin, protocol.FrameTypeLeave:
		var room protocol.Room
		if err := frame.ParsePayload(&room); err != nil {
			return fmt.Errorf("%w: room payload: %w", domain.ErrInvalidFrame, err)
		}
		if room.Room == "" {
			sess.sendError(fmt.Errorf("%s without room: %w", frame.Type, domain.ErrInvalidEvent))
			return nil
		}
		if frame.Type == protocol.FrameTypeJoin {
			sess.Join(room.Room)
		} else {
			sess.Leave(room.Room)
		}

	default:
		sess.sendError(fmt.Errorf("%w: %q", domain.ErrUnknownFrame, frame.Type))
	}
	return nil
}

func (sess *Session) dispatch(ctx context.Context, name domain.EventName, payload []byte) {
	sess.mu.Lock()
	handlers := append([]Handler(nil), sess.handlers[name]...)
	sess.mu.Unlock()

	if len(handlers) == 0 {
		sess.logger.Debug("no handler for event", slog.String("event", string(name)))
		return
	}
	for _, h := range handlers {
		h(ctx, payload)
	}
}

func (sess *Session) sendError(err error) {
	he := errmap.ToHTTPError(err)
	f, ferr := protocol.NewFrame(protocol.FrameTypeError, protocol.Error{Code: he.Code, Message: he.Message})
	if ferr != nil {
		return
	}
	data, merr := json.Marshal(f)
	if merr != nil {
		return
	}
	_ = sess.enqueue(data)
}
