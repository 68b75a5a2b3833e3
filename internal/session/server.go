package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aelexs/socket-gateway/internal/domain"
	"github.com/aelexs/socket-gateway/internal/errmap"
)

// Config configures a Server. Zero values fall back to domain defaults.
type Config struct {
	Logger             *slog.Logger
	Clock              domain.Clock
	OutboundBufferSize int
	HeartbeatInterval  time.Duration
	HeartbeatTimeout   time.Duration
	MaxEventSize       int64

	// CheckOrigin is passed to the WebSocket upgrader. Nil accepts any
	// origin; socket clients are not authenticated by the gateway.
	CheckOrigin func(r *http.Request) bool
}

// Server accepts WebSocket connections and tracks their sessions.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu        sync.RWMutex
	sessions  map[domain.SessionID]*Session
	rooms     map[string]map[domain.SessionID]*Session
	adapter   Adapter
	onConnect []func(*Session)
	closed    bool

	wg sync.WaitGroup
}

// NewServer creates a session layer with the local-only adapter.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = domain.RealClock{}
	}
	if cfg.OutboundBufferSize <= 0 {
		cfg.OutboundBufferSize = domain.OutboundBufferSize
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = domain.HeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = domain.HeartbeatTimeout
	}
	if cfg.MaxEventSize <= 0 {
		cfg.MaxEventSize = domain.MaxEventSize
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		sessions: make(map[domain.SessionID]*Session),
		rooms:    make(map[string]map[domain.SessionID]*Session),
	}
	s.adapter = localAdapter{local: s}
	return s
}

// SetAdapter replaces the broadcast adapter. Passing nil restores the
// local-only adapter.
func (s *Server) SetAdapter(a Adapter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a == nil {
		a = localAdapter{local: s}
	}
	s.adapter = a
}

// Adapter returns the active broadcast adapter.
func (s *Server) Adapter() Adapter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.adapter
}

// OnConnect registers a hook fired once per accepted session, before any of
// its frames are read. Handlers registered on the session inside the hook
// therefore see every event the client sends.
func (s *Server) OnConnect(fn func(*Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = append(s.onConnect, fn)
}

// Emit broadcasts an event to every session on every node sharing the adapter.
func (s *Server) Emit(ctx context.Context, name domain.EventName, payload []byte) error {
	return s.broadcast(ctx, Event{Name: name, Payload: payload, Origin: OriginLocal})
}

// To targets a broadcast at one room.
func (s *Server) To(room string) *RoomEmitter {
	return &RoomEmitter{server: s, room: room}
}

// RoomEmitter emits to the sessions joined to one room.
type RoomEmitter struct {
	server *Server
	room   string
}

// Emit broadcasts an event to the room on every node sharing the adapter.
func (r *RoomEmitter) Emit(ctx context.Context, name domain.EventName, payload []byte) error {
	return r.server.broadcast(ctx, Event{Name: name, Payload: payload, Room: r.room, Origin: OriginLocal})
}

func (s *Server) broadcast(ctx context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	return s.Adapter().Broadcast(ctx, ev)
}

// Deliver queues ev to the matching local sessions and returns how many
// received it. It never consults the adapter.
func (s *Server) Deliver(ev Event) int {
	data, err := ev.frame()
	if err != nil {
		s.logger.Error("drop undeliverable event",
			slog.String("event", string(ev.Name)),
			slog.String("error", err.Error()),
		)
		return 0
	}

	targets := s.targets(ev.Room, ev.Except)
	delivered := 0
	for _, sess := range targets {
		if err := sess.enqueue(data); err != nil {
			continue
		}
		delivered++
	}
	eventsDeliveredTotal.Add(context.Background(), int64(delivered))
	return delivered
}

func (s *Server) targets(room string, except domain.SessionID) []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.sessions
	if room != "" {
		set = s.rooms[room]
	}
	out := make([]*Session, 0, len(set))
	for id, sess := range set {
		if id == except {
			continue
		}
		out = append(out, sess)
	}
	return out
}

// Session returns the connected session with the given ID.
func (s *Server) Session(id domain.SessionID) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	return sess, nil
}

// Len returns the number of connected sessions.
func (s *Server) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// RoomSize returns the number of local sessions joined to room.
func (s *Server) RoomSize(room string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms[room])
}

// ServeHTTP upgrades the request and runs the session until it disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		writeHTTPError(w, fmt.Errorf("session layer closed: %w", domain.ErrUnavailable))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		s.logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	sess := newSession(s, conn)
	if !s.register(sess) {
		sess.Close(errmap.CloseServerShutdown)
		_ = conn.Close()
		return
	}
	defer s.wg.Done()

	s.run(r.Context(), sess)
}

// register adds sess and takes a WaitGroup slot. It refuses once Close has
// started so Close never waits on a session it did not see.
func (s *Server) register(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[sess.id] = sess
	s.wg.Add(1)
	return true
}

func (s *Server) unregister(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess.id)
	for room := range sess.rooms {
		s.leaveLocked(sess, room)
	}
}

func (s *Server) join(sess *Session, room string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.id]; !ok {
		return
	}
	members, ok := s.rooms[room]
	if !ok {
		members = make(map[domain.SessionID]*Session)
		s.rooms[room] = members
	}
	members[sess.id] = sess
	sess.rooms[room] = struct{}{}
}

func (s *Server) leave(sess *Session, room string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaveLocked(sess, room)
}

func (s *Server) leaveLocked(sess *Session, room string) {
	delete(sess.rooms, room)
	members, ok := s.rooms[room]
	if !ok {
		return
	}
	delete(members, sess.id)
	if len(members) == 0 {
		delete(s.rooms, room)
	}
}

func (s *Server) connectHooks() []func(*Session) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append(([]func(*Session))(nil), s.onConnect...)
}

// Close disconnects every session with server_shutdown and waits for their
// disconnect hooks to finish or ctx to expire. New upgrades are refused.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	open := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()

	for _, sess := range open {
		sess.Close(errmap.CloseServerShutdown)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close sessions: %w", ctx.Err())
	}
}

func writeHTTPError(w http.ResponseWriter, err error) {
	he := errmap.ToHTTPError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(he.StatusCode)
	_ = json.NewEncoder(w).Encode(he)
}
