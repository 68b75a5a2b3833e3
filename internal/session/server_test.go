package session_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelexs/socket-gateway/internal/domain"
	"github.com/aelexs/socket-gateway/internal/domain/domaintest"
	"github.com/aelexs/socket-gateway/internal/errmap"
	"github.com/aelexs/socket-gateway/internal/session"
	"github.com/aelexs/socket-gateway/pkg/protocol"
)

const waitFor = 2 * time.Second

func newTestServer(t *testing.T, cfg session.Config) (*session.Server, *httptest.Server) {
	t.Helper()
	srv := session.NewServer(cfg)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = srv.Close(ctx)
		ts.Close()
	})
	return srv, ts
}

// dial connects a client and consumes the connection_ack frame.
func dial(t *testing.T, ts *httptest.Server) (*websocket.Conn, protocol.ConnectionAck) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })

	frame := readFrame(t, conn)
	require.Equal(t, protocol.FrameTypeConnectionAck, frame.Type)
	var ack protocol.ConnectionAck
	require.NoError(t, frame.ParsePayload(&ack))
	return conn, ack
}

func readFrame(t *testing.T, conn *websocket.Conn) *protocol.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	frame, err := protocol.DecodeFrame(data)
	require.NoError(t, err)
	return frame
}

func readEvent(t *testing.T, conn *websocket.Conn) protocol.Event {
	t.Helper()
	frame := readFrame(t, conn)
	require.Equal(t, protocol.FrameTypeEvent, frame.Type)
	var ev protocol.Event
	require.NoError(t, frame.ParsePayload(&ev))
	return ev
}

func send(t *testing.T, conn *websocket.Conn, frameType protocol.FrameType, payload any) {
	t.Helper()
	f, err := protocol.NewFrame(frameType, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(f))
}

// expectNoFrame asserts nothing arrives within a short window.
func expectNoFrame(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, data, err := conn.ReadMessage()
	require.Error(t, err, "unexpected frame: %s", data)
}

func TestServer_ConnectAck(t *testing.T) {
	clock := domaintest.NewFakeClock(time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC))
	srv, ts := newTestServer(t, session.Config{Clock: clock, HeartbeatInterval: 15 * time.Second})

	connected := make(chan *session.Session, 1)
	srv.OnConnect(func(s *session.Session) { connected <- s })

	_, ack := dial(t, ts)

	sess := <-connected
	assert.Equal(t, sess.ID().String(), ack.SessionID)
	assert.Equal(t, int64(15000), ack.HeartbeatIntervalMs)
	assert.Equal(t, clock.Now().UnixMilli(), ack.ConnectedAt)
	assert.Equal(t, session.StateConnected, sess.State())
	assert.Equal(t, 1, srv.Len())

	got, err := srv.Session(sess.ID())
	require.NoError(t, err)
	assert.Same(t, sess, got)
}

func TestServer_ConnectFiresBeforeDisconnect(t *testing.T) {
	srv, ts := newTestServer(t, session.Config{})

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, s)
	}
	disconnected := make(chan string, 1)
	var sess *session.Session

	srv.OnConnect(func(s *session.Session) {
		sess = s
		record("connect")
		s.OnDisconnect(func(reason string) {
			record("disconnect")
			disconnected <- reason
		})
	})

	conn, _ := dial(t, ts)
	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))

	select {
	case reason := <-disconnected:
		assert.Equal(t, "client_closed", reason)
	case <-time.After(waitFor):
		t.Fatal("disconnect hook did not fire")
	}

	mu.Lock()
	assert.Equal(t, []string{"connect", "disconnect"}, order)
	mu.Unlock()
	assert.Equal(t, session.StateDisconnected, sess.State())
	assert.Equal(t, 0, srv.Len())

	_, err := srv.Session(sess.ID())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestServer_DispatchesClientEvents(t *testing.T) {
	srv, ts := newTestServer(t, session.Config{})

	got := make(chan []byte, 2)
	srv.OnConnect(func(s *session.Session) {
		s.On("chat message", func(_ context.Context, payload []byte) {
			got <- payload
		})
	})

	conn, _ := dial(t, ts)
	// Written raw: encoding the frame with encoding/json would compact the data.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"event","payload":{"event":"chat message","data":{"text":"hi",  "n":1}}}`)))

	select {
	case payload := <-got:
		assert.Equal(t, `{"text":"hi",  "n":1}`, string(payload))
	case <-time.After(waitFor):
		t.Fatal("handler not called")
	}
}

func TestServer_EmitReachesEverySession(t *testing.T) {
	srv, ts := newTestServer(t, session.Config{})

	a, _ := dial(t, ts)
	b, _ := dial(t, ts)
	require.Eventually(t, func() bool { return srv.Len() == 2 }, waitFor, 10*time.Millisecond)

	require.NoError(t, srv.Emit(context.Background(), "news", []byte(`"extra"`)))

	for _, conn := range []*websocket.Conn{a, b} {
		ev := readEvent(t, conn)
		assert.Equal(t, "news", ev.Event)
		assert.Equal(t, `"extra"`, string(ev.Data))
	}
}

func TestSession_BroadcastExcludesSender(t *testing.T) {
	srv, ts := newTestServer(t, session.Config{})

	srv.OnConnect(func(s *session.Session) {
		s.On("shout", func(ctx context.Context, payload []byte) {
			_ = s.Broadcast(ctx, "shout", payload)
		})
	})

	sender, _ := dial(t, ts)
	other, _ := dial(t, ts)
	require.Eventually(t, func() bool { return srv.Len() == 2 }, waitFor, 10*time.Millisecond)

	send(t, sender, protocol.FrameTypeEvent, protocol.Event{Event: "shout", Data: json.RawMessage(`1`)})

	ev := readEvent(t, other)
	assert.Equal(t, "shout", ev.Event)
	expectNoFrame(t, sender)
}

func TestSession_EmitToOneClient(t *testing.T) {
	srv, ts := newTestServer(t, session.Config{})

	srv.OnConnect(func(s *session.Session) {
		assert.NoError(t, s.Emit("welcome", []byte(`{"motd":"hello"}`)))
	})

	conn, _ := dial(t, ts)

	ev := readEvent(t, conn)
	assert.Equal(t, "welcome", ev.Event)
	assert.JSONEq(t, `{"motd":"hello"}`, string(ev.Data))
}

func TestServer_Rooms(t *testing.T) {
	srv, ts := newTestServer(t, session.Config{})

	member, _ := dial(t, ts)
	outsider, _ := dial(t, ts)

	send(t, member, protocol.FrameTypeJoin, protocol.Room{Room: "lobby"})
	require.Eventually(t, func() bool { return srv.RoomSize("lobby") == 1 }, waitFor, 10*time.Millisecond)

	require.NoError(t, srv.To("lobby").Emit(context.Background(), "topic", []byte(`"cats"`)))

	ev := readEvent(t, member)
	assert.Equal(t, "topic", ev.Event)
	assert.Equal(t, "lobby", ev.Room)
	expectNoFrame(t, outsider)

	send(t, member, protocol.FrameTypeLeave, protocol.Room{Room: "lobby"})
	require.Eventually(t, func() bool { return srv.RoomSize("lobby") == 0 }, waitFor, 10*time.Millisecond)
}

func TestSession_JoinFromHook(t *testing.T) {
	srv, ts := newTestServer(t, session.Config{})

	joined := make(chan *session.Session, 1)
	srv.OnConnect(func(s *session.Session) {
		s.Join("b")
		s.Join("a")
		joined <- s
	})

	_, _ = dial(t, ts)
	s := <-joined

	assert.Equal(t, []string{"a", "b"}, s.Rooms())
	s.Leave("a")
	assert.Equal(t, []string{"b"}, s.Rooms())
}

func TestServer_EmitValidation(t *testing.T) {
	srv := session.NewServer(session.Config{})

	tests := []struct {
		name    string
		event   domain.EventName
		payload []byte
		wantErr error
	}{
		{"empty name", "", nil, domain.ErrInvalidEvent},
		{"reserved name", domain.EventConnect, nil, domain.ErrInvalidEvent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := srv.Emit(context.Background(), tt.event, tt.payload)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestServer_EmitKeepsPayloadBytes(t *testing.T) {
	srv, ts := newTestServer(t, session.Config{})
	conn, _ := dial(t, ts)
	require.Eventually(t, func() bool { return srv.Len() == 1 }, waitFor, 10*time.Millisecond)

	tests := []struct {
		name         string
		payload      []byte
		wantEncoding string
	}{
		{"json with whitespace and html", []byte(`{"text": "<b>a & b</b>",  "n": 1}`), ""},
		{"plain text", []byte("not json at all"), protocol.EncodingBase64},
		{"binary", []byte{0x00, 0x01, 0xfe, 0xff}, protocol.EncodingBase64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, srv.Emit(context.Background(), "blob", tt.payload))

			ev := readEvent(t, conn)
			assert.Equal(t, tt.wantEncoding, ev.Encoding)
			got, err := ev.Bytes()
			require.NoError(t, err)
			assert.Equal(t, tt.payload, got)
		})
	}
}

func TestServer_DispatchesBase64ClientEvents(t *testing.T) {
	srv, ts := newTestServer(t, session.Config{})

	got := make(chan []byte, 1)
	srv.OnConnect(func(s *session.Session) {
		s.On("upload", func(_ context.Context, payload []byte) {
			got <- payload
		})
	})

	conn, _ := dial(t, ts)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"event","payload":{"event":"upload","encoding":"base64","data":"AAH+/w=="}}`)))

	select {
	case payload := <-got:
		assert.Equal(t, []byte{0x00, 0x01, 0xfe, 0xff}, payload)
	case <-time.After(waitFor):
		t.Fatal("handler not called")
	}

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"event","payload":{"event":"upload","encoding":"base64","data":"%%%"}}`)))
	frame := readFrame(t, conn)
	assert.Equal(t, protocol.FrameTypeError, frame.Type)
}

func TestServer_SlowConsumerDoesNotStallDelivery(t *testing.T) {
	srv, ts := newTestServer(t, session.Config{OutboundBufferSize: 1})

	// The client never reads past the ack, so its socket buffers fill up.
	_, _ = dial(t, ts)
	require.Eventually(t, func() bool { return srv.Len() == 1 }, waitFor, 10*time.Millisecond)

	big := []byte(`"` + strings.Repeat("x", 256<<10) + `"`)
	ev := session.Event{Name: "bulk", Payload: big, Origin: session.OriginRelayed}

	var slowest time.Duration
	dropped := false
	for i := 0; i < 400 && !dropped; i++ {
		start := time.Now()
		n := srv.Deliver(ev)
		if d := time.Since(start); d > slowest {
			slowest = d
		}
		dropped = n == 0
	}

	require.True(t, dropped, "session was never dropped as a slow consumer")
	assert.Less(t, slowest, 500*time.Millisecond, "delivery blocked on a stalled client")
	require.Eventually(t, func() bool { return srv.Len() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestSession_RejectedFrames(t *testing.T) {
	t.Run("unknown frame type yields error frame", func(t *testing.T) {
		_, ts := newTestServer(t, session.Config{})
		conn, _ := dial(t, ts)

		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"telepathy"}`)))

		frame := readFrame(t, conn)
		require.Equal(t, protocol.FrameTypeError, frame.Type)
		var perr protocol.Error
		require.NoError(t, frame.ParsePayload(&perr))
		assert.Equal(t, "UNKNOWN_FRAME", perr.Code)
	})

	t.Run("reserved event name yields error frame", func(t *testing.T) {
		_, ts := newTestServer(t, session.Config{})
		conn, _ := dial(t, ts)

		send(t, conn, protocol.FrameTypeEvent, protocol.Event{Event: "disconnect"})

		frame := readFrame(t, conn)
		require.Equal(t, protocol.FrameTypeError, frame.Type)
		var perr protocol.Error
		require.NoError(t, frame.ParsePayload(&perr))
		assert.Equal(t, "INVALID_EVENT", perr.Code)
	})

	t.Run("malformed JSON closes with protocol error", func(t *testing.T) {
		_, ts := newTestServer(t, session.Config{})
		conn, _ := dial(t, ts)

		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
		_, _, err := conn.ReadMessage()
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr)
		assert.Equal(t, errmap.CloseProtocolError, closeErr.Code)
	})

	t.Run("oversized frame closes with message too big", func(t *testing.T) {
		_, ts := newTestServer(t, session.Config{MaxEventSize: 64})
		conn, _ := dial(t, ts)

		big := `{"type":"event","payload":{"event":"x","data":"` + strings.Repeat("a", 128) + `"}}`
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(big)))

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
		_, _, err := conn.ReadMessage()
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr)
		assert.Equal(t, errmap.CloseMessageTooBig, closeErr.Code)
	})
}

func TestServer_Close(t *testing.T) {
	srv, ts := newTestServer(t, session.Config{})

	reasons := make(chan string, 1)
	srv.OnConnect(func(s *session.Session) {
		s.OnDisconnect(func(reason string) { reasons <- reason })
	})

	conn, _ := dial(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, srv.Close(ctx))

	assert.Equal(t, "server_shutdown", <-reasons)
	assert.Equal(t, 0, srv.Len())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, errmap.CloseGoingAway, closeErr.Code)
	assert.Equal(t, "server_shutdown", closeErr.Text)

	t.Run("refuses new upgrades", func(t *testing.T) {
		url := "ws" + strings.TrimPrefix(ts.URL, "http")
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})
}

type recordingAdapter struct {
	mu     sync.Mutex
	events []session.Event
}

func (a *recordingAdapter) Broadcast(_ context.Context, ev session.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	return nil
}

func TestServer_SetAdapter(t *testing.T) {
	srv := session.NewServer(session.Config{})
	rec := &recordingAdapter{}

	srv.SetAdapter(rec)
	assert.Same(t, rec, srv.Adapter())

	require.NoError(t, srv.To("r").Emit(context.Background(), "news", []byte(`{}`)))

	require.Len(t, rec.events, 1)
	assert.Equal(t, domain.EventName("news"), rec.events[0].Name)
	assert.Equal(t, "r", rec.events[0].Room)
	assert.Equal(t, session.OriginLocal, rec.events[0].Origin)

	srv.SetAdapter(nil)
	assert.NotSame(t, rec, srv.Adapter())
}

func TestServer_DeliverIgnoresAdapter(t *testing.T) {
	srv, ts := newTestServer(t, session.Config{})
	rec := &recordingAdapter{}
	srv.SetAdapter(rec)

	conn, _ := dial(t, ts)
	require.Eventually(t, func() bool { return srv.Len() == 1 }, waitFor, 10*time.Millisecond)

	n := srv.Deliver(session.Event{Name: "relayed", Payload: []byte(`[1,2]`), Origin: session.OriginRelayed})

	assert.Equal(t, 1, n)
	assert.Empty(t, rec.events)
	ev := readEvent(t, conn)
	assert.Equal(t, "relayed", ev.Event)
	assert.Equal(t, `[1,2]`, string(ev.Data))
}
