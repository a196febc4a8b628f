package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/sfuclient/internal/core"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRelay answers protoo requests with handle and can push notifications.
type fakeRelay struct {
	srv    *httptest.Server
	conns  chan *websocket.Conn
	handle func(req message) message
}

func newFakeRelay(t *testing.T, handle func(req message) message) *fakeRelay {
	t.Helper()
	r := &fakeRelay{conns: make(chan *websocket.Conn, 1), handle: handle}
	upgrader := websocket.Upgrader{
		Subprotocols: []string{subprotocol},
		CheckOrigin:  func(*http.Request) bool { return true },
	}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.conns <- ws
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var msg message
			if json.Unmarshal(data, &msg) != nil || !msg.Request {
				continue
			}
			resp := r.handle(msg)
			resp.Response = true
			resp.ID = msg.ID
			out, _ := json.Marshal(resp)
			if err := ws.WriteMessage(websocket.TextMessage, out); err != nil {
				return
			}
		}
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func nextEvent(t *testing.T, c *Client) core.SignalEvent {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		require.True(t, ok, "events closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
	}
	return core.SignalEvent{}
}

func connectClient(t *testing.T, relay *fakeRelay) (*Client, *websocket.Conn) {
	t.Helper()
	opts := DefaultOptions()
	opts.PingPeriod = 0
	c := NewClient(opts)
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Connect(context.Background(), relay.url()))
	ev := nextEvent(t, c)
	require.Equal(t, core.SignalOpen, ev.Type)

	var server *websocket.Conn
	select {
	case server = <-relay.conns:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not accept")
	}
	return c, server
}

func TestRequestResponse(t *testing.T) {
	relay := newFakeRelay(t, func(req message) message {
		assert.Equal(t, "join", req.Method)
		var p map[string]string
		_ = json.Unmarshal(req.Data, &p)
		assert.Equal(t, "room1", p["roomId"])
		return message{OK: true, Data: json.RawMessage(`{"users":[{"uid":"a"}]}`)}
	})
	c, _ := connectClient(t, relay)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := c.Request(ctx, "join", map[string]string{"roomId": "room1", "uid": "me"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"users":[{"uid":"a"}]}`, string(data))
}

func TestRequestRejected(t *testing.T) {
	relay := newFakeRelay(t, func(req message) message {
		return message{OK: false, ErrorCode: 403, ErrorReason: "forbidden"}
	})
	c, _ := connectClient(t, relay)

	_, err := c.Request(context.Background(), "publish", map[string]string{})
	require.Error(t, err)

	var rej *core.RejectError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, 403, rej.Code)
	assert.Equal(t, "publish", rej.Method)
	assert.ErrorIs(t, err, core.ErrProtocol)
}

func TestNotificationDelivered(t *testing.T) {
	relay := newFakeRelay(t, func(req message) message { return message{OK: true} })
	c, server := connectClient(t, relay)

	out, _ := json.Marshal(message{Notification: true, Method: "userin", Data: json.RawMessage(`{"uid":"b"}`)})
	require.NoError(t, server.WriteMessage(websocket.TextMessage, out))

	ev := nextEvent(t, c)
	require.Equal(t, core.SignalNotification, ev.Type)
	assert.Equal(t, "userin", ev.Notification.Method)
	assert.JSONEq(t, `{"uid":"b"}`, string(ev.Notification.Data))
}

func TestServerDropFailsPendingRequest(t *testing.T) {
	block := make(chan struct{})
	relay := newFakeRelay(t, func(req message) message {
		<-block
		return message{OK: true}
	})
	defer close(block)
	c, server := connectClient(t, relay)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "subscribe", map[string]string{})
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	_ = server.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, core.ErrTransport)
	case <-time.After(5 * time.Second):
		t.Fatal("pending request not failed")
	}

	for ev := range c.Events() {
		if ev.Type == core.SignalClose || ev.Type == core.SignalError {
			return
		}
	}
	t.Fatal("no terminal event")
}

func TestRequestBeforeOpen(t *testing.T) {
	c := NewClient(DefaultOptions())
	_, err := c.Request(context.Background(), "join", nil)
	assert.ErrorIs(t, err, core.ErrNotConnected)
	require.NoError(t, c.Close())

	_, ok := <-c.Events()
	assert.True(t, ok, "close event expected before channel close")
	_, ok = <-c.Events()
	assert.False(t, ok)
}

func TestDialFailureEmitsError(t *testing.T) {
	c := NewClient(DefaultOptions())
	require.NoError(t, c.Connect(context.Background(), "ws://127.0.0.1:1/nope"))

	ev := nextEvent(t, c)
	assert.Equal(t, core.SignalError, ev.Type)
	assert.Error(t, ev.Err)
}

func TestBackpressure(t *testing.T) {
	tests := []struct {
		name       string
		action     BackpressureAction
		disconnect bool
	}{
		{"fail request", FailRequest, false},
		{"disconnect", Disconnect, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient(Options{SendBuffer: 1, Backpressure: tt.action})
			t.Cleanup(func() { _ = c.Close() })
			// open without pumps so nothing drains the queue
			c.mu.Lock()
			c.state = stateOpen
			c.mu.Unlock()

			require.NoError(t, c.TrySend(core.Frame(`{}`)))
			assert.ErrorIs(t, c.TrySend(core.Frame(`{}`)), ErrBackpressure)

			_, err := c.Request(context.Background(), "publish", map[string]string{})
			assert.ErrorIs(t, err, core.ErrTransport)
			assert.ErrorIs(t, err, ErrBackpressure)

			if !tt.disconnect {
				c.mu.Lock()
				assert.Equal(t, stateOpen, c.state)
				assert.Empty(t, c.pending)
				c.mu.Unlock()
				return
			}
			ev := nextEvent(t, c)
			assert.Equal(t, core.SignalError, ev.Type)
			assert.ErrorIs(t, ev.Err, ErrBackpressure)
		})
	}
}
