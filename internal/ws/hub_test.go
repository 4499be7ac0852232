package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bizinbox/internal/metrics"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func startHub(t *testing.T) (*Hub, context.CancelFunc, chan struct{}) {
	t.Helper()
	hub := NewHub(zap.NewNop(), metrics.New())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	return hub, cancel, stopped
}

func fakeClient(hub *Hub, businessID string, buf int) *Client {
	c := &Client{id: businessID, businessID: businessID, hub: hub, send: make(chan []byte, buf)}
	hub.register <- c
	return c
}

func TestPublishIsTenantScoped(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub, cancel, stopped := startHub(t)
	a := fakeClient(hub, "biz-a", 4)
	b := fakeClient(hub, "biz-b", 4)

	hub.Publish("biz-a", "message.created", map[string]string{"content": "hello"})

	select {
	case raw := <-a.send:
		var ev Event
		require.NoError(t, json.Unmarshal(raw, &ev))
		assert.Equal(t, "message.created", ev.Type)
	case <-time.After(time.Second):
		t.Fatal("tenant a got nothing")
	}

	select {
	case <-b.send:
		t.Fatal("tenant b received tenant a's event")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	<-stopped

	_, open := <-a.send
	assert.False(t, open, "send channel closed on shutdown")

	// Publishing after shutdown must not block.
	hub.Publish("biz-a", "late", nil)
}

func TestSlowClientIsDropped(t *testing.T) {
	hub, cancel, stopped := startHub(t)
	defer func() { cancel(); <-stopped }()

	slow := fakeClient(hub, "biz", 1)
	hub.Publish("biz", "one", nil)
	hub.Publish("biz", "two", nil)

	require.Eventually(t, func() bool { return hub.Count("biz") == 0 }, time.Second, 5*time.Millisecond)
	<-slow.send
	_, open := <-slow.send
	assert.False(t, open)
}

func TestServeWsDeliversEvents(t *testing.T) {
	hub, cancel, stopped := startHub(t)
	defer func() { cancel(); <-stopped }()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWs(w, r, r.URL.Query().Get("biz"))
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?biz=b1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Count("b1") == 1 }, time.Second, 5*time.Millisecond)

	hub.Publish("b1", "message.status", map[string]string{"status": "read"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"message.status"`)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Count("b1") == 0 }, 2*time.Second, 10*time.Millisecond)
}
