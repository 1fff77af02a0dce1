package web

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"panostitch/internal/events"
	"panostitch/internal/pano"
)

func dial(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return h.Clients() == 1 }, time.Second, 5*time.Millisecond)
	return conn
}

func read(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestHubForwardsBusEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHub(nil)
	go h.Run(ctx)
	conn := dial(t, h)

	bus := events.NewBus()
	var tr events.Tracker
	h.Attach(bus, &tr)
	defer tr.Close()

	bus.EmitStatus("stitching", -1)
	bus.Progress.Emit(0.5)
	bus.Result.Emit([]*pano.Image{pano.NewImage(30, 20, 3)})

	msg := read(t, conn)
	require.Equal(t, "status", msg.Type)
	require.Equal(t, "stitching", msg.Text)
	require.Equal(t, -1, msg.Timeout)

	msg = read(t, conn)
	require.Equal(t, "progress", msg.Type)
	require.Equal(t, 0.5, msg.Value)

	msg = read(t, conn)
	require.Equal(t, "result", msg.Type)
	require.Equal(t, []PanoramaInfo{{Width: 30, Height: 20}}, msg.Panoramas)
}

func TestHubPayload(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHub(nil)
	go h.Run(ctx)
	conn := dial(t, h)

	h.PublishJSON("run", map[string]string{"id": "r1"})
	msg := read(t, conn)
	require.Equal(t, "run", msg.Type)
	require.JSONEq(t, `{"id":"r1"}`, string(msg.Payload))
}

func TestHubShutdownClosesClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHub(nil)
	go h.Run(ctx)
	conn := dial(t, h)

	cancel()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	require.Eventually(t, func() bool { return h.Clients() == 0 }, time.Second, 5*time.Millisecond)
}
