package ws

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/escalada/livecontest/internal/box"
)

func TestHubSubscribeAndBroadcastEcho(t *testing.T) {
	srv, serverConn, clientConn := dialTestWSPair(t)
	defer srv.Close()
	defer clientConn.Close()

	h := NewHub()
	p := h.Subscribe(1, serverConn)
	defer h.Unsubscribe(1, p)

	echo := &box.Echo{Type: "START_TIMER", BoxID: 1, Payload: map[string]any{"timerState": "running"}}
	h.BroadcastEcho(1, echo)

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := clientConn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var frame EchoFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame.Type != "START_TIMER" || frame.BoxID != 1 {
		t.Errorf("unexpected frame: %+v", frame)
	}
}

func TestHubBroadcastOnlyReachesSubscribersOfThatBox(t *testing.T) {
	srv1, serverConn1, clientConn1 := dialTestWSPair(t)
	defer srv1.Close()
	defer clientConn1.Close()
	srv2, serverConn2, clientConn2 := dialTestWSPair(t)
	defer srv2.Close()
	defer clientConn2.Close()

	h := NewHub()
	p1 := h.Subscribe(1, serverConn1)
	p2 := h.Subscribe(2, serverConn2)
	defer h.Unsubscribe(1, p1)
	defer h.Unsubscribe(2, p2)

	h.BroadcastEcho(1, &box.Echo{Type: "STOP_TIMER", BoxID: 1, Payload: map[string]any{}})

	clientConn1.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := clientConn1.ReadMessage(); err != nil {
		t.Fatalf("expected box 1 subscriber to receive the echo: %v", err)
	}

	clientConn2.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := clientConn2.ReadMessage(); err == nil {
		t.Error("box 2 subscriber should not have received box 1's echo")
	}
}

func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	srv, serverConn, clientConn := dialTestWSPair(t)
	defer srv.Close()
	defer clientConn.Close()

	h := NewHub()
	p := h.Subscribe(1, serverConn)
	h.Unsubscribe(1, p)

	h.BroadcastEcho(1, &box.Echo{Type: "STOP_TIMER", BoxID: 1, Payload: map[string]any{}})

	clientConn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := clientConn.ReadMessage(); err == nil {
		t.Error("unsubscribed peer should not receive further broadcasts")
	}
}

func TestHubSendSnapshotToSinglePeer(t *testing.T) {
	srv, serverConn, clientConn := dialTestWSPair(t)
	defer srv.Close()
	defer clientConn.Close()

	h := NewHub()
	p := h.Subscribe(1, serverConn)
	defer h.Unsubscribe(1, p)

	b := box.New(1)
	h.SendSnapshotTo(1, p, b, time.Now().UnixMilli())

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := clientConn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var snap OutboundSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if snap.Type != "STATE_SNAPSHOT" || snap.BoxID != 1 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
}

func TestHubHeartbeatEvictsStalePeers(t *testing.T) {
	srv, serverConn, clientConn := dialTestWSPair(t)
	defer srv.Close()
	defer clientConn.Close()

	h := NewHub()
	p := h.Subscribe(1, serverConn)
	p.lastPong = time.Now().Add(-2 * PongTimeout)

	h.Heartbeat(time.Now())

	if len(h.snapshotPeers(1)) != 0 {
		t.Error("expected the stale peer to be evicted from box 1's subscriber set")
	}
}

func TestHubHeartbeatPingsLivePeers(t *testing.T) {
	srv, serverConn, clientConn := dialTestWSPair(t)
	defer srv.Close()
	defer clientConn.Close()

	h := NewHub()
	p := h.Subscribe(1, serverConn)
	defer h.Unsubscribe(1, p)

	h.Heartbeat(time.Now())

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := clientConn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var frame PingFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame.Type != "PING" {
		t.Errorf("Type = %q, want PING", frame.Type)
	}
}
