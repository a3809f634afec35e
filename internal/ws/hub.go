package ws

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/escalada/livecontest/internal/box"
	"github.com/gorilla/websocket"
)

// peer wraps one authenticated subscriber connection, grounded on the
// teacher's internal/ws client type: a buffered send channel drained by a
// dedicated writePump goroutine so a slow reader never blocks the
// producer holding a box lock.
type peer struct {
	conn *websocket.Conn
	send chan []byte

	mu       sync.Mutex
	lastPong time.Time
}

func newPeer(conn *websocket.Conn) *peer {
	p := &peer{conn: conn, send: make(chan []byte, 32), lastPong: time.Now()}
	go p.writePump()
	return p
}

func (p *peer) writePump() {
	defer p.conn.Close()
	for msg := range p.send {
		p.conn.SetWriteDeadline(time.Now().Add(SendTimeout))
		if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (p *peer) touchPong() {
	p.mu.Lock()
	p.lastPong = time.Now()
	p.mu.Unlock()
}

func (p *peer) stale(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return now.Sub(p.lastPong) > PongTimeout
}

func (p *peer) close() {
	close(p.send)
}

// Hub fans authenticated per-box traffic out to subscribers. channels[id]
// is the set of peers currently watching box id, guarded by a single
// global lock per spec.md §5 ("channel sets mutated only under a
// dedicated global lock; iteration is on a snapshot").
type Hub struct {
	mu       sync.RWMutex
	channels map[int]map[*peer]bool
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{channels: make(map[int]map[*peer]bool)}
}

// Subscribe registers conn under boxID and returns its peer handle.
func (h *Hub) Subscribe(boxID int, conn *websocket.Conn) *peer {
	p := newPeer(conn)
	h.mu.Lock()
	set, ok := h.channels[boxID]
	if !ok {
		set = make(map[*peer]bool)
		h.channels[boxID] = set
	}
	set[p] = true
	h.mu.Unlock()
	return p
}

// Unsubscribe removes p from boxID's set, closing its send channel.
func (h *Hub) Unsubscribe(boxID int, p *peer) {
	h.mu.Lock()
	if set, ok := h.channels[boxID]; ok {
		if _, present := set[p]; present {
			delete(set, p)
			p.close()
		}
		if len(set) == 0 {
			delete(h.channels, boxID)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) snapshotPeers(boxID int) []*peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.channels[boxID]
	out := make([]*peer, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	return out
}

// BroadcastEcho sends an echo frame to every subscriber of boxID, per
// spec.md §4.G's "for each outbound payload, snapshot the set, iterate
// outside the lock, per-peer send with a timeout" rule. Dead peers are
// evicted, never blocking the caller (which typically still holds the
// box's state lock).
func (h *Hub) BroadcastEcho(boxID int, e *box.Echo) {
	data, err := json.Marshal(EchoFrame{Type: string(e.Type), BoxID: e.BoxID, Payload: e.Payload})
	if err != nil {
		log.Printf("ws: marshaling echo for box %d: %v", boxID, err)
		return
	}
	h.send(boxID, data)
}

// BroadcastSnapshot sends a fresh STATE_SNAPSHOT to every subscriber of
// boxID.
func (h *Hub) BroadcastSnapshot(boxID int, b *box.Box, nowMs int64) {
	data, err := json.Marshal(BuildSnapshot(b, nowMs))
	if err != nil {
		log.Printf("ws: marshaling snapshot for box %d: %v", boxID, err)
		return
	}
	h.send(boxID, data)
}

// SendSnapshotTo delivers a snapshot to a single newly-connected peer.
func (h *Hub) SendSnapshotTo(boxID int, p *peer, b *box.Box, nowMs int64) {
	data, err := json.Marshal(BuildSnapshot(b, nowMs))
	if err != nil {
		return
	}
	h.deliver(boxID, p, data)
}

func (h *Hub) send(boxID int, data []byte) {
	for _, p := range h.snapshotPeers(boxID) {
		h.deliver(boxID, p, data)
	}
}

// deliver sends data to p's buffered channel, evicting p on backpressure.
// Eviction goes through Unsubscribe rather than p.close() directly: p may
// still be registered in channels[boxID], and Unsubscribe both removes it
// from the set and guards the channel close with a presence check, so a
// peer that is slow right now and later disconnects (or is evicted twice
// in the same broadcast pass) is only ever closed once (spec.md §4.G/§5).
func (h *Hub) deliver(boxID int, p *peer, data []byte) {
	select {
	case p.send <- data:
	default:
		log.Printf("ws: peer too slow, disconnecting")
		h.Unsubscribe(boxID, p)
	}
}

// Heartbeat sends a PING to every subscriber of every box, and evicts any
// peer whose last PONG exceeded PongTimeout (spec.md §4.G, §5). Intended
// to be called once per PingInterval tick from the server's heartbeat
// loop.
func (h *Hub) Heartbeat(now time.Time) {
	ping, _ := json.Marshal(newPingFrame())

	h.mu.RLock()
	type target struct {
		boxID int
		p     *peer
	}
	var targets []target
	for boxID, set := range h.channels {
		for p := range set {
			targets = append(targets, target{boxID, p})
		}
	}
	h.mu.RUnlock()

	for _, t := range targets {
		if t.p.stale(now) {
			t.p.conn.Close()
			h.Unsubscribe(t.boxID, t.p)
			continue
		}
		h.deliver(t.boxID, t.p, ping)
	}
}
