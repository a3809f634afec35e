package ws

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/escalada/livecontest/internal/box"
	"github.com/escalada/livecontest/internal/public"
	"github.com/gorilla/websocket"
)

// PublicHub fans the public plane out to two kinds of subscriber: the
// flat aggregate set (PUBLIC_STATE_SNAPSHOT) and per-box sets (box-scoped
// BOX_*_UPDATE frames), per spec.md §4.G. Kept as a distinct type from
// Hub even though the underlying peer/heartbeat machinery is identical,
// because the two planes' authorization and payload vocabularies never
// overlap.
type PublicHub struct {
	mu        sync.RWMutex
	aggregate map[*peer]bool
	perBox    map[int]map[*peer]bool
}

// NewPublicHub returns an empty PublicHub.
func NewPublicHub() *PublicHub {
	return &PublicHub{
		aggregate: make(map[*peer]bool),
		perBox:    make(map[int]map[*peer]bool),
	}
}

// SubscribeAggregate registers conn on the flat public set.
func (h *PublicHub) SubscribeAggregate(conn *websocket.Conn) *peer {
	p := newPeer(conn)
	h.mu.Lock()
	h.aggregate[p] = true
	h.mu.Unlock()
	return p
}

// UnsubscribeAggregate removes p from the flat set.
func (h *PublicHub) UnsubscribeAggregate(p *peer) {
	h.mu.Lock()
	if _, ok := h.aggregate[p]; ok {
		delete(h.aggregate, p)
		p.close()
	}
	h.mu.Unlock()
}

// SubscribeBox registers conn on boxID's public set.
func (h *PublicHub) SubscribeBox(boxID int, conn *websocket.Conn) *peer {
	p := newPeer(conn)
	h.mu.Lock()
	set, ok := h.perBox[boxID]
	if !ok {
		set = make(map[*peer]bool)
		h.perBox[boxID] = set
	}
	set[p] = true
	h.mu.Unlock()
	return p
}

// UnsubscribeBox removes p from boxID's set.
func (h *PublicHub) UnsubscribeBox(boxID int, p *peer) {
	h.mu.Lock()
	if set, ok := h.perBox[boxID]; ok {
		if _, present := set[p]; present {
			delete(set, p)
			p.close()
		}
		if len(set) == 0 {
			delete(h.perBox, boxID)
		}
	}
	h.mu.Unlock()
}

// BroadcastSnapshot sends the aggregate PUBLIC_STATE_SNAPSHOT to every
// subscriber of the flat plane.
func (h *PublicHub) BroadcastSnapshot(states []*box.Box, nowMs int64) {
	data, err := json.Marshal(public.BuildSnapshot(states, nowMs))
	if err != nil {
		log.Printf("ws: marshaling public snapshot: %v", err)
		return
	}
	h.mu.RLock()
	peers := make([]*peer, 0, len(h.aggregate))
	for p := range h.aggregate {
		peers = append(peers, p)
	}
	h.mu.RUnlock()
	for _, p := range peers {
		h.deliverAggregate(p, data)
	}
}

// SendSnapshotTo delivers the aggregate snapshot to a single peer (on
// connect or REQUEST_STATE).
func (h *PublicHub) SendSnapshotTo(p *peer, states []*box.Box, nowMs int64) {
	data, err := json.Marshal(public.BuildSnapshot(states, nowMs))
	if err != nil {
		return
	}
	h.deliverAggregate(p, data)
}

// SendBoxSnapshotTo delivers a single box's public view to p, wrapped as
// a one-element aggregate snapshot — the shape a per-box public
// subscriber expects on connect/REQUEST_STATE.
func (h *PublicHub) SendBoxSnapshotTo(boxID int, p *peer, b *box.Box, nowMs int64) {
	data, err := json.Marshal(public.BuildSnapshot([]*box.Box{b}, nowMs))
	if err != nil {
		return
	}
	h.deliverBox(boxID, p, data)
}

// BroadcastBoxUpdate sends the box-scoped update for an accepted command
// to boxID's public subscribers, and folds the same view into the
// aggregate plane so spectators watching the all-boxes feed see it too.
func (h *PublicHub) BroadcastBoxUpdate(boxID int, update public.BoxUpdate) {
	data, err := json.Marshal(update)
	if err != nil {
		log.Printf("ws: marshaling public box update for box %d: %v", boxID, err)
		return
	}

	h.mu.RLock()
	boxPeers := make([]*peer, 0, len(h.perBox[boxID]))
	for p := range h.perBox[boxID] {
		boxPeers = append(boxPeers, p)
	}
	aggPeers := make([]*peer, 0, len(h.aggregate))
	for p := range h.aggregate {
		aggPeers = append(aggPeers, p)
	}
	h.mu.RUnlock()

	for _, p := range boxPeers {
		h.deliverBox(boxID, p, data)
	}
	for _, p := range aggPeers {
		h.deliverAggregate(p, data)
	}
}

// deliverAggregate and deliverBox evict on backpressure through
// UnsubscribeAggregate/UnsubscribeBox rather than p.close() directly: a
// peer may still be registered in the relevant set, and those methods
// both remove it and guard the channel close with a presence check, so a
// peer evicted here and again by the read loop's deferred unsubscribe
// (or by a concurrent broadcast) is only ever closed once (spec.md
// §4.G/§5 — see the matching note on Hub.deliver).
func (h *PublicHub) deliverAggregate(p *peer, data []byte) {
	select {
	case p.send <- data:
	default:
		log.Printf("ws: public peer too slow, disconnecting")
		h.UnsubscribeAggregate(p)
	}
}

func (h *PublicHub) deliverBox(boxID int, p *peer, data []byte) {
	select {
	case p.send <- data:
	default:
		log.Printf("ws: public peer too slow, disconnecting")
		h.UnsubscribeBox(boxID, p)
	}
}

// Heartbeat pings every subscriber on both planes and evicts stale peers,
// mirroring Hub.Heartbeat.
func (h *PublicHub) Heartbeat(now time.Time) {
	ping, _ := json.Marshal(newPingFrame())

	h.mu.RLock()
	aggPeers := make([]*peer, 0, len(h.aggregate))
	for p := range h.aggregate {
		aggPeers = append(aggPeers, p)
	}
	type target struct {
		boxID int
		p     *peer
	}
	var boxTargets []target
	for boxID, set := range h.perBox {
		for p := range set {
			boxTargets = append(boxTargets, target{boxID, p})
		}
	}
	h.mu.RUnlock()

	for _, p := range aggPeers {
		if p.stale(now) {
			p.conn.Close()
			h.UnsubscribeAggregate(p)
			continue
		}
		h.deliverAggregate(p, ping)
	}
	for _, t := range boxTargets {
		if t.p.stale(now) {
			t.p.conn.Close()
			h.UnsubscribeBox(t.boxID, t.p)
			continue
		}
		h.deliverBox(t.boxID, t.p, ping)
	}
}
