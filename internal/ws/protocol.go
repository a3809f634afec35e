// Package ws implements the two WebSocket fan-out planes of spec.md §4.G:
// an authenticated per-box plane and an unauthenticated public plane.
// Grounded on the teacher's internal/ws package (Broadcaster/client
// writePump/send-channel shape), generalized from one flat broadcast set
// to per-box subscriber sets plus heartbeat-driven liveness.
package ws

import (
	"time"

	"github.com/escalada/livecontest/internal/box"
)

const (
	// PingInterval is how often the server sends a PING frame.
	PingInterval = 30 * time.Second
	// PongTimeout is how long the server waits for a PONG before closing
	// the subscription (spec.md §4.G, §5).
	PongTimeout = 60 * time.Second
	// ReceiveTimeout closes a connection that has sent no frame at all
	// (including PONG) within this window (spec.md §5).
	ReceiveTimeout = 180 * time.Second
	// SendTimeout bounds a single per-peer outbound write (spec.md §5).
	SendTimeout = 5 * time.Second
)

// Close codes spec.md §6.3 assigns meaning to beyond the RFC 6455 set.
const (
	CloseTokenRequired  = 4401
	CloseForbidden      = 4403
)

// InboundFrame is the only shape a client is allowed to send on either
// plane: REQUEST_STATE (to re-authorize and re-pull a snapshot) or a bare
// PONG. Anything else is parsed and silently ignored (spec.md §6.4).
type InboundFrame struct {
	Type string `json:"type"`
}

const (
	FramePong         = "PONG"
	FrameRequestState = "REQUEST_STATE"
)

// OutboundSnapshot is the authenticated per-box STATE_SNAPSHOT payload
// shape of spec.md §6.5.
type OutboundSnapshot struct {
	Type                 string                 `json:"type"`
	BoxID                int                    `json:"boxId"`
	Initiated            bool                   `json:"initiated"`
	HoldsCount           int                    `json:"holdsCount"`
	RouteIndex           int                    `json:"routeIndex"`
	RoutesCount          int                    `json:"routesCount"`
	HoldsCounts          []int                  `json:"holdsCounts"`
	CurrentClimber       string                 `json:"currentClimber"`
	PreparingClimber     string                 `json:"preparingClimber"`
	Started              bool                   `json:"started"`
	TimerState           string                 `json:"timerState"`
	HoldCount            float64                `json:"holdCount"`
	Competitors          any                    `json:"competitors"`
	Categorie            string                 `json:"categorie"`
	RegisteredTime       *float64               `json:"registeredTime"`
	Remaining            *float64               `json:"remaining"`
	TimeCriterionEnabled bool                   `json:"timeCriterionEnabled"`
	TimerPreset          string                 `json:"timerPreset"`
	TimerPresetSec       int                    `json:"timerPresetSec"`
	JudgeChief           string                 `json:"judgeChief"`
	CompetitionDirector  string                 `json:"competitionDirector"`
	ChiefRoutesetter     string                 `json:"chiefRoutesetter"`
	SessionID            string                 `json:"sessionId"`
	BoxVersion           uint64                 `json:"boxVersion"`
}

// EchoFrame wraps a box.Echo for the wire.
type EchoFrame struct {
	Type    string         `json:"type"`
	BoxID   int            `json:"boxId"`
	Payload map[string]any `json:"payload"`
}

// PingFrame is the periodic heartbeat frame.
type PingFrame struct {
	Type string `json:"type"`
}

func newPingFrame() PingFrame { return PingFrame{Type: "PING"} }

// BuildSnapshot renders b into the STATE_SNAPSHOT shape of spec.md §6.5
// at nowMs. b must not be mutated concurrently — callers pass a Clone()
// from the registry.
func BuildSnapshot(b *box.Box, nowMs int64) OutboundSnapshot {
	idx := b.FindCompetitorByName(b.CurrentClimber)
	preparing := ""
	if idx >= 0 {
		preparing = b.NextUnmarked(idx)
	}
	return OutboundSnapshot{
		Type:                 "STATE_SNAPSHOT",
		BoxID:                b.ID,
		Initiated:            b.Initiated,
		HoldsCount:           b.HoldsCount,
		RouteIndex:           b.RouteIndex,
		RoutesCount:          b.RoutesCount,
		HoldsCounts:          b.HoldsCounts,
		CurrentClimber:       b.CurrentClimber,
		PreparingClimber:     preparing,
		Started:              b.TimerState == box.TimerRunning,
		TimerState:           string(b.TimerState),
		HoldCount:            b.HoldCount,
		Competitors:          b.Competitors,
		Categorie:            b.Categorie,
		RegisteredTime:       b.LastRegisteredTime,
		Remaining:            box.Remaining(b, nowMs),
		TimeCriterionEnabled: b.TimeCriterionEnabled,
		TimerPreset:          b.TimerPreset,
		TimerPresetSec:       b.TimerPresetSec,
		JudgeChief:           b.JudgeChief,
		CompetitionDirector:  b.CompetitionDirector,
		ChiefRoutesetter:     b.ChiefRoutesetter,
		SessionID:            b.SessionID,
		BoxVersion:           b.BoxVersion,
	}
}
