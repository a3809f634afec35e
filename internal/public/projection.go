// Package public implements the privacy-preserving reducer spec.md §4.H
// defines: a view of a Box safe to broadcast on the unauthenticated public
// plane, grounded on the teacher's internal/session.PrivacyFilter, which
// strips the same kind of roster detail before a public payload leaves
// the server.
package public

import (
	"github.com/escalada/livecontest/internal/box"
	"github.com/escalada/livecontest/internal/command"
)

// BoxView is the publicBox shape spec.md §4.H names: everything an
// anonymous spectator is allowed to see about one box, with the raw
// competitor roster excluded.
type BoxView struct {
	BoxID                int                    `json:"boxId"`
	Categorie            string                 `json:"categorie"`
	Initiated            bool                   `json:"initiated"`
	RouteIndex           int                    `json:"routeIndex"`
	RoutesCount          int                    `json:"routesCount"`
	HoldsCount           int                    `json:"holdsCount"`
	CurrentClimber       string                 `json:"currentClimber"`
	PreparingClimber     string                 `json:"preparingClimber"`
	TimerState           box.TimerState         `json:"timerState"`
	Remaining            *float64               `json:"remaining"`
	ScoresByName         map[string][]*float64  `json:"scoresByName"`
	TimesByName          map[string][]*int64    `json:"timesByName"`
	TimeCriterionEnabled bool                   `json:"timeCriterionEnabled"`
}

// Snapshot is the aggregate PUBLIC_STATE_SNAPSHOT payload of spec.md §4.H.
type Snapshot struct {
	Type  string    `json:"type"`
	Boxes []BoxView `json:"boxes"`
}

// View reduces b into the publicBox shape at nowMs. b must not be mutated
// concurrently — callers pass a Clone() from the registry.
func View(b *box.Box, nowMs int64) BoxView {
	return BoxView{
		BoxID:                b.ID,
		Categorie:            b.Categorie,
		Initiated:            b.Initiated,
		RouteIndex:           b.RouteIndex,
		RoutesCount:          b.RoutesCount,
		HoldsCount:           b.HoldsCount,
		CurrentClimber:       b.CurrentClimber,
		PreparingClimber:     preparingClimber(b),
		TimerState:           b.TimerState,
		Remaining:            box.Remaining(b, nowMs),
		ScoresByName:         b.Scores,
		TimesByName:          b.Times,
		TimeCriterionEnabled: b.TimeCriterionEnabled,
	}
}

// preparingClimber returns the first unmarked competitor strictly after
// the current climber, or "" if there is none (spec.md §4.H).
func preparingClimber(b *box.Box) string {
	idx := b.FindCompetitorByName(b.CurrentClimber)
	if idx < 0 {
		return ""
	}
	return b.NextUnmarked(idx)
}

// BuildSnapshot reduces every box in states into the aggregate
// PUBLIC_STATE_SNAPSHOT payload, in the order states is given.
func BuildSnapshot(states []*box.Box, nowMs int64) Snapshot {
	views := make([]BoxView, len(states))
	for i, b := range states {
		views[i] = View(b, nowMs)
	}
	return Snapshot{Type: "PUBLIC_STATE_SNAPSHOT", Boxes: views}
}

// eventTypeByCommand maps an accepted command type to the public plane's
// coarser event vocabulary (spec.md §4.G: "box-scoped updates...mapped
// deterministically from command types"). Types with no entry are not
// broadcast on the public plane at all.
var eventTypeByCommand = map[command.Type]string{
	command.InitRoute:       "BOX_STATUS_UPDATE",
	command.ResetBox:        "BOX_STATUS_UPDATE",
	command.ResetPartial:    "BOX_STATUS_UPDATE",
	command.StartTimer:      "BOX_FLOW_UPDATE",
	command.StopTimer:       "BOX_FLOW_UPDATE",
	command.ResumeTimer:     "BOX_FLOW_UPDATE",
	command.SetTimerPreset:  "BOX_FLOW_UPDATE",
	command.ProgressUpdate:  "BOX_FLOW_UPDATE",
	command.RegisterTime:    "BOX_FLOW_UPDATE",
	command.SubmitScore:     "BOX_RANKING_UPDATE",
	command.SetTimeCriterion: "BOX_RANKING_UPDATE",
}

// EventTypeFor returns the public-plane event type for t and whether one
// exists at all.
func EventTypeFor(t command.Type) (string, bool) {
	ev, ok := eventTypeByCommand[t]
	return ev, ok
}

// BoxUpdate is one box-scoped public-plane payload.
type BoxUpdate struct {
	Type  string  `json:"type"`
	BoxID int     `json:"boxId"`
	Box   BoxView `json:"box"`
}

// BuildBoxUpdate builds the box-scoped update payload for an accepted
// command on b, or reports ok=false if the command type has no public
// projection.
func BuildBoxUpdate(t command.Type, b *box.Box, nowMs int64) (BoxUpdate, bool) {
	ev, ok := EventTypeFor(t)
	if !ok {
		return BoxUpdate{}, false
	}
	return BoxUpdate{Type: ev, BoxID: b.ID, Box: View(b, nowMs)}, true
}
