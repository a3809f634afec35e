// Package box implements the per-box state machine that drives a single
// scoring station (one route/category) of a live climbing competition.
package box

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// TimerState is the timer's current phase.
type TimerState string

const (
	TimerIdle    TimerState = "idle"
	TimerRunning TimerState = "running"
	TimerPaused  TimerState = "paused"
)

// Competitor is one entrant tracked by a Box.
type Competitor struct {
	Name     string `json:"name"`
	Marked   bool   `json:"marked"`
	Club     string `json:"club,omitempty"`
	Bib      string `json:"bib,omitempty"`
	Category string `json:"category,omitempty"`
}

// Box is the authoritative in-memory state for one scoring station.
//
// A Box is only ever mutated while its owning Registry entry's lock is
// held (see registry.go); callers must never mutate a Box obtained
// outside that discipline.
type Box struct {
	ID        int    `json:"boxId"`
	SessionID string `json:"sessionId"`
	BoxVersion uint64 `json:"boxVersion"`

	Initiated    bool     `json:"initiated"`
	Categorie    string   `json:"categorie"`
	RouteIndex   int      `json:"routeIndex"`
	RoutesCount  int      `json:"routesCount"`
	HoldsCount   int      `json:"holdsCount"`
	HoldsCounts  []int    `json:"holdsCounts"`
	Competitors  []Competitor `json:"competitors"`

	CurrentClimber string `json:"currentClimber"`

	TimerState        TimerState `json:"timerState"`
	TimerPreset       string     `json:"timerPreset"`
	TimerPresetSec    int        `json:"timerPresetSec"`
	TimerEndsAtMs     *int64     `json:"timerEndsAtMs,omitempty"`
	TimerRemainingSec *float64   `json:"timerRemainingSec,omitempty"`

	HoldCount float64 `json:"holdCount"`

	Scores map[string][]*float64 `json:"scores"`
	Times  map[string][]*int64   `json:"times"`

	LastRegisteredTime  *float64 `json:"lastRegisteredTime,omitempty"`
	TimeCriterionEnabled bool    `json:"timeCriterionEnabled"`

	// JudgeChief, CompetitionDirector and ChiefRoutesetter are carried
	// through from the small externally-managed officials value so that
	// snapshots can include them (spec.md §9); the engine never mutates
	// them itself.
	JudgeChief          string `json:"judgeChief,omitempty"`
	CompetitionDirector string `json:"competitionDirector,omitempty"`
	ChiefRoutesetter    string `json:"chiefRoutesetter,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// New returns a freshly constructed, uninitiated Box for the given id.
func New(id int) *Box {
	now := time.Now().UTC()
	return &Box{
		ID:          id,
		SessionID:   uuid.NewString(),
		BoxVersion:  0,
		RoutesCount: 1,
		RouteIndex:  1,
		HoldsCounts: []int{},
		Competitors: []Competitor{},
		TimerState:  TimerIdle,
		Scores:      map[string][]*float64{},
		Times:       map[string][]*int64{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone returns a deep copy of the Box so callers outside the registry's
// lock can read a consistent snapshot without observing concurrent
// mutation.
func (b *Box) Clone() *Box {
	c := *b
	c.HoldsCounts = append([]int(nil), b.HoldsCounts...)
	c.Competitors = append([]Competitor(nil), b.Competitors...)

	if b.TimerEndsAtMs != nil {
		v := *b.TimerEndsAtMs
		c.TimerEndsAtMs = &v
	}
	if b.TimerRemainingSec != nil {
		v := *b.TimerRemainingSec
		c.TimerRemainingSec = &v
	}
	if b.LastRegisteredTime != nil {
		v := *b.LastRegisteredTime
		c.LastRegisteredTime = &v
	}

	c.Scores = cloneScores(b.Scores)
	c.Times = cloneTimes(b.Times)
	return &c
}

func cloneScores(in map[string][]*float64) map[string][]*float64 {
	out := make(map[string][]*float64, len(in))
	for name, row := range in {
		newRow := make([]*float64, len(row))
		for i, v := range row {
			if v == nil {
				continue
			}
			cp := *v
			newRow[i] = &cp
		}
		out[name] = newRow
	}
	return out
}

func cloneTimes(in map[string][]*int64) map[string][]*int64 {
	out := make(map[string][]*int64, len(in))
	for name, row := range in {
		newRow := make([]*int64, len(row))
		for i, v := range row {
			if v == nil {
				continue
			}
			cp := *v
			newRow[i] = &cp
		}
		out[name] = newRow
	}
	return out
}

// FindCompetitorByName returns the index of the competitor matching name
// (case/whitespace-insensitive) or -1 if not found.
func (b *Box) FindCompetitorByName(name string) int {
	norm := normalizeName(name)
	for i, c := range b.Competitors {
		if strings.EqualFold(normalizeName(c.Name), norm) {
			return i
		}
	}
	return -1
}

// FindCompetitorByIndex validates idx is within bounds and returns it, or
// -1 if out of range.
func (b *Box) FindCompetitorByIndex(idx int) int {
	if idx < 0 || idx >= len(b.Competitors) {
		return -1
	}
	return idx
}

// NextUnmarked returns the name of the first competitor after fromIdx
// (exclusive) that is not yet marked, scanning to the end of the list;
// competitors at or before fromIdx are not revisited. Returns "" if none
// found.
func (b *Box) NextUnmarked(fromIdx int) string {
	for i := fromIdx + 1; i < len(b.Competitors); i++ {
		if !b.Competitors[i].Marked {
			return b.Competitors[i].Name
		}
	}
	return ""
}

// normalizeName trims surrounding whitespace and collapses internal
// whitespace runs to a single space. No Unicode normalization form is
// applied, so canonically equivalent spellings compare as different.
func normalizeName(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// ClampHoldCount clamps v into [0, max].
func ClampHoldCount(v float64, max int) float64 {
	if v < 0 {
		return 0
	}
	if v > float64(max) {
		return float64(max)
	}
	return v
}
