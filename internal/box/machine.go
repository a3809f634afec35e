package box

import (
	"time"

	"github.com/escalada/livecontest/internal/command"
	"github.com/google/uuid"
)

// Echo is the per-command payload broadcast to subscribers (spec.md §4.C):
// the accepted command type plus whatever fields it mutated.
type Echo struct {
	Type    command.Type   `json:"type"`
	BoxID   int            `json:"boxId"`
	Payload map[string]any `json:"payload"`
}

// IgnoreReason enumerates the stable reasons a command can be accepted by
// the validator/rate-limiter/access-control layers but still not mutate
// state, per spec.md §4.M and §7.
type IgnoreReason string

const (
	ReasonSessionRequired IgnoreReason = "session_required"
	ReasonSessionMismatch IgnoreReason = "session_mismatch"
	ReasonStaleVersion    IgnoreReason = "stale_version"
)

// Result is what Apply returns: the command's echo (nil if ignored), a
// snapshot-required flag, and an ignore reason (empty if the command was
// applied).
type Result struct {
	Echo             *Echo
	SnapshotRequired bool
	Ignored          IgnoreReason
}

// Guard enforces spec.md §4.M's session/version checks. Apply calls it
// first and returns its reason without mutating the box when it is
// non-empty; Guard is exported separately so the registry/server layer can
// short-circuit without invoking the full state machine.
func Guard(b *Box, cmd *command.Command) IgnoreReason {
	if cmd.Type == command.InitRoute {
		return ""
	}
	if cmd.SessionID == "" {
		return ReasonSessionRequired
	}
	if cmd.SessionID != b.SessionID {
		return ReasonSessionMismatch
	}
	if cmd.HasVersion && cmd.Type != command.TimerSync && cmd.BoxVersion < b.BoxVersion {
		return ReasonStaleVersion
	}
	return ""
}

// snapshotRequiringTypes are the command types that must be followed by a
// full authoritative snapshot broadcast rather than just an echo (spec.md
// §4.C).
var snapshotRequiringTypes = map[command.Type]bool{
	command.InitRoute:    true,
	command.SubmitScore:  true,
	command.ResetBox:     true,
	command.ResetPartial: true,
	command.RequestState: true,
}

// bumpsVersion are the types that bump BoxVersion on success (all
// state-changing types except INIT_ROUTE and TIMER_SYNC, per spec.md §3,
// §4.M, §8). REQUEST_STATE is excluded too since it never mutates state.
func bumpsVersion(t command.Type) bool {
	switch t {
	case command.InitRoute, command.TimerSync, command.RequestState:
		return false
	default:
		return true
	}
}

// Apply is the deterministic function `apply(state, cmd) -> (state',
// echo, snapshotRequired)` of spec.md §4.C. The caller must hold the
// box's lock. now is injected for deterministic testing of timer effects.
func Apply(b *Box, cmd *command.Command, now time.Time) Result {
	if reason := Guard(b, cmd); reason != "" {
		return Result{Ignored: reason}
	}

	nowMs := now.UnixMilli()
	payload := map[string]any{}

	switch cmd.Type {
	case command.InitRoute:
		applyInitRoute(b, cmd)
		payload["routeIndex"] = b.RouteIndex
		payload["holdsCount"] = b.HoldsCount
		payload["currentClimber"] = b.CurrentClimber

	case command.StartTimer:
		b.startOrResumeTimer(nowMs)
		payload["timerState"] = b.TimerState
		payload["timerEndsAtMs"] = b.TimerEndsAtMs

	case command.ResumeTimer:
		b.startOrResumeTimer(nowMs)
		payload["timerState"] = b.TimerState
		payload["timerEndsAtMs"] = b.TimerEndsAtMs

	case command.StopTimer:
		b.stopTimer(nowMs)
		payload["timerState"] = b.TimerState
		payload["timerRemainingSec"] = b.TimerRemainingSec

	case command.SetTimerPreset:
		b.applyTimerPreset(cmd.TimerPreset, cmd.TimerPresetSec)
		payload["timerPreset"] = b.TimerPreset
		payload["timerPresetSec"] = b.TimerPresetSec

	case command.TimerSync:
		b.syncTimer(cmd.Remaining)
		payload["timerRemainingSec"] = b.TimerRemainingSec

	case command.RegisterTime:
		if cmd.HasRegisteredTime {
			v := cmd.RegisteredTime
			b.LastRegisteredTime = &v
		}
		payload["lastRegisteredTime"] = b.LastRegisteredTime

	case command.ProgressUpdate:
		b.HoldCount = ClampHoldCount(b.HoldCount+cmd.Delta, b.HoldsCount)
		payload["holdCount"] = b.HoldCount

	case command.SubmitScore:
		applySubmitScore(b, cmd, nowMs)
		payload["currentClimber"] = b.CurrentClimber
		payload["holdCount"] = b.HoldCount
		payload["scores"] = b.Scores[resolveCompetitorName(b, cmd)]

	case command.SetTimeCriterion:
		b.TimeCriterionEnabled = cmd.TimeCriterionEnabled
		payload["timeCriterionEnabled"] = b.TimeCriterionEnabled

	case command.ResetPartial:
		applyResetPartial(b, cmd, nowMs)
		payload["holdCount"] = b.HoldCount
		payload["timerState"] = b.TimerState

	case command.ResetBox:
		applyResetPartial(b, &command.Command{
			ResetTimer:    true,
			ClearProgress: true,
			UnmarkAll:     true,
		}, nowMs)
		clearScoresForRoute(b, b.RouteIndex)
		payload["holdCount"] = b.HoldCount
		payload["timerState"] = b.TimerState

	case command.RequestState:
		// no mutation
	}

	if bumpsVersion(cmd.Type) {
		b.BoxVersion++
	}
	b.UpdatedAt = now

	echo := &Echo{Type: cmd.Type, BoxID: b.ID, Payload: payload}
	return Result{
		Echo:             echo,
		SnapshotRequired: snapshotRequiringTypes[cmd.Type],
	}
}

func applyInitRoute(b *Box, cmd *command.Command) {
	sameRoute := b.Initiated && b.RouteIndex == cmd.RouteIndex

	b.RouteIndex = cmd.RouteIndex
	b.HoldsCount = cmd.HoldsCount
	b.RoutesCount = cmd.RoutesCount
	if cmd.HoldsCounts != nil {
		b.HoldsCounts = cmd.HoldsCounts
	}
	b.Categorie = cmd.Categorie

	competitors := make([]Competitor, len(cmd.Competitors))
	for i, c := range cmd.Competitors {
		competitors[i] = Competitor{
			Name:     c.Name,
			Marked:   c.Marked,
			Club:     c.Club,
			Bib:      c.Bib,
			Category: c.Category,
		}
	}
	b.Competitors = competitors

	b.Initiated = true
	b.HoldCount = 0
	if len(b.Competitors) > 0 {
		b.CurrentClimber = b.Competitors[0].Name
	} else {
		b.CurrentClimber = ""
	}

	if cmd.TimerPreset != "" {
		b.TimerPreset = cmd.TimerPreset
		b.TimerPresetSec = cmd.TimerPresetSec
	}
	b.setTimerToPreset()

	if b.SessionID == "" {
		b.SessionID = uuid.NewString()
	}

	// spec.md §9: preserve scores/times on re-init of the same routeIndex,
	// clear them when the route changes.
	if !sameRoute {
		b.Scores = map[string][]*float64{}
		b.Times = map[string][]*int64{}
	}
}

func resolveCompetitorName(b *Box, cmd *command.Command) string {
	if cmd.Competitor != "" {
		return cmd.Competitor
	}
	if cmd.HasCompetitorIdx {
		if i := b.FindCompetitorByIndex(cmd.CompetitorIdx); i >= 0 {
			return b.Competitors[i].Name
		}
	}
	return ""
}

func applySubmitScore(b *Box, cmd *command.Command, nowMs int64) {
	idx := -1
	if cmd.Competitor != "" {
		idx = b.FindCompetitorByName(cmd.Competitor)
	} else if cmd.HasCompetitorIdx {
		idx = b.FindCompetitorByIndex(cmd.CompetitorIdx)
	}
	if idx < 0 {
		// Competitor not found: state unchanged per spec.md §4.C.
		return
	}

	name := b.Competitors[idx].Name
	routeIdx := b.RouteIndex - 1
	if routeIdx < 0 {
		routeIdx = 0
	}

	row := b.Scores[name]
	for len(row) <= routeIdx {
		row = append(row, nil)
	}
	score := cmd.Score
	row[routeIdx] = &score
	b.Scores[name] = row

	timeRow := b.Times[name]
	for len(timeRow) <= routeIdx {
		timeRow = append(timeRow, nil)
	}
	switch {
	case cmd.HasRegisteredTime:
		t := int64(cmd.RegisteredTime)
		timeRow[routeIdx] = &t
	case b.LastRegisteredTime != nil:
		t := int64(*b.LastRegisteredTime)
		timeRow[routeIdx] = &t
	default:
		// No registered time supplied or known: leave the cell null
		// rather than fabricating a zero time (spec.md §3).
		timeRow[routeIdx] = nil
	}
	b.Times[name] = timeRow

	b.Competitors[idx].Marked = true
	b.CurrentClimber = b.NextUnmarked(idx)
	b.HoldCount = 0
	b.setTimerToPreset()
}

func applyResetPartial(b *Box, cmd *command.Command, nowMs int64) {
	if cmd.ResetTimer {
		b.setTimerToPreset()
	}
	if cmd.ClearProgress {
		b.HoldCount = 0
	}
	if cmd.UnmarkAll {
		for i := range b.Competitors {
			b.Competitors[i].Marked = false
		}
		if len(b.Competitors) > 0 {
			b.CurrentClimber = b.Competitors[0].Name
		}
	}
}

func clearScoresForRoute(b *Box, routeIndex int) {
	idx := routeIndex - 1
	if idx < 0 {
		return
	}
	for name, row := range b.Scores {
		if idx < len(row) {
			row[idx] = nil
			b.Scores[name] = row
		}
	}
	for name, row := range b.Times {
		if idx < len(row) {
			row[idx] = nil
			b.Times[name] = row
		}
	}
}
