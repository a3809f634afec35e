// Package command normalizes and validates inbound box commands
// (spec.md §4.A) before they reach the box state machine.
package command

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Type discriminates the recognized command kinds.
type Type string

const (
	InitRoute       Type = "INIT_ROUTE"
	StartTimer      Type = "START_TIMER"
	StopTimer       Type = "STOP_TIMER"
	ResumeTimer     Type = "RESUME_TIMER"
	SetTimerPreset  Type = "SET_TIMER_PRESET"
	TimerSync       Type = "TIMER_SYNC"
	ResetPartial    Type = "RESET_PARTIAL"
	RegisterTime    Type = "REGISTER_TIME"
	ProgressUpdate  Type = "PROGRESS_UPDATE"
	SubmitScore     Type = "SUBMIT_SCORE"
	SetTimeCriterion Type = "SET_TIME_CRITERION"
	ResetBox        Type = "RESET_BOX"
	RequestState    Type = "REQUEST_STATE"
)

// CompetitorInput is the wire shape of a competitor in an INIT_ROUTE
// command.
type CompetitorInput struct {
	Name     string `json:"name"`
	Marked   bool   `json:"marked"`
	Club     string `json:"club,omitempty"`
	Bib      string `json:"bib,omitempty"`
	Category string `json:"category,omitempty"`
}

// Raw is the unvalidated wire shape of an inbound command. All fields are
// optional pointers/values; Validate fills in a Command from whichever of
// them the command Type requires.
type Raw struct {
	Type      string `json:"type"`
	BoxID     *int   `json:"boxId"`
	SessionID string `json:"sessionId,omitempty"`
	BoxVersion *uint64 `json:"boxVersion,omitempty"`

	RouteIndex  *int              `json:"routeIndex,omitempty"`
	RoutesCount *int              `json:"routesCount,omitempty"`
	HoldsCount  *int              `json:"holdsCount,omitempty"`
	HoldsCounts []int             `json:"holdsCounts,omitempty"`
	Categorie   string            `json:"categorie,omitempty"`
	Competitors []CompetitorInput `json:"competitors,omitempty"`

	TimerPreset string `json:"timerPreset,omitempty"`

	Remaining *float64 `json:"remaining,omitempty"`

	ResetTimer     *bool `json:"resetTimer,omitempty"`
	ClearProgress  *bool `json:"clearProgress,omitempty"`
	UnmarkAll      *bool `json:"unmarkAll,omitempty"`

	RegisteredTime *float64 `json:"registeredTime,omitempty"`
	// Legacy alias for RegisteredTime.
	Time *float64 `json:"time,omitempty"`

	Delta *float64 `json:"delta,omitempty"`

	Competitor    string `json:"competitor,omitempty"`
	CompetitorIdx *int   `json:"competitorIdx,omitempty"`
	// Legacy alias for CompetitorIdx.
	Idx   *int     `json:"idx,omitempty"`
	Score *float64 `json:"score,omitempty"`

	TimeCriterionEnabled *bool `json:"timeCriterionEnabled,omitempty"`

	ActionID string `json:"actionId,omitempty"`
}

// Command is the normalized, validated form of an inbound command.
type Command struct {
	Type  Type
	BoxID int

	SessionID  string
	HasVersion bool
	BoxVersion uint64

	RouteIndex  int
	RoutesCount int
	HoldsCount  int
	HoldsCounts []int
	Categorie   string
	Competitors []CompetitorInput

	TimerPreset    string
	TimerPresetSec int

	Remaining float64

	ResetTimer    bool
	ClearProgress bool
	UnmarkAll     bool

	HasRegisteredTime bool
	RegisteredTime    float64

	Delta float64

	Competitor    string
	HasCompetitorIdx bool
	CompetitorIdx int
	Score         float64

	TimeCriterionEnabled bool

	ActionID string
}

// ValidationError is returned by Validate on a malformed or out-of-bounds
// command. Reason is a short, stable, machine-readable string suitable for
// mapping to an HTTP 400 body.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func invalid(reason string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(reason, args...)}
}

var allowedDeltas = map[float64]bool{1: true, -1: true, 0.5: true, -0.5: true}

// unsafePattern rejects raw control characters and a small set of
// SQL/XSS injection sentinels from free-form string fields (spec.md §4.A).
var unsafePattern = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F]|<script|</script|--\s*$|;\s*drop\s+table`)

func safeString(s string) bool {
	return !unsafePattern.MatchString(strings.ToLower(s))
}

// Validate normalizes raw into a Command, applying legacy aliases and
// enforcing per-type required fields and value bounds. On failure it
// returns a *ValidationError; callers map that to HTTP 400 per spec.md §7.
func Validate(raw Raw) (*Command, error) {
	if raw.BoxID == nil {
		return nil, invalid("boxId is required")
	}
	if *raw.BoxID < 0 || *raw.BoxID > 10_000 {
		return nil, invalid("boxId out of range")
	}

	// Legacy aliases.
	if raw.RegisteredTime == nil && raw.Time != nil {
		raw.RegisteredTime = raw.Time
	}
	if raw.CompetitorIdx == nil && raw.Idx != nil {
		raw.CompetitorIdx = raw.Idx
	}

	t := Type(strings.TrimSpace(raw.Type))
	cmd := &Command{
		Type:       t,
		BoxID:      *raw.BoxID,
		SessionID:  strings.TrimSpace(raw.SessionID),
		ActionID:   strings.TrimSpace(raw.ActionID),
	}
	if raw.BoxVersion != nil {
		cmd.HasVersion = true
		cmd.BoxVersion = *raw.BoxVersion
	}

	switch t {
	case InitRoute:
		if raw.RouteIndex == nil {
			return nil, invalid("routeIndex is required")
		}
		if raw.HoldsCount == nil {
			return nil, invalid("holdsCount is required")
		}
		if raw.Competitors == nil {
			return nil, invalid("competitors is required")
		}
		if *raw.RouteIndex < 1 {
			return nil, invalid("routeIndex must be >= 1")
		}
		if *raw.HoldsCount < 0 {
			return nil, invalid("holdsCount must be >= 0")
		}
		routesCount := *raw.RouteIndex
		if raw.RoutesCount != nil {
			routesCount = *raw.RoutesCount
		}
		if routesCount < 1 {
			return nil, invalid("routesCount must be >= 1")
		}
		if *raw.RouteIndex > routesCount {
			return nil, invalid("routeIndex must be <= routesCount")
		}
		for i, c := range raw.Competitors {
			name := strings.Join(strings.Fields(c.Name), " ")
			if name == "" {
				return nil, invalid("competitor[%d].name must not be blank", i)
			}
			if !safeString(name) {
				return nil, invalid("competitor[%d].name contains unsafe characters", i)
			}
			raw.Competitors[i].Name = name
		}
		if !safeString(raw.Categorie) {
			return nil, invalid("categorie contains unsafe characters")
		}
		cmd.RouteIndex = *raw.RouteIndex
		cmd.RoutesCount = routesCount
		cmd.HoldsCount = *raw.HoldsCount
		cmd.HoldsCounts = raw.HoldsCounts
		cmd.Categorie = strings.TrimSpace(raw.Categorie)
		cmd.Competitors = raw.Competitors
		if raw.TimerPreset != "" {
			sec, err := parsePresetOrErr(raw.TimerPreset)
			if err != nil {
				return nil, err
			}
			cmd.TimerPreset = raw.TimerPreset
			cmd.TimerPresetSec = sec
		}

	case StartTimer, StopTimer, ResumeTimer:
		if cmd.SessionID == "" {
			return nil, invalid("sessionId is required")
		}

	case SetTimerPreset:
		if cmd.SessionID == "" {
			return nil, invalid("sessionId is required")
		}
		if raw.TimerPreset == "" {
			return nil, invalid("timerPreset is required")
		}
		sec, err := parsePresetOrErr(raw.TimerPreset)
		if err != nil {
			return nil, err
		}
		cmd.TimerPreset = raw.TimerPreset
		cmd.TimerPresetSec = sec

	case TimerSync:
		if cmd.SessionID == "" {
			return nil, invalid("sessionId is required")
		}
		if raw.Remaining == nil {
			return nil, invalid("remaining is required")
		}
		if *raw.Remaining < 0 {
			return nil, invalid("remaining must be >= 0")
		}
		cmd.Remaining = *raw.Remaining

	case ResetPartial:
		if cmd.SessionID == "" {
			return nil, invalid("sessionId is required")
		}
		if raw.ResetTimer != nil {
			cmd.ResetTimer = *raw.ResetTimer
		}
		if raw.ClearProgress != nil {
			cmd.ClearProgress = *raw.ClearProgress
		}
		if raw.UnmarkAll != nil {
			cmd.UnmarkAll = *raw.UnmarkAll
		}

	case RegisterTime:
		if cmd.SessionID == "" {
			return nil, invalid("sessionId is required")
		}
		if raw.RegisteredTime != nil {
			cmd.HasRegisteredTime = true
			cmd.RegisteredTime = *raw.RegisteredTime
			if cmd.RegisteredTime < 0 {
				return nil, invalid("registeredTime must be >= 0")
			}
		}

	case ProgressUpdate:
		if cmd.SessionID == "" {
			return nil, invalid("sessionId is required")
		}
		if raw.Delta == nil {
			return nil, invalid("delta is required")
		}
		if !allowedDeltas[*raw.Delta] {
			return nil, invalid("delta must be one of +-1, +-0.5")
		}
		cmd.Delta = *raw.Delta

	case SubmitScore:
		if cmd.SessionID == "" {
			return nil, invalid("sessionId is required")
		}
		if raw.Competitor == "" && raw.CompetitorIdx == nil {
			return nil, invalid("competitor or competitorIdx is required")
		}
		if raw.Score == nil {
			return nil, invalid("score is required")
		}
		if raw.Competitor != "" && !safeString(raw.Competitor) {
			return nil, invalid("competitor contains unsafe characters")
		}
		cmd.Competitor = strings.Join(strings.Fields(raw.Competitor), " ")
		if raw.CompetitorIdx != nil {
			cmd.HasCompetitorIdx = true
			cmd.CompetitorIdx = *raw.CompetitorIdx
		}
		cmd.Score = *raw.Score
		if raw.RegisteredTime != nil {
			cmd.HasRegisteredTime = true
			cmd.RegisteredTime = *raw.RegisteredTime
		}

	case SetTimeCriterion:
		if raw.TimeCriterionEnabled == nil {
			return nil, invalid("timeCriterionEnabled is required")
		}
		cmd.TimeCriterionEnabled = *raw.TimeCriterionEnabled

	case ResetBox:
		if cmd.SessionID == "" {
			return nil, invalid("sessionId is required")
		}

	case RequestState:
		// transport-only, no further fields

	default:
		return nil, invalid("unrecognized command type %q", raw.Type)
	}

	return cmd, nil
}

func parsePresetOrErr(preset string) (int, error) {
	sec, err := parseTimerPreset(preset)
	if err != nil {
		return 0, invalid("%s", err.Error())
	}
	return sec, nil
}

// parseTimerPreset validates an "mm:ss" string per spec.md §4.A (0<=mm<=99,
// 0<=ss<=59) and returns the total seconds it represents. Kept local to
// this package (rather than imported from internal/box) to avoid a
// box<->command import cycle, since box's state machine takes a
// command.Command as input.
func parseTimerPreset(preset string) (int, error) {
	parts := strings.SplitN(preset, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("timerPreset %q must be in mm:ss form", preset)
	}
	mm, err := strconv.Atoi(parts[0])
	if err != nil || mm < 0 || mm > 99 {
		return 0, fmt.Errorf("timerPreset %q has invalid minutes", preset)
	}
	if len(parts[1]) != 2 {
		return 0, fmt.Errorf("timerPreset %q seconds must be two digits", preset)
	}
	ss, err := strconv.Atoi(parts[1])
	if err != nil || ss < 0 || ss > 59 {
		return 0, fmt.Errorf("timerPreset %q has invalid seconds", preset)
	}
	return mm*60 + ss, nil
}
