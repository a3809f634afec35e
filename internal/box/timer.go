package box

import (
	"fmt"
	"strconv"
	"strings"
)

// Remaining derives the number of seconds left on the box's timer at nowMs
// (epoch milliseconds), in the priority order spec.md §4.D defines:
// running countdown, then remainingSec, then presetSec. Returns nil only
// if none of those are available (an uninitiated box with no preset).
func Remaining(b *Box, nowMs int64) *float64 {
	if b.TimerEndsAtMs != nil {
		remaining := float64(*b.TimerEndsAtMs-nowMs) / 1000.0
		if remaining < 0 {
			remaining = 0
		}
		return &remaining
	}
	if b.TimerRemainingSec != nil {
		v := *b.TimerRemainingSec
		return &v
	}
	if b.TimerPresetSec > 0 {
		v := float64(b.TimerPresetSec)
		return &v
	}
	return nil
}

// ParseTimerPreset validates an "mm:ss" string and returns the total
// seconds it represents. mm and ss must each be non-negative, mm <= 99 and
// ss <= 59.
func ParseTimerPreset(preset string) (int, error) {
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

// formatTimerPreset renders totalSec back into "mm:ss" form.
func formatTimerPreset(totalSec int) string {
	if totalSec < 0 {
		totalSec = 0
	}
	return fmt.Sprintf("%02d:%02d", totalSec/60, totalSec%60)
}

// setTimerToPreset resets the box's timer to idle at the given preset, clearing
// any running/paused state. Used by INIT_ROUTE, SUBMIT_SCORE, RESET_BOX
// and RESET_PARTIAL(resetTimer).
func (b *Box) setTimerToPreset() {
	b.TimerState = TimerIdle
	b.TimerEndsAtMs = nil
	remaining := float64(b.TimerPresetSec)
	b.TimerRemainingSec = &remaining
}

// applyTimerPreset updates the preset seconds/string, and — unless the
// timer is currently running or paused — resets the remaining time to it.
// While running or paused only the preset fields change; the remaining
// time is left as it is.
func (b *Box) applyTimerPreset(preset string, presetSec int) {
	b.TimerPreset = preset
	b.TimerPresetSec = presetSec
	if b.TimerState == TimerRunning || b.TimerState == TimerPaused {
		return
	}
	remaining := float64(presetSec)
	b.TimerRemainingSec = &remaining
	b.TimerEndsAtMs = nil
}

// startOrResumeTimer transitions the timer to running at nowMs, carrying
// forward whatever remaining time Remaining(b, nowMs) reports. If no
// remaining time can be derived, the timer is left as-is (spec.md §4.D).
func (b *Box) startOrResumeTimer(nowMs int64) {
	r := Remaining(b, nowMs)
	if r == nil {
		return
	}
	endsAt := nowMs + int64(*r*1000)
	b.TimerState = TimerRunning
	b.TimerEndsAtMs = &endsAt
	b.TimerRemainingSec = nil
}

// stopTimer transitions the timer to paused at nowMs, snapshotting the
// remaining time and clearing the endsAt deadline.
func (b *Box) stopTimer(nowMs int64) {
	r := Remaining(b, nowMs)
	b.TimerState = TimerPaused
	b.TimerEndsAtMs = nil
	b.TimerRemainingSec = r
}

// syncTimer accepts a client-reported remaining value only while the
// timer is not running — it is a best-effort hint, never an extension of
// an active countdown (spec.md §4.D, §8).
func (b *Box) syncTimer(remaining float64) {
	if b.TimerState == TimerRunning {
		return
	}
	b.TimerRemainingSec = &remaining
	b.TimerEndsAtMs = nil
}

// ForceSyncTimer accepts a client-reported remaining value unconditionally,
// including while running. Used only when SERVER_SIDE_TIMER is disabled
// (spec.md §6.7: "legacy client timer" mode), where the engine defers to
// whatever the connected judge client computes rather than enforcing its
// own authoritative countdown.
func (b *Box) ForceSyncTimer(remaining float64) {
	b.TimerRemainingSec = &remaining
	b.TimerEndsAtMs = nil
}
