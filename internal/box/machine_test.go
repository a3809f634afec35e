package box

import (
	"testing"
	"time"

	"github.com/escalada/livecontest/internal/command"
)

func initRoute(t *testing.T, b *Box, now time.Time) {
	t.Helper()
	cmd := &command.Command{
		Type:        command.InitRoute,
		BoxID:       b.ID,
		RouteIndex:  1,
		RoutesCount: 1,
		HoldsCount:  40,
		Competitors: []command.CompetitorInput{{Name: "Alice"}, {Name: "Bob"}},
	}
	res := Apply(b, cmd, now)
	if res.Ignored != "" {
		t.Fatalf("INIT_ROUTE was ignored: %v", res.Ignored)
	}
}

func TestApplyInitRouteDoesNotBumpVersion(t *testing.T) {
	b := New(1)
	before := b.BoxVersion
	initRoute(t, b, time.Now())
	if b.BoxVersion != before {
		t.Errorf("BoxVersion = %d, want unchanged %d after INIT_ROUTE", b.BoxVersion, before)
	}
	if !b.Initiated {
		t.Error("expected Initiated = true")
	}
}

func TestApplyBumpsVersionByExactlyOne(t *testing.T) {
	b := New(1)
	initRoute(t, b, time.Now())

	cases := []command.Type{
		command.StartTimer, command.StopTimer, command.ResumeTimer,
		command.SetTimerPreset, command.RegisterTime, command.ProgressUpdate,
		command.SubmitScore, command.ResetPartial, command.ResetBox,
	}
	for _, typ := range cases {
		cmd := &command.Command{Type: typ, BoxID: b.ID, SessionID: b.SessionID}
		switch typ {
		case command.SetTimerPreset:
			cmd.TimerPreset, cmd.TimerPresetSec = "01:00", 60
		case command.ProgressUpdate:
			cmd.Delta = 1
		case command.SubmitScore:
			cmd.Competitor, cmd.Score = "Alice", 50
		}
		before := b.BoxVersion
		res := Apply(b, cmd, time.Now())
		if res.Ignored != "" {
			t.Fatalf("%s was ignored: %v", typ, res.Ignored)
		}
		if b.BoxVersion != before+1 {
			t.Errorf("%s: BoxVersion = %d, want %d", typ, b.BoxVersion, before+1)
		}
	}
}

func TestApplyTimerSyncAndRequestStateDoNotBumpVersion(t *testing.T) {
	b := New(1)
	initRoute(t, b, time.Now())

	before := b.BoxVersion
	Apply(b, &command.Command{Type: command.TimerSync, BoxID: b.ID, SessionID: b.SessionID, Remaining: 30}, time.Now())
	if b.BoxVersion != before {
		t.Errorf("TIMER_SYNC bumped version: %d -> %d", before, b.BoxVersion)
	}

	Apply(b, &command.Command{Type: command.RequestState, BoxID: b.ID, SessionID: b.SessionID}, time.Now())
	if b.BoxVersion != before {
		t.Errorf("REQUEST_STATE bumped version: %d -> %d", before, b.BoxVersion)
	}
}

func TestGuardRejectsMissingSession(t *testing.T) {
	b := New(1)
	initRoute(t, b, time.Now())
	before := b.BoxVersion

	res := Apply(b, &command.Command{Type: command.StartTimer, BoxID: b.ID}, time.Now())
	if res.Ignored != ReasonSessionRequired {
		t.Errorf("Ignored = %v, want session_required", res.Ignored)
	}
	if b.BoxVersion != before {
		t.Error("a rejected command must not mutate state")
	}
}

func TestGuardRejectsSessionMismatch(t *testing.T) {
	b := New(1)
	initRoute(t, b, time.Now())

	res := Apply(b, &command.Command{Type: command.StartTimer, BoxID: b.ID, SessionID: "wrong-session"}, time.Now())
	if res.Ignored != ReasonSessionMismatch {
		t.Errorf("Ignored = %v, want session_mismatch", res.Ignored)
	}
}

func TestGuardRejectsStaleVersion(t *testing.T) {
	b := New(1)
	initRoute(t, b, time.Now())
	Apply(b, &command.Command{Type: command.StartTimer, BoxID: b.ID, SessionID: b.SessionID}, time.Now())

	stale := b.BoxVersion - 1
	res := Apply(b, &command.Command{
		Type: command.StopTimer, BoxID: b.ID, SessionID: b.SessionID,
		HasVersion: true, BoxVersion: stale,
	}, time.Now())
	if res.Ignored != ReasonStaleVersion {
		t.Errorf("Ignored = %v, want stale_version", res.Ignored)
	}
}

func TestGuardAllowsTimerSyncDespiteStaleVersion(t *testing.T) {
	b := New(1)
	initRoute(t, b, time.Now())
	stale := b.BoxVersion
	Apply(b, &command.Command{Type: command.StartTimer, BoxID: b.ID, SessionID: b.SessionID}, time.Now())

	res := Apply(b, &command.Command{
		Type: command.TimerSync, BoxID: b.ID, SessionID: b.SessionID,
		HasVersion: true, BoxVersion: stale, Remaining: 10,
	}, time.Now())
	if res.Ignored != "" {
		t.Errorf("TIMER_SYNC should be exempt from the version check, got %v", res.Ignored)
	}
}

func TestApplyProgressUpdateClampsToHoldsCount(t *testing.T) {
	b := New(1)
	initRoute(t, b, time.Now())
	b.HoldsCount = 3

	for i := 0; i < 10; i++ {
		Apply(b, &command.Command{Type: command.ProgressUpdate, BoxID: b.ID, SessionID: b.SessionID, Delta: 1}, time.Now())
	}
	if b.HoldCount != 3 {
		t.Errorf("HoldCount = %v, want clamped to 3", b.HoldCount)
	}

	Apply(b, &command.Command{Type: command.ProgressUpdate, BoxID: b.ID, SessionID: b.SessionID, Delta: -1}, time.Now())
	if b.HoldCount != 2 {
		t.Errorf("HoldCount = %v, want 2", b.HoldCount)
	}
	for i := 0; i < 10; i++ {
		Apply(b, &command.Command{Type: command.ProgressUpdate, BoxID: b.ID, SessionID: b.SessionID, Delta: -1}, time.Now())
	}
	if b.HoldCount != 0 {
		t.Errorf("HoldCount = %v, want clamped to 0", b.HoldCount)
	}
}

func TestApplyRegisterTimeNullLeavesUnchanged(t *testing.T) {
	b := New(1)
	initRoute(t, b, time.Now())
	existing := 12.0
	b.LastRegisteredTime = &existing

	Apply(b, &command.Command{Type: command.RegisterTime, BoxID: b.ID, SessionID: b.SessionID}, time.Now())

	if b.LastRegisteredTime == nil || *b.LastRegisteredTime != 12 {
		t.Errorf("LastRegisteredTime = %v, want unchanged 12", b.LastRegisteredTime)
	}
}

func TestApplySubmitScoreFallsBackToLastRegisteredTime(t *testing.T) {
	b := New(1)
	initRoute(t, b, time.Now())
	last := 8.0
	b.LastRegisteredTime = &last

	Apply(b, &command.Command{
		Type: command.SubmitScore, BoxID: b.ID, SessionID: b.SessionID,
		Competitor: "Alice", Score: 75,
	}, time.Now())

	times := b.Times["Alice"]
	if len(times) == 0 || times[0] == nil || *times[0] != 8 {
		t.Errorf("expected time fallback to lastRegisteredTime=8, got %v", times)
	}

	scores := b.Scores["Alice"]
	if len(scores) == 0 || scores[0] == nil || *scores[0] != 75 {
		t.Errorf("expected score 75, got %v", scores)
	}
	if !b.Competitors[0].Marked {
		t.Error("expected Alice marked after SUBMIT_SCORE")
	}
	if b.CurrentClimber != "Bob" {
		t.Errorf("CurrentClimber = %q, want Bob", b.CurrentClimber)
	}
}

func TestApplySubmitScoreExplicitRegisteredTimeOverridesFallback(t *testing.T) {
	b := New(1)
	initRoute(t, b, time.Now())
	last := 8.0
	b.LastRegisteredTime = &last

	Apply(b, &command.Command{
		Type: command.SubmitScore, BoxID: b.ID, SessionID: b.SessionID,
		Competitor: "Alice", Score: 75, HasRegisteredTime: true, RegisteredTime: 20,
	}, time.Now())

	times := b.Times["Alice"]
	if len(times) == 0 || times[0] == nil || *times[0] != 20 {
		t.Errorf("expected explicit registeredTime=20 to win, got %v", times)
	}
}

func TestApplyInitRoutePreservesScoresOnSameRoute(t *testing.T) {
	b := New(1)
	initRoute(t, b, time.Now())
	Apply(b, &command.Command{
		Type: command.SubmitScore, BoxID: b.ID, SessionID: b.SessionID,
		Competitor: "Alice", Score: 60,
	}, time.Now())

	Apply(b, &command.Command{
		Type: command.InitRoute, BoxID: b.ID, RouteIndex: 1, RoutesCount: 1,
		HoldsCount: 40, Competitors: []command.CompetitorInput{{Name: "Alice"}, {Name: "Bob"}},
	}, time.Now())

	if len(b.Scores["Alice"]) == 0 || b.Scores["Alice"][0] == nil {
		t.Error("re-INIT_ROUTE with the same routeIndex should preserve scores")
	}
}

func TestApplyInitRouteClearsScoresOnRouteChange(t *testing.T) {
	b := New(1)
	initRoute(t, b, time.Now())
	Apply(b, &command.Command{
		Type: command.SubmitScore, BoxID: b.ID, SessionID: b.SessionID,
		Competitor: "Alice", Score: 60,
	}, time.Now())

	Apply(b, &command.Command{
		Type: command.InitRoute, BoxID: b.ID, RouteIndex: 2, RoutesCount: 2,
		HoldsCount: 40, Competitors: []command.CompetitorInput{{Name: "Alice"}, {Name: "Bob"}},
	}, time.Now())

	if len(b.Scores) != 0 {
		t.Errorf("expected scores cleared on route change, got %v", b.Scores)
	}
}

func TestApplySnapshotRequiredTypes(t *testing.T) {
	b := New(1)
	res := Apply(b, &command.Command{
		Type: command.InitRoute, BoxID: b.ID, RouteIndex: 1, RoutesCount: 1,
		HoldsCount: 10, Competitors: []command.CompetitorInput{{Name: "Alice"}},
	}, time.Now())
	if !res.SnapshotRequired {
		t.Error("INIT_ROUTE should require a snapshot broadcast")
	}

	res = Apply(b, &command.Command{Type: command.StartTimer, BoxID: b.ID, SessionID: b.SessionID}, time.Now())
	if res.SnapshotRequired {
		t.Error("START_TIMER should only echo, not require a snapshot")
	}
}

func TestRunningTimerInvariant(t *testing.T) {
	b := New(1)
	initRoute(t, b, time.Now())
	now := time.Now()
	Apply(b, &command.Command{Type: command.StartTimer, BoxID: b.ID, SessionID: b.SessionID}, now)

	if b.TimerState != TimerRunning {
		t.Fatal("expected running state")
	}
	if b.TimerEndsAtMs == nil {
		t.Error("running timer must have endsAtMs set")
	}
	if b.TimerRemainingSec != nil {
		t.Error("running timer must not have remainingSec set")
	}
}
