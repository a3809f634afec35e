package public

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/escalada/livecontest/internal/box"
	"github.com/escalada/livecontest/internal/command"
)

func TestViewExcludesRawCompetitorList(t *testing.T) {
	b := box.New(1)
	b.Initiated = true
	b.Competitors = []box.Competitor{{Name: "Alice"}, {Name: "Bob"}}
	b.CurrentClimber = "Alice"

	view := View(b, 0)
	if view.BoxID != 1 {
		t.Errorf("BoxID = %d, want 1", view.BoxID)
	}
	if view.CurrentClimber != "Alice" {
		t.Errorf("CurrentClimber = %q, want Alice", view.CurrentClimber)
	}
	if view.PreparingClimber != "Bob" {
		t.Errorf("PreparingClimber = %q, want Bob", view.PreparingClimber)
	}
	data, err := json.Marshal(view)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), `"competitors"`) {
		t.Error("public view must not include the raw competitor list")
	}
}

func TestPreparingClimberSkipsMarked(t *testing.T) {
	b := box.New(1)
	b.Competitors = []box.Competitor{
		{Name: "A"}, {Name: "B", Marked: true}, {Name: "C"},
	}
	b.CurrentClimber = "A"

	view := View(b, 0)
	if view.PreparingClimber != "C" {
		t.Errorf("PreparingClimber = %q, want C", view.PreparingClimber)
	}
}

func TestPreparingClimberEmptyWhenNoCurrentClimber(t *testing.T) {
	b := box.New(1)
	view := View(b, 0)
	if view.PreparingClimber != "" {
		t.Errorf("PreparingClimber = %q, want empty", view.PreparingClimber)
	}
}

func TestBuildSnapshotPreservesOrder(t *testing.T) {
	b1, b2, b3 := box.New(1), box.New(2), box.New(3)
	snap := BuildSnapshot([]*box.Box{b1, b2, b3}, 0)
	if snap.Type != "PUBLIC_STATE_SNAPSHOT" {
		t.Errorf("Type = %q", snap.Type)
	}
	if len(snap.Boxes) != 3 || snap.Boxes[0].BoxID != 1 || snap.Boxes[2].BoxID != 3 {
		t.Errorf("unexpected box ordering: %+v", snap.Boxes)
	}
}

func TestEventTypeForMapping(t *testing.T) {
	cases := []struct {
		t    command.Type
		want string
		ok   bool
	}{
		{command.InitRoute, "BOX_STATUS_UPDATE", true},
		{command.StartTimer, "BOX_FLOW_UPDATE", true},
		{command.SubmitScore, "BOX_RANKING_UPDATE", true},
		{command.RequestState, "", false},
	}
	for _, c := range cases {
		got, ok := EventTypeFor(c.t)
		if ok != c.ok || (ok && got != c.want) {
			t.Errorf("EventTypeFor(%v) = (%q, %v), want (%q, %v)", c.t, got, ok, c.want, c.ok)
		}
	}
}

func TestBuildBoxUpdateReportsFalseForUnmappedType(t *testing.T) {
	b := box.New(1)
	if _, ok := BuildBoxUpdate(command.RequestState, b, 0); ok {
		t.Error("REQUEST_STATE should not produce a public box update")
	}
}

func TestBuildBoxUpdateProjectsView(t *testing.T) {
	b := box.New(1)
	b.Initiated = true
	update, ok := BuildBoxUpdate(command.InitRoute, b, 0)
	if !ok {
		t.Fatal("expected INIT_ROUTE to produce a public box update")
	}
	if update.Type != "BOX_STATUS_UPDATE" || update.BoxID != 1 {
		t.Errorf("unexpected update: %+v", update)
	}
}
