package box

import "testing"

func TestNewBoxDefaults(t *testing.T) {
	b := New(3)
	if b.ID != 3 {
		t.Errorf("ID = %d, want 3", b.ID)
	}
	if b.SessionID == "" {
		t.Error("expected a generated sessionId")
	}
	if b.TimerState != TimerIdle {
		t.Errorf("TimerState = %v, want idle", b.TimerState)
	}
	if b.RouteIndex != 1 || b.RoutesCount != 1 {
		t.Errorf("RouteIndex/RoutesCount = %d/%d, want 1/1", b.RouteIndex, b.RoutesCount)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	b := New(1)
	b.Competitors = []Competitor{{Name: "Alice"}}
	score := 9.5
	b.Scores["Alice"] = []*float64{&score}

	c := b.Clone()
	c.Competitors[0].Name = "Mutated"
	*c.Scores["Alice"][0] = 1.0

	if b.Competitors[0].Name != "Alice" {
		t.Error("mutating clone's competitors affected original")
	}
	if *b.Scores["Alice"][0] != 9.5 {
		t.Error("mutating clone's scores affected original")
	}
}

func TestFindCompetitorByName(t *testing.T) {
	b := New(1)
	b.Competitors = []Competitor{{Name: "Alice Smith"}, {Name: "Bob"}}

	if idx := b.FindCompetitorByName("  alice   smith "); idx != 0 {
		t.Errorf("FindCompetitorByName case/whitespace-insensitive = %d, want 0", idx)
	}
	if idx := b.FindCompetitorByName("Carol"); idx != -1 {
		t.Errorf("FindCompetitorByName(missing) = %d, want -1", idx)
	}
}

func TestFindCompetitorByIndex(t *testing.T) {
	b := New(1)
	b.Competitors = []Competitor{{Name: "A"}, {Name: "B"}}

	if idx := b.FindCompetitorByIndex(1); idx != 1 {
		t.Errorf("FindCompetitorByIndex(1) = %d, want 1", idx)
	}
	if idx := b.FindCompetitorByIndex(5); idx != -1 {
		t.Errorf("FindCompetitorByIndex(5) = %d, want -1", idx)
	}
	if idx := b.FindCompetitorByIndex(-1); idx != -1 {
		t.Errorf("FindCompetitorByIndex(-1) = %d, want -1", idx)
	}
}

func TestNextUnmarked(t *testing.T) {
	b := New(1)
	b.Competitors = []Competitor{
		{Name: "A", Marked: true},
		{Name: "B", Marked: false},
		{Name: "C", Marked: false},
	}
	if next := b.NextUnmarked(0); next != "B" {
		t.Errorf("NextUnmarked(0) = %q, want B", next)
	}
	if next := b.NextUnmarked(2); next != "" {
		t.Errorf("NextUnmarked(2) = %q, want empty", next)
	}
}

func TestClampHoldCount(t *testing.T) {
	cases := []struct {
		v, max, want float64
	}{
		{-1, 10, 0},
		{5, 10, 5},
		{15, 10, 10},
	}
	for _, c := range cases {
		if got := ClampHoldCount(c.v, int(c.max)); got != c.want {
			t.Errorf("ClampHoldCount(%v, %v) = %v, want %v", c.v, c.max, got, c.want)
		}
	}
}
