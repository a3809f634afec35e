package box

import (
	"sync"
	"testing"
	"time"

	"github.com/escalada/livecontest/internal/command"
)

func TestRegistryGetMissingBoxReturnsNotFound(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Get(42); ok {
		t.Error("Get on a never-referenced box should return false")
	}
}

func TestRegistryEnsureLazilyCreates(t *testing.T) {
	r := NewRegistry()
	b := r.Ensure(7)
	if b.ID != 7 {
		t.Fatalf("Ensure(7).ID = %d, want 7", b.ID)
	}
	got, ok := r.Get(7)
	if !ok || got.ID != 7 {
		t.Error("Get should now find the lazily created box")
	}
}

func TestRegistryGetReturnsIndependentCopies(t *testing.T) {
	r := NewRegistry()
	r.Ensure(1)

	a, _ := r.Get(1)
	a.HoldCount = 99

	b, _ := r.Get(1)
	if b.HoldCount == 99 {
		t.Error("Get must return a deep copy, not shared state")
	}
}

func TestRegistryWithMutatesLiveState(t *testing.T) {
	r := NewRegistry()
	r.With(1, func(b *Box) {
		b.HoldCount = 5
	})
	got, _ := r.Get(1)
	if got.HoldCount != 5 {
		t.Errorf("HoldCount = %v, want 5", got.HoldCount)
	}
}

// TestConcurrentProgressUpdateConverges exercises the registry's per-box
// locking under a flood of concurrent PROGRESS_UPDATE commands: every
// accepted delta must be applied exactly once, converging on
// min(appliedDeltas, holdsCount) with no lost updates.
func TestConcurrentProgressUpdateConverges(t *testing.T) {
	r := NewRegistry()
	r.With(1, func(b *Box) {
		initRoute(t, b, time.Now())
		b.HoldsCount = 1_000_000 // effectively unclamped for this test
	})

	const n = 200
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			r.With(1, func(b *Box) {
				Apply(b, &command.Command{
					Type: command.ProgressUpdate, BoxID: 1, SessionID: b.SessionID, Delta: 1,
				}, time.Now())
			})
		}()
	}
	wg.Wait()

	got, _ := r.Get(1)
	if got.HoldCount != float64(n) {
		t.Errorf("HoldCount = %v, want %v (no lost updates)", got.HoldCount, n)
	}
	if got.BoxVersion != uint64(n) {
		t.Errorf("BoxVersion = %d, want %d", got.BoxVersion, n)
	}
}

func TestRegistryLoadOverwritesExisting(t *testing.T) {
	r := NewRegistry()
	r.Ensure(1)

	replacement := New(1)
	replacement.HoldCount = 42
	r.Load(replacement)

	got, _ := r.Get(1)
	if got.HoldCount != 42 {
		t.Errorf("HoldCount = %v, want 42 after Load", got.HoldCount)
	}
}

func TestRegistryGetAllStatesSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Ensure(1)
	r.Ensure(2)
	r.Ensure(3)

	all := r.GetAllStatesSnapshot()
	if len(all) != 3 {
		t.Fatalf("GetAllStatesSnapshot returned %d boxes, want 3", len(all))
	}
}
