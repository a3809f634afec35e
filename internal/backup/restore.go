package backup

import (
	"encoding/json"

	"github.com/escalada/livecontest/internal/box"
)

// ConflictReason is the stable reason a restore candidate was rejected
// (spec.md §4.L).
type ConflictReason string

const (
	ConflictLowerVersion   ConflictReason = "lower_version"
	ConflictSessionMismatch ConflictReason = "session_conflict"
)

// Conflict pairs a box id with why its snapshot could not be restored.
type Conflict struct {
	BoxID  int            `json:"boxId"`
	Reason ConflictReason `json:"reason"`
}

// Restore applies snapshots to registry following spec.md §4.L's policy,
// optionally filtered to boxIDs. It returns the ids actually restored and
// any conflicts encountered; conflicted boxes are left untouched.
func Restore(registry *box.Registry, snapshots []*box.Box, boxIDs []int) (restored []int, conflicts []Conflict) {
	var filter map[int]bool
	if len(boxIDs) > 0 {
		filter = make(map[int]bool, len(boxIDs))
		for _, id := range boxIDs {
			filter[id] = true
		}
	}

	for _, snap := range snapshots {
		if filter != nil && !filter[snap.ID] {
			continue
		}

		current, exists := registry.Get(snap.ID)
		if exists {
			if snap.BoxVersion < current.BoxVersion {
				conflicts = append(conflicts, Conflict{BoxID: snap.ID, Reason: ConflictLowerVersion})
				continue
			}
			if snap.BoxVersion == current.BoxVersion &&
				snap.SessionID != "" && current.SessionID != "" &&
				snap.SessionID != current.SessionID {
				conflicts = append(conflicts, Conflict{BoxID: snap.ID, Reason: ConflictSessionMismatch})
				continue
			}
		}

		registry.Load(snap.Clone())
		restored = append(restored, snap.ID)
	}

	return restored, conflicts
}

// FromBundle translates a previously-collected Bundle's internal
// snapshots back into restorable *box.Box values (spec.md §4.L step 2:
// "translate snapshot shape into internal state shape" — here the
// internal projection already matches box.Box exactly, so this is an
// identity extraction rather than a field remap).
func FromBundle(bundle Bundle) []*box.Box {
	out := make([]*box.Box, len(bundle.Snapshots))
	for i, s := range bundle.Snapshots {
		out[i] = s.Internal
	}
	return out
}

// externalSnapshot is the shape an externally-produced export (e.g. an
// older engine version, or a ranking tool's round-trip) may use:
// "registeredTime" where this engine's internal state calls the same
// value "lastRegisteredTime" (spec.md §4.L step 2).
type externalSnapshot struct {
	box.Box
	RegisteredTime *float64 `json:"registeredTime,omitempty"`
}

// FromExternalJSON parses a list of externally-shaped snapshot objects,
// applying the registeredTime -> lastRegisteredTime rename spec.md §4.L
// names explicitly.
func FromExternalJSON(data []byte) ([]*box.Box, error) {
	var raw []externalSnapshot
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	out := make([]*box.Box, len(raw))
	for i, r := range raw {
		b := r.Box
		if b.LastRegisteredTime == nil && r.RegisteredTime != nil {
			b.LastRegisteredTime = r.RegisteredTime
		}
		out[i] = &b
	}
	return out, nil
}
