package storage

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/escalada/livecontest/internal/box"
	"github.com/google/uuid"
)

// BoxStore persists {STORAGE}/boxes/{boxId}.json (spec.md §4.F, §6.6).
// Writes are serialized per box by a dedicated lock distinct from the
// registry's in-memory state lock (spec.md §4.F, §5): persistence never
// blocks another box's command path, and within one box it is always
// invoked while that box's state lock is already held, so the two nest
// rather than race.
type BoxStore struct {
	dir string

	mu    sync.Mutex
	locks map[int]*sync.Mutex
}

// NewBoxStore returns a BoxStore rooted at {STORAGE}/boxes.
func NewBoxStore(storageDir string) *BoxStore {
	return &BoxStore{
		dir:   filepath.Join(storageDir, "boxes"),
		locks: make(map[int]*sync.Mutex),
	}
}

func (s *BoxStore) lockFor(id int) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *BoxStore) path(id int) string {
	return filepath.Join(s.dir, strconv.Itoa(id)+".json")
}

// Save atomically persists b. Persistence errors are logged, never
// returned as fatal — the in-memory state remains authoritative for the
// session (spec.md §4.F, §7).
func (s *BoxStore) Save(b *box.Box) {
	l := s.lockFor(b.ID)
	l.Lock()
	defer l.Unlock()

	if err := atomicWriteJSON(s.path(b.ID), b); err != nil {
		log.Printf("storage: failed to persist box %d: %v", b.ID, err)
	}
}

// LoadAll scans the boxes directory and returns every box it can parse.
// Corrupt files are skipped with a warning rather than treated as fatal
// (spec.md §4.F).
func (s *BoxStore) LoadAll() []*box.Box {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("storage: failed to list boxes dir: %v", err)
		}
		return nil
	}

	var out []*box.Box
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		idStr := strings.TrimSuffix(e.Name(), ".json")
		id, err := strconv.Atoi(idStr)
		if err != nil {
			log.Printf("storage: skipping unrecognized box file %q", e.Name())
			continue
		}
		b, err := s.loadOne(id)
		if err != nil {
			log.Printf("storage: skipping corrupt box file %q: %v", e.Name(), err)
			continue
		}
		out = append(out, b)
	}
	return out
}

func (s *BoxStore) loadOne(id int) (*box.Box, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil, err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if err := validateBoxShape(raw); err != nil {
		return nil, err
	}

	var b box.Box
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	b.ID = id

	applyBoxDefaults(&b)
	return &b, nil
}

// validateBoxShape enforces spec.md §4.F's minimal shape check on a
// parsed box file: "initiated" must be a bool if present, "competitors"
// must be a list if present. The caller has already confirmed raw parses
// as a JSON object (json.Unmarshal into a map fails otherwise).
func validateBoxShape(raw map[string]json.RawMessage) error {
	if v, ok := raw["initiated"]; ok {
		var b bool
		if err := json.Unmarshal(v, &b); err != nil {
			return errShape("initiated must be a bool")
		}
	}
	if v, ok := raw["competitors"]; ok {
		var list []json.RawMessage
		if err := json.Unmarshal(v, &list); err != nil {
			return errShape("competitors must be a list")
		}
	}
	return nil
}

type shapeError string

func (e shapeError) Error() string { return string(e) }

func errShape(msg string) error { return shapeError(msg) }

// applyBoxDefaults supplies the defaults spec.md §4.F requires when a
// parsed box file is missing fields: boxVersion=0, a fresh sessionId,
// routesCount derived from routeIndex, and an empty holdsCounts slice.
func applyBoxDefaults(b *box.Box) {
	if b.SessionID == "" {
		b.SessionID = uuid.NewString()
	}
	if b.RoutesCount == 0 {
		if b.RouteIndex > 0 {
			b.RoutesCount = b.RouteIndex
		} else {
			b.RoutesCount = 1
		}
	}
	if b.RouteIndex == 0 {
		b.RouteIndex = 1
	}
	if b.HoldsCounts == nil {
		b.HoldsCounts = []int{}
	}
	if b.Competitors == nil {
		b.Competitors = []box.Competitor{}
	}
	if b.Scores == nil {
		b.Scores = map[string][]*float64{}
	}
	if b.Times == nil {
		b.Times = map[string][]*int64{}
	}
}

// Wipe removes every persisted box file — used on startup unless
// RESET_BOXES_ON_START opts out (spec.md §4.F, §6.7).
func (s *BoxStore) Wipe() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		_ = os.Remove(filepath.Join(s.dir, e.Name()))
	}
}
