// Package backup implements the periodic snapshot loop and restore policy
// of spec.md §4.J and §4.L, grounded on the teacher's
// internal/gamification.StatsTracker.Run cancellable-ticker-loop shape.
package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/escalada/livecontest/internal/box"
	"github.com/escalada/livecontest/internal/public"
)

// Snapshot is one box's entry in a BackupBundle: the internal state plus
// its derived public projection, per spec.md §3's BackupBundle entity.
type Snapshot struct {
	Internal *box.Box       `json:"internal"`
	Public   public.BoxView `json:"public"`
}

// Bundle is the {snapshots: [...]} shape written to each backup file.
type Bundle struct {
	Snapshots []Snapshot `json:"snapshots"`
}

// Loop periodically writes a full backup bundle and prunes old files.
// interval and retentionFiles are held atomically so SIGHUP-triggered
// config reloads (cmd/server/main.go) can retune the loop without
// restarting the process (SPEC_FULL.md's config-hot-reload supplement).
type Loop struct {
	dir            string
	interval       atomic.Int64
	retentionFiles atomic.Int32
	registry       *box.Registry
	reload         chan struct{}
}

// NewLoop returns a backup Loop writing to dir every interval, retaining
// at most retentionFiles archives. interval <= 0 disables the loop
// (spec.md §6.7 BACKUP_INTERVAL_MIN "0 disables").
func NewLoop(dir string, interval time.Duration, retentionFiles int, registry *box.Registry) *Loop {
	l := &Loop{dir: dir, registry: registry, reload: make(chan struct{}, 1)}
	l.interval.Store(int64(interval))
	l.retentionFiles.Store(int32(retentionFiles))
	return l
}

// UpdateConfig retunes the loop's interval and retention in place. If Run
// is already blocked waiting on the old interval, it wakes up and applies
// the change immediately rather than waiting out the stale ticker period.
func (l *Loop) UpdateConfig(interval time.Duration, retentionFiles int) {
	l.interval.Store(int64(interval))
	l.retentionFiles.Store(int32(retentionFiles))
	select {
	case l.reload <- struct{}{}:
	default:
	}
}

// Run blocks taking periodic backups until ctx is cancelled, then
// returns without taking a final one — unlike the stats tracker this
// teacher pattern is borrowed from, a backup mid-shutdown adds no value
// over the next scheduled one.
func (l *Loop) Run(ctx context.Context) {
	interval := time.Duration(l.interval.Load())
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.reload:
			interval = time.Duration(l.interval.Load())
			if interval <= 0 {
				return
			}
			ticker.Reset(interval)
		case <-ticker.C:
			if err := l.takeBackup(); err != nil {
				log.Printf("backup: failed: %v", err)
			}
		}
	}
}

func (l *Loop) takeBackup() error {
	states := l.registry.GetAllStatesSnapshot()
	nowMs := time.Now().UnixMilli()

	bundle := Bundle{Snapshots: make([]Snapshot, len(states))}
	for i, b := range states {
		bundle.Snapshots[i] = Snapshot{Internal: b, Public: public.View(b, nowMs)}
	}

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("creating backup dir: %w", err)
	}
	name := fmt.Sprintf("backup_%s.json", time.Now().UTC().Format("20060102T150405Z"))
	path := filepath.Join(l.dir, name)

	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling bundle: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing bundle: %w", err)
	}

	return l.enforceRetention()
}

func (l *Loop) enforceRetention() error {
	retentionFiles := int(l.retentionFiles.Load())
	if retentionFiles <= 0 {
		return nil
	}
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return err
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "backup_") && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	excess := len(names) - retentionFiles
	for i := 0; i < excess; i++ {
		if err := os.Remove(filepath.Join(l.dir, names[i])); err != nil {
			log.Printf("backup: failed to prune %s: %v", names[i], err)
		}
	}
	return nil
}
