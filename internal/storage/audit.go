package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/escalada/livecontest/internal/auth"
	"github.com/google/uuid"
)

// AuditEvent is spec.md §3's append-only audit record.
type AuditEvent struct {
	ID         string       `json:"id"`
	CreatedAt  time.Time    `json:"createdAt"`
	BoxID      int          `json:"boxId"`
	Action     string       `json:"action"`
	ActionID   string       `json:"actionId,omitempty"`
	BoxVersion uint64       `json:"boxVersion"`
	SessionID  string       `json:"sessionId"`
	Actor      ActorPayload `json:"actor"`
	Payload    any          `json:"payload"`
}

// ActorPayload is the audit-log-friendly projection of auth.Actor.
type ActorPayload struct {
	Username  string `json:"username"`
	Role      string `json:"role"`
	IP        string `json:"ip"`
	UserAgent string `json:"userAgent"`
}

// NewAuditEvent stamps a fresh id/timestamp and projects actor into an
// AuditEvent.
func NewAuditEvent(boxID int, action, actionID string, boxVersion uint64, sessionID string, actor auth.Actor, payload any) AuditEvent {
	return AuditEvent{
		ID:         uuid.NewString(),
		CreatedAt:  time.Now().UTC(),
		BoxID:      boxID,
		Action:     action,
		ActionID:   actionID,
		BoxVersion: boxVersion,
		SessionID:  sessionID,
		Actor: ActorPayload{
			Username:  actor.Username,
			Role:      string(actor.Role),
			IP:        actor.IP,
			UserAgent: actor.UserAgent,
		},
		Payload: payload,
	}
}

// AuditLog appends AuditEvents as NDJSON to {STORAGE}/events.ndjson,
// rotating to a timestamped archive once the active file exceeds
// MaxFileSizeMB (spec.md §4.F). Appends are serialized under a single
// lock shared with rotation, matching the "rotation and append share the
// lock" rule of spec.md §5.
type AuditLog struct {
	dir            string
	maxFileSizeMB  int

	mu   sync.Mutex
	file *os.File
	size int64
}

// NewAuditLog opens (creating if needed) {dir}/events.ndjson.
func NewAuditLog(dir string, maxFileSizeMB int) (*AuditLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	a := &AuditLog{dir: dir, maxFileSizeMB: maxFileSizeMB}
	if err := a.openCurrent(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *AuditLog) currentPath() string {
	return filepath.Join(a.dir, "events.ndjson")
}

func (a *AuditLog) openCurrent() error {
	f, err := os.OpenFile(a.currentPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	a.file = f
	a.size = info.Size()
	return nil
}

// Append writes ev as one NDJSON line, rotating first if writing the line
// would take the active file past the configured size threshold. Failures are logged by the
// caller, not treated as fatal (spec.md §4.F, §7) — Append returns an
// error so the caller can decide, but the caller must never let this
// crash the command path.
func (a *AuditLog) Append(ev AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	data = append(data, '\n')

	if a.maxFileSizeMB > 0 && a.size+int64(len(data)) > int64(a.maxFileSizeMB)*1024*1024 {
		if err := a.rotateLocked(); err != nil {
			return err
		}
	}

	n, err := a.file.Write(data)
	a.size += int64(n)
	if err != nil {
		return fmt.Errorf("appending audit event: %w", err)
	}
	return nil
}

func (a *AuditLog) rotateLocked() error {
	if err := a.file.Close(); err != nil {
		return err
	}
	archivePath := filepath.Join(a.dir, fmt.Sprintf("events.%s.ndjson", time.Now().UTC().Format("20060102T150405Z")))
	if err := os.Rename(a.currentPath(), archivePath); err != nil {
		return err
	}
	return a.openCurrent()
}

// Close flushes and closes the active file.
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// Tail returns up to limit of the most recent events from the active
// file, oldest first, using a bounded deque (spec.md §4.F "readers tail
// the latest file using a bounded deque of size limit").
func (a *AuditLog) Tail(limit int) ([]AuditEvent, error) {
	a.mu.Lock()
	path := a.currentPath()
	a.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	deque := make([]AuditEvent, 0, limit)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		deque = append(deque, ev)
		if len(deque) > limit {
			deque = deque[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return deque, nil
}
