package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/escalada/livecontest/internal/auth"
)

// User is the persisted form of spec.md §3's User entity.
type User struct {
	Username       string    `json:"username"`
	PasswordHash   string    `json:"passwordHash"`
	Role           auth.Role `json:"role"`
	AssignedBoxes  []int     `json:"assignedBoxes"`
	IsActive       bool      `json:"isActive"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// CanonicalUsername lowercases and trims a username for use as the
// users.json map key (spec.md §3: "canonicalized").
func CanonicalUsername(u string) string {
	return strings.ToLower(strings.TrimSpace(u))
}

// UserStore persists the {STORAGE}/users.json dictionary (spec.md §6.6).
type UserStore struct {
	path string
}

// NewUserStore returns a UserStore rooted at dir.
func NewUserStore(dir string) *UserStore {
	return &UserStore{path: filepath.Join(dir, "users.json")}
}

// Load reads the users file, returning an empty map if it does not exist.
func (s *UserStore) Load() (map[string]*User, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*User{}, nil
		}
		return nil, err
	}
	var users map[string]*User
	if err := json.Unmarshal(data, &users); err != nil {
		return nil, err
	}
	if users == nil {
		users = map[string]*User{}
	}
	return users, nil
}

// Save atomically writes users to disk (same temp-file-then-rename
// pattern as BoxStore, grounded on the teacher's
// internal/gamification/persistence.go Save).
func (s *UserStore) Save(users map[string]*User) error {
	return atomicWriteJSON(s.path, users)
}

// EnsureDefaultAdmin materializes a user under the "admin" key if that key
// is absent (other admin-role users do not count), using
// defaultPasswordHash as its initial
// (already-hashed, per spec.md §1's out-of-scope hashing boundary)
// password. resetPassword forces the hash to be overwritten even if the
// admin already exists (RESET_ADMIN_PASSWORD, spec.md §6.7).
//
// Password hashing itself is an external collaborator (spec.md §1); this
// function stores whatever hash it is given verbatim.
func EnsureDefaultAdmin(users map[string]*User, defaultPasswordHash string, resetPassword bool) bool {
	const adminName = "admin"
	changed := false
	existing, ok := users[adminName]
	if !ok {
		now := time.Now().UTC()
		users[adminName] = &User{
			Username:      adminName,
			PasswordHash:  defaultPasswordHash,
			Role:          auth.RoleAdmin,
			AssignedBoxes: nil,
			IsActive:      true,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		return true
	}
	if resetPassword {
		existing.PasswordHash = defaultPasswordHash
		existing.UpdatedAt = time.Now().UTC()
		changed = true
	}
	return changed
}
