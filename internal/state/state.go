// Package state persists the bot's single durable record: who owns the bot,
// which two chat messages it maintains, the last good metrics snapshot and
// any pending confirmation.
package state

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/blikh/easyconduit/internal/conduit"
	"github.com/blikh/easyconduit/internal/fsutil"
)

// DashboardKind records what the dashboard message currently is in the chat,
// since a text message cannot be edited into a photo.
type DashboardKind string

const (
	DashboardPhoto DashboardKind = "photo"
	DashboardText  DashboardKind = "text"
)

// PendingConfirmation is a stored, expiring intent to run a destructive
// action. Expiry is checked against ExpiresAt, so it survives restarts.
type PendingConfirmation struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (p *PendingConfirmation) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

type BotState struct {
	OwnerChatID          int64                `json:"owner_chat_id"`
	DashboardMessageID   *int                 `json:"dashboard_message_id,omitempty"`
	DashboardKind        DashboardKind        `json:"dashboard_kind,omitempty"`
	CommandDeskMessageID *int                 `json:"command_desk_message_id,omitempty"`
	DeskView             string               `json:"desk_view,omitempty"`
	LastGoodMetrics      *conduit.Snapshot    `json:"last_good_metrics,omitempty"`
	PendingConfirmation  *PendingConfirmation `json:"pending_confirmation,omitempty"`
	LastUpdateID         int                  `json:"last_update_id"`
}

// Clone returns a deep copy so callers never share pointers with the cache.
func (s BotState) Clone() BotState {
	out := s
	if s.DashboardMessageID != nil {
		id := *s.DashboardMessageID
		out.DashboardMessageID = &id
	}
	if s.CommandDeskMessageID != nil {
		id := *s.CommandDeskMessageID
		out.CommandDeskMessageID = &id
	}
	if s.LastGoodMetrics != nil {
		snap := *s.LastGoodMetrics
		out.LastGoodMetrics = &snap
	}
	if s.PendingConfirmation != nil {
		p := *s.PendingConfirmation
		out.PendingConfirmation = &p
	}
	return out
}

// Store serializes writers and serves reads from a cached copy that always
// matches the last successful save.
type Store struct {
	path   string
	logger *slog.Logger

	mu     sync.Mutex
	cached BotState
}

// Open loads the state file. A missing, empty or corrupt file yields the
// default state and is logged; only an unusable state directory is an error.
func Open(path string, logger *slog.Logger) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("state: creating directory %s: %w", dir, err)
	}

	s := &Store{path: path, logger: logger}
	st, err := readFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Info("state: no state file, starting fresh", "path", path)
	case err != nil:
		logger.Warn("state: unreadable state file, starting fresh", "path", path, "err", err)
		owner := salvageOwner(path)
		s.quarantine()
		if owner != 0 {
			s.cached.OwnerChatID = owner
			if err := s.saveLocked(s.cached); err != nil {
				logger.Warn("state: failed to save recovered owner", "err", err)
			}
			logger.Info("state: owner chat recovered from unreadable file", "chat_id", owner)
		}
	default:
		s.cached = st
	}
	return s, nil
}

// Read decodes a state file without taking ownership of it. It is safe to
// call while a live process is writing, since saves are atomic replaces.
func Read(path string) (BotState, error) {
	st, err := readFile(path)
	if err != nil {
		return BotState{}, fmt.Errorf("state: %w", err)
	}
	return st, nil
}

func readFile(path string) (BotState, error) {
	var st BotState
	data, err := os.ReadFile(path)
	if err != nil {
		return st, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return st, errors.New("empty state file")
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return BotState{}, fmt.Errorf("decoding %s: %w", path, err)
	}
	return st, nil
}

var ownerField = regexp.MustCompile(`"owner_chat_id"\s*:\s*(-?\d+)`)

// salvageOwner pulls the owner chat out of a state file that no longer
// decodes as a whole, such as one truncated by a full disk.
func salvageOwner(path string) int64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	m := ownerField.FindSubmatch(data)
	if m == nil {
		return 0
	}
	owner, err := strconv.ParseInt(string(m[1]), 10, 64)
	if err != nil {
		return 0
	}
	return owner
}

// quarantine keeps the corrupt file around for inspection.
func (s *Store) quarantine() {
	bad := s.path + ".corrupt"
	if err := os.Rename(s.path, bad); err != nil {
		s.logger.Warn("state: failed to move corrupt state file aside", "err", err)
		return
	}
	s.logger.Warn("state: corrupt state file moved aside", "path", bad)
}

func (s *Store) Path() string { return s.path }

func (s *Store) Load() BotState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cached.Clone()
}

func (s *Store) Save(st BotState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(st)
}

// Update applies fn to a copy of the current state and saves the result.
// If fn or the save fails, the cached state is left untouched.
func (s *Store) Update(fn func(*BotState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.cached.Clone()
	if err := fn(&st); err != nil {
		return err
	}
	return s.saveLocked(st)
}

func (s *Store) saveLocked(st BotState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("state: encoding: %w", err)
	}
	data = append(data, '\n')
	if err := fsutil.WriteFileAtomic(s.path, data, 0o600); err != nil {
		return fmt.Errorf("state: %w", err)
	}
	s.cached = st.Clone()
	return nil
}

// ErrNoOwner is returned by SeedOwner when neither the state file nor the
// runtime config names an owner chat.
var ErrNoOwner = errors.New("state: no owner chat configured")

// SeedOwner fixes the owner chat on first start. Once set, the stored owner is
// never changed; a differing configured value is logged and ignored.
func (s *Store) SeedOwner(configured int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	owner := s.cached.OwnerChatID
	switch {
	case owner != 0 && configured != 0 && configured != owner:
		s.logger.Warn("state: configured owner differs from stored owner, keeping stored",
			"stored", owner, "configured", configured)
		return owner, nil
	case owner != 0:
		return owner, nil
	case configured == 0:
		return 0, ErrNoOwner
	}

	st := s.cached.Clone()
	st.OwnerChatID = configured
	if err := s.saveLocked(st); err != nil {
		return 0, err
	}
	s.logger.Info("state: owner chat recorded", "chat_id", configured)
	return configured, nil
}
