package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/nidhogg/teamwarden/internal/clock"
	"go.uber.org/zap"
)

// TrackedSession is one agent process started by this daemon.
type TrackedSession struct {
	SessionID  string    `json:"session_id"`
	PID        int       `json:"pid"`
	TerminalID string    `json:"terminal_id,omitempty"`
	Role       string    `json:"role,omitempty"`
	Cwd        string    `json:"cwd"`
	StartedAt  time.Time `json:"started_at"`
}

type trackerData struct {
	AppPID    int                       `json:"app_pid"`
	Sessions  map[string]TrackedSession `json:"sessions"`
	UpdatedAt time.Time                 `json:"updated_at"`
}

// Processes inspects and signals OS processes.
type Processes interface {
	Alive(pid int) bool
	Terminate(pid int) error
}

// Tracker persists the PIDs of running agents so that a restarted daemon
// can kill agents orphaned by a crash of its predecessor.
type Tracker struct {
	mu     sync.Mutex
	path   string
	appPID int
	data   trackerData
	procs  Processes
	clock  clock.Clock
	logger *zap.Logger
}

// NewTracker creates a tracker backed by path (usually
// <data dir>/active_sessions.json). procs may be nil for the OS default.
func NewTracker(path string, procs Processes, clk clock.Clock, logger *zap.Logger) *Tracker {
	if procs == nil {
		procs = OSProcesses{}
	}
	return &Tracker{
		path:   path,
		appPID: os.Getpid(),
		data:   trackerData{AppPID: os.Getpid(), Sessions: make(map[string]TrackedSession)},
		procs:  procs,
		clock:  clk,
		logger: logger,
	}
}

// Load reads the sessions file. A corrupt file is discarded.
func (t *Tracker) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	raw, err := os.ReadFile(t.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read sessions: %w", err)
	}
	var d trackerData
	if err := json.Unmarshal(raw, &d); err != nil {
		t.logger.Warn("discarding corrupt sessions file", zap.String("path", t.path), zap.Error(err))
		os.Remove(t.path)
		return nil
	}
	if d.Sessions == nil {
		d.Sessions = make(map[string]TrackedSession)
	}
	t.data = d
	return nil
}

// CleanupOrphaned terminates sessions left by a previous daemon that is
// no longer running, then claims the file for this process. It returns
// the ids of terminated sessions.
func (t *Tracker) CleanupOrphaned() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var orphaned []string
	prev := t.data.AppPID
	if prev != 0 && prev != t.appPID && !t.procs.Alive(prev) {
		t.logger.Info("previous daemon not running, cleaning up its agents",
			zap.Int("pid", prev), zap.Int("sessions", len(t.data.Sessions)))
		for id, s := range t.data.Sessions {
			if !t.procs.Alive(s.PID) {
				continue
			}
			t.logger.Warn("terminating orphaned agent",
				zap.String("session", id), zap.Int("pid", s.PID))
			if err := t.procs.Terminate(s.PID); err != nil {
				t.logger.Warn("terminate failed", zap.Int("pid", s.PID), zap.Error(err))
			}
			orphaned = append(orphaned, id)
		}
		sort.Strings(orphaned)
	}

	if len(orphaned) > 0 {
		t.data.Sessions = make(map[string]TrackedSession)
	}
	t.data.AppPID = t.appPID
	if err := t.save(); err != nil {
		t.logger.Warn("saving sessions failed", zap.Error(err))
	}
	return orphaned
}

// Add records a running agent.
func (t *Tracker) Add(sessionID string, pid int, terminalID, role, cwd string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.Sessions[sessionID] = TrackedSession{
		SessionID:  sessionID,
		PID:        pid,
		TerminalID: terminalID,
		Role:       role,
		Cwd:        cwd,
		StartedAt:  t.clock.Now(),
	}
	return t.save()
}

// Remove stops tracking a session.
func (t *Tracker) Remove(sessionID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.data.Sessions, sessionID)
	return t.save()
}

// List returns all tracked sessions ordered by start time.
func (t *Tracker) List() []TrackedSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TrackedSession, 0, len(t.data.Sessions))
	for _, s := range t.data.Sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Get returns one tracked session.
func (t *Tracker) Get(sessionID string) (TrackedSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.data.Sessions[sessionID]
	return s, ok
}

// ClearAll forgets every session but keeps the file.
func (t *Tracker) ClearAll() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.Sessions = make(map[string]TrackedSession)
	return t.save()
}

func (t *Tracker) save() error {
	t.data.UpdatedAt = t.clock.Now()
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}
	raw, err := json.MarshalIndent(t.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sessions: %w", err)
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write sessions: %w", err)
	}
	return os.Rename(tmp, t.path)
}
