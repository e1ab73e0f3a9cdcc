package teamstore

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/nidhogg/teamwarden/internal/clock"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

const (
	indexFile   = "teams.json"
	configFile  = "team.json"
	stateFile   = "state.json"
	historyFile = "history.json"
)

// ErrTeamNotFound is returned when a team's config document is absent.
var ErrTeamNotFound = errors.New("team not found")

// ErrTeamAlreadyExists is returned when a project already has a team
// with the requested name.
var ErrTeamAlreadyExists = errors.New("team already exists")

// StorageError wraps an I/O or (de)serialization failure.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Storage persists team documents under a base directory, one directory
// per project (keyed by a hash of the project path) and one
// subdirectory per team. Every save rewrites the whole document.
type Storage struct {
	baseDir string
	clock   clock.Clock
	logger  *zap.Logger
}

// DefaultBaseDir returns ~/.teamwarden/teams.
func DefaultBaseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".teamwarden", "teams"), nil
}

// New creates a Storage rooted at baseDir, creating it if needed.
func New(baseDir string, clk clock.Clock, logger *zap.Logger) (*Storage, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, &StorageError{Op: "mkdir", Path: baseDir, Err: err}
	}
	return &Storage{baseDir: baseDir, clock: clk, logger: logger}, nil
}

// BaseDir returns the storage root.
func (s *Storage) BaseDir() string { return s.baseDir }

// HashProjectPath derives the stable directory key for a project. The
// literal path string is hashed; no symlink or relative-path
// canonicalization is applied.
func HashProjectPath(projectPath string) string {
	sum := blake3.Sum256([]byte(projectPath))
	return hex.EncodeToString(sum[:16])
}

func (s *Storage) projectDir(projectPath string) string {
	return filepath.Join(s.baseDir, HashProjectPath(projectPath))
}

func (s *Storage) teamDir(projectPath, teamID string) string {
	return filepath.Join(s.projectDir(projectPath), teamID)
}

// readJSON decodes path into v. It reports ok=false when the file does
// not exist.
func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, &StorageError{Op: "read", Path: path, Err: err}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, &StorageError{Op: "decode", Path: path, Err: err}
	}
	return true, nil
}

// writeJSON writes v to a temp file next to path and renames it into
// place so readers never observe a torn document.
func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &StorageError{Op: "mkdir", Path: filepath.Dir(path), Err: err}
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &StorageError{Op: "encode", Path: path, Err: err}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return &StorageError{Op: "write", Path: tmp, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		return &StorageError{Op: "rename", Path: path, Err: err}
	}
	return nil
}

// --- index ---

// LoadIndex returns the project's team index, or an empty one.
func (s *Storage) LoadIndex(projectPath string) (*TeamIndex, error) {
	idx := &TeamIndex{}
	ok, err := readJSON(filepath.Join(s.projectDir(projectPath), indexFile), idx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &TeamIndex{
			ProjectPath: projectPath,
			ProjectHash: HashProjectPath(projectPath),
			Teams:       []IndexEntry{},
		}, nil
	}
	return idx, nil
}

// Projects returns the paths of every project with a team index under
// the base directory, sorted.
func (s *Storage) Projects() ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, &StorageError{Op: "read", Path: s.baseDir, Err: err}
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var idx TeamIndex
		ok, err := readJSON(filepath.Join(s.baseDir, e.Name(), indexFile), &idx)
		if err != nil {
			s.logger.Warn("skipping unreadable project index", zap.String("dir", e.Name()), zap.Error(err))
			continue
		}
		if ok && idx.ProjectPath != "" {
			out = append(out, idx.ProjectPath)
		}
	}
	sort.Strings(out)
	return out, nil
}

// SaveIndex overwrites the project's team index.
func (s *Storage) SaveIndex(projectPath string, idx *TeamIndex) error {
	return writeJSON(filepath.Join(s.projectDir(projectPath), indexFile), idx)
}

// UpdateIndexEntry replaces the entry with the same id or appends it.
func (s *Storage) UpdateIndexEntry(projectPath string, entry IndexEntry) error {
	idx, err := s.LoadIndex(projectPath)
	if err != nil {
		return err
	}
	replaced := false
	for i := range idx.Teams {
		if idx.Teams[i].ID == entry.ID {
			idx.Teams[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		idx.Teams = append(idx.Teams, entry)
	}
	return s.SaveIndex(projectPath, idx)
}

// RemoveFromIndex drops a team from the project index.
func (s *Storage) RemoveFromIndex(projectPath, teamID string) error {
	idx, err := s.LoadIndex(projectPath)
	if err != nil {
		return err
	}
	kept := idx.Teams[:0]
	for _, e := range idx.Teams {
		if e.ID != teamID {
			kept = append(kept, e)
		}
	}
	idx.Teams = kept
	return s.SaveIndex(projectPath, idx)
}

// --- config ---

// SaveConfig writes team.json and refreshes the team's index entry. An
// existing entry keeps its status; a new entry starts active.
func (s *Storage) SaveConfig(cfg *TeamConfig) error {
	path := filepath.Join(s.teamDir(cfg.ProjectPath, cfg.ID), configFile)
	if err := writeJSON(path, cfg); err != nil {
		return err
	}

	idx, err := s.LoadIndex(cfg.ProjectPath)
	if err != nil {
		return err
	}
	status := TeamActive
	for _, e := range idx.Teams {
		if e.ID == cfg.ID {
			status = e.Status
			break
		}
	}
	return s.UpdateIndexEntry(cfg.ProjectPath, IndexEntry{
		ID:          cfg.ID,
		Name:        cfg.Name,
		Status:      status,
		LastActive:  s.clock.Now(),
		MemberCount: cfg.MemberCount(),
	})
}

// LoadConfig reads team.json. A missing document yields ErrTeamNotFound.
func (s *Storage) LoadConfig(projectPath, teamID string) (*TeamConfig, error) {
	cfg := &TeamConfig{}
	ok, err := readJSON(filepath.Join(s.teamDir(projectPath, teamID), configFile), cfg)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTeamNotFound, teamID)
	}
	return cfg, nil
}

// --- state ---

// SaveState writes state.json and mirrors status/last_active into the
// project index.
func (s *Storage) SaveState(projectPath string, st *TeamState) error {
	path := filepath.Join(s.teamDir(projectPath, st.TeamID), stateFile)
	if err := writeJSON(path, st); err != nil {
		return err
	}

	idx, err := s.LoadIndex(projectPath)
	if err != nil {
		return err
	}
	for i := range idx.Teams {
		if idx.Teams[i].ID == st.TeamID {
			idx.Teams[i].Status = st.Status
			idx.Teams[i].LastActive = st.LastActive
		}
	}
	return s.SaveIndex(projectPath, idx)
}

// LoadState reads state.json, or returns a fresh active state.
func (s *Storage) LoadState(projectPath, teamID string) (*TeamState, error) {
	st := &TeamState{}
	ok, err := readJSON(filepath.Join(s.teamDir(projectPath, teamID), stateFile), st)
	if err != nil {
		return nil, err
	}
	if !ok {
		return NewTeamState(teamID, s.clock.Now()), nil
	}
	if st.Members == nil {
		st.Members = make(map[string]MemberState)
	}
	if st.ActiveSpecs == nil {
		st.ActiveSpecs = []string{}
	}
	return st, nil
}

// --- history ---

// SaveHistory overwrites history.json.
func (s *Storage) SaveHistory(projectPath string, h *TeamHistory) error {
	return writeJSON(filepath.Join(s.teamDir(projectPath, h.TeamID), historyFile), h)
}

// LoadHistory reads history.json, or returns an empty history.
func (s *Storage) LoadHistory(projectPath, teamID string) (*TeamHistory, error) {
	h := &TeamHistory{}
	ok, err := readJSON(filepath.Join(s.teamDir(projectPath, teamID), historyFile), h)
	if err != nil {
		return nil, err
	}
	if !ok || h.Events == nil {
		if !ok {
			h.TeamID = teamID
		}
		h.Events = []RecoveryEvent{}
	}
	return h, nil
}

// AddRecoveryEvent prepends ev and truncates the log to MaxHistoryEvents.
func (s *Storage) AddRecoveryEvent(projectPath, teamID string, ev RecoveryEvent) error {
	h, err := s.LoadHistory(projectPath, teamID)
	if err != nil {
		return err
	}
	h.Events = append([]RecoveryEvent{ev}, h.Events...)
	if len(h.Events) > MaxHistoryEvents {
		h.Events = h.Events[:MaxHistoryEvents]
	}
	return s.SaveHistory(projectPath, h)
}

// --- team level ---

// CreateTeam persists a new team's config, initial state and empty
// history. Name uniqueness is enforced per project through the index.
func (s *Storage) CreateTeam(cfg *TeamConfig) (*TeamState, error) {
	idx, err := s.LoadIndex(cfg.ProjectPath)
	if err != nil {
		return nil, err
	}
	for _, e := range idx.Teams {
		if e.Name == cfg.Name {
			return nil, fmt.Errorf("%w: %s", ErrTeamAlreadyExists, cfg.Name)
		}
	}

	if err := s.SaveConfig(cfg); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	st := NewTeamState(cfg.ID, now)
	st.Members[cfg.Orchestrator.ID] = MemberState{
		Status:        MemberActive,
		TerminalID:    cfg.Orchestrator.TerminalID,
		SessionID:     cfg.Orchestrator.SessionID,
		LastHeartbeat: &now,
	}
	for _, w := range cfg.Workers {
		st.Members[w.ID] = MemberState{
			Status:        MemberIdle,
			TerminalID:    w.TerminalID,
			SessionID:     w.SessionID,
			LastHeartbeat: &now,
		}
	}
	if err := s.SaveState(cfg.ProjectPath, st); err != nil {
		return nil, err
	}

	if err := s.SaveHistory(cfg.ProjectPath, &TeamHistory{TeamID: cfg.ID, Events: []RecoveryEvent{}}); err != nil {
		return nil, err
	}

	s.logger.Info("team created",
		zap.String("team", cfg.ID),
		zap.String("name", cfg.Name),
		zap.Int("members", cfg.MemberCount()))
	return st, nil
}

// ListTeams returns index entries, optionally filtered by status.
func (s *Storage) ListTeams(projectPath string, status *TeamStatus) ([]IndexEntry, error) {
	idx, err := s.LoadIndex(projectPath)
	if err != nil {
		return nil, err
	}
	if status == nil {
		return idx.Teams, nil
	}
	out := make([]IndexEntry, 0, len(idx.Teams))
	for _, e := range idx.Teams {
		if e.Status == *status {
			out = append(out, e)
		}
	}
	return out, nil
}

// GetTeam loads a team's config and state together.
func (s *Storage) GetTeam(projectPath, teamID string) (*TeamConfig, *TeamState, error) {
	cfg, err := s.LoadConfig(projectPath, teamID)
	if err != nil {
		return nil, nil, err
	}
	st, err := s.LoadState(projectPath, teamID)
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}

// ArchiveTeam flips a team's state to archived.
func (s *Storage) ArchiveTeam(projectPath, teamID string) error {
	st, err := s.LoadState(projectPath, teamID)
	if err != nil {
		return err
	}
	st.Status = TeamArchived
	st.LastActive = s.clock.Now()
	return s.SaveState(projectPath, st)
}

// DeleteTeam removes a team's directory and its index entry.
func (s *Storage) DeleteTeam(projectPath, teamID string) error {
	dir := s.teamDir(projectPath, teamID)
	if err := os.RemoveAll(dir); err != nil {
		return &StorageError{Op: "remove", Path: dir, Err: err}
	}
	return s.RemoveFromIndex(projectPath, teamID)
}
