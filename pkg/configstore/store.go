// Package configstore holds the active gateway configuration and an
// editable candidate copy, with commit history and rollback.
package configstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mptm-gw/mptm/pkg/config"
)

// ErrNotConfiguring is returned by candidate operations outside
// configuration mode.
var ErrNotConfiguring = errors.New("not in configuration mode")

const historySize = 50

// Store manages the active and candidate configuration.
type Store struct {
	mu        sync.RWMutex
	active    *config.ConfigTree
	candidate *config.ConfigTree
	compiled  *config.Config
	history   *History
	dirty     bool
	filePath  string
}

// New creates a store persisted at filePath. An empty path keeps the
// configuration in memory only.
func New(filePath string) *Store {
	return &Store{
		active:   &config.ConfigTree{},
		compiled: emptyConfig(),
		history:  NewHistory(historySize),
		filePath: filePath,
	}
}

func emptyConfig() *config.Config {
	cfg, _ := config.CompileConfig(&config.ConfigTree{})
	return cfg
}

// Path returns the file the configuration is persisted to.
func (s *Store) Path() string { return s.filePath }

// Load replaces the active configuration with the file's contents. A
// missing file yields an empty configuration. The candidate, if any, is
// left alone.
func (s *Store) Load() (*config.Config, error) {
	if s.filePath == "" {
		return s.ActiveConfig(), nil
	}
	data, err := os.ReadFile(s.filePath)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return s.LoadString(string(data))
}

// LoadString replaces the active configuration with text.
func (s *Store) LoadString(text string) (*config.Config, error) {
	tree, errs := config.NewParser(text).Parse()
	if len(errs) > 0 {
		return nil, fmt.Errorf("parse config: %w", errors.Join(errs...))
	}
	compiled, err := config.CompileConfig(tree)
	if err != nil {
		return nil, fmt.Errorf("compile config: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = tree
	s.compiled = compiled
	return compiled, nil
}

// Save writes the active configuration to disk.
func (s *Store) Save() error {
	s.mu.RLock()
	text := s.active.Format()
	s.mu.RUnlock()
	return s.write(text)
}

// write replaces the file through a rename so readers never see a
// partial configuration.
func (s *Store) write(text string) error {
	if s.filePath == "" {
		return nil
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.filePath), ".mptm-*.conf")
	if err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		return fmt.Errorf("save config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.filePath); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}

// EnterConfigure starts editing a copy of the active configuration.
func (s *Store) EnterConfigure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.candidate != nil {
		return fmt.Errorf("already in configuration mode")
	}
	s.candidate = s.active.Clone()
	s.dirty = false
	return nil
}

// ExitConfigure leaves configuration mode, discarding uncommitted changes.
func (s *Store) ExitConfigure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidate = nil
	s.dirty = false
}

// InConfigMode reports whether a candidate is being edited.
func (s *Store) InConfigMode() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.candidate != nil
}

// IsDirty reports whether the candidate has uncommitted changes.
func (s *Store) IsDirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}

// Set applies a set path to the candidate.
func (s *Store) Set(path []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.candidate == nil {
		return ErrNotConfiguring
	}
	if err := s.candidate.SetPath(path); err != nil {
		return err
	}
	s.dirty = true
	return nil
}

// SetFromInput applies the path of "set <input>".
func (s *Store) SetFromInput(input string) error {
	path, err := config.ParseCommand("set", "set "+input)
	if err != nil {
		return err
	}
	return s.Set(path)
}

// Delete removes a path from the candidate.
func (s *Store) Delete(path []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.candidate == nil {
		return ErrNotConfiguring
	}
	if err := s.candidate.DeletePath(path); err != nil {
		return err
	}
	s.dirty = true
	return nil
}

// DeleteFromInput removes the path of "delete <input>".
func (s *Store) DeleteFromInput(input string) error {
	path, err := config.ParseCommand("delete", "delete "+input)
	if err != nil {
		return err
	}
	return s.Delete(path)
}

// CommitCheck compiles the candidate without activating it.
func (s *Store) CommitCheck() (*config.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.candidate == nil {
		return nil, ErrNotConfiguring
	}
	return config.CompileConfig(s.candidate)
}

// Commit compiles the candidate and makes it active. The previous active
// configuration is kept in the history. The caller applies the returned
// configuration to the dataplane.
func (s *Store) Commit(comment string) (*config.Config, error) {
	s.mu.Lock()
	if s.candidate == nil {
		s.mu.Unlock()
		return nil, ErrNotConfiguring
	}
	compiled, err := config.CompileConfig(s.candidate)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("commit check failed: %w", err)
	}
	s.history.Retire(s.active.Clone(), s.compiled, time.Now(), comment)
	s.active = s.candidate
	s.candidate = s.active.Clone()
	s.compiled = compiled
	s.dirty = false
	text := s.active.Format()
	s.mu.Unlock()

	if err := s.write(text); err != nil {
		slog.Warn("committed configuration not saved", "path", s.filePath, "err", err)
	}
	return compiled, nil
}

// Rollback loads a previous configuration into the candidate: 0 is the
// active configuration, n the nth previous commit.
func (s *Store) Rollback(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.candidate == nil {
		return ErrNotConfiguring
	}
	if n == 0 {
		s.candidate = s.active.Clone()
		s.dirty = false
		return nil
	}
	rev, err := s.history.Back(n)
	if err != nil {
		return err
	}
	s.candidate = rev.Config.Clone()
	s.dirty = true
	return nil
}

// ShowCandidate returns the candidate in hierarchical form.
func (s *Store) ShowCandidate() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.candidate == nil {
		return ""
	}
	return s.candidate.Format()
}

// ShowActive returns the active configuration in hierarchical form.
func (s *Store) ShowActive() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active.Format()
}

// ShowActiveSet returns the active configuration as set commands.
func (s *Store) ShowActiveSet() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active.FormatSet()
}

// ShowCandidateSet returns the candidate as set commands.
func (s *Store) ShowCandidateSet() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.candidate == nil {
		return ""
	}
	return s.candidate.FormatSet()
}

// ActiveConfig returns the compiled active configuration.
func (s *Store) ActiveConfig() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.compiled
}

// ExportJSON returns the compiled active configuration as JSON.
func (s *Store) ExportJSON() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.MarshalIndent(s.compiled, "", "  ")
}

// History lists the configurations replaced by previous commits, most
// recent first. Index i of the result is rollback i+1.
func (s *Store) History() []Revision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history.Revisions()
}

// ShowCompare diffs the active and candidate configurations as set
// commands, "-" marking removed lines and "+" added ones.
func (s *Store) ShowCompare() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.candidate == nil {
		return ""
	}

	activeLines := splitLines(s.active.FormatSet())
	candidateLines := splitLines(s.candidate.FormatSet())
	inActive := make(map[string]bool, len(activeLines))
	for _, l := range activeLines {
		inActive[l] = true
	}
	inCandidate := make(map[string]bool, len(candidateLines))
	for _, l := range candidateLines {
		inCandidate[l] = true
	}

	var b strings.Builder
	for _, l := range activeLines {
		if !inCandidate[l] {
			fmt.Fprintf(&b, "- %s\n", l)
		}
	}
	for _, l := range candidateLines {
		if !inActive[l] {
			fmt.Fprintf(&b, "+ %s\n", l)
		}
	}
	if b.Len() == 0 {
		return "[no changes]\n"
	}
	return b.String()
}

func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
