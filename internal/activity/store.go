// Package activity durably tracks per-(domain, key) pause and drain flags so
// operator state survives restarts.
package activity

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/oneiric/oneiric/internal/registry"
	"github.com/oneiric/oneiric/pkg/observe"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Flags are the operator-visible activity flags for one slot.
type Flags struct {
	Paused   bool   `json:"paused"`
	Draining bool   `json:"draining"`
	Note     string `json:"note,omitempty"`
}

// Store is the file-backed activity store. It is the single owner of its
// JSON file; writes are atomic (write temp + rename) and reads are tolerant
// of missing or corrupt files.
type Store struct {
	path string
	sink observe.Sink
	log  *zap.Logger

	mu      sync.Mutex
	entries map[string]Flags
}

// NewStore opens (or lazily creates) the store at path. sink may be nil.
func NewStore(path string, log *zap.Logger, sink observe.Sink) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	if sink == nil {
		sink = observe.NopSink{}
	}
	s := &Store{
		path:    path,
		sink:    sink,
		log:     log,
		entries: make(map[string]Flags),
	}
	s.load()
	return s
}

func slotKey(domain registry.Domain, key string) string {
	return string(domain) + "/" + key
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("activity store unreadable, starting empty", zap.String("path", s.path), zap.Error(err))
		}
		return
	}
	entries := make(map[string]Flags)
	if err := json.Unmarshal(data, &entries); err != nil {
		s.log.Warn("activity store corrupt, starting empty", zap.String("path", s.path), zap.Error(err))
		return
	}
	s.entries = entries
}

// persist must be called with the lock held.
func (s *Store) persist() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal activity store: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create activity dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".activity-*.json")
	if err != nil {
		return fmt.Errorf("create temp activity file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write activity file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close activity file: %w", err)
	}
	return os.Rename(tmp.Name(), s.path)
}

// Get returns the flags for a slot; the zero value means active.
func (s *Store) Get(domain registry.Domain, key string) Flags {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[slotKey(domain, key)]
}

// Pause sets the paused flag. Calling Pause twice is equivalent to one call;
// only the note is refreshed.
func (s *Store) Pause(ctx context.Context, domain registry.Domain, key, note string) (Flags, error) {
	return s.transition(ctx, domain, key, "pause", func(f *Flags) {
		f.Paused = true
		f.Note = note
	})
}

// Drain sets the draining flag.
func (s *Store) Drain(ctx context.Context, domain registry.Domain, key, note string) (Flags, error) {
	return s.transition(ctx, domain, key, "drain", func(f *Flags) {
		f.Draining = true
		f.Note = note
	})
}

// Resume clears both flags. Resume without a prior pause is a no-op that
// still reports the (empty) flags.
func (s *Store) Resume(ctx context.Context, domain registry.Domain, key string) (Flags, error) {
	return s.transition(ctx, domain, key, "resume", func(f *Flags) {
		f.Paused = false
		f.Draining = false
		f.Note = ""
	})
}

func (s *Store) transition(ctx context.Context, domain registry.Domain, key, kind string, apply func(*Flags)) (Flags, error) {
	s.mu.Lock()
	k := slotKey(domain, key)
	flags := s.entries[k]
	before := flags
	apply(&flags)

	if flags == (Flags{}) {
		delete(s.entries, k)
	} else {
		s.entries[k] = flags
	}
	err := s.persist()
	s.mu.Unlock()

	if err != nil {
		return flags, err
	}

	if before != flags {
		s.sink.Emit(ctx, observe.Event{
			Name:   observe.EventActivity,
			Domain: string(domain),
			Key:    key,
			Fields: map[string]any{
				"transition": kind,
				"paused":     flags.Paused,
				"draining":   flags.Draining,
				"note":       flags.Note,
			},
			At: time.Now().UTC(),
		})
	}
	return flags, nil
}

// Snapshot returns a copy of every slot's flags keyed by "domain/key".
func (s *Store) Snapshot() map[string]Flags {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Flags, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}
