package lifecycle

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/oneiric/oneiric/internal/activity"
	"github.com/oneiric/oneiric/internal/registry"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StatusDoc is the per-(domain, key) status snapshot written after every
// lifecycle transition.
type StatusDoc struct {
	Domain           string         `json:"domain"`
	Key              string         `json:"key"`
	State            string         `json:"state"`
	CurrentProvider  string         `json:"current_provider,omitempty"`
	PreviousProvider string         `json:"previous_provider,omitempty"`
	LastActivatedAt  *time.Time     `json:"last_activated_at,omitempty"`
	LastError        string         `json:"last_error,omitempty"`
	LastHealthAt     *time.Time     `json:"last_health_at,omitempty"`
	LastHealthOK     *bool          `json:"last_health_ok,omitempty"`
	Activity         activity.Flags `json:"activity"`
}

// StatusStore writes status snapshots atomically, one file per slot.
type StatusStore struct {
	dir string
	log *zap.Logger
}

// NewStatusStore creates a store rooted at dir.
func NewStatusStore(dir string, log *zap.Logger) *StatusStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &StatusStore{dir: dir, log: log}
}

func (s *StatusStore) path(domain registry.Domain, key string) string {
	// key charset is restricted to [a-zA-Z0-9_.-], safe as a filename component
	return filepath.Join(s.dir, fmt.Sprintf("%s-%s.json", domain, key))
}

// Write persists the snapshot with write-temp-then-rename.
func (s *StatusStore) Write(doc StatusDoc) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create status dir: %w", err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	target := s.path(registry.Domain(doc.Domain), doc.Key)
	tmp, err := os.CreateTemp(s.dir, ".status-*.json")
	if err != nil {
		return fmt.Errorf("create temp status file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write status file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close status file: %w", err)
	}
	return os.Rename(tmp.Name(), target)
}

// Read loads the snapshot for one slot.
func (s *StatusStore) Read(domain registry.Domain, key string) (StatusDoc, error) {
	var doc StatusDoc
	data, err := os.ReadFile(s.path(domain, key))
	if err != nil {
		return doc, err
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("unmarshal status: %w", err)
	}
	return doc, nil
}

// List loads every snapshot under the store directory.
func (s *StatusStore) List() ([]StatusDoc, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var docs []StatusDoc
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			s.log.Warn("unreadable status snapshot", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		var doc StatusDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			s.log.Warn("corrupt status snapshot", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
