package lifecycle

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oneiric/oneiric/internal/activity"
	"github.com/oneiric/oneiric/internal/registry"
)

func TestStatusWriteReadRoundtrip(t *testing.T) {
	s := NewStatusStore(t.TempDir(), nil)
	now := time.Now().UTC().Truncate(time.Second)
	ok := true

	doc := StatusDoc{
		Domain:          "adapter",
		Key:             "cache",
		State:           "ready",
		CurrentProvider: "redis",
		LastActivatedAt: &now,
		LastHealthAt:    &now,
		LastHealthOK:    &ok,
		Activity:        activity.Flags{Paused: true, Note: "hold"},
	}
	require.NoError(t, s.Write(doc))

	got, err := s.Read(registry.DomainAdapter, "cache")
	require.NoError(t, err)
	assert.Equal(t, doc.State, got.State)
	assert.Equal(t, doc.CurrentProvider, got.CurrentProvider)
	assert.True(t, got.Activity.Paused)
	require.NotNil(t, got.LastHealthOK)
	assert.True(t, *got.LastHealthOK)
}

func TestStatusWriteIsAtomicReplace(t *testing.T) {
	dir := t.TempDir()
	s := NewStatusStore(dir, nil)

	require.NoError(t, s.Write(StatusDoc{Domain: "adapter", Key: "cache", State: "ready"}))
	require.NoError(t, s.Write(StatusDoc{Domain: "adapter", Key: "cache", State: "failed"}))

	got, err := s.Read(registry.DomainAdapter, "cache")
	require.NoError(t, err)
	assert.Equal(t, "failed", got.State)

	// no temp files left behind
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStatusListSkipsCorrupt(t *testing.T) {
	dir := t.TempDir()
	s := NewStatusStore(dir, nil)
	require.NoError(t, s.Write(StatusDoc{Domain: "adapter", Key: "cache", State: "ready"}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0o600))

	docs, err := s.List()
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "cache", docs[0].Key)
}

func TestStatusListMissingDir(t *testing.T) {
	s := NewStatusStore(filepath.Join(t.TempDir(), "never-created"), nil)
	docs, err := s.List()
	require.NoError(t, err)
	assert.Nil(t, docs)
}
