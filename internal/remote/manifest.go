// Package remote keeps the registry in sync with externally-authored
// manifests: fetch, signature and digest verification, artifact caching, and
// the refresh loop.
package remote

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	oerr "github.com/oneiric/oneiric/pkg/errors"
)

// Entry is one manifest record carrying the fields needed to form a
// candidate, plus the artifact coordinates when one must be fetched.
type Entry struct {
	Domain       string            `yaml:"domain" json:"domain"`
	Key          string            `yaml:"key" json:"key"`
	Provider     string            `yaml:"provider" json:"provider"`
	Factory      string            `yaml:"factory" json:"factory"`
	URI          string            `yaml:"uri,omitempty" json:"uri,omitempty"`
	SHA256       string            `yaml:"sha256,omitempty" json:"sha256,omitempty"`
	StackLevel   *int              `yaml:"stack_level,omitempty" json:"stack_level,omitempty"`
	Priority     *int              `yaml:"priority,omitempty" json:"priority,omitempty"`
	Version      string            `yaml:"version,omitempty" json:"version,omitempty"`
	Metadata     map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	Capabilities []string          `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
}

// Manifest is the parsed wire object.
type Manifest struct {
	Source             string  `yaml:"source" json:"source"`
	Signature          string  `yaml:"signature,omitempty" json:"signature,omitempty"`
	SignatureAlgorithm string  `yaml:"signature_algorithm,omitempty" json:"signature_algorithm,omitempty"`
	SignedAt           string  `yaml:"signed_at,omitempty" json:"signed_at,omitempty"`
	Entries            []Entry `yaml:"entries" json:"entries"`

	// raw is the untyped document, kept for canonicalization so unknown
	// fields stay part of the signed surface.
	raw map[string]any
}

// SignedAtTime parses the signed_at timestamp. The zero time and false are
// returned when the field is absent.
func (m *Manifest) SignedAtTime() (time.Time, bool, error) {
	if m.SignedAt == "" {
		return time.Time{}, false, nil
	}
	ts, err := time.Parse(time.RFC3339, m.SignedAt)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse signed_at: %w", err)
	}
	return ts, true, nil
}

// ParseManifest decodes a YAML or JSON manifest document. YAML is a superset
// of JSON here, so a single decoder covers both.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: decode manifest: %w", oerr.ErrInvalidCandidate, err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode manifest: %w", oerr.ErrInvalidCandidate, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: empty manifest", oerr.ErrInvalidCandidate)
	}
	m.raw = raw
	return &m, nil
}
