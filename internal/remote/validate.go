package remote

import (
	"encoding/hex"
	"fmt"
	"net/url"

	"github.com/oneiric/oneiric/internal/registry"
	oerr "github.com/oneiric/oneiric/pkg/errors"
)

// ValidateEntry checks a manifest entry before it reaches the factory guard
// and registry: identity charset and bounds, factory descriptor form, and
// artifact coordinates.
func ValidateEntry(e Entry) error {
	c := registry.Candidate{
		Domain:       registry.Domain(e.Domain),
		Key:          e.Key,
		Provider:     e.Provider,
		Factory:      registry.FactorySpec{Symbol: e.Factory},
		Priority:     e.Priority,
		StackLevel:   stackLevel(e),
		Source:       registry.SourceRemote,
		Metadata:     e.Metadata,
		Capabilities: e.Capabilities,
	}
	if err := c.Validate(); err != nil {
		return err
	}

	if e.URI != "" {
		u, err := url.Parse(e.URI)
		if err != nil {
			return fmt.Errorf("%w: entry %s/%s/%s uri: %w", oerr.ErrUnsafeArtifactURI, e.Domain, e.Key, e.Provider, err)
		}
		if u.Scheme != "https" && u.Scheme != "file" {
			return fmt.Errorf("%w: entry %s/%s/%s uri scheme %q", oerr.ErrUnsafeArtifactURI, e.Domain, e.Key, e.Provider, u.Scheme)
		}
		if err := checkURIPath(u); err != nil {
			return fmt.Errorf("entry %s/%s/%s: %w", e.Domain, e.Key, e.Provider, err)
		}
		if e.SHA256 == "" {
			return fmt.Errorf("%w: entry %s/%s/%s has a uri but no sha256", oerr.ErrInvalidCandidate, e.Domain, e.Key, e.Provider)
		}
	}
	if e.SHA256 != "" {
		raw, err := hex.DecodeString(e.SHA256)
		if err != nil || len(raw) != 32 {
			return fmt.Errorf("%w: entry %s/%s/%s sha256 is not a hex-encoded SHA-256", oerr.ErrInvalidCandidate, e.Domain, e.Key, e.Provider)
		}
	}
	return nil
}

func stackLevel(e Entry) int {
	if e.StackLevel != nil {
		return *e.StackLevel
	}
	return 0
}
