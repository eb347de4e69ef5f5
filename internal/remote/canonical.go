package remote

import (
	"crypto/ed25519"
	"encoding/base64"
	stdjson "encoding/json"
	"fmt"
	"time"

	oerr "github.com/oneiric/oneiric/pkg/errors"
)

// CanonicalBytes returns the byte string the manifest signature covers: the
// document with signature and signature_algorithm removed, keys recursively
// sorted, compact whitespace. encoding/json provides sorted map keys and
// rejects NaN/Inf.
func CanonicalBytes(m *Manifest) ([]byte, error) {
	if m.raw == nil {
		return nil, fmt.Errorf("%w: manifest has no raw form", oerr.ErrInvalidCandidate)
	}
	canon := make(map[string]any, len(m.raw))
	for k, v := range m.raw {
		if k == "signature" || k == "signature_algorithm" {
			continue
		}
		canon[k] = v
	}
	data, err := stdjson.Marshal(canon)
	if err != nil {
		return nil, fmt.Errorf("%w: canonicalize manifest: %w", oerr.ErrInvalidCandidate, err)
	}
	return data, nil
}

// VerifySignature checks the manifest signature against the trusted keys.
// The manifest is accepted when any key verifies.
func VerifySignature(m *Manifest, trusted []ed25519.PublicKey) error {
	if m.SignatureAlgorithm != "" && m.SignatureAlgorithm != "ed25519" {
		return fmt.Errorf("%w: unsupported algorithm %q", oerr.ErrSignatureInvalid, m.SignatureAlgorithm)
	}
	if m.Signature == "" {
		return fmt.Errorf("%w: manifest is unsigned", oerr.ErrSignatureInvalid)
	}
	if len(trusted) == 0 {
		return fmt.Errorf("%w: no trusted public keys configured", oerr.ErrSignatureInvalid)
	}
	sig, err := base64.StdEncoding.DecodeString(m.Signature)
	if err != nil {
		return fmt.Errorf("%w: signature is not base64: %w", oerr.ErrSignatureInvalid, err)
	}
	canon, err := CanonicalBytes(m)
	if err != nil {
		return err
	}
	for _, key := range trusted {
		if ed25519.Verify(key, canon, sig) {
			return nil
		}
	}
	return fmt.Errorf("%w: no trusted key verifies manifest from %q", oerr.ErrSignatureInvalid, m.Source)
}

// CheckFreshness enforces the signed_at window. A manifest older than maxAge
// or timestamped further than skew into the future is rejected. An absent
// signed_at passes unless requireSignedAt is set.
func CheckFreshness(m *Manifest, now time.Time, maxAge, skew time.Duration, requireSignedAt bool) error {
	ts, present, err := m.SignedAtTime()
	if err != nil {
		return fmt.Errorf("%w: %w", oerr.ErrManifestExpired, err)
	}
	if !present {
		if requireSignedAt {
			return fmt.Errorf("%w: signed_at is required", oerr.ErrManifestExpired)
		}
		return nil
	}
	if maxAge > 0 && now.Sub(ts) > maxAge {
		return fmt.Errorf("%w: signed %s ago, max age %s", oerr.ErrManifestExpired, now.Sub(ts).Round(time.Second), maxAge)
	}
	if ts.Sub(now) > skew {
		return fmt.Errorf("%w: signed_at %s is in the future", oerr.ErrManifestExpired, ts.Format(time.RFC3339))
	}
	return nil
}

// ParseTrustedKeys decodes base64 ed25519 public keys from configuration.
func ParseTrustedKeys(encoded []string) ([]ed25519.PublicKey, error) {
	keys := make([]ed25519.PublicKey, 0, len(encoded))
	for i, e := range encoded {
		raw, err := base64.StdEncoding.DecodeString(e)
		if err != nil {
			return nil, fmt.Errorf("trusted key %d: not base64: %w", i, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("trusted key %d: %d bytes, want %d", i, len(raw), ed25519.PublicKeySize)
		}
		keys = append(keys, ed25519.PublicKey(raw))
	}
	return keys, nil
}
