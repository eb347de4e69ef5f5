package remote

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	oerr "github.com/oneiric/oneiric/pkg/errors"
)

// maxArtifactBytes bounds a single artifact download.
const maxArtifactBytes = 256 << 20

// ArtifactStore downloads manifest artifacts into a bounded cache directory.
// Every final path must resolve to a descendant of the cache root.
type ArtifactStore struct {
	root   string
	client *http.Client
}

// NewArtifactStore creates a store rooted at dir, downloading over client.
func NewArtifactStore(dir string, client *http.Client) *ArtifactStore {
	if client == nil {
		client = http.DefaultClient
	}
	return &ArtifactStore{root: dir, client: client}
}

// Root returns the cache root directory.
func (a *ArtifactStore) Root() string { return a.root }

// Fetch downloads the entry's artifact, verifies its SHA-256, and returns the
// cached file path. A file already cached under the expected digest is reused
// without re-downloading.
func (a *ArtifactStore) Fetch(entry Entry) (string, error) {
	u, err := url.Parse(entry.URI)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %w", oerr.ErrUnsafeArtifactURI, entry.URI, err)
	}
	if u.Scheme != "https" && u.Scheme != "file" {
		return "", fmt.Errorf("%w: scheme %q of %q", oerr.ErrUnsafeArtifactURI, u.Scheme, entry.URI)
	}
	if err := checkURIPath(u); err != nil {
		return "", err
	}

	name, err := artifactName(u)
	if err != nil {
		return "", err
	}
	target, err := a.containedPath(name)
	if err != nil {
		return "", err
	}

	if cached, err := os.ReadFile(target); err == nil {
		if digestHex(cached) == strings.ToLower(entry.SHA256) {
			return target, nil
		}
	}

	var data []byte
	if u.Scheme == "file" {
		data, err = os.ReadFile(u.Path)
		if err != nil {
			return "", fmt.Errorf("read artifact %s: %w", entry.URI, err)
		}
	} else {
		data, err = a.download(entry.URI)
		if err != nil {
			return "", err
		}
	}

	got := digestHex(data)
	if got != strings.ToLower(entry.SHA256) {
		return "", fmt.Errorf("%w: artifact %s: got %s, want %s", oerr.ErrDigestMismatch, entry.URI, got, entry.SHA256)
	}

	if err := os.MkdirAll(a.root, 0o755); err != nil {
		return "", fmt.Errorf("create artifact cache: %w", err)
	}
	tmp, err := os.CreateTemp(a.root, ".artifact-*")
	if err != nil {
		return "", fmt.Errorf("create artifact temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("install artifact: %w", err)
	}
	return target, nil
}

// checkURIPath rejects URIs whose whole path carries traversal segments or is
// not in clean form. file:// paths are read from the local filesystem, so a
// ".." anywhere in the path would escape any sandbox the operator intended.
func checkURIPath(u *url.URL) error {
	p := u.Path
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." || seg == "." {
			return fmt.Errorf("%w: traversal segment in %q", oerr.ErrPathTraversalBlocked, p)
		}
	}
	if p != "" && p != "/" && path.Clean(p) != p {
		return fmt.Errorf("%w: path %q is not clean", oerr.ErrPathTraversalBlocked, p)
	}
	return nil
}

// artifactName takes the last raw segment of the URI path, unescaped but
// never cleaned, so traversal sequences survive to be rejected instead of
// being normalized away.
func artifactName(u *url.URL) (string, error) {
	ep := u.EscapedPath()
	seg := ep[strings.LastIndex(ep, "/")+1:]
	name, err := url.PathUnescape(seg)
	if err != nil {
		return "", fmt.Errorf("%w: artifact filename %q", oerr.ErrPathTraversalBlocked, seg)
	}
	return name, nil
}

// containedPath validates the derived filename and returns the final cache
// path, guaranteeing it stays under the cache root.
func (a *ArtifactStore) containedPath(name string) (string, error) {
	if name == "" || name == "." || name == ".." || name == "/" {
		return "", fmt.Errorf("%w: empty artifact filename", oerr.ErrPathTraversalBlocked)
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, "/\\") || filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: artifact filename %q", oerr.ErrPathTraversalBlocked, name)
	}

	root := a.root
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	target := filepath.Join(root, name)
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes cache root", oerr.ErrPathTraversalBlocked, name)
	}
	return target, nil
}

func (a *ArtifactStore) download(rawURL string) ([]byte, error) {
	resp, err := a.client.Get(rawURL)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: unexpected status %d", rawURL, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxArtifactBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", rawURL, err)
	}
	if len(data) > maxArtifactBytes {
		return nil, fmt.Errorf("download %s: artifact exceeds %d bytes", rawURL, maxArtifactBytes)
	}
	return data, nil
}

func digestHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
