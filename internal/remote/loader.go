package remote

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"syscall"
	"time"

	oerr "github.com/oneiric/oneiric/pkg/errors"
)

const defaultHTTPTimeout = 30 * time.Second

// maxManifestBytes bounds a single manifest document.
const maxManifestBytes = 4 << 20

// Loader fetches manifest documents from a local path or an https URL.
// Connections to private, loopback, and link-local addresses are refused
// unless explicitly allowed; the check runs at connect time, after DNS
// resolution, so a hostname cannot smuggle a private target past it.
type Loader struct {
	client       *http.Client
	allowPrivate bool
}

// NewLoader builds a loader with the given overall HTTP timeout.
func NewLoader(timeout time.Duration, allowPrivate bool) *Loader {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	l := &Loader{allowPrivate: allowPrivate}
	dialer := &net.Dialer{
		Timeout: timeout,
		Control: func(_, address string, _ syscall.RawConn) error {
			if l.allowPrivate {
				return nil
			}
			return refusePrivate(address)
		},
	}
	l.client = &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:         dialer.DialContext,
			MaxIdleConns:        4,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
	return l
}

func refusePrivate(address string) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		host = address
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("%w: unresolvable address %q", oerr.ErrUnsafeArtifactURI, address)
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return fmt.Errorf("%w: %s is a private address", oerr.ErrUnsafeArtifactURI, ip)
	}
	return nil
}

// Load fetches the manifest bytes for ref, which is either a filesystem path
// (optionally file://) or an https URL.
func (l *Loader) Load(ctx context.Context, ref string) ([]byte, error) {
	switch {
	case strings.HasPrefix(ref, "https://"):
		return l.get(ctx, ref)
	case strings.HasPrefix(ref, "file://"):
		u, err := url.Parse(ref)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", oerr.ErrUnsafeArtifactURI, ref, err)
		}
		return os.ReadFile(u.Path)
	case strings.Contains(ref, "://"):
		return nil, fmt.Errorf("%w: scheme of %q is not https or file", oerr.ErrUnsafeArtifactURI, ref)
	default:
		return os.ReadFile(ref)
	}
}

func (l *Loader) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build manifest request: %w", err)
	}
	req.Header.Set("Accept", "application/yaml, application/json")
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("fetch %s: unexpected status %d", rawURL, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rawURL, err)
	}
	if len(data) > maxManifestBytes {
		return nil, fmt.Errorf("fetch %s: manifest exceeds %d bytes", rawURL, maxManifestBytes)
	}
	return data, nil
}

// Client exposes the loader's private-IP-guarded HTTP client for artifact
// downloads.
func (l *Loader) Client() *http.Client { return l.client }
