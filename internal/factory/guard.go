// Package factory turns factory descriptors into constructors safely.
//
// In-process constructors are accepted as-is. Symbolic "module:symbol"
// descriptors resolve through a Catalog of constructors the host application
// registered up front; the module prefix must match the configured allow-list
// and must not match the static block list. There is no dynamic code loading.
package factory

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/oneiric/oneiric/internal/registry"
	oerr "github.com/oneiric/oneiric/pkg/errors"
)

// blockedPrefixes is the hard deny list: process/shell control, dynamic
// loading, and filesystem mutation primitives are never resolvable, no matter
// what the allow-list says.
var blockedPrefixes = []string{
	"os",
	"os/exec",
	"exec",
	"subprocess",
	"syscall",
	"plugin",
	"unsafe",
	"runtime",
	"reflect",
	"eval",
	"builtins.eval",
	"builtins.exec",
	"importlib",
	"tempfile",
	"shutil",
}

// Catalog maps symbolic names to registered constructors. Host applications
// populate it at startup; the guard only reads it.
type Catalog struct {
	mu      sync.RWMutex
	symbols map[string]registry.Constructor
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{symbols: make(map[string]registry.Constructor)}
}

// Add registers a constructor under a "module:symbol" name. Later
// registrations replace earlier ones.
func (c *Catalog) Add(symbol string, fn registry.Constructor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.symbols[symbol] = fn
}

// Lookup returns the constructor registered under symbol.
func (c *Catalog) Lookup(symbol string) (registry.Constructor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn, ok := c.symbols[symbol]
	return fn, ok
}

// Symbols lists registered symbol names.
func (c *Catalog) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.symbols))
	for s := range c.symbols {
		out = append(out, s)
	}
	return out
}

// Guard validates factory descriptors against the allow-list and resolves
// them to constructors. Resolution of a symbolic descriptor is deterministic,
// side-effect free, and cached for the life of the process.
type Guard struct {
	catalog *Catalog
	allow   []string
	log     *zap.Logger

	mu    sync.RWMutex
	cache map[string]registry.Constructor
}

// NewGuard creates a guard. allowPrefixes are module prefixes accepted for
// symbolic descriptors (the host application's own namespace, typically).
func NewGuard(catalog *Catalog, allowPrefixes []string, log *zap.Logger) *Guard {
	if catalog == nil {
		catalog = NewCatalog()
	}
	if log == nil {
		log = zap.NewNop()
	}
	// accept both "myapp" and "myapp." spellings in configuration
	allow := make([]string, 0, len(allowPrefixes))
	for _, p := range allowPrefixes {
		p = strings.TrimRight(p, "./")
		if p != "" {
			allow = append(allow, p)
		}
	}
	return &Guard{
		catalog: catalog,
		allow:   allow,
		log:     log,
		cache:   make(map[string]registry.Constructor),
	}
}

// Resolve turns a factory spec into a constructor or fails with
// ErrFactoryNotAllowed.
func (g *Guard) Resolve(spec registry.FactorySpec) (registry.Constructor, error) {
	if spec.Callable() {
		return spec.Fn, nil
	}
	if spec.Symbol == "" {
		return nil, fmt.Errorf("%w: empty factory descriptor", oerr.ErrFactoryNotAllowed)
	}

	g.mu.RLock()
	if fn, ok := g.cache[spec.Symbol]; ok {
		g.mu.RUnlock()
		return fn, nil
	}
	g.mu.RUnlock()

	module, _, err := Split(spec.Symbol)
	if err != nil {
		return nil, err
	}
	if blocked(module) {
		return nil, fmt.Errorf("%w: module %q is on the block list", oerr.ErrFactoryNotAllowed, module)
	}
	if !g.allowed(module) {
		return nil, fmt.Errorf("%w: module %q not in allow-list", oerr.ErrFactoryNotAllowed, module)
	}

	fn, ok := g.catalog.Lookup(spec.Symbol)
	if !ok {
		return nil, fmt.Errorf("%w: symbol %q not registered", oerr.ErrFactoryNotAllowed, spec.Symbol)
	}

	g.mu.Lock()
	g.cache[spec.Symbol] = fn
	g.mu.Unlock()

	g.log.Debug("factory resolved", zap.String("symbol", spec.Symbol))
	return fn, nil
}

// Check validates a symbolic descriptor without requiring the symbol to be
// registered yet. The remote entry validator uses it before registration.
func (g *Guard) Check(symbol string) error {
	module, _, err := Split(symbol)
	if err != nil {
		return err
	}
	if blocked(module) {
		return fmt.Errorf("%w: module %q is on the block list", oerr.ErrFactoryNotAllowed, module)
	}
	if !g.allowed(module) {
		return fmt.Errorf("%w: module %q not in allow-list", oerr.ErrFactoryNotAllowed, module)
	}
	return nil
}

// Split parses a "module:symbol" descriptor.
func Split(symbol string) (module, name string, err error) {
	idx := strings.Index(symbol, ":")
	if idx <= 0 || idx == len(symbol)-1 {
		return "", "", fmt.Errorf("%w: descriptor %q is not of the form module:symbol", oerr.ErrFactoryNotAllowed, symbol)
	}
	return symbol[:idx], symbol[idx+1:], nil
}

func (g *Guard) allowed(module string) bool {
	for _, prefix := range g.allow {
		if module == prefix || strings.HasPrefix(module, prefix+".") || strings.HasPrefix(module, prefix+"/") {
			return true
		}
	}
	return false
}

func blocked(module string) bool {
	for _, prefix := range blockedPrefixes {
		if module == prefix || strings.HasPrefix(module, prefix+".") || strings.HasPrefix(module, prefix+"/") {
			return true
		}
	}
	return false
}
