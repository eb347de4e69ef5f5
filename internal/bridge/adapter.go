package bridge

import (
	"context"

	"github.com/hashicorp/go-multierror"

	"github.com/oneiric/oneiric/internal/lifecycle"
)

// AdapterBridge is the adapter-domain bridge. Adapter slots are addressed by
// category (cache, queue, blob, ...), which is the adapter-domain name for the
// generic key.
type AdapterBridge struct {
	*Bridge
}

// NewAdapterBridge wraps a Bridge that must be bound to the adapter domain.
func NewAdapterBridge(b *Bridge) *AdapterBridge {
	return &AdapterBridge{Bridge: b}
}

// UseCategory returns a handle for one adapter category.
func (a *AdapterBridge) UseCategory(ctx context.Context, category string, opts UseOptions) (lifecycle.Handle, error) {
	return a.Use(ctx, category, opts)
}

// UseCategories activates several categories, collecting per-category
// failures instead of stopping at the first. Successful handles are returned
// even when some categories fail.
func (a *AdapterBridge) UseCategories(ctx context.Context, categories []string, opts UseOptions) (map[string]lifecycle.Handle, error) {
	handles := make(map[string]lifecycle.Handle, len(categories))
	var errs *multierror.Error
	for _, cat := range categories {
		h, err := a.Use(ctx, cat, opts)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		handles[cat] = h
	}
	return handles, errs.ErrorOrNil()
}
