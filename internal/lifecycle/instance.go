package lifecycle

import (
	"context"
	"fmt"
	"io"

	oerr "github.com/oneiric/oneiric/pkg/errors"
)

// Optional surfaces a provider instance may implement. Health is probed in
// the documented order: Health, CheckHealth, Ready, IsHealthy. Cleanup is
// dispatched to the first of Cleanup, Close, Shutdown.
type (
	// Initializer runs once after construction, within the init timeout.
	Initializer interface {
		Init(ctx context.Context) error
	}

	// HealthChecker is the preferred health surface.
	HealthChecker interface {
		Health(ctx context.Context) error
	}

	// CheckHealther is the second health surface probed.
	CheckHealther interface {
		CheckHealth(ctx context.Context) error
	}

	// Readier is the third health surface probed.
	Readier interface {
		Ready(ctx context.Context) error
	}

	// IsHealthier is the last health surface probed.
	IsHealthier interface {
		IsHealthy(ctx context.Context) bool
	}

	// Cleaner is the preferred cleanup surface.
	Cleaner interface {
		Cleanup(ctx context.Context) error
	}

	// Shutdowner is dispatched when neither Cleanup nor Close exists.
	Shutdowner interface {
		Shutdown(ctx context.Context) error
	}
)

// initInstance runs the instance's Init if it has one.
func initInstance(ctx context.Context, instance any) error {
	if init, ok := instance.(Initializer); ok {
		return init.Init(ctx)
	}
	return nil
}

// probeInstance evaluates the first health surface found. Instances without
// one are considered healthy.
func probeInstance(ctx context.Context, instance any) error {
	switch v := instance.(type) {
	case HealthChecker:
		return v.Health(ctx)
	case CheckHealther:
		return v.CheckHealth(ctx)
	case Readier:
		return v.Ready(ctx)
	case IsHealthier:
		if !v.IsHealthy(ctx) {
			return fmt.Errorf("%w: instance reported unhealthy", oerr.ErrHealthCheckFailed)
		}
		return nil
	default:
		return nil
	}
}

// cleanupInstance invokes the first cleanup surface found.
func cleanupInstance(ctx context.Context, instance any) error {
	switch v := instance.(type) {
	case Cleaner:
		return v.Cleanup(ctx)
	case io.Closer:
		return v.Close()
	case Shutdowner:
		return v.Shutdown(ctx)
	default:
		return nil
	}
}
