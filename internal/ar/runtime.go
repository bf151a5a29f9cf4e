package ar

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/taskforge/taskforge/internal/config"
	"github.com/taskforge/taskforge/internal/logging"
)

// Runtime is the process-wide handle on the external AR: it owns the
// Launcher's lifecycle and hands out Clients bound to a working
// directory, reusing one per normalized directory until Stop.
//
// Start calls are deduplicated through singleflight so that concurrent
// callers racing to bring the AR up (e.g. two tasks admitted back to
// back) block on one underlying launch instead of racing each other.
type Runtime struct {
	cfg    config.ARConfig
	dialer Dialer
	logger *logging.Logger

	launcher Launcher
	group    singleflight.Group

	mu      sync.Mutex
	running bool
	clients map[string]Client
}

// NewRuntime builds a Runtime for the configured backend. dialer must
// match cfg.Backend (native/acp/copilot); launcher is nil when the AR is
// assumed to already be running externally (no Start/Stop needed).
func NewRuntime(cfg config.ARConfig, launcher Launcher, dialer Dialer, logger *logging.Logger) *Runtime {
	return &Runtime{
		cfg:      cfg,
		launcher: launcher,
		dialer:   dialer,
		logger:   logger,
		clients:  make(map[string]Client),
	}
}

// Start brings the AR up if a Launcher is configured. It is a no-op if
// already running, and deduplicates concurrent calls.
func (r *Runtime) Start(ctx context.Context) error {
	if r.launcher == nil {
		r.mu.Lock()
		r.running = true
		r.mu.Unlock()
		return nil
	}

	_, err, _ := r.group.Do("start", func() (any, error) {
		r.mu.Lock()
		alreadyRunning := r.running
		r.mu.Unlock()
		if alreadyRunning {
			return nil, nil
		}
		if startErr := r.launcher.Start(ctx); startErr != nil {
			return nil, startErr
		}
		r.mu.Lock()
		r.running = true
		r.mu.Unlock()
		r.logger.Info("ar runtime started")
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("ar runtime: start: %w", err)
	}
	return nil
}

// Stop tears the AR down (if launcher-managed) and drops all cached
// clients, since they are no longer valid against a dead process.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.clients = make(map[string]Client)
	r.running = false
	launcher := r.launcher
	r.mu.Unlock()

	if launcher == nil {
		return nil
	}
	if err := launcher.Stop(ctx); err != nil {
		return fmt.Errorf("ar runtime: stop: %w", err)
	}
	r.logger.Info("ar runtime stopped")
	return nil
}

// Restart stops then starts the AR.
func (r *Runtime) Restart(ctx context.Context) error {
	if err := r.Stop(ctx); err != nil {
		return err
	}
	return r.Start(ctx)
}

// IsRunning reports whether the AR is currently considered up.
func (r *Runtime) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.launcher != nil {
		return r.running && r.launcher.Running()
	}
	return r.running
}

// GetClient returns a Client bound to directory, dialing and caching one
// on first use. directory is normalized (cleaned, absolute) so that
// equivalent paths share one cached client.
func (r *Runtime) GetClient(ctx context.Context, directory string) (Client, error) {
	norm, err := filepath.Abs(filepath.Clean(directory))
	if err != nil {
		return nil, fmt.Errorf("ar runtime: normalize directory: %w", err)
	}

	r.mu.Lock()
	if c, ok := r.clients[norm]; ok {
		r.mu.Unlock()
		return c, nil
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do("dial:"+norm, func() (any, error) {
		r.mu.Lock()
		if c, ok := r.clients[norm]; ok {
			r.mu.Unlock()
			return c, nil
		}
		r.mu.Unlock()

		c, dialErr := r.dialer.Dial(ctx, r.cfg.Hostname, r.cfg.Port, norm)
		if dialErr != nil {
			return nil, dialErr
		}
		r.mu.Lock()
		r.clients[norm] = c
		r.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, fmt.Errorf("ar runtime: get client: %w", err)
	}
	return v.(Client), nil
}
