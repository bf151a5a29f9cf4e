package mcpserver

import (
	"context"
	"sync"
	"time"
)

// Provide starts the MCP server and returns a cleanup function to stop
// it, mirroring the rest of this control plane's component-lifecycle
// shape (construct, Start, return a cleanup closure).
func Provide(ctx context.Context, cfg Config, deps Dependencies) (*Server, func() error, error) {
	srv := New(cfg, deps)
	if err := srv.Start(ctx); err != nil {
		return nil, nil, err
	}

	var stopOnce sync.Once
	cleanup := func() error {
		var stopErr error
		stopOnce.Do(func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			stopErr = srv.Stop(stopCtx)
		})
		return stopErr
	}

	return srv, cleanup, nil
}
