// Package gateway is the public façade over the DoIP gateway: load a
// configuration document, build a Gateway, and Run it until ctx is
// cancelled.
//
// Design Decisions:
//   - Single immutable Gateway object (C2) consulted read-only by every
//     session and by the UDP responder (ISO 13400-2 §3 "Ownership").
//   - Cycle state (C3) is the one piece of shared mutable state, owned by
//     the server orchestrator and guarded by a mutex (ISO 13400-2 §5).
//
// Example:
//
//	log := logging.Default(false)
//	gw, err := gateway.Load("testdata/example/gateway.yaml", log)
//	if err != nil {
//	    return err
//	}
//	if err := gw.Run(ctx); err != nil {
//	    return err
//	}
package gateway

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/doipgw/doipgw/internal/catalog"
	"github.com/doipgw/doipgw/internal/config"
	"github.com/doipgw/doipgw/internal/server"
)

// Gateway is a loaded, ready-to-run DoIP gateway.
type Gateway struct {
	cfg *config.Gateway
	log zerolog.Logger
	srv *server.Server
}

// Load resolves the gateway document at path (and every ECU/service
// catalog file it references) into a validated, ready-to-bind Gateway
// (ISO 13400-2 §4.2). It does not bind any socket; call Run for that.
func Load(path string, log zerolog.Logger) (*Gateway, error) {
	cfg, err := config.Load(path, log)
	if err != nil {
		return nil, err
	}
	return &Gateway{cfg: cfg, log: log}, nil
}

// OverrideAddress lets the CLI's --host/--port flags take precedence over
// the configuration document (ISO 13400-2 §6 CLI interface).
func (g *Gateway) OverrideAddress(host string, port int) {
	if host != "" {
		g.cfg.Host = host
	}
	if port != 0 {
		g.cfg.Port = port
	}
}

// Run binds the TCP/UDP sockets and serves until ctx is cancelled
// (ISO 13400-2 §4.7). It returns once shutdown has fully drained.
func (g *Gateway) Run(ctx context.Context) error {
	srv, err := server.New(g.cfg, g.log)
	if err != nil {
		return err
	}
	g.srv = srv
	return srv.Run(ctx)
}

// ResetCycles exposes the cycler's reset operations (ISO 13400-2 §4.3) for
// operational tooling and tests. It returns nil before Run has bound the
// server.
func (g *Gateway) ResetCycles() *catalog.Cycler {
	if g.srv == nil {
		return nil
	}
	return g.srv.Cycler()
}

// Config returns the resolved, immutable gateway configuration.
func (g *Gateway) Config() *config.Gateway { return g.cfg }
