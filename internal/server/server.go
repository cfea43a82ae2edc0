// Package server implements the orchestrator (C7): it binds the TCP
// listener and UDP socket, accepts connections up to max_connections,
// dispatches UDP datagrams to the responder, and owns the gateway's
// lifecycle (ISO 13400-2 §4.7).
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/doipgw/doipgw/internal/catalog"
	"github.com/doipgw/doipgw/internal/config"
	"github.com/doipgw/doipgw/internal/protocol"
	"github.com/doipgw/doipgw/internal/session"
	"github.com/doipgw/doipgw/internal/transport"
	"github.com/doipgw/doipgw/internal/udpresponder"
	"github.com/doipgw/doipgw/internal/wire"
	"github.com/doipgw/doipgw/internal/xerrors"
)

// Server owns the two listening sockets and the cycle state shared by
// every session (ISO 13400-2 §3 "Ownership").
type Server struct {
	gw     *config.Gateway
	log    zerolog.Logger
	cycler *catalog.Cycler

	listener net.Listener
	udp      *transport.UDPSocket

	mu          sync.Mutex
	openSession map[net.Conn]struct{}
}

// New binds the TCP listener and UDP socket for gw. Both must share
// gw.Host:gw.Port (ISO 13400-2 §6: "both must be port 13400 for conformance").
func New(gw *config.Gateway, log zerolog.Logger) (*Server, error) {
	addr := fmt.Sprintf("%s:%d", gw.Host, gw.Port)

	ln, err := net.Listen("tcp4", addr)
	if err != nil {
		return nil, &xerrors.BindError{Operation: "listen tcp", Addr: addr, Err: err}
	}

	udpSocket, err := transport.NewUDPSocket(gw.Host, gw.Port)
	if err != nil {
		_ = ln.Close()
		return nil, err
	}

	return &Server{
		gw:          gw,
		log:         log,
		cycler:      catalog.NewCycler(),
		listener:    ln,
		udp:         udpSocket,
		openSession: make(map[net.Conn]struct{}),
	}, nil
}

// Cycler exposes the shared response cycler for operational reset
// commands (ISO 13400-2 §4.3 "Reset operations").
func (s *Server) Cycler() *catalog.Cycler { return s.cycler }

// Run accepts connections and serves UDP until ctx is cancelled, then
// drains in-flight sessions for up to the gateway's idle timeout before
// forcing a close (ISO 13400-2 §4.7 "Shutdown").
func (s *Server) Run(ctx context.Context) error {
	s.announceStartup()

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return s.acceptLoop(gctx)
	})

	responder := udpresponder.New(s.gw, s.udp, s.cycler, s.gw.MaxConnections, s.openCount, s.log)
	group.Go(func() error {
		return responder.Serve()
	})

	group.Go(func() error {
		<-gctx.Done()
		s.log.Info().Msg("shutting down")
		_ = s.listener.Close()
		_ = s.udp.Close()
		return nil
	})

	err := group.Wait()

	// Give in-flight sessions up to the idle timeout to finish, then
	// force-close whatever is still open.
	drainDeadline := time.Now().Add(time.Duration(s.gw.IdleTimeoutSec) * time.Second)
	for s.openCount() > 0 && time.Now().Before(drainDeadline) {
		time.Sleep(10 * time.Millisecond)
	}
	s.mu.Lock()
	for conn := range s.openSession {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.log.Info().Msg("shutdown complete")
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return &xerrors.ProtocolError{Operation: "accept", Err: err}
		}

		if s.openCount() >= s.gw.MaxConnections {
			// ISO 13400-2 §4.7: "additional connections are rejected at
			// accept time (socket closed immediately)."
			_ = conn.Close()
			continue
		}

		s.addSession(conn)
		go func() {
			defer s.removeSession(conn)
			idle := time.Duration(s.gw.IdleTimeoutSec) * time.Second
			session.New(conn, s.gw, s.cycler, idle, s.log).Run(ctx)
		}()
	}
}

func (s *Server) addSession(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openSession[conn] = struct{}{}
}

func (s *Server) removeSession(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.openSession, conn)
}

func (s *Server) openCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.openSession)
}

// announceStartup sends one gratuitous Vehicle Announcement to the
// subnet broadcast address, per ISO 13400-2 §4.7 ("implementers MAY omit
// this" — this implementation does not).
func (s *Server) announceStartup() {
	dest, err := transport.BroadcastAddr(s.gw.Port)
	if err != nil {
		s.log.Debug().Err(err).Msg("skipping startup vehicle announcement: no broadcast-capable interface")
		return
	}

	identity := wire.VehicleIdentity{
		EID:            s.gw.EID,
		GID:            s.gw.GID,
		LogicalAddress: s.gw.LogicalAddress,
	}
	copy(identity.VIN[:], s.gw.VIN)

	body := wire.EncodeVehicleIdentificationResponse(identity)
	frame := wire.EncodeFrame(s.gw.ProtocolVersion, protocol.PayloadVehicleAnnouncement, body)

	if _, err := s.udp.WriteTo(frame, dest); err != nil {
		s.log.Debug().Err(err).Msg("startup vehicle announcement failed")
		return
	}
	s.log.Info().Str("broadcast", dest.String()).Msg("sent startup vehicle announcement")
}
