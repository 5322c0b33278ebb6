package switchboard

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/onionmesh/onionmesh/internal/logging"
	"github.com/onionmesh/onionmesh/internal/metrics"
	"github.com/onionmesh/onionmesh/internal/ratelimit"
	"github.com/onionmesh/onionmesh/pkg/onion"
)

// Server binds a single TCP listener and runs the switchboard's
// accept-read-dispatch-close loop: one goroutine per connection, each
// servicing exactly one packet (§4.2, §5).
type Server struct {
	node     *Node
	limiter  *ratelimit.Limiter
	log      *logging.Logger
	mtr      *metrics.PrometheusMetrics
	listener net.Listener

	wg sync.WaitGroup
}

// NewServer wires a Node to a rate limiter and logger.
func NewServer(node *Node, limiter *ratelimit.Limiter, log *logging.Logger, mtr *metrics.PrometheusMetrics) *Server {
	return &Server{
		node:    node,
		limiter: limiter,
		log:     log.WithComponent("switchboard-server"),
		mtr:     mtr,
	}
}

// ListenAndServe binds addr and runs the accept loop until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind switchboard listener: %w", err)
	}
	s.listener = ln

	s.log.Info().Str("addr", addr).Msg("switchboard listening")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
				s.log.Warn().Err(err).Msg("accept failed")
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(conn)
		}()
	}
}

func (s *Server) serve(conn net.Conn) {
	defer conn.Close()

	peer, err := peerAddr(conn.RemoteAddr())
	if err != nil {
		s.log.Debug().Err(err).Msg("could not parse peer address")
		return
	}

	if s.limiter != nil && !s.limiter.Allow(peer.IP) {
		if s.mtr != nil {
			s.mtr.RateLimitHits.Inc()
		}
		return
	}

	if s.mtr != nil {
		s.mtr.ConnectionsTotal.Inc()
		s.mtr.ActiveConnections.Inc()
		defer s.mtr.ActiveConnections.Dec()
	}

	s.node.HandleConn(conn, peer)
}

// Shutdown closes the listener, causing the accept loop to return once its
// context is canceled by the caller.
func (s *Server) Shutdown() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func peerAddr(addr net.Addr) (onion.PeerAddr, error) {
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return onion.PeerAddr{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return onion.PeerAddr{}, err
	}
	return onion.PeerAddr{IP: strings.TrimSpace(host), Port: uint16(port)}, nil
}
