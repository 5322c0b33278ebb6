// Package directory implements the trusted, unauthenticated relay
// registry (§4.1): a TCP service that accepts register and query packets,
// one per connection.
package directory

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/onionmesh/onionmesh/internal/logging"
	"github.com/onionmesh/onionmesh/internal/metrics"
	"github.com/onionmesh/onionmesh/internal/protocol"
	"github.com/onionmesh/onionmesh/pkg/onion"
)

// entry pairs a published Descriptor with its registration order, so
// Query can return the registry in a stable, non-mutating order (§4.1).
type entry struct {
	descriptor onion.Descriptor
	registered time.Time
}

// Server is the directory registry (§4.1, §3 "never duplicates"). It is
// intentionally unauthenticated: any relay may register or overwrite the
// descriptor at a given (ip, port).
type Server struct {
	log *logging.Logger
	mtr *metrics.PrometheusMetrics

	mu       sync.RWMutex
	registry map[string]*entry

	listener  net.Listener
	ioTimeout time.Duration
	wg        sync.WaitGroup
}

// NewServer constructs an empty directory.
func NewServer(log *logging.Logger, mtr *metrics.PrometheusMetrics) *Server {
	return &Server{
		log:       log.WithComponent("directory-server"),
		mtr:       mtr,
		registry:  make(map[string]*entry),
		ioTimeout: 1 * time.Second,
	}
}

// ListenAndServe binds addr and services connections until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind directory listener: %w", err)
	}
	s.listener = ln

	s.log.Info().Str("addr", addr).Msg("directory listening")

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
			defer conn.Close()
			s.serve(conn)
		}()
	}
}

// Shutdown closes the listener.
func (s *Server) Shutdown() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) serve(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(s.ioTimeout))

	pkt, err := protocol.ReadPacket(conn)
	if err != nil {
		// Malformed packet: close silently, no response (§4.1, §7).
		return
	}

	dp, ok := pkt.(*onion.DirPacket)
	if !ok {
		return
	}

	switch dp.Command {
	case onion.CmdDirUpdate:
		s.handleRegister(conn, dp)
	case onion.CmdDirQuery:
		s.handleQuery(conn)
	default:
		s.log.Debug().Str("command", string(dp.Command)).Msg("unknown directory command")
	}
}

func (s *Server) handleRegister(conn net.Conn, dp *onion.DirPacket) {
	if dp.IP == "" || dp.Port == 0 || len(dp.Modulus) == 0 {
		return
	}

	d := onion.Descriptor{
		IP:     dp.IP,
		Port:   dp.Port,
		RSAExp: dp.PublicExp,
		RSAMod: dp.Modulus,
	}

	s.mu.Lock()
	key := d.Key()
	existing, exists := s.registry[key]
	registeredAt := time.Now()
	if exists {
		registeredAt = existing.registered
	}
	s.registry[key] = &entry{descriptor: d, registered: registeredAt}
	size := len(s.registry)
	s.mu.Unlock()

	if s.mtr != nil {
		s.mtr.RegistrySize.Set(float64(size))
	}

	action := "registered"
	if exists {
		action = "updated"
	}
	s.log.Info().Str("relay", key).Str("action", action).Msg("relay " + action)

	_ = conn.SetDeadline(time.Now().Add(s.ioTimeout))
	_ = protocol.WritePacket(conn, &onion.DirPacket{
		Type:    onion.TypeDir,
		Command: onion.CmdDirAnswer,
		Updated: 1,
	})
}

// Size returns the current number of registered relays, for health checks
// and metrics.
func (s *Server) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.registry)
}

func (s *Server) handleQuery(conn net.Conn) {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.registry))
	for _, e := range s.registry {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].registered.Before(entries[j].registered)
	})

	descriptors := make([]onion.Descriptor, len(entries))
	for i, e := range entries {
		descriptors[i] = e.descriptor
	}

	_ = conn.SetDeadline(time.Now().Add(s.ioTimeout))
	_ = protocol.WritePacket(conn, &onion.DirPacket{
		Type:     onion.TypeDir,
		Command:  onion.CmdDirAnswer,
		Registry: descriptors,
	})
}
