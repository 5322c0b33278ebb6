// Package switchboard implements the per-relay packet engine: the three
// routing tables and the control/relay state machine of a single hop.
package switchboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/onionmesh/onionmesh/internal/exitfetch"
	"github.com/onionmesh/onionmesh/internal/logging"
	"github.com/onionmesh/onionmesh/internal/metrics"
	"github.com/onionmesh/onionmesh/internal/protocol"
	"github.com/onionmesh/onionmesh/internal/ratelimit"
	"github.com/onionmesh/onionmesh/pkg/onion"
)

// createFailurePenalty is the violation weight charged against a peer's
// ratelimit.Limiter entry for a create attempt that fails for a protocol
// or cryptographic reason (bad key unwrap, circID collision) rather than
// plain overuse. It is well above the weight-1 cost of a single ordinary
// rate-limit trip, so a peer flooding malformed creates crosses
// Config.MaxViolations and is banned long before one that is merely
// noisy (§7 "Resource exhaustion").
const createFailurePenalty = 3

// Config holds switchboard tuning parameters.
type Config struct {
	MaxCircuits int
	DialTimeout time.Duration
	IOTimeout   time.Duration
	ExitTimeout time.Duration
}

// DefaultConfig returns the spec defaults: 100 concurrent circuits and a
// 1 second deadline on every blocking operation (§5).
func DefaultConfig() Config {
	return Config{
		MaxCircuits: 100,
		DialTimeout: 1 * time.Second,
		IOTimeout:   1 * time.Second,
		ExitTimeout: 10 * time.Second,
	}
}

// Node is a single relay's packet-forwarding engine. It owns exactly three
// pieces of routing state (§4.2):
//
//   - circuitTable:   circID -> the upstream peer that allocated it
//   - nodeKeyTable:   circID -> the symmetric session key shared with the client
//   - nodeRelayTable: circID_in -> circID_out, present only once extended
//
// A circID absent from nodeRelayTable identifies this node as the exit for
// that circuit.
//
// circuitTable scopes ownership to the peer's IP address only, not its
// ephemeral source port: every control/relay round trip on a circuit
// dials a fresh connection (sendControl/sendRelay in circuitbldr), and
// the OS assigns a new source port each time. Pinning the full
// IP:port would make every message after create look like a different,
// unknown circuit.
type Node struct {
	mu sync.RWMutex

	circuitTable     map[onion.CircID]onion.PeerAddr
	nodeKeyTable     map[onion.CircID][]byte
	nodeRelayTable   map[onion.CircID]onion.CircID
	nodeRelayReverse map[onion.CircID]onion.CircID
	hopAddr          map[onion.CircID]onion.PeerAddr

	km      *onion.KeyManager
	cfg     Config
	log     *logging.Logger
	mtr     *metrics.PrometheusMetrics
	limiter *ratelimit.Limiter
}

// NewNode constructs an empty switchboard bound to km's key pair.
func NewNode(km *onion.KeyManager, cfg Config, log *logging.Logger, mtr *metrics.PrometheusMetrics) *Node {
	return &Node{
		circuitTable:     make(map[onion.CircID]onion.PeerAddr),
		nodeKeyTable:     make(map[onion.CircID][]byte),
		nodeRelayTable:   make(map[onion.CircID]onion.CircID),
		nodeRelayReverse: make(map[onion.CircID]onion.CircID),
		hopAddr:          make(map[onion.CircID]onion.PeerAddr),
		km:               km,
		cfg:              cfg,
		log:              log.WithComponent("switchboard"),
		mtr:              mtr,
	}
}

// circuitCount returns the number of circuits this node currently holds a
// key for. Caller must hold mu.
func (n *Node) circuitCount() int {
	return len(n.nodeKeyTable)
}

// SetLimiter attaches a per-IP rate limiter to the node so create failures
// that signal protocol or cryptographic misbehavior (as opposed to a
// connection merely arriving too often) can be penalized at the peer
// directly, independent of the connection-level throttling the
// switchboard server already applies. Passing nil disables penalization.
func (n *Node) SetLimiter(l *ratelimit.Limiter) {
	n.limiter = l
}

// penalizeCreateFailure charges peer's rate-limit entry for a create that
// failed for a reason this node can attribute to the peer itself. A no-op
// if no limiter is attached.
func (n *Node) penalizeCreateFailure(peer onion.PeerAddr) {
	if n.limiter != nil {
		n.limiter.Penalize(peer.IP, createFailurePenalty)
	}
}

// HandleConn services exactly one packet read from conn, dispatches it,
// and writes at most one reply packet before returning (§4.2, §5): a
// destroy gets no reply, and a packet that cannot be read, is for an
// unknown circuit, or fails to decrypt is dropped without one. The caller
// is responsible for closing conn.
func (n *Node) HandleConn(conn net.Conn, peer onion.PeerAddr) {
	_ = conn.SetDeadline(time.Now().Add(n.cfg.IOTimeout))

	pkt, err := protocol.ReadPacket(conn)
	if err != nil {
		n.log.Debug().Err(err).Str("peer", peer.String()).Msg("read failed, dropping connection")
		return
	}

	switch p := pkt.(type) {
	case *onion.ControlPacket:
		n.handleControl(conn, peer, p)
	case *onion.RelayPacket:
		n.handleRelay(conn, peer, p)
	default:
		n.log.Warn().Str("peer", peer.String()).Msg("unexpected packet type at switchboard")
	}
}

func (n *Node) handleControl(conn net.Conn, peer onion.PeerAddr, pkt *onion.ControlPacket) {
	switch pkt.Command {
	case onion.CmdCreate:
		n.handleCreate(conn, peer, pkt)
	case onion.CmdDestroy:
		n.handleDestroy(peer, pkt)
	default:
		n.log.Warn().Str("command", string(pkt.Command)).Msg("unexpected control command at switchboard")
	}
}

func (n *Node) handleCreate(conn net.Conn, peer onion.PeerAddr, pkt *onion.ControlPacket) {
	sessionKey, err := n.km.Unwrap(pkt.Payload)
	if err != nil {
		n.log.Warn().Err(err).Uint32("circ", uint32(pkt.CircID)).Msg("create: key unwrap failed")
		n.penalizeCreateFailure(peer)
		n.writeControl(conn, pkt.CircID, onion.CmdDestroy, nil)
		return
	}

	n.mu.Lock()
	if _, exists := n.nodeKeyTable[pkt.CircID]; exists {
		n.mu.Unlock()
		n.log.Warn().Uint32("circ", uint32(pkt.CircID)).Msg("create: circID collision")
		n.penalizeCreateFailure(peer)
		n.writeControl(conn, pkt.CircID, onion.CmdDestroy, nil)
		return
	}
	if n.circuitCount() >= n.cfg.MaxCircuits {
		n.mu.Unlock()
		n.log.Warn().Msg("create: max circuits reached")
		n.writeControl(conn, pkt.CircID, onion.CmdDestroy, nil)
		return
	}

	n.circuitTable[pkt.CircID] = peer
	n.nodeKeyTable[pkt.CircID] = sessionKey
	n.mu.Unlock()

	if n.mtr != nil {
		n.mtr.CircuitsCreated.Inc()
		n.mtr.ActiveCircuits.Inc()
	}

	n.log.Info().Uint32("circ", uint32(pkt.CircID)).Str("peer", peer.String()).Msg("circuit created")

	confirmation := onion.DeriveConfirmation(sessionKey, pkt.CircID)
	n.writeControl(conn, pkt.CircID, onion.CmdCreated, confirmation)
}

func (n *Node) handleDestroy(peer onion.PeerAddr, pkt *onion.ControlPacket) {
	n.mu.Lock()
	key, ok := n.nodeKeyTable[pkt.CircID]
	if !ok {
		n.mu.Unlock()
		return
	}
	nextHop, hasNext := n.nodeRelayTable[pkt.CircID]
	nextAddr, hasAddr := n.hopAddr[nextHop]
	n.destroyLocked(pkt.CircID)
	n.mu.Unlock()

	onion.SecureWipe(key)

	if n.mtr != nil {
		n.mtr.CircuitsClosed.Inc()
		n.mtr.ActiveCircuits.Dec()
	}

	if hasNext && hasAddr {
		n.propagateDestroy(nextHop, nextAddr)
	}

	n.log.Info().Uint32("circ", uint32(pkt.CircID)).Str("peer", peer.String()).Msg("circuit destroyed")
}

// destroyLocked removes all table entries for circID. Caller must hold mu.
func (n *Node) destroyLocked(circID onion.CircID) {
	delete(n.circuitTable, circID)
	delete(n.nodeKeyTable, circID)
	if out, ok := n.nodeRelayTable[circID]; ok {
		delete(n.nodeRelayTable, circID)
		delete(n.nodeRelayReverse, out)
		delete(n.hopAddr, out)
	}
}

func (n *Node) propagateDestroy(circOut onion.CircID, addr onion.PeerAddr) {
	conn, err := net.DialTimeout("tcp", addr.String(), n.cfg.DialTimeout)
	if err != nil {
		return
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(n.cfg.IOTimeout))
	_ = protocol.WritePacket(conn, &onion.ControlPacket{
		Type:    onion.TypeControl,
		CircID:  circOut,
		Command: onion.CmdDestroy,
	})
}

func (n *Node) handleRelay(conn net.Conn, peer onion.PeerAddr, pkt *onion.RelayPacket) {
	switch {
	case pkt.Command == onion.CmdExtend:
		n.handleExtend(conn, peer, pkt)
	case pkt.Command == onion.CmdRelayData:
		n.handleRelayData(conn, peer, pkt)
	default:
		n.log.Warn().Str("command", string(pkt.Command)).Msg("unexpected relay command at switchboard")
	}
}

func (n *Node) sessionKeyFor(circID onion.CircID, peer onion.PeerAddr) ([]byte, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	owner, ok := n.circuitTable[circID]
	if !ok || owner.IP != peer.IP {
		return nil, false
	}
	key, ok := n.nodeKeyTable[circID]
	return key, ok
}

// handleExtend implements both branches of spec §4.2's relay/extend row:
// if this hop is the telescoping target, peel the layer and create a new
// leg; if the circuit is already extended, the peeled plaintext is still
// ciphertext meant for a further hop and must be forwarded on the
// existing leg, not reinterpreted here (mirrors handleRelayData's
// hasNext/forwardRelayData split).
func (n *Node) handleExtend(conn net.Conn, peer onion.PeerAddr, pkt *onion.RelayPacket) {
	key, ok := n.sessionKeyFor(pkt.CircID, peer)
	if !ok {
		n.log.Warn().Uint32("circ", uint32(pkt.CircID)).Msg("extend: unknown circuit")
		return
	}

	crypto, err := onion.NewOnionCrypto(key)
	if err != nil {
		return
	}
	plaintext, err := crypto.Decrypt(pkt.EncryptedData)
	if err != nil {
		n.log.Warn().Err(err).Uint32("circ", uint32(pkt.CircID)).Msg("extend: layer decrypt failed")
		return
	}

	n.mu.RLock()
	circOut, hasNext := n.nodeRelayTable[pkt.CircID]
	nextAddr := n.hopAddr[circOut]
	n.mu.RUnlock()

	var sealed []byte
	if hasNext {
		answer, err := n.forwardExtend(circOut, nextAddr, plaintext)
		if err != nil {
			n.log.Warn().Err(err).Uint32("circ", uint32(pkt.CircID)).Msg("extend: forward failed")
			return
		}
		sealed, err = crypto.Encrypt(answer)
		if err != nil {
			return
		}
	} else {
		var decoded onion.DecodedPayload
		if err := json.Unmarshal(plaintext, &decoded); err != nil {
			n.log.Warn().Err(err).Msg("extend: malformed inner payload")
			return
		}

		target := onion.PeerAddr{IP: decoded.IP, Port: decoded.Port}
		newCircOut, created, err := n.extendTo(target, decoded.Data)
		if err != nil {
			n.log.Warn().Err(err).Str("next_hop", target.String()).Msg("extend: next hop create failed")
			n.writeControl(conn, pkt.CircID, onion.CmdDestroy, nil)
			return
		}

		n.mu.Lock()
		n.nodeRelayTable[pkt.CircID] = newCircOut
		n.nodeRelayReverse[newCircOut] = pkt.CircID
		n.hopAddr[newCircOut] = target
		n.mu.Unlock()

		sealed, err = crypto.Encrypt(created)
		if err != nil {
			return
		}

		n.log.Info().
			Uint32("circ_in", uint32(pkt.CircID)).
			Uint32("circ_out", uint32(newCircOut)).
			Str("next_hop", target.String()).
			Msg("circuit extended")
	}

	n.writeRelay(conn, pkt.CircID, onion.CmdExtended, sealed)
}

// forwardExtend relays an already-extended circuit's still-encrypted
// extend payload to the next hop over the existing leg, circOut, and
// returns that hop's encrypted extended reply unopened.
func (n *Node) forwardExtend(circOut onion.CircID, addr onion.PeerAddr, payload []byte) ([]byte, error) {
	conn, err := net.DialTimeout("tcp", addr.String(), n.cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial next hop: %w", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(n.cfg.IOTimeout))

	err = protocol.WritePacket(conn, &onion.RelayPacket{
		Type:          onion.TypeRelay,
		CircID:        circOut,
		Command:       onion.CmdExtend,
		EncryptedData: payload,
	})
	if err != nil {
		return nil, fmt.Errorf("send extend: %w", err)
	}

	reply, err := protocol.ReadPacket(conn)
	if err != nil {
		return nil, fmt.Errorf("read extended: %w", err)
	}
	rp, ok := reply.(*onion.RelayPacket)
	if !ok || rp.Command != onion.CmdExtended {
		return nil, fmt.Errorf("expected extended, got something else")
	}
	return rp.EncryptedData, nil
}

// extendTo dials addr, sends a control/create carrying wrappedKey, and
// returns the freshly allocated circID and the hop's confirmation tag.
func (n *Node) extendTo(addr onion.PeerAddr, wrappedKey []byte) (onion.CircID, []byte, error) {
	const maxAttempts = 3

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		circOut, err := onion.NewCircID()
		if err != nil {
			return 0, nil, err
		}

		conn, err := net.DialTimeout("tcp", addr.String(), n.cfg.DialTimeout)
		if err != nil {
			return 0, nil, fmt.Errorf("dial next hop: %w", err)
		}
		_ = conn.SetDeadline(time.Now().Add(n.cfg.IOTimeout))

		err = protocol.WritePacket(conn, &onion.ControlPacket{
			Type:    onion.TypeControl,
			CircID:  circOut,
			Command: onion.CmdCreate,
			Payload: wrappedKey,
		})
		if err != nil {
			conn.Close()
			return 0, nil, fmt.Errorf("send create: %w", err)
		}

		reply, err := protocol.ReadPacket(conn)
		conn.Close()
		if err != nil {
			return 0, nil, fmt.Errorf("read created: %w", err)
		}

		ctrl, ok := reply.(*onion.ControlPacket)
		if !ok || ctrl.Command != onion.CmdCreated {
			lastErr = fmt.Errorf("next hop rejected create, retrying with a new circID")
			continue
		}
		return circOut, ctrl.Payload, nil
	}
	return 0, nil, lastErr
}

func (n *Node) handleRelayData(conn net.Conn, peer onion.PeerAddr, pkt *onion.RelayPacket) {
	key, ok := n.sessionKeyFor(pkt.CircID, peer)
	if !ok {
		n.log.Warn().Uint32("circ", uint32(pkt.CircID)).Msg("relay_data: unknown circuit")
		return
	}

	crypto, err := onion.NewOnionCrypto(key)
	if err != nil {
		return
	}
	plaintext, err := crypto.Decrypt(pkt.EncryptedData)
	if err != nil {
		n.log.Warn().Err(err).Uint32("circ", uint32(pkt.CircID)).Msg("relay_data: layer decrypt failed")
		return
	}

	n.mu.RLock()
	circOut, hasNext := n.nodeRelayTable[pkt.CircID]
	nextAddr := n.hopAddr[circOut]
	n.mu.RUnlock()

	var answer []byte
	if hasNext {
		answer, err = n.forwardRelayData(circOut, nextAddr, plaintext)
		if err != nil {
			n.log.Warn().Err(err).Uint32("circ", uint32(pkt.CircID)).Msg("relay_data: forward failed")
			return
		}
	} else {
		answer = n.exitRelayData(plaintext)
	}

	sealed, err := crypto.Encrypt(answer)
	if err != nil {
		return
	}

	if n.mtr != nil {
		n.mtr.PacketsRelayed.Inc()
		n.mtr.BytesRelayed.Add(float64(len(pkt.EncryptedData)))
	}

	n.writeRelay(conn, pkt.CircID, onion.CmdRelayAns, sealed)
}

func (n *Node) forwardRelayData(circOut onion.CircID, addr onion.PeerAddr, payload []byte) ([]byte, error) {
	conn, err := net.DialTimeout("tcp", addr.String(), n.cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial next hop: %w", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(n.cfg.IOTimeout))

	err = protocol.WritePacket(conn, &onion.RelayPacket{
		Type:          onion.TypeRelay,
		CircID:        circOut,
		Command:       onion.CmdRelayData,
		EncryptedData: payload,
	})
	if err != nil {
		return nil, fmt.Errorf("send relay_data: %w", err)
	}

	reply, err := protocol.ReadPacket(conn)
	if err != nil {
		return nil, fmt.Errorf("read relay_ans: %w", err)
	}
	rp, ok := reply.(*onion.RelayPacket)
	if !ok || rp.Command != onion.CmdRelayAns {
		return nil, fmt.Errorf("expected relay_ans, got something else")
	}
	return rp.EncryptedData, nil
}

// exitRelayData is reached when this node holds the innermost layer: the
// decrypted payload is the client's fetch request, not further ciphertext.
func (n *Node) exitRelayData(plaintext []byte) []byte {
	var decoded onion.DecodedPayload
	if err := json.Unmarshal(plaintext, &decoded); err != nil {
		n.log.Warn().Err(err).Msg("exit: malformed request payload")
		return plaintext
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.ExitTimeout)
	defer cancel()

	if n.mtr != nil {
		n.mtr.ExitFetches.Inc()
	}
	body := exitfetch.Fetch(ctx, string(decoded.Data))

	out, err := json.Marshal(onion.DecodedPayload{IsDecrypted: true, Data: body})
	if err != nil {
		return plaintext
	}
	return out
}

func (n *Node) writeControl(conn net.Conn, circID onion.CircID, cmd onion.ControlCommand, payload []byte) {
	_ = conn.SetDeadline(time.Now().Add(n.cfg.IOTimeout))
	_ = protocol.WritePacket(conn, &onion.ControlPacket{
		Type:    onion.TypeControl,
		CircID:  circID,
		Command: cmd,
		Payload: payload,
	})
}

func (n *Node) writeRelay(conn net.Conn, circID onion.CircID, cmd onion.RelayCommand, data []byte) {
	_ = conn.SetDeadline(time.Now().Add(n.cfg.IOTimeout))
	_ = protocol.WritePacket(conn, &onion.RelayPacket{
		Type:          onion.TypeRelay,
		CircID:        circID,
		Command:       cmd,
		EncryptedData: data,
	})
}

// Stats reports the node's current circuit count, for /metrics scraping.
func (n *Node) Stats() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.circuitCount()
}
