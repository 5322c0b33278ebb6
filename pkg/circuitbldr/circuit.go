// Package circuitbldr implements the client side of circuit construction:
// telescoping key exchange through a chosen hop list, then tunneling a
// fetch request through the finished circuit (§4.3).
package circuitbldr

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/onionmesh/onionmesh/internal/protocol"
	"github.com/onionmesh/onionmesh/pkg/onion"
)

// ErrNotEnoughRelays is returned when the directory's registry is smaller
// than the requested hop count (§8 scenario S5).
var ErrNotEnoughRelays = fmt.Errorf("not enough relays in the registry for the requested hop count")

const maxSendAttempts = 3

// Circuit is the client's view of a built path: the entry relay's address,
// the circID used on the link to the entry, and one session key per hop in
// telescoping order. SenderKeyTable is deliberately a slice, not a map —
// layer order is load-bearing, and Go maps make no iteration-order
// guarantee (§4.3 "Constraint").
type Circuit struct {
	EntryAddr      onion.PeerAddr
	CircID         onion.CircID
	SenderKeyTable [][]byte

	dialTimeout time.Duration
	ioTimeout   time.Duration
}

// Option configures BuildCircuit's timeouts.
type Option func(*Circuit)

// WithTimeouts overrides the default dial/IO deadlines.
func WithTimeouts(dial, io time.Duration) Option {
	return func(c *Circuit) {
		c.dialTimeout = dial
		c.ioTimeout = io
	}
}

// BuildCircuit telescopes a circuit through hops in order: hops[0] is the
// entry relay, hops[len(hops)-1] is the exit. BuildCircuit uses hops as
// given and does not check them against the caller's own address; hop
// selection is the caller's responsibility (§4.3).
func BuildCircuit(ctx context.Context, hops []onion.Descriptor, opts ...Option) (*Circuit, error) {
	if len(hops) == 0 {
		return nil, fmt.Errorf("at least one hop is required")
	}

	c := &Circuit{
		EntryAddr:      onion.PeerAddr{IP: hops[0].IP, Port: hops[0].Port},
		SenderKeyTable: make([][]byte, 0, len(hops)),
		dialTimeout:    1 * time.Second,
		ioTimeout:      1 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}

	circID, err := onion.NewCircID()
	if err != nil {
		return nil, fmt.Errorf("draw circID: %w", err)
	}
	c.CircID = circID

	key, err := newSessionKey()
	if err != nil {
		return nil, err
	}
	wrapped, err := onion.RSAWrap(hops[0].RSAExp, hops[0].RSAMod, key)
	if err != nil {
		return nil, fmt.Errorf("wrap key for entry hop: %w", err)
	}

	created, err := c.sendControl(ctx, c.EntryAddr, &onion.ControlPacket{
		Type:    onion.TypeControl,
		CircID:  circID,
		Command: onion.CmdCreate,
		Payload: wrapped,
	})
	if err != nil {
		return nil, fmt.Errorf("create entry hop: %w", err)
	}
	if !verifyConfirmation(key, circID, created.Payload) {
		return nil, fmt.Errorf("entry hop failed key confirmation")
	}
	c.SenderKeyTable = append(c.SenderKeyTable, key)

	for i := 1; i < len(hops); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		hopKey, err := newSessionKey()
		if err != nil {
			return nil, err
		}
		wrappedHopKey, err := onion.RSAWrap(hops[i].RSAExp, hops[i].RSAMod, hopKey)
		if err != nil {
			return nil, fmt.Errorf("wrap key for hop %d: %w", i, err)
		}

		inner, err := json.Marshal(onion.DecodedPayload{
			IsDecrypted: true,
			IP:          hops[i].IP,
			Port:        hops[i].Port,
			Data:        wrappedHopKey,
		})
		if err != nil {
			return nil, err
		}

		sealed, err := layerEncrypt(c.SenderKeyTable, inner)
		if err != nil {
			return nil, err
		}

		reply, err := c.sendRelay(ctx, &onion.RelayPacket{
			Type:          onion.TypeRelay,
			CircID:        circID,
			Command:       onion.CmdExtend,
			EncryptedData: sealed,
		})
		if err != nil {
			return nil, fmt.Errorf("extend to hop %d: %w", i, err)
		}

		confirmation, err := layerDecrypt(c.SenderKeyTable, reply.EncryptedData)
		if err != nil {
			return nil, fmt.Errorf("peel extended reply for hop %d: %w", i, err)
		}
		if !verifyConfirmation(hopKey, circID, confirmation) {
			return nil, fmt.Errorf("hop %d failed key confirmation", i)
		}

		c.SenderKeyTable = append(c.SenderKeyTable, hopKey)
	}

	return c, nil
}

// Fetch tunnels a GET for target through the finished circuit: the
// innermost layer carries the request, the exit's response is peeled back
// off in hop order, the entry's layer first (§4.3).
func (c *Circuit) Fetch(ctx context.Context, target string) ([]byte, error) {
	request, err := json.Marshal(onion.DecodedPayload{
		IsDecrypted: true,
		Data:        []byte(target),
	})
	if err != nil {
		return nil, err
	}

	sealed, err := layerEncrypt(c.SenderKeyTable, request)
	if err != nil {
		return nil, err
	}

	reply, err := c.sendRelay(ctx, &onion.RelayPacket{
		Type:          onion.TypeRelay,
		CircID:        c.CircID,
		Command:       onion.CmdRelayData,
		EncryptedData: sealed,
	})
	if err != nil {
		return nil, fmt.Errorf("relay_data: %w", err)
	}

	plaintext, err := layerDecrypt(c.SenderKeyTable, reply.EncryptedData)
	if err != nil {
		return nil, fmt.Errorf("peel relay_ans: %w", err)
	}

	var decoded onion.DecodedPayload
	if err := json.Unmarshal(plaintext, &decoded); err != nil {
		return nil, fmt.Errorf("malformed fetch answer: %w", err)
	}

	body, err := base64.URLEncoding.DecodeString(string(decoded.Data))
	if err != nil {
		return nil, fmt.Errorf("malformed fetch body encoding: %w", err)
	}
	return body, nil
}

// Close tears down the circuit with the entry relay (§4.2).
func (c *Circuit) Close(ctx context.Context) error {
	conn, err := net.DialTimeout("tcp", c.EntryAddr.String(), c.dialTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.ioTimeout))

	return protocol.WritePacket(conn, &onion.ControlPacket{
		Type:    onion.TypeControl,
		CircID:  c.CircID,
		Command: onion.CmdDestroy,
	})
}

// sendControl dials addr, writes a control packet, and reads the reply,
// retrying with a freshly dialed connection on a transient network error
// (the original's retry-up-to-3 policy, §7).
func (c *Circuit) sendControl(ctx context.Context, addr onion.PeerAddr, pkt *onion.ControlPacket) (*onion.ControlPacket, error) {
	var lastErr error
	for attempt := 0; attempt < maxSendAttempts; attempt++ {
		reply, err := c.roundTrip(addr, pkt)
		if err != nil {
			lastErr = err
			continue
		}
		ctrl, ok := reply.(*onion.ControlPacket)
		if !ok {
			return nil, fmt.Errorf("expected control reply, got something else")
		}
		if ctrl.Command == onion.CmdDestroy {
			return nil, fmt.Errorf("hop refused create")
		}
		return ctrl, nil
	}
	return nil, lastErr
}

// sendRelay dials the entry relay, writes a relay packet, and reads the
// reply, with the same bounded retry as sendControl.
func (c *Circuit) sendRelay(ctx context.Context, pkt *onion.RelayPacket) (*onion.RelayPacket, error) {
	var lastErr error
	for attempt := 0; attempt < maxSendAttempts; attempt++ {
		reply, err := c.roundTrip(c.EntryAddr, pkt)
		if err != nil {
			lastErr = err
			continue
		}
		rp, ok := reply.(*onion.RelayPacket)
		if !ok {
			return nil, fmt.Errorf("expected relay reply, got something else")
		}
		return rp, nil
	}
	return nil, lastErr
}

func (c *Circuit) roundTrip(addr onion.PeerAddr, pkt interface{}) (interface{}, error) {
	conn, err := net.DialTimeout("tcp", addr.String(), c.dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.ioTimeout))

	if err := protocol.WritePacket(conn, pkt); err != nil {
		return nil, fmt.Errorf("write packet: %w", err)
	}
	return protocol.ReadPacket(conn)
}

func newSessionKey() ([]byte, error) {
	key := make([]byte, onion.SessionKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	return key, nil
}

// layerEncrypt wraps plaintext under every key in keys, innermost (last
// established hop) first, so the outermost layer is the entry hop's —
// the only one an intermediate forwarder can ever peel (§4.3).
func layerEncrypt(keys [][]byte, plaintext []byte) ([]byte, error) {
	data := plaintext
	for i := len(keys) - 1; i >= 0; i-- {
		crypto, err := onion.NewOnionCrypto(keys[i])
		if err != nil {
			return nil, err
		}
		sealed, err := crypto.Encrypt(data)
		if err != nil {
			return nil, err
		}
		data = sealed
	}
	return data, nil
}

// layerDecrypt peels ciphertext with each key in keys in hop order
// (entry's key first), the inverse of layerEncrypt.
func layerDecrypt(keys [][]byte, ciphertext []byte) ([]byte, error) {
	data := ciphertext
	for _, key := range keys {
		crypto, err := onion.NewOnionCrypto(key)
		if err != nil {
			return nil, err
		}
		plaintext, err := crypto.Decrypt(data)
		if err != nil {
			return nil, err
		}
		data = plaintext
	}
	return data, nil
}

func verifyConfirmation(key []byte, circID onion.CircID, got []byte) bool {
	want := onion.DeriveConfirmation(key, circID)
	if len(got) != len(want) {
		return false
	}
	diff := byte(0)
	for i := range want {
		diff |= got[i] ^ want[i]
	}
	return diff == 0
}
