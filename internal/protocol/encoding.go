package protocol

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/onionmesh/onionmesh/pkg/onion"
)

// envelope is sniffed first to recover the tag before the caller unmarshals
// the full packet into its concrete type (§3: every packet is tagged).
type envelope struct {
	Type onion.PacketType `json:"type"`
}

// WritePacket JSON-encodes pkt and writes it as one length-prefixed frame.
// pkt must be one of *onion.ControlPacket, *onion.RelayPacket, *onion.DirPacket.
func WritePacket(w io.Writer, pkt interface{}) error {
	data, err := json.Marshal(pkt)
	if err != nil {
		return fmt.Errorf("encode packet: %w", err)
	}
	return WriteFrame(w, data)
}

// ReadPacket reads one frame from r and decodes it into the concrete type
// matching its "type" tag. The returned value is one of *onion.ControlPacket,
// *onion.RelayPacket, or *onion.DirPacket. Unknown tags are rejected (§3).
func ReadPacket(r io.Reader) (interface{}, error) {
	raw, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, onion.NewMeshError(onion.ErrProtocolViolation, "malformed packet envelope")
	}

	switch env.Type {
	case onion.TypeControl:
		var p onion.ControlPacket
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, onion.NewMeshError(onion.ErrProtocolViolation, "malformed control packet")
		}
		return &p, nil
	case onion.TypeRelay:
		var p onion.RelayPacket
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, onion.NewMeshError(onion.ErrProtocolViolation, "malformed relay packet")
		}
		return &p, nil
	case onion.TypeDir:
		var p onion.DirPacket
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, onion.NewMeshError(onion.ErrProtocolViolation, "malformed dir packet")
		}
		return &p, nil
	default:
		return nil, onion.NewMeshError(onion.ErrProtocolViolation, fmt.Sprintf("unknown packet type %q", env.Type))
	}
}
