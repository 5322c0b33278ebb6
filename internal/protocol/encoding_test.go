package protocol

import (
	"bytes"
	"testing"

	"github.com/onionmesh/onionmesh/pkg/onion"
)

func TestWriteReadControlPacketRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	pkt := &onion.ControlPacket{
		Type:    onion.TypeControl,
		CircID:  onion.CircID(7),
		Command: onion.CmdCreate,
		Payload: []byte("wrapped-key"),
	}

	if err := WritePacket(&buf, pkt); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}

	decoded, err := ReadPacket(&buf)
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}

	got, ok := decoded.(*onion.ControlPacket)
	if !ok {
		t.Fatalf("ReadPacket returned %T, want *onion.ControlPacket", decoded)
	}
	if got.CircID != pkt.CircID || got.Command != pkt.Command || !bytes.Equal(got.Payload, pkt.Payload) {
		t.Errorf("round-tripped packet = %+v, want %+v", got, pkt)
	}
}

func TestWriteReadRelayPacketRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	pkt := &onion.RelayPacket{
		Type:          onion.TypeRelay,
		CircID:        onion.CircID(99),
		Command:       onion.CmdRelayData,
		EncryptedData: []byte("ciphertext"),
	}

	if err := WritePacket(&buf, pkt); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}

	decoded, err := ReadPacket(&buf)
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	got, ok := decoded.(*onion.RelayPacket)
	if !ok {
		t.Fatalf("ReadPacket returned %T, want *onion.RelayPacket", decoded)
	}
	if got.Command != pkt.Command || !bytes.Equal(got.EncryptedData, pkt.EncryptedData) {
		t.Errorf("round-tripped packet = %+v, want %+v", got, pkt)
	}
}

func TestWriteReadDirPacketRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	pkt := &onion.DirPacket{
		Type:    onion.TypeDir,
		Command: onion.CmdDirQuery,
	}

	if err := WritePacket(&buf, pkt); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}

	decoded, err := ReadPacket(&buf)
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if _, ok := decoded.(*onion.DirPacket); !ok {
		t.Fatalf("ReadPacket returned %T, want *onion.DirPacket", decoded)
	}
}

func TestReadPacketRejectsUnknownType(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte(`{"type":"bogus"}`)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	_, err := ReadPacket(&buf)
	if err == nil {
		t.Fatal("expected error decoding unknown packet type")
	}
	if !onion.IsCode(err, onion.ErrProtocolViolation) {
		t.Errorf("expected ErrProtocolViolation, got %v", err)
	}
}

func TestReadPacketRejectsMalformedEnvelope(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte(`not json`)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	_, err := ReadPacket(&buf)
	if err == nil {
		t.Fatal("expected error decoding malformed envelope")
	}
	if !onion.IsCode(err, onion.ErrProtocolViolation) {
		t.Errorf("expected ErrProtocolViolation, got %v", err)
	}
}
