package protocol

import (
	"bytes"
	"testing"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"type":"control"}`)

	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("ReadFrame = %q, want %q", got, payload)
	}
}

func TestWriteFrameRejectsEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, nil); err != ErrEmptyFrame {
		t.Errorf("WriteFrame(nil) = %v, want ErrEmptyFrame", err)
	}
}

func TestWriteFrameRejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	oversized := make([]byte, MaxFrameSize+1)
	if err := WriteFrame(&buf, oversized); err != ErrFrameTooLarge {
		t.Errorf("WriteFrame(oversized) = %v, want ErrFrameTooLarge", err)
	}
}

func TestReadFrameRejectsZeroLength(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0, 0, 0, 0})
	if _, err := ReadFrame(buf); err != ErrEmptyFrame {
		t.Errorf("ReadFrame(zero-length) = %v, want ErrEmptyFrame", err)
	}
}

func TestReadFrameRejectsOversizedHeader(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	if _, err := ReadFrame(buf); err != ErrFrameTooLarge {
		t.Errorf("ReadFrame(oversized header) = %v, want ErrFrameTooLarge", err)
	}
}

func TestReadFrameRejectsShortRead(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0, 0, 0, 10, 'a', 'b'})
	if _, err := ReadFrame(buf); err == nil {
		t.Fatal("expected error reading a truncated payload")
	}
}
