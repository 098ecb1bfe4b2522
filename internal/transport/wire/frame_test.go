package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestCRC16Deterministic(t *testing.T) {
	data := []byte{0x02, 0x00, 0x01, 0x2A}
	if CRC16(data) != CRC16(data) {
		t.Fatal("CRC16 not deterministic")
	}
	// init=0xFFFF, no data, xorout=0xFFFF → 0x0000
	if got := CRC16(nil); got != 0x0000 {
		t.Errorf("CRC16(nil) = 0x%04X, want 0x0000", got)
	}
	if CRC16([]byte{0x01}) == CRC16([]byte{0x02}) {
		t.Error("CRC16 does not separate single-byte inputs")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload := []byte{OpLock, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
	seq := uint8(42)

	encoded := EncodeFrame(FrameCommand, seq, payload)

	if encoded[0] != Sig0 || encoded[1] != Sig1 {
		t.Fatalf("bad signature: 0x%02X%02X", encoded[0], encoded[1])
	}

	decoded, err := DecodeFrame(encoded)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if decoded.Type != FrameCommand {
		t.Errorf("Type: got %d, want %d", decoded.Type, FrameCommand)
	}
	if decoded.Seq != seq {
		t.Errorf("Seq: got %d, want %d", decoded.Seq, seq)
	}
	if !bytes.Equal(decoded.Payload, payload) {
		t.Errorf("Payload: got %X, want %X", decoded.Payload, payload)
	}

	// The decoded payload must not alias the input buffer.
	encoded[HeaderSize] ^= 0xFF
	if !bytes.Equal(decoded.Payload, payload) {
		t.Error("decoded payload aliases the raw frame")
	}
}

func TestEncodeDecodeEmptyPayload(t *testing.T) {
	encoded := EncodeFrame(FrameEvent, 7, nil)
	decoded, err := DecodeFrame(encoded)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if decoded.Type != FrameEvent || decoded.Seq != 7 {
		t.Errorf("header: got type=%d seq=%d", decoded.Type, decoded.Seq)
	}
	if len(decoded.Payload) != 0 {
		t.Errorf("Payload: got %X, want empty", decoded.Payload)
	}
}

func TestFrameLen(t *testing.T) {
	encoded := EncodeFrame(FrameReply, 1, []byte{ReplyOK, 0x01, 0x02})
	if got := FrameLen(encoded); got != len(encoded) {
		t.Errorf("FrameLen: got %d, want %d", got, len(encoded))
	}
	if got := FrameLen(encoded[:3]); got != 0 {
		t.Errorf("FrameLen on short header: got %d, want 0", got)
	}
	bad := make([]byte, 8)
	bad[0] = Sig0
	bad[1] = Sig1
	binary.LittleEndian.PutUint16(bad[2:4], 0xFFFF)
	if got := FrameLen(bad); got != -1 {
		t.Errorf("FrameLen on bad length: got %d, want -1", got)
	}
}

func TestDecodeFrameTooShort(t *testing.T) {
	if _, err := DecodeFrame([]byte{Sig0, Sig1, 0x02}); err == nil {
		t.Error("expected error for short frame")
	}
}

func TestDecodeBadSignature(t *testing.T) {
	data := make([]byte, 10)
	data[0] = 0xFF
	data[1] = 0xFF
	if _, err := DecodeFrame(data); err == nil {
		t.Error("expected error for bad signature")
	}
}

func TestDecodeBadLength(t *testing.T) {
	for _, length := range []uint16{0, 1, MaxLength + 1} {
		data := make([]byte, 12)
		data[0] = Sig0
		data[1] = Sig1
		binary.LittleEndian.PutUint16(data[2:4], length)
		if _, err := DecodeFrame(data); err == nil {
			t.Errorf("length=%d: expected error", length)
		}
	}
}

func TestDecodeTruncated(t *testing.T) {
	encoded := EncodeFrame(FrameReply, 1, []byte{ReplyOK, 0x01, 0x02, 0x03, 0x04})
	if _, err := DecodeFrame(encoded[:len(encoded)-3]); err == nil {
		t.Error("expected error for truncated frame")
	}
}

func TestDecodeBadCRC(t *testing.T) {
	encoded := EncodeFrame(FrameReply, 3, []byte{ReplyOK})
	encoded[HeaderSize] ^= 0xFF
	if _, err := DecodeFrame(encoded); err == nil {
		t.Error("expected CRC error")
	}
}

func TestDecodeUnknownType(t *testing.T) {
	encoded := EncodeFrame(0x7F, 1, []byte{0x00})
	if _, err := DecodeFrame(encoded); err == nil {
		t.Error("expected error for unknown frame type")
	}
}

func TestReadRawFrameSkipsNoise(t *testing.T) {
	want := EncodeFrame(FrameEvent, 9, []byte{EvtLocked, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF})

	var stream bytes.Buffer
	// Line noise, a lone signature first byte, and a doubled first byte
	// right before the real frame.
	stream.Write([]byte{0x00, 0x13, Sig0, 0x42, Sig0})
	stream.Write(want)
	stream.Write([]byte{0x37, 0x37})

	r := bufio.NewReader(&stream)
	raw, err := ReadRawFrame(r)
	if err != nil {
		t.Fatalf("ReadRawFrame: %v", err)
	}
	if !bytes.Equal(raw, want) {
		t.Errorf("raw frame: got %X, want %X", raw, want)
	}
	if _, err := DecodeFrame(raw); err != nil {
		t.Errorf("decode after read: %v", err)
	}
}

func TestReadRawFrameBackToBack(t *testing.T) {
	first := EncodeFrame(FrameReply, 1, []byte{ReplyOK, 0x11})
	second := EncodeFrame(FrameReply, 2, []byte{ReplyBusy})

	var stream bytes.Buffer
	stream.Write(first)
	stream.Write(second)

	r := bufio.NewReader(&stream)
	for i, want := range [][]byte{first, second} {
		raw, err := ReadRawFrame(r)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if !bytes.Equal(raw, want) {
			t.Errorf("frame %d: got %X, want %X", i, raw, want)
		}
	}
}

func TestReadRawFrameEOF(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader(nil))
	if _, err := ReadRawFrame(r); !errors.Is(err, io.EOF) {
		t.Errorf("got %v, want io.EOF", err)
	}
}

func TestReadRawFrameTruncatedBody(t *testing.T) {
	encoded := EncodeFrame(FrameReply, 5, []byte{ReplyOK, 0x01, 0x02})
	r := bufio.NewReader(bytes.NewReader(encoded[:len(encoded)-2]))
	if _, err := ReadRawFrame(r); err == nil {
		t.Error("expected error for truncated body")
	}
}

func TestWireNames(t *testing.T) {
	if got := OpName(OpUnlock); got != "UNLOCK" {
		t.Errorf("OpName(OpUnlock) = %q", got)
	}
	if got := OpName(0xEE); got != "0xEE" {
		t.Errorf("OpName(0xEE) = %q", got)
	}
	if got := StatusName(ReplyAuthFailed); got != "auth failed" {
		t.Errorf("StatusName(ReplyAuthFailed) = %q", got)
	}
	if got := StatusName(0xEE); got != "status 0xEE" {
		t.Errorf("StatusName(0xEE) = %q", got)
	}
	if got := EventName(EvtAdvertisement); got != "ADVERTISEMENT" {
		t.Errorf("EventName(EvtAdvertisement) = %q", got)
	}
}
