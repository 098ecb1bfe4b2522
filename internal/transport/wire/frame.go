// Package wire defines the framed protocol spoken by the lock firmware. The
// same frames travel over the serial gateway link (bleproxy) and over the
// UART-style GATT service (bluez); only the carrier differs.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Every frame is:
//
//	sig(2) | length(2 LE) | type(1) | seq(1) | payload(N) | crc16(2 LE)
//
// length counts type+seq+payload. The CRC covers everything between the
// signature and the CRC itself (length, type, seq, payload).
const (
	Sig0 = 0xA5
	Sig1 = 0x5A

	HeaderSize = 6 // sig(2) + length(2) + type(1) + seq(1)
	CRCSize    = 2
	MinLength  = 2 // type + seq
	MaxLength  = 8192
)

// Frame types.
const (
	FrameCommand uint8 = 0x01 // host -> device, expects a reply with the same seq
	FrameReply   uint8 = 0x02 // device -> host, payload starts with a status byte
	FrameEvent   uint8 = 0x03 // device -> host, unsolicited
)

// Command opcodes (first payload byte of a command frame).
const (
	OpVersion uint8 = 0x01

	OpScanStart    uint8 = 0x10
	OpScanStop     uint8 = 0x11
	OpMonitorStart uint8 = 0x12
	OpMonitorStop  uint8 = 0x13

	OpConnect    uint8 = 0x20
	OpDisconnect uint8 = 0x21
	OpInitialize uint8 = 0x22
	OpReset      uint8 = 0x23

	OpLock        uint8 = 0x30
	OpUnlock      uint8 = 0x31
	OpStatus      uint8 = 0x32
	OpSetAutoLock uint8 = 0x33
	OpSetAudio    uint8 = 0x34

	OpLogRead uint8 = 0x40

	OpPasscodeAdd    uint8 = 0x50
	OpPasscodeUpdate uint8 = 0x51
	OpPasscodeDelete uint8 = 0x52
	OpPasscodeList   uint8 = 0x53

	OpCardAdd    uint8 = 0x54
	OpCardUpdate uint8 = 0x55
	OpCardDelete uint8 = 0x56
	OpCardList   uint8 = 0x57

	OpFingerprintAdd    uint8 = 0x58
	OpFingerprintUpdate uint8 = 0x59
	OpFingerprintDelete uint8 = 0x5A
	OpFingerprintList   uint8 = 0x5B
)

// OpName returns the mnemonic for a command opcode.
func OpName(op uint8) string {
	switch op {
	case OpVersion:
		return "VERSION"
	case OpScanStart:
		return "SCAN_START"
	case OpScanStop:
		return "SCAN_STOP"
	case OpMonitorStart:
		return "MONITOR_START"
	case OpMonitorStop:
		return "MONITOR_STOP"
	case OpConnect:
		return "CONNECT"
	case OpDisconnect:
		return "DISCONNECT"
	case OpInitialize:
		return "INITIALIZE"
	case OpReset:
		return "RESET"
	case OpLock:
		return "LOCK"
	case OpUnlock:
		return "UNLOCK"
	case OpStatus:
		return "STATUS"
	case OpSetAutoLock:
		return "SET_AUTO_LOCK"
	case OpSetAudio:
		return "SET_AUDIO"
	case OpLogRead:
		return "LOG_READ"
	case OpPasscodeAdd:
		return "PASSCODE_ADD"
	case OpPasscodeUpdate:
		return "PASSCODE_UPDATE"
	case OpPasscodeDelete:
		return "PASSCODE_DELETE"
	case OpPasscodeList:
		return "PASSCODE_LIST"
	case OpCardAdd:
		return "CARD_ADD"
	case OpCardUpdate:
		return "CARD_UPDATE"
	case OpCardDelete:
		return "CARD_DELETE"
	case OpCardList:
		return "CARD_LIST"
	case OpFingerprintAdd:
		return "FINGERPRINT_ADD"
	case OpFingerprintUpdate:
		return "FINGERPRINT_UPDATE"
	case OpFingerprintDelete:
		return "FINGERPRINT_DELETE"
	case OpFingerprintList:
		return "FINGERPRINT_LIST"
	default:
		return fmt.Sprintf("0x%02X", op)
	}
}

// Reply status codes (first payload byte of a reply frame).
const (
	ReplyOK            uint8 = 0x00
	ReplyFailed        uint8 = 0x01
	ReplyUnknownOp     uint8 = 0x02
	ReplyUnknownDevice uint8 = 0x03
	ReplyNotConnected  uint8 = 0x04
	ReplyUnreachable   uint8 = 0x05
	ReplyAuthFailed    uint8 = 0x06
	ReplyBusy          uint8 = 0x07
)

// StatusName returns a readable form of a reply status code.
func StatusName(code uint8) string {
	switch code {
	case ReplyOK:
		return "OK"
	case ReplyFailed:
		return "device failure"
	case ReplyUnknownOp:
		return "unknown opcode"
	case ReplyUnknownDevice:
		return "unknown device"
	case ReplyNotConnected:
		return "not connected"
	case ReplyUnreachable:
		return "unreachable"
	case ReplyAuthFailed:
		return "auth failed"
	case ReplyBusy:
		return "radio busy"
	default:
		return fmt.Sprintf("status 0x%02X", code)
	}
}

// Event codes (first payload byte of an event frame, followed by the
// 6-byte device address).
const (
	EvtAdvertisement          uint8 = 0x01
	EvtConnected              uint8 = 0x02
	EvtDisconnected           uint8 = 0x03
	EvtLocked                 uint8 = 0x04
	EvtUnlocked               uint8 = 0x05
	EvtUpdated                uint8 = 0x06
	EvtCardScanStarted        uint8 = 0x07
	EvtFingerprintScanStarted uint8 = 0x08
	EvtFingerprintProgress    uint8 = 0x09
)

// EventName returns the mnemonic for an event code.
func EventName(evt uint8) string {
	switch evt {
	case EvtAdvertisement:
		return "ADVERTISEMENT"
	case EvtConnected:
		return "CONNECTED"
	case EvtDisconnected:
		return "DISCONNECTED"
	case EvtLocked:
		return "LOCKED"
	case EvtUnlocked:
		return "UNLOCKED"
	case EvtUpdated:
		return "UPDATED"
	case EvtCardScanStarted:
		return "CARD_SCAN_STARTED"
	case EvtFingerprintScanStarted:
		return "FINGERPRINT_SCAN_STARTED"
	case EvtFingerprintProgress:
		return "FINGERPRINT_PROGRESS"
	default:
		return fmt.Sprintf("0x%02X", evt)
	}
}

// Frame is one decoded protocol frame.
type Frame struct {
	Type    uint8
	Seq     uint8
	Payload []byte
}

// --- CRC16 (X.25: poly 0x8408 reflected, init 0xFFFF, xorout 0xFFFF) ---

var crcTable [256]uint16

func init() {
	for i := 0; i < 256; i++ {
		crc := uint16(i)
		for b := 0; b < 8; b++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0x8408
			} else {
				crc >>= 1
			}
		}
		crcTable[i] = crc
	}
}

// CRC16 computes the frame checksum.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc = (crc >> 8) ^ crcTable[(crc^uint16(b))&0xFF]
	}
	return crc ^ 0xFFFF
}

// --- Encode ---

// EncodeFrame builds a complete frame around payload.
func EncodeFrame(ftype, seq uint8, payload []byte) []byte {
	length := uint16(MinLength + len(payload))
	buf := make([]byte, HeaderSize+len(payload)+CRCSize)
	buf[0] = Sig0
	buf[1] = Sig1
	binary.LittleEndian.PutUint16(buf[2:4], length)
	buf[4] = ftype
	buf[5] = seq
	copy(buf[6:], payload)
	crc := CRC16(buf[2 : HeaderSize+len(payload)])
	binary.LittleEndian.PutUint16(buf[HeaderSize+len(payload):], crc)
	return buf
}

// --- Decode ---

// DecodeFrame parses one complete frame from raw bytes.
func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) < HeaderSize+CRCSize {
		return nil, fmt.Errorf("wire: frame too short: %d bytes", len(data))
	}
	if data[0] != Sig0 || data[1] != Sig1 {
		return nil, fmt.Errorf("wire: bad signature: 0x%02X%02X", data[0], data[1])
	}

	length := binary.LittleEndian.Uint16(data[2:4])
	if length < MinLength || length > MaxLength {
		return nil, fmt.Errorf("wire: bad frame length: %d", length)
	}

	total := 4 + int(length) + CRCSize
	if len(data) < total {
		return nil, fmt.Errorf("wire: frame truncated: need %d, have %d", total, len(data))
	}

	want := binary.LittleEndian.Uint16(data[total-CRCSize : total])
	if got := CRC16(data[2 : total-CRCSize]); got != want {
		return nil, fmt.Errorf("wire: CRC mismatch: got 0x%04X, want 0x%04X", got, want)
	}

	ftype := data[4]
	switch ftype {
	case FrameCommand, FrameReply, FrameEvent:
	default:
		return nil, fmt.Errorf("wire: unknown frame type: 0x%02X", ftype)
	}

	f := &Frame{Type: ftype, Seq: data[5]}
	if body := data[HeaderSize : total-CRCSize]; len(body) > 0 {
		f.Payload = make([]byte, len(body))
		copy(f.Payload, body)
	}
	return f, nil
}

// FrameLen reports the total size of the frame starting at data. It returns
// 0 while the header is still incomplete and -1 when the length field is
// out of range, so stream reassemblers know whether to wait or resync.
func FrameLen(data []byte) int {
	if len(data) < 4 {
		return 0
	}
	length := binary.LittleEndian.Uint16(data[2:4])
	if length < MinLength || length > MaxLength {
		return -1
	}
	return 4 + int(length) + CRCSize
}

// ReadRawFrame scans the stream for the next signature and reads one
// complete frame, returning the raw bytes including the signature. Noise
// between frames is discarded.
func ReadRawFrame(r *bufio.Reader) ([]byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != Sig0 {
			continue
		}
		nxt, err := r.Peek(1)
		if err != nil {
			return nil, err
		}
		if nxt[0] != Sig1 {
			continue
		}
		if _, err := r.Discard(1); err != nil {
			return nil, err
		}
		break
	}

	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("wire: read header: %w", err)
	}
	length := binary.LittleEndian.Uint16(hdr[0:2])
	if length < MinLength || length > MaxLength {
		return nil, fmt.Errorf("wire: bad frame length: %d", length)
	}

	rest := make([]byte, int(length)-MinLength+CRCSize)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, fmt.Errorf("wire: read body: %w", err)
	}

	raw := make([]byte, 0, 2+len(hdr)+len(rest))
	raw = append(raw, Sig0, Sig1)
	raw = append(raw, hdr[:]...)
	raw = append(raw, rest...)
	return raw, nil
}
