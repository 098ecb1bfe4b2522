package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"lockhub/internal/transport"
)

// AddrSize is the wire size of a device address.
const AddrSize = 6

// ErrTruncated reports a payload shorter than its layout promises.
var ErrTruncated = errors.New("wire: truncated payload")

// Advertisement flag bits. The same byte appears in gateway ADVERTISEMENT
// events and in the manufacturer data of raw BLE advertisements.
const (
	AdvFlagInitialized    uint8 = 1 << 0
	AdvFlagNewActivity    uint8 = 1 << 1
	AdvFlagStatusChanged  uint8 = 1 << 2
	AdvFlagBatteryChanged uint8 = 1 << 3
)

// Feature bits, as reported in advertisements and pairing replies.
const (
	FeatPasscode    uint8 = 1 << 0
	FeatCard        uint8 = 1 << 1
	FeatFingerprint uint8 = 1 << 2
	FeatSound       uint8 = 1 << 3
)

// Bolt state byte.
const (
	BoltUnknown  uint8 = 0x00
	BoltLocked   uint8 = 0x01
	BoltUnlocked uint8 = 0x02
)

// BoltStatus maps the wire bolt byte onto the transport status.
func BoltStatus(b uint8) transport.Status {
	switch b {
	case BoltLocked:
		return transport.StatusLocked
	case BoltUnlocked:
		return transport.StatusUnlocked
	default:
		return transport.StatusUnknown
	}
}

// PackFeatures folds a feature set into its wire byte.
func PackFeatures(f transport.Features) uint8 {
	var b uint8
	if f.Passcode {
		b |= FeatPasscode
	}
	if f.Card {
		b |= FeatCard
	}
	if f.Fingerprint {
		b |= FeatFingerprint
	}
	if f.Sound {
		b |= FeatSound
	}
	return b
}

// UnpackFeatures expands the wire feature byte.
func UnpackFeatures(b uint8) transport.Features {
	return transport.Features{
		Passcode:    b&FeatPasscode != 0,
		Card:        b&FeatCard != 0,
		Fingerprint: b&FeatFingerprint != 0,
		Sound:       b&FeatSound != 0,
	}
}

// PackAddr parses a textual device address into its 6 wire bytes plus the
// canonical form used as map key everywhere above the wire.
func PackAddr(addr string) ([AddrSize]byte, string, error) {
	var mac [AddrSize]byte
	hw, err := net.ParseMAC(addr)
	if err != nil {
		return mac, "", fmt.Errorf("wire: bad address %q: %w", addr, err)
	}
	if len(hw) != AddrSize {
		return mac, "", fmt.Errorf("wire: bad address %q: not a 48-bit MAC", addr)
	}
	copy(mac[:], hw)
	return mac, strings.ToUpper(hw.String()), nil
}

// UnpackAddr formats 6 wire bytes as a canonical address.
func UnpackAddr(b []byte) string {
	return strings.ToUpper(net.HardwareAddr(b).String())
}

// --- Field builders (command side) ---

// AppendString appends a length-prefixed string. Identifiers and passcodes
// on this protocol are short; the prefix is a single byte.
func AppendString(b []byte, s string) []byte {
	if len(s) > 0xFF {
		s = s[:0xFF]
	}
	b = append(b, byte(len(s)))
	return append(b, s...)
}

// AppendTime appends a credential validity bound as unix seconds. The zero
// time travels as 0 and means "no bound".
func AppendTime(b []byte, t time.Time) []byte {
	var sec uint64
	if !t.IsZero() {
		sec = uint64(t.Unix())
	}
	return binary.LittleEndian.AppendUint64(b, sec)
}

// --- Command argument layouts ---
//
// Shared by every backend so the arg layout lives in one place next to the
// parsers for the matching replies.

// AutoLockArgs encodes a SET_AUTO_LOCK command: seconds(4), 0 disables.
func AutoLockArgs(after time.Duration) []byte {
	if after < 0 {
		after = 0
	}
	return binary.LittleEndian.AppendUint32(nil, uint32(after/time.Second))
}

// AudioArgs encodes a SET_AUDIO command: enabled(1).
func AudioArgs(enabled bool) []byte {
	if enabled {
		return []byte{0x01}
	}
	return []byte{0x00}
}

// PasscodeAddArgs encodes a PASSCODE_ADD command: start(8) + end(8) + code.
func PasscodeAddArgs(code string, start, end time.Time) []byte {
	args := AppendTime(nil, start)
	args = AppendTime(args, end)
	return AppendString(args, code)
}

// PasscodeUpdateArgs encodes a PASSCODE_UPDATE command:
// id + code + start(8) + end(8).
func PasscodeUpdateArgs(id, code string, start, end time.Time) []byte {
	args := AppendString(nil, id)
	args = AppendString(args, code)
	args = AppendTime(args, start)
	return AppendTime(args, end)
}

// WindowArgs encodes a CARD_ADD or FINGERPRINT_ADD command:
// start(8) + end(8).
func WindowArgs(start, end time.Time) []byte {
	args := AppendTime(nil, start)
	return AppendTime(args, end)
}

// CredentialUpdateArgs encodes a CARD_UPDATE or FINGERPRINT_UPDATE command:
// id + start(8) + end(8).
func CredentialUpdateArgs(id string, start, end time.Time) []byte {
	args := AppendString(nil, id)
	args = AppendTime(args, start)
	return AppendTime(args, end)
}

// IDArgs encodes a delete command: id.
func IDArgs(id string) []byte {
	return AppendString(nil, id)
}

// --- Field reader (reply/event side) ---

// Reader walks a reply or event payload with a sticky error, so a parse
// function can chain reads and check once at the end.
type Reader struct {
	buf []byte
	err error
}

// NewReader wraps a payload for field-wise consumption.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Err returns the first error hit while reading.
func (r *Reader) Err() error {
	return r.err
}

// Remaining reports how many unread bytes are left.
func (r *Reader) Remaining() int {
	return len(r.buf)
}

// Rest consumes and returns whatever is left, for trailing variable-length
// fields like key material.
func (r *Reader) Rest() []byte {
	if r.err != nil {
		return nil
	}
	v := r.buf
	r.buf = nil
	return v
}

// U8 reads one byte.
func (r *Reader) U8() uint8 {
	if r.err != nil {
		return 0
	}
	if len(r.buf) < 1 {
		r.err = ErrTruncated
		return 0
	}
	v := r.buf[0]
	r.buf = r.buf[1:]
	return v
}

// U16 reads a little-endian uint16.
func (r *Reader) U16() uint16 {
	if r.err != nil {
		return 0
	}
	if len(r.buf) < 2 {
		r.err = ErrTruncated
		return 0
	}
	v := binary.LittleEndian.Uint16(r.buf)
	r.buf = r.buf[2:]
	return v
}

// Str reads a length-prefixed string.
func (r *Reader) Str() string {
	if r.err != nil {
		return ""
	}
	n := int(r.U8())
	if r.err != nil {
		return ""
	}
	if len(r.buf) < n {
		r.err = ErrTruncated
		return ""
	}
	s := string(r.buf[:n])
	r.buf = r.buf[n:]
	return s
}

// Time reads a unix-seconds timestamp. Zero seconds decodes as the zero
// time.
func (r *Reader) Time() time.Time {
	if r.err != nil {
		return time.Time{}
	}
	if len(r.buf) < 8 {
		r.err = ErrTruncated
		return time.Time{}
	}
	sec := binary.LittleEndian.Uint64(r.buf)
	r.buf = r.buf[8:]
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(int64(sec), 0).UTC()
}

// --- Payload parsers ---

// ParseAdvertisement decodes the body of an ADVERTISEMENT event:
// rssi(1) + flags(1) + features(1) + battery(1) + name(len-prefixed).
func ParseAdvertisement(addr string, body []byte) (transport.Advertisement, error) {
	r := NewReader(body)
	rssi := int(int8(r.U8()))
	flags := r.U8()
	feats := r.U8()
	battery := int(r.U8())
	name := r.Str()
	if err := r.Err(); err != nil {
		return transport.Advertisement{}, fmt.Errorf("wire: advertisement: %w", err)
	}
	return transport.Advertisement{
		Address:        addr,
		Name:           name,
		RSSI:           rssi,
		Initialized:    flags&AdvFlagInitialized != 0,
		Features:       UnpackFeatures(feats),
		Battery:        battery,
		NewActivity:    flags&AdvFlagNewActivity != 0,
		StatusChanged:  flags&AdvFlagStatusChanged != 0,
		BatteryChanged: flags&AdvFlagBatteryChanged != 0,
	}, nil
}

// ParseDeviceEvent maps a push event code and body onto the transport event.
// Connection-state bookkeeping stays with the caller.
func ParseDeviceEvent(evt uint8, body []byte) (transport.DeviceEvent, error) {
	switch evt {
	case EvtConnected:
		return transport.DeviceEvent{Type: transport.EventConnected}, nil
	case EvtDisconnected:
		return transport.DeviceEvent{Type: transport.EventDisconnected}, nil
	case EvtLocked:
		return transport.DeviceEvent{Type: transport.EventLocked, Status: transport.StatusLocked}, nil
	case EvtUnlocked:
		return transport.DeviceEvent{Type: transport.EventUnlocked, Status: transport.StatusUnlocked}, nil
	case EvtUpdated:
		if len(body) < 1 {
			return transport.DeviceEvent{}, fmt.Errorf("wire: UPDATED event: %w", ErrTruncated)
		}
		return transport.DeviceEvent{Type: transport.EventUpdated, Battery: int(body[0])}, nil
	case EvtCardScanStarted:
		return transport.DeviceEvent{Type: transport.EventCardScanStarted}, nil
	case EvtFingerprintScanStarted:
		return transport.DeviceEvent{Type: transport.EventFingerprintScanStarted}, nil
	case EvtFingerprintProgress:
		if len(body) < 2 {
			return transport.DeviceEvent{}, fmt.Errorf("wire: FINGERPRINT_PROGRESS event: %w", ErrTruncated)
		}
		return transport.DeviceEvent{
			Type:    transport.EventFingerprintScanProgress,
			Current: int(body[0]),
			Total:   int(body[1]),
		}, nil
	default:
		return transport.DeviceEvent{}, fmt.Errorf("wire: unknown device event 0x%02X", evt)
	}
}

// ParseInitializeReply decodes an INITIALIZE reply body: features(1) +
// battery(1) + key(rest).
func ParseInitializeReply(body []byte) (transport.Features, int, []byte, error) {
	r := NewReader(body)
	feats := r.U8()
	battery := int(r.U8())
	key := r.Rest()
	if err := r.Err(); err != nil {
		return transport.Features{}, 0, nil, fmt.Errorf("wire: initialize reply: %w", err)
	}
	if len(key) == 0 {
		return transport.Features{}, 0, nil, fmt.Errorf("wire: initialize reply: empty key")
	}
	return UnpackFeatures(feats), battery, key, nil
}

// ParseStatusReply decodes a STATUS reply body: bolt(1) + battery(1).
func ParseStatusReply(body []byte) (transport.Status, int, error) {
	r := NewReader(body)
	state := r.U8()
	battery := int(r.U8())
	if err := r.Err(); err != nil {
		return transport.StatusUnknown, 0, fmt.Errorf("wire: status reply: %w", err)
	}
	return BoltStatus(state), battery, nil
}

// ParseLogRecords decodes a LOG_READ reply body:
// count(2) + count * (time(8) + code(1) + credential(len-prefixed)).
func ParseLogRecords(body []byte) ([]transport.LogRecord, error) {
	r := NewReader(body)
	count := int(r.U16())
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("wire: log: %w", err)
	}
	const recordMinSize = 8 + 1 + 1
	if r.Remaining() < count*recordMinSize {
		return nil, fmt.Errorf("wire: log count %d exceeds payload", count)
	}
	records := make([]transport.LogRecord, 0, count)
	for i := 0; i < count; i++ {
		t := r.Time()
		code := int(r.U8())
		cred := r.Str()
		if err := r.Err(); err != nil {
			return nil, fmt.Errorf("wire: log record %d: %w", i, err)
		}
		records = append(records, transport.LogRecord{Time: t, Code: code, Credential: cred})
	}
	return records, nil
}

// ParsePasscodes decodes a PASSCODE_LIST reply body:
// count(1) + count * (id + code + start(8) + end(8)).
func ParsePasscodes(body []byte) ([]transport.Passcode, error) {
	r := NewReader(body)
	count := int(r.U8())
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("wire: passcodes: %w", err)
	}
	codes := make([]transport.Passcode, 0, count)
	for i := 0; i < count; i++ {
		id := r.Str()
		code := r.Str()
		start := r.Time()
		end := r.Time()
		if err := r.Err(); err != nil {
			return nil, fmt.Errorf("wire: passcode %d: %w", i, err)
		}
		codes = append(codes, transport.Passcode{ID: id, Code: code, Start: start, End: end})
	}
	return codes, nil
}

// ParseCards decodes a CARD_LIST reply body:
// count(1) + count * (id + start(8) + end(8)).
func ParseCards(body []byte) ([]transport.Card, error) {
	r := NewReader(body)
	count := int(r.U8())
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("wire: cards: %w", err)
	}
	cards := make([]transport.Card, 0, count)
	for i := 0; i < count; i++ {
		id := r.Str()
		start := r.Time()
		end := r.Time()
		if err := r.Err(); err != nil {
			return nil, fmt.Errorf("wire: card %d: %w", i, err)
		}
		cards = append(cards, transport.Card{ID: id, Start: start, End: end})
	}
	return cards, nil
}

// ParseFingerprints decodes a FINGERPRINT_LIST reply body, same layout as
// CARD_LIST.
func ParseFingerprints(body []byte) ([]transport.Fingerprint, error) {
	r := NewReader(body)
	count := int(r.U8())
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("wire: fingerprints: %w", err)
	}
	fps := make([]transport.Fingerprint, 0, count)
	for i := 0; i < count; i++ {
		id := r.Str()
		start := r.Time()
		end := r.Time()
		if err := r.Err(); err != nil {
			return nil, fmt.Errorf("wire: fingerprint %d: %w", i, err)
		}
		fps = append(fps, transport.Fingerprint{ID: id, Start: start, End: end})
	}
	return fps, nil
}
