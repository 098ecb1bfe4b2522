package bluez

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	dbus "github.com/godbus/dbus/v5"

	"lockhub/internal/transport"
	"lockhub/internal/transport/wire"
)

// attChunkSize is the write size for a minimum-MTU link. BlueZ can
// fragment long writes itself, but 20-byte chunks work on every
// controller the locks ship with.
const attChunkSize = 20

// resolvePollInterval paces the wait for GATT service resolution after
// a connect.
const resolvePollInterval = 200 * time.Millisecond

// bluezLock is the handle for one lock reached through the host radio.
// Each handle owns its own GATT link and frame reassembly buffer.
type bluezLock struct {
	backend *Backend
	addr    string
	mac     [wire.AddrSize]byte
	path    dbus.ObjectPath

	mu        sync.RWMutex
	name      string
	key       []byte
	features  transport.Features
	battery   int
	connected bool
	rxChar    dbus.ObjectPath
	txChar    dbus.ObjectPath

	writeMu sync.Mutex
	seq     atomic.Uint32

	pendingMu sync.Mutex
	pending   map[uint8]chan *wire.Frame

	// rxBuf accumulates notification bytes until whole frames can be
	// cut off the front.
	rxMu  sync.Mutex
	rxBuf []byte

	subMu   sync.RWMutex
	subs    map[int]func(transport.DeviceEvent)
	nextSub int
}

func newBluezLock(b *Backend, addr string, mac [wire.AddrSize]byte, key []byte) *bluezLock {
	return &bluezLock{
		backend: b,
		addr:    addr,
		mac:     mac,
		path:    b.devicePath(addr),
		key:     key,
		pending: make(map[uint8]chan *wire.Frame),
		subs:    make(map[int]func(transport.DeviceEvent)),
	}
}

func (l *bluezLock) Address() string { return l.addr }

func (l *bluezLock) Name() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.name
}

func (l *bluezLock) Features() transport.Features {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.features
}

func (l *bluezLock) Battery() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.battery
}

func (l *bluezLock) Connected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.connected
}

func (l *bluezLock) setKey(key []byte) {
	l.mu.Lock()
	l.key = key
	l.mu.Unlock()
}

// observe refreshes cached metadata from an advertisement.
func (l *bluezLock) observe(adv transport.Advertisement) {
	l.mu.Lock()
	if adv.Name != "" {
		l.name = adv.Name
	}
	l.features = adv.Features
	l.battery = adv.Battery
	l.mu.Unlock()
}

// --- Connection ---

// Connect brings up the GATT link, resolves the UART characteristics,
// enables notifications and runs the firmware auth exchange. A failure
// at any stage tears the link back down.
func (l *bluezLock) Connect(ctx context.Context) error {
	l.mu.RLock()
	key := l.key
	l.mu.RUnlock()

	dev := l.backend.bus.Object(bluezService, l.path)
	if call := dev.CallWithContext(ctx, deviceIface+".Connect", 0); call.Err != nil {
		if !isDBusErr(call.Err, "org.bluez.Error.AlreadyConnected") {
			return fmt.Errorf("bluez: connect %s: %w", l.addr, call.Err)
		}
	}

	if err := l.waitServicesResolved(ctx); err != nil {
		l.teardownLink()
		return err
	}
	if err := l.resolveChars(ctx); err != nil {
		l.teardownLink()
		return err
	}

	// Notifications must flow before the auth exchange: the auth reply
	// is itself a notification.
	l.mu.RLock()
	tx := l.txChar
	l.mu.RUnlock()
	txObj := l.backend.bus.Object(bluezService, tx)
	if call := txObj.CallWithContext(ctx, gattCharIface+".StartNotify", 0); call.Err != nil {
		l.teardownLink()
		return fmt.Errorf("bluez: StartNotify %s: %w", l.addr, call.Err)
	}

	if _, err := l.request(ctx, wire.OpConnect, key); err != nil {
		l.teardownLink()
		return err
	}

	l.mu.Lock()
	l.connected = true
	l.mu.Unlock()
	return nil
}

func (l *bluezLock) Disconnect(ctx context.Context) error {
	// Tell the firmware first so it can park the bolt state cleanly.
	// Best effort: the link-level disconnect is what matters.
	if _, err := l.request(ctx, wire.OpDisconnect, nil); err != nil {
		l.backend.logger.Debug("bluez disconnect command", "addr", l.addr, "err", err)
	}

	dev := l.backend.bus.Object(bluezService, l.path)
	if call := dev.CallWithContext(ctx, deviceIface+".Disconnect", 0); call.Err != nil {
		return fmt.Errorf("bluez: disconnect %s: %w", l.addr, call.Err)
	}
	l.clearLink()
	return nil
}

// Initialize pairs the lock. The reply carries the feature set, the
// battery level and the key blob needed to reconnect later.
func (l *bluezLock) Initialize(ctx context.Context) ([]byte, error) {
	body, err := l.request(ctx, wire.OpInitialize, nil)
	if err != nil {
		return nil, err
	}

	feats, battery, key, err := wire.ParseInitializeReply(body)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.features = feats
	l.battery = battery
	l.key = key
	l.mu.Unlock()
	return key, nil
}

func (l *bluezLock) Reset(ctx context.Context) error {
	if _, err := l.request(ctx, wire.OpReset, nil); err != nil {
		return err
	}

	// Forget the BlueZ side of the device too so a re-pair starts clean.
	adapter := l.backend.bus.Object(bluezService, l.backend.adapter)
	if call := adapter.CallWithContext(ctx, adapterIface+".RemoveDevice", 0, l.path); call.Err != nil {
		l.backend.logger.Debug("bluez remove device", "addr", l.addr, "err", call.Err)
	}

	l.mu.Lock()
	l.key = nil
	l.connected = false
	l.mu.Unlock()
	return nil
}

// waitServicesResolved polls Device1.ServicesResolved until BlueZ has
// finished GATT discovery on the fresh link.
func (l *bluezLock) waitServicesResolved(ctx context.Context) error {
	dev := l.backend.bus.Object(bluezService, l.path)
	tick := time.NewTicker(resolvePollInterval)
	defer tick.Stop()

	for {
		var resolved bool
		call := dev.CallWithContext(ctx, propsIface+".Get", 0, deviceIface, "ServicesResolved")
		if call.Err == nil {
			var v dbus.Variant
			if err := call.Store(&v); err == nil {
				resolved, _ = v.Value().(bool)
			}
		}
		if resolved {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("bluez: services on %s not resolved: %w", l.addr, ctx.Err())
		case <-tick.C:
		}
	}
}

// resolveChars finds the UART RX and TX characteristics below the
// device path.
func (l *bluezLock) resolveChars(ctx context.Context) error {
	root := l.backend.bus.Object(bluezService, bluezRootPath)
	call := root.CallWithContext(ctx, objManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return fmt.Errorf("bluez: GetManagedObjects: %w", call.Err)
	}
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := call.Store(&objs); err != nil {
		return fmt.Errorf("bluez: decode GetManagedObjects: %w", err)
	}

	var rx, tx dbus.ObjectPath
	prefix := string(l.path) + "/"
	for path, ifaces := range objs {
		props, ok := ifaces[gattCharIface]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		v, ok := props["UUID"]
		if !ok {
			continue
		}
		uuid, _ := v.Value().(string)
		switch strings.ToLower(uuid) {
		case rxCharUUID:
			rx = path
		case txCharUUID:
			tx = path
		}
	}
	if rx == "" || tx == "" {
		return fmt.Errorf("bluez: %s does not expose the lock service", l.addr)
	}

	l.mu.Lock()
	l.rxChar = rx
	l.txChar = tx
	l.mu.Unlock()
	return nil
}

// teardownLink drops a half-established GATT connection so the device
// is not left dangling after a failed setup.
func (l *bluezLock) teardownLink() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dev := l.backend.bus.Object(bluezService, l.path)
	if call := dev.CallWithContext(ctx, deviceIface+".Disconnect", 0); call.Err != nil {
		l.backend.logger.Debug("bluez teardown", "addr", l.addr, "err", call.Err)
	}
	l.clearLink()
}

func (l *bluezLock) clearLink() {
	l.mu.Lock()
	l.connected = false
	l.rxChar = ""
	l.txChar = ""
	l.mu.Unlock()

	l.rxMu.Lock()
	l.rxBuf = nil
	l.rxMu.Unlock()
}

// linkLost runs when BlueZ reports the connection gone underneath us.
// In-flight requests fail immediately instead of waiting out their
// deadlines.
func (l *bluezLock) linkLost() {
	l.clearLink()
	l.shutdown()
	l.dispatch(transport.DeviceEvent{Type: transport.EventDisconnected})
}

// shutdown fails all in-flight requests.
func (l *bluezLock) shutdown() {
	l.pendingMu.Lock()
	for seq, ch := range l.pending {
		close(ch)
		delete(l.pending, seq)
	}
	l.pendingMu.Unlock()
}

// --- Framed exchange ---

// request sends one framed command over the GATT link and waits for the
// matching reply notification. The frame layout is exactly what the
// serial gateway relays; the firmware does not care which carrier
// delivered it.
func (l *bluezLock) request(ctx context.Context, op uint8, args []byte) ([]byte, error) {
	l.mu.RLock()
	rx := l.rxChar
	l.mu.RUnlock()
	if rx == "" {
		return nil, fmt.Errorf("bluez: %s: no link", l.addr)
	}

	seq := uint8(l.seq.Add(1))
	ch := make(chan *wire.Frame, 1)
	l.pendingMu.Lock()
	l.pending[seq] = ch
	l.pendingMu.Unlock()
	defer func() {
		l.pendingMu.Lock()
		delete(l.pending, seq)
		l.pendingMu.Unlock()
	}()

	cmd := make([]byte, 0, 1+wire.AddrSize+len(args))
	cmd = append(cmd, op)
	cmd = append(cmd, l.mac[:]...)
	cmd = append(cmd, args...)
	if err := l.writeFrame(ctx, rx, wire.EncodeFrame(wire.FrameCommand, seq, cmd)); err != nil {
		return nil, err
	}

	name := wire.OpName(op)
	l.backend.logger.Debug("lock TX", "addr", l.addr, "cmd", name, "seq", seq)

	select {
	case resp := <-ch:
		if resp == nil {
			return nil, fmt.Errorf("bluez: %s: link lost", l.addr)
		}
		if len(resp.Payload) == 0 {
			return nil, fmt.Errorf("bluez: %s: empty reply", name)
		}
		if code := resp.Payload[0]; code != wire.ReplyOK {
			l.backend.logger.Warn("lock RX", "addr", l.addr, "cmd", name, "status", wire.StatusName(code))
			return nil, fmt.Errorf("bluez: %s: %s", name, wire.StatusName(code))
		}
		l.backend.logger.Debug("lock RX", "addr", l.addr, "cmd", name, "seq", resp.Seq, "len", len(resp.Payload)-1)
		return resp.Payload[1:], nil
	case <-ctx.Done():
		l.backend.logger.Warn("lock timeout", "addr", l.addr, "cmd", name, "err", ctx.Err())
		return nil, ctx.Err()
	case <-l.backend.done:
		return nil, errors.New("bluez: transport closed")
	}
}

// writeFrame pushes one encoded frame through the RX characteristic in
// ATT-sized chunks. Concurrent requests must not interleave chunks.
func (l *bluezLock) writeFrame(ctx context.Context, char dbus.ObjectPath, raw []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	obj := l.backend.bus.Object(bluezService, char)
	opts := map[string]dbus.Variant{"type": dbus.MakeVariant("command")}
	for off := 0; off < len(raw); off += attChunkSize {
		end := off + attChunkSize
		if end > len(raw) {
			end = len(raw)
		}
		if call := obj.CallWithContext(ctx, gattCharIface+".WriteValue", 0, raw[off:end], opts); call.Err != nil {
			return fmt.Errorf("bluez: write %s: %w", l.addr, call.Err)
		}
	}
	return nil
}

// onNotify ingests one GATT notification. Frames do not align with
// notification boundaries, so bytes accumulate until whole frames can
// be cut off the front.
func (l *bluezLock) onNotify(data []byte) {
	l.rxMu.Lock()
	l.rxBuf = append(l.rxBuf, data...)
	if len(l.rxBuf) > 2*wire.MaxLength {
		l.backend.logger.Warn("bluez RX buffer overrun, dropping", "addr", l.addr, "len", len(l.rxBuf))
		l.rxBuf = nil
		l.rxMu.Unlock()
		return
	}
	frames, rest := splitFrames(l.rxBuf)
	l.rxBuf = rest
	l.rxMu.Unlock()

	for _, f := range frames {
		l.route(f)
	}
}

// splitFrames cuts every complete frame off the front of buf and
// returns the leftover bytes. Corrupt stretches (bad signature, length
// or CRC) are skipped a byte at a time until a valid frame starts or
// the buffer runs out.
func splitFrames(buf []byte) ([]*wire.Frame, []byte) {
	var frames []*wire.Frame
	sig := []byte{wire.Sig0, wire.Sig1}
	for {
		i := bytes.Index(buf, sig)
		if i < 0 {
			// A lone trailing signature byte may be the start of a
			// frame split across notifications.
			if n := len(buf); n > 0 && buf[n-1] == wire.Sig0 {
				return frames, buf[n-1:]
			}
			return frames, nil
		}
		buf = buf[i:]

		n := wire.FrameLen(buf)
		if n == 0 {
			return frames, buf // header incomplete, wait for more
		}
		if n < 0 {
			buf = buf[1:] // hopeless length field, resync
			continue
		}
		if len(buf) < n {
			return frames, buf // body incomplete, wait for more
		}

		f, err := wire.DecodeFrame(buf[:n])
		if err != nil {
			buf = buf[1:]
			continue
		}
		frames = append(frames, f)
		buf = buf[n:]
	}
}

// route dispatches one reassembled frame.
func (l *bluezLock) route(f *wire.Frame) {
	switch f.Type {
	case wire.FrameReply:
		l.pendingMu.Lock()
		ch, ok := l.pending[f.Seq]
		l.pendingMu.Unlock()
		if !ok {
			l.backend.logger.Warn("bluez orphaned reply (too late)", "addr", l.addr, "seq", f.Seq)
			return
		}
		select {
		case ch <- f:
		default:
		}

	case wire.FrameEvent:
		if len(f.Payload) < 1+wire.AddrSize {
			l.backend.logger.Warn("bluez short event", "addr", l.addr, "len", len(f.Payload))
			return
		}
		evt := f.Payload[0]
		from := wire.UnpackAddr(f.Payload[1 : 1+wire.AddrSize])
		if from != l.addr {
			l.backend.logger.Warn("bluez event from wrong address", "addr", l.addr, "from", from)
			return
		}
		l.handleEvent(evt, f.Payload[1+wire.AddrSize:])

	default:
		l.backend.logger.Warn("bluez unexpected frame", "addr", l.addr, "type", f.Type, "seq", f.Seq)
	}
}

// --- Bolt operations ---

func (l *bluezLock) Lock(ctx context.Context) error {
	_, err := l.request(ctx, wire.OpLock, nil)
	return err
}

func (l *bluezLock) Unlock(ctx context.Context) error {
	_, err := l.request(ctx, wire.OpUnlock, nil)
	return err
}

func (l *bluezLock) Status(ctx context.Context) (transport.Status, error) {
	body, err := l.request(ctx, wire.OpStatus, nil)
	if err != nil {
		return transport.StatusUnknown, err
	}

	status, battery, err := wire.ParseStatusReply(body)
	if err != nil {
		return transport.StatusUnknown, err
	}

	l.mu.Lock()
	l.battery = battery
	l.mu.Unlock()
	return status, nil
}

func (l *bluezLock) OperationLog(ctx context.Context) ([]transport.LogRecord, error) {
	body, err := l.request(ctx, wire.OpLogRead, nil)
	if err != nil {
		return nil, err
	}
	return wire.ParseLogRecords(body)
}

// --- Settings ---

func (l *bluezLock) SetAutoLock(ctx context.Context, after time.Duration) error {
	_, err := l.request(ctx, wire.OpSetAutoLock, wire.AutoLockArgs(after))
	return err
}

func (l *bluezLock) SetAudio(ctx context.Context, enabled bool) error {
	_, err := l.request(ctx, wire.OpSetAudio, wire.AudioArgs(enabled))
	return err
}

// --- Passcodes ---

func (l *bluezLock) AddPasscode(ctx context.Context, code string, start, end time.Time) (string, error) {
	body, err := l.request(ctx, wire.OpPasscodeAdd, wire.PasscodeAddArgs(code, start, end))
	if err != nil {
		return "", err
	}
	return replyID(wire.OpPasscodeAdd, body)
}

func (l *bluezLock) UpdatePasscode(ctx context.Context, id, code string, start, end time.Time) error {
	_, err := l.request(ctx, wire.OpPasscodeUpdate, wire.PasscodeUpdateArgs(id, code, start, end))
	return err
}

func (l *bluezLock) DeletePasscode(ctx context.Context, id string) error {
	_, err := l.request(ctx, wire.OpPasscodeDelete, wire.IDArgs(id))
	return err
}

func (l *bluezLock) Passcodes(ctx context.Context) ([]transport.Passcode, error) {
	body, err := l.request(ctx, wire.OpPasscodeList, nil)
	if err != nil {
		return nil, err
	}
	return wire.ParsePasscodes(body)
}

// --- Cards ---

// AddCard arms card-scan mode on the lock; the reply arrives once a
// card is presented, so the call blocks until then or until ctx
// expires.
func (l *bluezLock) AddCard(ctx context.Context, start, end time.Time) (string, error) {
	body, err := l.request(ctx, wire.OpCardAdd, wire.WindowArgs(start, end))
	if err != nil {
		return "", err
	}
	return replyID(wire.OpCardAdd, body)
}

func (l *bluezLock) UpdateCard(ctx context.Context, id string, start, end time.Time) error {
	_, err := l.request(ctx, wire.OpCardUpdate, wire.CredentialUpdateArgs(id, start, end))
	return err
}

func (l *bluezLock) DeleteCard(ctx context.Context, id string) error {
	_, err := l.request(ctx, wire.OpCardDelete, wire.IDArgs(id))
	return err
}

func (l *bluezLock) Cards(ctx context.Context) ([]transport.Card, error) {
	body, err := l.request(ctx, wire.OpCardList, nil)
	if err != nil {
		return nil, err
	}
	return wire.ParseCards(body)
}

// --- Fingerprints ---

func (l *bluezLock) AddFingerprint(ctx context.Context, start, end time.Time) (string, error) {
	body, err := l.request(ctx, wire.OpFingerprintAdd, wire.WindowArgs(start, end))
	if err != nil {
		return "", err
	}
	return replyID(wire.OpFingerprintAdd, body)
}

func (l *bluezLock) UpdateFingerprint(ctx context.Context, id string, start, end time.Time) error {
	_, err := l.request(ctx, wire.OpFingerprintUpdate, wire.CredentialUpdateArgs(id, start, end))
	return err
}

func (l *bluezLock) DeleteFingerprint(ctx context.Context, id string) error {
	_, err := l.request(ctx, wire.OpFingerprintDelete, wire.IDArgs(id))
	return err
}

func (l *bluezLock) Fingerprints(ctx context.Context) ([]transport.Fingerprint, error) {
	body, err := l.request(ctx, wire.OpFingerprintList, nil)
	if err != nil {
		return nil, err
	}
	return wire.ParseFingerprints(body)
}

// replyID extracts the credential identifier an add command returns.
func replyID(op uint8, body []byte) (string, error) {
	if len(body) == 0 {
		return "", fmt.Errorf("bluez: %s: empty identifier", wire.OpName(op))
	}
	return string(body), nil
}

// --- Push events ---

func (l *bluezLock) Subscribe(handler func(transport.DeviceEvent)) func() {
	l.subMu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = handler
	l.subMu.Unlock()
	return func() {
		l.subMu.Lock()
		delete(l.subs, id)
		l.subMu.Unlock()
	}
}

// handleEvent maps a firmware push event onto the transport event type,
// keeps the local connection and battery mirrors current, and fans the
// event out to subscribers.
func (l *bluezLock) handleEvent(evt uint8, body []byte) {
	ev, err := wire.ParseDeviceEvent(evt, body)
	if err != nil {
		l.backend.logger.Warn("bluez bad device event", "addr", l.addr, "err", err)
		return
	}

	switch ev.Type {
	case transport.EventConnected:
		l.mu.Lock()
		l.connected = true
		l.mu.Unlock()
	case transport.EventDisconnected:
		l.mu.Lock()
		l.connected = false
		l.mu.Unlock()
	case transport.EventUpdated:
		l.mu.Lock()
		l.battery = ev.Battery
		l.mu.Unlock()
	}

	l.dispatch(ev)
}

func (l *bluezLock) dispatch(ev transport.DeviceEvent) {
	l.subMu.RLock()
	handlers := make([]func(transport.DeviceEvent), 0, len(l.subs))
	for _, h := range l.subs {
		handlers = append(handlers, h)
	}
	l.subMu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}
