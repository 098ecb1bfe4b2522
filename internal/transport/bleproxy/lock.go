package bleproxy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"lockhub/internal/transport"
	"lockhub/internal/transport/wire"
)

// proxyLock is the handle for one lock reached through the gateway. The
// gateway tracks the GATT connection; the handle mirrors its state from
// replies and push events.
type proxyLock struct {
	proxy *Proxy
	addr  string
	mac   [wire.AddrSize]byte

	mu        sync.RWMutex
	name      string
	key       []byte
	features  transport.Features
	battery   int
	connected bool

	subMu   sync.RWMutex
	subs    map[int]func(transport.DeviceEvent)
	nextSub int
}

func newProxyLock(p *Proxy, addr string, mac [wire.AddrSize]byte, key []byte) *proxyLock {
	return &proxyLock{
		proxy: p,
		addr:  addr,
		mac:   mac,
		key:   key,
		subs:  make(map[int]func(transport.DeviceEvent)),
	}
}

func (l *proxyLock) Address() string { return l.addr }

func (l *proxyLock) Name() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.name
}

func (l *proxyLock) Features() transport.Features {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.features
}

func (l *proxyLock) Battery() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.battery
}

func (l *proxyLock) Connected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.connected
}

func (l *proxyLock) setKey(key []byte) {
	l.mu.Lock()
	l.key = key
	l.mu.Unlock()
}

// observe refreshes cached metadata from an advertisement.
func (l *proxyLock) observe(adv transport.Advertisement) {
	l.mu.Lock()
	if adv.Name != "" {
		l.name = adv.Name
	}
	l.features = adv.Features
	l.battery = adv.Battery
	l.mu.Unlock()
}

// --- Connection ---

func (l *proxyLock) Connect(ctx context.Context) error {
	l.mu.RLock()
	key := l.key
	l.mu.RUnlock()

	if _, err := l.proxy.deviceRequest(ctx, wire.OpConnect, l.mac, key); err != nil {
		return err
	}
	l.mu.Lock()
	l.connected = true
	l.mu.Unlock()
	return nil
}

func (l *proxyLock) Disconnect(ctx context.Context) error {
	if _, err := l.proxy.deviceRequest(ctx, wire.OpDisconnect, l.mac, nil); err != nil {
		return err
	}
	l.mu.Lock()
	l.connected = false
	l.mu.Unlock()
	return nil
}

// Initialize pairs the lock. The reply carries the feature set, the battery
// level and the key blob the gateway needs to reconnect after a restart.
func (l *proxyLock) Initialize(ctx context.Context) ([]byte, error) {
	body, err := l.proxy.deviceRequest(ctx, wire.OpInitialize, l.mac, nil)
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

func (l *proxyLock) Reset(ctx context.Context) error {
	if _, err := l.proxy.deviceRequest(ctx, wire.OpReset, l.mac, nil); err != nil {
		return err
	}
	l.mu.Lock()
	l.key = nil
	l.connected = false
	l.mu.Unlock()
	return nil
}

// --- Bolt operations ---

func (l *proxyLock) Lock(ctx context.Context) error {
	_, err := l.proxy.deviceRequest(ctx, wire.OpLock, l.mac, nil)
	return err
}

func (l *proxyLock) Unlock(ctx context.Context) error {
	_, err := l.proxy.deviceRequest(ctx, wire.OpUnlock, l.mac, nil)
	return err
}

func (l *proxyLock) Status(ctx context.Context) (transport.Status, error) {
	body, err := l.proxy.deviceRequest(ctx, wire.OpStatus, l.mac, nil)
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

func (l *proxyLock) OperationLog(ctx context.Context) ([]transport.LogRecord, error) {
	body, err := l.proxy.deviceRequest(ctx, wire.OpLogRead, l.mac, nil)
	if err != nil {
		return nil, err
	}
	return wire.ParseLogRecords(body)
}

// --- Settings ---

func (l *proxyLock) SetAutoLock(ctx context.Context, after time.Duration) error {
	_, err := l.proxy.deviceRequest(ctx, wire.OpSetAutoLock, l.mac, wire.AutoLockArgs(after))
	return err
}

func (l *proxyLock) SetAudio(ctx context.Context, enabled bool) error {
	_, err := l.proxy.deviceRequest(ctx, wire.OpSetAudio, l.mac, wire.AudioArgs(enabled))
	return err
}

// --- Passcodes ---

func (l *proxyLock) AddPasscode(ctx context.Context, code string, start, end time.Time) (string, error) {
	body, err := l.proxy.deviceRequest(ctx, wire.OpPasscodeAdd, l.mac, wire.PasscodeAddArgs(code, start, end))
	if err != nil {
		return "", err
	}
	return replyID(wire.OpPasscodeAdd, body)
}

func (l *proxyLock) UpdatePasscode(ctx context.Context, id, code string, start, end time.Time) error {
	_, err := l.proxy.deviceRequest(ctx, wire.OpPasscodeUpdate, l.mac, wire.PasscodeUpdateArgs(id, code, start, end))
	return err
}

func (l *proxyLock) DeletePasscode(ctx context.Context, id string) error {
	_, err := l.proxy.deviceRequest(ctx, wire.OpPasscodeDelete, l.mac, wire.IDArgs(id))
	return err
}

func (l *proxyLock) Passcodes(ctx context.Context) ([]transport.Passcode, error) {
	body, err := l.proxy.deviceRequest(ctx, wire.OpPasscodeList, l.mac, nil)
	if err != nil {
		return nil, err
	}
	return wire.ParsePasscodes(body)
}

// --- Cards ---

// AddCard puts the gateway in card-scan mode; the reply arrives once a card
// is presented, so the call blocks until then or until ctx expires.
func (l *proxyLock) AddCard(ctx context.Context, start, end time.Time) (string, error) {
	body, err := l.proxy.deviceRequest(ctx, wire.OpCardAdd, l.mac, wire.WindowArgs(start, end))
	if err != nil {
		return "", err
	}
	return replyID(wire.OpCardAdd, body)
}

func (l *proxyLock) UpdateCard(ctx context.Context, id string, start, end time.Time) error {
	_, err := l.proxy.deviceRequest(ctx, wire.OpCardUpdate, l.mac, wire.CredentialUpdateArgs(id, start, end))
	return err
}

func (l *proxyLock) DeleteCard(ctx context.Context, id string) error {
	_, err := l.proxy.deviceRequest(ctx, wire.OpCardDelete, l.mac, wire.IDArgs(id))
	return err
}

func (l *proxyLock) Cards(ctx context.Context) ([]transport.Card, error) {
	body, err := l.proxy.deviceRequest(ctx, wire.OpCardList, l.mac, nil)
	if err != nil {
		return nil, err
	}
	return wire.ParseCards(body)
}

// --- Fingerprints ---

func (l *proxyLock) AddFingerprint(ctx context.Context, start, end time.Time) (string, error) {
	body, err := l.proxy.deviceRequest(ctx, wire.OpFingerprintAdd, l.mac, wire.WindowArgs(start, end))
	if err != nil {
		return "", err
	}
	return replyID(wire.OpFingerprintAdd, body)
}

func (l *proxyLock) UpdateFingerprint(ctx context.Context, id string, start, end time.Time) error {
	_, err := l.proxy.deviceRequest(ctx, wire.OpFingerprintUpdate, l.mac, wire.CredentialUpdateArgs(id, start, end))
	return err
}

func (l *proxyLock) DeleteFingerprint(ctx context.Context, id string) error {
	_, err := l.proxy.deviceRequest(ctx, wire.OpFingerprintDelete, l.mac, wire.IDArgs(id))
	return err
}

func (l *proxyLock) Fingerprints(ctx context.Context) ([]transport.Fingerprint, error) {
	body, err := l.proxy.deviceRequest(ctx, wire.OpFingerprintList, l.mac, nil)
	if err != nil {
		return nil, err
	}
	return wire.ParseFingerprints(body)
}

// replyID extracts the credential identifier an add command returns.
func replyID(op uint8, body []byte) (string, error) {
	if len(body) == 0 {
		return "", fmt.Errorf("bleproxy: %s: empty identifier", wire.OpName(op))
	}
	return string(body), nil
}

// --- Push events ---

func (l *proxyLock) Subscribe(handler func(transport.DeviceEvent)) func() {
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

// handleEvent maps a gateway push event onto the transport event type,
// keeps the local connection and battery mirrors current, and fans the
// event out to subscribers.
func (l *proxyLock) handleEvent(evt uint8, body []byte) {
	ev, err := wire.ParseDeviceEvent(evt, body)
	if err != nil {
		l.proxy.logger.Warn("bleproxy bad device event", "addr", l.addr, "err", err)
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

func (l *proxyLock) dispatch(ev transport.DeviceEvent) {
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
