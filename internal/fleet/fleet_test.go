package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lockhub/internal/store"
	"lockhub/internal/transport"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestDB(t *testing.T) *store.BoltStore {
	t.Helper()
	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "fleet.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// testConfig keeps timers short enough for tests; individual tests override
// fields where the timing itself is under test.
func testConfig() Config {
	return Config{
		ScanAutoStop:  500 * time.Millisecond,
		MaxScanCycles: 1,
		MonitorSettle: time.Millisecond,
	}
}

func newTestFleet(t *testing.T, tr *fakeTransport, db store.Store, cfg Config) (*Orchestrator, *eventRecorder) {
	t.Helper()
	bus := NewEventBus(newTestLogger())
	rec := &eventRecorder{}
	bus.OnAll(rec.record)
	o := New(tr, db, bus, cfg, newTestLogger())
	return o, rec
}

// seedPaired persists a paired device record so Start rehydrates it.
func seedPaired(t *testing.T, db store.Store, addr string, feats transport.Features) {
	t.Helper()
	err := db.SaveDevice(&store.Device{
		Address:     addr,
		Name:        "lock " + addr,
		Key:         []byte("key-" + addr),
		Passcode:    feats.Passcode,
		Card:        feats.Card,
		Fingerprint: feats.Fingerprint,
		Sound:       feats.Sound,
		PairedAt:    time.Now(),
		LastSeen:    time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func waitUntil(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// eventRecorder captures bus emissions for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) count(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

// last returns the most recent event of the given type.
func (r *eventRecorder) last(typ string) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == typ {
			return r.events[i], true
		}
	}
	return Event{}, false
}

// typesOf returns the ordered event types matching the given set.
func (r *eventRecorder) typesOf(want ...string) []string {
	set := make(map[string]bool, len(want))
	for _, w := range want {
		set[w] = true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if set[e.Type] {
			out = append(out, e.Type)
		}
	}
	return out
}

// --- fakes ---

// fakeTransport implements transport.Transport for tests.
type fakeTransport struct {
	mu    sync.Mutex
	locks map[string]*fakeLock
	disc  func(transport.Advertisement)

	discovering  atomic.Bool
	monitoring   atomic.Bool
	discoveryErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{locks: make(map[string]*fakeLock)}
}

func (ft *fakeTransport) addLock(l *fakeLock) {
	ft.mu.Lock()
	ft.locks[l.addr] = l
	ft.mu.Unlock()
}

func (ft *fakeTransport) StartDiscovery(ctx context.Context) error {
	if ft.discoveryErr != nil {
		return ft.discoveryErr
	}
	ft.discovering.Store(true)
	return nil
}

func (ft *fakeTransport) StopDiscovery(ctx context.Context) error {
	ft.discovering.Store(false)
	return nil
}

func (ft *fakeTransport) StartMonitor(ctx context.Context) error {
	ft.monitoring.Store(true)
	return nil
}

func (ft *fakeTransport) StopMonitor(ctx context.Context) error {
	ft.monitoring.Store(false)
	return nil
}

func (ft *fakeTransport) Device(addr string, key []byte) (transport.Lock, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if l, ok := ft.locks[addr]; ok {
		return l, nil
	}
	l := newFakeLock(addr)
	ft.locks[addr] = l
	return l, nil
}

func (ft *fakeTransport) OnDiscovered(handler func(transport.Advertisement)) {
	ft.mu.Lock()
	ft.disc = handler
	ft.mu.Unlock()
}

func (ft *fakeTransport) Close() error { return nil }

// advertise delivers one sighting to the discovery handler.
func (ft *fakeTransport) advertise(adv transport.Advertisement) {
	ft.mu.Lock()
	h := ft.disc
	ft.mu.Unlock()
	if h != nil {
		h(adv)
	}
}

// fakeLock implements transport.Lock with injectable failures and counters.
type fakeLock struct {
	addr string

	mu        sync.Mutex
	connected bool
	features  transport.Features
	battery   int
	status    transport.Status
	records   []transport.LogRecord
	passcodes []transport.Passcode
	cards     []transport.Card
	fps       []transport.Fingerprint
	subs      map[int]func(transport.DeviceEvent)
	nextSub   int
	nextID    int
	wasReset  bool

	connectErr    error
	disconnectErr error
	opErr         error
	statusErr     error
	logErr        error
	opDelay       time.Duration // slows Lock/Unlock down
	lockBlocks    bool          // Lock/Unlock wait for ctx before failing
	unlockBlocks  bool

	connects    atomic.Int32
	disconnects atomic.Int32
	radioOps    atomic.Int32 // every transport call except Disconnect
	logFetches  atomic.Int32
	cur, curMax atomic.Int32
}

func newFakeLock(addr string) *fakeLock {
	return &fakeLock{
		addr:   addr,
		status: transport.StatusUnknown,
		subs:   make(map[int]func(transport.DeviceEvent)),
	}
}

func (l *fakeLock) push(ev transport.DeviceEvent) {
	l.mu.Lock()
	handlers := make([]func(transport.DeviceEvent), 0, len(l.subs))
	for _, h := range l.subs {
		handlers = append(handlers, h)
	}
	l.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (l *fakeLock) enter() {
	c := l.cur.Add(1)
	for {
		m := l.curMax.Load()
		if c <= m || l.curMax.CompareAndSwap(m, c) {
			return
		}
	}
}

func (l *fakeLock) exit() { l.cur.Add(-1) }

func (l *fakeLock) Address() string { return l.addr }
func (l *fakeLock) Name() string    { return "lock " + l.addr }

func (l *fakeLock) Features() transport.Features {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.features
}

func (l *fakeLock) Battery() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.battery
}

func (l *fakeLock) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *fakeLock) Connect(ctx context.Context) error {
	l.connects.Add(1)
	l.radioOps.Add(1)
	if l.connectErr != nil {
		return l.connectErr
	}
	l.mu.Lock()
	l.connected = true
	l.mu.Unlock()
	l.push(transport.DeviceEvent{Type: transport.EventConnected})
	return nil
}

func (l *fakeLock) Disconnect(ctx context.Context) error {
	l.disconnects.Add(1)
	l.mu.Lock()
	l.connected = false
	l.mu.Unlock()
	l.push(transport.DeviceEvent{Type: transport.EventDisconnected})
	return l.disconnectErr
}

func (l *fakeLock) Initialize(ctx context.Context) ([]byte, error) {
	l.radioOps.Add(1)
	if l.opErr != nil {
		return nil, l.opErr
	}
	return []byte("key-" + l.addr), nil
}

func (l *fakeLock) Lock(ctx context.Context) error {
	l.radioOps.Add(1)
	l.enter()
	defer l.exit()
	if l.lockBlocks {
		<-ctx.Done()
		return ctx.Err()
	}
	if l.opDelay > 0 {
		time.Sleep(l.opDelay)
	}
	if l.opErr != nil {
		return l.opErr
	}
	l.mu.Lock()
	l.status = transport.StatusLocked
	l.mu.Unlock()
	return nil
}

func (l *fakeLock) Unlock(ctx context.Context) error {
	l.radioOps.Add(1)
	l.enter()
	defer l.exit()
	if l.unlockBlocks {
		<-ctx.Done()
		return ctx.Err()
	}
	if l.opDelay > 0 {
		time.Sleep(l.opDelay)
	}
	if l.opErr != nil {
		return l.opErr
	}
	l.mu.Lock()
	l.status = transport.StatusUnlocked
	l.mu.Unlock()
	return nil
}

func (l *fakeLock) Status(ctx context.Context) (transport.Status, error) {
	l.radioOps.Add(1)
	if l.statusErr != nil {
		return transport.StatusUnknown, l.statusErr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status, nil
}

func (l *fakeLock) OperationLog(ctx context.Context) ([]transport.LogRecord, error) {
	l.radioOps.Add(1)
	l.logFetches.Add(1)
	if l.logErr != nil {
		return nil, l.logErr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]transport.LogRecord, len(l.records))
	copy(out, l.records)
	return out, nil
}

func (l *fakeLock) SetAutoLock(ctx context.Context, after time.Duration) error {
	l.radioOps.Add(1)
	return l.opErr
}

func (l *fakeLock) SetAudio(ctx context.Context, enabled bool) error {
	l.radioOps.Add(1)
	return l.opErr
}

func (l *fakeLock) AddPasscode(ctx context.Context, code string, start, end time.Time) (string, error) {
	l.radioOps.Add(1)
	if l.opErr != nil {
		return "", l.opErr
	}
	l.mu.Lock()
	l.nextID++
	id := fmt.Sprintf("pc-%d", l.nextID)
	l.passcodes = append(l.passcodes, transport.Passcode{ID: id, Code: code, Start: start, End: end})
	l.mu.Unlock()
	return id, nil
}

func (l *fakeLock) UpdatePasscode(ctx context.Context, id, code string, start, end time.Time) error {
	l.radioOps.Add(1)
	return l.opErr
}

func (l *fakeLock) DeletePasscode(ctx context.Context, id string) error {
	l.radioOps.Add(1)
	return l.opErr
}

func (l *fakeLock) Passcodes(ctx context.Context) ([]transport.Passcode, error) {
	l.radioOps.Add(1)
	if l.opErr != nil {
		return nil, l.opErr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]transport.Passcode(nil), l.passcodes...), nil
}

func (l *fakeLock) AddCard(ctx context.Context, start, end time.Time) (string, error) {
	l.radioOps.Add(1)
	if l.opErr != nil {
		return "", l.opErr
	}
	l.push(transport.DeviceEvent{Type: transport.EventCardScanStarted})
	l.mu.Lock()
	l.nextID++
	id := fmt.Sprintf("card-%d", l.nextID)
	l.cards = append(l.cards, transport.Card{ID: id, Start: start, End: end})
	l.mu.Unlock()
	return id, nil
}

func (l *fakeLock) UpdateCard(ctx context.Context, id string, start, end time.Time) error {
	l.radioOps.Add(1)
	return l.opErr
}

func (l *fakeLock) DeleteCard(ctx context.Context, id string) error {
	l.radioOps.Add(1)
	return l.opErr
}

func (l *fakeLock) Cards(ctx context.Context) ([]transport.Card, error) {
	l.radioOps.Add(1)
	if l.opErr != nil {
		return nil, l.opErr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]transport.Card(nil), l.cards...), nil
}

func (l *fakeLock) AddFingerprint(ctx context.Context, start, end time.Time) (string, error) {
	l.radioOps.Add(1)
	if l.opErr != nil {
		return "", l.opErr
	}
	l.push(transport.DeviceEvent{Type: transport.EventFingerprintScanStarted})
	l.push(transport.DeviceEvent{Type: transport.EventFingerprintScanProgress, Current: 1, Total: 2})
	l.push(transport.DeviceEvent{Type: transport.EventFingerprintScanProgress, Current: 2, Total: 2})
	l.mu.Lock()
	l.nextID++
	id := fmt.Sprintf("fp-%d", l.nextID)
	l.fps = append(l.fps, transport.Fingerprint{ID: id, Start: start, End: end})
	l.mu.Unlock()
	return id, nil
}

func (l *fakeLock) UpdateFingerprint(ctx context.Context, id string, start, end time.Time) error {
	l.radioOps.Add(1)
	return l.opErr
}

func (l *fakeLock) DeleteFingerprint(ctx context.Context, id string) error {
	l.radioOps.Add(1)
	return l.opErr
}

func (l *fakeLock) Fingerprints(ctx context.Context) ([]transport.Fingerprint, error) {
	l.radioOps.Add(1)
	if l.opErr != nil {
		return nil, l.opErr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]transport.Fingerprint(nil), l.fps...), nil
}

func (l *fakeLock) Reset(ctx context.Context) error {
	l.radioOps.Add(1)
	if l.opErr != nil {
		return l.opErr
	}
	l.mu.Lock()
	l.wasReset = true
	l.mu.Unlock()
	return nil
}

func (l *fakeLock) Subscribe(handler func(transport.DeviceEvent)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = handler
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.subs, id)
	}
}
