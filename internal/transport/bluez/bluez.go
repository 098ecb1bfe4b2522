// Package bluez implements the lock transport against a local BlueZ daemon.
// The host radio talks to each lock directly: commands and events travel as
// the same framed packets the serial gateway relays, tunnelled through the
// UART-style GATT service the lock firmware exposes.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	dbus "github.com/godbus/dbus/v5"

	"lockhub/internal/transport"
	"lockhub/internal/transport/wire"
)

const (
	bluezService  = "org.bluez"
	bluezRootPath = dbus.ObjectPath("/")

	adapterIface    = "org.bluez.Adapter1"
	deviceIface     = "org.bluez.Device1"
	gattCharIface   = "org.bluez.GattCharacteristic1"
	objManagerIface = "org.freedesktop.DBus.ObjectManager"
	propsIface      = "org.freedesktop.DBus.Properties"
)

// The lock firmware exposes a UART-style GATT service. The host writes
// frames to the RX characteristic; the firmware pushes frames back as
// notifications on the TX characteristic.
const (
	rxCharUUID = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	txCharUUID = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

// vendorID keys the manufacturer data block locks put in their
// advertisements: flags, feature bits and battery level.
const vendorID uint16 = 0x0059

// Backend is the transport backend for a local BlueZ adapter.
type Backend struct {
	logger  *slog.Logger
	bus     *dbus.Conn
	adapter dbus.ObjectPath

	sigCh chan *dbus.Signal

	handlerMu sync.RWMutex
	onAdv     func(transport.Advertisement)

	devMu   sync.Mutex
	devices map[string]*bluezLock

	// lifecycleMu protects concurrent Close access to cleanup and done.
	lifecycleMu sync.Mutex
	cleanup     []func()
	done        chan struct{}
	closeOnce   sync.Once
	closed      bool
	wg          sync.WaitGroup
}

// New connects to the system bus, powers the adapter and starts routing
// BlueZ signals. adapterName is the HCI name, eg "hci0".
func New(adapterName string, logger *slog.Logger) (*Backend, error) {
	if adapterName == "" {
		adapterName = "hci0"
	}

	bus, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: connect system bus: %w", err)
	}

	b := &Backend{
		logger:  logger,
		bus:     bus,
		adapter: dbus.ObjectPath("/org/bluez/" + adapterName),
		devices: make(map[string]*bluezLock),
		done:    make(chan struct{}),
	}
	b.cleanup = append(b.cleanup, func() { _ = bus.Close() })

	adapter := bus.Object(bluezService, b.adapter)
	if call := adapter.Call(propsIface+".Set", 0, adapterIface, "Powered", dbus.MakeVariant(true)); call.Err != nil {
		b.runCleanup()
		return nil, fmt.Errorf("bluez: power on %s: %w", adapterName, call.Err)
	}

	b.sigCh = make(chan *dbus.Signal, 64)
	bus.Signal(b.sigCh)
	b.cleanup = append(b.cleanup, func() { bus.RemoveSignal(b.sigCh) })

	matches := [][]dbus.MatchOption{
		{dbus.WithMatchInterface(objManagerIface), dbus.WithMatchMember("InterfacesAdded")},
		{dbus.WithMatchInterface(propsIface), dbus.WithMatchMember("PropertiesChanged")},
	}
	for _, opts := range matches {
		opts := opts
		if err := bus.AddMatchSignal(opts...); err != nil {
			b.runCleanup()
			return nil, fmt.Errorf("bluez: subscribe signals: %w", err)
		}
		b.cleanup = append(b.cleanup, func() { _ = bus.RemoveMatchSignal(opts...) })
	}

	b.wg.Add(1)
	go b.signalLoop()

	logger.Info("bluez transport up", "adapter", adapterName)
	return b, nil
}

func (b *Backend) signalLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case sig := <-b.sigCh:
			if sig == nil {
				return
			}
			b.handleSignal(sig)
		}
	}
}

func (b *Backend) handleSignal(sig *dbus.Signal) {
	switch sig.Name {
	case objManagerIface + ".InterfacesAdded":
		if len(sig.Body) < 2 {
			return
		}
		ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
		if props, ok := ifaces[deviceIface]; ok {
			b.observeDevice(props)
		}

	case propsIface + ".PropertiesChanged":
		if len(sig.Body) < 2 {
			return
		}
		iface, _ := sig.Body[0].(string)
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		switch iface {
		case deviceIface:
			b.deviceChanged(sig.Path, changed)
		case gattCharIface:
			b.charChanged(sig.Path, changed)
		}
	}
}

// deviceChanged reacts to Device1 property updates: dropped links and
// fresh advertising data.
func (b *Backend) deviceChanged(path dbus.ObjectPath, changed map[string]dbus.Variant) {
	addr := addrFromDevPath(path)
	if addr == "" {
		return
	}

	if v, ok := changed["Connected"]; ok {
		if up, _ := v.Value().(bool); !up {
			b.devMu.Lock()
			lk := b.devices[addr]
			b.devMu.Unlock()
			if lk != nil {
				lk.linkLost()
			}
		}
	}

	// RSSI and ManufacturerData only change while advertising data comes
	// in, so either one marks a fresh advertisement. The changed map is
	// partial; fetch the full property set to build the advertisement.
	_, rssi := changed["RSSI"]
	_, mfg := changed["ManufacturerData"]
	if !rssi && !mfg {
		return
	}

	props, err := b.deviceProps(path)
	if err != nil {
		b.logger.Debug("bluez device properties", "addr", addr, "err", err)
		return
	}
	b.observeDevice(props)
}

// charChanged routes GATT notifications to the device that owns the
// characteristic.
func (b *Backend) charChanged(path dbus.ObjectPath, changed map[string]dbus.Variant) {
	v, ok := changed["Value"]
	if !ok {
		return
	}
	data, ok := v.Value().([]byte)
	if !ok {
		return
	}
	addr := addrFromDevPath(path)
	if addr == "" {
		return
	}

	b.devMu.Lock()
	lk := b.devices[addr]
	b.devMu.Unlock()
	if lk == nil {
		b.logger.Debug("bluez notification for unknown device", "path", string(path))
		return
	}
	lk.onNotify(data)
}

func (b *Backend) deviceProps(path dbus.ObjectPath) (map[string]dbus.Variant, error) {
	obj := b.bus.Object(bluezService, path)
	call := obj.Call(propsIface+".GetAll", 0, deviceIface)
	if call.Err != nil {
		return nil, fmt.Errorf("bluez: GetAll %s: %w", deviceIface, call.Err)
	}
	var props map[string]dbus.Variant
	if err := call.Store(&props); err != nil {
		return nil, fmt.Errorf("bluez: decode device properties: %w", err)
	}
	return props, nil
}

// observeDevice turns a Device1 property set into an advertisement and
// fans it out. Devices without the lock vendor block are ignored.
func (b *Backend) observeDevice(props map[string]dbus.Variant) {
	adv, ok := advertisementFromProps(props)
	if !ok {
		return
	}
	b.logger.Debug("bluez advertisement",
		"addr", adv.Address, "name", adv.Name, "rssi", adv.RSSI, "initialized", adv.Initialized)

	b.devMu.Lock()
	lk := b.devices[adv.Address]
	b.devMu.Unlock()
	if lk != nil {
		lk.observe(adv)
	}

	b.handlerMu.RLock()
	handler := b.onAdv
	b.handlerMu.RUnlock()
	if handler != nil {
		handler(adv)
	}
}

// advertisementFromProps extracts a lock advertisement from Device1
// properties. The second return is false when the device is not a lock
// or the properties are incomplete.
func advertisementFromProps(props map[string]dbus.Variant) (transport.Advertisement, bool) {
	var adv transport.Advertisement

	if v, ok := props["Address"]; ok {
		addr, _ := v.Value().(string)
		adv.Address = strings.ToUpper(addr)
	}
	if adv.Address == "" {
		return transport.Advertisement{}, false
	}

	if v, ok := props["Name"]; ok {
		adv.Name, _ = v.Value().(string)
	}
	if adv.Name == "" {
		if v, ok := props["Alias"]; ok {
			adv.Name, _ = v.Value().(string)
		}
	}
	if v, ok := props["RSSI"]; ok {
		if n, ok := v.Value().(int16); ok {
			adv.RSSI = int(n)
		}
	}

	mfgVar, ok := props["ManufacturerData"]
	if !ok {
		return transport.Advertisement{}, false
	}
	mfg, ok := mfgVar.Value().(map[uint16]dbus.Variant)
	if !ok {
		return transport.Advertisement{}, false
	}
	blobVar, ok := mfg[vendorID]
	if !ok {
		return transport.Advertisement{}, false
	}
	blob, _ := blobVar.Value().([]byte)
	if len(blob) < 3 {
		return transport.Advertisement{}, false
	}

	flags := blob[0]
	adv.Initialized = flags&wire.AdvFlagInitialized != 0
	adv.NewActivity = flags&wire.AdvFlagNewActivity != 0
	adv.StatusChanged = flags&wire.AdvFlagStatusChanged != 0
	adv.BatteryChanged = flags&wire.AdvFlagBatteryChanged != 0
	adv.Features = wire.UnpackFeatures(blob[1])
	adv.Battery = int(blob[2])
	return adv, true
}

// --- transport.Transport ---

func (b *Backend) StartDiscovery(ctx context.Context) error {
	return b.startScan(ctx, true)
}

func (b *Backend) StopDiscovery(ctx context.Context) error {
	return b.stopScan(ctx)
}

// StartMonitor scans without duplicate advertising data. Passive
// presence tracking does not need every beacon, only state transitions,
// and deduplication keeps the signal volume down.
func (b *Backend) StartMonitor(ctx context.Context) error {
	return b.startScan(ctx, false)
}

func (b *Backend) StopMonitor(ctx context.Context) error {
	return b.stopScan(ctx)
}

func (b *Backend) startScan(ctx context.Context, duplicates bool) error {
	adapter := b.bus.Object(bluezService, b.adapter)
	filter := map[string]dbus.Variant{
		"Transport":     dbus.MakeVariant("le"),
		"DuplicateData": dbus.MakeVariant(duplicates),
	}
	if call := adapter.CallWithContext(ctx, adapterIface+".SetDiscoveryFilter", 0, filter); call.Err != nil {
		return fmt.Errorf("bluez: SetDiscoveryFilter: %w", call.Err)
	}
	if call := adapter.CallWithContext(ctx, adapterIface+".StartDiscovery", 0); call.Err != nil {
		if !isDBusErr(call.Err, "org.bluez.Error.InProgress") {
			return fmt.Errorf("bluez: StartDiscovery: %w", call.Err)
		}
	}
	return nil
}

func (b *Backend) stopScan(ctx context.Context) error {
	adapter := b.bus.Object(bluezService, b.adapter)
	if call := adapter.CallWithContext(ctx, adapterIface+".StopDiscovery", 0); call.Err != nil {
		// "No discovery started" comes back as a generic failure.
		if !isDBusErr(call.Err, "org.bluez.Error.Failed", "org.bluez.Error.NotReady") {
			return fmt.Errorf("bluez: StopDiscovery: %w", call.Err)
		}
		b.logger.Debug("bluez stop scan", "err", call.Err)
	}
	return nil
}

func (b *Backend) Device(addr string, key []byte) (transport.Lock, error) {
	mac, canonical, err := wire.PackAddr(addr)
	if err != nil {
		return nil, err
	}

	b.devMu.Lock()
	defer b.devMu.Unlock()
	if lk, ok := b.devices[canonical]; ok {
		if key != nil {
			lk.setKey(key)
		}
		return lk, nil
	}
	lk := newBluezLock(b, canonical, mac, key)
	b.devices[canonical] = lk
	return lk, nil
}

func (b *Backend) OnDiscovered(handler func(transport.Advertisement)) {
	b.handlerMu.Lock()
	b.onAdv = handler
	b.handlerMu.Unlock()
}

func (b *Backend) Close() error {
	b.lifecycleMu.Lock()
	if b.closed {
		b.lifecycleMu.Unlock()
		return nil
	}
	b.closed = true
	cleanup := b.cleanup
	b.cleanup = nil
	b.closeOnce.Do(func() { close(b.done) })
	b.lifecycleMu.Unlock()

	b.devMu.Lock()
	locks := make([]*bluezLock, 0, len(b.devices))
	for _, lk := range b.devices {
		locks = append(locks, lk)
	}
	b.devMu.Unlock()
	for _, lk := range locks {
		lk.shutdown()
	}

	for i := len(cleanup) - 1; i >= 0; i-- {
		cleanup[i]()
	}
	b.wg.Wait()

	b.logger.Info("bluez transport closed")
	return nil
}

func (b *Backend) runCleanup() {
	for i := len(b.cleanup) - 1; i >= 0; i-- {
		b.cleanup[i]()
	}
	b.cleanup = nil
}

// devicePath maps a canonical MAC onto the BlueZ object path under the
// adapter, eg "AA:BB:CC:DD:EE:FF" to ".../hci0/dev_AA_BB_CC_DD_EE_FF".
func (b *Backend) devicePath(addr string) dbus.ObjectPath {
	return dbus.ObjectPath(string(b.adapter) + "/dev_" + strings.ReplaceAll(addr, ":", "_"))
}

// addrFromDevPath recovers the MAC from a BlueZ object path. Works for
// device paths and anything below them, eg GATT characteristic paths.
// Returns "" when the path does not contain a device segment.
func addrFromDevPath(path dbus.ObjectPath) string {
	s := string(path)
	i := strings.LastIndex(s, "/dev_")
	if i < 0 {
		return ""
	}
	seg := s[i+len("/dev_"):]
	if j := strings.IndexByte(seg, '/'); j >= 0 {
		seg = seg[:j]
	}
	_, canonical, err := wire.PackAddr(strings.ReplaceAll(seg, "_", ":"))
	if err != nil {
		return ""
	}
	return canonical
}

// isDBusErr reports whether err is a D-Bus error with one of the given
// names. godbus hands call errors over by value and NewError errors by
// pointer; both shapes match here.
func isDBusErr(err error, names ...string) bool {
	var name string
	var perr *dbus.Error
	var verr dbus.Error
	switch {
	case errors.As(err, &perr):
		name = perr.Name
	case errors.As(err, &verr):
		name = verr.Name
	default:
		return false
	}
	for _, n := range names {
		if name == n {
			return true
		}
	}
	return false
}
