// Package fleet coordinates a fleet of BLE smart locks: discovery and scan
// lifecycle, the paired/unpaired registry, connection arbitration with
// per-operation deadlines, and reconciliation of lock state from the device
// operation log.
package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"lockhub/internal/store"
	"lockhub/internal/transport"
)

// Config tunes the orchestrator.
type Config struct {
	ScanAutoStop  time.Duration // discovery runtime before the auto-stop fires
	MaxScanCycles int           // automatic re-scans per burst
	MonitorSettle time.Duration // radio settle delay before the monitor resumes
}

func (c Config) withDefaults() Config {
	if c.ScanAutoStop <= 0 {
		c.ScanAutoStop = 30 * time.Second
	}
	if c.MaxScanCycles <= 0 {
		c.MaxScanCycles = 3
	}
	if c.MonitorSettle <= 0 {
		c.MonitorSettle = 200 * time.Millisecond
	}
	return c
}

// Orchestrator is the top-level coordinator: it owns the registry, the scan
// controller, the connection arbiter and the reconciler, classifies
// discovery events, and exposes the per-device operation surface.
type Orchestrator struct {
	tr  transport.Transport
	db  store.Store
	reg *Registry
	bus *EventBus
	sc  *ScanController
	arb *Arbiter
	rec *Reconciler
	log *slog.Logger
}

// New wires an orchestrator. Call Start to rehydrate persisted devices and
// begin passive monitoring.
func New(tr transport.Transport, db store.Store, bus *EventBus, cfg Config, logger *slog.Logger) *Orchestrator {
	cfg = cfg.withDefaults()

	sc := newScanController(tr, bus, cfg.ScanAutoStop, cfg.MaxScanCycles, cfg.MonitorSettle, logger)
	arb := newArbiter(sc.Scanning, logger)
	sc.sessionGate = arb.Active

	o := &Orchestrator{
		tr:  tr,
		db:  db,
		reg: NewRegistry(),
		bus: bus,
		sc:  sc,
		arb: arb,
		rec: newReconciler(db, bus, logger),
		log: logger.With("component", "fleet"),
	}
	sc.reconnectPass = o.reconnectPass
	tr.OnDiscovered(o.onAdvertisement)
	return o
}

// Events returns the notification bus.
func (o *Orchestrator) Events() *EventBus { return o.bus }

// Start rehydrates paired devices from the store and hands the radio to the
// passive monitor.
func (o *Orchestrator) Start(ctx context.Context) error {
	recs, err := o.db.ListDevices()
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}
	for _, rec := range recs {
		handle, err := o.tr.Device(rec.Address, rec.Key)
		if err != nil {
			o.log.Error("materialize device", "addr", rec.Address, "err", err)
			continue
		}
		dev := newDevice(rec.Address, handle)
		dev.name = rec.Name
		dev.features = transport.Features{
			Passcode:    rec.Passcode,
			Card:        rec.Card,
			Fingerprint: rec.Fingerprint,
			Sound:       rec.Sound,
		}
		dev.battery = rec.Battery
		if rec.LastStatus != "" {
			dev.lastStatus = transport.Status(rec.LastStatus)
		}
		dev.logMark = rec.LogMark
		o.reg.AddPaired(dev)
		o.bindDevice(dev)
	}

	if err := o.tr.StartMonitor(ctx); err != nil {
		return classify("start monitor", err)
	}
	o.log.Info("fleet started", "paired", len(recs))
	return nil
}

// Stop halts scanning and monitoring and detaches device subscriptions.
func (o *Orchestrator) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if o.sc.Scanning() {
		if err := o.sc.Stop(ctx); err != nil {
			o.log.Warn("stop scan", "err", err)
		}
	}
	if err := o.tr.StopMonitor(ctx); err != nil {
		o.log.Warn("stop monitor", "err", err)
	}
	for _, dev := range o.reg.ListPaired() {
		dev.mu.Lock()
		if dev.unsub != nil {
			dev.unsub()
			dev.unsub = nil
		}
		dev.mu.Unlock()
	}
	o.log.Info("fleet stopped")
}

// StartScan begins an active discovery burst.
func (o *Orchestrator) StartScan(ctx context.Context) error { return o.sc.Start(ctx) }

// StopScan ends the burst early.
func (o *Orchestrator) StopScan(ctx context.Context) error { return o.sc.Stop(ctx) }

// Scanning reports whether discovery is running.
func (o *Orchestrator) Scanning() bool { return o.sc.Scanning() }

// Devices lists paired devices sorted by address.
func (o *Orchestrator) Devices() []DeviceInfo {
	devs := o.reg.ListPaired()
	infos := make([]DeviceInfo, 0, len(devs))
	for _, d := range devs {
		infos = append(infos, d.Info(o.reg.Queued(d.addr)))
	}
	return infos
}

// UnpairedDevices lists discovered, not yet paired devices.
func (o *Orchestrator) UnpairedDevices() []DeviceInfo {
	devs := o.reg.ListUnpaired()
	infos := make([]DeviceInfo, 0, len(devs))
	for _, d := range devs {
		infos = append(infos, d.Info(false))
	}
	return infos
}

// Device returns the snapshot for one address, paired or unpaired.
func (o *Orchestrator) Device(addr string) (DeviceInfo, error) {
	dev, err := o.reg.Lookup(addr)
	if err != nil {
		return DeviceInfo{}, err
	}
	return dev.Info(o.reg.Queued(addr)), nil
}

// onAdvertisement classifies every discovery/monitor sighting: paired,
// pairable, or foreign.
func (o *Orchestrator) onAdvertisement(adv transport.Advertisement) {
	if dev, err := o.reg.Paired(adv.Address); err == nil {
		o.pairedSighting(dev, adv)
		return
	}
	if !adv.Initialized {
		o.unpairedSighting(adv)
		return
	}
	// Initialized but not ours: nothing to manage.
	o.log.Debug("ignoring foreign device", "addr", adv.Address, "name", adv.Name)
}

func (o *Orchestrator) pairedSighting(dev *Device, adv transport.Advertisement) {
	dev.touch(adv)

	if adv.BatteryChanged {
		dev.setBattery(adv.Battery)
		if err := o.db.UpdateDevice(dev.addr, func(d *store.Device) error {
			d.Battery = adv.Battery
			d.LastSeen = time.Now()
			return nil
		}); err != nil {
			o.log.Warn("persist battery", "addr", dev.addr, "err", err)
		}
		o.bus.Emit(Event{Type: EventDeviceUpdated, Data: map[string]interface{}{
			"address": dev.addr,
			"battery": adv.Battery,
		}})
	}

	if !adv.NewActivity && !adv.StatusChanged && dev.isReconciled() {
		return
	}
	if o.sc.Scanning() {
		// The radio belongs to discovery; queue a probe for the scan stop.
		o.reg.Enqueue(dev.addr)
		return
	}
	go o.reconcileDevice(dev)
}

func (o *Orchestrator) unpairedSighting(adv transport.Advertisement) {
	if dev, err := o.reg.Unpaired(adv.Address); err == nil {
		dev.touch(adv)
		return
	}

	// Pairing work trumps further discovery.
	if o.sc.Scanning() {
		if err := o.sc.Stop(context.Background()); err != nil {
			o.log.Warn("stop scan", "err", err)
		}
	}

	handle, err := o.tr.Device(adv.Address, nil)
	if err != nil {
		o.log.Error("materialize device", "addr", adv.Address, "err", err)
		return
	}
	dev := newDevice(adv.Address, handle)
	dev.name = adv.Name
	dev.features = adv.Features
	dev.battery = adv.Battery
	dev.touch(adv)
	o.reg.AddUnpaired(dev)

	o.log.Info("unpaired lock discovered", "addr", adv.Address, "name", adv.Name)
	o.bus.Emit(Event{Type: EventDeviceListChanged, Data: map[string]interface{}{
		"reason":  "discovered",
		"address": adv.Address,
	}})
}

// reconcileDevice opens a session and reconciles state. Used for the first
// connection after discovery and whenever push flags announce activity.
func (o *Orchestrator) reconcileDevice(dev *Device) {
	dev.opMu.Lock()
	defer dev.opMu.Unlock()

	err := o.arb.Session(context.Background(), dev, func(ctx context.Context) error {
		return o.rec.Reconcile(ctx, dev)
	})
	if err != nil {
		o.log.Warn("reconcile", "addr", dev.addr, "err", err)
		// Unreachable or busy right now; the next scan stop probes it.
		o.reg.Enqueue(dev.addr)
	}
}

// reconnectPass drains the pending-reconnect queue once: each address gets
// one bounded reachability probe. Success dequeues, failure stays queued
// for the next cycle.
func (o *Orchestrator) reconnectPass(ctx context.Context) {
	for _, addr := range o.reg.QueuedAddrs() {
		dev, err := o.reg.Paired(addr)
		if err != nil {
			// Reset while queued.
			o.reg.Dequeue(addr)
			continue
		}
		if err := o.arb.Probe(ctx, dev); err != nil {
			o.log.Debug("reconnect probe failed", "addr", addr, "err", err)
			continue
		}
		o.reg.Dequeue(addr)
	}
}

// bindDevice routes a paired device's push events onto the bus. The
// subscription handle is kept for deterministic teardown on reset.
func (o *Orchestrator) bindDevice(dev *Device) {
	cancel := dev.handle.Subscribe(o.deviceEventHandler(dev))
	dev.mu.Lock()
	dev.unsub = cancel
	dev.mu.Unlock()
}

func (o *Orchestrator) deviceEventHandler(dev *Device) func(transport.DeviceEvent) {
	return func(ev transport.DeviceEvent) {
		switch ev.Type {
		case transport.EventConnected:
			dev.setConn(ConnConnected)
			o.bus.Emit(Event{Type: EventDeviceConnected, Data: map[string]interface{}{
				"address": dev.addr,
			}})
		case transport.EventDisconnected:
			dev.setConn(ConnDisconnected)
		case transport.EventLocked, transport.EventUnlocked:
			// Push signals are not re-emitted raw; the log replay confirms
			// the transition and emits the canonical notification.
			go o.reconcileDevice(dev)
		case transport.EventUpdated:
			if ev.Battery > 0 {
				dev.setBattery(ev.Battery)
			}
			o.bus.Emit(Event{Type: EventDeviceUpdated, Data: map[string]interface{}{
				"address": dev.addr,
				"battery": ev.Battery,
			}})
		case transport.EventCardScanStarted:
			o.bus.Emit(Event{Type: EventCardScanStarted, Data: map[string]interface{}{
				"address": dev.addr,
			}})
		case transport.EventFingerprintScanStarted:
			o.bus.Emit(Event{Type: EventFPScanStarted, Data: map[string]interface{}{
				"address": dev.addr,
			}})
		case transport.EventFingerprintScanProgress:
			o.bus.Emit(Event{Type: EventFPScanProgress, Data: map[string]interface{}{
				"address": dev.addr,
				"current": ev.Current,
				"total":   ev.Total,
			}})
		}
	}
}

// session serializes the operation on the device and runs it inside a radio
// session. Concurrent operations on one address queue up rather than
// interleave; see DESIGN.md.
func (o *Orchestrator) session(ctx context.Context, dev *Device, fn func(context.Context) error) error {
	dev.opMu.Lock()
	defer dev.opMu.Unlock()
	return o.arb.Session(ctx, dev, fn)
}

// Pair initializes a discovered lock, persists its key material, and moves
// it into the paired registry. Pairing an already paired address is a no-op.
func (o *Orchestrator) Pair(ctx context.Context, addr string) error {
	if _, err := o.reg.Paired(addr); err == nil {
		return nil
	}
	dev, err := o.reg.Unpaired(addr)
	if err != nil {
		return err
	}
	if dev.isPaired() {
		return nil
	}

	var key []byte
	err = o.session(ctx, dev, func(ctx context.Context) error {
		return guarded(ctx, timeoutInit, "initialize "+addr, func(c context.Context) error {
			var ierr error
			key, ierr = dev.handle.Initialize(c)
			return ierr
		})
	})
	if err != nil {
		return err
	}

	// Pairing succeeded on the device; capability flags are authoritative
	// from here on.
	feats := dev.handle.Features()
	dev.mu.Lock()
	dev.features = feats
	name := dev.name
	battery := dev.battery
	dev.mu.Unlock()

	now := time.Now()
	if err := o.db.SaveDevice(&store.Device{
		Address:     addr,
		Name:        name,
		Key:         key,
		Passcode:    feats.Passcode,
		Card:        feats.Card,
		Fingerprint: feats.Fingerprint,
		Sound:       feats.Sound,
		Battery:     battery,
		PairedAt:    now,
		LastSeen:    now,
	}); err != nil {
		return fmt.Errorf("persist device %s: %w", addr, err)
	}

	if _, err := o.reg.Promote(addr); err != nil {
		return err
	}
	o.bindDevice(dev)

	o.log.Info("lock paired", "addr", addr)
	o.bus.Emit(Event{Type: EventDevicePaired, Data: map[string]interface{}{"address": addr}})
	o.bus.Emit(Event{Type: EventDeviceListChanged, Data: map[string]interface{}{
		"reason":  "paired",
		"address": addr,
	}})

	// First connection of a fresh pairing: replay history and settle state.
	go o.reconcileDevice(dev)
	return nil
}

// Lock bolts the lock.
func (o *Orchestrator) Lock(ctx context.Context, addr string) error {
	dev, err := o.reg.Paired(addr)
	if err != nil {
		return err
	}
	err = o.session(ctx, dev, func(ctx context.Context) error {
		return guarded(ctx, timeoutLockOp, "lock "+addr, dev.handle.Lock)
	})
	if err != nil {
		return err
	}
	o.rec.emitStatus(dev, transport.StatusLocked)
	return nil
}

// Unlock withdraws the bolt.
func (o *Orchestrator) Unlock(ctx context.Context, addr string) error {
	dev, err := o.reg.Paired(addr)
	if err != nil {
		return err
	}
	err = o.session(ctx, dev, func(ctx context.Context) error {
		return guarded(ctx, timeoutLockOp, "unlock "+addr, dev.handle.Unlock)
	})
	if err != nil {
		return err
	}
	o.rec.emitStatus(dev, transport.StatusUnlocked)
	return nil
}

// SetAutoLock configures the relock timer; zero disables it.
func (o *Orchestrator) SetAutoLock(ctx context.Context, addr string, after time.Duration) error {
	dev, err := o.reg.Paired(addr)
	if err != nil {
		return err
	}
	return o.session(ctx, dev, func(ctx context.Context) error {
		return guarded(ctx, timeoutSettings, "set auto-lock "+addr, func(c context.Context) error {
			return dev.handle.SetAutoLock(c, after)
		})
	})
}

// SetAudio switches the speaker on or off.
func (o *Orchestrator) SetAudio(ctx context.Context, addr string, enabled bool) error {
	dev, err := o.reg.Paired(addr)
	if err != nil {
		return err
	}
	if !dev.featureSet().Sound {
		return fmt.Errorf("audio on %s: %w", addr, ErrUnsupported)
	}
	return o.session(ctx, dev, func(ctx context.Context) error {
		return guarded(ctx, timeoutSettings, "set audio "+addr, func(c context.Context) error {
			return dev.handle.SetAudio(c, enabled)
		})
	})
}

// Rename stores a friendly name for the device.
func (o *Orchestrator) Rename(addr, name string) error {
	dev, err := o.reg.Lookup(addr)
	if err != nil {
		return err
	}
	dev.setName(name)
	if dev.isPaired() {
		if err := o.db.UpdateDevice(addr, func(d *store.Device) error {
			d.Name = name
			return nil
		}); err != nil {
			return fmt.Errorf("persist name %s: %w", addr, err)
		}
	}
	o.bus.Emit(Event{Type: EventDeviceUpdated, Data: map[string]interface{}{
		"address": addr,
		"name":    name,
	}})
	return nil
}

// Reset restores factory state: on success the device's event binding is
// torn down, its key material dropped, and the address leaves the paired
// registry.
func (o *Orchestrator) Reset(ctx context.Context, addr string) error {
	dev, err := o.reg.Paired(addr)
	if err != nil {
		return err
	}
	err = o.session(ctx, dev, func(ctx context.Context) error {
		return guarded(ctx, timeoutReset, "factory reset "+addr, dev.handle.Reset)
	})
	if err != nil {
		return err
	}

	dev.mu.Lock()
	if dev.unsub != nil {
		dev.unsub()
		dev.unsub = nil
	}
	dev.mu.Unlock()

	if err := o.db.DeleteDevice(addr); err != nil {
		o.log.Warn("delete device record", "addr", addr, "err", err)
	}
	if err := o.reg.RemovePaired(addr); err != nil {
		return err
	}

	o.log.Info("lock reset", "addr", addr)
	o.bus.Emit(Event{Type: EventDeviceListChanged, Data: map[string]interface{}{
		"reason":  "reset",
		"address": addr,
	}})
	return nil
}

// OperationLog returns the enriched device log. With fresh unset a cached
// copy is served when available; a fresh fetch runs a full reconcile so
// replayed entries emit their notifications exactly once.
func (o *Orchestrator) OperationLog(ctx context.Context, addr string, fresh bool) ([]LogEntry, error) {
	dev, err := o.reg.Paired(addr)
	if err != nil {
		return nil, err
	}
	if !fresh {
		if cached := dev.cachedLog(); cached != nil {
			return cached, nil
		}
	}
	err = o.session(ctx, dev, func(ctx context.Context) error {
		return o.rec.Reconcile(ctx, dev)
	})
	if err != nil {
		return nil, err
	}
	return dev.cachedLog(), nil
}
