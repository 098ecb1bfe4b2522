package fleet

import (
	"context"
	"log/slog"

	"lockhub/internal/store"
	"lockhub/internal/transport"
)

// Reconciler derives a lock's canonical state after a reconnect: it replays
// the device operation log into locked/unlocked notifications and squares
// the inferred result against a live status read. It is the only component
// allowed to turn raw history into external notifications, which keeps
// observers free of duplicate or stale transitions.
type Reconciler struct {
	db  store.Store
	bus *EventBus
	log *slog.Logger
}

func newReconciler(db store.Store, bus *EventBus, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		db:  db,
		bus: bus,
		log: logger.With("component", "reconcile"),
	}
}

// Reconcile runs inside an open session: fetch the operation log, enrich
// and replay entries past the device's high-water mark, then cross-check
// with a live status read. Entries already replayed once are never replayed
// again, so a fixed log yields each notification exactly once.
func (rc *Reconciler) Reconcile(ctx context.Context, dev *Device) error {
	var recs []transport.LogRecord
	err := guarded(ctx, timeoutLog, "operation log "+dev.addr, func(c context.Context) error {
		var lerr error
		recs, lerr = dev.handle.OperationLog(c)
		return lerr
	})
	if err != nil {
		return err
	}

	entries := make([]LogEntry, 0, len(recs))
	for _, r := range recs {
		entries = append(entries, rc.enrich(r))
	}

	dev.mu.Lock()
	mark := dev.logMark
	if mark > len(entries) {
		// The device rotated or truncated its log; start over.
		mark = 0
	}
	fresh := entries[mark:]
	dev.logMark = len(entries)
	dev.logCache = entries
	start := dev.lastStatus
	dev.mu.Unlock()

	// The mark survives restarts so replayed history is never re-announced.
	if dev.isPaired() {
		if err := rc.db.UpdateDevice(dev.addr, func(d *store.Device) error {
			d.LogMark = len(entries)
			return nil
		}); err != nil {
			rc.log.Warn("persist log mark", "addr", dev.addr, "err", err)
		}
	}

	inferred, determined := rc.replay(dev, fresh, start)

	var live transport.Status
	serr := guarded(ctx, timeoutStatus, "status "+dev.addr, func(c context.Context) error {
		var lerr error
		live, lerr = dev.handle.Status(c)
		return lerr
	})

	switch {
	case serr != nil:
		// The replayed history stands on its own; a failed live read only
		// loses the cross-check.
		rc.log.Warn("live status read failed", "addr", dev.addr, "err", serr)
	case determined && live != transport.StatusUnknown && live != inferred:
		// The log is stale relative to the physical state: one corrective
		// notification for the live status.
		rc.emitStatus(dev, live)
	case live != transport.StatusUnknown:
		// Recorded, not emitted: with no transitions inferred there is no
		// confirmed change to announce.
		rc.recordStatus(dev, live)
	}

	dev.mu.Lock()
	dev.reconciled = true
	dev.mu.Unlock()
	return nil
}

// enrich classifies a raw record and resolves its credential alias from the
// store. Aliases are only ever looked up, never invented; a record without
// a stored alias keeps an empty one.
func (rc *Reconciler) enrich(rec transport.LogRecord) LogEntry {
	cat, name := classifyRecord(rec.Code)
	e := LogEntry{
		Time:       rec.Time,
		Code:       rec.Code,
		Category:   cat,
		Name:       name,
		Credential: rec.Credential,
	}
	if rec.Credential == "" {
		return e
	}
	switch credentialKind(rec.Code) {
	case "card":
		if alias, err := rc.db.CardAlias(rec.Credential); err == nil {
			e.Alias = alias
		}
	case "fingerprint":
		if alias, err := rc.db.FingerprintAlias(rec.Credential); err == nil {
			e.Alias = alias
		}
	}
	return e
}

// replay folds entries into canonical notifications, one per category
// transition, starting from current. Consecutive duplicates collapse, so
// the same transition is never emitted twice in direct succession.
// determined reports whether any lock/unlock entry was seen at all.
func (rc *Reconciler) replay(dev *Device, entries []LogEntry, current transport.Status) (inferred transport.Status, determined bool) {
	inferred = current
	for _, e := range entries {
		var next transport.Status
		switch e.Category {
		case CategoryLock:
			next = transport.StatusLocked
		case CategoryUnlock:
			next = transport.StatusUnlocked
		default:
			continue
		}
		determined = true
		if next == inferred {
			continue
		}
		inferred = next
		rc.emitStatus(dev, next)
	}
	return inferred, determined
}

// emitStatus records st as the device's last known status and emits the
// matching canonical notification.
func (rc *Reconciler) emitStatus(dev *Device, st transport.Status) {
	rc.recordStatus(dev, st)

	typ := EventDeviceLocked
	if st == transport.StatusUnlocked {
		typ = EventDeviceUnlocked
	}
	rc.bus.Emit(Event{Type: typ, Data: map[string]interface{}{
		"address": dev.addr,
		"status":  string(st),
	}})
}

// recordStatus updates the runtime and persisted status without emitting.
func (rc *Reconciler) recordStatus(dev *Device, st transport.Status) {
	dev.setStatus(st)
	if !dev.isPaired() {
		return
	}
	err := rc.db.UpdateDevice(dev.addr, func(d *store.Device) error {
		d.LastStatus = string(st)
		return nil
	})
	if err != nil {
		rc.log.Warn("persist status", "addr", dev.addr, "err", err)
	}
}
