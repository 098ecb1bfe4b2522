package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Arbiter is the single choke point for radio connections. It refuses to
// connect while discovery owns the radio, connects only when needed, and
// guarantees that every successful connect is matched by exactly one
// disconnect before the triggering operation returns.
type Arbiter struct {
	log      *slog.Logger
	scanning func() bool
	active   atomic.Int32
}

func newArbiter(scanning func() bool, logger *slog.Logger) *Arbiter {
	return &Arbiter{
		log:      logger.With("component", "arbiter"),
		scanning: scanning,
	}
}

// Active reports whether any device session currently holds the radio.
func (a *Arbiter) Active() bool {
	return a.active.Load() > 0
}

// ensureConnected fails with ErrBusy while a scan is in progress, before
// anything touches the transport. An already connected device succeeds
// trivially. A failed connect (timeout included) gets one best-effort
// cleanup disconnect.
func (a *Arbiter) ensureConnected(ctx context.Context, dev *Device) error {
	if a.scanning() {
		return fmt.Errorf("connect %s: scan in progress: %w", dev.addr, ErrBusy)
	}
	if dev.handle.Connected() {
		return nil
	}
	dev.setConn(ConnConnecting)
	if err := guarded(ctx, timeoutConnect, "connect "+dev.addr, dev.handle.Connect); err != nil {
		a.cleanup(dev)
		return err
	}
	dev.setConn(ConnConnected)
	return nil
}

// cleanup is the best-effort disconnect after a failure or at session end.
// Its own failure is logged and swallowed: raising during cleanup would
// mask the original error.
func (a *Arbiter) cleanup(dev *Device) {
	ctx, cancel := context.WithTimeout(context.Background(), timeoutDisconnect)
	defer cancel()
	if err := dev.handle.Disconnect(ctx); err != nil {
		a.log.Warn("cleanup disconnect failed", "addr", dev.addr, "err", err)
	}
	dev.setConn(ConnDisconnected)
}

// Session runs fn against a connected device. The connect it opens is
// closed on every exit path, fn success included; a session nested inside
// an already open one leaves the outer connection alone.
func (a *Arbiter) Session(ctx context.Context, dev *Device, fn func(context.Context) error) error {
	a.active.Add(1)
	defer a.active.Add(-1)

	opened := !dev.handle.Connected()
	if err := a.ensureConnected(ctx, dev); err != nil {
		return err
	}
	if opened {
		defer a.cleanup(dev)
	}
	return fn(ctx)
}

// Probe is a reachability check, not a working session: connect, then
// disconnect immediately.
func (a *Arbiter) Probe(ctx context.Context, dev *Device) error {
	return a.Session(ctx, dev, func(context.Context) error { return nil })
}
