package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"lockhub/internal/transport"
)

// ScanController drives the discovery state machine: IDLE -> SCANNING ->
// IDLE. Scanning and connecting cannot share the radio, so reconnect
// attempts queue up and run once per scan stop, and device sessions block
// scan starts through the session gate.
type ScanController struct {
	tr  transport.Transport
	bus *EventBus
	log *slog.Logger

	autoStop  time.Duration
	maxCycles int
	settle    time.Duration

	// sessionGate reports an active device session; set during wiring.
	sessionGate func() bool
	// reconnectPass drains the pending-reconnect queue; set during wiring.
	reconnectPass func(ctx context.Context)

	mu       sync.Mutex
	scanning bool
	cycle    int
	timer    *time.Timer
}

func newScanController(tr transport.Transport, bus *EventBus, autoStop time.Duration, maxCycles int, settle time.Duration, logger *slog.Logger) *ScanController {
	return &ScanController{
		tr:        tr,
		bus:       bus,
		log:       logger.With("component", "scan"),
		autoStop:  autoStop,
		maxCycles: maxCycles,
		settle:    settle,
	}
}

// Scanning reports whether a discovery cycle is in progress.
func (s *ScanController) Scanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanning
}

// Start begins a fresh scan burst. Fails with ErrBusy while already
// scanning or while a device session holds the radio.
func (s *ScanController) Start(ctx context.Context) error {
	s.mu.Lock()
	s.cycle = 0
	s.mu.Unlock()
	return s.startCycle(ctx)
}

func (s *ScanController) startCycle(ctx context.Context) error {
	s.mu.Lock()
	if s.scanning {
		s.mu.Unlock()
		return fmt.Errorf("start scan: already scanning: %w", ErrBusy)
	}
	if s.sessionGate != nil && s.sessionGate() {
		s.mu.Unlock()
		return fmt.Errorf("start scan: device session active: %w", ErrBusy)
	}

	// The radio cannot monitor and discover at once.
	if err := s.tr.StopMonitor(ctx); err != nil {
		s.log.Warn("stop monitor", "err", err)
	}
	if err := s.tr.StartDiscovery(ctx); err != nil {
		if merr := s.tr.StartMonitor(ctx); merr != nil {
			s.log.Warn("restart monitor", "err", merr)
		}
		s.mu.Unlock()
		return classify("start discovery", err)
	}

	s.scanning = true
	s.cycle++
	cycle := s.cycle
	s.timer = time.AfterFunc(s.autoStop, func() {
		if err := s.stop(context.Background(), true); err != nil {
			s.log.Debug("auto-stop", "err", err)
		}
	})
	s.mu.Unlock()

	s.log.Info("scan started", "cycle", cycle)
	s.bus.Emit(Event{Type: EventScanStarted, Data: map[string]interface{}{"cycle": cycle}})
	return nil
}

// Stop halts an in-progress scan and ends the burst: the cycle counter
// resets, so no follow-up scan is armed.
func (s *ScanController) Stop(ctx context.Context) error {
	return s.stop(ctx, false)
}

func (s *ScanController) stop(ctx context.Context, auto bool) error {
	s.mu.Lock()
	if !s.scanning {
		s.mu.Unlock()
		return fmt.Errorf("stop scan: not scanning: %w", ErrBusy)
	}
	s.scanning = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if !auto {
		s.cycle = 0
	}
	again := auto && s.cycle < s.maxCycles

	var stopErr error
	if err := s.tr.StopDiscovery(ctx); err != nil {
		stopErr = classify("stop discovery", err)
		s.log.Warn("stop discovery", "err", err)
	}
	s.mu.Unlock()

	s.log.Info("scan stopped", "auto", auto)
	s.bus.Emit(Event{Type: EventScanStopped, Data: map[string]interface{}{"auto": auto}})

	// Queue drain and radio handover happen off the caller's goroutine; a
	// probe can take several seconds per address.
	go s.finish(again)
	return stopErr
}

// finish runs the post-scan reconnect pass, then either arms the next scan
// cycle or hands the radio back to the passive monitor.
func (s *ScanController) finish(again bool) {
	ctx := context.Background()
	if s.reconnectPass != nil {
		s.reconnectPass(ctx)
	}

	if again {
		err := s.startCycle(ctx)
		if err == nil {
			return
		}
		s.log.Warn("next scan cycle not started", "err", err)
	} else {
		s.mu.Lock()
		s.cycle = 0
		s.mu.Unlock()
	}

	time.Sleep(s.settle)
	if err := s.tr.StartMonitor(ctx); err != nil {
		s.log.Warn("resume monitor", "err", err)
	}
}
