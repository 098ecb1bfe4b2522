// Package bleproxy implements the lock transport over a serial BLE gateway.
// The gateway firmware owns the radio and the GATT plumbing; the host speaks
// the framed wire protocol to it over USB CDC ACM.
package bleproxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"lockhub/internal/transport"
	"lockhub/internal/transport/wire"
)

var errClosed = errors.New("bleproxy: gateway closed")

// Proxy is the transport backend for a serial BLE gateway.
type Proxy struct {
	logger *slog.Logger
	port   serial.Port
	reader *bufio.Reader

	writeMu sync.Mutex
	seq     atomic.Uint32

	pendingMu sync.Mutex
	pending   map[uint8]chan *wire.Frame

	handlerMu sync.RWMutex
	onAdv     func(transport.Advertisement)

	devMu   sync.Mutex
	devices map[string]*proxyLock

	// lifecycleMu protects concurrent Close access to port, done, closeOnce.
	lifecycleMu sync.Mutex
	done        chan struct{}
	closeOnce   sync.Once
	closed      bool
	wg          sync.WaitGroup
}

// New opens the gateway serial port and starts the read loop.
func New(portName string, baudRate int, logger *slog.Logger) (*Proxy, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("bleproxy: open %s: %w", portName, err)
	}

	// USB CDC ACM: assert DTR/RTS for the gateway firmware.
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)

	p := &Proxy{
		logger:  logger,
		port:    port,
		reader:  bufio.NewReader(port),
		pending: make(map[uint8]chan *wire.Frame),
		devices: make(map[string]*proxyLock),
		done:    make(chan struct{}),
	}
	p.wg.Add(1)
	go p.readLoop()
	return p, nil
}

// Handshake queries the gateway firmware version. Called once at startup to
// verify the port really has a gateway on the other end.
func (p *Proxy) Handshake(ctx context.Context) (string, error) {
	body, err := p.request(ctx, wire.OpVersion, nil)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// nextSeq allocates the next command sequence number.
func (p *Proxy) nextSeq() uint8 {
	return uint8(p.seq.Add(1))
}

// request sends a command and waits for the matching reply. The returned
// slice is the reply body after the status byte.
func (p *Proxy) request(ctx context.Context, op uint8, args []byte) ([]byte, error) {
	seq := p.nextSeq()

	ch := make(chan *wire.Frame, 1)
	p.pendingMu.Lock()
	p.pending[seq] = ch
	p.pendingMu.Unlock()
	defer func() {
		p.pendingMu.Lock()
		delete(p.pending, seq)
		p.pendingMu.Unlock()
	}()

	cmd := make([]byte, 0, 1+len(args))
	cmd = append(cmd, op)
	cmd = append(cmd, args...)
	if err := p.write(wire.EncodeFrame(wire.FrameCommand, seq, cmd)); err != nil {
		return nil, fmt.Errorf("bleproxy: write %s: %w", wire.OpName(op), err)
	}

	name := wire.OpName(op)
	p.logger.Debug("gateway TX", "cmd", name, "seq", seq, "args", fmt.Sprintf("%X", args))

	select {
	case resp := <-ch:
		if resp == nil {
			return nil, errClosed
		}
		if len(resp.Payload) == 0 {
			return nil, fmt.Errorf("bleproxy: %s: empty reply", name)
		}
		if code := resp.Payload[0]; code != wire.ReplyOK {
			p.logger.Warn("gateway RX", "cmd", name, "seq", seq, "status", wire.StatusName(code))
			return nil, fmt.Errorf("bleproxy: %s: %s", name, wire.StatusName(code))
		}
		p.logger.Debug("gateway RX", "cmd", name, "seq", seq, "len", len(resp.Payload)-1)
		return resp.Payload[1:], nil
	case <-ctx.Done():
		p.logger.Warn("gateway timeout", "cmd", name, "seq", seq, "err", ctx.Err())
		return nil, ctx.Err()
	case <-p.done:
		return nil, errClosed
	}
}

// deviceRequest issues a command scoped to one device.
func (p *Proxy) deviceRequest(ctx context.Context, op uint8, mac [wire.AddrSize]byte, args []byte) ([]byte, error) {
	buf := make([]byte, 0, wire.AddrSize+len(args))
	buf = append(buf, mac[:]...)
	buf = append(buf, args...)
	return p.request(ctx, op, buf)
}

func (p *Proxy) write(raw []byte) error {
	p.writeMu.Lock()
	_, err := p.port.Write(raw)
	p.writeMu.Unlock()
	return err
}

// --- Read loop ---

func (p *Proxy) readLoop() {
	defer p.wg.Done()

	backoff := 10 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		select {
		case <-p.done:
			return
		default:
		}

		raw, err := wire.ReadRawFrame(p.reader)
		if err != nil {
			select {
			case <-p.done:
				return
			default:
				if err != io.EOF && !strings.Contains(err.Error(), "closed") {
					p.logger.Error("bleproxy read error", "err", err)
				}
				select {
				case <-time.After(backoff):
				case <-p.done:
					return
				}
				if backoff < maxBackoff {
					backoff *= 2
					if backoff > maxBackoff {
						backoff = maxBackoff
					}
				}
				continue
			}
		}
		backoff = 10 * time.Millisecond

		f, err := wire.DecodeFrame(raw)
		if err != nil {
			p.logger.Warn("bleproxy decode error", "err", err)
			continue
		}

		switch f.Type {
		case wire.FrameReply:
			p.pendingMu.Lock()
			ch, ok := p.pending[f.Seq]
			p.pendingMu.Unlock()
			if ok {
				select {
				case ch <- f:
				default:
				}
			} else {
				status := "no status"
				if len(f.Payload) > 0 {
					status = wire.StatusName(f.Payload[0])
				}
				p.logger.Warn("bleproxy orphaned reply (too late)", "seq", f.Seq, "status", status)
			}

		case wire.FrameEvent:
			p.handleEvent(f)

		default:
			p.logger.Warn("bleproxy unexpected frame from gateway", "type", f.Type, "seq", f.Seq)
		}
	}
}

func (p *Proxy) handleEvent(f *wire.Frame) {
	if len(f.Payload) < 1+wire.AddrSize {
		p.logger.Warn("bleproxy short event", "len", len(f.Payload))
		return
	}
	evt := f.Payload[0]
	addr := wire.UnpackAddr(f.Payload[1 : 1+wire.AddrSize])
	body := f.Payload[1+wire.AddrSize:]

	if evt == wire.EvtAdvertisement {
		adv, err := wire.ParseAdvertisement(addr, body)
		if err != nil {
			p.logger.Warn("bleproxy bad advertisement", "addr", addr, "err", err)
			return
		}
		p.logger.Debug("gateway advertisement", "addr", addr, "rssi", adv.RSSI, "initialized", adv.Initialized)
		p.observeAdvertisement(adv)

		p.handlerMu.RLock()
		handler := p.onAdv
		p.handlerMu.RUnlock()
		if handler != nil {
			handler(adv)
		}
		return
	}

	p.devMu.Lock()
	lk := p.devices[addr]
	p.devMu.Unlock()
	if lk == nil {
		p.logger.Debug("bleproxy event for unknown device", "event", wire.EventName(evt), "addr", addr)
		return
	}
	lk.handleEvent(evt, body)
}

// observeAdvertisement refreshes the cached metadata on an already
// materialized handle.
func (p *Proxy) observeAdvertisement(adv transport.Advertisement) {
	p.devMu.Lock()
	lk := p.devices[adv.Address]
	p.devMu.Unlock()
	if lk != nil {
		lk.observe(adv)
	}
}

// --- transport.Transport ---

func (p *Proxy) StartDiscovery(ctx context.Context) error {
	_, err := p.request(ctx, wire.OpScanStart, nil)
	return err
}

func (p *Proxy) StopDiscovery(ctx context.Context) error {
	_, err := p.request(ctx, wire.OpScanStop, nil)
	return err
}

func (p *Proxy) StartMonitor(ctx context.Context) error {
	_, err := p.request(ctx, wire.OpMonitorStart, nil)
	return err
}

func (p *Proxy) StopMonitor(ctx context.Context) error {
	_, err := p.request(ctx, wire.OpMonitorStop, nil)
	return err
}

func (p *Proxy) Device(addr string, key []byte) (transport.Lock, error) {
	mac, canonical, err := wire.PackAddr(addr)
	if err != nil {
		return nil, err
	}

	p.devMu.Lock()
	defer p.devMu.Unlock()
	if lk, ok := p.devices[canonical]; ok {
		if key != nil {
			lk.setKey(key)
		}
		return lk, nil
	}
	lk := newProxyLock(p, canonical, mac, key)
	p.devices[canonical] = lk
	return lk, nil
}

func (p *Proxy) OnDiscovered(handler func(transport.Advertisement)) {
	p.handlerMu.Lock()
	p.onAdv = handler
	p.handlerMu.Unlock()
}

func (p *Proxy) Close() error {
	p.lifecycleMu.Lock()
	if p.closed {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.closed = true
	p.closeOnce.Do(func() { close(p.done) })
	err := p.port.Close()
	p.lifecycleMu.Unlock()

	p.wg.Wait()

	p.pendingMu.Lock()
	for seq, ch := range p.pending {
		close(ch)
		delete(p.pending, seq)
	}
	p.pendingMu.Unlock()

	return err
}
