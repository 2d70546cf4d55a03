// Package transport owns the USB link to one driver board: claiming the
// vendor interface, running an async IN transfer ring and an OUT send queue,
// and reporting hot-plug arrival/departure. Grounded on
// _examples/original_source/API/include/dogbot/ComsUSB.hh and Coms.cc, wired
// to github.com/google/gousb the way other_examples' guiperry-HASHER
// usb_device.go opens a device, claims an interface, and drives endpoints.
package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/gousb"

	"dogbotctl/errcode"
	"dogbotctl/logx"
	"dogbotctl/packet"
)

// MaxPacketSize bounds a single USB transfer; every frame this protocol
// exchanges fits in one transfer (packet.MaxLen well under it).
const MaxPacketSize = 64

// inRingSize/outRingSize size the pre-submitted IN and free OUT slot pools
// the spec describes as two fixed pools of transfer slots.
const (
	inRingSize  = 8
	outRingSize = 8
)

// Sink receives complete frames read off a Transport's IN ring. Implemented
// by *router.Router.
type Sink interface {
	HandleFrame(t *Transport, frame []byte)
}

// inEndpoint and outEndpoint are the slivers of *gousb.InEndpoint/
// *gousb.OutEndpoint this package actually drives, so tests can supply a
// fake link instead of real hardware — the same trick the teacher's
// gpio_worker_test.go plays with its IRQPin interface.
type inEndpoint interface {
	ReadContext(ctx context.Context, buf []byte) (int, error)
}

type outEndpoint interface {
	WriteContext(ctx context.Context, buf []byte) (int, error)
}

// Transport owns exactly one USB device handle: the claimed interface and
// its IN/OUT endpoints, an IN reader goroutine per ring slot, and a single
// OUT writer goroutine draining a bounded send queue. Bridging (raw
// passthrough) is toggled per Transport, matching the wire protocol's
// BridgeMode frame, which carries no device id of its own.
type Transport struct {
	id      string // bus/address identity, for logging and hotplug diffing
	inEP    inEndpoint
	outEP   outEndpoint
	closeFn func() error

	sink Sink
	log  *logx.Logger

	txQueue chan []byte

	bridged   atomic.Bool
	bridgeOut chan []byte // frames read while bridged, for BridgedReader
	bridgeIn  chan []byte // frames to write while bridged, for BridgedWrite

	wg     sync.WaitGroup
	cancel context.CancelFunc
	done   chan struct{}

	droppedFrames atomic.Uint64
	txErrors      atomic.Uint64
}

// Open claims interface/alt-setting 0,0 on dev and the first IN/OUT bulk
// endpoints it finds, then starts the IN ring and OUT drain goroutines.
// sink receives every frame read off the wire until bridging is enabled.
func Open(id string, dev *gousb.Device, sink Sink) (*Transport, error) {
	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		return nil, &errcode.E{C: errcode.TransportError, Op: "transport.Open", Msg: "claim config", Err: err}
	}
	intf, err := cfg.Interface(0, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		return nil, &errcode.E{C: errcode.TransportError, Op: "transport.Open", Msg: "claim interface", Err: err}
	}

	var inEP *gousb.InEndpoint
	var outEP *gousb.OutEndpoint
	for _, epDesc := range intf.Setting.Endpoints {
		if epDesc.Direction == gousb.EndpointDirectionIn && inEP == nil {
			if ep, err := intf.InEndpoint(epDesc.Number); err == nil {
				inEP = ep
			}
		}
		if epDesc.Direction == gousb.EndpointDirectionOut && outEP == nil {
			if ep, err := intf.OutEndpoint(epDesc.Number); err == nil {
				outEP = ep
			}
		}
	}
	if inEP == nil || outEP == nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		return nil, &errcode.E{C: errcode.TransportError, Op: "transport.Open", Msg: "no bulk IN/OUT endpoint pair"}
	}

	closeFn := func() error {
		intf.Close()
		cfg.Close()
		return dev.Close()
	}
	return newTransport(id, inEP, outEP, closeFn, sink), nil
}

// newTransport wires an already-claimed endpoint pair into a running
// Transport; Open uses it with real gousb endpoints, tests with fakes.
func newTransport(id string, inEP inEndpoint, outEP outEndpoint, closeFn func() error, sink Sink) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		id: id, inEP: inEP, outEP: outEP, closeFn: closeFn,
		sink: sink, log: logx.Default.With("transport." + id),
		txQueue:   make(chan []byte, outRingSize*4),
		bridgeOut: make(chan []byte, 32),
		bridgeIn:  make(chan []byte, 32),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	t.wg.Add(inRingSize + 1)
	for i := 0; i < inRingSize; i++ {
		go t.inLoop(ctx)
	}
	go t.outLoop(ctx)

	return t
}

// ID identifies this transport's physical USB location, stable across
// re-enumeration only as long as the board stays in the same port.
func (t *Transport) ID() string { return t.id }

// inLoop repeatedly reads one transfer's worth of data and hands completed
// frames to the sink (or, while bridged, to BridgedReader), resubmitting
// immediately as the spec's IN-completion protocol requires.
func (t *Transport) inLoop(ctx context.Context) {
	defer t.wg.Done()
	buf := make([]byte, MaxPacketSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := t.inEP.ReadContext(ctx, buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.log.Warn("IN transfer failed, resubmitting", map[string]any{"transport": t.id, "err": err})
			continue
		}
		if n <= 0 {
			continue
		}
		frame := append([]byte(nil), buf[:n]...)
		if t.bridged.Load() {
			select {
			case t.bridgeOut <- frame:
			default:
				t.droppedFrames.Add(1)
			}
			continue
		}
		if _, verr := packet.Validate(frame); verr != nil {
			t.droppedFrames.Add(1)
			continue
		}
		if t.sink != nil {
			t.sink.HandleFrame(t, frame)
		}
	}
}

// outLoop is the single writer serializing every OUT transfer, preserving
// the FIFO ordering guarantee §5 requires within one transport.
func (t *Transport) outLoop(ctx context.Context) {
	defer t.wg.Done()
	for {
		var frame []byte
		select {
		case <-ctx.Done():
			return
		case frame = <-t.bridgeIn:
		case frame = <-t.txQueue:
		}
		if _, err := t.outEP.WriteContext(ctx, frame); err != nil {
			if ctx.Err() != nil {
				return
			}
			t.txErrors.Add(1)
			t.log.Warn("OUT transfer failed", map[string]any{"transport": t.id, "err": err})
		}
	}
}

// Send enqueues frame for transmission. Matches the spec's SendPacket: a
// bounded copy into the tx queue, picked up by the single OUT writer; the
// queue being full (the writer stalled) surfaces as a TransportError rather
// than blocking the caller.
func (t *Transport) Send(frame []byte) error {
	if len(frame) == 0 || len(frame) > MaxPacketSize {
		return &errcode.E{C: errcode.ProtocolError, Op: "transport.Send", Msg: fmt.Sprintf("bad frame length %d", len(frame))}
	}
	select {
	case t.txQueue <- append([]byte(nil), frame...):
		return nil
	default:
		return &errcode.E{C: errcode.TransportError, Op: "transport.Send", Msg: "tx queue full"}
	}
}

// EnableBridge flips this transport into raw passthrough: the IN loop stops
// validating/dispatching frames to sink and instead feeds BridgedReader, and
// frames passed to BridgedWrite go out alongside anything queued by Send,
// which keeps working. Sends the BridgeMode frame
// itself so the firmware side switches in lockstep.
func (t *Transport) EnableBridge() error {
	if err := t.Send(packet.EncodeBridgeMode(true)); err != nil {
		return err
	}
	t.bridged.Store(true)
	return nil
}

// DisableBridge restores normal frame interpretation.
func (t *Transport) DisableBridge() error {
	t.bridged.Store(false)
	return t.Send(packet.EncodeBridgeMode(false))
}

// Bridged reports whether this transport is currently in passthrough mode.
func (t *Transport) Bridged() bool { return t.bridged.Load() }

// BridgedReader returns the next raw frame read while bridged, blocking
// until one arrives or ctx is cancelled.
func (t *Transport) BridgedReader(ctx context.Context) ([]byte, error) {
	select {
	case f := <-t.bridgeOut:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// BridgedWrite queues a raw frame for transmission while bridged, bypassing
// protocol validation.
func (t *Transport) BridgedWrite(ctx context.Context, frame []byte) error {
	select {
	case t.bridgeIn <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats reports counters useful for diagnostics and the facade's status
// fan-out.
func (t *Transport) Stats() (dropped, txErrors uint64) {
	return t.droppedFrames.Load(), t.txErrors.Load()
}

// Close cancels all IN/OUT goroutines, waits for them to drain, then
// releases the interface, config, and device handle in reverse acquisition
// order — the Go equivalent of the spec's terminate-flag-plus-exit-ok-mutex
// teardown.
func (t *Transport) Close() error {
	t.cancel()
	t.wg.Wait()
	close(t.done)
	return t.closeFn()
}
