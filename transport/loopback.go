package transport

import (
	"context"
	"sync"
)

// Loopback is an in-process stand-in for a claimed USB endpoint pair, usable
// by any package's tests that need a *Transport without real hardware (the
// router and facade packages drive their own dispatch logic against this
// rather than re-implementing transport's own fakeLink test double).
type Loopback struct {
	toHost chan []byte

	mu       sync.Mutex
	fromHost [][]byte
}

// NewLoopback builds a Transport backed by an in-memory link. Deliver
// injects a frame as if received from the device; Written returns every
// frame sent so far.
func NewLoopback(id string, sink Sink) (*Transport, *Loopback) {
	lb := &Loopback{toHost: make(chan []byte, 32)}
	return newTransport(id, lb, lb, func() error { return nil }, sink), lb
}

func (l *Loopback) ReadContext(ctx context.Context, buf []byte) (int, error) {
	select {
	case frame := <-l.toHost:
		return copy(buf, frame), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (l *Loopback) WriteContext(ctx context.Context, buf []byte) (int, error) {
	l.mu.Lock()
	l.fromHost = append(l.fromHost, append([]byte(nil), buf...))
	l.mu.Unlock()
	return len(buf), nil
}

// Deliver simulates a frame arriving from the device.
func (l *Loopback) Deliver(frame []byte) { l.toHost <- frame }

// Written returns every frame written to the device so far.
func (l *Loopback) Written() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.fromHost...)
}
