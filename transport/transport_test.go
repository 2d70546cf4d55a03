package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"dogbotctl/packet"
)

// fakeLink is a hand-rolled in-process stand-in for a claimed USB endpoint
// pair, in the teacher's fakeIRQPin style: no real hardware, just enough
// behaviour to drive the code under test.
type fakeLink struct {
	toHost chan []byte // frames the "device" wants to deliver to the host

	mu       sync.Mutex
	fromHost [][]byte // frames written out by the transport
}

func newFakeLink() *fakeLink {
	return &fakeLink{toHost: make(chan []byte, 16)}
}

func (f *fakeLink) ReadContext(ctx context.Context, buf []byte) (int, error) {
	select {
	case frame := <-f.toHost:
		return copy(buf, frame), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (f *fakeLink) WriteContext(ctx context.Context, buf []byte) (int, error) {
	f.mu.Lock()
	f.fromHost = append(f.fromHost, append([]byte(nil), buf...))
	f.mu.Unlock()
	return len(buf), nil
}

func (f *fakeLink) written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.fromHost...)
}

type fakeSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *fakeSink) HandleFrame(t *Transport, frame []byte) {
	s.mu.Lock()
	s.frames = append(s.frames, append([]byte(nil), frame...))
	s.mu.Unlock()
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func TestTransportSendWritesFrame(t *testing.T) {
	link := newFakeLink()
	tr := newTransport("test", link, link, func() error { return nil }, &fakeSink{})
	defer tr.Close()

	frame := packet.EncodePing(5)
	if err := tr.Send(frame); err != nil {
		t.Fatalf("Send: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		if got := link.written(); len(got) == 1 {
			if got[0][0] != byte(packet.TypePing) || got[0][1] != 5 {
				t.Fatalf("unexpected frame written: %v", got[0])
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for frame to be written")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestTransportDispatchesValidFramesToSink(t *testing.T) {
	link := newFakeLink()
	sink := &fakeSink{}
	tr := newTransport("test", link, link, func() error { return nil }, sink)
	defer tr.Close()

	link.toHost <- packet.EncodePong(3)

	deadline := time.After(time.Second)
	for sink.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for frame dispatch")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestTransportDropsMalformedFrames(t *testing.T) {
	link := newFakeLink()
	sink := &fakeSink{}
	tr := newTransport("test", link, link, func() error { return nil }, sink)
	defer tr.Close()

	link.toHost <- []byte{0xFF, 0xFF, 0xFF} // unknown type, bad length

	time.Sleep(20 * time.Millisecond)
	if sink.count() != 0 {
		t.Fatalf("expected malformed frame to be dropped, sink got %d frames", sink.count())
	}
	dropped, _ := tr.Stats()
	if dropped == 0 {
		t.Fatal("expected dropped-frame counter to increment")
	}
}

func TestBridgeModeBypassesFrameValidation(t *testing.T) {
	link := newFakeLink()
	sink := &fakeSink{}
	tr := newTransport("test", link, link, func() error { return nil }, sink)
	defer tr.Close()

	if err := tr.EnableBridge(); err != nil {
		t.Fatalf("EnableBridge: %v", err)
	}
	if !tr.Bridged() {
		t.Fatal("expected Bridged() true after EnableBridge")
	}

	raw := []byte{0xAA, 0xBB, 0xCC} // not a valid frame, must still reach the bridge reader
	link.toHost <- raw

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := tr.BridgedReader(ctx)
	if err != nil {
		t.Fatalf("BridgedReader: %v", err)
	}
	if len(got) != len(raw) {
		t.Fatalf("got %v, want %v", got, raw)
	}
	if sink.count() != 0 {
		t.Fatal("sink should not receive frames while bridged")
	}
}
