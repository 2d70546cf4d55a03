package router

import (
	"testing"
	"time"

	"dogbotctl/packet"
	"dogbotctl/transport"
)

// fakeEngine is a minimal hand-rolled Engine double, in the same style as
// homing's fakeJoint: just enough state to assert dispatch and rebind
// behaviour without pulling in the real servo protocol engine.
type fakeEngine struct {
	id         byte
	uid1, uid2 uint32

	pongs       int
	reports     int
	reportParam int
	announces   int
	lastAnnounceIsManager bool
	announceRebind        bool
}

func (f *fakeEngine) ID() byte             { return f.id }
func (f *fakeEngine) UID() (uint32, uint32) { return f.uid1, f.uid2 }
func (f *fakeEngine) SetID(id byte)        { f.id = id }
func (f *fakeEngine) HandlePacketPong(buf []byte) error {
	f.pongs++
	return nil
}
func (f *fakeEngine) HandlePacketServoReport(buf []byte) (bool, error) {
	f.reports++
	return true, nil
}
func (f *fakeEngine) HandlePacketAnnounce(buf []byte, isManager bool) (bool, error) {
	f.announces++
	f.lastAnnounceIsManager = isManager
	return f.announceRebind, nil
}
func (f *fakeEngine) HandlePacketReportParam(buf []byte) (bool, error) {
	f.reportParam++
	return true, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for condition")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestHandleFrameDispatchesPongToRegisteredEngine(t *testing.T) {
	r := New(false)
	e := &fakeEngine{id: 5}
	r.RegisterDevice(e)
	tp, lb := transport.NewLoopback("test", r)
	r.AttachTransport(tp)
	defer tp.Close()

	lb.Deliver(packet.EncodePong(5))
	waitFor(t, func() bool { return e.pongs == 1 })
}

func TestHandleFrameDropsUnknownDeviceID(t *testing.T) {
	r := New(false)
	tp, lb := transport.NewLoopback("test", r)
	r.AttachTransport(tp)
	defer tp.Close()

	lb.Deliver(packet.EncodePong(9))
	waitFor(t, func() bool { return r.DroppedFrames() == 1 })
}

func TestSenderRoutesToLastOwningTransport(t *testing.T) {
	r := New(false)
	e := &fakeEngine{id: 7}
	r.RegisterDevice(e)
	tp, lb := transport.NewLoopback("test", r)
	r.AttachTransport(tp)
	defer tp.Close()

	// Establish ownership the same way a real report would.
	lb.Deliver(packet.EncodePong(7))
	waitFor(t, func() bool { return e.pongs == 1 })

	sender := r.Sender(7)
	if err := sender.Send(packet.EncodePing(7)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, func() bool { return len(lb.Written()) == 1 })
}

func TestSenderErrorsWithNoKnownOwner(t *testing.T) {
	r := New(false)
	sender := r.Sender(3)
	if err := sender.Send(packet.EncodePing(3)); err == nil {
		t.Fatal("expected error sending to an unbound device id")
	}
}

func TestAnnounceFromKnownDeviceAsksItToRebindRatherThanAdoptingAnnouncedID(t *testing.T) {
	r := New(true)
	e := &fakeEngine{id: 5, uid1: 111, uid2: 222}
	r.RegisterDevice(e)
	tp, lb := transport.NewLoopback("test", r)
	r.AttachTransport(tp)
	defer tp.Close()

	// Device announces a stale id (3), but this router must never adopt the
	// announced id directly — only the engine's own HandlePacketAnnounce may
	// correct the firmware's assignment.
	lb.Deliver(packet.EncodeAnnounce(3, 111, 222))
	waitFor(t, func() bool { return e.announces == 1 })

	if e.ID() != 5 {
		t.Fatalf("engine id mutated by announce: got %d, want 5", e.ID())
	}
	if !e.lastAnnounceIsManager {
		t.Fatal("expected isManager=true forwarded to engine")
	}
}

func TestAnnounceWithZeroIDAllocatesFreeIDForKnownDevice(t *testing.T) {
	r := New(true)
	e := &fakeEngine{id: 5, uid1: 111, uid2: 222}
	r.RegisterDevice(e)
	tp, lb := transport.NewLoopback("test", r)
	r.AttachTransport(tp)
	defer tp.Close()

	lb.Deliver(packet.EncodeAnnounce(0, 111, 222))
	waitFor(t, func() bool { return e.ID() == 1 })

	waitFor(t, func() bool { return len(lb.Written()) == 1 })
	got := lb.Written()[0]
	newID, uid0, uid1, err := packet.DecodeSetDeviceId(got)
	if err != nil {
		t.Fatalf("DecodeSetDeviceId: %v", err)
	}
	if newID != 1 || uid0 != 111 || uid1 != 222 {
		t.Fatalf("unexpected SetDeviceId frame: id=%d uid0=%d uid1=%d", newID, uid0, uid1)
	}
}

func TestAnnounceWithZeroIDFromUnknownDeviceNotifiesOnNewDevice(t *testing.T) {
	r := New(true)
	tp, lb := transport.NewLoopback("test", r)
	r.AttachTransport(tp)
	defer tp.Close()

	var gotID byte
	var gotUID1, gotUID2 uint32
	done := make(chan struct{})
	r.OnNewDevice(func(id byte, uid1, uid2 uint32, tp *transport.Transport) {
		gotID, gotUID1, gotUID2 = id, uid1, uid2
		close(done)
	})

	lb.Deliver(packet.EncodeAnnounce(0, 42, 43))
	waitFor(t, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	})
	if gotID != 1 || gotUID1 != 42 || gotUID2 != 43 {
		t.Fatalf("unexpected callback args: id=%d uid1=%d uid2=%d", gotID, gotUID1, gotUID2)
	}
}

func TestBroadcastSendsToEveryTransport(t *testing.T) {
	r := New(false)
	tp1, lb1 := transport.NewLoopback("a", r)
	tp2, lb2 := transport.NewLoopback("b", r)
	r.AttachTransport(tp1)
	r.AttachTransport(tp2)
	defer tp1.Close()
	defer tp2.Close()

	r.Broadcast(packet.EncodeEmergencyStop())
	waitFor(t, func() bool { return len(lb1.Written()) == 1 && len(lb2.Written()) == 1 })
}

func TestDetachTransportClearsOwnership(t *testing.T) {
	r := New(false)
	e := &fakeEngine{id: 4}
	r.RegisterDevice(e)
	tp, lb := transport.NewLoopback("test", r)
	r.AttachTransport(tp)

	lb.Deliver(packet.EncodePong(4))
	waitFor(t, func() bool { return e.pongs == 1 })

	r.DetachTransport(tp)
	tp.Close()

	if err := r.Sender(4).Send(packet.EncodePing(4)); err == nil {
		t.Fatal("expected send to fail after transport detached")
	}
}
