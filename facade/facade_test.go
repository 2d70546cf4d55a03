package facade

import (
	"context"
	"testing"
	"time"

	"dogbotctl/bus"
	"dogbotctl/config"
	"dogbotctl/packet"
	"dogbotctl/transport"
)

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

// TestApplyConfigRegistersDeviceAndTracksReports exercises the facade's
// device registry and monitor tick against a transport.Loopback standing in
// for a claimed USB endpoint pair, the same double router_test.go uses
// instead of real hardware.
func TestApplyConfigRegistersDeviceAndTracksReports(t *testing.T) {
	b := bus.NewBus(16)
	conn := b.NewConnection("test")
	f := New(0x1234, 0x5678, conn)

	tp, lb := transport.NewLoopback("dev0", f.router)
	f.router.AttachTransport(tp)
	defer tp.Close()

	doc := &config.Document{Servos: []config.Servo{
		{Name: "hip", DeviceID: 1, UID1: 0xAABB, UID2: 0xCCDD, Enabled: true},
	}}
	if err := f.ApplyConfig(doc); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}

	devices := f.Devices()
	if len(devices) != 1 || devices[0].Name != "hip" {
		t.Fatalf("expected one device named hip, got %+v", devices)
	}

	lb.Deliver(packet.EncodeServoReport(1, packet.PositionAbsolute, 1.5, 0.2, packet.ControlPosition, false, 1))
	waitFor(t, func() bool {
		for _, d := range f.Devices() {
			if d.Name == "hip" && d.Position == 1.5 {
				return true
			}
		}
		return false
	})

	statusSub := conn.Subscribe(StatusTopic("hip"))
	defer conn.Unsubscribe(statusSub)

	f.tick(time.Now())

	select {
	case msg := <-statusSub.Channel():
		st, ok := msg.Payload.(DeviceStatus)
		if !ok || st.Name != "hip" {
			t.Fatalf("unexpected status payload: %#v", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for device status publish")
	}
}

// TestApplyConfigRemovesDroppedServo confirms a servo absent from a later
// ApplyConfig call is torn down, mirroring hal.applyConfig's idempotent
// reconciliation.
func TestApplyConfigRemovesDroppedServo(t *testing.T) {
	b := bus.NewBus(16)
	conn := b.NewConnection("test2")
	f := New(0x1234, 0x5678, conn)

	doc := &config.Document{Servos: []config.Servo{{Name: "hip", DeviceID: 1}}}
	if err := f.ApplyConfig(doc); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	if len(f.Devices()) != 1 {
		t.Fatalf("expected one device")
	}

	if err := f.ApplyConfig(&config.Document{}); err != nil {
		t.Fatalf("ApplyConfig (empty): %v", err)
	}
	if len(f.Devices()) != 0 {
		t.Fatalf("expected servo to be deregistered, got %+v", f.Devices())
	}
}

// TestHandleControlDemandPosition drives the bus control path end to end:
// publishing onto servo/<name>/control/demand_position must reach the
// registered engine and produce a wire send.
func TestHandleControlDemandPosition(t *testing.T) {
	b := bus.NewBus(16)
	conn := b.NewConnection("test3")
	f := New(0x1234, 0x5678, conn)

	tp, lb := transport.NewLoopback("dev0", f.router)
	f.router.AttachTransport(tp)
	defer tp.Close()

	doc := &config.Document{Servos: []config.Servo{{Name: "hip", DeviceID: 1}}}
	if err := f.ApplyConfig(doc); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	// DemandPosition only takes effect once the engine has seen an absolute
	// report (servo.Engine's not-homed guard), same precondition
	// servo_test.go's TestDemandPositionAcceptedAfterAbsoluteReport exercises.
	lb.Deliver(packet.EncodeServoReport(1, packet.PositionAbsolute, 0, 0, packet.ControlPosition, false, 1))
	waitFor(t, func() bool {
		for _, d := range f.Devices() {
			if d.Name == "hip" {
				return true
			}
		}
		return false
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.loop(ctx)

	msg := conn.NewMessage(bus.Topic{"servo", "hip", "control", "demand_position"},
		map[string]any{"position": 1.0, "torque_limit": 2.0}, false)
	conn.Publish(msg)

	waitFor(t, func() bool { return len(lb.Written()) > 0 })
}
