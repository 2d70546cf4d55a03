package servo

import (
	"testing"
	"time"

	"dogbotctl/packet"
)

type fakeSender struct {
	sent [][]byte
}

func (f *fakeSender) Send(frame []byte) error {
	f.sent = append(f.sent, append([]byte(nil), frame...))
	return nil
}

func newTestEngine() (*Engine, *fakeSender) {
	s := &fakeSender{}
	e := New(1, 0xAABB, 0xCCDD, "test", s)
	return e, s
}

func TestGetStateRequiresAbsolute(t *testing.T) {
	e, _ := newTestEngine()
	if _, _, _, _, ok := e.GetState(); ok {
		t.Fatal("expected GetState to fail before any absolute report")
	}
}

func TestHandlePacketServoReportTracksState(t *testing.T) {
	e, _ := newTestEngine()
	buf := packet.EncodeServoReport(1, packet.PositionAbsolute, 1.0, 0.5, packet.ControlPosition, false, 1)
	changed, err := e.HandlePacketServoReport(buf)
	if err != nil || !changed {
		t.Fatalf("changed=%v err=%v", changed, err)
	}
	_, position, _, torque, ok := e.GetState()
	if !ok {
		t.Fatal("expected GetState to succeed after absolute report")
	}
	if position != 1.0 || torque != 0.5 {
		t.Fatalf("position=%v torque=%v", position, torque)
	}
}

func TestDemandPositionRejectedUntilHomed(t *testing.T) {
	e, _ := newTestEngine()
	if err := e.DemandPosition(1.0, 2.0); err == nil {
		t.Fatal("expected not-homed error before any absolute report")
	}
}

func TestDemandPositionAcceptedAfterAbsoluteReport(t *testing.T) {
	e, s := newTestEngine()
	e.HandlePacketServoReport(packet.EncodeServoReport(1, packet.PositionAbsolute, 0, 0, packet.ControlPosition, false, 1))
	if err := e.DemandPosition(1.0, 2.0); err != nil {
		t.Fatalf("DemandPosition: %v", err)
	}
	if len(s.sent) == 0 {
		t.Fatal("expected a frame to be sent")
	}
}

func TestHandlePacketReportParamVelocityLimitDoesNotHitVelocityIGain(t *testing.T) {
	e, _ := newTestEngine()
	// Write a distinguishable value into VelocityIGain first.
	e.HandlePacketReportParam(packetSetParamFrame(packet.ParamVelocityIGain, 42.0))
	// Now report a VelocityLimit value and confirm VelocityIGain is untouched.
	changed, err := e.HandlePacketReportParam(packetSetParamFrame(packet.ParamVelocityLimit, 99.0))
	if err != nil || !changed {
		t.Fatalf("changed=%v err=%v", changed, err)
	}
	e.state.Lock()
	igain := e.state.velocityIGain
	vlimit := e.state.velocityLimit
	e.state.Unlock()
	if igain != 42.0 {
		t.Fatalf("velocityIGain = %v, want unaffected 42.0 (bug would overwrite it)", igain)
	}
	if vlimit != 99.0 {
		t.Fatalf("velocityLimit = %v, want 99.0", vlimit)
	}
}

func packetSetParamFrame(idx packet.ParamIndex, v float32) []byte {
	// A ReportParam frame as the device would send it back.
	return packet.EncodeReportParam(1, idx, packet.ParamPayloadF32(v))
}

func TestUpdateTickMarksLostContactAfterTimeout(t *testing.T) {
	e, _ := newTestEngine()
	e.state.Lock()
	e.state.faultCode = FaultCode(7) // any non-Unknown fault
	e.state.timeOfLastComs = time.Now().Add(-time.Hour)
	e.state.Unlock()

	changed := e.UpdateTick(time.Now())
	if !changed {
		t.Fatal("expected UpdateTick to report a change on lost contact")
	}
	e.state.Lock()
	fc := e.state.faultCode
	e.state.Unlock()
	if fc != FaultUnknown {
		t.Fatalf("faultCode = %v, want FaultUnknown after timeout reset", fc)
	}
}
