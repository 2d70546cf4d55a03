package homing

import (
	"context"
	"testing"
	"time"

	"dogbotctl/notify"
	"dogbotctl/packet"
)

// fakeJoint is a minimal hand-rolled Joint double, matching the teacher's
// style of testing against small fakes rather than mocking frameworks.
type fakeJoint struct {
	name       string
	ready      bool
	posRef     packet.PositionReference
	position   float64
	velocity   float64
	torque     float64
	indexState bool

	reg   *notify.Registry[PositionUpdateFunc]
	sends []float64
}

func newFakeJoint() *fakeJoint {
	return &fakeJoint{name: "test", ready: true, posRef: packet.PositionRelative, reg: notify.New[PositionUpdateFunc]()}
}

func (f *fakeJoint) Name() string                                 { return f.name }
func (f *fakeJoint) ControlStateReady() bool                      { return f.ready }
func (f *fakeJoint) PositionReference() packet.PositionReference  { return f.posRef }
func (f *fakeJoint) CurrentState() (float64, float64, float64, bool) {
	return f.position, f.velocity, f.torque, f.indexState
}
func (f *fakeJoint) SetVelocityLimitSlow() error   { return nil }
func (f *fakeJoint) SetControlModePosition() error { return nil }
func (f *fakeJoint) DemandPositionRef(position, torqueLimit float64, posRef packet.PositionReference) error {
	f.sends = append(f.sends, position)
	return nil
}
func (f *fakeJoint) AddPositionRefUpdateCallback(fn PositionUpdateFunc) notify.Handle {
	return f.reg.Add(fn)
}
func (f *fakeJoint) RemovePositionRefUpdateCallback(h notify.Handle) { f.reg.Remove(h) }

func (f *fakeJoint) fire(position, velocity, torque float64, homed bool) {
	for _, fn := range f.reg.Snapshot() {
		fn(time.Now(), position, velocity, torque, f.posRef, f.indexState, homed)
	}
}

func TestRunAlreadyAbsoluteReturnsHomedImmediately(t *testing.T) {
	j := newFakeJoint()
	j.posRef = packet.PositionAbsolute
	homed, err := Run(context.Background(), j, Options{})
	if err != nil || !homed {
		t.Fatalf("homed=%v err=%v, want true,nil", homed, err)
	}
}

func TestRunRejectsNotReady(t *testing.T) {
	j := newFakeJoint()
	j.ready = false
	_, err := Run(context.Background(), j, Options{})
	if err == nil {
		t.Fatal("expected error for not-ready joint")
	}
}

func TestRunCompletesWhenCallbackSignalsHomed(t *testing.T) {
	j := newFakeJoint()
	done := make(chan struct{})
	go func() {
		// Give Run a moment to register its callback before firing.
		time.Sleep(10 * time.Millisecond)
		j.fire(0, 0, 0, true)
		close(done)
	}()
	homed, err := Run(context.Background(), j, Options{TimeOut: time.Second})
	<-done
	if err != nil || !homed {
		t.Fatalf("homed=%v err=%v, want true,nil", homed, err)
	}
}

func TestRunTimesOut(t *testing.T) {
	j := newFakeJoint()
	_, err := Run(context.Background(), j, Options{TimeOut: 20 * time.Millisecond})
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestMoveUntilIndexChangeDetectsTransition(t *testing.T) {
	j := newFakeJoint()
	go func() {
		time.Sleep(10 * time.Millisecond)
		j.indexState = true
		j.fire(0.1, 0, 0, false)
	}()
	status, _, changed, err := MoveUntilIndexChange(context.Background(), j, 1.0, 1.5, false, time.Second)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if status != StatusDone || !changed {
		t.Fatalf("status=%v changed=%v, want done,true", status, changed)
	}
}

func TestMoveUntilIndexChangeTimesOut(t *testing.T) {
	j := newFakeJoint()
	status, _, _, err := MoveUntilIndexChange(context.Background(), j, 1.0, 1.5, false, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if status != StatusTimeOut {
		t.Fatalf("status=%v, want timeout", status)
	}
}
