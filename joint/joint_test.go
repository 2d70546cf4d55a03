package joint

import (
	"math"
	"testing"
	"time"

	"dogbotctl/notify"
)

// fakeJoint is a minimal hand-rolled Joint double, in the same style as
// homing's fakeJoint: just enough state to drive Relative without pulling in
// a real servo.Engine.
type fakeJoint struct {
	name string

	position, velocity, torque float64
	stateOK                    bool

	demandPosition, demandTorqueLimit float64
	demandOK                         bool
	demandSends                      []float64

	positionCallbacks *notify.Registry[PositionUpdateFunc]
	demandCallbacks   *notify.Registry[DemandUpdateFunc]
}

func newFakeJoint(name string) *fakeJoint {
	return &fakeJoint{
		name:              name,
		positionCallbacks: notify.New[PositionUpdateFunc](),
		demandCallbacks:   notify.New[DemandUpdateFunc](),
	}
}

func (f *fakeJoint) Name() string { return f.name }

func (f *fakeJoint) GetState() (time.Time, float64, float64, float64, bool) {
	return time.Time{}, f.position, f.velocity, f.torque, f.stateOK
}

func (f *fakeJoint) GetStateAt(t time.Time) (float64, float64, float64, bool) {
	return f.position, f.velocity, f.torque, f.stateOK
}

func (f *fakeJoint) DemandTorque(torque float64) error { return nil }

func (f *fakeJoint) DemandPosition(position, torqueLimit float64) error {
	f.demandPosition, f.demandTorqueLimit, f.demandOK = position, torqueLimit, true
	f.demandSends = append(f.demandSends, position)
	for _, fn := range f.demandCallbacks.Snapshot() {
		fn(position, torqueLimit)
	}
	return nil
}

func (f *fakeJoint) GetDemand() (float64, float64, bool) {
	return f.demandPosition, f.demandTorqueLimit, f.demandOK
}

func (f *fakeJoint) AddPositionUpdateCallback(fn PositionUpdateFunc) notify.Handle {
	return f.positionCallbacks.Add(fn)
}
func (f *fakeJoint) RemovePositionUpdateCallback(h notify.Handle) { f.positionCallbacks.Remove(h) }

func (f *fakeJoint) AddDemandUpdateCallback(fn DemandUpdateFunc) notify.Handle {
	return f.demandCallbacks.Add(fn)
}
func (f *fakeJoint) RemoveDemandUpdateCallback(h notify.Handle) { f.demandCallbacks.Remove(h) }

var _ Joint = (*fakeJoint)(nil)

// TestRaw2SimpleIsInverseOfSimple2Raw exercises the round-trip property a
// Relative joint's affine map must hold for every gain except zero (which
// NewRelative already refuses by substituting 1).
func TestRaw2SimpleIsInverseOfSimple2Raw(t *testing.T) {
	drive := newFakeJoint("drive")
	ref := newFakeJoint("ref")

	cases := []struct{ refGain, refOffset, gain float64 }{
		{1, 0, 1},
		{1, 0, 2},
		{1, 0, 0.5},
		{2, 0.3, 3},
		{-1, 0.1, 1.7},
		{0.5, -0.2, -4},
	}
	positions := []float64{-12.5, -1, 0, 0.001, 3.14, 100}
	refPositions := []float64{-5, 0, 2.2, 10}

	for _, c := range cases {
		r := NewRelative("rel", drive, ref, c.refGain, c.refOffset, c.gain)
		for _, pos := range positions {
			for _, refPos := range refPositions {
				drivePosition, driveTorque := r.simple2Raw(refPos, 0, pos, 1.5)
				gotPos, _, gotTorque := r.raw2Simple(refPos, 0, 0, drivePosition, 0, driveTorque)
				if math.Abs(gotPos-pos) > 1e-9 {
					t.Fatalf("gain=%v refGain=%v refOffset=%v refPos=%v pos=%v: round trip gave %v",
						c.gain, c.refGain, c.refOffset, refPos, pos, gotPos)
				}
				if gotTorque != 1.5 {
					t.Fatalf("torque not preserved: got %v, want 1.5", gotTorque)
				}
			}
		}
	}
}

// TestUpdateDemandSuppressesDuplicateSends covers the duplicate-demand
// suppression rule: a reference joint re-publishing the same demand must not
// cause its dependents to re-send an identical drive-space demand.
func TestUpdateDemandSuppressesDuplicateSends(t *testing.T) {
	drive := newFakeJoint("drive")
	ref := newFakeJoint("ref")
	r := NewRelative("rel", drive, ref, 1, 0, 1)

	if err := ref.DemandPosition(1.0, 2.0); err != nil {
		t.Fatalf("ref.DemandPosition: %v", err)
	}
	if err := r.DemandPosition(0.5, 2.0); err != nil {
		t.Fatalf("r.DemandPosition: %v", err)
	}
	if len(drive.demandSends) != 1 {
		t.Fatalf("expected exactly one send after first demand, got %d", len(drive.demandSends))
	}

	// Re-publishing the identical reference demand must not re-trigger a
	// drive-space send since neither drivePosition nor driveTorqueLimit moved.
	if err := ref.DemandPosition(1.0, 2.0); err != nil {
		t.Fatalf("ref.DemandPosition (repeat): %v", err)
	}
	if len(drive.demandSends) != 1 {
		t.Fatalf("expected no additional send on duplicate ref demand, got %d sends", len(drive.demandSends))
	}

	// A genuinely new reference demand must still propagate.
	if err := ref.DemandPosition(1.2, 2.0); err != nil {
		t.Fatalf("ref.DemandPosition (changed): %v", err)
	}
	if len(drive.demandSends) != 2 {
		t.Fatalf("expected a second send once the reference demand actually changed, got %d", len(drive.demandSends))
	}
}
