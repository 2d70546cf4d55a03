// Package joint composes servos into the two joint kinds the firmware
// exposes to higher-level leg control: a Direct joint is a single servo, a
// Relative joint derives its simple-space position/demand from another
// joint's state (e.g. a knee driven relative to its hip). Grounded on
// _examples/original_source/API/src/JointRelative.cc and Joint.hh.
package joint

import (
	"math"
	"sync"
	"time"

	"dogbotctl/notify"
	"dogbotctl/packet"
	"dogbotctl/servo"
)

// PositionUpdateFunc is joint-space telemetry: absolute position, velocity,
// and torque, only ever fired once a joint is reporting absolute positions.
type PositionUpdateFunc func(t time.Time, position, velocity, torque float64)

// DemandUpdateFunc fires whenever a new position/torque-limit demand is
// recorded on a joint, letting a dependent Relative joint recompute.
type DemandUpdateFunc func(position, torqueLimit float64)

// Joint is the common surface both composition kinds, and client code,
// drive.
type Joint interface {
	Name() string
	GetState() (tick time.Time, position, velocity, torque float64, ok bool)
	GetStateAt(t time.Time) (position, velocity, torque float64, ok bool)
	DemandTorque(torque float64) error
	DemandPosition(position, torqueLimit float64) error
	GetDemand() (position, torqueLimit float64, ok bool)
	AddPositionUpdateCallback(fn PositionUpdateFunc) notify.Handle
	RemovePositionUpdateCallback(h notify.Handle)
	AddDemandUpdateCallback(fn DemandUpdateFunc) notify.Handle
	RemoveDemandUpdateCallback(h notify.Handle)
}

var (
	_ Joint = (*Direct)(nil)
	_ Joint = (*Relative)(nil)
)

// demandState is the last position/torque-limit demand issued on a joint,
// plus its subscriber list. Shared by Direct and Relative exactly as the
// original's JointC base class shares it with ServoC and JointRelativeC.
type demandState struct {
	mu          sync.Mutex
	position    float64
	torqueLimit float64
	callbacks   *notify.Registry[DemandUpdateFunc]
}

func newDemandState() *demandState {
	return &demandState{position: math.NaN(), torqueLimit: math.NaN(), callbacks: notify.New[DemandUpdateFunc]()}
}

func (d *demandState) record(position, torqueLimit float64) {
	d.mu.Lock()
	d.position, d.torqueLimit = position, torqueLimit
	d.mu.Unlock()
	for _, fn := range d.callbacks.Snapshot() {
		fn(position, torqueLimit)
	}
}

func (d *demandState) get() (position, torqueLimit float64, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if math.IsNaN(d.position) || math.IsNaN(d.torqueLimit) {
		return 0, 0, false
	}
	return d.position, d.torqueLimit, true
}

// --- Direct ---

// Direct is a joint backed by exactly one servo; its simple space and the
// servo's raw space are identical.
type Direct struct {
	name   string
	engine *servo.Engine
	demand *demandState

	positionCallbacks *notify.Registry[PositionUpdateFunc]
	relayHandle       notify.Handle
	relayOnce         sync.Once
}

// NewDirect wraps engine as a Joint.
func NewDirect(name string, engine *servo.Engine) *Direct {
	return &Direct{
		name:              name,
		engine:            engine,
		demand:            newDemandState(),
		positionCallbacks: notify.New[PositionUpdateFunc](),
	}
}

func (d *Direct) Name() string { return d.name }

func (d *Direct) GetState() (time.Time, float64, float64, float64, bool) {
	return d.engine.GetState()
}

func (d *Direct) GetStateAt(t time.Time) (float64, float64, float64, bool) {
	return d.engine.GetStateAt(t)
}

func (d *Direct) DemandTorque(torque float64) error { return d.engine.DemandTorque(torque) }

func (d *Direct) DemandPosition(position, torqueLimit float64) error {
	d.demand.record(position, torqueLimit)
	return d.engine.DemandPosition(position, torqueLimit)
}

func (d *Direct) GetDemand() (float64, float64, bool) { return d.demand.get() }

func (d *Direct) AddDemandUpdateCallback(fn DemandUpdateFunc) notify.Handle {
	return d.demand.callbacks.Add(fn)
}
func (d *Direct) RemoveDemandUpdateCallback(h notify.Handle) { d.demand.callbacks.Remove(h) }

// AddPositionUpdateCallback lazily subscribes to the underlying engine's
// report stream the first time anyone asks, then relays only the reports
// where the servo has a meaningful absolute position to offer.
func (d *Direct) AddPositionUpdateCallback(fn PositionUpdateFunc) notify.Handle {
	d.relayOnce.Do(func() {
		d.relayHandle = d.engine.AddPositionRefUpdateCallback(func(t time.Time, position, velocity, torque float64, posRef packet.PositionReference, _ bool, _ bool) {
			if posRef != packet.PositionAbsolute {
				return
			}
			for _, cb := range d.positionCallbacks.Snapshot() {
				cb(t, position, velocity, torque)
			}
		})
	})
	return d.positionCallbacks.Add(fn)
}

func (d *Direct) RemovePositionUpdateCallback(h notify.Handle) { d.positionCallbacks.Remove(h) }

// --- Relative ---

// Relative derives its simple-space position from another joint's state:
// position = drivePosition*gain - (refPosition*refGain + refOffset), the
// inverse of simple2Raw's drivePosition = (position + refPosition*refGain +
// refOffset) / gain.
type Relative struct {
	name              string
	jointDrive        Joint
	jointRef          Joint
	refGain, refOffset float64
	gain              float64

	demand *demandState

	positionCallbacks *notify.Registry[PositionUpdateFunc]
	driveRelayOnce    sync.Once

	mu                 sync.Mutex
	lastDrivePosition  float64
	lastDriveTorqueLim float64
	haveLast           bool

	refDemandHandle notify.Handle
}

// NewRelative composes jointDrive (the servo actually moved) against
// jointRef (whose state/demand offsets the drive joint's frame).
func NewRelative(name string, jointDrive, jointRef Joint, refGain, refOffset, gain float64) *Relative {
	if gain == 0 {
		gain = 1
	}
	r := &Relative{
		name:              name,
		jointDrive:        jointDrive,
		jointRef:          jointRef,
		refGain:           refGain,
		refOffset:         refOffset,
		gain:              gain,
		demand:            newDemandState(),
		positionCallbacks: notify.New[PositionUpdateFunc](),
	}
	r.refDemandHandle = jointRef.AddDemandUpdateCallback(func(position, torqueLimit float64) {
		r.updateDemand()
	})
	return r
}

// Close releases the subscription this joint holds on its reference joint.
func (r *Relative) Close() {
	r.jointRef.RemoveDemandUpdateCallback(r.refDemandHandle)
}

func (r *Relative) Name() string { return r.name }

func (r *Relative) raw2Simple(refPosition, refVelocity, refTorque, drivePosition, driveVelocity, driveTorque float64) (position, velocity, torque float64) {
	position = drivePosition*r.gain - (refPosition*r.refGain + r.refOffset)
	velocity = driveVelocity - refVelocity
	torque = driveTorque
	return
}

func (r *Relative) simple2Raw(refPosition, refTorque, position, torque float64) (drivePosition, driveTorque float64) {
	drivePosition = (position + (refPosition*r.refGain + r.refOffset)) / r.gain
	driveTorque = torque
	return
}

func (r *Relative) GetState() (tick time.Time, position, velocity, torque float64, ok bool) {
	tick, drivePosition, driveVelocity, driveTorque, ok := r.jointDrive.GetState()
	if !ok {
		return time.Time{}, 0, 0, 0, false
	}
	refPosition, refVelocity, refTorque, ok := r.jointRef.GetStateAt(tick)
	if !ok {
		return time.Time{}, 0, 0, 0, false
	}
	position, velocity, torque = r.raw2Simple(refPosition, refVelocity, refTorque, drivePosition, driveVelocity, driveTorque)
	return tick, position, velocity, torque, true
}

func (r *Relative) GetStateAt(t time.Time) (position, velocity, torque float64, ok bool) {
	_, drivePosition, driveVelocity, driveTorque, ok := r.jointDrive.GetState()
	if !ok {
		return 0, 0, 0, false
	}
	refPosition, refVelocity, refTorque, ok := r.jointRef.GetStateAt(t)
	if !ok {
		return 0, 0, 0, false
	}
	position, velocity, torque = r.raw2Simple(refPosition, refVelocity, refTorque, drivePosition, driveVelocity, driveTorque)
	return position, velocity, torque, true
}

func (r *Relative) DemandTorque(torque float64) error { return r.jointDrive.DemandTorque(torque) }

// updateDemand recomputes and (if changed) forwards the drive-space demand,
// skipping the send when neither drivePosition nor driveTorqueLimit moved —
// the demand-suppression rule that keeps a reference joint's every tick from
// flooding every dependent joint's transport.
func (r *Relative) updateDemand() error {
	position, torqueLimit, ok := r.demand.get()
	if !ok {
		return nil
	}
	refPosition, refTorque, ok := r.jointRef.GetDemand()
	if !ok {
		return nil
	}
	drivePosition, driveTorqueLimit := r.simple2Raw(refPosition, refTorque, position, torqueLimit)
	driveTorqueLimit = torqueLimit

	r.mu.Lock()
	noop := r.haveLast && drivePosition == r.lastDrivePosition && driveTorqueLimit == r.lastDriveTorqueLim
	if !noop {
		r.lastDrivePosition = drivePosition
		r.lastDriveTorqueLim = driveTorqueLimit
		r.haveLast = true
	}
	r.mu.Unlock()

	if noop {
		return nil
	}
	return r.jointDrive.DemandPosition(drivePosition, driveTorqueLimit)
}

func (r *Relative) DemandPosition(position, torqueLimit float64) error {
	r.demand.record(position, torqueLimit)
	return r.updateDemand()
}

func (r *Relative) GetDemand() (float64, float64, bool) { return r.demand.get() }

func (r *Relative) AddDemandUpdateCallback(fn DemandUpdateFunc) notify.Handle {
	return r.demand.callbacks.Add(fn)
}
func (r *Relative) RemoveDemandUpdateCallback(h notify.Handle) { r.demand.callbacks.Remove(h) }

// AddPositionUpdateCallback lazily subscribes to the drive joint's own
// position stream, recomputing Raw2Simple against the reference joint's
// state at each report time.
func (r *Relative) AddPositionUpdateCallback(fn PositionUpdateFunc) notify.Handle {
	r.driveRelayOnce.Do(func() {
		r.jointDrive.AddPositionUpdateCallback(func(t time.Time, drivePosition, driveVelocity, driveTorque float64) {
			refPosition, refVelocity, refTorque, ok := r.jointRef.GetStateAt(t)
			if !ok {
				return
			}
			position, velocity, torque := r.raw2Simple(refPosition, refVelocity, refTorque, drivePosition, driveVelocity, driveTorque)
			for _, cb := range r.positionCallbacks.Snapshot() {
				cb(t, position, velocity, torque)
			}
		})
	})
	return r.positionCallbacks.Add(fn)
}

func (r *Relative) RemovePositionUpdateCallback(h notify.Handle) { r.positionCallbacks.Remove(h) }
