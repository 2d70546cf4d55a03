// Package homing implements the index-sensor homing state machine, ported
// from the original firmware's HomeStateC/ServoC::HomeJoint and
// ServoC::MoveUntilIndexChange (_examples/original_source/API/src/Servo.cc).
// It never imports the servo package: Joint is the narrow interface a
// *servo.Engine satisfies, so servo -> homing is the only edge and there is
// no import cycle.
package homing

import (
	"context"
	"math"
	"sync"
	"time"

	"dogbotctl/errcode"
	"dogbotctl/notify"
	"dogbotctl/packet"
)

// PositionUpdateFunc is the position-reference-aware telemetry callback a
// Joint fires on every servo report, homed flag included so a homing run
// never has to call back into the joint under its state lock to find out if
// it has already been homed elsewhere.
type PositionUpdateFunc func(t time.Time, position, velocity, torque float64, posRef packet.PositionReference, homeIndexState bool, homed bool)

// Joint is the narrow surface the homing coordinator drives. *servo.Engine
// implements it directly.
type Joint interface {
	Name() string
	ControlStateReady() bool
	PositionReference() packet.PositionReference
	CurrentState() (position, velocity, torque float64, homeIndexState bool)
	SetVelocityLimitSlow() error
	SetControlModePosition() error
	DemandPositionRef(position, torqueLimit float64, posRef packet.PositionReference) error
	AddPositionRefUpdateCallback(fn PositionUpdateFunc) notify.Handle
	RemovePositionRefUpdateCallback(h notify.Handle)
}

// Options configures a homing run. Zero value Options is filled in with the
// original firmware's constants by Run.
type Options struct {
	TorqueLimit     float64       // Nm limit while homing. Default 1.5.
	TimeOut         time.Duration // overall abort timeout. Default 40s.
	MaxCycles       int           // direction reversals before giving up. Default 5.
	RestorePosition bool          // demand back to the pre-homing position afterward.
}

func (o Options) withDefaults() Options {
	if o.TorqueLimit == 0 {
		o.TorqueLimit = 1.5
	}
	if o.TimeOut == 0 {
		o.TimeOut = 40 * time.Second
	}
	if o.MaxCycles == 0 {
		o.MaxCycles = 5
	}
	return o
}

func deg2rad(d float64) float64 { return d * math.Pi / 180.0 }

// indexState is HomeStateC: the running estimate of where the index-sensor
// transitions sit, built from a 4-bucket circular mean (state x direction).
type indexState struct {
	indexPositions [4]float64
	indexOffsets   [4]float64

	indexAngleWidth float64
	hysteresisWidth float64

	minIndexBound float64
	maxIndexBound float64

	homeOffset      float64
	homeOffsetError float64
}

func newIndexState() *indexState {
	s := &indexState{
		indexAngleWidth: deg2rad(28),
		hysteresisWidth: deg2rad(5),
		minIndexBound:   deg2rad(-360),
		maxIndexBound:   deg2rad(360),
		homeOffset:      math.NaN(),
		homeOffsetError: deg2rad(360),
	}
	for i := range s.indexPositions {
		s.indexPositions[i] = math.NaN()
	}
	s.initOffsets()
	return s
}

func bucketOffset(newState, velocityPositive bool) int {
	o := 0
	if newState {
		o += 1
	}
	if velocityPositive {
		o += 2
	}
	return o
}

func (s *indexState) initOffsets() {
	s.indexOffsets[bucketOffset(false, false)] = s.indexAngleWidth/2.0 - s.hysteresisWidth
	s.indexOffsets[bucketOffset(false, true)] = -s.indexAngleWidth/2.0 + s.hysteresisWidth
	s.indexOffsets[bucketOffset(true, false)] = -s.indexAngleWidth / 2.0
	s.indexOffsets[bucketOffset(true, true)] = s.indexAngleWidth / 2.0
}

func (s *indexState) initialPosition(position float64, indexActive bool) {
	if indexActive {
		s.minIndexBound = position - deg2rad(180)
		s.maxIndexBound = position + deg2rad(180)
	} else {
		s.minIndexBound = position - s.indexAngleWidth
		s.maxIndexBound = position + s.indexAngleWidth
		s.homeOffset = position
		s.homeOffsetError = s.indexAngleWidth
	}
}

// indexStateChange folds a newly observed transition into the circular-mean
// offset estimate, using atan2 on the sum of unit vectors so the estimate
// wraps cleanly at the +/-pi boundary.
func (s *indexState) indexStateChange(newIndexState bool, position, velocity float64) {
	offset := bucketOffset(newIndexState, velocity > 0)
	s.indexPositions[offset] = position

	var sc, ss, count float64
	for i := 0; i < 4; i++ {
		if math.IsNaN(s.indexPositions[i]) {
			continue
		}
		sc += math.Cos(s.indexPositions[i] - s.indexOffsets[i])
		ss += math.Sin(s.indexPositions[i] - s.indexOffsets[i])
		count++
	}
	s.homeOffset = math.Atan2(ss, sc)
	s.homeOffsetError = deg2rad(8.0 / count)
}

// Run drives j through the index-sensor search: sweep to a bound, reverse on
// stall/arrival/index-transition, accumulate a circular-mean offset estimate
// across transitions, and stop once j reports PR_Absolute (homed) or the
// cycle/time budget runs out.
func Run(ctx context.Context, j Joint, opts Options) (homed bool, err error) {
	opts = opts.withDefaults()

	if j.PositionReference() == packet.PositionAbsolute {
		return true, nil
	}
	if !j.ControlStateReady() {
		return false, &errcode.E{Op: "homing.Run", Msg: "joint " + j.Name() + " not in ready state"}
	}
	if err := j.SetVelocityLimitSlow(); err != nil {
		return false, err
	}
	if err := j.SetControlModePosition(); err != nil {
		return false, err
	}

	startPosition, _, _, homeIndexState := j.CurrentState()

	st := newIndexState()
	st.initialPosition(startPosition, homeIndexState)

	var mu sync.Mutex
	targetPosition := st.maxIndexBound
	positiveVelocity := targetPosition > startPosition
	currentIndexState := homeIndexState
	cycles := 0
	gotHomed := false
	startTime := time.Now()

	if err := j.DemandPositionRef(targetPosition, opts.TorqueLimit, packet.PositionRelative); err != nil {
		return false, err
	}

	done := make(chan struct{})
	var closeOnce sync.Once
	finish := func() { closeOnce.Do(func() { close(done) }) }

	// The callback only ever computes the next target and a send-or-not
	// decision while mu is held; mu.Unlock() always happens before
	// DemandPositionRef is called, so a wire send never races a concurrent
	// Run caller against its own lock (or blocks the report delivery that
	// feeds this callback on the slower wire write).
	handle := j.AddPositionRefUpdateCallback(func(t time.Time, position, velocity, torque float64, posRef packet.PositionReference, indexState bool, homedFlag bool) {
		mu.Lock()
		if cycles > opts.MaxCycles {
			mu.Unlock()
			return
		}
		if posRef != packet.PositionRelative || homedFlag {
			gotHomed = true
			mu.Unlock()
			finish()
			return
		}

		sendTarget := 0.0
		shouldSend := false

		if currentIndexState != indexState {
			currentIndexState = indexState
			st.indexStateChange(currentIndexState, position, velocity)
			if currentIndexState {
				cycles++
				if cycles > opts.MaxCycles {
					mu.Unlock()
					finish()
					return
				}
				if positiveVelocity {
					targetPosition = position - st.indexAngleWidth
					positiveVelocity = false
				} else {
					targetPosition = position + st.indexAngleWidth
					positiveVelocity = true
				}
				sendTarget, shouldSend = targetPosition, true
				startTime = time.Now()
				mu.Unlock()
				j.DemandPositionRef(sendTarget, opts.TorqueLimit, packet.PositionRelative)
				return
			}
		}

		doReverse := false
		timeSinceStart := t.Sub(startTime)
		if math.Abs(velocity) < 2.0 && math.Abs(torque) >= opts.TorqueLimit*0.95 && timeSinceStart > 500*time.Millisecond {
			doReverse = true
		} else if math.Abs(position-targetPosition) < math.Pi/64.0 {
			doReverse = true
		}
		if doReverse {
			cycles++
			if cycles > opts.MaxCycles {
				mu.Unlock()
				finish()
				return
			}
			if positiveVelocity {
				targetPosition = st.minIndexBound
				positiveVelocity = false
			} else {
				targetPosition = st.maxIndexBound
				positiveVelocity = true
			}
			sendTarget, shouldSend = targetPosition, true
			startTime = time.Now()
		}
		mu.Unlock()
		if shouldSend {
			j.DemandPositionRef(sendTarget, opts.TorqueLimit, packet.PositionRelative)
		}
	})

	timedOut := false
	select {
	case <-done:
	case <-time.After(opts.TimeOut):
		timedOut = true
	case <-ctx.Done():
		timedOut = true
	}
	j.RemovePositionRefUpdateCallback(handle)

	mu.Lock()
	resultHomed := gotHomed
	resultCycles := cycles
	mu.Unlock()

	if opts.RestorePosition {
		j.DemandPositionRef(startPosition, opts.TorqueLimit, packet.PositionRelative)
	}

	if resultHomed {
		return true, nil
	}
	if resultCycles > opts.MaxCycles {
		return false, &errcode.E{C: errcode.HomingTooManyCycles, Op: "homing.Run", Msg: j.Name()}
	}
	if timedOut {
		return false, &errcode.E{C: errcode.HomingTimeout, Op: "homing.Run", Msg: j.Name()}
	}
	return false, nil
}

// Status is the outcome of a MoveUntilIndexChange probe.
type Status int

const (
	StatusDone Status = iota
	StatusStalled
	StatusTimeOut
	StatusIncorrectMode
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDone:
		return "done"
	case StatusStalled:
		return "stalled"
	case StatusTimeOut:
		return "timeout"
	case StatusIncorrectMode:
		return "incorrect_mode"
	default:
		return "error"
	}
}

// MoveUntilIndexChange is a standalone calibration primitive (kept separate
// from Run per the original API): drive toward targetPosition in relative
// coordinates and report back as soon as the index sensor flips, the target
// is reached, or the joint stalls.
func MoveUntilIndexChange(ctx context.Context, j Joint, targetPosition, torqueLimit float64, currentIndexState bool, timeOut time.Duration) (status Status, changedAt float64, indexChanged bool, err error) {
	if !j.ControlStateReady() {
		return StatusIncorrectMode, 0, false, &errcode.E{Op: "homing.MoveUntilIndexChange", Msg: "joint " + j.Name() + " not in ready state"}
	}
	if err := j.DemandPositionRef(targetPosition, torqueLimit, packet.PositionRelative); err != nil {
		return StatusError, 0, false, err
	}

	var mu sync.Mutex
	result := StatusError
	startTime := time.Now()
	done := make(chan struct{})
	var closeOnce sync.Once
	finish := func() { closeOnce.Do(func() { close(done) }) }

	handle := j.AddPositionRefUpdateCallback(func(t time.Time, position, velocity, torque float64, posRef packet.PositionReference, indexState bool, homedFlag bool) {
		mu.Lock()
		defer mu.Unlock()
		if posRef != packet.PositionRelative {
			result = StatusIncorrectMode
			finish()
			return
		}
		if indexState != currentIndexState {
			result = StatusDone
			indexChanged = true
			changedAt = position
			finish()
			return
		}
		if math.Abs(position-targetPosition) < math.Pi/64.0 {
			result = StatusDone
			finish()
			return
		}
		timeSinceStart := t.Sub(startTime)
		if math.Abs(velocity) < math.Pi/64.0 && torque >= torqueLimit*0.95 && timeSinceStart > 500*time.Millisecond {
			result = StatusStalled
			finish()
			return
		}
	})
	defer j.RemovePositionRefUpdateCallback(handle)

	select {
	case <-done:
	case <-time.After(timeOut):
		mu.Lock()
		defer mu.Unlock()
		return StatusTimeOut, changedAt, indexChanged, nil
	case <-ctx.Done():
		mu.Lock()
		defer mu.Unlock()
		return StatusTimeOut, changedAt, indexChanged, nil
	}

	mu.Lock()
	defer mu.Unlock()
	return result, changedAt, indexChanged, nil
}
