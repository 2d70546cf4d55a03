// Package servo is the device/servo protocol engine (spec component E):
// wire-report handling, state tracking with tick-based extrapolation, and
// the demand API a joint or the API facade drives. Grounded on
// _examples/original_source/API/src/Servo.cc and Servo.hh.
package servo

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"dogbotctl/config"
	"dogbotctl/errcode"
	"dogbotctl/homing"
	"dogbotctl/logx"
	"dogbotctl/notify"
	"dogbotctl/packet"
)

// ControlState is the firmware's coarse operating mode, reported via
// ParamControlState. Distinct from packet.ControlMode, which is the PWM
// control dynamic (off/position/velocity/torque/fault) carried on every
// Servo/ServoReport frame.
type ControlState byte

const (
	ControlStateReady ControlState = iota
	ControlStateDiagnostic
	ControlStateFactoryCalibrate
	ControlStateLowPower
	ControlStateBootLoader
	ControlStateEmergencyStop
)

// FaultCode is the firmware's last reported fault, FaultUnknown meaning the
// fault state is not known (the zero value before any fault-code report, and
// the value UpdateTick resets to on a lost-contact timeout).
type FaultCode byte

const FaultUnknown FaultCode = 0

// Sender is the narrow transport/router surface the engine needs to push a
// frame addressed to its device id. Implemented by *router.DeviceSender.
type Sender interface {
	Send(frame []byte) error
}

// defaultUpdateQuery is the parameter refresh cycle UpdateTick drives
// through after a device (re)gains contact, mirroring the original's
// m_updateQuery list built in SetupConstants.
var defaultUpdateQuery = []packet.ParamIndex{
	packet.ParamFaultCode,
	packet.ParamControlState,
	packet.ParamSafetyMode,
	packet.ParamHomedState,
	packet.ParamPositionGain,
	packet.ParamVelocityPGain,
	packet.ParamVelocityIGain,
	packet.ParamVelocityLimit,
	packet.ParamMotorInductance,
	packet.ParamMotorResistance,
	packet.ParamEndStopEnable,
	packet.ParamEndStopStart,
	packet.ParamEndStopFinal,
	packet.ParamPWMMode,
	packet.ParamHomeIndexPosition,
}

// Engine tracks one servo driver's state and exposes the demand/query API.
// Two mutexes, matching the original's discipline: admin guards identity and
// setup bookkeeping (rarely written, read by DemandTorque/UpdateTick), state
// guards everything populated by incoming wire reports. Neither is ever held
// while sending a frame or firing a callback.
type Engine struct {
	id   atomic.Uint32 // device id, rebound by the router on Announce; read with ID()
	uid1 uint32
	uid2 uint32
	name string

	sender Sender
	log    *logx.Logger

	admin struct {
		sync.Mutex
		motorKv               float64
		gearRatio             float64
		servoKt               float64
		maxCurrent            float64
		defaultPositionTorque float64
		tickDuration          time.Duration
		comsTimeout           time.Duration
		updateQuery           []packet.ParamIndex
		toQuery               int
		bootloaderQueryCount  int
	}

	state struct {
		sync.Mutex
		position         float64
		velocity         float64
		torque           float64
		positionRef      packet.PositionReference
		homeIndexState   bool
		timeEpoch        time.Time
		tick             uint64
		timeOfLastReport time.Time
		timeOfLastComs   time.Time
		lastTimestamp    byte
		faultCode        FaultCode
		homedState       packet.HomedState
		controlState     ControlState
		controlDynamic   packet.ControlMode
		driveTemperature float64
		motorTemperature float64
		supplyVoltage    float64
		reportedMode     byte
		velocityLimit    float64
		currentLimit     float64
		positionPGain    float64
		velocityPGain    float64
		velocityIGain    float64
		motorInductance  float64
		motorResistance  float64
		homeOffset       float64
		endStopStart     float64
		endStopFinal     float64
		endStopEnable    bool
		safetyMode       packet.SafetyMode
	}

	positionRefCallbacks *notify.Registry[homing.PositionUpdateFunc]
	paramCallbacks       *notify.Registry[ParamUpdateFunc]
}

// ParamUpdateFunc fires whenever HandlePacketReportParam changes a tracked
// parameter, naming which one.
type ParamUpdateFunc func(idx packet.ParamIndex)

var _ homing.Joint = (*Engine)(nil)

// New constructs an Engine for a device already bound to id, with the given
// UID used to recognise re-announces from the same physical driver.
func New(id byte, uid1, uid2 uint32, name string, sender Sender) *Engine {
	e := &Engine{uid1: uid1, uid2: uid2, name: name, sender: sender, log: logx.Default.With("servo." + name)}
	e.id.Store(uint32(id))
	e.admin.motorKv = 260
	e.admin.gearRatio = 21.0
	e.admin.servoKt = 0
	e.admin.maxCurrent = 20.0
	e.admin.defaultPositionTorque = 4.0
	e.admin.tickDuration = 10 * time.Millisecond
	e.admin.comsTimeout = 200 * time.Millisecond
	e.admin.updateQuery = append([]packet.ParamIndex(nil), defaultUpdateQuery...)
	e.state.timeEpoch = time.Now()
	e.state.positionRef = packet.PositionRelative
	e.positionRefCallbacks = notify.New[homing.PositionUpdateFunc]()
	e.paramCallbacks = notify.New[ParamUpdateFunc]()
	return e
}

// ApplyConfig loads persisted tuning (gains, ratios, end stops) into the
// engine before first contact, mirroring ConfigureFromJSON.
func (e *Engine) ApplyConfig(s config.Servo) {
	e.admin.Lock()
	e.admin.motorKv = s.MotorKv
	e.admin.gearRatio = s.GearRatio
	e.admin.Unlock()

	e.state.Lock()
	e.state.homeOffset = s.HomeOffset
	e.state.endStopStart = s.EndStopStart
	e.state.endStopFinal = s.EndStopFinal
	e.state.endStopEnable = s.EndStopEnable
	e.state.safetyMode = packet.SafetyMode(s.SafetyMode)
	e.state.Unlock()
}

func (e *Engine) ID() byte             { return byte(e.id.Load()) }
func (e *Engine) UID() (uint32, uint32) { return e.uid1, e.uid2 }
func (e *Engine) Name() string          { return e.name }

// SetID rebinds the device id this engine addresses its frames to, called by
// the router (through Rebind) after a device announced itself with id 0 and
// the manager router allocated it a fresh id.
func (e *Engine) SetID(id byte) { e.id.Store(uint32(id)) }

// --- homing.Joint ---

func (e *Engine) ControlStateReady() bool {
	e.state.Lock()
	defer e.state.Unlock()
	return e.state.controlState == ControlStateReady
}

func (e *Engine) PositionReference() packet.PositionReference {
	e.state.Lock()
	defer e.state.Unlock()
	return e.state.positionRef
}

func (e *Engine) CurrentState() (position, velocity, torque float64, homeIndexState bool) {
	e.state.Lock()
	defer e.state.Unlock()
	return e.state.position, e.state.velocity, e.state.torque, e.state.homeIndexState
}

func (e *Engine) SetVelocityLimitSlow() error {
	return e.SetParam(packet.ParamVelocityLimit, packet.ParamPayloadF32(100.0))
}

func (e *Engine) SetControlModePosition() error {
	payload := [8]byte{}
	payload[0] = byte(packet.ControlPosition)
	return e.SetParam(packet.ParamPWMMode, payload[:])
}

func (e *Engine) DemandPositionRef(position, torqueLimit float64, posRef packet.PositionReference) error {
	return e.send(packet.EncodeServo(e.ID(), packet.ControlPosition, posRef, position, torqueLimit))
}

func (e *Engine) AddPositionRefUpdateCallback(fn homing.PositionUpdateFunc) notify.Handle {
	return e.positionRefCallbacks.Add(fn)
}

func (e *Engine) RemovePositionRefUpdateCallback(h notify.Handle) {
	e.positionRefCallbacks.Remove(h)
}

func (e *Engine) AddParamUpdateCallback(fn ParamUpdateFunc) notify.Handle {
	return e.paramCallbacks.Add(fn)
}

func (e *Engine) RemoveParamUpdateCallback(h notify.Handle) {
	e.paramCallbacks.Remove(h)
}

// --- wire send helpers ---

func (e *Engine) send(frame []byte) error {
	if e.sender == nil {
		return &errcode.E{C: errcode.TransportError, Op: "servo.send", Msg: "no sender attached"}
	}
	if err := e.sender.Send(frame); err != nil {
		return &errcode.E{C: errcode.TransportError, Op: "servo.send", Err: err}
	}
	return nil
}

func (e *Engine) SetParam(idx packet.ParamIndex, payload []byte) error {
	return e.send(packet.EncodeSetParam(e.ID(), idx, payload))
}

func (e *Engine) QueryParam(idx packet.ParamIndex) error {
	return e.send(packet.EncodeQueryParam(e.ID(), idx))
}

// ZeroCalibration sends CalZero, a supplemented operation the distillation
// left unused in spec.md's operation list but which the wire table carries
// and the original tooling issues from DogBotController.cc-style utilities.
func (e *Engine) ZeroCalibration() error {
	return e.send(packet.EncodeCalZero(e.ID()))
}

// SendCalibration pushes a full MotorCalibration to the device as a burst of
// SetParam writes, reproducing the original's MotorCalibrationC::SendCal.
func (e *Engine) SendCalibration(cal *config.MotorCalibration) error {
	writes := []struct {
		idx     packet.ParamIndex
		payload []byte
	}{
		{packet.ParamMotorKv, packet.ParamPayloadF32(float32(cal.MotorKv))},
		{packet.ParamVelocityLimit, packet.ParamPayloadF32(float32(cal.VelocityLimit))},
		{packet.ParamMaxCurrent, packet.ParamPayloadF32(float32(cal.CurrentLimit))},
		{packet.ParamPositionGain, packet.ParamPayloadF32(float32(cal.PositionPGain))},
		{packet.ParamVelocityPGain, packet.ParamPayloadF32(float32(cal.VelocityPGain))},
		{packet.ParamVelocityIGain, packet.ParamPayloadF32(float32(cal.VelocityIGain))},
		{packet.ParamMotorInductance, packet.ParamPayloadF32(float32(cal.MotorInductance))},
		{packet.ParamMotorResistance, packet.ParamPayloadF32(float32(cal.MotorResistance))},
	}
	for _, w := range writes {
		if err := e.SetParam(w.idx, w.payload); err != nil {
			return err
		}
	}
	for row := 0; row < config.HallCalPoints; row++ {
		p1, p2, p3 := cal.GetCal(row)
		payload := [8]byte{}
		payload[0] = byte(p1)
		payload[1] = byte(p1 >> 8)
		payload[2] = byte(p2)
		payload[3] = byte(p2 >> 8)
		payload[4] = byte(p3)
		payload[5] = byte(p3 >> 8)
		if err := e.SetParam(packet.ParamEncoderCalRow+packet.ParamIndex(row), payload[:]); err != nil {
			return fmt.Errorf("send hall cal row %d: %w", row, err)
		}
	}
	return nil
}

// LoadCalibration issues the matching QueryParam sequence. Results arrive
// asynchronously via HandlePacketReportParam, which records the velocity
// limit, the gains and the motor inductance/resistance; the Kv, current-limit
// and hall-row replies are not stored, and nothing is collected back into a
// config.MotorCalibration. Replies that change no tracked value, which
// includes every Kv, current-limit and hall-row reply, do not reach
// ParamUpdateFunc subscribers.
func (e *Engine) LoadCalibration() error {
	idxs := []packet.ParamIndex{
		packet.ParamMotorKv, packet.ParamVelocityLimit, packet.ParamMaxCurrent,
		packet.ParamPositionGain, packet.ParamVelocityPGain, packet.ParamVelocityIGain,
		packet.ParamMotorInductance, packet.ParamMotorResistance,
	}
	for _, idx := range idxs {
		if err := e.QueryParam(idx); err != nil {
			return err
		}
	}
	for row := 0; row < config.HallCalPoints; row++ {
		if err := e.QueryParam(packet.ParamEncoderCalRow + packet.ParamIndex(row)); err != nil {
			return err
		}
	}
	return nil
}

// --- packet handlers ---

func (e *Engine) HandlePacketPong(buf []byte) error {
	if _, err := packet.DecodePong(buf); err != nil {
		return err
	}
	e.state.Lock()
	e.state.timeOfLastComs = time.Now()
	e.state.Unlock()
	return nil
}

// HandlePacketServoReport updates tracked telemetry from a report frame and
// fires position-reference-aware subscribers outside the state lock.
func (e *Engine) HandlePacketServoReport(buf []byte) (changed bool, err error) {
	_, posRef, newPosition, torqueNm, mode, homeIndexState, tick, derr := packet.DecodeServoReport(buf)
	if derr != nil {
		return false, derr
	}
	timeNow := time.Now()

	var (
		position, velocity, torque float64
		homed                      bool
	)

	e.admin.Lock()
	tickDuration := e.admin.tickDuration
	e.admin.Unlock()

	e.state.Lock()
	timeSinceLastReport := timeNow.Sub(e.state.timeOfLastReport)
	inSync := true
	if timeSinceLastReport > tickDuration*128 {
		inSync = false
	}
	e.state.timeOfLastReport = timeNow
	e.state.timeOfLastComs = timeNow

	tickDiff := int(tick) - int(e.state.lastTimestamp)
	e.state.lastTimestamp = tick
	for tickDiff < 0 {
		tickDiff += 256
	}
	if tickDiff == 0 {
		tickDiff = 1
	}
	e.state.tick += uint64(tickDiff)

	if inSync {
		e.state.velocity = (newPosition - e.state.position) / (tickDuration.Seconds() * float64(tickDiff))
	} else {
		e.state.velocity = 0
	}
	e.state.positionRef = posRef
	e.state.homeIndexState = homeIndexState
	e.state.position = newPosition
	e.state.torque = torqueNm
	e.state.controlDynamic = mode
	e.state.reportedMode = mode2byte(mode, homeIndexState, posRef)

	position, velocity, torque = e.state.position, e.state.velocity, e.state.torque
	homed = e.state.homedState == packet.HomeHomed
	e.state.Unlock()

	if !inSync {
		e.log.Warn("lost sync on servo report", map[string]any{"device": e.ID()})
	}

	for _, fn := range e.positionRefCallbacks.Snapshot() {
		fn(timeNow, position, velocity, torque, posRef, homeIndexState, homed)
	}
	return true, nil
}

func mode2byte(mode packet.ControlMode, homeIndexState bool, posRef packet.PositionReference) byte {
	var idx byte
	if homeIndexState {
		idx = 1
	}
	return byte(mode)&0x07 | idx<<3 | byte(posRef)<<4
}

// HandlePacketAnnounce reacts to a re-announce from this engine's device. If
// the host is acting as bus manager and the device isn't (or no longer is)
// bound to this engine's id, it issues SendSetDeviceId to rebind it.
func (e *Engine) HandlePacketAnnounce(buf []byte, isManager bool) (rebindSent bool, err error) {
	devID, _, _, derr := packet.DecodeAnnounce(buf)
	if derr != nil {
		return false, derr
	}
	if devID != e.ID() && isManager {
		e.log.Info("rebinding device to id", map[string]any{"uid1": e.uid1, "uid2": e.uid2, "id": e.ID()})
		if err := e.send(packet.EncodeSetDeviceId(e.ID(), e.uid1, e.uid2)); err != nil {
			return false, err
		}
		rebindSent = true
	}
	e.state.Lock()
	e.state.timeOfLastComs = time.Now()
	e.state.Unlock()
	return rebindSent, nil
}

// HandlePacketReportParam applies a QueryParam/ReportParam result. It
// deliberately assigns ParamVelocityLimit to velocityLimit: the original
// firmware source has a copy/paste bug here writing into m_velocityIGain
// instead, which this engine does not reproduce.
func (e *Engine) HandlePacketReportParam(buf []byte) (changed bool, err error) {
	devID, idx, payload, derr := packet.DecodeReportParam(buf)
	if derr != nil {
		return false, derr
	}
	_ = devID

	e.state.Lock()
	switch idx {
	case packet.ParamDriveTemp:
		v := float64(packet.ParamPayloadAsF32(payload))
		changed = v != e.state.driveTemperature
		e.state.driveTemperature = v
	case packet.ParamMotorTemp:
		v := float64(packet.ParamPayloadAsF32(payload))
		changed = v != e.state.motorTemperature
		e.state.motorTemperature = v
	case packet.ParamSupplyVoltage:
		v := float64(packet.ParamPayloadAsU16(payload)) / 1000.0
		changed = v != e.state.supplyVoltage
		e.state.supplyVoltage = v
	case packet.ParamFaultCode:
		v := FaultCode(payload[0])
		changed = v != e.state.faultCode
		e.state.faultCode = v
	case packet.ParamControlState:
		v := ControlState(payload[0])
		changed = v != e.state.controlState
		if changed {
			switch v {
			case ControlStateFactoryCalibrate, ControlStateLowPower, ControlStateBootLoader:
				e.state.homedState = packet.HomeLost
				e.state.controlDynamic = packet.ControlFault
				e.state.position = 0
				e.state.torque = 0
				e.state.velocity = 0
			}
		}
		e.state.controlState = v
	case packet.ParamHomedState:
		v := packet.HomedState(payload[0])
		changed = v != e.state.homedState
		e.state.homedState = v
	case packet.ParamPositionGain:
		v := float64(packet.ParamPayloadAsF32(payload))
		changed = v != e.state.positionPGain
		e.state.positionPGain = v
	case packet.ParamVelocityPGain:
		v := float64(packet.ParamPayloadAsF32(payload))
		changed = v != e.state.velocityPGain
		e.state.velocityPGain = v
	case packet.ParamVelocityIGain:
		v := float64(packet.ParamPayloadAsF32(payload))
		changed = v != e.state.velocityIGain
		e.state.velocityIGain = v
	case packet.ParamVelocityLimit:
		v := float64(packet.ParamPayloadAsF32(payload))
		changed = v != e.state.velocityLimit
		e.state.velocityLimit = v
	case packet.ParamMotorInductance:
		v := float64(packet.ParamPayloadAsF32(payload))
		changed = v != e.state.motorInductance
		e.state.motorInductance = v
	case packet.ParamMotorResistance:
		v := float64(packet.ParamPayloadAsF32(payload))
		changed = v != e.state.motorResistance
		e.state.motorResistance = v
	case packet.ParamEndStopEnable:
		v := payload[0] > 0
		changed = v != e.state.endStopEnable
		e.state.endStopEnable = v
	case packet.ParamEndStopStart:
		v := float64(packet.ParamPayloadAsF32(payload))
		changed = v != e.state.endStopStart
		e.state.endStopStart = v
	case packet.ParamEndStopFinal:
		v := float64(packet.ParamPayloadAsF32(payload))
		changed = v != e.state.endStopFinal
		e.state.endStopFinal = v
	case packet.ParamPWMMode:
		v := packet.ControlMode(payload[0])
		changed = v != e.state.controlDynamic
		e.state.controlDynamic = v
	case packet.ParamHomeIndexPosition:
		v := float64(packet.ParamPayloadAsF32(payload))
		changed = v != e.state.homeOffset
		e.state.homeOffset = v
	case packet.ParamSafetyMode:
		v := packet.SafetyMode(payload[0])
		changed = v != e.state.safetyMode
		e.state.safetyMode = v
	case packet.ParamIndexSensor:
		v := payload[0] != 0
		changed = v != e.state.homeIndexState
		e.state.homeIndexState = v
	case packet.ParamUSBPacketDrops, packet.ParamUSBPacketErrors, packet.ParamFaultState:
		changed = false
	default:
		changed = false
	}
	e.state.Unlock()

	if changed {
		for _, fn := range e.paramCallbacks.Snapshot() {
			fn(idx)
		}
	}
	return changed, nil
}

// GetState returns the last reported state and the time it was taken. It
// only succeeds once the servo is reporting PR_Absolute positions.
func (e *Engine) GetState() (tick time.Time, position, velocity, torque float64, ok bool) {
	e.admin.Lock()
	tickDuration := e.admin.tickDuration
	e.admin.Unlock()

	e.state.Lock()
	defer e.state.Unlock()
	if e.state.positionRef != packet.PositionAbsolute {
		return time.Time{}, 0, 0, 0, false
	}
	tick = e.state.timeEpoch.Add(tickDuration * time.Duration(e.state.tick))
	return tick, e.state.position, e.state.velocity, e.state.torque, true
}

// GetStateAt estimates state at theTime by linearly extrapolating position
// from the last report, unless that report is more than five ticks stale, in
// which case it pops back to the last known position instead of guessing
// further.
func (e *Engine) GetStateAt(theTime time.Time) (position, velocity, torque float64, ok bool) {
	e.admin.Lock()
	tickDuration := e.admin.tickDuration
	e.admin.Unlock()

	e.state.Lock()
	defer e.state.Unlock()
	if e.state.positionRef != packet.PositionAbsolute {
		return 0, 0, 0, false
	}
	lastTick := e.state.timeEpoch.Add(tickDuration * time.Duration(e.state.tick))
	timeDiff := theTime.Sub(lastTick)
	if math.Abs(timeDiff.Seconds()) < tickDuration.Seconds()*5 {
		position = e.state.position + e.state.velocity*timeDiff.Seconds()
	} else {
		position = e.state.position
	}
	return position, e.state.velocity, e.state.torque, true
}

// DemandTorque issues a torque-mode command.
func (e *Engine) DemandTorque(torqueNm float64) error {
	return e.send(packet.EncodeServo(e.ID(), packet.ControlTorque, packet.PositionAbsolute, torqueNm, math.Abs(torqueNm)))
}

// DemandPosition issues a position-mode command in absolute coordinates. It
// is rejected until the joint has completed homing.
func (e *Engine) DemandPosition(position, torqueLimit float64) error {
	e.state.Lock()
	posRef := e.state.positionRef
	e.state.Unlock()
	if posRef != packet.PositionAbsolute {
		e.log.Warn("joint not yet homed, ignoring move request", map[string]any{"device": e.ID()})
		return &errcode.E{C: errcode.NotHomed, Op: "servo.DemandPosition", Msg: e.name}
	}
	return e.DemandPositionRef(position, torqueLimit, packet.PositionAbsolute)
}

// QueryRefresh resets the parameter refresh cycle so UpdateTick re-queries
// every tracked parameter from scratch.
func (e *Engine) QueryRefresh() {
	e.admin.Lock()
	e.admin.toQuery = 0
	e.admin.Unlock()
}

// UpdateTick checks for a communication timeout and advances the
// per-parameter refresh cycle. Returns true if tracked state changed.
func (e *Engine) UpdateTick(now time.Time) bool {
	e.state.Lock()
	timeSinceLastComs := now.Sub(e.state.timeOfLastComs)
	faultCode := e.state.faultCode
	controlState := e.state.controlState
	e.state.Unlock()

	e.admin.Lock()
	comsTimeout := e.admin.comsTimeout
	e.admin.Unlock()

	switch controlState {
	case ControlStateReady, ControlStateDiagnostic:
		// comsTimeout already holds this.
	case ControlStateFactoryCalibrate:
		comsTimeout = 30 * time.Second
	default:
		comsTimeout = 2 * time.Second
	}

	changed := false
	if faultCode != FaultUnknown {
		if timeSinceLastComs > comsTimeout {
			e.state.Lock()
			e.state.faultCode = FaultUnknown
			e.state.velocity = 0
			e.state.Unlock()
			e.log.Warn("lost contact with servo", map[string]any{"device": e.ID(), "seconds": timeSinceLastComs.Seconds()})
			changed = true
		}
	} else if timeSinceLastComs < comsTimeout {
		e.admin.Lock()
		if e.admin.toQuery == len(e.admin.updateQuery) {
			e.admin.toQuery = 0
		}
		e.admin.Unlock()
	}

	e.admin.Lock()
	var toSend packet.ParamIndex
	shouldSend := false
	if e.admin.toQuery < len(e.admin.updateQuery) && e.sender != nil {
		if controlState != ControlStateBootLoader || e.admin.toQuery < e.admin.bootloaderQueryCount {
			toSend = e.admin.updateQuery[e.admin.toQuery]
			e.admin.toQuery++
			shouldSend = true
		}
	}
	e.admin.Unlock()

	if shouldSend {
		if err := e.QueryParam(toSend); err != nil {
			e.log.Warn("query param failed", map[string]any{"device": e.ID(), "param": toSend, "err": err})
		}
	}
	return changed
}

// HomeJoint runs the homing coordinator against this engine.
func (e *Engine) HomeJoint(ctx context.Context, restorePosition bool) (bool, error) {
	return homing.Run(ctx, e, homing.Options{RestorePosition: restorePosition})
}

// MoveUntilIndexChange exposes the standalone calibration probe.
func (e *Engine) MoveUntilIndexChange(ctx context.Context, targetPosition, torqueLimit float64, currentIndexState bool, timeOut time.Duration) (homing.Status, float64, bool, error) {
	return homing.MoveUntilIndexChange(ctx, e, targetPosition, torqueLimit, currentIndexState, timeOut)
}

// LostContactTimeout answers whether the engine's fault state is currently
// unknown (FaultUnknown, the value UpdateTick sets on a lost-contact
// timeout), used by the API facade's status fan-out to decide when to publish
// LostContact without duplicating UpdateTick's bookkeeping.
func (e *Engine) LostContactTimeout() bool {
	e.state.Lock()
	defer e.state.Unlock()
	return e.state.faultCode == FaultUnknown
}
