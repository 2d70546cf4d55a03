// Package packet implements the wire codec for the servo bus: fixed-length,
// little-endian framed packets exchanged between the host and firmware over
// the USB transport. Layout is grounded on the original firmware's
// Coms.hh/ComsUSB.hh packet set, renamed and regrouped for a Go host.
package packet

import "fmt"

// Type tags the first byte of every frame.
type Type byte

const (
	TypePing          Type = 0
	TypePong          Type = 1
	TypeSync          Type = 2
	TypeError         Type = 3
	TypeQueryParam    Type = 4
	TypeSetParam      Type = 5
	TypeReportParam   Type = 6
	TypeServo         Type = 7
	TypeServoReport   Type = 8
	TypeSetDeviceId   Type = 9
	TypeAnnounce      Type = 10
	TypeCalZero       Type = 11
	TypeBridgeMode    Type = 12
	TypeEmergencyStop Type = 13
)

func (t Type) String() string {
	switch t {
	case TypePing:
		return "Ping"
	case TypePong:
		return "Pong"
	case TypeSync:
		return "Sync"
	case TypeError:
		return "Error"
	case TypeQueryParam:
		return "QueryParam"
	case TypeSetParam:
		return "SetParam"
	case TypeReportParam:
		return "ReportParam"
	case TypeServo:
		return "Servo"
	case TypeServoReport:
		return "ServoReport"
	case TypeSetDeviceId:
		return "SetDeviceId"
	case TypeAnnounce:
		return "Announce"
	case TypeCalZero:
		return "CalZero"
	case TypeBridgeMode:
		return "BridgeMode"
	case TypeEmergencyStop:
		return "EmergencyStop"
	default:
		return fmt.Sprintf("Type(%d)", byte(t))
	}
}

// Len is the fixed wire length of a frame of this Type, tag byte included.
// A zero result means the Type is unknown.
func (t Type) Len() int {
	switch t {
	case TypePing, TypePong:
		return 2
	case TypeSync, TypeEmergencyStop:
		return 1
	case TypeError:
		return 5
	case TypeQueryParam:
		return 4
	case TypeSetParam, TypeReportParam:
		return 12
	case TypeServo:
		return 7
	case TypeServoReport:
		return 8
	case TypeSetDeviceId, TypeAnnounce:
		return 10
	case TypeCalZero:
		return 2
	case TypeBridgeMode:
		return 2
	default:
		return 0
	}
}

// MaxLen bounds every frame this codec ever produces or accepts.
const MaxLen = 12

// ParamIndex identifies a device parameter addressed by QueryParam/SetParam/
// ReportParam. Values follow the firmware's CPI_* table.
type ParamIndex uint16

const (
	ParamFaultCode         ParamIndex = 0
	ParamControlState      ParamIndex = 1
	ParamSafetyMode        ParamIndex = 2
	ParamIndicator         ParamIndex = 3
	ParamHomedState        ParamIndex = 4
	ParamPositionRef       ParamIndex = 5
	ParamPWMMode           ParamIndex = 6
	ParamOtherJointId      ParamIndex = 7
	ParamOtherJointOffset  ParamIndex = 8
	ParamOtherJointGain    ParamIndex = 9
	ParamPositionGain      ParamIndex = 10
	ParamVelocityPGain     ParamIndex = 11
	ParamVelocityIGain     ParamIndex = 12
	ParamVelocityLimit     ParamIndex = 13
	ParamMaxCurrent        ParamIndex = 14
	ParamHomeIndexPosition ParamIndex = 15
	ParamEndStopEnable     ParamIndex = 16
	ParamEndStopStart      ParamIndex = 17
	ParamEndStopFinal      ParamIndex = 18
	ParamDriveTemp         ParamIndex = 19
	ParamMotorTemp         ParamIndex = 20
	ParamSupplyVoltage     ParamIndex = 21
	ParamIndexSensor       ParamIndex = 22
	ParamUSBPacketDrops    ParamIndex = 23
	ParamUSBPacketErrors   ParamIndex = 24
	ParamFaultState        ParamIndex = 25
	ParamMotorKv           ParamIndex = 26
	ParamMotorInductance   ParamIndex = 27
	ParamMotorResistance   ParamIndex = 28
	ParamEncoderCalRow     ParamIndex = 29 // selects one row of the 18x3 hall cal table
)

// ControlMode selects what the Servo packet's position field means.
type ControlMode byte

const (
	ControlOff      ControlMode = 0
	ControlPosition ControlMode = 1
	ControlVelocity ControlMode = 2
	ControlTorque   ControlMode = 3
	ControlFault    ControlMode = 4
)

// PositionReference marks whether a servo's position is relative to power-on
// or has been anchored to an absolute frame by homing.
type PositionReference byte

const (
	PositionRelative PositionReference = 0
	PositionAbsolute PositionReference = 1
)

// HomedState tracks homing progress, mirrored in ParamHomedState reports.
type HomedState byte

const (
	HomeLost    HomedState = 0
	HomeHoming  HomedState = 1
	HomeHomed   HomedState = 2
)

// SafetyMode gates whether demands are honoured at all.
type SafetyMode byte

const (
	SafetyGlobalEmergencyStop SafetyMode = 0
	SafetyLocal               SafetyMode = 1
	SafetyRun                 SafetyMode = 2
)
