package packet

import (
	"encoding/binary"
	"fmt"
	"math"

	"dogbotctl/errcode"
	"dogbotctl/x/mathx"
)

// Fixed-point scale factors shared by every encode/decode pair in this file.
// Chosen so a servo's full operating range (about ±1 turn, ±6.5 rad, of
// position, ±200 rad/s velocity, ±16 Nm torque) fits an int16 without losing meaningful
// resolution; values outside range are saturated, never wrapped.
const (
	PositionScale = 5000.0  // ticks per radian
	VelocityScale = 150.0   // ticks per rad/s
	TorqueScale   = 2000.0  // ticks per Nm
	MaxTorqueNm   = 16.0
)

func clampI16(v float64) int16 {
	v = mathx.Clamp(v, -32768.0, 32767.0)
	return int16(math.Round(v))
}

func clampU16(v float64) uint16 {
	v = mathx.Clamp(v, 0.0, 65535.0)
	return uint16(math.Round(v))
}

func protoErr(op, msg string) error {
	return &errcode.E{C: errcode.ProtocolError, Op: op, Msg: msg}
}

func checkLen(op string, buf []byte, want int) error {
	if len(buf) != want {
		return protoErr(op, fmt.Sprintf("want %d bytes, got %d", want, len(buf)))
	}
	return nil
}

// PeekType reads the tag byte without validating the rest of the frame.
func PeekType(buf []byte) (Type, error) {
	if len(buf) == 0 {
		return 0, protoErr("PeekType", "empty frame")
	}
	return Type(buf[0]), nil
}

// Validate checks that buf is a well-formed frame of a known Type and
// returns its Type.
func Validate(buf []byte) (Type, error) {
	t, err := PeekType(buf)
	if err != nil {
		return 0, err
	}
	want := t.Len()
	if want == 0 {
		return 0, protoErr("Validate", fmt.Sprintf("unknown type %d", byte(t)))
	}
	if len(buf) != want {
		return 0, protoErr("Validate", fmt.Sprintf("type %s wants %d bytes, got %d", t, want, len(buf)))
	}
	return t, nil
}

// DeviceID extracts the addressed device id from frame types that carry one
// at byte offset 1. ok is false for broadcast/global frames (Sync,
// EmergencyStop, BridgeMode) and for SetDeviceId, whose target is matched by
// UID rather than by current device id.
func DeviceID(buf []byte) (id byte, ok bool) {
	if len(buf) < 2 {
		return 0, false
	}
	switch Type(buf[0]) {
	case TypePing, TypePong, TypeError, TypeQueryParam, TypeSetParam,
		TypeReportParam, TypeServo, TypeServoReport, TypeCalZero, TypeAnnounce:
		return buf[1], true
	default:
		return 0, false
	}
}

// --- Ping / Pong ---

func EncodePing(devID byte) []byte { return []byte{byte(TypePing), devID} }

func DecodePing(buf []byte) (devID byte, err error) {
	if err := checkLen("DecodePing", buf, 2); err != nil {
		return 0, err
	}
	return buf[1], nil
}

func EncodePong(devID byte) []byte { return []byte{byte(TypePong), devID} }

func DecodePong(buf []byte) (devID byte, err error) {
	if err := checkLen("DecodePong", buf, 2); err != nil {
		return 0, err
	}
	return buf[1], nil
}

// --- Sync / EmergencyStop ---

func EncodeSync() []byte { return []byte{byte(TypeSync)} }

func DecodeSync(buf []byte) error { return checkLen("DecodeSync", buf, 1) }

func EncodeEmergencyStop() []byte { return []byte{byte(TypeEmergencyStop)} }

func DecodeEmergencyStop(buf []byte) error { return checkLen("DecodeEmergencyStop", buf, 1) }

// --- Error ---

func EncodeError(devID, code, causeType, data byte) []byte {
	return []byte{byte(TypeError), devID, code, causeType, data}
}

func DecodeError(buf []byte) (devID, code, causeType, data byte, err error) {
	if err = checkLen("DecodeError", buf, 5); err != nil {
		return
	}
	return buf[1], buf[2], buf[3], buf[4], nil
}

// --- QueryParam ---

func EncodeQueryParam(devID byte, idx ParamIndex) []byte {
	buf := make([]byte, 4)
	buf[0] = byte(TypeQueryParam)
	buf[1] = devID
	binary.LittleEndian.PutUint16(buf[2:4], uint16(idx))
	return buf
}

func DecodeQueryParam(buf []byte) (devID byte, idx ParamIndex, err error) {
	if err = checkLen("DecodeQueryParam", buf, 4); err != nil {
		return
	}
	return buf[1], ParamIndex(binary.LittleEndian.Uint16(buf[2:4])), nil
}

// --- SetParam / ReportParam (shared 12-byte layout) ---

func encodeParamFrame(tag Type, devID byte, idx ParamIndex, payload []byte) []byte {
	buf := make([]byte, 12)
	buf[0] = byte(tag)
	buf[1] = devID
	binary.LittleEndian.PutUint16(buf[2:4], uint16(idx))
	n := copy(buf[4:12], payload)
	_ = n
	return buf
}

func decodeParamFrame(op string, tag Type, buf []byte) (devID byte, idx ParamIndex, payload [8]byte, err error) {
	if err = checkLen(op, buf, 12); err != nil {
		return
	}
	if Type(buf[0]) != tag {
		err = protoErr(op, fmt.Sprintf("expected tag %s, got %s", tag, Type(buf[0])))
		return
	}
	devID = buf[1]
	idx = ParamIndex(binary.LittleEndian.Uint16(buf[2:4]))
	copy(payload[:], buf[4:12])
	return
}

func EncodeSetParam(devID byte, idx ParamIndex, payload []byte) []byte {
	return encodeParamFrame(TypeSetParam, devID, idx, payload)
}

func DecodeSetParam(buf []byte) (devID byte, idx ParamIndex, payload [8]byte, err error) {
	return decodeParamFrame("DecodeSetParam", TypeSetParam, buf)
}

func EncodeReportParam(devID byte, idx ParamIndex, payload []byte) []byte {
	return encodeParamFrame(TypeReportParam, devID, idx, payload)
}

func DecodeReportParam(buf []byte) (devID byte, idx ParamIndex, payload [8]byte, err error) {
	return decodeParamFrame("DecodeReportParam", TypeReportParam, buf)
}

// ParamPayloadU16 and ParamPayloadF32 pack/unpack the common single-value
// param payload shapes used by SetParam/ReportParam.
func ParamPayloadU16(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}

func ParamPayloadAsU16(payload [8]byte) uint16 {
	return binary.LittleEndian.Uint16(payload[:2])
}

func ParamPayloadF32(v float32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
	return b
}

func ParamPayloadAsF32(payload [8]byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(payload[:4]))
}

// --- Servo (demand) ---

func EncodeServo(devID byte, mode ControlMode, posRef PositionReference, demand float64, torqueLimitNm float64) []byte {
	buf := make([]byte, 7)
	buf[0] = byte(TypeServo)
	buf[1] = devID

	var posTicks int16
	switch mode {
	case ControlPosition:
		posTicks = clampI16(demand * PositionScale)
	case ControlVelocity:
		posTicks = clampI16(demand * VelocityScale)
	case ControlTorque:
		demand = mathx.Clamp(demand, -MaxTorqueNm, MaxTorqueNm)
		posTicks = clampI16(demand * TorqueScale)
	default:
		posTicks = 0
	}
	binary.LittleEndian.PutUint16(buf[2:4], uint16(posTicks))

	torqueLimitNm = mathx.Clamp(torqueLimitNm, 0, MaxTorqueNm)
	binary.LittleEndian.PutUint16(buf[4:6], clampU16(torqueLimitNm*TorqueScale))

	buf[6] = byte(mode) | byte(posRef)<<4
	return buf
}

func DecodeServo(buf []byte) (devID byte, mode ControlMode, posRef PositionReference, demand float64, torqueLimitNm float64, err error) {
	if err = checkLen("DecodeServo", buf, 7); err != nil {
		return
	}
	devID = buf[1]
	posTicks := int16(binary.LittleEndian.Uint16(buf[2:4]))
	torqueTicks := binary.LittleEndian.Uint16(buf[4:6])
	mode = ControlMode(buf[6] & 0x0F)
	posRef = PositionReference((buf[6] >> 4) & 0x01)

	switch mode {
	case ControlPosition:
		demand = float64(posTicks) / PositionScale
	case ControlVelocity:
		demand = float64(posTicks) / VelocityScale
	case ControlTorque:
		demand = float64(posTicks) / TorqueScale
	}
	torqueLimitNm = float64(torqueTicks) / TorqueScale
	return
}

// --- ServoReport (telemetry) ---

func EncodeServoReport(devID byte, posRef PositionReference, positionRad float64, torqueNm float64, mode ControlMode, homeIndexState bool, tick byte) []byte {
	buf := make([]byte, 8)
	buf[0] = byte(TypeServoReport)
	buf[1] = devID
	binary.LittleEndian.PutUint16(buf[2:4], uint16(clampI16(positionRad*PositionScale)))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(clampI16(torqueNm*TorqueScale)))
	var indexBit byte
	if homeIndexState {
		indexBit = 1
	}
	buf[6] = byte(mode)&0x07 | indexBit<<3 | byte(posRef)<<4
	buf[7] = tick
	return buf
}

func DecodeServoReport(buf []byte) (devID byte, posRef PositionReference, positionRad float64, torqueNm float64, mode ControlMode, homeIndexState bool, tick byte, err error) {
	if err = checkLen("DecodeServoReport", buf, 8); err != nil {
		return
	}
	devID = buf[1]
	positionRad = float64(int16(binary.LittleEndian.Uint16(buf[2:4]))) / PositionScale
	torqueNm = float64(int16(binary.LittleEndian.Uint16(buf[4:6]))) / TorqueScale
	mode = ControlMode(buf[6] & 0x07)
	homeIndexState = (buf[6]>>3)&0x01 != 0
	posRef = PositionReference((buf[6] >> 4) & 0x01)
	tick = buf[7]
	return
}

// --- SetDeviceId / Announce (10-byte UID-addressed frames) ---

func EncodeSetDeviceId(newID byte, uid0, uid1 uint32) []byte {
	buf := make([]byte, 10)
	buf[0] = byte(TypeSetDeviceId)
	buf[1] = newID
	binary.LittleEndian.PutUint32(buf[2:6], uid0)
	binary.LittleEndian.PutUint32(buf[6:10], uid1)
	return buf
}

func DecodeSetDeviceId(buf []byte) (newID byte, uid0, uid1 uint32, err error) {
	if err = checkLen("DecodeSetDeviceId", buf, 10); err != nil {
		return
	}
	newID = buf[1]
	uid0 = binary.LittleEndian.Uint32(buf[2:6])
	uid1 = binary.LittleEndian.Uint32(buf[6:10])
	return
}

func EncodeAnnounce(devID byte, uid0, uid1 uint32) []byte {
	buf := make([]byte, 10)
	buf[0] = byte(TypeAnnounce)
	buf[1] = devID
	binary.LittleEndian.PutUint32(buf[2:6], uid0)
	binary.LittleEndian.PutUint32(buf[6:10], uid1)
	return buf
}

func DecodeAnnounce(buf []byte) (devID byte, uid0, uid1 uint32, err error) {
	if err = checkLen("DecodeAnnounce", buf, 10); err != nil {
		return
	}
	devID = buf[1]
	uid0 = binary.LittleEndian.Uint32(buf[2:6])
	uid1 = binary.LittleEndian.Uint32(buf[6:10])
	return
}

// --- CalZero / BridgeMode ---

func EncodeCalZero(devID byte) []byte { return []byte{byte(TypeCalZero), devID} }

func DecodeCalZero(buf []byte) (devID byte, err error) {
	if err = checkLen("DecodeCalZero", buf, 2); err != nil {
		return
	}
	return buf[1], nil
}

func EncodeBridgeMode(enable bool) []byte {
	var e byte
	if enable {
		e = 1
	}
	return []byte{byte(TypeBridgeMode), e}
}

func DecodeBridgeMode(buf []byte) (enable bool, err error) {
	if err = checkLen("DecodeBridgeMode", buf, 2); err != nil {
		return
	}
	return buf[1] != 0, nil
}
