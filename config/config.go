// Package config loads and saves the persisted device/joint document: which
// UIDs map to which device ids, per-servo gains and limits, and the
// relative-joint wiring between them. Shaped after the teacher's
// services/hal/config.go (HALConfig/DevCfg/BusRef) and
// services/bridge.Config/decodeConfig: plain structs, encoding/json, no
// schema library.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"dogbotctl/errcode"
)

// HallCalPoints is the number of hall-sensor calibration rows carried per
// motor (the firmware's m_hall[18][3] table).
const HallCalPoints = 18

// MotorCalibration mirrors the firmware's MotorCalibrationC: the gains and
// limits a motor driver needs loaded before it can run, plus the raw hall
// calibration table. Servo.SendCalibration pushes this over the wire as a
// sequence of SetParam writes; Servo.LoadCalibration only issues the matching
// QueryParam requests and does not fill a MotorCalibration from the replies.
type MotorCalibration struct {
	MotorKv          float64 `json:"motorKv"`
	VelocityLimit    float64 `json:"velocityLimit"`
	CurrentLimit     float64 `json:"currentLimit"`
	PositionPGain    float64 `json:"positionPGain"`
	VelocityPGain    float64 `json:"velocityPGain"`
	VelocityIGain    float64 `json:"velocityIGain"`
	MotorInductance  float64 `json:"motorInductance"`
	MotorResistance  float64 `json:"motorResistance"`
	Hall             [HallCalPoints][3]uint16 `json:"encoder_cal"`
}

// SetCal stores one row of the hall calibration table.
func (m *MotorCalibration) SetCal(place int, p1, p2, p3 uint16) {
	if place < 0 || place >= HallCalPoints {
		return
	}
	m.Hall[place] = [3]uint16{p1, p2, p3}
}

// GetCal retrieves one row of the hall calibration table.
func (m *MotorCalibration) GetCal(place int) (p1, p2, p3 uint16) {
	if place < 0 || place >= HallCalPoints {
		return 0, 0, 0
	}
	row := m.Hall[place]
	return row[0], row[1], row[2]
}

// Servo is one persisted servo's identity and tuning, matching spec.md §6's
// persisted-state table.
type Servo struct {
	Name          string  `json:"name"`
	UID1          uint32  `json:"uid1"`
	UID2          uint32  `json:"uid2"`
	DeviceID      byte    `json:"deviceId"`
	Enabled       bool    `json:"enabled"`
	MotorKv       float64 `json:"motorKv"`
	GearRatio     float64 `json:"gearRatio"`
	HomeOffset    float64 `json:"homeOffset"`
	EndStopStart  float64 `json:"endStopStart"`
	EndStopFinal  float64 `json:"endStopFinal"`
	EndStopEnable bool    `json:"endStopEnable"`
	SafetyMode    byte    `json:"safetyMode"`

	Calibration *MotorCalibration `json:"setup,omitempty"`
}

// RelativeJoint is a joint whose simple position is computed from another
// joint's reference position (spec.md §4.F), e.g. a knee driven off a hip.
type RelativeJoint struct {
	Name      string  `json:"name"`
	Drive     string  `json:"jointDrive"` // name of the Servo this joint drives
	Reference string  `json:"jointRef"`   // name of the Servo/Joint used as reference
	RefGain   float64 `json:"refGain"`
	RefOffset float64 `json:"refOffset"`
	Gain      float64 `json:"gain"`
}

// Document is the whole persisted config file.
type Document struct {
	Servos         []Servo         `json:"servos"`
	RelativeJoints []RelativeJoint `json:"relativeJoints"`
}

// Load reads and parses a Document from path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errcode.E{C: errcode.ConfigError, Op: "config.Load", Msg: path, Err: err}
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &errcode.E{C: errcode.ConfigError, Op: "config.Load", Msg: fmt.Sprintf("parse %s", path), Err: err}
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Save writes doc to path as indented JSON.
func Save(path string, doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return &errcode.E{C: errcode.ConfigError, Op: "config.Save", Msg: "marshal", Err: err}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return &errcode.E{C: errcode.ConfigError, Op: "config.Save", Msg: path, Err: err}
	}
	return nil
}

// Validate checks cross-references: every RelativeJoint's Drive/Reference
// must name a known Servo, and no two Servos may share a device id.
func (d *Document) Validate() error {
	byName := make(map[string]bool, len(d.Servos))
	seenID := make(map[byte]string, len(d.Servos))
	for _, s := range d.Servos {
		byName[s.Name] = true
		if prev, ok := seenID[s.DeviceID]; ok {
			return &errcode.E{C: errcode.ConfigError, Op: "Document.Validate",
				Msg: fmt.Sprintf("device id %d reused by %q and %q", s.DeviceID, prev, s.Name)}
		}
		seenID[s.DeviceID] = s.Name
	}
	for _, j := range d.RelativeJoints {
		if !byName[j.Drive] {
			return &errcode.E{C: errcode.ConfigError, Op: "Document.Validate",
				Msg: fmt.Sprintf("relative joint %q drives unknown servo %q", j.Name, j.Drive)}
		}
		if !byName[j.Reference] {
			return &errcode.E{C: errcode.ConfigError, Op: "Document.Validate",
				Msg: fmt.Sprintf("relative joint %q references unknown servo %q", j.Name, j.Reference)}
		}
	}
	return nil
}

// ServoByName returns a pointer into d.Servos, or nil if not found. Kept as
// a pointer so callers can mutate persisted tuning in place before Save.
func (d *Document) ServoByName(name string) *Servo {
	for i := range d.Servos {
		if d.Servos[i].Name == name {
			return &d.Servos[i]
		}
	}
	return nil
}
