// Package facade is the API surface spec.md calls out as the component
// everything else in this module exists to serve: one place that owns the
// USB transport manager, the router, the live set of servo.Engine/joint.Joint
// instances, and the persisted config document, and that drives the 100Hz
// UpdateTick cycle and publishes device status. Grounded on the teacher's
// services/hal/hal.go event loop shape (devEntry registry, a single select
// loop over config/control subscriptions and a timer, publishState/
// replyOK/replyErr bus helpers, decodeJSON) and services/bridge.go's
// goroutine-supervised long operations (reconfigure spawning runLink).
package facade

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"

	"dogbotctl/bus"
	"dogbotctl/config"
	"dogbotctl/errcode"
	"dogbotctl/joint"
	"dogbotctl/logx"
	"dogbotctl/packet"
	"dogbotctl/router"
	"dogbotctl/servo"
	"dogbotctl/transport"
	"dogbotctl/x/strx"
	"dogbotctl/x/timex"
)

// tickRate is the UpdateTick cadence the facade drives every registered
// engine at: 100Hz.
var tickRate = time.Duration(timex.PeriodFromHz(100))

// StatusTopic and ControlTopic are the bus addresses the facade publishes
// retained device status to and listens for operator commands on.
func StatusTopic(name string) bus.Topic  { return bus.Topic{"servo", name, "status"} }
func controlTopic() bus.Topic            { return bus.Topic{"servo", "+", "control", "+"} }
func configTopic() bus.Topic             { return bus.Topic{"config", "servos"} }
func unclaimedTopic(id byte) bus.Topic   { return bus.Topic{"servo", "unclaimed", id} }
func transportTopic(id string) bus.Topic { return bus.Topic{"transport", id, "state"} }

// DeviceStatus is the snapshot Devices() and the retained status messages
// report for one registered servo.
type DeviceStatus struct {
	Name              string                     `json:"name"`
	DeviceID          byte                       `json:"deviceId"`
	UID1              uint32                     `json:"uid1"`
	UID2              uint32                     `json:"uid2"`
	Position          float64                    `json:"position"`
	Velocity          float64                    `json:"velocity"`
	Torque            float64                    `json:"torque"`
	PositionReference packet.PositionReference   `json:"positionReference"`
	LostContact       bool                       `json:"lostContact"`
	TSMilli           int64                      `json:"ts_ms"`
}

// Facade owns every live device and publishes/accepts status and control
// over a bus.Connection, the way services/hal.service does for its own
// device set.
type Facade struct {
	vid, pid gousb.ID
	conn     *bus.Connection
	log      *logx.Logger

	router  *router.Router
	manager *transport.Manager

	mu       sync.Mutex
	engines  map[string]*servo.Engine // keyed by config.Servo.Name
	joints   map[string]joint.Joint   // keyed by joint name (Direct uses the servo's name)
	doc      *config.Document
	savePath string

	newDeviceCh chan newDeviceEvent
}

type newDeviceEvent struct {
	id         byte
	uid1, uid2 uint32
	tp         *transport.Transport
}

// New constructs a Facade that will scan for USB devices matching vid/pid.
// conn is the bus connection it publishes status on and accepts control
// commands from; callers typically pass a *bus.Connection obtained from
// bus.NewBus(...).NewConnection("facade").
func New(vid, pid gousb.ID, conn *bus.Connection) *Facade {
	f := &Facade{
		vid: vid, pid: pid, conn: conn,
		log:         logx.Default.With("facade"),
		router:      router.New(true),
		engines:     make(map[string]*servo.Engine),
		joints:      make(map[string]joint.Joint),
		newDeviceCh: make(chan newDeviceEvent, 16),
	}
	f.router.OnNewDevice(func(id byte, uid1, uid2 uint32, tp *transport.Transport) {
		select {
		case f.newDeviceCh <- newDeviceEvent{id, uid1, uid2, tp}:
		default:
			f.log.Warn("new device event dropped, channel full", map[string]any{"id": id})
		}
	})
	return f
}

// Run loads configPath (if non-empty), starts the USB transport manager and
// the monitor/control loop, and blocks until ctx is cancelled. Mirrors the
// teacher's hal.Run(ctx, conn, ...) entry point shape.
func (f *Facade) Run(ctx context.Context, configPath string) error {
	f.savePath = configPath
	if configPath != "" {
		doc, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := f.ApplyConfig(doc); err != nil {
			return err
		}
	}

	f.manager = transport.NewManager(f.vid, f.pid, f.router,
		func(tp *transport.Transport) {
			f.router.AttachTransport(tp)
			f.publishTransportState(tp.ID(), "up")
		},
		func(tp *transport.Transport) {
			f.router.DetachTransport(tp)
			f.publishTransportState(tp.ID(), "down")
		},
	)
	go f.manager.Run(ctx)

	f.loop(ctx)
	return nil
}

// loop is the facade's single dispatch point for config changes, operator
// control commands, newly announced devices, and the UpdateTick cadence —
// the same shape as hal.service.loop's select over cfgSub/ctrlSub/timer/
// results/gpio-events.
func (f *Facade) loop(ctx context.Context) {
	cfgSub := f.conn.Subscribe(configTopic())
	ctrlSub := f.conn.Subscribe(controlTopic())
	defer f.conn.Unsubscribe(cfgSub)
	defer f.conn.Unsubscribe(ctrlSub)

	f.publishState("idle", "awaiting_config", nil)

	ticker := time.NewTicker(tickRate)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.publishState("stopped", "context_cancelled", nil)
			return

		case msg := <-cfgSub.Channel():
			var doc config.Document
			if err := decodeJSON(msg.Payload, &doc); err != nil {
				f.publishState("error", "config_decode_failed", err)
				continue
			}
			if err := f.ApplyConfig(&doc); err != nil {
				f.publishState("error", "apply_config_failed", err)
				continue
			}
			f.publishState("ready", "configured", nil)

		case msg := <-ctrlSub.Channel():
			f.handleControl(ctx, msg)

		case ev := <-f.newDeviceCh:
			f.publishUnclaimed(ev)

		case now := <-ticker.C:
			f.tick(now)
		}
	}
}

// tick drives every registered engine's UpdateTick and republishes status for
// any whose tracked state changed, the facade's analogue of hal's periodic
// measurement submission.
func (f *Facade) tick(now time.Time) {
	f.mu.Lock()
	engines := make(map[string]*servo.Engine, len(f.engines))
	for name, e := range f.engines {
		engines[name] = e
	}
	f.mu.Unlock()

	for name, e := range engines {
		if e.UpdateTick(now) {
			f.publishDeviceStatus(name, e)
		}
	}
}

// --- config ---

// ApplyConfig (re)builds the engine and joint registry from doc: an existing
// engine with the same config name is kept and has its config re-applied
// (ApplyConfig is idempotent the way hal.applyConfig is), new ones are
// constructed and registered with the router, and any previously-registered
// device absent from doc is torn down.
func (f *Facade) ApplyConfig(doc *config.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	seen := make(map[string]bool, len(doc.Servos))
	for _, s := range doc.Servos {
		seen[s.Name] = true
		e, ok := f.engines[s.Name]
		if !ok {
			e = servo.New(s.DeviceID, s.UID1, s.UID2, s.Name, f.router.Sender(s.DeviceID))
			f.engines[s.Name] = e
			f.router.RegisterDevice(e)
			f.joints[s.Name] = joint.NewDirect(s.Name, e)
		}
		e.ApplyConfig(s)
		if s.Calibration != nil {
			if err := e.SendCalibration(s.Calibration); err != nil {
				f.log.Warn("send calibration failed", map[string]any{"servo": s.Name, "err": err})
			}
		}
	}

	for _, rj := range doc.RelativeJoints {
		drive, ok := f.joints[rj.Drive]
		if !ok {
			return &errcode.E{C: errcode.ConfigError, Op: "facade.ApplyConfig", Msg: fmt.Sprintf("relative joint %q: unknown drive joint %q", rj.Name, rj.Drive)}
		}
		ref, ok := f.joints[rj.Reference]
		if !ok {
			return &errcode.E{C: errcode.ConfigError, Op: "facade.ApplyConfig", Msg: fmt.Sprintf("relative joint %q: unknown reference joint %q", rj.Name, rj.Reference)}
		}
		seen[rj.Name] = true
		f.joints[rj.Name] = joint.NewRelative(rj.Name, drive, ref, rj.RefGain, rj.RefOffset, rj.Gain)
	}

	for name, e := range f.engines {
		if seen[name] {
			continue
		}
		f.router.DeregisterDevice(e.ID())
		delete(f.engines, name)
		delete(f.joints, name)
	}
	for name := range f.joints {
		if !seen[name] {
			delete(f.joints, name)
		}
	}

	f.doc = doc
	return nil
}

// LoadConfig reads and applies a config document from path, for a console
// command that doesn't go via the bus config topic.
func (f *Facade) LoadConfig(path string) error {
	doc, err := config.Load(path)
	if err != nil {
		return err
	}
	return f.ApplyConfig(doc)
}

// SaveConfig persists the config to path (or the path Run was given, if path
// is empty). It writes back the document last passed to ApplyConfig as it
// is; nothing is read back from the live engines first.
func (f *Facade) SaveConfig(path string) error {
	path = strx.Coalesce(path, f.savePath)
	if path == "" {
		return &errcode.E{C: errcode.ConfigError, Op: "facade.SaveConfig", Msg: "no config path configured"}
	}
	f.mu.Lock()
	doc := f.doc
	f.mu.Unlock()
	if doc == nil {
		return &errcode.E{C: errcode.ConfigError, Op: "facade.SaveConfig", Msg: "no config loaded yet"}
	}
	return config.Save(path, doc)
}

// --- control dispatch ---

// handleControl implements servo/<name>/control/<method>, the facade's
// equivalent of hal's hal/capability/<kind>/<id>/control/<method> handler.
func (f *Facade) handleControl(ctx context.Context, msg *bus.Message) {
	if len(msg.Topic) < 4 {
		return
	}
	name, _ := msg.Topic[1].(string)
	method, _ := msg.Topic[3].(string)

	f.mu.Lock()
	e, ok := f.engines[name]
	f.mu.Unlock()
	if !ok {
		f.replyErr(msg, "unknown device "+name)
		return
	}

	switch method {
	case "demand_position":
		var p struct {
			Position    float64 `json:"position"`
			TorqueLimit float64 `json:"torque_limit"`
		}
		if err := decodeJSON(msg.Payload, &p); err != nil {
			f.replyErr(msg, err.Error())
			return
		}
		if err := e.DemandPosition(p.Position, p.TorqueLimit); err != nil {
			f.replyErr(msg, err.Error())
			return
		}
		f.replyOK(msg, nil)

	case "demand_torque":
		var p struct {
			Torque float64 `json:"torque"`
		}
		if err := decodeJSON(msg.Payload, &p); err != nil {
			f.replyErr(msg, err.Error())
			return
		}
		if err := e.DemandTorque(p.Torque); err != nil {
			f.replyErr(msg, err.Error())
			return
		}
		f.replyOK(msg, nil)

	case "home":
		var p struct {
			RestorePosition bool `json:"restore_position"`
		}
		_ = decodeJSON(msg.Payload, &p)
		// Homing can run for tens of seconds; run it off the control loop so
		// a slow home never stalls every other device's dispatch, the same
		// reasoning behind bridge.Service.reconfigure spawning runLink in its
		// own goroutine instead of running it inline.
		go func() {
			homed, err := e.HomeJoint(ctx, p.RestorePosition)
			if err != nil {
				f.replyErr(msg, err.Error())
				return
			}
			f.replyOK(msg, map[string]any{"homed": homed})
		}()

	case "zero_calibration":
		if err := e.ZeroCalibration(); err != nil {
			f.replyErr(msg, err.Error())
			return
		}
		f.replyOK(msg, nil)

	case "save_calibration":
		var cal config.MotorCalibration
		if err := decodeJSON(msg.Payload, &cal); err != nil {
			f.replyErr(msg, err.Error())
			return
		}
		if err := e.SendCalibration(&cal); err != nil {
			f.replyErr(msg, err.Error())
			return
		}
		f.replyOK(msg, nil)

	case "load_calibration":
		if err := e.LoadCalibration(); err != nil {
			f.replyErr(msg, err.Error())
			return
		}
		f.replyOK(msg, map[string]any{"queued": true})

	case "enable_bridge":
		if err := f.router.EnableBridge(ctx, e.ID()); err != nil {
			f.replyErr(msg, err.Error())
			return
		}
		f.replyOK(msg, nil)

	case "disable_bridge":
		if err := f.router.DisableBridge(e.ID()); err != nil {
			f.replyErr(msg, err.Error())
			return
		}
		f.replyOK(msg, nil)

	default:
		f.replyErr(msg, "unknown method "+method)
	}
}

// --- direct Go API, for cmd/dogbotctl's console ---

func (f *Facade) Devices() []DeviceStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]DeviceStatus, 0, len(f.engines))
	for name, e := range f.engines {
		out = append(out, f.statusOf(name, e))
	}
	return out
}

func (f *Facade) DemandPosition(name string, position, torqueLimit float64) error {
	e, err := f.engineByName(name)
	if err != nil {
		return err
	}
	return e.DemandPosition(position, torqueLimit)
}

func (f *Facade) DemandTorque(name string, torque float64) error {
	e, err := f.engineByName(name)
	if err != nil {
		return err
	}
	return e.DemandTorque(torque)
}

func (f *Facade) Home(ctx context.Context, name string, restorePosition bool) (bool, error) {
	e, err := f.engineByName(name)
	if err != nil {
		return false, err
	}
	return e.HomeJoint(ctx, restorePosition)
}

func (f *Facade) EnableBridge(ctx context.Context, name string) error {
	e, err := f.engineByName(name)
	if err != nil {
		return err
	}
	return f.router.EnableBridge(ctx, e.ID())
}

func (f *Facade) DisableBridge(name string) error {
	e, err := f.engineByName(name)
	if err != nil {
		return err
	}
	return f.router.DisableBridge(e.ID())
}

func (f *Facade) BridgedReader(ctx context.Context, name string) ([]byte, error) {
	e, err := f.engineByName(name)
	if err != nil {
		return nil, err
	}
	return f.router.BridgedReader(ctx, e.ID())
}

func (f *Facade) BridgedWrite(ctx context.Context, name string, frame []byte) error {
	e, err := f.engineByName(name)
	if err != nil {
		return err
	}
	return f.router.BridgedWrite(ctx, e.ID(), frame)
}

func (f *Facade) engineByName(name string) (*servo.Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.engines[name]
	if !ok {
		return nil, &errcode.E{C: errcode.ConfigError, Op: "facade", Msg: "unknown device " + name}
	}
	return e, nil
}

// --- status publishing ---

func (f *Facade) statusOf(name string, e *servo.Engine) DeviceStatus {
	_, position, velocity, torque, _ := e.GetState()
	uid1, uid2 := e.UID()
	return DeviceStatus{
		Name:              name,
		DeviceID:          e.ID(),
		UID1:              uid1,
		UID2:              uid2,
		Position:          position,
		Velocity:          velocity,
		Torque:            torque,
		PositionReference: e.PositionReference(),
		LostContact:       e.LostContactTimeout(),
		TSMilli:           timex.NowMs(),
	}
}

func (f *Facade) publishDeviceStatus(name string, e *servo.Engine) {
	st := f.statusOf(name, e)
	f.conn.Publish(f.conn.NewMessage(StatusTopic(name), st, true))
}

func (f *Facade) publishUnclaimed(ev newDeviceEvent) {
	f.log.Info("unclaimed device announced", map[string]any{"id": ev.id, "uid1": ev.uid1, "uid2": ev.uid2})
	f.conn.Publish(f.conn.NewMessage(unclaimedTopic(ev.id), map[string]any{
		"uid1": ev.uid1, "uid2": ev.uid2, "ts_ms": timex.NowMs(),
	}, true))
}

func (f *Facade) publishTransportState(id, state string) {
	f.conn.Publish(f.conn.NewMessage(transportTopic(id), map[string]any{
		"state": state, "ts_ms": timex.NowMs(),
	}, true))
}

func (f *Facade) publishState(level, status string, err error) {
	payload := map[string]any{"level": level, "status": status, "ts_ms": timex.NowMs()}
	if err != nil {
		payload["error"] = err.Error()
	}
	f.conn.Publish(f.conn.NewMessage(bus.Topic{"servo", "state"}, payload, true))
}

func (f *Facade) replyOK(req *bus.Message, extra map[string]any) {
	if len(req.ReplyTo) == 0 {
		return
	}
	m := map[string]any{"ok": true}
	for k, v := range extra {
		m[k] = v
	}
	f.conn.Reply(req, m, false)
}

func (f *Facade) replyErr(req *bus.Message, e string) {
	if len(req.ReplyTo) == 0 {
		return
	}
	f.conn.Reply(req, map[string]any{"ok": false, "error": e}, false)
}

// decodeJSON accepts the same payload shapes hal.decodeJSON does: raw bytes,
// a JSON string, or an already-decoded Go value re-marshaled into T.
func decodeJSON[T any](src any, dst *T) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return json.Unmarshal(b, dst)
	}
}
