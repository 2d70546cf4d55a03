// Package router dispatches incoming frames to the owning servo engine by
// device id, and steers outgoing frames to the transport currently bound to
// that id. Grounded on _examples/original_source/API/src/Coms.cc's
// dispatch-by-id loop (HandlePacket) and the teacher's services/hal devEntry
// / capToDev registry pattern (one map keyed by a stable identifier, looked
// up on every inbound message).
package router

import (
	"context"
	"sync"
	"sync/atomic"

	"dogbotctl/errcode"
	"dogbotctl/logx"
	"dogbotctl/packet"
	"dogbotctl/servo"
	"dogbotctl/transport"
)

// Engine is the subset of *servo.Engine the router drives, named the same
// way homing.Joint narrows servo.Engine for the homing coordinator: servo
// depends on nothing router-shaped, so router depends down on servo's shape
// (and, for test doubles, any type that happens to have it) rather than
// servo depending up on router.
type Engine interface {
	ID() byte
	UID() (uint32, uint32)
	SetID(id byte)
	HandlePacketPong(buf []byte) error
	HandlePacketServoReport(buf []byte) (bool, error)
	HandlePacketAnnounce(buf []byte, isManager bool) (bool, error)
	HandlePacketReportParam(buf []byte) (bool, error)
}

// uidKey identifies a physical device independent of its currently assigned
// id, the same pair the original's Announce handler matches on.
type uidKey struct{ uid1, uid2 uint32 }

// NewDeviceFunc notifies the facade/config layer that a device with no
// registered engine announced itself, so it can decide whether to adopt it
// (build a config.Servo entry, construct an Engine, call RegisterDevice).
type NewDeviceFunc func(id byte, uid1, uid2 uint32, tp *transport.Transport)

// Router owns the live device-id -> engine bindings and the set of
// transports currently carrying traffic, and implements transport.Sink so
// any Transport can hand it completed frames.
type Router struct {
	isManager   bool
	log         *logx.Logger
	onNewDevice NewDeviceFunc

	mu          sync.RWMutex
	byID        map[byte]Engine
	byUID       map[uidKey]Engine
	transports  map[*transport.Transport]struct{}
	ownerOf     map[byte]*transport.Transport // device id -> transport it was last heard on
	bridgedByID map[byte]*transport.Transport

	droppedFrames atomic.Uint64
}

var (
	_ transport.Sink = (*Router)(nil)
	_ servo.Sender   = (*DeviceSender)(nil)
	_ Engine         = (*servo.Engine)(nil)
)

// New constructs a Router. isManager controls whether Announce frames with
// deviceId 0 are answered with an id allocation, matching the original's
// HandlePacketAnnounce(isManager bool) parameter — non-manager hosts observe
// announces passively.
func New(isManager bool) *Router {
	return &Router{
		isManager:   isManager,
		log:         logx.Default.With("router"),
		byID:        make(map[byte]Engine),
		byUID:       make(map[uidKey]Engine),
		transports:  make(map[*transport.Transport]struct{}),
		ownerOf:     make(map[byte]*transport.Transport),
		bridgedByID: make(map[byte]*transport.Transport),
	}
}

// AttachTransport adds tp to the active set. Callers typically pass this as
// transport.Manager's onArrive callback.
func (r *Router) AttachTransport(tp *transport.Transport) {
	r.mu.Lock()
	r.transports[tp] = struct{}{}
	r.mu.Unlock()
}

// DetachTransport removes tp and any device-id bindings that pointed at it.
func (r *Router) DetachTransport(tp *transport.Transport) {
	r.mu.Lock()
	delete(r.transports, tp)
	for id, owner := range r.ownerOf {
		if owner == tp {
			delete(r.ownerOf, id)
		}
	}
	r.mu.Unlock()
}

// OnNewDevice installs the callback fired when an unrecognised UID
// announces itself; nil (the default) means unrecognised announces are
// allocated an id if this host is manager, but never registered.
func (r *Router) OnNewDevice(fn NewDeviceFunc) { r.onNewDevice = fn }

// RegisterDevice binds a pre-constructed engine (from persisted config) into
// both lookup tables before any traffic has arrived for it.
func (r *Router) RegisterDevice(e Engine) {
	u1, u2 := e.UID()
	r.mu.Lock()
	r.byID[e.ID()] = e
	r.byUID[uidKey{u1, u2}] = e
	r.mu.Unlock()
}

// DeregisterDevice removes a device entirely, e.g. on config reload.
func (r *Router) DeregisterDevice(id byte) {
	r.mu.Lock()
	if e, ok := r.byID[id]; ok {
		u1, u2 := e.UID()
		delete(r.byUID, uidKey{u1, u2})
	}
	delete(r.byID, id)
	delete(r.ownerOf, id)
	r.mu.Unlock()
}

// Sender returns a servo.Sender bound to id: every frame it's handed is
// steered to whichever transport last delivered traffic for that id.
func (r *Router) Sender(id byte) *DeviceSender {
	return &DeviceSender{router: r, id: id}
}

// DeviceSender implements servo.Sender for one device id.
type DeviceSender struct {
	router *Router
	id     byte
}

func (s *DeviceSender) Send(frame []byte) error {
	return s.router.sendTo(s.id, frame)
}

func (r *Router) sendTo(id byte, frame []byte) error {
	r.mu.RLock()
	tp := r.ownerOf[id]
	r.mu.RUnlock()
	if tp == nil {
		return &errcode.E{C: errcode.TransportError, Op: "router.Send", Msg: "no transport bound to device"}
	}
	return tp.Send(frame)
}

// Broadcast replicates frame (e.g. EmergencyStop, Sync) across every active
// transport.
func (r *Router) Broadcast(frame []byte) {
	r.mu.RLock()
	tps := make([]*transport.Transport, 0, len(r.transports))
	for tp := range r.transports {
		tps = append(tps, tp)
	}
	r.mu.RUnlock()
	for _, tp := range tps {
		_ = tp.Send(frame)
	}
}

// DroppedFrames counts frames addressed to an unknown device id.
func (r *Router) DroppedFrames() uint64 { return r.droppedFrames.Load() }

// --- transport.Sink ---

// HandleFrame dispatches one complete frame arriving on tp.
func (r *Router) HandleFrame(tp *transport.Transport, frame []byte) {
	typ, err := packet.Validate(frame)
	if err != nil {
		r.droppedFrames.Add(1)
		return
	}

	if typ == packet.TypeAnnounce {
		r.handleAnnounce(tp, frame)
		return
	}

	devID, ok := packet.DeviceID(frame)
	if !ok {
		// Broadcast-shaped frame (Sync, EmergencyStop, BridgeMode echo) with
		// no addressed engine to notify; nothing further to dispatch.
		return
	}

	r.mu.Lock()
	e, known := r.byID[devID]
	if known {
		r.ownerOf[devID] = tp
	}
	r.mu.Unlock()

	if !known {
		r.droppedFrames.Add(1)
		r.log.Warn("frame for unknown device id", map[string]any{"device": devID, "type": typ.String()})
		return
	}

	var herr error
	switch typ {
	case packet.TypePong:
		herr = e.HandlePacketPong(frame)
	case packet.TypeServoReport:
		_, herr = e.HandlePacketServoReport(frame)
	case packet.TypeReportParam:
		_, herr = e.HandlePacketReportParam(frame)
	case packet.TypeError:
		devID, code, causeType, data, derr := packet.DecodeError(frame)
		herr = derr
		if derr == nil {
			r.log.Warn("device reported error", map[string]any{"device": devID, "code": code, "causeType": causeType, "data": data})
		}
	default:
		// Other dev->host types (Sync echoes, etc.) have no per-engine handler.
	}
	if herr != nil {
		r.log.Warn("frame handling failed", map[string]any{"device": devID, "type": typ.String(), "err": herr})
	}
}

// handleAnnounce implements §4.C's id-allocation and rebind rules. A device
// is recognised by UID, never by the id it happens to be announcing: a
// known device just refreshes its transport ownership and, through its own
// HandlePacketAnnounce, corrects the firmware's id if it drifted from the
// engine's assigned one. A device announcing id 0 has forgotten its
// assignment (first boot or a firmware reset) and needs a fresh one hand
// out by whichever host is manager; if it was already known, that reset
// also resets our notion of its id; an unrecognised UID with a nonzero id
// belongs to a device this host has no engine for yet, surfaced (on a
// manager host only) via onNewDevice for the facade/config layer to decide
// whether to adopt it.
func (r *Router) handleAnnounce(tp *transport.Transport, frame []byte) {
	devID, uid1, uid2, err := packet.DecodeAnnounce(frame)
	if err != nil {
		r.droppedFrames.Add(1)
		return
	}
	key := uidKey{uid1, uid2}

	r.mu.Lock()
	e, known := r.byUID[key]
	r.mu.Unlock()

	if devID == 0 {
		if known {
			r.mu.Lock()
			delete(r.ownerOf, e.ID())
			r.mu.Unlock()
		}
		if r.isManager {
			newID, ok := r.allocateID()
			if !ok {
				r.log.Warn("no free device id to allocate", nil)
				return
			}
			if err := tp.Send(packet.EncodeSetDeviceId(newID, uid1, uid2)); err != nil {
				r.log.Warn("failed to send SetDeviceId", map[string]any{"err": err})
				return
			}
			if known {
				r.Rebind(e, newID, tp)
			} else if r.onNewDevice != nil {
				r.onNewDevice(newID, uid1, uid2, tp)
			}
		}
		return
	}

	if !known {
		if r.isManager && r.onNewDevice != nil {
			r.onNewDevice(devID, uid1, uid2, tp)
		}
		return
	}

	r.mu.Lock()
	r.ownerOf[e.ID()] = tp
	r.mu.Unlock()

	if rebound, err := e.HandlePacketAnnounce(frame, r.isManager); err != nil {
		r.log.Warn("announce handling failed", map[string]any{"err": err})
	} else if rebound {
		r.log.Info("told device to rebind to assigned id", map[string]any{"uid1": uid1, "uid2": uid2, "id": e.ID()})
	}
}

// Rebind moves e's binding to newID, updating the engine's own notion of its
// id so frames it originates carry the right address. Used by the devID==0
// "device forgot its id" path above.
func (r *Router) Rebind(e Engine, newID byte, tp *transport.Transport) {
	r.mu.Lock()
	delete(r.byID, e.ID())
	e.SetID(newID)
	r.byID[newID] = e
	r.ownerOf[newID] = tp
	r.mu.Unlock()
}

// allocateID finds the smallest id in [1,254] not currently bound.
func (r *Router) allocateID() (byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id := 1; id < 255; id++ {
		if _, used := r.byID[byte(id)]; !used {
			return byte(id), true
		}
	}
	return 0, false
}

// --- bridge mode ---

// EnableBridge puts the transport currently bound to id into raw passthrough
// and stops the router from interpreting further frames it carries, per the
// supplemented BridgeMode feature. Since BridgeMode is transport-wide (the
// wire frame carries no device id), this bridges every device multiplexed
// over that same transport, not just id.
func (r *Router) EnableBridge(ctx context.Context, id byte) error {
	tp, err := r.transportFor(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.bridgedByID[id] = tp
	r.mu.Unlock()
	return tp.EnableBridge()
}

// DisableBridge restores normal dispatch for id's transport.
func (r *Router) DisableBridge(id byte) error {
	r.mu.Lock()
	tp := r.bridgedByID[id]
	delete(r.bridgedByID, id)
	r.mu.Unlock()
	if tp == nil {
		return &errcode.E{C: errcode.TransportError, Op: "router.DisableBridge", Msg: "not bridged"}
	}
	return tp.DisableBridge()
}

// BridgedReader returns the next raw frame read from id's bridged transport.
func (r *Router) BridgedReader(ctx context.Context, id byte) ([]byte, error) {
	tp, err := r.bridgedTransportFor(id)
	if err != nil {
		return nil, err
	}
	return tp.BridgedReader(ctx)
}

// BridgedWrite queues a raw frame on id's bridged transport.
func (r *Router) BridgedWrite(ctx context.Context, id byte, frame []byte) error {
	tp, err := r.bridgedTransportFor(id)
	if err != nil {
		return err
	}
	return tp.BridgedWrite(ctx, frame)
}

func (r *Router) transportFor(id byte) (*transport.Transport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tp := r.ownerOf[id]
	if tp == nil {
		return nil, &errcode.E{C: errcode.TransportError, Op: "router", Msg: "no transport bound to device"}
	}
	return tp, nil
}

func (r *Router) bridgedTransportFor(id byte) (*transport.Transport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tp := r.bridgedByID[id]
	if tp == nil {
		return nil, &errcode.E{C: errcode.TransportError, Op: "router", Msg: "device not bridged"}
	}
	return tp, nil
}
