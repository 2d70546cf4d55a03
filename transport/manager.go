package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"

	"dogbotctl/logx"
)

// Arrival/Departure report a Transport coming up or going away, for the
// router to attach/detach and the facade to reflect in device status.
type Arrival func(t *Transport)
type Departure func(t *Transport)

// Manager polls a gousb.Context for matching devices, opening a Transport
// for each newly seen one and closing it when it disappears. gousb (unlike
// libusb's native hotplug callback) is polled here rather than event-driven,
// since the public API only exposes OpenDevices as a point-in-time scan.
type Manager struct {
	ctx       *gousb.Context
	vid, pid  gousb.ID
	sink      Sink
	onArrive  Arrival
	onDepart  Departure
	pollEvery time.Duration
	log       *logx.Logger

	mu    sync.Mutex
	known map[string]*Transport // keyed by Transport.ID()
}

// NewManager opens a gousb context scoped to one VID/PID pair — one model of
// driver board per Manager, matching the original's single coms-manager
// process per bus.
func NewManager(vid, pid gousb.ID, sink Sink, onArrive Arrival, onDepart Departure) *Manager {
	return &Manager{
		ctx: gousb.NewContext(), vid: vid, pid: pid, sink: sink,
		onArrive: onArrive, onDepart: onDepart,
		pollEvery: 500 * time.Millisecond,
		log:       logx.Default.With("transport.manager"),
		known:     make(map[string]*Transport),
	}
}

// Run polls for attach/detach until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.pollEvery)
	defer ticker.Stop()
	for {
		m.scan()
		select {
		case <-ctx.Done():
			m.closeAll()
			return
		case <-ticker.C:
		}
	}
}

// scan opens every currently-attached matching device, starts a Transport
// for any not already known, and retires any known Transport whose device
// vanished from this scan.
func (m *Manager) scan() {
	seen := make(map[string]bool)
	devs, err := m.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == m.vid && desc.Product == m.pid
	})
	if err != nil {
		m.log.Warn("usb device scan failed", map[string]any{"err": err})
	}

	m.mu.Lock()
	for _, dev := range devs {
		id := deviceIdentity(dev)
		seen[id] = true
		if _, ok := m.known[id]; ok {
			dev.Close()
			continue
		}
		m.mu.Unlock()
		t, err := Open(id, dev, m.sink)
		m.mu.Lock()
		if err != nil {
			m.log.Warn("failed to open newly attached device", map[string]any{"id": id, "err": err})
			continue
		}
		m.known[id] = t
		if m.onArrive != nil {
			m.onArrive(t)
		}
	}
	var departed []*Transport
	for id, t := range m.known {
		if !seen[id] {
			departed = append(departed, t)
			delete(m.known, id)
		}
	}
	m.mu.Unlock()

	for _, t := range departed {
		t.Close()
		if m.onDepart != nil {
			m.onDepart(t)
		}
	}
}

func deviceIdentity(dev *gousb.Device) string {
	return fmt.Sprintf("%d:%d", dev.Desc.Bus, dev.Desc.Address)
}

func (m *Manager) closeAll() {
	m.mu.Lock()
	transports := make([]*Transport, 0, len(m.known))
	for _, t := range m.known {
		transports = append(transports, t)
	}
	m.known = make(map[string]*Transport)
	m.mu.Unlock()
	for _, t := range transports {
		t.Close()
	}
	m.ctx.Close()
}
