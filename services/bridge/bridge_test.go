package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dogbotctl/bus"
)

// fakeBridger is a hand-rolled Bridger double: EnableBridge succeeds unless
// failEnable is set, and BridgedReader blocks on a channel the test feeds.
type fakeBridger struct {
	failEnable bool

	mu      sync.Mutex
	enabled map[string]bool
	frames  chan []byte
	written [][]byte
}

func newFakeBridger() *fakeBridger {
	return &fakeBridger{enabled: make(map[string]bool), frames: make(chan []byte, 8)}
}

func (f *fakeBridger) EnableBridge(ctx context.Context, name string) error {
	if f.failEnable {
		return errors.New("enable failed")
	}
	f.mu.Lock()
	f.enabled[name] = true
	f.mu.Unlock()
	return nil
}

func (f *fakeBridger) DisableBridge(name string) error {
	f.mu.Lock()
	f.enabled[name] = false
	f.mu.Unlock()
	return nil
}

func (f *fakeBridger) BridgedReader(ctx context.Context, name string) ([]byte, error) {
	select {
	case fr := <-f.frames:
		return fr, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeBridger) BridgedWrite(ctx context.Context, name string, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, frame)
	return nil
}

var _ Bridger = (*fakeBridger)(nil)

func TestBridgeEnablesAndReportsUp(t *testing.T) {
	b := bus.NewBus(16)
	conn := b.NewConnection("bridge_test")
	fb := newFakeBridger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Start(ctx, conn, fb, "hip_left")

	stateSub := conn.Subscribe(bus.Topic{"bridge", "hip_left", "state"})
	defer conn.Unsubscribe(stateSub)

	first := nextStatePayload(t, stateSub, 500*time.Millisecond)
	assertLevelStatus(t, first, "idle", "awaiting_config")

	cfg := `{"enabled":true}`
	conn.Publish(conn.NewMessage(bus.Topic{"config", "bridge", "hip_left"}, cfg, false))

	up := nextStatePayload(t, stateSub, time.Second)
	assertLevelStatus(t, up, "up", "link_established")

	fb.mu.Lock()
	enabled := fb.enabled["hip_left"]
	fb.mu.Unlock()
	if !enabled {
		t.Fatalf("expected EnableBridge to have been called for hip_left")
	}
}

func TestBridgeEnableFailureYieldsErrorState(t *testing.T) {
	b := bus.NewBus(16)
	conn := b.NewConnection("bridge_test_fail")
	fb := newFakeBridger()
	fb.failEnable = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Start(ctx, conn, fb, "knee_right")

	stateSub := conn.Subscribe(bus.Topic{"bridge", "knee_right", "state"})
	defer conn.Unsubscribe(stateSub)

	_ = nextStatePayload(t, stateSub, 500*time.Millisecond) // idle/awaiting_config

	conn.Publish(conn.NewMessage(bus.Topic{"config", "bridge", "knee_right"}, `{"enabled":true}`, false))

	errState := nextStatePayload(t, stateSub, time.Second)
	assertLevelStatus(t, errState, "error", "enable_bridge_failed")
}

func TestBridgeDisabledConfigStaysIdle(t *testing.T) {
	b := bus.NewBus(16)
	conn := b.NewConnection("bridge_test_idle")
	fb := newFakeBridger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Start(ctx, conn, fb, "ankle")

	stateSub := conn.Subscribe(bus.Topic{"bridge", "ankle", "state"})
	defer conn.Unsubscribe(stateSub)

	_ = nextStatePayload(t, stateSub, 500*time.Millisecond)

	conn.Publish(conn.NewMessage(bus.Topic{"config", "bridge", "ankle"}, `{"enabled":false}`, false))

	idle := nextStatePayload(t, stateSub, time.Second)
	assertLevelStatus(t, idle, "idle", "disabled")
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func nextStatePayload(t *testing.T, sub *bus.Subscription, d time.Duration) map[string]any {
	t.Helper()
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case m := <-sub.Channel():
		p, ok := m.Payload.(map[string]any)
		if !ok {
			t.Fatalf("state payload type: got %T, want map[string]any", m.Payload)
		}
		return p
	case <-timer.C:
		t.Fatalf("timeout waiting for bridge state")
		return nil
	}
}

func assertLevelStatus(t *testing.T, payload map[string]any, wantLevel, wantStatus string) {
	t.Helper()
	gotLevel, _ := payload["level"].(string)
	gotStatus, _ := payload["status"].(string)
	if gotLevel != wantLevel || gotStatus != wantStatus {
		t.Fatalf("unexpected state: level=%q status=%q, want level=%q status=%q (payload=%v)",
			gotLevel, gotStatus, wantLevel, wantStatus, payload)
	}
}
