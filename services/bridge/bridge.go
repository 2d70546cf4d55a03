// Package bridge exposes a servo's USB transport as a raw passthrough link
// over the bus, for tools that need to talk straight to the firmware's own
// debug/flashing protocol without the router's framing in the way. Grounded
// on the teacher's services/bridge.go: the same config-subscribe ->
// reconfigure -> goroutine-supervised runLink shape, the same exponential
// backoff on a lost link, and the same retained bridge/<name>/state
// publishing, but the link itself is no longer a dialled UART: it is
// facade.Facade's EnableBridge/DisableBridge/BridgedReader/BridgedWrite
// wrapping router.Router's whole-transport BridgeMode passthrough
// (dogbotctl/router, dogbotctl/transport).
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"dogbotctl/bus"
)

// -----------------------------------------------------------------------------
// Public entry point
// -----------------------------------------------------------------------------

// Bridger is the subset of *facade.Facade a bridge Service drives. Kept as an
// interface (rather than importing facade directly) so bridge_test.go can
// exercise the supervision logic against a fake without pulling in a real USB
// transport manager, the same reasoning behind homing.Joint and servo.Sender
// being narrow interfaces instead of concrete types.
type Bridger interface {
	EnableBridge(ctx context.Context, name string) error
	DisableBridge(name string) error
	BridgedReader(ctx context.Context, name string) ([]byte, error)
	BridgedWrite(ctx context.Context, name string, frame []byte) error
}

// Start starts the bridge service for one device and blocks until ctx is
// cancelled. It listens for JSON config on {"config","bridge",name} and
// (re)configures the passthrough link whenever a new config is published.
func Start(ctx context.Context, conn *bus.Connection, b Bridger, name string) {
	s := &Service{
		conn:       conn,
		b:          b,
		name:       name,
		stateTopic: bus.Topic{"bridge", name, "state"},
	}
	s.run(ctx)
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config is the JSON-encoded configuration expected on "config/bridge/<name>".
// Enabled toggles the passthrough link on or off; a device left at
// Enabled=false never has EnableBridge called on it, so normal router
// dispatch (servo reports, demands) keeps flowing.
type Config struct {
	Enabled bool `json:"enabled"`

	// Next: frame-rate caps, read/write size limits, idle-timeout tuning.
}

// -----------------------------------------------------------------------------
// Service
// -----------------------------------------------------------------------------

type Service struct {
	conn       *bus.Connection
	b          Bridger
	name       string
	stateTopic bus.Topic

	mu     sync.Mutex
	curRun context.CancelFunc
	curCfg atomic.Value // stores Config
}

// run waits for config and supervises a single bridged-link instance.
func (s *Service) run(ctx context.Context) {
	cfgSub := s.conn.Subscribe(bus.Topic{"config", "bridge", s.name})
	defer s.conn.Unsubscribe(cfgSub)

	s.publishState("idle", "awaiting_config", nil)

	for {
		select {
		case <-ctx.Done():
			s.stopCurrent()
			return
		case msg, ok := <-cfgSub.Channel():
			if !ok {
				s.publishState("error", "config_subscription_closed", nil)
				return
			}
			cfg, err := decodeConfig(msg.Payload)
			if err != nil {
				s.publishState("error", "config_decode_failed", err)
				continue
			}
			s.reconfigure(ctx, cfg)
		}
	}
}

func (s *Service) stopCurrent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.curRun != nil {
		s.curRun()
		s.curRun = nil
	}
}

func (s *Service) reconfigure(parent context.Context, cfg Config) {
	s.mu.Lock()
	if s.curRun != nil {
		s.curRun()
		s.curRun = nil
	}
	ctx, cancel := context.WithCancel(parent)
	s.curRun = cancel
	s.mu.Unlock()

	s.curCfg.Store(cfg)
	if !cfg.Enabled {
		s.publishState("idle", "disabled", nil)
		return
	}
	// EnableBridge flips the whole USB transport into raw passthrough, so the
	// link is run in its own goroutine exactly the way the teacher's
	// reconfigure spawns runLink: a stuck or slow passthrough session must
	// never block the service loop from picking up the next config change.
	go s.runLink(ctx, cfg)
}

// -----------------------------------------------------------------------------
// Link supervision and I/O
// -----------------------------------------------------------------------------

func (s *Service) runLink(ctx context.Context, cfg Config) {
	if err := s.b.EnableBridge(ctx, s.name); err != nil {
		s.publishState("error", "enable_bridge_failed", err)
		return
	}
	defer s.b.DisableBridge(s.name)

	backoff := backoffSeq(250*time.Millisecond, 5*time.Second)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.publishState("up", "link_established", nil)
		if err := s.handleLink(ctx); err != nil {
			delay := backoff()
			s.publishState("degraded", "link_lost_retrying", fmt.Errorf("%v (retry in %s)", err, delay))
			if !sleep(ctx, delay) {
				return
			}
			continue
		}
		return
	}
}

// handleLink pumps raw frames between the bridged transport and the bus: a
// reader loop republishes every frame BridgedReader hands back onto
// bridge/<name>/rx, and writer requests arrive on bridge/<name>/tx.
func (s *Service) handleLink(ctx context.Context) error {
	txSub := s.conn.Subscribe(bus.Topic{"bridge", s.name, "tx"})
	defer s.conn.Unsubscribe(txSub)

	errCh := make(chan error, 1)
	go func() {
		for {
			frame, err := s.b.BridgedReader(ctx, s.name)
			if err != nil {
				errCh <- err
				return
			}
			s.conn.Publish(s.conn.NewMessage(bus.Topic{"bridge", s.name, "rx"}, frame, false))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		case msg := <-txSub.Channel():
			frame, ok := msg.Payload.([]byte)
			if !ok {
				continue
			}
			if err := s.b.BridgedWrite(ctx, s.name, frame); err != nil {
				return err
			}
		}
	}
}

// -----------------------------------------------------------------------------
// Utilities
// -----------------------------------------------------------------------------

func decodeConfig(p any) (Config, error) {
	var cfg Config
	switch v := p.(type) {
	case []byte:
		if err := json.Unmarshal(v, &cfg); err != nil {
			return cfg, err
		}
	case string:
		if err := json.Unmarshal([]byte(v), &cfg); err != nil {
			return cfg, err
		}
	case map[string]any:
		b, err := json.Marshal(v)
		if err != nil {
			return cfg, err
		}
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config payload type: %T", p)
	}
	return cfg, nil
}

func (s *Service) publishState(level, status string, err error) {
	payload := map[string]any{
		"level":  level,
		"status": status,
		"ts_ms":  time.Now().UnixMilli(),
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	s.conn.Publish(s.conn.NewMessage(s.stateTopic, payload, true))
}

func backoffSeq(min, max time.Duration) func() time.Duration {
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	if max < min {
		max = min
	}
	cur := min
	return func() time.Duration {
		d := cur
		cur *= 2
		if cur > max {
			cur = max
		}
		return d
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
