// Package connectivity tracks whether the remote API is reachable and starts
// a drain shortly after the shop comes back online.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/Lokii1211/kadaigpt-sub002/internal/logging"
	"github.com/Lokii1211/kadaigpt-sub002/internal/messaging"
	syncpkg "github.com/Lokii1211/kadaigpt-sub002/internal/sync"
)

// DefaultSettleDelay is how long the state must stay online before a drain.
const DefaultSettleDelay = 2 * time.Second

// Config configures a Monitor.
type Config struct {
	SettleDelay time.Duration
	// DrainTimeout bounds the drain started by a reconnection.
	DrainTimeout time.Duration
}

type subscriber struct {
	fn func(online bool)
}

// Monitor holds the online flag. It notifies subscribers on every flip and
// runs the drainer once per reconnection, after the state has settled.
type Monitor struct {
	settle       time.Duration
	drainTimeout time.Duration

	mu      sync.Mutex
	online  bool
	subs    []*subscriber
	drainer syncpkg.Drainer
	timer   *time.Timer
	gen     uint64
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a Monitor with the given initial state.
func NewMonitor(initial bool, cfg Config) *Monitor {
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		settle:       cfg.SettleDelay,
		drainTimeout: cfg.DrainTimeout,
		online:       initial,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// SetDrainer sets what runs after a reconnection. The reconciler needs the
// monitor to exist first, hence a setter.
func (m *Monitor) SetDrainer(d syncpkg.Drainer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drainer = d
}

// Online returns the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers fn for state flips. The returned func removes it.
func (m *Monitor) Subscribe(fn func(online bool)) (unsubscribe func()) {
	s := &subscriber{fn: fn}
	m.mu.Lock()
	m.subs = append(m.subs, s)
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, cur := range m.subs {
			if cur == s {
				m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
				return
			}
		}
	}
}

// SetOnline records a state signal. Repeating the current state does nothing.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.closed || m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if online {
		gen := m.gen
		m.timer = time.AfterFunc(m.settle, func() { m.settled(gen) })
	}
	subs := append([]*subscriber(nil), m.subs...)
	m.mu.Unlock()

	logging.Info("Connectivity changed", map[string]interface{}{"online": online})
	for _, s := range subs {
		s.fn(online)
	}
}

// State is the data of CONNECTIVITY and CONNECTIVITY_CHANGED messages.
type State struct {
	Online bool `json:"online"`
}

// HandleMessage applies a browser CONNECTIVITY signal.
func (m *Monitor) HandleMessage(ctx context.Context, msg messaging.Message) error {
	if msg.Type != messaging.Connectivity {
		return nil
	}
	var st State
	if err := msg.Decode(&st); err != nil {
		return err
	}
	m.SetOnline(st.Online)
	return nil
}

// settled runs when the timer armed by generation gen fires.
func (m *Monitor) settled(gen uint64) {
	m.mu.Lock()
	if m.closed || gen != m.gen || !m.online || m.drainer == nil {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	drainer := m.drainer
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()

	ctx, cancel := context.WithTimeout(m.ctx, m.drainTimeout)
	defer cancel()

	result, err := drainer.Drain(ctx)
	if err != nil {
		logging.Error("Reconnection drain failed", err, nil)
		return
	}
	logging.Info("Reconnection drain finished", map[string]interface{}{
		"skipped": result.Skipped,
		"synced":  result.Synced,
		"failed":  result.Failed,
		"dead":    result.Dead,
	})
}

// Close cancels a pending drain and waits for a running one to return.
func (m *Monitor) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}
