package connectivity

import (
	"context"
	"errors"
	"time"

	"github.com/Lokii1211/kadaigpt-sub002/internal/logging"
)

// HealthChecker is satisfied by *apiclient.Client.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// StateSetter receives probe outcomes; *Monitor satisfies it.
type StateSetter interface {
	SetOnline(online bool)
}

// ProberConfig configures reachability probing.
type ProberConfig struct {
	Interval time.Duration
	Timeout  time.Duration
	Attempts int
	Backoff  time.Duration
}

// Prober checks the API health endpoint with bounded retries, enough to ride
// out a backend waking from sleep.
type Prober struct {
	checker HealthChecker
	cfg     ProberConfig
}

// NewProber creates a Prober. Zero fields get usable defaults.
func NewProber(checker HealthChecker, cfg ProberConfig) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	if cfg.Backoff < 0 {
		cfg.Backoff = 0
	}
	return &Prober{checker: checker, cfg: cfg}
}

// httpStatuser is an error carrying the status of an HTTP answer.
type httpStatuser interface {
	HTTPStatus() int
}

// answered reports whether err still proves the host is reachable: any HTTP
// answer below 500 means the network path works.
func answered(err error) bool {
	var hs httpStatuser
	return errors.As(err, &hs) && hs.HTTPStatus() < 500
}

// Probe reports whether any attempt reached the API host.
func (p *Prober) Probe(ctx context.Context) bool {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.Attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		lastErr = p.checker.Health(attemptCtx)
		cancel()
		if lastErr == nil || answered(lastErr) {
			return true
		}

		logging.Debug("Health probe failed", map[string]interface{}{
			"attempt": attempt,
			"error":   lastErr.Error(),
		})
		if attempt == p.cfg.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(p.cfg.Backoff):
		}
	}
	logging.Warn("API unreachable", map[string]interface{}{
		"attempts": p.cfg.Attempts,
		"error":    lastErr.Error(),
	})
	return false
}

// Run probes on every interval and feeds the outcome to target until ctx is done.
func (p *Prober) Run(ctx context.Context, target StateSetter) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			online := p.Probe(ctx)
			if ctx.Err() != nil {
				return
			}
			target.SetOnline(online)
		}
	}
}
