// Package health serves liveness and readiness probes.
//
// Every registered check runs in its own goroutine on a fixed interval. A
// check flips to unhealthy only after FailureThreshold consecutive failures
// and back after SuccessThreshold consecutive successes, so a single slow
// database ping does not pull the instance out of rotation.
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/jx"
)

// CheckFunc returns nil when the component is healthy.
type CheckFunc func(ctx context.Context) error

// Options tune a single check. Zero values fall back to a 1s timeout, three
// failures and one success.
type Options struct {
	Timeout          time.Duration
	FailureThreshold int
	SuccessThreshold int
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = time.Second
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 3
	}
	if o.SuccessThreshold <= 0 {
		o.SuccessThreshold = 1
	}
	return o
}

type probe struct {
	name  string
	opts  Options
	check CheckFunc

	healthy atomic.Bool
	lastErr atomic.Pointer[string]

	// Touched only by the probe's own goroutine.
	fails, oks int
}

func newProbe(name string, opts Options, check CheckFunc) *probe {
	p := &probe{name: name, opts: opts.withDefaults(), check: check}
	p.healthy.Store(true)
	return p
}

func (p *probe) run(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	if err := p.check(ctx); err != nil {
		msg := err.Error()
		p.lastErr.Store(&msg)
		p.oks = 0
		p.fails++
		if p.fails >= p.opts.FailureThreshold {
			p.healthy.Store(false)
		}
		return
	}
	p.lastErr.Store(nil)
	p.fails = 0
	p.oks++
	if p.oks >= p.opts.SuccessThreshold {
		p.healthy.Store(true)
	}
}

func (p *probe) failure() (string, bool) {
	if p.healthy.Load() {
		return "", false
	}
	if msg := p.lastErr.Load(); msg != nil {
		return *msg, true
	}
	return "check is unhealthy", true
}

// Health owns the probes of one process.
type Health struct {
	ready atomic.Bool

	mu        sync.RWMutex
	liveness  []*probe
	readiness []*probe
	cancel    context.CancelFunc
}

// New returns a Health that reports not ready until SetReady(true).
func New() *Health {
	return &Health{}
}

// AddLivenessCheck registers a check whose failure means the process should
// be restarted.
func (h *Health) AddLivenessCheck(name string, opts Options, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.liveness = append(h.liveness, newProbe(name, opts, check))
}

// AddReadinessCheck registers a check whose failure means the process should
// stop receiving traffic.
func (h *Health) AddReadinessCheck(name string, opts Options, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readiness = append(h.readiness, newProbe(name, opts, check))
}

// Start runs every registered check now and then once per interval until
// Stop or ctx cancellation.
func (h *Health) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	h.cancel = cancel
	probes := append(append([]*probe(nil), h.liveness...), h.readiness...)
	h.mu.Unlock()

	for _, p := range probes {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				p.run(ctx)
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
		}()
	}
}

// Stop is safe to call more than once.
func (h *Health) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

// SetReady is flipped to false at the start of graceful shutdown.
func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady reports the manual flag and all readiness checks.
func (h *Health) IsReady() bool {
	return h.ready.Load() && len(failures(h.snapshot(false))) == 0
}

func (h *Health) snapshot(liveness bool) []*probe {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if liveness {
		return append([]*probe(nil), h.liveness...)
	}
	return append([]*probe(nil), h.readiness...)
}

func failures(probes []*probe) map[string]string {
	out := make(map[string]string)
	for _, p := range probes {
		if msg, failed := p.failure(); failed {
			out[p.name] = msg
		}
	}
	return out
}

// LiveEndpoint serves /livez.
func (h *Health) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, failures(h.snapshot(true)))
}

// ReadyEndpoint serves /readyz.
func (h *Health) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	f := failures(h.snapshot(false))
	if !h.ready.Load() {
		f["_readiness"] = "service is not ready"
	}
	writeStatus(w, f)
}

// writeStatus answers {"status":"ok"} or 503 with
// {"status":"unhealthy","checks":{name: error}}.
func writeStatus(w http.ResponseWriter, failed map[string]string) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	status := http.StatusOK
	e.Obj(func(e *jx.Encoder) {
		if len(failed) == 0 {
			e.Field("status", func(e *jx.Encoder) { e.Str("ok") })
			return
		}
		status = http.StatusServiceUnavailable
		names := make([]string, 0, len(failed))
		for name := range failed {
			names = append(names, name)
		}
		sort.Strings(names)

		e.Field("status", func(e *jx.Encoder) { e.Str("unhealthy") })
		e.Field("checks", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				for _, name := range names {
					e.Field(name, func(e *jx.Encoder) { e.Str(failed[name]) })
				}
			})
		})
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}
