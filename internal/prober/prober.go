package prober

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/zsprackett/flowsight-relay/internal/db"
	"github.com/zsprackett/flowsight-relay/internal/events"
	"github.com/zsprackett/flowsight-relay/internal/upstream"
)

const (
	DefaultInterval = 5 * time.Minute
	DefaultTimeout  = 5 * time.Second
)

type Config struct {
	Interval       time.Duration
	Timeout        time.Duration
	NotifyRecovery bool
}

// Notifier receives every alert the prober broadcasts.
type Notifier interface {
	Notify(ctx context.Context, e events.Event)
}

// Recorder persists health history.
type Recorder interface {
	RecordTransition(t db.Transition) error
	SetMetaTime(key string, t time.Time) error
}

// IntegrationStatus is the prober's current view of one integration.
type IntegrationStatus struct {
	Name        string         `json:"name"`
	State       db.HealthState `json:"state"`
	Since       time.Time      `json:"since"`
	LastChecked time.Time      `json:"lastChecked,omitzero"`
	LastError   string         `json:"lastError,omitempty"`
	LatencyMs   int64          `json:"latencyMs"`
}

// Prober checks every configured integration on a fixed schedule and
// broadcasts a health alert whenever at least one of them is degraded.
type Prober struct {
	integrations []upstream.Integration
	broadcaster  events.Broadcaster
	notifier     Notifier
	recorder     Recorder
	cfg          Config
	logger       *slog.Logger
	now          func() time.Time

	cycleMu     sync.Mutex // serialises cycles
	mu          sync.Mutex
	states      map[string]*IntegrationStatus
	wasDegraded bool
	lastCycle   time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// New returns a Prober. notifier and recorder may be nil.
func New(integrations []upstream.Integration, broadcaster events.Broadcaster, notifier Notifier, recorder Recorder, cfg Config, logger *slog.Logger) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 || cfg.Timeout >= cfg.Interval {
		cfg.Timeout = min(DefaultTimeout, cfg.Interval/2)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Prober{
		integrations: integrations,
		broadcaster:  broadcaster,
		notifier:     notifier,
		recorder:     recorder,
		cfg:          cfg,
		logger:       logger,
		now:          time.Now,
		states:       make(map[string]*IntegrationStatus, len(integrations)),
		ctx:          ctx,
		cancel:       cancel,
	}
	started := p.now()
	for _, in := range integrations {
		p.states[in.Name()] = &IntegrationStatus{Name: in.Name(), State: db.StateUnknown, Since: started}
	}
	return p
}

// SetNow replaces the clock. Tests only.
func (p *Prober) SetNow(fn func() time.Time) {
	p.mu.Lock()
	p.now = fn
	p.mu.Unlock()
}

// Start runs one cycle immediately and then one per interval until Stop.
func (p *Prober) Start() {
	p.startOnce.Do(func() {
		p.logger.Info("prober: started", "interval", p.cfg.Interval, "timeout", p.cfg.Timeout, "integrations", len(p.integrations))
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.RunOnce(p.ctx)
			ticker := time.NewTicker(p.cfg.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					p.RunOnce(p.ctx)
				case <-p.ctx.Done():
					return
				}
			}
		}()
	})
}

// Stop cancels in-flight probes and waits for the schedule to exit. Safe to
// call more than once.
func (p *Prober) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		p.logger.Info("prober: stopped")
	})
	p.wg.Wait()
}

type result struct {
	name    string
	err     error
	latency time.Duration
	panic   any
	stack   []byte
}

// RunOnce runs a single probe cycle. A panic anywhere in the cycle is turned
// into a critical alert and never escapes.
func (p *Prober) RunOnce(ctx context.Context) {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("prober: cycle panicked", "panic", r, "stack", string(debug.Stack()))
			p.emit(ctx, events.NewCriticalAlert(fmt.Sprint(r), p.clock()))
		}
	}()

	if len(p.integrations) == 0 {
		return
	}

	results := p.probeAll(ctx)
	for _, r := range results {
		if r.panic != nil {
			p.logger.Error("prober: probe panicked", "integration", r.name, "stack", string(r.stack))
			panic(r.panic)
		}
	}
	if ctx.Err() != nil {
		// Shutting down; in-flight failures say nothing about upstream health.
		p.logger.Debug("prober: cycle abandoned", "err", ctx.Err())
		return
	}

	now := p.clock()
	statuses := make(map[string]events.Status, len(results))
	degraded := false
	for _, r := range results {
		statuses[r.name] = events.StatusOK
		if r.err != nil {
			statuses[r.name] = events.StatusError
			degraded = true
			p.logger.Warn("prober: integration check failed", "integration", r.name, "err", r.err)
		}
		p.observe(r, now)
	}

	p.mu.Lock()
	recovered := !degraded && p.wasDegraded
	p.wasDegraded = degraded
	p.lastCycle = now
	p.mu.Unlock()

	if p.recorder != nil {
		if err := p.recorder.SetMetaTime(db.MetaLastProbeAt, now); err != nil {
			p.logger.Warn("prober: record cycle time failed", "err", err)
		}
	}

	switch {
	case degraded:
		p.emit(ctx, events.NewHealthAlert(statuses, now))
	case recovered && p.cfg.NotifyRecovery:
		p.emit(ctx, events.NewRecoveryAlert(statuses, now))
	default:
		p.logger.Info("prober: cycle complete", "integrations", len(results))
	}
}

func (p *Prober) probeAll(ctx context.Context) []result {
	results := make([]result, len(p.integrations))
	var wg sync.WaitGroup
	for i, in := range p.integrations {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := result{name: in.Name()}
			defer func() {
				if r := recover(); r != nil {
					res.panic, res.stack = r, debug.Stack()
				}
				results[i] = res
			}()
			pctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
			defer cancel()
			start := time.Now()
			res.err = in.Probe(pctx)
			res.latency = time.Since(start)
		}()
	}
	wg.Wait()
	return results
}

// observe applies one probe result to the integration's state machine.
func (p *Prober) observe(r result, now time.Time) {
	next := db.StateHealthy
	detail := ""
	if r.err != nil {
		next = db.StateDegraded
		detail = r.err.Error()
	}

	p.mu.Lock()
	st := p.states[r.name]
	prev, since := st.State, st.Since
	st.LastChecked = now
	st.LastError = detail
	st.LatencyMs = r.latency.Milliseconds()
	if prev != next {
		st.State, st.Since = next, now
	}
	p.mu.Unlock()

	if prev == next {
		return
	}
	switch {
	case next == db.StateDegraded:
		p.logger.Warn("prober: integration degraded", "integration", r.name, "from", prev)
	case prev == db.StateDegraded:
		p.logger.Info("prober: integration recovered", "integration", r.name, "downtime", downtime(since, now))
	default:
		p.logger.Info("prober: integration healthy", "integration", r.name)
	}
	if p.recorder != nil {
		t := db.Transition{Integration: r.name, From: prev, To: next, Detail: detail, LatencyMs: r.latency.Milliseconds(), At: now}
		if err := p.recorder.RecordTransition(t); err != nil {
			p.logger.Warn("prober: record transition failed", "integration", r.name, "err", err)
		}
	}
}

func (p *Prober) emit(ctx context.Context, e events.Event) {
	if p.broadcaster != nil {
		p.broadcaster.Broadcast(e)
	}
	if p.notifier != nil {
		p.notifier.Notify(context.WithoutCancel(ctx), e)
	}
	p.logger.Info("prober: alert sent", "severity", e.Severity, "type", e.Type)
}

func (p *Prober) clock() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.now()
}

// Snapshot returns every integration's status ordered by name.
func (p *Prober) Snapshot() []IntegrationStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]IntegrationStatus, 0, len(p.states))
	for _, st := range p.states {
		out = append(out, *st)
	}
	slices.SortFunc(out, func(a, b IntegrationStatus) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// LastCycle returns when the last completed cycle finished, or the zero time.
func (p *Prober) LastCycle() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastCycle
}

func downtime(since, now time.Time) string {
	return strings.TrimSpace(humanize.RelTime(since, now, "", ""))
}
