package prober_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zsprackett/flowsight-relay/internal/db"
	"github.com/zsprackett/flowsight-relay/internal/events"
	"github.com/zsprackett/flowsight-relay/internal/prober"
	"github.com/zsprackett/flowsight-relay/internal/upstream"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type captureBroadcaster struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *captureBroadcaster) Broadcast(e events.Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *captureBroadcaster) all() []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]events.Event(nil), c.events...)
}

type fakeIntegration struct {
	name  string
	mu    sync.Mutex
	err   error
	delay time.Duration
	boom  bool
	calls int
}

func (f *fakeIntegration) Name() string { return f.name }

func (f *fakeIntegration) Probe(ctx context.Context) error {
	f.mu.Lock()
	f.calls++
	err, delay, boom := f.err, f.delay, f.boom
	f.mu.Unlock()
	if boom {
		panic("mapping exploded")
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeIntegration) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeIntegration) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newProber(bc events.Broadcaster, cfg prober.Config, ins ...upstream.Integration) *prober.Prober {
	return prober.New(ins, bc, nil, nil, cfg, discardLogger())
}

func TestAllHealthyEmitsNothing(t *testing.T) {
	bc := &captureBroadcaster{}
	p := newProber(bc, prober.Config{}, &fakeIntegration{name: "ghl"}, &fakeIntegration{name: "airtable"})

	p.RunOnce(context.Background())

	if got := bc.all(); len(got) != 0 {
		t.Fatalf("expected no alerts, got %d", len(got))
	}
	for _, st := range p.Snapshot() {
		if st.State != db.StateHealthy {
			t.Errorf("%s: expected healthy, got %s", st.Name, st.State)
		}
	}
}

func TestOneFailureEmitsExactlyOneAlert(t *testing.T) {
	bc := &captureBroadcaster{}
	p := newProber(bc, prober.Config{},
		&fakeIntegration{name: "ghl", err: &upstream.StatusError{Integration: "ghl", Code: 401}},
		&fakeIntegration{name: "airtable"},
	)

	p.RunOnce(context.Background())

	got := bc.all()
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 alert, got %d", len(got))
	}
	alert := got[0]
	if alert.Kind != events.KindHealthAlert || alert.Severity != events.SeverityWarning {
		t.Errorf("unexpected alert: %+v", alert)
	}
	want := map[string]events.Status{"ghl": events.StatusError, "airtable": events.StatusOK}
	if len(alert.Statuses) != len(want) {
		t.Fatalf("statuses: got %v want %v", alert.Statuses, want)
	}
	for k, v := range want {
		if alert.Statuses[k] != v {
			t.Errorf("statuses[%s]: got %q want %q", k, alert.Statuses[k], v)
		}
	}
}

func TestTimeoutCountsAsFailure(t *testing.T) {
	bc := &captureBroadcaster{}
	p := newProber(bc, prober.Config{Interval: time.Minute, Timeout: 30 * time.Millisecond},
		&fakeIntegration{name: "airtable", delay: 5 * time.Second},
	)

	start := time.Now()
	p.RunOnce(context.Background())
	if time.Since(start) > 2*time.Second {
		t.Fatal("probe was not bounded by the timeout")
	}

	got := bc.all()
	if len(got) != 1 || got[0].Statuses["airtable"] != events.StatusError {
		t.Fatalf("expected one alert marking airtable as error, got %+v", got)
	}
	snap := p.Snapshot()
	if !strings.Contains(snap[0].LastError, "deadline exceeded") {
		t.Errorf("last error: got %q", snap[0].LastError)
	}
}

func TestNoIntegrationsNeverEmits(t *testing.T) {
	bc := &captureBroadcaster{}
	p := newProber(bc, prober.Config{})

	p.RunOnce(context.Background())
	p.RunOnce(context.Background())

	if len(bc.all()) != 0 {
		t.Error("expected no events with zero integrations")
	}
	if len(p.Snapshot()) != 0 {
		t.Error("expected empty snapshot")
	}
}

func TestPanicBecomesCriticalAlert(t *testing.T) {
	bc := &captureBroadcaster{}
	boom := &fakeIntegration{name: "ghl", boom: true}
	p := newProber(bc, prober.Config{}, boom, &fakeIntegration{name: "gemini"})

	p.RunOnce(context.Background()) // must not panic

	got := bc.all()
	if len(got) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(got))
	}
	if got[0].Severity != events.SeverityCritical || got[0].Type != "sync_error" {
		t.Errorf("unexpected alert: %+v", got[0])
	}
	if !strings.Contains(got[0].Message, "mapping exploded") {
		t.Errorf("message: got %q", got[0].Message)
	}

	// The next cycle runs normally.
	boom.mu.Lock()
	boom.boom = false
	boom.mu.Unlock()
	p.RunOnce(context.Background())
	if len(bc.all()) != 1 {
		t.Error("healthy cycle after a panic should emit nothing")
	}
}

func TestRecoveryAlertIsOptIn(t *testing.T) {
	for _, notify := range []bool{false, true} {
		bc := &captureBroadcaster{}
		ghl := &fakeIntegration{name: "ghl", err: errors.New("connection refused")}
		p := newProber(bc, prober.Config{NotifyRecovery: notify}, ghl)

		p.RunOnce(context.Background())
		ghl.setErr(nil)
		p.RunOnce(context.Background())
		p.RunOnce(context.Background())

		got := bc.all()
		want := 1
		if notify {
			want = 2
		}
		if len(got) != want {
			t.Fatalf("notifyRecovery=%v: expected %d events, got %d", notify, want, len(got))
		}
		if notify && got[1].Severity != events.SeverityRecovered {
			t.Errorf("second event should be a recovery, got %q", got[1].Severity)
		}
	}
}

func TestRepeatedFailureAlertsEveryCycle(t *testing.T) {
	bc := &captureBroadcaster{}
	p := newProber(bc, prober.Config{}, &fakeIntegration{name: "ghl", err: errors.New("503")})

	p.RunOnce(context.Background())
	p.RunOnce(context.Background())

	if len(bc.all()) != 2 {
		t.Errorf("each degraded cycle should alert, got %d", len(bc.all()))
	}
}

func TestTransitionsRecorded(t *testing.T) {
	store, _ := db.Open(":memory:")
	store.Migrate()
	defer store.Close()

	ghl := &fakeIntegration{name: "ghl"}
	p := prober.New([]upstream.Integration{ghl}, &captureBroadcaster{}, nil, store, prober.Config{}, discardLogger())

	p.RunOnce(context.Background()) // unknown -> healthy
	p.RunOnce(context.Background()) // no change
	ghl.setErr(errors.New("timeout"))
	p.RunOnce(context.Background()) // healthy -> degraded

	got, err := store.RecentTransitions("ghl", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(got))
	}
	if got[0].From != db.StateHealthy || got[0].To != db.StateDegraded || got[0].Detail != "timeout" {
		t.Errorf("unexpected newest transition: %+v", got[0])
	}
	if store.MetaTime(db.MetaLastProbeAt).IsZero() {
		t.Error("expected last probe time to be recorded")
	}
}

type captureNotifier struct {
	mu  sync.Mutex
	got []events.Event
}

func (c *captureNotifier) Notify(_ context.Context, e events.Event) {
	c.mu.Lock()
	c.got = append(c.got, e)
	c.mu.Unlock()
}

func TestAlertsForwardedToNotifier(t *testing.T) {
	n := &captureNotifier{}
	p := prober.New([]upstream.Integration{&fakeIntegration{name: "ghl", err: errors.New("x")}}, nil, n, nil, prober.Config{}, discardLogger())

	p.RunOnce(context.Background())

	if len(n.got) != 1 || n.got[0].Kind != events.KindHealthAlert {
		t.Errorf("expected the alert to reach the notifier, got %+v", n.got)
	}
}

func TestStartProbesImmediatelyAndStopIsIdempotent(t *testing.T) {
	ghl := &fakeIntegration{name: "ghl"}
	p := newProber(&captureBroadcaster{}, prober.Config{Interval: time.Hour, Timeout: time.Second}, ghl)

	p.Start()
	deadline := time.Now().Add(2 * time.Second)
	for ghl.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	p.Stop()
	p.Stop()

	if ghl.callCount() != 1 {
		t.Errorf("expected one immediate probe, got %d", ghl.callCount())
	}
}

func TestStopCancelsInFlightProbeWithoutAlert(t *testing.T) {
	bc := &captureBroadcaster{}
	slow := &fakeIntegration{name: "airtable", delay: 10 * time.Second}
	p := newProber(bc, prober.Config{Interval: time.Hour, Timeout: 30 * time.Second}, slow)

	p.Start()
	for slow.callCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not cancel the in-flight probe")
	}
	if len(bc.all()) != 0 {
		t.Error("a cancelled cycle must not alert")
	}
}

func TestTickerRearmsAfterPanic(t *testing.T) {
	bc := &captureBroadcaster{}
	boom := &fakeIntegration{name: "ghl", boom: true}
	p := newProber(bc, prober.Config{Interval: 20 * time.Millisecond, Timeout: 10 * time.Millisecond}, boom)

	p.Start()
	deadline := time.Now().Add(2 * time.Second)
	for boom.callCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	p.Stop()

	if boom.callCount() < 3 {
		t.Fatalf("schedule stopped after a panic: %d calls", boom.callCount())
	}
	for _, e := range bc.all() {
		if e.Severity != events.SeverityCritical {
			t.Errorf("expected only critical alerts, got %q", e.Severity)
		}
	}
}
