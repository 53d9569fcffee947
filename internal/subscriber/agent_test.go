package subscriber

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/darkden-lab/quakewatch/internal/aggregator"
	"github.com/darkden-lab/quakewatch/internal/bus"
	"github.com/darkden-lab/quakewatch/internal/geo"
	"github.com/darkden-lab/quakewatch/internal/quake"
)

var (
	valparaiso = Subscription{Region: "Valparaíso", Lat: -33.036, Lon: -71.62963, ThresholdKm: DefaultThresholdKm}
	arica      = Subscription{Region: "Arica", Lat: -18.4746, Lon: -70.29792, ThresholdKm: DefaultThresholdKm}
)

// recorder collects reports and signals each one on a channel.
type recorder struct {
	mu      sync.Mutex
	reports []aggregator.Report
	ch      chan aggregator.Report
	err     error
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan aggregator.Report, 64)}
}

func (r *recorder) Report(ctx context.Context, report aggregator.Report) error {
	r.mu.Lock()
	r.reports = append(r.reports, report)
	err := r.err
	r.mu.Unlock()
	r.ch <- report
	return err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reports)
}

func (r *recorder) wait(t *testing.T) aggregator.Report {
	t.Helper()
	select {
	case rep := <-r.ch:
		return rep
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for report")
		return aggregator.Report{}
	}
}

func staticLookup(d quake.Detail) LookupFunc {
	return func(ctx context.Context, id string) (quake.Detail, error) {
		return d, nil
	}
}

func failingLookup(ctx context.Context, id string) (quake.Detail, error) {
	return quake.Detail{}, fmt.Errorf("%w: status 500", ErrLookupUnavailable)
}

func newTestAgent(t *testing.T, sub Subscription, dial bus.DialFunc, lookup Lookup, rep Reporter, opts ...Option) *Agent {
	t.Helper()
	if dial == nil {
		dial = bus.NewMemoryBroker().Dialer()
	}
	a, err := NewAgent(sub, dial, lookup, rep, opts...)
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}
	return a
}

func TestHandleInterestUsesLookupDetail(t *testing.T) {
	rec := newRecorder()
	detail := quake.Detail{Event: quake.Event{ID: "cl-01", Lat: -36.82, Lon: -73.05}, Place: "Concepción", HoraUTC: "2024-01-01T00:00:00Z"}
	a := newTestAgent(t, valparaiso, nil, staticLookup(detail), rec)

	out := a.Handle(context.Background(), []byte(`{"id":"cl-01","lat":-36.82,"lon":-73.05}`))
	if out.Dropped() {
		t.Fatalf("unexpected drop: %v", out.Drop)
	}
	if out.Status != aggregator.StatusInterest {
		t.Fatalf("expected interest, got %q (%.1f km)", out.Status, out.DistanceKm)
	}
	if out.DistanceKm < 400 || out.DistanceKm > 480 {
		t.Errorf("expected distance around 440 km, got %.1f", out.DistanceKm)
	}

	rep := rec.wait(t)
	if rep.Region != "Valparaíso" || rep.Status != aggregator.StatusInterest {
		t.Errorf("unexpected report: %+v", rep)
	}
	got, err := quake.DecodeDetail(rep.Quake)
	if err != nil {
		t.Fatalf("decode reported quake: %v", err)
	}
	if got.Place != "Concepción" || got.HoraUTC != "2024-01-01T00:00:00Z" {
		t.Errorf("expected enriched detail in report, got %+v", got)
	}
}

func TestHandleIgnoredSkipsLookup(t *testing.T) {
	rec := newRecorder()
	lookups := 0
	lookup := LookupFunc(func(ctx context.Context, id string) (quake.Detail, error) {
		lookups++
		return quake.Detail{}, nil
	})
	a := newTestAgent(t, arica, nil, lookup, rec)

	out := a.Handle(context.Background(), []byte(`{"id":"cl-02","lat":-53.16,"lon":-70.91}`))
	if out.Status != aggregator.StatusIgnored {
		t.Fatalf("expected ignored, got %q", out.Status)
	}
	if out.DistanceKm < 3800 || out.DistanceKm > 3900 {
		t.Errorf("expected distance around 3860 km, got %.1f", out.DistanceKm)
	}
	if lookups != 0 {
		t.Errorf("expected no lookup for ignored quake, got %d", lookups)
	}

	rep := rec.wait(t)
	var raw map[string]any
	if err := json.Unmarshal(rep.Quake, &raw); err != nil {
		t.Fatalf("decode reported quake: %v", err)
	}
	if raw["id"] != "cl-02" {
		t.Errorf("expected raw event in ignored report, got %v", raw)
	}
}

func TestHandleThresholdIsInclusive(t *testing.T) {
	rec := newRecorder()
	d, err := geo.DistanceKm(valparaiso.Lat, valparaiso.Lon, -36.82, -73.05)
	if err != nil {
		t.Fatal(err)
	}
	sub := valparaiso
	sub.ThresholdKm = d
	a := newTestAgent(t, sub, nil, staticLookup(quake.Detail{}), rec)

	out := a.Handle(context.Background(), []byte(`{"id":"edge","lat":-36.82,"lon":-73.05}`))
	if out.Status != aggregator.StatusInterest {
		t.Errorf("distance equal to threshold must be interest, got %q", out.Status)
	}
}

func TestHandleDropsBadMessages(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"not json", `not json at all`, quake.ErrMalformedMessage},
		{"json array", `[1,2,3]`, quake.ErrMalformedMessage},
		{"missing id", `{"lat":-33,"lon":-71}`, quake.ErrMissingField},
		{"missing lat", `{"id":"x","lon":-71}`, quake.ErrMissingField},
		{"missing lon", `{"id":"x","lat":-33}`, quake.ErrMissingField},
		{"latitude out of range", `{"id":"x","lat":-95,"lon":-71}`, geo.ErrInvalidCoordinate},
		{"longitude out of range", `{"id":"x","lat":-33,"lon":200}`, geo.ErrInvalidCoordinate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newRecorder()
			a := newTestAgent(t, valparaiso, nil, staticLookup(quake.Detail{}), rec)
			out := a.Handle(context.Background(), []byte(tt.body))
			if !errors.Is(out.Drop, tt.want) {
				t.Errorf("expected drop %v, got %v", tt.want, out.Drop)
			}
			if rec.count() != 0 {
				t.Errorf("expected no report for dropped message, got %d", rec.count())
			}
		})
	}
}

func TestHandleLookupFailureFallsBackToRawEvent(t *testing.T) {
	rec := newRecorder()
	a := newTestAgent(t, valparaiso, nil, LookupFunc(failingLookup), rec)

	out := a.Handle(context.Background(), []byte(`{"id":"cl-01","lat":-36.82,"lon":-73.05,"zone":"Biobío"}`))
	if out.Status != aggregator.StatusInterest {
		t.Fatalf("expected interest, got %q", out.Status)
	}
	if out.LookupErr == nil {
		t.Error("expected lookup error to be recorded")
	}

	rep := rec.wait(t)
	got, err := quake.DecodeDetail(rep.Quake)
	if err != nil {
		t.Fatalf("decode reported quake: %v", err)
	}
	if got.ID != "cl-01" || got.Zone != "Biobío" {
		t.Errorf("expected raw event fields in report, got %+v", got)
	}
	if got.HoraUTC != "" {
		t.Errorf("raw fallback must not carry derived fields, got hora_utc %q", got.HoraUTC)
	}
}

func TestHandleReportFailureIsSwallowed(t *testing.T) {
	rec := newRecorder()
	rec.err = ErrReportUnavailable
	a := newTestAgent(t, arica, nil, staticLookup(quake.Detail{}), rec)

	out := a.Handle(context.Background(), []byte(`{"id":"cl-02","lat":-53.16,"lon":-70.91}`))
	if !errors.Is(out.ReportErr, ErrReportUnavailable) {
		t.Errorf("expected ErrReportUnavailable, got %v", out.ReportErr)
	}
	if out.Dropped() {
		t.Error("report failure must not mark the message dropped")
	}
}

func TestNewAgentValidatesSubscription(t *testing.T) {
	bad := []Subscription{
		{Region: "", Lat: 0, Lon: 0, ThresholdKm: 1},
		{Region: "X", Lat: 91, Lon: 0, ThresholdKm: 1},
		{Region: "X", Lat: 0, Lon: 0, ThresholdKm: -1},
	}
	for _, sub := range bad {
		if _, err := NewAgent(sub, bus.NewMemoryBroker().Dialer(), staticLookup(quake.Detail{}), newRecorder()); !errors.Is(err, ErrInvalidSubscription) {
			t.Errorf("%+v: expected ErrInvalidSubscription, got %v", sub, err)
		}
	}
}

func fastRetry() bus.RetryPolicy {
	return bus.RetryPolicy{MaxAttempts: 3, Base: time.Millisecond, Max: 5 * time.Millisecond}
}

// stateWatcher signals whenever the agent enters a state.
type stateWatcher struct {
	mu     sync.Mutex
	seen   []State
	states chan State
}

func newStateWatcher() *stateWatcher {
	return &stateWatcher{states: make(chan State, 64)}
}

func (w *stateWatcher) hook(s State) {
	w.mu.Lock()
	w.seen = append(w.seen, s)
	w.mu.Unlock()
	w.states <- s
}

func (w *stateWatcher) waitFor(t *testing.T, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-w.states:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func publish(t *testing.T, broker *bus.MemoryBroker, e quake.Event) {
	t.Helper()
	conn, err := broker.Connect()
	if err != nil {
		t.Fatalf("connect publisher: %v", err)
	}
	defer conn.Close()
	if err := conn.DeclareExchange(context.Background()); err != nil {
		t.Fatalf("declare exchange: %v", err)
	}
	if err := conn.Publish(context.Background(), e); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestRunConsumesAndAcks(t *testing.T) {
	broker := bus.NewMemoryBroker()
	rec := newRecorder()
	watcher := newStateWatcher()
	a := newTestAgent(t, valparaiso, broker.Dialer(), LookupFunc(failingLookup), rec,
		WithRetryPolicy(fastRetry()), WithStateHook(watcher.hook))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	watcher.waitFor(t, StateConsuming)

	// malformed first: it must be acked and the next message still handled
	if err := broker.PublishRaw([]byte(`{{{`)); err != nil {
		t.Fatalf("publish raw: %v", err)
	}
	publish(t, broker, quake.Event{ID: "cl-01", Lat: -36.82, Lon: -73.05})

	rep := rec.wait(t)
	if rep.Status != aggregator.StatusInterest {
		t.Errorf("expected interest, got %q", rep.Status)
	}

	queue := bus.QueueName(valparaiso.Region)
	deadline := time.Now().Add(2 * time.Second)
	for {
		ready, unacked := broker.QueueDepth(queue)
		if ready == 0 && unacked == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("queue not drained: ready=%d unacked=%d", ready, unacked)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if rec.count() != 1 {
		t.Errorf("expected exactly one report, got %d", rec.count())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil on cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if a.State() != StateClosed {
		t.Errorf("expected closed state, got %s", a.State())
	}
}

func TestRunReconnectsAfterConnectionLoss(t *testing.T) {
	broker := bus.NewMemoryBroker()
	rec := newRecorder()
	watcher := newStateWatcher()
	a := newTestAgent(t, arica, broker.Dialer(), staticLookup(quake.Detail{}), rec,
		WithRetryPolicy(fastRetry()), WithStateHook(watcher.hook))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	watcher.waitFor(t, StateConsuming)

	broker.DropConnections()
	watcher.waitFor(t, StateReconnecting)
	watcher.waitFor(t, StateConsuming)

	publish(t, broker, quake.Event{ID: "after-restart", Lat: -53.16, Lon: -70.91})
	rep := rec.wait(t)
	if rep.Status != aggregator.StatusIgnored {
		t.Errorf("expected ignored, got %q", rep.Status)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("expected nil on cancellation, got %v", err)
	}

	watcher.mu.Lock()
	defer watcher.mu.Unlock()
	want := []State{StateConnecting, StateBound, StateConsuming, StateReconnecting, StateConnecting, StateBound, StateConsuming}
	for i, s := range want {
		if i >= len(watcher.seen) || watcher.seen[i] != s {
			t.Fatalf("unexpected state sequence %v", watcher.seen)
		}
	}
}

func TestRunExhaustsConnectionAttempts(t *testing.T) {
	broker := bus.NewMemoryBroker()
	broker.FailDials(errors.New("connection refused"))
	a := newTestAgent(t, arica, broker.Dialer(), staticLookup(quake.Detail{}), newRecorder(),
		WithRetryPolicy(fastRetry()))

	err := a.Run(context.Background())
	if !errors.Is(err, bus.ErrConnectionExhausted) {
		t.Fatalf("expected ErrConnectionExhausted, got %v", err)
	}
	if a.State() != StateClosed {
		t.Errorf("expected closed state, got %s", a.State())
	}
}

func TestStateString(t *testing.T) {
	if StateConsuming.String() != "consuming" || State(99).String() != "state(99)" {
		t.Error("unexpected state names")
	}
}

func TestRunLeavesInterruptedMessageForRedelivery(t *testing.T) {
	broker := bus.NewMemoryBroker()
	watcher := newStateWatcher()
	entered := make(chan struct{})
	blockingLookup := LookupFunc(func(ctx context.Context, id string) (quake.Detail, error) {
		close(entered)
		<-ctx.Done()
		return quake.Detail{}, fmt.Errorf("%w: %v", ErrLookupUnavailable, ctx.Err())
	})
	cancelledReport := ReporterFunc(func(ctx context.Context, rep aggregator.Report) error {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrReportUnavailable, err)
		}
		return nil
	})
	a := newTestAgent(t, valparaiso, broker.Dialer(), blockingLookup, cancelledReport,
		WithRetryPolicy(fastRetry()), WithStateHook(watcher.hook))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	watcher.waitFor(t, StateConsuming)

	publish(t, broker, quake.Event{ID: "cl-01", Lat: -36.82, Lon: -73.05})
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("lookup never called")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil on cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	ready, unacked := broker.QueueDepth(bus.QueueName(valparaiso.Region))
	if ready != 1 || unacked != 0 {
		t.Errorf("expected the message back in the queue, got ready=%d unacked=%d", ready, unacked)
	}
}
