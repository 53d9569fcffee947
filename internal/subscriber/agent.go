// Package subscriber implements the regional agent: it consumes the quake
// fanout, decides whether each event is of interest to its region and reports
// the disposition to the aggregator.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/darkden-lab/quakewatch/internal/aggregator"
	"github.com/darkden-lab/quakewatch/internal/bus"
	"github.com/darkden-lab/quakewatch/internal/geo"
	"github.com/darkden-lab/quakewatch/internal/metrics"
	"github.com/darkden-lab/quakewatch/internal/quake"
)

// State is the connection lifecycle of an agent.
type State int

const (
	StateConnecting State = iota
	StateBound
	StateConsuming
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateBound:
		return "bound"
	case StateConsuming:
		return "consuming"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Outcome describes how one message was handled.
type Outcome struct {
	QuakeID    string
	Status     aggregator.Status
	DistanceKm float64
	// Detail is the payload reported for an interest disposition.
	Detail quake.Detail
	// Drop is set when the message was acknowledged without a disposition.
	Drop      error
	LookupErr error
	ReportErr error
}

func (o Outcome) Dropped() bool { return o.Drop != nil }

// Option configures an Agent.
type Option func(*Agent)

func WithRetryPolicy(p bus.RetryPolicy) Option {
	return func(a *Agent) { a.retry = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// WithStateHook registers fn to be called on every state transition.
func WithStateHook(fn func(State)) Option {
	return func(a *Agent) { a.onState = fn }
}

// Agent consumes the region's durable queue until its context ends.
type Agent struct {
	sub      Subscription
	dial     bus.DialFunc
	lookup   Lookup
	reporter Reporter
	retry    bus.RetryPolicy
	metrics  *metrics.Metrics
	onState  func(State)
	logger   zerolog.Logger

	mu    sync.Mutex
	state State
}

// NewAgent creates an agent for sub. Messages are read from connections
// opened with dial.
func NewAgent(sub Subscription, dial bus.DialFunc, lookup Lookup, reporter Reporter, opts ...Option) (*Agent, error) {
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	if dial == nil || lookup == nil || reporter == nil {
		return nil, errors.New("subscriber: dial, lookup and reporter are required")
	}
	a := &Agent{
		sub:      sub,
		dial:     dial,
		lookup:   lookup,
		reporter: reporter,
		retry:    bus.DefaultRetryPolicy(),
		logger:   log.With().Str("region", sub.Region).Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *Agent) Subscription() Subscription { return a.sub }

func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
	a.logger.Debug().Str("state", s.String()).Msg("subscriber: state changed")
	if a.onState != nil {
		a.onState(s)
	}
}

// Run connects, binds the region's queue and consumes until ctx is
// cancelled, reconnecting whenever the broker connection drops. It returns
// nil on cancellation and an error wrapping bus.ErrConnectionExhausted when
// the broker could not be reached within the retry policy.
func (a *Agent) Run(ctx context.Context) error {
	for {
		a.setState(StateConnecting)
		b, err := bus.Connect(ctx, a.dial, a.retry)
		if err != nil {
			a.setState(StateClosed)
			if ctx.Err() != nil {
				return nil
			}
			a.logger.Error().Err(err).Msg("subscriber: giving up on bus connection")
			return err
		}

		err = a.session(ctx, b)
		b.Close() //nolint:errcheck
		if ctx.Err() != nil {
			a.setState(StateClosed)
			a.logger.Info().Msg("subscriber: stopped")
			return nil
		}

		a.setState(StateReconnecting)
		a.metrics.Reconnect(a.sub.Region)
		wait := a.retry.Delay(0)
		a.logger.Warn().Err(err).Dur("retry_in", wait).Msg("subscriber: bus session ended, reconnecting")
		select {
		case <-ctx.Done():
			a.setState(StateClosed)
			return nil
		case <-time.After(wait):
		}
	}
}

// session binds the queue on b and consumes from it.
func (a *Agent) session(ctx context.Context, b bus.Bus) error {
	if err := b.DeclareExchange(ctx); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	queue, err := b.DeclareSubscriberQueue(ctx, a.sub.Region)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	a.setState(StateBound)
	a.logger.Info().Str("queue", queue).Float64("threshold_km", a.sub.ThresholdKm).Msg("subscriber: queue bound")

	a.setState(StateConsuming)
	if err := b.Consume(ctx, queue, bus.DefaultPrefetch, a.deliver); err != nil {
		return err
	}
	return bus.ErrConnectionLost
}

// deliver acks every handled message except one whose report was cut short
// by shutdown; that one stays unacked and the broker redelivers it once the
// connection closes.
func (a *Agent) deliver(ctx context.Context, d bus.Delivery) {
	out := a.Handle(ctx, d.Body)
	if ctx.Err() != nil && !out.Dropped() && out.ReportErr != nil {
		a.logger.Info().Str("quake_id", out.QuakeID).Msg("subscriber: shutting down, leaving message for redelivery")
		return
	}
	if err := d.Ack(); err != nil {
		a.logger.Warn().Err(err).Msg("subscriber: ack failed")
	}
}

// Handle processes one message body and reports its disposition. It never
// fails: every problem is recorded in the returned Outcome and the message
// is still considered handled.
func (a *Agent) Handle(ctx context.Context, body []byte) Outcome {
	start := time.Now()
	defer func() { a.metrics.HandleDuration(time.Since(start)) }()

	e, err := quake.Decode(body)
	if err != nil {
		return a.drop(Outcome{Drop: err})
	}
	out := Outcome{QuakeID: e.ID}

	d, err := geo.Between(a.sub.Point(), geo.Point{Lat: e.Lat, Lon: e.Lon})
	if err != nil {
		out.Drop = err
		return a.drop(out)
	}
	out.DistanceKm = d

	var payload any = e
	if d <= a.sub.ThresholdKm {
		out.Status = aggregator.StatusInterest
		detail, err := a.lookup.Detail(ctx, e.ID)
		a.metrics.Lookup(a.sub.Region, err)
		if err != nil {
			out.LookupErr = err
			detail = quake.Raw(e)
		}
		out.Detail = detail
		payload = detail
	} else {
		out.Status = aggregator.StatusIgnored
	}
	a.metrics.Disposition(a.sub.Region, string(out.Status), d)

	out.ReportErr = a.report(ctx, out.Status, payload)
	a.logOutcome(out)
	return out
}

func (a *Agent) report(ctx context.Context, status aggregator.Status, payload any) error {
	raw, err := quake.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: encode quake: %v", ErrReportUnavailable, err)
	}
	err = a.reporter.Report(ctx, aggregator.Report{Region: a.sub.Region, Status: status, Quake: raw})
	a.metrics.ReportSent(a.sub.Region, err)
	return err
}

func (a *Agent) drop(out Outcome) Outcome {
	reason := dropReason(out.Drop)
	a.metrics.Dropped(a.sub.Region, reason)
	a.logger.Warn().Err(out.Drop).Str("quake_id", out.QuakeID).Str("reason", reason).Msg("quake dropped")
	return out
}

func (a *Agent) logOutcome(out Outcome) {
	ev := a.logger.Info()
	if out.LookupErr != nil || out.ReportErr != nil {
		ev = a.logger.Warn()
	}
	if out.LookupErr != nil {
		ev = ev.AnErr("lookup_error", out.LookupErr)
	}
	if out.ReportErr != nil {
		ev = ev.AnErr("report_error", out.ReportErr)
	}
	ev = ev.Str("quake_id", out.QuakeID).
		Float64("distance_km", out.DistanceKm).
		Float64("threshold_km", a.sub.ThresholdKm).
		Str("status", string(out.Status))
	if out.Status == aggregator.StatusInterest {
		ev.Str("place", out.Detail.DisplayPlace()).
			Str("mag", out.Detail.Magnitude()).
			Str("when", out.Detail.When()).
			Msg("quake interest")
		return
	}
	ev.Msg("quake ignored")
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, quake.ErrMissingField):
		return "missing_field"
	case errors.Is(err, quake.ErrMalformedMessage):
		return "malformed"
	case errors.Is(err, geo.ErrInvalidCoordinate):
		return "invalid_coordinate"
	default:
		return "unknown"
	}
}
