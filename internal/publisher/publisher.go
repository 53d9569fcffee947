// Package publisher turns quake events into bus messages. Single events are
// also stored in the catalog so subscribers can look them up.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/darkden-lab/quakewatch/internal/bus"
	"github.com/darkden-lab/quakewatch/internal/catalog"
	"github.com/darkden-lab/quakewatch/internal/geo"
	"github.com/darkden-lab/quakewatch/internal/metrics"
	"github.com/darkden-lab/quakewatch/internal/quake"
)

// ErrInvalidEvent is returned for events without an id or with coordinates
// out of range.
var ErrInvalidEvent = errors.New("invalid quake event")

// ErrNoCatalog is returned by PublishCatalog on a Publisher built without a
// catalog.
var ErrNoCatalog = errors.New("publisher has no catalog")

// Publisher stamps, records and publishes quake events.
type Publisher struct {
	bus     bus.Bus
	store   catalog.Store
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.Mutex
	declared bool
}

// New creates a Publisher. store and m may be nil.
func New(b bus.Bus, store catalog.Store, m *metrics.Metrics) *Publisher {
	return &Publisher{bus: b, store: store, metrics: m, now: time.Now}
}

func (p *Publisher) ensureExchange(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.declared {
		return nil
	}
	if err := p.bus.DeclareExchange(ctx); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	p.declared = true
	return nil
}

// Publish validates e, stamps it with the current time when Time is unset,
// upserts it into the catalog and hands it to the bus. The catalog is written
// first so subscribers can look the quake up as soon as they receive it; when
// the bus rejects the event the catalog entry is restored. It returns the
// event as published.
func (p *Publisher) Publish(ctx context.Context, e quake.Event) (quake.Event, error) {
	if strings.TrimSpace(e.ID) == "" {
		return quake.Event{}, fmt.Errorf("%w: empty id", ErrInvalidEvent)
	}
	if err := (geo.Point{Lat: e.Lat, Lon: e.Lon}).Validate(); err != nil {
		return quake.Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	e = e.Stamped(p.now())

	if p.store == nil {
		if err := p.send(ctx, e); err != nil {
			return quake.Event{}, err
		}
		return e, nil
	}

	prev, err := p.store.Get(ctx, e.ID)
	existed := err == nil
	if err != nil && !errors.Is(err, catalog.ErrNotFound) {
		return quake.Event{}, fmt.Errorf("load quake %s: %w", e.ID, err)
	}
	if err := p.store.Put(ctx, e); err != nil {
		return quake.Event{}, fmt.Errorf("store quake %s: %w", e.ID, err)
	}
	if err := p.send(ctx, e); err != nil {
		p.restore(e.ID, prev, existed)
		return quake.Event{}, err
	}
	return e, nil
}

// restore undoes the catalog write of an event the bus did not accept.
func (p *Publisher) restore(id string, prev quake.Event, existed bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	if existed {
		err = p.store.Put(ctx, prev)
	} else {
		err = p.store.Delete(ctx, id)
	}
	if err != nil {
		log.Error().Err(err).Str("quake_id", id).Msg("publisher: failed to roll back catalog entry")
	}
}

// PublishAll publishes events in order and stops at the first failure. It
// returns the ids that were published. Events are not written to the catalog.
func (p *Publisher) PublishAll(ctx context.Context, events []quake.Event) ([]string, error) {
	ids := make([]string, 0, len(events))
	for _, e := range events {
		if err := ctx.Err(); err != nil {
			return ids, err
		}
		if err := p.send(ctx, e.Stamped(p.now())); err != nil {
			return ids, err
		}
		ids = append(ids, e.ID)
	}
	return ids, nil
}

// PublishCatalog publishes every quake currently in the catalog.
func (p *Publisher) PublishCatalog(ctx context.Context) ([]string, error) {
	if p.store == nil {
		return nil, ErrNoCatalog
	}
	events, err := p.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list catalog: %w", err)
	}
	return p.PublishAll(ctx, events)
}

func (p *Publisher) send(ctx context.Context, e quake.Event) error {
	if err := p.ensureExchange(ctx); err != nil {
		p.metrics.Published(err)
		return err
	}
	err := p.bus.Publish(ctx, e)
	p.metrics.Published(err)
	if err != nil {
		log.Error().Err(err).Str("quake_id", e.ID).Msg("publisher: publish failed")
		return fmt.Errorf("publish quake %s: %w", e.ID, err)
	}
	log.Info().Str("quake_id", e.ID).Float64("lat", e.Lat).Float64("lon", e.Lon).Msg("publisher: quake published")
	return nil
}
