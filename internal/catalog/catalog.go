// Package catalog is the quake detail lookup service: a key to record store
// that subscriber agents query to enrich relevant events.
package catalog

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/darkden-lab/quakewatch/internal/quake"
)

// ErrNotFound is returned when no quake has the requested id.
var ErrNotFound = errors.New("quake not found")

// Store persists quake events by id.
type Store interface {
	Get(ctx context.Context, id string) (quake.Event, error)
	List(ctx context.Context) ([]quake.Event, error)
	// Put inserts or replaces the event with the same id.
	Put(ctx context.Context, event quake.Event) error
	// Delete removes the event; a missing id is not an error.
	Delete(ctx context.Context, id string) error
}

//go:embed seed.json
var seedJSON []byte

// Dataset returns the built-in sample quakes, without timestamps.
func Dataset() ([]quake.Event, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(seedJSON, &raw); err != nil {
		return nil, fmt.Errorf("parse dataset: %w", err)
	}
	events := make([]quake.Event, 0, len(raw))
	for i, r := range raw {
		e, err := quake.Decode(bytes.TrimSpace(r))
		if err != nil {
			return nil, fmt.Errorf("dataset entry %d: %w", i, err)
		}
		events = append(events, e)
	}
	return events, nil
}

// SeedMissing stores every event whose id is not yet in the store and returns
// how many were added.
func SeedMissing(ctx context.Context, store Store, events []quake.Event) (int, error) {
	added := 0
	for _, e := range events {
		_, err := store.Get(ctx, e.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return added, err
		}
		if err := store.Put(ctx, e); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}
