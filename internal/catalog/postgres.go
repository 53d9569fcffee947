package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/darkden-lab/quakewatch/internal/quake"
)

// PostgresStore keeps events as JSONB rows in the quakes table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Get(ctx context.Context, id string) (quake.Event, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM quakes WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return quake.Event{}, ErrNotFound
	}
	if err != nil {
		return quake.Event{}, err
	}
	e, err := quake.Decode(payload)
	if err != nil {
		return quake.Event{}, fmt.Errorf("decode stored quake %s: %w", id, err)
	}
	return e, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]quake.Event, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, payload FROM quakes ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []quake.Event{}
	for rows.Next() {
		var (
			id      string
			payload []byte
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		e, err := quake.Decode(payload)
		if err != nil {
			return nil, fmt.Errorf("decode stored quake %s: %w", id, err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *PostgresStore) Put(ctx context.Context, event quake.Event) error {
	payload, err := quake.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal quake: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO quakes (id, payload) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()`,
		event.ID, string(payload),
	)
	return err
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM quakes WHERE id = $1`, id)
	return err
}
