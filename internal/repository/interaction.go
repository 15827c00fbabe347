package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/actuallystonmai/track-recommender/internal/domain"
)

// InsertInteraction is idempotent on (user, track, kind, occurred_at).
func (r *Repository) InsertInteraction(ctx context.Context, in domain.Interaction) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO interactions (user_id, track_id, kind, occurred_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, track_id, kind, occurred_at) DO NOTHING`,
		in.UserID, in.TrackID, string(in.Kind), in.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert interaction user=%d track=%d: %w", in.UserID, in.TrackID, err)
	}
	return nil
}

// LoadInteractions streams the whole log in insertion order.
func (r *Repository) LoadInteractions(ctx context.Context, fn func(domain.Interaction) error) error {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, track_id, kind, occurred_at FROM interactions ORDER BY id`)
	if err != nil {
		return fmt.Errorf("query interactions: %w", err)
	}

	var (
		in   domain.Interaction
		kind string
	)
	_, err = pgx.ForEachRow(rows, []any{&in.UserID, &in.TrackID, &kind, &in.Timestamp}, func() error {
		in.Kind = domain.InteractionKind(kind)
		in.Timestamp = in.Timestamp.UTC()
		return fn(in)
	})
	if err != nil {
		return fmt.Errorf("iterate interactions: %w", err)
	}
	return nil
}
