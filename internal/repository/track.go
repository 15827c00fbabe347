package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/actuallystonmai/track-recommender/internal/domain"
)

const trackColumns = `id, title, genre, artist_id, COALESCE(album, ''), duration_sec,
	COALESCE(release_year, 0), play_count, like_count, dislike_count, version,
	deleted_at IS NOT NULL, updated_at`

func scanTrack(row pgx.Row) (domain.Track, error) {
	var t domain.Track
	err := row.Scan(&t.ID, &t.Title, &t.Genre, &t.ArtistID, &t.Album, &t.DurationSec,
		&t.ReleaseYear, &t.PlayCount, &t.LikeCount, &t.DislikeCount, &t.Version,
		&t.Deleted, &t.UpdatedAt)
	return t, err
}

// Get a live track
func (r *Repository) GetTrack(ctx context.Context, id int64) (domain.Track, error) {
	t, err := scanTrack(r.pool.QueryRow(ctx,
		`SELECT `+trackColumns+` FROM tracks WHERE id = $1 AND deleted_at IS NULL`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Track{}, domain.ErrTrackNotFound
		}
		return domain.Track{}, fmt.Errorf("query track id=%d: %w", id, err)
	}
	return t, nil
}

// ListCatalogChangesSince returns every track, tombstones included, whose
// version is above version, oldest change first. Versions are drawn from a
// sequence before commit, so callers pass a version below their cursor and
// drop rows they already hold.
func (r *Repository) ListCatalogChangesSince(ctx context.Context, version int64) ([]domain.Track, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+trackColumns+` FROM tracks WHERE version > $1 ORDER BY version`, version)
	if err != nil {
		return nil, fmt.Errorf("query catalog changes since %d: %w", version, err)
	}
	defer rows.Close()

	var tracks []domain.Track
	for rows.Next() {
		t, err := scanTrack(rows)
		if err != nil {
			return nil, fmt.Errorf("scan track: %w", err)
		}
		tracks = append(tracks, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate catalog changes: %w", err)
	}
	return tracks, nil
}
