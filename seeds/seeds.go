package seeds

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const (
	seedUserCount        = 20
	seedTrackCount       = 60
	seedArtistCount      = 12
	seedInteractionCount = 400
)

func Setup(ctx context.Context, pool *pgxpool.Pool, logger zerolog.Logger) error {
	rng := rand.New(rand.NewSource(42))
	log := logger.With().Str("component", "seed").Logger()

	// Truncate existing data before insert
	log.Info().Msg("truncating existing data")
	if _, err := pool.Exec(ctx, `
		TRUNCATE interactions, tracks, users RESTART IDENTITY CASCADE
	`); err != nil {
		return fmt.Errorf("truncate: %w", err)
	}

	log.Info().Int("count", seedUserCount).Msg("inserting users")
	if err := seedUsers(ctx, pool, rng, seedUserCount); err != nil {
		return fmt.Errorf("seed users: %w", err)
	}

	log.Info().Int("count", seedTrackCount).Msg("inserting tracks")
	if err := seedTracks(ctx, pool, rng, seedTrackCount); err != nil {
		return fmt.Errorf("seed tracks: %w", err)
	}

	log.Info().Int("count", seedInteractionCount).Msg("inserting interactions")
	if err := seedInteractions(ctx, pool, rng, seedInteractionCount); err != nil {
		return fmt.Errorf("seed interactions: %w", err)
	}

	log.Info().Msg("seeding complete")
	return nil
}

func seedUsers(ctx context.Context, pool *pgxpool.Pool, rng *rand.Rand, n int) error {
	regions := []string{"na", "eu", "apac", "latam", ""}
	regionWeights := []float64{0.35, 0.3, 0.2, 0.1, 0.05}

	rows := []string{}
	args := []any{}

	for i := range n {
		username := fmt.Sprintf("listener%02d", i+1)
		var region any
		if r := weightedChoice(rng, regions, regionWeights); r != "" {
			region = r
		}
		createdAt := time.Now().AddDate(0, 0, -rng.Intn(365))

		base := len(args)
		rows = append(rows, fmt.Sprintf("($%d, $%d, $%d)", base+1, base+2, base+3))
		args = append(args, username, region, createdAt)
	}

	if len(rows) == 0 {
		return nil
	}

	query := "INSERT INTO users (username, region, created_at) VALUES " + strings.Join(rows, ", ")

	_, err := pool.Exec(ctx, query, args...)
	return err
}

func seedTracks(ctx context.Context, pool *pgxpool.Pool, rng *rand.Rand, n int) error {
	genres := []string{"rock", "jazz", "electronic", "hip-hop", "classical", "pop"}
	titles := map[string][]string{
		"rock":       {"Static Horizon", "Broken Amplifier", "Night Drive", "Rust and Chrome", "Open Road"},
		"jazz":       {"Blue Corner", "Late Set", "Smoke Rings", "Walking Bass", "After Hours"},
		"electronic": {"Pulse Width", "Neon Grid", "Low Pass", "Signal Decay", "Sidechain"},
		"hip-hop":    {"Block Party", "Cipher", "Golden Era", "Boom Bap", "Corner Store"},
		"classical":  {"Nocturne in Grey", "Winter Suite", "Adagio", "Fugue No. 3", "Pastorale"},
		"pop":        {"Summer Tape", "Glitter", "Heartline", "Replay", "Daydream"},
	}

	rows := []string{}
	args := []any{}

	for i := range n {
		genre := genres[i%len(genres)]
		titleList := titles[genre]
		title := titleList[(i/len(genres))%len(titleList)]
		if i >= len(genres)*len(titleList) {
			title = fmt.Sprintf("%s (Reprise)", title)
		}

		// artists stay mostly within one genre
		artistID := int64(i%len(genres)) + 1 + int64(len(genres)*rng.Intn(seedArtistCount/len(genres)))
		album := fmt.Sprintf("%s Sessions Vol. %d", strings.ToUpper(genre[:1])+genre[1:], i%3+1)
		duration := 120 + rng.Intn(300)
		year := 1970 + rng.Intn(55)
		plays := int64(powerLawScore(rng) * 10000)
		likes := plays / int64(10+rng.Intn(20))
		dislikes := likes / int64(3+rng.Intn(10))

		base := len(args)
		rows = append(rows, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9))
		args = append(args, title, genre, artistID, album, duration, year, plays, likes, dislikes)
	}

	if len(rows) == 0 {
		return nil
	}

	query := "INSERT INTO tracks (title, genre, artist_id, album, duration_sec, release_year, play_count, like_count, dislike_count) VALUES " +
		strings.Join(rows, ", ")

	_, err := pool.Exec(ctx, query, args...)
	return err
}

func seedInteractions(ctx context.Context, pool *pgxpool.Pool, rng *rand.Rand, n int) error {
	kinds := []string{"play", "like", "bookmark", "dislike"}
	kindWeights := []float64{0.7, 0.15, 0.1, 0.05}
	seen := make(map[[2]int64]bool)

	rows := []string{}
	args := []any{}

	for range n {
		userID := int64(math.Ceil(math.Pow(rng.Float64(), 1.5) * seedUserCount))
		userID = max(1, min(userID, seedUserCount))

		trackID := int64(math.Ceil(math.Pow(rng.Float64(), 1.3) * seedTrackCount))
		trackID = max(1, min(trackID, seedTrackCount))

		kind := weightedChoice(rng, kinds, kindWeights)
		// one like/dislike per pair keeps the seeded preference unambiguous
		if kind == "like" || kind == "dislike" {
			key := [2]int64{userID, trackID}
			if seen[key] {
				kind = "play"
			}
			seen[key] = true
		}

		occurredAt := time.Now().Add(-time.Duration(rng.Intn(180*24*3600)) * time.Second).UTC().Truncate(time.Microsecond)

		base := len(args)
		rows = append(rows, fmt.Sprintf("($%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4))
		args = append(args, userID, trackID, kind, occurredAt)
	}

	if len(rows) == 0 {
		return nil
	}

	query := "INSERT INTO interactions (user_id, track_id, kind, occurred_at) VALUES " +
		strings.Join(rows, ", ") + " ON CONFLICT DO NOTHING"

	_, err := pool.Exec(ctx, query, args...)
	return err
}

func powerLawScore(rng *rand.Rand) float64 {
	u := rng.Float64()
	if u == 0 {
		u = 0.001
	}
	raw := math.Pow(u, 2.0)
	if raw < 0.01 {
		raw = 0.01
	}
	return math.Round(raw*100) / 100
}

func weightedChoice(rng *rand.Rand, choices []string, weights []float64) string {
	total := 0.0
	for _, w := range weights {
		total += w
	}
	r := rng.Float64() * total
	cumulative := 0.0
	for i, w := range weights {
		cumulative += w
		if r <= cumulative {
			return choices[i]
		}
	}
	return choices[len(choices)-1]
}
