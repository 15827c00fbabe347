package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestInteractionKindWeight(t *testing.T) {
	tests := []struct {
		kind InteractionKind
		want float64
	}{
		{KindPlay, 1},
		{KindLike, 3},
		{KindDislike, -2},
		{KindBookmark, 2},
		{InteractionKind("skip"), 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := tt.kind.Weight(); got != tt.want {
				t.Errorf("Weight() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClampWeight(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{-7, -5},
		{-5, -5},
		{0, 0},
		{8, 8},
		{11, 8},
	}
	for _, tt := range tests {
		if got := ClampWeight(tt.in); got != tt.want {
			t.Errorf("ClampWeight(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseInteractionKind(t *testing.T) {
	k, err := ParseInteractionKind("  Like ")
	if err != nil || k != KindLike {
		t.Errorf("ParseInteractionKind = %q, %v, want like", k, err)
	}

	_, err = ParseInteractionKind("share")
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestNotFoundErrorUnwrap(t *testing.T) {
	err := fmt.Errorf("lookup: %w", UserNotFound(3))
	if !errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrTrackNotFound) {
		t.Errorf("user not found error unwraps wrongly: %v", err)
	}

	var nf *NotFoundError
	if !errors.As(TrackNotFound(9), &nf) || nf.Entity != "track" || nf.ID != 9 {
		t.Errorf("errors.As = %+v, want track 9", nf)
	}
	if !errors.Is(TrackNotFound(9), ErrTrackNotFound) {
		t.Errorf("track not found should match ErrTrackNotFound")
	}
}

func TestIsComputationError(t *testing.T) {
	cause := errors.New("nan vector")
	err := fmt.Errorf("rank: %w", &ComputationError{Op: "profile", Err: cause})
	if !IsComputationError(err) {
		t.Errorf("IsComputationError(%v) = false", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("computation error should unwrap to its cause")
	}
	if IsComputationError(ErrTrackNotFound) {
		t.Errorf("IsComputationError(ErrTrackNotFound) = true")
	}
}

func TestContextValidate(t *testing.T) {
	tests := []struct {
		name    string
		ctx     Context
		wantErr bool
	}{
		{"seed", SeedContext(1), false},
		{"user", UserContext(2), false},
		{"zero seed", SeedContext(0), true},
		{"negative user", UserContext(-1), true},
		{"no kind", Context{UserID: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ctx.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("err = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestCloneIsolatesItems(t *testing.T) {
	orig := &RecommendationResult{Items: []ScoredTrack{{TrackID: 1}}, CatalogVersion: 4}
	cp := orig.Clone()
	cp.Items[0].TrackID = 99
	cp.CacheHit = true

	if orig.Items[0].TrackID != 1 || orig.CacheHit {
		t.Errorf("Clone shares state with original: %+v", orig)
	}
	if (*RecommendationResult)(nil).Clone() != nil {
		t.Errorf("nil Clone should be nil")
	}
}
