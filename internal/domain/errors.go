package domain

import (
	"errors"
	"fmt"
)

var (
	ErrTrackNotFound   = errors.New("track not found")
	ErrUserNotFound    = errors.New("user not found")
	ErrRegionUnknown   = errors.New("region unknown")
	ErrInvalidArgument = errors.New("invalid argument")
)

// NotFoundError names the entity that could not be resolved. It unwraps to
// ErrTrackNotFound or ErrUserNotFound.
type NotFoundError struct {
	Entity string
	ID     int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	if e.Entity == "user" {
		return ErrUserNotFound
	}
	return ErrTrackNotFound
}

func TrackNotFound(id int64) error { return &NotFoundError{Entity: "track", ID: id} }

func UserNotFound(id int64) error { return &NotFoundError{Entity: "user", ID: id} }

// ComputationError is an internal similarity or ranking failure.
type ComputationError struct {
	Op  string
	Err error
}

func (e *ComputationError) Error() string {
	if e.Err == nil {
		return "computation failed: " + e.Op
	}
	return fmt.Sprintf("computation failed: %s: %v", e.Op, e.Err)
}

func (e *ComputationError) Unwrap() error {
	return e.Err
}

func IsComputationError(err error) bool {
	var target *ComputationError
	return errors.As(err, &target)
}
