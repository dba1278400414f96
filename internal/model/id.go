package model

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID generates a new ULID string for use as an entity identifier.
func NewID() string {
	return ulid.Make().String()
}

// IDTime returns the creation time encoded in a ULID produced by NewID.
func IDTime(id string) (time.Time, error) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse id %q: %w", id, err)
	}
	return ulid.Time(u.Time()), nil
}
