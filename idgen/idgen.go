// Package idgen generates identifiers. guardxp tags each process start with
// a run id stored on its proxy_status row; UUIDv7 keeps run ids time-sortable.
package idgen

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator of RFC 9562 version 7 UUID strings.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed prepends prefix to every id from gen.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default is UUIDv7.
var Default Generator = UUIDv7()

// RunID is the generator for proxy_status run ids.
var RunID Generator = Prefixed("run_", Default)

// New produces an id using Default.
func New() string {
	return Default()
}

// Time returns the creation time embedded in a UUIDv7, with or without a
// "prefix_" in front of it.
func Time(id string) (time.Time, error) {
	if n := len(id); n > 36 {
		id = id[n-36:]
	}
	u, err := uuid.Parse(id)
	if err != nil {
		return time.Time{}, fmt.Errorf("idgen: invalid UUID: %w", err)
	}
	if u.Version() != 7 {
		return time.Time{}, fmt.Errorf("idgen: UUID version %d, want 7", u.Version())
	}
	sec, nsec := u.Time().UnixTime()
	return time.Unix(sec, nsec), nil
}
