package domain

import (
	"context"
	"time"
)

// Trackers are the only mutable state shared between evaluations. Every
// method is a single atomic read-then-append for its key; implementations
// must not serialize unrelated keys behind one lock.

// SubmissionStats is what a submission log knew before the current record.
type SubmissionStats struct {
	// Prior is the number of other submissions inside the window.
	Prior int64
	// Last is the most recent earlier submission, zero if none.
	Last time.Time
}

// SubmissionLog keeps submission timestamps per key.
type SubmissionLog interface {
	// Record appends submission id at time at and returns the state before
	// the append, restricted to [at-window, at]. Recording the same id
	// twice under a key keeps a single entry.
	Record(ctx context.Context, key, id string, at time.Time, window time.Duration) (SubmissionStats, error)
}

// HashRegistry maps content hashes to the application that first used them.
type HashRegistry interface {
	// Claim records owner for hash unless the hash is already claimed, and
	// returns the owner that held it before the call ("" if none).
	Claim(ctx context.Context, hash, owner string) (existing string, err error)
}

// DeviceRegistry keeps the distinct applicants seen per device.
type DeviceRegistry interface {
	// AddUser adds applicant to device and returns the distinct applicants
	// after the add, sorted.
	AddUser(ctx context.Context, device, applicant string) (users []string, err error)
}

// GeoFix is a timestamped position.
type GeoFix struct {
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lon"`
	At        time.Time `json:"at"`
}

// LocationLog keeps the last known position per key.
type LocationLog interface {
	// Swap stores fix as the latest position and returns the previous one.
	Swap(ctx context.Context, key string, fix GeoFix) (previous GeoFix, found bool, err error)
}

// ImageMatch is the closest earlier image owned by another application.
type ImageMatch struct {
	Owner      string
	Hash       uint64
	Similarity float64
}

// ImageIndex keeps perceptual hashes for near-duplicate lookup.
type ImageIndex interface {
	// MatchAndAdd returns the most similar hash under key owned by a
	// different owner with similarity >= minSimilarity, then indexes hash
	// for owner.
	MatchAndAdd(ctx context.Context, key string, hash uint64, owner string, minSimilarity float64) (ImageMatch, bool, error)
}

// GeoIndex keeps recent submission positions for cluster detection.
type GeoIndex interface {
	// NearbyAndAdd returns the distinct applicants other than applicant that
	// submitted within radius meters during window, then adds the fix.
	NearbyAndAdd(ctx context.Context, key, applicant string, fix GeoFix, radiusMeters float64, window time.Duration) ([]string, error)
}

// Trackers bundles the tracker backends used by internal rules.
type Trackers struct {
	Submissions SubmissionLog
	Hashes      HashRegistry
	Devices     DeviceRegistry
	Locations   LocationLog
	Images      ImageIndex
	Geo         GeoIndex
}

// TrackerConfig selects and configures the tracker backend.
type TrackerConfig struct {
	// Type is "memory" or "redis".
	Type string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string

	// Retention bounds how long redis keeps tracker keys that are not
	// windowed themselves (hash owners, device users, last locations).
	Retention time.Duration
}
