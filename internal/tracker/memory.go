package tracker

import (
	"context"
	"hash/fnv"
	"slices"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/geo"
)

const shardCount = 64

// shards is a map split across independently locked shards so that
// unrelated keys never contend on one mutex.
type shards[V any] struct {
	parts [shardCount]struct {
		mu sync.Mutex
		m  map[string]*V
	}
}

func newShards[V any]() *shards[V] {
	s := &shards[V]{}
	for i := range s.parts {
		s.parts[i].m = make(map[string]*V)
	}
	return s
}

// with runs fn on the value of key under the key's shard lock, creating
// the value if needed.
func (s *shards[V]) with(key string, fn func(v *V)) {
	h := fnv.New32a()
	h.Write([]byte(key))
	part := &s.parts[h.Sum32()%shardCount]

	part.mu.Lock()
	defer part.mu.Unlock()

	v, ok := part.m[key]
	if !ok {
		v = new(V)
		part.m[key] = v
	}
	fn(v)
}

// NewMemory returns an in-process tracker backend.
func NewMemory() *Backend {
	return &Backend{
		Trackers: domain.Trackers{
			Submissions: &memorySubmissions{s: newShards[[]submission]()},
			Hashes:      &memoryHashes{s: newShards[string]()},
			Devices:     &memoryDevices{s: newShards[[]string]()},
			Locations:   &memoryLocations{s: newShards[domain.GeoFix]()},
			Images:      &memoryImages{s: newShards[[]imageEntry]()},
			Geo:         &memoryGeo{s: newShards[[]geoEntry]()},
		},
	}
}

type submission struct {
	id string
	at time.Time
}

type memorySubmissions struct {
	s *shards[[]submission]
}

func (m *memorySubmissions) Record(_ context.Context, key, id string, at time.Time, window time.Duration) (domain.SubmissionStats, error) {
	var stats domain.SubmissionStats
	cutoff := at.Add(-window)

	m.s.with(key, func(log *[]submission) {
		kept := (*log)[:0]
		for _, e := range *log {
			if e.at.Before(cutoff) || e.id == id {
				continue
			}
			kept = append(kept, e)
			if e.at.After(at) {
				continue
			}
			stats.Prior++
			if e.at.After(stats.Last) {
				stats.Last = e.at
			}
		}
		*log = append(kept, submission{id: id, at: at})
	})

	return stats, nil
}

type memoryHashes struct {
	s *shards[string]
}

func (m *memoryHashes) Claim(_ context.Context, hash, owner string) (string, error) {
	var existing string
	m.s.with(hash, func(cur *string) {
		existing = *cur
		if existing == "" {
			*cur = owner
		}
	})
	return existing, nil
}

type memoryDevices struct {
	s *shards[[]string]
}

func (m *memoryDevices) AddUser(_ context.Context, device, applicant string) ([]string, error) {
	var users []string
	m.s.with(device, func(cur *[]string) {
		if !slices.Contains(*cur, applicant) {
			*cur = append(*cur, applicant)
			slices.Sort(*cur)
		}
		users = slices.Clone(*cur)
	})
	return users, nil
}

type memoryLocations struct {
	s *shards[domain.GeoFix]
}

func (m *memoryLocations) Swap(_ context.Context, key string, fix domain.GeoFix) (domain.GeoFix, bool, error) {
	var (
		prev  domain.GeoFix
		found bool
	)
	m.s.with(key, func(cur *domain.GeoFix) {
		prev = *cur
		found = !cur.At.IsZero()
		*cur = fix
	})
	return prev, found, nil
}

type imageEntry struct {
	owner string
	hash  uint64
}

type memoryImages struct {
	s *shards[[]imageEntry]
}

func (m *memoryImages) MatchAndAdd(_ context.Context, key string, hash uint64, owner string, minSimilarity float64) (domain.ImageMatch, bool, error) {
	var (
		best  domain.ImageMatch
		found bool
	)
	m.s.with(key, func(entries *[]imageEntry) {
		seen := false
		for _, e := range *entries {
			if e.owner == owner {
				seen = seen || e.hash == hash
				continue
			}
			sim := Similarity(hash, e.hash)
			if sim >= minSimilarity && (!found || sim > best.Similarity) {
				best = domain.ImageMatch{Owner: e.owner, Hash: e.hash, Similarity: sim}
				found = true
			}
		}
		if !seen {
			*entries = append(*entries, imageEntry{owner: owner, hash: hash})
		}
	})
	return best, found, nil
}

type geoEntry struct {
	applicant string
	fix       domain.GeoFix
}

type memoryGeo struct {
	s *shards[[]geoEntry]
}

func (m *memoryGeo) NearbyAndAdd(_ context.Context, key, applicant string, fix domain.GeoFix, radiusMeters float64, window time.Duration) ([]string, error) {
	var nearby []string
	cutoff := fix.At.Add(-window)

	m.s.with(key, func(entries *[]geoEntry) {
		kept := (*entries)[:0]
		for _, e := range *entries {
			if e.fix.At.Before(cutoff) || e.applicant == applicant {
				continue
			}
			kept = append(kept, e)
			if geo.Distance(fix.Latitude, fix.Longitude, e.fix.Latitude, e.fix.Longitude) <= radiusMeters {
				nearby = append(nearby, e.applicant)
			}
		}
		*entries = append(kept, geoEntry{applicant: applicant, fix: fix})
	})

	slices.Sort(nearby)
	return nearby, nil
}
