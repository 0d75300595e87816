package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DefaultRetention applies when no retention is configured.
const DefaultRetention = 30 * 24 * time.Hour

// imageBands splits a 64-bit hash into 4-bit buckets. Two hashes that
// differ in at most 15 bits always share a bucket.
const (
	imageBands    = 16
	imageBandBits = 64 / imageBands
)

// MinIndexedSimilarity is the lowest threshold for which the band index
// finds every match.
const MinIndexedSimilarity = 1 - float64(imageBands-1)/64

// submissionScript prunes the log, counts and finds the latest prior
// submission, then records this one. KEYS[1]=log
// ARGV: at_ms, cutoff_ms, id, window_ms.
var submissionScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[2])
redis.call('ZREM', KEYS[1], ARGV[3])
local prior = redis.call('ZCOUNT', KEYS[1], ARGV[2], ARGV[1])
local last = redis.call('ZREVRANGEBYSCORE', KEYS[1], ARGV[1], ARGV[2], 'WITHSCORES', 'LIMIT', 0, 1)
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
local lastMs = -1
if #last > 0 then lastMs = tonumber(last[2]) end
return {prior, lastMs}
`)

// geoScript prunes stale members, searches around the fix and upserts
// the applicant. KEYS[1]=geo set, KEYS[2]=time set
// ARGV: lon, lat, applicant, at_ms, cutoff_ms, radius_m, ttl_ms.
var geoScript = redis.NewScript(`
local stale = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', '(' .. ARGV[5])
for _, m in ipairs(stale) do
  redis.call('ZREM', KEYS[2], m)
  redis.call('ZREM', KEYS[1], m)
end
local near = {}
if redis.call('EXISTS', KEYS[1]) == 1 then
  near = redis.call('GEOSEARCH', KEYS[1], 'FROMLONLAT', ARGV[1], ARGV[2], 'BYRADIUS', ARGV[6], 'm', 'ASC')
end
redis.call('GEOADD', KEYS[1], ARGV[1], ARGV[2], ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[7])
redis.call('PEXPIRE', KEYS[2], ARGV[7])
return near
`)

// imageScript collects candidates from every band and adds the member.
// KEYS = band sets, ARGV: member, ttl_ms.
var imageScript = redis.NewScript(`
local seen = {}
local out = {}
for i = 1, #KEYS do
  for _, m in ipairs(redis.call('SMEMBERS', KEYS[i])) do
    if not seen[m] then
      seen[m] = true
      table.insert(out, m)
    end
  end
  redis.call('SADD', KEYS[i], ARGV[1])
  redis.call('PEXPIRE', KEYS[i], ARGV[2])
end
return out
`)

type redisTrackers struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewRedis returns a tracker backend that keeps state in Redis so that
// several engine instances share it. SET ... GET requires Redis 7.
func NewRedis(client redis.UniversalClient, prefix string, retention time.Duration) *Backend {
	if prefix == "" {
		prefix = "kestrel:trk"
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	r := &redisTrackers{client: client, prefix: prefix, retention: retention}

	return &Backend{
		Trackers: domain.Trackers{
			Submissions: r,
			Hashes:      r,
			Devices:     r,
			Locations:   r,
			Images:      r,
			Geo:         r,
		},
		ping: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
	}
}

func (r *redisTrackers) key(kind, key string) string {
	return r.prefix + ":" + kind + ":" + key
}

func (r *redisTrackers) Record(ctx context.Context, key, id string, at time.Time, window time.Duration) (domain.SubmissionStats, error) {
	var stats domain.SubmissionStats

	res, err := submissionScript.Run(ctx, r.client,
		[]string{r.key("sub", key)},
		at.UnixMilli(), at.Add(-window).UnixMilli(), id, window.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return stats, fmt.Errorf("failed to record submission: %w", err)
	}
	if len(res) != 2 {
		return stats, fmt.Errorf("unexpected submission script reply: %v", res)
	}

	stats.Prior = res[0]
	if res[1] >= 0 {
		stats.Last = time.UnixMilli(res[1])
	}
	return stats, nil
}

func (r *redisTrackers) Claim(ctx context.Context, hash, owner string) (string, error) {
	existing, err := r.client.SetArgs(ctx, r.key("hash", hash), owner, redis.SetArgs{
		Mode: "NX",
		Get:  true,
		TTL:  r.retention,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to claim hash: %w", err)
	}
	return existing, nil
}

func (r *redisTrackers) AddUser(ctx context.Context, device, applicant string) ([]string, error) {
	key := r.key("dev", device)

	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, key, applicant)
	pipe.Expire(ctx, key, r.retention)
	members := pipe.SMembers(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to register device user: %w", err)
	}

	users := members.Val()
	slices.Sort(users)
	return users, nil
}

func (r *redisTrackers) Swap(ctx context.Context, key string, fix domain.GeoFix) (domain.GeoFix, bool, error) {
	var prev domain.GeoFix

	data, err := json.Marshal(fix)
	if err != nil {
		return prev, false, fmt.Errorf("failed to marshal location: %w", err)
	}

	old, err := r.client.SetArgs(ctx, r.key("loc", key), string(data), redis.SetArgs{
		Get: true,
		TTL: r.retention,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return prev, false, nil
	}
	if err != nil {
		return prev, false, fmt.Errorf("failed to swap location: %w", err)
	}

	if err := json.Unmarshal([]byte(old), &prev); err != nil {
		return domain.GeoFix{}, false, fmt.Errorf("failed to unmarshal location: %w", err)
	}
	return prev, true, nil
}

func (r *redisTrackers) MatchAndAdd(ctx context.Context, key string, hash uint64, owner string, minSimilarity float64) (domain.ImageMatch, bool, error) {
	var best domain.ImageMatch

	keys := make([]string, imageBands)
	for i, band := range bandsOf(hash) {
		keys[i] = r.key("img", fmt.Sprintf("%s:b%d:%x", key, i, band))
	}

	candidates, err := imageScript.Run(ctx, r.client, keys,
		owner+"|"+FormatHash(hash), r.retention.Milliseconds(),
	).StringSlice()
	if err != nil {
		return best, false, fmt.Errorf("failed to query image index: %w", err)
	}

	found := false
	for _, member := range candidates {
		other, hex, ok := strings.Cut(member, "|")
		if !ok || other == owner {
			continue
		}
		h, err := ParseHash(hex)
		if err != nil {
			continue
		}
		sim := Similarity(hash, h)
		if sim >= minSimilarity && (!found || sim > best.Similarity) {
			best = domain.ImageMatch{Owner: other, Hash: h, Similarity: sim}
			found = true
		}
	}
	return best, found, nil
}

func bandsOf(hash uint64) [imageBands]uint64 {
	var out [imageBands]uint64
	for i := range out {
		out[i] = (hash >> (imageBandBits * i)) & (1<<imageBandBits - 1)
	}
	return out
}

func (r *redisTrackers) NearbyAndAdd(ctx context.Context, key, applicant string, fix domain.GeoFix, radiusMeters float64, window time.Duration) ([]string, error) {
	ttl := window
	if ttl <= 0 {
		ttl = r.retention
	}

	members, err := geoScript.Run(ctx, r.client,
		[]string{r.key("geo", key), r.key("geot", key)},
		fix.Longitude, fix.Latitude, applicant,
		fix.At.UnixMilli(), fix.At.Add(-window).UnixMilli(),
		radiusMeters, ttl.Milliseconds(),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to query geo index: %w", err)
	}

	nearby := make([]string, 0, len(members))
	for _, m := range members {
		if m != applicant {
			nearby = append(nearby, m)
		}
	}
	slices.Sort(nearby)
	return nearby, nil
}
