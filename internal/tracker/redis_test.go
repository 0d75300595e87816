package tracker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestRedisTrackers(t *testing.T) {
	db, mock := redismock.NewClientMock()
	b := NewRedis(db, "kestrel:trk", 24*time.Hour)
	ctx := context.Background()
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("RecordSubmission", func(t *testing.T) {
		mock.ExpectEvalSha(submissionScript.Hash(), []string{"kestrel:trk:sub:t1:r1:U-1"},
			at.UnixMilli(), at.Add(-time.Hour).UnixMilli(), "APP-3", int64(3600000),
		).SetVal([]interface{}{int64(2), at.Add(-5 * time.Minute).UnixMilli()})

		stats, err := b.Submissions.Record(ctx, "t1:r1:U-1", "APP-3", at, time.Hour)
		if err != nil {
			t.Fatalf("Record failed: %v", err)
		}
		if stats.Prior != 2 || !stats.Last.Equal(at.Add(-5*time.Minute)) {
			t.Errorf("unexpected stats %+v", stats)
		}
	})

	t.Run("RecordFirstSubmission", func(t *testing.T) {
		mock.ExpectEvalSha(submissionScript.Hash(), []string{"kestrel:trk:sub:t1:r1:U-2"},
			at.UnixMilli(), at.Add(-time.Hour).UnixMilli(), "APP-4", int64(3600000),
		).SetVal([]interface{}{int64(0), int64(-1)})

		stats, err := b.Submissions.Record(ctx, "t1:r1:U-2", "APP-4", at, time.Hour)
		if err != nil {
			t.Fatalf("Record failed: %v", err)
		}
		if stats.Prior != 0 || !stats.Last.IsZero() {
			t.Errorf("expected empty stats, got %+v", stats)
		}
	})

	t.Run("ClaimNewHash", func(t *testing.T) {
		mock.ExpectSetArgs("kestrel:trk:hash:t1:abc", "APP-1", redis.SetArgs{
			Mode: "NX", Get: true, TTL: 24 * time.Hour,
		}).RedisNil()

		existing, err := b.Hashes.Claim(ctx, "t1:abc", "APP-1")
		if err != nil || existing != "" {
			t.Errorf("expected claim, got %q, %v", existing, err)
		}
	})

	t.Run("ClaimTakenHash", func(t *testing.T) {
		mock.ExpectSetArgs("kestrel:trk:hash:t1:abc", "APP-2", redis.SetArgs{
			Mode: "NX", Get: true, TTL: 24 * time.Hour,
		}).SetVal("APP-1")

		existing, err := b.Hashes.Claim(ctx, "t1:abc", "APP-2")
		if err != nil || existing != "APP-1" {
			t.Errorf("expected APP-1, got %q, %v", existing, err)
		}
	})

	t.Run("AddDeviceUser", func(t *testing.T) {
		key := "kestrel:trk:dev:t1:dev-9"
		mock.ExpectTxPipeline()
		mock.ExpectSAdd(key, "U-3").SetVal(1)
		mock.ExpectExpire(key, 24*time.Hour).SetVal(true)
		mock.ExpectSMembers(key).SetVal([]string{"U-3", "U-1"})
		mock.ExpectTxPipelineExec()

		users, err := b.Devices.AddUser(ctx, "t1:dev-9", "U-3")
		if err != nil {
			t.Fatalf("AddUser failed: %v", err)
		}
		if len(users) != 2 || users[0] != "U-1" {
			t.Errorf("expected sorted users, got %v", users)
		}
	})

	t.Run("SwapLocation", func(t *testing.T) {
		fix := domain.GeoFix{Latitude: 19, Longitude: 72.8, At: at}
		mock.ExpectSetArgs("kestrel:trk:loc:t1:U-1",
			`{"lat":19,"lon":72.8,"at":"2025-03-01T10:00:00Z"}`,
			redis.SetArgs{Get: true, TTL: 24 * time.Hour},
		).SetVal(`{"lat":28.5,"lon":77.1,"at":"2025-03-01T09:00:00Z"}`)

		prev, found, err := b.Locations.Swap(ctx, "t1:U-1", fix)
		if err != nil || !found {
			t.Fatalf("Swap failed: found=%v err=%v", found, err)
		}
		if prev.Latitude != 28.5 || !prev.At.Equal(at.Add(-time.Hour)) {
			t.Errorf("unexpected previous fix %+v", prev)
		}
	})

	t.Run("MatchImage", func(t *testing.T) {
		keys := make([]string, imageBands)
		for i := range keys {
			keys[i] = fmt.Sprintf("kestrel:trk:img:t1:b%d:0", i)
		}
		mock.ExpectEvalSha(imageScript.Hash(), keys, "APP-2|0000000000000000", int64(86400000)).
			SetVal([]interface{}{"APP-2|0000000000000000", "APP-1|0000000000000003", "APP-7|00000000000000ff"})

		m, found, err := b.Images.MatchAndAdd(ctx, "t1", 0, "APP-2", 0.9)
		if err != nil || !found {
			t.Fatalf("MatchAndAdd failed: found=%v err=%v", found, err)
		}
		if m.Owner != "APP-1" || m.Hash != 3 {
			t.Errorf("expected APP-1 as closest owner, got %+v", m)
		}
	})

	t.Run("MatchImageBelowByteBands", func(t *testing.T) {
		// One flipped bit in every byte: no 8-bit band survives, but the
		// high nibble of each byte does.
		const query = uint64(0x0f0f0f0f0f0f0f0f)
		keys := make([]string, imageBands)
		for i := range keys {
			keys[i] = fmt.Sprintf("kestrel:trk:img:t2:b%d:%x", i, (query>>(4*i))&0xf)
		}
		mock.ExpectEvalSha(imageScript.Hash(), keys, "APP-9|0f0f0f0f0f0f0f0f", int64(86400000)).
			SetVal([]interface{}{"APP-5|0e0e0e0e0e0e0e0e", "APP-6|0000000000000000"})

		m, found, err := b.Images.MatchAndAdd(ctx, "t2", query, "APP-9", 0.85)
		if err != nil || !found {
			t.Fatalf("MatchAndAdd failed: found=%v err=%v", found, err)
		}
		if m.Owner != "APP-5" || m.Similarity != 0.875 {
			t.Errorf("expected APP-5 at 0.875, got %+v", m)
		}
	})

	t.Run("NearbyCluster", func(t *testing.T) {
		fix := domain.GeoFix{Latitude: 28.5, Longitude: 77.1, At: at}
		mock.ExpectEvalSha(geoScript.Hash(), []string{"kestrel:trk:geo:t1:r2", "kestrel:trk:geot:t1:r2"},
			77.1, 28.5, "U-1", at.UnixMilli(), at.Add(-time.Hour).UnixMilli(), 50.0, int64(3600000),
		).SetVal([]interface{}{"U-1", "U-9", "U-4"})

		nearby, err := b.Geo.NearbyAndAdd(ctx, "t1:r2", "U-1", fix, 50, time.Hour)
		if err != nil {
			t.Fatalf("NearbyAndAdd failed: %v", err)
		}
		if len(nearby) != 2 || nearby[0] != "U-4" || nearby[1] != "U-9" {
			t.Errorf("expected [U-4 U-9], got %v", nearby)
		}
	})

	t.Run("ScriptError", func(t *testing.T) {
		mock.ExpectEvalSha(submissionScript.Hash(), []string{"kestrel:trk:sub:t1:r1:U-3"},
			at.UnixMilli(), at.Add(-time.Hour).UnixMilli(), "APP-5", int64(3600000),
		).SetErr(fmt.Errorf("connection refused"))

		if _, err := b.Submissions.Record(ctx, "t1:r1:U-3", "APP-5", at, time.Hour); err == nil {
			t.Error("expected error to propagate")
		}
	})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet redis expectations: %v", err)
	}
}

func TestBandsShared(t *testing.T) {
	tests := []struct {
		name string
		a, b uint64
	}{
		{"OneBitPerByte", 0x0f0f0f0f0f0f0f0f, 0x0e0e0e0e0e0e0e0e},
		{"FifteenBits", 0, 0x0111111111111111},
		{"Identical", 0xdeadbeefcafef00d, 0xdeadbeefcafef00d},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if Similarity(tt.a, tt.b) < MinIndexedSimilarity {
				t.Fatalf("similarity %v below indexed minimum", Similarity(tt.a, tt.b))
			}
			ba, bb := bandsOf(tt.a), bandsOf(tt.b)
			for i := range ba {
				if ba[i] == bb[i] {
					return
				}
			}
			t.Errorf("%016x and %016x share no band", tt.a, tt.b)
		})
	}
}
