package stats

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/chair-dispatch/internal/models"
)

func testClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set; skipping integration test")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestRecordCompletionCountsEachRideOnce(t *testing.T) {
	rdb := testClient(t)

	ctx := context.Background()
	s := NewRedisStats(rdb)
	chair := fmt.Sprintf("chair_test_%d", time.Now().UnixNano())
	defer rdb.Del(ctx, statsKey(chair), seenKey(chair))

	if _, ok, err := s.ChairStats(ctx, chair); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	for _, c := range []struct {
		ride string
		eval int
		want bool
	}{
		{"r1", 5, true},
		{"r1", 5, false},
		{"r2", 2, true},
	} {
		got, err := s.RecordCompletion(ctx, chair, c.ride, c.eval)
		if err != nil {
			t.Fatal(err)
		}
		if got != c.want {
			t.Fatalf("RecordCompletion(%s) = %v, want %v", c.ride, got, c.want)
		}
	}
	st, ok, err := s.ChairStats(ctx, chair)
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if st.TotalRidesCount != 2 || st.TotalEvaluationAvg != 3.5 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestSeedReplacesPartialCount(t *testing.T) {
	rdb := testClient(t)
	ctx := context.Background()
	s := NewRedisStats(rdb)
	chair := fmt.Sprintf("chair_seed_%d", time.Now().UnixNano())
	defer rdb.Del(ctx, statsKey(chair), seenKey(chair))

	// r1 was never recorded; only r2 reached the cache.
	if _, err := s.RecordCompletion(ctx, chair, "r2", 2); err != nil {
		t.Fatal(err)
	}
	five, two := 5, 2
	completed := []models.Ride{{ID: "r1", Evaluation: &five}, {ID: "r2", Evaluation: &two}}
	if err := s.Seed(ctx, chair, completed); err != nil {
		t.Fatal(err)
	}
	st, ok, err := s.ChairStats(ctx, chair)
	if err != nil || !ok || st.TotalRidesCount != 2 || st.TotalEvaluationAvg != 3.5 {
		t.Fatalf("unexpected stats %+v ok=%v err=%v", st, ok, err)
	}
	if applied, err := s.RecordCompletion(ctx, chair, "r1", 5); err != nil || applied {
		t.Fatalf("a seeded ride must not be counted again, got %v %v", applied, err)
	}

	if err := s.Seed(ctx, chair, nil); err != nil {
		t.Fatal(err)
	}
	if st, ok, _ := s.ChairStats(ctx, chair); !ok || st.TotalRidesCount != 0 {
		t.Fatalf("expected an empty entry, got %+v ok=%v", st, ok)
	}
}
