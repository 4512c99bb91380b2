// Package stats keeps per-chair completion statistics in Redis. The consumer
// writes them from the ride status stream; the rider notification channel
// reads them and reseeds a chair from the database when its count drifts.
package stats

import (
	"context"
	"errors"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/example/chair-dispatch/internal/models"
)

// recordScript counts a completed ride once per ride id, however many times
// the event is redelivered.
var recordScript = redis.NewScript(`
if redis.call("SADD", KEYS[1], ARGV[1]) == 1 then
	redis.call("HINCRBY", KEYS[2], "rides", 1)
	redis.call("HINCRBY", KEYS[2], "evaluation_sum", ARGV[2])
	return 1
end
return 0
`)

// seedScript replaces a chair's stats and its set of counted rides in one
// step. ARGV is rides, evaluation_sum, then every counted ride id.
var seedScript = redis.NewScript(`
redis.call("DEL", KEYS[1], KEYS[2])
for i = 3, #ARGV do
	redis.call("SADD", KEYS[1], ARGV[i])
end
redis.call("HSET", KEYS[2], "rides", ARGV[1], "evaluation_sum", ARGV[2])
return 1
`)

type RedisStats struct {
	client *redis.Client
}

func NewRedisStats(client *redis.Client) *RedisStats {
	return &RedisStats{client: client}
}

func statsKey(chairID string) string { return "chair:" + chairID + ":stats" }

func seenKey(chairID string) string { return "chair:" + chairID + ":completed_rides" }

// RecordCompletion adds one completed ride to the chair. It reports false for
// a ride already counted.
func (s *RedisStats) RecordCompletion(ctx context.Context, chairID, rideID string, evaluation int) (bool, error) {
	n, err := recordScript.Run(ctx, s.client, []string{seenKey(chairID), statsKey(chairID)}, rideID, evaluation).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ChairStats returns the cached stats of a chair. ok is false when the chair
// has never been recorded, so callers can fall back to the database.
func (s *RedisStats) ChairStats(ctx context.Context, chairID string) (models.ChairStats, bool, error) {
	vals, err := s.client.HGetAll(ctx, statsKey(chairID)).Result()
	if err != nil {
		return models.ChairStats{}, false, err
	}
	if len(vals) == 0 {
		return models.ChairStats{}, false, nil
	}
	rides, err1 := strconv.Atoi(vals["rides"])
	sum, err2 := strconv.Atoi(vals["evaluation_sum"])
	if err := errors.Join(err1, err2); err != nil {
		return models.ChairStats{}, false, err
	}
	out := models.ChairStats{TotalRidesCount: rides}
	if rides > 0 {
		out.TotalEvaluationAvg = float64(sum) / float64(rides)
	}
	return out, true, nil
}

// Seed overwrites the cached stats of a chair with its completed rides as
// stored in the database. Later redeliveries of those rides are ignored.
func (s *RedisStats) Seed(ctx context.Context, chairID string, completed []models.Ride) error {
	sum := 0
	args := make([]any, 0, len(completed)+2)
	args = append(args, len(completed), 0)
	for _, r := range completed {
		if r.Evaluation != nil {
			sum += *r.Evaluation
		}
		args = append(args, r.ID)
	}
	args[1] = sum
	return seedScript.Run(ctx, s.client, []string{seenKey(chairID), statsKey(chairID)}, args...).Err()
}
