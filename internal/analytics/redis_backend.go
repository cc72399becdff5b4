package analytics

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// RedisRetention is how long one day's hash survives after its last write.
	RedisRetention = 400 * 24 * time.Hour

	fieldSeconds     = "seconds"
	fieldSessions    = "sessions"
	fieldExecutions  = "executions"
	fieldMessages    = "messages"
	fieldCodeChanges = "codeChanges"
)

var errMissingRedis = errors.New("analytics: redis client required")

// RedisBackend keeps one hash per identity and day plus a sorted index of days.
type RedisBackend struct {
	client redis.Cmdable
}

var _ Backend = (*RedisBackend)(nil)

// NewRedisBackend constructs a RedisBackend.
func NewRedisBackend(client redis.Cmdable) (*RedisBackend, error) {
	if client == nil {
		return nil, errMissingRedis
	}
	return &RedisBackend{client: client}, nil
}

func dayKey(identityKey string, day time.Time) string {
	return fmt.Sprintf("analytics:%s:%s", identityKey, formatDay(day))
}

func daysKey(identityKey string) string {
	return fmt.Sprintf("analytics:%s:days", identityKey)
}

func (b *RedisBackend) Add(ctx context.Context, activity DailyActivity) error {
	key := dayKey(activity.IdentityKey, activity.Day)
	index := daysKey(activity.IdentityKey)
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for field, delta := range counterFields(activity) {
			if delta != 0 {
				pipe.HIncrBy(ctx, key, field, delta)
			}
		}
		pipe.Expire(ctx, key, RedisRetention)
		pipe.ZAdd(ctx, index, redis.Z{Score: float64(activity.Day.UTC().Unix()), Member: formatDay(activity.Day)})
		pipe.Expire(ctx, index, RedisRetention)
		return nil
	})
	return err
}

func (b *RedisBackend) Range(ctx context.Context, identityKey string, from, to time.Time) ([]DailyActivity, error) {
	days, err := b.client.ZRangeByScore(ctx, daysKey(identityKey), &redis.ZRangeBy{
		Min: strconv.FormatInt(StartOfDay(from).Unix(), 10),
		Max: strconv.FormatInt(StartOfDay(to).Unix(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(days) == 0 {
		return []DailyActivity{}, nil
	}

	commands := make([]*redis.MapStringStringCmd, len(days))
	_, err = b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for index, day := range days {
			commands[index] = pipe.HGetAll(ctx, fmt.Sprintf("analytics:%s:%s", identityKey, day))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	activity := make([]DailyActivity, 0, len(days))
	for index, day := range days {
		values, err := commands[index].Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		if len(values) == 0 {
			continue
		}
		parsed, err := decodeDay(identityKey, day, values)
		if err != nil {
			return nil, err
		}
		activity = append(activity, parsed)
	}
	return activity, nil
}

func counterFields(activity DailyActivity) map[string]int64 {
	return map[string]int64{
		fieldSeconds:     activity.Seconds,
		fieldSessions:    activity.Sessions,
		fieldExecutions:  activity.Executions,
		fieldMessages:    activity.Messages,
		fieldCodeChanges: activity.CodeChanges,
	}
}

func decodeDay(identityKey, day string, values map[string]string) (DailyActivity, error) {
	parsedDay, err := parseDay(day)
	if err != nil {
		return DailyActivity{}, fmt.Errorf("analytics: invalid day %q: %w", day, err)
	}
	activity := DailyActivity{IdentityKey: identityKey, Day: parsedDay}
	targets := map[string]*int64{
		fieldSeconds:     &activity.Seconds,
		fieldSessions:    &activity.Sessions,
		fieldExecutions:  &activity.Executions,
		fieldMessages:    &activity.Messages,
		fieldCodeChanges: &activity.CodeChanges,
	}
	for field, target := range targets {
		raw, ok := values[field]
		if !ok {
			continue
		}
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return DailyActivity{}, fmt.Errorf("analytics: field %s of %s: %w", field, day, err)
		}
		*target = value
	}
	return activity, nil
}
