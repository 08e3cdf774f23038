package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	armsKey        = "orchestrator:arms"
	costsKeyPrefix = "orchestrator:costs:"
	costsTTL       = 48 * time.Hour
)

// RedisStore keeps arms in one hash (field provider|model|category, JSON
// stats) and each day's spend in its own hash that expires after two days.
type RedisStore struct {
	rdb redis.UniversalClient
}

func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func armField(k ArmKey) string {
	return k.Provider + "|" + k.Model + "|" + k.Category
}

func parseArmField(f string) (ArmKey, bool) {
	parts := strings.SplitN(f, "|", 3)
	if len(parts) != 3 {
		return ArmKey{}, false
	}
	return ArmKey{Provider: parts[0], Model: parts[1], Category: parts[2]}, true
}

func (s *RedisStore) LoadArms(ctx context.Context) ([]Arm, error) {
	fields, err := s.rdb.HGetAll(ctx, armsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("load arms: %w", err)
	}
	arms := make([]Arm, 0, len(fields))
	for f, v := range fields {
		key, ok := parseArmField(f)
		if !ok {
			continue
		}
		var stats ArmStats
		if err := json.Unmarshal([]byte(v), &stats); err != nil {
			return nil, fmt.Errorf("decode arm %s: %w", f, err)
		}
		arms = append(arms, Arm{Key: key, Stats: stats})
	}
	return arms, nil
}

func (s *RedisStore) SaveArms(ctx context.Context, arms []Arm) error {
	if len(arms) == 0 {
		return nil
	}
	values := make(map[string]any, len(arms))
	for _, a := range arms {
		b, err := json.Marshal(a.Stats)
		if err != nil {
			return fmt.Errorf("encode arm: %w", err)
		}
		values[armField(a.Key)] = string(b)
	}
	if err := s.rdb.HSet(ctx, armsKey, values).Err(); err != nil {
		return fmt.Errorf("save arms: %w", err)
	}
	return nil
}

func (s *RedisStore) LoadCosts(ctx context.Context, day string) (map[string]float64, error) {
	fields, err := s.rdb.HGetAll(ctx, costsKeyPrefix+day).Result()
	if err != nil {
		return nil, fmt.Errorf("load costs: %w", err)
	}
	costs := make(map[string]float64, len(fields))
	for name, v := range fields {
		cost, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("decode cost for %s: %w", name, err)
		}
		costs[name] = cost
	}
	return costs, nil
}

func (s *RedisStore) SaveCosts(ctx context.Context, day string, costs map[string]float64) error {
	if len(costs) == 0 {
		return nil
	}
	key := costsKeyPrefix + day
	values := make(map[string]any, len(costs))
	for name, cost := range costs {
		values[name] = strconv.FormatFloat(cost, 'f', -1, 64)
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, values)
	pipe.Expire(ctx, key, costsTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save costs: %w", err)
	}
	return nil
}

// Close is a no-op; the client belongs to the caller.
func (s *RedisStore) Close() error { return nil }
