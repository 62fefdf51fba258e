package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/medsecure/pkg/contracts"
)

// RedisSource reads telemetry from sorted sets, one per unit.
// KEYS: "<prefix><unit_id>", score = capture time (unix ms), member = JSON reading.
type RedisSource struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisSource creates a source backed by Redis.
func NewRedisSource(addr, password string, db int) *RedisSource {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisSourceFromClient(rdb)
}

func NewRedisSourceFromClient(client redis.UniversalClient) *RedisSource {
	return &RedisSource{client: client, prefix: "medsecure:telemetry:"}
}

func (s *RedisSource) key(unitID string) string {
	return s.prefix + unitID
}

// Record appends a reading to the unit's series.
func (s *RedisSource) Record(ctx context.Context, r contracts.TelemetryReading) error {
	member, err := json.Marshal(r)
	if err != nil {
		return err
	}
	err = s.client.ZAdd(ctx, s.key(r.UnitID), redis.Z{
		Score:  float64(r.CapturedAt.UnixMilli()),
		Member: string(member),
	}).Err()
	if err != nil {
		return fmt.Errorf("redis telemetry write: %w", err)
	}
	return nil
}

// Prune drops readings captured before the window start.
func (s *RedisSource) Prune(ctx context.Context, unitID string, window Window) (int64, error) {
	n, err := s.client.ZRemRangeByScore(ctx, s.key(unitID), "-inf", "("+strconv.FormatInt(window.Start.UnixMilli(), 10)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis telemetry prune: %w", err)
	}
	return n, nil
}

func (s *RedisSource) FetchTelemetry(ctx context.Context, unitID string, window Window) ([]contracts.TelemetryReading, error) {
	members, err := s.client.ZRangeByScore(ctx, s.key(unitID), &redis.ZRangeBy{
		Min: strconv.FormatInt(window.Start.UnixMilli(), 10),
		Max: strconv.FormatInt(window.End.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: redis: %v", ErrUnavailable, err)
	}
	return decodeMembers(unitID, members)
}

func decodeMembers(unitID string, members []string) ([]contracts.TelemetryReading, error) {
	out := make([]contracts.TelemetryReading, 0, len(members))
	for _, m := range members {
		var r contracts.TelemetryReading
		if err := json.Unmarshal([]byte(m), &r); err != nil {
			return nil, fmt.Errorf("%w: malformed reading: %v", ErrUnavailable, err)
		}
		if r.UnitID == "" {
			r.UnitID = unitID
		}
		// Status is always recomputed by the classifier.
		r.Status = ""
		out = append(out, r)
	}
	return out, nil
}

// Ping checks connectivity.
func (s *RedisSource) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisSource) Close() error {
	return s.client.Close()
}
