package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"agv-rtls/ingest/internal/config"
	"agv-rtls/ingest/internal/domain"
)

// occupancyWindow is how recently an entity must have been seen in a zone
// to count toward live occupancy.
const occupancyWindow = 10 * time.Second

// registryCacheTTL bounds how long a cached registry status is trusted.
const registryCacheTTL = 30 * time.Second

// Redis holds the live side of the system: last-known vehicle state, zone
// occupancy, the entity registry, and pub/sub fan-out of anomaly events.
type Redis struct {
	client *redis.Client

	// Registry statuses are consulted on the hot path for restricted-zone
	// checks; a small in-process cache keeps that off Redis most of the time.
	regCache sync.Map // entityID -> regEntry
}

type regEntry struct {
	status    string
	expiresAt time.Time
}

func NewRedis(ctx context.Context, cfg *config.Config) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     20,
		MinIdleConns: 5,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Redis{client: client}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// StatusOf resolves the entity's registry status. Unknown entities read as
// ACTIVE: the registry is advisory for zone authorization, not an allowlist
// for ingestion.
func (r *Redis) StatusOf(ctx context.Context, entityID string) (string, error) {
	if raw, ok := r.regCache.Load(entityID); ok {
		entry := raw.(regEntry)
		if time.Now().Before(entry.expiresAt) {
			return entry.status, nil
		}
		r.regCache.Delete(entityID)
	}

	key := fmt.Sprintf("agv:registry:%s", entityID)
	status, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		status = domain.StatusActive
	} else if err != nil {
		return "", fmt.Errorf("registry lookup failed: %w", err)
	}

	r.regCache.Store(entityID, regEntry{
		status:    status,
		expiresAt: time.Now().Add(registryCacheTTL),
	})
	return status, nil
}

// MarkOccupancy records that the entity was just seen inside the zone.
func (r *Redis) MarkOccupancy(ctx context.Context, zoneID, entityID string, now time.Time) error {
	key := fmt.Sprintf("zone:%s:occupants", zoneID)
	pipe := r.client.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: entityID})
	pipe.Expire(ctx, key, 2*occupancyWindow)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("mark occupancy failed: %w", err)
	}
	return nil
}

// Occupancy counts entities seen in the zone within the live window.
func (r *Redis) Occupancy(ctx context.Context, zoneID string) (int, error) {
	key := fmt.Sprintf("zone:%s:occupants", zoneID)
	cutoff := time.Now().Add(-occupancyWindow).UnixMilli()

	pipe := r.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))
	card := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("occupancy count failed: %w", err)
	}
	return int(card.Val()), nil
}

// UpdateState writes the last-known vehicle state hash and publishes it for
// live subscribers. The hash expires on its own if the vehicle goes silent.
func (r *Redis) UpdateState(ctx context.Context, reading *domain.EnrichedReading) error {
	state := map[string]interface{}{
		"agv_id":      reading.EntityID,
		"plant_x":     reading.PlantX,
		"plant_y":     reading.PlantY,
		"zone_id":     reading.ZoneID,
		"status":      reading.Status,
		"timestamp":   reading.Timestamp.Unix(),
		"received_at": reading.ReceivedAt.Unix(),
	}
	if reading.Speed != nil {
		state["speed_mps"] = *reading.Speed
	}
	if reading.Heading != nil {
		state["heading_deg"] = *reading.Heading
	}
	if reading.Quality != nil {
		state["quality"] = *reading.Quality
	}
	if reading.Battery != nil {
		state["battery_percent"] = *reading.Battery
	}

	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	stateKey := fmt.Sprintf("agv:%s:state", reading.EntityID)
	channel := "rtls:positions"

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, stateKey, state)
	pipe.Expire(ctx, stateKey, 30*time.Second)
	pipe.Publish(ctx, channel, payload)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis state update failed: %w", err)
	}
	return nil
}

// PublishEvent fans an anomaly event out to live subscribers. Fire and
// forget: delivery here is best effort, durability is the sink's job.
func (r *Redis) PublishEvent(ctx context.Context, ev *domain.AnomalyEvent) error {
	payload, err := json.Marshal(map[string]interface{}{
		"event_id":   ev.ID,
		"event_type": string(ev.Kind),
		"severity":   string(ev.Severity),
		"agv_id":     ev.EntityID,
		"zone_id":    ev.ZoneID,
		"message":    ev.Message,
		"created_at": ev.CreatedAt.Unix(),
	})
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, "rtls:events", payload).Err()
}
