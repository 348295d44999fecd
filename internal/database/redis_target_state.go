// Redis-backed shared state for the execution scheduler. Two things live
// here: a snapshot of each live target so a standby instance can observe
// progress, and the global trading-halt flag shared between instances.
// When Redis is unavailable the repository falls back to an in-memory cache
// so a single instance keeps working without it.
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// TargetKeyPrefix is the prefix for individual target snapshot keys
	// Format: sniper:target:{targetID}
	TargetKeyPrefix = "sniper:target"

	// TargetListKey holds the set of live target IDs
	TargetListKey = "sniper:targets:live"

	// HaltKey holds the shared trading-halt flag
	HaltKey = "sniper:trading:halted"

	// TargetSnapshotTTL bounds how long stale snapshots linger
	TargetSnapshotTTL = 48 * time.Hour
)

// TargetSnapshot is the shared view of a live target
type TargetSnapshot struct {
	TargetID       string    `json:"target_id"`
	Symbol         string    `json:"symbol"`
	Status         string    `json:"status"`
	CurrentRetries int       `json:"current_retries"`
	LastError      string    `json:"last_error,omitempty"`
	SavedAt        time.Time `json:"saved_at"`
}

// HaltRecord is the persisted form of the shared halt flag
type HaltRecord struct {
	Halted bool      `json:"halted"`
	Reason string    `json:"reason,omitempty"`
	SetAt  time.Time `json:"set_at"`
}

// RedisTargetStateRepository provides Redis-based storage for scheduler
// state with an in-memory fallback cache when Redis is unavailable.
type RedisTargetStateRepository struct {
	client         *redis.Client
	cacheMu        sync.RWMutex
	snapshotCache  map[string]*TargetSnapshot
	haltCache      HaltRecord
	redisAvailable atomic.Bool
}

// NewRedisTargetStateRepository creates a new RedisTargetStateRepository.
// If client is nil, the repository operates in memory-only mode.
func NewRedisTargetStateRepository(client *redis.Client) *RedisTargetStateRepository {
	repo := &RedisTargetStateRepository{
		client:        client,
		snapshotCache: make(map[string]*TargetSnapshot),
	}

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			log.Printf("[REDIS-TARGET] Redis unavailable at startup: %v, using in-memory cache", err)
			repo.redisAvailable.Store(false)
		} else {
			log.Printf("[REDIS-TARGET] Redis connected successfully")
			repo.redisAvailable.Store(true)
		}
	} else {
		log.Printf("[REDIS-TARGET] No Redis client provided, using in-memory cache only")
		repo.redisAvailable.Store(false)
	}

	return repo
}

func (r *RedisTargetStateRepository) targetKey(targetID string) string {
	return fmt.Sprintf("%s:%s", TargetKeyPrefix, targetID)
}

// SaveTargetSnapshot writes the snapshot to Redis with fallback to the
// in-memory cache
func (r *RedisTargetStateRepository) SaveTargetSnapshot(ctx context.Context, snap *TargetSnapshot) error {
	if snap == nil {
		return fmt.Errorf("cannot save nil target snapshot")
	}
	snap.SavedAt = time.Now()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal target snapshot: %w", err)
	}

	r.cacheMu.Lock()
	r.snapshotCache[snap.TargetID] = snap
	r.cacheMu.Unlock()

	if r.client != nil && r.redisAvailable.Load() {
		pipe := r.client.TxPipeline()
		pipe.Set(ctx, r.targetKey(snap.TargetID), data, TargetSnapshotTTL)
		pipe.SAdd(ctx, TargetListKey, snap.TargetID)
		pipe.Expire(ctx, TargetListKey, TargetSnapshotTTL)
		if _, err := pipe.Exec(ctx); err != nil {
			log.Printf("[REDIS-TARGET] Failed to save snapshot to Redis: %v, using in-memory cache", err)
			r.redisAvailable.Store(false)
		}
	}
	return nil
}

// GetTargetSnapshot loads a snapshot, preferring Redis
func (r *RedisTargetStateRepository) GetTargetSnapshot(ctx context.Context, targetID string) (*TargetSnapshot, error) {
	if r.client != nil && r.redisAvailable.Load() {
		data, err := r.client.Get(ctx, r.targetKey(targetID)).Bytes()
		if err == nil {
			snap := &TargetSnapshot{}
			if err := json.Unmarshal(data, snap); err != nil {
				return nil, fmt.Errorf("failed to unmarshal target snapshot: %w", err)
			}
			return snap, nil
		}
		if err != redis.Nil {
			log.Printf("[REDIS-TARGET] Failed to read snapshot from Redis: %v, using in-memory cache", err)
			r.redisAvailable.Store(false)
		}
	}

	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	if snap, ok := r.snapshotCache[targetID]; ok {
		return snap, nil
	}
	return nil, nil
}

// DeleteTargetSnapshot removes the snapshot once a target is terminal
func (r *RedisTargetStateRepository) DeleteTargetSnapshot(ctx context.Context, targetID string) error {
	r.cacheMu.Lock()
	delete(r.snapshotCache, targetID)
	r.cacheMu.Unlock()

	if r.client != nil && r.redisAvailable.Load() {
		pipe := r.client.TxPipeline()
		pipe.Del(ctx, r.targetKey(targetID))
		pipe.SRem(ctx, TargetListKey, targetID)
		if _, err := pipe.Exec(ctx); err != nil {
			log.Printf("[REDIS-TARGET] Failed to delete snapshot from Redis: %v", err)
			r.redisAvailable.Store(false)
		}
	}
	return nil
}

// SetHalted publishes the shared trading-halt flag. The halt flag carries no
// TTL so a halt survives restarts until explicitly cleared.
func (r *RedisTargetStateRepository) SetHalted(ctx context.Context, halted bool, reason string) error {
	record := HaltRecord{Halted: halted, Reason: reason, SetAt: time.Now()}

	r.cacheMu.Lock()
	r.haltCache = record
	r.cacheMu.Unlock()

	if r.client == nil || !r.redisAvailable.Load() {
		return nil
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal halt record: %w", err)
	}
	if err := r.client.Set(ctx, HaltKey, data, 0).Err(); err != nil {
		log.Printf("[REDIS-TARGET] Failed to publish halt flag: %v", err)
		r.redisAvailable.Store(false)
		return err
	}
	log.Printf("[REDIS-TARGET] Halt flag set: halted=%v reason=%q", halted, reason)
	return nil
}

// IsHalted reads the shared halt flag. A read failure reports halted so the
// scheduler never trades on unknown safety state.
func (r *RedisTargetStateRepository) IsHalted(ctx context.Context) (bool, string) {
	if r.client != nil && r.redisAvailable.Load() {
		data, err := r.client.Get(ctx, HaltKey).Bytes()
		switch {
		case err == nil:
			record := HaltRecord{}
			if jsonErr := json.Unmarshal(data, &record); jsonErr != nil {
				log.Printf("[REDIS-TARGET] Corrupt halt record: %v, treating as halted", jsonErr)
				return true, "halt flag unreadable"
			}
			return record.Halted, record.Reason
		case err == redis.Nil:
			return false, ""
		default:
			log.Printf("[REDIS-TARGET] Failed to read halt flag: %v, treating as halted", err)
			r.redisAvailable.Store(false)
			return true, "halt flag unreadable"
		}
	}

	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return r.haltCache.Halted, r.haltCache.Reason
}
