package chainstate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/matst80/peerhttp/internal/obs"
	"github.com/matst80/peerhttp/internal/proto"
	"github.com/redis/go-redis/v9"
)

// RedisPeerDB implements PeerDB on Redis so several node instances can share one
// neighbor directory. Entries expire unless refreshed by Upsert.
type RedisPeerDB struct {
	client     *redis.Client
	instanceID string
	keyTTL     time.Duration
	opTimeout  time.Duration
}

var _ PeerDB = (*RedisPeerDB)(nil)

func NewRedisPeerDB(addr, password string, db int, instanceID string) (*RedisPeerDB, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisPeerDB{
		client:     rdb,
		instanceID: instanceID,
		keyTTL:     24 * time.Hour,
		opTimeout:  250 * time.Millisecond,
	}, nil
}

func (r *RedisPeerDB) key(addr string) string { return "peer:" + addr }

func (r *RedisPeerDB) Neighbors() ([]proto.Neighbor, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()
	var keys []string
	iter := r.client.Scan(ctx, 0, "peer:*", 128).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan failed: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget failed: %w", err)
	}
	out := make([]proto.Neighbor, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok { // expired between SCAN and MGET
			continue
		}
		var n proto.Neighbor
		if err := json.Unmarshal([]byte(s), &n); err != nil {
			obs.Error("redis.unmarshal_peer", obs.Fields{"err": err.Error(), "key": keys[i]})
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return neighborKey(out[i]) < neighborKey(out[j]) })
	return out, nil
}

func (r *RedisPeerDB) Upsert(n proto.Neighbor) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal neighbor: %w", err)
	}
	pipe := r.client.Pipeline()
	pipe.Set(ctx, r.key(neighborKey(n)), data, r.keyTTL)
	pipe.Set(ctx, "peer-owner:"+neighborKey(n), r.instanceID, r.keyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis upsert failed: %w", err)
	}
	return nil
}

func (r *RedisPeerDB) Remove(addr string) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()
	pipe := r.client.Pipeline()
	pipe.Del(ctx, r.key(addr))
	pipe.Del(ctx, "peer-owner:"+addr)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis remove failed: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (r *RedisPeerDB) Close() error { return r.client.Close() }
