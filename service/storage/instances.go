package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// InstanceRecord is the TTL'd liveness heartbeat of one gateway process.
// An instance whose heartbeat is not renewed within the TTL window reads
// as dead everywhere, with no explicit failure detection.
type InstanceRecord struct {
	InstanceID         string `json:"instance_id"`
	Host               string `json:"host"`
	Port               int    `json:"port"`
	ConnectedUserCount int    `json:"connected_user_count"`
	StartedAt          int64  `json:"started_at"`
	HeartbeatAt        int64  `json:"heartbeat_at"`
	Degraded           bool   `json:"degraded,omitempty"`
}

func serviceKey(instanceID string) string { return "service:" + instanceID }

// RegisterInstance writes (or renews) this instance's service record.
// The same call serves registration and heartbeat; HeartbeatAt is always
// stamped here.
func (s *Store) RegisterInstance(ctx context.Context, rec InstanceRecord, ttl time.Duration) error {
	rec.HeartbeatAt = time.Now().UnixMilli()
	raw, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal instance record")
	}
	return errors.Wrap(s.rdb.Set(ctx, serviceKey(rec.InstanceID), raw, ttl).Err(), "set instance record")
}

// DeregisterInstance removes the record on clean shutdown. A crashed
// instance just lets the TTL lapse.
func (s *Store) DeregisterInstance(ctx context.Context, instanceID string) error {
	return errors.Wrap(s.rdb.Del(ctx, serviceKey(instanceID)).Err(), "del instance record")
}

// GetInstance reads one service record; ok=false when it has expired.
func (s *Store) GetInstance(ctx context.Context, instanceID string) (InstanceRecord, bool, error) {
	raw, err := s.rdb.Get(ctx, serviceKey(instanceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return InstanceRecord{}, false, nil
	}
	if err != nil {
		return InstanceRecord{}, false, errors.Wrap(err, "get instance record")
	}
	var rec InstanceRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return InstanceRecord{}, false, errors.Wrap(err, "unmarshal instance record")
	}
	return rec, true, nil
}

// ListInstances scans the live fleet.
func (s *Store) ListInstances(ctx context.Context) ([]InstanceRecord, error) {
	var out []InstanceRecord
	iter := s.rdb.Scan(ctx, 0, serviceKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		raw, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "get instance during scan")
		}
		var rec InstanceRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrap(err, "scan instances")
	}
	return out, nil
}
