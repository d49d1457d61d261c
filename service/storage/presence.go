package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"

	// ChannelPresenceUpdates carries presence change notifications for
	// readers that want push instead of polling keys.
	ChannelPresenceUpdates = "presence_updates"
)

// PresenceRecord is the externally visible online state of one user.
// It lives under presence:<userId> with a short TTL; the owning instance
// must keep renewing it or it silently expires to offline.
type PresenceRecord struct {
	UserID          string `json:"user_id"`
	Status          string `json:"status"`
	OwnerInstanceID string `json:"owner_instance_id"`
	UpdatedAt       int64  `json:"updated_at"`
}

func presenceKey(user string) string { return "presence:" + user }
func sessionKey(user string) string  { return "session:" + user }

// SetOnline claims ownership of the user for this instance and publishes
// a presence_updates notification. Last writer wins; a lost race leaves a
// stale owner pointer until the next heartbeat cycle, nothing worse.
func (s *Store) SetOnline(ctx context.Context, userID string, ttl time.Duration) error {
	rec := PresenceRecord{
		UserID:          userID,
		Status:          StatusOnline,
		OwnerInstanceID: s.instanceID,
		UpdatedAt:       time.Now().UnixMilli(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal presence record")
	}
	if err := s.rdb.Set(ctx, presenceKey(userID), raw, ttl).Err(); err != nil {
		return errors.Wrap(err, "set presence")
	}
	return s.publishPresence(ctx, rec)
}

// SetOffline deletes the presence record and publishes an offline event.
func (s *Store) SetOffline(ctx context.Context, userID string) error {
	if err := s.rdb.Del(ctx, presenceKey(userID)).Err(); err != nil {
		return errors.Wrap(err, "del presence")
	}
	rec := PresenceRecord{
		UserID:          userID,
		Status:          StatusOffline,
		OwnerInstanceID: s.instanceID,
		UpdatedAt:       time.Now().UnixMilli(),
	}
	return s.publishPresence(ctx, rec)
}

// RefreshPresence renews the TTL of a presence record, but only while
// this instance is still the recorded owner. Renewing another instance's
// claim would resurrect a user that already moved.
func (s *Store) RefreshPresence(ctx context.Context, userID string, ttl time.Duration) error {
	rec, online, err := s.LookupPresence(ctx, userID)
	if err != nil {
		return err
	}
	if !online || rec.OwnerInstanceID != s.instanceID {
		return nil
	}
	rec.UpdatedAt = time.Now().UnixMilli()
	raw, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal presence record")
	}
	return errors.Wrap(s.rdb.Set(ctx, presenceKey(userID), raw, ttl).Err(), "refresh presence")
}

// LookupPresence reads a user's presence. A missing or expired key reads
// as offline; TTL expiry is the liveness signal, no poller needed.
func (s *Store) LookupPresence(ctx context.Context, userID string) (PresenceRecord, bool, error) {
	raw, err := s.rdb.Get(ctx, presenceKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return PresenceRecord{UserID: userID, Status: StatusOffline}, false, nil
	}
	if err != nil {
		return PresenceRecord{}, false, errors.Wrap(err, "get presence")
	}
	var rec PresenceRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return PresenceRecord{}, false, errors.Wrap(err, "unmarshal presence record")
	}
	return rec, rec.Status == StatusOnline, nil
}

// GetUsersByInstance scans presence keys for users owned by one instance.
// Full scan; fine at small-to-medium scale.
func (s *Store) GetUsersByInstance(ctx context.Context, instanceID string) ([]string, error) {
	var users []string
	iter := s.rdb.Scan(ctx, 0, presenceKey("*"), 200).Iterator()
	for iter.Next(ctx) {
		raw, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "get presence during scan")
		}
		var rec PresenceRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if rec.OwnerInstanceID == instanceID && rec.Status == StatusOnline {
			users = append(users, rec.UserID)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrap(err, "scan presence")
	}
	return users, nil
}

// SubscribePresence returns a subscription on the presence_updates channel.
func (s *Store) SubscribePresence(ctx context.Context) *redis.PubSub {
	return s.rdb.Subscribe(ctx, ChannelPresenceUpdates)
}

func (s *Store) publishPresence(ctx context.Context, rec PresenceRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal presence event")
	}
	return errors.Wrap(s.rdb.Publish(ctx, ChannelPresenceUpdates, raw).Err(), "publish presence event")
}

// SetSession records the live session for a user with the session TTL.
func (s *Store) SetSession(ctx context.Context, userID, connID string, ttl time.Duration) error {
	return errors.Wrap(s.rdb.Set(ctx, sessionKey(userID), connID, ttl).Err(), "set session")
}

func (s *Store) ClearSession(ctx context.Context, userID string) error {
	return errors.Wrap(s.rdb.Del(ctx, sessionKey(userID)).Err(), "clear session")
}
