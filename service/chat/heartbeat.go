package chat

import (
	"context"
	"time"

	"chatgate/logger"
	"chatgate/service/storage"
)

// RunHeartbeat keeps this instance alive in the shared store: it renews
// the service record's TTL and heartbeat timestamp and re-ups the
// presence TTL for every locally-connected user. Failures are logged and
// retried on the next tick; TTL expiry is the fleet's only death signal.
// Blocks until ctx is cancelled.
func (s *Server) RunHeartbeat(ctx context.Context) {
	s.beat(ctx) // register immediately, don't wait a full interval

	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.beat(ctx)
		case <-ctx.Done():
			s.shutdownBeat()
			return
		}
	}
}

func (s *Server) beat(ctx context.Context) {
	tickCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rec := storage.InstanceRecord{
		InstanceID:         s.opts.InstanceID,
		Host:               s.opts.Host,
		Port:               s.opts.Port,
		ConnectedUserCount: s.reg.Count(),
		StartedAt:          s.startedAt.UnixMilli(),
		Degraded:           s.degraded.Load(),
	}
	if err := s.presence.RegisterInstance(tickCtx, rec, s.opts.ServiceTTL); err != nil {
		logger.Errorf("[heartbeat] instance record: %v", err)
	}

	for _, uid := range s.reg.Users() {
		if err := s.presence.RefreshPresence(tickCtx, uid, s.opts.PresenceTTL); err != nil {
			logger.Errorf("[heartbeat] refresh presence user=%s: %v", uid, err)
		}
	}
}

// shutdownBeat removes the instance record on clean exit so readers do
// not have to wait out the TTL, and sweeps any presence claims an
// interrupted detach left behind.
func (s *Server) shutdownBeat() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	owned, err := s.presence.GetUsersByInstance(ctx, s.opts.InstanceID)
	if err != nil {
		logger.Errorf("[heartbeat] scan owned presence: %v", err)
	}
	for _, uid := range owned {
		if err := s.presence.SetOffline(ctx, uid); err != nil {
			logger.Errorf("[heartbeat] sweep presence user=%s: %v", uid, err)
		}
	}

	if err := s.presence.DeregisterInstance(ctx, s.opts.InstanceID); err != nil {
		logger.Errorf("[heartbeat] deregister: %v", err)
	}
}
