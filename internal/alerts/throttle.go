package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/listkit/gtm-backend/internal/platform/logger"
)

const throttleWindow = time.Hour

// RateThrottle caps deliveries to maxPerWindow per rolling hour. Callers
// over the cap block until the oldest delivery ages out of the window, so
// bursts queue rather than drop. State lives in redis when a client is
// provided, which makes the cap hold across processes; otherwise it falls
// back to in-process tracking.
type RateThrottle struct {
	rdb          *redis.Client
	key          string
	maxPerWindow int
	log          *logger.Logger

	mu    sync.Mutex
	sends []time.Time
}

func NewRateThrottle(rdb *redis.Client, maxPerWindow int, baseLog *logger.Logger) *RateThrottle {
	if maxPerWindow <= 0 {
		maxPerWindow = 20
	}
	return &RateThrottle{
		rdb:          rdb,
		key:          "gtm:alerts:sends",
		maxPerWindow: maxPerWindow,
		log:          baseLog.With("component", "alert_throttle"),
	}
}

func (t *RateThrottle) Wait(ctx context.Context) error {
	for {
		wait, err := t.tryAcquire(ctx)
		if err != nil {
			return err
		}
		if wait <= 0 {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tryAcquire claims a slot, or returns how long to wait before retrying.
func (t *RateThrottle) tryAcquire(ctx context.Context) (time.Duration, error) {
	if t.rdb != nil {
		wait, err := t.tryAcquireRedis(ctx)
		if err == nil {
			return wait, nil
		}
		t.log.Warn("redis throttle unavailable, falling back to local tracking", "error", err)
	}
	return t.tryAcquireLocal(), nil
}

func (t *RateThrottle) tryAcquireRedis(ctx context.Context) (time.Duration, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-throttleWindow)

	pipe := t.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, t.key, "0", fmt.Sprintf("%d", cutoff.UnixNano()))
	countCmd := pipe.ZCard(ctx, t.key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}

	if countCmd.Val() >= int64(t.maxPerWindow) {
		oldest, err := t.rdb.ZRangeWithScores(ctx, t.key, 0, 0).Result()
		if err != nil || len(oldest) == 0 {
			return time.Second, err
		}
		expiry := time.Unix(0, int64(oldest[0].Score)).Add(throttleWindow)
		wait := time.Until(expiry)
		if wait < time.Second {
			wait = time.Second
		}
		return wait, nil
	}

	member := fmt.Sprintf("%d", now.UnixNano())
	if err := t.rdb.ZAdd(ctx, t.key, redis.Z{Score: float64(now.UnixNano()), Member: member}).Err(); err != nil {
		return 0, err
	}
	t.rdb.Expire(ctx, t.key, throttleWindow+time.Minute)
	return 0, nil
}

func (t *RateThrottle) tryAcquireLocal() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now().UTC()
	cutoff := now.Add(-throttleWindow)

	kept := t.sends[:0]
	for _, s := range t.sends {
		if s.After(cutoff) {
			kept = append(kept, s)
		}
	}
	t.sends = kept

	if len(t.sends) >= t.maxPerWindow {
		wait := t.sends[0].Add(throttleWindow).Sub(now)
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		return wait
	}

	t.sends = append(t.sends, now)
	return 0
}
