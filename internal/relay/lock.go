package relay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// distributedLock serializes the KeyPackage reserve/spend critical sections
// across relay processes sharing the same Redis instance. It is a plain
// SET-NX-with-token lock rather than a full Redlock algorithm; the critical
// section each lock guards is a single short read-then-update against one
// Postgres row or row set.
type distributedLock struct {
	client *redis.Client
}

func newDistributedLock(client *redis.Client) *distributedLock {
	return &distributedLock{client: client}
}

const lockWaitInterval = 25 * time.Millisecond

// acquire blocks (bounded by ctx) until it holds the named lock, then returns
// a release function. The lock auto-expires after leaseTTL so a crashed
// holder cannot wedge the critical section forever.
func (l *distributedLock) acquire(ctx context.Context, name string, leaseTTL time.Duration) (func(context.Context), error) {
	key := "mlschat:lock:" + name
	token, err := randomToken()
	if err != nil {
		return nil, fmt.Errorf("generating lock token: %w", err)
	}

	for {
		ok, err := l.client.SetNX(ctx, key, token, leaseTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquiring lock %q: %w", name, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockWaitInterval):
		}
	}

	release := func(releaseCtx context.Context) {
		// Only delete if we still hold the token; best-effort, matches the
		// lease-expiry fallback if this races a TTL expiry.
		val, err := l.client.Get(releaseCtx, key).Result()
		if err == nil && val == token {
			l.client.Del(releaseCtx, key)
		}
	}
	return release, nil
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
