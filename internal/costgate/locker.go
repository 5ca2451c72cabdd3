package costgate

import (
	"context"
	"fmt"
	"time"

	"github.com/doodleops/platform/pkg/kv"
	redis "github.com/redis/go-redis/v9"
)

// lockReleaseScript deletes the lock only when its value still matches the
// holder's endpoint name, so a late release can never drop a lock acquired
// by a different call after this one's TTL expired.
var lockReleaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// LockKey scopes the call lock to the user: one in-flight billed call per
// user across all endpoints.
func LockKey(userID int64) string {
	return fmt.Sprintf("lock:call:%d", userID)
}

// Locker is the per-user mutual exclusion for billed calls. The TTL bounds
// holder crashes; a lock is never held longer than the TTL.
type Locker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewLocker(store *kv.Store, ttl time.Duration) *Locker {
	return &Locker{client: store.Client(), ttl: ttl}
}

// Acquire takes the user's call lock, storing the endpoint name as the
// holder token. Returns false when another call holds it.
func (l *Locker) Acquire(ctx context.Context, userID int64, endpoint string) (bool, error) {
	return l.client.SetNX(ctx, LockKey(userID), endpoint, l.ttl).Result()
}

// Release drops the lock if this endpoint still holds it.
func (l *Locker) Release(ctx context.Context, userID int64, endpoint string) error {
	return lockReleaseScript.Run(ctx, l.client, []string{LockKey(userID)}, endpoint).Err()
}
