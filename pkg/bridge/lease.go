package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease serializes sync cycles per tenant: at most one holder at a
// time, with a TTL so a crashed worker cannot block a tenant forever.
type Lease interface {
	// Acquire attempts to take the tenant's lease. When acquired it
	// returns a release func; when the lease is already held it returns
	// ok=false without error.
	Acquire(ctx context.Context, tenantID string, ttl time.Duration) (release func(), ok bool, err error)
}

// LocalLease is the in-process lease used by single-node deployments.
type LocalLease struct {
	mu     sync.Mutex
	holder map[string]localHold
}

type localHold struct {
	token   string
	expires time.Time
}

// NewLocalLease creates an empty in-process lease table.
func NewLocalLease() *LocalLease {
	return &LocalLease{holder: make(map[string]localHold)}
}

// Acquire takes the tenant's lease unless a live holder exists.
func (l *LocalLease) Acquire(ctx context.Context, tenantID string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if hold, ok := l.holder[tenantID]; ok && time.Now().Before(hold.expires) {
		return nil, false, nil
	}

	token := uuid.New().String()
	l.holder[tenantID] = localHold{token: token, expires: time.Now().Add(ttl)}

	release := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if hold, ok := l.holder[tenantID]; ok && hold.token == token {
			delete(l.holder, tenantID)
		}
	}
	return release, true, nil
}

// releaseScript deletes the lease key only when the caller still owns
// it, so an expired-and-reacquired lease is never released by the old
// holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease coordinates sync cycles across bridge instances via
// SET NX PX.
type RedisLease struct {
	client *redis.Client
}

// NewRedisLease creates a redis-backed lease.
func NewRedisLease(client *redis.Client) *RedisLease {
	return &RedisLease{client: client}
}

func leaseKey(tenantID string) string {
	return fmt.Sprintf("kbridge:%s:sync-lease", tenantID)
}

// Acquire takes the tenant's lease unless another instance holds it.
func (l *RedisLease) Acquire(ctx context.Context, tenantID string, ttl time.Duration) (func(), bool, error) {
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, leaseKey(tenantID), token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		// Release is best-effort: the TTL reclaims the lease anyway.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.client, []string{leaseKey(tenantID)}, token).Err()
	}
	return release, true, nil
}
