// Package lease provides a redis-backed mutual-exclusion lease so that only
// one scheduler instance runs the tick loop at a time.
package lease

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/waypointops/cutoverd/internal/platform/logger"
)

// Compare-owner scripts so we never renew or release a lease another
// instance has since acquired.
var (
	renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0`)
)

type Manager struct {
	log *logger.Logger
	rdb *redis.Client
	ttl time.Duration
}

func NewManager(baseLog *logger.Logger, rdb *redis.Client, ttl time.Duration) *Manager {
	return &Manager{log: baseLog.With("component", "LeaseManager"), rdb: rdb, ttl: ttl}
}

// Lease is a held lock. Release stops the renewer and deletes the key if
// this holder still owns it.
type Lease struct {
	m      *Manager
	key    string
	owner  string
	cancel context.CancelFunc
	done   chan struct{}
}

// Acquire tries to take the named lease. Returns nil, nil when another
// holder has it. On success a background goroutine renews the lease at half
// the TTL until Release.
func (m *Manager) Acquire(ctx context.Context, name string) (*Lease, error) {
	owner := uuid.NewString()
	key := "lease:" + name
	ok, err := m.rdb.SetNX(ctx, key, owner, m.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	renewCtx, cancel := context.WithCancel(context.Background())
	l := &Lease{m: m, key: key, owner: owner, cancel: cancel, done: make(chan struct{})}
	go l.renewLoop(renewCtx)
	m.log.Debug("lease acquired", "lease", name, "owner", owner)
	return l, nil
}

func (l *Lease) renewLoop(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(l.m.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := renewScript.Run(ctx, l.m.rdb, []string{l.key}, l.owner, l.m.ttl.Milliseconds()).Int()
			if err != nil && ctx.Err() == nil {
				l.m.log.Warn("lease renew failed", "lease", l.key, "error", err)
				continue
			}
			if n == 0 {
				l.m.log.Warn("lease lost to another holder", "lease", l.key)
				return
			}
		}
	}
}

// Release stops renewing and deletes the lease if still owned. Safe to call
// after the lease expired or was taken over.
func (l *Lease) Release(ctx context.Context) {
	l.cancel()
	<-l.done
	if _, err := releaseScript.Run(ctx, l.m.rdb, []string{l.key}, l.owner).Int(); err != nil {
		l.m.log.Warn("lease release failed", "lease", l.key, "error", err)
	}
}
