package support

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultLockTTL         = 45 * time.Second
	renewalTimeout         = 5 * time.Second
	minRenewalInterval     = time.Second
	defaultRenewalFraction = 3
)

// ErrLockHeld is returned by RunExclusive when another holder owns the lock.
var ErrLockHeld = errors.New("support: lock held by another instance")

var (
	lockCounter atomic.Uint64

	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)
)

// RunExclusive makes a single attempt to take the Redis lock at key and, if it
// succeeds, calls run while renewing the lock in the background. The context
// passed to run is cancelled if the lock is lost. The lock is released when
// run returns. A nil client runs without locking.
func RunExclusive(ctx context.Context, client *redis.Client, key string, ttl time.Duration, logger *log.Logger, run func(context.Context) error) error {
	if run == nil {
		return errors.New("support: exclusive run function cannot be nil")
	}
	if logger == nil {
		logger = DiscardLogger()
	}
	if client == nil {
		return run(ctx)
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}

	value := generateLockID()
	ok, err := client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return fmt.Errorf("support: acquire lock %s: %w", key, err)
	}
	if !ok {
		return ErrLockHeld
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	session := &lockSession{
		client:    client,
		key:       key,
		value:     value,
		ttl:       ttl,
		ctx:       sessionCtx,
		cancel:    cancel,
		stopRenew: make(chan struct{}),
		logger:    logger,
	}
	go session.renewLoop()
	defer session.Close()

	logger.Debug("lock acquired", "key", key)
	return run(sessionCtx)
}

type lockSession struct {
	client    *redis.Client
	key       string
	value     string
	ttl       time.Duration
	ctx       context.Context
	cancel    context.CancelFunc
	stopRenew chan struct{}
	closeOnce sync.Once
	logger    *log.Logger
}

func (ls *lockSession) Close() {
	ls.closeOnce.Do(func() {
		close(ls.stopRenew)
		ls.cancel()
		if err := ls.releaseLock(); err != nil {
			ls.logger.Warn("lock release failed", "key", ls.key, "error", err)
			return
		}
		ls.logger.Debug("lock released", "key", ls.key)
	})
}

func (ls *lockSession) renewLoop() {
	interval := renewalInterval(ls.ttl)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ls.stopRenew:
			return
		case <-ls.ctx.Done():
			return
		case <-ticker.C:
			if err := ls.renewLock(); err != nil {
				ls.logger.Warn("lock renewal failed", "key", ls.key, "error", err)
				ls.cancel()
				return
			}
		}
	}
}

func (ls *lockSession) renewLock() error {
	ctx, cancel := context.WithTimeout(context.Background(), renewalTimeout)
	defer cancel()

	res, err := renewScript.Run(ctx, ls.client, []string{ls.key}, ls.value, ls.ttl.Milliseconds()).Result()
	if err != nil {
		return err
	}

	if updated, ok := res.(int64); ok && updated == 0 {
		return errors.New("lock lost")
	}

	return nil
}

func (ls *lockSession) releaseLock() error {
	ctx, cancel := context.WithTimeout(context.Background(), renewalTimeout)
	defer cancel()

	_, err := releaseScript.Run(ctx, ls.client, []string{ls.key}, ls.value).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

func renewalInterval(ttl time.Duration) time.Duration {
	interval := ttl / defaultRenewalFraction
	if interval < minRenewalInterval {
		interval = minRenewalInterval
	}
	return interval
}

func generateLockID() string {
	host, _ := os.Hostname()
	counter := lockCounter.Add(1)
	return fmt.Sprintf("%s-%d-%d-%d", host, os.Getpid(), time.Now().UnixNano(), counter)
}
