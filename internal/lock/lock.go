// Package lock は Redis を使った分散ロックを提供します。
package lock

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	redis "github.com/redis/go-redis/v9"
)

// ErrNotAcquired は待機時間内にロックを取得できなかったことを表します。
var ErrNotAcquired = errors.New("lock not acquired")

// Locker は名前付きの排他区間を実行します。
type Locker struct {
	rs     *redsync.Redsync
	ttl    time.Duration
	tries  int
	logger *log.Logger
}

// New は Locker を生成します。ttl はロックの有効期限です。
func New(client redis.UniversalClient, ttl time.Duration, logger *log.Logger) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Locker{
		rs:     redsync.New(goredis.NewPool(client)),
		ttl:    ttl,
		tries:  32,
		logger: logger,
	}
}

// WithLock はロックを取得して fn を実行します。fn の結果にかかわらずロックは解放します。
func (l *Locker) WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	mutex := l.rs.NewMutex(name,
		redsync.WithExpiry(l.ttl),
		redsync.WithTries(l.tries),
		redsync.WithRetryDelay(50*time.Millisecond),
	)
	if err := mutex.LockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
			return fmt.Errorf("%s: %w", name, ErrNotAcquired)
		}
		return fmt.Errorf("acquire lock %s: %w", name, err)
	}
	defer func() {
		if ok, err := mutex.UnlockContext(context.WithoutCancel(ctx)); !ok || err != nil {
			l.logger.Printf("lock: release %s failed (ok=%v): %v", name, ok, err)
		}
	}()
	return fn(ctx)
}
