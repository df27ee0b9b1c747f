package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	lockKey = "agora:scheduler:run-lock"
	lockTTL = 5 * time.Minute
)

// RedisLock serializes processor passes across API replicas with a SET NX
// key. The TTL bounds how long a crashed holder blocks the next pass.
type RedisLock struct {
	client *redis.Client
	token  string
}

func NewRedisLock(client *redis.Client, token string) *RedisLock {
	return &RedisLock{client: client, token: token}
}

// Acquire implements Locker. Release is best effort and only deletes the
// key when this holder still owns it.
func (l *RedisLock) Acquire(ctx context.Context) (func(), bool, error) {
	ok, err := l.client.SetNX(ctx, lockKey, l.token, lockTTL).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		// Guard against deleting a lock a later run acquired after our
		// TTL expired.
		owner, err := l.client.Get(context.Background(), lockKey).Result()
		if err != nil || owner != l.token {
			if err != nil && err != redis.Nil {
				log.Printf("scheduler: release lock: %v", err)
			}
			return
		}
		if err := l.client.Del(context.Background(), lockKey).Err(); err != nil {
			log.Printf("scheduler: release lock: %v", err)
		}
	}
	return release, true, nil
}
