package scheduler

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisLockAcquireAndRelease(t *testing.T) {
	client := testRedisClient(t)
	ctx := context.Background()

	first := NewRedisLock(client, "holder-a")
	release, ok, err := first.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("first acquire = (%v, %v)", ok, err)
	}

	second := NewRedisLock(client, "holder-b")
	if _, ok, err := second.Acquire(ctx); err != nil || ok {
		t.Fatalf("second acquire should lose, got (%v, %v)", ok, err)
	}

	release()
	if _, ok, err := second.Acquire(ctx); err != nil || !ok {
		t.Fatalf("acquire after release = (%v, %v)", ok, err)
	}
}

func TestRedisLockReleaseOnlyWhenOwned(t *testing.T) {
	client := testRedisClient(t)
	ctx := context.Background()

	first := NewRedisLock(client, "holder-a")
	staleRelease, ok, err := first.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("acquire = (%v, %v)", ok, err)
	}

	// Simulate TTL expiry followed by another holder taking the lock.
	if err := client.Del(ctx, lockKey).Err(); err != nil {
		t.Fatal(err)
	}
	second := NewRedisLock(client, "holder-b")
	if _, ok, err := second.Acquire(ctx); err != nil || !ok {
		t.Fatalf("second acquire = (%v, %v)", ok, err)
	}

	staleRelease()
	owner, err := client.Get(ctx, lockKey).Result()
	if err != nil {
		t.Fatalf("lock key should survive a stale release: %v", err)
	}
	if owner != "holder-b" {
		t.Errorf("owner = %q, want holder-b", owner)
	}
}
