package permission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// --- Spy Cache for invalidation tests ---

type spyCache struct {
	mu                    sync.Mutex
	deleteByUserCalled    bool
	deleteByChannelCalled bool
	deleteExactCalled     bool
	lastUserID            uuid.UUID
	lastChannelID         uuid.UUID
}

func (c *spyCache) Get(_ context.Context, _, _ uuid.UUID) (Set, bool, error) { return nil, false, nil }
func (c *spyCache) Set(_ context.Context, _, _ uuid.UUID, _ Set) error       { return nil }

func (c *spyCache) DeleteByUser(_ context.Context, userID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteByUserCalled = true
	c.lastUserID = userID
	return nil
}

func (c *spyCache) DeleteByChannel(_ context.Context, channelID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteByChannelCalled = true
	c.lastChannelID = channelID
	return nil
}

func (c *spyCache) DeleteExact(_ context.Context, userID, channelID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteExactCalled = true
	c.lastUserID = userID
	c.lastChannelID = channelID
	return nil
}

func setupPubSub(t *testing.T) (*Publisher, *Subscriber, *spyCache, context.CancelFunc) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := &spyCache{}

	pub := NewPublisher(rdb)
	sub := NewSubscriber(cache, rdb)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = sub.Run(ctx) }()
	// Give the subscription a moment to establish before publishing.
	time.Sleep(50 * time.Millisecond)
	return pub, sub, cache, cancel
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestInvalidateUser(t *testing.T) {
	t.Parallel()
	pub, _, cache, cancel := setupPubSub(t)
	defer cancel()

	userID := uuid.New()
	if err := pub.InvalidateUser(context.Background(), userID); err != nil {
		t.Fatalf("InvalidateUser() error = %v", err)
	}

	waitFor(t, func() bool {
		cache.mu.Lock()
		defer cache.mu.Unlock()
		return cache.deleteByUserCalled && cache.lastUserID == userID
	})
}

func TestInvalidateChannel(t *testing.T) {
	t.Parallel()
	pub, _, cache, cancel := setupPubSub(t)
	defer cancel()

	channelID := uuid.New()
	if err := pub.InvalidateChannel(context.Background(), channelID); err != nil {
		t.Fatalf("InvalidateChannel() error = %v", err)
	}

	waitFor(t, func() bool {
		cache.mu.Lock()
		defer cache.mu.Unlock()
		return cache.deleteByChannelCalled && cache.lastChannelID == channelID
	})
}

func TestInvalidateUserChannel(t *testing.T) {
	t.Parallel()
	pub, _, cache, cancel := setupPubSub(t)
	defer cancel()

	userID := uuid.New()
	channelID := uuid.New()
	if err := pub.InvalidateUserChannel(context.Background(), userID, channelID); err != nil {
		t.Fatalf("InvalidateUserChannel() error = %v", err)
	}

	waitFor(t, func() bool {
		cache.mu.Lock()
		defer cache.mu.Unlock()
		return cache.deleteExactCalled && cache.lastUserID == userID && cache.lastChannelID == channelID
	})
}
