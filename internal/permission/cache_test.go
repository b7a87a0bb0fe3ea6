package permission

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func setupMiniRedis(t *testing.T) (*miniredis.Miniredis, *ValkeyCache) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, NewValkeyCache(rdb)
}

func TestCacheSetAndGet(t *testing.T) {
	t.Parallel()
	_, cache := setupMiniRedis(t)
	ctx := context.Background()
	userID := uuid.New()
	channelID := uuid.New()
	perms := NewSet([]string{"channel.manage", "member.view"})

	if err := cache.Set(ctx, userID, channelID, perms); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, ok, err := cache.Get(ctx, userID, channelID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok {
		t.Fatal("Get() returned ok=false, want true")
	}
	if !got.Has("channel.manage") || !got.Has("member.view") || got.Has("server.manage") {
		t.Errorf("Get() = %v, want {channel.manage, member.view}", got.Strings())
	}
}

func TestCacheGetMiss(t *testing.T) {
	t.Parallel()
	_, cache := setupMiniRedis(t)
	ctx := context.Background()

	_, ok, err := cache.Get(ctx, uuid.New(), uuid.New())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Error("Get() returned ok=true for missing key")
	}
}

func TestCacheEmptySetRoundTrips(t *testing.T) {
	t.Parallel()
	_, cache := setupMiniRedis(t)
	ctx := context.Background()
	userID := uuid.New()

	// An empty set is a valid cached value: "user has no permissions" must
	// not be recomputed on every request.
	if err := cache.Set(ctx, userID, serverPermKey, NewSet(nil)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, ok, err := cache.Get(ctx, userID, serverPermKey)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok {
		t.Fatal("Get() returned ok=false for cached empty set")
	}
	if len(got) != 0 {
		t.Errorf("Get() = %v, want empty set", got.Strings())
	}
}

func TestCacheDeleteByUser(t *testing.T) {
	t.Parallel()
	_, cache := setupMiniRedis(t)
	ctx := context.Background()
	userID := uuid.New()
	ch1 := uuid.New()
	ch2 := uuid.New()
	otherUser := uuid.New()

	_ = cache.Set(ctx, userID, ch1, NewSet([]string{"member.view"}))
	_ = cache.Set(ctx, userID, ch2, NewSet([]string{"user.add"}))
	_ = cache.Set(ctx, otherUser, ch1, NewSet([]string{"member.view"}))

	if err := cache.DeleteByUser(ctx, userID); err != nil {
		t.Fatalf("DeleteByUser() error = %v", err)
	}

	if _, ok, _ := cache.Get(ctx, userID, ch1); ok {
		t.Error("user entry 1 should be deleted")
	}
	if _, ok, _ := cache.Get(ctx, userID, ch2); ok {
		t.Error("user entry 2 should be deleted")
	}
	if _, ok, _ := cache.Get(ctx, otherUser, ch1); !ok {
		t.Error("other user's entry should survive")
	}
}

func TestCacheDeleteByChannel(t *testing.T) {
	t.Parallel()
	_, cache := setupMiniRedis(t)
	ctx := context.Background()
	channelID := uuid.New()
	u1 := uuid.New()
	u2 := uuid.New()
	otherChannel := uuid.New()

	_ = cache.Set(ctx, u1, channelID, NewSet([]string{"member.view"}))
	_ = cache.Set(ctx, u2, channelID, NewSet([]string{"member.view"}))
	_ = cache.Set(ctx, u1, otherChannel, NewSet([]string{"member.view"}))

	if err := cache.DeleteByChannel(ctx, channelID); err != nil {
		t.Fatalf("DeleteByChannel() error = %v", err)
	}

	if _, ok, _ := cache.Get(ctx, u1, channelID); ok {
		t.Error("channel entry for u1 should be deleted")
	}
	if _, ok, _ := cache.Get(ctx, u2, channelID); ok {
		t.Error("channel entry for u2 should be deleted")
	}
	if _, ok, _ := cache.Get(ctx, u1, otherChannel); !ok {
		t.Error("other channel's entry should survive")
	}
}

func TestCacheDeleteExact(t *testing.T) {
	t.Parallel()
	_, cache := setupMiniRedis(t)
	ctx := context.Background()
	userID := uuid.New()
	channelID := uuid.New()

	_ = cache.Set(ctx, userID, channelID, NewSet([]string{"member.view"}))
	if err := cache.DeleteExact(ctx, userID, channelID); err != nil {
		t.Fatalf("DeleteExact() error = %v", err)
	}
	if _, ok, _ := cache.Get(ctx, userID, channelID); ok {
		t.Error("entry should be deleted")
	}
}
