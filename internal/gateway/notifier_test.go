package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/quiethall/quiethall-server/internal/envelope"
)

func TestNotifierWakesSubscribedHub(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	hub := NewHub(zerolog.Nop())
	userID := uuid.New()
	_, conn := connect(t, hub, userID, 2)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go NewSubscriber(rdb, hub, zerolog.Nop()).Run(ctx)
	time.Sleep(50 * time.Millisecond)

	notifier := NewValkeyNotifier(rdb, zerolog.Nop())
	notifier.NotifyInbox([]envelope.DeviceRef{{UserID: userID, DeviceID: 2}})

	waitFor(t, func() bool { return len(conn.frames()) == 1 })
	if got := string(conn.frames()[0]); got != `{"t":"inbox"}` {
		t.Errorf("frame = %s, want inbox wake", got)
	}
}

func TestSubscriberIgnoresMalformedWake(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	hub := NewHub(zerolog.Nop())
	sub := NewSubscriber(rdb, hub, zerolog.Nop())

	sub.handle("not json")
	sub.handle(`{"user_id":"not-a-uuid","device_id":1}`)
}
