package gateway

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/quiethall/quiethall-server/internal/envelope"
)

// WakeChannel is the pub/sub channel carrying device wake-ups.
const WakeChannel = "quiethall.gateway.wake"

// wakeMessage is the JSON published per recipient device.
type wakeMessage struct {
	UserID   string `json:"user_id"`
	DeviceID int    `json:"device_id"`
}

// ValkeyNotifier publishes inbox wake-ups to Valkey so every process with
// connected gateways can deliver them. It implements envelope.Notifier.
type ValkeyNotifier struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewValkeyNotifier creates a notifier.
func NewValkeyNotifier(rdb *redis.Client, log zerolog.Logger) *ValkeyNotifier {
	return &ValkeyNotifier{rdb: rdb, log: log.With().Str("component", "gateway_notifier").Logger()}
}

// NotifyInbox publishes one wake per recipient device. Failures are logged
// and dropped; the inbox rows are already durable.
func (n *ValkeyNotifier) NotifyInbox(refs []envelope.DeviceRef) {
	ctx := context.Background()
	for _, ref := range refs {
		payload, err := json.Marshal(wakeMessage{UserID: ref.UserID.String(), DeviceID: ref.DeviceID})
		if err != nil {
			continue
		}
		if err := n.rdb.Publish(ctx, WakeChannel, payload).Err(); err != nil {
			n.log.Warn().Err(err).Msg("failed to publish wake")
		}
	}
}

// Subscriber forwards published wake-ups to the local hub.
type Subscriber struct {
	rdb *redis.Client
	hub *Hub
	log zerolog.Logger
}

// NewSubscriber creates a wake subscriber for the hub.
func NewSubscriber(rdb *redis.Client, hub *Hub, log zerolog.Logger) *Subscriber {
	return &Subscriber{rdb: rdb, hub: hub, log: log.With().Str("component", "gateway_subscriber").Logger()}
}

// Run consumes the wake channel until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) {
	sub := s.rdb.Subscribe(ctx, WakeChannel)
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.handle(msg.Payload)
		}
	}
}

func (s *Subscriber) handle(payload string) {
	var wake wakeMessage
	if err := json.Unmarshal([]byte(payload), &wake); err != nil {
		s.log.Warn().Err(err).Msg("malformed wake message")
		return
	}
	userID, err := uuid.Parse(wake.UserID)
	if err != nil {
		s.log.Warn().Str("user_id", wake.UserID).Msg("malformed wake user id")
		return
	}
	s.hub.Wake(userID, wake.DeviceID)
}
