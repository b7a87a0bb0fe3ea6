package envelope

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/quiethall/quiethall-server/internal/channel"
	"github.com/quiethall/quiethall-server/internal/device"
	"github.com/quiethall/quiethall-server/internal/postgres"
	"github.com/quiethall/quiethall-server/internal/writer"
)

// Engine turns logical messages into per-device envelope rows and answers
// inbox reads. All writes go through the serializer as single submissions so
// a fan-out either lands completely or not at all.
type Engine struct {
	db       *pgxpool.Pool
	repo     *PGRepository
	channels channel.Repository
	devices  *device.PGRepository
	writes   *writer.Serializer
	notify   Notifier
	log      zerolog.Logger
}

// NewEngine creates a fan-out engine.
func NewEngine(db *pgxpool.Pool, channels channel.Repository, devices *device.PGRepository, writes *writer.Serializer, notify Notifier, logger zerolog.Logger) *Engine {
	if notify == nil {
		notify = NopNotifier{}
	}
	return &Engine{
		db:       db,
		repo:     NewPGRepository(db),
		channels: channels,
		devices:  devices,
		writes:   writes,
		notify:   notify,
		log:      logger.With().Str("component", "envelope").Logger(),
	}
}

// Repo exposes inbox reads.
func (e *Engine) Repo() *PGRepository { return e.repo }

// directRows maps per-device ciphertexts to envelope rows, skipping the
// sender's own current device if the caller included it.
func directRows(messageID uuid.UUID, senderUserID uuid.UUID, senderDeviceID, cipherKind int, items []DirectItem) ([]Envelope, error) {
	envs := make([]Envelope, 0, len(items))
	for _, it := range items {
		if len(it.Payload) == 0 {
			return nil, ErrEmptyPayload
		}
		if it.ReceiverUserID == senderUserID && it.ReceiverDeviceID == senderDeviceID {
			continue
		}
		envs = append(envs, Envelope{
			MessageID:        messageID,
			SenderUserID:     senderUserID,
			SenderDeviceID:   senderDeviceID,
			ReceiverUserID:   it.ReceiverUserID,
			ReceiverDeviceID: it.ReceiverDeviceID,
			Kind:             KindMessage,
			CipherKind:       cipherKind,
			Payload:          it.Payload,
		})
	}
	return envs, nil
}

// groupRows emits one row per recipient device except the sender's own.
func groupRows(channelID, messageID uuid.UUID, ciphertext []byte, senderUserID uuid.UUID, senderDeviceID, cipherKind int, devices []device.Device) []Envelope {
	chID := channelID
	envs := make([]Envelope, 0, len(devices))
	for _, d := range devices {
		if d.UserID == senderUserID && d.DeviceID == senderDeviceID {
			continue
		}
		envs = append(envs, Envelope{
			MessageID:        messageID,
			SenderUserID:     senderUserID,
			SenderDeviceID:   senderDeviceID,
			ReceiverUserID:   d.UserID,
			ReceiverDeviceID: d.DeviceID,
			ChannelID:        &chID,
			Kind:             KindMessage,
			CipherKind:       cipherKind,
			Payload:          ciphertext,
		})
	}
	return envs
}

// SendDirect stores one pre-encrypted ciphertext per recipient device. The
// caller supplies the full per-device list.
func (e *Engine) SendDirect(ctx context.Context, messageID uuid.UUID, senderUserID uuid.UUID, senderDeviceID, cipherKind int, items []DirectItem) (int, error) {
	envs, err := directRows(messageID, senderUserID, senderDeviceID, cipherKind, items)
	if err != nil {
		return 0, err
	}
	if err := e.store(ctx, "envelope.send_direct", envs); err != nil {
		return 0, err
	}
	e.wake(envs)
	return len(envs), nil
}

// SendGroup fans one ciphertext out to every device of every channel
// recipient (owner plus members), except the sender's own device. Membership
// is checked before any row is written.
func (e *Engine) SendGroup(ctx context.Context, channelID, messageID uuid.UUID, ciphertext []byte, senderUserID uuid.UUID, senderDeviceID, cipherKind int) (int, error) {
	if len(ciphertext) == 0 {
		return 0, ErrEmptyPayload
	}
	if _, err := e.channels.GetByID(ctx, channelID); err != nil {
		if errors.Is(err, channel.ErrNotFound) {
			return 0, ErrChannelNotFound
		}
		return 0, err
	}
	member, err := e.channels.IsMember(ctx, channelID, senderUserID)
	if err != nil {
		return 0, err
	}
	if !member {
		return 0, ErrNotMember
	}

	recipients, err := e.channels.RecipientUserIDs(ctx, channelID)
	if err != nil {
		return 0, err
	}
	devices, err := e.devices.ListByUsers(ctx, recipients)
	if err != nil {
		return 0, err
	}

	envs := groupRows(channelID, messageID, ciphertext, senderUserID, senderDeviceID, cipherKind, devices)
	if err := e.store(ctx, "envelope.send_group", envs); err != nil {
		return 0, err
	}
	e.wake(envs)
	return len(envs), nil
}

// Delete removes envelopes carrying messageID, optionally narrowed to one
// receiver user and device. The caller must be sender or receiver of at least
// one matching envelope.
func (e *Engine) Delete(ctx context.Context, callerUserID, messageID uuid.UUID, receiverUserID *uuid.UUID, receiverDeviceID *int) (int64, error) {
	return writer.Await(ctx, e.writes, "envelope.delete", func(ctx context.Context) (int64, error) {
		var deleted int64
		err := postgres.WithTx(ctx, e.db, func(tx pgx.Tx) error {
			allowed, err := canDelete(ctx, tx, callerUserID, messageID, receiverUserID, receiverDeviceID)
			if err != nil {
				return err
			}
			if !allowed {
				return ErrForbidden
			}
			deleted, err = deleteMatching(ctx, tx, messageID, receiverUserID, receiverDeviceID)
			return err
		})
		if err != nil {
			return 0, err
		}
		if deleted == 0 {
			return 0, ErrNotFound
		}
		return deleted, nil
	})
}

func (e *Engine) store(ctx context.Context, label string, envs []Envelope) error {
	if len(envs) == 0 {
		return nil
	}
	_, err := writer.Await(ctx, e.writes, label, func(ctx context.Context) (struct{}, error) {
		err := postgres.WithTx(ctx, e.db, func(tx pgx.Tx) error {
			return insertBatch(ctx, tx, envs)
		})
		if err != nil {
			return struct{}{}, fmt.Errorf("store envelopes: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}

func (e *Engine) wake(envs []Envelope) {
	if len(envs) == 0 {
		return
	}
	refs := make([]DeviceRef, len(envs))
	for i, env := range envs {
		refs[i] = DeviceRef{UserID: env.ReceiverUserID, DeviceID: env.ReceiverDeviceID}
	}
	e.notify.NotifyInbox(refs)
}
