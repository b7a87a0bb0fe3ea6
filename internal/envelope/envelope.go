// Package envelope stores and fans out end-to-end encrypted payloads. The
// server never interprets ciphertext: one logical message becomes exactly one
// row per recipient device, and each device reads its own FIFO inbox.
package envelope

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// KindMessage is the default envelope kind. The field is an opaque tag for
// clients; the server only stores it.
const KindMessage = "message"

// Sentinel errors for the envelope package.
var (
	ErrNotFound        = errors.New("envelope not found")
	ErrChannelNotFound = errors.New("channel not found")
	ErrNotMember       = errors.New("sender is not a member of the channel")
	ErrForbidden       = errors.New("caller is neither sender nor receiver of any matching envelope")
	ErrEmptyPayload    = errors.New("envelope payload must not be empty")
)

// Envelope is one stored ciphertext row addressed to exactly one device.
type Envelope struct {
	ID               int64      `json:"id"`
	MessageID        uuid.UUID  `json:"message_id"`
	SenderUserID     uuid.UUID  `json:"sender_user_id"`
	SenderDeviceID   int        `json:"sender_device_id"`
	ReceiverUserID   uuid.UUID  `json:"receiver_user_id"`
	ReceiverDeviceID int        `json:"receiver_device_id"`
	ChannelID        *uuid.UUID `json:"channel_id,omitempty"`
	Kind             string     `json:"kind"`
	CipherKind       int        `json:"cipher_kind"`
	Payload          []byte     `json:"payload"`
	CreatedAt        time.Time  `json:"created_at"`
}

// DirectItem is one per-device ciphertext in a direct send. The caller has
// already encrypted toward each device individually.
type DirectItem struct {
	ReceiverUserID   uuid.UUID `json:"receiver_user_id"`
	ReceiverDeviceID int       `json:"receiver_device_id"`
	Payload          []byte    `json:"payload"`
}

// DeviceRef names one recipient device for wake-up notification.
type DeviceRef struct {
	UserID   uuid.UUID
	DeviceID int
}

// Notifier wakes devices that have new inbox rows. Implementations are
// best-effort; delivery is the inbox's job, not the notifier's.
type Notifier interface {
	NotifyInbox(refs []DeviceRef)
}

// NopNotifier discards wake-ups.
type NopNotifier struct{}

func (NopNotifier) NotifyInbox([]DeviceRef) {}
