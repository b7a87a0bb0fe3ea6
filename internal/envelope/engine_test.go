package envelope

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/quiethall/quiethall-server/internal/device"
)

func TestGroupRowsExcludesSenderDevice(t *testing.T) {
	t.Parallel()

	owner := uuid.New()
	m2 := uuid.New()
	m3 := uuid.New()
	devices := []device.Device{
		{UserID: owner, DeviceID: 1},
		{UserID: m2, DeviceID: 1},
		{UserID: m3, DeviceID: 1},
		{UserID: m3, DeviceID: 2},
	}
	channelID := uuid.New()
	messageID := uuid.New()

	envs := groupRows(channelID, messageID, []byte("XYZ"), m3, 1, 4, devices)
	if len(envs) != 3 {
		t.Fatalf("got %d envelopes, want 3", len(envs))
	}
	for _, e := range envs {
		if e.ReceiverUserID == m3 && e.ReceiverDeviceID == 1 {
			t.Error("sender's own device must not receive an envelope")
		}
		if e.ChannelID == nil || *e.ChannelID != channelID {
			t.Error("group envelope must carry the channel id")
		}
		if e.CipherKind != 4 {
			t.Errorf("cipher_kind = %d, want 4", e.CipherKind)
		}
		if string(e.Payload) != "XYZ" {
			t.Errorf("payload = %q", e.Payload)
		}
	}

	// The sender's other device does get one.
	var otherDevice bool
	for _, e := range envs {
		if e.ReceiverUserID == m3 && e.ReceiverDeviceID == 2 {
			otherDevice = true
		}
	}
	if !otherDevice {
		t.Error("sender's other device should receive an envelope")
	}
}

func TestDirectRowsSkipsSenderAndValidatesPayload(t *testing.T) {
	t.Parallel()

	sender := uuid.New()
	peer := uuid.New()
	messageID := uuid.New()

	envs, err := directRows(messageID, sender, 1, 2, []DirectItem{
		{ReceiverUserID: peer, ReceiverDeviceID: 1, Payload: []byte("a")},
		{ReceiverUserID: sender, ReceiverDeviceID: 1, Payload: []byte("b")},
		{ReceiverUserID: sender, ReceiverDeviceID: 2, Payload: []byte("c")},
	})
	if err != nil {
		t.Fatalf("directRows() error = %v", err)
	}
	if len(envs) != 2 {
		t.Fatalf("got %d envelopes, want 2 (sender's current device skipped)", len(envs))
	}
	for _, e := range envs {
		if e.ChannelID != nil {
			t.Error("direct envelope must not carry a channel id")
		}
	}

	_, err = directRows(messageID, sender, 1, 2, []DirectItem{
		{ReceiverUserID: peer, ReceiverDeviceID: 1, Payload: nil},
	})
	if !errors.Is(err, ErrEmptyPayload) {
		t.Fatalf("directRows(empty payload) error = %v, want ErrEmptyPayload", err)
	}
}
