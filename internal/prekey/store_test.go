package prekey

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/google/uuid"

	"github.com/quiethall/quiethall-server/internal/device"
)

func int64p(v int64) *int64 { return &v }

// fakeKeySource serves keys from memory, popping one-time keys as consumed.
type fakeKeySource struct {
	signed map[int]*SignedPreKey
	pool   map[int][]OneTimePreKey
}

func (f *fakeKeySource) newestSigned(_ context.Context, _ uuid.UUID, deviceID int) (*SignedPreKey, error) {
	s, ok := f.signed[deviceID]
	if !ok {
		return nil, ErrNoSignedPreKey
	}
	return s, nil
}

func (f *fakeKeySource) consumeOneTime(_ context.Context, _ uuid.UUID, deviceID int) (*OneTimePreKey, error) {
	keys := f.pool[deviceID]
	if len(keys) == 0 {
		return nil, nil
	}
	k := keys[0]
	f.pool[deviceID] = keys[1:]
	return &k, nil
}

func TestBundleConsumesOneTimeKeyOnce(t *testing.T) {
	t.Parallel()

	d := device.Device{
		UserID:      uuid.New(),
		DeviceID:    1,
		IdentityKey: []byte{0x01},
	}
	src := &fakeKeySource{
		signed: map[int]*SignedPreKey{1: {PreKeyID: 20, Blob: []byte{0x02}}},
		pool:   map[int][]OneTimePreKey{1: {{PreKeyID: 100, Blob: []byte{0x03}}}},
	}

	first, err := bundleForDevice(context.Background(), src, d)
	if err != nil {
		t.Fatalf("bundleForDevice() error = %v", err)
	}
	if first.OneTimePreKey == nil || first.OneTimePreKey.PreKeyID != 100 {
		t.Fatalf("first bundle one-time key = %+v, want id 100", first.OneTimePreKey)
	}

	// The key was destroyed with the first fetch; a drained pool degrades to
	// a bundle without a one-time key instead of failing.
	second, err := bundleForDevice(context.Background(), src, d)
	if err != nil {
		t.Fatalf("second bundleForDevice() error = %v", err)
	}
	if second.OneTimePreKey != nil {
		t.Errorf("second bundle one-time key = %+v, want none", second.OneTimePreKey)
	}
	if second.SignedPreKey.PreKeyID != 20 {
		t.Errorf("second bundle signed key id = %d, want 20", second.SignedPreKey.PreKeyID)
	}
}

func TestBundleIncompleteDeviceSentinels(t *testing.T) {
	t.Parallel()

	src := &fakeKeySource{signed: map[int]*SignedPreKey{}, pool: map[int][]OneTimePreKey{}}

	_, err := bundleForDevice(context.Background(), src, device.Device{DeviceID: 1})
	if !errors.Is(err, ErrNoIdentity) {
		t.Errorf("no identity error = %v, want ErrNoIdentity", err)
	}

	_, err = bundleForDevice(context.Background(), src, device.Device{DeviceID: 1, IdentityKey: []byte{0x01}})
	if !errors.Is(err, ErrNoSignedPreKey) {
		t.Errorf("no signed prekey error = %v, want ErrNoSignedPreKey", err)
	}
}

func TestBuildSyncReport(t *testing.T) {
	t.Parallel()

	present := map[int64]struct{}{7: {}, 8: {}}

	tests := []struct {
		name         string
		status       *Status
		claimed      ClientState
		wantOK       bool
		wantIdentity bool
		wantStale    bool
		wantConsumed []int64
	}{
		{
			name:    "in sync",
			status:  &Status{IdentityKey: []byte{1}, NewestSignedKeyID: int64p(3)},
			claimed: ClientState{HasIdentity: true, SignedPreKeyID: int64p(3), OneTimePreKeyIDs: []int64{7, 8}},
			wantOK:  true,
		},
		{
			name:         "identity lost server-side",
			status:       &Status{},
			claimed:      ClientState{HasIdentity: true},
			wantIdentity: true,
		},
		{
			name:      "signed prekey superseded",
			status:    &Status{IdentityKey: []byte{1}, NewestSignedKeyID: int64p(4)},
			claimed:   ClientState{HasIdentity: true, SignedPreKeyID: int64p(3)},
			wantStale: true,
		},
		{
			name:         "consumed one-time prekeys reported",
			status:       &Status{IdentityKey: []byte{1}},
			claimed:      ClientState{HasIdentity: true, OneTimePreKeyIDs: []int64{7, 9, 10}},
			wantConsumed: []int64{9, 10},
		},
		{
			name:    "client with no local state",
			status:  &Status{},
			claimed: ClientState{},
			wantOK:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := buildSyncReport(tt.status, present, tt.claimed)
			if got.OK != tt.wantOK {
				t.Errorf("OK = %v, want %v", got.OK, tt.wantOK)
			}
			if got.IdentityMissing != tt.wantIdentity {
				t.Errorf("IdentityMissing = %v, want %v", got.IdentityMissing, tt.wantIdentity)
			}
			if got.SignedPreKeyStale != tt.wantStale {
				t.Errorf("SignedPreKeyStale = %v, want %v", got.SignedPreKeyStale, tt.wantStale)
			}
			if !slices.Equal(got.ConsumedPreKeyIDs, tt.wantConsumed) {
				t.Errorf("ConsumedPreKeyIDs = %v, want %v", got.ConsumedPreKeyIDs, tt.wantConsumed)
			}
		})
	}
}
