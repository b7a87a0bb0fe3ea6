package prekey

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/quiethall/quiethall-server/internal/device"
	"github.com/quiethall/quiethall-server/internal/postgres"
	"github.com/quiethall/quiethall-server/internal/writer"
)

// DefaultBulkSoftDeadline bounds how long a bulk publish caller waits before
// the handler answers Accepted and lets the write finish in the background.
const DefaultBulkSoftDeadline = 5 * time.Second

// Store owns pre-key persistence. All mutations run inside write-serializer
// closures; status and sync queries read the pool directly.
type Store struct {
	db        *pgxpool.Pool
	devices   *device.PGRepository
	writes    *writer.Serializer
	softLimit time.Duration
	log       zerolog.Logger
}

// NewStore creates a pre-key store. softLimit bounds the synchronous wait of
// bulk publishes; zero means DefaultBulkSoftDeadline.
func NewStore(db *pgxpool.Pool, devices *device.PGRepository, writes *writer.Serializer, softLimit time.Duration, logger zerolog.Logger) *Store {
	if softLimit <= 0 {
		softLimit = DefaultBulkSoftDeadline
	}
	return &Store{
		db:        db,
		devices:   devices,
		writes:    writes,
		softLimit: softLimit,
		log:       logger.With().Str("component", "prekey").Logger(),
	}
}

// PublishSigned appends a signed pre-key to the device's chain.
func (s *Store) PublishSigned(ctx context.Context, userID uuid.UUID, deviceID int, prekeyID int64, blob []byte) error {
	_, err := writer.Await(ctx, s.writes, "prekey.publish_signed", func(ctx context.Context) (struct{}, error) {
		_, err := s.db.Exec(ctx,
			`INSERT INTO signed_prekeys (user_id, device_id, prekey_id, blob) VALUES ($1, $2, $3, $4)`,
			userID, deviceID, prekeyID, blob)
		if err != nil {
			return struct{}{}, fmt.Errorf("insert signed prekey: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}

// PublishBulk upserts a batch of one-time pre-keys. The write is submitted to
// the serializer and awaited for at most the store's soft limit; when the deadline
// passes first, accepted is true, the caller answers Accepted, and the closure
// keeps running to completion in the background.
func (s *Store) PublishBulk(ctx context.Context, userID uuid.UUID, deviceID int, keys []OneTimePreKey) (accepted bool, err error) {
	fut, err := s.writes.Enqueue(ctx, "prekey.publish_bulk", func(ctx context.Context) (any, error) {
		err := postgres.WithTx(ctx, s.db, func(tx pgx.Tx) error {
			for _, k := range keys {
				if _, err := tx.Exec(ctx,
					`INSERT INTO one_time_prekeys (user_id, device_id, prekey_id, blob) VALUES ($1, $2, $3, $4)
					 ON CONFLICT (user_id, device_id, prekey_id) DO UPDATE SET blob = EXCLUDED.blob`,
					userID, deviceID, k.PreKeyID, k.Blob); err != nil {
					return fmt.Errorf("upsert one-time prekey %d: %w", k.PreKeyID, err)
				}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("bulk prekey publish: %w", err)
		}
		return nil, nil
	})
	if err != nil {
		return false, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.softLimit)
	defer cancel()
	if _, err := fut.Wait(waitCtx); err != nil {
		if errors.Is(err, writer.ErrStillRunning) {
			s.log.Info().
				Int("device_id", deviceID).
				Int("count", len(keys)).
				Msg("bulk prekey publish exceeded soft deadline, continuing in background")
			return true, nil
		}
		return false, err
	}
	return false, nil
}

// FetchBundle returns one bundle element per device of the target user and of
// the requester, so the caller can establish sessions toward the target and
// toward its own other devices in one round trip. The selected one-time
// pre-key of each device is destroyed before the response is returned.
func (s *Store) FetchBundle(ctx context.Context, targetUserID, requesterUserID uuid.UUID) ([]DeviceBundle, error) {
	userIDs := []uuid.UUID{targetUserID}
	if requesterUserID != targetUserID {
		userIDs = append(userIDs, requesterUserID)
	}
	devices, err := s.devices.ListByUsers(ctx, userIDs)
	if err != nil {
		return nil, err
	}

	return writer.Await(ctx, s.writes, "prekey.fetch_bundle", func(ctx context.Context) ([]DeviceBundle, error) {
		bundles := make([]DeviceBundle, 0, len(devices))
		err := postgres.WithTx(ctx, s.db, func(tx pgx.Tx) error {
			for _, d := range devices {
				b, err := bundleForDevice(ctx, txKeySource{tx: tx}, d)
				if err != nil {
					if errors.Is(err, ErrNoIdentity) || errors.Is(err, ErrNoSignedPreKey) {
						// A device that never finished key setup is
						// silently absent from the bundle.
						continue
					}
					return err
				}
				bundles = append(bundles, *b)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("fetch bundle: %w", err)
		}
		return bundles, nil
	})
}

// keySource reads one device's published keys. consumeOneTime destroys the
// key it returns, and returns nil with no error when the pool is empty.
type keySource interface {
	newestSigned(ctx context.Context, userID uuid.UUID, deviceID int) (*SignedPreKey, error)
	consumeOneTime(ctx context.Context, userID uuid.UUID, deviceID int) (*OneTimePreKey, error)
}

// bundleForDevice assembles one bundle element. A device with no identity key
// or no signed pre-key yields the matching sentinel; an empty one-time pool
// yields a bundle without a one-time key.
func bundleForDevice(ctx context.Context, src keySource, d device.Device) (*DeviceBundle, error) {
	if len(d.IdentityKey) == 0 {
		return nil, ErrNoIdentity
	}

	signed, err := src.newestSigned(ctx, d.UserID, d.DeviceID)
	if err != nil {
		return nil, err
	}

	otk, err := src.consumeOneTime(ctx, d.UserID, d.DeviceID)
	if err != nil {
		return nil, err
	}

	return &DeviceBundle{
		UserID:         d.UserID,
		DeviceID:       d.DeviceID,
		IdentityKey:    d.IdentityKey,
		RegistrationID: d.RegistrationID,
		SignedPreKey:   *signed,
		OneTimePreKey:  otk,
	}, nil
}

// txKeySource backs one bundle fetch with the enclosing transaction.
type txKeySource struct {
	tx pgx.Tx
}

func (s txKeySource) newestSigned(ctx context.Context, userID uuid.UUID, deviceID int) (*SignedPreKey, error) {
	var signed SignedPreKey
	err := s.tx.QueryRow(ctx,
		`SELECT prekey_id, blob, created_at FROM signed_prekeys
		 WHERE user_id = $1 AND device_id = $2
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		userID, deviceID).Scan(&signed.PreKeyID, &signed.Blob, &signed.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoSignedPreKey
	}
	if err != nil {
		return nil, fmt.Errorf("query newest signed prekey: %w", err)
	}
	return &signed, nil
}

func (s txKeySource) consumeOneTime(ctx context.Context, userID uuid.UUID, deviceID int) (*OneTimePreKey, error) {
	var otk OneTimePreKey
	err := s.tx.QueryRow(ctx,
		`DELETE FROM one_time_prekeys
		 WHERE (user_id, device_id, prekey_id) IN (
		     SELECT user_id, device_id, prekey_id FROM one_time_prekeys
		     WHERE user_id = $1 AND device_id = $2
		     ORDER BY random() LIMIT 1
		 )
		 RETURNING prekey_id, blob`,
		userID, deviceID).Scan(&otk.PreKeyID, &otk.Blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("consume one-time prekey: %w", err)
	}
	return &otk, nil
}

// MinimalStatus summarizes a device's server-side key state.
func (s *Store) MinimalStatus(ctx context.Context, userID uuid.UUID, deviceID int) (*Status, error) {
	d, err := s.devices.Get(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}

	st := &Status{IdentityKey: d.IdentityKey}

	var newest int64
	err = s.db.QueryRow(ctx,
		`SELECT prekey_id FROM signed_prekeys
		 WHERE user_id = $1 AND device_id = $2
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		userID, deviceID).Scan(&newest)
	if err == nil {
		st.NewestSignedKeyID = &newest
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("query newest signed prekey: %w", err)
	}

	if err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM one_time_prekeys WHERE user_id = $1 AND device_id = $2`,
		userID, deviceID).Scan(&st.OneTimePreKeyCount); err != nil {
		return nil, fmt.Errorf("count one-time prekeys: %w", err)
	}
	return st, nil
}

// ValidateAndSync compares the client's claimed key state against the server's
// and reports what is missing or consumed. It never mutates.
func (s *Store) ValidateAndSync(ctx context.Context, userID uuid.UUID, deviceID int, claimed ClientState) (*SyncReport, error) {
	st, err := s.MinimalStatus(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}

	present := make(map[int64]struct{})
	if len(claimed.OneTimePreKeyIDs) > 0 {
		rows, err := s.db.Query(ctx,
			`SELECT prekey_id FROM one_time_prekeys WHERE user_id = $1 AND device_id = $2`,
			userID, deviceID)
		if err != nil {
			return nil, fmt.Errorf("query one-time prekey ids: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return nil, fmt.Errorf("scan one-time prekey id: %w", err)
			}
			present[id] = struct{}{}
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	return buildSyncReport(st, present, claimed), nil
}

// buildSyncReport diffs the client's claimed state against the server's.
func buildSyncReport(st *Status, present map[int64]struct{}, claimed ClientState) *SyncReport {
	report := &SyncReport{}
	if claimed.HasIdentity && len(st.IdentityKey) == 0 {
		report.IdentityMissing = true
	}
	if claimed.SignedPreKeyID != nil &&
		(st.NewestSignedKeyID == nil || *st.NewestSignedKeyID != *claimed.SignedPreKeyID) {
		report.SignedPreKeyStale = true
	}
	for _, id := range claimed.OneTimePreKeyIDs {
		if _, ok := present[id]; !ok {
			report.ConsumedPreKeyIDs = append(report.ConsumedPreKeyIDs, id)
		}
	}
	report.OK = !report.IdentityMissing && !report.SignedPreKeyStale && len(report.ConsumedPreKeyIDs) == 0
	return report
}
