package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/team-friendo/signalc/pkg/signalc/types"
)

// PreKeyStore persists one account's one-time and signed prekey inventory.
// Prekey identifiers are monotonically increasing and never reused; one-time
// prekeys are consumed exactly once.
type PreKeyStore struct {
	*Container
	AccountNumber string
}

const (
	getPreKeyQuery = `
		SELECT record FROM signalc_pre_keys
		WHERE account_number=$1 AND is_signed=$2 AND key_id=$3
	`
	insertPreKeyQuery = `
		INSERT INTO signalc_pre_keys (account_number, key_id, is_signed, record, uploaded)
		VALUES ($1, $2, $3, $4, $5)
	`
	deletePreKeyQuery = `
		DELETE FROM signalc_pre_keys
		WHERE account_number=$1 AND is_signed=$2 AND key_id=$3
	`
	getLastPreKeyIDQuery        = `SELECT MAX(key_id) FROM signalc_pre_keys WHERE account_number=$1 AND is_signed=$2`
	markPreKeysAsUploadedQuery  = `UPDATE signalc_pre_keys SET uploaded=true WHERE account_number=$1 AND is_signed=$2 AND key_id<=$3`
	getUploadedPreKeyCountQuery = `SELECT COUNT(*) FROM signalc_pre_keys WHERE account_number=$1 AND is_signed=$2 AND uploaded=true`
)

// ErrPreKeyConsumed is returned when a prekey referenced by an inbound
// session-establishment message has already been used.
var ErrPreKeyConsumed = errors.New("one-time prekey already consumed")

func (s *PreKeyStore) loadRecord(ctx context.Context, signed bool, id uint32) ([]byte, error) {
	var record []byte
	err := s.db.QueryRow(ctx, getPreKeyQuery, s.AccountNumber, signed, id).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return record, err
}

// LoadPreKey returns the serialized one-time prekey record, or nil if absent.
func (s *PreKeyStore) LoadPreKey(ctx context.Context, id uint32) ([]byte, error) {
	return s.loadRecord(ctx, false, id)
}

func (s *PreKeyStore) LoadSignedPreKey(ctx context.Context, id uint32) ([]byte, error) {
	return s.loadRecord(ctx, true, id)
}

// StorePreKeys persists a freshly generated batch of one-time prekeys, not
// yet marked as uploaded.
func (s *PreKeyStore) StorePreKeys(ctx context.Context, preKeys []types.PreKey) error {
	return s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		for _, pk := range preKeys {
			_, err := s.db.Exec(ctx, insertPreKeyQuery, s.AccountNumber, pk.ID, false, pk.Record, false)
			if err != nil {
				return fmt.Errorf("failed to store prekey %d: %w", pk.ID, err)
			}
		}
		return nil
	})
}

func (s *PreKeyStore) StoreSignedPreKey(ctx context.Context, spk *types.SignedPreKey) error {
	_, err := s.db.Exec(ctx, insertPreKeyQuery, s.AccountNumber, spk.ID, true, spk.Record, false)
	return err
}

// ConsumePreKey atomically removes and returns a one-time prekey record. The
// delete and the read happen in one transaction so two sessions established
// against the same prekey cannot both succeed.
func (s *PreKeyStore) ConsumePreKey(ctx context.Context, id uint32) ([]byte, error) {
	var record []byte
	err := s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		var txErr error
		record, txErr = s.loadRecord(ctx, false, id)
		if txErr != nil {
			return txErr
		}
		if record == nil {
			return ErrPreKeyConsumed
		}
		_, txErr = s.db.Exec(ctx, deletePreKeyQuery, s.AccountNumber, false, id)
		return txErr
	})
	return record, err
}

func (s *PreKeyStore) RemoveSignedPreKey(ctx context.Context, id uint32) error {
	_, err := s.db.Exec(ctx, deletePreKeyQuery, s.AccountNumber, true, id)
	return err
}

// NextPreKeyID returns the next unused one-time prekey identifier.
func (s *PreKeyStore) NextPreKeyID(ctx context.Context) (uint32, error) {
	return s.nextID(ctx, false)
}

func (s *PreKeyStore) NextSignedPreKeyID(ctx context.Context) (uint32, error) {
	return s.nextID(ctx, true)
}

func (s *PreKeyStore) nextID(ctx context.Context, signed bool) (uint32, error) {
	var lastID sql.NullInt32
	err := s.db.QueryRow(ctx, getLastPreKeyIDQuery, s.AccountNumber, signed).Scan(&lastID)
	if err != nil {
		return 0, fmt.Errorf("failed to query last prekey ID: %w", err)
	}
	return uint32(lastID.Int32) + 1, nil
}

// MarkPreKeysUploaded records that every one-time prekey up to and including
// the given ID has been published to the service.
func (s *PreKeyStore) MarkPreKeysUploaded(ctx context.Context, upToID uint32) error {
	_, err := s.db.Exec(ctx, markPreKeysAsUploadedQuery, s.AccountNumber, false, upToID)
	return err
}

func (s *PreKeyStore) MarkSignedPreKeyUploaded(ctx context.Context, id uint32) error {
	_, err := s.db.Exec(ctx, `UPDATE signalc_pre_keys SET uploaded=true WHERE account_number=$1 AND is_signed=true AND key_id=$2`,
		s.AccountNumber, id)
	return err
}

// UploadedPreKeyCount reports how many one-time prekeys remain available on
// the local side of the ledger. The reserve check against the server combines
// this with the service's own count.
func (s *PreKeyStore) UploadedPreKeyCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, getUploadedPreKeyCountQuery, s.AccountNumber, false).Scan(&count)
	return count, err
}
