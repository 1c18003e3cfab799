package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"

	"github.com/team-friendo/signalc/pkg/signalc/types"
)

// TrustLevel records how much we trust a peer's identity-key fingerprint.
// Sending to an untrusted fingerprint is not blocked, but the distinction is
// surfaced to the dispatch layer, which decides when to trust.
type TrustLevel string

const (
	TrustLevelUntrusted TrustLevel = "UNTRUSTED"
	TrustLevelTrusted   TrustLevel = "TRUSTED"
)

// IdentityStore persists peer identity-key fingerprints for one account.
type IdentityStore struct {
	*Container
	AccountNumber string
}

const (
	getFingerprintQuery = `
		SELECT key, trust_level FROM signalc_identity_keys
		WHERE account_number=$1 AND their_identifier=$2
	`
	upsertFingerprintQuery = `
		INSERT INTO signalc_identity_keys (account_number, their_identifier, key, trust_level)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_number, their_identifier) DO UPDATE
			SET key=excluded.key, trust_level=excluded.trust_level
	`
	trustFingerprintQuery = `
		UPDATE signalc_identity_keys SET trust_level=$1
		WHERE account_number=$2 AND key=$3
	`
	deleteFingerprintQuery = `DELETE FROM signalc_identity_keys WHERE account_number=$1 AND their_identifier=$2`
)

// LoadFingerprint returns the stored fingerprint and trust level for a
// contact, or (nil, "", nil) when the peer's identity key has never been
// observed.
func (s *IdentityStore) LoadFingerprint(ctx context.Context, addr types.Address) ([]byte, TrustLevel, error) {
	var key []byte
	var level TrustLevel
	err := s.db.QueryRow(ctx, getFingerprintQuery, s.AccountNumber, addr.Identifier()).Scan(&key, &level)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", nil
	}
	return key, level, err
}

// SaveFingerprint records a newly observed identity key for a contact as
// UNTRUSTED. A fingerprint only ever becomes trusted through an explicit
// TrustFingerprint call driven by the dispatch layer.
func (s *IdentityStore) SaveFingerprint(ctx context.Context, addr types.Address, fingerprint []byte) error {
	_, err := s.db.Exec(ctx, upsertFingerprintQuery, s.AccountNumber, addr.Identifier(), fingerprint, TrustLevelUntrusted)
	return err
}

// StoreIdentity records a peer's identity key as seen during normal protocol
// traffic: trusted on first use, but a changed key is stored UNTRUSTED until
// an explicit TrustFingerprint call.
func (s *IdentityStore) StoreIdentity(ctx context.Context, addr types.Address, fingerprint []byte) error {
	return s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		stored, _, err := s.LoadFingerprint(ctx, addr)
		if err != nil {
			return err
		}
		if stored != nil && bytes.Equal(stored, fingerprint) {
			return nil
		}
		level := TrustLevelTrusted
		if stored != nil {
			level = TrustLevelUntrusted
		}
		_, err = s.db.Exec(ctx, upsertFingerprintQuery, s.AccountNumber, addr.Identifier(), fingerprint, level)
		return err
	})
}

// TrustFingerprint flips the trust level of every identity matching the given
// fingerprint bytes to TRUSTED.
func (s *IdentityStore) TrustFingerprint(ctx context.Context, fingerprint []byte) error {
	_, err := s.db.Exec(ctx, trustFingerprintQuery, TrustLevelTrusted, s.AccountNumber, fingerprint)
	return err
}

// IsTrustedFingerprint reports whether the given identity key may be used
// without surfacing an identity failure: unknown peers are trusted on first
// use, known peers only when the key matches a TRUSTED record.
func (s *IdentityStore) IsTrustedFingerprint(ctx context.Context, addr types.Address, fingerprint []byte) (bool, error) {
	stored, level, err := s.LoadFingerprint(ctx, addr)
	if err != nil {
		return false, err
	}
	if stored == nil {
		return true, nil
	}
	return level == TrustLevelTrusted && bytes.Equal(stored, fingerprint), nil
}

func (s *IdentityStore) RemoveFingerprint(ctx context.Context, addr types.Address) error {
	_, err := s.db.Exec(ctx, deleteFingerprintQuery, s.AccountNumber, addr.Identifier())
	return err
}
