package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.mau.fi/util/dbutil"

	"github.com/team-friendo/signalc/pkg/signalc/types"
)

const validProfileKeySize = 32

// ErrInvalidProfileKey is returned when a peer sends profile-key material of
// the wrong size.
var ErrInvalidProfileKey = fmt.Errorf("profile key must be %d bytes", validProfileKeySize)

// ContactStore persists peer identifier linkage for one account. A contact
// may be known first by phone number (unsealed envelopes) and later by UUID
// (sealed-sender envelopes); both identifiers must resolve to the same row so
// sessions survive the switch.
type ContactStore struct {
	*Container
	AccountNumber string
}

// Contact is a peer of one account. At least one of Number and ACI is set.
type Contact struct {
	Number     string
	ACI        uuid.UUID
	ProfileKey []byte
}

func (c *Contact) Address() types.Address {
	return types.NewAddress(c.Number, c.ACI)
}

const (
	getContactQuery = `
		SELECT e164, aci_uuid, profile_key FROM signalc_contacts
		WHERE account_number=$1 AND (aci_uuid=$2 OR e164=$2)
	`
	insertContactQuery = `
		INSERT INTO signalc_contacts (account_number, e164, aci_uuid, profile_key)
		VALUES ($1, $2, $3, NULL)
	`
	linkContactUUIDQuery = `
		UPDATE signalc_contacts SET aci_uuid=$1
		WHERE account_number=$2 AND e164=$3 AND aci_uuid IS NULL
	`
)

func (s *ContactStore) scanContact(row dbutil.Scannable) (*Contact, error) {
	var contact Contact
	var e164, aci sql.NullString
	err := row.Scan(&e164, &aci, &contact.ProfileKey)
	if err != nil {
		return nil, err
	}
	contact.Number = e164.String
	if aci.Valid {
		contact.ACI, err = uuid.Parse(aci.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse contact uuid: %w", err)
		}
	}
	return &contact, nil
}

// ResolveContact looks a contact up by either identifier (phone number or
// UUID string); nil when unknown.
func (s *ContactStore) ResolveContact(ctx context.Context, identifier string) (*Contact, error) {
	contact, err := s.scanContact(s.db.QueryRow(ctx, getContactQuery, s.AccountNumber, identifier))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return contact, err
}

// ContactAddress resolves an identifier to the fullest address we know for
// it, falling back to the identifier itself for never-seen peers.
func (s *ContactStore) ContactAddress(ctx context.Context, identifier string) (types.Address, error) {
	contact, err := s.ResolveContact(ctx, identifier)
	if err != nil || contact == nil {
		return types.Address{Number: identifier}, err
	}
	return contact.Address(), nil
}

func (s *ContactStore) HasContact(ctx context.Context, identifier string) (bool, error) {
	contact, err := s.ResolveContact(ctx, identifier)
	return contact != nil, err
}

// StoreContact creates a contact known by both phone number and UUID. Called
// on the first prekey bundle from a new peer, which is the only moment both
// identifiers are reliably present together.
func (s *ContactStore) StoreContact(ctx context.Context, number string, aci uuid.UUID) error {
	_, err := s.db.Exec(ctx, insertContactQuery, s.AccountNumber, number, aci.String())
	return err
}

// StoreMissingIdentifier links a UUID onto a contact so far known only by
// phone number, creating the row if the peer was never seen. Idempotent.
func (s *ContactStore) StoreMissingIdentifier(ctx context.Context, number string, aci uuid.UUID) error {
	return s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		existing, err := s.ResolveContact(ctx, aci.String())
		if err != nil {
			return err
		}
		if existing != nil {
			return nil
		}
		byNumber, err := s.ResolveContact(ctx, number)
		if err != nil {
			return err
		}
		if byNumber == nil {
			return s.StoreContact(ctx, number, aci)
		}
		_, err = s.db.Exec(ctx, linkContactUUIDQuery, aci.String(), s.AccountNumber, number)
		return err
	})
}

// StoreProfileKey caches a peer's profile key, creating the contact row if
// needed. Stored unconditionally whenever a decrypted message carries one.
func (s *ContactStore) StoreProfileKey(ctx context.Context, identifier string, profileKey []byte) error {
	if len(profileKey) != validProfileKeySize {
		return ErrInvalidProfileKey
	}
	return s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		contact, err := s.ResolveContact(ctx, identifier)
		if err != nil {
			return err
		}
		if contact != nil {
			_, err = s.db.Exec(ctx,
				`UPDATE signalc_contacts SET profile_key=$1 WHERE account_number=$2 AND (aci_uuid=$3 OR e164=$3)`,
				profileKey, s.AccountNumber, identifier)
			return err
		}
		var e164, aci sql.NullString
		if parsed, parseErr := uuid.Parse(identifier); parseErr == nil {
			aci = sql.NullString{String: parsed.String(), Valid: true}
		} else {
			e164 = sql.NullString{String: identifier, Valid: true}
		}
		_, err = s.db.Exec(ctx,
			`INSERT INTO signalc_contacts (account_number, e164, aci_uuid, profile_key) VALUES ($1, $2, $3, $4)`,
			s.AccountNumber, e164, aci, profileKey)
		return err
	})
}

// LoadProfileKey returns the cached profile key for a contact, or nil.
func (s *ContactStore) LoadProfileKey(ctx context.Context, identifier string) ([]byte, error) {
	contact, err := s.ResolveContact(ctx, identifier)
	if err != nil || contact == nil {
		return nil, err
	}
	return contact.ProfileKey, nil
}
