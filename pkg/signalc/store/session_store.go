package store

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"github.com/team-friendo/signalc/pkg/signalc/types"
)

// SessionStore persists per-(contact, device) ratchet state for one account.
// It also owns the per-contact exclusive lock that serializes every mutation
// of that state: the ratchet is stateful and non-commutative, so two decrypts
// for the same contact must never interleave.
type SessionStore struct {
	*Container
	AccountNumber string
}

const (
	loadSessionQuery = `
		SELECT record FROM signalc_sessions
		WHERE account_number=$1 AND their_identifier=$2 AND their_device_id=$3
	`
	storeSessionQuery = `
		INSERT INTO signalc_sessions (account_number, their_identifier, their_device_id, record)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_number, their_identifier, their_device_id) DO UPDATE SET record=excluded.record
	`
	allSessionDevicesQuery = `
		SELECT their_device_id FROM signalc_sessions
		WHERE account_number=$1 AND their_identifier=$2 ORDER BY their_device_id
	`
	deleteSessionQuery = `
		DELETE FROM signalc_sessions
		WHERE account_number=$1 AND their_identifier=$2 AND their_device_id=$3
	`
	deleteContactSessionsQuery = `DELETE FROM signalc_sessions WHERE account_number=$1 AND their_identifier=$2`
	deleteAllSessionsQuery     = `DELETE FROM signalc_sessions WHERE account_number=$1`
)

// Lock returns the exclusive lock guarding all session state shared with the
// given contact. Callers must hold it across any operation that advances the
// ratchet.
func (s *SessionStore) Lock(addr types.Address) *sync.Mutex {
	return s.sessionLock(s.AccountNumber, addr.Identifier())
}

// LoadSession returns the serialized session record for a contact device, or
// nil if no session exists yet.
func (s *SessionStore) LoadSession(ctx context.Context, addr types.Address, deviceID int) ([]byte, error) {
	var record []byte
	err := s.db.QueryRow(ctx, loadSessionQuery, s.AccountNumber, addr.Identifier(), deviceID).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return record, err
}

func (s *SessionStore) StoreSession(ctx context.Context, addr types.Address, deviceID int, record []byte) error {
	_, err := s.db.Exec(ctx, storeSessionQuery, s.AccountNumber, addr.Identifier(), deviceID, record)
	return err
}

// SessionDeviceIDs lists the devices we hold a session with for a contact.
func (s *SessionStore) SessionDeviceIDs(ctx context.Context, addr types.Address) ([]int, error) {
	rows, err := s.db.Query(ctx, allSessionDevicesQuery, s.AccountNumber, addr.Identifier())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deviceIDs []int
	for rows.Next() {
		var id int
		if err = rows.Scan(&id); err != nil {
			return nil, err
		}
		deviceIDs = append(deviceIDs, id)
	}
	return deviceIDs, rows.Err()
}

func (s *SessionStore) DeleteSession(ctx context.Context, addr types.Address, deviceID int) error {
	_, err := s.db.Exec(ctx, deleteSessionQuery, s.AccountNumber, addr.Identifier(), deviceID)
	return err
}

// DeleteSessionsWith drops every device session shared with one contact,
// forcing a fresh session on next contact.
func (s *SessionStore) DeleteSessionsWith(ctx context.Context, addr types.Address) error {
	_, err := s.db.Exec(ctx, deleteContactSessionsQuery, s.AccountNumber, addr.Identifier())
	return err
}

func (s *SessionStore) DeleteAllSessions(ctx context.Context) error {
	_, err := s.db.Exec(ctx, deleteAllSessionsQuery, s.AccountNumber)
	return err
}
