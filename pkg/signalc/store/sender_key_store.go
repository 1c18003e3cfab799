package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/team-friendo/signalc/pkg/signalc/types"
)

// SenderKeyStore persists group sender-key records for one account, keyed by
// the distributing member's address and the group's distribution id.
type SenderKeyStore struct {
	*Container
	AccountNumber string
}

const (
	loadSenderKeyQuery = `
		SELECT record FROM signalc_sender_keys
		WHERE account_number=$1 AND their_identifier=$2 AND their_device_id=$3 AND distribution_id=$4
	`
	storeSenderKeyQuery = `
		INSERT INTO signalc_sender_keys (account_number, their_identifier, their_device_id, distribution_id, record)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_number, their_identifier, their_device_id, distribution_id)
			DO UPDATE SET record=excluded.record
	`
)

func (s *SenderKeyStore) LoadSenderKey(ctx context.Context, addr types.Address, deviceID int, distributionID string) ([]byte, error) {
	var record []byte
	err := s.db.QueryRow(ctx, loadSenderKeyQuery, s.AccountNumber, addr.Identifier(), deviceID, distributionID).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return record, err
}

func (s *SenderKeyStore) StoreSenderKey(ctx context.Context, addr types.Address, deviceID int, distributionID string, record []byte) error {
	_, err := s.db.Exec(ctx, storeSenderKeyQuery, s.AccountNumber, addr.Identifier(), deviceID, distributionID, record)
	return err
}
