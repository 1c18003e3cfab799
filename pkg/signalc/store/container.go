package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.mau.fi/util/dbutil"

	"github.com/team-friendo/signalc/pkg/signalc/store/upgrades"
)

// AccountStatus is the lifecycle state of a locally-hosted account. The
// transitions are monotonic: NEW -> REGISTERED -> VERIFIED.
type AccountStatus string

const (
	StatusNew        AccountStatus = "NEW"
	StatusRegistered AccountStatus = "REGISTERED"
	StatusVerified   AccountStatus = "VERIFIED"
)

// AccountData is one row of signalc_accounts: the durable identity material
// for a single locally-hosted phone number.
type AccountData struct {
	Number          string
	Status          AccountStatus
	Password        string
	SignalingKey    string
	ProfileKey      []byte
	DeviceID        int
	RegistrationID  int
	IdentityKeyPair []byte
	// ACI is the service-assigned account identifier, uuid.Nil until the
	// account is verified.
	ACI uuid.UUID
}

func (d *AccountData) ACIString() string {
	if d.ACI == uuid.Nil {
		return ""
	}
	return d.ACI.String()
}

// BasicAuthCreds returns the username/password pair used to authenticate to
// the service. Verified accounts authenticate by ACI, earlier states by
// phone number.
func (d *AccountData) BasicAuthCreds() (string, string) {
	username := d.Number
	if d.ACI != uuid.Nil {
		username = d.ACI.String()
	}
	return fmt.Sprintf("%s.%d", username, d.DeviceID), d.Password
}

// Account wraps an account row together with handles on every sub-store
// capability scoped to it.
type Account struct {
	AccountData

	Sessions   *SessionStore
	PreKeys    *PreKeyStore
	Identities *IdentityStore
	Contacts   *ContactStore
	SenderKeys *SenderKeyStore
}

// Container is a wrapper for a SQL database holding any number of signalc
// accounts and their session state.
type Container struct {
	db *dbutil.Database

	sessionLocksLock sync.Mutex
	sessionLocks     map[string]*sync.Mutex
}

func NewContainer(db *dbutil.Database, log dbutil.DatabaseLogger) *Container {
	return &Container{
		db:           db.Child("signalc_version", upgrades.Table, log),
		sessionLocks: make(map[string]*sync.Mutex),
	}
}

func (c *Container) Upgrade(ctx context.Context) error {
	return c.db.Upgrade(ctx)
}

// sessionLock returns the exclusive lock serializing all ratchet mutation for
// one (account, contact) pair. Locks are never discarded: the set of live
// sessions per process is small and bounded by the subscriber count.
func (c *Container) sessionLock(accountNumber, theirIdentifier string) *sync.Mutex {
	key := accountNumber + "/" + theirIdentifier
	c.sessionLocksLock.Lock()
	defer c.sessionLocksLock.Unlock()
	lock, ok := c.sessionLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		c.sessionLocks[key] = lock
	}
	return lock
}

const getAccountQuery = `
SELECT number, status, password, signaling_key, profile_key,
       device_id, registration_id, identity_key_pair, aci_uuid
FROM signalc_accounts
`

func (c *Container) scanAccount(row dbutil.Scannable) (*Account, error) {
	var acct Account
	var aci sql.NullString
	err := row.Scan(
		&acct.Number, &acct.Status, &acct.Password, &acct.SignalingKey, &acct.ProfileKey,
		&acct.DeviceID, &acct.RegistrationID, &acct.IdentityKeyPair, &aci,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	if aci.Valid {
		acct.ACI, err = uuid.Parse(aci.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse account ACI: %w", err)
		}
	}
	acct.Sessions = &SessionStore{Container: c, AccountNumber: acct.Number}
	acct.PreKeys = &PreKeyStore{Container: c, AccountNumber: acct.Number}
	acct.Identities = &IdentityStore{Container: c, AccountNumber: acct.Number}
	acct.Contacts = &ContactStore{Container: c, AccountNumber: acct.Number}
	acct.SenderKeys = &SenderKeyStore{Container: c, AccountNumber: acct.Number}
	return &acct, nil
}

// FindAccount returns the account hosted for the given phone number, or nil
// if none exists.
func (c *Container) FindAccount(ctx context.Context, number string) (*Account, error) {
	acct, err := c.scanAccount(c.db.QueryRow(ctx, getAccountQuery+" WHERE number=$1", number))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return acct, err
}

// FindAccountByACI returns the verified account with the given service
// identifier, or nil.
func (c *Container) FindAccountByACI(ctx context.Context, aci uuid.UUID) (*Account, error) {
	acct, err := c.scanAccount(c.db.QueryRow(ctx, getAccountQuery+" WHERE aci_uuid=$1", aci.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return acct, err
}

// GetAllAccounts returns every hosted account.
func (c *Container) GetAllAccounts(ctx context.Context) ([]*Account, error) {
	rows, err := c.db.Query(ctx, getAccountQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()
	accounts := make([]*Account, 0)
	for rows.Next() {
		acct, scanErr := c.scanAccount(rows)
		if scanErr != nil {
			return accounts, scanErr
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

const insertAccountQuery = `
	INSERT INTO signalc_accounts (
		number, status, password, signaling_key, profile_key,
		device_id, registration_id, identity_key_pair, aci_uuid
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULL)
	ON CONFLICT (number) DO NOTHING
`

// FindOrCreateAccount returns the account for the given number, persisting a
// fresh NEW record first if none exists. freshData is only consulted for the
// insert; concurrent calls for the same number persist exactly one row and
// all observe the same winner.
func (c *Container) FindOrCreateAccount(ctx context.Context, number string, freshData func() (*AccountData, error)) (*Account, error) {
	if acct, err := c.FindAccount(ctx, number); err != nil || acct != nil {
		return acct, err
	}
	data, err := freshData()
	if err != nil {
		return nil, fmt.Errorf("failed to generate fresh account material: %w", err)
	}
	_, err = c.db.Exec(ctx, insertAccountQuery,
		number, StatusNew, data.Password, data.SignalingKey, data.ProfileKey,
		data.DeviceID, data.RegistrationID, data.IdentityKeyPair,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert account: %w", err)
	}
	// Re-select rather than build in memory: on a lost insert race this
	// returns the winner's row.
	return c.FindAccount(ctx, number)
}

// MarkRegistered promotes a NEW account to REGISTERED.
func (c *Container) MarkRegistered(ctx context.Context, acct *Account) error {
	_, err := c.db.Exec(ctx, "UPDATE signalc_accounts SET status=$1 WHERE number=$2", StatusRegistered, acct.Number)
	if err != nil {
		return err
	}
	acct.Status = StatusRegistered
	return nil
}

// MarkVerified promotes a REGISTERED account to VERIFIED, recording the
// service-assigned ACI.
func (c *Container) MarkVerified(ctx context.Context, acct *Account, aci uuid.UUID) error {
	_, err := c.db.Exec(ctx, "UPDATE signalc_accounts SET status=$1, aci_uuid=$2 WHERE number=$3",
		StatusVerified, aci.String(), acct.Number)
	if err != nil {
		return err
	}
	acct.Status = StatusVerified
	acct.ACI = aci
	return nil
}

// DeleteAccount removes an account and, via foreign keys, all of its session
// state. Administrative teardown only.
func (c *Container) DeleteAccount(ctx context.Context, number string) error {
	_, err := c.db.Exec(ctx, "DELETE FROM signalc_accounts WHERE number=$1", number)
	return err
}
