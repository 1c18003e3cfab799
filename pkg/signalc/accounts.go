package signalc

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.mau.fi/util/random"

	"github.com/team-friendo/signalc/pkg/signalc/store"
	"github.com/team-friendo/signalc/pkg/signalc/web"
)

const (
	// signalingKeySize is 32 bytes of AES key plus 20 bytes of HMAC key.
	signalingKeySize = 52
	passwordSize     = 18
	profileKeySize   = 32

	// maxRegistrationID keeps the value inside the range the service accepts.
	maxRegistrationID = 16380

	preKeyBatchSize  = 100
	preKeyMinReserve = 10
)

// AccountManager drives the account lifecycle: NEW accounts are created with
// fresh key material, REGISTERED ones have requested a verification code, and
// VERIFIED ones hold a service-assigned ACI and may send and receive.
type AccountManager struct {
	Store *store.Container
	Web   *web.Client
	Keys  KeyGenerator
	Log   zerolog.Logger

	// refreshLocks serializes prekey replenishment per account so concurrent
	// receive loops don't double-publish a batch.
	refreshLocksLock sync.Mutex
	refreshLocks     map[string]*sync.Mutex
}

func NewAccountManager(container *store.Container, webClient *web.Client, keys KeyGenerator, log zerolog.Logger) *AccountManager {
	return &AccountManager{
		Store:        container,
		Web:          webClient,
		Keys:         keys,
		Log:          log.With().Str("component", "accounts").Logger(),
		refreshLocks: make(map[string]*sync.Mutex),
	}
}

func (m *AccountManager) refreshLock(number string) *sync.Mutex {
	m.refreshLocksLock.Lock()
	defer m.refreshLocksLock.Unlock()
	lock, ok := m.refreshLocks[number]
	if !ok {
		lock = &sync.Mutex{}
		m.refreshLocks[number] = lock
	}
	return lock
}

// Load returns the account for the given number, creating a NEW record with
// fresh credentials and identity material if none exists yet.
func (m *AccountManager) Load(ctx context.Context, number string) (*store.Account, error) {
	return m.Store.FindOrCreateAccount(ctx, number, func() (*store.AccountData, error) {
		keyPair, _, err := m.Keys.GenerateIdentityKeyPair()
		if err != nil {
			return nil, fmt.Errorf("failed to generate identity keypair: %w", err)
		}
		regID := binary.BigEndian.Uint32(random.Bytes(4))%maxRegistrationID + 1
		return &store.AccountData{
			Number:          number,
			Password:        base64.StdEncoding.EncodeToString(random.Bytes(passwordSize)),
			SignalingKey:    base64.StdEncoding.EncodeToString(random.Bytes(signalingKeySize)),
			ProfileKey:      random.Bytes(profileKeySize),
			DeviceID:        1,
			RegistrationID:  int(regID),
			IdentityKeyPair: keyPair,
		}, nil
	})
}

// LoadVerified returns the verified account matching the given identifier
// (phone number or ACI), or nil if no such account exists or it has not
// completed verification.
func (m *AccountManager) LoadVerified(ctx context.Context, identifier string) (*store.Account, error) {
	var acct *store.Account
	var err error
	if aci, parseErr := uuid.Parse(identifier); parseErr == nil {
		acct, err = m.Store.FindAccountByACI(ctx, aci)
	} else {
		acct, err = m.Store.FindAccount(ctx, identifier)
	}
	if err != nil || acct == nil {
		return nil, err
	}
	if acct.Status != store.StatusVerified {
		return nil, nil
	}
	return acct, nil
}

// Register asks the service to text a verification code to the account's
// number, promoting it from NEW to REGISTERED. Registering a non-NEW account
// is an error; the caller retries verification instead.
func (m *AccountManager) Register(ctx context.Context, acct *store.Account, captcha string) error {
	if acct.Status != store.StatusNew {
		return ErrAlreadyRegistered
	}
	username, password := acct.BasicAuthCreds()
	err := m.Web.RequestSMSCode(ctx, acct.Number, web.BasicCreds{Username: username, Password: password}, captcha)
	if err != nil {
		return fmt.Errorf("failed to request verification code: %w", err)
	}
	m.Log.Info().Str("number", acct.Number).Msg("Requested verification code")
	return m.Store.MarkRegistered(ctx, acct)
}

// Verify submits the texted code, records the service-assigned ACI and
// publishes the first prekey batch. A rejected code maps to
// ErrAuthorizationFailed so the caller can report it as a verification error
// rather than an internal one.
func (m *AccountManager) Verify(ctx context.Context, acct *store.Account, code string) error {
	switch acct.Status {
	case store.StatusNew:
		return ErrVerificationOfNew
	case store.StatusVerified:
		return ErrVerificationOfVerified
	}
	username, password := acct.BasicAuthCreds()
	aci, err := m.Web.VerifyCode(ctx, web.BasicCreds{Username: username, Password: password}, code, acct.SignalingKey, acct.RegistrationID)
	if err != nil {
		if errors.Is(err, web.ErrAuthorizationFailed) {
			return ErrAuthorizationFailed
		}
		return fmt.Errorf("failed to verify code: %w", err)
	}
	if err = m.Store.MarkVerified(ctx, acct, aci); err != nil {
		return err
	}
	m.Log.Info().Str("number", acct.Number).Str("aci", acct.ACIString()).Msg("Account verified")
	if err = m.PublishPreKeys(ctx, acct); err != nil {
		return fmt.Errorf("failed to publish initial prekeys: %w", err)
	}
	return nil
}

// PublishPreKeys generates a fresh batch of one-time prekeys and a signed
// prekey, persists them and uploads them to the service. Records are stored
// before the upload so a crash in between never hands out a prekey the
// ratchet can't complete.
func (m *AccountManager) PublishPreKeys(ctx context.Context, acct *store.Account) error {
	nextID, err := acct.PreKeys.NextPreKeyID(ctx)
	if err != nil {
		return err
	}
	preKeys, err := m.Keys.GeneratePreKeys(nextID, preKeyBatchSize)
	if err != nil {
		return fmt.Errorf("failed to generate prekeys: %w", err)
	}
	signedID, err := acct.PreKeys.NextSignedPreKeyID(ctx)
	if err != nil {
		return err
	}
	signedPreKey, err := m.Keys.GenerateSignedPreKey(acct.IdentityKeyPair, signedID)
	if err != nil {
		return fmt.Errorf("failed to generate signed prekey: %w", err)
	}
	if err = acct.PreKeys.StorePreKeys(ctx, preKeys); err != nil {
		return err
	}
	if err = acct.PreKeys.StoreSignedPreKey(ctx, signedPreKey); err != nil {
		return err
	}
	identityPublic, err := m.Keys.IdentityPublicKey(acct.IdentityKeyPair)
	if err != nil {
		return err
	}
	username, password := acct.BasicAuthCreds()
	creds := web.BasicCreds{Username: username, Password: password}
	if err = m.Web.RegisterPreKeys(ctx, creds, identityPublic, preKeys, signedPreKey); err != nil {
		return fmt.Errorf("failed to upload prekeys: %w", err)
	}
	lastID := preKeys[len(preKeys)-1].ID
	if err = acct.PreKeys.MarkPreKeysUploaded(ctx, lastID); err != nil {
		return err
	}
	if err = acct.PreKeys.MarkSignedPreKeyUploaded(ctx, signedPreKey.ID); err != nil {
		return err
	}
	m.Log.Debug().
		Str("number", acct.Number).
		Uint32("first_id", nextID).
		Uint32("last_id", lastID).
		Msg("Published prekey batch")
	return nil
}

// RefreshPreKeysIfDepleted tops up the account's prekey reserve on the
// service when it has fallen below the minimum. Called after every
// session-establishing message; the per-account lock keeps concurrent
// deliveries from publishing overlapping batches.
func (m *AccountManager) RefreshPreKeysIfDepleted(ctx context.Context, acct *store.Account) error {
	lock := m.refreshLock(acct.Number)
	lock.Lock()
	defer lock.Unlock()
	username, password := acct.BasicAuthCreds()
	count, err := m.Web.PreKeyCount(ctx, web.BasicCreds{Username: username, Password: password})
	if err != nil {
		return fmt.Errorf("failed to query prekey reserve: %w", err)
	}
	if count >= preKeyMinReserve {
		return nil
	}
	m.Log.Info().Str("number", acct.Number).Int("remaining", count).Msg("Prekey reserve depleted, publishing fresh batch")
	return m.PublishPreKeys(ctx, acct)
}
