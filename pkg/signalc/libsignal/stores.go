package libsignal

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	groupRecord "go.mau.fi/libsignal/groups/state/record"
	"go.mau.fi/libsignal/keys/identity"
	"go.mau.fi/libsignal/protocol"
	"go.mau.fi/libsignal/serialize"
	"go.mau.fi/libsignal/state/record"

	"github.com/team-friendo/signalc/pkg/signalc/store"
	"github.com/team-friendo/signalc/pkg/signalc/types"
)

// protocolStore bridges the protocol library's synchronous store interfaces
// onto one account's SQL-backed stores. The library offers no error channel,
// so storage failures are logged and surfaced as missing records, which the
// library reports as session errors.
type protocolStore struct {
	account    *store.Account
	serializer *serialize.Serializer
	log        zerolog.Logger
}

func newProtocolStore(account *store.Account, serializer *serialize.Serializer, log zerolog.Logger) *protocolStore {
	return &protocolStore{
		account:    account,
		serializer: serializer,
		log:        log.With().Str("component", "protocol_store").Str("account", account.Number).Logger(),
	}
}

// addressFrom rebuilds a peer address from the single name string the
// library carries.
func addressFrom(name string) types.Address {
	if _, err := uuid.Parse(name); err == nil {
		return types.Address{UUID: name}
	}
	return types.Address{Number: name}
}

func (s *protocolStore) GetIdentityKeyPair() *identity.KeyPair {
	pair, err := deserializeIdentityKeyPair(s.account.IdentityKeyPair)
	if err != nil {
		s.log.Err(err).Msg("Failed to deserialize own identity keypair")
		return nil
	}
	return pair
}

func (s *protocolStore) GetLocalRegistrationId() uint32 {
	return uint32(s.account.RegistrationID)
}

func (s *protocolStore) SaveIdentity(address *protocol.SignalAddress, identityKey *identity.Key) {
	err := s.account.Identities.StoreIdentity(context.Background(), addressFrom(address.Name()), identityKey.Serialize())
	if err != nil {
		s.log.Err(err).Str("peer", address.Name()).Msg("Failed to store peer identity key")
	}
}

func (s *protocolStore) IsTrustedIdentity(address *protocol.SignalAddress, identityKey *identity.Key) bool {
	trusted, err := s.account.Identities.IsTrustedFingerprint(context.Background(), addressFrom(address.Name()), identityKey.Serialize())
	if err != nil {
		s.log.Err(err).Str("peer", address.Name()).Msg("Failed to check peer identity key")
		return false
	}
	return trusted
}

func (s *protocolStore) LoadPreKey(preKeyID uint32) *record.PreKey {
	data, err := s.account.PreKeys.LoadPreKey(context.Background(), preKeyID)
	if err != nil {
		s.log.Err(err).Uint32("prekey_id", preKeyID).Msg("Failed to load prekey")
		return nil
	}
	if data == nil {
		return nil
	}
	rec, err := record.NewPreKeyFromBytes(data, s.serializer.PreKeyRecord)
	if err != nil {
		s.log.Err(err).Uint32("prekey_id", preKeyID).Msg("Failed to deserialize prekey")
		return nil
	}
	return rec
}

func (s *protocolStore) StorePreKey(preKeyID uint32, preKeyRecord *record.PreKey) {
	err := s.account.PreKeys.StorePreKeys(context.Background(), []types.PreKey{{
		ID:     preKeyID,
		Record: preKeyRecord.Serialize(),
	}})
	if err != nil {
		s.log.Err(err).Uint32("prekey_id", preKeyID).Msg("Failed to store prekey")
	}
}

func (s *protocolStore) ContainsPreKey(preKeyID uint32) bool {
	data, err := s.account.PreKeys.LoadPreKey(context.Background(), preKeyID)
	return err == nil && data != nil
}

func (s *protocolStore) RemovePreKey(preKeyID uint32) {
	_, err := s.account.PreKeys.ConsumePreKey(context.Background(), preKeyID)
	if err != nil && !errors.Is(err, store.ErrPreKeyConsumed) {
		s.log.Err(err).Uint32("prekey_id", preKeyID).Msg("Failed to remove prekey")
	}
}

func (s *protocolStore) LoadSignedPreKey(signedPreKeyID uint32) *record.SignedPreKey {
	data, err := s.account.PreKeys.LoadSignedPreKey(context.Background(), signedPreKeyID)
	if err != nil || data == nil {
		if err != nil {
			s.log.Err(err).Uint32("signed_prekey_id", signedPreKeyID).Msg("Failed to load signed prekey")
		}
		return nil
	}
	rec, err := record.NewSignedPreKeyFromBytes(data, s.serializer.SignedPreKeyRecord)
	if err != nil {
		s.log.Err(err).Uint32("signed_prekey_id", signedPreKeyID).Msg("Failed to deserialize signed prekey")
		return nil
	}
	return rec
}

func (s *protocolStore) LoadSignedPreKeys() []*record.SignedPreKey {
	// The ratchet only ever loads signed prekeys by id.
	return nil
}

func (s *protocolStore) StoreSignedPreKey(signedPreKeyID uint32, spkRecord *record.SignedPreKey) {
	err := s.account.PreKeys.StoreSignedPreKey(context.Background(), &types.SignedPreKey{
		ID:     signedPreKeyID,
		Record: spkRecord.Serialize(),
	})
	if err != nil {
		s.log.Err(err).Uint32("signed_prekey_id", signedPreKeyID).Msg("Failed to store signed prekey")
	}
}

func (s *protocolStore) ContainsSignedPreKey(signedPreKeyID uint32) bool {
	data, err := s.account.PreKeys.LoadSignedPreKey(context.Background(), signedPreKeyID)
	return err == nil && data != nil
}

func (s *protocolStore) RemoveSignedPreKey(signedPreKeyID uint32) {
	if err := s.account.PreKeys.RemoveSignedPreKey(context.Background(), signedPreKeyID); err != nil {
		s.log.Err(err).Uint32("signed_prekey_id", signedPreKeyID).Msg("Failed to remove signed prekey")
	}
}

func (s *protocolStore) LoadSession(address *protocol.SignalAddress) *record.Session {
	data, err := s.account.Sessions.LoadSession(context.Background(), addressFrom(address.Name()), int(address.DeviceID()))
	if err != nil {
		s.log.Err(err).Str("peer", address.Name()).Msg("Failed to load session")
	}
	if data == nil {
		return record.NewSession(s.serializer.Session, s.serializer.State)
	}
	rec, err := record.NewSessionFromBytes(data, s.serializer.Session, s.serializer.State)
	if err != nil {
		s.log.Err(err).Str("peer", address.Name()).Msg("Failed to deserialize session, starting fresh")
		return record.NewSession(s.serializer.Session, s.serializer.State)
	}
	return rec
}

func (s *protocolStore) GetSubDeviceSessions(name string) []uint32 {
	ids, err := s.account.Sessions.SessionDeviceIDs(context.Background(), addressFrom(name))
	if err != nil {
		s.log.Err(err).Str("peer", name).Msg("Failed to list session devices")
		return nil
	}
	out := make([]uint32, 0, len(ids))
	for _, id := range ids {
		out = append(out, uint32(id))
	}
	return out
}

func (s *protocolStore) StoreSession(remoteAddress *protocol.SignalAddress, sessionRecord *record.Session) {
	err := s.account.Sessions.StoreSession(context.Background(), addressFrom(remoteAddress.Name()), int(remoteAddress.DeviceID()), sessionRecord.Serialize())
	if err != nil {
		s.log.Err(err).Str("peer", remoteAddress.Name()).Msg("Failed to store session")
	}
}

func (s *protocolStore) ContainsSession(remoteAddress *protocol.SignalAddress) bool {
	data, err := s.account.Sessions.LoadSession(context.Background(), addressFrom(remoteAddress.Name()), int(remoteAddress.DeviceID()))
	return err == nil && data != nil
}

func (s *protocolStore) DeleteSession(remoteAddress *protocol.SignalAddress) {
	err := s.account.Sessions.DeleteSession(context.Background(), addressFrom(remoteAddress.Name()), int(remoteAddress.DeviceID()))
	if err != nil {
		s.log.Err(err).Str("peer", remoteAddress.Name()).Msg("Failed to delete session")
	}
}

func (s *protocolStore) DeleteAllSessions() {
	if err := s.account.Sessions.DeleteAllSessions(context.Background()); err != nil {
		s.log.Err(err).Msg("Failed to delete sessions")
	}
}

func (s *protocolStore) StoreSenderKey(senderKeyName *protocol.SenderKeyName, keyRecord *groupRecord.SenderKey) {
	err := s.account.SenderKeys.StoreSenderKey(
		context.Background(),
		addressFrom(senderKeyName.Sender().Name()),
		int(senderKeyName.Sender().DeviceID()),
		senderKeyName.GroupID(),
		keyRecord.Serialize(),
	)
	if err != nil {
		s.log.Err(err).Str("group", senderKeyName.GroupID()).Msg("Failed to store sender key")
	}
}

func (s *protocolStore) LoadSenderKey(senderKeyName *protocol.SenderKeyName) *groupRecord.SenderKey {
	data, err := s.account.SenderKeys.LoadSenderKey(
		context.Background(),
		addressFrom(senderKeyName.Sender().Name()),
		int(senderKeyName.Sender().DeviceID()),
		senderKeyName.GroupID(),
	)
	if err != nil {
		s.log.Err(err).Str("group", senderKeyName.GroupID()).Msg("Failed to load sender key")
		return nil
	}
	if data == nil {
		return groupRecord.NewSenderKey(s.serializer.SenderKeyRecord, s.serializer.SenderKeyState)
	}
	rec, err := groupRecord.NewSenderKeyFromBytes(data, s.serializer.SenderKeyRecord, s.serializer.SenderKeyState)
	if err != nil {
		s.log.Err(err).Str("group", senderKeyName.GroupID()).Msg("Failed to deserialize sender key")
		return nil
	}
	return rec
}
