// Package libsignal adapts the protocol library's key generation to the
// daemon's storage formats. Key material crosses the boundary serialized:
// identity keypairs as the 33-byte public point followed by the 32-byte
// private scalar, prekey records in the library's JSON record form.
package libsignal

import (
	"fmt"

	"go.mau.fi/libsignal/ecc"
	"go.mau.fi/libsignal/keys/identity"
	"go.mau.fi/libsignal/serialize"
	"go.mau.fi/libsignal/util/keyhelper"

	"github.com/team-friendo/signalc/pkg/signalc/types"
)

const (
	publicKeySize  = 33
	privateKeySize = 32
)

// KeyGenerator produces identity keypairs and prekey batches.
type KeyGenerator struct {
	serializer *serialize.Serializer
}

func NewKeyGenerator() *KeyGenerator {
	return &KeyGenerator{serializer: serialize.NewJSONSerializer()}
}

func (g *KeyGenerator) GenerateIdentityKeyPair() (keyPair, publicKey []byte, err error) {
	pair, err := keyhelper.GenerateIdentityKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate identity keypair: %w", err)
	}
	return serializeIdentityKeyPair(pair), pair.PublicKey().Serialize(), nil
}

func (g *KeyGenerator) IdentityPublicKey(keyPair []byte) ([]byte, error) {
	pair, err := deserializeIdentityKeyPair(keyPair)
	if err != nil {
		return nil, err
	}
	return pair.PublicKey().Serialize(), nil
}

func (g *KeyGenerator) GeneratePreKeys(start uint32, count int) ([]types.PreKey, error) {
	records, err := keyhelper.GeneratePreKeys(int(start), count, g.serializer.PreKeyRecord)
	if err != nil {
		return nil, fmt.Errorf("failed to generate prekeys: %w", err)
	}
	preKeys := make([]types.PreKey, len(records))
	for i, record := range records {
		preKeys[i] = types.PreKey{
			ID:        record.ID().Value,
			Record:    record.Serialize(),
			PublicKey: record.KeyPair().PublicKey().Serialize(),
		}
	}
	return preKeys, nil
}

func (g *KeyGenerator) GenerateSignedPreKey(identityKeyPair []byte, id uint32) (*types.SignedPreKey, error) {
	pair, err := deserializeIdentityKeyPair(identityKeyPair)
	if err != nil {
		return nil, err
	}
	record, err := keyhelper.GenerateSignedPreKey(pair, id, g.serializer.SignedPreKeyRecord)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signed prekey: %w", err)
	}
	signature := record.Signature()
	return &types.SignedPreKey{
		ID:        record.ID(),
		Record:    record.Serialize(),
		PublicKey: record.KeyPair().PublicKey().Serialize(),
		Signature: signature[:],
	}, nil
}

func serializeIdentityKeyPair(pair *identity.KeyPair) []byte {
	out := make([]byte, 0, publicKeySize+privateKeySize)
	out = append(out, pair.PublicKey().Serialize()...)
	private := pair.PrivateKey().Serialize()
	return append(out, private[:]...)
}

func deserializeIdentityKeyPair(data []byte) (*identity.KeyPair, error) {
	if len(data) != publicKeySize+privateKeySize {
		return nil, fmt.Errorf("identity keypair has unexpected length %d", len(data))
	}
	publicPoint, err := ecc.DecodePoint(data[:publicKeySize], 0)
	if err != nil {
		return nil, fmt.Errorf("failed to decode identity public key: %w", err)
	}
	var private [privateKeySize]byte
	copy(private[:], data[publicKeySize:])
	return identity.NewKeyPair(identity.NewKey(publicPoint), ecc.NewDjbECPrivateKey(private)), nil
}
