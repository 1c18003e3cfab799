package signalc

import (
	"context"
	"encoding/json"

	"github.com/team-friendo/signalc/pkg/signalc/store"
	"github.com/team-friendo/signalc/pkg/signalc/types"
)

// Cipher is the encrypt/decrypt context for one account, bound to that
// account's session store by the protocol library. Implementations advance
// ratchet state; every call that does so must run under the session lock for
// the peer (Client.Decrypt owns this on the receive path).
//
// Implementations classify the library's failures into the daemon's error
// taxonomy: *UntrustedIdentityError for identity-key mismatches,
// *ProtocolError for everything else.
type Cipher interface {
	// Decrypt opens one inbound envelope and returns its contents. This is
	// the only operation permitted to advance receive-side ratchet state.
	Decrypt(ctx context.Context, envelope *types.Envelope) (*types.Contents, error)
	// Encrypt produces the wire-ready per-device messages for one outbound
	// payload, establishing a session from the recipient's prekey bundle if
	// none exists.
	Encrypt(ctx context.Context, recipient types.Address, message *types.OutboundMessage) ([]json.RawMessage, error)
}

// CipherFactory builds ciphers bound to an account's session store.
type CipherFactory interface {
	CipherFor(ctx context.Context, account *store.Account) (Cipher, error)
}

// KeyGenerator produces the cryptographic key material consumed from the
// protocol library: long-term identity keypairs and prekey batches.
type KeyGenerator interface {
	// GenerateIdentityKeyPair returns a serialized identity keypair and the
	// serialized public half published to the service.
	GenerateIdentityKeyPair() (keyPair, publicKey []byte, err error)
	// IdentityPublicKey recovers the serialized public half from a stored
	// identity keypair.
	IdentityPublicKey(keyPair []byte) ([]byte, error)
	GeneratePreKeys(start uint32, count int) ([]types.PreKey, error)
	GenerateSignedPreKey(identityKeyPair []byte, id uint32) (*types.SignedPreKey, error)
}
