package libsignal

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.mau.fi/libsignal/ecc"
	"go.mau.fi/libsignal/keys/identity"
	"go.mau.fi/libsignal/keys/prekey"
	"go.mau.fi/libsignal/protocol"
	"go.mau.fi/libsignal/serialize"
	"go.mau.fi/libsignal/session"
	"go.mau.fi/libsignal/signalerror"
	"go.mau.fi/libsignal/util/optional"

	"github.com/team-friendo/signalc/pkg/signalc"
	"github.com/team-friendo/signalc/pkg/signalc/store"
	"github.com/team-friendo/signalc/pkg/signalc/types"
	"github.com/team-friendo/signalc/pkg/signalc/web"
)

// Wire values of the service's outbound message type field.
const (
	wireTypeCiphertext   = 1
	wireTypePreKeyBundle = 3
)

const signatureSize = 64

// Factory builds ratchet ciphers bound to an account's durable session
// state.
type Factory struct {
	Web *web.Client
	Log zerolog.Logger

	serializer *serialize.Serializer
}

func NewFactory(webClient *web.Client, log zerolog.Logger) *Factory {
	return &Factory{
		Web:        webClient,
		Log:        log.With().Str("component", "cipher").Logger(),
		serializer: serialize.NewJSONSerializer(),
	}
}

func (f *Factory) CipherFor(ctx context.Context, account *store.Account) (signalc.Cipher, error) {
	return &cipher{
		account:    account,
		store:      newProtocolStore(account, f.serializer, f.Log),
		web:        f.Web,
		serializer: f.serializer,
		log:        f.Log.With().Str("account", account.Number).Logger(),
	}, nil
}

type cipher struct {
	account    *store.Account
	store      *protocolStore
	web        *web.Client
	serializer *serialize.Serializer
	log        zerolog.Logger
}

// contentPayload is the plaintext carried inside the ratchet: what remains
// of a message once the envelope and ciphertext layers are stripped.
type contentPayload struct {
	Body              string                     `json:"body,omitempty"`
	Attachments       []*types.AttachmentPointer `json:"attachments,omitempty"`
	ProfileKey        []byte                     `json:"profileKey,omitempty"`
	ExpiresInSeconds  uint32                     `json:"expiresInSeconds,omitempty"`
	Timestamp         int64                      `json:"timestamp,omitempty"`
	NeedsReceipt      bool                       `json:"needsReceipt,omitempty"`
	ExpirationUpdate  bool                       `json:"expirationUpdate,omitempty"`
	ReceiptTimestamps []int64                    `json:"receiptTimestamps,omitempty"`
}

func (c *cipher) Decrypt(ctx context.Context, envelope *types.Envelope) (*types.Contents, error) {
	source := envelope.Source()
	if source.IsEmpty() {
		return nil, &signalc.ProtocolError{Sender: source, Err: errors.New("envelope carries no sender")}
	}
	deviceID := envelope.SourceDevice
	if deviceID == 0 {
		deviceID = 1
	}
	remote := protocol.NewSignalAddress(source.Identifier(), uint32(deviceID))
	builder := session.NewBuilderFromSignal(c.store, remote, c.serializer)
	sessionCipher := session.NewCipher(builder, remote)

	var plaintext []byte
	var err error
	switch envelope.Type {
	case types.EnvelopePreKeyBundle:
		var msg *protocol.PreKeySignalMessage
		msg, err = protocol.NewPreKeySignalMessageFromBytes(envelope.Content, c.serializer.PreKeySignalMessage, c.serializer.SignalMessage)
		if err != nil {
			return nil, &signalc.ProtocolError{Sender: source, Err: err}
		}
		plaintext, err = sessionCipher.DecryptMessage(msg)
	default:
		var msg *protocol.SignalMessage
		msg, err = protocol.NewSignalMessageFromBytes(envelope.Content, c.serializer.SignalMessage)
		if err != nil {
			return nil, &signalc.ProtocolError{Sender: source, Err: err}
		}
		plaintext, err = sessionCipher.Decrypt(msg)
	}
	if err != nil {
		if errors.Is(err, signalerror.ErrUntrustedIdentity) {
			// Fingerprint deliberately withheld: key material arriving on
			// an unverified inbound channel must not be surfaced.
			return nil, &signalc.UntrustedIdentityError{Sender: source}
		}
		return nil, &signalc.ProtocolError{Sender: source, Err: err}
	}

	var payload contentPayload
	if err = json.Unmarshal(plaintext, &payload); err != nil {
		return nil, &signalc.ProtocolError{Sender: source, Err: fmt.Errorf("failed to decode plaintext content: %w", err)}
	}
	return &types.Contents{
		Sender:           source,
		Body:             payload.Body,
		Attachments:      payload.Attachments,
		ProfileKey:       payload.ProfileKey,
		ExpiresInSeconds: payload.ExpiresInSeconds,
		Timestamp:        payload.Timestamp,
		NeedsReceipt:     payload.NeedsReceipt,
		ExpirationUpdate: payload.ExpirationUpdate,
	}, nil
}

// outboundWireMessage is one per-device entry in the service's message list.
type outboundWireMessage struct {
	Type                int    `json:"type"`
	DestinationDeviceID int    `json:"destinationDeviceId"`
	Content             []byte `json:"content"`
}

func (c *cipher) Encrypt(ctx context.Context, recipient types.Address, message *types.OutboundMessage) ([]json.RawMessage, error) {
	plaintext, err := json.Marshal(&contentPayload{
		Body:              message.Body,
		Attachments:       message.AttachmentPointers,
		ProfileKey:        message.ProfileKey,
		ExpiresInSeconds:  message.ExpiresInSeconds,
		Timestamp:         message.Timestamp,
		ExpirationUpdate:  message.ExpirationUpdate,
		ReceiptTimestamps: message.ReceiptTimestamps,
	})
	if err != nil {
		return nil, err
	}

	deviceIDs, err := c.account.Sessions.SessionDeviceIDs(ctx, recipient)
	if err != nil {
		return nil, err
	}
	if len(deviceIDs) == 0 {
		if deviceIDs, err = c.establishSessions(ctx, recipient); err != nil {
			return nil, err
		}
	}

	messages := make([]json.RawMessage, 0, len(deviceIDs))
	for _, deviceID := range deviceIDs {
		remote := protocol.NewSignalAddress(recipient.Identifier(), uint32(deviceID))
		builder := session.NewBuilderFromSignal(c.store, remote, c.serializer)
		sessionCipher := session.NewCipher(builder, remote)
		ciphertext, encryptErr := sessionCipher.Encrypt(plaintext)
		if encryptErr != nil {
			if errors.Is(encryptErr, signalerror.ErrUntrustedIdentity) {
				return nil, c.untrustedIdentityError(ctx, recipient)
			}
			return nil, &signalc.ProtocolError{Sender: recipient, Err: encryptErr}
		}
		wireType := wireTypeCiphertext
		if ciphertext.Type() == protocol.PREKEY_TYPE {
			wireType = wireTypePreKeyBundle
		}
		encoded, marshalErr := json.Marshal(&outboundWireMessage{
			Type:                wireType,
			DestinationDeviceID: deviceID,
			Content:             ciphertext.Serialize(),
		})
		if marshalErr != nil {
			return nil, marshalErr
		}
		messages = append(messages, encoded)
	}
	return messages, nil
}

// establishSessions fetches the recipient's prekey bundles and processes one
// per device, returning the established device ids.
func (c *cipher) establishSessions(ctx context.Context, recipient types.Address) ([]int, error) {
	username, password := c.account.BasicAuthCreds()
	bundle, err := c.web.GetPreKeyBundle(ctx, web.BasicCreds{Username: username, Password: password}, recipient.Identifier())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch prekey bundle for %s: %w", recipient.Identifier(), err)
	}
	identityKey, err := decodeIdentityKey(bundle.IdentityKey)
	if err != nil {
		return nil, &signalc.ProtocolError{Sender: recipient, Err: err}
	}

	deviceIDs := make([]int, 0, len(bundle.Devices))
	for _, device := range bundle.Devices {
		deviceBundle, bundleErr := buildDeviceBundle(&device, identityKey)
		if bundleErr != nil {
			return nil, &signalc.ProtocolError{Sender: recipient, Err: bundleErr}
		}
		remote := protocol.NewSignalAddress(recipient.Identifier(), uint32(device.DeviceID))
		builder := session.NewBuilderFromSignal(c.store, remote, c.serializer)
		if processErr := builder.ProcessBundle(deviceBundle); processErr != nil {
			if errors.Is(processErr, signalerror.ErrUntrustedIdentity) {
				return nil, &signalc.UntrustedIdentityError{Sender: recipient, Fingerprint: identityKey.Serialize()}
			}
			return nil, &signalc.ProtocolError{Sender: recipient, Err: processErr}
		}
		deviceIDs = append(deviceIDs, device.DeviceID)
	}
	if len(deviceIDs) == 0 {
		return nil, &signalc.ProtocolError{Sender: recipient, Err: errors.New("prekey bundle contains no devices")}
	}
	return deviceIDs, nil
}

// untrustedIdentityError builds the send-path identity failure, which carries
// the offending fingerprint so the dispatch layer can surface it for an
// explicit trust decision.
func (c *cipher) untrustedIdentityError(ctx context.Context, recipient types.Address) error {
	fingerprint, _, err := c.account.Identities.LoadFingerprint(ctx, recipient)
	if err != nil {
		c.log.Err(err).Str("recipient", recipient.Identifier()).Msg("Failed to load fingerprint for identity failure")
	}
	return &signalc.UntrustedIdentityError{Sender: recipient, Fingerprint: fingerprint}
}

func decodeIdentityKey(encoded string) (*identity.Key, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("identity key is not valid base64: %w", err)
	}
	point, err := ecc.DecodePoint(data, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to decode identity key point: %w", err)
	}
	return identity.NewKey(point), nil
}

func buildDeviceBundle(device *web.PreKeyBundleDevice, identityKey *identity.Key) (*prekey.Bundle, error) {
	if device.SignedPreKey == nil {
		return nil, errors.New("bundle device is missing its signed prekey")
	}
	signedPublicData, err := device.SignedPreKey.PublicKeyBytes()
	if err != nil {
		return nil, fmt.Errorf("signed prekey is not valid base64: %w", err)
	}
	signedPublic, err := ecc.DecodePoint(signedPublicData, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to decode signed prekey point: %w", err)
	}
	signatureData, err := device.SignedPreKey.SignatureBytes()
	if err != nil {
		return nil, fmt.Errorf("signed prekey signature is not valid base64: %w", err)
	}
	if len(signatureData) != signatureSize {
		return nil, fmt.Errorf("signed prekey signature has unexpected length %d", len(signatureData))
	}
	var signature [signatureSize]byte
	copy(signature[:], signatureData)

	preKeyID := optional.NewEmptyUint32()
	var preKeyPublic ecc.ECPublicKeyable
	if device.PreKey != nil {
		preKeyData, decodeErr := device.PreKey.PublicKeyBytes()
		if decodeErr != nil {
			return nil, fmt.Errorf("prekey is not valid base64: %w", decodeErr)
		}
		if preKeyPublic, decodeErr = ecc.DecodePoint(preKeyData, 0); decodeErr != nil {
			return nil, fmt.Errorf("failed to decode prekey point: %w", decodeErr)
		}
		preKeyID = optional.NewOptionalUint32(device.PreKey.KeyID)
	}

	return prekey.NewBundle(
		uint32(device.RegistrationID),
		uint32(device.DeviceID),
		preKeyID,
		device.SignedPreKey.KeyID,
		preKeyPublic,
		signedPublic,
		signature,
		identityKey,
	), nil
}
