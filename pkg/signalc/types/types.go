package types

import (
	"fmt"

	"github.com/google/uuid"
)

// Address identifies a peer (or one of our own accounts) on the wire. A peer
// may be known only by phone number before the first session is established
// and only by UUID once sealed-sender messages start flowing, so either field
// may be empty, but never both.
type Address struct {
	Number string `json:"number,omitempty"`
	UUID   string `json:"uuid,omitempty"`
}

func NewAddress(number string, aci uuid.UUID) Address {
	addr := Address{Number: number}
	if aci != uuid.Nil {
		addr.UUID = aci.String()
	}
	return addr
}

// Identifier returns the most stable identifier known for this address: the
// UUID when we have one, the phone number otherwise.
func (a Address) Identifier() string {
	if a.UUID != "" {
		return a.UUID
	}
	return a.Number
}

func (a Address) IsEmpty() bool {
	return a.Number == "" && a.UUID == ""
}

func (a Address) String() string {
	return a.Identifier()
}

// EnvelopeType tags a unit of inbound work before decryption. The integer
// values match the service's wire representation.
type EnvelopeType int

const (
	EnvelopeUnknown            EnvelopeType = 0
	EnvelopeCiphertext         EnvelopeType = 1
	EnvelopeKeyExchange        EnvelopeType = 2
	EnvelopePreKeyBundle       EnvelopeType = 3
	EnvelopeReceipt            EnvelopeType = 5
	EnvelopeUnidentifiedSender EnvelopeType = 6
)

func (t EnvelopeType) String() string {
	switch t {
	case EnvelopeCiphertext:
		return "CIPHERTEXT"
	case EnvelopeKeyExchange:
		return "KEY_EXCHANGE"
	case EnvelopePreKeyBundle:
		return "PREKEY_BUNDLE"
	case EnvelopeReceipt:
		return "RECEIPT"
	case EnvelopeUnidentifiedSender:
		return "UNIDENTIFIED_SENDER"
	default:
		return "UNKNOWN"
	}
}

// Envelope is a single unit of inbound data read off an account's message
// pipe. Envelopes are consumed exactly once and never mutated.
type Envelope struct {
	Type         EnvelopeType `json:"type"`
	SourceNumber string       `json:"sourceNumber,omitempty"`
	SourceUUID   string       `json:"sourceUuid,omitempty"`
	SourceDevice int          `json:"sourceDevice,omitempty"`
	Timestamp    int64        `json:"timestamp"`
	Content      []byte       `json:"content,omitempty"`
}

// Source returns the sender address as known before decryption. For
// unidentified-sender envelopes this is empty until the cipher unseals it.
func (e *Envelope) Source() Address {
	return Address{Number: e.SourceNumber, UUID: e.SourceUUID}
}

// Contents is the result of decrypting an envelope.
type Contents struct {
	Sender           Address
	Body             string
	Attachments      []*AttachmentPointer
	ProfileKey       []byte
	ExpiresInSeconds uint32
	Timestamp        int64
	NeedsReceipt     bool
	ExpirationUpdate bool
}

// AttachmentPointer references an attachment stored on the CDN, with the
// material needed to fetch and decrypt it.
type AttachmentPointer struct {
	ID          string `json:"id"`
	Key         []byte `json:"key"`
	Digest      []byte `json:"digest,omitempty"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size,omitempty"`
	BlurHash    string `json:"blurHash,omitempty"`
	Caption     string `json:"caption,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	VoiceNote   bool   `json:"voiceNote,omitempty"`
}

// Attachment describes an attachment that has been downloaded to the local
// attachments directory and is ready for the dispatch layer to consume.
type Attachment struct {
	BlurHash    string `json:"blurHash,omitempty"`
	Caption     string `json:"caption,omitempty"`
	ContentType string `json:"contentType"`
	Digest      string `json:"digest,omitempty"`
	Filename    string `json:"filename"`
	Height      int    `json:"height,omitempty"`
	ID          string `json:"id"`
	Key         string `json:"key"`
	Size        int64  `json:"size,omitempty"`
	Width       int    `json:"width,omitempty"`
	VoiceNote   bool   `json:"voiceNote"`
}

// OutboundAttachment is an attachment the dispatch layer asks us to send,
// referenced by a file it has already placed in the attachments directory.
type OutboundAttachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType,omitempty"`
	Caption     string `json:"caption,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	VoiceNote   bool   `json:"voiceNote,omitempty"`
}

// OutboundMessage is the payload of a single send. Exactly one of the
// message kinds is populated: a data message (Body/Attachments), an expiry
// update (ExpirationUpdate), a delivery receipt (ReceiptTimestamps) or a
// profile-key push (ProfileKey with everything else empty).
type OutboundMessage struct {
	Body              string
	Attachments       []OutboundAttachment
	ExpiresInSeconds  uint32
	Timestamp         int64
	ProfileKey        []byte
	ExpirationUpdate  bool
	ReceiptTimestamps []int64

	// AttachmentPointers is filled in by the send path once Attachments
	// have been uploaded; this is what actually travels in the ciphertext.
	AttachmentPointers []*AttachmentPointer
}

// PreKey is a serialized one-time prekey record plus its public half in the
// form the service expects during publication.
type PreKey struct {
	ID        uint32
	Record    []byte
	PublicKey []byte
}

// SignedPreKey is a serialized signed prekey record plus the public half and
// signature published to the service.
type SignedPreKey struct {
	ID        uint32
	Record    []byte
	PublicKey []byte
	Signature []byte
}

// SendResultType discriminates the outcome of a send.
type SendResultType int

const (
	SendResultSuccess SendResultType = iota
	SendResultIdentityFailure
	SendResultNetworkFailure
	SendResultUnregistered
)

func (t SendResultType) String() string {
	switch t {
	case SendResultSuccess:
		return "success"
	case SendResultIdentityFailure:
		return "identity_failure"
	case SendResultNetworkFailure:
		return "network_failure"
	case SendResultUnregistered:
		return "unregistered"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// SendSuccess carries timing metadata for a delivered message.
type SendSuccess struct {
	DurationMillis int64 `json:"duration"`
	Unidentified   bool  `json:"unidentified,omitempty"`
}

// SendIdentityFailure reports that the recipient's identity key changed. The
// new fingerprint must be persisted as untrusted by the caller.
type SendIdentityFailure struct {
	Fingerprint []byte `json:"fingerprint"`
}

// SendResult is the tagged outcome of a send or expiry update: exactly one of
// Success, IdentityFailure or NetworkFailure is populated.
type SendResult struct {
	Address         Address              `json:"address"`
	Success         *SendSuccess         `json:"success,omitempty"`
	IdentityFailure *SendIdentityFailure `json:"identityFailure,omitempty"`
	NetworkFailure  bool                 `json:"networkFailure,omitempty"`
}

func (r *SendResult) Type() SendResultType {
	switch {
	case r.IdentityFailure != nil:
		return SendResultIdentityFailure
	case r.NetworkFailure:
		return SendResultNetworkFailure
	default:
		return SendResultSuccess
	}
}
