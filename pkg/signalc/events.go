package signalc

import (
	"github.com/team-friendo/signalc/pkg/signalc/types"
)

// InboundEvent is anything a receive loop produces for the dispatch layer:
// decrypted cleartext, a classified decryption failure, or a note that an
// envelope was dropped. The dispatch layer translates events into socket
// responses; this package never sees the socket.
type InboundEvent interface {
	inboundEvent()
}

// Cleartext carries one successfully decrypted message, with any attachments
// already downloaded to local files.
type Cleartext struct {
	Account     types.Address
	Sender      types.Address
	Body        string
	Attachments []*types.Attachment
	Expiration  uint32
	Timestamp   int64
}

// DecryptionError reports an envelope the ratchet rejected. The envelope is
// dropped and session state is untouched.
type DecryptionError struct {
	Account types.Address
	Sender  types.Address
	Err     error
}

// InboundIdentityFailure reports an inbound message under a changed identity
// key. The new fingerprint is deliberately not included: callers must not
// trust key material arriving on an unverified channel.
type InboundIdentityFailure struct {
	Account types.Address
	Sender  types.Address
}

// Dropped reports an envelope of a type this daemon does not handle.
type Dropped struct {
	Account      types.Address
	Sender       types.Address
	EnvelopeType types.EnvelopeType
}

// Empty reports an envelope that decrypted successfully but carried nothing
// actionable.
type Empty struct {
	Account types.Address
}

// MessageHandlingError reports a failure after successful decryption, such as
// an attachment that could not be retrieved. The message itself is still
// delivered with whatever could be salvaged.
type MessageHandlingError struct {
	Account types.Address
	Err     error
}

func (Cleartext) inboundEvent()              {}
func (DecryptionError) inboundEvent()        {}
func (InboundIdentityFailure) inboundEvent() {}
func (Dropped) inboundEvent()                {}
func (Empty) inboundEvent()                  {}
func (MessageHandlingError) inboundEvent()   {}

// Handler consumes inbound events. Handlers are called from per-envelope
// goroutines and must be safe for concurrent use.
type Handler func(event InboundEvent)
