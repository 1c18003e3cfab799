package signalc

import (
	"errors"
	"fmt"

	"github.com/team-friendo/signalc/pkg/signalc/types"
)

// Protocol-state errors: the request was well-formed but the account is in
// the wrong lifecycle state for it. Reported to the caller, never retried.
var (
	ErrAlreadyRegistered      = errors.New("account is already registered")
	ErrVerificationOfNew      = errors.New("cannot verify an account that was never registered")
	ErrVerificationOfVerified = errors.New("cannot verify an already-verified account")
	ErrAuthorizationFailed    = errors.New("verification code rejected")
)

// UntrustedIdentityError reports that a peer's identity key does not match a
// trusted fingerprint. On the send path Fingerprint carries the newly
// observed key for the caller to persist as untrusted; on the receive path it
// is always nil, forcing the caller to provoke a session reset instead of
// trusting unverified data.
type UntrustedIdentityError struct {
	Sender      types.Address
	Fingerprint []byte
}

func (e *UntrustedIdentityError) Error() string {
	return fmt.Sprintf("untrusted identity for %s", e.Sender)
}

// ProtocolError is any other failure from the protocol library while
// decrypting: the message is dropped and session state left untouched.
type ProtocolError struct {
	Sender types.Address
	Err    error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error from %s: %v", e.Sender, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// PipeNotCreatedError wraps a failure to establish the message pipe during
// subscription; the caller reports it as a failed (not disrupted)
// subscription.
type PipeNotCreatedError struct {
	Err error
}

func (e *PipeNotCreatedError) Error() string {
	return fmt.Sprintf("failed to create message pipe: %v", e.Err)
}

func (e *PipeNotCreatedError) Unwrap() error {
	return e.Err
}

// DisruptedError wraps the transport failure that tore down a live
// subscription; the caller is expected to resubscribe with backoff.
type DisruptedError struct {
	Err error
}

func (e *DisruptedError) Error() string {
	return fmt.Sprintf("subscription disrupted: %v", e.Err)
}

func (e *DisruptedError) Unwrap() error {
	return e.Err
}
