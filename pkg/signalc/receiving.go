package signalc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/team-friendo/signalc/pkg/signalc/store"
	"github.com/team-friendo/signalc/pkg/signalc/types"
	"github.com/team-friendo/signalc/pkg/signalc/web"
)

// DefaultReadTimeout bounds how long a pipe read may sit idle before the
// receive loop wakes up and checks for cancellation.
const DefaultReadTimeout = time.Hour

// Subscription is one live receive loop for one verified account.
type Subscription struct {
	accountNumber string

	cancel    context.CancelFunc
	pipe      *web.MessagePipe
	done      chan struct{}
	err       error
	cancelled atomic.Bool
}

// Done closes when the receive loop has exited for any reason.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err reports why the loop exited. Nil after a deliberate Unsubscribe; a
// *DisruptedError after a transport failure the caller should resubscribe
// from. Only valid once Done is closed.
func (s *Subscription) Err() error {
	return s.err
}

// Cancelled reports whether the subscription was torn down deliberately.
func (s *Subscription) Cancelled() bool {
	return s.cancelled.Load()
}

// Receiver supervises the receive loops of all subscribed accounts. Each
// subscription owns one message pipe; envelopes are decrypted concurrently
// and surfaced as InboundEvents.
type Receiver struct {
	Accounts  *AccountManager
	Messenger *Messenger
	WSURL     string
	Agent     string
	// ReadTimeout is how long one pipe read may block. Not a failure
	// condition; the loop just re-reads.
	ReadTimeout time.Duration
	Log         zerolog.Logger

	subsLock sync.Mutex
	subs     map[string]*Subscription

	inFlight      sync.WaitGroup
	inFlightCount atomic.Int64
}

func NewReceiver(accounts *AccountManager, messenger *Messenger, wsURL, agent string, log zerolog.Logger) *Receiver {
	return &Receiver{
		Accounts:    accounts,
		Messenger:   messenger,
		WSURL:       wsURL,
		Agent:       agent,
		ReadTimeout: DefaultReadTimeout,
		Log:         log.With().Str("component", "receiver").Logger(),
		subs:        make(map[string]*Subscription),
	}
}

// MessagesInFlight reports how many envelopes are currently being processed.
func (r *Receiver) MessagesInFlight() int64 {
	return r.inFlightCount.Load()
}

// Subscribed reports whether the account currently has a live receive loop.
func (r *Receiver) Subscribed(accountNumber string) bool {
	r.subsLock.Lock()
	defer r.subsLock.Unlock()
	_, ok := r.subs[accountNumber]
	return ok
}

// Subscribe opens the message pipe for a verified account and starts its
// receive loop. Subscribing an already-subscribed account is a no-op
// returning (nil, nil). A failure to open the pipe comes back as a
// *PipeNotCreatedError; failures after that surface through the
// subscription's Err.
func (r *Receiver) Subscribe(ctx context.Context, acct *store.Account, handler Handler) (*Subscription, error) {
	r.subsLock.Lock()
	if _, ok := r.subs[acct.Number]; ok {
		r.subsLock.Unlock()
		return nil, nil
	}
	// Hold the slot while dialing so a concurrent Subscribe for the same
	// account cannot open a second pipe.
	loopCtx, cancel := context.WithCancel(ctx)
	placeholder := &Subscription{accountNumber: acct.Number, done: make(chan struct{}), cancel: cancel}
	r.subs[acct.Number] = placeholder
	r.subsLock.Unlock()

	username, password := acct.BasicAuthCreds()
	pipe, err := web.DialMessagePipe(loopCtx, r.WSURL, web.BasicCreds{Username: username, Password: password}, r.Agent, r.ReadTimeout, r.Log)
	if err != nil {
		cancel()
		r.subsLock.Lock()
		delete(r.subs, acct.Number)
		r.subsLock.Unlock()
		close(placeholder.done)
		return nil, &PipeNotCreatedError{Err: err}
	}
	placeholder.pipe = pipe

	r.Log.Info().Str("account", acct.Number).Msg("Subscribed to message pipe")
	go r.receiveLoop(loopCtx, placeholder, acct, handler)
	return placeholder, nil
}

func (r *Receiver) receiveLoop(ctx context.Context, sub *Subscription, acct *store.Account, handler Handler) {
	defer func() {
		sub.pipe.Shutdown()
		r.subsLock.Lock()
		if r.subs[sub.accountNumber] == sub {
			delete(r.subs, sub.accountNumber)
		}
		r.subsLock.Unlock()
		close(sub.done)
	}()
	for {
		envelope, err := sub.pipe.Read(ctx)
		switch {
		case err == nil:
		case errors.Is(err, web.ErrReadTimeout):
			continue
		case ctx.Err() != nil || sub.cancelled.Load():
			return
		default:
			subscriptionDisruptions.Inc()
			r.Log.Warn().Err(err).Str("account", acct.Number).Msg("Message pipe failed")
			sub.err = &DisruptedError{Err: err}
			return
		}
		envelopesReceived.WithLabelValues(envelope.Type.String()).Inc()
		r.inFlight.Add(1)
		r.inFlightCount.Add(1)
		messagesInFlight.Inc()
		go func(envelope *types.Envelope) {
			defer func() {
				messagesInFlight.Dec()
				r.inFlightCount.Add(-1)
				r.inFlight.Done()
			}()
			r.dispatch(ctx, acct, envelope, handler)
		}(envelope)
	}
}

func (r *Receiver) dispatch(ctx context.Context, acct *store.Account, envelope *types.Envelope, handler Handler) {
	accountAddr := types.NewAddress(acct.Number, acct.ACI)
	switch envelope.Type {
	case types.EnvelopeCiphertext, types.EnvelopePreKeyBundle, types.EnvelopeUnidentifiedSender:
		r.handleCiphertext(ctx, acct, accountAddr, envelope, handler)
	case types.EnvelopeReceipt:
		// Delivery receipts carry no content worth relaying, but they may
		// be the first place we see a sender's number and uuid together.
		if source := envelope.Source(); !source.IsEmpty() {
			r.recordContact(ctx, acct, source)
		}
	default:
		r.Log.Debug().
			Str("account", acct.Number).
			Stringer("envelope_type", envelope.Type).
			Msg("Dropping unhandled envelope")
		handler(Dropped{Account: accountAddr, Sender: envelope.Source(), EnvelopeType: envelope.Type})
	}
}

func (r *Receiver) handleCiphertext(ctx context.Context, acct *store.Account, accountAddr types.Address, envelope *types.Envelope, handler Handler) {
	// A prekey bundle means the peer already consumed one of our one-time
	// prekeys to establish a session, so the contact linkage, profile-key
	// push and reserve check happen whether or not decryption succeeds.
	if envelope.Type == types.EnvelopePreKeyBundle {
		r.handlePreKeyBundle(ctx, acct, envelope.Source())
	}

	contents, err := r.Messenger.Decrypt(ctx, acct, envelope)
	if err != nil {
		decryptionErrors.Inc()
		var untrusted *UntrustedIdentityError
		if errors.As(err, &untrusted) {
			handler(InboundIdentityFailure{Account: accountAddr, Sender: untrusted.Sender})
			return
		}
		sender := envelope.Source()
		var protocolErr *ProtocolError
		if errors.As(err, &protocolErr) {
			sender = protocolErr.Sender
		}
		r.Log.Warn().Err(err).Str("account", acct.Number).Str("sender", sender.Identifier()).Msg("Failed to decrypt envelope")
		handler(DecryptionError{Account: accountAddr, Sender: sender, Err: err})
		return
	}
	sender := contents.Sender

	if len(contents.ProfileKey) > 0 {
		if err = acct.Contacts.StoreProfileKey(ctx, sender.Identifier(), contents.ProfileKey); err != nil {
			r.Log.Warn().Err(err).Str("sender", sender.Identifier()).Msg("Failed to store contact profile key")
		}
	}
	if contents.NeedsReceipt {
		r.Messenger.SendReceipt(ctx, acct, sender, contents.Timestamp)
	}

	if contents.Body == "" && len(contents.Attachments) == 0 && !contents.ExpirationUpdate {
		handler(Empty{Account: accountAddr})
		return
	}

	attachments := make([]*types.Attachment, 0, len(contents.Attachments))
	for _, pointer := range contents.Attachments {
		attachment, retrieveErr := r.Messenger.RetrieveAttachment(ctx, pointer)
		if retrieveErr != nil {
			r.Log.Warn().Err(retrieveErr).Str("attachment_id", pointer.ID).Msg("Failed to retrieve attachment")
			handler(MessageHandlingError{Account: accountAddr, Err: retrieveErr})
			continue
		}
		attachments = append(attachments, attachment)
	}
	handler(Cleartext{
		Account:     accountAddr,
		Sender:      sender,
		Body:        contents.Body,
		Attachments: attachments,
		Expiration:  contents.ExpiresInSeconds,
		Timestamp:   contents.Timestamp,
	})
}

// handlePreKeyBundle runs the session-establishment side effects: persist the
// sender if we have not seen them before, share our profile key with new
// contacts, and top up the prekey reserve the establishment consumed.
func (r *Receiver) handlePreKeyBundle(ctx context.Context, acct *store.Account, sender types.Address) {
	if !sender.IsEmpty() {
		known, err := acct.Contacts.HasContact(ctx, sender.Identifier())
		if err != nil {
			r.Log.Warn().Err(err).Str("sender", sender.Identifier()).Msg("Failed to look up contact")
		}
		if !known {
			r.recordContact(ctx, acct, sender)
			r.Messenger.SendProfileKey(ctx, acct, sender)
		}
	}
	if err := r.Accounts.RefreshPreKeysIfDepleted(ctx, acct); err != nil {
		r.Log.Warn().Err(err).Str("account", acct.Number).Msg("Failed to refresh prekey reserve")
	}
}

// recordContact links a sender's phone number and uuid in the contact store.
// Only useful when both identifiers arrived together; partial addresses are
// left for a later envelope to complete.
func (r *Receiver) recordContact(ctx context.Context, acct *store.Account, addr types.Address) {
	if addr.Number == "" || addr.UUID == "" {
		return
	}
	aci, err := uuid.Parse(addr.UUID)
	if err != nil {
		r.Log.Warn().Str("sender", addr.Identifier()).Msg("Ignoring malformed sender uuid")
		return
	}
	if err = acct.Contacts.StoreMissingIdentifier(ctx, addr.Number, aci); err != nil {
		r.Log.Warn().Err(err).Str("sender", addr.Identifier()).Msg("Failed to record contact identifiers")
	}
}

// Unsubscribe tears down one account's receive loop and waits for it to
// exit. Returns false if the account was not subscribed.
func (r *Receiver) Unsubscribe(accountNumber string) bool {
	r.subsLock.Lock()
	sub, ok := r.subs[accountNumber]
	r.subsLock.Unlock()
	if !ok {
		return false
	}
	sub.cancelled.Store(true)
	sub.cancel()
	if sub.pipe != nil {
		sub.pipe.Shutdown()
	}
	<-sub.done
	r.Messenger.ForgetCipher(accountNumber)
	r.Log.Info().Str("account", accountNumber).Msg("Unsubscribed from message pipe")
	return true
}

// UnsubscribeAll tears down every receive loop.
func (r *Receiver) UnsubscribeAll() {
	r.subsLock.Lock()
	numbers := make([]string, 0, len(r.subs))
	for number := range r.subs {
		numbers = append(numbers, number)
	}
	r.subsLock.Unlock()
	for _, number := range numbers {
		r.Unsubscribe(number)
	}
}

// Drain blocks until every in-flight envelope has been processed or the
// context expires.
func (r *Receiver) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
