package socket

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/team-friendo/signalc/pkg/signalc"
	"github.com/team-friendo/signalc/pkg/signalc/store"
	"github.com/team-friendo/signalc/pkg/signalc/types"
)

// DefaultResubscribeDelay is the base delay before the first resubscribe
// attempt after a disruption. It doubles per consecutive disruption.
const DefaultResubscribeDelay = time.Millisecond

// DefaultResubscribeReset is how long a subscription must stay healthy
// before the backoff resets to the base delay.
const DefaultResubscribeReset = time.Minute

// Accounts is the account-lifecycle surface the handler drives.
type Accounts interface {
	Load(ctx context.Context, number string) (*store.Account, error)
	LoadVerified(ctx context.Context, identifier string) (*store.Account, error)
	Register(ctx context.Context, acct *store.Account, captcha string) error
	Verify(ctx context.Context, acct *store.Account, code string) error
}

// Messenger is the sending surface the handler drives.
type Messenger interface {
	Send(ctx context.Context, acct *store.Account, recipient types.Address, message *types.OutboundMessage) *types.SendResult
	SetExpiration(ctx context.Context, acct *store.Account, recipient types.Address, expiresInSeconds uint32) *types.SendResult
}

// Subscription mirrors the receive supervisor's subscription handle.
type Subscription interface {
	Done() <-chan struct{}
	Err() error
	Cancelled() bool
}

// Receiver is the subscription surface the handler drives.
type Receiver interface {
	Subscribe(ctx context.Context, acct *store.Account, handler signalc.Handler) (Subscription, error)
	Unsubscribe(accountNumber string) bool
}

// WrapReceiver adapts the concrete receive supervisor to the Receiver
// interface, preserving the nil handle on double subscription.
func WrapReceiver(receiver *signalc.Receiver) Receiver {
	return receiverAdapter{receiver}
}

type receiverAdapter struct {
	receiver *signalc.Receiver
}

func (r receiverAdapter) Subscribe(ctx context.Context, acct *store.Account, handler signalc.Handler) (Subscription, error) {
	sub, err := r.receiver.Subscribe(ctx, acct, handler)
	if sub == nil {
		return nil, err
	}
	return sub, err
}

func (r receiverAdapter) Unsubscribe(accountNumber string) bool {
	return r.receiver.Unsubscribe(accountNumber)
}

type broadcaster interface {
	Broadcast(message any)
}

// Handler executes parsed socket requests. One request never takes down its
// connection: every failure path emits a structured response, and panics are
// converted to request_handling_error.
type Handler struct {
	Accounts  Accounts
	Messenger Messenger
	Receiver  Receiver
	Log       zerolog.Logger

	// ResubscribeDelay and ResubscribeReset tune the disruption backoff.
	ResubscribeDelay time.Duration
	ResubscribeReset time.Duration

	// rootCtx outlives any single connection: subscriptions belong to the
	// daemon, not to the connection that started them.
	rootCtx context.Context
	// Abort requests an orderly daemon shutdown.
	abort  func()
	events broadcaster
}

func NewHandler(ctx context.Context, accounts Accounts, messenger Messenger, receiver Receiver, abort func(), log zerolog.Logger) *Handler {
	return &Handler{
		Accounts:         accounts,
		Messenger:        messenger,
		Receiver:         receiver,
		Log:              log.With().Str("component", "socket_handler").Logger(),
		ResubscribeDelay: DefaultResubscribeDelay,
		ResubscribeReset: DefaultResubscribeReset,
		rootCtx:          ctx,
		abort:            abort,
	}
}

// Handle parses and executes one request line.
func (h *Handler) Handle(ctx context.Context, conn *Conn, line []byte) {
	req, err := ParseRequest(line)
	if err != nil {
		conn.Send(RequestInvalid(err, string(line)))
		return
	}
	defer func() {
		if panicked := recover(); panicked != nil {
			h.Log.Error().Interface("panic", panicked).Str("request_id", req.RequestID()).Msg("Panic while handling request")
			conn.Send(RequestHandlingError(req.RequestID(), fmt.Errorf("panic: %v", panicked), line))
		}
	}()
	switch req := req.(type) {
	case *RegisterRequest:
		h.register(ctx, conn, req)
	case *VerifyRequest:
		h.verify(ctx, conn, req)
	case *SendRequest:
		h.send(ctx, conn, req, line)
	case *SetExpirationRequest:
		h.setExpiration(ctx, conn, req, line)
	case *SubscribeRequest:
		h.subscribe(conn, req)
	case *UnsubscribeRequest:
		h.unsubscribe(ctx, conn, req)
	case *TrustRequest:
		h.trust(ctx, conn, req, line)
	case *IsAliveRequest:
		conn.Send(IsAlive(req.ID))
	case *AbortRequest:
		h.Log.Info().Msg("Received abort, shutting down")
		conn.Send(AbortWarning(req.ID))
		h.abort()
	case *CloseRequest:
		conn.Close()
	}
}

func (h *Handler) register(ctx context.Context, conn *Conn, req *RegisterRequest) {
	acct, err := h.Accounts.Load(ctx, req.Username)
	if err != nil {
		conn.Send(RegistrationError(req.ID, req.Username, err))
		return
	}
	if err = h.Accounts.Register(ctx, acct, req.Captcha); err != nil {
		if !errors.Is(err, signalc.ErrAlreadyRegistered) {
			h.Log.Err(err).Str("username", req.Username).Msg("Registration failed")
		}
		conn.Send(RegistrationError(req.ID, req.Username, err))
		return
	}
	conn.Send(RegistrationSucceeded(req.ID, req.Username))
}

func (h *Handler) verify(ctx context.Context, conn *Conn, req *VerifyRequest) {
	acct, err := h.Accounts.Load(ctx, req.Username)
	if err != nil {
		conn.Send(VerificationError(req.ID, req.Username, err))
		return
	}
	// Dispatch layers send codes in the "123-456" form the service texts.
	code := strings.ReplaceAll(req.Code, "-", "")
	if err = h.Accounts.Verify(ctx, acct, code); err != nil {
		if !errors.Is(err, signalc.ErrAuthorizationFailed) {
			h.Log.Err(err).Str("username", req.Username).Msg("Verification failed")
		}
		conn.Send(VerificationError(req.ID, req.Username, err))
		return
	}
	conn.Send(VerificationSucceeded(req.ID, req.Username))
}

func (h *Handler) send(ctx context.Context, conn *Conn, req *SendRequest, line []byte) {
	acct, err := h.loadVerified(ctx, req.Username)
	if err != nil {
		conn.Send(RequestHandlingError(req.ID, err, line))
		return
	}
	result := h.Messenger.Send(ctx, acct, req.RecipientAddress, &types.OutboundMessage{
		Body:             req.MessageBody,
		Attachments:      req.Attachments,
		ExpiresInSeconds: req.ExpiresInSeconds,
	})
	conn.Send(SendResults(req.ID, []types.SendResult{*result}))
}

func (h *Handler) setExpiration(ctx context.Context, conn *Conn, req *SetExpirationRequest, line []byte) {
	acct, err := h.loadVerified(ctx, req.Username)
	if err != nil {
		conn.Send(RequestHandlingError(req.ID, err, line))
		return
	}
	result := h.Messenger.SetExpiration(ctx, acct, req.RecipientAddress, req.ExpiresInSeconds)
	if result.Type() == types.SendResultSuccess {
		conn.Send(SetExpirationSucceeded(req.ID, req.Username, req.RecipientAddress))
		return
	}
	conn.Send(SetExpirationFailed(req.ID, req.Username, req.RecipientAddress, result.Type()))
}

func (h *Handler) trust(ctx context.Context, conn *Conn, req *TrustRequest, line []byte) {
	acct, err := h.loadVerified(ctx, req.Username)
	if err != nil {
		conn.Send(RequestHandlingError(req.ID, err, line))
		return
	}
	fingerprint, err := base64.StdEncoding.DecodeString(req.Fingerprint)
	if err != nil {
		conn.Send(RequestHandlingError(req.ID, fmt.Errorf("fingerprint is not valid base64: %w", err), line))
		return
	}
	if err = acct.Identities.TrustFingerprint(ctx, fingerprint); err != nil {
		conn.Send(RequestHandlingError(req.ID, err, line))
		return
	}
	conn.Send(TrustedFingerprint(req.ID, req.Username))
}

func (h *Handler) subscribe(conn *Conn, req *SubscribeRequest) {
	// Subscriptions run against the daemon context so they survive the
	// connection that started them.
	acct, err := h.loadVerified(h.rootCtx, req.Username)
	if err != nil {
		conn.Send(SubscriptionFailed(req.ID, req.Username, err))
		return
	}
	h.startSubscription(conn, req, acct, h.ResubscribeDelay)
}

func (h *Handler) startSubscription(conn *Conn, req *SubscribeRequest, acct *store.Account, retryDelay time.Duration) {
	sub, err := h.Receiver.Subscribe(h.rootCtx, acct, h.relay)
	if err != nil {
		conn.Send(SubscriptionFailed(req.ID, req.Username, err))
		return
	}
	if sub == nil {
		conn.Send(SubscriptionFailed(req.ID, req.Username, fmt.Errorf("already subscribed to %s", req.Username)))
		return
	}
	conn.Send(SubscriptionSucceeded(req.ID, req.Username))
	go h.watchSubscription(conn, req, acct, sub, retryDelay)
}

// watchSubscription resubscribes after a disruption, doubling the delay per
// consecutive disruption and resetting it once a subscription stays healthy.
func (h *Handler) watchSubscription(conn *Conn, req *SubscribeRequest, acct *store.Account, sub Subscription, retryDelay time.Duration) {
	started := time.Now()
	<-sub.Done()
	err := sub.Err()
	if err == nil || sub.Cancelled() {
		return
	}
	h.events.Broadcast(SubscriptionDisrupted(req.ID, req.Username, err))
	if time.Since(started) >= h.ResubscribeReset {
		retryDelay = h.ResubscribeDelay
	}
	h.Log.Warn().Err(err).
		Str("username", req.Username).
		Dur("retry_delay", retryDelay).
		Msg("Subscription disrupted, resubscribing")
	select {
	case <-h.rootCtx.Done():
		return
	case <-time.After(retryDelay):
	}
	h.startSubscription(conn, req, acct, retryDelay*2)
}

func (h *Handler) unsubscribe(ctx context.Context, conn *Conn, req *UnsubscribeRequest) {
	if _, err := h.loadVerified(ctx, req.Username); err != nil {
		conn.Send(UnsubscribeFailure(req.ID, req.Username, err))
		return
	}
	h.Receiver.Unsubscribe(req.Username)
	conn.Send(UnsubscribeSucceeded(req.ID, req.Username))
}

func (h *Handler) loadVerified(ctx context.Context, username string) (*store.Account, error) {
	acct, err := h.Accounts.LoadVerified(ctx, username)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, fmt.Errorf("%s is not registered", username)
	}
	return acct, nil
}

// relay converts inbound events to wire responses and pushes them to every
// live connection.
func (h *Handler) relay(event signalc.InboundEvent) {
	switch event := event.(type) {
	case signalc.Cleartext:
		h.events.Broadcast(CleartextResponse{
			Type:             "cleartext",
			Account:          event.Account,
			Sender:           event.Sender,
			Body:             event.Body,
			Attachments:      event.Attachments,
			ExpiresInSeconds: event.Expiration,
			Timestamp:        event.Timestamp,
		})
	case signalc.DecryptionError:
		h.events.Broadcast(DecryptionErrorResponse{
			Type:    "decryption_error",
			Account: event.Account,
			Sender:  event.Sender,
			Error:   event.Err.Error(),
		})
	case signalc.InboundIdentityFailure:
		h.events.Broadcast(InboundIdentityFailureResponse{
			Type:    "inbound_identity_failure",
			Account: event.Account,
			Sender:  event.Sender,
		})
	case signalc.Dropped:
		h.events.Broadcast(DroppedResponse{
			Type:         "dropped",
			Account:      event.Account,
			Sender:       event.Sender,
			EnvelopeType: int(event.EnvelopeType),
		})
	case signalc.Empty:
		h.events.Broadcast(EmptyResponse{Type: "empty", Account: event.Account})
	case signalc.MessageHandlingError:
		h.events.Broadcast(MessageHandlingErrorResponse{
			Type:    "message_handling_error",
			Account: event.Account,
			Error:   event.Err.Error(),
		})
	}
}
