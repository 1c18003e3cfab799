package signalc_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/team-friendo/signalc/pkg/signalc"
	"github.com/team-friendo/signalc/pkg/signalc/store"
	"github.com/team-friendo/signalc/pkg/signalc/types"
	"github.com/team-friendo/signalc/pkg/signalc/web"
)

const (
	accountNumber = "+15551234567"
	senderNumber  = "+15559876543"
)

// fakeCipher decrypts by treating envelope content as plaintext JSON and
// fails on demand via magic markers.
type fakeCipher struct{}

func (fakeCipher) Decrypt(_ context.Context, envelope *types.Envelope) (*types.Contents, error) {
	switch string(envelope.Content) {
	case "untrusted":
		return nil, &signalc.UntrustedIdentityError{Sender: envelope.Source()}
	case "garbled":
		return nil, &signalc.ProtocolError{Sender: envelope.Source(), Err: errors.New("bad mac")}
	}
	var contents types.Contents
	if err := json.Unmarshal(envelope.Content, &contents); err != nil {
		return nil, &signalc.ProtocolError{Sender: envelope.Source(), Err: err}
	}
	contents.Sender = envelope.Source()
	return &contents, nil
}

func (fakeCipher) Encrypt(_ context.Context, _ types.Address, message *types.OutboundMessage) ([]json.RawMessage, error) {
	encoded, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	return []json.RawMessage{encoded}, nil
}

type fakeCipherFactory struct{}

func (fakeCipherFactory) CipherFor(context.Context, *store.Account) (signalc.Cipher, error) {
	return fakeCipher{}, nil
}

type fakeKeys struct{}

func (fakeKeys) GenerateIdentityKeyPair() ([]byte, []byte, error) {
	return []byte("keypair"), []byte("public"), nil
}

func (fakeKeys) IdentityPublicKey([]byte) ([]byte, error) {
	return []byte("public"), nil
}

func (fakeKeys) GeneratePreKeys(start uint32, count int) ([]types.PreKey, error) {
	preKeys := make([]types.PreKey, count)
	for i := range preKeys {
		preKeys[i] = types.PreKey{ID: start + uint32(i), Record: []byte("record"), PublicKey: []byte("pub")}
	}
	return preKeys, nil
}

func (fakeKeys) GenerateSignedPreKey(_ []byte, id uint32) (*types.SignedPreKey, error) {
	return &types.SignedPreKey{ID: id, Record: []byte("record"), PublicKey: []byte("pub"), Signature: []byte("sig")}, nil
}

// pipeHarness is a fake service: a REST endpoint that accepts everything and
// a websocket endpoint handing each accepted pipe to the test.
type pipeHarness struct {
	t     *testing.T
	rest  *httptest.Server
	ws    *httptest.Server
	conns chan *websocket.Conn

	restLock     sync.Mutex
	reserveReads int
	messagePuts  []string
}

func (h *pipeHarness) reserveReadCount() int {
	h.restLock.Lock()
	defer h.restLock.Unlock()
	return h.reserveReads
}

func (h *pipeHarness) messagePutPaths() []string {
	h.restLock.Lock()
	defer h.restLock.Unlock()
	return append([]string(nil), h.messagePuts...)
}

func newPipeHarness(t *testing.T) *pipeHarness {
	t.Helper()
	h := &pipeHarness{t: t, conns: make(chan *websocket.Conn, 4)}
	h.rest = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/v2/keys" {
			h.restLock.Lock()
			h.reserveReads++
			h.restLock.Unlock()
			_, _ = w.Write([]byte(`{"count": 100}`))
			return
		}
		if r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/v1/messages/") {
			h.restLock.Lock()
			h.messagePuts = append(h.messagePuts, r.URL.Path)
			h.restLock.Unlock()
			_, _ = w.Write([]byte(`{}`))
			return
		}
		if strings.HasPrefix(r.URL.Path, "/attachments/") {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(h.rest.Close)
	h.ws = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		// Drain acks so the pipe's writes never back up.
		go func() {
			for {
				if _, _, readErr := conn.Read(context.Background()); readErr != nil {
					return
				}
			}
		}()
		h.conns <- conn
	}))
	t.Cleanup(h.ws.Close)
	return h
}

func (h *pipeHarness) wsURL() string {
	return strings.Replace(h.ws.URL, "http://", "ws://", 1)
}

func (h *pipeHarness) accept() *websocket.Conn {
	h.t.Helper()
	select {
	case conn := <-h.conns:
		return conn
	case <-time.After(5 * time.Second):
		h.t.Fatal("no pipe connection arrived")
		return nil
	}
}

func (h *pipeHarness) push(conn *websocket.Conn, envelope map[string]any) {
	h.t.Helper()
	frame, err := json.Marshal(map[string]any{"id": 1, "verb": "PUT", "path": web.MessagePath, "body": envelope})
	require.NoError(h.t, err)
	require.NoError(h.t, conn.Write(context.Background(), websocket.MessageText, frame))
}

type receiverHarness struct {
	*pipeHarness
	receiver *signalc.Receiver
	account  *store.Account
	events   chan signalc.InboundEvent
}

func newReceiverHarness(t *testing.T) *receiverHarness {
	t.Helper()
	ctx := context.Background()
	pipes := newPipeHarness(t)

	container := newTestContainer(t)
	acct, err := container.FindOrCreateAccount(ctx, accountNumber, func() (*store.AccountData, error) {
		return &store.AccountData{
			Password:        "pw",
			ProfileKey:      make([]byte, 32),
			IdentityKeyPair: []byte("identity material"),
			DeviceID:        1,
			RegistrationID:  42,
		}, nil
	})
	require.NoError(t, err)
	require.NoError(t, container.MarkVerified(ctx, acct, uuid.New()))

	webClient := web.NewClient(pipes.rest.URL, pipes.rest.URL, "signalc-test", zerolog.Nop())
	accounts := signalc.NewAccountManager(container, webClient, fakeKeys{}, zerolog.Nop())
	messenger := signalc.NewMessenger(container, webClient, fakeCipherFactory{}, t.TempDir(), zerolog.Nop())
	receiver := signalc.NewReceiver(accounts, messenger, pipes.wsURL(), "signalc-test", zerolog.Nop())

	return &receiverHarness{
		pipeHarness: pipes,
		receiver:    receiver,
		account:     acct,
		events:      make(chan signalc.InboundEvent, 16),
	}
}

func (h *receiverHarness) subscribe(t *testing.T) *signalc.Subscription {
	t.Helper()
	sub, err := h.receiver.Subscribe(context.Background(), h.account, func(event signalc.InboundEvent) {
		h.events <- event
	})
	require.NoError(t, err)
	require.NotNil(t, sub)
	t.Cleanup(func() {
		h.receiver.Unsubscribe(accountNumber)
	})
	return sub
}

func (h *receiverHarness) nextEvent(t *testing.T) signalc.InboundEvent {
	t.Helper()
	select {
	case event := <-h.events:
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("no event arrived")
		return nil
	}
}

func TestReceiveCleartext(t *testing.T) {
	h := newReceiverHarness(t)
	h.subscribe(t)
	conn := h.accept()

	content, _ := json.Marshal(map[string]any{"Body": "hello from the pipe", "Timestamp": 1700000000000})
	h.push(conn, map[string]any{
		"type":         int(types.EnvelopeCiphertext),
		"sourceNumber": senderNumber,
		"sourceDevice": 1,
		"content":      content,
	})

	event := h.nextEvent(t)
	cleartext, ok := event.(signalc.Cleartext)
	require.True(t, ok, "expected Cleartext, got %T", event)
	assert.Equal(t, "hello from the pipe", cleartext.Body)
	assert.Equal(t, senderNumber, cleartext.Sender.Number)
	assert.Equal(t, accountNumber, cleartext.Account.Number)
	assert.Equal(t, int64(1700000000000), cleartext.Timestamp)
	assert.True(t, h.receiver.Subscribed(accountNumber))
}

func TestAttachmentFailureSurfacesHandlingError(t *testing.T) {
	h := newReceiverHarness(t)
	h.subscribe(t)
	conn := h.accept()

	content, _ := json.Marshal(map[string]any{
		"Body":      "photo",
		"Timestamp": 1700000000000,
		"Attachments": []map[string]any{
			{"id": "att-gone", "key": []byte("key"), "contentType": "image/png"},
		},
	})
	h.push(conn, map[string]any{
		"type":         int(types.EnvelopeCiphertext),
		"sourceNumber": senderNumber,
		"sourceDevice": 1,
		"content":      content,
	})

	event := h.nextEvent(t)
	handlingErr, ok := event.(signalc.MessageHandlingError)
	require.True(t, ok, "expected MessageHandlingError, got %T", event)
	assert.Equal(t, accountNumber, handlingErr.Account.Number)

	// The message still arrives, minus the attachment it could not fetch.
	event = h.nextEvent(t)
	cleartext, ok := event.(signalc.Cleartext)
	require.True(t, ok, "expected Cleartext, got %T", event)
	assert.Equal(t, "photo", cleartext.Body)
	assert.Empty(t, cleartext.Attachments)
}

func TestDoubleSubscribeIsNoOp(t *testing.T) {
	h := newReceiverHarness(t)
	h.subscribe(t)
	h.accept()

	sub, err := h.receiver.Subscribe(context.Background(), h.account, func(signalc.InboundEvent) {})
	require.NoError(t, err)
	assert.Nil(t, sub)
}

func TestSubscribeDialFailure(t *testing.T) {
	h := newReceiverHarness(t)
	h.receiver.WSURL = "ws://127.0.0.1:1"

	sub, err := h.receiver.Subscribe(context.Background(), h.account, func(signalc.InboundEvent) {})
	assert.Nil(t, sub)
	var pipeErr *signalc.PipeNotCreatedError
	require.ErrorAs(t, err, &pipeErr)
	assert.False(t, h.receiver.Subscribed(accountNumber))
}

func TestUnsubscribe(t *testing.T) {
	h := newReceiverHarness(t)
	sub := h.subscribe(t)
	h.accept()

	assert.True(t, h.receiver.Unsubscribe(accountNumber))
	<-sub.Done()
	assert.NoError(t, sub.Err())
	assert.True(t, sub.Cancelled())
	assert.False(t, h.receiver.Subscribed(accountNumber))

	assert.False(t, h.receiver.Unsubscribe(accountNumber), "second unsubscribe is a no-op")

	// The account can subscribe again after a deliberate teardown.
	h.subscribe(t)
	h.accept()
	assert.True(t, h.receiver.Subscribed(accountNumber))
}

func TestDisruptionSurfacesThroughErr(t *testing.T) {
	h := newReceiverHarness(t)
	sub := h.subscribe(t)
	conn := h.accept()

	require.NoError(t, conn.Close(websocket.StatusInternalError, "service restarting"))

	select {
	case <-sub.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("subscription never noticed the disruption")
	}
	var disrupted *signalc.DisruptedError
	require.ErrorAs(t, sub.Err(), &disrupted)
	assert.False(t, sub.Cancelled())
	assert.False(t, h.receiver.Subscribed(accountNumber))
}

func TestUnhandledEnvelopeIsDropped(t *testing.T) {
	h := newReceiverHarness(t)
	h.subscribe(t)
	conn := h.accept()

	h.push(conn, map[string]any{
		"type":         int(types.EnvelopeKeyExchange),
		"sourceNumber": senderNumber,
	})

	event := h.nextEvent(t)
	dropped, ok := event.(signalc.Dropped)
	require.True(t, ok, "expected Dropped, got %T", event)
	assert.Equal(t, types.EnvelopeKeyExchange, dropped.EnvelopeType)
	assert.Equal(t, senderNumber, dropped.Sender.Number)
}

func TestInboundIdentityFailure(t *testing.T) {
	h := newReceiverHarness(t)
	h.subscribe(t)
	conn := h.accept()

	h.push(conn, map[string]any{
		"type":         int(types.EnvelopeCiphertext),
		"sourceNumber": senderNumber,
		"content":      []byte("untrusted"),
	})

	event := h.nextEvent(t)
	failure, ok := event.(signalc.InboundIdentityFailure)
	require.True(t, ok, "expected InboundIdentityFailure, got %T", event)
	assert.Equal(t, senderNumber, failure.Sender.Number)
}

func TestDecryptionErrorIsSurfaced(t *testing.T) {
	h := newReceiverHarness(t)
	h.subscribe(t)
	conn := h.accept()

	h.push(conn, map[string]any{
		"type":         int(types.EnvelopeCiphertext),
		"sourceNumber": senderNumber,
		"content":      []byte("garbled"),
	})

	event := h.nextEvent(t)
	decErr, ok := event.(signalc.DecryptionError)
	require.True(t, ok, "expected DecryptionError, got %T", event)
	assert.Equal(t, senderNumber, decErr.Sender.Number)
	assert.ErrorContains(t, decErr.Err, "bad mac")
}

func TestEmptyMessage(t *testing.T) {
	h := newReceiverHarness(t)
	h.subscribe(t)
	conn := h.accept()

	h.push(conn, map[string]any{
		"type":         int(types.EnvelopeCiphertext),
		"sourceNumber": senderNumber,
		"content":      []byte(`{"Timestamp": 1}`),
	})

	event := h.nextEvent(t)
	_, ok := event.(signalc.Empty)
	require.True(t, ok, "expected Empty, got %T", event)
}

func TestReceiptLinksContactIdentifiers(t *testing.T) {
	h := newReceiverHarness(t)
	h.subscribe(t)
	conn := h.accept()
	senderACI := uuid.New()

	h.push(conn, map[string]any{
		"type":         int(types.EnvelopeReceipt),
		"sourceNumber": senderNumber,
		"sourceUuid":   senderACI.String(),
	})

	ctx := context.Background()
	require.Eventually(t, func() bool {
		contact, err := h.account.Contacts.ResolveContact(ctx, senderACI.String())
		return err == nil && contact != nil
	}, 5*time.Second, 10*time.Millisecond, "receipt should link number and uuid")

	contact, err := h.account.Contacts.ResolveContact(ctx, senderACI.String())
	require.NoError(t, err)
	assert.Equal(t, senderNumber, contact.Address().Number)
}

func TestUnidentifiedSenderRoutedToDecrypt(t *testing.T) {
	h := newReceiverHarness(t)
	h.subscribe(t)
	conn := h.accept()

	h.push(conn, map[string]any{
		"type":         int(types.EnvelopeUnidentifiedSender),
		"sourceNumber": senderNumber,
		"sourceDevice": 1,
		"content":      []byte("garbled"),
	})

	// Sealed-sender envelopes take the decrypt path; a cipher without
	// sealed-sender support surfaces a decryption error, not a drop.
	event := h.nextEvent(t)
	decryptionErr, ok := event.(signalc.DecryptionError)
	require.True(t, ok, "expected DecryptionError, got %T", event)
	assert.Equal(t, senderNumber, decryptionErr.Sender.Number)
}

func TestPreKeyBundleSideEffectsSurviveFailedDecrypt(t *testing.T) {
	h := newReceiverHarness(t)
	h.subscribe(t)
	conn := h.accept()
	senderACI := uuid.New()

	h.push(conn, map[string]any{
		"type":         int(types.EnvelopePreKeyBundle),
		"sourceNumber": senderNumber,
		"sourceUuid":   senderACI.String(),
		"sourceDevice": 1,
		"content":      []byte("garbled"),
	})
	event := h.nextEvent(t)
	_, ok := event.(signalc.DecryptionError)
	require.True(t, ok, "expected DecryptionError, got %T", event)

	// Session establishment already consumed one of our prekeys, so the
	// contact linkage, profile-key push and reserve check ran before the
	// decrypt attempt.
	ctx := context.Background()
	contact, err := h.account.Contacts.ResolveContact(ctx, senderACI.String())
	require.NoError(t, err)
	require.NotNil(t, contact, "prekey-bundle sender must be persisted even when decryption fails")
	assert.Equal(t, senderNumber, contact.Address().Number)
	assert.GreaterOrEqual(t, h.reserveReadCount(), 1, "reserve must be checked even when decryption fails")
	require.Len(t, h.messagePutPaths(), 1, "new contacts get our profile key")
	assert.Contains(t, h.messagePutPaths()[0], senderACI.String())
}

func TestPreKeyBundleProfileKeySentOncePerContact(t *testing.T) {
	h := newReceiverHarness(t)
	h.subscribe(t)
	conn := h.accept()
	senderACI := uuid.New()
	bundle := func(content []byte) map[string]any {
		return map[string]any{
			"type":         int(types.EnvelopePreKeyBundle),
			"sourceNumber": senderNumber,
			"sourceUuid":   senderACI.String(),
			"sourceDevice": 1,
			"content":      content,
		}
	}

	content, _ := json.Marshal(map[string]any{"Body": "first", "Timestamp": 1})
	h.push(conn, bundle(content))
	event := h.nextEvent(t)
	cleartext, ok := event.(signalc.Cleartext)
	require.True(t, ok, "expected Cleartext, got %T", event)
	assert.Equal(t, "first", cleartext.Body)
	require.Len(t, h.messagePutPaths(), 1)

	content, _ = json.Marshal(map[string]any{"Body": "second", "Timestamp": 2})
	h.push(conn, bundle(content))
	event = h.nextEvent(t)
	cleartext, ok = event.(signalc.Cleartext)
	require.True(t, ok, "expected Cleartext, got %T", event)
	assert.Equal(t, "second", cleartext.Body)
	assert.Len(t, h.messagePutPaths(), 1, "known contacts do not get the profile key again")
	assert.GreaterOrEqual(t, h.reserveReadCount(), 2, "every bundle triggers a reserve check")
}

func TestDrainWaitsForInFlight(t *testing.T) {
	h := newReceiverHarness(t)
	h.subscribe(t)
	conn := h.accept()

	content, _ := json.Marshal(map[string]any{"Body": "last words"})
	h.push(conn, map[string]any{
		"type":         int(types.EnvelopeCiphertext),
		"sourceNumber": senderNumber,
		"content":      content,
	})
	event := h.nextEvent(t)
	require.IsType(t, signalc.Cleartext{}, event)

	h.receiver.UnsubscribeAll()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.receiver.Drain(ctx))
	assert.Zero(t, h.receiver.MessagesInFlight())
}
