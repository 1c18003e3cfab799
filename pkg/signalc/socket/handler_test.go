package socket_test

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.mau.fi/util/dbutil"

	"github.com/team-friendo/signalc/pkg/signalc"
	"github.com/team-friendo/signalc/pkg/signalc/socket"
	"github.com/team-friendo/signalc/pkg/signalc/store"
	"github.com/team-friendo/signalc/pkg/signalc/types"
)

const (
	verifiedNumber   = "+15551234567"
	unverifiedNumber = "+15550000404"
	recipientNumber  = "+15559876543"
)

type fakeAccounts struct {
	mu       sync.Mutex
	accounts map[string]*store.Account
	codes    []string
}

func (f *fakeAccounts) seed(acct *store.Account) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.accounts == nil {
		f.accounts = make(map[string]*store.Account)
	}
	f.accounts[acct.Number] = acct
}

func (f *fakeAccounts) Load(_ context.Context, number string) (*store.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.accounts == nil {
		f.accounts = make(map[string]*store.Account)
	}
	acct, ok := f.accounts[number]
	if !ok {
		acct = &store.Account{AccountData: store.AccountData{Number: number, Status: store.StatusNew}}
		f.accounts[number] = acct
	}
	return acct, nil
}

func (f *fakeAccounts) LoadVerified(_ context.Context, identifier string) (*store.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acct := f.accounts[identifier]
	if acct == nil || acct.Status != store.StatusVerified {
		return nil, nil
	}
	return acct, nil
}

func (f *fakeAccounts) Register(_ context.Context, acct *store.Account, _ string) error {
	acct.Status = store.StatusRegistered
	return nil
}

func (f *fakeAccounts) Verify(_ context.Context, acct *store.Account, code string) error {
	f.mu.Lock()
	f.codes = append(f.codes, code)
	f.mu.Unlock()
	acct.Status = store.StatusVerified
	return nil
}

type fakeMessenger struct {
	mu         sync.Mutex
	recipients []types.Address
	result     *types.SendResult
	panicMsg   string
}

func (f *fakeMessenger) Send(_ context.Context, _ *store.Account, recipient types.Address, _ *types.OutboundMessage) *types.SendResult {
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	f.mu.Lock()
	f.recipients = append(f.recipients, recipient)
	f.mu.Unlock()
	if f.result != nil {
		return f.result
	}
	return &types.SendResult{Address: recipient, Success: &types.SendSuccess{DurationMillis: 5}}
}

func (f *fakeMessenger) SetExpiration(_ context.Context, _ *store.Account, recipient types.Address, _ uint32) *types.SendResult {
	if f.result != nil {
		return f.result
	}
	return &types.SendResult{Address: recipient, Success: &types.SendSuccess{}}
}

type fakeSubscription struct {
	done      chan struct{}
	err       error
	cancelled bool
}

func (s *fakeSubscription) Done() <-chan struct{} { return s.done }
func (s *fakeSubscription) Err() error            { return s.err }
func (s *fakeSubscription) Cancelled() bool       { return s.cancelled }

type fakeReceiver struct {
	mu         sync.Mutex
	subs       map[string]*fakeSubscription
	handlers   map[string]signalc.Handler
	subscribes map[string]int
}

func newFakeReceiver() *fakeReceiver {
	return &fakeReceiver{
		subs:       make(map[string]*fakeSubscription),
		handlers:   make(map[string]signalc.Handler),
		subscribes: make(map[string]int),
	}
}

func (f *fakeReceiver) Subscribe(_ context.Context, acct *store.Account, handler signalc.Handler) (socket.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes[acct.Number]++
	if _, ok := f.subs[acct.Number]; ok {
		return nil, nil
	}
	sub := &fakeSubscription{done: make(chan struct{})}
	f.subs[acct.Number] = sub
	f.handlers[acct.Number] = handler
	return sub, nil
}

func (f *fakeReceiver) Unsubscribe(accountNumber string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[accountNumber]
	if !ok {
		return false
	}
	sub.cancelled = true
	close(sub.done)
	delete(f.subs, accountNumber)
	return true
}

// disrupt fails the live subscription the way a dropped websocket would.
func (f *fakeReceiver) disrupt(accountNumber string, err error) {
	f.mu.Lock()
	sub := f.subs[accountNumber]
	delete(f.subs, accountNumber)
	f.mu.Unlock()
	sub.err = err
	close(sub.done)
}

func (f *fakeReceiver) subscribeCount(accountNumber string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes[accountNumber]
}

func (f *fakeReceiver) handler(accountNumber string) signalc.Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[accountNumber]
}

type fixture struct {
	accounts  *fakeAccounts
	messenger *fakeMessenger
	receiver  *fakeReceiver
	server    *socket.Server
	path      string
	aborted   chan struct{}
}

func startFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	f := &fixture{
		accounts:  &fakeAccounts{},
		messenger: &fakeMessenger{},
		receiver:  newFakeReceiver(),
		path:      filepath.Join(t.TempDir(), "signald.sock"),
		aborted:   make(chan struct{}),
	}
	f.accounts.seed(&store.Account{AccountData: store.AccountData{
		Number: verifiedNumber,
		Status: store.StatusVerified,
		ACI:    uuid.New(),
	}})

	var abortOnce sync.Once
	handler := socket.NewHandler(ctx, f.accounts, f.messenger, f.receiver, func() {
		abortOnce.Do(func() { close(f.aborted) })
	}, zerolog.Nop())
	server, err := socket.Listen(f.path, handler, zerolog.Nop())
	require.NoError(t, err)
	f.server = server
	t.Cleanup(server.Close)
	go func() {
		_ = server.Serve(ctx)
	}()
	return f
}

type client struct {
	t    *testing.T
	conn net.Conn
	rd   *bufio.Reader
}

func (f *fixture) dial(t *testing.T) *client {
	t.Helper()
	conn, err := net.Dial("unix", f.path)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return &client{t: t, conn: conn, rd: bufio.NewReader(conn)}
}

func (c *client) send(line string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
}

// read returns the next response line as parsed JSON.
func (c *client) read() gjson.Result {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := c.rd.ReadBytes('\n')
	require.NoError(c.t, err)
	require.True(c.t, gjson.ValidBytes(line))
	return gjson.ParseBytes(line)
}

// readType skips responses until one of the wanted type arrives. Broadcasts
// make response interleaving nondeterministic for some tests.
func (c *client) readType(wanted string) gjson.Result {
	c.t.Helper()
	for i := 0; i < 16; i++ {
		resp := c.read()
		if resp.Get("type").Str == wanted {
			return resp
		}
	}
	c.t.Fatalf("never received a %s response", wanted)
	return gjson.Result{}
}

func TestIsAlive(t *testing.T) {
	f := startFixture(t)
	c := f.dial(t)
	c.send(`{"type":"is_alive","id":"r1"}`)
	resp := c.read()
	assert.Equal(t, "is_alive", resp.Get("type").Str)
	assert.Equal(t, "r1", resp.Get("id").Str)
}

func TestRegisterAndVerify(t *testing.T) {
	f := startFixture(t)
	c := f.dial(t)

	c.send(fmt.Sprintf(`{"type":"register","id":"r1","username":%q}`, unverifiedNumber))
	resp := c.read()
	assert.Equal(t, "registration_succeeded", resp.Get("type").Str)
	assert.Equal(t, unverifiedNumber, resp.Get("username").Str)

	c.send(fmt.Sprintf(`{"type":"verify","id":"r2","username":%q,"code":"123-456"}`, unverifiedNumber))
	resp = c.read()
	assert.Equal(t, "verification_succeeded", resp.Get("type").Str)

	f.accounts.mu.Lock()
	defer f.accounts.mu.Unlock()
	assert.Equal(t, []string{"123456"}, f.accounts.codes, "dashes must be stripped from the code")
}

func TestSendSucceeds(t *testing.T) {
	f := startFixture(t)
	c := f.dial(t)

	c.send(fmt.Sprintf(`{"type":"send","id":"r1","username":%q,"recipientAddress":{"number":%q},"messageBody":"hello"}`,
		verifiedNumber, recipientNumber))
	resp := c.read()
	assert.Equal(t, "send_results", resp.Get("type").Str)
	assert.Equal(t, "r1", resp.Get("id").Str)
	results := resp.Get("results").Array()
	require.Len(t, results, 1)
	assert.Equal(t, recipientNumber, results[0].Get("address.number").Str)
	assert.True(t, results[0].Get("success").Exists())

	f.messenger.mu.Lock()
	defer f.messenger.mu.Unlock()
	require.Len(t, f.messenger.recipients, 1)
	assert.Equal(t, recipientNumber, f.messenger.recipients[0].Number)
}

func TestSendRejectsUnverified(t *testing.T) {
	f := startFixture(t)
	c := f.dial(t)

	c.send(fmt.Sprintf(`{"type":"send","id":"r1","username":%q,"recipientAddress":{"number":%q},"messageBody":"hi"}`,
		unverifiedNumber, recipientNumber))
	resp := c.read()
	assert.Equal(t, "request_handling_error", resp.Get("type").Str)
	assert.Equal(t, unverifiedNumber+" is not registered", resp.Get("error").Str)
}

func TestSetExpiration(t *testing.T) {
	f := startFixture(t)
	c := f.dial(t)

	c.send(fmt.Sprintf(`{"type":"set_expiration","id":"r1","username":%q,"recipientAddress":{"number":%q},"expiresInSeconds":86400}`,
		verifiedNumber, recipientNumber))
	resp := c.read()
	assert.Equal(t, "set_expiration_succeeded", resp.Get("type").Str)

	f.messenger.result = &types.SendResult{Address: types.Address{Number: recipientNumber}, NetworkFailure: true}
	c.send(fmt.Sprintf(`{"type":"set_expiration","id":"r2","username":%q,"recipientAddress":{"number":%q},"expiresInSeconds":0}`,
		verifiedNumber, recipientNumber))
	resp = c.read()
	assert.Equal(t, "set_expiration_failed", resp.Get("type").Str)
	assert.Equal(t, "network_failure", resp.Get("resultType").Str)
}

func TestMalformedLineKeepsConnectionAlive(t *testing.T) {
	f := startFixture(t)
	c := f.dial(t)

	c.send(`this is not json`)
	resp := c.read()
	assert.Equal(t, "request_invalid", resp.Get("type").Str)
	assert.Equal(t, "this is not json", resp.Get("input").Str)

	c.send(`{"type":"warp_drive","id":"r1"}`)
	resp = c.read()
	assert.Equal(t, "request_invalid", resp.Get("type").Str)
	assert.Contains(t, resp.Get("error").Str, "unknown request type")

	c.send(`{"type":"is_alive","id":"r2"}`)
	resp = c.read()
	assert.Equal(t, "is_alive", resp.Get("type").Str)
}

func TestPanicIsContained(t *testing.T) {
	f := startFixture(t)
	f.messenger.panicMsg = "wire tripped"
	c := f.dial(t)

	c.send(fmt.Sprintf(`{"type":"send","id":"r1","username":%q,"recipientAddress":{"number":%q},"messageBody":"boom"}`,
		verifiedNumber, recipientNumber))
	resp := c.read()
	assert.Equal(t, "request_handling_error", resp.Get("type").Str)
	assert.Contains(t, resp.Get("error").Str, "wire tripped")

	c.send(`{"type":"is_alive","id":"r2"}`)
	resp = c.read()
	assert.Equal(t, "is_alive", resp.Get("type").Str)
}

func TestSubscribeLifecycle(t *testing.T) {
	f := startFixture(t)
	c := f.dial(t)

	c.send(fmt.Sprintf(`{"type":"subscribe","id":"r1","username":%q}`, verifiedNumber))
	resp := c.read()
	assert.Equal(t, "subscription_succeeded", resp.Get("type").Str)

	c.send(fmt.Sprintf(`{"type":"subscribe","id":"r2","username":%q}`, verifiedNumber))
	resp = c.read()
	assert.Equal(t, "subscription_failed", resp.Get("type").Str)
	assert.Contains(t, resp.Get("error").Str, "already subscribed")

	c.send(fmt.Sprintf(`{"type":"unsubscribe","id":"r3","username":%q}`, verifiedNumber))
	resp = c.read()
	assert.Equal(t, "unsubscribe_succeeded", resp.Get("type").Str)

	c.send(fmt.Sprintf(`{"type":"subscribe","id":"r4","username":%q}`, verifiedNumber))
	resp = c.read()
	assert.Equal(t, "subscription_succeeded", resp.Get("type").Str)
}

func TestSubscribeRejectsUnverified(t *testing.T) {
	f := startFixture(t)
	c := f.dial(t)

	c.send(fmt.Sprintf(`{"type":"subscribe","id":"r1","username":%q}`, unverifiedNumber))
	resp := c.read()
	assert.Equal(t, "subscription_failed", resp.Get("type").Str)

	c.send(fmt.Sprintf(`{"type":"unsubscribe","id":"r2","username":%q}`, unverifiedNumber))
	resp = c.read()
	assert.Equal(t, "unsubscribe_failure", resp.Get("type").Str)
}

func TestResubscribeAfterDisruption(t *testing.T) {
	f := startFixture(t)
	c := f.dial(t)

	c.send(fmt.Sprintf(`{"type":"subscribe","id":"r1","username":%q}`, verifiedNumber))
	resp := c.read()
	require.Equal(t, "subscription_succeeded", resp.Get("type").Str)

	f.receiver.disrupt(verifiedNumber, errors.New("websocket dropped"))

	resp = c.readType("subscription_disrupted")
	assert.Contains(t, resp.Get("error").Str, "websocket dropped")
	resp = c.readType("subscription_succeeded")
	assert.Equal(t, verifiedNumber, resp.Get("username").Str)
	assert.GreaterOrEqual(t, f.receiver.subscribeCount(verifiedNumber), 2)
}

func TestInboundEventsAreBroadcast(t *testing.T) {
	f := startFixture(t)
	listener := f.dial(t)
	subscriber := f.dial(t)

	subscriber.send(fmt.Sprintf(`{"type":"subscribe","id":"r1","username":%q}`, verifiedNumber))
	resp := subscriber.read()
	require.Equal(t, "subscription_succeeded", resp.Get("type").Str)

	relay := f.receiver.handler(verifiedNumber)
	require.NotNil(t, relay)
	relay(signalc.Cleartext{
		Account:   types.Address{Number: verifiedNumber},
		Sender:    types.Address{Number: recipientNumber},
		Body:      "hello there",
		Timestamp: 1700000000000,
	})
	relay(signalc.Dropped{
		Account:      types.Address{Number: verifiedNumber},
		Sender:       types.Address{Number: recipientNumber},
		EnvelopeType: types.EnvelopeKeyExchange,
	})

	// Both connections see the events, subscriber or not.
	for _, c := range []*client{listener, subscriber} {
		resp = c.readType("cleartext")
		assert.Equal(t, "hello there", resp.Get("body").Str)
		assert.Equal(t, recipientNumber, resp.Get("sender.number").Str)
		resp = c.readType("dropped")
		assert.Equal(t, int64(types.EnvelopeKeyExchange), resp.Get("envelopeType").Int())
	}
}

func TestTrustFlipsStoredFingerprint(t *testing.T) {
	ctx := context.Background()
	f := startFixture(t)

	// The trust path touches real identity rows, so back the verified
	// account with an actual database.
	db, err := dbutil.NewWithDialect("file:"+filepath.Join(t.TempDir(), "test.db")+"?_fk=on", "sqlite3")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	container := store.NewContainer(db, dbutil.NoopLogger)
	require.NoError(t, container.Upgrade(ctx))
	acct, err := container.FindOrCreateAccount(ctx, verifiedNumber, func() (*store.AccountData, error) {
		return &store.AccountData{Password: "pw", ProfileKey: make([]byte, 32), IdentityKeyPair: []byte("identity material"), DeviceID: 1, RegistrationID: 1}, nil
	})
	require.NoError(t, err)
	require.NoError(t, container.MarkVerified(ctx, acct, uuid.New()))
	f.accounts.seed(acct)

	recipient := types.Address{Number: recipientNumber}
	fingerprint := []byte("rotated identity key")
	require.NoError(t, acct.Identities.SaveFingerprint(ctx, recipient, fingerprint))

	c := f.dial(t)
	c.send(fmt.Sprintf(`{"type":"trust","id":"r1","username":%q,"fingerprint":%q}`,
		verifiedNumber, base64.StdEncoding.EncodeToString(fingerprint)))
	resp := c.read()
	assert.Equal(t, "trusted_fingerprint", resp.Get("type").Str)

	_, level, err := acct.Identities.LoadFingerprint(ctx, recipient)
	require.NoError(t, err)
	assert.Equal(t, store.TrustLevelTrusted, level)
}

func TestAbort(t *testing.T) {
	f := startFixture(t)
	c := f.dial(t)

	c.send(`{"type":"abort","id":"r1"}`)
	resp := c.read()
	assert.Equal(t, "abort_warning", resp.Get("type").Str)
	select {
	case <-f.aborted:
	case <-time.After(5 * time.Second):
		t.Fatal("abort never reached the daemon")
	}
}

func TestCloseEndsConnection(t *testing.T) {
	f := startFixture(t)
	c := f.dial(t)

	c.send(`{"type":"close"}`)
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := c.rd.ReadBytes('\n')
	assert.Error(t, err, "server should close the connection without a response")
}
