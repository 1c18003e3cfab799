package web

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/team-friendo/signalc/pkg/signalc/types"
)

// ErrAuthorizationFailed is returned when the service rejects the supplied
// credentials or verification code.
var ErrAuthorizationFailed = errors.New("authorization failed")

// ServiceError is a non-2xx response from the service.
type ServiceError struct {
	Status int
	Path   string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("service returned %d for %s", e.Status, e.Path)
}

// BasicCreds authenticate one account to the service.
type BasicCreds struct {
	Username string
	Password string
}

// Client speaks the service's REST API: registration, verification, prekey
// publication and attachment download. The websocket message pipe lives in
// MessagePipe; everything here is plain request/response.
type Client struct {
	ServiceURL string
	CDNURL     string
	Agent      string
	HTTP       *http.Client
	Log        zerolog.Logger
}

func NewClient(serviceURL, cdnURL, agent string, log zerolog.Logger) *Client {
	return &Client{
		ServiceURL: serviceURL,
		CDNURL:     cdnURL,
		Agent:      agent,
		HTTP:       &http.Client{Timeout: 2 * time.Minute},
		Log:        log.With().Str("component", "web").Logger(),
	}
}

func (c *Client) do(ctx context.Context, method, path string, creds *BasicCreds, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.ServiceURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signal-Agent", c.Agent)
	if creds != nil {
		req.SetBasicAuth(creds.Username, creds.Password)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s %s", ErrAuthorizationFailed, method, path)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return &ServiceError{Status: resp.StatusCode, Path: path}
	}
	if out != nil {
		if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response for %s: %w", path, err)
		}
	}
	return nil
}

// RequestSMSCode asks the service to text a verification code to the number
// being registered.
func (c *Client) RequestSMSCode(ctx context.Context, number string, creds BasicCreds, captcha string) error {
	path := fmt.Sprintf("/v1/accounts/sms/code/%s", url.PathEscape(number))
	if captcha != "" {
		path += "?captcha=" + url.QueryEscape(captcha)
	}
	return c.do(ctx, http.MethodGet, path, &creds, nil, nil)
}

type verifyRequest struct {
	SignalingKey    string `json:"signalingKey"`
	RegistrationID  int    `json:"registrationId"`
	FetchesMessages bool   `json:"fetchesMessages"`
}

type verifyResponse struct {
	UUID uuid.UUID `json:"uuid"`
}

// VerifyCode confirms a registration with the texted code and returns the
// service-assigned account identifier.
func (c *Client) VerifyCode(ctx context.Context, creds BasicCreds, code, signalingKey string, registrationID int) (uuid.UUID, error) {
	var resp verifyResponse
	err := c.do(ctx, http.MethodPut, "/v1/accounts/code/"+url.PathEscape(code), &creds, &verifyRequest{
		SignalingKey:    signalingKey,
		RegistrationID:  registrationID,
		FetchesMessages: true,
	}, &resp)
	if err != nil {
		return uuid.Nil, err
	}
	return resp.UUID, nil
}

// WirePreKey is a prekey as it travels in REST bodies: public material only,
// base64-encoded.
type WirePreKey struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature,omitempty"`
}

func (k *WirePreKey) PublicKeyBytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(k.PublicKey)
}

func (k *WirePreKey) SignatureBytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(k.Signature)
}

type registerPreKeysRequest struct {
	IdentityKey  string       `json:"identityKey"`
	PreKeys      []WirePreKey `json:"preKeys"`
	SignedPreKey *WirePreKey  `json:"signedPreKey,omitempty"`
}

// RegisterPreKeys publishes a batch of one-time prekeys, and optionally a
// fresh signed prekey, under the account's identity key.
func (c *Client) RegisterPreKeys(ctx context.Context, creds BasicCreds, identityKey []byte, preKeys []types.PreKey, signedPreKey *types.SignedPreKey) error {
	req := registerPreKeysRequest{
		IdentityKey: base64.StdEncoding.EncodeToString(identityKey),
		PreKeys:     make([]WirePreKey, len(preKeys)),
	}
	for i, pk := range preKeys {
		req.PreKeys[i] = WirePreKey{KeyID: pk.ID, PublicKey: base64.StdEncoding.EncodeToString(pk.PublicKey)}
	}
	if signedPreKey != nil {
		req.SignedPreKey = &WirePreKey{
			KeyID:     signedPreKey.ID,
			PublicKey: base64.StdEncoding.EncodeToString(signedPreKey.PublicKey),
			Signature: base64.StdEncoding.EncodeToString(signedPreKey.Signature),
		}
	}
	return c.do(ctx, http.MethodPut, "/v2/keys", &creds, &req, nil)
}

type preKeyCountResponse struct {
	Count int `json:"count"`
}

// PreKeyCount reports how many one-time prekeys the service still holds for
// this account.
func (c *Client) PreKeyCount(ctx context.Context, creds BasicCreds) (int, error) {
	var resp preKeyCountResponse
	err := c.do(ctx, http.MethodGet, "/v2/keys", &creds, nil, &resp)
	return resp.Count, err
}

// PreKeyBundleDevice is one device's session-establishment material.
type PreKeyBundleDevice struct {
	DeviceID       int         `json:"deviceId"`
	RegistrationID int         `json:"registrationId"`
	PreKey         *WirePreKey `json:"preKey"`
	SignedPreKey   *WirePreKey `json:"signedPreKey"`
}

// PreKeyBundle is the service's response to a prekey lookup for one
// destination: its identity key and per-device establishment material.
type PreKeyBundle struct {
	IdentityKey string               `json:"identityKey"`
	Devices     []PreKeyBundleDevice `json:"devices"`
}

// GetPreKeyBundle fetches session-establishment material for every device of
// a destination.
func (c *Client) GetPreKeyBundle(ctx context.Context, creds BasicCreds, destination string) (*PreKeyBundle, error) {
	var bundle PreKeyBundle
	err := c.do(ctx, http.MethodGet, "/v2/keys/"+url.PathEscape(destination)+"/*", &creds, nil, &bundle)
	if err != nil {
		return nil, err
	}
	return &bundle, nil
}

type outgoingMessageList struct {
	Destination string            `json:"destination"`
	Timestamp   int64             `json:"timestamp"`
	Messages    []json.RawMessage `json:"messages"`
	Online      bool              `json:"online"`
}

// SendMessage delivers a ciphertext to every device of the destination.
func (c *Client) SendMessage(ctx context.Context, creds BasicCreds, destination string, timestamp int64, messages []json.RawMessage) error {
	body := outgoingMessageList{
		Destination: destination,
		Timestamp:   timestamp,
		Messages:    messages,
	}
	return c.do(ctx, http.MethodPut, "/v1/messages/"+url.PathEscape(destination), &creds, &body, nil)
}

type attachmentAllocation struct {
	ID       uint64 `json:"id"`
	IDString string `json:"idString"`
	Location string `json:"location"`
}

// AllocateAttachment asks the service for an upload slot and returns the
// attachment id plus the CDN location to upload to.
func (c *Client) AllocateAttachment(ctx context.Context, creds BasicCreds) (string, string, error) {
	var alloc attachmentAllocation
	if err := c.do(ctx, http.MethodGet, "/v1/attachments", &creds, nil, &alloc); err != nil {
		return "", "", err
	}
	id := alloc.IDString
	if id == "" {
		id = fmt.Sprintf("%d", alloc.ID)
	}
	return id, alloc.Location, nil
}

// UploadAttachment puts an attachment blob at a previously allocated CDN
// location.
func (c *Client) UploadAttachment(ctx context.Context, location string, body io.Reader, size int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, location, body)
	if err != nil {
		return err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ServiceError{Status: resp.StatusCode, Path: "attachment upload"}
	}
	return nil
}

// GetAttachment streams an encrypted attachment off the CDN. The caller owns
// the returned body and is responsible for size enforcement and decryption.
func (c *Client) GetAttachment(ctx context.Context, id string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.CDNURL+"/attachments/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, &ServiceError{Status: resp.StatusCode, Path: "/attachments/" + id}
	}
	return resp.Body, nil
}
