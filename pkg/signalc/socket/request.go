package socket

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/team-friendo/signalc/pkg/signalc/types"
)

// Request is one parsed command off the socket.
type Request interface {
	RequestID() string
}

type BaseRequest struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (r BaseRequest) RequestID() string {
	return r.ID
}

type RegisterRequest struct {
	BaseRequest
	Username string `json:"username"`
	Captcha  string `json:"captcha,omitempty"`
}

type VerifyRequest struct {
	BaseRequest
	Username string `json:"username"`
	Code     string `json:"code"`
}

type SendRequest struct {
	BaseRequest
	Username         string                     `json:"username"`
	RecipientAddress types.Address              `json:"recipientAddress"`
	MessageBody      string                     `json:"messageBody"`
	Attachments      []types.OutboundAttachment `json:"attachments,omitempty"`
	ExpiresInSeconds uint32                     `json:"expiresInSeconds,omitempty"`
}

type SetExpirationRequest struct {
	BaseRequest
	Username         string        `json:"username"`
	RecipientAddress types.Address `json:"recipientAddress"`
	ExpiresInSeconds uint32        `json:"expiresInSeconds"`
}

type SubscribeRequest struct {
	BaseRequest
	Username string `json:"username"`
}

type UnsubscribeRequest struct {
	BaseRequest
	Username string `json:"username"`
}

type TrustRequest struct {
	BaseRequest
	Username string `json:"username"`
	// Fingerprint is the peer identity key, base64-encoded.
	Fingerprint string `json:"fingerprint"`
}

type IsAliveRequest struct {
	BaseRequest
}

type AbortRequest struct {
	BaseRequest
}

// CloseRequest terminates the connection it arrives on. It carries no id and
// produces no response.
type CloseRequest struct {
	BaseRequest
}

// ErrUnknownRequestType is wrapped into the parse error for a request whose
// type field names no known command.
var ErrUnknownRequestType = errors.New("unknown request type")

// ParseRequest decodes one newline-framed command. The type field is peeked
// first so the rest of the line can be unmarshalled into the right shape.
func ParseRequest(line []byte) (Request, error) {
	if !gjson.ValidBytes(line) {
		return nil, errors.New("request is not valid JSON")
	}
	reqType := gjson.GetBytes(line, "type").Str
	var req Request
	switch reqType {
	case "register":
		req = &RegisterRequest{}
	case "verify":
		req = &VerifyRequest{}
	case "send":
		req = &SendRequest{}
	case "set_expiration":
		req = &SetExpirationRequest{}
	case "subscribe":
		req = &SubscribeRequest{}
	case "unsubscribe":
		req = &UnsubscribeRequest{}
	case "trust":
		req = &TrustRequest{}
	case "is_alive":
		req = &IsAliveRequest{}
	case "abort":
		req = &AbortRequest{}
	case "close":
		req = &CloseRequest{}
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownRequestType, reqType)
	}
	if err := json.Unmarshal(line, req); err != nil {
		return nil, fmt.Errorf("failed to decode %s request: %w", reqType, err)
	}
	return req, nil
}
