package socket

import (
	"encoding/json"

	"github.com/team-friendo/signalc/pkg/signalc/types"
)

// Responses and events are plain structs marshalled one-per-line. The Type
// field discriminates; every request-scoped response echoes the request id.

type AccountResponse struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	Username string `json:"username"`
}

type ErrorResponse struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	Error    string `json:"error"`
}

func RegistrationSucceeded(id, username string) AccountResponse {
	return AccountResponse{Type: "registration_succeeded", ID: id, Username: username}
}

func RegistrationError(id, username string, err error) ErrorResponse {
	return ErrorResponse{Type: "registration_error", ID: id, Username: username, Error: err.Error()}
}

func VerificationSucceeded(id, username string) AccountResponse {
	return AccountResponse{Type: "verification_succeeded", ID: id, Username: username}
}

func VerificationError(id, username string, err error) ErrorResponse {
	return ErrorResponse{Type: "verification_error", ID: id, Username: username, Error: err.Error()}
}

func SubscriptionSucceeded(id, username string) AccountResponse {
	return AccountResponse{Type: "subscription_succeeded", ID: id, Username: username}
}

func SubscriptionFailed(id, username string, err error) ErrorResponse {
	return ErrorResponse{Type: "subscription_failed", ID: id, Username: username, Error: err.Error()}
}

func SubscriptionDisrupted(id, username string, err error) ErrorResponse {
	return ErrorResponse{Type: "subscription_disrupted", ID: id, Username: username, Error: err.Error()}
}

func UnsubscribeSucceeded(id, username string) AccountResponse {
	return AccountResponse{Type: "unsubscribe_succeeded", ID: id, Username: username}
}

func UnsubscribeFailure(id, username string, err error) ErrorResponse {
	return ErrorResponse{Type: "unsubscribe_failure", ID: id, Username: username, Error: err.Error()}
}

func TrustedFingerprint(id, username string) AccountResponse {
	return AccountResponse{Type: "trusted_fingerprint", ID: id, Username: username}
}

type SendResultsResponse struct {
	Type    string             `json:"type"`
	ID      string             `json:"id"`
	Results []types.SendResult `json:"results"`
}

func SendResults(id string, results []types.SendResult) SendResultsResponse {
	return SendResultsResponse{Type: "send_results", ID: id, Results: results}
}

type SetExpirationResponse struct {
	Type             string        `json:"type"`
	ID               string        `json:"id"`
	Username         string        `json:"username"`
	RecipientAddress types.Address `json:"recipientAddress"`
	ResultType       string        `json:"resultType,omitempty"`
}

func SetExpirationSucceeded(id, username string, recipient types.Address) SetExpirationResponse {
	return SetExpirationResponse{Type: "set_expiration_succeeded", ID: id, Username: username, RecipientAddress: recipient}
}

func SetExpirationFailed(id, username string, recipient types.Address, resultType types.SendResultType) SetExpirationResponse {
	return SetExpirationResponse{
		Type:             "set_expiration_failed",
		ID:               id,
		Username:         username,
		RecipientAddress: recipient,
		ResultType:       resultType.String(),
	}
}

type IsAliveResponse struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func IsAlive(id string) IsAliveResponse {
	return IsAliveResponse{Type: "is_alive", ID: id}
}

type AbortWarningResponse struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func AbortWarning(id string) AbortWarningResponse {
	return AbortWarningResponse{Type: "abort_warning", ID: id}
}

type RequestInvalidResponse struct {
	Type  string `json:"type"`
	Error string `json:"error"`
	Input string `json:"input"`
}

func RequestInvalid(err error, input string) RequestInvalidResponse {
	return RequestInvalidResponse{Type: "request_invalid", Error: err.Error(), Input: input}
}

type RequestHandlingErrorResponse struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Error   string          `json:"error"`
	Request json.RawMessage `json:"request,omitempty"`
}

func RequestHandlingError(id string, err error, request json.RawMessage) RequestHandlingErrorResponse {
	return RequestHandlingErrorResponse{Type: "request_handling_error", ID: id, Error: err.Error(), Request: request}
}

// Unsolicited events, pushed to every live connection.

type CleartextResponse struct {
	Type             string              `json:"type"`
	Account          types.Address       `json:"account"`
	Sender           types.Address       `json:"sender"`
	Body             string              `json:"body"`
	Attachments      []*types.Attachment `json:"attachments,omitempty"`
	ExpiresInSeconds uint32              `json:"expiresInSeconds,omitempty"`
	Timestamp        int64               `json:"timestamp"`
}

type DecryptionErrorResponse struct {
	Type    string        `json:"type"`
	Account types.Address `json:"account"`
	Sender  types.Address `json:"sender"`
	Error   string        `json:"error"`
}

type InboundIdentityFailureResponse struct {
	Type    string        `json:"type"`
	Account types.Address `json:"account"`
	Sender  types.Address `json:"sender"`
}

type DroppedResponse struct {
	Type         string        `json:"type"`
	Account      types.Address `json:"account"`
	Sender       types.Address `json:"sender"`
	EnvelopeType int           `json:"envelopeType"`
}

type EmptyResponse struct {
	Type    string        `json:"type"`
	Account types.Address `json:"account"`
}

type MessageHandlingErrorResponse struct {
	Type    string        `json:"type"`
	Account types.Address `json:"account"`
	Error   string        `json:"error"`
}
