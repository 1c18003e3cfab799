package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/team-friendo/signalc/pkg/signalc/types"
)

const (
	// WebsocketPath is where the service serves the authenticated message
	// stream.
	WebsocketPath = "/v1/websocket/"
	// MessagePath tags frames carrying an inbound envelope.
	MessagePath = "/api/v1/message"
	// QueueEmptyPath tags the frame the service sends once the offline
	// queue has been drained.
	QueueEmptyPath = "/api/v1/queue/empty"

	maxFrameSize = 512 * 1024
)

// ErrReadTimeout marks a pipe read that saw no traffic for the configured
// window. It is the pipe's heartbeat, not a failure: callers loop on it.
var ErrReadTimeout = errors.New("message pipe read timed out")

// pipeFrame is one websocket message in either direction: a request from the
// service (verb/path/body) or our acknowledgement of it (status).
type pipeFrame struct {
	ID     int64           `json:"id"`
	Verb   string          `json:"verb,omitempty"`
	Path   string          `json:"path,omitempty"`
	Body   json.RawMessage `json:"body,omitempty"`
	Status int             `json:"status,omitempty"`
}

// MessagePipe is the long-lived receive channel for one verified account.
// A pipe belongs to exactly one subscription; Read is not safe for use from
// multiple goroutines.
type MessagePipe struct {
	conn        *websocket.Conn
	readTimeout time.Duration
	log         zerolog.Logger

	writeLock sync.Mutex
	closeOnce sync.Once
}

// DialMessagePipe opens the authenticated websocket for one account.
func DialMessagePipe(ctx context.Context, wsURL string, creds BasicCreds, agent string, readTimeout time.Duration, log zerolog.Logger) (*MessagePipe, error) {
	header := http.Header{}
	header.Set("X-Signal-Agent", agent)
	req := &http.Request{Header: header}
	req.SetBasicAuth(creds.Username, creds.Password)

	conn, resp, err := websocket.Dial(ctx, wsURL+WebsocketPath, &websocket.DialOptions{
		HTTPHeader: req.Header,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, ErrAuthorizationFailed
		}
		return nil, err
	}
	conn.SetReadLimit(maxFrameSize)
	return &MessagePipe{
		conn:        conn,
		readTimeout: readTimeout,
		log:         log.With().Str("component", "message_pipe").Logger(),
	}, nil
}

// Read blocks until the next inbound envelope, the read timeout
// (ErrReadTimeout), or a transport failure. Non-envelope frames (queue-empty
// markers, unrecognized paths) are acknowledged and skipped internally.
func (p *MessagePipe) Read(ctx context.Context) (*types.Envelope, error) {
	for {
		readCtx, cancel := context.WithTimeout(ctx, p.readTimeout)
		_, data, err := p.conn.Read(readCtx)
		cancel()
		if err != nil {
			if errors.Is(readCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, ErrReadTimeout
			}
			return nil, err
		}
		var frame pipeFrame
		if err = json.Unmarshal(data, &frame); err != nil {
			p.log.Warn().Err(err).Msg("Dropping unparseable frame from message pipe")
			continue
		}
		if frame.Verb != http.MethodPut {
			p.ack(ctx, frame.ID, http.StatusBadRequest)
			continue
		}
		switch frame.Path {
		case MessagePath:
			var envelope types.Envelope
			if err = json.Unmarshal(frame.Body, &envelope); err != nil {
				p.log.Warn().Err(err).Msg("Dropping frame with unparseable envelope")
				p.ack(ctx, frame.ID, http.StatusBadRequest)
				continue
			}
			p.ack(ctx, frame.ID, http.StatusOK)
			return &envelope, nil
		case QueueEmptyPath:
			p.ack(ctx, frame.ID, http.StatusOK)
		default:
			p.log.Debug().Str("path", frame.Path).Msg("Acking frame for unhandled path")
			p.ack(ctx, frame.ID, http.StatusBadRequest)
		}
	}
}

func (p *MessagePipe) ack(ctx context.Context, id int64, status int) {
	data, err := json.Marshal(&pipeFrame{ID: id, Status: status})
	if err != nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	p.writeLock.Lock()
	defer p.writeLock.Unlock()
	if err = p.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		p.log.Warn().Err(err).Int64("frame_id", id).Msg("Failed to ack frame")
	}
}

// Shutdown closes the underlying websocket. Safe to call more than once and
// concurrently with a blocked Read, which will return a transport error.
func (p *MessagePipe) Shutdown() {
	p.closeOnce.Do(func() {
		_ = p.conn.Close(websocket.StatusNormalClosure, "unsubscribed")
	})
}
