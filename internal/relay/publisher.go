package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"zapper.app/zapper/common/logger"
	"zapper.app/zapper/internal/nostr"
)

const readLimit = 1 << 20

// Publisher sends one signed event to one relay. Implementations make a
// single attempt and always return a terminal Outcome.
type Publisher interface {
	Publish(ctx context.Context, ev nostr.Event, url string) Outcome
}

// WebsocketPublisher speaks the relay protocol directly: it sends
// ["EVENT", ev] and settles on the first ["OK", id, ok, message] for that id.
type WebsocketPublisher struct {
	timeout time.Duration
}

var _ Publisher = (*WebsocketPublisher)(nil)

// DefaultPublishTimeout bounds a publish when no positive timeout is given.
const DefaultPublishTimeout = 10 * time.Second

// NewWebsocketPublisher bounds connect and publish together by timeout.
// Every publish has a deadline; timeout <= 0 means DefaultPublishTimeout.
func NewWebsocketPublisher(timeout time.Duration) *WebsocketPublisher {
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}
	return &WebsocketPublisher{timeout: timeout}
}

func (p *WebsocketPublisher) Timeout() time.Duration {
	return p.timeout
}

func (p *WebsocketPublisher) Publish(ctx context.Context, ev nostr.Event, url string) Outcome {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Relay:     logger.Ptr(url),
		Component: "zapper.relay.publisher",
	})

	sc := logger.StartSpan(ctx, "relay.publish",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("relay.url", url), attribute.String("nostr.event_id", ev.ID)))
	defer sc.End()
	ctx = sc.Context()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	outcome := p.publish(ctx, ev, url)
	sc.SetAttributes(attribute.String("relay.outcome", string(outcome.Status)))

	switch outcome.Status {
	case StatusAccepted:
		slog.InfoContext(ctx, "relay accepted event")
	case StatusSeen:
		slog.InfoContext(ctx, "relay had already seen event")
	default:
		sc.RecordError(outcome.Err)
		slog.WarnContext(ctx, "failed to publish to relay", "error", outcome.Err)
	}

	return outcome
}

func (p *WebsocketPublisher) publish(ctx context.Context, ev nostr.Event, url string) Outcome {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return failed(url, connectionError(ctx, url, "connect", err))
	}
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)

	slog.DebugContext(ctx, "connected to relay")

	frame, err := json.Marshal([]any{"EVENT", ev})
	if err != nil {
		return failed(url, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return failed(url, connectionError(ctx, url, "send", err))
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return failed(url, connectionError(ctx, url, "await ok", err))
		}

		if outcome, done := p.handleFrame(ctx, ev.ID, url, data); done {
			return outcome
		}
	}
}

// handleFrame interprets one relay frame. Frames that are not an OK for
// this event are logged or ignored, and reading continues.
func (p *WebsocketPublisher) handleFrame(ctx context.Context, eventID, url string, data []byte) (Outcome, bool) {
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil || len(frame) == 0 {
		slog.DebugContext(ctx, "ignoring malformed relay frame", "frame", logger.Truncate(string(data), 200))
		return Outcome{}, false
	}

	var label string
	if err := json.Unmarshal(frame[0], &label); err != nil {
		return Outcome{}, false
	}

	switch label {
	case "OK":
		ok, reason, matches := parseOK(frame, eventID)
		if !matches {
			return Outcome{}, false
		}
		if !ok {
			return failed(url, &RejectedError{Relay: url, Reason: reason}), true
		}
		if strings.HasPrefix(reason, "duplicate:") {
			return seen(url), true
		}
		return accepted(url), true
	case "NOTICE":
		var notice string
		if len(frame) > 1 {
			_ = json.Unmarshal(frame[1], &notice)
		}
		slog.DebugContext(ctx, "relay notice", "notice", logger.Truncate(notice, 200))
	}

	return Outcome{}, false
}

func parseOK(frame []json.RawMessage, eventID string) (ok bool, reason string, matches bool) {
	if len(frame) < 3 {
		return false, "", false
	}
	var id string
	if err := json.Unmarshal(frame[1], &id); err != nil || id != eventID {
		return false, "", false
	}
	if err := json.Unmarshal(frame[2], &ok); err != nil {
		return false, "", false
	}
	if len(frame) > 3 {
		_ = json.Unmarshal(frame[3], &reason)
	}
	return ok, reason, true
}

func connectionError(ctx context.Context, url, op string, err error) *ConnectionError {
	return &ConnectionError{
		Relay:   url,
		Op:      op,
		Err:     err,
		timeout: errors.Is(ctx.Err(), context.DeadlineExceeded),
	}
}
