package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"zapper.app/zapper/common/logger"
	"zapper.app/zapper/internal/domain"
)

type ConsumerConfig struct {
	Stream    string        // Redis stream carrying settled invoices
	Group     string        // Redis consumer group name
	Consumer  string        // Redis consumer name
	BatchSize int64         // Number of messages to read per call
	Block     time.Duration // How long to block/poll for new messages
}

// Message is one invoice notification read from the stream.
type Message struct {
	ID      string
	Invoice domain.Invoice
	Raw     redis.XMessage
}

// StreamSource reads invoice notifications published to a Redis stream by
// another service, as an alternative to subscribing to lnd directly.
type StreamSource struct {
	client *redis.Client
	cfg    ConsumerConfig
}

func NewStreamSource(ctx context.Context, client *redis.Client, cfg ConsumerConfig) (*StreamSource, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}

	source := &StreamSource{client: client, cfg: cfg}
	if err := source.ensureGroup(ctx); err != nil {
		return nil, err
	}
	return source, nil
}

func (s *StreamSource) ensureGroup(ctx context.Context) error {
	// Starting from "0" means a recreated group sees everything still in the stream.
	if err := s.client.XGroupCreateMkStream(ctx, s.cfg.Stream, s.cfg.Group, "0").Err(); err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating consumer group: %w", err)
	}
	return nil
}

func (s *StreamSource) Read(ctx context.Context) ([]Message, error) {
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.cfg.Group,
		Consumer: s.cfg.Consumer,
		Streams:  []string{s.cfg.Stream, ">"},
		Count:    s.cfg.BatchSize,
		Block:    s.cfg.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []Message{}, nil
		}
		return nil, fmt.Errorf("reading from stream: %w", err)
	}

	var messages []Message
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			invoice, parseErr := ParseMessage(msg)
			if parseErr != nil {
				slog.ErrorContext(ctx, "failed to parse invoice message",
					"error", parseErr,
					"raw_message_id", msg.ID,
					"stream", s.cfg.Stream)
				_ = s.Ack(ctx, msg.ID)
				continue
			}
			messages = append(messages, Message{ID: msg.ID, Invoice: invoice, Raw: msg})
		}
	}

	if len(messages) > 0 {
		slog.DebugContext(ctx, "read invoices from stream",
			"count", len(messages),
			"stream", s.cfg.Stream,
			"consumer", s.cfg.Consumer)
	}

	return messages, nil
}

func (s *StreamSource) Ack(ctx context.Context, id string) error {
	if err := s.client.XAck(ctx, s.cfg.Stream, s.cfg.Group, id).Err(); err != nil {
		return fmt.Errorf("xack (stream=%s): %w", s.cfg.Stream, err)
	}
	return nil
}

// Subscribe delivers invoices until ctx is done or a read fails. Each
// message is acknowledged once handed over; processing is never retried
// through the stream.
func (s *StreamSource) Subscribe(ctx context.Context) (<-chan domain.Invoice, <-chan error) {
	invoices := make(chan domain.Invoice)
	errs := make(chan error, 1)

	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "zapper.queue.stream"})

	go func() {
		defer close(invoices)

		for {
			messages, err := s.Read(ctx)
			if err != nil {
				if ctx.Err() == nil {
					errs <- err
				}
				return
			}

			for _, msg := range messages {
				select {
				case invoices <- msg.Invoice:
				case <-ctx.Done():
					return
				}
				if err := s.Ack(ctx, msg.ID); err != nil {
					msgCtx := logger.WithLogFields(ctx, logger.LogFields{MessageID: logger.Ptr(msg.ID)})
					slog.WarnContext(msgCtx, "failed to ack invoice message", "error", err)
				}
			}
		}
	}()

	return invoices, errs
}

// ParseMessage reads an invoice from stream fields:
//
//	id | payment_hash   hex payment hash (required)
//	is_confirmed       "true"/"1" (or state=settled)
//	confirmed_at       unix seconds or RFC 3339
//	secret | preimage  hex preimage
//	request            bolt11 payment request
func ParseMessage(msg redis.XMessage) (domain.Invoice, error) {
	id := firstString(msg.Values, "id", "payment_hash")
	if id == "" {
		return domain.Invoice{}, fmt.Errorf("missing id")
	}

	confirmed, err := parseConfirmed(msg.Values)
	if err != nil {
		return domain.Invoice{}, err
	}

	inv := domain.Invoice{
		ID:             id,
		Confirmed:      confirmed,
		Preimage:       firstString(msg.Values, "secret", "preimage"),
		PaymentRequest: firstString(msg.Values, "request", "payment_request"),
	}

	if raw := firstString(msg.Values, "confirmed_at"); raw != "" {
		at, err := parseTime(raw)
		if err != nil {
			return domain.Invoice{}, fmt.Errorf("parsing confirmed_at: %w", err)
		}
		inv.ConfirmedAt = at
	}

	if inv.Confirmed && (inv.Preimage == "" || inv.PaymentRequest == "" || inv.ConfirmedAt.IsZero()) {
		return domain.Invoice{}, fmt.Errorf("confirmed invoice %s missing secret, request or confirmed_at", id)
	}

	return inv, nil
}

func parseConfirmed(values map[string]any) (bool, error) {
	if raw := firstString(values, "is_confirmed"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return false, fmt.Errorf("parsing is_confirmed: %w", err)
		}
		return b, nil
	}
	return strings.EqualFold(firstString(values, "state"), "settled"), nil
}

func parseTime(raw string) (time.Time, error) {
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0), nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}

func firstString(values map[string]any, keys ...string) string {
	for _, key := range keys {
		if raw, ok := values[key]; ok {
			if s := strings.TrimSpace(fmt.Sprint(raw)); s != "" {
				return s
			}
		}
	}
	return ""
}
