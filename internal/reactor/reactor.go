package reactor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"zapper.app/zapper/common/id"
	"zapper.app/zapper/common/logger"
	"zapper.app/zapper/internal/domain"
	"zapper.app/zapper/internal/nostr"
	"zapper.app/zapper/internal/relay"
	"zapper.app/zapper/internal/store"
	"zapper.app/zapper/internal/zap"
)

// Stage names the last pipeline step an invoice reached.
type Stage string

const (
	StageSkipped   Stage = "skipped"
	StageLookup    Stage = "lookup"
	StageValidate  Stage = "validate"
	StageSign      Stage = "sign"
	StageBroadcast Stage = "broadcast"
)

// Broadcaster publishes a signed event to a set of relays.
type Broadcaster interface {
	PublishAll(ctx context.Context, ev nostr.Event, urls []string) relay.BroadcastResult
}

// Result describes how one invoice was handled. Err is set when the stage
// failed; a broadcast failure still carries every relay outcome.
type Result struct {
	Stage     Stage
	EventID   string
	Relays    []string
	Receipt   nostr.Event
	Broadcast relay.BroadcastResult
	Err       error
}

// Reactor turns confirmed invoices into published zap receipts.
type Reactor struct {
	requests    store.RequestStore
	key         *nostr.SecretKey
	broadcaster Broadcaster
}

func New(requests store.RequestStore, key *nostr.SecretKey, broadcaster Broadcaster) (*Reactor, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: no signing key configured", nostr.ErrSigning)
	}
	return &Reactor{requests: requests, key: key, broadcaster: broadcaster}, nil
}

// OnInvoiceConfirmed runs the receipt pipeline for one invoice. Failures are
// logged and returned in the Result; they never panic or escape as errors,
// so one bad invoice cannot stop the ones after it.
func (r *Reactor) OnInvoiceConfirmed(ctx context.Context, invoice domain.Invoice) Result {
	if !invoice.Confirmed {
		return Result{Stage: StageSkipped}
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		PaymentHash: logger.Ptr(invoice.ID),
		DeliveryID:  logger.Ptr(id.New()),
		Component:   "zapper.reactor",
	})

	sc := logger.StartSpan(ctx, "reactor.process_invoice")
	defer sc.End()
	ctx = sc.Context()

	res := r.process(ctx, invoice)
	sc.SetAttributes(attribute.String("zap.stage", string(res.Stage)))

	if res.Err != nil {
		sc.RecordError(res.Err)
		r.logFailure(ctx, res)
		return res
	}

	slog.InfoContext(ctx, "zap receipt published",
		"event_id", res.EventID,
		"accepted", res.Broadcast.Accepted(),
		"relays", res.Relays)
	return res
}

func (r *Reactor) process(ctx context.Context, invoice domain.Invoice) Result {
	raw, err := r.requests.Get(ctx, invoice.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = zap.ErrMissingRequest
		}
		return Result{Stage: StageLookup, Err: err}
	}

	req, err := zap.ValidateRequest(raw)
	if err != nil {
		return Result{Stage: StageValidate, Err: err}
	}

	receipt := zap.BuildReceipt(req, invoice, r.key.PublicKey())
	if err := receipt.Sign(r.key); err != nil {
		return Result{Stage: StageSign, Relays: req.Relays, Err: err}
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{EventID: logger.Ptr(receipt.ID)})
	slog.InfoContext(ctx, "sending zap receipt",
		"event_id", receipt.ID,
		"relays", req.Relays)

	broadcast := r.broadcaster.PublishAll(ctx, receipt, req.Relays)

	return Result{
		Stage:     StageBroadcast,
		EventID:   receipt.ID,
		Relays:    req.Relays,
		Receipt:   receipt,
		Broadcast: broadcast,
		Err:       broadcast.Err(),
	}
}

func (r *Reactor) logFailure(ctx context.Context, res Result) {
	switch {
	case errors.Is(res.Err, zap.ErrMissingRequest):
		// Most invoices are not zaps.
		slog.DebugContext(ctx, "no zap request for invoice")
	case res.Stage == StageValidate:
		slog.WarnContext(ctx, "invalid zap request", "error", res.Err)
	case res.Stage == StageBroadcast:
		slog.ErrorContext(ctx, "zap receipt broadcast failed",
			"error", res.Err,
			"event_id", res.EventID,
			"accepted", res.Broadcast.Accepted(),
			"relays", res.Relays)
	default:
		slog.ErrorContext(ctx, "zap receipt processing failed",
			"error", res.Err,
			"stage", res.Stage)
	}
}
