package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"zapper.app/zapper/common/logger"
	"zapper.app/zapper/internal/domain"
)

type Config struct {
	// ResubscribeDelay is how long to wait before subscribing again after
	// the invoice stream breaks.
	ResubscribeDelay time.Duration
}

// Worker feeds every invoice from a source to the handler. Each invoice is
// handled in its own goroutine, so a slow relay never holds up the next one.
type Worker struct {
	source  InvoiceSource
	handler InvoiceHandler
	cfg     Config

	inflight  sync.WaitGroup
	stopCh    chan struct{}
	stopOnce  sync.Once
	stoppedCh chan struct{}
}

func New(source InvoiceSource, handler InvoiceHandler, cfg Config) *Worker {
	if cfg.ResubscribeDelay <= 0 {
		cfg.ResubscribeDelay = 5 * time.Second
	}
	return &Worker{
		source:    source,
		handler:   handler,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Run subscribes to the source until ctx is done or Stop is called. A broken
// subscription is logged and retried. Run returns only after every invoice
// already received has been handled.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.stoppedCh)
	defer w.inflight.Wait()

	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "zapper.worker"})
	slog.InfoContext(ctx, "worker started")

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-subCtx.Done():
		}
	}()

	for {
		err := w.consume(subCtx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			slog.InfoContext(ctx, "worker stopping")
			return nil
		default:
		}

		if err != nil {
			slog.ErrorContext(ctx, "invoice subscription failed", "error", err)
		} else {
			slog.WarnContext(ctx, "invoice subscription ended")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			slog.InfoContext(ctx, "worker stopping")
			return nil
		case <-time.After(w.cfg.ResubscribeDelay):
		}
	}
}

// Stop ends the subscription and waits for in-flight invoices. Only valid
// once Run has been called.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.stoppedCh
}

// consume drains one subscription and returns the error it ended with.
func (w *Worker) consume(ctx context.Context) error {
	invoices, errs := w.source.Subscribe(ctx)

	for invoice := range invoices {
		w.inflight.Add(1)
		// Handlers finish even if the subscription is cancelled underneath them.
		go w.handleSafe(context.WithoutCancel(ctx), invoice)
	}

	select {
	case err := <-errs:
		return err
	default:
		return nil
	}
}

func (w *Worker) handleSafe(ctx context.Context, invoice domain.Invoice) {
	defer w.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in invoice handling",
				"panic", r,
				"payment_hash", invoice.ID)
		}
	}()
	w.handler.OnInvoiceConfirmed(ctx, invoice)
}
