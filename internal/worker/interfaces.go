package worker

import (
	"context"

	"zapper.app/zapper/internal/domain"
	"zapper.app/zapper/internal/reactor"
)

// InvoiceSource abstracts where invoice updates come from (lnd or a Redis
// stream) for testability. The invoices channel closes when the
// subscription ends; a failure is sent on the error channel first.
type InvoiceSource interface {
	Subscribe(ctx context.Context) (<-chan domain.Invoice, <-chan error)
}

// InvoiceHandler abstracts the receipt pipeline for testability.
type InvoiceHandler interface {
	OnInvoiceConfirmed(ctx context.Context, invoice domain.Invoice) reactor.Result
}
