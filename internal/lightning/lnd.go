package lightning

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"google.golang.org/grpc"

	"zapper.app/zapper/common/logger"
	"zapper.app/zapper/core/config"
	"zapper.app/zapper/internal/domain"
)

const maxRecvMsgSize = 50 * 1024 * 1024

// LNDSource streams invoice updates from an lnd node.
type LNDSource struct {
	conn   *grpc.ClientConn
	client lnrpc.LightningClient

	// Highest settle index delivered so far. A resubscription asks lnd to
	// replay every settlement after it, so none are lost across reconnects.
	settleIndex atomic.Uint64
}

func NewLNDSource(cfg config.LNDConfig) (*LNDSource, error) {
	tlsCreds, err := tlsCredentials(cfg.TLSCert)
	if err != nil {
		return nil, fmt.Errorf("loading lnd tls cert: %w", err)
	}
	mac, err := decodeMacaroon(cfg.Macaroon)
	if err != nil {
		return nil, fmt.Errorf("loading lnd macaroon: %w", err)
	}

	conn, err := grpc.NewClient(cfg.Addr(),
		grpc.WithTransportCredentials(tlsCreds),
		grpc.WithPerRPCCredentials(macaroonCredential(mac)),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxRecvMsgSize)),
	)
	if err != nil {
		return nil, fmt.Errorf("dialing lnd at %s: %w", cfg.Addr(), err)
	}

	return &LNDSource{conn: conn, client: lnrpc.NewLightningClient(conn)}, nil
}

// NewLNDSourceFromClient wraps an existing client. Close is then a no-op.
func NewLNDSourceFromClient(client lnrpc.LightningClient) *LNDSource {
	return &LNDSource{client: client}
}

func (s *LNDSource) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Subscribe delivers every invoice update until ctx is done or the stream
// breaks. The invoices channel is closed when the subscription ends; a
// stream failure is reported on errs first.
func (s *LNDSource) Subscribe(ctx context.Context) (<-chan domain.Invoice, <-chan error) {
	invoices := make(chan domain.Invoice)
	errs := make(chan error, 1)

	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "zapper.lightning.lnd"})

	go func() {
		defer close(invoices)

		from := s.settleIndex.Load()
		stream, err := s.client.SubscribeInvoices(ctx, &lnrpc.InvoiceSubscription{SettleIndex: from})
		if err != nil {
			errs <- fmt.Errorf("subscribing to invoices: %w", err)
			return
		}
		slog.InfoContext(ctx, "subscribed to lnd invoices", "settle_index", from)

		for {
			inv, err := stream.Recv()
			if err != nil {
				if ctx.Err() == nil {
					errs <- fmt.Errorf("receiving invoice: %w", err)
				}
				return
			}

			if inv.SettleIndex > s.settleIndex.Load() {
				s.settleIndex.Store(inv.SettleIndex)
			}

			select {
			case invoices <- ToInvoice(inv):
			case <-ctx.Done():
				return
			}
		}
	}()

	return invoices, errs
}

// ToInvoice maps an lnd invoice onto the domain type.
func ToInvoice(inv *lnrpc.Invoice) domain.Invoice {
	out := domain.Invoice{
		ID:             hex.EncodeToString(inv.RHash),
		Confirmed:      inv.State == lnrpc.Invoice_SETTLED,
		Preimage:       hex.EncodeToString(inv.RPreimage),
		PaymentRequest: inv.PaymentRequest,
	}
	if inv.SettleDate > 0 {
		out.ConfirmedAt = time.Unix(inv.SettleDate, 0)
	}
	return out
}
