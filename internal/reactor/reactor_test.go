package reactor_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"zapper.app/zapper/internal/domain"
	"zapper.app/zapper/internal/nostr"
	"zapper.app/zapper/internal/reactor"
	"zapper.app/zapper/internal/relay"
	"zapper.app/zapper/internal/store"
	"zapper.app/zapper/internal/zap"
)

const scenarioPayload = `{"kind":9734,"content":"gm","tags":[["p","abc"],["relays","wss://r1","wss://r2"]]}`

type mockRequestStore struct {
	getFn func(ctx context.Context, invoiceID string) ([]byte, error)
}

func (m *mockRequestStore) Get(ctx context.Context, invoiceID string) ([]byte, error) {
	if m.getFn != nil {
		return m.getFn(ctx, invoiceID)
	}
	return nil, store.ErrNotFound
}

type mockBroadcaster struct {
	publishAllFn func(ctx context.Context, ev nostr.Event, urls []string) relay.BroadcastResult

	mu    sync.Mutex
	calls [][]string
	sent  []nostr.Event
}

func (m *mockBroadcaster) PublishAll(ctx context.Context, ev nostr.Event, urls []string) relay.BroadcastResult {
	m.mu.Lock()
	m.calls = append(m.calls, urls)
	m.sent = append(m.sent, ev)
	m.mu.Unlock()

	if m.publishAllFn != nil {
		return m.publishAllFn(ctx, ev, urls)
	}
	outcomes := make([]relay.Outcome, len(urls))
	for i, url := range urls {
		outcomes[i] = relay.Outcome{Relay: url, Status: relay.StatusAccepted}
	}
	return relay.BroadcastResult{Outcomes: outcomes}
}

func (m *mockBroadcaster) Calls() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]string(nil), m.calls...)
}

var _ = Describe("Reactor", func() {
	var (
		ctx         context.Context
		key         *nostr.SecretKey
		requests    *mockRequestStore
		broadcaster *mockBroadcaster
		r           *reactor.Reactor
		invoice     domain.Invoice
	)

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		key, err = nostr.ParseSecretKey("0000000000000000000000000000000000000000000000000000000000000003")
		Expect(err).NotTo(HaveOccurred())

		requests = &mockRequestStore{}
		broadcaster = &mockBroadcaster{}
		r, err = reactor.New(requests, key, broadcaster)
		Expect(err).NotTo(HaveOccurred())

		invoice = domain.Invoice{
			ID:             "hash1",
			Confirmed:      true,
			ConfirmedAt:    time.Unix(1700000000, 900_000_000),
			Preimage:       "deadbeef",
			PaymentRequest: "lnbc1...",
		}
	})

	It("refuses to start without a signing key", func() {
		_, err := reactor.New(requests, nil, broadcaster)
		Expect(err).To(MatchError(nostr.ErrSigning))
	})

	It("ignores invoices that are not confirmed", func() {
		invoice.Confirmed = false
		requests.getFn = func(context.Context, string) ([]byte, error) {
			Fail("store must not be read for unconfirmed invoices")
			return nil, nil
		}

		res := r.OnInvoiceConfirmed(ctx, invoice)

		Expect(res.Stage).To(Equal(reactor.StageSkipped))
		Expect(res.Err).NotTo(HaveOccurred())
		Expect(broadcaster.Calls()).To(BeEmpty())
	})

	It("stops quietly when no zap request was stored", func() {
		res := r.OnInvoiceConfirmed(ctx, invoice)

		Expect(res.Stage).To(Equal(reactor.StageLookup))
		Expect(res.Err).To(MatchError(zap.ErrMissingRequest))
		Expect(broadcaster.Calls()).To(BeEmpty())
	})

	It("reports store failures at the lookup stage", func() {
		boom := errors.New("connection refused")
		requests.getFn = func(context.Context, string) ([]byte, error) { return nil, boom }

		res := r.OnInvoiceConfirmed(ctx, invoice)

		Expect(res.Stage).To(Equal(reactor.StageLookup))
		Expect(res.Err).To(MatchError(boom))
		Expect(broadcaster.Calls()).To(BeEmpty())
	})

	Context("with a stored public zap request", func() {
		BeforeEach(func() {
			requests.getFn = func(_ context.Context, invoiceID string) ([]byte, error) {
				Expect(invoiceID).To(Equal("hash1"))
				return []byte(scenarioPayload), nil
			}
		})

		It("publishes a signed receipt to exactly the requested relays", func() {
			res := r.OnInvoiceConfirmed(ctx, invoice)

			Expect(res.Err).NotTo(HaveOccurred())
			Expect(res.Stage).To(Equal(reactor.StageBroadcast))
			Expect(broadcaster.Calls()).To(Equal([][]string{{"wss://r1", "wss://r2"}}))

			receipt := res.Receipt
			Expect(receipt.Kind).To(Equal(nostr.KindZapReceipt))
			Expect(receipt.Content).To(Equal("gm"))
			Expect(receipt.CreatedAt).To(Equal(nostr.Timestamp(1700000000)))
			Expect(receipt.PubKey).To(Equal(key.PublicKey()))
			Expect(receipt.Tags).To(Equal(nostr.Tags{
				{"p", "abc"},
				{"bolt11", "lnbc1..."},
				{"description", scenarioPayload},
				{"preimage", "deadbeef"},
			}))

			Expect(res.EventID).To(Equal(receipt.ComputeID()))
			ok, err := receipt.Verify()
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
		})

		It("completes without error when one relay fails", func() {
			broadcaster.publishAllFn = func(_ context.Context, _ nostr.Event, urls []string) relay.BroadcastResult {
				return relay.BroadcastResult{Outcomes: []relay.Outcome{
					{Relay: urls[0], Status: relay.StatusAccepted},
					{Relay: urls[1], Status: relay.StatusFailed, Err: &relay.ConnectionError{Relay: urls[1], Op: "connect", Err: errors.New("refused")}},
				}}
			}

			var res reactor.Result
			Expect(func() { res = r.OnInvoiceConfirmed(ctx, invoice) }).NotTo(Panic())

			Expect(res.Stage).To(Equal(reactor.StageBroadcast))
			Expect(res.Err).To(MatchError(relay.ErrBroadcastFailed))
			Expect(res.Broadcast.Accepted()).To(Equal(1))
			Expect(res.EventID).NotTo(BeEmpty())
			Expect(broadcaster.Calls()).To(HaveLen(1))

			// A later invoice is processed normally.
			next := r.OnInvoiceConfirmed(ctx, invoice)
			Expect(next.Stage).To(Equal(reactor.StageBroadcast))
			Expect(broadcaster.Calls()).To(HaveLen(2))
		})

		It("produces the same receipt id for the same invoice", func() {
			first := r.OnInvoiceConfirmed(ctx, invoice)
			second := r.OnInvoiceConfirmed(ctx, invoice)

			Expect(first.EventID).To(Equal(second.EventID))
		})
	})

	DescribeTable("does not broadcast invalid zap requests",
		func(payload string, want error) {
			requests.getFn = func(context.Context, string) ([]byte, error) { return []byte(payload), nil }

			var res reactor.Result
			Expect(func() { res = r.OnInvoiceConfirmed(ctx, invoice) }).NotTo(Panic())

			Expect(res.Stage).To(Equal(reactor.StageValidate))
			Expect(res.Err).To(MatchError(want))
			Expect(broadcaster.Calls()).To(BeEmpty())
		},
		Entry("two p tags",
			`{"kind":9734,"content":"","tags":[["p","abc"],["p","def"],["relays","wss://r1"]]}`, zap.ErrTagCardinality),
		Entry("malformed json", `{"kind":`, zap.ErrParse),
		Entry("wrong kind", `{"kind":1,"content":"","tags":[["p","abc"]]}`, zap.ErrUnsupportedKind),
		Entry("no relays", `{"kind":9734,"content":"","tags":[["p","abc"]]}`, zap.ErrMissingRelays),
	)

	It("handles concurrent invoices independently", func() {
		requests.getFn = func(context.Context, string) ([]byte, error) { return []byte(scenarioPayload), nil }

		var wg sync.WaitGroup
		results := make([]reactor.Result, 8)
		for i := range results {
			wg.Add(1)
			go func() {
				defer wg.Done()
				inv := invoice
				inv.Preimage = string(rune('a' + i))
				results[i] = r.OnInvoiceConfirmed(ctx, inv)
			}()
		}
		wg.Wait()

		ids := map[string]struct{}{}
		for _, res := range results {
			Expect(res.Err).NotTo(HaveOccurred())
			ids[res.EventID] = struct{}{}
		}
		Expect(ids).To(HaveLen(8))
		Expect(broadcaster.Calls()).To(HaveLen(8))
	})
})
