package queue_test

import (
	"context"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"zapper.app/zapper/internal/domain"
	"zapper.app/zapper/internal/queue"
)

var _ = Describe("ParseMessage", func() {
	It("parses a settled invoice with unix confirmation time", func() {
		inv, err := queue.ParseMessage(redis.XMessage{ID: "1-0", Values: map[string]any{
			"id":           "abc",
			"is_confirmed": "true",
			"confirmed_at": "1700000000",
			"secret":       "deadbeef",
			"request":      "lnbc1...",
		}})

		Expect(err).NotTo(HaveOccurred())
		Expect(inv).To(Equal(domain.Invoice{
			ID:             "abc",
			Confirmed:      true,
			ConfirmedAt:    time.Unix(1700000000, 0),
			Preimage:       "deadbeef",
			PaymentRequest: "lnbc1...",
		}))
	})

	It("accepts lnd style field names and RFC 3339 times", func() {
		inv, err := queue.ParseMessage(redis.XMessage{Values: map[string]any{
			"payment_hash":    "abc",
			"state":           "SETTLED",
			"confirmed_at":    "2023-11-14T22:13:20.5Z",
			"preimage":        "deadbeef",
			"payment_request": "lnbc1...",
		}})

		Expect(err).NotTo(HaveOccurred())
		Expect(inv.Confirmed).To(BeTrue())
		Expect(inv.ConfirmedAt.Unix()).To(Equal(int64(1700000000)))
	})

	It("passes unconfirmed updates through", func() {
		inv, err := queue.ParseMessage(redis.XMessage{Values: map[string]any{"id": "abc", "is_confirmed": "false"}})

		Expect(err).NotTo(HaveOccurred())
		Expect(inv.Confirmed).To(BeFalse())
	})

	DescribeTable("rejects malformed messages",
		func(values map[string]any, want string) {
			_, err := queue.ParseMessage(redis.XMessage{Values: values})
			Expect(err).To(MatchError(ContainSubstring(want)))
		},
		Entry("missing id", map[string]any{"is_confirmed": "true"}, "missing id"),
		Entry("bad flag", map[string]any{"id": "a", "is_confirmed": "maybe"}, "is_confirmed"),
		Entry("bad time", map[string]any{"id": "a", "is_confirmed": "1", "confirmed_at": "yesterday"}, "confirmed_at"),
		Entry("confirmed without proof", map[string]any{"id": "a", "is_confirmed": "1", "confirmed_at": "1"}, "missing secret"),
	)
})

var _ = Describe("StreamSource", func() {
	var (
		ctx    context.Context
		server *miniredis.Miniredis
		client *redis.Client
		cfg    queue.ConsumerConfig
	)

	BeforeEach(func() {
		ctx = context.Background()
		server = miniredis.RunT(GinkgoT())
		client = redis.NewClient(&redis.Options{Addr: server.Addr()})
		DeferCleanup(client.Close)
		cfg = queue.ConsumerConfig{
			Stream:   "settled_invoices",
			Group:    "zapper_group",
			Consumer: "zapper-1",
			Block:    50 * time.Millisecond,
		}
	})

	It("creates the group idempotently", func() {
		_, err := queue.NewStreamSource(ctx, client, cfg)
		Expect(err).NotTo(HaveOccurred())

		_, err = queue.NewStreamSource(ctx, client, cfg)
		Expect(err).NotTo(HaveOccurred())
	})

	It("delivers invoices and acknowledges them", func() {
		source, err := queue.NewStreamSource(ctx, client, cfg)
		Expect(err).NotTo(HaveOccurred())

		Expect(client.XAdd(ctx, &redis.XAddArgs{Stream: cfg.Stream, Values: map[string]any{"id": "broken"}}).Err()).To(Succeed())
		Expect(client.XAdd(ctx, &redis.XAddArgs{Stream: cfg.Stream, Values: map[string]any{
			"id":           "abc",
			"is_confirmed": "true",
			"confirmed_at": "1700000000",
			"secret":       "deadbeef",
			"request":      "lnbc1...",
		}}).Err()).To(Succeed())

		subCtx, cancel := context.WithCancel(ctx)
		invoices, errs := source.Subscribe(subCtx)

		var inv domain.Invoice
		Eventually(invoices, time.Second).Should(Receive(&inv))
		Expect(inv.ID).To(Equal("broken"))
		Eventually(invoices, time.Second).Should(Receive(&inv))
		Expect(inv.ID).To(Equal("abc"))
		Expect(inv.Confirmed).To(BeTrue())

		Eventually(func() int64 {
			pending, err := client.XPending(ctx, cfg.Stream, cfg.Group).Result()
			if err != nil {
				return -1
			}
			return pending.Count
		}, time.Second).Should(BeZero())

		cancel()
		Eventually(invoices, time.Second).Should(BeClosed())
		Consistently(errs).ShouldNot(Receive())
	})
})
