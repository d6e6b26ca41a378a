package lightning

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"io"
	"math/big"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc"

	"zapper.app/zapper/internal/domain"
)

type mockLightningClient struct {
	lnrpc.LightningClient
	subscribeFn func(ctx context.Context, in *lnrpc.InvoiceSubscription) (lnrpc.Lightning_SubscribeInvoicesClient, error)
}

func (m *mockLightningClient) SubscribeInvoices(ctx context.Context, in *lnrpc.InvoiceSubscription, _ ...grpc.CallOption) (lnrpc.Lightning_SubscribeInvoicesClient, error) {
	return m.subscribeFn(ctx, in)
}

type mockInvoiceStream struct {
	grpc.ClientStream
	invoices []*lnrpc.Invoice
	err      error
}

func (m *mockInvoiceStream) Recv() (*lnrpc.Invoice, error) {
	if len(m.invoices) == 0 {
		return nil, m.err
	}
	next := m.invoices[0]
	m.invoices = m.invoices[1:]
	return next, nil
}

func selfSignedPEM() []byte {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	Expect(err).NotTo(HaveOccurred())
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "lnd"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	Expect(err).NotTo(HaveOccurred())
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

var _ = Describe("ToInvoice", func() {
	It("maps a settled lnd invoice", func() {
		inv := ToInvoice(&lnrpc.Invoice{
			RHash:          []byte{0xab, 0xcd},
			RPreimage:      []byte{0xde, 0xad, 0xbe, 0xef},
			PaymentRequest: "lnbc1...",
			SettleDate:     1700000000,
			State:          lnrpc.Invoice_SETTLED,
		})

		Expect(inv).To(Equal(domain.Invoice{
			ID:             "abcd",
			Confirmed:      true,
			ConfirmedAt:    time.Unix(1700000000, 0),
			Preimage:       "deadbeef",
			PaymentRequest: "lnbc1...",
		}))
	})

	It("marks open invoices unconfirmed", func() {
		inv := ToInvoice(&lnrpc.Invoice{RHash: []byte{1}, State: lnrpc.Invoice_OPEN})

		Expect(inv.Confirmed).To(BeFalse())
		Expect(inv.ConfirmedAt.IsZero()).To(BeTrue())
	})
})

var _ = Describe("LNDSource", func() {
	It("streams invoices and reports the stream error", func() {
		streamErr := errors.New("connection reset")
		client := &mockLightningClient{
			subscribeFn: func(ctx context.Context, in *lnrpc.InvoiceSubscription) (lnrpc.Lightning_SubscribeInvoicesClient, error) {
				return &mockInvoiceStream{
					invoices: []*lnrpc.Invoice{
						{RHash: []byte{1}, State: lnrpc.Invoice_OPEN},
						{RHash: []byte{2}, State: lnrpc.Invoice_SETTLED, SettleIndex: 7},
					},
					err: streamErr,
				}, nil
			},
		}
		source := NewLNDSourceFromClient(client)

		invoices, errs := source.Subscribe(context.Background())

		var got []domain.Invoice
		for inv := range invoices {
			got = append(got, inv)
		}
		Expect(got).To(HaveLen(2))
		Expect(got[1].ID).To(Equal("02"))
		Expect(got[1].Confirmed).To(BeTrue())
		Expect(errs).To(Receive(MatchError(streamErr)))
		Expect(source.Close()).To(Succeed())
	})

	It("resumes from the last settle index on resubscribe", func() {
		var requested []uint64
		client := &mockLightningClient{
			subscribeFn: func(ctx context.Context, in *lnrpc.InvoiceSubscription) (lnrpc.Lightning_SubscribeInvoicesClient, error) {
				requested = append(requested, in.SettleIndex)
				return &mockInvoiceStream{
					invoices: []*lnrpc.Invoice{{RHash: []byte{3}, State: lnrpc.Invoice_SETTLED, SettleIndex: 42}},
					err:      io.EOF,
				}, nil
			},
		}
		source := NewLNDSourceFromClient(client)

		for range 2 {
			invoices, _ := source.Subscribe(context.Background())
			for range invoices {
			}
		}

		Expect(requested).To(Equal([]uint64{0, 42}))
	})

	It("reports subscription failures", func() {
		client := &mockLightningClient{
			subscribeFn: func(ctx context.Context, in *lnrpc.InvoiceSubscription) (lnrpc.Lightning_SubscribeInvoicesClient, error) {
				return nil, errors.New("permission denied")
			},
		}

		invoices, errs := NewLNDSourceFromClient(client).Subscribe(context.Background())

		Eventually(invoices).Should(BeClosed())
		Expect(errs).To(Receive(MatchError(ContainSubstring("permission denied"))))
	})
})

var _ = Describe("credentials", func() {
	It("accepts hex and base64 macaroons", func() {
		fromHex, err := decodeMacaroon("0201036C6E64")
		Expect(err).NotTo(HaveOccurred())
		Expect(fromHex).To(Equal("0201036c6e64"))

		fromB64, err := decodeMacaroon(base64.StdEncoding.EncodeToString([]byte{0x02, 0x01, 0x03}))
		Expect(err).NotTo(HaveOccurred())
		Expect(fromB64).To(Equal("020103"))

		_, err = decodeMacaroon("")
		Expect(err).To(HaveOccurred())
	})

	It("sends the macaroon as call metadata over tls only", func() {
		md, err := macaroonCredential("abcd").GetRequestMetadata(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(md).To(HaveKeyWithValue("macaroon", "abcd"))
		Expect(macaroonCredential("abcd").RequireTransportSecurity()).To(BeTrue())
	})

	It("loads the tls cert from PEM or base64 PEM", func() {
		certPEM := selfSignedPEM()

		_, err := tlsCredentials(string(certPEM))
		Expect(err).NotTo(HaveOccurred())

		_, err = tlsCredentials(base64.StdEncoding.EncodeToString(certPEM))
		Expect(err).NotTo(HaveOccurred())

		_, err = tlsCredentials("%%%")
		Expect(err).To(HaveOccurred())
	})
})
