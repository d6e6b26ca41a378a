package domain

import "time"

// Invoice is a payment confirmation delivered by an invoice source.
type Invoice struct {
	ID             string    // hex payment hash; also the request store key suffix
	Confirmed      bool      // only confirmed invoices produce a receipt
	ConfirmedAt    time.Time // settle time reported by the node
	Preimage       string    // hex payment preimage
	PaymentRequest string    // bolt11 string
}
