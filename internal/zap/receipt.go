package zap

import (
	"zapper.app/zapper/internal/domain"
	"zapper.app/zapper/internal/nostr"
)

// BuildReceipt assembles the unsigned zap receipt for a paid invoice.
//
// Tag order is p, e (when present), bolt11, description, preimage. The
// order feeds the event id, so it must not change.
func BuildReceipt(req Request, invoice domain.Invoice, pubKey string) nostr.Event {
	tags := make(nostr.Tags, 0, 5)
	tags = append(tags, cloneTag(req.PTag))
	if req.ETag != nil {
		tags = append(tags, cloneTag(req.ETag))
	}
	tags = append(tags,
		nostr.Tag{"bolt11", invoice.PaymentRequest},
		nostr.Tag{"description", req.Description},
		nostr.Tag{"preimage", invoice.Preimage},
	)

	return nostr.Event{
		PubKey:    pubKey,
		CreatedAt: nostr.TimestampFrom(invoice.ConfirmedAt),
		Kind:      nostr.KindZapReceipt,
		Tags:      tags,
		Content:   req.Event.Content,
	}
}

func cloneTag(t nostr.Tag) nostr.Tag {
	return append(nostr.Tag(nil), t...)
}
