package zap

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"zapper.app/zapper/internal/nostr"
)

var (
	ErrMissingRequest  = errors.New("no zap request stored for invoice")
	ErrParse           = errors.New("zap request is not valid json")
	ErrUnsupportedKind = errors.New("unsupported zap request kind")
	ErrMissingTags     = errors.New("zap request has no tags")
	ErrTagCardinality  = errors.New("zap request tag cardinality")
	ErrMissingRelays   = errors.New("zap request has no relays")
)

// Request is a validated public zap request.
type Request struct {
	Event  nostr.Event
	PTag   nostr.Tag
	ETag   nostr.Tag // nil when the zap targets a profile rather than a note
	Relays []string

	// Description is the stored payload in compact form, carried verbatim
	// into the receipt's description tag.
	Description string
}

// ValidateRequest parses a stored zap request payload and checks its
// structure. It has no side effects.
//
// Only kind, tags, content and the identity fields are read, and loosely:
// a field of an unexpected type never turns a zap into a parse error.
func ValidateRequest(raw []byte) (Request, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return Request{}, fmt.Errorf("%w: empty payload", ErrParse)
	}
	// The payload ends up in the signed description tag.
	if !utf8.Valid(raw) {
		return Request{}, fmt.Errorf("%w: payload is not valid utf-8", ErrParse)
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrParse, err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(compact.Bytes(), &fields); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if fields == nil {
		return Request{}, fmt.Errorf("%w: null payload", ErrParse)
	}

	kind, ok := numberField(fields["kind"])
	// Private zaps and any other wrapping are not handled.
	if !ok || kind != nostr.KindZapRequest {
		return Request{}, fmt.Errorf("%w: %s", ErrUnsupportedKind, kindString(fields["kind"]))
	}

	var rawTags []json.RawMessage
	if err := json.Unmarshal(fields["tags"], &rawTags); err != nil || len(rawTags) == 0 {
		return Request{}, ErrMissingTags
	}
	tags := stringTags(rawTags)

	pTags := tags.WithValues("p")
	if len(pTags) != 1 {
		return Request{}, fmt.Errorf("%w: want exactly one p tag, got %d", ErrTagCardinality, len(pTags))
	}

	eTags := tags.WithValues("e")
	if len(eTags) > 1 {
		return Request{}, fmt.Errorf("%w: want at most one e tag, got %d", ErrTagCardinality, len(eTags))
	}

	relaysTag, ok := tags.FirstWithValues("relays")
	if !ok {
		return Request{}, ErrMissingRelays
	}

	createdAt, _ := numberField(fields["created_at"])
	req := Request{
		Event: nostr.Event{
			ID:        stringField(fields["id"]),
			PubKey:    stringField(fields["pubkey"]),
			CreatedAt: nostr.Timestamp(math.Trunc(createdAt)),
			Kind:      nostr.KindZapRequest,
			Tags:      tags,
			Content:   stringField(fields["content"]),
			Sig:       stringField(fields["sig"]),
		},
		PTag:        pTags[0],
		Relays:      append([]string(nil), relaysTag.Values()...),
		Description: compact.String(),
	}
	if len(eTags) == 1 {
		req.ETag = eTags[0]
	}

	return req, nil
}

// numberField reads a JSON number. Strings, booleans and missing fields
// are not numbers.
func numberField(raw json.RawMessage) (float64, bool) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

func stringField(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// stringTags keeps the string elements of each tag. Tags that are not
// arrays, or whose first element is not a string, are dropped.
func stringTags(rawTags []json.RawMessage) nostr.Tags {
	tags := make(nostr.Tags, 0, len(rawTags))
	for _, rt := range rawTags {
		var elems []json.RawMessage
		if err := json.Unmarshal(rt, &elems); err != nil {
			continue
		}
		var tag nostr.Tag
		for i, e := range elems {
			var s string
			if err := json.Unmarshal(e, &s); err != nil {
				if i == 0 {
					break
				}
				continue
			}
			tag = append(tag, s)
		}
		if len(tag) > 0 {
			tags = append(tags, tag)
		}
	}
	return tags
}

func kindString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "missing"
	}
	return string(raw)
}
