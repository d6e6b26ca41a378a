package nostr

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

const (
	KindZapRequest = 9734
	KindZapReceipt = 9735
)

// Timestamp is seconds since the unix epoch.
type Timestamp int64

// TimestampFrom truncates t to whole seconds.
func TimestampFrom(t time.Time) Timestamp {
	return Timestamp(t.Unix())
}

func (t Timestamp) Time() time.Time {
	return time.Unix(int64(t), 0)
}

// Event is the wire record shared by zap requests and zap receipts.
type Event struct {
	ID        string    `json:"id"`
	PubKey    string    `json:"pubkey"`
	CreatedAt Timestamp `json:"created_at"`
	Kind      int       `json:"kind"`
	Tags      Tags      `json:"tags"`
	Content   string    `json:"content"`
	Sig       string    `json:"sig"`
}

// Serialize returns the canonical form hashed into the event id:
//
//	[0,<pubkey hex>,<created_at>,<kind>,<tags>,<content>]
//
// with no whitespace, fields in exactly this order, and strings escaped
// per escapeString. Tags keep their order; nil tags encode as [].
func (e *Event) Serialize() []byte {
	dst := make([]byte, 0, 100+len(e.Content)+len(e.Tags)*80)

	dst = append(dst, `[0,"`...)
	dst = append(dst, e.PubKey...)
	dst = append(dst, `",`...)
	dst = strconv.AppendInt(dst, int64(e.CreatedAt), 10)
	dst = append(dst, ',')
	dst = strconv.AppendInt(dst, int64(e.Kind), 10)
	dst = append(dst, ',')
	dst = e.Tags.appendJSON(dst)
	dst = append(dst, ',')
	dst = escapeString(dst, e.Content)
	dst = append(dst, ']')

	return dst
}

// ComputeID returns the hex sha256 of the canonical serialization.
func (e *Event) ComputeID() string {
	sum := sha256.Sum256(e.Serialize())
	return hex.EncodeToString(sum[:])
}

// escapeString writes s as a JSON string. Only '"', '\\' and control
// characters are escaped; everything else, including non-ASCII and
// '<', '>', '&', is written raw.
func escapeString(dst []byte, s string) []byte {
	const hexDigits = "0123456789abcdef"

	dst = append(dst, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			dst = append(dst, '\\', '"')
		case c == '\\':
			dst = append(dst, '\\', '\\')
		case c >= 0x20:
			dst = append(dst, c)
		case c == '\b':
			dst = append(dst, '\\', 'b')
		case c == '\t':
			dst = append(dst, '\\', 't')
		case c == '\n':
			dst = append(dst, '\\', 'n')
		case c == '\f':
			dst = append(dst, '\\', 'f')
		case c == '\r':
			dst = append(dst, '\\', 'r')
		default:
			dst = append(dst, '\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0xf])
		}
	}
	return append(dst, '"')
}
