package nostr

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/nbd-wtf/go-nostr/nip19"
)

var ErrSigning = errors.New("signing failed")

// SecretKey is a secp256k1 private key used for BIP-340 signatures.
// It is read-only after parsing and safe to share between goroutines.
type SecretKey struct {
	priv   *btcec.PrivateKey
	pubHex string
}

// ParseSecretKey accepts a 64 character hex key or a bech32 "nsec1" key.
func ParseSecretKey(s string) (*SecretKey, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "nsec1") {
		prefix, value, err := nip19.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("%w: decoding nsec: %v", ErrSigning, err)
		}
		hexKey, ok := value.(string)
		if prefix != "nsec" || !ok {
			return nil, fmt.Errorf("%w: unexpected bech32 prefix %q", ErrSigning, prefix)
		}
		s = hexKey
	}

	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: key is not hex: %v", ErrSigning, err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("%w: key must be 32 bytes, got %d", ErrSigning, len(raw))
	}

	var scalar secp256k1.ModNScalar
	if overflow := scalar.SetByteSlice(raw); overflow || scalar.IsZero() {
		return nil, fmt.Errorf("%w: key is outside the curve order", ErrSigning)
	}

	priv := secp256k1.NewPrivateKey(&scalar)
	return &SecretKey{
		priv:   priv,
		pubHex: hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())),
	}, nil
}

// PublicKey returns the x-only public key as 64 hex characters.
func (k *SecretKey) PublicKey() string {
	return k.pubHex
}

// SignID signs a hex event id. The only failure modes are a nil key or an
// id that is not 32 hex-encoded bytes.
func SignID(key *SecretKey, id string) (string, error) {
	if key == nil || key.priv == nil {
		return "", fmt.Errorf("%w: no key", ErrSigning)
	}
	hash, err := decodeID(id)
	if err != nil {
		return "", err
	}

	sig, err := schnorr.Sign(key.priv, hash)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigning, err)
	}
	return hex.EncodeToString(sig.Serialize()), nil
}

// VerifyID checks a hex signature over a hex id against an x-only hex public key.
func VerifyID(pubKey, id, sig string) (bool, error) {
	hash, err := decodeID(id)
	if err != nil {
		return false, err
	}

	pkBytes, err := hex.DecodeString(pubKey)
	if err != nil {
		return false, fmt.Errorf("decoding pubkey: %w", err)
	}
	pk, err := schnorr.ParsePubKey(pkBytes)
	if err != nil {
		return false, fmt.Errorf("parsing pubkey: %w", err)
	}

	sigBytes, err := hex.DecodeString(sig)
	if err != nil {
		return false, fmt.Errorf("decoding signature: %w", err)
	}
	parsed, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false, fmt.Errorf("parsing signature: %w", err)
	}

	return parsed.Verify(hash, pk), nil
}

// Sign sets PubKey, ID and Sig. The event must not be modified afterwards.
func (e *Event) Sign(key *SecretKey) error {
	if key == nil {
		return fmt.Errorf("%w: no key", ErrSigning)
	}
	e.PubKey = key.PublicKey()
	e.ID = e.ComputeID()

	sig, err := SignID(key, e.ID)
	if err != nil {
		return err
	}
	e.Sig = sig
	return nil
}

// Verify recomputes the id and checks the signature over it.
func (e *Event) Verify() (bool, error) {
	if e.ComputeID() != e.ID {
		return false, nil
	}
	return VerifyID(e.PubKey, e.ID, e.Sig)
}

func decodeID(id string) ([]byte, error) {
	hash, err := hex.DecodeString(id)
	if err != nil {
		return nil, fmt.Errorf("%w: id is not hex: %v", ErrSigning, err)
	}
	if len(hash) != 32 {
		return nil, fmt.Errorf("%w: id must be 32 bytes, got %d", ErrSigning, len(hash))
	}
	return hash, nil
}
