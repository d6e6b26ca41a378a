package lightning

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/credentials"
)

// macaroonCredential attaches the hex macaroon to every call.
type macaroonCredential string

var _ credentials.PerRPCCredentials = macaroonCredential("")

func (m macaroonCredential) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"macaroon": string(m)}, nil
}

func (m macaroonCredential) RequireTransportSecurity() bool {
	return true
}

// decodeMacaroon accepts the hex form written by lncli or the base64 form
// used in deployment env files, and returns hex.
func decodeMacaroon(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errors.New("empty macaroon")
	}
	if _, err := hex.DecodeString(s); err == nil {
		return strings.ToLower(s), nil
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("macaroon is neither hex nor base64: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// tlsCredentials builds transport credentials pinned to the node's
// self-signed certificate, given either as PEM or base64-encoded PEM.
func tlsCredentials(cert string) (credentials.TransportCredentials, error) {
	pem := []byte(strings.TrimSpace(cert))
	if !strings.Contains(string(pem), "-----BEGIN") {
		decoded, err := base64.StdEncoding.DecodeString(string(pem))
		if err != nil {
			return nil, fmt.Errorf("tls cert is neither PEM nor base64: %w", err)
		}
		pem = decoded
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("no certificates found in tls cert")
	}
	return credentials.NewClientTLSFromCert(pool, ""), nil
}
