// Package signing produces the signature of signed assertions, either through
// the external signing service or with a local key.
package signing

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/badgehub/badgehub-core/pkg/badge"
	"github.com/go-jose/go-jose/v4"
)

// ErrUnsupportedKey is returned for private keys no JWS algorithm is chosen for.
var ErrUnsupportedKey = errors.New("unsupported signing key type")

// Signer signs the projected JSON of an assertion with the given public key
// reference and returns the compact signature.
type Signer interface {
	Sign(ctx context.Context, payload []byte, key *badge.PublicKeyIssuer) (string, error)
}

// LocalSigner signs with a private JWK held in process. Intended for
// development and tests; production deployments use Client.
type LocalSigner struct {
	key jose.JSONWebKey
	alg jose.SignatureAlgorithm
}

// NewLocalSigner creates a signer for a private key, picking the algorithm from the key type.
func NewLocalSigner(key jose.JSONWebKey) (*LocalSigner, error) {
	if key.IsPublic() {
		return nil, fmt.Errorf("%w: key %q is public", ErrUnsupportedKey, key.KeyID)
	}
	alg, err := algorithmFor(key.Key)
	if err != nil {
		return nil, err
	}
	return &LocalSigner{key: key, alg: alg}, nil
}

func algorithmFor(k any) (jose.SignatureAlgorithm, error) {
	switch k := k.(type) {
	case ed25519.PrivateKey:
		return jose.EdDSA, nil
	case *ecdsa.PrivateKey:
		switch k.Curve {
		case elliptic.P256():
			return jose.ES256, nil
		case elliptic.P384():
			return jose.ES384, nil
		case elliptic.P521():
			return jose.ES512, nil
		}
	case *rsa.PrivateKey:
		return jose.RS256, nil
	}
	return "", fmt.Errorf("%w: %T", ErrUnsupportedKey, k)
}

// Algorithm returns the JWS algorithm the signer uses.
func (s *LocalSigner) Algorithm() jose.SignatureAlgorithm {
	return s.alg
}

// PublicKey returns the public half of the signing key.
func (s *LocalSigner) PublicKey() jose.JSONWebKey {
	return s.key.Public()
}

// Sign creates a compact JWS over payload. The kid header carries the key URL
// so verifiers can locate the published key.
func (s *LocalSigner) Sign(_ context.Context, payload []byte, key *badge.PublicKeyIssuer) (string, error) {
	opts := &jose.SignerOptions{}
	if key != nil && key.KeyURL != "" {
		opts = opts.WithHeader(jose.HeaderKey("kid"), key.KeyURL)
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: s.alg, Key: s.key.Key}, opts)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}

	jws, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("failed to sign payload: %w", err)
	}

	token, err := jws.CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("failed to serialize JWS: %w", err)
	}
	return token, nil
}

// LoadPrivateKey reads a private JWK file.
func LoadPrivateKey(path string) (jose.JSONWebKey, error) {
	var key jose.JSONWebKey
	data, err := os.ReadFile(path)
	if err != nil {
		return key, fmt.Errorf("failed to read key file: %w", err)
	}
	if err := json.Unmarshal(data, &key); err != nil {
		return key, fmt.Errorf("failed to parse key file: %w", err)
	}
	if key.IsPublic() {
		return key, fmt.Errorf("%w: %s holds a public key", ErrUnsupportedKey, path)
	}
	return key, nil
}
