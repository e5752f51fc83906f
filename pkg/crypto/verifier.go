package crypto

import (
	"context"
	"errors"
	"fmt"

	"github.com/badgehub/badgehub-core/pkg/ordered"
	"github.com/badgehub/badgehub-core/pkg/trust"
	"github.com/go-jose/go-jose/v4"
)

// SignatureAlgorithms are the JWS algorithms accepted on signed assertions.
var SignatureAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.EdDSA,
}

// SignatureResult is the outcome of verifying one signed assertion.
type SignatureResult struct {
	Valid     bool
	Algorithm string
	KeyID     string

	// KeyURL is the verification.creator (or 1.x verify.url) of the payload.
	KeyURL string

	// Payload is the assertion JSON. It is set even when verification fails so
	// callers can report against it, but must not be trusted unless Valid.
	Payload *ordered.Map

	Error string
}

// Verifier checks compact JWS signed assertions against the trust store and,
// failing that, the key published at the assertion's creator URL.
type Verifier struct {
	keys  KeyFetcher
	trust trust.Store
}

// NewVerifier creates a Verifier. Either source may be nil.
func NewVerifier(keys KeyFetcher, store trust.Store) *Verifier {
	return &Verifier{keys: keys, trust: store}
}

// Verify verifies a compact signed assertion. issuerURL, when known, widens
// the trust store lookup to every key trusted for that issuer.
func (v *Verifier) Verify(ctx context.Context, compact, issuerURL string) *SignatureResult {
	res := &SignatureResult{}

	jws, err := jose.ParseSigned(compact, SignatureAlgorithms)
	if err != nil {
		res.Error = fmt.Sprintf("failed to parse JWS: %v", err)
		return res
	}
	if len(jws.Signatures) != 1 {
		res.Error = "expected exactly one signature"
		return res
	}
	header := jws.Signatures[0].Protected
	res.Algorithm = header.Algorithm
	res.KeyID = header.KeyID

	payload, err := ordered.Parse(jws.UnsafePayloadWithoutVerification())
	if err != nil {
		res.Error = fmt.Sprintf("payload is not a JSON object: %v", err)
		return res
	}
	res.Payload = payload
	res.KeyURL = creatorOf(payload)
	if res.KeyURL == "" {
		res.KeyURL = header.KeyID
	}
	if res.KeyURL == "" && issuerURL == "" {
		res.Error = "no verification key referenced"
		return res
	}

	keys, err := v.candidates(ctx, res.KeyURL, issuerURL)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	for _, key := range keys {
		if header.KeyID != "" && key.KeyID != "" && key.KeyID != header.KeyID && key.KeyID != res.KeyURL {
			continue
		}
		if _, err := jws.Verify(key); err == nil {
			res.Valid = true
			return res
		}
	}
	res.Error = "signature verification failed"
	return res
}

func (v *Verifier) candidates(ctx context.Context, keyURL, issuerURL string) ([]jose.JSONWebKey, error) {
	if v.trust != nil {
		keys, err := trust.Candidates(v.trust, keyURL, issuerURL)
		if err == nil {
			return keys, nil
		}
		if !errors.Is(err, trust.ErrKeyNotFound) && !errors.Is(err, trust.ErrIssuerNotFound) {
			return nil, err
		}
	}
	if v.keys == nil || keyURL == "" {
		return nil, errors.New("no trusted key and no key fetcher")
	}
	key, err := v.keys.FetchKey(ctx, keyURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch key %s: %w", keyURL, err)
	}
	return []jose.JSONWebKey{key.JWK}, nil
}

// creatorOf returns the key URL a signed assertion declares.
func creatorOf(payload *ordered.Map) string {
	if ver, ok := payload.Object("verification"); ok {
		if c, _ := ver.String("creator"); c != "" {
			return c
		}
	}
	if ver, ok := payload.Object("verify"); ok {
		if u, _ := ver.String("url"); u != "" {
			return u
		}
	}
	return ""
}
