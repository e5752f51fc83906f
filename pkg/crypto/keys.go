// Package crypto resolves issuer signing keys and verifies signed assertions.
package crypto

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// ErrNoKey is returned when a key document holds no usable public key.
var ErrNoKey = errors.New("no public key in key document")

// Key is an issuer signing key resolved from its published document.
type Key struct {
	// URL is where the key document is published.
	URL string

	// Owner is the issuer id the document names as owner, if any.
	Owner string

	JWK jose.JSONWebKey
}

// Getter retrieves a document body.
type Getter interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// HTTPGetter is a plain Getter over an http.Client.
type HTTPGetter struct {
	Client *http.Client
}

// Get fetches url and returns the body of a 200 response.
func (g HTTPGetter) Get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/ld+json, application/json, application/x-pem-file")

	resp, err := g.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch key: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch key: status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

// KeyFetcher fetches issuer signing keys.
type KeyFetcher interface {
	FetchKey(ctx context.Context, url string) (*Key, error)
}

type cacheEntry struct {
	key       *Key
	expiresAt time.Time
}

// DefaultKeyFetcher fetches key documents and caches them for a TTL.
type DefaultKeyFetcher struct {
	getter Getter
	cache  map[string]cacheEntry
	mu     sync.RWMutex
	ttl    time.Duration
}

// NewDefaultKeyFetcher creates a fetcher with a 1 hour cache TTL. A nil getter
// uses an HTTPGetter with a 10 second timeout.
func NewDefaultKeyFetcher(getter Getter) *DefaultKeyFetcher {
	if getter == nil {
		getter = HTTPGetter{Client: &http.Client{Timeout: 10 * time.Second}}
	}
	return &DefaultKeyFetcher{
		getter: getter,
		cache:  make(map[string]cacheEntry),
		ttl:    time.Hour,
	}
}

// SetTTL configures the cache time-to-live.
func (f *DefaultKeyFetcher) SetTTL(ttl time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ttl = ttl
}

// FlushCache clears all cached keys.
func (f *DefaultKeyFetcher) FlushCache() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache = make(map[string]cacheEntry)
}

// FetchKey retrieves the key published at url, using the cache if available.
func (f *DefaultKeyFetcher) FetchKey(ctx context.Context, url string) (*Key, error) {
	f.mu.RLock()
	entry, found := f.cache[url]
	f.mu.RUnlock()
	if found && time.Now().Before(entry.expiresAt) {
		return entry.key, nil
	}

	body, err := f.getter.Get(ctx, url)
	if err != nil {
		return nil, err
	}
	key, err := ParseKeyDocument(body, url)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.cache[url] = cacheEntry{key: key, expiresAt: time.Now().Add(f.ttl)}
	f.mu.Unlock()
	return key, nil
}

// keyDocument covers the three published key shapes: an OB CryptographicKey,
// a bare JWK and a JWK set.
type keyDocument struct {
	Type         string            `json:"type"`
	ID           string            `json:"id"`
	Owner        string            `json:"owner"`
	PublicKeyPem string            `json:"publicKeyPem"`
	Kty          string            `json:"kty"`
	Keys         []json.RawMessage `json:"keys"`
}

// ParseKeyDocument reads a key document fetched from url. The resulting JWK
// has url as its kid.
func ParseKeyDocument(data []byte, url string) (*Key, error) {
	trimmed := bytes.TrimSpace(data)
	if bytes.HasPrefix(trimmed, []byte("-----BEGIN")) {
		return pemKey(string(trimmed), url, "")
	}

	var doc keyDocument
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode key document: %w", err)
	}

	switch {
	case doc.PublicKeyPem != "":
		return pemKey(doc.PublicKeyPem, url, doc.Owner)
	case doc.Kty != "":
		var jwk jose.JSONWebKey
		if err := jwk.UnmarshalJSON(trimmed); err != nil {
			return nil, fmt.Errorf("failed to decode JWK: %w", err)
		}
		return jwkKey(jwk, url)
	case len(doc.Keys) > 0:
		var set jose.JSONWebKeySet
		if err := json.Unmarshal(trimmed, &set); err != nil {
			return nil, fmt.Errorf("failed to decode JWKS: %w", err)
		}
		frag := ""
		if i := strings.LastIndex(url, "#"); i >= 0 {
			frag = url[i+1:]
		}
		for _, k := range set.Keys {
			if frag == "" || k.KeyID == frag || k.KeyID == url {
				return jwkKey(k, url)
			}
		}
	}
	return nil, ErrNoKey
}

func pemKey(text, url, owner string) (*Key, error) {
	block, _ := pem.Decode([]byte(text))
	if block == nil {
		return nil, fmt.Errorf("%w: publicKeyPem is not PEM", ErrNoKey)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return &Key{URL: url, Owner: owner, JWK: jose.JSONWebKey{Key: pub, KeyID: url, Use: "sig"}}, nil
}

func jwkKey(jwk jose.JSONWebKey, url string) (*Key, error) {
	if !jwk.Valid() {
		return nil, fmt.Errorf("%w: invalid JWK", ErrNoKey)
	}
	pub := jwk.Public()
	if !pub.Valid() {
		return nil, fmt.Errorf("%w: JWK has no public part", ErrNoKey)
	}
	pub.KeyID = url
	return &Key{URL: url, JWK: pub}, nil
}

// PublicKeyPEM encodes the public part of jwk as a PKIX PEM block, the form
// published in CryptographicKey documents.
func PublicKeyPEM(jwk jose.JSONWebKey) (string, error) {
	pub := jwk.Public()
	if !pub.Valid() {
		return "", ErrNoKey
	}
	der, err := x509.MarshalPKIXPublicKey(pub.Key)
	if err != nil {
		return "", fmt.Errorf("failed to encode public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}
