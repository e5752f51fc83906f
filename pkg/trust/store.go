// Package trust provides a local trust store of issuer signing keys, used to
// verify signed assertions without fetching the key from the issuer.
//
// Keys are JWKs whose kid is the URL of the issuer's published key document
// (the verification.creator of signed assertions).
package trust

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/go-jose/go-jose/v4"
)

// Common errors returned by this package.
var (
	ErrKeyNotFound    = errors.New("key not found in trust store")
	ErrIssuerNotFound = errors.New("issuer not found in trust store")
	ErrInvalidKey     = errors.New("invalid key format")
)

// Store is the interface for a trust store.
type Store interface {
	// Add adds a key to the trust store.
	Add(key jose.JSONWebKey) error

	// Get retrieves a key by kid.
	Get(kid string) (*jose.JSONWebKey, error)

	// GetByIssuer retrieves all keys trusted for an issuer id.
	GetByIssuer(issuerURL string) ([]jose.JSONWebKey, error)

	// List returns all keys in the store.
	List() ([]jose.JSONWebKey, error)

	// Remove removes a key by kid.
	Remove(kid string) error

	// AddIssuerMapping trusts a key for an issuer id.
	AddIssuerMapping(issuerURL, kid string) error
}

// Candidates returns the keys that may have signed an assertion: the key
// stored under keyURL, else every key trusted for issuerURL.
func Candidates(s Store, keyURL, issuerURL string) ([]jose.JSONWebKey, error) {
	if keyURL != "" {
		key, err := s.Get(keyURL)
		if err == nil {
			return []jose.JSONWebKey{*key}, nil
		}
		if !errors.Is(err, ErrKeyNotFound) {
			return nil, err
		}
	}
	if issuerURL == "" {
		return nil, ErrKeyNotFound
	}
	return s.GetByIssuer(issuerURL)
}

// FileStore implements Store using the filesystem, one <kid>.jwk file per key
// plus issuers.json mapping issuer ids to kids.
type FileStore struct {
	dir string
	mu  sync.RWMutex
}

// DefaultTrustDir returns the default trust store directory.
func DefaultTrustDir() string {
	if envPath := os.Getenv("BADGEHUB_TRUST_PATH"); envPath != "" {
		return envPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".badgehub/trust"
	}
	return filepath.Join(home, ".badgehub", "trust")
}

// NewFileStore creates a new file-based trust store.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		dir = DefaultTrustDir()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create trust directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) keyPath(kid string) string {
	return filepath.Join(s.dir, sanitizeFilename(kid)+".jwk")
}

func (s *FileStore) issuersPath() string {
	return filepath.Join(s.dir, "issuers.json")
}

// Add adds a public key to the trust store. Private keys are refused.
func (s *FileStore) Add(key jose.JSONWebKey) error {
	if key.KeyID == "" {
		return fmt.Errorf("%w: missing kid", ErrInvalidKey)
	}
	if !key.IsPublic() {
		return fmt.Errorf("%w: %s is not a public key", ErrInvalidKey, key.KeyID)
	}

	data, err := json.MarshalIndent(key, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.WriteFile(s.keyPath(key.KeyID), data, 0600); err != nil {
		return fmt.Errorf("failed to write key: %w", err)
	}
	return nil
}

// Get retrieves a key by kid.
func (s *FileStore) Get(kid string) (*jose.JSONWebKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return readKey(s.keyPath(kid))
}

// GetByIssuer retrieves all keys trusted for an issuer id. Mapped keys whose
// file is missing or unreadable are skipped.
func (s *FileStore) GetByIssuer(issuerURL string) ([]jose.JSONWebKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	issuers, err := s.loadIssuers()
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	kids := issuers[issuerURL]
	if len(kids) == 0 {
		return nil, ErrIssuerNotFound
	}

	var keys []jose.JSONWebKey
	for _, kid := range kids {
		key, err := readKey(s.keyPath(kid))
		if err != nil {
			continue
		}
		keys = append(keys, *key)
	}
	if len(keys) == 0 {
		return nil, ErrKeyNotFound
	}
	return keys, nil
}

// List returns all keys in the store.
func (s *FileStore) List() ([]jose.JSONWebKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read trust directory: %w", err)
	}

	var keys []jose.JSONWebKey
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".jwk" {
			continue
		}
		key, err := readKey(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		keys = append(keys, *key)
	}
	return keys, nil
}

// Remove removes a key by kid and drops it from every issuer mapping.
func (s *FileStore) Remove(kid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.keyPath(kid)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return ErrKeyNotFound
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove key: %w", err)
	}

	issuers, err := s.loadIssuers()
	if err != nil {
		return nil
	}
	for issuer, kids := range issuers {
		issuers[issuer] = slices.DeleteFunc(kids, func(k string) bool { return k == kid })
	}
	return s.saveIssuers(issuers)
}

// AddIssuerMapping trusts the key kid for issuerURL.
func (s *FileStore) AddIssuerMapping(issuerURL, kid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	issuers, err := s.loadIssuers()
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if issuers == nil {
		issuers = make(map[string][]string)
	}
	if slices.Contains(issuers[issuerURL], kid) {
		return nil
	}
	issuers[issuerURL] = append(issuers[issuerURL], kid)
	return s.saveIssuers(issuers)
}

// AddFromJWKS adds all keys from a JWKS and optionally trusts them for an issuer.
func (s *FileStore) AddFromJWKS(jwks *jose.JSONWebKeySet, issuerURL string) error {
	for _, key := range jwks.Keys {
		if err := s.Add(key); err != nil {
			return fmt.Errorf("failed to add key %s: %w", key.KeyID, err)
		}
		if issuerURL != "" {
			if err := s.AddIssuerMapping(issuerURL, key.KeyID); err != nil {
				return fmt.Errorf("failed to map key %s to issuer: %w", key.KeyID, err)
			}
		}
	}
	return nil
}

func readKey(path string) (*jose.JSONWebKey, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key: %w", err)
	}

	var key jose.JSONWebKey
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &key, nil
}

func (s *FileStore) loadIssuers() (map[string][]string, error) {
	data, err := os.ReadFile(s.issuersPath())
	if err != nil {
		return nil, err
	}

	var issuers map[string][]string
	if err := json.Unmarshal(data, &issuers); err != nil {
		return nil, fmt.Errorf("failed to parse issuers file: %w", err)
	}
	return issuers, nil
}

func (s *FileStore) saveIssuers(issuers map[string][]string) error {
	data, err := json.MarshalIndent(issuers, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal issuers: %w", err)
	}
	if err := os.WriteFile(s.issuersPath(), data, 0600); err != nil {
		return fmt.Errorf("failed to write issuers file: %w", err)
	}
	return nil
}

// sanitizeFilename maps a kid, usually a URL, to a safe file name.
func sanitizeFilename(kid string) string {
	safe := make([]byte, 0, len(kid))
	for _, c := range []byte(kid) {
		switch c {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', '#', '&', '=':
			safe = append(safe, '_')
		default:
			safe = append(safe, c)
		}
	}
	return string(safe)
}
