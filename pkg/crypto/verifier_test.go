package crypto_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/badgehub/badgehub-core/pkg/crypto"
	"github.com/badgehub/badgehub-core/pkg/trust"
	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(t *testing.T, priv ed25519.PrivateKey, kid string, payload any) string {
	t.Helper()
	opts := (&jose.SignerOptions{}).WithType("JWT")
	if kid != "" {
		opts = opts.WithHeader(jose.HeaderKey("kid"), kid)
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: priv}, opts)
	require.NoError(t, err)
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	jws, err := signer.Sign(body)
	require.NoError(t, err)
	compact, err := jws.CompactSerialize()
	require.NoError(t, err)
	return compact
}

func TestVerifier(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pemText, err := crypto.PublicKeyPEM(jose.JSONWebKey{Key: pub})
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"type": "CryptographicKey", "publicKeyPem": pemText})
	}))
	defer server.Close()
	keyURL := server.URL + "/key"

	assertion := map[string]any{
		"@context":     "https://w3id.org/openbadges/v2",
		"type":         "Assertion",
		"id":           "urn:uuid:1",
		"verification": map[string]string{"type": "SignedBadge", "creator": keyURL},
	}

	t.Run("Fetched key", func(t *testing.T) {
		v := crypto.NewVerifier(crypto.NewDefaultKeyFetcher(nil), nil)
		res := v.Verify(context.Background(), sign(t, priv, "", assertion), "")
		assert.True(t, res.Valid, res.Error)
		assert.Equal(t, keyURL, res.KeyURL)
		assert.Equal(t, "EdDSA", res.Algorithm)
		id, _ := res.Payload.String("id")
		assert.Equal(t, "urn:uuid:1", id)
	})

	t.Run("Trust store key", func(t *testing.T) {
		store, err := trust.NewFileStore(t.TempDir())
		require.NoError(t, err)
		require.NoError(t, store.Add(jose.JSONWebKey{Key: pub, KeyID: keyURL}))

		v := crypto.NewVerifier(nil, store)
		res := v.Verify(context.Background(), sign(t, priv, keyURL, assertion), "")
		assert.True(t, res.Valid, res.Error)
	})

	t.Run("Wrong key", func(t *testing.T) {
		_, other, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)

		v := crypto.NewVerifier(crypto.NewDefaultKeyFetcher(nil), nil)
		res := v.Verify(context.Background(), sign(t, other, "", assertion), "")
		assert.False(t, res.Valid)
		assert.Equal(t, "signature verification failed", res.Error)
		require.NotNil(t, res.Payload)
	})

	t.Run("Garbage", func(t *testing.T) {
		v := crypto.NewVerifier(nil, nil)
		res := v.Verify(context.Background(), "a.b.c", "")
		assert.False(t, res.Valid)
		assert.Contains(t, res.Error, "failed to parse JWS")
	})

	t.Run("No key source", func(t *testing.T) {
		v := crypto.NewVerifier(nil, nil)
		res := v.Verify(context.Background(), sign(t, priv, "", assertion), "")
		assert.False(t, res.Valid)
		assert.NotEmpty(t, res.Error)
	})
}
