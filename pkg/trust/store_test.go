package trust_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/badgehub/badgehub-core/pkg/trust"
	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	keyURL    = "https://issuer.example.org/keys/1"
	issuerURL = "https://issuer.example.org/issuer"
)

func newKey(t *testing.T, kid string) (jose.JSONWebKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return jose.JSONWebKey{Key: pub, KeyID: kid, Algorithm: string(jose.EdDSA), Use: "sig"}, priv
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	store, err := trust.NewFileStore(dir)
	require.NoError(t, err)

	key, priv := newKey(t, keyURL)

	t.Run("Add and Get", func(t *testing.T) {
		require.NoError(t, store.Add(key))

		_, err := os.Stat(filepath.Join(dir, "https___issuer.example.org_keys_1.jwk"))
		require.NoError(t, err)

		got, err := store.Get(keyURL)
		require.NoError(t, err)
		assert.Equal(t, keyURL, got.KeyID)
		assert.Equal(t, key.Key, got.Key)
	})

	t.Run("Refuses private and anonymous keys", func(t *testing.T) {
		err := store.Add(jose.JSONWebKey{Key: priv, KeyID: "private"})
		assert.ErrorIs(t, err, trust.ErrInvalidKey)

		anon, _ := newKey(t, "")
		assert.ErrorIs(t, store.Add(anon), trust.ErrInvalidKey)
	})

	t.Run("Get non-existent key", func(t *testing.T) {
		_, err := store.Get("https://nowhere.example/key")
		assert.ErrorIs(t, err, trust.ErrKeyNotFound)
	})

	t.Run("Issuer mapping", func(t *testing.T) {
		_, err := store.GetByIssuer(issuerURL)
		assert.ErrorIs(t, err, trust.ErrIssuerNotFound)

		require.NoError(t, store.AddIssuerMapping(issuerURL, keyURL))
		require.NoError(t, store.AddIssuerMapping(issuerURL, keyURL))

		keys, err := store.GetByIssuer(issuerURL)
		require.NoError(t, err)
		require.Len(t, keys, 1)
	})

	t.Run("Candidates", func(t *testing.T) {
		keys, err := trust.Candidates(store, keyURL, "")
		require.NoError(t, err)
		assert.Len(t, keys, 1)

		keys, err = trust.Candidates(store, "https://issuer.example.org/keys/unknown", issuerURL)
		require.NoError(t, err)
		assert.Len(t, keys, 1)

		_, err = trust.Candidates(store, "https://issuer.example.org/keys/unknown", "")
		assert.ErrorIs(t, err, trust.ErrKeyNotFound)
	})

	t.Run("List", func(t *testing.T) {
		second, _ := newKey(t, "https://issuer.example.org/keys/2")
		require.NoError(t, store.AddFromJWKS(&jose.JSONWebKeySet{Keys: []jose.JSONWebKey{second}}, issuerURL))

		keys, err := store.List()
		require.NoError(t, err)
		assert.Len(t, keys, 2)

		keys, err = store.GetByIssuer(issuerURL)
		require.NoError(t, err)
		assert.Len(t, keys, 2)
	})

	t.Run("Remove", func(t *testing.T) {
		require.NoError(t, store.Remove(keyURL))
		_, err := store.Get(keyURL)
		assert.ErrorIs(t, err, trust.ErrKeyNotFound)
		assert.ErrorIs(t, store.Remove(keyURL), trust.ErrKeyNotFound)

		keys, err := store.GetByIssuer(issuerURL)
		require.NoError(t, err)
		assert.Len(t, keys, 1)
	})
}

func TestDefaultTrustDir(t *testing.T) {
	t.Setenv("BADGEHUB_TRUST_PATH", "/custom/trust")
	assert.Equal(t, "/custom/trust", trust.DefaultTrustDir())

	t.Setenv("BADGEHUB_TRUST_PATH", "")
	assert.Contains(t, trust.DefaultTrustDir(), ".badgehub/trust")
}
