package resolver

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/go-jose/go-jose/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/badgehub/badgehub-core/internal/storage"
	"github.com/badgehub/badgehub-core/pkg/badge"
	"github.com/badgehub/badgehub-core/pkg/extension"
	"github.com/badgehub/badgehub-core/pkg/report"
	"github.com/badgehub/badgehub-core/pkg/store"
)

func TestImporter_Import(t *testing.T) {
	o := newOrigin(t)
	hostV2(t, o)
	s := store.NewMemoryStore()
	ext := extension.NewMemoryStore()
	m := NewMetrics(prometheus.NewRegistry())
	im := NewImporter(New(testFetcher()), s, WithExtensionStore(ext), WithImportMetrics(m))
	ctx := context.Background()

	first, err := im.Import(ctx, URLInput(o.url("/a")), Options{Recipients: []string{recipientEmail}})
	require.NoError(t, err)
	require.NoError(t, first.Err)
	require.NotNil(t, first.Assertion)
	assert.True(t, first.IssuerCreated)
	assert.True(t, first.BadgeClassCreated)

	a := first.Assertion
	assert.Equal(t, o.url("/a"), a.SourceURL)
	assert.Equal(t, o.url("/bc"), a.BadgeClass().SourceURL)
	assert.Equal(t, o.url("/issuer"), a.Issuer().SourceURL)
	assert.NotEmpty(t, a.BadgeClass().ImageData)
	assert.Equal(t, badge.StateHosted, a.State())

	exts, err := ext.List(ctx, badge.RefOf(a))
	require.NoError(t, err)
	require.Len(t, exts, 1)
	assert.Equal(t, "extensions:Note", exts[0].Name)

	second, err := im.Import(ctx, URLInput(o.url("/a")), Options{Recipients: []string{recipientEmail}})
	require.NoError(t, err)
	require.NotNil(t, second.Assertion)
	assert.False(t, second.IssuerCreated)
	assert.False(t, second.BadgeClassCreated)
	assert.Equal(t, a.BadgeClass().EntityID, second.Assertion.BadgeClass().EntityID)

	issuers, badgeClasses, assertions := s.Counts()
	assert.Equal(t, 1, issuers)
	assert.Equal(t, 1, badgeClasses)
	assert.Equal(t, 2, assertions)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Imports.WithLabelValues(OutcomeImported)))
}

func TestImporter_RejectedPersistsNothing(t *testing.T) {
	o := newOrigin(t)
	doc := map[string]any{
		"badge":     o.url("/bc"),
		"recipient": map[string]any{"identity": "sha256$ab12", "hashed": true, "type": "email"},
		"issuedOn":  "2015-04-30",
		"verify":    map[string]any{"type": "hosted", "url": o.url("/a")},
	}
	s := store.NewMemoryStore()
	im := NewImporter(New(testFetcher()), s)

	out, err := im.Import(context.Background(), JSONInput(mustJSON(t, doc)), Options{Recipients: []string{recipientEmail}})
	require.NoError(t, err)
	assert.Nil(t, out.Assertion)
	assert.False(t, out.Result.Accepted())

	issuers, badgeClasses, assertions := s.Counts()
	assert.Zero(t, issuers+badgeClasses+assertions)
}

func TestImporter_ImportBatch(t *testing.T) {
	o := newOrigin(t)
	a := hostV2(t, o)
	s := store.NewMemoryStore()
	im := NewImporter(New(testFetcher()), s, WithWorkers(3))

	inputs := make([]Input, 8)
	for i := range inputs {
		doc := make(map[string]any, len(a))
		for k, v := range a {
			doc[k] = v
		}
		doc["id"] = "urn:uuid:batch-" + string(rune('a'+i))
		body, err := json.Marshal(doc)
		require.NoError(t, err)
		inputs[i] = JSONInput(body)
	}
	inputs[5] = JSONInput([]byte(`not json`))

	results, err := im.ImportBatch(context.Background(), inputs, Options{Recipients: []string{recipientEmail}})
	require.NoError(t, err)
	require.Len(t, results, len(inputs))

	created := 0
	for i, r := range results {
		if i == 5 {
			assert.Nil(t, r.Assertion)
			continue
		}
		require.NotNil(t, r.Assertion, joinCodes(r.Result))
		assert.Equal(t, "urn:uuid:batch-"+string(rune('a'+i)), r.Assertion.ID)
		if r.BadgeClassCreated {
			created++
		}
	}
	assert.Equal(t, 1, created)

	issuers, badgeClasses, assertions := s.Counts()
	assert.Equal(t, 1, issuers)
	assert.Equal(t, 1, badgeClasses)
	assert.Equal(t, 7, assertions)
}

func TestImporter_ImportBatchCancelled(t *testing.T) {
	o := newOrigin(t)
	hostV2(t, o)
	im := NewImporter(New(testFetcher()), store.NewMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := im.ImportBatch(ctx, []Input{URLInput(o.url("/a"))}, Options{Recipients: []string{recipientEmail}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestImporter_RequiresRecipient(t *testing.T) {
	o := newOrigin(t)
	hostV2(t, o)
	s := store.NewMemoryStore()
	im := NewImporter(New(testFetcher()), s)

	for _, recipients := range [][]string{nil, {"", "  "}} {
		out, err := im.Import(context.Background(), URLInput(o.url("/a")), Options{Recipients: recipients})
		require.NoError(t, err)
		assert.False(t, out.Result.Accepted())
		assert.Nil(t, out.Assertion)
		assert.True(t, out.Result.Report.Has(report.CodeVerifyRecipientIdentifier))
	}
	assert.Zero(t, o.hitCount("/a"))

	out, err := im.Import(context.Background(), URLInput(o.url("/a")), Options{Recipients: []string{"mallory@example.org"}})
	require.NoError(t, err)
	assert.False(t, out.Result.Accepted())
	assert.True(t, out.Result.Report.Has(report.CodeVerifyRecipientIdentifier))

	issuers, badgeClasses, assertions := s.Counts()
	assert.Zero(t, issuers+badgeClasses+assertions)
}

// signedBadge publishes a signing key on o and returns a compact signed
// assertion of the hosted badge class.
func signedBadge(t *testing.T, o *origin) string {
	t.Helper()
	hostV2(t, o)
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	jwk, err := json.Marshal(jose.JSONWebKey{Key: pub, Algorithm: string(jose.EdDSA), Use: "sig"})
	require.NoError(t, err)
	o.set("/key", http.StatusOK, "application/json", jwk)

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: priv}, nil)
	require.NoError(t, err)
	jws, err := signer.Sign(mustJSON(t, map[string]any{
		"@context":     "https://w3id.org/openbadges/v2",
		"type":         "Assertion",
		"id":           "urn:uuid:0f1e2d3c-4b5a-4968-8776-a5b4c3d2e1f0",
		"recipient":    hashedRecipient(),
		"badge":        o.url("/bc"),
		"issuedOn":     "2024-01-02T03:04:05Z",
		"verification": map[string]any{"type": "SignedBadge", "creator": o.url("/key")},
	}))
	require.NoError(t, err)
	compact, err := jws.CompactSerialize()
	require.NoError(t, err)
	return compact
}

func TestImporter_SignedBadgeReloads(t *testing.T) {
	o := newOrigin(t)
	compact := signedBadge(t, o)
	db, err := storage.Open(storage.DriverSQLite, "file::memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	im := NewImporter(New(testFetcher()), db, WithExtensionStore(db))
	ctx := context.Background()

	var stored []*badge.Assertion
	for i := 0; i < 2; i++ {
		out, err := im.Import(ctx, DetectInput([]byte(compact)), Options{Recipients: []string{recipientEmail}})
		require.NoError(t, err)
		require.True(t, out.Result.Accepted(), joinCodes(out.Result))
		require.NoError(t, out.Err)

		a, err := db.GetAssertion(ctx, out.Assertion.EntityID)
		require.NoError(t, err)
		assert.Equal(t, badge.StateSigned, a.State())
		assert.Equal(t, compact, a.Signature())
		require.NotNil(t, a.PublicKey())
		assert.Equal(t, o.url("/key"), a.PublicKey().KeyURL)
		assert.Equal(t, a.Issuer().EntityID, a.PublicKey().IssuerEntityID)
		stored = append(stored, a)
	}

	list, err := db.ListAssertions(ctx, stored[0].Issuer().EntityID)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

// failingStore fails UpsertBadgeClass inside transactions, after the issuer
// was written.
type failingStore struct {
	*store.MemoryStore
}

func (s failingStore) WithTx(ctx context.Context, fn func(tx store.Store) error) error {
	return s.MemoryStore.WithTx(ctx, func(tx store.Store) error {
		return fn(failingTx{tx})
	})
}

type failingTx struct {
	store.Store
}

func (failingTx) UpsertBadgeClass(context.Context, *badge.BadgeClass) (*badge.BadgeClass, bool, error) {
	return nil, false, errors.New("disk full")
}

// failingExtensions refuses to create assertion extensions.
type failingExtensions struct {
	*extension.MemoryStore
}

func (s failingExtensions) Create(ctx context.Context, ext extension.Extension) error {
	if ext.Owner.Kind == badge.KindAssertion {
		return errors.New("disk full")
	}
	return s.MemoryStore.Create(ctx, ext)
}

func TestImporter_FailedWriteLeavesNothing(t *testing.T) {
	o := newOrigin(t)
	hostV2(t, o)
	ctx := context.Background()
	opts := Options{Recipients: []string{recipientEmail}}

	t.Run("badge class write fails", func(t *testing.T) {
		mem := store.NewMemoryStore()
		im := NewImporter(New(testFetcher()), failingStore{mem})

		out, err := im.Import(ctx, URLInput(o.url("/a")), opts)
		require.NoError(t, err)
		assert.ErrorContains(t, out.Err, "disk full")
		assert.Nil(t, out.Assertion)
		assert.False(t, out.IssuerCreated)

		issuers, badgeClasses, assertions := mem.Counts()
		assert.Zero(t, issuers+badgeClasses+assertions)
	})

	t.Run("extension write fails", func(t *testing.T) {
		mem := store.NewMemoryStore()
		ext := failingExtensions{extension.NewMemoryStore()}
		im := NewImporter(New(testFetcher()), mem, WithExtensionStore(ext))

		out, err := im.Import(ctx, URLInput(o.url("/a")), opts)
		require.NoError(t, err)
		assert.ErrorContains(t, out.Err, "disk full")
		assert.Nil(t, out.Assertion)

		issuers, badgeClasses, assertions := mem.Counts()
		assert.Zero(t, issuers+badgeClasses+assertions)
	})
}
