package issuance_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/badgehub/badgehub-core/pkg/badge"
	"github.com/badgehub/badgehub-core/pkg/bake"
	"github.com/badgehub/badgehub-core/pkg/cache"
	"github.com/badgehub/badgehub-core/pkg/crypto"
	"github.com/badgehub/badgehub-core/pkg/extension"
	"github.com/badgehub/badgehub-core/pkg/issuance"
	"github.com/badgehub/badgehub-core/pkg/ordered"
	"github.com/badgehub/badgehub-core/pkg/projector"
	"github.com/badgehub/badgehub-core/pkg/recipient"
	"github.com/badgehub/badgehub-core/pkg/revocation"
	"github.com/badgehub/badgehub-core/pkg/signing"
	"github.com/badgehub/badgehub-core/pkg/store"
	"github.com/badgehub/badgehub-core/pkg/trust"
	"github.com/badgehub/badgehub-core/pkg/version"
)

const baseURL = "https://badges.example.org"

type fixture struct {
	svc         *issuance.Service
	store       *store.MemoryStore
	cache       *cache.MemoryCache
	revocations *revocation.MemoryCache
	extensions  *extension.MemoryStore
	trust       *trust.FileStore
	signer      *signing.LocalSigner
	metrics     *issuance.Metrics
	issuer      *badge.Issuer
	badgeClass  *badge.BadgeClass
}

func templatePNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 300, 300))))
	return buf.Bytes()
}

func newFixture(t *testing.T, signer signing.Signer) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		store:       store.NewMemoryStore(),
		cache:       cache.NewMemoryCache(0),
		revocations: revocation.NewMemoryCache(),
		extensions:  extension.NewMemoryStore(),
		metrics:     issuance.NewMetrics(prometheus.NewRegistry()),
	}
	var err error
	f.trust, err = trust.NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	f.signer, err = signing.NewLocalSigner(jose.JSONWebKey{Key: priv})
	require.NoError(t, err)
	if signer == nil {
		signer = f.signer
	}

	f.svc, err = issuance.NewService(issuance.Config{
		Store:       f.store,
		Projector:   projector.New(version.NewTable(), projector.NewLinks(baseURL), f.extensions),
		Cache:       f.cache,
		Revocations: f.revocations,
		Extensions:  f.extensions,
		Signer:      signer,
		Trust:       f.trust,
		Metrics:     f.metrics,
	})
	require.NoError(t, err)

	f.issuer, err = badge.NewIssuer("Example University", "https://example.edu", "badges@example.edu")
	require.NoError(t, err)
	require.NoError(t, f.svc.CreateIssuer(ctx, f.issuer))

	f.badgeClass, err = badge.NewBadgeClass(f.issuer, "Go Expert", "Writes idiomatic Go")
	require.NoError(t, err)
	require.NoError(t, f.badgeClass.SetCriteria("", "Pass the exam"))
	f.badgeClass.ImageData = templatePNG(t)
	require.NoError(t, f.svc.CreateBadgeClass(ctx, f.badgeClass))
	return f
}

func (f *fixture) issue(t *testing.T) *badge.Assertion {
	t.Helper()
	a, err := f.svc.Issue(context.Background(), issuance.IssueRequest{
		BadgeClassID: f.badgeClass.EntityID,
		Recipient:    recipient.Identity{Identifier: "alice@example.org", Hashed: true},
		IssuedOn:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return a
}

func unbaked(t *testing.T, img []byte) []byte {
	t.Helper()
	payload, ok, err := bake.Unbake(img)
	require.NoError(t, err)
	require.True(t, ok)
	return payload
}

func TestNewService(t *testing.T) {
	_, err := issuance.NewService(issuance.Config{})
	assert.Error(t, err)
}

func TestIssue(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.issue(t)

	assert.Equal(t, badge.StateHosted, a.State())
	assert.NotEmpty(t, a.Recipient.Salt)

	entry, err := f.svc.Render(ctx, badge.KindAssertion, a.EntityID, projector.Options{})
	require.NoError(t, err)
	assert.Equal(t, issuance.ContentTypeJSONLD, entry.ContentType)
	assert.Equal(t, string(entry.Body), string(unbaked(t, a.BakedImage)))

	stored, err := f.store.GetAssertion(ctx, a.EntityID)
	require.NoError(t, err)
	assert.Equal(t, a.BakedImage, stored.BakedImage)

	_, hit, err := f.cache.Get(ctx, cache.Key{Kind: badge.KindAssertion, EntityID: a.EntityID, Version: version.V2_0})
	require.NoError(t, err)
	assert.True(t, hit, "issuing refreshes the cache")

	t.Run("unknown badge class", func(t *testing.T) {
		_, err := f.svc.Issue(ctx, issuance.IssueRequest{BadgeClassID: "missing", Recipient: recipient.Identity{Identifier: "x@y.z"}})
		assert.ErrorIs(t, err, badge.ErrNotFound)
	})

	t.Run("no template image", func(t *testing.T) {
		bc, err := badge.NewBadgeClass(f.issuer, "Imageless", "d")
		require.NoError(t, err)
		require.NoError(t, f.svc.CreateBadgeClass(ctx, bc))
		_, err = f.svc.Issue(ctx, issuance.IssueRequest{BadgeClassID: bc.EntityID, Recipient: recipient.Identity{Identifier: "x@y.z"}})
		assert.ErrorIs(t, err, issuance.ErrNoTemplateImage)
	})

	t.Run("extensions are baked", func(t *testing.T) {
		a, err := f.svc.Issue(ctx, issuance.IssueRequest{
			BadgeClassID: f.badgeClass.EntityID,
			Recipient:    recipient.Identity{Identifier: "bob@example.org"},
			Extensions:   map[string]json.RawMessage{"extensions:Lang": json.RawMessage(`{"lang":"en"}`)},
		})
		require.NoError(t, err)
		doc, err := ordered.Parse(unbaked(t, a.BakedImage))
		require.NoError(t, err)
		assert.True(t, doc.Has("extensions:Lang"))
	})
}

// refusingStore fails every assertion write.
type refusingStore struct {
	*store.MemoryStore
}

func (refusingStore) SaveAssertion(context.Context, *badge.Assertion) error {
	return errors.New("disk full")
}

// ownerLog records the owners extensions were created for.
type ownerLog struct {
	*extension.MemoryStore
	owners []badge.Ref
}

func (l *ownerLog) Create(ctx context.Context, ext extension.Extension) error {
	l.owners = append(l.owners, ext.Owner)
	return l.MemoryStore.Create(ctx, ext)
}

func TestIssue_FailedSaveDropsExtensions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	exts := &ownerLog{MemoryStore: f.extensions}
	svc, err := issuance.NewService(issuance.Config{
		Store:      refusingStore{f.store},
		Projector:  projector.New(version.NewTable(), projector.NewLinks(baseURL), exts),
		Cache:      f.cache,
		Extensions: exts,
		Metrics:    issuance.NewMetrics(prometheus.NewRegistry()),
	})
	require.NoError(t, err)

	_, err = svc.Issue(ctx, issuance.IssueRequest{
		BadgeClassID: f.badgeClass.EntityID,
		Recipient:    recipient.Identity{Identifier: "bob@example.org"},
		Extensions:   map[string]json.RawMessage{"extensions:Lang": json.RawMessage(`{"lang":"en"}`)},
	})
	assert.ErrorContains(t, err, "disk full")

	require.Len(t, exts.owners, 1)
	left, err := f.extensions.List(ctx, exts.owners[0])
	require.NoError(t, err)
	assert.Empty(t, left)
	_, _, assertions := f.store.Counts()
	assert.Zero(t, assertions)
}

func TestRevoke(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.issue(t)

	_, err := f.svc.Render(ctx, badge.KindAssertion, a.EntityID, projector.Options{Version: version.V1_1})
	require.NoError(t, err)

	_, err = f.svc.Revoke(ctx, a.EntityID, "  ")
	assert.ErrorIs(t, err, badge.ErrReasonRequired)

	a, err = f.svc.Revoke(ctx, a.EntityID, "Issued in error")
	require.NoError(t, err)
	assert.True(t, a.Revoked())

	doc, err := ordered.Parse(unbaked(t, a.BakedImage))
	require.NoError(t, err)
	assert.Equal(t, []string{"@context", "type", "id", "revoked", "revocationReason"}, doc.Keys())

	_, hit, _ := f.cache.Get(ctx, cache.Key{Kind: badge.KindAssertion, EntityID: a.EntityID, Version: version.V1_1})
	assert.False(t, hit, "stale versions are dropped")
	entry, err := f.svc.Render(ctx, badge.KindAssertion, a.EntityID, projector.Options{})
	require.NoError(t, err)
	assert.Contains(t, string(entry.Body), `"revoked":true`)
	assert.NotContains(t, string(entry.Body), "recipient")

	assert.True(t, f.revocations.IsRevoked(a.EntityID))
	rev, ok := f.revocations.Lookup(baseURL + "/public/assertions/" + a.EntityID)
	require.True(t, ok)
	assert.Equal(t, "Issued in error", rev.Reason)

	list, err := f.svc.RevocationList(ctx, f.issuer.EntityID)
	require.NoError(t, err)
	revs, err := revocation.FromList(list.JSON)
	require.NoError(t, err)
	require.Len(t, revs, 1)
	assert.Equal(t, a.EntityID, revs[0].UID)

	_, err = f.svc.Revoke(ctx, a.EntityID, "again")
	assert.ErrorIs(t, err, badge.ErrAlreadyRevoked)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Operations.WithLabelValues(issuance.OpRevoke, badge.ErrCodeAlreadyRevoked)))
}

func TestRevoke_ConcurrentRender(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.issue(t)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, err := f.svc.Render(ctx, badge.KindAssertion, a.EntityID, projector.Options{Version: version.V1_0})
				assert.NoError(t, err)
			}
		}()
	}
	_, err := f.svc.Revoke(ctx, a.EntityID, "Issued in error")
	require.NoError(t, err)
	wg.Wait()

	assert.False(t, a.Revoked(), "the caller's copy is not shared with the store")
	stored, err := f.store.GetAssertion(ctx, a.EntityID)
	require.NoError(t, err)
	assert.True(t, stored.Revoked())
}

func TestSign(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.issue(t)

	key, err := f.svc.RegisterKey(ctx, f.issuer.EntityID, f.signer.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, baseURL+"/public/keys/"+key.EntityID, key.KeyURL)

	keyDoc, err := f.svc.KeyDocument(ctx, key.EntityID)
	require.NoError(t, err)
	assert.Equal(t, "CryptographicKey", mustString(t, keyDoc, "type"))
	assert.Equal(t, baseURL+"/public/issuers/"+f.issuer.EntityID, mustString(t, keyDoc, "owner"))
	raw, err := keyDoc.MarshalJSON()
	require.NoError(t, err)
	published, err := crypto.ParseKeyDocument(raw, key.KeyURL)
	require.NoError(t, err)
	assert.True(t, published.JWK.Valid())

	a, err = f.svc.Sign(ctx, a.EntityID, key.EntityID)
	require.NoError(t, err)
	assert.Equal(t, badge.StateSigned, a.State())

	blob := string(unbaked(t, a.BakedImage))
	assert.Equal(t, a.Signature(), blob)

	entry, err := f.svc.Render(ctx, badge.KindAssertion, a.EntityID, projector.Options{})
	require.NoError(t, err)
	assert.Equal(t, issuance.ContentTypeSignature, entry.ContentType)
	assert.Equal(t, blob, string(entry.Body))

	res := crypto.NewVerifier(nil, f.trust).Verify(ctx, blob, "")
	require.True(t, res.Valid, res.Error)
	assert.Equal(t, key.KeyURL, res.KeyURL)
	assert.Equal(t, baseURL+"/public/keys/"+key.EntityID+"/assertions/"+a.EntityID, mustString(t, res.Payload, "id"))

	_, err = f.svc.Revoke(ctx, a.EntityID, "too late")
	assert.ErrorIs(t, err, badge.ErrInvalidTransition)

	img, err := f.svc.Rebake(ctx, a.EntityID, version.V1_1)
	require.NoError(t, err)
	assert.Equal(t, a.Signature(), string(unbaked(t, img)))
}

type failingSigner struct{ calls int }

func (s *failingSigner) Sign(context.Context, []byte, *badge.PublicKeyIssuer) (string, error) {
	s.calls++
	return "", &signing.ClientError{Code: "SIGNER_ERROR", Message: "unavailable"}
}

func TestSign_FailureLeavesPending(t *testing.T) {
	failing := &failingSigner{}
	f := newFixture(t, failing)
	ctx := context.Background()
	a := f.issue(t)
	key, err := f.svc.RegisterKey(ctx, f.issuer.EntityID, f.signer.PublicKey())
	require.NoError(t, err)

	_, err = f.svc.Sign(ctx, a.EntityID, key.EntityID)
	var ce *signing.ClientError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 1, failing.calls)

	stored, err := f.store.GetAssertion(ctx, a.EntityID)
	require.NoError(t, err)
	assert.Equal(t, badge.StatePendingSignature, stored.State())

	_, err = f.svc.Revoke(ctx, a.EntityID, "pending")
	assert.ErrorIs(t, err, badge.ErrInvalidTransition)

	_, err = f.svc.Sign(ctx, a.EntityID, "missing")
	assert.ErrorIs(t, err, badge.ErrNotFound)
}

func TestRebake(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.issue(t)
	original := a.BakedImage

	img, err := f.svc.Rebake(ctx, a.EntityID, version.V1_1)
	require.NoError(t, err)
	doc, err := ordered.Parse(unbaked(t, img))
	require.NoError(t, err)
	ctxIRI, _ := doc.String("@context")
	assert.Equal(t, version.IRIv1, ctxIRI)
	assert.True(t, doc.Has("verify"))

	n, err := bake.BadgeChunks(img)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := f.store.GetAssertion(ctx, a.EntityID)
	require.NoError(t, err)
	assert.Equal(t, original, stored.BakedImage, "non-default versions are not stored")

	other := f.issue(t)
	assert.Equal(t, 0, mustChunks(t, f.badgeClass.ImageData), "the template is never baked in place")
	assert.NotEqual(t, unbaked(t, original), unbaked(t, other.BakedImage))

	_, err = f.svc.Rebake(ctx, a.EntityID, version.V0_5)
	assert.ErrorIs(t, err, projector.ErrLegacyVersion)
}

func TestUpdateExtensions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.issue(t)
	items := map[string]json.RawMessage{
		"extensions:Recipient": json.RawMessage(`{"name": "Alice"}`),
	}

	stats, err := f.svc.UpdateExtensions(ctx, badge.RefOf(a), items)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Added)

	stored, err := f.store.GetAssertion(ctx, a.EntityID)
	require.NoError(t, err)
	doc, err := ordered.Parse(unbaked(t, stored.BakedImage))
	require.NoError(t, err)
	assert.True(t, doc.Has("extensions:Recipient"))

	entry, err := f.svc.Render(ctx, badge.KindAssertion, a.EntityID, projector.Options{})
	require.NoError(t, err)
	assert.Contains(t, string(entry.Body), "extensions:Recipient")

	writes := f.extensions.Writes()
	stats, err = f.svc.UpdateExtensions(ctx, badge.RefOf(a), items)
	require.NoError(t, err)
	assert.Zero(t, stats.Writes())
	assert.Equal(t, writes, f.extensions.Writes())

	_, err = f.svc.UpdateExtensions(ctx, badge.Ref{Kind: badge.KindIssuer, EntityID: "missing"}, items)
	assert.ErrorIs(t, err, badge.ErrNotFound)
}

func mustString(t *testing.T, m *ordered.Map, key string) string {
	t.Helper()
	s, ok := m.String(key)
	require.True(t, ok, key)
	return s
}

func mustChunks(t *testing.T, img []byte) int {
	t.Helper()
	n, err := bake.BadgeChunks(img)
	require.NoError(t, err)
	return n
}
