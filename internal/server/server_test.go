package server

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/badgehub/badgehub-core/pkg/badge"
	"github.com/badgehub/badgehub-core/pkg/bake"
	"github.com/badgehub/badgehub-core/pkg/cache"
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

const (
	baseURL   = "https://badges.example.org"
	googlebot = "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)"
	browser   = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

type env struct {
	srv        *httptest.Server
	svc        *issuance.Service
	signer     *signing.LocalSigner
	issuer     *badge.Issuer
	badgeClass *badge.BadgeClass
	assertion  *badge.Assertion
}

func setup(t *testing.T, health map[string]HealthCheck) *env {
	t.Helper()
	ctx := context.Background()
	exts := extension.NewMemoryStore()
	trustStore, err := trust.NewFileStore(t.TempDir())
	require.NoError(t, err)
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := signing.NewLocalSigner(jose.JSONWebKey{Key: priv})
	require.NoError(t, err)

	svc, err := issuance.NewService(issuance.Config{
		Store:       store.NewMemoryStore(),
		Projector:   projector.New(version.NewTable(), projector.NewLinks(baseURL), exts),
		Cache:       cache.NewMemoryCache(0),
		Revocations: revocation.NewMemoryCache(),
		Extensions:  exts,
		Signer:      signer,
		Trust:       trustStore,
	})
	require.NoError(t, err)

	e := &env{svc: svc, signer: signer}
	e.issuer, err = badge.NewIssuer("Example University", "https://example.edu", "badges@example.edu")
	require.NoError(t, err)
	require.NoError(t, svc.CreateIssuer(ctx, e.issuer))

	e.badgeClass, err = badge.NewBadgeClass(e.issuer, "Go Expert", "Writes idiomatic Go")
	require.NoError(t, err)
	require.NoError(t, e.badgeClass.SetCriteria("", "Pass the exam"))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 64, 64))))
	e.badgeClass.ImageData = buf.Bytes()
	require.NoError(t, svc.CreateBadgeClass(ctx, e.badgeClass))

	e.assertion, err = svc.Issue(ctx, issuance.IssueRequest{
		BadgeClassID: e.badgeClass.EntityID,
		Recipient:    recipient.Identity{Identifier: "alice@example.org", Hashed: true},
		IssuedOn:     time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	e.srv = httptest.NewServer(New(Config{
		Service:  svc,
		Gatherer: reg,
		Metrics:  NewMetrics(reg),
		Health:   health,
	}))
	t.Cleanup(e.srv.Close)
	return e
}

func get(t *testing.T, url, ua string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func parse(t *testing.T, body []byte) *ordered.Map {
	t.Helper()
	doc, err := ordered.Parse(body)
	require.NoError(t, err)
	return doc
}

func TestDocuments(t *testing.T) {
	e := setup(t, nil)
	assertionURL := e.srv.URL + "/public/assertions/" + e.assertion.EntityID

	t.Run("default version", func(t *testing.T) {
		resp, body := get(t, assertionURL, browser)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, issuance.ContentTypeJSONLD, resp.Header.Get("Content-Type"))
		doc := parse(t, body)
		id, _ := doc.String("id")
		assert.Equal(t, baseURL+"/public/assertions/"+e.assertion.EntityID, id)
		badgeRef, _ := doc.String("badge")
		assert.Equal(t, baseURL+"/public/badges/"+e.badgeClass.EntityID, badgeRef)
	})

	t.Run("version 1.1", func(t *testing.T) {
		resp, body := get(t, assertionURL+"?v=1_1", browser)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		doc := parse(t, body)
		ctxIRI, _ := doc.String("@context")
		assert.Equal(t, version.IRIv1, ctxIRI)
		id, _ := doc.String("id")
		assert.Contains(t, id, "v=1_1")
	})

	t.Run("expand", func(t *testing.T) {
		resp, body := get(t, assertionURL+"?expand=badge.issuer", browser)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		bc, ok := parse(t, body).Object("badge")
		require.True(t, ok)
		iss, ok := bc.Object("issuer")
		require.True(t, ok)
		name, _ := iss.String("name")
		assert.Equal(t, "Example University", name)
	})

	t.Run("badge class and issuer", func(t *testing.T) {
		resp, body := get(t, e.srv.URL+"/public/badges/"+e.badgeClass.EntityID, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		name, _ := parse(t, body).String("name")
		assert.Equal(t, "Go Expert", name)

		resp, _ = get(t, e.srv.URL+"/public/issuers/"+e.issuer.EntityID, "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("errors", func(t *testing.T) {
		for url, want := range map[string]int{
			assertionURL + "?v=9_9":               http.StatusBadRequest,
			assertionURL + "?v=0_5":               http.StatusBadRequest,
			e.srv.URL + "/public/assertions/nope": http.StatusNotFound,
			e.srv.URL + "/public/issuers/nope":    http.StatusNotFound,
		} {
			resp, body := get(t, url, browser)
			assert.Equal(t, want, resp.StatusCode, url)
			assert.Contains(t, string(body), `"error"`)
		}
	})
}

func TestOpenGraph(t *testing.T) {
	e := setup(t, nil)
	resp, body := get(t, e.srv.URL+"/public/assertions/"+e.assertion.EntityID, googlebot)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, string(body), `<meta property="og:title" content="Go Expert">`)
	assert.Contains(t, string(body), "/public/assertions/"+e.assertion.EntityID+"/image")

	resp, _ = get(t, e.srv.URL+"/public/badges/"+e.badgeClass.EntityID, "facebookexternalhit/1.1")
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
}

func TestIsBot(t *testing.T) {
	for ua, want := range map[string]bool{
		googlebot:                    true,
		"Slackbot-LinkExpanding 1.0": true,
		"facebookexternalhit/1.1":    true,
		browser:                      false,
		"":                           false,
	} {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("User-Agent", ua)
		assert.Equal(t, want, IsBot(r), ua)
	}
}

func TestImages(t *testing.T) {
	e := setup(t, nil)
	url := e.srv.URL + "/public/assertions/" + e.assertion.EntityID + "/image"

	resp, body := get(t, url, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Equal(t, e.assertion.BakedImage, body)

	resp, body = get(t, url+"?v=1_1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	payload, baked, err := bake.Unbake(body)
	require.NoError(t, err)
	require.True(t, baked)
	assert.Contains(t, string(payload), version.IRIv1)

	resp, body = get(t, e.srv.URL+"/public/badges/"+e.badgeClass.EntityID+"/image", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, e.badgeClass.ImageData, body)

	resp, body = get(t, e.srv.URL+"/public/badges/"+e.badgeClass.EntityID+"/criteria", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Pass the exam", string(body))
}

func TestRevocations(t *testing.T) {
	e := setup(t, nil)
	ctx := context.Background()
	_, err := e.svc.Revoke(ctx, e.assertion.EntityID, "Issued in error")
	require.NoError(t, err)

	resp, body := get(t, e.srv.URL+"/public/issuers/"+e.issuer.EntityID+"/revocations", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	revs, err := revocation.FromList(parse(t, body))
	require.NoError(t, err)
	require.Len(t, revs, 1)
	assert.Equal(t, e.assertion.EntityID, revs[0].UID)
	assert.Equal(t, "Issued in error", revs[0].Reason)

	resp, body = get(t, e.srv.URL+"/public/assertions/"+e.assertion.EntityID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"revoked":true`)
}

func TestKeysAndSigned(t *testing.T) {
	e := setup(t, nil)
	ctx := context.Background()
	key, err := e.svc.RegisterKey(ctx, e.issuer.EntityID, e.signer.PublicKey())
	require.NoError(t, err)
	_, err = e.svc.Sign(ctx, e.assertion.EntityID, key.EntityID)
	require.NoError(t, err)

	resp, body := get(t, e.srv.URL+"/public/keys/"+key.EntityID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	doc := parse(t, body)
	typ, _ := doc.String("type")
	assert.Equal(t, "CryptographicKey", typ)
	pem, _ := doc.String("publicKeyPem")
	assert.Contains(t, pem, "BEGIN PUBLIC KEY")

	resp, body = get(t, e.srv.URL+"/public/keys/"+key.EntityID+"/assertions/"+e.assertion.EntityID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, issuance.ContentTypeSignature, resp.Header.Get("Content-Type"))
	assert.Len(t, bytes.Split(body, []byte(".")), 3)

	signed := body
	for _, q := range []string{"", "?v=1_1"} {
		resp, body = get(t, e.srv.URL+"/public/assertions/"+e.assertion.EntityID+q, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, issuance.ContentTypeSignature, resp.Header.Get("Content-Type"))
		assert.Equal(t, signed, body)
	}

	resp, _ = get(t, e.srv.URL+"/public/keys/other/assertions/"+e.assertion.EntityID, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = get(t, e.srv.URL+"/public/keys/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	e := setup(t, map[string]HealthCheck{
		"store": func(context.Context) error { return nil },
	})
	resp, body := get(t, e.srv.URL+"/healthz", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok","checks":{"store":"ok"}}`, string(body))

	get(t, e.srv.URL+"/public/assertions/"+e.assertion.EntityID, "")
	resp, body = get(t, e.srv.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `badgehub_http_requests_total{code="200",method="GET",route="/public/assertions/{id}"} 1`)

	failing := setup(t, map[string]HealthCheck{
		"cache": func(context.Context) error { return errors.New("connection refused") },
	})
	resp, body = get(t, failing.srv.URL+"/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), "connection refused")
}
