package resolver

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/badgehub/badgehub-core/pkg/recipient"
)

const (
	recipientEmail = "alice@example.org"
	recipientSalt  = "deadsea"
)

type route struct {
	status      int
	contentType string
	body        []byte
}

// origin is a remote badge host with per-path canned responses.
type origin struct {
	*httptest.Server
	mu     sync.Mutex
	routes map[string]route
	hits   map[string]int
	accept map[string]string
}

func newOrigin(t *testing.T) *origin {
	t.Helper()
	o := &origin{routes: map[string]route{}, hits: map[string]int{}, accept: map[string]string{}}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		rt, ok := o.routes[r.URL.Path]
		o.hits[r.URL.Path]++
		o.accept[r.URL.Path] = r.Header.Get("Accept")
		o.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		if rt.contentType != "" {
			w.Header().Set("Content-Type", rt.contentType)
		}
		w.WriteHeader(rt.status)
		_, _ = w.Write(rt.body)
	}))
	t.Cleanup(o.Close)
	return o
}

func (o *origin) url(path string) string {
	return o.URL + path
}

func (o *origin) set(path string, status int, contentType string, body []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.routes[path] = route{status: status, contentType: contentType, body: body}
}

func (o *origin) json(t *testing.T, path string, doc any) {
	t.Helper()
	body, err := json.Marshal(doc)
	require.NoError(t, err)
	o.set(path, http.StatusOK, "application/ld+json", body)
}

func (o *origin) hitCount(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

func (o *origin) acceptOf(path string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.accept[path]
}

func testPNG(t *testing.T, size int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for x := 0; x < size; x++ {
		img.Set(x, x, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func testFetcher() *HTTPFetcher {
	f := NewHTTPFetcher(FetcherOptions{AllowPrivateHosts: true, MaxRetries: 2, Timeout: 2 * time.Second})
	f.initialInterval = time.Millisecond
	return f
}

func hashedRecipient() map[string]any {
	return map[string]any{
		"type":     "email",
		"hashed":   true,
		"salt":     recipientSalt,
		"identity": recipient.Hash(recipientEmail, recipientSalt),
	}
}

// hostV2 publishes a 2.0 assertion, badge class, issuer and image on o and
// returns the assertion document.
func hostV2(t *testing.T, o *origin) map[string]any {
	t.Helper()
	o.set("/img.png", http.StatusOK, "image/png", testPNG(t, 32))
	o.json(t, "/issuer", map[string]any{
		"@context": "https://w3id.org/openbadges/v2",
		"type":     "Issuer",
		"id":       o.url("/issuer"),
		"name":     "Remote Academy",
		"url":      "https://academy.example",
	})
	o.json(t, "/bc", map[string]any{
		"@context":    "https://w3id.org/openbadges/v2",
		"type":        "BadgeClass",
		"id":          o.url("/bc"),
		"name":        "Go Basics",
		"description": "Knows the basics",
		"image":       o.url("/img.png"),
		"criteria":    map[string]any{"narrative": "Complete the course"},
		"issuer":      o.url("/issuer"),
	})
	a := map[string]any{
		"@context":     "https://w3id.org/openbadges/v2",
		"type":         "Assertion",
		"id":           o.url("/a"),
		"recipient":    hashedRecipient(),
		"badge":        o.url("/bc"),
		"issuedOn":     "2024-01-02T03:04:05Z",
		"verification": map[string]any{"type": "HostedBadge"},
		"extensions:Note": map[string]any{
			"type": []any{"Extension", "extensions:Note"},
			"text": "hello",
		},
	}
	o.json(t, "/a", a)
	return a
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func codes(r *Result) []string {
	var out []string
	for _, i := range r.Report.Issues {
		out = append(out, i.Code+":"+i.Component+":"+i.PropName)
	}
	return out
}

func joinCodes(r *Result) string {
	return strings.Join(codes(r), ", ")
}
