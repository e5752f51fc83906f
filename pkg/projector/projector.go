// Package projector turns issuers, badge classes and assertions into the
// version-specific JSON(-LD) documents published for them, and parses such
// documents back into the badge model.
package projector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/badgehub/badgehub-core/pkg/badge"
	"github.com/badgehub/badgehub-core/pkg/extension"
	"github.com/badgehub/badgehub-core/pkg/ordered"
	"github.com/badgehub/badgehub-core/pkg/version"
)

// ErrLegacyVersion is returned when asked to produce a version that is only recognised, never produced.
var ErrLegacyVersion = errors.New("legacy version cannot be produced")

// Options select the shape of a projection.
type Options struct {
	// Version is the OBI version to produce; empty means version.Default.
	Version version.Version

	// ExpandBadgeClass embeds the badge class document in an assertion.
	ExpandBadgeClass bool

	// ExpandIssuer embeds the issuer document in a badge class (or in the expanded badge class of an assertion).
	ExpandIssuer bool

	// UseCanonicalID emits the remote source id of imported entities instead of the local one.
	UseCanonicalID bool

	// Signed produces the document for a signed assertion. PublicKey must be set.
	Signed bool

	// IncludeExtra merges unknown properties of the imported source document.
	IncludeExtra bool

	// PublicKey is the key the document is signed with.
	PublicKey *badge.PublicKeyIssuer
}

// Document is the result of a projection: either a JSON object or, for a
// signed assertion, the opaque signature blob.
type Document struct {
	Kind      badge.Kind
	Version   version.Version
	JSON      *ordered.Map
	Signature string
}

// IsSignature reports whether the document is a signature blob.
func (d *Document) IsSignature() bool {
	return d.Signature != ""
}

// Bytes returns the serialized document.
func (d *Document) Bytes() ([]byte, error) {
	if d.IsSignature() {
		return []byte(d.Signature), nil
	}
	return d.JSON.MarshalJSON()
}

// Indent returns the JSON document indented for display.
func (d *Document) Indent() ([]byte, error) {
	b, err := d.Bytes()
	if err != nil || d.IsSignature() {
		return b, err
	}
	var out bytes.Buffer
	if err := json.Indent(&out, b, "", "  "); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// Projector produces documents. It holds no mutable state and is safe for concurrent use.
type Projector struct {
	versions   *version.Table
	links      Links
	extensions extension.Lister
}

// New creates a Projector. extensions may be nil when no extensions are stored.
func New(versions *version.Table, links Links, extensions extension.Lister) *Projector {
	return &Projector{
		versions:   versions,
		links:      links,
		extensions: extensions,
	}
}

// Links returns the URL builder of the projector.
func (p *Projector) Links() Links {
	return p.links
}

// Project builds the document for e.
//
// Calling with Signed set and no PublicKey is a programming error and panics.
func (p *Projector) Project(ctx context.Context, e badge.Entity, opts Options) (*Document, error) {
	if opts.Version == "" {
		opts.Version = version.Default
	}
	vctx, err := p.versions.Lookup(string(opts.Version))
	if err != nil {
		return nil, badge.WrapError(badge.ErrCodeUnsupportedVersion, "cannot project", err)
	}
	if !vctx.Projectable() {
		return nil, badge.WrapError(badge.ErrCodeUnsupportedVersion, fmt.Sprintf("version %s", vctx.Version.Dotted()), ErrLegacyVersion)
	}
	if opts.Signed && opts.PublicKey == nil {
		panic("projector: Signed projection requested without a PublicKey")
	}

	pr := &projection{p: p, ctx: ctx, vctx: vctx, opts: opts}

	var m *ordered.Map
	switch e := e.(type) {
	case *badge.Issuer:
		m, err = pr.issuer(e)
	case *badge.BadgeClass:
		m, err = pr.badgeClass(e)
	case *badge.Assertion:
		if opts.Signed && e.Signature() != "" && !e.Revoked() {
			return &Document{Kind: badge.KindAssertion, Version: vctx.Version, Signature: e.Signature()}, nil
		}
		m, err = pr.assertion(e)
	default:
		panic(fmt.Sprintf("projector: unexpected entity %T", e))
	}
	if err != nil {
		return nil, err
	}
	return &Document{Kind: e.Kind(), Version: vctx.Version, JSON: m}, nil
}

// projection carries the per-call state of one Project call.
type projection struct {
	p    *Projector
	ctx  context.Context
	vctx version.Context
	opts Options
}

func (pr *projection) v() version.Version {
	return pr.vctx.Version
}

func (pr *projection) is3() bool {
	return pr.vctx.Version == version.V3_0
}

// start creates the map with @context first.
func (pr *projection) start() *ordered.Map {
	m := ordered.New()
	m.Set("@context", pr.vctx.Value())
	return m
}

// idFor picks the id of an entity for this projection.
func (pr *projection) idFor(kind badge.Kind, entityID, localID, sourceURL string) string {
	if pr.opts.UseCanonicalID && sourceURL != "" {
		return sourceURL
	}
	if pr.opts.Signed {
		return pr.p.links.Signed(kind, entityID, pr.opts.PublicKey)
	}
	id := localID
	if id == "" {
		id = pr.p.links.Public(kind, entityID)
	}
	if sourceURL == "" {
		id = withVersion(id, pr.v())
	}
	return id
}

// imageFor picks the image URL of an entity for this projection.
func (pr *projection) imageFor(kind badge.Kind, entityID, image string) string {
	if pr.opts.Signed {
		return pr.p.links.Signed(kind, entityID, pr.opts.PublicKey) + "/image"
	}
	if image != "" {
		return image
	}
	return pr.p.links.Image(kind, entityID)
}

// appendExtensions adds each extension as a top-level key without replacing projector fields.
func (pr *projection) appendExtensions(m *ordered.Map, e badge.Entity) error {
	if pr.p.extensions == nil {
		return nil
	}
	exts, err := pr.p.extensions.List(pr.ctx, badge.RefOf(e))
	if err != nil {
		return fmt.Errorf("failed to load extensions of %s: %w", badge.RefOf(e), err)
	}
	for _, ext := range exts {
		v, err := decodeValue(ext.JSON)
		if err != nil {
			return fmt.Errorf("extension %s of %s: %w", ext.Name, badge.RefOf(e), err)
		}
		m.SetIfAbsent(ext.Name, v)
	}
	return nil
}

// appendExtra merges unknown properties of the original document.
func (pr *projection) appendExtra(m *ordered.Map, original *ordered.Map) {
	if !pr.opts.IncludeExtra || original == nil {
		return
	}
	for _, k := range original.Keys() {
		if reserved[k] || m.Has(k) {
			continue
		}
		v, _ := original.Get(k)
		m.Set(k, v)
	}
}

// reserved are properties the projector owns in some version; an imported
// document never passes them through.
var reserved = map[string]bool{
	"@context": true, "id": true, "type": true, "uid": true,
	"name": true, "description": true, "url": true, "email": true, "image": true,
	"recipient": true, "badge": true, "issuedOn": true, "expires": true,
	"verify": true, "verification": true, "evidence": true, "narrative": true,
	"revoked": true, "revocationReason": true, "revocationList": true, "publicKey": true,
	"issuer": true, "criteria": true, "alignment": true, "tags": true, "tag": true,
	"credentialSubject": true, "issuanceDate": true, "expirationDate": true,
	"achievement": true, "creator": true, "inLanguage": true, "proof": true,
}

func decodeValue(raw []byte) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return ordered.Parse(trimmed)
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
