package projector

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/badgehub/badgehub-core/pkg/badge"
	"github.com/badgehub/badgehub-core/pkg/extension"
	"github.com/badgehub/badgehub-core/pkg/ordered"
	"github.com/badgehub/badgehub-core/pkg/recipient"
	"github.com/badgehub/badgehub-core/pkg/report"
	"github.com/badgehub/badgehub-core/pkg/version"
)

// ErrInvalidDate is returned by ParseDate for values that are not a supported date form.
var ErrInvalidDate = errors.New("invalid date")

// ParsedIssuer is an issuer document read back into model fields.
type ParsedIssuer struct {
	ID             string
	Name           string
	URL            string
	Email          string
	Description    string
	Image          string
	Language       string
	RevocationList string
	Extensions     map[string]json.RawMessage
	Original       *ordered.Map
}

// ParsedBadgeClass is a badge class document read back into model fields.
type ParsedBadgeClass struct {
	ID           string
	Name         string
	Description  string
	Image        string
	CriteriaURL  string
	CriteriaText string
	Alignments   []badge.Alignment
	Tags         []string
	Language     string

	// IssuerRef is the issuer id; EmbeddedIssuer is set when the issuer was inlined.
	IssuerRef      string
	EmbeddedIssuer *ordered.Map

	Extensions map[string]json.RawMessage
	Original   *ordered.Map
}

// ParsedAssertion is an assertion document read back into model fields.
type ParsedAssertion struct {
	ID        string
	Recipient recipient.Identity
	IssuedOn  time.Time
	ExpiresAt *time.Time
	Image     string
	Narrative string
	Evidence  []badge.Evidence

	// BadgeRef is the badge class id; EmbeddedBadge is set when the badge class was inlined.
	BadgeRef      string
	EmbeddedBadge *ordered.Map

	// VerificationType is "hosted" or "signed" regardless of version spelling.
	VerificationType string

	// VerificationURL is the hosted url (1.x) or the signing key url.
	VerificationURL string

	Revoked          bool
	RevocationReason string

	Extensions map[string]json.RawMessage
	Original   *ordered.Map
}

// Signed reports whether the document declares signed verification.
func (p *ParsedAssertion) Signed() bool {
	return p.VerificationType == "signed"
}

// ParseIssuer reads an issuer document of version v. Structural defects are
// added to rep; the result is always non-nil.
func ParseIssuer(doc *ordered.Map, v version.Version, rep *report.Report) *ParsedIssuer {
	const comp = report.ComponentIssuer
	p := &ParsedIssuer{Original: doc, Extensions: extensionsOf(doc)}
	p.ID, _ = doc.String("id")
	p.Name = requireString(doc, "name", comp, rep)
	if v == version.V3_0 {
		p.URL, _ = doc.String("url")
	} else {
		p.URL = requireString(doc, "url", comp, rep)
	}
	if v == version.V2_0 && p.ID == "" {
		rep.MissingProperty(comp, "id")
	}
	p.Email, _ = doc.String("email")
	p.Description, _ = doc.String("description")
	p.Image = idOf(doc, "image")
	p.Language, _ = doc.String("inLanguage")
	p.RevocationList, _ = doc.String("revocationList")
	return p
}

// Build creates the issuer entity. sourceURL is the canonical remote id.
func (p *ParsedIssuer) Build(sourceURL string) (*badge.Issuer, error) {
	i, err := badge.NewIssuer(p.Name, p.URL, p.Email)
	if err != nil {
		return nil, err
	}
	i.ID = firstNonEmpty(p.ID, sourceURL)
	i.SourceURL = firstNonEmpty(sourceURL, p.ID)
	i.Description = p.Description
	i.Image = p.Image
	i.Language = p.Language
	i.RevocationList = p.RevocationList
	i.Original = p.Original
	return i, nil
}

// ParseBadgeClass reads a badge class (or OB3 achievement) document of version v.
func ParseBadgeClass(doc *ordered.Map, v version.Version, rep *report.Report) *ParsedBadgeClass {
	const comp = report.ComponentBadgeClass
	p := &ParsedBadgeClass{Original: doc, Extensions: extensionsOf(doc)}
	p.ID, _ = doc.String("id")
	if v == version.V2_0 && p.ID == "" {
		rep.MissingProperty(comp, "id")
	}
	p.Name = requireString(doc, "name", comp, rep)
	p.Description = requireString(doc, "description", comp, rep)

	if !doc.Has("image") {
		if v != version.V3_0 {
			rep.MissingProperty(comp, "image")
		}
	} else if p.Image = idOf(doc, "image"); p.Image == "" {
		rep.InvalidProperty(comp, "image", "expected a URL or an image object")
	}

	switch c, _ := doc.Get("criteria"); c := c.(type) {
	case nil:
		rep.MissingProperty(comp, "criteria")
	case string:
		p.CriteriaURL = c
	case *ordered.Map:
		p.CriteriaURL, _ = c.String("id")
		p.CriteriaText, _ = c.String("narrative")
		if p.CriteriaURL != "" && p.CriteriaText != "" {
			// Both are allowed in the document; the model keeps the URL.
			p.CriteriaText = ""
		}
	default:
		rep.InvalidProperty(comp, "criteria", "expected a URL or a criteria object")
	}

	issuerKey := "issuer"
	if v == version.V3_0 {
		issuerKey = "creator"
	}
	switch iss, _ := doc.Get(issuerKey); iss := iss.(type) {
	case nil:
		if v != version.V3_0 {
			rep.MissingProperty(comp, issuerKey)
		}
	case string:
		p.IssuerRef = iss
	case *ordered.Map:
		p.IssuerRef, _ = iss.String("id")
		p.EmbeddedIssuer = iss
	default:
		rep.InvalidProperty(comp, issuerKey, "expected a URL or an issuer object")
	}

	p.Alignments = parseAlignments(doc)
	tagKey := "tags"
	if v == version.V3_0 {
		tagKey = "tag"
	}
	p.Tags = stringsOf(doc, tagKey)
	p.Language, _ = doc.String("inLanguage")
	return p
}

// Build creates the badge class entity owned by issuer.
func (p *ParsedBadgeClass) Build(issuer *badge.Issuer, sourceURL string) (*badge.BadgeClass, error) {
	bc, err := badge.NewBadgeClass(issuer, p.Name, p.Description)
	if err != nil {
		return nil, err
	}
	if err := bc.SetCriteria(p.CriteriaURL, p.CriteriaText); err != nil {
		return nil, err
	}
	bc.ID = firstNonEmpty(p.ID, sourceURL)
	bc.SourceURL = firstNonEmpty(sourceURL, p.ID)
	bc.Image = p.Image
	bc.Alignments = p.Alignments
	bc.Tags = p.Tags
	bc.Language = p.Language
	bc.Original = p.Original
	return bc, nil
}

// ParseAssertion reads an assertion (or OB3 credential) document of version v.
func ParseAssertion(doc *ordered.Map, v version.Version, rep *report.Report) *ParsedAssertion {
	if v == version.V3_0 {
		return parseCredential(doc, rep)
	}

	const comp = report.ComponentAssertion
	p := &ParsedAssertion{Original: doc, Extensions: extensionsOf(doc)}
	p.ID, _ = doc.String("id")
	if v == version.V2_0 {
		if p.ID == "" {
			rep.MissingProperty(comp, "id")
		}
		if !doc.Has("type") {
			rep.MissingProperty(comp, "type")
		}
	}

	if revoked, ok := doc.Get("revoked"); ok && revoked == true {
		p.Revoked = true
		p.RevocationReason, _ = doc.String("revocationReason")
		return p
	}

	switch r, _ := doc.Get("recipient"); r := r.(type) {
	case nil:
		rep.MissingProperty(comp, "recipient")
	case *ordered.Map:
		p.Recipient = parseRecipient(r, comp, rep)
	default:
		rep.InvalidProperty(comp, "recipient", "expected a recipient object")
	}

	switch b, _ := doc.Get("badge"); b := b.(type) {
	case nil:
		rep.MissingProperty(comp, "badge")
	case string:
		p.BadgeRef = b
	case *ordered.Map:
		p.BadgeRef, _ = b.String("id")
		p.EmbeddedBadge = b
	default:
		rep.InvalidProperty(comp, "badge", "expected a URL or a badge class object")
	}

	p.IssuedOn = requireDate(doc, "issuedOn", comp, rep)
	p.ExpiresAt = optionalDate(doc, "expires", comp, rep)
	p.Image = idOf(doc, "image")
	p.Narrative, _ = doc.String("narrative")
	p.Evidence = parseEvidence(doc)

	verifyKey := "verify"
	if v == version.V2_0 {
		verifyKey = "verification"
	}
	ver, ok := doc.Object(verifyKey)
	if !ok {
		rep.MissingProperty(comp, verifyKey)
		return p
	}
	typ, _ := ver.String("type")
	switch strings.ToLower(typ) {
	case "hosted", "hostedbadge":
		p.VerificationType = "hosted"
		p.VerificationURL, _ = ver.String("url")
	case "signed", "signedbadge":
		p.VerificationType = "signed"
		p.VerificationURL = firstNonEmpty(stringOf(ver, "creator"), stringOf(ver, "url"))
	default:
		rep.InvalidProperty(comp, verifyKey+".type", fmt.Sprintf("unknown verification type %q", typ))
	}
	if v != version.V2_0 && p.VerificationURL == "" {
		rep.MissingProperty(comp, verifyKey+".url")
	}
	return p
}

func parseCredential(doc *ordered.Map, rep *report.Report) *ParsedAssertion {
	const comp = report.ComponentAssertion
	p := &ParsedAssertion{Original: doc, Extensions: extensionsOf(doc), VerificationType: "hosted"}
	p.ID, _ = doc.String("id")

	subject, ok := doc.Object("credentialSubject")
	if !ok {
		rep.MissingProperty(comp, "credentialSubject")
	} else {
		ids, _ := subject.Get("identifier")
		list, _ := ids.([]any)
		var first *ordered.Map
		if len(list) > 0 {
			first, _ = list[0].(*ordered.Map)
		}
		if first == nil {
			rep.MissingProperty(comp, "credentialSubject.identifier")
		} else {
			p.Recipient = parseIdentityObject(first, comp, rep)
		}
		if ach, ok := subject.Object("achievement"); ok {
			p.EmbeddedBadge = ach
			p.BadgeRef, _ = ach.String("id")
			if !ach.Has("creator") {
				if iss, ok := doc.Object("issuer"); ok {
					ach = ach.Clone()
					ach.Set("creator", iss)
					p.EmbeddedBadge = ach
				}
			}
		} else {
			rep.MissingProperty(comp, "credentialSubject.achievement")
		}
		p.Narrative, _ = subject.String("narrative")
	}

	p.IssuedOn = requireDate(doc, "issuanceDate", comp, rep)
	p.ExpiresAt = optionalDate(doc, "expirationDate", comp, rep)
	p.Image = idOf(doc, "image")
	p.Evidence = parseEvidence(doc)
	return p
}

// Build creates the assertion entity of badgeClass.
func (p *ParsedAssertion) Build(badgeClass *badge.BadgeClass, sourceURL string) (*badge.Assertion, error) {
	a, err := badge.NewAssertion(badgeClass, p.Recipient, p.IssuedOn)
	if err != nil {
		return nil, err
	}
	a.ID = firstNonEmpty(p.ID, sourceURL)
	a.SourceURL = firstNonEmpty(sourceURL, p.ID)
	a.ExpiresAt = p.ExpiresAt
	a.Image = p.Image
	a.Narrative = p.Narrative
	a.Evidence = p.Evidence
	a.Original = p.Original
	return a, nil
}

func parseRecipient(r *ordered.Map, comp string, rep *report.Report) recipient.Identity {
	var id recipient.Identity
	typ, _ := r.String("type")
	if typ == "" {
		typ = string(recipient.TypeEmail)
	}
	id.Type = recipient.Type(typ)
	if !id.Type.Valid() {
		rep.InvalidProperty(comp, "recipient.type", fmt.Sprintf("unknown recipient type %q", typ))
	}
	id.Hashed = boolOf(r, "hashed")
	id.Salt, _ = r.String("salt")
	identity, ok := r.String("identity")
	if !ok || identity == "" {
		rep.MissingProperty(comp, "recipient.identity")
		return id
	}
	if id.Hashed {
		id.HashedIdentity = identity
		if !strings.Contains(identity, "$") {
			rep.InvalidProperty(comp, "recipient.identity", "hashed identity must be algorithm$hash")
		}
	} else {
		id.Identifier = identity
	}
	return id
}

func parseIdentityObject(r *ordered.Map, comp string, rep *report.Report) recipient.Identity {
	var id recipient.Identity
	typ, _ := r.String("identityType")
	switch typ {
	case "emailAddress", "":
		id.Type = recipient.TypeEmail
	case "url":
		id.Type = recipient.TypeURL
	case "phoneNumber":
		id.Type = recipient.TypeTelephone
	default:
		id.Type = recipient.TypeID
	}
	id.Hashed = boolOf(r, "hashed")
	id.Salt, _ = r.String("salt")
	identity, _ := r.String("identityHash")
	if identity == "" {
		rep.MissingProperty(comp, "credentialSubject.identifier.identityHash")
		return id
	}
	if id.Hashed {
		id.HashedIdentity = identity
	} else {
		id.Identifier = identity
	}
	return id
}

func parseAlignments(doc *ordered.Map) []badge.Alignment {
	raw, _ := doc.Get("alignment")
	list, _ := raw.([]any)
	var out []badge.Alignment
	for _, item := range list {
		m, ok := item.(*ordered.Map)
		if !ok {
			continue
		}
		out = append(out, badge.Alignment{
			TargetName:        firstNonEmpty(stringOf(m, "targetName"), stringOf(m, "name")),
			TargetURL:         firstNonEmpty(stringOf(m, "targetUrl"), stringOf(m, "url")),
			TargetDescription: firstNonEmpty(stringOf(m, "targetDescription"), stringOf(m, "description")),
			TargetFramework:   stringOf(m, "targetFramework"),
			TargetCode:        stringOf(m, "targetCode"),
		})
	}
	return out
}

func parseEvidence(doc *ordered.Map) []badge.Evidence {
	raw, ok := doc.Get("evidence")
	if !ok {
		return nil
	}
	var list []any
	switch raw := raw.(type) {
	case []any:
		list = raw
	default:
		list = []any{raw}
	}
	var out []badge.Evidence
	for _, item := range list {
		switch item := item.(type) {
		case string:
			out = append(out, badge.Evidence{URL: item})
		case *ordered.Map:
			ev := badge.Evidence{URL: stringOf(item, "id"), Narrative: stringOf(item, "narrative")}
			if ev.URL != "" || ev.Narrative != "" {
				out = append(out, ev)
			}
		}
	}
	return out
}

// extensionsOf collects the "extensions:" keys of a document.
func extensionsOf(doc *ordered.Map) map[string]json.RawMessage {
	out := map[string]json.RawMessage{}
	for _, k := range doc.Keys() {
		if !strings.HasPrefix(k, extension.Prefix) {
			continue
		}
		v, _ := doc.Get(k)
		raw, err := json.Marshal(v)
		if err != nil {
			continue
		}
		out[k] = raw
	}
	return out
}

// ParseDate accepts the date forms found in the wild: RFC 3339, a date
// without zone (taken as UTC), a bare date, or a unix timestamp in seconds.
func ParseDate(v any) (time.Time, error) {
	switch v := v.(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %s", ErrInvalidDate, v)
		}
		return time.Unix(n, 0).UTC(), nil
	case float64:
		return time.Unix(int64(v), 0).UTC(), nil
	case string:
		s := strings.TrimSpace(v)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.Unix(n, 0).UTC(), nil
		}
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
	default:
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidDate, v)
	}
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02",
}

func requireDate(doc *ordered.Map, key, comp string, rep *report.Report) time.Time {
	raw, ok := doc.Get(key)
	if !ok {
		rep.MissingProperty(comp, key)
		return time.Time{}
	}
	t, err := ParseDate(raw)
	if err != nil {
		rep.InvalidProperty(comp, key, err.Error())
	}
	return t
}

func optionalDate(doc *ordered.Map, key, comp string, rep *report.Report) *time.Time {
	raw, ok := doc.Get(key)
	if !ok || raw == nil || raw == "" {
		return nil
	}
	t, err := ParseDate(raw)
	if err != nil {
		rep.InvalidProperty(comp, key, err.Error())
		return nil
	}
	return &t
}

func requireString(doc *ordered.Map, key, comp string, rep *report.Report) string {
	raw, ok := doc.Get(key)
	if !ok || raw == nil {
		rep.MissingProperty(comp, key)
		return ""
	}
	s, ok := raw.(string)
	if !ok {
		if lang, isMap := raw.(*ordered.Map); isMap {
			// Language maps: take the first value.
			for _, k := range lang.Keys() {
				if v, _ := lang.String(k); v != "" {
					return v
				}
			}
		}
		rep.InvalidProperty(comp, key, "expected a string")
		return ""
	}
	if strings.TrimSpace(s) == "" {
		rep.MissingProperty(comp, key)
	}
	return s
}

// idOf returns a string value, or the id of an object value.
func idOf(doc *ordered.Map, key string) string {
	raw, _ := doc.Get(key)
	switch raw := raw.(type) {
	case string:
		return raw
	case *ordered.Map:
		return stringOf(raw, "id")
	}
	return ""
}

func stringsOf(doc *ordered.Map, key string) []string {
	raw, _ := doc.Get(key)
	list, _ := raw.([]any)
	var out []string
	for _, item := range list {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func stringOf(m *ordered.Map, key string) string {
	s, _ := m.String(key)
	return s
}

func boolOf(m *ordered.Map, key string) bool {
	raw, _ := m.Get(key)
	switch raw := raw.(type) {
	case bool:
		return raw
	case string:
		return strings.EqualFold(raw, "true")
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
