package projector

import (
	"net/url"
	"strings"

	"github.com/badgehub/badgehub-core/pkg/badge"
	"github.com/badgehub/badgehub-core/pkg/version"
)

// Links builds the public URLs of locally hosted documents.
type Links struct {
	// BaseURL is the public origin, e.g. "https://badges.example.org".
	BaseURL string
}

// NewLinks returns Links rooted at baseURL.
func NewLinks(baseURL string) Links {
	return Links{BaseURL: strings.TrimSuffix(baseURL, "/")}
}

// Public is the hosted URL of an entity.
func (l Links) Public(kind badge.Kind, entityID string) string {
	return l.BaseURL + "/public/" + kind.Path() + "/" + url.PathEscape(entityID)
}

// Signed is the public-key-scoped URL of an entity, used in signed documents.
func (l Links) Signed(kind badge.Kind, entityID string, key *badge.PublicKeyIssuer) string {
	return l.BaseURL + "/public/keys/" + url.PathEscape(key.EntityID) + "/" + kind.Path() + "/" + url.PathEscape(entityID)
}

// Key is the hosted CryptographicKey document of a signing key.
func (l Links) Key(keyEntityID string) string {
	return l.BaseURL + "/public/keys/" + url.PathEscape(keyEntityID)
}

// Image is the hosted image URL of an entity.
func (l Links) Image(kind badge.Kind, entityID string) string {
	return l.Public(kind, entityID) + "/image"
}

// Criteria is the hosted criteria page of a badge class.
func (l Links) Criteria(entityID string) string {
	return l.Public(badge.KindBadgeClass, entityID) + "/criteria"
}

// RevocationList is the hosted revocation list of an issuer.
func (l Links) RevocationList(issuerEntityID string) string {
	return l.Public(badge.KindIssuer, issuerEntityID) + "/revocations"
}

// withVersion appends ?v=<token> so hosted ids of non-default versions resolve
// back to the same version.
func withVersion(id string, v version.Version) string {
	if v == version.Default || id == "" {
		return id
	}
	u, err := url.Parse(id)
	if err != nil {
		return id
	}
	q := u.Query()
	q.Set("v", string(v))
	u.RawQuery = q.Encode()
	return u.String()
}
