// Package recipient implements salted hashing of recipient identifiers so
// published badge documents do not expose the recipient's email or phone.
package recipient

import (
	"crypto/md5" //nolint:gosec // md5 is only used to check legacy imported badges
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// Type is the kind of identifier a recipient is addressed by.
type Type string

// Recipient identifier types.
const (
	TypeEmail     Type = "email"
	TypeURL       Type = "url"
	TypeTelephone Type = "telephone"
	TypeID        Type = "id"
)

// Valid reports whether t is one of the known identifier types.
func (t Type) Valid() bool {
	switch t {
	case TypeEmail, TypeURL, TypeTelephone, TypeID:
		return true
	}
	return false
}

// IdentityType returns the OB3 identityType value for t.
func (t Type) IdentityType() string {
	switch t {
	case TypeEmail:
		return "emailAddress"
	case TypeURL:
		return "url"
	case TypeTelephone:
		return "phoneNumber"
	default:
		return "identifier"
	}
}

const (
	sha256Prefix = "sha256$"
	md5Prefix    = "md5$"
)

// Hash returns "sha256$" + hex(sha256(lowercase(identifier) + salt)).
// Only the identifier is lowercased, never the salt.
func Hash(identifier, salt string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(identifier) + salt))
	return sha256Prefix + hex.EncodeToString(sum[:])
}

// Verify recomputes the hash of candidate with salt and compares it to expected.
// Legacy "md5$" hashes found in imported badges are accepted as well.
func Verify(candidate, salt, expected string) bool {
	var computed string
	switch {
	case strings.HasPrefix(expected, sha256Prefix):
		computed = Hash(candidate, salt)
	case strings.HasPrefix(expected, md5Prefix):
		sum := md5.Sum([]byte(strings.ToLower(candidate) + salt)) //nolint:gosec
		computed = md5Prefix + hex.EncodeToString(sum[:])
	default:
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(strings.ToLower(expected))) == 1
}

// NewSalt returns a fresh random salt. It is generated once per assertion and stored verbatim.
func NewSalt() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Identity is the recipient block of an assertion.
type Identity struct {
	// Identifier is the plaintext identifier held by the issuer. It is empty for
	// imported hashed badges, where only Hashed identity is known.
	Identifier string

	// HashedIdentity is the published "sha256$..." value of an imported hashed badge.
	HashedIdentity string

	Type   Type
	Hashed bool
	Salt   string
}

// Published returns the identity string as it appears in badge JSON.
func (id Identity) Published() string {
	if !id.Hashed {
		return id.Identifier
	}
	if id.Identifier == "" {
		return id.HashedIdentity
	}
	return Hash(id.Identifier, id.Salt)
}

// Matches reports whether candidate identifies this recipient.
// Hashed identities are recomputed with the stored salt; plaintext ones compare case-insensitively.
func (id Identity) Matches(candidate string) bool {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return false
	}
	if id.Hashed {
		return Verify(candidate, id.Salt, id.Published())
	}
	return strings.EqualFold(candidate, id.Identifier)
}

// MatchesAny reports whether any candidate identifies this recipient.
func (id Identity) MatchesAny(candidates []string) bool {
	for _, c := range candidates {
		if id.Matches(c) {
			return true
		}
	}
	return false
}
