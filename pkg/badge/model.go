// Package badge defines the Open Badges entity graph: issuers, the badge
// classes they define and the assertions awarding those badge classes.
package badge

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/badgehub/badgehub-core/pkg/ordered"
	"github.com/badgehub/badgehub-core/pkg/recipient"
)

// Issuer is the organisation awarding badges.
type Issuer struct {
	// EntityID is the local identifier.
	EntityID string

	// ID is the public JSON-LD id, the URL the issuer document is hosted at.
	ID string

	Name        string
	URL         string
	Email       string
	Description string
	Image       string

	// Language is the BCP47 tag of the textual fields, if declared.
	Language string

	// SourceURL is the remote canonical id of an imported issuer.
	SourceURL string

	// RevocationList is the URL of the issuer's OB 2.0 revocation list, if any.
	RevocationList string

	// Original is the document an imported issuer was parsed from.
	Original *ordered.Map

	CreatedAt time.Time
}

// NewIssuer creates an issuer with a fresh entity id.
func NewIssuer(name, url, email string) (*Issuer, error) {
	i := &Issuer{
		EntityID:  uuid.NewString(),
		Name:      strings.TrimSpace(name),
		URL:       strings.TrimSpace(url),
		Email:     strings.TrimSpace(email),
		CreatedAt: time.Now().UTC(),
	}
	if err := i.Validate(); err != nil {
		return nil, err
	}
	return i, nil
}

// Validate checks the issuer invariants.
func (i *Issuer) Validate() error {
	if i.Name == "" {
		return NewError(ErrCodeInvalid, "issuer name is required")
	}
	return nil
}

func (i *Issuer) Kind() Kind  { return KindIssuer }
func (i *Issuer) Key() string { return i.EntityID }
func (i *Issuer) sealed()     {}

// Alignment links a badge class to an external educational framework.
type Alignment struct {
	TargetName        string
	TargetURL         string
	TargetDescription string
	TargetFramework   string
	TargetCode        string
}

// ExpirationUnit is the unit of a badge class expiration period.
type ExpirationUnit string

// Expiration units.
const (
	UnitDays   ExpirationUnit = "days"
	UnitWeeks  ExpirationUnit = "weeks"
	UnitMonths ExpirationUnit = "months"
	UnitYears  ExpirationUnit = "years"
)

// Expiration is the validity period of assertions of a badge class.
type Expiration struct {
	Amount int
	Unit   ExpirationUnit
}

// From returns the expiry instant for an assertion issued at t.
func (e Expiration) From(t time.Time) time.Time {
	switch e.Unit {
	case UnitWeeks:
		return t.AddDate(0, 0, 7*e.Amount)
	case UnitMonths:
		return t.AddDate(0, e.Amount, 0)
	case UnitYears:
		return t.AddDate(e.Amount, 0, 0)
	default:
		return t.AddDate(0, 0, e.Amount)
	}
}

// BadgeClass is an achievement an issuer awards.
type BadgeClass struct {
	EntityID string
	ID       string

	Name        string
	Description string

	// Image is the public URL of the badge class image.
	Image string

	// ImageData holds the template image bytes assertions are baked from.
	ImageData []byte

	Alignments []Alignment
	Tags       []string

	// ExpiresAfter, when set, gives assertions an expiry relative to their issue date.
	ExpiresAfter *Expiration

	Language  string
	SourceURL string
	Original  *ordered.Map
	CreatedAt time.Time

	issuer       *Issuer
	criteriaURL  string
	criteriaText string
}

// NewBadgeClass creates a badge class owned by issuer. The owner cannot change afterwards.
func NewBadgeClass(issuer *Issuer, name, description string) (*BadgeClass, error) {
	if issuer == nil {
		return nil, NewError(ErrCodeInvalid, "badge class requires an issuer")
	}
	bc := &BadgeClass{
		EntityID:    uuid.NewString(),
		Name:        strings.TrimSpace(name),
		Description: description,
		CreatedAt:   time.Now().UTC(),
		issuer:      issuer,
	}
	if bc.Name == "" {
		return nil, NewError(ErrCodeInvalid, "badge class name is required")
	}
	return bc, nil
}

func (b *BadgeClass) Kind() Kind  { return KindBadgeClass }
func (b *BadgeClass) Key() string { return b.EntityID }
func (b *BadgeClass) sealed()     {}

// Issuer returns the owning issuer.
func (b *BadgeClass) Issuer() *Issuer {
	return b.issuer
}

// Criteria returns the criteria URL and text; at most one is non-empty.
func (b *BadgeClass) Criteria() (url, text string) {
	return b.criteriaURL, b.criteriaText
}

// SetCriteria sets the criteria as either a URL or free text, never both.
func (b *BadgeClass) SetCriteria(url, text string) error {
	url, text = strings.TrimSpace(url), strings.TrimSpace(text)
	if url != "" && text != "" {
		return ErrCriteriaConflict
	}
	b.criteriaURL, b.criteriaText = url, text
	return nil
}

// Evidence supports an assertion with a URL and/or narrative.
type Evidence struct {
	URL       string
	Narrative string
}

// PublicKeyIssuer is the signing key an issuer publishes for signed assertions.
type PublicKeyIssuer struct {
	EntityID       string
	IssuerEntityID string

	// KeyURL is where the public CryptographicKey document is hosted.
	KeyURL string

	// KeyID is the kid of the key in the trust store.
	KeyID string
}

// Assertion awards a badge class to one recipient.
type Assertion struct {
	EntityID string
	ID       string

	Recipient recipient.Identity
	IssuedOn  time.Time
	ExpiresAt *time.Time

	Narrative string
	Evidence  []Evidence

	// Image is the public URL of the baked image.
	Image string

	// BakedImage holds the image baked at issuance (or the last re-bake).
	BakedImage []byte

	SourceURL string
	Original  *ordered.Map
	CreatedAt time.Time

	badgeClass *BadgeClass
	lifecycle  Lifecycle
}

// NewAssertion creates a hosted assertion of badgeClass for the given recipient.
// A salt is generated here when the identity does not carry one and is never regenerated.
func NewAssertion(badgeClass *BadgeClass, id recipient.Identity, issuedOn time.Time) (*Assertion, error) {
	if badgeClass == nil {
		return nil, NewError(ErrCodeInvalid, "assertion requires a badge class")
	}
	if id.Type == "" {
		id.Type = recipient.TypeEmail
	}
	if !id.Type.Valid() {
		return nil, NewError(ErrCodeInvalid, fmt.Sprintf("unknown recipient type %q", id.Type))
	}
	id.Identifier = strings.TrimSpace(id.Identifier)
	if id.Identifier == "" && id.HashedIdentity == "" {
		return nil, NewError(ErrCodeInvalid, "recipient identifier is required")
	}
	if id.Salt == "" && id.HashedIdentity == "" {
		id.Salt = recipient.NewSalt()
	}
	if issuedOn.IsZero() {
		issuedOn = time.Now()
	}

	a := &Assertion{
		EntityID:   uuid.NewString(),
		Recipient:  id,
		IssuedOn:   issuedOn.UTC(),
		CreatedAt:  time.Now().UTC(),
		badgeClass: badgeClass,
		lifecycle:  Lifecycle{State: StateHosted},
	}
	if badgeClass.ExpiresAfter != nil {
		exp := badgeClass.ExpiresAfter.From(a.IssuedOn)
		a.ExpiresAt = &exp
	}
	return a, nil
}

func (a *Assertion) Kind() Kind  { return KindAssertion }
func (a *Assertion) Key() string { return a.EntityID }
func (a *Assertion) sealed()     {}

// BadgeClass returns the badge class this assertion awards.
func (a *Assertion) BadgeClass() *BadgeClass {
	return a.badgeClass
}

// Issuer returns the issuer of the badge class.
func (a *Assertion) Issuer() *Issuer {
	if a.badgeClass == nil {
		return nil
	}
	return a.badgeClass.issuer
}

// Expired reports whether the assertion has an expiry before now.
func (a *Assertion) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && !a.ExpiresAt.After(now)
}

// Clone returns a copy of i. Original is shared; it is never modified in place.
func (i *Issuer) Clone() *Issuer {
	if i == nil {
		return nil
	}
	c := *i
	return &c
}

// CloneWith returns a copy of b owned by issuer, which must be a copy of b's
// own issuer. Image bytes and Original are shared.
func (b *BadgeClass) CloneWith(issuer *Issuer) *BadgeClass {
	c := *b
	c.issuer = issuer
	c.Alignments = slices.Clone(b.Alignments)
	c.Tags = slices.Clone(b.Tags)
	if b.ExpiresAfter != nil {
		exp := *b.ExpiresAfter
		c.ExpiresAfter = &exp
	}
	return &c
}

// CloneWith returns a copy of a awarding badgeClass, which must be a copy of
// a's own badge class. Mutating the copy's lifecycle leaves a untouched.
func (a *Assertion) CloneWith(badgeClass *BadgeClass) *Assertion {
	c := *a
	c.badgeClass = badgeClass
	c.Evidence = slices.Clone(a.Evidence)
	if a.ExpiresAt != nil {
		exp := *a.ExpiresAt
		c.ExpiresAt = &exp
	}
	if a.lifecycle.PublicKey != nil {
		key := *a.lifecycle.PublicKey
		c.lifecycle.PublicKey = &key
	}
	return &c
}

// Graph is a resolved assertion together with its badge class and issuer.
type Graph struct {
	Issuer     *Issuer
	BadgeClass *BadgeClass
	Assertion  *Assertion
}
