package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/badgehub/badgehub-core/pkg/badge"
	"github.com/badgehub/badgehub-core/pkg/ordered"
	"github.com/badgehub/badgehub-core/pkg/recipient"
)

// Rows use a nullable source_url so that any number of local entities
// (no source) coexist under the unique index.

type issuerRow struct {
	EntityID       string `gorm:"column:entity_id;primaryKey"`
	PublicID       string `gorm:"column:public_id"`
	Name           string `gorm:"not null"`
	URL            string
	Email          string
	Description    string
	Image          string
	Language       string
	SourceURL      *string `gorm:"column:source_url;uniqueIndex"`
	RevocationList string
	Original       []byte
	CreatedAt      time.Time
}

func (issuerRow) TableName() string { return "issuers" }

type badgeClassRow struct {
	EntityID       string `gorm:"column:entity_id;primaryKey"`
	IssuerEntityID string `gorm:"column:issuer_entity_id;index;not null"`
	PublicID       string `gorm:"column:public_id"`
	Name           string `gorm:"not null"`
	Description    string
	Image          string
	ImageData      []byte
	CriteriaURL    string
	CriteriaText   string
	Alignments     []byte
	Tags           []byte
	ExpiresAmount  int
	ExpiresUnit    string
	Language       string
	SourceURL      *string `gorm:"column:source_url;uniqueIndex"`
	Original       []byte
	CreatedAt      time.Time
}

func (badgeClassRow) TableName() string { return "badge_classes" }

type assertionRow struct {
	EntityID           string `gorm:"column:entity_id;primaryKey"`
	BadgeClassEntityID string `gorm:"column:badge_class_entity_id;index;not null"`
	IssuerEntityID     string `gorm:"column:issuer_entity_id;index;not null"`
	PublicID           string `gorm:"column:public_id"`

	RecipientIdentifier     string
	RecipientHashedIdentity string
	RecipientType           string
	RecipientHashed         bool
	RecipientSalt           string

	IssuedOn   time.Time `gorm:"index"`
	ExpiresAt  *time.Time
	Narrative  string
	Evidence   []byte
	Image      string
	BakedImage []byte

	State             string `gorm:"not null"`
	RevocationReason  string
	RevokedAt         *time.Time
	Signature         string
	PublicKeyEntityID *string

	SourceURL *string `gorm:"column:source_url;index"`
	Original  []byte
	CreatedAt time.Time
}

func (assertionRow) TableName() string { return "assertions" }

type publicKeyRow struct {
	EntityID       string `gorm:"column:entity_id;primaryKey"`
	IssuerEntityID string `gorm:"column:issuer_entity_id;index;not null"`
	KeyURL         string
	KeyID          string
}

func (publicKeyRow) TableName() string { return "public_keys" }

type extensionRow struct {
	OwnerKind     string `gorm:"primaryKey"`
	OwnerEntityID string `gorm:"primaryKey"`
	Name          string `gorm:"primaryKey"`
	JSON          string `gorm:"column:json;not null"`
}

func (extensionRow) TableName() string { return "extensions" }

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func encodeOriginal(m *ordered.Map) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return m.MarshalJSON()
}

func decodeOriginal(b []byte) (*ordered.Map, error) {
	if len(b) == 0 {
		return nil, nil
	}
	return ordered.Parse(b)
}

func encodeList[T any](items []T) ([]byte, error) {
	if len(items) == 0 {
		return nil, nil
	}
	return json.Marshal(items)
}

func decodeList[T any](b []byte) ([]T, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var out []T
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func toIssuerRow(i *badge.Issuer) (*issuerRow, error) {
	orig, err := encodeOriginal(i.Original)
	if err != nil {
		return nil, err
	}
	return &issuerRow{
		EntityID:       i.EntityID,
		PublicID:       i.ID,
		Name:           i.Name,
		URL:            i.URL,
		Email:          i.Email,
		Description:    i.Description,
		Image:          i.Image,
		Language:       i.Language,
		SourceURL:      nullable(i.SourceURL),
		RevocationList: i.RevocationList,
		Original:       orig,
		CreatedAt:      i.CreatedAt,
	}, nil
}

func (r *issuerRow) toIssuer() (*badge.Issuer, error) {
	orig, err := decodeOriginal(r.Original)
	if err != nil {
		return nil, fmt.Errorf("issuer %s: %w", r.EntityID, err)
	}
	return &badge.Issuer{
		EntityID:       r.EntityID,
		ID:             r.PublicID,
		Name:           r.Name,
		URL:            r.URL,
		Email:          r.Email,
		Description:    r.Description,
		Image:          r.Image,
		Language:       r.Language,
		SourceURL:      deref(r.SourceURL),
		RevocationList: r.RevocationList,
		Original:       orig,
		CreatedAt:      r.CreatedAt,
	}, nil
}

func toBadgeClassRow(bc *badge.BadgeClass) (*badgeClassRow, error) {
	iss := bc.Issuer()
	if iss == nil {
		return nil, badge.NewError(badge.ErrCodeInvalid, "badge class has no issuer")
	}
	orig, err := encodeOriginal(bc.Original)
	if err != nil {
		return nil, err
	}
	alignments, err := encodeList(bc.Alignments)
	if err != nil {
		return nil, err
	}
	tags, err := encodeList(bc.Tags)
	if err != nil {
		return nil, err
	}
	criteriaURL, criteriaText := bc.Criteria()
	row := &badgeClassRow{
		EntityID:       bc.EntityID,
		IssuerEntityID: iss.EntityID,
		PublicID:       bc.ID,
		Name:           bc.Name,
		Description:    bc.Description,
		Image:          bc.Image,
		ImageData:      bc.ImageData,
		CriteriaURL:    criteriaURL,
		CriteriaText:   criteriaText,
		Alignments:     alignments,
		Tags:           tags,
		Language:       bc.Language,
		SourceURL:      nullable(bc.SourceURL),
		Original:       orig,
		CreatedAt:      bc.CreatedAt,
	}
	if bc.ExpiresAfter != nil {
		row.ExpiresAmount = bc.ExpiresAfter.Amount
		row.ExpiresUnit = string(bc.ExpiresAfter.Unit)
	}
	return row, nil
}

func (r *badgeClassRow) toBadgeClass(iss *badge.Issuer) (*badge.BadgeClass, error) {
	bc, err := badge.NewBadgeClass(iss, r.Name, r.Description)
	if err != nil {
		return nil, err
	}
	if err := bc.SetCriteria(r.CriteriaURL, r.CriteriaText); err != nil {
		return nil, err
	}
	if bc.Alignments, err = decodeList[badge.Alignment](r.Alignments); err != nil {
		return nil, fmt.Errorf("badge class %s alignments: %w", r.EntityID, err)
	}
	if bc.Tags, err = decodeList[string](r.Tags); err != nil {
		return nil, fmt.Errorf("badge class %s tags: %w", r.EntityID, err)
	}
	if bc.Original, err = decodeOriginal(r.Original); err != nil {
		return nil, fmt.Errorf("badge class %s: %w", r.EntityID, err)
	}
	bc.EntityID = r.EntityID
	bc.ID = r.PublicID
	bc.Image = r.Image
	bc.ImageData = r.ImageData
	bc.Language = r.Language
	bc.SourceURL = deref(r.SourceURL)
	bc.CreatedAt = r.CreatedAt
	if r.ExpiresUnit != "" {
		bc.ExpiresAfter = &badge.Expiration{Amount: r.ExpiresAmount, Unit: badge.ExpirationUnit(r.ExpiresUnit)}
	}
	return bc, nil
}

func toAssertionRow(a *badge.Assertion) (*assertionRow, error) {
	bc := a.BadgeClass()
	if bc == nil || bc.Issuer() == nil {
		return nil, badge.NewError(badge.ErrCodeInvalid, "assertion has no badge class")
	}
	orig, err := encodeOriginal(a.Original)
	if err != nil {
		return nil, err
	}
	evidence, err := encodeList(a.Evidence)
	if err != nil {
		return nil, err
	}
	l := a.Lifecycle()
	row := &assertionRow{
		EntityID:                a.EntityID,
		BadgeClassEntityID:      bc.EntityID,
		IssuerEntityID:          bc.Issuer().EntityID,
		PublicID:                a.ID,
		RecipientIdentifier:     a.Recipient.Identifier,
		RecipientHashedIdentity: a.Recipient.HashedIdentity,
		RecipientType:           string(a.Recipient.Type),
		RecipientHashed:         a.Recipient.Hashed,
		RecipientSalt:           a.Recipient.Salt,
		IssuedOn:                a.IssuedOn,
		ExpiresAt:               a.ExpiresAt,
		Narrative:               a.Narrative,
		Evidence:                evidence,
		Image:                   a.Image,
		BakedImage:              a.BakedImage,
		State:                   string(a.State()),
		RevocationReason:        l.RevocationReason,
		Signature:               l.Signature,
		SourceURL:               nullable(a.SourceURL),
		Original:                orig,
		CreatedAt:               a.CreatedAt,
	}
	if !l.RevokedAt.IsZero() {
		at := l.RevokedAt
		row.RevokedAt = &at
	}
	if l.PublicKey != nil {
		row.PublicKeyEntityID = nullable(l.PublicKey.EntityID)
	}
	return row, nil
}

func (r *assertionRow) toAssertion(bc *badge.BadgeClass, key *badge.PublicKeyIssuer) (*badge.Assertion, error) {
	id := recipient.Identity{
		Identifier:     r.RecipientIdentifier,
		HashedIdentity: r.RecipientHashedIdentity,
		Type:           recipient.Type(r.RecipientType),
		Hashed:         r.RecipientHashed,
		Salt:           r.RecipientSalt,
	}
	a, err := badge.NewAssertion(bc, id, r.IssuedOn)
	if err != nil {
		return nil, fmt.Errorf("assertion %s: %w", r.EntityID, err)
	}
	a.EntityID = r.EntityID
	a.ID = r.PublicID
	a.Recipient = id
	a.ExpiresAt = r.ExpiresAt
	a.Narrative = r.Narrative
	a.Image = r.Image
	a.BakedImage = r.BakedImage
	a.SourceURL = deref(r.SourceURL)
	a.CreatedAt = r.CreatedAt
	if a.Evidence, err = decodeList[badge.Evidence](r.Evidence); err != nil {
		return nil, fmt.Errorf("assertion %s evidence: %w", r.EntityID, err)
	}
	if a.Original, err = decodeOriginal(r.Original); err != nil {
		return nil, fmt.Errorf("assertion %s: %w", r.EntityID, err)
	}

	l := badge.Lifecycle{
		State:            badge.State(r.State),
		RevocationReason: r.RevocationReason,
		Signature:        r.Signature,
		PublicKey:        key,
	}
	if r.RevokedAt != nil {
		l.RevokedAt = *r.RevokedAt
	}
	if err := a.Restore(l); err != nil {
		return nil, fmt.Errorf("assertion %s: %w", r.EntityID, err)
	}
	return a, nil
}
