package projector

import (
	"github.com/badgehub/badgehub-core/pkg/badge"
	"github.com/badgehub/badgehub-core/pkg/ordered"
)

// credential builds the OpenBadgeCredential form of an assertion. The issuer
// profile and the achievement are always embedded.
func (pr *projection) credential(a *badge.Assertion, id string) (*ordered.Map, error) {
	bc := a.BadgeClass()

	m := pr.start()
	m.Set("type", []any{"VerifiableCredential", "OpenBadgeCredential"})
	m.Set("id", id)
	m.Set("name", bc.Name)

	iss := ordered.New()
	pr.profile(iss, bc.Issuer())
	m.Set("issuer", iss)
	m.Set("issuanceDate", formatTime(a.IssuedOn))
	if a.ExpiresAt != nil {
		m.Set("expirationDate", formatTime(*a.ExpiresAt))
	}
	m.Set("image", pr.assertionImage(a))

	subject := ordered.New()
	subject.Set("type", []any{"AchievementSubject"})
	subject.Set("identifier", []any{identityObject(a)})
	achievement := ordered.New()
	if err := pr.achievement(achievement, bc); err != nil {
		return nil, err
	}
	subject.Set("achievement", achievement)
	setString(subject, "narrative", a.Narrative)
	m.Set("credentialSubject", subject)

	if len(a.Evidence) > 0 {
		m.Set("evidence", evidenceList(a.Evidence, true))
	}
	if lang := bc.Language; lang != "" {
		m.Set("inLanguage", lang)
	}
	if err := pr.appendExtensions(m, a); err != nil {
		return nil, err
	}
	pr.appendExtra(m, a.Original)
	return m, nil
}

// profile fills m with the OB3 Profile of an issuer.
func (pr *projection) profile(m *ordered.Map, i *badge.Issuer) {
	m.Set("type", []any{"Profile"})
	m.Set("id", pr.idFor(badge.KindIssuer, i.EntityID, i.ID, i.SourceURL))
	m.Set("name", i.Name)
	setString(m, "url", i.URL)
	setString(m, "email", i.Email)
	setString(m, "description", i.Description)
	if i.Image != "" {
		m.Set("image", imageObject(i.Image))
	}
	setString(m, "inLanguage", i.Language)
}

// achievement fills m with the OB3 Achievement of a badge class.
func (pr *projection) achievement(m *ordered.Map, bc *badge.BadgeClass) error {
	m.Set("type", []any{"Achievement"})
	m.Set("id", pr.idFor(badge.KindBadgeClass, bc.EntityID, bc.ID, bc.SourceURL))
	m.Set("name", bc.Name)
	m.Set("description", bc.Description)
	m.Set("criteria", pr.criteria(bc))
	m.Set("image", imageObject(pr.imageFor(badge.KindBadgeClass, bc.EntityID, bc.Image)))

	creator := ordered.New()
	pr.profile(creator, bc.Issuer())
	m.Set("creator", creator)

	if len(bc.Alignments) > 0 {
		m.Set("alignment", alignments(bc.Alignments, true))
	}
	if len(bc.Tags) > 0 {
		m.Set("tag", stringList(bc.Tags))
	}
	setString(m, "inLanguage", bc.Language)
	if err := pr.appendExtensions(m, bc); err != nil {
		return err
	}
	pr.appendExtra(m, bc.Original)
	return nil
}

func identityObject(a *badge.Assertion) *ordered.Map {
	m := ordered.New()
	m.Set("type", "IdentityObject")
	m.Set("identityHash", a.Recipient.Published())
	m.Set("identityType", a.Recipient.Type.IdentityType())
	m.Set("hashed", a.Recipient.Hashed)
	if a.Recipient.Hashed && a.Recipient.Salt != "" {
		m.Set("salt", a.Recipient.Salt)
	}
	return m
}

func imageObject(url string) *ordered.Map {
	m := ordered.New()
	m.Set("id", url)
	m.Set("type", "Image")
	return m
}
