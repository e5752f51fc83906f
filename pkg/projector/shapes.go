package projector

import (
	"github.com/badgehub/badgehub-core/pkg/badge"
	"github.com/badgehub/badgehub-core/pkg/ordered"
	"github.com/badgehub/badgehub-core/pkg/version"
)

func (pr *projection) issuer(i *badge.Issuer) (*ordered.Map, error) {
	if pr.is3() {
		m := pr.start()
		pr.profile(m, i)
		if err := pr.appendExtensions(m, i); err != nil {
			return nil, err
		}
		pr.appendExtra(m, i.Original)
		return m, nil
	}

	m := pr.start()
	m.Set("type", "Issuer")
	m.Set("id", pr.idFor(badge.KindIssuer, i.EntityID, i.ID, i.SourceURL))
	m.Set("name", i.Name)
	setString(m, "url", i.URL)
	setString(m, "email", i.Email)
	setString(m, "description", i.Description)
	setString(m, "image", i.Image)
	if pr.v() == version.V2_0 {
		switch {
		case i.RevocationList != "":
			m.Set("revocationList", i.RevocationList)
		case i.SourceURL == "":
			m.Set("revocationList", pr.p.links.RevocationList(i.EntityID))
		}
	}
	if err := pr.appendExtensions(m, i); err != nil {
		return nil, err
	}
	pr.appendExtra(m, i.Original)
	return m, nil
}

func (pr *projection) badgeClass(bc *badge.BadgeClass) (*ordered.Map, error) {
	if pr.is3() {
		m := pr.start()
		if err := pr.achievement(m, bc); err != nil {
			return nil, err
		}
		return m, nil
	}

	m := pr.start()
	m.Set("type", "BadgeClass")
	m.Set("id", pr.idFor(badge.KindBadgeClass, bc.EntityID, bc.ID, bc.SourceURL))
	m.Set("name", bc.Name)
	m.Set("description", bc.Description)
	m.Set("image", pr.imageFor(badge.KindBadgeClass, bc.EntityID, bc.Image))
	m.Set("criteria", pr.criteria(bc))

	iss := bc.Issuer()
	if pr.opts.ExpandIssuer {
		doc, err := pr.issuer(iss)
		if err != nil {
			return nil, err
		}
		m.Set("issuer", doc)
	} else {
		m.Set("issuer", pr.idFor(badge.KindIssuer, iss.EntityID, iss.ID, iss.SourceURL))
	}

	if pr.vctx.Features.SupportsTagsAndAlignment {
		if len(bc.Alignments) > 0 {
			m.Set("alignment", alignments(bc.Alignments, false))
		}
		if len(bc.Tags) > 0 {
			m.Set("tags", stringList(bc.Tags))
		}
	}
	if err := pr.appendExtensions(m, bc); err != nil {
		return nil, err
	}
	pr.appendExtra(m, bc.Original)
	return m, nil
}

// criteria returns the version shape of the badge class criteria.
func (pr *projection) criteria(bc *badge.BadgeClass) any {
	u, text := bc.Criteria()
	if pr.vctx.Features.HasVerifyObject {
		if u != "" {
			return u
		}
		return pr.p.links.Criteria(bc.EntityID)
	}
	c := ordered.New()
	switch {
	case u != "":
		c.Set("id", u)
	case text != "":
		c.Set("narrative", text)
	default:
		c.Set("id", pr.p.links.Criteria(bc.EntityID))
	}
	return c
}

func (pr *projection) assertion(a *badge.Assertion) (*ordered.Map, error) {
	id := pr.idFor(badge.KindAssertion, a.EntityID, a.ID, a.SourceURL)
	if a.Revoked() {
		m := pr.start()
		m.Set("type", "Assertion")
		m.Set("id", id)
		m.Set("revoked", true)
		m.Set("revocationReason", a.RevocationReason())
		return m, nil
	}
	if pr.is3() {
		return pr.credential(a, id)
	}

	m := pr.start()
	m.Set("type", "Assertion")
	m.Set("id", id)
	if pr.vctx.Features.HasVerifyObject {
		m.Set("uid", a.EntityID)
	}
	m.Set("recipient", recipientBlock(a))

	bc := a.BadgeClass()
	if pr.opts.ExpandBadgeClass {
		doc, err := pr.badgeClass(bc)
		if err != nil {
			return nil, err
		}
		m.Set("badge", doc)
	} else {
		m.Set("badge", pr.idFor(badge.KindBadgeClass, bc.EntityID, bc.ID, bc.SourceURL))
	}
	m.Set("issuedOn", formatTime(a.IssuedOn))
	m.Set("image", pr.assertionImage(a))
	if a.ExpiresAt != nil {
		m.Set("expires", formatTime(*a.ExpiresAt))
	}

	if pr.vctx.Features.HasVerifyObject {
		verify := ordered.New()
		if pr.opts.Signed {
			verify.Set("type", "signed")
			verify.Set("url", pr.opts.PublicKey.KeyURL)
		} else {
			verify.Set("type", "hosted")
			verify.Set("url", id)
		}
		m.Set("verify", verify)
		for _, ev := range a.Evidence {
			if ev.URL != "" {
				m.Set("evidence", ev.URL)
				break
			}
		}
	} else {
		verification := ordered.New()
		if pr.opts.Signed {
			verification.Set("type", "SignedBadge")
			verification.Set("creator", pr.opts.PublicKey.KeyURL)
		} else {
			verification.Set("type", "HostedBadge")
		}
		m.Set("verification", verification)
		setString(m, "narrative", a.Narrative)
		if len(a.Evidence) > 0 {
			m.Set("evidence", evidenceList(a.Evidence, false))
		}
	}

	if err := pr.appendExtensions(m, a); err != nil {
		return nil, err
	}
	pr.appendExtra(m, a.Original)
	return m, nil
}

func (pr *projection) assertionImage(a *badge.Assertion) string {
	if pr.opts.Signed || a.Image == "" {
		img := pr.imageFor(badge.KindAssertion, a.EntityID, "")
		if !pr.opts.Signed {
			img = withVersion(img, pr.v())
		}
		return img
	}
	return a.Image
}

func recipientBlock(a *badge.Assertion) *ordered.Map {
	r := ordered.New()
	r.Set("type", string(a.Recipient.Type))
	r.Set("hashed", a.Recipient.Hashed)
	r.Set("identity", a.Recipient.Published())
	if a.Recipient.Hashed && a.Recipient.Salt != "" {
		r.Set("salt", a.Recipient.Salt)
	}
	return r
}

func alignments(items []badge.Alignment, typed bool) []any {
	out := make([]any, 0, len(items))
	for _, al := range items {
		m := ordered.New()
		if typed {
			m.Set("type", []any{"Alignment"})
		}
		m.Set("targetName", al.TargetName)
		m.Set("targetUrl", al.TargetURL)
		setString(m, "targetDescription", al.TargetDescription)
		setString(m, "targetFramework", al.TargetFramework)
		setString(m, "targetCode", al.TargetCode)
		out = append(out, m)
	}
	return out
}

func evidenceList(items []badge.Evidence, typed bool) []any {
	out := make([]any, 0, len(items))
	for _, ev := range items {
		m := ordered.New()
		if typed {
			m.Set("type", []any{"Evidence"})
		} else {
			m.Set("type", "Evidence")
		}
		setString(m, "id", ev.URL)
		setString(m, "narrative", ev.Narrative)
		out = append(out, m)
	}
	return out
}

func stringList(items []string) []any {
	out := make([]any, len(items))
	for i, s := range items {
		out[i] = s
	}
	return out
}

func setString(m *ordered.Map, key, value string) {
	if value != "" {
		m.Set(key, value)
	}
}
