package projector

import (
	"fmt"

	"github.com/badgehub/badgehub-core/pkg/badge"
	"github.com/badgehub/badgehub-core/pkg/ordered"
	"github.com/badgehub/badgehub-core/pkg/version"
)

// RevocationList projects the OB 2.0 RevocationList of an issuer. Assertions
// that are not revoked are skipped.
func (p *Projector) RevocationList(issuer *badge.Issuer, assertions []*badge.Assertion) (*Document, error) {
	vctx, err := p.versions.Lookup(string(version.V2_0))
	if err != nil {
		return nil, fmt.Errorf("revocation list: %w", err)
	}
	pr := &projection{p: p, vctx: vctx}

	m := pr.start()
	m.Set("type", "RevocationList")
	m.Set("id", p.links.RevocationList(issuer.EntityID))
	m.Set("issuer", pr.idFor(badge.KindIssuer, issuer.EntityID, issuer.ID, issuer.SourceURL))

	revoked := make([]any, 0, len(assertions))
	for _, a := range assertions {
		if !a.Revoked() {
			continue
		}
		entry := ordered.New()
		entry.Set("id", pr.idFor(badge.KindAssertion, a.EntityID, a.ID, a.SourceURL))
		entry.Set("uid", a.EntityID)
		entry.Set("revocationReason", a.RevocationReason())
		revoked = append(revoked, entry)
	}
	m.Set("revokedAssertions", revoked)
	return &Document{Kind: badge.KindIssuer, Version: version.V2_0, JSON: m}, nil
}
