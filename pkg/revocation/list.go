package revocation

import (
	"fmt"
	"time"

	"github.com/badgehub/badgehub-core/pkg/ordered"
)

// FromList reads the revokedAssertions of an OB 2.0 RevocationList document.
// Entries may be bare ids or objects carrying id, uid and revocationReason.
func FromList(doc *ordered.Map) ([]Revocation, error) {
	raw, ok := doc.Get("revokedAssertions")
	if !ok {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("revokedAssertions is %T, not a list", raw)
	}

	now := time.Now().UTC()
	out := make([]Revocation, 0, len(list))
	for _, item := range list {
		switch item := item.(type) {
		case string:
			out = append(out, Revocation{AssertionID: item, RevokedAt: now})
		case *ordered.Map:
			rev := Revocation{RevokedAt: now}
			rev.AssertionID, _ = item.String("id")
			rev.UID, _ = item.String("uid")
			rev.Reason, _ = item.String("revocationReason")
			if rev.AssertionID == "" {
				rev.AssertionID = rev.UID
			}
			if rev.AssertionID != "" {
				out = append(out, rev)
			}
		}
	}
	return out, nil
}
