package resolver

import (
	"strings"

	"github.com/badgehub/badgehub-core/pkg/ordered"
	"github.com/badgehub/badgehub-core/pkg/version"
)

// Classify determines the OBI version of an assertion document from its
// @context and, when the context is missing or unrecognised, from its shape:
// a verification block is 2.0, a verify block is 1.x and a nested badge
// object with neither is 0.5.
func Classify(doc *ordered.Map) version.Version {
	if v, ok := fromContext(doc); ok {
		return v
	}
	if hasType(doc, "VerifiableCredential", "OpenBadgeCredential", "AchievementCredential") || doc.Has("credentialSubject") {
		return version.V3_0
	}
	if doc.Has("verification") {
		return version.V2_0
	}
	if doc.Has("verify") {
		return version.V1_0
	}
	if hasType(doc, "Assertion") {
		return version.V2_0
	}
	if b, _ := doc.Get("badge"); b != nil {
		if _, nested := b.(*ordered.Map); nested {
			return version.V0_5
		}
	}
	if r, _ := doc.Get("recipient"); r != nil {
		if _, plain := r.(string); plain {
			return version.V0_5
		}
	}
	return version.V1_0
}

// ClassifyComponent classifies a badge class or issuer document, falling back
// to the version of the assertion that referenced it.
func ClassifyComponent(doc *ordered.Map, fallback version.Version) version.Version {
	if v, ok := fromContext(doc); ok {
		return v
	}
	if fallback == version.V0_5 {
		return version.V1_0
	}
	return fallback
}

func fromContext(doc *ordered.Map) (version.Version, bool) {
	raw, ok := doc.Get("@context")
	if !ok {
		return "", false
	}
	var iris []string
	switch raw := raw.(type) {
	case string:
		iris = []string{raw}
	case []any:
		for _, item := range raw {
			if s, ok := item.(string); ok {
				iris = append(iris, s)
			}
		}
	}
	found := version.Version("")
	for _, iri := range iris {
		iri = strings.TrimSuffix(strings.TrimSpace(iri), "/")
		switch {
		case strings.Contains(iri, "/ob/v3p0"):
			return version.V3_0, true
		case strings.HasSuffix(iri, "/openbadges/v2"), strings.Contains(iri, "openbadgespec.org/v2"):
			found = version.V2_0
		case strings.HasSuffix(iri, "/openbadges/v1"), strings.Contains(iri, "openbadgespec.org/v1"):
			if found == "" {
				found = version.V1_1
			}
		}
	}
	return found, found != ""
}

func hasType(doc *ordered.Map, names ...string) bool {
	raw, _ := doc.Get("type")
	var types []string
	switch raw := raw.(type) {
	case string:
		types = []string{raw}
	case []any:
		for _, item := range raw {
			if s, ok := item.(string); ok {
				types = append(types, s)
			}
		}
	}
	for _, t := range types {
		for _, n := range names {
			if t == n {
				return true
			}
		}
	}
	return false
}
