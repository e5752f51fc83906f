package badge

import "fmt"

// Kind identifies the three OBI entity kinds. The set is closed; switch on it exhaustively.
type Kind int

const (
	KindIssuer Kind = iota + 1
	KindBadgeClass
	KindAssertion
)

// String returns the OBI type name.
func (k Kind) String() string {
	switch k {
	case KindIssuer:
		return "Issuer"
	case KindBadgeClass:
		return "BadgeClass"
	case KindAssertion:
		return "Assertion"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Slug is the lowercase name used in keys and URLs.
func (k Kind) Slug() string {
	switch k {
	case KindIssuer:
		return "issuer"
	case KindBadgeClass:
		return "badgeclass"
	case KindAssertion:
		return "assertion"
	}
	return "unknown"
}

// Path is the public URL segment for the kind.
func (k Kind) Path() string {
	switch k {
	case KindIssuer:
		return "issuers"
	case KindBadgeClass:
		return "badges"
	case KindAssertion:
		return "assertions"
	}
	return "unknown"
}

// ParseKind resolves a slug or OBI type name.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "issuer", "Issuer", "Profile":
		return KindIssuer, nil
	case "badgeclass", "BadgeClass", "Achievement":
		return KindBadgeClass, nil
	case "assertion", "Assertion", "OpenBadgeCredential":
		return KindAssertion, nil
	}
	return 0, fmt.Errorf("unknown entity kind %q", s)
}

// Entity is implemented by Issuer, BadgeClass and Assertion only.
type Entity interface {
	Kind() Kind
	Key() string
	sealed()
}

// Ref is a (kind, entity id) pair naming one entity.
type Ref struct {
	Kind     Kind
	EntityID string
}

// String returns "kind:id".
func (r Ref) String() string {
	return r.Kind.Slug() + ":" + r.EntityID
}

// RefOf returns the reference for e.
func RefOf(e Entity) Ref {
	return Ref{Kind: e.Kind(), EntityID: e.Key()}
}
