// Package version maps Open Badges (OBI) version tokens to their JSON-LD
// context and the structural features each version supports.
package version

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedVersion is returned for tokens outside the closed version set.
var ErrUnsupportedVersion = errors.New("unsupported OBI version")

// Version is an OBI version token such as "2_0".
type Version string

// The closed set of OBI versions.
const (
	V0_5 Version = "0_5"
	V1_0 Version = "1_0"
	V1_1 Version = "1_1"
	V2_0 Version = "2_0"
	V3_0 Version = "3_0"
)

// Default is the version served when a caller does not ask for one.
const Default = V2_0

// JSON-LD context IRIs of each Open Badges version.
const (
	IRIv1          = "https://w3id.org/openbadges/v1"
	IRIv2          = "https://w3id.org/openbadges/v2"
	IRICredentials = "https://www.w3.org/2018/credentials/v1"
	IRIv3          = "https://purl.imsglobal.org/spec/ob/v3p0/context.json"
)

// Features describes per-version structural differences.
type Features struct {
	// HasVerifyObject is set for versions using the flat verify:{type,url} block and top-level uid.
	HasVerifyObject bool

	// HasVerificationObject is set for versions using verification:{type}.
	HasVerificationObject bool

	// SupportsTagsAndAlignment is set when badge classes carry tags and alignment arrays.
	SupportsTagsAndAlignment bool

	// SupportsMultiLanguageFields is set when documents may declare their language.
	SupportsMultiLanguageFields bool

	// Legacy marks versions that can be recognised but are never produced.
	Legacy bool
}

// Context is the resolved entry for one version.
type Context struct {
	Version  Version
	IRIs     []string
	Features Features
}

// Value returns the @context value to emit: a single IRI as a string, several as an array.
// Legacy versions without a context return nil.
func (c Context) Value() any {
	switch len(c.IRIs) {
	case 0:
		return nil
	case 1:
		return c.IRIs[0]
	default:
		out := make([]any, len(c.IRIs))
		for i, iri := range c.IRIs {
			out[i] = iri
		}
		return out
	}
}

// Projectable reports whether documents can be produced in this version.
func (c Context) Projectable() bool {
	return !c.Features.Legacy
}

// Table is the immutable version lookup table. Build it once with NewTable and share it.
type Table struct {
	entries map[Version]Context
	order   []Version
}

// NewTable builds the table for the closed version set.
func NewTable() *Table {
	entries := []Context{
		{
			Version:  V0_5,
			Features: Features{Legacy: true},
		},
		{
			Version:  V1_0,
			IRIs:     []string{IRIv1},
			Features: Features{HasVerifyObject: true},
		},
		{
			Version:  V1_1,
			IRIs:     []string{IRIv1},
			Features: Features{HasVerifyObject: true},
		},
		{
			Version: V2_0,
			IRIs:    []string{IRIv2},
			Features: Features{
				HasVerificationObject:    true,
				SupportsTagsAndAlignment: true,
			},
		},
		{
			Version: V3_0,
			IRIs:    []string{IRICredentials, IRIv3},
			Features: Features{
				HasVerificationObject:       true,
				SupportsTagsAndAlignment:    true,
				SupportsMultiLanguageFields: true,
			},
		},
	}

	t := &Table{entries: make(map[Version]Context, len(entries))}
	for _, e := range entries {
		t.entries[e.Version] = e
		t.order = append(t.order, e.Version)
	}
	return t
}

// Lookup resolves a version token. Tokens may be written "2_0", "2.0" or "v2.0".
func (t *Table) Lookup(token string) (Context, error) {
	v, err := Parse(token)
	if err != nil {
		return Context{}, err
	}
	return t.entries[v], nil
}

// MustLookup is Lookup for versions known at compile time.
func (t *Table) MustLookup(v Version) Context {
	c, ok := t.entries[v]
	if !ok {
		panic(fmt.Sprintf("version: %q is not in the version table", v))
	}
	return c
}

// Versions returns every version in ascending order.
func (t *Table) Versions() []Version {
	out := make([]Version, len(t.order))
	copy(out, t.order)
	return out
}

// Projectable returns the versions documents can be produced in.
func (t *Table) Projectable() []Version {
	var out []Version
	for _, v := range t.order {
		if t.entries[v].Projectable() {
			out = append(out, v)
		}
	}
	return out
}

// Parse normalises a version token.
func Parse(token string) (Version, error) {
	s := strings.TrimSpace(strings.ToLower(token))
	s = strings.TrimPrefix(s, "v")
	s = strings.ReplaceAll(s, ".", "_")
	switch v := Version(s); v {
	case V0_5, V1_0, V1_1, V2_0, V3_0:
		return v, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedVersion, token)
}

// String implements fmt.Stringer.
func (v Version) String() string {
	return string(v)
}

// Dotted returns the human form, e.g. "2.0".
func (v Version) Dotted() string {
	return strings.ReplaceAll(string(v), "_", ".")
}
