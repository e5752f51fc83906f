// Package extension attaches named JSON blobs ("extensions:ECTSExtension" and
// the like) to issuers, badge classes and assertions.
package extension

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/badgehub/badgehub-core/pkg/badge"
)

// Common errors returned by this package.
var (
	ErrInvalidName = errors.New("invalid extension name")
	ErrInvalidJSON = errors.New("extension value is not valid JSON")
	ErrNotFound    = errors.New("extension not found")
)

// Prefix is the conventional namespace of Open Badges extensions.
const Prefix = "extensions:"

// Extension is one named blob attached to an owner. There is at most one per (owner, name).
type Extension struct {
	Owner badge.Ref
	Name  string
	JSON  json.RawMessage
}

// Lister reads the extensions of an owner.
type Lister interface {
	// List returns the owner's extensions ordered by name.
	List(ctx context.Context, owner badge.Ref) ([]Extension, error)
}

// Store persists extensions. Delete is destructive; there is no soft delete.
type Store interface {
	Lister
	Create(ctx context.Context, ext Extension) error
	Update(ctx context.Context, ext Extension) error
	Delete(ctx context.Context, owner badge.Ref, name string) error
}

// Stats counts the writes performed by Set.
type Stats struct {
	Removed int
	Updated int
	Added   int
}

// Writes returns the total number of writes.
func (s Stats) Writes() int {
	return s.Removed + s.Updated + s.Added
}

// ValidateName checks that name is usable as a top-level JSON-LD key.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" || name != strings.TrimSpace(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if strings.HasPrefix(name, "@") {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidName, name)
	}
	return nil
}

// Set makes the owner's extensions equal to items.
//
// Names present only in the store are removed, names present in both are
// overwritten when the value changed, and new names are created, in that
// order. A second call with the same items performs no writes.
func Set(ctx context.Context, store Store, owner badge.Ref, items map[string]json.RawMessage) (Stats, error) {
	var stats Stats

	received := make(map[string][]byte, len(items))
	for name, raw := range items {
		if err := ValidateName(name); err != nil {
			return stats, err
		}
		compacted, err := compact(raw)
		if err != nil {
			return stats, fmt.Errorf("%w: %s", ErrInvalidJSON, name)
		}
		received[name] = compacted
	}

	existing, err := store.List(ctx, owner)
	if err != nil {
		return stats, fmt.Errorf("failed to list extensions: %w", err)
	}
	current := make(map[string][]byte, len(existing))
	for _, ext := range existing {
		current[ext.Name] = ext.JSON
	}

	var toRemove, toUpdate, toAdd []string
	for name := range current {
		if _, ok := received[name]; ok {
			toUpdate = append(toUpdate, name)
		} else {
			toRemove = append(toRemove, name)
		}
	}
	for name := range received {
		if _, ok := current[name]; !ok {
			toAdd = append(toAdd, name)
		}
	}
	sort.Strings(toRemove)
	sort.Strings(toUpdate)
	sort.Strings(toAdd)

	for _, name := range toRemove {
		if err := store.Delete(ctx, owner, name); err != nil {
			return stats, fmt.Errorf("failed to remove extension %s: %w", name, err)
		}
		stats.Removed++
	}

	for _, name := range toUpdate {
		old, err := compact(current[name])
		if err == nil && bytes.Equal(old, received[name]) {
			continue
		}
		if err := store.Update(ctx, Extension{Owner: owner, Name: name, JSON: received[name]}); err != nil {
			return stats, fmt.Errorf("failed to update extension %s: %w", name, err)
		}
		stats.Updated++
	}

	for _, name := range toAdd {
		if err := store.Create(ctx, Extension{Owner: owner, Name: name, JSON: received[name]}); err != nil {
			return stats, fmt.Errorf("failed to add extension %s: %w", name, err)
		}
		stats.Added++
	}

	return stats, nil
}

func compact(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
