// Package store defines persistence of the badge graph and an in-memory implementation.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/badgehub/badgehub-core/pkg/badge"
)

// Store persists issuers, badge classes, assertions and signing key references.
//
// UpsertIssuer and UpsertBadgeClass implement insert-or-reuse keyed by
// SourceURL: when an entity with the same source URL exists it is returned
// with created == false and nothing is written. Concurrent upserts of the
// same source URL yield a single stored entity.
//
// Entities returned by a Store are owned by the caller. Changes reach the
// store only through Save and Upsert.
type Store interface {
	GetIssuer(ctx context.Context, entityID string) (*badge.Issuer, error)
	GetBadgeClass(ctx context.Context, entityID string) (*badge.BadgeClass, error)
	GetAssertion(ctx context.Context, entityID string) (*badge.Assertion, error)
	GetPublicKey(ctx context.Context, entityID string) (*badge.PublicKeyIssuer, error)

	SaveIssuer(ctx context.Context, i *badge.Issuer) error
	SaveBadgeClass(ctx context.Context, bc *badge.BadgeClass) error
	SaveAssertion(ctx context.Context, a *badge.Assertion) error
	SavePublicKey(ctx context.Context, k *badge.PublicKeyIssuer) error

	UpsertIssuer(ctx context.Context, i *badge.Issuer) (*badge.Issuer, bool, error)
	UpsertBadgeClass(ctx context.Context, bc *badge.BadgeClass) (*badge.BadgeClass, bool, error)

	// ListAssertions returns the assertions of an issuer ordered by issue date.
	ListAssertions(ctx context.Context, issuerEntityID string) ([]*badge.Assertion, error)

	// WithTx runs fn against a store whose writes are kept only when fn
	// returns nil. A WithTx call on the transaction store joins it.
	WithTx(ctx context.Context, fn func(tx Store) error) error
}

func notFound(kind badge.Kind, id string) error {
	return badge.WrapError(badge.ErrCodeNotFound, fmt.Sprintf("%s %s not found", kind, id), nil)
}

// MemoryStore is a Store backed by maps. It stores and returns copies, so
// callers never share entities with each other.
type MemoryStore struct {
	mu           sync.RWMutex
	issuers      map[string]*badge.Issuer
	badgeClasses map[string]*badge.BadgeClass
	assertions   map[string]*badge.Assertion
	keys         map[string]*badge.PublicKeyIssuer

	// bySource maps kind and source URL to entity id.
	bySource map[badge.Kind]map[string]string

	// txMu serializes transactions.
	txMu sync.Mutex
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		issuers:      make(map[string]*badge.Issuer),
		badgeClasses: make(map[string]*badge.BadgeClass),
		assertions:   make(map[string]*badge.Assertion),
		keys:         make(map[string]*badge.PublicKeyIssuer),
		bySource: map[badge.Kind]map[string]string{
			badge.KindIssuer:     {},
			badge.KindBadgeClass: {},
			badge.KindAssertion:  {},
		},
	}
}

// The copy helpers below relink parents to their current stored version and
// must be called with mu held.

func (s *MemoryStore) issuerCopy(i *badge.Issuer) *badge.Issuer {
	if i == nil {
		return nil
	}
	if stored, ok := s.issuers[i.EntityID]; ok {
		i = stored
	}
	return i.Clone()
}

func (s *MemoryStore) badgeClassCopy(bc *badge.BadgeClass) *badge.BadgeClass {
	if bc == nil {
		return nil
	}
	if stored, ok := s.badgeClasses[bc.EntityID]; ok {
		bc = stored
	}
	return bc.CloneWith(s.issuerCopy(bc.Issuer()))
}

func (s *MemoryStore) assertionCopy(a *badge.Assertion) *badge.Assertion {
	return a.CloneWith(s.badgeClassCopy(a.BadgeClass()))
}

func (s *MemoryStore) GetIssuer(_ context.Context, entityID string) (*badge.Issuer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i, ok := s.issuers[entityID]; ok {
		return i.Clone(), nil
	}
	return nil, notFound(badge.KindIssuer, entityID)
}

func (s *MemoryStore) GetBadgeClass(_ context.Context, entityID string) (*badge.BadgeClass, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if bc, ok := s.badgeClasses[entityID]; ok {
		return s.badgeClassCopy(bc), nil
	}
	return nil, notFound(badge.KindBadgeClass, entityID)
}

func (s *MemoryStore) GetAssertion(_ context.Context, entityID string) (*badge.Assertion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.assertions[entityID]; ok {
		return s.assertionCopy(a), nil
	}
	return nil, notFound(badge.KindAssertion, entityID)
}

func (s *MemoryStore) GetPublicKey(_ context.Context, entityID string) (*badge.PublicKeyIssuer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if k, ok := s.keys[entityID]; ok {
		c := *k
		return &c, nil
	}
	return nil, badge.WrapError(badge.ErrCodeNotFound, fmt.Sprintf("public key %s not found", entityID), nil)
}

func (s *MemoryStore) SaveIssuer(_ context.Context, i *badge.Issuer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issuers[i.EntityID] = i.Clone()
	s.index(badge.KindIssuer, i.SourceURL, i.EntityID)
	return nil
}

func (s *MemoryStore) SaveBadgeClass(_ context.Context, bc *badge.BadgeClass) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.badgeClasses[bc.EntityID] = bc.CloneWith(bc.Issuer().Clone())
	s.index(badge.KindBadgeClass, bc.SourceURL, bc.EntityID)
	return nil
}

func (s *MemoryStore) SaveAssertion(_ context.Context, a *badge.Assertion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assertions[a.EntityID] = a.CloneWith(a.BadgeClass())
	s.index(badge.KindAssertion, a.SourceURL, a.EntityID)
	return nil
}

func (s *MemoryStore) SavePublicKey(_ context.Context, k *badge.PublicKeyIssuer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *k
	s.keys[k.EntityID] = &c
	return nil
}

func (s *MemoryStore) index(kind badge.Kind, sourceURL, entityID string) {
	if sourceURL != "" {
		s.bySource[kind][sourceURL] = entityID
	}
}

func (s *MemoryStore) UpsertIssuer(_ context.Context, i *badge.Issuer) (*badge.Issuer, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.bySource[badge.KindIssuer][i.SourceURL]; ok && i.SourceURL != "" {
		return s.issuers[id].Clone(), false, nil
	}
	s.issuers[i.EntityID] = i.Clone()
	s.index(badge.KindIssuer, i.SourceURL, i.EntityID)
	return i, true, nil
}

func (s *MemoryStore) UpsertBadgeClass(_ context.Context, bc *badge.BadgeClass) (*badge.BadgeClass, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.bySource[badge.KindBadgeClass][bc.SourceURL]; ok && bc.SourceURL != "" {
		return s.badgeClassCopy(s.badgeClasses[id]), false, nil
	}
	s.badgeClasses[bc.EntityID] = bc.CloneWith(bc.Issuer().Clone())
	s.index(badge.KindBadgeClass, bc.SourceURL, bc.EntityID)
	return bc, true, nil
}

func (s *MemoryStore) ListAssertions(_ context.Context, issuerEntityID string) ([]*badge.Assertion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*badge.Assertion
	for _, a := range s.assertions {
		if iss := a.Issuer(); iss != nil && iss.EntityID == issuerEntityID {
			out = append(out, s.assertionCopy(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IssuedOn.Equal(out[j].IssuedOn) {
			return out[i].EntityID < out[j].EntityID
		}
		return out[i].IssuedOn.Before(out[j].IssuedOn)
	})
	return out, nil
}

// WithTx runs fn with a store that records the previous value of every key it
// writes and restores them when fn fails. Transactions run one at a time.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &memoryTx{MemoryStore: s}
	if err := fn(tx); err != nil {
		s.mu.Lock()
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

// Counts returns the number of stored issuers, badge classes and assertions.
func (s *MemoryStore) Counts() (issuers, badgeClasses, assertions int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.issuers), len(s.badgeClasses), len(s.assertions)
}

// memoryTx is the transaction view of a MemoryStore.
type memoryTx struct {
	*MemoryStore
	undo []func()
}

// restore returns a func putting m[key] back to its current state.
func restore[V any](m map[string]V, key string) func() {
	old, ok := m[key]
	return func() {
		if ok {
			m[key] = old
		} else {
			delete(m, key)
		}
	}
}

func (tx *memoryTx) remember(kind badge.Kind, entityID, sourceURL string) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	switch kind {
	case badge.KindIssuer:
		tx.undo = append(tx.undo, restore(tx.issuers, entityID))
	case badge.KindBadgeClass:
		tx.undo = append(tx.undo, restore(tx.badgeClasses, entityID))
	case badge.KindAssertion:
		tx.undo = append(tx.undo, restore(tx.assertions, entityID))
	}
	if sourceURL != "" {
		tx.undo = append(tx.undo, restore(tx.bySource[kind], sourceURL))
	}
}

func (tx *memoryTx) SaveIssuer(ctx context.Context, i *badge.Issuer) error {
	tx.remember(badge.KindIssuer, i.EntityID, i.SourceURL)
	return tx.MemoryStore.SaveIssuer(ctx, i)
}

func (tx *memoryTx) SaveBadgeClass(ctx context.Context, bc *badge.BadgeClass) error {
	tx.remember(badge.KindBadgeClass, bc.EntityID, bc.SourceURL)
	return tx.MemoryStore.SaveBadgeClass(ctx, bc)
}

func (tx *memoryTx) SaveAssertion(ctx context.Context, a *badge.Assertion) error {
	tx.remember(badge.KindAssertion, a.EntityID, a.SourceURL)
	return tx.MemoryStore.SaveAssertion(ctx, a)
}

func (tx *memoryTx) SavePublicKey(ctx context.Context, k *badge.PublicKeyIssuer) error {
	tx.mu.Lock()
	tx.undo = append(tx.undo, restore(tx.keys, k.EntityID))
	tx.mu.Unlock()
	return tx.MemoryStore.SavePublicKey(ctx, k)
}

func (tx *memoryTx) UpsertIssuer(ctx context.Context, i *badge.Issuer) (*badge.Issuer, bool, error) {
	tx.remember(badge.KindIssuer, i.EntityID, i.SourceURL)
	return tx.MemoryStore.UpsertIssuer(ctx, i)
}

func (tx *memoryTx) UpsertBadgeClass(ctx context.Context, bc *badge.BadgeClass) (*badge.BadgeClass, bool, error) {
	tx.remember(badge.KindBadgeClass, bc.EntityID, bc.SourceURL)
	return tx.MemoryStore.UpsertBadgeClass(ctx, bc)
}

func (tx *memoryTx) WithTx(_ context.Context, fn func(tx Store) error) error {
	return fn(tx)
}
