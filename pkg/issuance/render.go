package issuance

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/badgehub/badgehub-core/pkg/badge"
	"github.com/badgehub/badgehub-core/pkg/cache"
	"github.com/badgehub/badgehub-core/pkg/projector"
	"github.com/badgehub/badgehub-core/pkg/version"
)

// Render returns the document of an entity. Plain projections (no expansion,
// hosted, local ids) are served from the cache and stored there on a miss.
func (s *Service) Render(ctx context.Context, kind badge.Kind, entityID string, opts projector.Options) (cache.Entry, error) {
	if opts.Version == "" {
		opts.Version = version.Default
	}
	cacheable := !opts.ExpandBadgeClass && !opts.ExpandIssuer && !opts.Signed && !opts.UseCanonicalID && !opts.IncludeExtra
	key := cache.Key{Kind: kind, EntityID: entityID, Version: opts.Version}
	if cacheable {
		entry, ok, err := s.cache.Get(ctx, key)
		if err != nil {
			s.logger.Warn("Projection cache read failed", zap.String("key", key.String()), zap.Error(err))
		} else if ok {
			return entry, nil
		}
	}

	e, err := s.Entity(ctx, kind, entityID)
	if err != nil {
		return cache.Entry{}, err
	}
	entry, err := s.render(ctx, e, opts)
	if err != nil {
		return cache.Entry{}, err
	}
	if cacheable {
		if err := s.cache.Set(ctx, key, entry); err != nil {
			s.logger.Warn("Projection cache write failed", zap.String("key", key.String()), zap.Error(err))
		}
	}
	return entry, nil
}

// render projects e. A signed assertion is always served as its signature,
// whatever URL it is requested under.
func (s *Service) render(ctx context.Context, e badge.Entity, opts projector.Options) (cache.Entry, error) {
	if a, ok := e.(*badge.Assertion); ok && a.Signature() != "" && a.PublicKey() != nil {
		opts.Signed = true
		opts.PublicKey = a.PublicKey()
	}
	doc, err := s.projector.Project(ctx, e, opts)
	if err != nil {
		return cache.Entry{}, err
	}
	body, err := doc.Bytes()
	if err != nil {
		return cache.Entry{}, err
	}
	ct := ContentTypeJSONLD
	if doc.IsSignature() {
		ct = ContentTypeSignature
	}
	return cache.Entry{ContentType: ct, Body: body}, nil
}

// refresh drops every cached version of e and stores its default projection,
// so readers see the mutation as soon as the mutating call returns.
func (s *Service) refresh(ctx context.Context, e badge.Entity) error {
	if err := s.cache.Invalidate(ctx, e.Kind(), e.Key()); err != nil {
		return fmt.Errorf("invalidate %s: %w", badge.RefOf(e), err)
	}
	entry, err := s.render(ctx, e, projector.Options{Version: version.Default})
	if err != nil {
		return err
	}
	key := cache.Key{Kind: e.Kind(), EntityID: e.Key(), Version: version.Default}
	if err := s.cache.Set(ctx, key, entry); err != nil {
		return fmt.Errorf("cache %s: %w", key, err)
	}
	return nil
}
