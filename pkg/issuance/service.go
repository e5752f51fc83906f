// Package issuance creates, revokes, signs and re-bakes locally issued
// assertions and keeps the projection cache current after every change.
package issuance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/badgehub/badgehub-core/pkg/badge"
	"github.com/badgehub/badgehub-core/pkg/bake"
	"github.com/badgehub/badgehub-core/pkg/cache"
	"github.com/badgehub/badgehub-core/pkg/crypto"
	"github.com/badgehub/badgehub-core/pkg/extension"
	"github.com/badgehub/badgehub-core/pkg/ordered"
	"github.com/badgehub/badgehub-core/pkg/projector"
	"github.com/badgehub/badgehub-core/pkg/recipient"
	"github.com/badgehub/badgehub-core/pkg/revocation"
	"github.com/badgehub/badgehub-core/pkg/signing"
	"github.com/badgehub/badgehub-core/pkg/store"
	"github.com/badgehub/badgehub-core/pkg/trust"
	"github.com/badgehub/badgehub-core/pkg/version"
)

// Content types of rendered documents.
const (
	ContentTypeJSONLD    = "application/ld+json"
	ContentTypeSignature = "application/jose"
)

// Errors.
var (
	ErrNoTemplateImage = errors.New("badge class has no image to bake")
	ErrNoSigner        = errors.New("no signer configured")
	ErrNoTrustStore    = errors.New("no trust store configured")
)

// Config holds the collaborators of a Service. Store and Projector are required.
type Config struct {
	Store       store.Store
	Projector   *projector.Projector
	Cache       cache.Cache
	Revocations revocation.Cache
	Extensions  extension.Store
	Signer      signing.Signer
	Trust       trust.Store
	Metrics     *Metrics
	Logger      *zap.Logger
}

// Service implements the issuing side of the badge lifecycle.
type Service struct {
	store       store.Store
	projector   *projector.Projector
	cache       cache.Cache
	revocations revocation.Cache
	extensions  extension.Store
	signer      signing.Signer
	trust       trust.Store
	metrics     *Metrics
	logger      *zap.Logger
	now         func() time.Time
}

// NewService creates a Service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("issuance: store is required")
	}
	if cfg.Projector == nil {
		return nil, errors.New("issuance: projector is required")
	}
	s := &Service{
		store:       cfg.Store,
		projector:   cfg.Projector,
		cache:       cfg.Cache,
		revocations: cfg.Revocations,
		extensions:  cfg.Extensions,
		signer:      cfg.Signer,
		trust:       cfg.Trust,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		now:         time.Now,
	}
	if s.cache == nil {
		s.cache = cache.Nop{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s, nil
}

// Projector returns the projector the service renders with.
func (s *Service) Projector() *projector.Projector {
	return s.projector
}

// CreateIssuer stores a new local issuer.
func (s *Service) CreateIssuer(ctx context.Context, i *badge.Issuer) error {
	if err := i.Validate(); err != nil {
		return err
	}
	if err := s.store.SaveIssuer(ctx, i); err != nil {
		return fmt.Errorf("store issuer: %w", err)
	}
	return s.refresh(ctx, i)
}

// CreateBadgeClass stores a new local badge class. Its image is the template
// assertions are baked from.
func (s *Service) CreateBadgeClass(ctx context.Context, bc *badge.BadgeClass) error {
	if len(bc.ImageData) > 0 && bake.Detect(bc.ImageData) == bake.FormatSVG {
		clean, err := bake.SanitizeSVG(bc.ImageData)
		if err != nil {
			return fmt.Errorf("sanitize badge image: %w", err)
		}
		bc.ImageData = clean
	}
	if err := s.store.SaveBadgeClass(ctx, bc); err != nil {
		return fmt.Errorf("store badge class: %w", err)
	}
	return s.refresh(ctx, bc)
}

// IssueRequest describes a new assertion.
type IssueRequest struct {
	BadgeClassID string
	Recipient    recipient.Identity
	IssuedOn     time.Time
	Narrative    string
	Evidence     []badge.Evidence
	Extensions   map[string]json.RawMessage
}

// Issue creates a hosted assertion and bakes its image before returning.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*badge.Assertion, error) {
	bc, err := s.store.GetBadgeClass(ctx, req.BadgeClassID)
	if err != nil {
		return nil, err
	}
	if len(bc.ImageData) == 0 {
		return nil, ErrNoTemplateImage
	}
	a, err := badge.NewAssertion(bc, req.Recipient, req.IssuedOn)
	if err != nil {
		return nil, err
	}
	a.Narrative = req.Narrative
	a.Evidence = req.Evidence

	if len(req.Extensions) > 0 && s.extensions == nil {
		return nil, errors.New("issuance: extensions given but no extension store configured")
	}
	if err := s.issue(ctx, a, req.Extensions); err != nil {
		s.metrics.IncrementOperation(OpIssue, err)
		return nil, err
	}
	s.metrics.IncrementOperation(OpIssue, nil)
	s.logger.Info("Issued assertion",
		zap.String("entity_id", a.EntityID),
		zap.String("badgeclass", bc.EntityID))
	return a, s.refresh(ctx, a)
}

// issue bakes and stores a new assertion. Its extensions are written first so
// the baked document carries them, and are dropped again when the assertion
// is not stored.
func (s *Service) issue(ctx context.Context, a *badge.Assertion, exts map[string]json.RawMessage) (err error) {
	if len(exts) > 0 {
		ref := badge.RefOf(a)
		defer func() {
			if err == nil {
				return
			}
			if _, derr := extension.Set(ctx, s.extensions, ref, nil); derr != nil {
				s.logger.Warn("Failed to drop extensions of unsaved assertion",
					zap.String("entity_id", a.EntityID),
					zap.Error(derr))
			}
		}()
		if _, err := extension.Set(ctx, s.extensions, ref, exts); err != nil {
			return err
		}
	}

	baked, err := s.bake(ctx, a, version.Default)
	if err != nil {
		return err
	}
	a.BakedImage = baked
	if err := s.store.SaveAssertion(ctx, a); err != nil {
		return fmt.Errorf("store assertion: %w", err)
	}
	return nil
}

// Revoke revokes an assertion, re-bakes its image with the redacted document
// and records the revocation.
func (s *Service) Revoke(ctx context.Context, assertionID, reason string) (*badge.Assertion, error) {
	a, err := s.store.GetAssertion(ctx, assertionID)
	if err != nil {
		return nil, err
	}
	if err := a.Revoke(reason, s.now()); err != nil {
		s.metrics.IncrementOperation(OpRevoke, err)
		return nil, err
	}
	if baked, err := s.bake(ctx, a, version.Default); err == nil {
		a.BakedImage = baked
	} else if !errors.Is(err, ErrNoTemplateImage) {
		return nil, err
	}
	if err := s.store.SaveAssertion(ctx, a); err != nil {
		return nil, fmt.Errorf("store assertion: %w", err)
	}

	if s.revocations != nil {
		doc, err := s.projector.Project(ctx, a, projector.Options{})
		if err != nil {
			return nil, err
		}
		id, _ := doc.JSON.String("id")
		rev := revocation.Revocation{
			AssertionID: id,
			UID:         a.EntityID,
			RevokedAt:   a.Lifecycle().RevokedAt,
			Reason:      a.RevocationReason(),
		}
		if err := s.revocations.Add(rev); err != nil {
			s.logger.Warn("Failed to record revocation", zap.String("entity_id", a.EntityID), zap.Error(err))
		}
	}

	s.metrics.IncrementOperation(OpRevoke, nil)
	s.logger.Info("Revoked assertion",
		zap.String("entity_id", a.EntityID),
		zap.String("reason", a.RevocationReason()))
	if err := s.refresh(ctx, a); err != nil {
		return nil, err
	}
	if iss := a.Issuer(); iss != nil {
		if err := s.refresh(ctx, iss); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// RegisterKey publishes pub as a signing key of an issuer. The key is trusted
// under its public key URL.
func (s *Service) RegisterKey(ctx context.Context, issuerID string, pub jose.JSONWebKey) (*badge.PublicKeyIssuer, error) {
	if s.trust == nil {
		return nil, ErrNoTrustStore
	}
	iss, err := s.store.GetIssuer(ctx, issuerID)
	if err != nil {
		return nil, err
	}
	links := s.projector.Links()
	key := &badge.PublicKeyIssuer{EntityID: uuid.NewString(), IssuerEntityID: iss.EntityID}
	key.KeyURL = links.Key(key.EntityID)
	key.KeyID = key.KeyURL

	pub = pub.Public()
	pub.KeyID = key.KeyID
	if err := s.trust.Add(pub); err != nil {
		return nil, fmt.Errorf("trust key: %w", err)
	}
	if err := s.trust.AddIssuerMapping(links.Public(badge.KindIssuer, iss.EntityID), key.KeyID); err != nil {
		return nil, fmt.Errorf("trust key: %w", err)
	}
	if err := s.store.SavePublicKey(ctx, key); err != nil {
		return nil, fmt.Errorf("store key: %w", err)
	}
	return key, nil
}

// KeyDocument renders the CryptographicKey document of a registered key.
func (s *Service) KeyDocument(ctx context.Context, keyEntityID string) (*ordered.Map, error) {
	if s.trust == nil {
		return nil, ErrNoTrustStore
	}
	key, err := s.store.GetPublicKey(ctx, keyEntityID)
	if err != nil {
		return nil, err
	}
	jwk, err := s.trust.Get(key.KeyID)
	if err != nil {
		return nil, badge.WrapError(badge.ErrCodeNotFound, fmt.Sprintf("key %s is not trusted", key.KeyID), err)
	}
	pem, err := crypto.PublicKeyPEM(*jwk)
	if err != nil {
		return nil, err
	}
	links := s.projector.Links()
	doc := ordered.New()
	doc.Set("@context", version.IRIv2)
	doc.Set("type", "CryptographicKey")
	doc.Set("id", key.KeyURL)
	doc.Set("owner", links.Public(badge.KindIssuer, key.IssuerEntityID))
	doc.Set("publicKeyPem", pem)
	return doc, nil
}

// Sign moves an assertion into the signing branch, obtains the signature of
// its signed document and re-bakes the image with the signature. When the
// signer fails the assertion stays pending and can be signed again.
func (s *Service) Sign(ctx context.Context, assertionID, keyID string) (*badge.Assertion, error) {
	if s.signer == nil {
		return nil, ErrNoSigner
	}
	a, err := s.store.GetAssertion(ctx, assertionID)
	if err != nil {
		return nil, err
	}
	key, err := s.store.GetPublicKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if err := a.RequestSignature(key); err != nil {
		s.metrics.IncrementOperation(OpSign, err)
		return nil, err
	}
	if err := s.store.SaveAssertion(ctx, a); err != nil {
		return nil, fmt.Errorf("store assertion: %w", err)
	}

	doc, err := s.projector.Project(ctx, a, projector.Options{Signed: true, PublicKey: key})
	if err != nil {
		return nil, err
	}
	payload, err := doc.Bytes()
	if err != nil {
		return nil, err
	}
	sig, err := s.signer.Sign(ctx, payload, key)
	if err != nil {
		s.metrics.IncrementOperation(OpSign, err)
		s.logger.Warn("Signing failed",
			zap.String("entity_id", a.EntityID),
			zap.Error(err))
		return a, fmt.Errorf("sign assertion: %w", err)
	}
	if err := a.CompleteSignature(sig); err != nil {
		return nil, err
	}
	baked, err := s.bake(ctx, a, version.Default)
	if err != nil && !errors.Is(err, ErrNoTemplateImage) {
		return nil, err
	}
	if baked != nil {
		a.BakedImage = baked
	}
	if err := s.store.SaveAssertion(ctx, a); err != nil {
		return nil, fmt.Errorf("store assertion: %w", err)
	}
	s.metrics.IncrementOperation(OpSign, nil)
	s.logger.Info("Signed assertion",
		zap.String("entity_id", a.EntityID),
		zap.String("key", key.KeyURL))
	return a, s.refresh(ctx, a)
}

// Rebake returns the image of an assertion baked with its document in
// version v. The stored image is replaced when v is the default version.
func (s *Service) Rebake(ctx context.Context, assertionID string, v version.Version) ([]byte, error) {
	a, err := s.store.GetAssertion(ctx, assertionID)
	if err != nil {
		return nil, err
	}
	baked, err := s.bake(ctx, a, v)
	if err != nil {
		s.metrics.IncrementOperation(OpRebake, err)
		return nil, err
	}
	if v == "" || v == version.Default {
		a.BakedImage = baked
		if err := s.store.SaveAssertion(ctx, a); err != nil {
			return nil, fmt.Errorf("store assertion: %w", err)
		}
	}
	s.metrics.IncrementOperation(OpRebake, nil)
	return baked, nil
}

// UpdateExtensions replaces the extensions of an entity. Assertions are
// re-baked when anything changed.
func (s *Service) UpdateExtensions(ctx context.Context, owner badge.Ref, items map[string]json.RawMessage) (extension.Stats, error) {
	if s.extensions == nil {
		return extension.Stats{}, errors.New("issuance: no extension store configured")
	}
	e, err := s.Entity(ctx, owner.Kind, owner.EntityID)
	if err != nil {
		return extension.Stats{}, err
	}
	stats, err := extension.Set(ctx, s.extensions, owner, items)
	if err != nil {
		return stats, err
	}
	if stats.Writes() == 0 {
		return stats, nil
	}
	if a, ok := e.(*badge.Assertion); ok && !a.Revoked() && a.Signature() == "" {
		if _, err := s.Rebake(ctx, a.EntityID, version.Default); err != nil && !errors.Is(err, ErrNoTemplateImage) {
			return stats, err
		}
	}
	return stats, s.refresh(ctx, e)
}

// Entity loads an entity of any kind.
func (s *Service) Entity(ctx context.Context, kind badge.Kind, entityID string) (badge.Entity, error) {
	switch kind {
	case badge.KindIssuer:
		return s.store.GetIssuer(ctx, entityID)
	case badge.KindBadgeClass:
		return s.store.GetBadgeClass(ctx, entityID)
	case badge.KindAssertion:
		return s.store.GetAssertion(ctx, entityID)
	}
	return nil, badge.NewError(badge.ErrCodeInvalid, fmt.Sprintf("unknown kind %s", kind))
}

// RevocationList renders the revocation list of an issuer.
func (s *Service) RevocationList(ctx context.Context, issuerID string) (*projector.Document, error) {
	iss, err := s.store.GetIssuer(ctx, issuerID)
	if err != nil {
		return nil, err
	}
	assertions, err := s.store.ListAssertions(ctx, iss.EntityID)
	if err != nil {
		return nil, err
	}
	return s.projector.RevocationList(iss, assertions)
}

// bake projects a in version v and embeds it into the badge class template
// image. Signed assertions embed their signature.
func (s *Service) bake(ctx context.Context, a *badge.Assertion, v version.Version) ([]byte, error) {
	template := a.BadgeClass().ImageData
	if len(template) == 0 {
		template = a.BakedImage
	}
	if len(template) == 0 {
		return nil, ErrNoTemplateImage
	}

	opts := projector.Options{Version: v}
	if key := a.PublicKey(); key != nil && a.Signature() != "" {
		opts.Signed = true
		opts.PublicKey = key
	}
	doc, err := s.projector.Project(ctx, a, opts)
	if err != nil {
		return nil, err
	}
	payload, err := doc.Bytes()
	if err != nil {
		return nil, err
	}
	return bake.Bake(template, payload)
}
