package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/badgehub/badgehub-core/pkg/badge"
	"github.com/badgehub/badgehub-core/pkg/crypto"
	"github.com/badgehub/badgehub-core/pkg/extension"
	"github.com/badgehub/badgehub-core/pkg/report"
	"github.com/badgehub/badgehub-core/pkg/store"
)

// DefaultWorkers bounds ImportBatch parallelism when none is configured.
const DefaultWorkers = 4

// Import outcomes recorded in metrics.
const (
	OutcomeImported = "imported"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// ImportResult is the outcome of importing one submission.
type ImportResult struct {
	Result *Result

	// Assertion is the stored assertion; nil when the submission was rejected.
	Assertion *badge.Assertion

	IssuerCreated     bool
	BadgeClassCreated bool

	// Err is set when persistence failed. Rejections are not errors.
	Err error
}

// Importer resolves submissions and persists accepted ones.
type Importer struct {
	resolver   *Resolver
	store      store.Store
	extensions extension.Store
	workers    int
	metrics    *Metrics
	logger     *zap.Logger

	// sharedExtensions is set when extensions live in the entity store.
	sharedExtensions bool
}

// ImporterOption configures an Importer.
type ImporterOption func(*Importer)

// WithExtensionStore persists extensions found on imported documents.
func WithExtensionStore(s extension.Store) ImporterOption {
	return func(im *Importer) { im.extensions = s }
}

// WithWorkers bounds ImportBatch parallelism.
func WithWorkers(n int) ImporterOption {
	return func(im *Importer) {
		if n > 0 {
			im.workers = n
		}
	}
}

// WithImportMetrics enables import metrics.
func WithImportMetrics(m *Metrics) ImporterOption {
	return func(im *Importer) { im.metrics = m }
}

// WithImportLogger sets the logger.
func WithImportLogger(l *zap.Logger) ImporterOption {
	return func(im *Importer) { im.logger = l }
}

// NewImporter creates an Importer.
func NewImporter(r *Resolver, s store.Store, opts ...ImporterOption) *Importer {
	im := &Importer{resolver: r, store: s, workers: DefaultWorkers, logger: zap.NewNop()}
	for _, opt := range opts {
		if opt != nil {
			opt(im)
		}
	}
	if es, ok := s.(extension.Store); ok && im.extensions != nil {
		im.sharedExtensions = es == im.extensions
	}
	return im
}

// Import resolves in and, when accepted, stores the assertion. The issuer and
// badge class are inserted or reused by source URL. Nothing is written for a
// rejected submission, and a failed write leaves nothing behind.
//
// opts.Recipients must name at least one identifier of the importing actor;
// a badge cannot be imported without proving it was awarded to them.
func (im *Importer) Import(ctx context.Context, in Input, opts Options) (*ImportResult, error) {
	if !hasRecipient(opts.Recipients) {
		rep := &report.Report{}
		rep.AddError(report.CodeVerifyRecipientIdentifier,
			"no recipient identifiers were given to check the badge against", report.ComponentInput)
		im.metrics.IncrementImport(OutcomeRejected)
		return &ImportResult{Result: &Result{Status: StatusRejected, Input: in.Kind, Report: rep}}, nil
	}

	res, err := im.resolver.Resolve(ctx, in, opts)
	if err != nil {
		return nil, err
	}
	out := &ImportResult{Result: res}
	if !res.Accepted() {
		im.metrics.IncrementImport(OutcomeRejected)
		return out, nil
	}
	if err := im.persist(ctx, out); err != nil {
		im.metrics.IncrementImport(OutcomeFailed)
		im.logger.Error("Import failed",
			zap.String("url", res.AssertionURL),
			zap.Error(err))
		out.Err = err
		return out, nil
	}
	im.metrics.IncrementImport(OutcomeImported)
	im.logger.Info("Imported assertion",
		zap.String("entity_id", out.Assertion.EntityID),
		zap.String("url", res.AssertionURL),
		zap.String("version", res.Version.String()),
		zap.Bool("issuer_created", out.IssuerCreated),
		zap.Bool("badgeclass_created", out.BadgeClassCreated))
	return out, nil
}

func hasRecipient(ids []string) bool {
	for _, id := range ids {
		if strings.TrimSpace(id) != "" {
			return true
		}
	}
	return false
}

// persist writes the graph of an accepted result in one store transaction.
func (im *Importer) persist(ctx context.Context, out *ImportResult) error {
	var (
		written []badge.Ref
		w       importWrite
	)
	err := im.store.WithTx(ctx, func(tx store.Store) error {
		written = written[:0]
		w = importWrite{}
		return im.write(ctx, tx, out.Result, &w, &written)
	})
	if err != nil {
		im.dropExtensions(ctx, written)
		return err
	}
	out.Assertion = w.assertion
	out.IssuerCreated = w.issuerCreated
	out.BadgeClassCreated = w.badgeClassCreated
	return nil
}

type importWrite struct {
	assertion         *badge.Assertion
	issuerCreated     bool
	badgeClassCreated bool
}

func (im *Importer) write(ctx context.Context, tx store.Store, res *Result, w *importWrite, written *[]badge.Ref) error {
	exts := im.extensionsFor(tx)
	setExtensions := func(e badge.Entity, items map[string]json.RawMessage) error {
		if exts == nil || len(items) == 0 {
			return nil
		}
		*written = append(*written, badge.RefOf(e))
		if _, err := extension.Set(ctx, exts, badge.RefOf(e), items); err != nil {
			return fmt.Errorf("store extensions of %s: %w", badge.RefOf(e), err)
		}
		return nil
	}

	issuer, err := res.Issuer.Build(res.IssuerURL)
	if err != nil {
		return fmt.Errorf("build issuer: %w", err)
	}
	issuer, w.issuerCreated, err = tx.UpsertIssuer(ctx, issuer)
	if err != nil {
		return fmt.Errorf("store issuer: %w", err)
	}
	if w.issuerCreated {
		if err := setExtensions(issuer, res.Issuer.Extensions); err != nil {
			return err
		}
	}

	bc, err := res.BadgeClass.Build(issuer, res.BadgeClassURL)
	if err != nil {
		return fmt.Errorf("build badge class: %w", err)
	}
	bc.ImageData = res.Image
	bc, w.badgeClassCreated, err = tx.UpsertBadgeClass(ctx, bc)
	if err != nil {
		return fmt.Errorf("store badge class: %w", err)
	}
	if w.badgeClassCreated {
		if err := setExtensions(bc, res.BadgeClass.Extensions); err != nil {
			return err
		}
	}

	a, err := res.Assertion.Build(bc, res.AssertionURL)
	if err != nil {
		return fmt.Errorf("build assertion: %w", err)
	}
	a.BakedImage = res.BakedImage
	if res.Signature != "" && res.Signer != nil && res.Signer.Valid {
		key, err := im.signerKey(ctx, tx, issuer, res.Signer)
		if err != nil {
			return err
		}
		if err := a.Restore(badge.Lifecycle{State: badge.StateSigned, Signature: res.Signature, PublicKey: key}); err != nil {
			return fmt.Errorf("restore signed assertion: %w", err)
		}
	}
	if err := tx.SaveAssertion(ctx, a); err != nil {
		return fmt.Errorf("store assertion: %w", err)
	}
	if err := setExtensions(a, res.Assertion.Extensions); err != nil {
		return err
	}
	w.assertion = a
	return nil
}

// signerKey returns the stored key reference of the key that signed an
// imported assertion, inserting it on first use. Imported keys are keyed by
// their URL.
func (im *Importer) signerKey(ctx context.Context, tx store.Store, issuer *badge.Issuer, sig *crypto.SignatureResult) (*badge.PublicKeyIssuer, error) {
	key, err := tx.GetPublicKey(ctx, sig.KeyURL)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, badge.ErrNotFound) {
		return nil, fmt.Errorf("load signing key: %w", err)
	}
	key = &badge.PublicKeyIssuer{
		EntityID:       sig.KeyURL,
		IssuerEntityID: issuer.EntityID,
		KeyURL:         sig.KeyURL,
		KeyID:          sig.KeyID,
	}
	if err := tx.SavePublicKey(ctx, key); err != nil {
		return nil, fmt.Errorf("store signing key: %w", err)
	}
	return key, nil
}

// extensionsFor returns the extension store to write through inside tx. When
// the configured extension store is the entity store, the transaction's view
// is used so extension rows commit with the entities.
func (im *Importer) extensionsFor(tx store.Store) extension.Store {
	if im.sharedExtensions {
		if es, ok := tx.(extension.Store); ok {
			return es
		}
	}
	return im.extensions
}

// dropExtensions removes extensions written for entities of a rolled back
// import when the extension store is not part of the transaction. Every
// such owner was created by the import, so it had no extensions before.
func (im *Importer) dropExtensions(ctx context.Context, owners []badge.Ref) {
	if im.sharedExtensions || im.extensions == nil {
		return
	}
	for _, owner := range owners {
		if _, err := extension.Set(ctx, im.extensions, owner, nil); err != nil {
			im.logger.Warn("Failed to drop extensions of rolled back import",
				zap.String("entity_id", owner.EntityID),
				zap.Error(err))
		}
	}
}

// ImportBatch imports independent submissions in parallel with at most the
// configured number of workers. Results are in input order. The error is
// non-nil only when ctx is done.
func (im *Importer) ImportBatch(ctx context.Context, inputs []Input, opts Options) ([]*ImportResult, error) {
	results := make([]*ImportResult, len(inputs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(im.workers)
	for i, in := range inputs {
		g.Go(func() error {
			r, err := im.Import(ctx, in, opts)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
