// Package resolver turns a submitted badge (JSON, URL, baked image or compact
// signature) into a validated assertion, badge class and issuer, collecting
// every finding into a report, and imports accepted badges into a store.
package resolver

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register decoder
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/badgehub/badgehub-core/pkg/bake"
	"github.com/badgehub/badgehub-core/pkg/crypto"
	"github.com/badgehub/badgehub-core/pkg/ordered"
	"github.com/badgehub/badgehub-core/pkg/projector"
	"github.com/badgehub/badgehub-core/pkg/report"
	"github.com/badgehub/badgehub-core/pkg/revocation"
	"github.com/badgehub/badgehub-core/pkg/version"
)

// Status is the state of a submission in the pipeline.
//
//	Unresolved -> Validating -> Rejected | Accepted
type Status string

// Pipeline states.
const (
	StatusUnresolved Status = "unresolved"
	StatusValidating Status = "validating"
	StatusRejected   Status = "rejected"
	StatusAccepted   Status = "accepted"
)

// Options control one resolution.
type Options struct {
	// Recipients are identifiers the submitting actor controls. Resolve skips
	// the recipient check when empty; Importer.Import rejects an empty set.
	Recipients []string

	// SkipImage disables fetching and decoding the badge class image.
	SkipImage bool

	// Now overrides the clock for the expiry check.
	Now time.Time
}

// Result is the outcome of a resolution.
type Result struct {
	Status  Status
	Input   InputKind
	Version version.Version

	Assertion  *projector.ParsedAssertion
	BadgeClass *projector.ParsedBadgeClass
	Issuer     *projector.ParsedIssuer

	// Canonical source URLs of each component, when known.
	AssertionURL  string
	BadgeClassURL string
	IssuerURL     string

	// Signature is the compact JWS of a signed submission.
	Signature string
	Signer    *crypto.SignatureResult

	// BakedImage is the submitted image of an image submission.
	BakedImage []byte

	// Image is the fetched badge class image.
	Image []byte

	Report *report.Report
}

// Accepted reports whether the submission passed every check.
func (r *Result) Accepted() bool {
	return r.Status == StatusAccepted
}

// Resolver runs the resolution pipeline. It holds no per-submission state and
// may be used concurrently.
type Resolver struct {
	fetcher     Fetcher
	verifier    *crypto.Verifier
	revocations revocation.Cache
	staleAfter  time.Duration
	metrics     *Metrics
	logger      *zap.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithVerifier sets the signature verifier.
func WithVerifier(v *crypto.Verifier) Option {
	return func(r *Resolver) { r.verifier = v }
}

// WithRevocationCache records fetched revocation lists in c and consults it.
func WithRevocationCache(c revocation.Cache) Option {
	return func(r *Resolver) { r.revocations = c }
}

// WithRevocationStaleness sets how long a synced revocation list is trusted
// before it is fetched again. The default is revocation.DefaultStaleThreshold.
func WithRevocationStaleness(d time.Duration) Option {
	return func(r *Resolver) { r.staleAfter = d }
}

// WithMetrics enables metrics.
func WithMetrics(m *Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// New creates a Resolver. Unless WithVerifier is given, signed badges are
// verified with keys fetched through fetcher when it also implements crypto.Getter.
func New(fetcher Fetcher, opts ...Option) *Resolver {
	r := &Resolver{fetcher: fetcher, staleAfter: revocation.DefaultStaleThreshold, logger: zap.NewNop()}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.verifier == nil {
		var getter crypto.Getter
		if g, ok := fetcher.(crypto.Getter); ok {
			getter = g
		}
		r.verifier = crypto.NewVerifier(crypto.NewDefaultKeyFetcher(getter), nil)
	}
	return r
}

// Resolve runs the pipeline on in. Findings are returned in Result.Report; the
// error is non-nil only when ctx is done between fetch steps.
func (r *Resolver) Resolve(ctx context.Context, in Input, opts Options) (*Result, error) {
	res := &Result{Status: StatusUnresolved, Input: in.Kind, Report: &report.Report{}}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}

	err := r.resolve(ctx, in, opts, res)
	if err != nil {
		return nil, err
	}
	if res.Report.Valid() {
		res.Status = StatusAccepted
	} else {
		res.Status = StatusRejected
	}
	r.metrics.IncrementResolution(res.Accepted(), res.Version.String())
	r.logger.Debug("Resolved submission",
		zap.String("input", in.Kind.String()),
		zap.String("version", res.Version.String()),
		zap.String("status", string(res.Status)),
		zap.Int("issues", len(res.Report.Issues)))
	return res, nil
}

func (r *Resolver) resolve(ctx context.Context, in Input, opts Options, res *Result) error {
	doc, err := r.extract(ctx, in, res)
	if err != nil || doc == nil {
		return err
	}
	res.Status = StatusValidating
	rep := res.Report

	v := Classify(doc)
	res.Version = v
	if v == version.V0_5 {
		rep.AddError(report.CodeUnsupportedVersion, "Open Badges 0.5 assertions are not supported", report.ComponentAssertion)
		return nil
	}

	pa := projector.ParseAssertion(doc, v, rep)
	res.Assertion = pa
	if pa.Revoked {
		rep.AddError(report.CodeVerifyRevoked, revokedMessage(pa.RevocationReason), report.ComponentAssertion)
		return nil
	}
	if res.AssertionURL == "" {
		switch {
		case pa.VerificationType == "hosted" && IsURL(pa.VerificationURL):
			res.AssertionURL = pa.VerificationURL
		case IsURL(pa.ID):
			res.AssertionURL = pa.ID
		}
	}
	if pa.Signed() && res.Signature == "" {
		rep.AddError(report.CodeVerifySignature, "assertion declares signed verification but no signature was submitted", report.ComponentAssertion)
	}

	// Badge class
	bcDoc, bcURL, err := r.component(ctx, rep, report.ComponentBadgeClass, pa.BadgeRef, pa.EmbeddedBadge)
	if err != nil || bcDoc == nil {
		return err
	}
	bv := ClassifyComponent(bcDoc, v)
	pb := projector.ParseBadgeClass(bcDoc, bv, rep)
	res.BadgeClass = pb
	res.BadgeClassURL = firstURL(bcURL, pb.ID)

	// Issuer
	if pb.IssuerRef == "" && pb.EmbeddedIssuer == nil {
		if bv == version.V3_0 {
			rep.MissingProperty(report.ComponentBadgeClass, "creator")
		}
		return nil
	}
	issDoc, issURL, err := r.component(ctx, rep, report.ComponentIssuer, pb.IssuerRef, pb.EmbeddedIssuer)
	if err != nil || issDoc == nil {
		return err
	}
	pi := projector.ParseIssuer(issDoc, ClassifyComponent(issDoc, bv), rep)
	res.Issuer = pi
	res.IssuerURL = firstURL(issURL, pi.ID)

	if err := r.checkRevocation(ctx, res); err != nil {
		return err
	}

	if pa.ExpiresAt != nil && !pa.ExpiresAt.After(opts.Now) {
		rep.Add(report.Issue{
			Code:      report.CodeVerifyExpired,
			Message:   fmt.Sprintf("assertion expired on %s", pa.ExpiresAt.Format(time.RFC3339)),
			Severity:  report.SeverityWarning,
			Component: report.ComponentAssertion,
			PropName:  "expires",
		})
	}

	if len(opts.Recipients) > 0 && !pa.Recipient.MatchesAny(opts.Recipients) {
		rep.AddError(report.CodeVerifyRecipientIdentifier,
			"the badge recipient does not match any of your identifiers", report.ComponentAssertion)
	}

	if !opts.SkipImage && pb.Image != "" {
		if err := ctx.Err(); err != nil {
			return err
		}
		res.Image = r.validateImage(ctx, rep, pb.Image)
	}
	return nil
}

// extract produces the assertion document of a submission. A nil document
// with a nil error means the submission was rejected and the reason recorded.
func (r *Resolver) extract(ctx context.Context, in Input, res *Result) (*ordered.Map, error) {
	rep := res.Report
	switch in.Kind {
	case InputImage:
		payload, baked, err := bake.Unbake(in.Data)
		if err != nil {
			rep.AddError(report.CodeInputInvalid, fmt.Sprintf("unreadable image: %v", err), report.ComponentImage)
			return nil, nil
		}
		if !baked {
			rep.AddError(report.CodeInputInvalid, "the image does not carry a baked badge", report.ComponentImage)
			return nil, nil
		}
		res.BakedImage = in.Data
		inner := DetectInput(payload)
		if inner.Kind == InputImage || inner.Kind == InputUnknown {
			rep.AddError(report.CodeInputInvalid, "the baked payload is not an assertion, URL or signature", report.ComponentImage)
			return nil, nil
		}
		return r.extract(ctx, inner, res)

	case InputURL:
		u := strings.TrimSpace(string(in.Data))
		doc, err := r.fetchJSON(ctx, rep, report.ComponentAssertion, u)
		if err != nil || doc == nil {
			return nil, err
		}
		res.AssertionURL = u
		return doc, nil

	case InputJSON:
		doc, err := ordered.Parse(in.Data)
		if err != nil {
			rep.AddError(report.CodeInputInvalid, fmt.Sprintf("submission is not a JSON object: %v", err), report.ComponentInput)
			return nil, nil
		}
		return doc, nil

	case InputSigned:
		compact := strings.TrimSpace(string(in.Data))
		res.Signature = compact
		sr := r.verifier.Verify(ctx, compact, "")
		res.Signer = sr
		if sr.Payload == nil {
			rep.AddError(report.CodeVerifySignature, sr.Error, report.ComponentAssertion)
			return nil, nil
		}
		if !sr.Valid {
			rep.Add(report.Issue{
				Code:      report.CodeVerifySignature,
				Message:   sr.Error,
				Component: report.ComponentKey,
				URL:       sr.KeyURL,
			})
		}
		return sr.Payload, nil
	}
	rep.AddError(report.CodeInputInvalid, "submission is not a URL, JSON document, baked image or signature", report.ComponentInput)
	return nil, nil
}

// component returns an embedded component document or fetches the referenced
// one. A nil document with a nil error means the chain stops here.
func (r *Resolver) component(ctx context.Context, rep *report.Report, comp, ref string, embedded *ordered.Map) (*ordered.Map, string, error) {
	if embedded != nil {
		return embedded, ref, nil
	}
	if ref == "" {
		return nil, "", nil
	}
	if !IsURL(ref) {
		rep.InvalidProperty(comp, "id", fmt.Sprintf("%q is not a URL", ref))
		return nil, "", nil
	}
	doc, err := r.fetchJSON(ctx, rep, comp, ref)
	return doc, ref, err
}

func (r *Resolver) fetchJSON(ctx context.Context, rep *report.Report, comp, url string) (*ordered.Map, error) {
	resp, err := r.fetch(ctx, comp, url, AcceptJSON)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		rep.FetchFailed(comp, url, err)
		return nil, nil
	}
	doc, err := ordered.Parse(resp.Body)
	if err != nil {
		rep.FetchFailed(comp, url, fmt.Errorf("response is not a JSON object: %w", err))
		return nil, nil
	}
	return doc, nil
}

func (r *Resolver) fetch(ctx context.Context, comp, url, accept string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := r.fetcher.Fetch(ctx, url, accept)
	r.metrics.ObserveFetch(comp, time.Since(start), err)
	if err != nil {
		r.logger.Info("Component fetch failed",
			zap.String("component", comp),
			zap.String("url", url),
			zap.Error(err))
	}
	return resp, err
}

// checkRevocation consults the issuer's revocation list and the revocation
// cache. A list synced into the cache within the staleness window is not
// fetched again.
func (r *Resolver) checkRevocation(ctx context.Context, res *Result) error {
	rep := res.Report
	ids := revocationKeys(res)
	if len(ids) == 0 {
		return nil
	}

	var revs []revocation.Revocation
	if listURL := res.Issuer.RevocationList; IsURL(listURL) && r.listStale(listURL) {
		resp, err := r.fetch(ctx, report.ComponentRevocationList, listURL, AcceptJSON)
		var doc *ordered.Map
		if err == nil {
			doc, err = ordered.Parse(resp.Body)
		}
		if err == nil {
			revs, err = revocation.FromList(doc)
		}
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			rep.Add(report.Issue{
				Code:      report.CodeFetchHTTPNode,
				Message:   fmt.Sprintf("unable to check the revocation list: %v", err),
				Severity:  report.SeverityWarning,
				Component: report.ComponentRevocationList,
				URL:       listURL,
			})
		case r.revocations != nil:
			if err := r.revocations.Sync(listURL, revs); err != nil {
				r.logger.Warn("Failed to sync revocation cache", zap.Error(err))
			}
		}
	}

	for _, rev := range revs {
		for _, id := range ids {
			if rev.AssertionID == id || (rev.UID != "" && rev.UID == id) {
				rep.AddError(report.CodeVerifyRevoked, revokedMessage(rev.Reason), report.ComponentAssertion)
				return nil
			}
		}
	}
	if r.revocations != nil {
		for _, id := range ids {
			if rev, ok := r.revocations.Lookup(id); ok {
				rep.AddError(report.CodeVerifyRevoked, revokedMessage(rev.Reason), report.ComponentAssertion)
				return nil
			}
		}
	}
	return nil
}

func (r *Resolver) listStale(listURL string) bool {
	return r.revocations == nil || r.revocations.IsStale(listURL, r.staleAfter)
}

func revocationKeys(res *Result) []string {
	var ids []string
	for _, id := range []string{res.Assertion.ID, res.AssertionURL} {
		if id != "" {
			ids = append(ids, id)
		}
	}
	if res.Assertion.Original != nil {
		if uid, _ := res.Assertion.Original.String("uid"); uid != "" {
			ids = append(ids, uid)
		}
	}
	return ids
}

// validateImage fetches and decodes the badge class image. SVG images are
// returned sanitized.
func (r *Resolver) validateImage(ctx context.Context, rep *report.Report, ref string) []byte {
	fail := func(msg string) {
		rep.Add(report.Issue{
			Code:      report.CodeImageValidation,
			Message:   msg,
			Component: report.ComponentImage,
			URL:       ref,
		})
	}

	var data []byte
	if strings.HasPrefix(ref, "data:") {
		d, err := decodeDataURI(ref)
		if err != nil {
			fail(fmt.Sprintf("badge image data URI is invalid: %v", err))
			return nil
		}
		data = d
	} else {
		resp, err := r.fetch(ctx, report.ComponentImage, ref, AcceptImage)
		if err != nil {
			fail(fmt.Sprintf("badge image could not be fetched: %v", err))
			return nil
		}
		data = resp.Body
	}

	if bake.Detect(data) == bake.FormatSVG {
		clean, err := bake.SanitizeSVG(data)
		if err != nil {
			fail(fmt.Sprintf("badge image is not a valid SVG document: %v", err))
			return nil
		}
		return clean
	}
	if _, _, err := image.Decode(bytes.NewReader(data)); err != nil {
		fail(fmt.Sprintf("badge image could not be decoded: %v", err))
		return nil
	}
	return data
}

func decodeDataURI(uri string) ([]byte, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
	if !ok {
		return nil, errors.New("missing comma")
	}
	if strings.HasSuffix(meta, ";base64") {
		return base64.StdEncoding.DecodeString(payload)
	}
	return []byte(payload), nil
}

func revokedMessage(reason string) string {
	if reason == "" {
		return "the issuer has revoked this assertion"
	}
	return "the issuer has revoked this assertion: " + reason
}

func firstURL(values ...string) string {
	for _, v := range values {
		if IsURL(v) {
			return v
		}
	}
	return ""
}
