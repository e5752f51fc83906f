package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/badgehub/badgehub-core/pkg/badge"
	"github.com/badgehub/badgehub-core/pkg/bake"
	"github.com/badgehub/badgehub-core/pkg/issuance"
	"github.com/badgehub/badgehub-core/pkg/projector"
	"github.com/badgehub/badgehub-core/pkg/version"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := badge.GetErrorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case badge.ErrCodeNotFound:
		status = http.StatusNotFound
	case badge.ErrCodeUnsupportedVersion, badge.ErrCodeInvalid:
		status = http.StatusBadRequest
	case "":
		code = "INTERNAL"
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, status, errorResponse{Error: code, Message: "internal error"})
		return
	}
	writeJSON(w, status, errorResponse{Error: code, Message: err.Error()})
}

// options reads ?v= and ?expand= into projection options. expand accepts
// "badge", "badge.issuer" and "issuer", comma separated.
func (s *Server) options(r *http.Request) (projector.Options, error) {
	var opts projector.Options
	q := r.URL.Query()
	if token := q.Get("v"); token != "" {
		vctx, err := s.versions.Lookup(token)
		if err != nil {
			return opts, badge.WrapError(badge.ErrCodeUnsupportedVersion, "unknown version "+token, err)
		}
		opts.Version = vctx.Version
	}
	for _, field := range strings.Split(q.Get("expand"), ",") {
		switch strings.TrimSpace(field) {
		case "badge":
			opts.ExpandBadgeClass = true
		case "badge.issuer":
			opts.ExpandBadgeClass = true
			opts.ExpandIssuer = true
		case "issuer":
			opts.ExpandIssuer = true
		}
	}
	return opts, nil
}

func (s *Server) handleIssuer(w http.ResponseWriter, r *http.Request) {
	s.serveDocument(w, r, badge.KindIssuer)
}

func (s *Server) handleBadgeClass(w http.ResponseWriter, r *http.Request) {
	s.serveDocument(w, r, badge.KindBadgeClass)
}

func (s *Server) handleAssertion(w http.ResponseWriter, r *http.Request) {
	s.serveDocument(w, r, badge.KindAssertion)
}

func (s *Server) serveDocument(w http.ResponseWriter, r *http.Request, kind badge.Kind) {
	id := chi.URLParam(r, "id")
	if IsBot(r) {
		s.serveOpenGraph(w, r, kind, id)
		return
	}
	opts, err := s.options(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entry, err := s.svc.Render(r.Context(), kind, id, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", entry.ContentType)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	_, _ = w.Write(entry.Body)
}

func (s *Server) handleSignedAssertion(w http.ResponseWriter, r *http.Request) {
	e, err := s.svc.Entity(r.Context(), badge.KindAssertion, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	a := e.(*badge.Assertion)
	key := a.PublicKey()
	if key == nil || a.Signature() == "" || key.EntityID != chi.URLParam(r, "key") {
		s.writeError(w, r, badge.NewError(badge.ErrCodeNotFound, "no signed assertion under this key"))
		return
	}
	entry, err := s.svc.Render(r.Context(), badge.KindAssertion, a.EntityID, projector.Options{Signed: true, PublicKey: key})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", entry.ContentType)
	_, _ = w.Write(entry.Body)
}

func (s *Server) handleAssertionImage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	opts, err := s.options(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var img []byte
	if opts.Version == "" || opts.Version == version.Default {
		e, err := s.svc.Entity(ctx, badge.KindAssertion, id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		img = e.(*badge.Assertion).BakedImage
	}
	if len(img) == 0 {
		img, err = s.svc.Rebake(ctx, id, opts.Version)
		if errors.Is(err, issuance.ErrNoTemplateImage) {
			s.writeError(w, r, badge.WrapError(badge.ErrCodeNotFound, "assertion has no image", err))
			return
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	writeImage(w, img)
}

func (s *Server) handleBadgeImage(w http.ResponseWriter, r *http.Request) {
	e, err := s.svc.Entity(r.Context(), badge.KindBadgeClass, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	bc := e.(*badge.BadgeClass)
	if len(bc.ImageData) == 0 {
		if bc.Image != "" {
			http.Redirect(w, r, bc.Image, http.StatusFound)
			return
		}
		s.writeError(w, r, badge.NewError(badge.ErrCodeNotFound, "badge class has no image"))
		return
	}
	writeImage(w, bc.ImageData)
}

func writeImage(w http.ResponseWriter, img []byte) {
	ct := bake.Detect(img).ContentType()
	if ct == "application/octet-stream" {
		ct = http.DetectContentType(img)
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	_, _ = w.Write(img)
}

func (s *Server) handleCriteria(w http.ResponseWriter, r *http.Request) {
	e, err := s.svc.Entity(r.Context(), badge.KindBadgeClass, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	criteriaURL, text := e.(*badge.BadgeClass).Criteria()
	if criteriaURL != "" {
		http.Redirect(w, r, criteriaURL, http.StatusFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(text))
}

func (s *Server) handleRevocations(w http.ResponseWriter, r *http.Request) {
	doc, err := s.svc.RevocationList(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body, err := doc.Bytes()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", issuance.ContentTypeJSONLD)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	_, _ = w.Write(body)
}

func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	doc, err := s.svc.KeyDocument(r.Context(), chi.URLParam(r, "key"))
	if errors.Is(err, issuance.ErrNoTrustStore) {
		err = badge.WrapError(badge.ErrCodeNotFound, "no keys are published", err)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body, err := doc.MarshalJSON()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", issuance.ContentTypeJSONLD)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	_, _ = w.Write(body)
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(s.health))}
	status := http.StatusOK
	for name, check := range s.health {
		if err := check(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, status, resp)
}
