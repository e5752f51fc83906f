package server

import (
	"html/template"
	"net/http"
	"strings"

	"github.com/mssola/useragent"
	"go.uber.org/zap"

	"github.com/badgehub/badgehub-core/pkg/badge"
)

// Link preview crawlers that do not identify as bots.
var previewAgents = []string{
	"facebookexternalhit",
	"slackbot",
	"linkedinbot",
	"twitterbot",
	"discordbot",
	"whatsapp",
	"telegrambot",
}

// IsBot reports whether the request comes from a crawler or link preview
// agent. Those receive an OpenGraph page instead of the JSON document.
func IsBot(r *http.Request) bool {
	raw := r.UserAgent()
	if raw == "" {
		return false
	}
	if useragent.New(raw).Bot() {
		return true
	}
	lower := strings.ToLower(raw)
	for _, agent := range previewAgents {
		if strings.Contains(lower, agent) {
			return true
		}
	}
	return false
}

type openGraph struct {
	Title       string
	Description string
	Image       string
	URL         string
}

var openGraphPage = template.Must(template.New("og").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<meta property="og:type" content="website">
<meta property="og:title" content="{{.Title}}">
<meta property="og:description" content="{{.Description}}">
{{- if .Image}}
<meta property="og:image" content="{{.Image}}">
{{- end}}
<meta property="og:url" content="{{.URL}}">
</head>
<body>
<h1>{{.Title}}</h1>
<p>{{.Description}}</p>
</body>
</html>
`))

func (s *Server) serveOpenGraph(w http.ResponseWriter, r *http.Request, kind badge.Kind, id string) {
	e, err := s.svc.Entity(r.Context(), kind, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	links := s.svc.Projector().Links()
	og := openGraph{URL: links.Public(kind, id)}

	switch e := e.(type) {
	case *badge.Issuer:
		og.Title = e.Name
		og.Description = e.Description
		og.Image = e.Image
	case *badge.BadgeClass:
		og.Title = e.Name
		og.Description = e.Description
		og.Image = links.Image(badge.KindBadgeClass, e.EntityID)
	case *badge.Assertion:
		bc := e.BadgeClass()
		og.Title = bc.Name
		og.Description = bc.Description
		og.Image = links.Image(badge.KindAssertion, e.EntityID)
		if e.Revoked() {
			og.Description = "This badge has been revoked."
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := openGraphPage.Execute(w, og); err != nil {
		s.logger.Warn("Failed to render preview page", zap.Error(err))
	}
}
