package projector_test

import (
	"context"
	"testing"
	"time"

	"github.com/badgehub/badgehub-core/pkg/ordered"
	"github.com/badgehub/badgehub-core/pkg/projector"
	"github.com/badgehub/badgehub-core/pkg/report"
	"github.com/badgehub/badgehub-core/pkg/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, s string) *ordered.Map {
	t.Helper()
	m, err := ordered.Parse([]byte(s))
	require.NoError(t, err)
	return m
}

func TestParseAssertion_V1(t *testing.T) {
	doc := mustParse(t, `{
		"badge": "http://a.com/bc",
		"recipient": {"identity": "sha256$abc", "hashed": true, "type": "email", "salt": "s"},
		"issuedOn": "2015-04-30",
		"verify": {"type": "hosted", "url": "http://a.com/a"},
		"extensions:ECTSExtension": {"ECTS": 5}
	}`)
	var rep report.Report
	p := projector.ParseAssertion(doc, version.V1_1, &rep)

	assert.True(t, rep.Valid(), rep.Issues)
	assert.Equal(t, "http://a.com/bc", p.BadgeRef)
	assert.Equal(t, "sha256$abc", p.Recipient.HashedIdentity)
	assert.True(t, p.Recipient.Hashed)
	assert.Equal(t, time.Date(2015, 4, 30, 0, 0, 0, 0, time.UTC), p.IssuedOn)
	assert.Equal(t, "hosted", p.VerificationType)
	assert.Equal(t, "http://a.com/a", p.VerificationURL)
	assert.JSONEq(t, `{"ECTS":5}`, string(p.Extensions["extensions:ECTSExtension"]))
}

func TestParseAssertion_MissingBadge(t *testing.T) {
	doc := mustParse(t, `{
		"recipient": {"identity": "a@b.c", "hashed": false, "type": "email"},
		"issuedOn": "2015-04-30",
		"verify": {"type": "hosted", "url": "http://a.com/a"}
	}`)
	var rep report.Report
	projector.ParseAssertion(doc, version.V1_0, &rep)

	require.Len(t, rep.Errors(), 1)
	issue := rep.Errors()[0]
	assert.Equal(t, report.CodeValidateProperty, issue.Code)
	assert.Equal(t, "badge", issue.PropName)
	assert.Equal(t, report.ComponentAssertion, issue.Component)
}

func TestParseAssertion_BadDate(t *testing.T) {
	doc := mustParse(t, `{
		"id": "http://a.com/a",
		"type": "Assertion",
		"badge": "http://a.com/bc",
		"recipient": {"identity": "a@b.c", "hashed": false, "type": "email"},
		"issuedOn": "yesterday",
		"verification": {"type": "HostedBadge"}
	}`)
	var rep report.Report
	projector.ParseAssertion(doc, version.V2_0, &rep)

	require.Len(t, rep.Errors(), 1)
	assert.Equal(t, "issuedOn", rep.Errors()[0].PropName)
}

func TestParseAssertion_MissingIdentity(t *testing.T) {
	doc := mustParse(t, `{
		"id": "http://a.com/a",
		"type": "Assertion",
		"badge": "http://a.com/bc",
		"recipient": {"hashed": false, "type": "email"},
		"issuedOn": 1430352000,
		"verification": {"type": "SignedBadge", "creator": "http://a.com/key"}
	}`)
	var rep report.Report
	p := projector.ParseAssertion(doc, version.V2_0, &rep)

	require.Len(t, rep.Errors(), 1)
	assert.Equal(t, "recipient.identity", rep.Errors()[0].PropName)
	assert.True(t, p.Signed())
	assert.Equal(t, "http://a.com/key", p.VerificationURL)
	assert.Equal(t, int64(1430352000), p.IssuedOn.Unix())
}

func TestParseBadgeClass(t *testing.T) {
	doc := mustParse(t, `{
		"@context": "https://w3id.org/openbadges/v2",
		"type": "BadgeClass",
		"id": "http://a.com/bc",
		"name": "Badge",
		"description": "desc",
		"image": {"id": "http://a.com/bc.png"},
		"criteria": {"narrative": "Do it"},
		"issuer": {"id": "http://a.com/i", "name": "Issuer", "url": "http://a.com"},
		"tags": ["a", "b"],
		"alignment": [{"targetName": "Go", "targetUrl": "https://go.dev"}]
	}`)
	var rep report.Report
	p := projector.ParseBadgeClass(doc, version.V2_0, &rep)
	require.True(t, rep.Valid(), rep.Issues)

	assert.Equal(t, "http://a.com/bc.png", p.Image)
	assert.Equal(t, "Do it", p.CriteriaText)
	assert.Equal(t, "http://a.com/i", p.IssuerRef)
	require.NotNil(t, p.EmbeddedIssuer)
	assert.Equal(t, []string{"a", "b"}, p.Tags)
	require.Len(t, p.Alignments, 1)

	ip := projector.ParseIssuer(p.EmbeddedIssuer, version.V2_0, &rep)
	require.True(t, rep.Valid(), rep.Issues)
	iss, err := ip.Build("")
	require.NoError(t, err)
	assert.Equal(t, "http://a.com/i", iss.SourceURL)

	bc, err := p.Build(iss, "http://a.com/bc")
	require.NoError(t, err)
	_, text := bc.Criteria()
	assert.Equal(t, "Do it", text)
	assert.Same(t, iss, bc.Issuer())
}

func TestParseBadgeClass_Missing(t *testing.T) {
	var rep report.Report
	projector.ParseBadgeClass(mustParse(t, `{"name": "x"}`), version.V1_1, &rep)

	var props []string
	for _, issue := range rep.Errors() {
		props = append(props, issue.PropName)
	}
	assert.ElementsMatch(t, []string{"description", "image", "criteria", "issuer"}, props)
}

// A projected document parses back into an equivalent entity graph.
func TestParse_RoundTrip(t *testing.T) {
	f := newFixture(t)

	for _, v := range []version.Version{version.V1_1, version.V2_0, version.V3_0} {
		t.Run(string(v), func(t *testing.T) {
			doc, err := f.projector.Project(context.Background(), f.assertion, projector.Options{
				Version:          v,
				ExpandBadgeClass: true,
				ExpandIssuer:     true,
			})
			require.NoError(t, err)

			var rep report.Report
			pa := projector.ParseAssertion(doc.JSON, v, &rep)
			require.NotNil(t, pa.EmbeddedBadge)
			pb := projector.ParseBadgeClass(pa.EmbeddedBadge, v, &rep)
			require.NotNil(t, pb.EmbeddedIssuer)
			pi := projector.ParseIssuer(pb.EmbeddedIssuer, v, &rep)
			require.True(t, rep.Valid(), rep.Issues)

			iss, err := pi.Build("")
			require.NoError(t, err)
			bc, err := pb.Build(iss, "")
			require.NoError(t, err)
			a, err := pa.Build(bc, "")
			require.NoError(t, err)

			assert.Equal(t, f.issuer.Name, iss.Name)
			assert.Equal(t, f.badgeClass.Name, bc.Name)
			assert.Equal(t, f.assertion.IssuedOn, a.IssuedOn)
			assert.True(t, a.Recipient.Matches("student@example.org"))
		})
	}
}

func TestParseDate(t *testing.T) {
	for _, s := range []string{"2015-04-30", "2015-04-30T00:00:00Z", "2015-04-30T00:00:00", "2015-04-30T02:00:00+02:00", "1430352000"} {
		got, err := projector.ParseDate(s)
		require.NoError(t, err, s)
		assert.Equal(t, int64(1430352000), got.Unix(), s)
	}
	_, err := projector.ParseDate("30/04/2015")
	assert.ErrorIs(t, err, projector.ErrInvalidDate)
}
