// Package report defines the structured findings produced while resolving and
// validating badge documents, in a shape the web layer can render as an Open
// Badges validation report.
package report

import (
	"fmt"
	"strings"
)

// Issue codes.
const (
	// CodeFetchHTTPNode indicates a remote component was unreachable or not valid JSON.
	CodeFetchHTTPNode = "FETCH_HTTP_NODE"

	// CodeValidateProperty indicates a missing or malformed property in a fetched document.
	CodeValidateProperty = "VALIDATE_PROPERTY"

	// CodeVerifyRecipientIdentifier indicates the recipient does not match the importing actor.
	CodeVerifyRecipientIdentifier = "VERIFY_RECIPIENT_IDENTIFIER"

	// CodeImageValidation indicates the badge image is unreachable or undecodable.
	CodeImageValidation = "IMAGE_VALIDATION"

	// CodeUnsupportedVersion indicates a document of a version that cannot be imported.
	CodeUnsupportedVersion = "UNSUPPORTED_VERSION"

	// CodeVerifySignature indicates a signed assertion failed signature verification.
	CodeVerifySignature = "VERIFY_SIGNATURE"

	// CodeVerifyRevoked indicates the issuer has revoked the assertion.
	CodeVerifyRevoked = "VERIFY_REVOKED"

	// CodeVerifyExpired indicates the assertion is past its expiry.
	CodeVerifyExpired = "VERIFY_EXPIRED"

	// CodeInputInvalid indicates the submission could not be interpreted at all.
	CodeInputInvalid = "INPUT_INVALID"
)

// Severity of an issue.
type Severity string

// Severities.
const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Components of a badge graph that issues are attributed to.
const (
	ComponentAssertion      = "assertion"
	ComponentBadgeClass     = "badgeclass"
	ComponentIssuer         = "issuer"
	ComponentImage          = "image"
	ComponentKey            = "key"
	ComponentRevocationList = "revocationList"
	ComponentInput          = "input"
)

// Issue is one finding.
type Issue struct {
	Code      string   `json:"code"`
	Message   string   `json:"message"`
	Severity  Severity `json:"severity"`
	Component string   `json:"component,omitempty"`
	PropName  string   `json:"prop_name,omitempty"`
	URL       string   `json:"url,omitempty"`
}

// String renders the issue for logs and CLI output.
func (i Issue) String() string {
	var b strings.Builder
	b.WriteString(i.Code)
	if i.Component != "" {
		b.WriteString(" [" + i.Component + "]")
	}
	if i.PropName != "" {
		b.WriteString(" " + i.PropName)
	}
	b.WriteString(": " + i.Message)
	return b.String()
}

// Report is an ordered list of issues.
type Report struct {
	Issues []Issue `json:"issues"`
}

// Add appends an issue.
func (r *Report) Add(issue Issue) {
	if issue.Severity == "" {
		issue.Severity = SeverityError
	}
	r.Issues = append(r.Issues, issue)
}

// AddError adds an error issue to the report.
func (r *Report) AddError(code, message, component string) {
	r.Add(Issue{Code: code, Message: message, Severity: SeverityError, Component: component})
}

// AddWarning adds a warning issue to the report.
func (r *Report) AddWarning(code, message, component string) {
	r.Add(Issue{Code: code, Message: message, Severity: SeverityWarning, Component: component})
}

// MissingProperty records a required property that is absent.
func (r *Report) MissingProperty(component, prop string) {
	r.Add(Issue{
		Code:      CodeValidateProperty,
		Message:   fmt.Sprintf("required property %s is missing", prop),
		Component: component,
		PropName:  prop,
	})
}

// InvalidProperty records a property with an unusable value.
func (r *Report) InvalidProperty(component, prop, reason string) {
	r.Add(Issue{
		Code:      CodeValidateProperty,
		Message:   fmt.Sprintf("property %s is invalid: %s", prop, reason),
		Component: component,
		PropName:  prop,
	})
}

// FetchFailed records a remote component that could not be retrieved.
func (r *Report) FetchFailed(component, url string, err error) {
	r.Add(Issue{
		Code:      CodeFetchHTTPNode,
		Message:   fmt.Sprintf("unable to fetch %s: %v", component, err),
		Component: component,
		URL:       url,
	})
}

// Valid reports whether the report holds no error-severity issues.
func (r *Report) Valid() bool {
	return len(r.Errors()) == 0
}

// Errors returns the error-severity issues.
func (r *Report) Errors() []Issue {
	var out []Issue
	for _, i := range r.Issues {
		if i.Severity == SeverityError {
			out = append(out, i)
		}
	}
	return out
}

// Warnings returns the warning-severity issues.
func (r *Report) Warnings() []Issue {
	var out []Issue
	for _, i := range r.Issues {
		if i.Severity == SeverityWarning {
			out = append(out, i)
		}
	}
	return out
}

// Has reports whether an issue with code is present.
func (r *Report) Has(code string) bool {
	for _, i := range r.Issues {
		if i.Code == code {
			return true
		}
	}
	return false
}

// ErrorsSince returns the number of error-severity issues added after mark, a
// previous len(r.Issues). Callers use it to decide whether a step failed.
func (r *Report) ErrorsSince(mark int) int {
	n := 0
	for _, i := range r.Issues[mark:] {
		if i.Severity == SeverityError {
			n++
		}
	}
	return n
}
