package resolver

import (
	"bytes"
	"regexp"

	"github.com/badgehub/badgehub-core/pkg/bake"
)

// InputKind is the form a submission arrives in.
type InputKind int

// Input kinds.
const (
	InputUnknown InputKind = iota
	InputJSON
	InputURL
	InputImage
	InputSigned
)

func (k InputKind) String() string {
	switch k {
	case InputJSON:
		return "json"
	case InputURL:
		return "url"
	case InputImage:
		return "image"
	case InputSigned:
		return "signed"
	}
	return "unknown"
}

// Input is one submission.
type Input struct {
	Kind InputKind
	// Data is the raw JSON, image bytes, URL or compact signature.
	Data []byte
}

// URLInput builds an Input for a hosted assertion URL.
func URLInput(u string) Input {
	return Input{Kind: InputURL, Data: []byte(u)}
}

// JSONInput builds an Input for a raw assertion document.
func JSONInput(doc []byte) Input {
	return Input{Kind: InputJSON, Data: doc}
}

// ImageInput builds an Input for a baked image.
func ImageInput(img []byte) Input {
	return Input{Kind: InputImage, Data: img}
}

var compactJWS = regexp.MustCompile(`^[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]*$`)

// DetectInput guesses the kind of a raw submission.
func DetectInput(raw []byte) Input {
	trimmed := bytes.TrimSpace(raw)
	switch {
	case len(trimmed) == 0:
		return Input{Kind: InputUnknown, Data: raw}
	case trimmed[0] == '{':
		return Input{Kind: InputJSON, Data: trimmed}
	case bake.Detect(raw) != bake.FormatUnknown:
		return Input{Kind: InputImage, Data: raw}
	case IsURL(string(trimmed)):
		return Input{Kind: InputURL, Data: trimmed}
	case IsCompactJWS(string(trimmed)):
		return Input{Kind: InputSigned, Data: trimmed}
	}
	return Input{Kind: InputUnknown, Data: raw}
}

// IsCompactJWS reports whether s has the shape header.payload.signature.
func IsCompactJWS(s string) bool {
	return compactJWS.MatchString(s)
}
