// Package bake embeds badge payloads into PNG and SVG images and extracts them again.
//
// A payload is either a JSON(-LD) assertion document or a compact signature.
package bake

import (
	"bytes"
	"errors"
	"net/http"
	"strings"
)

// Keyword is the PNG text chunk keyword and SVG namespace prefix of baked badges.
const Keyword = "openbadges"

// Errors.
var (
	ErrUnsupportedFormat = errors.New("bake: image is neither PNG nor SVG")
	ErrMalformedPNG      = errors.New("bake: malformed PNG")
	ErrMalformedSVG      = errors.New("bake: malformed SVG")
	ErrEmptyPayload      = errors.New("bake: empty payload")
)

// Format is an image container format.
type Format string

// Supported formats.
const (
	FormatUnknown Format = ""
	FormatPNG     Format = "png"
	FormatSVG     Format = "svg"
)

// ContentType returns the MIME type of f.
func (f Format) ContentType() string {
	switch f {
	case FormatPNG:
		return "image/png"
	case FormatSVG:
		return "image/svg+xml"
	}
	return "application/octet-stream"
}

// Detect sniffs the container format of img.
func Detect(img []byte) Format {
	if bytes.HasPrefix(img, pngSignature) {
		return FormatPNG
	}
	if looksLikeSVG(img) {
		return FormatSVG
	}
	return FormatUnknown
}

func looksLikeSVG(img []byte) bool {
	head := img
	if len(head) > 4096 {
		head = head[:4096]
	}
	head = bytes.TrimPrefix(head, []byte("\xef\xbb\xbf"))
	ct := http.DetectContentType(head)
	if !strings.HasPrefix(ct, "text/") {
		return false
	}
	return bytes.Contains(head, []byte("<svg"))
}

// Bake embeds payload into img, replacing any earlier baked payload.
func Bake(img, payload []byte) ([]byte, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, ErrEmptyPayload
	}
	switch Detect(img) {
	case FormatPNG:
		return BakePNG(img, payload)
	case FormatSVG:
		return BakeSVG(img, payload)
	}
	return nil, ErrUnsupportedFormat
}

// Unbake extracts the baked payload of img. An image without one returns
// baked == false and no error.
func Unbake(img []byte) (payload []byte, baked bool, err error) {
	switch Detect(img) {
	case FormatPNG:
		return UnbakePNG(img)
	case FormatSVG:
		return UnbakeSVG(img)
	}
	return nil, false, ErrUnsupportedFormat
}
