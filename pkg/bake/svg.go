package bake

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"

	"github.com/badgehub/badgehub-core/pkg/ordered"
)

// Namespace is the XML namespace of the openbadges prefix.
const Namespace = "http://openbadges.org"

// droppedElements are removed together with their content.
var droppedElements = map[string]bool{
	"script":        true,
	"foreignobject": true,
	"iframe":        true,
	"embed":         true,
	"object":        true,
	"handler":       true,
}

// animationElements can rewrite another attribute of their target.
var animationElements = map[string]bool{
	"set":              true,
	"animate":          true,
	"animatetransform": true,
	"animatemotion":    true,
}

// linkAttrs hold URLs or animation values that may carry a script scheme.
var linkAttrs = map[string]bool{
	"href":       true,
	"src":        true,
	"to":         true,
	"from":       true,
	"values":     true,
	"by":         true,
	"action":     true,
	"formaction": true,
	"style":      true,
}

// span is a byte range of the source document.
type span struct {
	start, end int64
}

// edit replaces a span with new bytes.
type edit struct {
	span
	repl []byte
}

func applyEdits(src []byte, edits []edit) []byte {
	var out bytes.Buffer
	out.Grow(len(src))
	var pos int64
	for _, e := range edits {
		out.Write(src[pos:e.start])
		out.Write(e.repl)
		pos = e.end
	}
	out.Write(src[pos:])
	return out.Bytes()
}

func newDecoder(src []byte) *xml.Decoder {
	d := xml.NewDecoder(bytes.NewReader(src))
	d.Entity = xml.HTMLEntity
	return d
}

// svgDoc is the result of one scan over an SVG document.
type svgDoc struct {
	// root is the root start tag; rootSelfClosing is set for <svg .../>.
	root            span
	rootSelfClosing bool

	// rootTag is the root start tag with unsafe attributes removed.
	rootTag []byte

	// edits strip executable content and earlier baked assertions, in order.
	edits []edit

	// payload of the first openbadges:assertion element, if any.
	payload []byte
	baked   bool
}

// scanSVG walks the document once, recording what sanitizing and baking need.
func scanSVG(src []byte) (*svgDoc, error) {
	doc := &svgDoc{}
	d := newDecoder(src)

	var (
		depth     int
		rootSeen  bool
		skipUntil = -1 // depth at which a dropped element closes
		skipStart int64
		inBadge   bool
		badgeText bytes.Buffer
		verify    string
	)
	for {
		start := d.InputOffset()
		tok, err := d.RawToken()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedSVG, err)
		}
		end := d.InputOffset()

		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if skipUntil >= 0 {
				continue
			}
			raw := src[start:end]
			if !rootSeen {
				rootSeen = true
				doc.root = span{start, end}
				// A self-closing root is followed by a synthetic end element that consumes no input.
				doc.rootSelfClosing = bytes.HasSuffix(raw, []byte("/>"))
				if !strings.EqualFold(t.Name.Local, "svg") {
					return nil, fmt.Errorf("%w: root element is <%s>", ErrMalformedSVG, t.Name.Local)
				}
				doc.rootTag = raw
				if cleaned, changed := sanitizeTag(t, raw); changed {
					doc.rootTag = cleaned
				}
				continue
			}
			switch {
			case t.Name.Space == Keyword && t.Name.Local == "assertion":
				skipUntil, skipStart = depth, start
				if !doc.baked {
					inBadge = true
					verify = attr(t, "verify")
				}
			case unsafeElement(t):
				skipUntil, skipStart = depth, start
			default:
				if cleaned, changed := sanitizeTag(t, raw); changed {
					doc.edits = append(doc.edits, edit{span{start, end}, cleaned})
				}
			}
		case xml.EndElement:
			if skipUntil == depth {
				doc.edits = append(doc.edits, edit{span{skipStart, end}, nil})
				skipUntil = -1
				if inBadge {
					inBadge = false
					doc.baked = true
					doc.payload = badgePayload(badgeText.Bytes(), verify)
				}
			}
			depth--
		case xml.CharData:
			if inBadge {
				badgeText.Write(t)
			}
		}
	}
	if !rootSeen {
		return nil, fmt.Errorf("%w: no root element", ErrMalformedSVG)
	}
	return doc, nil
}

func badgePayload(text []byte, verify string) []byte {
	if trimmed := bytes.TrimSpace(text); len(trimmed) > 0 {
		return append([]byte(nil), text...)
	}
	if verify == "" {
		return nil
	}
	return []byte(verify)
}

func attr(t xml.StartElement, local string) string {
	for _, a := range t.Attr {
		if a.Name.Local == local && a.Name.Space == "" {
			return a.Value
		}
	}
	return ""
}

// unsafeElement reports whether t is executable, embeds foreign content, or
// animates a link or event handler attribute.
func unsafeElement(t xml.StartElement) bool {
	name := strings.ToLower(t.Name.Local)
	if droppedElements[name] {
		return true
	}
	if !animationElements[name] {
		return false
	}
	target := strings.ToLower(strings.TrimSpace(attr(t, "attributeName")))
	if i := strings.LastIndexByte(target, ':'); i >= 0 {
		target = target[i+1:]
	}
	return target == "href" || strings.HasPrefix(target, "on")
}

// unsafeAttr reports whether a decoded attribute is an event handler or a
// link to a script scheme.
func unsafeAttr(a xml.Attr) bool {
	name := strings.ToLower(a.Name.Local)
	if (a.Name.Space == "" && name == "xmlns") || strings.EqualFold(a.Name.Space, "xmlns") {
		return false
	}
	if strings.HasPrefix(name, "on") {
		return true
	}
	if !linkAttrs[name] {
		return false
	}
	value := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return -1
		}
		return unicode.ToLower(r)
	}, a.Value)
	return strings.Contains(value, "javascript:") || strings.Contains(value, "vbscript:")
}

// sanitizeTag rebuilds the start tag raw without unsafe attributes. Attribute
// values are judged after entity decoding.
func sanitizeTag(t xml.StartElement, raw []byte) ([]byte, bool) {
	keep := make([]xml.Attr, 0, len(t.Attr))
	for _, a := range t.Attr {
		if !unsafeAttr(a) {
			keep = append(keep, a)
		}
	}
	if len(keep) == len(t.Attr) {
		return raw, false
	}

	var b bytes.Buffer
	b.WriteString("<" + qualified(t.Name))
	for _, a := range keep {
		b.WriteString(" " + qualified(a.Name) + `="`)
		_ = xml.EscapeText(&b, []byte(a.Value))
		b.WriteByte('"')
	}
	if bytes.HasSuffix(raw, []byte("/>")) {
		b.WriteString("/>")
	} else {
		b.WriteByte('>')
	}
	return b.Bytes(), true
}

func qualified(n xml.Name) string {
	if n.Space == "" {
		return n.Local
	}
	return n.Space + ":" + n.Local
}

// SanitizeSVG strips script and foreign content, event handler attributes,
// script links and animations that rewrite links or handlers from an SVG.
func SanitizeSVG(img []byte) ([]byte, error) {
	doc, err := scanSVG(img)
	if err != nil {
		return nil, err
	}
	return applyEdits(img, doc.sanitizeEdits(img)), nil
}

// sanitizeEdits is doc.edits plus the root tag clean-up, in source order.
func (doc *svgDoc) sanitizeEdits(src []byte) []edit {
	if bytes.Equal(doc.rootTag, src[doc.root.start:doc.root.end]) {
		return doc.edits
	}
	return append([]edit{{doc.root, doc.rootTag}}, doc.edits...)
}

// BakeSVG sanitizes img and inserts an openbadges:assertion element as the
// first child of the root. A JSON payload goes into CDATA with verify set to
// its id; any other payload is a compact signature and goes into verify.
func BakeSVG(img, payload []byte) ([]byte, error) {
	doc, err := scanSVG(img)
	if err != nil {
		return nil, err
	}

	rootTag := bytes.Clone(doc.rootTag)
	if !bytes.Contains(rootTag, []byte("xmlns:"+Keyword+"=")) {
		rootTag = insertBeforeClose(rootTag, ` xmlns:`+Keyword+`="`+Namespace+`"`)
	}
	element := assertionElement(payload)
	var repl []byte
	if doc.rootSelfClosing {
		open := bytes.TrimRight(bytes.TrimSuffix(rootTag, []byte("/>")), " \t\r\n")
		name := rootName(open)
		repl = append(append(append(open, '>'), element...), []byte("</"+name+">")...)
	} else {
		repl = append(rootTag, element...)
	}

	edits := append([]edit{{doc.root, repl}}, doc.edits...)
	return applyEdits(img, edits), nil
}

// UnbakeSVG returns the payload of the first openbadges:assertion element.
func UnbakeSVG(img []byte) ([]byte, bool, error) {
	doc, err := scanSVG(img)
	if err != nil {
		return nil, false, err
	}
	if !doc.baked || len(doc.payload) == 0 {
		return nil, false, nil
	}
	return doc.payload, true, nil
}

func assertionElement(payload []byte) []byte {
	var b bytes.Buffer
	b.WriteString("<" + Keyword + ":assertion verify=\"")
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		id := ""
		if m, err := ordered.Parse(trimmed); err == nil {
			id, _ = m.String("id")
		}
		_ = xml.EscapeText(&b, []byte(id))
		b.WriteString(`"><![CDATA[`)
		b.Write(bytes.ReplaceAll(payload, []byte("]]>"), []byte("]]]]><![CDATA[>")))
		b.WriteString("]]></" + Keyword + ":assertion>")
		return b.Bytes()
	}
	_ = xml.EscapeText(&b, trimmed)
	b.WriteString(`"></` + Keyword + `:assertion>`)
	return b.Bytes()
}

func insertBeforeClose(tag []byte, s string) []byte {
	end := len(tag) - 1
	if bytes.HasSuffix(tag, []byte("/>")) {
		end = len(tag) - 2
	}
	out := make([]byte, 0, len(tag)+len(s))
	out = append(out, tag[:end]...)
	out = append(out, s...)
	return append(out, tag[end:]...)
}

// rootName returns the qualified element name of an open tag such as "<svg:svg a=...".
func rootName(open []byte) string {
	name := bytes.TrimPrefix(open, []byte("<"))
	if i := bytes.IndexAny(name, " \t\r\n>"); i >= 0 {
		name = name[:i]
	}
	return string(name)
}
