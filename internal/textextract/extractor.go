// Package textextract turns parsed HTML pages into plain, indexable text.
//
// The default strategy strips script, style and vector-graphics elements from
// the page body, selects the first node matching an XPath expression (the body
// itself by default) and returns its descendant text with whitespace collapsed.
// Callers can plug in a different Extractor and still reuse NormalizeWhitespace.
package textextract

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/antchfx/htmlquery"
	"github.com/antchfx/xpath"
	"golang.org/x/net/html"
)

const (
	// DefaultXPath selects the page body.
	DefaultXPath = "//body"
)

// DefaultRemovedTypes lists the element names that never contribute text.
var DefaultRemovedTypes = []string{"script", "style", "svg", "path"}

var (
	newlineRuns = regexp.MustCompile(`(\r\n|\n)+`)
	spaceRuns   = regexp.MustCompile(`[ \t]+`)
)

// Extractor pulls indexable text out of a parsed page. The boolean is false
// when there is nothing to index; that is a skip signal, not an error.
//
// Implementations may mutate doc.
type Extractor interface {
	Extract(doc *html.Node) (string, bool)
}

// XPathExtractor is the default Extractor.
type XPathExtractor struct {
	expr    *xpath.Expr
	raw     string
	removed map[string]struct{}
}

var _ Extractor = (*XPathExtractor)(nil)

// NewXPathExtractor compiles expr (DefaultXPath when empty) and returns an
// extractor that drops elements named in removeTypes (DefaultRemovedTypes when
// none are given) before reading text.
func NewXPathExtractor(expr string, removeTypes ...string) (*XPathExtractor, error) {
	if strings.TrimSpace(expr) == "" {
		expr = DefaultXPath
	}
	compiled, err := xpath.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("compile xpath %q: %w", expr, err)
	}
	if len(removeTypes) == 0 {
		removeTypes = DefaultRemovedTypes
	}
	removed := make(map[string]struct{}, len(removeTypes))
	for _, t := range removeTypes {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			removed[t] = struct{}{}
		}
	}
	return &XPathExtractor{expr: compiled, raw: expr, removed: removed}, nil
}

// Default returns an extractor using DefaultXPath and DefaultRemovedTypes.
func Default() *XPathExtractor {
	e, err := NewXPathExtractor(DefaultXPath)
	if err != nil {
		panic(err)
	}
	return e
}

// Expression returns the configured path expression.
func (e *XPathExtractor) Expression() string {
	return e.raw
}

// Extract implements Extractor. It removes the configured element types from
// the body subtree in place, so doc should not be reused for anything that
// needs those nodes.
func (e *XPathExtractor) Extract(doc *html.Node) (string, bool) {
	body := Body(doc)
	if body == nil {
		return "", false
	}
	RemoveElements(body, e.removed)

	match := htmlquery.QuerySelector(doc, e.expr)
	if match == nil {
		return "", false
	}
	return TextOf(match)
}

// Body returns the <body> element of doc, or nil when doc is nil or has none.
func Body(doc *html.Node) *html.Node {
	if doc == nil {
		return nil
	}
	return htmlquery.FindOne(doc, "//body")
}

// RemoveElements detaches every element under root whose tag name is in types.
func RemoveElements(root *html.Node, types map[string]struct{}) int {
	if root == nil || len(types) == 0 {
		return 0
	}
	var doomed []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode {
				if _, ok := types[strings.ToLower(c.Data)]; ok {
					doomed = append(doomed, c)
					continue
				}
			}
			walk(c)
		}
	}
	walk(root)
	for _, n := range doomed {
		if n.Parent != nil {
			n.Parent.RemoveChild(n)
		}
	}
	return len(doomed)
}

// TextOf returns the normalized descendant text of n.
func TextOf(n *html.Node) (string, bool) {
	if n == nil {
		return "", false
	}
	text := NormalizeWhitespace(htmlquery.InnerText(n))
	if strings.TrimSpace(text) == "" {
		return "", false
	}
	return text, true
}

// NormalizeWhitespace collapses newline runs into a single "\n" and runs of
// spaces or tabs into a single space. It is idempotent.
func NormalizeWhitespace(s string) string {
	s = newlineRuns.ReplaceAllString(s, "\n")
	return spaceRuns.ReplaceAllString(s, " ")
}

// ParseHTML parses a fetched page body.
func ParseHTML(body []byte) (*html.Node, error) {
	doc, err := htmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}
