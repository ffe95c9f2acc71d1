package textextract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// SelectorExtractor is an Extractor driven by CSS selectors instead of XPath.
// Useful for sites whose main content is easier to address as "main article".
type SelectorExtractor struct {
	selector string
	removed  string
}

var _ Extractor = (*SelectorExtractor)(nil)

// NewSelectorExtractor returns an extractor that reads the first element
// matching selector ("body" when empty) after removing removeTypes.
func NewSelectorExtractor(selector string, removeTypes ...string) *SelectorExtractor {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		selector = "body"
	}
	if len(removeTypes) == 0 {
		removeTypes = DefaultRemovedTypes
	}
	return &SelectorExtractor{
		selector: selector,
		removed:  strings.Join(removeTypes, ", "),
	}
}

// Extract implements Extractor.
func (e *SelectorExtractor) Extract(doc *html.Node) (string, bool) {
	if Body(doc) == nil {
		return "", false
	}
	page := goquery.NewDocumentFromNode(doc)
	page.Find("body").Find(e.removed).Remove()

	match := page.Find(e.selector).First()
	if match.Length() == 0 {
		return "", false
	}
	text := NormalizeWhitespace(match.Text())
	if strings.TrimSpace(text) == "" {
		return "", false
	}
	return text, true
}
