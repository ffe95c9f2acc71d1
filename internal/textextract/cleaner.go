package textextract

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// paragraphMarkup is residual markup some CMS templates leak into text nodes.
var paragraphMarkup = strings.NewReplacer(
	"<p>&nbsp;</p>", "\n",
	"<p>", "\n",
	"</p>", "\n",
)

// Cleaner post-processes extracted text before it becomes a document.
type Cleaner struct {
	phrases []string
	policy  *bluemonday.Policy
}

// NewCleaner returns a Cleaner that removes each of phrases (typically site
// footers) and, when stripMarkup is set, any tags left in the text.
func NewCleaner(phrases []string, stripMarkup bool) *Cleaner {
	c := &Cleaner{}
	for _, p := range phrases {
		if strings.TrimSpace(p) != "" {
			c.phrases = append(c.phrases, p)
		}
	}
	if stripMarkup {
		c.policy = bluemonday.StrictPolicy()
	}
	return c
}

// Clean returns the cleaned text; an empty result means nothing to index.
func (c *Cleaner) Clean(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	text = paragraphMarkup.Replace(text)
	if c != nil {
		for _, p := range c.phrases {
			text = strings.ReplaceAll(text, p, "")
		}
		if c.policy != nil {
			text = html.UnescapeString(c.policy.Sanitize(text))
		}
	}
	return strings.TrimSpace(NormalizeWhitespace(text))
}
