package logic

import (
	"html"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
)

// ISanitizer cleans remote HTML before anything gets stored or rendered.
type ISanitizer interface {
	// Sanitize keeps an allow-list of structural and inline markup and
	// drops everything else. Idempotent.
	Sanitize(htm string) string
	// StripName removes all markup. Used for display names and other
	// values rendered outside an HTML context.
	StripName(htm string) string
	// ExtractText converts sanitized HTML to plain text with block
	// elements separated by newlines.
	ExtractText(htm string) string
}

type sanitizer struct {
	contentPolicy *bluemonday.Policy
	namePolicy    *bluemonday.Policy
}

func NewSanitizer() ISanitizer {

	pol := bluemonday.NewPolicy()
	pol.AllowElements("p", "br", "em", "strong", "i", "b", "u", "del",
		"ul", "ol", "li", "blockquote", "code", "pre",
		"h1", "h2", "h3", "h4", "h5", "h6",
		"a", "img", "span")
	pol.AllowAttrs("href").OnElements("a")
	pol.AllowAttrs("src", "alt").OnElements("img")
	pol.AllowAttrs("class").OnElements("span", "a")
	pol.AllowURLSchemes("http", "https")
	pol.RequireParseableURLs(true)

	return &sanitizer{
		contentPolicy: pol,
		namePolicy:    bluemonday.StrictPolicy(),
	}
}

func (s *sanitizer) Sanitize(htm string) string {
	return s.contentPolicy.Sanitize(htm)
}

// StripName alternates stripping and entity-unescaping until a fixpoint, so
// markup smuggled in as &lt;script&gt; entities cannot come back to life.
func (s *sanitizer) StripName(htm string) string {
	for {
		plain := html.UnescapeString(s.namePolicy.Sanitize(htm))
		if plain == htm {
			return strings.TrimSpace(plain)
		}
		htm = plain
	}
}

func (s *sanitizer) ExtractText(htm string) string {

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htm))
	if err != nil {
		return s.StripName(htm)
	}
	doc.Find("p, br, li, blockquote, pre, h1, h2, h3, h4, h5, h6").Each(
		func(_ int, sel *goquery.Selection) {
			sel.AppendHtml("\n")
		})
	text := doc.Text()

	// Collapse runs of blank lines left behind by nested blocks
	var lines []string
	lastEmpty := false
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			if lastEmpty {
				continue
			}
			lastEmpty = true
		} else {
			lastEmpty = false
		}
		lines = append(lines, line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
