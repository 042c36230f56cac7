// Package creative turns a served ad into its HTML snippet. Text coming from
// the optimizer is untrusted and is stripped of markup before use.
package creative

import (
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/adserve/horosafe"
)

// MaxTextLen bounds rewritten headline and body length, in runes.
const MaxTextLen = 280

var (
	strictOnce sync.Once
	strict     *bluemonday.Policy
)

func policy() *bluemonday.Policy {
	strictOnce.Do(func() { strict = bluemonday.StrictPolicy() })
	return strict
}

// Sanitize strips every tag from s, collapses whitespace and truncates to
// MaxTextLen runes. The result is plain text, not HTML-escaped.
func Sanitize(s string) string {
	s = html.UnescapeString(policy().Sanitize(s))
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > MaxTextLen {
		s = string(r[:MaxTextLen])
	}
	return s
}

// Creative is the content of one rendered ad.
type Creative struct {
	ImpressionID string
	AdID         string
	Placement    string
	Headline     string
	Body         string
	LandingURL   string
}

// Render builds the ad's HTML. Text is escaped by the renderer; a landing
// URL that is not http(s) is replaced by "#".
func Render(c Creative) (string, error) {
	href := "#"
	if _, err := horosafe.ValidateScheme(c.LandingURL); err == nil {
		href = c.LandingURL
	}

	root := element(atom.Div,
		attr("class", "ad ad-"+slug(c.Placement)),
		attr("data-ad-id", c.AdID),
		attr("data-impression-id", c.ImpressionID),
	)
	link := element(atom.A,
		attr("href", href),
		attr("rel", "sponsored noopener"),
		attr("target", "_blank"),
	)
	headline := element(atom.Strong, attr("class", "ad-headline"))
	headline.AppendChild(text(c.Headline))
	link.AppendChild(headline)
	if c.Body != "" {
		body := element(atom.P, attr("class", "ad-body"))
		body.AppendChild(text(c.Body))
		link.AppendChild(body)
	}
	root.AppendChild(link)
	label := element(atom.Span, attr("class", "ad-label"))
	label.AppendChild(text("Sponsored"))
	root.AppendChild(label)

	var sb strings.Builder
	if err := html.Render(&sb, root); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func element(a atom.Atom, attrs ...html.Attribute) *html.Node {
	return &html.Node{Type: html.ElementNode, DataAtom: a, Data: a.String(), Attr: attrs}
}

func attr(key, val string) html.Attribute {
	return html.Attribute{Key: key, Val: val}
}

func text(s string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: s}
}

func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "default"
	}
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			return r
		}
		return '-'
	}, s)
}
