package parser

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// allowedTags is the full tag allowlist for sanitized HTML bodies.
var allowedTags = map[string]bool{
	"a": true, "p": true, "br": true, "div": true, "span": true,
	"strong": true, "em": true, "b": true, "i": true,
	"ul": true, "ol": true, "li": true, "blockquote": true,
	"code": true, "pre": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"table": true, "thead": true, "tbody": true, "tr": true, "td": true, "th": true,
	"hr": true, "img": true,
}

// allowedAttrs lists attributes that pass through unconditionally for
// any allowed tag; href/src get tag-specific scheme validation below.
var allowedAttrs = map[string]bool{
	"title": true, "alt": true, "rel": true, "target": true,
}

// SanitizeHTML walks the parsed DOM (via goquery/cascadia selection)
// and rebuilds it keeping only allowlisted tags and attributes:
// a@href must be http(s):// or mailto:, img@src must be cid:, every
// other attribute is stripped unless it is in allowedAttrs.
func SanitizeHTML(in string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(in))
	if err != nil {
		return ""
	}

	var body *goquery.Selection
	if b := doc.Find("body"); b.Length() > 0 {
		body = b
	} else {
		body = doc.Selection
	}

	var sb strings.Builder
	body.Contents().Each(func(_ int, s *goquery.Selection) {
		sb.WriteString(renderNode(s))
	})
	return sb.String()
}

func renderNode(s *goquery.Selection) string {
	var sb strings.Builder
	for _, n := range s.Nodes {
		sb.WriteString(renderOne(n))
	}
	return sb.String()
}

func renderOne(n *html.Node) string {
	switch n.Type {
	case html.TextNode:
		return html.EscapeString(n.Data)
	case html.ElementNode:
		tag := strings.ToLower(n.Data)
		if !allowedTags[tag] {
			// Strip the tag but keep walking its children so inline
			// text inside a disallowed wrapper (e.g. <script> excluded
			// separately) survives where safe.
			if tag == "script" || tag == "style" {
				return ""
			}
			var sb strings.Builder
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				sb.WriteString(renderOne(c))
			}
			return sb.String()
		}

		var sb strings.Builder
		sb.WriteString("<")
		sb.WriteString(tag)
		for _, attr := range n.Attr {
			if rendered, ok := renderAttr(tag, attr); ok {
				sb.WriteString(" ")
				sb.WriteString(rendered)
			}
		}
		sb.WriteString(">")

		if !voidElement(tag) {
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				sb.WriteString(renderOne(c))
			}
			sb.WriteString("</")
			sb.WriteString(tag)
			sb.WriteString(">")
		}
		return sb.String()
	default:
		var sb strings.Builder
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			sb.WriteString(renderOne(c))
		}
		return sb.String()
	}
}

func voidElement(tag string) bool {
	switch tag {
	case "br", "hr", "img":
		return true
	}
	return false
}

func renderAttr(tag string, attr html.Attribute) (string, bool) {
	name := strings.ToLower(attr.Key)
	switch {
	case tag == "a" && name == "href":
		v := strings.TrimSpace(attr.Val)
		if strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://") || strings.HasPrefix(v, "mailto:") {
			return `href="` + html.EscapeString(v) + `"`, true
		}
		return "", false
	case tag == "img" && name == "src":
		v := strings.TrimSpace(attr.Val)
		if strings.HasPrefix(v, "cid:") {
			return `src="` + html.EscapeString(v) + `"`, true
		}
		return "", false
	case allowedAttrs[name]:
		return name + `="` + html.EscapeString(attr.Val) + `"`, true
	default:
		return "", false
	}
}

var bareURLRe = regexp.MustCompile(`(^|[\s>])(https?://[^\s<]+)`)

// Linkify wraps bare URLs in anchor tags after sanitization has already
// stripped any attacker-supplied markup, so no escaping races with
// sanitize order are possible.
func Linkify(in string) string {
	return bareURLRe.ReplaceAllString(in, `$1<a href="$2">$2</a>`)
}
