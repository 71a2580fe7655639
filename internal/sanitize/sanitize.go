// Package sanitize implements the pure validation/sanitization helpers the
// send pipeline calls before anything touches the network: subject
// scrubbing, HTML whitelisting, file name cleanup, and address grammar.
package sanitize

import (
	"net/mail"
	"regexp"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

const maxSubjectLength = 255

const maxAddressLength = 254

var addressPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[A-Za-z]{2,}$`)

// Subject removes CR, LF, and other C0/C1 control characters, truncates to
// 255 characters, and trims surrounding whitespace. Idempotent.
func Subject(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if isControl(r) {
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	if len(out) > maxSubjectLength {
		out = truncateRunes(out, maxSubjectLength)
	}
	return strings.TrimSpace(out)
}

func isControl(r rune) bool {
	return (r >= 0x00 && r <= 0x1F) || r == 0x7F || (r >= 0x80 && r <= 0x9F)
}

// truncateRunes truncates s to at most n runes without splitting a
// multi-byte rune.
func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

var (
	bodyPolicyOnce sync.Once
	bodyPolicy     *bluemonday.Policy
)

// htmlPolicy lazily builds the whitelist described in spec.md §4.5: basic
// inline/structural formatting, lists, tables, and images; a narrow
// attribute and URL-scheme allowlist; cid required for inline images.
func htmlPolicy() *bluemonday.Policy {
	bodyPolicyOnce.Do(func() {
		p := bluemonday.NewPolicy()

		p.AllowElements(
			"p", "br", "b", "strong", "i", "em", "u", "s", "strike", "sub", "sup",
			"span", "div", "blockquote", "pre", "code",
			"ul", "ol", "li",
			"table", "thead", "tbody", "tfoot", "tr", "td", "th",
			"h1", "h2", "h3", "h4", "h5", "h6",
		)

		p.AllowAttrs("src", "alt", "title", "width", "height", "style", "class", "align").OnElements("img")
		p.AllowAttrs("style", "class", "align").Globally()
		p.AllowAttrs("width", "height").OnElements("table", "td", "th", "img")

		p.AllowImages()
		p.AllowDataURIImages()
		p.AllowURLSchemes("http", "https", "data", "cid")

		p.AllowStyles(
			"color", "background-color", "font-size", "font-weight", "font-style",
			"text-align", "text-decoration", "margin", "padding", "border",
			"width", "height",
		).Globally()

		bodyPolicy = p
	})
	return bodyPolicy
}

// Body applies the HTML whitelist to html, stripping any tag, attribute,
// CSS property, or URL scheme not on the allowlist.
func Body(html string) string {
	return htmlPolicy().Sanitize(html)
}

// invalidFilenameChars matches path separators and C0/C1 control
// characters that must not appear in a transmitted file name.
var invalidFilenameChars = regexp.MustCompile(`[\\/\x00-\x1F\x7F-\x9F]`)

// Filename strips path separators and control characters from n. The
// result may be empty if n consisted only of such characters; callers
// must treat an empty result as a validation error (spec.md §4.5).
func Filename(n string) string {
	return invalidFilenameChars.ReplaceAllString(n, "")
}

// IsValidAddress enforces the address grammar from spec.md §4.4
// Validating: non-empty, at most 254 bytes, local and domain parts
// present, matching local@domain.tld with a TLD of at least two letters.
func IsValidAddress(a string) bool {
	if a == "" || len(a) > maxAddressLength {
		return false
	}
	if strings.Count(a, "@") != 1 {
		return false
	}
	if !addressPattern.MatchString(a) {
		return false
	}
	// Reject anything net/mail itself would refuse (e.g. unbalanced
	// quoting) without relying on it for the grammar shape, since
	// net/mail.ParseAddress also accepts display names and comments
	// the simple grammar above does not want.
	_, err := mail.ParseAddress(a)
	return err == nil
}
