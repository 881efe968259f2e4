// internal/security/sanitizer.go
package security

import (
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	strictPolicyOnce sync.Once
	strictPolicy     *bluemonday.Policy

	richPolicyOnce sync.Once
	richPolicy     *bluemonday.Policy
)

// StrictPolicy returns the shared policy that drops every element and
// attribute and escapes the remaining text.
func StrictPolicy() *bluemonday.Policy {
	strictPolicyOnce.Do(func() {
		strictPolicy = bluemonday.StrictPolicy()
	})
	return strictPolicy
}

// RichTextPolicy returns the shared policy for CMS post bodies: common
// formatting, lists, figures and links restricted to http, https and mailto.
func RichTextPolicy() *bluemonday.Policy {
	richPolicyOnce.Do(func() {
		p := bluemonday.UGCPolicy()
		p.AllowElements("figure", "figcaption")
		p.AllowAttrs("class").OnElements("code", "pre", "figure")
		p.AllowURLSchemes("http", "https", "mailto")
		p.AllowRelativeURLs(true)
		p.RequireParseableURLs(true)
		p.AddTargetBlankToFullyQualifiedLinks(true)
		richPolicy = p
	})
	return richPolicy
}

// SanitizeRichHTML cleans s with RichTextPolicy. Unlike StripTags this is
// safe to render as HTML.
func SanitizeRichHTML(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	return strings.TrimSpace(RichTextPolicy().Sanitize(s))
}

// SanitizeStrict removes all markup and HTML-escapes what is left.
func SanitizeStrict(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	return strings.TrimSpace(StrictPolicy().Sanitize(s))
}

// CleanText strips control characters (0x00-0x1F and 0x7F) except tab and
// newline.
func CleanText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if (r < 0x20 && r != '\t' && r != '\n') || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
