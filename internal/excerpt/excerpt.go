// internal/excerpt/excerpt.go

// Package excerpt turns CMS HTML into the short plain-text forms shown on
// listing cards, share sheets and reading-time badges.
package excerpt

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/colebrumley/textguard/internal/security"
	"golang.org/x/text/unicode/norm"
)

// Options controls the stripping caps and output limits. A cap bounds how
// much text the stripper emits; a limit is the final length after cleanup.
type Options struct {
	ListingCap     int
	ListingLimit   int
	ShareCap       int
	ShareLimit     int
	WordsPerMinute int
}

// DefaultOptions returns the caps used by the blog listing and share sheet.
func DefaultOptions() Options {
	return Options{
		ListingCap:     160,
		ListingLimit:   150,
		ShareCap:       110,
		ShareLimit:     100,
		WordsPerMinute: 200,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ListingCap <= 0 {
		o.ListingCap = d.ListingCap
	}
	if o.ListingLimit <= 0 {
		o.ListingLimit = d.ListingLimit
	}
	if o.ShareCap <= 0 {
		o.ShareCap = d.ShareCap
	}
	if o.ShareLimit <= 0 {
		o.ShareLimit = d.ShareLimit
	}
	if o.WordsPerMinute <= 0 {
		o.WordsPerMinute = d.WordsPerMinute
	}
	return o
}

// Extractor produces excerpts using options that can be swapped at runtime.
type Extractor struct {
	mu   sync.RWMutex
	opts Options
}

// New returns an Extractor. Zero fields in opts take their defaults.
func New(opts Options) *Extractor {
	return &Extractor{opts: opts.withDefaults()}
}

// Options returns the options currently in effect.
func (e *Extractor) Options() Options {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.opts
}

// SetOptions replaces the options used by subsequent calls.
func (e *Extractor) SetOptions(opts Options) {
	e.mu.Lock()
	e.opts = opts.withDefaults()
	e.mu.Unlock()
}

// Excerpt returns the listing-card text for html: tags stripped, NFC
// normalized, whitespace collapsed, cut to ListingLimit characters.
func (e *Extractor) Excerpt(html string) string {
	o := e.Options()
	return clean(security.StripTagsN(html, o.ListingCap), o.ListingLimit)
}

// ShareText returns the text passed to the share sheet: tags stripped,
// surrounding whitespace trimmed, cut to ShareLimit characters. Inner
// whitespace is kept as written.
func (e *Extractor) ShareText(html string) string {
	o := e.Options()
	return cut(strings.TrimSpace(security.StripTagsN(html, o.ShareCap)), o.ShareLimit)
}

// WordCount counts whitespace-separated words in the full text of html.
func (e *Extractor) WordCount(html string) int {
	// Every emitted character consumes at least one input byte, so
	// len(html) never truncates.
	return len(strings.Fields(security.StripTagsN(html, len(html))))
}

// ReadingTime returns the estimated reading time in whole minutes,
// rounded up. Non-empty text takes at least one minute.
func (e *Extractor) ReadingTime(html string) int {
	words := e.WordCount(html)
	if words == 0 {
		return 0
	}
	wpm := e.Options().WordsPerMinute
	return (words + wpm - 1) / wpm
}

// Rich returns html cleaned for rendering as HTML.
func (e *Extractor) Rich(html string) string {
	return security.SanitizeRichHTML(html)
}

func clean(s string, limit int) string {
	s = norm.NFC.String(security.CleanText(s))
	s = strings.Join(strings.Fields(s), " ")
	return truncate(s, limit)
}

// truncate cuts s to at most n runes and drops the trailing spaces the cut
// leaves behind.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return strings.TrimRight(cut(s, n), " ")
}

// cut returns the first n runes of s without splitting a character.
func cut(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
