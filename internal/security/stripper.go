// internal/security/stripper.go
package security

import (
	"strings"
	"unicode/utf8"
)

// DefaultMaxLength is the output cap used by StripTags.
const DefaultMaxLength = 200

type parseState uint8

const (
	stateText parseState = iota
	stateTag
	stateQuoteSingle
	stateQuoteDouble
)

func (s parseState) String() string {
	switch s {
	case stateText:
		return "TEXT"
	case stateTag:
		return "TAG"
	case stateQuoteSingle:
		return "QUOTE_SINGLE"
	case stateQuoteDouble:
		return "QUOTE_DOUBLE"
	default:
		return "UNKNOWN"
	}
}

// next returns the successor state for r and whether r belongs in the output.
// Only TEXT emits characters. Quote states keep '>' from closing a tag.
func (s parseState) next(r rune) (parseState, bool) {
	switch s {
	case stateTag:
		switch r {
		case '>':
			return stateText, false
		case '\'':
			return stateQuoteSingle, false
		case '"':
			return stateQuoteDouble, false
		}
		return stateTag, false
	case stateQuoteSingle:
		if r == '\'' {
			return stateTag, false
		}
		return stateQuoteSingle, false
	case stateQuoteDouble:
		if r == '"' {
			return stateTag, false
		}
		return stateQuoteDouble, false
	default:
		if r == '<' {
			return stateTag, false
		}
		return stateText, true
	}
}

// StripTags removes HTML-like tags from input and returns at most
// DefaultMaxLength characters of plain text.
func StripTags(input string) string {
	return StripTagsN(input, DefaultMaxLength)
}

// StripTagsN removes HTML-like tags from input with a single pass of a
// four-state automaton and returns at most maxLength characters (runes).
//
// Scanning stops as soon as maxLength characters have been emitted, so the
// work done on an adversarial input is bounded by the cap rather than the
// input size once text is flowing. Entities are not decoded and malformed or
// unterminated markup never produces an error.
//
// This is plain-text extraction, not an XSS sanitizer: the result must still
// be escaped before it is placed into HTML.
func StripTagsN(input string, maxLength int) string {
	if input == "" || maxLength <= 0 {
		return ""
	}

	var out strings.Builder
	out.Grow(min(len(input), maxLength))

	state := stateText
	emitted := 0
	for i := 0; i < len(input); {
		if emitted >= maxLength {
			break
		}

		r, size := utf8.DecodeRuneInString(input[i:])
		var emit bool
		state, emit = state.next(r)
		if emit {
			// Copy the source bytes so invalid UTF-8 passes through untouched.
			out.WriteString(input[i : i+size])
			emitted++
		}
		i += size
	}

	return out.String()
}
