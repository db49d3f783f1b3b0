// Package keys builds the Redis keys for tile cache entries, their locks and
// the per-quadkey invalidation index.
package keys

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

const prefix = "uptodate"

// TileKey identifies one cached tile for a time window, filter and staleness formula.
func TileKey(quadkey string, start, end time.Time, filter, formula string) string {
	filterText := NormalizeFilter(filter)
	filterSafe := sanitizeForKey(filterText)

	const maxFilterTextLen = 160
	if len(filterSafe) > maxFilterTextLen {
		filterSafe = filterSafe[:maxFilterTextLen]
	}

	sum := xxhash.Sum64String(filterText)

	return fmt.Sprintf("%s:tile:%s:%s:%s:%s:filters=%s:f=%016x",
		prefix, quadkey, stamp(start), stamp(end), sanitizeForKey(formula), filterSafe, sum)
}

func LockKey(tileKey string) string {
	return tileKey + ":lock"
}

// IndexKey names the set holding every tile key stored for quadkey.
func IndexKey(quadkey string) string {
	return fmt.Sprintf("%s:idx:%s", prefix, quadkey)
}

func stamp(t time.Time) string {
	return t.UTC().Format("20060102T150405Z")
}

var punct = regexp.MustCompile(`\s*([=<>!:\.,\(\)])\s*`)

// NormalizeFilter removes insignificant whitespace from a filter expression.
// Double quoted values are kept byte for byte.
func NormalizeFilter(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	for s != "" {
		open := strings.IndexByte(s, '"')
		if open < 0 {
			b.WriteString(normalizeBare(s))
			break
		}
		b.WriteString(normalizeBare(s[:open]))
		end := quotedEnd(s, open)
		b.WriteString(s[open:end])
		s = s[end:]
	}
	return b.String()
}

func normalizeBare(s string) string {
	// Remove spaces around these punctuation tokens.
	return punct.ReplaceAllString(collapseASCIIWhitespace(s), "$1")
}

// quotedEnd returns the index just past the closing quote of the value
// opened at s[open]. An unterminated value runs to the end of s.
func quotedEnd(s string, open int) int {
	for i := open + 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '"':
			return i + 1
		}
	}
	return len(s)
}

// sanitizeForKey keeps [A-Za-z0-9:_=-]; whitespace becomes '_', anything
// else '-', and repeats of either collapse.
func sanitizeForKey(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	var prev rune
	for _, r := range s {
		var out rune
		switch {
		case isSpace(r):
			out = '_'
		case isAlphaNum(r) || strings.ContainsRune(":_=-", r):
			out = r
		default:
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

// converts any run of ASCII whitespace to a single space.
func collapseASCIIWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	wasWS := false
	for _, r := range s {
		if isSpace(r) {
			if !wasWS {
				b.WriteByte(' ')
				wasWS = true
			}
			continue
		}
		b.WriteRune(r)
		wasWS = false
	}
	return b.String()
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f'
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		unicode.IsDigit(r)
}
