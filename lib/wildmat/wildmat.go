// Package wildmat implements the RFC 3977 section 4 wildmat syntax
// used to match newsgroup names.
package wildmat

import "strings"

// Match reports whether text matches a single wildmat pattern.
// `*` matches any run of characters, `?` matches a single character,
// `[set]` and `[!set]` match character classes with `-` ranges, and
// `\` escapes the next character.
func Match(pattern, text string) bool {
	return match([]byte(pattern), []byte(text))
}

func match(p, t []byte) bool {
	if len(p) == 0 {
		return len(t) == 0
	}
	switch p[0] {
	case '?':
		if len(t) == 0 {
			return false
		}
		return match(p[1:], t[1:])
	case '*':
		if match(p[1:], t) {
			return true
		}
		for i := range t {
			if match(p[1:], t[i+1:]) {
				return true
			}
		}
		return false
	case '[':
		if len(t) == 0 {
			return false
		}
		i := 1
		neg := false
		if i < len(p) && (p[i] == '!' || p[i] == '^') {
			neg = true
			i++
		}
		matched := false
		c := t[0]
		var prev byte
		hasPrev := false
		for i < len(p) {
			pc := p[i]
			// a ] directly after the opening (or the negation) is a literal
			if pc == ']' && i != 1+b2i(neg) {
				break
			}
			if pc == '-' && hasPrev && i+1 < len(p) && p[i+1] != ']' {
				if prev <= c && c <= p[i+1] {
					matched = true
				}
				i += 2
				hasPrev = false
				continue
			}
			if pc == c {
				matched = true
			}
			prev = pc
			hasPrev = true
			i++
		}
		if i >= len(p) || p[i] != ']' {
			// unterminated class is treated literally
			return len(t) > 0 && p[0] == t[0] && match(p[1:], t[1:])
		}
		if matched != neg {
			return match(p[i+1:], t[1:])
		}
		return false
	case '\\':
		return len(p) >= 2 && len(t) > 0 && p[1] == t[0] && match(p[2:], t[1:])
	default:
		return len(t) > 0 && p[0] == t[0] && match(p[1:], t[1:])
	}
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

// MatchList evaluates a name against an ordered pattern list.
// Patterns prefixed with `!` are negative. The verdict is that of the
// last pattern that matches; a name no pattern matches does not match.
func MatchList(patterns []string, name string) bool {
	matched := false
	for _, pat := range patterns {
		neg := false
		if strings.HasPrefix(pat, "!") {
			neg = true
			pat = pat[1:]
		}
		if Match(pat, name) {
			matched = !neg
		}
	}
	return matched
}
