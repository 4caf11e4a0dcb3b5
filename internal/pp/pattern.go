package pp

import "strings"

// patternWildcard is the single wildcard character recognized in
// GNU-make-style filename patterns like %.c.
const patternWildcard = '%'

// Pattern represents a filename pattern with at most one % wildcard, as
// accepted by patsubst, filter, and the inline :from=to substitution.
type Pattern struct {
	hasWildcard bool
	prefix      string
	suffix      string
}

// NewPattern parses a pattern string.  Only the first % is a wildcard.
func NewPattern(pattern string) Pattern {
	pct := strings.IndexByte(pattern, patternWildcard)
	if pct < 0 {
		return Pattern{prefix: pattern}
	}
	return Pattern{
		hasWildcard: true,
		prefix:      pattern[:pct],
		suffix:      pattern[pct+1:],
	}
}

// HasWildcard reports whether the pattern contained a % wildcard.
func (p Pattern) HasWildcard() bool {
	return p.hasWildcard
}

// String returns the original pattern text.
func (p Pattern) String() string {
	if p.hasWildcard {
		return p.prefix + string(patternWildcard) + p.suffix
	}
	return p.prefix
}

// Matches reports whether filename matches the pattern.
func (p Pattern) Matches(filename string) bool {
	if !p.hasWildcard {
		return filename == p.prefix
	}
	return len(filename) >= len(p.prefix)+len(p.suffix) &&
		strings.HasPrefix(filename, p.prefix) &&
		strings.HasSuffix(filename, p.suffix)
}

// ExtractBody returns the part of filename that the wildcard matched, or
// empty if the filename does not match or the pattern has no wildcard.
func (p Pattern) ExtractBody(filename string) string {
	if !p.hasWildcard || !p.Matches(filename) {
		return ""
	}
	return filename[len(p.prefix) : len(filename)-len(p.suffix)]
}

// Transform rewrites filename, replacing the parts matched by from with the
// corresponding parts of this pattern.  Every % in this pattern's suffix is
// replaced with the matched body.  If filename does not match from, it is
// returned unchanged.
func (p Pattern) Transform(filename string, from Pattern) string {
	if !from.Matches(filename) {
		return filename
	}
	if !p.hasWildcard {
		return p.prefix
	}
	body := from.ExtractBody(filename)
	result := p.prefix + body
	suffix := p.suffix
	for {
		pct := strings.IndexByte(suffix, patternWildcard)
		if pct < 0 {
			break
		}
		result += suffix[:pct] + body
		suffix = suffix[pct+1:]
	}
	return result + suffix
}
