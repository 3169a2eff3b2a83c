package store

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// MinContainsLength is the shortest normalized title (in runes) that may
// match another title by containment rather than equality.
const MinContainsLength = 16

// prefixTags are bracketed tags people put in front of titles in one system
// but not another, e.g. "[P1] [BUG] Login fails".
var prefixTags = map[string]bool{
	"p0": true, "p1": true, "p2": true, "p3": true, "p4": true,
	"urgent": true, "high": true, "medium": true, "low": true,
	"bug": true, "feature": true, "task": true, "epic": true, "chore": true,
	"spike": true, "wip": true,
}

var folder = cases.Fold()

// NormalizeTitle folds case, applies NFKC, strips leading prefix tags and
// collapses whitespace.
func NormalizeTitle(title string) string {
	s := folder.String(norm.NFKC.String(title))
	s = strings.Join(strings.Fields(s), " ")

	for strings.HasPrefix(s, "[") {
		end := strings.IndexByte(s, ']')
		if end < 0 || !prefixTags[strings.TrimSpace(s[1:end])] {
			break
		}
		s = strings.TrimSpace(s[end+1:])
	}
	return s
}

// TitlesMatch reports whether two titles name the same work item.
func TitlesMatch(a, b string) bool {
	na, nb := NormalizeTitle(a), NormalizeTitle(b)
	if na == "" || nb == "" {
		return false
	}
	if na == nb {
		return true
	}
	return normalizedContains(na, nb)
}

func normalizedContains(na, nb string) bool {
	if utf8.RuneCountInString(na) < MinContainsLength || utf8.RuneCountInString(nb) < MinContainsLength {
		return false
	}
	return strings.Contains(na, nb) || strings.Contains(nb, na)
}
