package identity

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/steveyegge/tracksync/internal/types"
)

// refPattern matches cross-reference tags such as "[tsync:tracker:ENG-42]".
var refPattern = regexp.MustCompile(`\[tsync:(tracker|board|beads):([^\]\s]+)\]`)

// Ref is a cross-reference tag embedded in an item description.
type Ref struct {
	System types.System
	ID     string
}

// String formats the tag.
func (r Ref) String() string {
	return fmt.Sprintf("[tsync:%s:%s]", r.System, r.ID)
}

// ParseRefs returns the tags in desc in order of appearance.
func ParseRefs(desc string) []Ref {
	var refs []Ref
	for _, m := range refPattern.FindAllStringSubmatch(desc, -1) {
		refs = append(refs, Ref{System: types.System(m[1]), ID: m[2]})
	}
	return refs
}

// EmbedRef appends the tag for (sys, id) to desc unless it is already there.
func EmbedRef(desc string, sys types.System, id string) string {
	tag := Ref{System: sys, ID: id}.String()
	if strings.Contains(desc, tag) {
		return desc
	}
	desc = strings.TrimRight(desc, " \t\r\n")
	if desc == "" {
		return tag
	}
	return desc + "\n\n" + tag
}

// StripRefs removes every tag from desc.
func StripRefs(desc string) string {
	out := refPattern.ReplaceAllString(desc, "")
	return strings.TrimRight(out, " \t\r\n")
}
