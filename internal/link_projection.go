package internal

import (
	"slices"

	"github.com/lychee-technology/cardbase"
)

// ProjectLink returns the links map that results from applying one link
// event to before. An active link adds (or replaces) ref under name; an
// inactive one removes every entry carrying the same link id. Names left
// without entries are dropped. before is never modified.
func ProjectLink(before map[string][]cardbase.LinkRef, name string, ref cardbase.LinkRef, active bool) map[string][]cardbase.LinkRef {
	after := make(map[string][]cardbase.LinkRef, len(before)+1)
	for key, refs := range before {
		after[key] = slices.Clone(refs)
	}

	refs := slices.DeleteFunc(after[name], func(existing cardbase.LinkRef) bool {
		return existing.LinkID == ref.LinkID
	})
	if active {
		refs = append(refs, ref)
	}
	if len(refs) == 0 {
		delete(after, name)
	} else {
		after[name] = refs
	}
	return after
}

// recentRefs returns at most n refs, keeping the most recently linked ones.
func recentRefs(refs []cardbase.LinkRef, n int) []cardbase.LinkRef {
	if n <= 0 || len(refs) <= n {
		return refs
	}
	return refs[len(refs)-n:]
}
