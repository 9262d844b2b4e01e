package search

import (
	"log/slog"
	"sort"
	"strings"
)

// OrDelimiter separates alternative values of a single tag filter.
const OrDelimiter = "|OR|"

// TagSlots is the number of tag columns a chunk carries.
const TagSlots = 7

// TagFilter matches rows whose tag column equals any of Values, compared
// case-insensitively.
type TagFilter struct {
	// Key is the tag slot, "tag1" … "tag7".
	Key string
	// Values are OR-ed alternatives.
	Values []string
}

// TagIndex maps "tag1" … "tag7" to 0 … 6.
func TagIndex(key string) (int, bool) {
	if len(key) != 4 || !strings.HasPrefix(key, "tag") {
		return 0, false
	}
	n := int(key[3] - '0')
	if n < 1 || n > TagSlots {
		return 0, false
	}
	return n - 1, true
}

// ParseFilters turns the caller's key→value map into tag predicates in key
// order. Unknown keys are dropped, which makes them match every row.
func ParseFilters(filters map[string]string) []TagFilter {
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]TagFilter, 0, len(keys))
	for _, k := range keys {
		if _, ok := TagIndex(k); !ok {
			slog.Debug("search: ignoring unknown tag filter", "key", k)
			continue
		}
		out = append(out, TagFilter{Key: k, Values: strings.Split(filters[k], OrDelimiter)})
	}
	return out
}

// Matches reports whether tag satisfies f. A NULL tag never matches.
func (f TagFilter) Matches(tag *string) bool {
	if tag == nil {
		return false
	}
	for _, v := range f.Values {
		if strings.EqualFold(*tag, v) {
			return true
		}
	}
	return false
}
