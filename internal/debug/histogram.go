package debug

import (
	"fmt"
	"io"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// ExpandHistogram counts, per input string, how often each expansion result
// recurs.  It backs the -x flag, which reports the expansions most worth
// hoisting into a #define.  Entries are bucketed by xxhash of the source
// string so repeated lookups stay cheap on template-sized inputs.
type ExpandHistogram struct {
	entries map[uint64]*expandEntry
}

type expandEntry struct {
	source  string
	results map[string]int
}

// NewExpandHistogram creates an empty histogram.
func NewExpandHistogram() *ExpandHistogram {
	return &ExpandHistogram{entries: make(map[uint64]*expandEntry)}
}

// Record notes that source expanded to result.
func (h *ExpandHistogram) Record(source, result string) {
	key := xxhash.Sum64String(source)
	entry := h.entries[key]
	if entry == nil || entry.source != source {
		if entry == nil {
			entry = &expandEntry{source: source, results: make(map[string]int)}
			h.entries[key] = entry
		} else {
			// Hash collision; fold the stray source into the same
			// bucket rather than losing it.
			entry.results[source+" -> "+result]++
			return
		}
	}
	entry.results[result]++
}

// Report writes the n most frequently repeated expansions.
func (h *ExpandHistogram) Report(w io.Writer, n int) {
	type line struct {
		source string
		result string
		count  int
	}
	var lines []line
	for _, entry := range h.entries {
		for result, count := range entry.results {
			lines = append(lines, line{entry.source, result, count})
		}
	}
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].count != lines[j].count {
			return lines[i].count > lines[j].count
		}
		if lines[i].source != lines[j].source {
			return lines[i].source < lines[j].source
		}
		return lines[i].result < lines[j].result
	})

	fmt.Fprintf(w, "\nExpansion report:\n")
	if n > len(lines) {
		n = len(lines)
	}
	for _, l := range lines[:n] {
		fmt.Fprintf(w, "%q -> %q (%d)\n", l.source, l.result, l.count)
	}
	fmt.Fprintf(w, "\n")
}
