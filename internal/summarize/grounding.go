package summarize

import (
	"fmt"

	"sumcut/internal/align"
)

// CheckGrounding verifies that every evidence item cites at least one
// timestamp and that every cited timestamp names an actual context block.
// Violations are recorded as quality flags, not failures.
func CheckGrounding(s Summary, blocks []align.ContextBlock) []string {
	known := make(map[string]bool, len(blocks))
	for _, b := range blocks {
		known[b.Timestamp] = true
	}
	var flags []string
	for i, item := range s.Evidence {
		if len(item.Timestamps) == 0 {
			flags = append(flags, fmt.Sprintf("LLM_EVIDENCE_TIMESTAMPS_%d", i))
			continue
		}
		for _, ts := range item.Timestamps {
			if !known[ts] {
				flags = append(flags, fmt.Sprintf("LLM_GROUNDING_TIMESTAMP_MISSING_%d", i))
			}
		}
	}
	return flags
}
