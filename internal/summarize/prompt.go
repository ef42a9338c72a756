package summarize

import (
	"sort"
	"strings"

	"sumcut/internal/align"
)

const promptSeparator = "\n\n"

// BuildPrompt joins context block texts into the model prompt, oldest
// first. When maxChars > 0 the blocks are packed under that budget: the
// opening, midpoint and closing blocks are kept as anchors when they fit,
// then the remaining budget goes to the most confident blocks. The packed
// prompt stays in chronological order.
func BuildPrompt(blocks []align.ContextBlock, maxChars int) string {
	var idxs []int
	for i, b := range blocks {
		if strings.TrimSpace(b.ContextText) != "" {
			idxs = append(idxs, i)
		}
	}
	if len(idxs) == 0 {
		return ""
	}

	if maxChars <= 0 {
		return joinBlocks(blocks, idxs)
	}

	anchor := map[int]bool{
		idxs[0]:           true,
		idxs[len(idxs)/2]: true,
		idxs[len(idxs)-1]: true,
	}
	order := make([]int, len(idxs))
	copy(order, idxs)
	sort.SliceStable(order, func(a, b int) bool {
		ia, ib := order[a], order[b]
		if anchor[ia] != anchor[ib] {
			return anchor[ia]
		}
		if blocks[ia].Confidence != blocks[ib].Confidence {
			return blocks[ia].Confidence > blocks[ib].Confidence
		}
		return ia < ib
	})

	remaining := maxChars
	selected := make(map[int]bool)
	for _, i := range order {
		cost := len(blocks[i].ContextText)
		if len(selected) > 0 {
			cost += len(promptSeparator)
		}
		if cost > remaining {
			continue
		}
		selected[i] = true
		remaining -= cost
	}

	var kept []int
	for _, i := range idxs {
		if selected[i] {
			kept = append(kept, i)
		}
	}
	return joinBlocks(blocks, kept)
}

func joinBlocks(blocks []align.ContextBlock, idxs []int) string {
	parts := make([]string, 0, len(idxs))
	for _, i := range idxs {
		parts = append(parts, strings.TrimSpace(blocks[i].ContextText))
	}
	return strings.Join(parts, promptSeparator)
}
