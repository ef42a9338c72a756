// Package plan selects a diverse, budget-satisfying subset of context
// blocks and turns it into time-ordered script segments covering the
// setup/development/resolution narrative roles.
package plan

import (
	"regexp"
	"sort"
	"strings"

	"sumcut/internal/align"
	"sumcut/internal/canonical"
	"sumcut/internal/fault"
	"sumcut/internal/summarize"
	"sumcut/internal/timecode"
)

// StageName identifies the planning stage in stage results and faults.
const StageName = "segment_plan"

// Narrative roles assigned by timeline position.
const (
	RoleSetup       = "setup"
	RoleDevelopment = "development"
	RoleResolution  = "resolution"
)

const (
	// DefaultTargetRatio sizes the summary against the source when no
	// explicit ratio is configured.
	DefaultTargetRatio = 0.10

	// Preferred per-segment duration; long sources get shorter segments.
	preferredSegmentMS    = 8000
	longSourcePreferredMS = 6000
	longSourceThresholdMS = 600000
	maxSegments           = 15
)

// Score weights for candidate ranking.
const (
	containmentBonus = 0.15
	nearestPenalty   = 0.05
	noMatchPenalty   = 0.15
	ctaPenalty       = 0.5
	emptyPenalty     = 0.2
)

var ctaRE = regexp.MustCompile(`(?i)\b(like|subscribe|follow|comment|share|bell)\b|dang ky|theo doi`)

// Budget bounds segment and total durations. Zero-valued fields are
// treated as unset.
type Budget struct {
	MinSegmentDurationMS int
	MaxSegmentDurationMS int
	MinTotalDurationMS   int
	MaxTotalDurationMS   int
	TargetRatio          float64
	TargetRatioTolerance float64
}

// Segment is one planned cut of the summary video.
type Segment struct {
	SegmentID   int     `json:"segment_id"`
	SourceStart string  `json:"source_start"`
	SourceEnd   string  `json:"source_end"`
	ScriptText  string  `json:"script_text"`
	Confidence  float64 `json:"confidence"`
	Role        string  `json:"role"`
}

type candidate struct {
	index    int
	anchorMS int
	score    float64
	cta      bool
}

// Plan picks anchors out of the context blocks and lays out the segments.
// summaryPlot is the fallback script text for blocks with no usable
// dialogue or caption.
func Plan(blocks []align.ContextBlock, summaryPlot string, budget Budget, sourceDurationMS int) ([]Segment, error) {
	if len(blocks) == 0 {
		return nil, fault.New(StageName, "BUDGET_NO_CONTEXT", "no context blocks to plan segments")
	}

	cands, err := scoreCandidates(blocks)
	if err != nil {
		return nil, err
	}

	targetTotal := targetTotalMS(budget, sourceDurationMS)
	preferred := preferredSegmentMS
	if sourceDurationMS > longSourceThresholdMS {
		preferred = longSourcePreferredMS
	}
	targetCount := targetTotal / preferred
	if targetCount < 1 {
		targetCount = 1
	}
	if limit := minInt(len(blocks), maxSegments); targetCount > limit {
		targetCount = limit
	}

	selected := selectDiverse(cands, targetCount)
	segments, err := placeSegments(blocks, cands, selected, summaryPlot, budget, sourceDurationMS, targetTotal)
	if err != nil {
		return nil, err
	}

	totalMS := 0
	for _, s := range segments {
		start, _ := timecode.ToMS(s.SourceStart)
		end, _ := timecode.ToMS(s.SourceEnd)
		totalMS += end - start
	}
	if code := validateTotal(totalMS, sourceDurationMS, budget); code != "" {
		return nil, fault.Newf(StageName, code, "total duration %dms violates budget policy", totalMS)
	}

	if len(segments) >= 3 {
		if missing := missingRoles(segments); len(missing) > 0 {
			return nil, fault.Newf(StageName, "BUDGET_ROLE_COVERAGE", "missing roles: %s", strings.Join(missing, ", "))
		}
	}
	return segments, nil
}

func scoreCandidates(blocks []align.ContextBlock) ([]candidate, error) {
	cands := make([]candidate, len(blocks))
	for i, b := range blocks {
		anchorMS, err := timecode.ToMS(b.Timestamp)
		if err != nil {
			return nil, fault.Wrap(StageName, "TIME_FORMAT", "bad context block timestamp", err)
		}
		score := b.Confidence
		switch b.FallbackType {
		case align.FallbackContainment:
			score += containmentBonus
		case align.FallbackNearest:
			score -= nearestPenalty
		case align.FallbackNoMatch:
			score -= noMatchPenalty
		}
		cta := ctaRE.MatchString(strings.ToLower(b.DialogueText + " " + b.ImageText))
		if cta {
			score -= ctaPenalty
		}
		if isEmptyText(b.DialogueText) {
			score -= emptyPenalty
		}
		cands[i] = candidate{index: i, anchorMS: anchorMS, score: score, cta: cta}
	}
	return cands, nil
}

// selectDiverse partitions the timeline into targetCount buckets, takes the
// best candidate per bucket outside min_gap of prior picks, backfills from
// the global ranking, then trades CTA picks for strictly better clean ones.
func selectDiverse(cands []candidate, targetCount int) []int {
	n := len(cands)
	minGap := n / (2 * targetCount)
	if minGap < 1 {
		minGap = 1
	}

	var selected []int
	tooClose := func(idx int) bool {
		for _, s := range selected {
			if absInt(idx-s) < minGap {
				return true
			}
		}
		return false
	}

	for b := 0; b < targetCount; b++ {
		lo := b * n / targetCount
		hi := (b + 1) * n / targetCount
		best := -1
		for i := lo; i < hi; i++ {
			if tooClose(i) {
				continue
			}
			if best < 0 || cands[i].score > cands[best].score {
				best = i
			}
		}
		if best >= 0 {
			selected = append(selected, best)
		}
	}

	if len(selected) < targetCount {
		ranked := make([]int, n)
		for i := range ranked {
			ranked[i] = i
		}
		sort.SliceStable(ranked, func(a, b int) bool {
			if cands[ranked[a]].score != cands[ranked[b]].score {
				return cands[ranked[a]].score > cands[ranked[b]].score
			}
			return ranked[a] < ranked[b]
		})
		for _, i := range ranked {
			if len(selected) >= targetCount {
				break
			}
			if containsInt(selected, i) || tooClose(i) {
				continue
			}
			selected = append(selected, i)
		}
	}

	// Swap CTA-flagged picks for clean alternatives, but only when the
	// alternative scores strictly higher.
	for si, idx := range selected {
		if !cands[idx].cta {
			continue
		}
		best := -1
		for i := range cands {
			if cands[i].cta || containsInt(selected, i) {
				continue
			}
			ok := true
			for sj, other := range selected {
				if sj == si {
					continue
				}
				if absInt(i-other) < minGap {
					ok = false
					break
				}
			}
			if !ok {
				continue
			}
			if best < 0 || cands[i].score > cands[best].score {
				best = i
			}
		}
		if best >= 0 && cands[best].score > cands[idx].score {
			selected[si] = best
		}
	}

	sort.Ints(selected)
	return selected
}

// placeSegments lays the picked anchors onto the timeline in order, sizing
// each segment toward an even share of the remaining budget. Anchors that
// cannot yield the minimum duration are dropped, never fabricated.
func placeSegments(blocks []align.ContextBlock, cands []candidate, selected []int, summaryPlot string, budget Budget, sourceDurationMS, targetTotal int) ([]Segment, error) {
	var segments []Segment
	prevEnd := 0
	remaining := targetTotal
	for pos, idx := range selected {
		left := len(selected) - pos
		desired := remaining / left
		if desired < budget.MinSegmentDurationMS {
			desired = budget.MinSegmentDurationMS
		}
		if budget.MaxSegmentDurationMS > 0 && desired > budget.MaxSegmentDurationMS {
			desired = budget.MaxSegmentDurationMS
		}

		start := cands[idx].anchorMS
		if start < prevEnd {
			start = prevEnd
		}
		end := start + desired
		if sourceDurationMS > 0 && end > sourceDurationMS {
			end = sourceDurationMS
		}
		duration := end - start
		if duration <= 0 || duration < budget.MinSegmentDurationMS {
			continue
		}

		segments = append(segments, Segment{
			SourceStart: timecode.FromMS(start),
			SourceEnd:   timecode.FromMS(end),
			ScriptText:  scriptText(blocks[idx], summaryPlot),
			Confidence:  clamp01(blocks[idx].Confidence),
		})
		prevEnd = end
		remaining -= duration
	}

	if len(segments) == 0 {
		return nil, fault.New(StageName, "BUDGET_SEGMENT_DURATION", "no segment can satisfy the duration budget")
	}

	for i := range segments {
		segments[i].SegmentID = i + 1
		segments[i].Role = roleFor(i, len(segments))
	}
	return segments, nil
}

func targetTotalMS(budget Budget, sourceDurationMS int) int {
	ratio := budget.TargetRatio
	if ratio <= 0 {
		ratio = DefaultTargetRatio
	}
	target := 0
	if sourceDurationMS > 0 {
		target = int(float64(sourceDurationMS) * ratio)
	}
	if budget.MinTotalDurationMS > 0 && target < budget.MinTotalDurationMS {
		target = budget.MinTotalDurationMS
	}
	if budget.MaxTotalDurationMS > 0 && target > budget.MaxTotalDurationMS {
		target = budget.MaxTotalDurationMS
	}
	return target
}

// validateTotal returns the first violated budget code, or "".
func validateTotal(totalMS, sourceDurationMS int, budget Budget) string {
	if budget.MinTotalDurationMS > 0 && totalMS < budget.MinTotalDurationMS {
		return "BUDGET_UNDERFLOW"
	}
	if budget.MaxTotalDurationMS > 0 && totalMS > budget.MaxTotalDurationMS {
		return "BUDGET_OVERFLOW"
	}
	if budget.TargetRatio > 0 {
		if sourceDurationMS <= 0 {
			return "BUDGET_TARGET_RATIO"
		}
		expected := float64(sourceDurationMS) * budget.TargetRatio
		delta := expected * budget.TargetRatioTolerance
		if float64(totalMS) < expected-delta {
			return "BUDGET_UNDERFLOW"
		}
		if float64(totalMS) > expected+delta {
			return "BUDGET_OVERFLOW"
		}
	}
	return ""
}

// scriptText prefers dialogue over caption over the plot summary, skipping
// sentinel and unsafe text.
func scriptText(b align.ContextBlock, summaryPlot string) string {
	dialogue := strings.TrimSpace(b.DialogueText)
	if dialogue != "" && dialogue != canonical.EmptyText && !summarize.UnsafeForScript(dialogue) {
		return dialogue
	}
	image := strings.TrimSpace(b.ImageText)
	if image != "" && image != canonical.EmptyText && !summarize.UnsafeForScript(image) {
		return image
	}
	return summaryPlot
}

func roleFor(index, total int) string {
	if total <= 1 || index == 0 {
		return RoleSetup
	}
	if index == total-1 {
		return RoleResolution
	}
	return RoleDevelopment
}

func missingRoles(segments []Segment) []string {
	present := make(map[string]bool, len(segments))
	for _, s := range segments {
		present[s.Role] = true
	}
	var missing []string
	for _, r := range []string{RoleDevelopment, RoleResolution, RoleSetup} {
		if !present[r] {
			missing = append(missing, r)
		}
	}
	return missing
}

func isEmptyText(text string) bool {
	t := strings.TrimSpace(text)
	return t == "" || t == canonical.EmptyText
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func containsInt(values []int, v int) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
