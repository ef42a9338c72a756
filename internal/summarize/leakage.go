package summarize

import (
	"regexp"
	"strings"
)

// Prompt leakage detection for model output. Hard markers make text
// unusable for the published script; soft markers only warrant a warning.

var blockPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<system-reminder>.*?</system-reminder>`),
}

var hardSingleMarkers = []string{
	"<system-reminder>",
	"</system-reminder>",
}

var hardCombinationMarkers = []string{
	"plan mode",
	"read-only phase",
	"strictly forbidden",
	"overrides all other instructions",
	"you may only observe",
	"the user indicated that they do not want you to execute yet",
}

var softMarkers = []string{
	"critical:",
	"system reminder",
	"do not use",
	"responsibility",
	"direct user edit requests",
}

var spaceRE = regexp.MustCompile(`\s+`)

func normalizeForScan(text string) string {
	return strings.ToLower(strings.TrimSpace(spaceRE.ReplaceAllString(text, " ")))
}

// ContainsHardLeakage reports whether text carries markers that must never
// reach a published script: any system-reminder tag, or at least two
// co-occurring high-risk instruction phrases.
func ContainsHardLeakage(text string) bool {
	normalized := normalizeForScan(text)
	if normalized == "" {
		return false
	}
	for _, marker := range hardSingleMarkers {
		if strings.Contains(normalized, marker) {
			return true
		}
	}
	hits := 0
	for _, marker := range hardCombinationMarkers {
		if strings.Contains(normalized, marker) {
			hits++
		}
	}
	return hits >= 2
}

// ContainsSoftLeakage reports whether text carries any marker worth a
// warning. Hard leakage implies soft leakage.
func ContainsSoftLeakage(text string) bool {
	normalized := normalizeForScan(text)
	if normalized == "" {
		return false
	}
	if ContainsHardLeakage(normalized) {
		return true
	}
	for _, marker := range softMarkers {
		if strings.Contains(normalized, marker) {
			return true
		}
	}
	return false
}

// LeakageHits lists every known marker present in text, in marker-table
// order, without duplicates.
func LeakageHits(text string) []string {
	normalized := normalizeForScan(text)
	if normalized == "" {
		return nil
	}
	var hits []string
	seen := make(map[string]bool)
	all := make([]string, 0, len(hardSingleMarkers)+len(hardCombinationMarkers)+len(softMarkers))
	all = append(all, hardSingleMarkers...)
	all = append(all, hardCombinationMarkers...)
	all = append(all, softMarkers...)
	for _, marker := range all {
		if strings.Contains(normalized, marker) && !seen[marker] {
			seen[marker] = true
			hits = append(hits, marker)
		}
	}
	return hits
}

// Scrub removes leaked prompt fragments from generated text. Block-level
// system-reminder spans are cut first; if hard markers survive, offending
// lines are dropped wholesale. The second return value reports whether the
// text was altered.
func Scrub(text string) (string, bool) {
	original := text
	cleaned := original
	for _, pattern := range blockPatterns {
		cleaned = pattern.ReplaceAllString(cleaned, " ")
	}
	if ContainsHardLeakage(cleaned) {
		var kept []string
		for _, rawLine := range strings.Split(cleaned, "\n") {
			line := strings.TrimSpace(rawLine)
			if line == "" {
				continue
			}
			if ContainsHardLeakage(line) {
				continue
			}
			kept = append(kept, line)
		}
		cleaned = strings.Join(kept, " ")
	}
	cleaned = strings.TrimSpace(spaceRE.ReplaceAllString(cleaned, " "))
	return cleaned, cleaned != strings.TrimSpace(original)
}

// UnsafeForScript reports whether raw text must be withheld from the
// published script entirely.
func UnsafeForScript(text string) bool {
	return ContainsHardLeakage(text)
}
