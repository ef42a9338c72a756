package summarize

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ParseRaw locates the JSON object in raw model output and coerces it into
// a Summary, tolerating missing or mistyped fields. It fails only when no
// JSON object can be found at all; field-level damage is absorbed so the
// repair layer can fill placeholders.
func ParseRaw(raw string) (Summary, error) {
	obj, err := extractJSONObject(raw)
	if err != nil {
		return Summary{}, err
	}
	doc := gjson.Parse(obj)
	if !doc.IsObject() {
		return Summary{}, errors.New("model output is not a JSON object")
	}

	var s Summary
	s.Title = strings.TrimSpace(doc.Get("title").String())
	s.PlotSummary = strings.TrimSpace(doc.Get("plot_summary").String())
	s.MoralLesson = strings.TrimSpace(doc.Get("moral_lesson").String())

	if ev := doc.Get("evidence"); ev.IsArray() {
		for _, item := range ev.Array() {
			var e Evidence
			if item.IsObject() {
				e.Claim = strings.TrimSpace(item.Get("claim").String())
				if tss := item.Get("timestamps"); tss.IsArray() {
					for _, ts := range tss.Array() {
						if v := strings.TrimSpace(ts.String()); v != "" {
							e.Timestamps = append(e.Timestamps, v)
						}
					}
				}
			}
			// Positions are preserved even for broken items so grounding
			// flags can reference the original index.
			s.Evidence = append(s.Evidence, e)
		}
	}

	if flags := doc.Get("quality_flags"); flags.IsArray() {
		for _, f := range flags.Array() {
			if v := strings.TrimSpace(f.String()); v != "" {
				s.QualityFlags = append(s.QualityFlags, v)
			}
		}
	}

	if meta := doc.Get("generation_meta"); meta.IsObject() {
		s.GenerationMeta.Model = strings.TrimSpace(meta.Get("model").String())
		s.GenerationMeta.Seed = int(meta.Get("seed").Int())
		if t := meta.Get("temperature"); t.Exists() {
			s.GenerationMeta.Temperature = t.Float()
		} else {
			s.GenerationMeta.Temperature = 0.1
		}
		s.GenerationMeta.Backend = strings.TrimSpace(meta.Get("backend").String())
		s.GenerationMeta.RetryCount = int(meta.Get("retry_count").Int())
		s.GenerationMeta.LatencyMS = meta.Get("latency_ms").Int()
		s.GenerationMeta.TokenCount = int(meta.Get("token_count").Int())
	}

	return s, nil
}

// Repair scrubs leaked prompt fragments, fills blank fields with
// deterministic placeholders and clamps generation metadata into sane
// ranges. The result always carries the current schema version.
func Repair(s Summary) Summary {
	s.SchemaVersion = SchemaVersion

	scrubbed := false
	scrubField := func(v string) string {
		clean, changed := Scrub(v)
		if changed {
			scrubbed = true
		}
		return clean
	}
	s.Title = scrubField(s.Title)
	s.PlotSummary = scrubField(s.PlotSummary)
	s.MoralLesson = scrubField(s.MoralLesson)
	for i := range s.Evidence {
		s.Evidence[i].Claim = scrubField(s.Evidence[i].Claim)
	}
	if scrubbed {
		s.QualityFlags = append(s.QualityFlags, FlagLeakageRepaired)
	}

	if strings.TrimSpace(s.Title) == "" {
		s.Title = DefaultTitle
	}
	if strings.TrimSpace(s.PlotSummary) == "" {
		s.PlotSummary = PlaceholderPlot
	}
	if strings.TrimSpace(s.MoralLesson) == "" {
		s.MoralLesson = PlaceholderMoral
	}
	if s.Evidence == nil {
		s.Evidence = []Evidence{}
	}
	for i := range s.Evidence {
		if s.Evidence[i].Timestamps == nil {
			s.Evidence[i].Timestamps = []string{}
		}
	}
	if s.QualityFlags == nil {
		s.QualityFlags = []string{}
	}
	if s.GenerationMeta.Model == "" {
		s.GenerationMeta.Model = "unknown"
	}
	if s.GenerationMeta.Backend == "" {
		s.GenerationMeta.Backend = "fallback"
	}
	if s.GenerationMeta.RetryCount < 0 {
		s.GenerationMeta.RetryCount = 0
	}
	if s.GenerationMeta.LatencyMS < 0 {
		s.GenerationMeta.LatencyMS = 0
	}
	if s.GenerationMeta.TokenCount < 0 {
		s.GenerationMeta.TokenCount = 0
	}
	return s
}

func extractJSONObject(s string) (string, error) {
	t := strings.TrimSpace(s)
	if t == "" {
		return "", errors.New("empty model output")
	}

	// Strip markdown code fences.
	if strings.HasPrefix(t, "```") {
		if i := strings.Index(t, "\n"); i >= 0 {
			t = t[i+1:]
		}
		if j := strings.LastIndex(t, "```"); j >= 0 {
			t = t[:j]
		}
		t = strings.TrimSpace(t)
	}

	start := strings.Index(t, "{")
	end := strings.LastIndex(t, "}")
	if start >= 0 && end > start {
		return t[start : end+1], nil
	}
	return "", fmt.Errorf("could not locate JSON object in: %q", truncate(t, 200))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
