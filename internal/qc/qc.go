// Package qc recomputes quality metrics from the run's artifacts and
// enforces thresholds. Prompt-leakage detection and the strict-mode
// neutral-fallback check are safety gates and always apply; everything
// else binds only when threshold enforcement is enabled.
package qc

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"sumcut/internal/align"
	"sumcut/internal/config"
	"sumcut/internal/fault"
	"sumcut/internal/manifest"
	"sumcut/internal/ports"
	"sumcut/internal/summarize"
	"sumcut/internal/timecode"
)

// StageName identifies the QC stage.
const StageName = "qc"

// SchemaVersion stamped on quality reports.
const SchemaVersion = "1.1"

// Confidence bucket floor shared with the aligner's "high" bucket.
const highConfidenceFloor = 0.75

// Sources longer than this are scanned with the sampled blackdetect mode
// when the configured mode is "auto".
const autoSampleThresholdMS = 600000

// StageResult is one pipeline stage outcome recorded into the report.
type StageResult struct {
	Stage      string `json:"stage"`
	Status     string `json:"status"`
	DurationMS int    `json:"duration_ms"`
	ErrorCode  string `json:"error_code,omitempty"`
}

// Metrics are the recomputed quality measurements.
type Metrics struct {
	ParseValidityRate       float64 `json:"parse_validity_rate"`
	TimelineConsistency     float64 `json:"timeline_consistency_score"`
	GroundingScore          float64 `json:"grounding_score"`
	CompressionRatio        float64 `json:"compression_ratio"`
	ManifestConsistencyPass bool    `json:"manifest_consistency_pass"`
	RenderSuccess           bool    `json:"render_success"`
	AudioPresent            bool    `json:"audio_present"`
	DurationMatchScore      float64 `json:"duration_match_score"`
	BlackFrameRatio         float64 `json:"black_frame_ratio"`
	BlackFrameStatus        string  `json:"black_frame_status"`
	DecodeErrorCount        int     `json:"decode_error_count"`
	NoMatchRate             float64 `json:"no_match_rate"`
	MedianConfidence        float64 `json:"median_confidence"`
	HighConfidenceRatio     float64 `json:"high_confidence_ratio"`
}

// ReportError is one failed enforced check.
type ReportError struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// Report is the g8 quality report artifact.
type Report struct {
	SchemaVersion string        `json:"schema_version"`
	RunID         string        `json:"run_id"`
	InputProfile  string        `json:"input_profile"`
	OverallStatus string        `json:"overall_status"`
	StageResults  []StageResult `json:"stage_results"`
	Metrics       Metrics       `json:"metrics"`
	Warnings      []string      `json:"warnings"`
	Errors        []ReportError `json:"errors"`
}

// Input gathers everything the gate re-checks.
type Input struct {
	RunID            string
	InputProfile     string
	Alignment        align.Result
	ContextBlocks    []align.ContextBlock
	Summary          summarize.Summary
	Script           manifest.Script
	Manifest         manifest.Manifest
	Render           ports.RenderResult
	RenderedPath     string
	SourceDurationMS int
}

// Gate evaluates a finished run.
type Gate struct {
	Media  ports.MediaTool
	Cfg    config.QC
	Strict bool
	Log    *slog.Logger
}

// Evaluate recomputes all metrics and builds the quality report. It
// returns an error only for the zero-tolerance safety checks; threshold
// failures are recorded in the report and flip overall_status instead.
// The report's stage_results always ends with the gate's own qc entry,
// marked fail when any enforced check failed.
func (g *Gate) Evaluate(ctx context.Context, in Input, stageResults []StageResult) (Report, error) {
	if err := g.safetyChecks(in); err != nil {
		return Report{}, err
	}

	noMatchRate, medianConfidence, highRatio := AlignmentMetrics(in.Alignment)
	black := g.blackFrame(ctx, in)

	metrics := Metrics{
		ParseValidityRate:       ParseValidityRate(in.Summary),
		TimelineConsistency:     TimelineConsistency(in.Script, in.Manifest),
		GroundingScore:          GroundingScore(in.Summary, in.ContextBlocks),
		CompressionRatio:        CompressionRatio(in.Script, in.SourceDurationMS),
		ManifestConsistencyPass: len(manifest.ConsistencyErrors(in.Script, in.Manifest, in.SourceDurationMS)) == 0,
		RenderSuccess:           in.Render.RenderSuccess,
		AudioPresent:            in.Render.AudioPresent,
		DurationMatchScore:      in.Render.DurationMatchScore,
		BlackFrameRatio:         black.Ratio,
		BlackFrameStatus:        black.Status,
		DecodeErrorCount:        in.Render.DecodeErrorCount,
		NoMatchRate:             noMatchRate,
		MedianConfidence:        medianConfidence,
		HighConfidenceRatio:     highRatio,
	}

	warnings := []string{}
	if black.Status == "error" {
		warnings = append(warnings, black.ErrorCode)
		g.Log.Warn("blackdetect degraded", "error_code", black.ErrorCode, "message", black.Message)
	}
	if metrics.NoMatchRate > 0.30 {
		warnings = append(warnings, "ALIGN_LOW_MATCH_COVERAGE")
	}
	if metrics.MedianConfidence < 0.60 {
		warnings = append(warnings, "ALIGN_LOW_CONFIDENCE")
	}
	if metrics.HighConfidenceRatio < 0.50 {
		warnings = append(warnings, "ALIGN_WEAK_GROUNDING_SIGNAL")
	}
	if g.softLeakage(in) {
		warnings = append(warnings, "QC_SOFT_LEAKAGE_MARKERS")
	}

	errors := []ReportError{}
	if g.Cfg.EnforceThresholds {
		errors = append(errors, g.thresholdErrors(metrics)...)
	}

	// The gate records its own entry last: the qc stage fails when any
	// enforced check fails, even though Evaluate returns no error then.
	own := StageResult{Stage: StageName, Status: "pass"}
	if len(errors) > 0 {
		own.Status = "fail"
		own.ErrorCode = errors[0].ErrorCode
	}
	stageResults = append(append([]StageResult{}, stageResults...), own)

	overall := "pass"
	for _, sr := range stageResults {
		if sr.Status == "fail" {
			overall = "fail"
		}
	}

	return Report{
		SchemaVersion: SchemaVersion,
		RunID:         in.RunID,
		InputProfile:  in.InputProfile,
		OverallStatus: overall,
		StageResults:  stageResults,
		Metrics:       metrics,
		Warnings:      warnings,
		Errors:        errors,
	}, nil
}

// safetyChecks are enforced regardless of the threshold flag.
func (g *Gate) safetyChecks(in Input) error {
	for _, text := range finalTexts(in) {
		if summarize.ContainsHardLeakage(text) {
			return fault.New(StageName, "QC_PROMPT_LEAKAGE", "prompt leakage detected in final summary text")
		}
	}
	if g.Strict {
		for _, flag := range in.Summary.QualityFlags {
			if flag == summarize.FlagNeutralFallback {
				return fault.New(StageName, "QC_NEUTRAL_FALLBACK_STRICT", "neutral fallback summary is not allowed in strict mode")
			}
		}
	}
	return nil
}

func (g *Gate) softLeakage(in Input) bool {
	for _, text := range finalTexts(in) {
		if summarize.ContainsSoftLeakage(text) {
			return true
		}
	}
	return false
}

func finalTexts(in Input) []string {
	texts := []string{in.Summary.Title, in.Summary.PlotSummary, in.Summary.MoralLesson,
		in.Script.Title, in.Script.PlotSummary, in.Script.MoralLesson}
	for _, e := range in.Summary.Evidence {
		texts = append(texts, e.Claim)
	}
	for _, s := range in.Script.Segments {
		texts = append(texts, s.ScriptText)
	}
	return texts
}

func (g *Gate) blackFrame(ctx context.Context, in Input) ports.BlackFrameResult {
	mode := strings.ToLower(strings.TrimSpace(g.Cfg.BlackdetectMode))
	if mode == "auto" {
		if in.SourceDurationMS > autoSampleThresholdMS {
			mode = "sampled"
		} else {
			mode = "full"
		}
	}
	return g.Media.BlackFrameRatio(ctx, in.RenderedPath, in.Render.DurationMS, mode)
}

func (g *Gate) thresholdErrors(m Metrics) []ReportError {
	var errs []ReportError
	add := func(code, message string) {
		errs = append(errs, ReportError{ErrorCode: code, Message: message})
	}
	if !m.RenderSuccess {
		add("QC_RENDER_FAILED", "summary video render did not succeed")
	}
	if !m.AudioPresent {
		add("QC_AUDIO_MISSING", "rendered summary video has no audio stream")
	}
	if m.ParseValidityRate < g.Cfg.MinParseValidityRate {
		add("QC_PARSE_VALIDITY", "summary payload is structurally incomplete")
	}
	if m.TimelineConsistency < g.Cfg.MinTimelineConsistency {
		add("QC_TIMELINE_CONSISTENCY", "script and manifest timelines diverge")
	}
	if m.GroundingScore < g.Cfg.MinGroundingScore {
		add("QC_GROUNDING_SCORE", "evidence grounding below threshold")
	}
	if m.BlackFrameRatio > g.Cfg.MaxBlackFrameRatio {
		add("QC_BLACK_FRAME_RATIO", "too much black frame content")
	}
	if m.NoMatchRate > g.Cfg.MaxNoMatchRate {
		add("QC_NO_MATCH_RATE", "alignment no-match rate above threshold")
	}
	if m.MedianConfidence < g.Cfg.MinMedianConfidence {
		add("QC_MEDIAN_CONFIDENCE", "median alignment confidence below threshold")
	}
	if m.HighConfidenceRatio < g.Cfg.MinHighConfidenceRatio {
		add("QC_HIGH_CONFIDENCE_RATIO", "high-confidence ratio below threshold")
	}
	if m.CompressionRatio > g.Cfg.MaxCompressionRatio {
		add("QC_COMPRESSION_RATIO", "summary too long relative to source")
	}
	if m.DurationMatchScore < g.Cfg.MinDurationMatchScore {
		add("QC_DURATION_MATCH", "rendered duration diverges from plan")
	}
	return errs
}

// AlignmentMetrics recomputes the alignment quality trio from the raw
// blocks. An empty result counts as fully unmatched.
func AlignmentMetrics(res align.Result) (noMatchRate, medianConfidence, highConfidenceRatio float64) {
	if len(res.Blocks) == 0 {
		return 1, 0, 0
	}
	confidences := make([]float64, 0, len(res.Blocks))
	noMatch := 0
	high := 0
	for _, b := range res.Blocks {
		confidences = append(confidences, b.Confidence)
		if b.FallbackType == align.FallbackNoMatch {
			noMatch++
		}
		if b.Confidence >= highConfidenceFloor {
			high++
		}
	}
	total := float64(len(res.Blocks))
	return float64(noMatch) / total, median(confidences), float64(high) / total
}

// TimelineConsistency is the fraction of positionally paired script and
// manifest segments with identical time ranges. Length mismatch or an
// empty script scores zero.
func TimelineConsistency(script manifest.Script, m manifest.Manifest) float64 {
	if len(script.Segments) == 0 || len(script.Segments) != len(m.Segments) {
		return 0
	}
	matches := 0
	for i, s := range script.Segments {
		if s.SourceStart == m.Segments[i].SourceStart && s.SourceEnd == m.Segments[i].SourceEnd {
			matches++
		}
	}
	return float64(matches) / float64(len(script.Segments))
}

// CompressionRatio is summed segment duration over source duration.
func CompressionRatio(script manifest.Script, sourceDurationMS int) float64 {
	if sourceDurationMS <= 0 || len(script.Segments) == 0 {
		return 0
	}
	total := 0
	for _, s := range script.Segments {
		start, errS := timecode.ToMS(s.SourceStart)
		end, errE := timecode.ToMS(s.SourceEnd)
		if errS != nil || errE != nil {
			continue
		}
		total += end - start
	}
	if total < 0 {
		return 0
	}
	return float64(total) / float64(sourceDurationMS)
}

// GroundingScore averages, per evidence item, the fraction of its
// timestamps that exist among the context blocks.
func GroundingScore(s summarize.Summary, blocks []align.ContextBlock) float64 {
	if len(s.Evidence) == 0 {
		return 0
	}
	known := make(map[string]bool, len(blocks))
	for _, b := range blocks {
		if b.Timestamp != "" {
			known[b.Timestamp] = true
		}
	}
	if len(known) == 0 {
		return 0
	}
	sum := 0.0
	for _, item := range s.Evidence {
		if len(item.Timestamps) == 0 {
			continue
		}
		valid := 0
		for _, ts := range item.Timestamps {
			if known[ts] {
				valid++
			}
		}
		sum += float64(valid) / float64(len(item.Timestamps))
	}
	score := sum / float64(len(s.Evidence))
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// ParseValidityRate is 1 when the summary carries the structurally
// required content, else 0.
func ParseValidityRate(s summarize.Summary) float64 {
	if s.SchemaVersion == "" {
		return 0
	}
	if strings.TrimSpace(s.PlotSummary) == "" || strings.TrimSpace(s.MoralLesson) == "" {
		return 0
	}
	if s.Evidence == nil || s.QualityFlags == nil {
		return 0
	}
	return 1
}

func median(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
