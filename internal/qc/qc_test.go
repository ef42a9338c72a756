package qc

import (
	"context"
	"testing"

	"sumcut/internal/align"
	"sumcut/internal/config"
	"sumcut/internal/fault"
	"sumcut/internal/logging"
	"sumcut/internal/manifest"
	"sumcut/internal/ports"
	"sumcut/internal/summarize"
)

type fakeMedia struct {
	black ports.BlackFrameResult
	mode  string
}

func (f *fakeMedia) ProbeDurationMS(context.Context, string) (int, error) { return 0, nil }

func (f *fakeMedia) RenderSummary(context.Context, string, string, []ports.CutRange) (ports.RenderResult, error) {
	return ports.RenderResult{}, nil
}

func (f *fakeMedia) BlackFrameRatio(_ context.Context, _ string, _ int, mode string) ports.BlackFrameResult {
	f.mode = mode
	return f.black
}

func healthyInput() Input {
	script := manifest.Script{
		Title:       "A Trip",
		PlotSummary: "Plot.",
		MoralLesson: "Moral.",
		Segments: []manifest.ScriptSegment{
			{SegmentID: 1, SourceStart: "00:00:00.000", SourceEnd: "00:00:08.000", ScriptText: "opening"},
			{SegmentID: 2, SourceStart: "00:01:00.000", SourceEnd: "00:01:08.000", ScriptText: "middle"},
			{SegmentID: 3, SourceStart: "00:02:00.000", SourceEnd: "00:02:08.000", ScriptText: "ending"},
		},
	}
	m := manifest.Manifest{
		SourceVideoPath:   "/data/raw_video.mp4",
		OutputVideoPath:   manifest.OutputVideoName,
		KeepOriginalAudio: true,
	}
	for _, s := range script.Segments {
		m.Segments = append(m.Segments, manifest.ManifestSegment{
			SegmentID:   s.SegmentID,
			SourceStart: s.SourceStart,
			SourceEnd:   s.SourceEnd,
			ScriptRef:   s.SegmentID,
			Transition:  "cut",
		})
	}
	return Input{
		RunID:        "run_0123456789ab",
		InputProfile: "strict_contract_v1",
		Alignment: align.Result{
			SchemaVersion: "1.1",
			DeltaMS:       2400,
			Blocks: []align.Block{
				{CaptionID: "c_0000", Timestamp: "00:00:00.500", FallbackType: align.FallbackContainment, Confidence: 0.9},
				{CaptionID: "c_0001", Timestamp: "00:01:00.500", FallbackType: align.FallbackContainment, Confidence: 0.8},
				{CaptionID: "c_0002", Timestamp: "00:02:00.500", FallbackType: align.FallbackNearest, Confidence: 0.75},
			},
		},
		ContextBlocks: []align.ContextBlock{
			{CaptionID: "c_0000", Timestamp: "00:00:00.500"},
			{CaptionID: "c_0001", Timestamp: "00:01:00.500"},
			{CaptionID: "c_0002", Timestamp: "00:02:00.500"},
		},
		Summary: summarize.Summary{
			SchemaVersion: summarize.SchemaVersion,
			Title:         "A Trip",
			PlotSummary:   "Plot.",
			MoralLesson:   "Moral.",
			Evidence: []summarize.Evidence{
				{Claim: "c", Timestamps: []string{"00:00:00.500", "00:01:00.500"}},
			},
			QualityFlags: []string{"model_version=test"},
		},
		Script:   script,
		Manifest: m,
		Render: ports.RenderResult{
			RenderSuccess:      true,
			AudioPresent:       true,
			DurationMS:         24000,
			ExpectedDurationMS: 24000,
			DurationMatchScore: 1.0,
		},
		RenderedPath:     "/tmp/summary_video.mp4",
		SourceDurationMS: 240000,
	}
}

func healthyGate(media ports.MediaTool, enforce bool) *Gate {
	cfg := config.Default().QC
	cfg.EnforceThresholds = enforce
	return &Gate{Media: media, Cfg: cfg, Strict: false, Log: logging.Discard()}
}

func passingStages() []StageResult {
	return []StageResult{
		{Stage: "validate", Status: "pass", DurationMS: 3},
		{Stage: "align", Status: "pass", DurationMS: 1},
	}
}

func TestEvaluatePassesHealthyRun(t *testing.T) {
	media := &fakeMedia{black: ports.BlackFrameResult{Ratio: 0, Status: "ok"}}
	report, err := healthyGate(media, true).Evaluate(context.Background(), healthyInput(), passingStages())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if report.OverallStatus != "pass" {
		t.Fatalf("overall_status = %q, errors = %v", report.OverallStatus, report.Errors)
	}
	if len(report.Errors) != 0 {
		t.Fatalf("errors = %v", report.Errors)
	}
	if report.Metrics.TimelineConsistency != 1.0 {
		t.Fatalf("timeline consistency = %v", report.Metrics.TimelineConsistency)
	}
	if report.Metrics.GroundingScore != 1.0 {
		t.Fatalf("grounding score = %v", report.Metrics.GroundingScore)
	}
	if report.Metrics.CompressionRatio != 0.1 {
		t.Fatalf("compression ratio = %v", report.Metrics.CompressionRatio)
	}
	if !report.Metrics.ManifestConsistencyPass {
		t.Fatal("manifest consistency should pass")
	}
	if media.mode != "full" {
		t.Fatalf("blackdetect mode = %q, want full for short source", media.mode)
	}
	last := report.StageResults[len(report.StageResults)-1]
	if last.Stage != StageName || last.Status != "pass" {
		t.Fatalf("last stage_results entry = %+v, want passing qc", last)
	}
}

func TestEvaluateUnreachableTimelineThresholdFails(t *testing.T) {
	media := &fakeMedia{black: ports.BlackFrameResult{Ratio: 0, Status: "ok"}}
	gate := healthyGate(media, true)
	gate.Cfg.MinTimelineConsistency = 1.1

	report, err := gate.Evaluate(context.Background(), healthyInput(), passingStages())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if report.OverallStatus != "fail" {
		t.Fatalf("overall_status = %q", report.OverallStatus)
	}
	found := false
	for _, e := range report.Errors {
		if e.ErrorCode == "QC_TIMELINE_CONSISTENCY" {
			found = true
		}
	}
	if !found {
		t.Fatalf("errors = %v, want QC_TIMELINE_CONSISTENCY", report.Errors)
	}

	var own *StageResult
	for i := range report.StageResults {
		if report.StageResults[i].Stage == StageName {
			own = &report.StageResults[i]
		}
	}
	if own == nil {
		t.Fatalf("stage_results = %v, want a qc entry", report.StageResults)
	}
	if own.Status != "fail" || own.ErrorCode != "QC_TIMELINE_CONSISTENCY" {
		t.Fatalf("qc stage result = %+v, want fail with QC_TIMELINE_CONSISTENCY", *own)
	}
}

func TestEvaluateThresholdsIgnoredWithoutEnforcement(t *testing.T) {
	media := &fakeMedia{black: ports.BlackFrameResult{Ratio: 1, Status: "ok"}}
	in := healthyInput()
	in.Render.RenderSuccess = false
	in.Render.AudioPresent = false

	report, err := healthyGate(media, false).Evaluate(context.Background(), in, passingStages())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(report.Errors) != 0 {
		t.Fatalf("errors = %v, want none without enforcement", report.Errors)
	}
	if report.OverallStatus != "pass" {
		t.Fatalf("overall_status = %q", report.OverallStatus)
	}
}

func TestEvaluateFailedStageForcesFail(t *testing.T) {
	media := &fakeMedia{black: ports.BlackFrameResult{Ratio: 0, Status: "ok"}}
	stages := append(passingStages(), StageResult{Stage: "assemble", Status: "fail", ErrorCode: "RENDER_FATAL"})
	report, err := healthyGate(media, false).Evaluate(context.Background(), healthyInput(), stages)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if report.OverallStatus != "fail" {
		t.Fatalf("overall_status = %q", report.OverallStatus)
	}
}

func TestEvaluateHardLeakageAlwaysFatal(t *testing.T) {
	media := &fakeMedia{black: ports.BlackFrameResult{Ratio: 0, Status: "ok"}}
	in := healthyInput()
	in.Script.Segments[0].ScriptText = "<system-reminder>plan mode</system-reminder>"

	_, err := healthyGate(media, false).Evaluate(context.Background(), in, passingStages())
	fe, ok := fault.As(err)
	if !ok || fe.Code != "QC_PROMPT_LEAKAGE" || fe.Stage != StageName {
		t.Fatalf("err = %v", err)
	}
}

func TestEvaluateStrictRejectsNeutralFallback(t *testing.T) {
	media := &fakeMedia{black: ports.BlackFrameResult{Ratio: 0, Status: "ok"}}
	gate := healthyGate(media, false)
	gate.Strict = true
	in := healthyInput()
	in.Summary.QualityFlags = append(in.Summary.QualityFlags, summarize.FlagNeutralFallback)

	_, err := gate.Evaluate(context.Background(), in, passingStages())
	fe, ok := fault.As(err)
	if !ok || fe.Code != "QC_NEUTRAL_FALLBACK_STRICT" {
		t.Fatalf("err = %v", err)
	}
}

func TestEvaluateBlackdetectDegradesToWarning(t *testing.T) {
	media := &fakeMedia{black: ports.BlackFrameResult{
		Ratio: 1, Status: "error", ErrorCode: "QC_BLACKDETECT_FAILED", Message: "boom",
	}}
	report, err := healthyGate(media, false).Evaluate(context.Background(), healthyInput(), passingStages())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	found := false
	for _, w := range report.Warnings {
		if w == "QC_BLACKDETECT_FAILED" {
			found = true
		}
	}
	if !found {
		t.Fatalf("warnings = %v", report.Warnings)
	}
	if report.Metrics.BlackFrameStatus != "error" || report.Metrics.BlackFrameRatio != 1 {
		t.Fatalf("metrics = %+v", report.Metrics)
	}
}

func TestAlignmentMetrics(t *testing.T) {
	noMatch, med, high := AlignmentMetrics(align.Result{})
	if noMatch != 1 || med != 0 || high != 0 {
		t.Fatalf("empty result metrics = %v/%v/%v", noMatch, med, high)
	}

	res := align.Result{Blocks: []align.Block{
		{FallbackType: align.FallbackContainment, Confidence: 0.9},
		{FallbackType: align.FallbackNearest, Confidence: 0.5},
		{FallbackType: align.FallbackNoMatch, Confidence: 0},
		{FallbackType: align.FallbackContainment, Confidence: 0.8},
	}}
	noMatch, med, high = AlignmentMetrics(res)
	if noMatch != 0.25 {
		t.Fatalf("no_match_rate = %v", noMatch)
	}
	if med < 0.649999 || med > 0.650001 {
		t.Fatalf("median_confidence = %v", med)
	}
	if high != 0.5 {
		t.Fatalf("high_confidence_ratio = %v", high)
	}
}

func TestTimelineConsistencyLengthMismatch(t *testing.T) {
	in := healthyInput()
	if got := TimelineConsistency(in.Script, manifest.Manifest{}); got != 0 {
		t.Fatalf("length mismatch = %v, want 0", got)
	}
	in.Manifest.Segments[1].SourceEnd = "00:01:07.000"
	got := TimelineConsistency(in.Script, in.Manifest)
	if got < 0.66 || got > 0.67 {
		t.Fatalf("partial consistency = %v", got)
	}
}

func TestGroundingScorePartial(t *testing.T) {
	in := healthyInput()
	s := in.Summary
	s.Evidence = []summarize.Evidence{
		{Claim: "good", Timestamps: []string{"00:00:00.500"}},
		{Claim: "half", Timestamps: []string{"00:01:00.500", "00:09:00.000"}},
	}
	got := GroundingScore(s, in.ContextBlocks)
	if got != 0.75 {
		t.Fatalf("grounding score = %v, want 0.75", got)
	}
}

func TestParseValidityRate(t *testing.T) {
	in := healthyInput()
	if got := ParseValidityRate(in.Summary); got != 1 {
		t.Fatalf("healthy summary validity = %v", got)
	}
	s := in.Summary
	s.PlotSummary = "  "
	if got := ParseValidityRate(s); got != 0 {
		t.Fatalf("blank plot validity = %v", got)
	}
	s = in.Summary
	s.QualityFlags = nil
	if got := ParseValidityRate(s); got != 0 {
		t.Fatalf("nil flags validity = %v", got)
	}
}
