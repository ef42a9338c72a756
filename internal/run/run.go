// Package run orchestrates the pipeline stages, persists their artifacts
// under a per-run directory, and supports content-addressed replay of
// unchanged stage prefixes.
package run

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"sumcut/internal/align"
	"sumcut/internal/artifact"
	"sumcut/internal/canonical"
	"sumcut/internal/config"
	"sumcut/internal/fault"
	"sumcut/internal/ledger"
	"sumcut/internal/logging"
	"sumcut/internal/manifest"
	"sumcut/internal/plan"
	"sumcut/internal/ports"
	"sumcut/internal/qc"
	"sumcut/internal/summarize"
	"sumcut/internal/timecode"
)

// Canonical stage names, in pipeline order.
const (
	StageValidate     = canonical.StageName
	StageAlign        = align.StageName
	StageContextBuild = align.ContextStageName
	StageSummarize    = summarize.StageName
	StageSegmentPlan  = plan.StageName
	StageManifest     = manifest.StageName
	StageAssemble     = "assemble"
	StageQC           = qc.StageName
)

// StageOrder is the fixed execution order.
var StageOrder = []string{
	StageValidate, StageAlign, StageContextBuild, StageSummarize,
	StageSegmentPlan, StageManifest, StageAssemble, StageQC,
}

// Stage targets routed from the CLI: g3 stops after context building,
// g5 after segment planning, g8 runs the full pipeline.
const (
	TargetG3 = "g3"
	TargetG5 = "g5"
	TargetG8 = "g8"
)

var targetLastStage = map[string]string{
	TargetG3: StageContextBuild,
	TargetG5: StageSegmentPlan,
	TargetG8: StageQC,
}

const pipelineStage = "pipeline"

// DeliverableVideoName is the rendered summary copied to the
// deliverables root after a passing run.
const DeliverableVideoName = "summary_video.mp4"

// DeliverableScriptName is the final script copied alongside the video.
const DeliverableScriptName = "summary_script.json"

// Params select the inputs and mode for one pipeline invocation.
type Params struct {
	RunID            string
	TranscriptsPath  string
	CaptionsPath     string
	RawVideoPath     string
	StageTarget      string // g3 | g5 | g8; empty means g8
	Replay           bool
	SourceDurationMS int // probed from the video when <= 0
}

// Deps are the collaborators injected into a run.
type Deps struct {
	Media    ports.MediaTool
	Primary  ports.Generator
	Fallback ports.Generator
	Ledger   *ledger.Store
	Log      *slog.Logger
}

// Outcome summarizes a finished (or failed) invocation.
type Outcome struct {
	RunID         string
	OverallStatus string
	ArtifactsDir  string
	Stages        []qc.StageResult
	Report        *qc.Report
	Deliverables  []string
}

// Runner executes the pipeline for one configuration.
type Runner struct {
	Cfg  *config.Config
	Deps Deps
}

// NewRunID returns a fresh `run_<12 hex>` identifier.
func NewRunID() string {
	return "run_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Run executes the pipeline up to the requested stage target. The
// returned Outcome is populated even when err is non-nil so callers can
// report partial stage results.
func (r *Runner) Run(ctx context.Context, p Params) (Outcome, error) {
	log := r.Deps.Log
	if log == nil {
		log = logging.Discard()
	}
	target := p.StageTarget
	if target == "" {
		target = TargetG8
	}
	lastStage, ok := targetLastStage[target]
	if !ok {
		return Outcome{}, fault.Newf(pipelineStage, "PIPELINE_STAGE_TARGET", "unsupported stage target %q", p.StageTarget)
	}
	runID := p.RunID
	if runID == "" {
		runID = NewRunID()
	}
	runDir := filepath.Join(r.Cfg.Runtime.ArtifactsRoot, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return Outcome{RunID: runID}, fault.Wrap(pipelineStage, "PIPELINE_UNEXPECTED", "create run dir", err)
	}

	lock := flock.New(filepath.Join(runDir, ".lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return Outcome{RunID: runID}, fault.Wrap(pipelineStage, "PIPELINE_LOCKED", "acquire run lock", err)
	}
	if !locked {
		return Outcome{RunID: runID}, fault.Newf(pipelineStage, "PIPELINE_LOCKED", "run %s is already in progress", runID)
	}
	defer func() {
		_ = lock.Unlock()
	}()

	checksums, err := checksumInputs(p.TranscriptsPath, p.CaptionsPath, p.RawVideoPath)
	if err != nil {
		return Outcome{RunID: runID, OverallStatus: "fail", ArtifactsDir: runDir}, err
	}
	tracked, err := trackedConfig(r.Cfg, checksums)
	if err != nil {
		return Outcome{RunID: runID, OverallStatus: "fail", ArtifactsDir: runDir}, fault.Wrap(pipelineStage, "PIPELINE_UNEXPECTED", "track config", err)
	}
	hashes := stageHashes(tracked)
	cfgHash, err := configHash(tracked)
	if err != nil {
		return Outcome{RunID: runID, OverallStatus: "fail", ArtifactsDir: runDir}, fault.Wrap(pipelineStage, "PIPELINE_UNEXPECTED", "hash config", err)
	}

	ex := &execution{
		runner: r,
		params: p,
		runID:  runID,
		runDir: runDir,
		hashes: hashes,
		log:    log.With("run_id", runID),
	}
	if p.Replay {
		ex.stored, _ = loadRunMeta(runDir)
	}

	started := time.Now()
	runErr := ex.runStages(ctx, lastStage)
	finished := time.Now()

	overall := "pass"
	if runErr != nil || (ex.report != nil && ex.report.OverallStatus == "fail") {
		overall = "fail"
	}

	if r.Deps.Ledger != nil {
		rec := ledger.RunRecord{
			RunID:            runID,
			InputProfile:     r.Cfg.Runtime.InputProfile,
			OverallStatus:    overall,
			ConfigHash:       cfgHash,
			SourceVideoPath:  p.RawVideoPath,
			SourceDurationMS: ex.sourceDurationMS(),
			StartedAt:        started,
			FinishedAt:       finished,
			Stages:           ex.stages,
		}
		if recErr := r.Deps.Ledger.RecordRun(ctx, rec); recErr != nil {
			ex.log.Warn("ledger record failed", "error", recErr)
		}
	}

	out := Outcome{
		RunID:         runID,
		OverallStatus: overall,
		ArtifactsDir:  runDir,
		Stages:        ex.stages,
		Report:        ex.report,
	}
	if runErr != nil {
		return out, runErr
	}

	meta := runMeta{
		SchemaVersion: summarize.SchemaVersion,
		ConfigHash:    cfgHash,
		Tracked:       tracked,
		StageHashes:   hashes,
	}
	if err := writeRunMeta(runDir, meta); err != nil {
		return out, fault.Wrap(pipelineStage, "PIPELINE_UNEXPECTED", "write run meta", err)
	}

	if lastStage == StageQC && overall == "pass" {
		delivered, err := ex.copyDeliverables()
		if err != nil {
			return out, err
		}
		out.Deliverables = delivered
	}
	return out, nil
}

// execution carries the in-flight state between stages of one run.
type execution struct {
	runner *Runner
	params Params
	runID  string
	runDir string
	hashes map[string]string
	stored *runMeta
	log    *slog.Logger

	stages   []qc.StageResult
	input    *canonical.Input
	aligned  align.Result
	blocks   []align.ContextBlock
	summary  summarize.Summary
	script   manifest.Script
	manifest manifest.Manifest
	render   ports.RenderResult
	report   *qc.Report
}

type stageFn func(context.Context) (replayed bool, err error)

func (e *execution) runStages(ctx context.Context, lastStage string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fault.Newf(pipelineStage, "PIPELINE_UNEXPECTED", "panic: %v", rec)
		}
	}()

	fns := map[string]stageFn{
		StageValidate:     e.stageValidate,
		StageAlign:        e.stageAlign,
		StageContextBuild: e.stageContextBuild,
		StageSummarize:    e.stageSummarize,
		StageSegmentPlan:  e.stageSegmentPlan,
		StageManifest:     e.stageManifest,
		StageAssemble:     e.stageAssemble,
		StageQC:           e.stageQC,
	}
	for _, stage := range StageOrder {
		if err := e.exec(ctx, stage, fns[stage]); err != nil {
			return err
		}
		if stage == lastStage {
			return nil
		}
	}
	return nil
}

func (e *execution) exec(ctx context.Context, stage string, fn stageFn) error {
	e.log.Info("stage start", "stage", stage)
	start := time.Now()
	replayed, err := fn(ctx)
	sr := qc.StageResult{
		Stage:      stage,
		Status:     "pass",
		DurationMS: int(time.Since(start).Milliseconds()),
	}
	switch {
	case err != nil:
		sr.Status = "fail"
		fe, ok := fault.As(err)
		if !ok {
			err = fault.Wrap(stage, "PIPELINE_UNEXPECTED", "unexpected stage failure", err)
			fe, _ = fault.As(err)
		}
		sr.ErrorCode = fe.Code
	case replayed:
		sr.Status = "skipped"
	}
	// Enforced threshold failures surface through the quality report,
	// not the stage error, so mirror the report's own qc entry.
	if stage == StageQC && sr.Status == "pass" && e.report != nil {
		for _, rs := range e.report.StageResults {
			if rs.Stage == StageQC && rs.Status == "fail" {
				sr.Status = rs.Status
				sr.ErrorCode = rs.ErrorCode
			}
		}
	}
	e.stages = append(e.stages, sr)
	if err != nil {
		e.log.Error("stage failed", "stage", stage, "error_code", sr.ErrorCode, "error", err)
		return err
	}
	e.log.Info("stage complete", "stage", stage, "status", sr.Status, "duration_ms", sr.DurationMS)
	return nil
}

func (e *execution) canReplay(stage string) bool {
	return e.params.Replay && replayable(stage, e.stored, e.hashes)
}

func (e *execution) artifactPath(dir, name string) string {
	return filepath.Join(e.runDir, dir, name)
}

// writeInternal persists intermediate artifacts unless the run is
// configured to keep only the deliverable ones. Skipped artifacts also
// disqualify their stage from later replay.
func (e *execution) writeInternal(path string, payload any) error {
	if !e.runner.Cfg.Runtime.EmitInternalArtifacts {
		return nil
	}
	return artifact.WritePlainJSON(path, payload)
}

func (e *execution) sourceDurationMS() int {
	if e.input == nil {
		return 0
	}
	return e.input.SourceDurationMS
}

func (e *execution) stageValidate(ctx context.Context) (bool, error) {
	path := e.artifactPath("g1_validate", "normalized_input.json")
	if e.canReplay(StageValidate) {
		var in canonical.Input
		if artifact.ReadPlainJSON(path, &in) == nil && in.SourceDurationMS > 0 {
			e.input = &in
			return true, nil
		}
	}

	in, err := canonical.Load(e.params.TranscriptsPath, e.params.CaptionsPath, e.params.RawVideoPath, e.runner.Cfg.Runtime.InputProfile)
	if err != nil {
		return false, err
	}
	dur := e.params.SourceDurationMS
	if dur <= 0 {
		dur, err = e.runner.Deps.Media.ProbeDurationMS(ctx, e.params.RawVideoPath)
		if err != nil {
			return false, fault.Wrap(StageValidate, "TIME_SOURCE_VIDEO_INVALID", "probe source duration", err)
		}
	}
	if dur <= 0 {
		return false, fault.Newf(StageValidate, "TIME_SOURCE_VIDEO_INVALID", "non-positive source duration %dms", dur)
	}
	in.SourceDurationMS = dur
	e.input = in
	return false, e.writeInternal(path, in)
}

func (e *execution) stageAlign(_ context.Context) (bool, error) {
	path := e.artifactPath("g2_align", "alignment_result.json")
	if e.canReplay(StageAlign) {
		var res align.Result
		if artifact.ReadJSON(path, artifact.KindAlignmentResult, &res) == nil {
			e.aligned = res
			return true, nil
		}
	}

	opts := align.Options{
		K:          e.runner.Cfg.Alignment.K,
		MinDeltaMS: e.runner.Cfg.Alignment.MinDeltaMS,
		MaxDeltaMS: e.runner.Cfg.Alignment.MaxDeltaMS,
	}
	e.aligned = align.Run(e.input.Transcripts, e.input.Captions, opts)
	return false, artifact.WriteJSON(path, artifact.KindAlignmentResult, e.aligned)
}

// contextArtifact is the persisted g3 payload.
type contextArtifact struct {
	SchemaVersion string               `json:"schema_version"`
	Blocks        []align.ContextBlock `json:"blocks"`
}

func (e *execution) stageContextBuild(_ context.Context) (bool, error) {
	path := e.artifactPath("g3_context", "context_blocks.json")
	if e.canReplay(StageContextBuild) {
		var doc contextArtifact
		if artifact.ReadPlainJSON(path, &doc) == nil && doc.SchemaVersion != "" {
			e.blocks = doc.Blocks
			return true, nil
		}
	}

	e.blocks = align.BuildContextBlocks(e.aligned.Blocks)
	doc := contextArtifact{SchemaVersion: summarize.SchemaVersion, Blocks: e.blocks}
	return false, e.writeInternal(path, doc)
}

func (e *execution) stageSummarize(ctx context.Context) (bool, error) {
	path := e.artifactPath("g4_summarize", "summary_script.internal.json")
	if e.canReplay(StageSummarize) {
		var s summarize.Summary
		if artifact.ReadJSON(path, artifact.KindSummaryInternal, &s) == nil {
			e.summary = s
			return true, nil
		}
	}

	cfg := e.runner.Cfg.Summarize
	orch := &summarize.Orchestrator{
		Primary:  e.runner.Deps.Primary,
		Fallback: e.runner.Deps.Fallback,
		Opts: summarize.Options{
			Seed:             cfg.Seed,
			Temperature:      cfg.Temperature,
			ModelVersion:     cfg.ModelVersion,
			TokenizerVersion: cfg.TokenizerVersion,
			TimeoutMS:        cfg.TimeoutMS,
			MaxRetries:       cfg.MaxRetries,
			MaxNewTokens:     cfg.MaxNewTokens,
			DoSample:         cfg.DoSample,
			PromptMaxChars:   cfg.PromptMaxChars,
			Strict:           e.runner.Cfg.Runtime.Strict,
		},
		Log: e.log,
	}
	summary, err := orch.Run(ctx, e.blocks)
	if err != nil {
		return false, err
	}
	e.summary = summary
	return false, artifact.WriteJSON(path, artifact.KindSummaryInternal, summary)
}

func (e *execution) stageSegmentPlan(_ context.Context) (bool, error) {
	scriptPath := e.artifactPath("g5_segment", DeliverableScriptName)
	manifestPath := e.artifactPath("g5_segment", "summary_video_manifest.json")
	if e.canReplay(StageSegmentPlan) {
		var script manifest.Script
		var mani manifest.Manifest
		if artifact.ReadJSON(scriptPath, artifact.KindSummaryScript, &script) == nil &&
			artifact.ReadJSON(manifestPath, artifact.KindSummaryManifest, &mani) == nil {
			e.script, e.manifest = script, mani
			return true, nil
		}
	}

	budget := plan.Budget{
		MinSegmentDurationMS: e.runner.Cfg.Budget.MinSegmentDurationMS,
		MaxSegmentDurationMS: e.runner.Cfg.Budget.MaxSegmentDurationMS,
		MinTotalDurationMS:   e.runner.Cfg.Budget.MinTotalDurationMS,
		MaxTotalDurationMS:   e.runner.Cfg.Budget.MaxTotalDurationMS,
		TargetRatio:          e.runner.Cfg.Budget.TargetRatio,
		TargetRatioTolerance: e.runner.Cfg.Budget.TargetRatioTolerance,
	}
	segments, err := plan.Plan(e.blocks, e.summary.PlotSummary, budget, e.input.SourceDurationMS)
	if err != nil {
		return false, err
	}
	script, mani, err := manifest.Build(e.summary, segments, e.params.RawVideoPath)
	if err != nil {
		return false, err
	}
	e.script, e.manifest = script, mani
	if err := artifact.WriteJSON(scriptPath, artifact.KindSummaryScript, script); err != nil {
		return false, err
	}
	return false, artifact.WriteJSON(manifestPath, artifact.KindSummaryManifest, mani)
}

// manifestValidation is the persisted g6 payload.
type manifestValidation struct {
	SchemaVersion string `json:"schema_version"`
	Status        string `json:"status"`
}

func (e *execution) stageManifest(_ context.Context) (bool, error) {
	path := e.artifactPath("g6_manifest", "manifest_validation.json")
	if e.canReplay(StageManifest) {
		var doc manifestValidation
		if artifact.ReadPlainJSON(path, &doc) == nil && doc.Status == "pass" {
			return true, nil
		}
	}

	if err := manifest.Validate(e.script, e.manifest, e.input.SourceDurationMS); err != nil {
		return false, err
	}
	if err := manifest.EnsureKeepOriginalAudio(e.manifest); err != nil {
		return false, err
	}
	doc := manifestValidation{SchemaVersion: summarize.SchemaVersion, Status: "pass"}
	return false, e.writeInternal(path, doc)
}

func (e *execution) stageAssemble(ctx context.Context) (bool, error) {
	outputPath := e.artifactPath("g7_assemble", DeliverableVideoName)
	metaPath := e.artifactPath("g7_assemble", "render_meta.json")
	if e.canReplay(StageAssemble) {
		var res ports.RenderResult
		if artifact.ReadPlainJSON(metaPath, &res) == nil && res.RenderSuccess {
			if st, err := os.Stat(outputPath); err == nil && st.Size() > 0 {
				e.render = res
				return true, nil
			}
		}
	}

	cuts, err := cutRanges(e.manifest)
	if err != nil {
		return false, err
	}
	res, err := e.runner.Deps.Media.RenderSummary(ctx, e.manifest.SourceVideoPath, outputPath, cuts)
	if err != nil {
		return false, err
	}
	e.render = res
	return false, e.writeInternal(metaPath, res)
}

func (e *execution) stageQC(ctx context.Context) (bool, error) {
	path := e.artifactPath("g8_qc", "quality_report.json")
	if e.canReplay(StageQC) {
		var report qc.Report
		if artifact.ReadJSON(path, artifact.KindQualityReport, &report) == nil {
			e.report = &report
			return true, nil
		}
	}

	gate := &qc.Gate{
		Media:  e.runner.Deps.Media,
		Cfg:    e.runner.Cfg.QC,
		Strict: e.runner.Cfg.Runtime.Strict,
		Log:    e.log,
	}
	in := qc.Input{
		RunID:            e.runID,
		InputProfile:     e.runner.Cfg.Runtime.InputProfile,
		Alignment:        e.aligned,
		ContextBlocks:    e.blocks,
		Summary:          e.summary,
		Script:           e.script,
		Manifest:         e.manifest,
		Render:           e.render,
		RenderedPath:     e.artifactPath("g7_assemble", DeliverableVideoName),
		SourceDurationMS: e.input.SourceDurationMS,
	}
	report, err := gate.Evaluate(ctx, in, e.stages)
	if err != nil {
		return false, err
	}
	e.report = &report
	return false, artifact.WriteJSON(path, artifact.KindQualityReport, report)
}

func cutRanges(m manifest.Manifest) ([]ports.CutRange, error) {
	cuts := make([]ports.CutRange, 0, len(m.Segments))
	for _, seg := range m.Segments {
		startMS, err := timecode.ToMS(seg.SourceStart)
		if err != nil {
			return nil, fault.Wrap(StageAssemble, "TIME_FORMAT", "parse manifest source_start", err)
		}
		endMS, err := timecode.ToMS(seg.SourceEnd)
		if err != nil {
			return nil, fault.Wrap(StageAssemble, "TIME_FORMAT", "parse manifest source_end", err)
		}
		cuts = append(cuts, ports.CutRange{StartMS: startMS, EndMS: endMS})
	}
	return cuts, nil
}

func (e *execution) copyDeliverables() ([]string, error) {
	root := e.runner.Cfg.Runtime.DeliverablesRoot
	if root == "" {
		return nil, nil
	}
	destDir := filepath.Join(root, e.runID)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fault.Wrap(pipelineStage, "PIPELINE_UNEXPECTED", "create deliverables dir", err)
	}
	pairs := [][2]string{
		{e.artifactPath("g7_assemble", DeliverableVideoName), filepath.Join(destDir, DeliverableVideoName)},
		{e.artifactPath("g5_segment", DeliverableScriptName), filepath.Join(destDir, DeliverableScriptName)},
	}
	delivered := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		if err := copyFile(pair[0], pair[1]); err != nil {
			return nil, fault.Wrap(pipelineStage, "PIPELINE_UNEXPECTED", "copy deliverable "+filepath.Base(pair[1]), err)
		}
		delivered = append(delivered, pair[1])
	}
	e.log.Info("deliverables ready", "dir", destDir)
	return delivered, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
