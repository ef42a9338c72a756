package summarize

import (
	"context"
	"errors"
	"testing"

	"sumcut/internal/align"
	"sumcut/internal/fault"
	"sumcut/internal/logging"
	"sumcut/internal/ports"
)

type scriptedGen struct {
	name  string
	outs  []string
	errs  []error
	calls int
}

func (g *scriptedGen) Name() string { return g.name }

func (g *scriptedGen) Generate(_ context.Context, _ string, _ ports.GenerationParams) (string, error) {
	i := g.calls
	g.calls++
	if i < len(g.errs) && g.errs[i] != nil {
		return "", g.errs[i]
	}
	if i < len(g.outs) {
		return g.outs[i], nil
	}
	return "", errors.New("backend down")
}

func testBlocks() []align.ContextBlock {
	return []align.ContextBlock{
		{
			CaptionID:   "c_0000",
			Timestamp:   "00:00:01.000",
			ContextText: "[Image @00:00:01.000]: a door opens\n[Dialogue]: hello",
			Confidence:  0.8,
		},
		{
			CaptionID:   "c_0001",
			Timestamp:   "00:00:03.000",
			ContextText: "[Image @00:00:03.000]: a hallway\n[Dialogue]: come in",
			Confidence:  0.6,
		},
	}
}

func testOpts(strict bool) Options {
	return Options{
		Seed:             42,
		Temperature:      0.1,
		ModelVersion:     "model-v1",
		TokenizerVersion: "tok-v1",
		MaxRetries:       1,
		PromptMaxChars:   4000,
		Strict:           strict,
	}
}

const validOutput = `{"title":"A Door","plot_summary":"Someone arrives.","moral_lesson":"Welcome guests.",` +
	`"evidence":[{"claim":"arrival","timestamps":["00:00:01.000"]}]}`

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}

func TestRunPrimarySucceeds(t *testing.T) {
	primary := &scriptedGen{name: "api", outs: []string{validOutput}}
	o := &Orchestrator{Primary: primary, Opts: testOpts(true), Log: logging.Discard()}

	got, err := o.Run(context.Background(), testBlocks())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.Title != "A Door" {
		t.Fatalf("title = %q", got.Title)
	}
	if got.SchemaVersion != SchemaVersion {
		t.Fatalf("schema_version = %q", got.SchemaVersion)
	}
	m := got.GenerationMeta
	if m.Backend != "api" || m.RetryCount != 0 || m.Model != "model-v1" || m.Seed != 42 {
		t.Fatalf("meta = %+v", m)
	}
	if !hasFlag(got.QualityFlags, "model_version=model-v1") || !hasFlag(got.QualityFlags, "tokenizer_version=tok-v1") {
		t.Fatalf("version flags missing: %v", got.QualityFlags)
	}
	for i := 1; i < len(got.QualityFlags); i++ {
		if got.QualityFlags[i-1] >= got.QualityFlags[i] {
			t.Fatalf("flags not sorted and deduped: %v", got.QualityFlags)
		}
	}
}

func TestRunFallsBackToSecondBackend(t *testing.T) {
	primary := &scriptedGen{name: "api", errs: []error{errors.New("502"), errors.New("502")}}
	fallback := &scriptedGen{name: "local", outs: []string{validOutput}}
	o := &Orchestrator{Primary: primary, Fallback: fallback, Opts: testOpts(true), Log: logging.Discard()}

	got, err := o.Run(context.Background(), testBlocks())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if primary.calls != 2 {
		t.Fatalf("primary calls = %d, want 2 (max_retries+1)", primary.calls)
	}
	if got.GenerationMeta.Backend != "local" {
		t.Fatalf("backend = %q", got.GenerationMeta.Backend)
	}
	if got.GenerationMeta.RetryCount != 2 {
		t.Fatalf("retry_count = %d, want 2", got.GenerationMeta.RetryCount)
	}
}

func TestRunRetriesUnparseableOutput(t *testing.T) {
	primary := &scriptedGen{name: "api", outs: []string{"not json at all", validOutput}}
	o := &Orchestrator{Primary: primary, Opts: testOpts(true), Log: logging.Discard()}

	got, err := o.Run(context.Background(), testBlocks())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if primary.calls != 2 {
		t.Fatalf("calls = %d, want 2", primary.calls)
	}
	if got.Title != "A Door" {
		t.Fatalf("title = %q", got.Title)
	}
}

func TestRunStrictExhaustionFails(t *testing.T) {
	primary := &scriptedGen{name: "api"}
	fallback := &scriptedGen{name: "local"}
	o := &Orchestrator{Primary: primary, Fallback: fallback, Opts: testOpts(true), Log: logging.Discard()}

	_, err := o.Run(context.Background(), testBlocks())
	if err == nil {
		t.Fatal("expected error in strict mode")
	}
	fe, ok := fault.As(err)
	if !ok {
		t.Fatalf("error type = %T", err)
	}
	if fe.Code != "LLM_BACKENDS_EXHAUSTED" || fe.Stage != StageName {
		t.Fatalf("fault = %+v", fe)
	}
	if primary.calls != 2 || fallback.calls != 2 {
		t.Fatalf("calls = %d/%d, want 2/2", primary.calls, fallback.calls)
	}
}

func TestRunNonStrictExhaustionGoesNeutral(t *testing.T) {
	primary := &scriptedGen{name: "api"}
	o := &Orchestrator{Primary: primary, Opts: testOpts(false), Log: logging.Discard()}

	got, err := o.Run(context.Background(), testBlocks())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.Title != NeutralTitle {
		t.Fatalf("title = %q", got.Title)
	}
	if !hasFlag(got.QualityFlags, FlagNeutralFallback) {
		t.Fatalf("missing neutral flag: %v", got.QualityFlags)
	}
	if got.GenerationMeta.Backend != "neutral" {
		t.Fatalf("backend = %q", got.GenerationMeta.Backend)
	}
}

func TestRunRecordsGroundingViolations(t *testing.T) {
	out := `{"title":"T","plot_summary":"P.","moral_lesson":"M.",` +
		`"evidence":[{"claim":"bad","timestamps":["00:09:59.000"]},{"claim":"none","timestamps":[]}]}`
	primary := &scriptedGen{name: "api", outs: []string{out}}
	o := &Orchestrator{Primary: primary, Opts: testOpts(true), Log: logging.Discard()}

	got, err := o.Run(context.Background(), testBlocks())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !hasFlag(got.QualityFlags, "LLM_GROUNDING_TIMESTAMP_MISSING_0") {
		t.Fatalf("missing grounding flag: %v", got.QualityFlags)
	}
	if !hasFlag(got.QualityFlags, "LLM_EVIDENCE_TIMESTAMPS_1") {
		t.Fatalf("missing evidence flag: %v", got.QualityFlags)
	}
}
