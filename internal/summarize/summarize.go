// Package summarize turns aligned context blocks into the internal summary
// payload: prompt assembly, backend orchestration with retries and
// fallback, tolerant parse/repair of model output, grounding checks and a
// prompt-leakage guard.
package summarize

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"sumcut/internal/align"
	"sumcut/internal/fault"
	"sumcut/internal/ports"
)

// Options carries the generation settings tracked for replay.
type Options struct {
	Seed             int
	Temperature      float64
	ModelVersion     string
	TokenizerVersion string
	TimeoutMS        int
	MaxRetries       int
	MaxNewTokens     int
	DoSample         bool
	PromptMaxChars   int
	Strict           bool
}

// Orchestrator drives summary generation across a primary and an optional
// fallback backend.
type Orchestrator struct {
	Primary  ports.Generator
	Fallback ports.Generator
	Opts     Options
	Log      *slog.Logger
}

// Run builds the prompt, walks the backends until one yields a parseable
// summary, then repairs, flags and orders the result. When every backend
// is exhausted the strict flag decides between a fatal error and a neutral
// fallback summary.
func (o *Orchestrator) Run(ctx context.Context, blocks []align.ContextBlock) (Summary, error) {
	prompt := BuildPrompt(blocks, o.Opts.PromptMaxChars)
	params := ports.GenerationParams{
		Seed:         o.Opts.Seed,
		Temperature:  o.Opts.Temperature,
		MaxNewTokens: o.Opts.MaxNewTokens,
		DoSample:     o.Opts.DoSample,
	}

	var backends []ports.Generator
	for _, g := range []ports.Generator{o.Primary, o.Fallback} {
		if g != nil {
			backends = append(backends, g)
		}
	}
	if len(backends) == 0 {
		return Summary{}, fault.New(StageName, "LLM_BACKENDS_EXHAUSTED", "no generation backend configured")
	}

	timeout := time.Duration(o.Opts.TimeoutMS) * time.Millisecond
	attempts := 0
	var summary Summary
	var backendName string
	var latency time.Duration
	ok := false

generate:
	for _, gen := range backends {
		for try := 0; try <= o.Opts.MaxRetries; try++ {
			attempts++
			raw, elapsed, err := o.callBackend(ctx, gen, prompt, params, timeout)
			if err != nil {
				o.Log.Warn("generation attempt failed",
					"backend", gen.Name(), "attempt", try+1, "error", err)
				continue
			}
			parsed, perr := ParseRaw(raw)
			if perr != nil {
				o.Log.Warn("generation output unparseable",
					"backend", gen.Name(), "attempt", try+1, "error", perr)
				continue
			}
			summary = parsed
			backendName = gen.Name()
			latency = elapsed
			ok = true
			break generate
		}
	}

	if !ok {
		if o.Opts.Strict {
			return Summary{}, fault.Newf(StageName, "LLM_BACKENDS_EXHAUSTED",
				"all backends failed after %d attempts", attempts)
		}
		o.Log.Warn("all backends failed, emitting neutral summary", "attempts", attempts)
		summary = NeutralSummary()
		backendName = "neutral"
	}

	summary = Repair(summary)
	summary.GenerationMeta.Model = o.Opts.ModelVersion
	summary.GenerationMeta.Seed = o.Opts.Seed
	summary.GenerationMeta.Temperature = o.Opts.Temperature
	summary.GenerationMeta.Backend = backendName
	summary.GenerationMeta.RetryCount = attempts - 1
	summary.GenerationMeta.LatencyMS = latency.Milliseconds()

	summary.QualityFlags = append(summary.QualityFlags,
		fmt.Sprintf("model_version=%s", o.Opts.ModelVersion),
		fmt.Sprintf("tokenizer_version=%s", o.Opts.TokenizerVersion))
	summary.QualityFlags = append(summary.QualityFlags, CheckGrounding(summary, blocks)...)
	summary.QualityFlags = dedupeSorted(summary.QualityFlags)
	return summary, nil
}

func (o *Orchestrator) callBackend(ctx context.Context, gen ports.Generator, prompt string, params ports.GenerationParams, timeout time.Duration) (string, time.Duration, error) {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	started := time.Now()
	raw, err := gen.Generate(callCtx, prompt, params)
	return raw, time.Since(started), err
}

// NeutralSummary is the deterministic stand-in used when generation is
// unavailable and strict mode is off.
func NeutralSummary() Summary {
	return Summary{
		SchemaVersion: SchemaVersion,
		Title:         NeutralTitle,
		PlotSummary:   NeutralPlot,
		MoralLesson:   NeutralMoral,
		Evidence:      []Evidence{},
		QualityFlags:  []string{FlagNeutralFallback},
	}
}

func dedupeSorted(flags []string) []string {
	seen := make(map[string]bool, len(flags))
	out := make([]string, 0, len(flags))
	for _, f := range flags {
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
