// Package ports declares the collaborator contracts the pipeline consumes.
package ports

import "context"

// CutRange is one source cut handed to the render tool.
type CutRange struct {
	StartMS int
	EndMS   int
}

// RenderResult reports a finished render plus the probes taken on its output.
type RenderResult struct {
	RenderSuccess      bool    `json:"render_success"`
	AudioPresent       bool    `json:"audio_present"`
	DecodeErrorCount   int     `json:"decode_error_count"`
	DurationMS         int     `json:"duration_ms"`
	ExpectedDurationMS int     `json:"expected_duration_ms"`
	DurationMatchScore float64 `json:"duration_match_score"`
	RetryCount         int     `json:"retry_count"`
	OutputVideoPath    string  `json:"output_video_path"`
}

// BlackFrameResult reports the black-frame scan. Status "error" means the
// scan could not run; it is never silently treated as success.
type BlackFrameResult struct {
	Ratio     float64 `json:"ratio"`
	Status    string  `json:"status"` // ok | off | error
	ErrorCode string  `json:"error_code,omitempty"`
	Message   string  `json:"message,omitempty"`
}

// MediaTool is the external encode/probe tool, invoked as a black box.
type MediaTool interface {
	ProbeDurationMS(ctx context.Context, path string) (int, error)
	RenderSummary(ctx context.Context, source, output string, cuts []CutRange) (RenderResult, error)
	BlackFrameRatio(ctx context.Context, path string, durationMS int, mode string) BlackFrameResult
}

// GenerationParams are the knobs forwarded to a generator backend.
type GenerationParams struct {
	Seed         int
	Temperature  float64
	MaxNewTokens int
	DoSample     bool
}

// Generator produces a raw JSON summary document from a bounded prompt.
// Implementations may hold a lazily-initialized model handle; it must stay
// opaque behind this interface.
type Generator interface {
	Name() string
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
}
