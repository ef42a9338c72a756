package summarize

// StageName identifies the summarization stage in stage results and faults.
const StageName = "summarize"

// SchemaVersion stamped on every internal summary payload.
const SchemaVersion = "1.1"

// Placeholder strings used when the model returns blank or missing fields.
const (
	DefaultTitle        = "Video Summary"
	PlaceholderPlot     = "Insufficient data for a detailed summary."
	PlaceholderMoral    = "Needs further corroborating evidence."
	NeutralTitle        = "Neutral Summary"
	NeutralPlot         = "Insufficient data to produce a detailed summary."
	NeutralMoral        = "Draw conclusions only from clearly observed evidence."
	FlagNeutralFallback = "LLM_NEUTRAL_FALLBACK"
	FlagLeakageRepaired = "PROMPT_LEAKAGE_REPAIRED"
	FlagHasNoMatch      = "ALIGN_HAS_NO_MATCH"
)

// Evidence ties a claim in the summary back to context timestamps.
type Evidence struct {
	Claim      string   `json:"claim"`
	Timestamps []string `json:"timestamps"`
}

// GenerationMeta records how the summary was produced.
type GenerationMeta struct {
	Model       string  `json:"model"`
	Seed        int     `json:"seed"`
	Temperature float64 `json:"temperature"`
	Backend     string  `json:"backend"`
	RetryCount  int     `json:"retry_count"`
	LatencyMS   int64   `json:"latency_ms"`
	TokenCount  int     `json:"token_count"`
}

// Summary is the internal summarization payload (g4 artifact).
type Summary struct {
	SchemaVersion  string         `json:"schema_version"`
	Title          string         `json:"title"`
	PlotSummary    string         `json:"plot_summary"`
	MoralLesson    string         `json:"moral_lesson"`
	Evidence       []Evidence     `json:"evidence"`
	QualityFlags   []string       `json:"quality_flags"`
	GenerationMeta GenerationMeta `json:"generation_meta"`
}
