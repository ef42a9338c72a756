// Package config loads and validates pipeline configuration from TOML,
// with defaults matching the shipped sample file.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Runtime holds run-level paths and modes.
type Runtime struct {
	InputProfile          string `toml:"input_profile"`
	ArtifactsRoot         string `toml:"artifacts_root"`
	DeliverablesRoot      string `toml:"deliverables_root"`
	EmitInternalArtifacts bool   `toml:"emit_internal_artifacts"`
	Strict                bool   `toml:"strict"`
}

// Alignment tunes the adaptive caption/transcript matching window.
type Alignment struct {
	K          float64 `toml:"k"`
	MinDeltaMS int     `toml:"min_delta_ms"`
	MaxDeltaMS int     `toml:"max_delta_ms"`
}

// Summarize configures the generator backends and prompt budget.
type Summarize struct {
	Seed             int     `toml:"seed"`
	Temperature      float64 `toml:"temperature"`
	ModelVersion     string  `toml:"model_version"`
	TokenizerVersion string  `toml:"tokenizer_version"`
	Backend          string  `toml:"backend"`
	FallbackBackend  string  `toml:"fallback_backend"`
	TimeoutMS        int     `toml:"timeout_ms"`
	MaxRetries       int     `toml:"max_retries"`
	MaxNewTokens     int     `toml:"max_new_tokens"`
	DoSample         bool    `toml:"do_sample"`
	PromptMaxChars   int     `toml:"prompt_max_chars"`
	APIBaseURL       string  `toml:"api_base_url"`
	APIKeyEnv        string  `toml:"api_key_env"`
}

// Budget constrains the segment plan.
type Budget struct {
	MinSegmentDurationMS int     `toml:"min_segment_duration_ms"`
	MaxSegmentDurationMS int     `toml:"max_segment_duration_ms"`
	MinTotalDurationMS   int     `toml:"min_total_duration_ms"`
	MaxTotalDurationMS   int     `toml:"max_total_duration_ms"`
	TargetRatio          float64 `toml:"target_ratio"`
	TargetRatioTolerance float64 `toml:"target_ratio_tolerance"`
}

// QC holds the quality-gate thresholds. Thresholds bind only when
// EnforceThresholds is true; leakage checks are always enforced.
type QC struct {
	EnforceThresholds      bool    `toml:"enforce_thresholds"`
	BlackdetectMode        string  `toml:"blackdetect_mode"`
	MinParseValidityRate   float64 `toml:"min_parse_validity_rate"`
	MinTimelineConsistency float64 `toml:"min_timeline_consistency_score"`
	MinGroundingScore      float64 `toml:"min_grounding_score"`
	MaxBlackFrameRatio     float64 `toml:"max_black_frame_ratio"`
	MaxNoMatchRate         float64 `toml:"max_no_match_rate"`
	MinMedianConfidence    float64 `toml:"min_median_confidence"`
	MinHighConfidenceRatio float64 `toml:"min_high_confidence_ratio"`
	MaxCompressionRatio    float64 `toml:"max_compression_ratio"`
	MinDurationMatchScore  float64 `toml:"min_duration_match_score"`
}

// Logging configures slog construction.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config is the root configuration document.
type Config struct {
	Runtime   Runtime   `toml:"runtime"`
	Alignment Alignment `toml:"alignment"`
	Summarize Summarize `toml:"summarize"`
	Budget    Budget    `toml:"budget"`
	QC        QC        `toml:"qc"`
	Logging   Logging   `toml:"logging"`
}

// Default returns a config populated with the shipped defaults.
func Default() *Config {
	return &Config{
		Runtime: Runtime{
			InputProfile:          "strict_contract_v1",
			ArtifactsRoot:         "artifacts",
			DeliverablesRoot:      "deliverables",
			EmitInternalArtifacts: true,
		},
		Alignment: Alignment{K: 1.2, MinDeltaMS: 1500, MaxDeltaMS: 6000},
		Summarize: Summarize{
			Seed:             42,
			Temperature:      0.1,
			ModelVersion:     "Qwen2.5-3B-Instruct",
			TokenizerVersion: "default",
			Backend:          "api",
			FallbackBackend:  "local",
			TimeoutMS:        30000,
			MaxRetries:       2,
			MaxNewTokens:     512,
			PromptMaxChars:   12000,
			APIBaseURL:       "https://openrouter.ai/api/v1",
			APIKeyEnv:        "OPENROUTER_API_KEY",
		},
		Budget: Budget{
			MinSegmentDurationMS: 1200,
			MaxSegmentDurationMS: 15000,
			MinTotalDurationMS:   3000,
			MaxTotalDurationMS:   45000,
			TargetRatioTolerance: 0.20,
		},
		QC: QC{
			BlackdetectMode:        "auto",
			MinParseValidityRate:   0.995,
			MinTimelineConsistency: 0.90,
			MinGroundingScore:      0.85,
			MaxBlackFrameRatio:     0.02,
			MaxNoMatchRate:         0.30,
			MinMedianConfidence:    0.60,
			MinHighConfidenceRatio: 0.50,
			MaxCompressionRatio:    0.50,
			MinDurationMatchScore:  0.90,
		},
		Logging: Logging{Level: "info", Format: "console"},
	}
}

// Load reads a TOML file over the defaults. A missing path returns defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// SampleConfig returns the embedded annotated sample TOML document.
func SampleConfig() string { return sampleConfig }

// Validate checks cross-field invariants. Errors here map to exit code 2.
func (c *Config) Validate() error {
	switch c.Runtime.InputProfile {
	case "strict_contract_v1", "legacy_member1":
	default:
		return fmt.Errorf("runtime.input_profile: unsupported value %q", c.Runtime.InputProfile)
	}
	if c.Runtime.ArtifactsRoot == "" {
		return errors.New("runtime.artifacts_root must not be empty")
	}
	if c.Alignment.K <= 0 {
		return errors.New("alignment.k must be > 0")
	}
	if c.Alignment.MinDeltaMS <= 0 || c.Alignment.MaxDeltaMS < c.Alignment.MinDeltaMS {
		return errors.New("alignment delta bounds must satisfy 0 < min <= max")
	}
	if !validBackend(c.Summarize.Backend) || !validBackend(c.Summarize.FallbackBackend) {
		return errors.New("summarize backend must be one of: api, local")
	}
	if c.Summarize.TimeoutMS <= 0 {
		return errors.New("summarize.timeout_ms must be > 0")
	}
	if c.Summarize.MaxRetries < 0 {
		return errors.New("summarize.max_retries must be >= 0")
	}
	if c.Budget.MinSegmentDurationMS <= 0 || c.Budget.MaxSegmentDurationMS < c.Budget.MinSegmentDurationMS {
		return errors.New("budget segment duration bounds must satisfy 0 < min <= max")
	}
	if c.Budget.MinTotalDurationMS < 0 || c.Budget.MaxTotalDurationMS < c.Budget.MinTotalDurationMS {
		return errors.New("budget total duration bounds must satisfy 0 <= min <= max")
	}
	if c.Budget.TargetRatio < 0 || c.Budget.TargetRatio > 1 {
		return errors.New("budget.target_ratio must be within [0, 1]")
	}
	if c.Budget.TargetRatioTolerance < 0 || c.Budget.TargetRatioTolerance > 1 {
		return errors.New("budget.target_ratio_tolerance must be within [0, 1]")
	}
	switch strings.ToLower(c.QC.BlackdetectMode) {
	case "auto", "full", "sampled", "off":
	default:
		return fmt.Errorf("qc.blackdetect_mode: unsupported value %q", c.QC.BlackdetectMode)
	}
	return nil
}

func validBackend(name string) bool {
	return name == "api" || name == "local"
}
