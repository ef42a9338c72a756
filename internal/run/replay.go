package run

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"sumcut/internal/artifact"
	"sumcut/internal/config"
	"sumcut/internal/fault"
)

const runMetaName = "run_meta.json"

// runMeta captures the inputs that determined a run's outputs. A later
// replay may skip a stage only when its tracked config and every
// predecessor's tracked config hash to the same values.
type runMeta struct {
	SchemaVersion string                     `json:"schema_version"`
	ConfigHash    string                     `json:"config_hash"`
	Tracked       map[string]json.RawMessage `json:"tracked"`
	StageHashes   map[string]string          `json:"stage_hashes"`
}

// trackedConfig returns, per stage, the canonical JSON of the settings
// that influence that stage's artifact. Map marshaling sorts keys, so the
// encoding is deterministic.
func trackedConfig(cfg *config.Config, checksums inputChecksums) (map[string]json.RawMessage, error) {
	fields := map[string]map[string]any{
		StageValidate: {
			"input_profile":      cfg.Runtime.InputProfile,
			"transcripts_sha256": checksums.Transcripts,
			"captions_sha256":    checksums.Captions,
			"source_sha256":      checksums.Source,
		},
		StageAlign: {
			"k":            cfg.Alignment.K,
			"min_delta_ms": cfg.Alignment.MinDeltaMS,
			"max_delta_ms": cfg.Alignment.MaxDeltaMS,
		},
		StageContextBuild: {},
		StageSummarize: {
			"seed":              cfg.Summarize.Seed,
			"temperature":       cfg.Summarize.Temperature,
			"model_version":     cfg.Summarize.ModelVersion,
			"tokenizer_version": cfg.Summarize.TokenizerVersion,
			"backend":           cfg.Summarize.Backend,
			"fallback_backend":  cfg.Summarize.FallbackBackend,
			"timeout_ms":        cfg.Summarize.TimeoutMS,
			"max_retries":       cfg.Summarize.MaxRetries,
			"max_new_tokens":    cfg.Summarize.MaxNewTokens,
			"do_sample":         cfg.Summarize.DoSample,
			"prompt_max_chars":  cfg.Summarize.PromptMaxChars,
			"strict":            cfg.Runtime.Strict,
		},
		StageSegmentPlan: {
			"min_segment_duration_ms": cfg.Budget.MinSegmentDurationMS,
			"max_segment_duration_ms": cfg.Budget.MaxSegmentDurationMS,
			"min_total_duration_ms":   cfg.Budget.MinTotalDurationMS,
			"max_total_duration_ms":   cfg.Budget.MaxTotalDurationMS,
			"target_ratio":            cfg.Budget.TargetRatio,
			"target_ratio_tolerance":  cfg.Budget.TargetRatioTolerance,
		},
		StageManifest: {},
		StageAssemble: {
			"source_sha256": checksums.Source,
		},
		StageQC: {
			"enforce_thresholds":             cfg.QC.EnforceThresholds,
			"blackdetect_mode":               cfg.QC.BlackdetectMode,
			"min_parse_validity_rate":        cfg.QC.MinParseValidityRate,
			"min_timeline_consistency_score": cfg.QC.MinTimelineConsistency,
			"min_grounding_score":            cfg.QC.MinGroundingScore,
			"max_black_frame_ratio":          cfg.QC.MaxBlackFrameRatio,
			"max_no_match_rate":              cfg.QC.MaxNoMatchRate,
			"min_median_confidence":          cfg.QC.MinMedianConfidence,
			"min_high_confidence_ratio":      cfg.QC.MinHighConfidenceRatio,
			"max_compression_ratio":          cfg.QC.MaxCompressionRatio,
			"min_duration_match_score":       cfg.QC.MinDurationMatchScore,
			"strict":                         cfg.Runtime.Strict,
		},
	}

	out := make(map[string]json.RawMessage, len(fields))
	for stage, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal tracked config for %s: %w", stage, err)
		}
		out[stage] = raw
	}
	return out, nil
}

// stageHashes chains each stage's tracked config onto its predecessor's
// hash, so one hash comparison covers the whole prefix of the pipeline.
func stageHashes(tracked map[string]json.RawMessage) map[string]string {
	out := make(map[string]string, len(StageOrder))
	prev := ""
	for _, stage := range StageOrder {
		sum := sha256.Sum256([]byte(stage + "\n" + string(tracked[stage]) + "\n" + prev))
		out[stage] = hex.EncodeToString(sum[:])
		prev = out[stage]
	}
	return out
}

func configHash(tracked map[string]json.RawMessage) (string, error) {
	raw, err := json.Marshal(tracked)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

type inputChecksums struct {
	Transcripts string
	Captions    string
	Source      string
}

func checksumInputs(transcriptsPath, captionsPath, sourcePath string) (inputChecksums, error) {
	var cs inputChecksums
	var err error
	if cs.Transcripts, err = fileSHA256(transcriptsPath); err != nil {
		return cs, err
	}
	if cs.Captions, err = fileSHA256(captionsPath); err != nil {
		return cs, err
	}
	if cs.Source, err = fileSHA256(sourcePath); err != nil {
		return cs, err
	}
	return cs, nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fault.Wrap(StageValidate, "SCHEMA_INPUT_MISSING_FILE", "input file not readable: "+path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func loadRunMeta(runDir string) (*runMeta, bool) {
	var meta runMeta
	if err := artifact.ReadPlainJSON(filepath.Join(runDir, runMetaName), &meta); err != nil {
		return nil, false
	}
	if meta.StageHashes == nil {
		return nil, false
	}
	return &meta, true
}

func writeRunMeta(runDir string, meta runMeta) error {
	return artifact.WritePlainJSON(filepath.Join(runDir, runMetaName), meta)
}

// replayable reports whether a stage's stored hash and every
// predecessor's match the hashes computed for this invocation. The chain
// construction makes the last comparison sufficient, but all are checked.
func replayable(stage string, stored *runMeta, computed map[string]string) bool {
	if stored == nil {
		return false
	}
	for _, s := range StageOrder {
		if stored.StageHashes[s] != computed[s] {
			return false
		}
		if s == stage {
			return true
		}
	}
	return false
}
