package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"sumcut/internal/config"
	"sumcut/internal/ledger"
	"sumcut/internal/logging"
	"sumcut/internal/ports"
	"sumcut/internal/ports/adapters/ffmpeg"
	"sumcut/internal/ports/adapters/localgen"
	"sumcut/internal/ports/adapters/openaigen"
	"sumcut/internal/qc"
	"sumcut/internal/run"
)

type runFlags struct {
	transcripts      string
	captions         string
	rawVideo         string
	stage            string
	runID            string
	artifactsRoot    string
	deliverablesRoot string
	inputProfile     string
	configPath       string
	sourceDurationMS int
	replay           bool
	enforce          bool
	strict           bool
	jsonOut          bool
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:          "run",
		Short:        "Execute the summarization pipeline",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, f)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&f.transcripts, "audio-transcripts", "", "Path to the audio transcripts JSON")
	flags.StringVar(&f.captions, "visual-captions", "", "Path to the visual captions JSON")
	flags.StringVar(&f.rawVideo, "raw-video", "", "Path to the source video")
	flags.StringVar(&f.stage, "stage", "g8", "Stage target: g3, g5 or g8")
	flags.StringVar(&f.runID, "run-id", "", "Reuse a run id (default: generated)")
	flags.StringVar(&f.artifactsRoot, "artifacts-root", "", "Artifacts directory (overrides config)")
	flags.StringVar(&f.deliverablesRoot, "deliverables-root", "", "Deliverables directory (overrides config)")
	flags.StringVar(&f.inputProfile, "input-profile", "", "Transcript input profile (overrides config)")
	flags.StringVar(&f.configPath, "config", "", "Path to a TOML config file")
	flags.IntVar(&f.sourceDurationMS, "source-duration-ms", 0, "Source duration override; probed via ffprobe when 0")
	flags.BoolVar(&f.replay, "replay", false, "Reuse artifacts from a previous run when inputs and config are unchanged")
	flags.BoolVar(&f.enforce, "qc-enforce-thresholds", false, "Fail the run on quality threshold violations")
	flags.BoolVar(&f.strict, "strict", false, "Fail instead of degrading to the neutral summary")
	flags.BoolVar(&f.jsonOut, "json", false, "Emit the run result as JSON")
	return cmd
}

func runPipeline(cmd *cobra.Command, f runFlags) error {
	cfg, err := loadConfig(cmd, f)
	if err != nil {
		return err
	}
	if f.transcripts == "" || f.captions == "" || f.rawVideo == "" {
		return usageErrorf("--audio-transcripts, --visual-captions and --raw-video are required")
	}
	switch f.stage {
	case run.TargetG3, run.TargetG5, run.TargetG8:
	default:
		return usageErrorf("--stage must be one of g3, g5, g8 (got %q)", f.stage)
	}

	log, err := logging.New(cmd.ErrOrStderr(), logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return usageErrorf("logging: %v", err)
	}

	primary, err := buildGenerator(cfg.Summarize.Backend, cfg.Summarize)
	if err != nil {
		return err
	}
	fallback, err := buildGenerator(cfg.Summarize.FallbackBackend, cfg.Summarize)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Runtime.ArtifactsRoot, 0o755); err != nil {
		return fmt.Errorf("create artifacts root: %w", err)
	}
	store, err := ledger.Open(filepath.Join(cfg.Runtime.ArtifactsRoot, "runs.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	runner := &run.Runner{
		Cfg: cfg,
		Deps: run.Deps{
			Media:    ffmpeg.New("", ""),
			Primary:  primary,
			Fallback: fallback,
			Ledger:   store,
			Log:      log,
		},
	}
	out, runErr := runner.Run(cmd.Context(), run.Params{
		RunID:            f.runID,
		TranscriptsPath:  f.transcripts,
		CaptionsPath:     f.captions,
		RawVideoPath:     f.rawVideo,
		StageTarget:      f.stage,
		Replay:           f.replay,
		SourceDurationMS: f.sourceDurationMS,
	})

	if err := printRunOutcome(cmd, out, f.jsonOut); err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}
	if out.OverallStatus != "pass" {
		return &qcFailError{runID: out.RunID}
	}
	return nil
}

func loadConfig(cmd *cobra.Command, f runFlags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, &usageError{err: err}
	}
	if f.artifactsRoot != "" {
		cfg.Runtime.ArtifactsRoot = f.artifactsRoot
	}
	if f.deliverablesRoot != "" {
		cfg.Runtime.DeliverablesRoot = f.deliverablesRoot
	}
	if f.inputProfile != "" {
		cfg.Runtime.InputProfile = f.inputProfile
	}
	if cmd.Flags().Changed("qc-enforce-thresholds") {
		cfg.QC.EnforceThresholds = f.enforce
	}
	if cmd.Flags().Changed("strict") {
		cfg.Runtime.Strict = f.strict
	}
	if err := cfg.Validate(); err != nil {
		return nil, &usageError{err: err}
	}
	return cfg, nil
}

func buildGenerator(name string, cfg config.Summarize) (ports.Generator, error) {
	switch name {
	case "api":
		key := os.Getenv(cfg.APIKeyEnv)
		if key == "" {
			return nil, usageErrorf("%s is required for the api backend (set it in .env)", cfg.APIKeyEnv)
		}
		return openaigen.New(key, cfg.APIBaseURL, cfg.ModelVersion), nil
	case "local":
		return localgen.New(), nil
	default:
		return nil, usageErrorf("unknown generator backend %q", name)
	}
}

func printRunOutcome(cmd *cobra.Command, out run.Outcome, forceJSON bool) error {
	if out.RunID == "" {
		return nil
	}
	if forceJSON || !stdoutIsTTY() {
		doc := struct {
			RunID         string           `json:"run_id"`
			OverallStatus string           `json:"overall_status"`
			ArtifactsDir  string           `json:"artifacts_dir"`
			Stages        []qc.StageResult `json:"stages"`
			Deliverables  []string         `json:"deliverables,omitempty"`
		}{out.RunID, out.OverallStatus, out.ArtifactsDir, out.Stages, out.Deliverables}
		b, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(b))
		return nil
	}

	rows := make([][]string, 0, len(out.Stages))
	for _, sr := range out.Stages {
		rows = append(rows, []string{
			sr.Stage,
			sr.Status,
			strconv.Itoa(sr.DurationMS),
			sr.ErrorCode,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "run %s: %s\n", out.RunID, out.OverallStatus)
	fmt.Fprintln(cmd.OutOrStdout(), renderTable(
		[]string{"STAGE", "STATUS", "MS", "ERROR"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft},
	))
	for _, d := range out.Deliverables {
		fmt.Fprintf(cmd.OutOrStdout(), "deliverable: %s\n", d)
	}
	return nil
}

func stdoutIsTTY() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
