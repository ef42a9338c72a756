// Package ffmpeg adapts the ffmpeg/ffprobe binaries to the MediaTool port.
package ffmpeg

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"sumcut/internal/fault"
	"sumcut/internal/ports"
)

const assembleStage = "assemble"

type Adapter struct {
	ffmpeg  string
	ffprobe string
}

func New(ffmpegPath, ffprobePath string) *Adapter {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Adapter{ffmpeg: ffmpegPath, ffprobe: ffprobePath}
}

func (a *Adapter) ProbeDurationMS(ctx context.Context, path string) (int, error) {
	cmd := exec.CommandContext(ctx, a.ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	b, err := cmd.CombinedOutput()
	if err != nil {
		return 0, fmt.Errorf("ffprobe duration: %w\n%s", err, string(b))
	}
	s := strings.TrimSpace(string(b))
	sec, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", s, err)
	}
	return int(math.Round(sec * 1000)), nil
}

// RenderSummary cuts the requested ranges out of source, concatenates them
// into output, and probes the result. A failed render is retried once under a
// safer encoding profile before escalating.
func (a *Adapter) RenderSummary(ctx context.Context, source, output string, cuts []ports.CutRange) (ports.RenderResult, error) {
	st, err := os.Stat(source)
	if err != nil || st.Size() <= 0 {
		return ports.RenderResult{}, fault.Newf(assembleStage, "RENDER_SOURCE_INVALID", "invalid source video: %s", source)
	}
	if len(cuts) == 0 {
		return ports.RenderResult{}, fault.New(assembleStage, "RENDER_SEGMENTS_EMPTY", "at least one cut range is required")
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return ports.RenderResult{}, fault.Wrap(assembleStage, "RENDER_FATAL", "create output dir", err)
	}

	retryCount := 0
	if err := a.renderWithProfile(ctx, source, output, cuts, false); err != nil {
		retryCount = 1
		if err2 := a.renderWithProfile(ctx, source, output, cuts, true); err2 != nil {
			return ports.RenderResult{}, fault.Wrap(assembleStage, "RENDER_FATAL", err2.Error(), err)
		}
	}

	durationMS, err := a.ProbeDurationMS(ctx, output)
	if err != nil {
		return ports.RenderResult{}, fault.Wrap(assembleStage, "RENDER_DURATION_PROBE_FAILED", "probe rendered output", err)
	}
	audioPresent := a.probeHasAudio(ctx, output)
	if !audioPresent {
		return ports.RenderResult{}, fault.New(assembleStage, "RENDER_AUDIO_MISSING", "rendered summary video has no audio stream")
	}

	expected := 0
	for _, c := range cuts {
		if d := c.EndMS - c.StartMS; d > 0 {
			expected += d
		}
	}
	return ports.RenderResult{
		RenderSuccess:      true,
		AudioPresent:       audioPresent,
		DurationMS:         durationMS,
		ExpectedDurationMS: expected,
		DurationMatchScore: durationMatchScore(durationMS, expected),
		RetryCount:         retryCount,
		OutputVideoPath:    output,
	}, nil
}

var blackDurationRe = regexp.MustCompile(`black_duration:([0-9]+(?:\.[0-9]+)?)`)

// BlackFrameRatio runs ffmpeg blackdetect over the rendered file. Failures
// degrade to an explicit error status so QC can report instead of crash.
func (a *Adapter) BlackFrameRatio(ctx context.Context, path string, durationMS int, mode string) ports.BlackFrameResult {
	st, err := os.Stat(path)
	if err != nil || st.Size() <= 0 {
		return ports.BlackFrameResult{Ratio: 1, Status: "error", ErrorCode: "QC_BLACKDETECT_VIDEO_INVALID", Message: "invalid video path: " + path}
	}

	selected := strings.ToLower(strings.TrimSpace(mode))
	if selected == "off" {
		return ports.BlackFrameResult{Ratio: 0, Status: "off", Message: "blackdetect disabled"}
	}
	if selected != "full" && selected != "sampled" {
		selected = "full"
	}
	if durationMS <= 0 {
		if probed, err := a.ProbeDurationMS(ctx, path); err == nil {
			durationMS = probed
		}
	}
	if durationMS <= 0 {
		return ports.BlackFrameResult{Ratio: 1, Status: "error", ErrorCode: "QC_BLACKDETECT_DURATION_INVALID", Message: "cannot determine positive video duration"}
	}

	vf := "blackdetect=d=0.05:pix_th=0.10"
	if selected == "sampled" {
		vf = "fps=2," + vf
	}
	cmd := exec.CommandContext(ctx, a.ffmpeg,
		"-hide_banner",
		"-i", path,
		"-vf", vf,
		"-an",
		"-f", "null",
		"-",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return ports.BlackFrameResult{Ratio: 1, Status: "error", ErrorCode: "QC_BLACKDETECT_FAILED", Message: truncate(string(out), 500)}
	}

	blackMS := 0.0
	for _, m := range blackDurationRe.FindAllStringSubmatch(string(out), -1) {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			blackMS += v * 1000
		}
	}
	ratio := blackMS / float64(durationMS)
	return ports.BlackFrameResult{Ratio: clamp01(ratio), Status: "ok"}
}

func (a *Adapter) renderWithProfile(ctx context.Context, source, output string, cuts []ports.CutRange, safeProfile bool) error {
	preset, crf := "veryfast", "20"
	if safeProfile {
		preset, crf = "ultrafast", "23"
	}
	args := []string{
		"-y",
		"-i", source,
		"-filter_complex", buildFilterComplex(cuts),
		"-map", "[vout]",
		"-map", "[aout]",
		"-c:v", "libx264",
		"-preset", preset,
		"-crf", crf,
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-b:a", "128k",
		"-movflags", "+faststart",
		output,
	}
	cmd := exec.CommandContext(ctx, a.ffmpeg, args...)
	b, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg concat: %w\n%s", err, truncate(string(b), 1200))
	}
	return nil
}

// buildFilterComplex trims every cut from the single input and concatenates
// video+audio pairs in order.
func buildFilterComplex(cuts []ports.CutRange) string {
	var chains []string
	var concatInputs strings.Builder
	for i, c := range cuts {
		start := fmtSeconds(c.StartMS)
		end := fmtSeconds(c.EndMS)
		chains = append(chains,
			fmt.Sprintf("[0:v]trim=start=%s:end=%s,setpts=PTS-STARTPTS[v%d]", start, end, i),
			fmt.Sprintf("[0:a]atrim=start=%s:end=%s,asetpts=PTS-STARTPTS[a%d]", start, end, i),
		)
		concatInputs.WriteString(fmt.Sprintf("[v%d][a%d]", i, i))
	}
	chains = append(chains, fmt.Sprintf("%sconcat=n=%d:v=1:a=1[vout][aout]", concatInputs.String(), len(cuts)))
	return strings.Join(chains, ";")
}

func (a *Adapter) probeHasAudio(ctx context.Context, path string) bool {
	cmd := exec.CommandContext(ctx, a.ffprobe,
		"-v", "error",
		"-select_streams", "a",
		"-show_entries", "stream=codec_type",
		"-of", "csv=p=0",
		path,
	)
	b, err := cmd.CombinedOutput()
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(b)), "audio")
}

func durationMatchScore(actualMS, expectedMS int) float64 {
	if expectedMS <= 0 {
		return 0
	}
	diff := actualMS - expectedMS
	if diff < 0 {
		diff = -diff
	}
	return clamp01(1 - float64(diff)/float64(expectedMS))
}

func fmtSeconds(ms int) string {
	return strconv.FormatFloat(float64(ms)/1000, 'f', 3, 64)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
