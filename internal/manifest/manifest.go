// Package manifest builds the deliverable script and render manifest from
// the planned segments and cross-validates the two files against each
// other and the source duration.
package manifest

import (
	"fmt"
	"strings"

	"sumcut/internal/fault"
	"sumcut/internal/plan"
	"sumcut/internal/summarize"
	"sumcut/internal/timecode"
)

// StageName identifies the manifest validation stage.
const StageName = "manifest"

// OutputVideoName is the manifest-relative render target.
const OutputVideoName = "summary_video.mp4"

// ScriptSegment is one entry of the published script.
type ScriptSegment struct {
	SegmentID   int    `json:"segment_id"`
	SourceStart string `json:"source_start"`
	SourceEnd   string `json:"source_end"`
	ScriptText  string `json:"script_text"`
}

// Script is the user-facing summary deliverable.
type Script struct {
	Title       string          `json:"title"`
	PlotSummary string          `json:"plot_summary"`
	MoralLesson string          `json:"moral_lesson"`
	Segments    []ScriptSegment `json:"segments"`
}

// ManifestSegment is one cut instruction for the renderer.
type ManifestSegment struct {
	SegmentID   int    `json:"segment_id"`
	SourceStart string `json:"source_start"`
	SourceEnd   string `json:"source_end"`
	ScriptRef   int    `json:"script_ref"`
	Transition  string `json:"transition"`
}

// Manifest drives the summary video render.
type Manifest struct {
	SourceVideoPath   string            `json:"source_video_path"`
	OutputVideoPath   string            `json:"output_video_path"`
	KeepOriginalAudio bool              `json:"keep_original_audio"`
	Segments          []ManifestSegment `json:"segments"`
}

// Build derives the script and manifest pair from the planned segments.
func Build(summary summarize.Summary, segments []plan.Segment, sourceVideoPath string) (Script, Manifest, error) {
	if len(segments) == 0 {
		return Script{}, Manifest{}, fault.New(plan.StageName, "BUDGET_SEGMENTS_EMPTY", "no segments generated")
	}

	title := strings.TrimSpace(summary.Title)
	if title == "" {
		title = summarize.DefaultTitle
	}
	script := Script{
		Title:       title,
		PlotSummary: strings.TrimSpace(summary.PlotSummary),
		MoralLesson: strings.TrimSpace(summary.MoralLesson),
		Segments:    make([]ScriptSegment, 0, len(segments)),
	}
	m := Manifest{
		SourceVideoPath:   sourceVideoPath,
		OutputVideoPath:   OutputVideoName,
		KeepOriginalAudio: true,
		Segments:          make([]ManifestSegment, 0, len(segments)),
	}
	for _, seg := range segments {
		script.Segments = append(script.Segments, ScriptSegment{
			SegmentID:   seg.SegmentID,
			SourceStart: seg.SourceStart,
			SourceEnd:   seg.SourceEnd,
			ScriptText:  seg.ScriptText,
		})
		m.Segments = append(m.Segments, ManifestSegment{
			SegmentID:   seg.SegmentID,
			SourceStart: seg.SourceStart,
			SourceEnd:   seg.SourceEnd,
			ScriptRef:   seg.SegmentID,
			Transition:  "cut",
		})
	}
	return script, m, nil
}

// Validate runs every cross-file check and fails with the first violation.
func Validate(script Script, m Manifest, sourceDurationMS int) error {
	errs := ConsistencyErrors(script, m, sourceDurationMS)
	if len(errs) > 0 {
		return fault.New(StageName, "MANIFEST_CONSISTENCY", errs[0])
	}
	return nil
}

// ConsistencyErrors lists every cross-file violation between the script
// and the manifest.
func ConsistencyErrors(script Script, m Manifest, sourceDurationMS int) []string {
	var errs []string
	errs = append(errs, uniqueIDErrors(scriptIDs(script.Segments), "script")...)
	errs = append(errs, uniqueIDErrors(manifestIDs(m.Segments), "manifest")...)
	errs = append(errs, increasingIDErrors(scriptIDs(script.Segments))...)
	errs = append(errs, increasingIDErrors(manifestIDs(m.Segments))...)
	errs = append(errs, timeOrderErrors(scriptRanges(script.Segments), "script")...)
	errs = append(errs, timeOrderErrors(manifestRanges(m.Segments), "manifest")...)

	byID := make(map[int]ScriptSegment, len(script.Segments))
	for _, s := range script.Segments {
		byID[s.SegmentID] = s
	}
	for idx, seg := range m.Segments {
		ref, ok := byID[seg.ScriptRef]
		if !ok {
			errs = append(errs, fmt.Sprintf("manifest[%d] script_ref=%d not found", idx, seg.ScriptRef))
			continue
		}
		if seg.SourceStart != ref.SourceStart || seg.SourceEnd != ref.SourceEnd {
			errs = append(errs, fmt.Sprintf("manifest[%d] timestamps mismatch with script_ref=%d", idx, seg.ScriptRef))
		}
		if sourceDurationMS > 0 {
			start, errS := timecode.ToMS(seg.SourceStart)
			end, errE := timecode.ToMS(seg.SourceEnd)
			if errS != nil || errE != nil {
				errs = append(errs, fmt.Sprintf("manifest[%d] invalid timestamp range", idx))
				continue
			}
			if start < 0 || end > sourceDurationMS {
				errs = append(errs, fmt.Sprintf("manifest[%d] out of source duration range 0..%d", idx, sourceDurationMS))
			}
		}
	}
	return errs
}

// EnsureKeepOriginalAudio enforces the audio policy before rendering.
func EnsureKeepOriginalAudio(m Manifest) error {
	if !m.KeepOriginalAudio {
		return fault.New("assemble", "RENDER_AUDIO_POLICY", "manifest must keep original audio")
	}
	return nil
}

type timeRange struct {
	id    int
	start string
	end   string
}

func scriptIDs(segments []ScriptSegment) []int {
	ids := make([]int, len(segments))
	for i, s := range segments {
		ids[i] = s.SegmentID
	}
	return ids
}

func manifestIDs(segments []ManifestSegment) []int {
	ids := make([]int, len(segments))
	for i, s := range segments {
		ids[i] = s.SegmentID
	}
	return ids
}

func scriptRanges(segments []ScriptSegment) []timeRange {
	out := make([]timeRange, len(segments))
	for i, s := range segments {
		out[i] = timeRange{id: s.SegmentID, start: s.SourceStart, end: s.SourceEnd}
	}
	return out
}

func manifestRanges(segments []ManifestSegment) []timeRange {
	out := make([]timeRange, len(segments))
	for i, s := range segments {
		out[i] = timeRange{id: s.SegmentID, start: s.SourceStart, end: s.SourceEnd}
	}
	return out
}

func uniqueIDErrors(ids []int, label string) []string {
	var errs []string
	seen := make(map[int]bool, len(ids))
	for idx, id := range ids {
		if seen[id] {
			errs = append(errs, fmt.Sprintf("%s[%d] duplicate segment_id=%d", label, idx, id))
		}
		seen[id] = true
	}
	return errs
}

func increasingIDErrors(ids []int) []string {
	var errs []string
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			errs = append(errs, "segment_id must be strictly increasing")
		}
	}
	return errs
}

func timeOrderErrors(ranges []timeRange, label string) []string {
	var errs []string
	prevStart, prevEnd, prevID := -1, -1, 0
	for idx, r := range ranges {
		start, errS := timecode.ToMS(r.start)
		end, errE := timecode.ToMS(r.end)
		if errS != nil || errE != nil {
			errs = append(errs, fmt.Sprintf("%s[%d] invalid source_start/source_end", label, idx))
			continue
		}
		if end <= start {
			errs = append(errs, fmt.Sprintf("%s[%d] source_end must be > source_start", label, idx))
		}
		if prevStart >= 0 && start < prevStart {
			errs = append(errs, fmt.Sprintf("%s[%d] timeline must be non-decreasing", label, idx))
		}
		if prevEnd >= 0 && start < prevEnd {
			errs = append(errs, fmt.Sprintf("%s[%d] overlaps previous segment_id=%d", label, idx, prevID))
		}
		prevStart, prevEnd, prevID = start, end, r.id
	}
	return errs
}
