package manifest

import (
	"strings"
	"testing"

	"sumcut/internal/fault"
	"sumcut/internal/plan"
	"sumcut/internal/summarize"
)

func plannedSegments() []plan.Segment {
	return []plan.Segment{
		{SegmentID: 1, SourceStart: "00:00:00.000", SourceEnd: "00:00:08.000", ScriptText: "opening", Confidence: 0.8, Role: plan.RoleSetup},
		{SegmentID: 2, SourceStart: "00:01:00.000", SourceEnd: "00:01:08.000", ScriptText: "middle", Confidence: 0.7, Role: plan.RoleDevelopment},
		{SegmentID: 3, SourceStart: "00:02:00.000", SourceEnd: "00:02:08.000", ScriptText: "ending", Confidence: 0.9, Role: plan.RoleResolution},
	}
}

func testSummary() summarize.Summary {
	return summarize.Summary{Title: "A Trip", PlotSummary: "Plot.", MoralLesson: "Moral."}
}

func TestBuildPair(t *testing.T) {
	script, m, err := Build(testSummary(), plannedSegments(), "/data/raw_video.mp4")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if script.Title != "A Trip" || len(script.Segments) != 3 {
		t.Fatalf("script = %+v", script)
	}
	if m.SourceVideoPath != "/data/raw_video.mp4" || m.OutputVideoPath != OutputVideoName {
		t.Fatalf("manifest paths = %+v", m)
	}
	if !m.KeepOriginalAudio {
		t.Fatal("keep_original_audio must default to true")
	}
	for i, seg := range m.Segments {
		if seg.ScriptRef != script.Segments[i].SegmentID {
			t.Fatalf("manifest[%d] script_ref = %d", i, seg.ScriptRef)
		}
		if seg.Transition != "cut" {
			t.Fatalf("manifest[%d] transition = %q", i, seg.Transition)
		}
	}
}

func TestBuildEmptySegments(t *testing.T) {
	_, _, err := Build(testSummary(), nil, "/data/raw_video.mp4")
	fe, ok := fault.As(err)
	if !ok || fe.Code != "BUDGET_SEGMENTS_EMPTY" {
		t.Fatalf("err = %v", err)
	}
}

func TestValidatePasses(t *testing.T) {
	script, m, err := Build(testSummary(), plannedSegments(), "/data/raw_video.mp4")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := Validate(script, m, 300000); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateViolations(t *testing.T) {
	base := func() (Script, Manifest) {
		script, m, err := Build(testSummary(), plannedSegments(), "/data/raw_video.mp4")
		if err != nil {
			t.Fatalf("Build: %v", err)
		}
		return script, m
	}

	cases := []struct {
		name   string
		mutate func(*Script, *Manifest)
		want   string
	}{
		{
			"duplicate ids",
			func(s *Script, _ *Manifest) { s.Segments[1].SegmentID = 1 },
			"duplicate segment_id",
		},
		{
			"decreasing ids",
			func(_ *Script, m *Manifest) { m.Segments[2].SegmentID = 1 },
			"strictly increasing",
		},
		{
			"inverted range",
			func(s *Script, _ *Manifest) { s.Segments[0].SourceEnd = "00:00:00.000" },
			"source_end must be > source_start",
		},
		{
			"overlap",
			func(_ *Script, m *Manifest) { m.Segments[1].SourceStart = "00:00:04.000" },
			"overlaps previous",
		},
		{
			"dangling script_ref",
			func(_ *Script, m *Manifest) { m.Segments[0].ScriptRef = 99 },
			"script_ref=99 not found",
		},
		{
			"timestamp mismatch",
			func(_ *Script, m *Manifest) { m.Segments[0].SourceEnd = "00:00:07.000" },
			"timestamps mismatch",
		},
		{
			"beyond source duration",
			func(s *Script, m *Manifest) {
				s.Segments[2].SourceEnd = "00:10:00.000"
				m.Segments[2].SourceEnd = "00:10:00.000"
			},
			"out of source duration range",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			script, m := base()
			tc.mutate(&script, &m)
			err := Validate(script, m, 300000)
			fe, ok := fault.As(err)
			if !ok {
				t.Fatalf("err = %v", err)
			}
			if fe.Code != "MANIFEST_CONSISTENCY" || fe.Stage != StageName {
				t.Fatalf("fault = [%s] %s", fe.Stage, fe.Code)
			}
			errs := ConsistencyErrors(script, m, 300000)
			found := false
			for _, e := range errs {
				if strings.Contains(e, tc.want) {
					found = true
				}
			}
			if !found {
				t.Fatalf("errors %v missing %q", errs, tc.want)
			}
		})
	}
}

func TestEnsureKeepOriginalAudio(t *testing.T) {
	_, m, err := Build(testSummary(), plannedSegments(), "/data/raw_video.mp4")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := EnsureKeepOriginalAudio(m); err != nil {
		t.Fatalf("EnsureKeepOriginalAudio: %v", err)
	}
	m.KeepOriginalAudio = false
	fe, ok := fault.As(EnsureKeepOriginalAudio(m))
	if !ok || fe.Code != "RENDER_AUDIO_POLICY" {
		t.Fatalf("err = %+v", fe)
	}
}
