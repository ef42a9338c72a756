package align

import (
	"math/rand"
	"reflect"
	"sort"
	"testing"

	"sumcut/internal/canonical"
	"sumcut/internal/timecode"
)

func tr(id string, startMS, endMS int, text string, index int) canonical.Transcript {
	return canonical.Transcript{
		ID:      id,
		Start:   timecode.FromMS(startMS),
		End:     timecode.FromMS(endMS),
		StartMS: startMS,
		EndMS:   endMS,
		Text:    text,
		Index:   index,
	}
}

func cap(id string, tsMS int, text string, index int) canonical.Caption {
	return canonical.Caption{
		ID:          id,
		Timestamp:   timecode.FromMS(tsMS),
		TimestampMS: tsMS,
		Text:        text,
		Index:       index,
	}
}

var defaultOpts = Options{K: 1.2, MinDeltaMS: 1500, MaxDeltaMS: 6000}

func TestRun_ContainmentScenario(t *testing.T) {
	transcripts := []canonical.Transcript{
		tr("t_0001", 0, 2000, "a", 0),
		tr("t_0002", 2000, 4000, "b", 1),
		tr("t_0003", 4000, 6000, "c", 2),
	}
	captions := []canonical.Caption{
		cap("c_0001", 500, "x", 0),
		cap("c_0002", 2500, "y", 1),
		cap("c_0003", 4500, "z", 2),
	}

	res := Run(transcripts, captions, defaultOpts)
	if res.DeltaMS != 2400 {
		t.Fatalf("delta = %d, want 2400", res.DeltaMS)
	}
	wantIDs := []string{"t_0001", "t_0002", "t_0003"}
	for i, b := range res.Blocks {
		if b.FallbackType != FallbackContainment {
			t.Fatalf("block %d fallback = %s", i, b.FallbackType)
		}
		if !reflect.DeepEqual(b.MatchedTranscriptIDs, []string{wantIDs[i]}) {
			t.Fatalf("block %d matched %v", i, b.MatchedTranscriptIDs)
		}
		if b.Confidence < 0.45 {
			t.Fatalf("block %d confidence = %v", i, b.Confidence)
		}
	}
}

func TestRun_NoTranscripts(t *testing.T) {
	res := Run(nil, []canonical.Caption{cap("c_0001", 1000, "x", 0)}, defaultOpts)
	if len(res.Blocks) != 1 {
		t.Fatalf("blocks = %d", len(res.Blocks))
	}
	b := res.Blocks[0]
	if b.FallbackType != FallbackNoMatch {
		t.Fatalf("fallback = %s", b.FallbackType)
	}
	if b.DialogueText != canonical.EmptyText {
		t.Fatalf("dialogue = %q", b.DialogueText)
	}
	if b.Confidence != 0 {
		t.Fatalf("confidence = %v", b.Confidence)
	}
	if len(b.MatchedTranscriptIDs) != 0 {
		t.Fatalf("matched = %v", b.MatchedTranscriptIDs)
	}
}

func TestRun_EmptyCaptions(t *testing.T) {
	res := Run([]canonical.Transcript{tr("t_0001", 0, 1000, "a", 0)}, nil, defaultOpts)
	if len(res.Blocks) != 0 {
		t.Fatalf("expected empty blocks, got %d", len(res.Blocks))
	}
}

func TestRun_TieBreakEarliestStartThenIndex(t *testing.T) {
	// Both spans contain the caption timestamp at equal distance; the one
	// with the earlier start must win.
	transcripts := []canonical.Transcript{
		tr("early", 0, 2000, "early text", 0),
		tr("late", 1000, 3000, "late text", 1),
	}
	res := Run(transcripts, []canonical.Caption{cap("c", 1500, "x", 0)}, defaultOpts)
	if got := res.Blocks[0].MatchedTranscriptIDs[0]; got != "early" {
		t.Fatalf("tie-break picked %q, want early", got)
	}

	// Identical spans: original input order decides.
	transcripts = []canonical.Transcript{
		tr("first", 0, 2000, "a", 0),
		tr("second", 0, 2000, "b", 1),
	}
	res = Run(transcripts, []canonical.Caption{cap("c", 1000, "x", 0)}, defaultOpts)
	if got := res.Blocks[0].MatchedTranscriptIDs[0]; got != "first" {
		t.Fatalf("index tie-break picked %q, want first", got)
	}
}

func TestRun_ContainmentBeatsCloserNearest(t *testing.T) {
	transcripts := []canonical.Transcript{
		tr("inside", 0, 6000, "containment", 0),
		tr("near", 5500, 9000, "nearest", 1),
	}
	// The caption sits inside "inside" 2900ms from its nearest edge, while
	// "near" is only 2600ms away; rank 0 must still win.
	res := Run(transcripts, []canonical.Caption{cap("c", 2900, "x", 0)}, defaultOpts)
	b := res.Blocks[0]
	if b.FallbackType != FallbackContainment || b.MatchedTranscriptIDs[0] != "inside" {
		t.Fatalf("rank ordering broken: %+v", b)
	}
}

func TestRun_NearestWithinDelta(t *testing.T) {
	transcripts := []canonical.Transcript{tr("t", 10000, 12000, "far", 0)}
	opts := Options{K: 1.2, MinDeltaMS: 1500, MaxDeltaMS: 6000}
	// duration median 2000 -> delta 2400; caption at 8000 is 2000 from start.
	res := Run(transcripts, []canonical.Caption{cap("c", 8000, "x", 0)}, opts)
	b := res.Blocks[0]
	if b.FallbackType != FallbackNearest {
		t.Fatalf("fallback = %s", b.FallbackType)
	}
	want := Confidence(FallbackNearest, 2000, 2400)
	if b.Confidence != want {
		t.Fatalf("confidence = %v, want %v", b.Confidence, want)
	}

	// Beyond delta on both sides: no match.
	res = Run(transcripts, []canonical.Caption{cap("c", 5000, "x", 0)}, opts)
	if res.Blocks[0].FallbackType != FallbackNoMatch {
		t.Fatalf("expected no_match, got %+v", res.Blocks[0])
	}
}

func TestRun_DeterministicUnderInputShuffle(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	var transcripts []canonical.Transcript
	for i := 0; i < 40; i++ {
		start := rng.Intn(60000)
		transcripts = append(transcripts, tr("", start, start+500+rng.Intn(3000), "txt", i))
	}
	var captions []canonical.Caption
	for i := 0; i < 25; i++ {
		captions = append(captions, cap("", rng.Intn(70000), "img", i))
	}
	sortCanonical := func(ts []canonical.Transcript, cs []canonical.Caption) ([]canonical.Transcript, []canonical.Caption) {
		tsc := append([]canonical.Transcript(nil), ts...)
		csc := append([]canonical.Caption(nil), cs...)
		sort.SliceStable(tsc, func(i, j int) bool {
			if tsc[i].StartMS != tsc[j].StartMS {
				return tsc[i].StartMS < tsc[j].StartMS
			}
			return tsc[i].Index < tsc[j].Index
		})
		sort.SliceStable(csc, func(i, j int) bool {
			if csc[i].TimestampMS != csc[j].TimestampMS {
				return csc[i].TimestampMS < csc[j].TimestampMS
			}
			return csc[i].Index < csc[j].Index
		})
		return tsc, csc
	}

	ts1, cs1 := sortCanonical(transcripts, captions)
	first := Run(ts1, cs1, defaultOpts)

	rng.Shuffle(len(transcripts), func(i, j int) { transcripts[i], transcripts[j] = transcripts[j], transcripts[i] })
	rng.Shuffle(len(captions), func(i, j int) { captions[i], captions[j] = captions[j], captions[i] })
	ts2, cs2 := sortCanonical(transcripts, captions)
	second := Run(ts2, cs2, defaultOpts)

	if !reflect.DeepEqual(first, second) {
		t.Fatal("alignment is not deterministic after canonical re-sort")
	}
}

func TestConfidence_Bounds(t *testing.T) {
	if got := Confidence(FallbackNoMatch, 0, 2400); got != 0 {
		t.Fatalf("no_match confidence = %v", got)
	}
	if got := Confidence(FallbackContainment, 0, 2400); got != 0.9 {
		t.Fatalf("zero-distance containment = %v, want 0.9", got)
	}
	if got := Confidence(FallbackNearest, 2400, 2400); got != 0 {
		t.Fatalf("edge nearest = %v, want 0", got)
	}
	for dist := 0; dist <= 3000; dist += 100 {
		for _, fb := range []string{FallbackContainment, FallbackNearest} {
			c := Confidence(fb, dist, 2400)
			if c < 0 || c > 1 {
				t.Fatalf("confidence out of range: %v (%s dist=%d)", c, fb, dist)
			}
		}
	}
}

func TestConfidenceBucket(t *testing.T) {
	tests := map[float64]string{0.80: "high", 0.75: "high", 0.60: "medium", 0.45: "medium", 0.44: "low", 0: "low"}
	for v, want := range tests {
		if got := ConfidenceBucket(v); got != want {
			t.Fatalf("bucket(%v) = %s, want %s", v, got, want)
		}
	}
}

func TestBuildContextBlocks(t *testing.T) {
	blocks := []Block{{
		CaptionID:            "c_0001",
		Timestamp:            "00:00:00.500",
		ImageText:            "a dog",
		DialogueText:         "woof",
		MatchedTranscriptIDs: []string{"t_0001"},
		FallbackType:         FallbackContainment,
		Confidence:           0.8,
	}}
	out := BuildContextBlocks(blocks)
	if len(out) != 1 {
		t.Fatalf("len = %d", len(out))
	}
	want := "[Image @00:00:00.500]: a dog\n[Dialogue]: woof"
	if out[0].ContextText != want {
		t.Fatalf("context text = %q", out[0].ContextText)
	}
	if out[0].Confidence != 0.8 || out[0].FallbackType != FallbackContainment {
		t.Fatalf("fields not carried: %+v", out[0])
	}
}
