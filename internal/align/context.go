package align

import "fmt"

// ContextStageName is the canonical stage the context builder implements.
const ContextStageName = "context_build"

// ContextBlock is the flat text view of an alignment block consumed by the
// summarizer and the segment planner. All alignment fields are carried for
// audit; confidence is forwarded for prioritization.
type ContextBlock struct {
	CaptionID            string   `json:"caption_id"`
	Timestamp            string   `json:"timestamp"`
	ContextText          string   `json:"context_text"`
	ImageText            string   `json:"image_text"`
	DialogueText         string   `json:"dialogue_text"`
	MatchedTranscriptIDs []string `json:"matched_transcript_ids"`
	FallbackType         string   `json:"fallback_type"`
	Confidence           float64  `json:"confidence"`
}

// BuildContextBlocks is a pure transform from alignment blocks to context
// blocks. Malformed input is a contract violation upstream, not re-validated.
func BuildContextBlocks(blocks []Block) []ContextBlock {
	out := make([]ContextBlock, 0, len(blocks))
	for _, b := range blocks {
		imageLine := fmt.Sprintf("[Image @%s]: %s", b.Timestamp, b.ImageText)
		dialogueLine := fmt.Sprintf("[Dialogue]: %s", b.DialogueText)
		out = append(out, ContextBlock{
			CaptionID:            b.CaptionID,
			Timestamp:            b.Timestamp,
			ContextText:          imageLine + "\n" + dialogueLine,
			ImageText:            b.ImageText,
			DialogueText:         b.DialogueText,
			MatchedTranscriptIDs: b.MatchedTranscriptIDs,
			FallbackType:         b.FallbackType,
			Confidence:           b.Confidence,
		})
	}
	return out
}
