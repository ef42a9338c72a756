// Package align maps each visual caption to the best transcript span inside
// an adaptively sized window and scores the match.
package align

import (
	"math"
	"sort"

	"sumcut/internal/canonical"
)

// StageName is the canonical stage this package implements.
const StageName = "align"

// Fallback types, ordered by rank: containment beats nearest beats no_match.
const (
	FallbackContainment = "containment"
	FallbackNearest     = "nearest"
	FallbackNoMatch     = "no_match"
)

// Block is the per-caption alignment output.
type Block struct {
	CaptionID            string   `json:"caption_id"`
	Timestamp            string   `json:"timestamp"`
	ImageText            string   `json:"image_text"`
	DialogueText         string   `json:"dialogue_text"`
	MatchedTranscriptIDs []string `json:"matched_transcript_ids"`
	FallbackType         string   `json:"fallback_type"`
	Confidence           float64  `json:"confidence"`
}

// Result is the align stage artifact.
type Result struct {
	SchemaVersion string  `json:"schema_version"`
	DeltaMS       int     `json:"delta_ms"`
	Blocks        []Block `json:"blocks"`
}

// Options bound the adaptive window.
type Options struct {
	K          float64
	MinDeltaMS int
	MaxDeltaMS int
}

// AdaptiveDeltaMS returns clamp(k * median(transcript durations), min, max).
// An empty transcript list yields the minimum.
func AdaptiveDeltaMS(transcripts []canonical.Transcript, opts Options) int {
	if len(transcripts) == 0 {
		return opts.MinDeltaMS
	}
	durations := make([]int, 0, len(transcripts))
	for _, tr := range transcripts {
		d := tr.EndMS - tr.StartMS
		if d < 1 {
			d = 1
		}
		durations = append(durations, d)
	}
	sort.Ints(durations)
	var median float64
	n := len(durations)
	if n%2 == 1 {
		median = float64(durations[n/2])
	} else {
		median = float64(durations[n/2-1]+durations[n/2]) / 2
	}
	raw := int(math.Round(opts.K * median))
	if raw < opts.MinDeltaMS {
		return opts.MinDeltaMS
	}
	if raw > opts.MaxDeltaMS {
		return opts.MaxDeltaMS
	}
	return raw
}

// Run aligns captions against transcripts. Both inputs must already be in
// canonical sort order; caption timestamps advance monotonically, so the
// candidate window is maintained with two pointers and total cost stays
// near-linear in captions+transcripts.
func Run(transcripts []canonical.Transcript, captions []canonical.Caption, opts Options) Result {
	delta := AdaptiveDeltaMS(transcripts, opts)
	blocks := make([]Block, 0, len(captions))

	lo := 0
	hi := 0
	for _, cap := range captions {
		t := cap.TimestampMS

		// Transcripts ending before t-delta can never match this caption
		// or any later one.
		for lo < len(transcripts) && transcripts[lo].EndMS < t-delta {
			lo++
		}
		// Extend the right edge to cover every span starting at or before
		// t+delta; spans beyond that are too far to be nearest and start
		// after t, so containment is impossible too.
		if hi < lo {
			hi = lo
		}
		for hi < len(transcripts) && transcripts[hi].StartMS <= t+delta {
			hi++
		}

		best := -1
		bestRank, bestDist := 0, 0
		for i := lo; i < hi; i++ {
			tr := transcripts[i]
			if tr.EndMS < t-delta {
				continue
			}
			dist := t - tr.StartMS
			if d := tr.EndMS - t; absInt(d) < absInt(dist) {
				dist = d
			}
			dist = absInt(dist)

			var rank int
			switch {
			case tr.StartMS <= t && t <= tr.EndMS:
				rank = 0
			case dist <= delta:
				rank = 1
			default:
				continue
			}
			// Pick by (rank, distance, start_ms, index) ascending. The scan
			// visits transcripts in (start_ms, index) order, so a strict
			// improvement check preserves the full tie-break law.
			if best == -1 || rank < bestRank || (rank == bestRank && dist < bestDist) {
				best = i
				bestRank = rank
				bestDist = dist
			}
		}

		if best == -1 {
			blocks = append(blocks, Block{
				CaptionID:            cap.ID,
				Timestamp:            cap.Timestamp,
				ImageText:            cap.Text,
				DialogueText:         canonical.EmptyText,
				MatchedTranscriptIDs: []string{},
				FallbackType:         FallbackNoMatch,
				Confidence:           0,
			})
			continue
		}

		tr := transcripts[best]
		fallback := FallbackContainment
		if bestRank == 1 {
			fallback = FallbackNearest
		}
		blocks = append(blocks, Block{
			CaptionID:            cap.ID,
			Timestamp:            cap.Timestamp,
			ImageText:            cap.Text,
			DialogueText:         tr.Text,
			MatchedTranscriptIDs: []string{tr.ID},
			FallbackType:         fallback,
			Confidence:           Confidence(fallback, bestDist, delta),
		})
	}

	return Result{SchemaVersion: "1.1", DeltaMS: delta, Blocks: blocks}
}

// Confidence scores a match in [0,1], rounded to 6 decimals.
// no_match is always exactly 0.
func Confidence(fallbackType string, distanceMS, deltaMS int) float64 {
	if fallbackType == FallbackNoMatch || deltaMS <= 0 {
		return 0
	}
	score := 0.45 * math.Max(0, 1-float64(distanceMS)/float64(deltaMS))
	if fallbackType == FallbackContainment {
		score += 0.45
	}
	score = math.Round(score*1e6) / 1e6
	return math.Min(1, math.Max(0, score))
}

// ConfidenceBucket classifies a confidence value.
func ConfidenceBucket(value float64) string {
	switch {
	case value >= 0.75:
		return "high"
	case value >= 0.45:
		return "medium"
	default:
		return "low"
	}
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
