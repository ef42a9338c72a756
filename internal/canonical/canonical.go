// Package canonical normalizes raw transcript and caption payloads into
// sorted, type-checked records. It is the only construction path for the
// canonical types; everything downstream treats them as immutable.
package canonical

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"sumcut/internal/fault"
	"sumcut/internal/timecode"
)

// StageName is the canonical stage this package implements.
const StageName = "validate"

// EmptyText is the sentinel stored in place of blank input text so that
// downstream code never sees an empty string.
const EmptyText = "(no match)"

// Transcript is a normalized transcript span.
type Transcript struct {
	ID        string `json:"transcript_id"`
	Start     string `json:"start"`
	End       string `json:"end"`
	StartMS   int    `json:"start_ms"`
	EndMS     int    `json:"end_ms"`
	Text      string `json:"text"`
	Index     int    `json:"index"`
	EmptyText bool   `json:"is_empty_text"`
}

// Caption is a normalized visual caption.
type Caption struct {
	ID          string `json:"caption_id"`
	Timestamp   string `json:"timestamp"`
	TimestampMS int    `json:"timestamp_ms"`
	Text        string `json:"caption"`
	Index       int    `json:"index"`
	EmptyText   bool   `json:"is_empty_text"`
}

// Input is the validate stage artifact.
type Input struct {
	InputProfile     string       `json:"input_profile"`
	Transcripts      []Transcript `json:"transcripts"`
	Captions         []Caption    `json:"captions"`
	RawVideoPath     string       `json:"raw_video_path"`
	SourceDurationMS int          `json:"source_duration_ms"`
}

// Load reads and normalizes the two perception artifacts, checking the source
// video exists and is non-empty. Input defects are permanent: every failure is
// a distinct fatal code and nothing here is retried.
func Load(transcriptsPath, captionsPath, rawVideoPath, profile string) (*Input, error) {
	for _, p := range []string{transcriptsPath, captionsPath, rawVideoPath} {
		if _, err := os.Stat(p); err != nil {
			return nil, fault.Newf(StageName, "SCHEMA_INPUT_MISSING_FILE", "missing file: %s", p)
		}
	}
	st, err := os.Stat(rawVideoPath)
	if err != nil || st.Size() <= 0 {
		return nil, fault.New(StageName, "TIME_SOURCE_VIDEO_INVALID", "source video must have size > 0")
	}

	switch profile {
	case "strict_contract_v1", "legacy_member1":
	default:
		return nil, fault.Newf(StageName, "SCHEMA_INPUT_PROFILE_UNSUPPORTED", "unsupported profile: %s", profile)
	}

	transcriptsRaw, err := os.ReadFile(transcriptsPath)
	if err != nil {
		return nil, fault.Wrap(StageName, "SCHEMA_INPUT_MISSING_FILE", transcriptsPath, err)
	}
	captionsRaw, err := os.ReadFile(captionsPath)
	if err != nil {
		return nil, fault.Wrap(StageName, "SCHEMA_INPUT_MISSING_FILE", captionsPath, err)
	}

	var transcripts []Transcript
	if profile == "strict_contract_v1" {
		transcripts, err = normalizeStrictTranscripts(transcriptsRaw)
	} else {
		transcripts, err = normalizeLegacyTranscripts(transcriptsRaw)
	}
	if err != nil {
		return nil, err
	}
	captions, err := normalizeCaptions(captionsRaw)
	if err != nil {
		return nil, err
	}

	return &Input{
		InputProfile: profile,
		Transcripts:  transcripts,
		Captions:     captions,
		RawVideoPath: rawVideoPath,
	}, nil
}

func normalizeStrictTranscripts(raw []byte) ([]Transcript, error) {
	var items []map[string]any
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fault.New(StageName, "SCHEMA_INPUT_TRANSCRIPT_TYPE", "audio_transcripts must be an array of objects")
	}

	out := make([]Transcript, 0, len(items))
	for i, item := range items {
		idx := i + 1
		if item == nil {
			return nil, fault.Newf(StageName, "SCHEMA_INPUT_TRANSCRIPT_ITEM_TYPE", "item %d must be an object", idx)
		}
		start, okS := item["start"].(string)
		end, okE := item["end"].(string)
		if !okS || !okE {
			return nil, fault.Newf(StageName, "SCHEMA_INPUT_TRANSCRIPT_FIELD_TYPE", "item %d start/end must be string", idx)
		}
		startMS, err := timecode.ToMS(start)
		if err != nil {
			return nil, fault.Newf(StageName, "TIME_PARSE_TRANSCRIPT_TIMESTAMP", "item %d: %v", idx, err)
		}
		endMS, err := timecode.ToMS(end)
		if err != nil {
			return nil, fault.Newf(StageName, "TIME_PARSE_TRANSCRIPT_TIMESTAMP", "item %d: %v", idx, err)
		}
		if endMS <= startMS {
			return nil, fault.Newf(StageName, "TIME_ORDER_TRANSCRIPT", "item %d must satisfy start < end", idx)
		}
		out = append(out, buildTranscript(item, idx, startMS, endMS))
	}
	sortTranscripts(out)
	return out, nil
}

func normalizeLegacyTranscripts(raw []byte) ([]Transcript, error) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fault.New(StageName, "SCHEMA_INPUT_TRANSCRIPT_TYPE", "legacy transcript payload must be an object")
	}
	segmentsRaw, ok := payload["segments"]
	if !ok {
		return nil, fault.New(StageName, "SCHEMA_INPUT_TRANSCRIPT_SEGMENTS", "legacy transcript payload must contain segments[]")
	}
	var items []map[string]any
	if err := json.Unmarshal(segmentsRaw, &items); err != nil {
		return nil, fault.New(StageName, "SCHEMA_INPUT_TRANSCRIPT_SEGMENTS", "legacy segments must be an array of objects")
	}

	out := make([]Transcript, 0, len(items))
	for i, item := range items {
		idx := i + 1
		if item == nil {
			return nil, fault.Newf(StageName, "SCHEMA_INPUT_TRANSCRIPT_ITEM_TYPE", "legacy segment %d must be an object", idx)
		}
		startMS, err := legacyTimeToMS(item["start"], fmt.Sprintf("segments[%d].start", idx))
		if err != nil {
			return nil, err
		}
		endMS, err := legacyTimeToMS(item["end"], fmt.Sprintf("segments[%d].end", idx))
		if err != nil {
			return nil, err
		}
		if endMS <= startMS {
			return nil, fault.Newf(StageName, "TIME_ORDER_TRANSCRIPT", "legacy segment %d must satisfy start < end", idx)
		}
		out = append(out, buildTranscript(item, idx, startMS, endMS))
	}
	sortTranscripts(out)
	return out, nil
}

func legacyTimeToMS(value any, field string) (int, error) {
	switch v := value.(type) {
	case float64:
		if v < 0 {
			return 0, fault.Newf(StageName, "TIME_NEGATIVE_VALUE", "%s must be >= 0", field)
		}
		return int(v*1000 + 0.5), nil
	case string:
		ms, err := timecode.ToMS(v)
		if err != nil {
			return 0, fault.Newf(StageName, "TIME_PARSE_TRANSCRIPT_TIMESTAMP", "%s: %v", field, err)
		}
		return ms, nil
	default:
		return 0, fault.Newf(StageName, "SCHEMA_INPUT_TRANSCRIPT_FIELD_TYPE", "%s must be float seconds or timestamp string", field)
	}
}

func buildTranscript(item map[string]any, idx, startMS, endMS int) Transcript {
	text, isEmpty := sentinelText(item["text"])
	id, _ := item["transcript_id"].(string)
	if id == "" {
		id = fmt.Sprintf("t_%04d", idx)
	}
	return Transcript{
		ID:        id,
		Start:     timecode.FromMS(startMS),
		End:       timecode.FromMS(endMS),
		StartMS:   startMS,
		EndMS:     endMS,
		Text:      text,
		Index:     idx - 1,
		EmptyText: isEmpty,
	}
}

func normalizeCaptions(raw []byte) ([]Caption, error) {
	var items []map[string]any
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fault.New(StageName, "SCHEMA_INPUT_CAPTION_TYPE", "visual_captions must be an array of objects")
	}

	out := make([]Caption, 0, len(items))
	for i, item := range items {
		idx := i + 1
		if item == nil {
			return nil, fault.Newf(StageName, "SCHEMA_INPUT_CAPTION_ITEM_TYPE", "caption %d must be an object", idx)
		}
		timestamp, ok := item["timestamp"].(string)
		if !ok {
			return nil, fault.Newf(StageName, "SCHEMA_INPUT_CAPTION_FIELD_TYPE", "caption %d timestamp must be string", idx)
		}
		tsMS, err := timecode.ToMS(timestamp)
		if err != nil {
			return nil, fault.Newf(StageName, "TIME_PARSE_CAPTION_TIMESTAMP", "caption %d: %v", idx, err)
		}
		text, isEmpty := sentinelText(item["caption"])
		id, _ := item["caption_id"].(string)
		if id == "" {
			id = fmt.Sprintf("c_%04d", idx)
		}
		out = append(out, Caption{
			ID:          id,
			Timestamp:   timecode.FromMS(tsMS),
			TimestampMS: tsMS,
			Text:        text,
			Index:       idx - 1,
			EmptyText:   isEmpty,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TimestampMS != out[j].TimestampMS {
			return out[i].TimestampMS < out[j].TimestampMS
		}
		return out[i].Index < out[j].Index
	})
	return out, nil
}

func sortTranscripts(out []Transcript) {
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StartMS != out[j].StartMS {
			return out[i].StartMS < out[j].StartMS
		}
		return out[i].Index < out[j].Index
	})
}

func sentinelText(value any) (string, bool) {
	s, _ := value.(string)
	s = strings.TrimSpace(s)
	if s == "" {
		return EmptyText, true
	}
	return s, false
}
