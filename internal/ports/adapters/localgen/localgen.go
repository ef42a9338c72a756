// Package localgen is a deterministic extractive generator. It reads the
// caption/dialogue lines back out of the prompt and composes a summary
// without any model call, so runs stay reproducible offline.
package localgen

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"sumcut/internal/canonical"
	"sumcut/internal/ports"
	"sumcut/internal/summarize"
)

const (
	imagePrefix    = "[Image @"
	dialoguePrefix = "[Dialogue]: "
)

type Generator struct{}

func New() *Generator { return &Generator{} }

func (g *Generator) Name() string { return "local" }

func (g *Generator) Generate(_ context.Context, prompt string, _ ports.GenerationParams) (string, error) {
	timestamps, images, dialogues := parsePrompt(prompt)
	if len(timestamps) == 0 && len(images) == 0 && len(dialogues) == 0 {
		return marshal(summarize.NeutralSummary())
	}

	sampleImage := "Unclear frame"
	for _, img := range images {
		if img != "" && img != canonical.EmptyText {
			sampleImage = img
			break
		}
	}
	sampleDialogue := canonical.EmptyText
	hasNoMatch := false
	for _, d := range dialogues {
		if d == canonical.EmptyText {
			hasNoMatch = true
			continue
		}
		if d != "" && sampleDialogue == canonical.EmptyText {
			sampleDialogue = d
		}
	}

	flags := []string{}
	if hasNoMatch {
		flags = append(flags, summarize.FlagHasNoMatch)
	}

	var evidence []summarize.Evidence
	if len(timestamps) > 0 {
		unique := dedupe(timestamps)
		sort.Strings(unique)
		if len(unique) > 3 {
			unique = unique[:3]
		}
		evidence = append(evidence, summarize.Evidence{
			Claim:      "Summary grounded in the aligned scene captions and dialogue.",
			Timestamps: unique,
		})
	}

	return marshal(summarize.Summary{
		SchemaVersion: summarize.SchemaVersion,
		Title:         summarize.DefaultTitle,
		PlotSummary: "The content unfolds in chronological order; the key visual is '" +
			sampleImage + "' and the standout dialogue is '" + sampleDialogue + "'.",
		MoralLesson:  "The message follows from the events shown in the video.",
		Evidence:     evidence,
		QualityFlags: flags,
	})
}

func parsePrompt(prompt string) (timestamps, images, dialogues []string) {
	for _, raw := range strings.Split(prompt, "\n") {
		line := strings.TrimSpace(raw)
		switch {
		case strings.HasPrefix(line, imagePrefix):
			rest := line[len(imagePrefix):]
			end := strings.Index(rest, "]: ")
			if end < 0 {
				continue
			}
			if ts := strings.TrimSpace(rest[:end]); ts != "" {
				timestamps = append(timestamps, ts)
			}
			images = append(images, strings.TrimSpace(rest[end+len("]: "):]))
		case strings.HasPrefix(line, dialoguePrefix):
			dialogues = append(dialogues, strings.TrimSpace(line[len(dialoguePrefix):]))
		}
	}
	return timestamps, images, dialogues
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func marshal(s summarize.Summary) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
