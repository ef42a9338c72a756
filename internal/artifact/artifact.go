// Package artifact writes and reads the per-stage JSON artifacts, gating
// every write and every replay load behind its JSON schema.
package artifact

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"sumcut/internal/fault"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

// Kind selects the schema an artifact is validated against.
type Kind string

const (
	KindAlignmentResult Kind = "alignment_result"
	KindSummaryInternal Kind = "summary_internal"
	KindSummaryScript   Kind = "summary_script"
	KindSummaryManifest Kind = "summary_video_manifest"
	KindQualityReport   Kind = "quality_report"
)

type kindSpec struct {
	file  string
	stage string
	code  string
}

var kindSpecs = map[Kind]kindSpec{
	KindAlignmentResult: {"alignment_result.schema.json", "align", "SCHEMA_ALIGNMENT_RESULT"},
	KindSummaryInternal: {"summary_internal.schema.json", "summarize", "SCHEMA_SUMMARY_INTERNAL"},
	KindSummaryScript:   {"summary_script.schema.json", "segment_plan", "SCHEMA_SUMMARY_SCRIPT"},
	KindSummaryManifest: {"summary_video_manifest.schema.json", "segment_plan", "SCHEMA_SUMMARY_MANIFEST"},
	KindQualityReport:   {"quality_report.schema.json", "qc", "SCHEMA_QUALITY_REPORT"},
}

var schemas = mustCompileAll()

func mustCompileAll() map[Kind]*jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	out := make(map[Kind]*jsonschema.Schema, len(kindSpecs))
	for kind, spec := range kindSpecs {
		raw, err := schemaFS.ReadFile("schemas/" + spec.file)
		if err != nil {
			panic(fmt.Sprintf("artifact: missing embedded schema %s: %v", spec.file, err))
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			panic(fmt.Sprintf("artifact: malformed embedded schema %s: %v", spec.file, err))
		}
		if err := compiler.AddResource(spec.file, doc); err != nil {
			panic(fmt.Sprintf("artifact: schema resource %s: %v", spec.file, err))
		}
		sch, err := compiler.Compile(spec.file)
		if err != nil {
			panic(fmt.Sprintf("artifact: compile schema %s: %v", spec.file, err))
		}
		out[kind] = sch
	}
	return out
}

// Validate checks payload against the schema for kind.
func Validate(kind Kind, payload any) error {
	spec, ok := kindSpecs[kind]
	if !ok {
		return fmt.Errorf("artifact: unknown kind %q", kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fault.Wrap(spec.stage, spec.code, "artifact not serializable", err)
	}
	return validateRaw(kind, raw)
}

func validateRaw(kind Kind, raw []byte) error {
	spec := kindSpecs[kind]
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fault.Wrap(spec.stage, spec.code, "artifact is not valid JSON", err)
	}
	if err := schemas[kind].Validate(inst); err != nil {
		return fault.Wrap(spec.stage, spec.code, "artifact failed schema validation", err)
	}
	return nil
}

// WriteJSON validates payload and persists it as indented JSON, creating
// parent directories as needed.
func WriteJSON(path string, kind Kind, payload any) error {
	if err := Validate(kind, payload); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		spec := kindSpecs[kind]
		return fault.Wrap(spec.stage, spec.code, "artifact not serializable", err)
	}
	raw = append(raw, '\n')
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

// WritePlainJSON persists a payload that has no schema (stage metadata,
// run bookkeeping).
func WritePlainJSON(path string, payload any) error {
	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	raw = append(raw, '\n')
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

// ReadJSON loads path, re-validates it against kind's schema and decodes
// it into out. Used by replay so stale or hand-edited artifacts are
// recomputed instead of trusted.
func ReadJSON(path string, kind Kind, out any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := validateRaw(kind, raw); err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// ReadPlainJSON loads a schema-less JSON file.
func ReadPlainJSON(path string, out any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
