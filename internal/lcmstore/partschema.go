package lcmstore

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// partSchemas holds one compiled JSON Schema per part type that carries
// structured metadata. Types not listed here (text, reasoning, ...) are
// accepted with any object body. Adapted from engine.StructuredValidator's
// compile-once-validate-many shape (internal/engine/structured.go).
var partSchemas = map[PartType]string{
	PartTypeTool: `{
		"type": "object",
		"required": ["name"],
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"input": {},
			"output": {},
			"error": {"type": "string"}
		}
	}`,
	PartTypePatch: `{
		"type": "object",
		"required": ["path"],
		"properties": {
			"path": {"type": "string", "minLength": 1},
			"diff": {"type": "string"},
			"op": {"type": "string", "enum": ["create", "modify", "delete"]}
		}
	}`,
	PartTypeFile: `{
		"type": "object",
		"required": ["file_id"],
		"properties": {
			"file_id": {"type": "string", "pattern": "^file_[0-9a-f]+$"},
			"name": {"type": "string"},
			"mime": {"type": "string"},
			"byte_size": {"type": "integer", "minimum": 0}
		}
	}`,
	PartTypeCompaction: `{
		"type": "object",
		"required": ["conversation_id", "pass", "level"],
		"properties": {
			"conversation_id": {"type": "string"},
			"pass": {"type": "string", "enum": ["leaf", "condensed"]},
			"level": {"type": "string", "enum": ["normal", "aggressive", "fallback"]},
			"tokens_before": {"type": "integer"},
			"tokens_after": {"type": "integer"},
			"created_summary_id": {"type": "string"},
			"created_summary_ids": {"type": "array", "items": {"type": "string"}},
			"condensed_pass_occurred": {"type": "boolean"}
		}
	}`,
}

var (
	compiledSchemas   = map[PartType]*jsonschema.Schema{}
	compiledSchemasMu sync.Mutex
)

func compiledSchemaFor(pt PartType) (*jsonschema.Schema, error) {
	compiledSchemasMu.Lock()
	defer compiledSchemasMu.Unlock()

	if sc, ok := compiledSchemas[pt]; ok {
		return sc, nil
	}
	raw, ok := partSchemas[pt]
	if !ok {
		return nil, nil
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema for %s: %w", pt, err)
	}
	c := jsonschema.NewCompiler()
	resourceName := "part-" + string(pt) + ".json"
	if err := c.AddResource(resourceName, doc); err != nil {
		return nil, fmt.Errorf("add schema resource for %s: %w", pt, err)
	}
	schema, err := c.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", pt, err)
	}
	compiledSchemas[pt] = schema
	return schema, nil
}

// ValidatePartMetadata validates metadataJSON against the schema (if any)
// registered for partType. Part types with no registered schema (text,
// reasoning, subtask, step_start, step_finish, snapshot, agent, retry)
// accept any well-formed JSON object, preserving opaque variants
// losslessly as spec.md §9 requires.
func ValidatePartMetadata(partType PartType, metadataJSON string) error {
	schema, err := compiledSchemaFor(partType)
	if err != nil {
		return err
	}
	if schema == nil {
		var v any
		if _, err := jsonschema.UnmarshalJSON(strings.NewReader(metadataJSON)); err != nil {
			return fmt.Errorf("invalid metadata json: %w", err)
		}
		_ = v
		return nil
	}

	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(metadataJSON))
	if err != nil {
		return fmt.Errorf("invalid metadata json: %w", err)
	}
	if err := schema.Validate(parsed); err != nil {
		return fmt.Errorf("schema validation failed for %s: %w", partType, err)
	}
	return nil
}
