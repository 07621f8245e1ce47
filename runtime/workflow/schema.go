package workflow

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// documentSchema is the JSON Schema enforced on compiled workflow documents
// before decoding. It checks the structural envelope and the discriminators;
// referential integrity (targets, agents, rubrics) is checked by Validate.
const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "version", "agents", "nodes", "startNode"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "version": {"type": "string"},
    "metadata": {"type": "object", "additionalProperties": {"type": "string"}},
    "agents": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["id"],
        "properties": {"id": {"type": "string", "minLength": 1}}
      }
    },
    "nodes": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {
        "type": "object",
        "required": ["id", "nodeType"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "nodeType": {
            "enum": ["STANDARD", "PARALLEL", "FORK", "JOIN", "GENERIC", "ACTION", "END"]
          },
          "transitions": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["type"],
              "properties": {
                "type": {
                  "enum": ["success", "failure", "score", "consensus", "noConsensus", "complete"]
                }
              }
            }
          },
          "actions": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["type"],
              "properties": {"type": {"enum": ["send", "execute"]}}
            }
          }
        }
      }
    },
    "startNode": {"type": "string", "minLength": 1},
    "rubrics": {"type": "object"}
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func compiledDocumentSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		var doc any
		if err := json.Unmarshal([]byte(documentSchema), &doc); err != nil {
			schemaErr = fmt.Errorf("unmarshal workflow schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("workflow.json", doc); err != nil {
			schemaErr = fmt.Errorf("add workflow schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile("workflow.json")
	})
	return compiledSchema, schemaErr
}

// Parse validates data against the workflow document schema, decodes it, and
// checks referential integrity. It is the single entry point for accepting
// compiled workflow definitions from the outside.
func Parse(data []byte) (*Workflow, error) {
	schema, err := compiledDocumentSchema()
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal workflow: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("workflow document invalid: %w", err)
	}
	var w Workflow
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &w, nil
}
