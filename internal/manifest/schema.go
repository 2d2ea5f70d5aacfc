package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/picteus/picteus/internal/apperr"
)

// manifestSchema is the strict shape of manifest.json. Unknown fields are
// rejected everywhere; cross-field rules live in validate.go.
const manifestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["id", "version", "name", "description", "runtimes", "instructions", "settings"],
  "properties": {
    "id": {"type": "string", "pattern": "^[A-Za-z0-9._-]{1,32}$"},
    "version": {"type": "string", "minLength": 1},
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "runtimes": {
      "type": "array",
      "minItems": 1,
      "items": {"enum": ["node", "python", "shell"]}
    },
    "instructions": {
      "type": "array",
      "minItems": 1,
      "items": {"$ref": "#/$defs/instructions"}
    },
    "ui": {
      "type": "object",
      "additionalProperties": false,
      "required": ["elements"],
      "properties": {
        "elements": {
          "type": "array",
          "items": {
            "type": "object",
            "additionalProperties": false,
            "required": ["name", "url"],
            "properties": {
              "name": {"type": "string", "minLength": 1},
              "url": {"type": "string", "minLength": 1}
            }
          }
        }
      }
    },
    "settings": {"type": "object"},
    "icon": {"type": "string"},
    "manual": {"type": "string"}
  },
  "$defs": {
    "event": {
      "enum": [
        "process.started", "process.runCommand", "extension.settings",
        "image.created", "image.updated", "image.deleted",
        "image.computeFeatures", "image.computeEmbeddings", "image.computeTags",
        "image.runCommand", "text.computeEmbeddings"
      ]
    },
    "instructions": {
      "type": "object",
      "additionalProperties": false,
      "required": ["events", "execution"],
      "properties": {
        "events": {"type": "array", "minItems": 1, "items": {"$ref": "#/$defs/event"}},
        "capabilities": {
          "type": "array",
          "items": {"enum": ["image.features", "image.embeddings", "image.tags", "text.embeddings"]}
        },
        "throttlingPolicies": {
          "type": "array",
          "items": {
            "type": "object",
            "additionalProperties": false,
            "required": ["events", "durationMs", "maximumCount"],
            "properties": {
              "events": {"type": "array", "minItems": 1, "items": {"$ref": "#/$defs/event"}},
              "durationMs": {"type": "integer", "exclusiveMinimum": 0},
              "maximumCount": {"type": "integer", "exclusiveMinimum": 0}
            }
          }
        },
        "execution": {
          "type": "object",
          "additionalProperties": false,
          "required": ["executable"],
          "properties": {
            "executable": {"type": "string", "minLength": 1},
            "arguments": {"type": "array", "items": {"type": "string"}}
          }
        },
        "commands": {
          "type": "array",
          "items": {
            "type": "object",
            "additionalProperties": false,
            "required": ["id", "on", "specifications"],
            "properties": {
              "id": {"type": "string", "minLength": 1},
              "on": {
                "type": "object",
                "additionalProperties": false,
                "required": ["entity"],
                "properties": {
                  "entity": {"enum": ["Process", "Images", "Image"]},
                  "withTags": {"type": "array", "items": {"type": "string"}}
                }
              },
              "parameters": {"type": "object"},
              "specifications": {
                "type": "array",
                "minItems": 1,
                "items": {
                  "type": "object",
                  "additionalProperties": false,
                  "required": ["locale", "label"],
                  "properties": {
                    "locale": {"type": "string", "minLength": 2},
                    "label": {"type": "string", "minLength": 1},
                    "description": {"type": "string"}
                  }
                }
              }
            }
          }
        }
      }
    }
  }
}`

var compiledManifestSchema = mustCompile("https://picteus.schemas.local/manifest.schema.json", manifestSchema)

func mustCompile(url, schema string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		panic(err)
	}
	return c.MustCompile(url)
}

// CompileSchema compiles an extension-supplied JSON-schema (settings,
// command parameters). The map is re-marshalled so the compiler sees the
// exact document the extension shipped.
func CompileSchema(doc map[string]interface{}) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := "https://picteus.schemas.local/extension.schema.json"
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// CompileClosedSchema compiles doc with additionalProperties forced to
// false, the shape used to vet command parameters.
func CompileClosedSchema(doc map[string]interface{}) (*jsonschema.Schema, error) {
	closed := make(map[string]interface{}, len(doc)+1)
	for k, v := range doc {
		closed[k] = v
	}
	closed["additionalProperties"] = false
	return CompileSchema(closed)
}

// ValidateAgainst validates value against a compiled schema and reports
// the failure as a single descriptive message.
func ValidateAgainst(schema *jsonschema.Schema, value interface{}) error {
	if err := schema.Validate(value); err != nil {
		return apperr.BadRequest("%s", validationMessage(err))
	}
	return nil
}

// Parse validates raw manifest.json bytes against the manifest schema and
// decodes them. Cross-field checks run afterwards via Validate.
func Parse(raw []byte) (*Manifest, error) {
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, apperr.BadRequest("manifest.json is not valid JSON: %v", err)
	}
	if err := compiledManifestSchema.Validate(doc); err != nil {
		return nil, apperr.BadRequest("invalid manifest: %s", validationMessage(err))
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, apperr.BadRequest("invalid manifest: %v", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// validationMessage flattens a jsonschema validation error into the single
// most specific human-readable line.
func validationMessage(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	loc := strings.TrimPrefix(leaf.InstanceLocation, "/")
	if loc == "" {
		return leaf.Message
	}
	return fmt.Sprintf("%s: %s", strings.ReplaceAll(loc, "/", "."), leaf.Message)
}
