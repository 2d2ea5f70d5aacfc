package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/picteus/picteus/pkg/models"
)

// reservedAnchors are master UI anchors extensions may not open.
var reservedAnchors = map[string]bool{"imageDetail": true}

// Intent shapes are validated against fixed schemas before the gateway
// forwards anything to the master; a malformed intent is answered with an
// error and never leaves the host.
var (
	uiIntentSchema = mustIntentSchema(`{
	  "type": "object",
	  "additionalProperties": false,
	  "required": ["anchor", "url"],
	  "properties": {
	    "anchor": {"type": "string", "minLength": 1},
	    "url": {"type": "string", "minLength": 1}
	  }
	}`)
	dialogIntentSchema = mustIntentSchema(`{
	  "type": "object",
	  "additionalProperties": false,
	  "required": ["title", "buttons"],
	  "properties": {
	    "title": {"type": "string", "minLength": 1},
	    "description": {"type": "string"},
	    "buttons": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}}
	  }
	}`)
	imagesIntentSchema = mustIntentSchema(`{
	  "type": "object",
	  "additionalProperties": false,
	  "properties": {
	    "imageIds": {"type": "array", "items": {"type": "string", "minLength": 1}}
	  }
	}`)
	showIntentSchema = mustIntentSchema(`{
	  "type": "object",
	  "additionalProperties": false,
	  "required": ["entity"],
	  "properties": {
	    "entity": {"enum": ["repository", "image", "extension"]},
	    "id": {"type": "string"}
	  }
	}`)
	parametersIntentSchema = mustIntentSchema(`{
	  "type": "object",
	  "required": ["type"],
	  "properties": {
	    "type": {"const": "object"}
	  }
	}`)
)

func mustIntentSchema(src string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource("intent.json", strings.NewReader(src)); err != nil {
		panic(err)
	}
	return c.MustCompile("intent.json")
}

// validateIntent checks the single-member discriminated union and returns
// the bus-visible kind name, or an error when the shape is invalid.
func validateIntent(in *models.Intent) (string, error) {
	var kinds []string
	if in.Parameters != nil {
		kinds = append(kinds, "parameters")
	}
	if in.UI != nil {
		kinds = append(kinds, "ui")
	}
	if in.Dialog != nil {
		kinds = append(kinds, "dialog")
	}
	if in.Images != nil {
		kinds = append(kinds, "images")
	}
	if in.Show != nil {
		kinds = append(kinds, "show")
	}
	if len(kinds) != 1 {
		return "", fmt.Errorf("intent must set exactly one of parameters, ui, dialog, images, show")
	}

	switch kinds[0] {
	case "parameters":
		if err := validateShape(parametersIntentSchema, in.Parameters); err != nil {
			return "", err
		}
	case "ui":
		if err := validateShape(uiIntentSchema, in.UI); err != nil {
			return "", err
		}
		if reservedAnchors[in.UI.Anchor] {
			return "", fmt.Errorf("anchor %q is reserved", in.UI.Anchor)
		}
	case "dialog":
		if err := validateShape(dialogIntentSchema, in.Dialog); err != nil {
			return "", err
		}
	case "images":
		if err := validateShape(imagesIntentSchema, in.Images); err != nil {
			return "", err
		}
	case "show":
		if err := validateShape(showIntentSchema, in.Show); err != nil {
			return "", err
		}
	}
	return kinds[0], nil
}

// validateShape round-trips v through JSON so the schema sees the wire
// representation rather than Go structs.
func validateShape(schema *jsonschema.Schema, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("invalid intent: %v", err)
	}
	return nil
}
