package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const startSessionSchemaURL = "https://medsecure.schemas.local/start-session.schema.json"

const startSessionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "identifier":   {"type": "string", "minLength": 1, "maxLength": 256},
    "manual_entry": {"type": "string", "minLength": 1, "maxLength": 256},
    "image_base64": {"type": "string", "contentEncoding": "base64"},
    "caller_id":    {"type": "string", "maxLength": 128}
  },
  "anyOf": [
    {"required": ["identifier"]},
    {"required": ["manual_entry"]}
  ],
  "additionalProperties": false
}`

type startSessionBody struct {
	Identifier  string `json:"identifier"`
	ManualEntry string `json:"manual_entry"`
	ImageBase64 string `json:"image_base64"`
	CallerID    string `json:"caller_id"`
}

type requestValidator struct {
	startSession *jsonschema.Schema
}

func newRequestValidator() (*requestValidator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(startSessionSchemaURL, strings.NewReader(startSessionSchema)); err != nil {
		return nil, fmt.Errorf("request schema load failed: %w", err)
	}
	compiled, err := c.Compile(startSessionSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("request schema compile failed: %w", err)
	}
	return &requestValidator{startSession: compiled}, nil
}

// decodeStartSession validates raw against the schema and decodes it.
func (v *requestValidator) decodeStartSession(raw []byte) (startSessionBody, error) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return startSessionBody{}, fmt.Errorf("malformed JSON: %w", err)
	}
	if err := v.startSession.Validate(doc); err != nil {
		return startSessionBody{}, fmt.Errorf("schema validation failed: %w", err)
	}
	var body startSessionBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return startSessionBody{}, fmt.Errorf("malformed JSON: %w", err)
	}
	return body, nil
}
