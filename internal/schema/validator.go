// Package schema validates inbound control messages and push payloads
// against embedded JSON Schemas.
package schema

import (
	"bytes"
	"embed"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFiles embed.FS

const (
	controlMessageSchemaURL = "https://relaypush.local/schemas/control_message.json"
	pushSchemaURL           = "https://relaypush.local/schemas/push.json"
)

type Validator struct {
	controlMessage *jsonschema.Schema
	push           *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	resources := map[string]string{
		controlMessageSchemaURL: "schemas/control_message.json",
		pushSchemaURL:           "schemas/push.json",
	}
	for url, file := range resources {
		raw, err := schemaFiles.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", file, err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", file, err)
		}
		if err := compiler.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", file, err)
		}
	}
	controlMessage, err := compiler.Compile(controlMessageSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile control message schema: %w", err)
	}
	push, err := compiler.Compile(pushSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile push schema: %w", err)
	}
	return &Validator{controlMessage: controlMessage, push: push}, nil
}

func (v *Validator) ValidateControlMessage(data []byte) error {
	return validate(v.controlMessage, data)
}

func (v *Validator) ValidatePush(data []byte) error {
	return validate(v.push, data)
}

func validate(schema *jsonschema.Schema, data []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("validate document: %w", err)
	}
	return nil
}
