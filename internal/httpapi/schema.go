package httpapi

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// itemPayloadSchemaJSON constrains create/update bodies. Only a string
// text field is allowed; unknown fields are rejected rather than silently
// dropped.
const itemPayloadSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"text": {"type": "string"}
	},
	"additionalProperties": false
}`

var itemPayloadSchema = mustCompileSchema("item-payload.json", itemPayloadSchemaJSON)

func mustCompileSchema(name, raw string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("httpapi: parse schema %s: %v", name, err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("httpapi: register schema %s: %v", name, err))
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("httpapi: compile schema %s: %v", name, err))
	}
	return schema
}
