// Package schema derives tool input schemas from Go structs.
package schema

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

var reflector = &jsonschema.Reflector{
	DoNotReference: true,
	ExpandedStruct: true,
}

// For returns the JSON Schema of T's JSON encoding. Fields without
// omitempty are required. Descriptions and bounds come from `jsonschema`
// struct tags.
func For[T any]() json.RawMessage {
	s := reflector.Reflect(new(T))
	s.Version = ""
	s.ID = ""
	data, err := json.Marshal(s)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return data
}
