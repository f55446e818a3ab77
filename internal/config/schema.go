package config

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
)

var (
	schemaOnce sync.Once
	schemaJSON []byte
	schemaErr  error
)

// JSONSchema describes the configuration file. Property names follow the
// yaml tags, which JSON5 files use as well.
func JSONSchema() ([]byte, error) {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			FieldNameTag:   "yaml",
			DoNotReference: true,
		}
		schema := r.Reflect(&Config{})
		schema.Title = "parley configuration"
		schema.Description = "Configuration file for parley serve and parley chat."
		if schema.Properties != nil {
			if prop, ok := schema.Properties.Get("version"); ok && prop != nil {
				prop.Description = "Configuration format version; omitted means the current version."
				prop.Default = CurrentVersion
			}
		}
		schemaJSON, schemaErr = json.MarshalIndent(schema, "", "  ")
	})
	return schemaJSON, schemaErr
}
