// Package middleware holds the gin middleware of the worker HTTP surface
package middleware

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	contextutils "lingocore/internal/utils"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed schemas/api.yaml
var schemaFS embed.FS

// SchemaLoader holds compiled JSON schemas keyed by component name
type SchemaLoader struct {
	schemas map[string]*gojsonschema.Schema
}

// NewSchemaLoader creates an empty schema loader
func NewSchemaLoader() *SchemaLoader {
	return &SchemaLoader{
		schemas: make(map[string]*gojsonschema.Schema),
	}
}

// NewEmbeddedSchemaLoader loads the schemas shipped with the binary
func NewEmbeddedSchemaLoader() (*SchemaLoader, error) {
	data, err := schemaFS.ReadFile("schemas/api.yaml")
	if err != nil {
		return nil, contextutils.WrapError(err, "failed to read embedded schemas")
	}
	loader := NewSchemaLoader()
	if err := loader.LoadSchemas(data); err != nil {
		return nil, err
	}
	return loader, nil
}

// LoadSchemas compiles every schema under components/schemas of an OpenAPI-style YAML document.
// Each schema is compiled against the full component set so $ref resolves.
func (sl *SchemaLoader) LoadSchemas(data []byte) error {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return contextutils.WrapErrorf(contextutils.ErrInvalidConfig, "failed to parse schema document: %v", err)
	}

	components, ok := doc["components"].(map[string]interface{})
	if !ok {
		return contextutils.WrapErrorf(contextutils.ErrInvalidConfig, "no components section found in schema document")
	}
	raw, ok := components["schemas"].(map[string]interface{})
	if !ok {
		return contextutils.WrapErrorf(contextutils.ErrInvalidConfig, "no schemas section found in components")
	}

	converted := make(map[string]interface{}, len(raw))
	for name, schema := range raw {
		converted[name] = convertToJSONCompatible(schema)
	}

	for name := range converted {
		completeSchemaDoc := map[string]interface{}{
			"$schema": "http://json-schema.org/draft-07/schema#",
			"components": map[string]interface{}{
				"schemas": converted,
			},
			"$ref": "#/components/schemas/" + name,
		}
		schemaBytes, err := json.Marshal(completeSchemaDoc)
		if err != nil {
			return contextutils.WrapErrorf(contextutils.ErrInvalidConfig, "failed to marshal schema %s: %v", name, err)
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaBytes))
		if err != nil {
			return contextutils.WrapErrorf(contextutils.ErrInvalidConfig, "failed to compile schema %s: %v", name, err)
		}
		sl.schemas[name] = schema
	}
	return nil
}

// Has reports whether a schema with the given name was loaded
func (sl *SchemaLoader) Has(schemaName string) bool {
	_, ok := sl.schemas[schemaName]
	return ok
}

// ValidateData validates any JSON-marshalable value against a schema
func (sl *SchemaLoader) ValidateData(data interface{}, schemaName string) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return contextutils.WrapError(err, "failed to marshal data")
	}
	return sl.ValidateBytes(jsonData, schemaName)
}

// ValidateBytes validates a raw JSON document against a schema
func (sl *SchemaLoader) ValidateBytes(jsonData []byte, schemaName string) error {
	schema, exists := sl.schemas[schemaName]
	if !exists {
		return contextutils.ErrorWithContextf("schema %s not found", schemaName)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(jsonData))
	if err != nil {
		return contextutils.WrapErrorf(contextutils.ErrInvalidInput, "body is not valid JSON: %v", err)
	}

	if !result.Valid() {
		var validationErrors []string
		for _, validationErr := range result.Errors() {
			validationErrors = append(validationErrors, fmt.Sprintf("%s: %s", validationErr.Field(), validationErr.Description()))
		}
		return contextutils.WrapErrorf(contextutils.ErrInvalidInput, "schema validation failed: %s", strings.Join(validationErrors, "; "))
	}
	return nil
}

// convertToJSONCompatible rewrites OpenAPI `nullable: true` into JSON schema unions
func convertToJSONCompatible(data interface{}) interface{} {
	switch v := data.(type) {
	case map[string]interface{}:
		result := make(map[string]interface{}, len(v))
		nullable := false
		for k, val := range v {
			if k == "nullable" {
				if b, ok := val.(bool); ok && b {
					nullable = true
				}
				continue
			}
			result[k] = convertToJSONCompatible(val)
		}

		if nullable {
			if ref, hasRef := result["$ref"].(string); hasRef {
				result["oneOf"] = []interface{}{
					map[string]interface{}{"$ref": ref},
					map[string]interface{}{"type": "null"},
				}
				delete(result, "$ref")
			} else if typeVal, hasType := result["type"].(string); hasType {
				result["type"] = []interface{}{typeVal, "null"}
			}
		}
		return result
	case []interface{}:
		result := make([]interface{}, len(v))
		for i, val := range v {
			result[i] = convertToJSONCompatible(val)
		}
		return result
	default:
		return data
	}
}
