package llm

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Schema validates a JSON reply.
type Schema struct {
	name   string
	schema *jsonschema.Schema
}

// LoadSchema compiles one of the embedded reply schemas, e.g.
// "filing_analysis".
func LoadSchema(name string) (*Schema, error) {
	b, err := schemaFS.ReadFile("schemas/" + name + ".json")
	if err != nil {
		return nil, fmt.Errorf("reading schema %s: %w", name, err)
	}
	return CompileSchema(name, b)
}

// MustLoadSchema is LoadSchema for package-level initialisation.
func MustLoadSchema(name string) *Schema {
	s, err := LoadSchema(name)
	if err != nil {
		panic(err)
	}
	return s
}

// CompileSchema compiles a JSON schema document.
func CompileSchema(name string, doc []byte) (*Schema, error) {
	compiler := jsonschema.NewCompiler()
	url := name + ".json"
	if err := compiler.AddResource(url, bytes.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	s, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &Schema{name: name, schema: s}, nil
}

// Validate checks data against the schema.
func (s *Schema) Validate(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := s.schema.Validate(v); err != nil {
		return fmt.Errorf("json does not match schema %s: %w", s.name, err)
	}
	return nil
}
