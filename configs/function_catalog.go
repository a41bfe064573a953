package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// ParameterSpec describes one declared argument of a callable function,
// in the JSON-schema subset the catalog uses.
type ParameterSpec struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// ParametersSpec is the object schema of a function's arguments.
type ParametersSpec struct {
	Type       string                   `json:"type"`
	Properties map[string]ParameterSpec `json:"properties,omitempty"`
	Required   []string                 `json:"required,omitempty"`
}

// FunctionDeclaration is one entry of the function catalog: the name
// and parameter schema advertised to the model and enforced by the
// dispatch registry.
type FunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  ParametersSpec `json:"parameters"`
}

// RawParameters returns the parameter spec re-encoded as JSON, in the
// shape the chat completions API expects for a tool definition.
func (d FunctionDeclaration) RawParameters() json.RawMessage {
	raw, err := json.Marshal(d.Parameters)
	if err != nil {
		// The struct round-trips by construction; an error here means
		// the declaration itself was never loadable.
		return json.RawMessage(`{"type":"object"}`)
	}
	return raw
}

// LoadFunctionCatalog reads the static function catalog artifact. The
// catalog is external configuration: the core never generates it.
func LoadFunctionCatalog(path string) ([]FunctionDeclaration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read function catalog: %w", err)
	}

	var catalog []FunctionDeclaration
	if err := json.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse function catalog: %w", err)
	}
	if len(catalog) == 0 {
		return nil, fmt.Errorf("function catalog %s declares no functions", path)
	}
	for _, decl := range catalog {
		if decl.Name == "" {
			return nil, fmt.Errorf("function catalog %s contains an unnamed function", path)
		}
	}
	return catalog, nil
}
