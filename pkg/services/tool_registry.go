package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	config "farma-chat-api/configs"
	"farma-chat-api/pkg/models"
	"farma-chat-api/pkg/openai"
)

// ToolHandler executes one registered function. Arguments arrive
// already validated against the declared schema. Handlers read the
// catalog and retrieval layer and return data; they never touch run
// state.
type ToolHandler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// ToolRegistry is the static name -> {schema, handler} map built once
// at startup. No dynamic lookup beyond this table ever happens.
type ToolRegistry struct {
	entries map[string]registryEntry
}

type registryEntry struct {
	decl    config.FunctionDeclaration
	handler ToolHandler
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{entries: map[string]registryEntry{}}
}

// Register binds a declaration from the function catalog to its handler.
func (r *ToolRegistry) Register(decl config.FunctionDeclaration, handler ToolHandler) error {
	if _, exists := r.entries[decl.Name]; exists {
		return fmt.Errorf("function %q registered twice", decl.Name)
	}
	r.entries[decl.Name] = registryEntry{decl: decl, handler: handler}
	return nil
}

// Definitions returns the tool definitions advertised to the model.
func (r *ToolRegistry) Definitions() []openai.ToolDefinition {
	defs := make([]openai.ToolDefinition, 0, len(r.entries))
	for _, entry := range r.entries {
		defs = append(defs, openai.ToolDefinition{
			Type: "function",
			Function: openai.FunctionDefinition{
				Name:        entry.decl.Name,
				Description: entry.decl.Description,
				Parameters:  entry.decl.RawParameters(),
			},
		})
	}
	return defs
}

// Dispatch executes one tool call and always produces exactly one
// result. Faults of any kind (unknown function, malformed arguments,
// handler error) become error payloads the model can read, so one bad
// call cannot abort a run.
func (r *ToolRegistry) Dispatch(ctx context.Context, req models.ToolCallRequest) models.ToolCallResult {
	entry, ok := r.entries[req.Name]
	if !ok {
		return errorResult(req.CallID, models.CodeConfigurationError,
			fmt.Sprintf("la función %q no existe", req.Name))
	}

	args, err := decodeArguments(req.Arguments)
	if err != nil {
		return errorResult(req.CallID, models.CodeValidationError,
			fmt.Sprintf("argumentos inválidos: %v", err))
	}
	if msg := validateArguments(entry.decl, args); msg != "" {
		return errorResult(req.CallID, models.CodeValidationError, msg)
	}

	output, err := entry.handler(ctx, args)
	if err != nil {
		log.Printf("tool %s failed: %v", req.Name, err)
		if appErr, ok := err.(*models.AppError); ok {
			return errorResult(req.CallID, appErr.Code, appErr.Message)
		}
		return errorResult(req.CallID, models.CodeInternalError,
			"la función no pudo completarse")
	}

	encoded, err := json.Marshal(output)
	if err != nil {
		log.Printf("tool %s produced unencodable output: %v", req.Name, err)
		return errorResult(req.CallID, models.CodeInternalError,
			"la función no pudo completarse")
	}
	return models.ToolCallResult{CallID: req.CallID, Output: string(encoded)}
}

func decodeArguments(raw string) (map[string]interface{}, error) {
	if raw == "" {
		return map[string]interface{}{}, nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return args, nil
}

// validateArguments checks the payload against the declared parameter
// set: required fields present, declared primitive types satisfied.
// Returns an empty string when valid.
func validateArguments(decl config.FunctionDeclaration, args map[string]interface{}) string {
	for _, name := range decl.Parameters.Required {
		if _, ok := args[name]; !ok {
			return fmt.Sprintf("falta el argumento requerido %q", name)
		}
	}
	for name, value := range args {
		spec, declared := decl.Parameters.Properties[name]
		if !declared {
			continue // extra arguments are tolerated, the handler ignores them
		}
		if !typeMatches(spec.Type, value) {
			return fmt.Sprintf("el argumento %q debe ser de tipo %s", name, spec.Type)
		}
	}
	return ""
}

func typeMatches(declared string, value interface{}) bool {
	switch declared {
	case "string":
		_, ok := value.(string)
		return ok
	case "number", "integer":
		// encoding/json decodes all JSON numbers to float64.
		_, ok := value.(float64)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]interface{})
		return ok
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	}
	return true // unknown declared type: let the handler decide
}

func errorResult(callID, code, message string) models.ToolCallResult {
	return models.ToolCallResult{
		CallID: callID,
		Error:  &models.ToolError{Code: code, Message: message},
	}
}
