package services

import (
	"context"
	"fmt"
	"testing"

	config "farma-chat-api/configs"
	"farma-chat-api/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDeclaration() config.FunctionDeclaration {
	return config.FunctionDeclaration{
		Name:        "buscar_productos",
		Description: "Busca productos por problema.",
		Parameters: config.ParametersSpec{
			Type: "object",
			Properties: map[string]config.ParameterSpec{
				"problem": {Type: "string", Description: "El problema del cliente."},
				"limit":   {Type: "number", Description: "Cantidad máxima."},
			},
			Required: []string{"problem"},
		},
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	registry := NewToolRegistry()
	handler := func(context.Context, map[string]interface{}) (interface{}, error) { return nil, nil }

	require.NoError(t, registry.Register(testDeclaration(), handler))
	assert.Error(t, registry.Register(testDeclaration(), handler))
}

func TestDispatchUnknownFunction(t *testing.T) {
	registry := NewToolRegistry()

	result := registry.Dispatch(context.Background(), models.ToolCallRequest{
		CallID: "call_1", Name: "funcion_inexistente", Arguments: "{}",
	})

	assert.Equal(t, "call_1", result.CallID)
	require.NotNil(t, result.Error)
	assert.Equal(t, models.CodeConfigurationError, result.Error.Code)
}

func TestDispatchMalformedArguments(t *testing.T) {
	registry := NewToolRegistry()
	require.NoError(t, registry.Register(testDeclaration(), func(context.Context, map[string]interface{}) (interface{}, error) {
		t.Fatal("handler must not run on malformed arguments")
		return nil, nil
	}))

	result := registry.Dispatch(context.Background(), models.ToolCallRequest{
		CallID: "call_2", Name: "buscar_productos", Arguments: `{"problem":`,
	})

	require.NotNil(t, result.Error)
	assert.Equal(t, models.CodeValidationError, result.Error.Code)
}

func TestDispatchMissingRequiredArgument(t *testing.T) {
	registry := NewToolRegistry()
	require.NoError(t, registry.Register(testDeclaration(), func(context.Context, map[string]interface{}) (interface{}, error) {
		t.Fatal("handler must not run on invalid arguments")
		return nil, nil
	}))

	result := registry.Dispatch(context.Background(), models.ToolCallRequest{
		CallID: "call_3", Name: "buscar_productos", Arguments: `{"limit": 5}`,
	})

	require.NotNil(t, result.Error)
	assert.Equal(t, models.CodeValidationError, result.Error.Code)
	assert.Contains(t, result.Error.Message, "problem")
}

func TestDispatchTypeMismatch(t *testing.T) {
	registry := NewToolRegistry()
	require.NoError(t, registry.Register(testDeclaration(), func(context.Context, map[string]interface{}) (interface{}, error) {
		return nil, nil
	}))

	result := registry.Dispatch(context.Background(), models.ToolCallRequest{
		CallID: "call_4", Name: "buscar_productos", Arguments: `{"problem": "piel seca", "limit": "cinco"}`,
	})

	require.NotNil(t, result.Error)
	assert.Equal(t, models.CodeValidationError, result.Error.Code)
}

func TestDispatchToleratesExtraArguments(t *testing.T) {
	registry := NewToolRegistry()
	require.NoError(t, registry.Register(testDeclaration(), func(_ context.Context, args map[string]interface{}) (interface{}, error) {
		return map[string]string{"ok": args["problem"].(string)}, nil
	}))

	result := registry.Dispatch(context.Background(), models.ToolCallRequest{
		CallID: "call_5", Name: "buscar_productos", Arguments: `{"problem": "acné", "extra": true}`,
	})

	assert.Nil(t, result.Error)
	assert.JSONEq(t, `{"ok":"acné"}`, result.Output)
}

func TestDispatchHandlerFaultBecomesResult(t *testing.T) {
	registry := NewToolRegistry()
	require.NoError(t, registry.Register(testDeclaration(), func(context.Context, map[string]interface{}) (interface{}, error) {
		return nil, models.NewAppError(models.CodeTransportError, "el índice no responde", fmt.Errorf("dial timeout"))
	}))

	result := registry.Dispatch(context.Background(), models.ToolCallRequest{
		CallID: "call_6", Name: "buscar_productos", Arguments: `{"problem": "caspa"}`,
	})

	require.NotNil(t, result.Error)
	assert.Equal(t, models.CodeTransportError, result.Error.Code)
	assert.Equal(t, "el índice no responde", result.Error.Message)
}

func TestDispatchPlainErrorBecomesInternal(t *testing.T) {
	registry := NewToolRegistry()
	require.NoError(t, registry.Register(testDeclaration(), func(context.Context, map[string]interface{}) (interface{}, error) {
		return nil, fmt.Errorf("boom")
	}))

	result := registry.Dispatch(context.Background(), models.ToolCallRequest{
		CallID: "call_7", Name: "buscar_productos", Arguments: `{"problem": "caspa"}`,
	})

	require.NotNil(t, result.Error)
	assert.Equal(t, models.CodeInternalError, result.Error.Code)
}

func TestDispatchEmptyArguments(t *testing.T) {
	declaration := config.FunctionDeclaration{
		Name:       "contar_marcas",
		Parameters: config.ParametersSpec{Type: "object"},
	}
	registry := NewToolRegistry()
	require.NoError(t, registry.Register(declaration, func(context.Context, map[string]interface{}) (interface{}, error) {
		return map[string]int{"total": 7}, nil
	}))

	result := registry.Dispatch(context.Background(), models.ToolCallRequest{
		CallID: "call_8", Name: "contar_marcas", Arguments: "",
	})

	assert.Nil(t, result.Error)
	assert.JSONEq(t, `{"total":7}`, result.Output)
}
