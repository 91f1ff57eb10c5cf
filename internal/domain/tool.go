package domain

import (
	"context"
	"encoding/json"
)

// FunctionDefinition is the function part of a tool declaration.
type FunctionDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolDefinition describes a callable tool in the function-calling schema:
// {"type": "function", "function": {name, description, parameters}}.
type ToolDefinition struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

// NewFunctionTool builds a function tool definition.
func NewFunctionTool(name, description string, parameters json.RawMessage) ToolDefinition {
	return ToolDefinition{
		Type:     "function",
		Function: FunctionDefinition{Name: name, Description: description, Parameters: parameters},
	}
}

// CodeResult is the outcome of running an accepted tool call.
type CodeResult struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
}

// CodeRunner executes code for a language, streaming output chunks to onOutput.
type CodeRunner interface {
	Run(ctx context.Context, language, code string, onOutput func(chunk string)) (*CodeResult, error)
	Languages() []string
}
