package execmode

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"aiconsole/internal/domain"
)

// Code tool names double as the language they run.
const (
	ToolPython      = "python"
	ToolShell       = "shell"
	ToolAppleScript = "applescript"
)

const localExecution = "This function executes the given code on the user's system using the local environment and returns the output."

var codeToolDescriptions = map[string]string{
	ToolPython: "When you send a message containing Python code to python, it will be executed in a stateful Jupyter notebook environment. " +
		"python will respond with the output of the execution.",
	ToolShell:       localExecution,
	ToolAppleScript: localExecution,
}

const codeToolParameters = `{
  "type": "object",
  "properties": {
    "code": {"type": "string", "description": "The code to execute."},
    "language": {"type": "string", "description": "Optional language override."}
  },
  "required": ["code"]
}`

// Toolset is the whitelist of code tools a mode may declare and run.
type Toolset struct {
	defs    []domain.ToolDefinition
	langs   map[string]string
	schemas map[string]*jsonschema.Schema
}

// CodeTools builds the toolset for languages, compiling each parameter
// schema up front.
func CodeTools(languages ...string) (*Toolset, error) {
	ts := &Toolset{
		langs:   make(map[string]string, len(languages)),
		schemas: make(map[string]*jsonschema.Schema, len(languages)),
	}
	for _, lang := range languages {
		desc, ok := codeToolDescriptions[lang]
		if !ok {
			return nil, domain.NewDomainError("execmode.CodeTools", domain.ErrToolSchema, fmt.Sprintf("no code tool for %q", lang))
		}
		def := domain.NewFunctionTool(lang, desc, json.RawMessage(codeToolParameters))
		schema, err := compileParameters(def)
		if err != nil {
			return nil, err
		}
		ts.defs = append(ts.defs, def)
		ts.langs[lang] = lang
		ts.schemas[lang] = schema
	}
	return ts, nil
}

func compileParameters(def domain.ToolDefinition) (*jsonschema.Schema, error) {
	const op = "execmode.compileParameters"
	resource := def.Function.Name + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resource, bytes.NewReader(def.Function.Parameters)); err != nil {
		return nil, domain.NewDomainError(op, domain.ErrToolSchema, fmt.Sprintf("add schema for %q: %v", def.Function.Name, err))
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return nil, domain.NewDomainError(op, domain.ErrToolSchema, fmt.Sprintf("compile schema for %q: %v", def.Function.Name, err))
	}
	return schema, nil
}

// Definitions returns the declarations sent with inference requests.
func (ts *Toolset) Definitions() []domain.ToolDefinition {
	return append([]domain.ToolDefinition(nil), ts.defs...)
}

// Languages maps tool names to the language each runs, as the assembler
// expects.
func (ts *Toolset) Languages() map[string]string {
	out := make(map[string]string, len(ts.langs))
	for k, v := range ts.langs {
		out[k] = v
	}
	return out
}

// Allows reports whether code in language may run under this toolset.
func (ts *Toolset) Allows(language string) bool {
	_, ok := ts.langs[language]
	return ok
}

// Validate checks structured arguments of a declared tool call.
func (ts *Toolset) Validate(name, arguments string) error {
	schema, ok := ts.schemas[name]
	if !ok {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(arguments), &v); err != nil {
		return fmt.Errorf("%s arguments: %w", name, err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("%s arguments: %w", name, err)
	}
	return nil
}
