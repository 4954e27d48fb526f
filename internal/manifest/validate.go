package manifest

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// maxManifestBytes bounds the size of a single manifest file (spec.md §6).
const maxManifestBytes = 1 << 20 // 1MiB

func validateToolName(name string) error {
	if name == "" {
		return fmt.Errorf("tool name must not be empty")
	}
	first := rune(name[0])
	if !((first >= 'a' && first <= 'z') || (first >= 'A' && first <= 'Z')) {
		return fmt.Errorf("tool name %q must begin with a letter", name)
	}
	for _, r := range name {
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
		if !ok {
			return fmt.Errorf("tool name %q contains disallowed character %q (only ASCII alphanumerics and underscores are allowed)", name, r)
		}
	}
	return nil
}

// ValidateAgainstSchema compiles schema (a JSON Schema document) and
// validates data against it. An empty schema always passes — tools are
// not required to declare one.
func ValidateAgainstSchema(name string, schema, data []byte) error {
	compiled, err := compileSchema(name, schema)
	if err != nil {
		return err
	}
	if compiled == nil {
		return nil
	}

	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("parse value: %w", err)
	}
	if err := compiled.Validate(v); err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	return nil
}

func compileSchema(name string, raw []byte) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// validate enforces spec.md §4.5/§6: well-formed version, non-empty tool
// list, ASCII tool names, complete implementation binding, and schema
// validity for every tool's input_schema/output_schema.
func validate(m *Manifest) error {
	if m.ManifestVersion != Version {
		return fmt.Errorf("unsupported manifest_version %q (want %q)", m.ManifestVersion, Version)
	}
	if m.ID == "" {
		return fmt.Errorf("manifest id must not be empty")
	}
	if len(m.Tools) == 0 {
		return fmt.Errorf("manifest %q declares no tools", m.ID)
	}

	seen := make(map[string]bool, len(m.Tools))
	bound := m.Implementation.ToolNames()
	for _, tool := range m.Tools {
		if err := validateToolName(tool.Name); err != nil {
			return fmt.Errorf("manifest %q: %w", m.ID, err)
		}
		if seen[tool.Name] {
			return fmt.Errorf("manifest %q: duplicate tool name %q", m.ID, tool.Name)
		}
		seen[tool.Name] = true

		if !bound[tool.Name] {
			return fmt.Errorf("manifest %q: tool %q has no implementation binding", m.ID, tool.Name)
		}

		schemaName := m.ID + "#/tools/" + tool.Name + "/input_schema"
		if _, err := compileSchema(schemaName, tool.InputSchema); err != nil {
			return fmt.Errorf("manifest %q: tool %q input_schema: %w", m.ID, tool.Name, err)
		}
		outName := m.ID + "#/tools/" + tool.Name + "/output_schema"
		if _, err := compileSchema(outName, tool.OutputSchema); err != nil {
			return fmt.Errorf("manifest %q: tool %q output_schema: %w", m.ID, tool.Name, err)
		}
	}

	for bindingName := range bound {
		if !seen[bindingName] {
			return fmt.Errorf("manifest %q: implementation binds tool %q that is not declared", m.ID, bindingName)
		}
	}

	switch m.Implementation.Kind {
	case KindInternal:
		if m.Implementation.Internal == nil || m.Implementation.Internal.Module == "" {
			return fmt.Errorf("manifest %q: internal implementation missing module", m.ID)
		}
	case KindScript:
		if m.Implementation.Script == nil || m.Implementation.Script.Entrypoint == "" {
			return fmt.Errorf("manifest %q: script implementation missing entrypoint", m.ID)
		}
	case KindProxy:
		if m.Implementation.Proxy == nil || m.Implementation.Proxy.BaseURL == "" {
			return fmt.Errorf("manifest %q: proxy implementation missing base_url", m.ID)
		}
	default:
		return fmt.Errorf("manifest %q: unknown implementation kind %q", m.ID, m.Implementation.Kind)
	}

	return nil
}
