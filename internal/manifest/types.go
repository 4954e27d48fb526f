// Package manifest implements the Manifest Registry (C5): loading,
// validating, hot-reloading, and O(1) lookup of declarative tool
// manifests.
package manifest

import (
	"encoding/json"
	"fmt"
)

// Version is the only accepted value of a manifest's manifest_version
// field. Any other value causes the file to be skipped.
const Version = "1.0.0"

// ImplementationKind tags which variant an Implementation holds.
type ImplementationKind string

const (
	KindInternal ImplementationKind = "internal"
	KindScript   ImplementationKind = "script"
	KindProxy    ImplementationKind = "proxy"
)

// CredentialRequirement names a credential a tool or manifest needs.
type CredentialRequirement struct {
	ID       string   `json:"id"`
	Provider string   `json:"provider,omitempty"`
	Kind     string   `json:"kind,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`
	Optional bool     `json:"optional,omitempty"`
}

// PermissionRequirement names an OS permission a tool or manifest needs.
type PermissionRequirement struct {
	Name     string `json:"name"`
	Optional bool   `json:"optional,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Requirements bundles the credential and permission requirements
// attached to a manifest or an individual tool.
type Requirements struct {
	Credentials []CredentialRequirement `json:"credentials,omitempty"`
	Permissions []PermissionRequirement `json:"permissions,omitempty"`
}

// Tool is one JSON-RPC method a manifest declares.
type Tool struct {
	Name         string          `json:"name"`
	Title        string          `json:"title,omitempty"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Annotations  map[string]any  `json:"annotations,omitempty"`
	Requires     *Requirements   `json:"requires,omitempty"`
}

// InternalSpec is the Internal implementation variant: each tool maps
// to an in-process "ns.action" handler symbol.
type InternalSpec struct {
	Module  string            `json:"module"`
	Methods map[string]string `json:"methods"`
}

// ScriptToolBinding describes how one tool maps onto the script's
// {tool, action, params} stdin protocol.
type ScriptToolBinding struct {
	Action string `json:"action"`
}

// ScriptSpec is the Script implementation variant: a subprocess invoked
// once per call, receiving {tool, action, params} on stdin and
// returning exactly one JSON value on stdout.
type ScriptSpec struct {
	Runtime      string                       `json:"runtime"`
	Entrypoint   string                       `json:"entrypoint"`
	Args         []string                     `json:"args,omitempty"`
	Env          map[string]string            `json:"env,omitempty"`
	ToolBindings map[string]ScriptToolBinding `json:"tool_bindings"`
}

// ProxyAuth describes how credentials are installed on an outbound
// request for the Proxy implementation variant.
type ProxyAuth struct {
	Strategy string `json:"strategy"` // oauth2Bearer | apiKeyHeader | apiKeyQuery | basic
	Field    string `json:"field,omitempty"`
	Header   string `json:"header,omitempty"`
	Query    string `json:"query,omitempty"`
}

// ProxyToolBinding describes how one tool maps onto an outbound HTTP
// request.
type ProxyToolBinding struct {
	Method       string            `json:"method"`
	Path         string            `json:"path"`
	Query        map[string]string `json:"query,omitempty"`
	BodyTemplate json.RawMessage   `json:"body_template,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	ResponsePath string            `json:"response_path,omitempty"`
}

// ProxySpec is the Proxy implementation variant: each tool maps to an
// outbound HTTP call against base_url.
type ProxySpec struct {
	BaseURL      string                      `json:"base_url"`
	Auth         ProxyAuth                   `json:"auth"`
	ToolBindings map[string]ProxyToolBinding `json:"tool_bindings"`
}

// Implementation is the tagged variant {Internal, Script, Proxy}. Exactly
// one of Internal/Script/Proxy is non-nil, matching Kind. The dispatcher
// in internal/rpc switches on Kind rather than using subtyping.
type Implementation struct {
	Kind     ImplementationKind
	Internal *InternalSpec
	Script   *ScriptSpec
	Proxy    *ProxySpec
}

func (i *Implementation) UnmarshalJSON(data []byte) error {
	var probe struct {
		Kind ImplementationKind `json:"kind"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("implementation: %w", err)
	}

	i.Kind = probe.Kind
	switch probe.Kind {
	case KindInternal:
		var spec InternalSpec
		if err := json.Unmarshal(data, &spec); err != nil {
			return fmt.Errorf("implementation(internal): %w", err)
		}
		i.Internal = &spec
	case KindScript:
		var spec ScriptSpec
		if err := json.Unmarshal(data, &spec); err != nil {
			return fmt.Errorf("implementation(script): %w", err)
		}
		i.Script = &spec
	case KindProxy:
		var spec ProxySpec
		if err := json.Unmarshal(data, &spec); err != nil {
			return fmt.Errorf("implementation(proxy): %w", err)
		}
		i.Proxy = &spec
	default:
		return fmt.Errorf("implementation: unknown kind %q", probe.Kind)
	}
	return nil
}

func (i Implementation) MarshalJSON() ([]byte, error) {
	switch i.Kind {
	case KindInternal:
		return marshalWithKind(i.Kind, i.Internal)
	case KindScript:
		return marshalWithKind(i.Kind, i.Script)
	case KindProxy:
		return marshalWithKind(i.Kind, i.Proxy)
	default:
		return nil, fmt.Errorf("implementation: unknown kind %q", i.Kind)
	}
}

func marshalWithKind(kind ImplementationKind, spec any) ([]byte, error) {
	body, err := json.Marshal(spec)
	if err != nil {
		return nil, err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(body, &merged); err != nil {
		return nil, err
	}
	kindJSON, _ := json.Marshal(kind)
	merged["kind"] = kindJSON
	return json.Marshal(merged)
}

// ToolNames returns the name of every binding/method key declared by the
// implementation, used to validate that every tool in Manifest.Tools has
// a matching implementation entry.
func (i Implementation) ToolNames() map[string]bool {
	names := make(map[string]bool)
	switch i.Kind {
	case KindInternal:
		if i.Internal != nil {
			for name := range i.Internal.Methods {
				names[name] = true
			}
		}
	case KindScript:
		if i.Script != nil {
			for name := range i.Script.ToolBindings {
				names[name] = true
			}
		}
	case KindProxy:
		if i.Proxy != nil {
			for name := range i.Proxy.ToolBindings {
				names[name] = true
			}
		}
	}
	return names
}

// Manifest is a declarative tool bundle loaded from a JSON file.
type Manifest struct {
	ManifestVersion string         `json:"manifest_version"`
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Description     string         `json:"description,omitempty"`
	Version         string         `json:"version,omitempty"`
	Category        string         `json:"category,omitempty"`
	Requires        Requirements   `json:"requires,omitempty"`
	Tools           []Tool         `json:"tools"`
	Implementation  Implementation `json:"implementation"`

	// SourcePath is set by the loader, not present in the JSON file.
	SourcePath string `json:"-"`
	// Precedence is set by the loader from which search-path tier the
	// file was found in (bundled < core < integrations < community).
	Precedence int `json:"-"`
}
