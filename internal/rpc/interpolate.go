package rpc

import (
	"regexp"
	"strings"
)

// interpolationPattern matches {key} and {credential:<id>:<field>}
// placeholders. Missing values interpolate to the empty string
// (spec.md §4.6.2 / §4.6.2 Proxy section).
var interpolationPattern = regexp.MustCompile(`\{([^{}]+)\}`)

// Credentials maps a manifest's credential requirement id to its
// resolved field values (access_token, api_key, username, password, …).
type Credentials map[string]map[string]string

// interpolate replaces every {key} with params[key] and every
// {credential:<id>:<field>} with the matching resolved credential field.
// Unknown placeholders resolve to the empty string rather than erroring,
// per spec.
func interpolate(template string, params map[string]string, creds Credentials) string {
	return interpolationPattern.ReplaceAllStringFunc(template, func(match string) string {
		inner := strings.TrimSuffix(strings.TrimPrefix(match, "{"), "}")

		if rest, ok := strings.CutPrefix(inner, "credential:"); ok {
			parts := strings.SplitN(rest, ":", 2)
			if len(parts) != 2 {
				return ""
			}
			id, field := parts[0], parts[1]
			if fields, ok := creds[id]; ok {
				return fields[field]
			}
			return ""
		}

		return params[inner]
	})
}
