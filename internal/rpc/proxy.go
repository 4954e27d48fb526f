package rpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/geilt/tairseach/common/redact"
	"github.com/geilt/tairseach/internal/manifest"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// proxyTimeout bounds a single outbound HTTP call made on behalf of a
// Proxy-variant tool.
const proxyTimeout = 30 * time.Second

// maxProxyResponseBytes caps how much of an upstream response body is
// read before the connection is given up on.
const maxProxyResponseBytes = 4 << 20 // 4MiB

var proxyClient = &http.Client{Timeout: proxyTimeout}

// runProxy dispatches a Proxy-variant tool call: build the URL, query,
// method, and body from the binding and params, install auth per
// strategy, send the request, and extract the response per
// response_path. Grounded on the outbound-forward idiom of the webhook
// reverse proxy (http.NewRequestWithContext + a shared *http.Client with
// a fixed Timeout), generalized from single-purpose event forwarding to
// a fully interpolated, manifest-declared binding.
func runProxy(ctx context.Context, spec *manifest.ProxySpec, binding manifest.ProxyToolBinding, rawParams json.RawMessage, params map[string]string, creds Credentials) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, proxyTimeout)
	defer cancel()

	target := strings.TrimRight(spec.BaseURL, "/") + interpolate(binding.Path, params, creds)

	req, err := buildProxyRequest(ctx, spec, binding, target, rawParams, params, creds)
	if err != nil {
		return nil, fmt.Errorf("proxy: build request: %w", err)
	}

	if err := applyProxyAuth(req, spec.Auth, creds); err != nil {
		return nil, fmt.Errorf("proxy: apply auth: %w", err)
	}

	resp, err := proxyClient.Do(req)
	if err != nil {
		return nil, &upstreamError{msg: fmt.Sprintf("proxy: request failed: %v", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProxyResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("proxy: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &upstreamError{
			msg:  fmt.Sprintf("proxy: upstream returned %d", resp.StatusCode),
			data: map[string]any{"status": resp.StatusCode, "body": redactCredentials(string(body), creds)},
		}
	}

	if binding.ResponsePath == "" {
		var parsed any
		if err := json.Unmarshal(body, &parsed); err != nil {
			return string(body), nil
		}
		return parsed, nil
	}

	result := gjson.GetBytes(body, binding.ResponsePath)
	if !result.Exists() {
		return nil, fmt.Errorf("proxy: response_path %q not found in response", binding.ResponsePath)
	}
	return result.Value(), nil
}

func buildProxyRequest(ctx context.Context, spec *manifest.ProxySpec, binding manifest.ProxyToolBinding, target string, rawParams json.RawMessage, params map[string]string, creds Credentials) (*http.Request, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	q := u.Query()
	for key, template := range binding.Query {
		value := interpolate(template, params, creds)
		if value == "" {
			continue
		}
		q.Set(key, value)
	}
	u.RawQuery = q.Encode()

	method := strings.ToUpper(binding.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		if len(binding.BodyTemplate) > 0 {
			body = bytes.NewReader(interpolateJSON(binding.BodyTemplate, params, creds))
		} else if len(rawParams) > 0 {
			body = bytes.NewReader(rawParams)
		} else {
			body = bytes.NewReader([]byte("{}"))
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, template := range binding.Headers {
		req.Header.Set(key, interpolate(template, params, creds))
	}
	return req, nil
}

// interpolateJSON walks a JSON document's string leaves and interpolates
// {key}/{credential:...} placeholders in each one, using gjson to walk the
// structure and sjson to write interpolated values back so the result
// stays valid JSON even when a resolved value contains quotes or
// backslashes (a raw byte-level string replace over the template would
// corrupt the document in that case).
func interpolateJSON(raw []byte, params map[string]string, creds Credentials) []byte {
	result := raw
	walkJSONStrings(gjson.ParseBytes(raw), "", func(path, value string) {
		interpolated := interpolate(value, params, creds)
		if interpolated == value {
			return
		}
		if out, err := sjson.SetBytes(result, path, interpolated); err == nil {
			result = out
		}
	})
	return result
}

// walkJSONStrings visits every string leaf in value, calling fn with its
// sjson-compatible dotted path and content.
func walkJSONStrings(value gjson.Result, path string, fn func(path, value string)) {
	switch {
	case value.IsObject():
		value.ForEach(func(key, v gjson.Result) bool {
			childPath := key.String()
			if path != "" {
				childPath = path + "." + childPath
			}
			walkJSONStrings(v, childPath, fn)
			return true
		})
	case value.IsArray():
		i := 0
		value.ForEach(func(_, v gjson.Result) bool {
			childPath := fmt.Sprintf("%s.%d", path, i)
			walkJSONStrings(v, childPath, fn)
			i++
			return true
		})
	case value.Type == gjson.String:
		fn(path, value.String())
	}
}

func applyProxyAuth(req *http.Request, auth manifest.ProxyAuth, creds Credentials) error {
	fields := flattenCredentials(creds)

	switch auth.Strategy {
	case "", "none":
		return nil
	case "oauth2Bearer":
		field := auth.Field
		if field == "" {
			field = "access_token"
		}
		req.Header.Set("Authorization", "Bearer "+fields[field])
	case "apiKeyHeader":
		header := auth.Header
		if header == "" {
			header = "X-Api-Key"
		}
		field := auth.Field
		if field == "" {
			field = "api_key"
		}
		req.Header.Set(header, fields[field])
	case "apiKeyQuery":
		query := auth.Query
		if query == "" {
			query = "api_key"
		}
		field := auth.Field
		if field == "" {
			field = "api_key"
		}
		q := req.URL.Query()
		q.Set(query, fields[field])
		req.URL.RawQuery = q.Encode()
	case "basic":
		basicAuth := base64.StdEncoding.EncodeToString([]byte(fields["username"] + ":" + fields["password"]))
		req.Header.Set("Authorization", "Basic "+basicAuth)
	default:
		return fmt.Errorf("unknown auth strategy %q", auth.Strategy)
	}
	return nil
}

// flattenCredentials collapses every resolved credential's fields into a
// single map, last-requirement-wins, for auth strategies that reference
// a bare field name rather than {credential:<id>:<field>}.
func flattenCredentials(creds Credentials) map[string]string {
	out := make(map[string]string)
	for _, fields := range creds {
		for k, v := range fields {
			out[k] = v
		}
	}
	return out
}

// redactCredentials strips every resolved credential field value out of s,
// so a log line, audit event, or RPC error payload built from an upstream
// error or response body never carries a token or secret back out.
func redactCredentials(s string, creds Credentials) string {
	fields := flattenCredentials(creds)
	values := make([]string, 0, len(fields))
	for _, v := range fields {
		values = append(values, v)
	}
	return redact.String(s, values...)
}
