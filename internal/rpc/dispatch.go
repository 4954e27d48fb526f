package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/geilt/tairseach/common/trace"
	"github.com/geilt/tairseach/internal/audit"
	"github.com/geilt/tairseach/internal/broker"
	"github.com/geilt/tairseach/internal/manifest"
)

// requestTimeout bounds the whole six-step pipeline for a single request,
// including any Script subprocess or Proxy HTTP call it triggers.
const requestTimeout = 65 * time.Second

// defaultAccount is used when a request's params carry no "account" field.
const defaultAccount = "me"

// PeerInfo carries the identity established for a connection at accept
// time.
type PeerInfo struct {
	UID uint32
}

// InternalHandler is an in-process tool implementation, reached through a
// manifest's Internal variant "namespace.action" symbol.
type InternalHandler func(ctx context.Context, peer PeerInfo, params json.RawMessage, creds Credentials) (any, error)

// Dispatcher implements the six-step request pipeline of SPEC_FULL.md
// §3.6 / spec.md §4.6.2: protocol validation, manifest routing, the
// permission gate, credential loading, dispatch by implementation
// variant, and response formatting.
type Dispatcher struct {
	manifests  *manifest.Registry
	broker     *broker.Broker
	permission PermissionProbe
	internal   map[string]InternalHandler
	log        *slog.Logger
	audit      audit.Notifier
}

// NewDispatcher constructs a Dispatcher. Built-in namespaces (auth.*,
// permissions.*, config.*, server.*) are registered by the caller via
// RegisterInternal before the first request is served. Audit defaults to
// audit.Noop{} when nil; set a real Notifier with SetAudit.
func NewDispatcher(manifests *manifest.Registry, brk *broker.Broker, permission PermissionProbe, log *slog.Logger) *Dispatcher {
	if permission == nil {
		permission = AlwaysGranted{}
	}
	return &Dispatcher{
		manifests:  manifests,
		broker:     brk,
		permission: permission,
		internal:   make(map[string]InternalHandler),
		log:        log,
		audit:      audit.Noop{},
	}
}

// SetAudit installs the Notifier every dispatched request and permission
// denial is reported to. Call before Serve begins accepting connections.
func (d *Dispatcher) SetAudit(n audit.Notifier) {
	if n == nil {
		n = audit.Noop{}
	}
	d.audit = n
}

// RegisterInternal wires a "namespace.action" symbol to its Go handler.
// Both manifest-declared internal tools and the daemon's own built-in
// namespaces (auth.*, permissions.*, config.*, server.*) are registered
// this way.
func (d *Dispatcher) RegisterInternal(symbol string, handler InternalHandler) {
	d.internal[symbol] = handler
}

// Handle processes one raw JSON-RPC request line and returns the response
// to write back, plus whether the caller sent a notification (in which
// case the response must be discarded, never written to the wire).
func (d *Dispatcher) Handle(ctx context.Context, peer PeerInfo, raw []byte) (Response, bool) {
	ctx = trace.WithTraceID(ctx, trace.GenerateID())

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return newErrorResponse(nil, ErrParse, "parse error: "+err.Error(), nil), false
	}

	if req.JSONRPC != JSONRPCVersion || req.Method == "" {
		return newErrorResponse(req.ID, ErrInvalidRequest, "invalid request", nil), req.IsNotification()
	}

	resp := d.route(ctx, peer, req)
	return resp, req.IsNotification()
}

func (d *Dispatcher) route(ctx context.Context, peer PeerInfo, req Request) Response {
	m, tool, ok := d.manifests.FindTool(req.Method)
	if !ok {
		return d.dispatchBuiltin(ctx, peer, req)
	}

	if err := d.checkPermissions(ctx, m, tool); err != nil {
		var pe *permissionError
		if errors.As(err, &pe) {
			d.audit.Notify(ctx, audit.Event{Kind: audit.KindPermissionDenied, Target: tool.Name, Message: pe.data.Permission})
			return newErrorResponse(req.ID, ErrPermissionDenied, "permission denied", pe.data)
		}
		return newErrorResponse(req.ID, ErrInternal, err.Error(), nil)
	}

	params := map[string]string{}
	if len(req.Params) > 0 {
		var raw map[string]any
		if err := json.Unmarshal(req.Params, &raw); err == nil {
			for k, v := range raw {
				params[k] = fmt.Sprintf("%v", v)
			}
		}
	}

	if len(tool.InputSchema) > 0 {
		schemaName := m.ID + "#/tools/" + tool.Name + "/input_schema"
		if err := manifest.ValidateAgainstSchema(schemaName, tool.InputSchema, req.Params); err != nil {
			return newErrorResponse(req.ID, ErrInvalidParams, err.Error(), nil)
		}
	}

	creds, err := d.loadCredentials(ctx, m, tool, params)
	if err != nil {
		var bErr *broker.Error
		if errors.As(err, &bErr) {
			return newErrorResponse(req.ID, int(bErr.Code), bErr.Message, nil)
		}
		return newErrorResponse(req.ID, ErrInternal, err.Error(), nil)
	}

	result, err := d.dispatchVariant(ctx, peer, m, tool, req.Params, params, creds)
	if err != nil {
		d.audit.Notify(ctx, audit.Event{Kind: audit.KindRequestFailed, Target: tool.Name, Message: redactCredentials(err.Error(), creds)})
		return d.errorResponse(req.ID, err)
	}
	d.audit.Notify(ctx, audit.Event{Kind: audit.KindRequestDispatched, Target: tool.Name})
	return newResultResponse(req.ID, result)
}

func (d *Dispatcher) errorResponse(id json.RawMessage, err error) Response {
	var upstream *upstreamError
	if errors.As(err, &upstream) {
		return newErrorResponse(id, ErrUpstreamFailed, upstream.Error(), upstream.data)
	}
	var bErr *broker.Error
	if errors.As(err, &bErr) {
		return newErrorResponse(id, int(bErr.Code), bErr.Message, nil)
	}
	return newErrorResponse(id, ErrUpstreamFailed, err.Error(), nil)
}

type permissionError struct {
	data PermissionDeniedData
}

func (e *permissionError) Error() string {
	return fmt.Sprintf("permission %q: %s", e.data.Permission, e.data.Status)
}

type upstreamError struct {
	msg  string
	data any
}

func (e *upstreamError) Error() string { return e.msg }

func (d *Dispatcher) checkPermissions(ctx context.Context, m *manifest.Manifest, tool *manifest.Tool) error {
	all := append(append([]manifest.PermissionRequirement{}, m.Requires.Permissions...), toolPermissions(tool)...)
	for _, req := range all {
		status, err := d.permission.Check(ctx, req.Name)
		if err != nil {
			return fmt.Errorf("check permission %q: %w", req.Name, err)
		}
		if status != PermissionGranted {
			if req.Optional {
				continue
			}
			return &permissionError{data: PermissionDeniedData{
				Permission:  req.Name,
				Status:      status,
				Remediation: remediationFor(req.Name, status),
			}}
		}
	}
	return nil
}

func toolPermissions(tool *manifest.Tool) []manifest.PermissionRequirement {
	if tool.Requires == nil {
		return nil
	}
	return tool.Requires.Permissions
}

func toolCredentials(m *manifest.Manifest, tool *manifest.Tool) []manifest.CredentialRequirement {
	all := append([]manifest.CredentialRequirement{}, m.Requires.Credentials...)
	if tool.Requires != nil {
		all = append(all, tool.Requires.Credentials...)
	}
	return all
}

// loadCredentials resolves every credential requirement of m/tool through
// the Auth Broker, keyed by requirement id for interpolation.
func (d *Dispatcher) loadCredentials(ctx context.Context, m *manifest.Manifest, tool *manifest.Tool, params map[string]string) (Credentials, error) {
	out := make(Credentials)
	for _, req := range toolCredentials(m, tool) {
		account := params["account"]
		if account == "" {
			account = defaultAccount
		}
		provider := req.Provider
		if provider == "" {
			provider = inferProvider(req.ID)
		}

		if req.Kind == "oauth2" || req.Kind == "" {
			tok, err := d.broker.GetToken(ctx, provider, account, req.Scopes)
			if err != nil {
				if req.Optional {
					continue
				}
				return nil, err
			}
			out[req.ID] = map[string]string{
				"access_token": tok.AccessToken,
				"token_type":   tok.TokenType,
			}
			continue
		}

		rec, err := d.broker.GetCredential(provider, account)
		if err != nil {
			if req.Optional {
				continue
			}
			return nil, err
		}
		out[req.ID] = rec.Fields
	}
	return out, nil
}

// inferProvider strips a "-oauth"/"-api" suffix from a credential
// requirement id to derive the provider name, per spec.md §4.6.2 step 4.
func inferProvider(id string) string {
	for _, suffix := range []string{"-oauth", "-api"} {
		if strings.HasSuffix(id, suffix) {
			return strings.TrimSuffix(id, suffix)
		}
	}
	return id
}

func (d *Dispatcher) dispatchVariant(ctx context.Context, peer PeerInfo, m *manifest.Manifest, tool *manifest.Tool, rawParams json.RawMessage, params map[string]string, creds Credentials) (any, error) {
	switch m.Implementation.Kind {
	case manifest.KindInternal:
		symbol := m.Implementation.Internal.Methods[tool.Name]
		handler, ok := d.internal[symbol]
		if !ok {
			return nil, fmt.Errorf("no internal handler registered for symbol %q", symbol)
		}
		return handler(ctx, peer, rawParams, creds)
	case manifest.KindScript:
		binding := m.Implementation.Script.ToolBindings[tool.Name]
		return runScript(ctx, m.Implementation.Script, tool.Name, binding, rawParams, creds)
	case manifest.KindProxy:
		binding := m.Implementation.Proxy.ToolBindings[tool.Name]
		return runProxy(ctx, m.Implementation.Proxy, binding, rawParams, params, creds)
	default:
		return nil, fmt.Errorf("unknown implementation kind %q", m.Implementation.Kind)
	}
}

// dispatchBuiltin handles requests whose method does not match a
// manifest tool: the fixed set of built-in namespaces (auth.*,
// permissions.*, config.*, server.*), registered via RegisterInternal
// under their own "namespace.action" symbol.
func (d *Dispatcher) dispatchBuiltin(ctx context.Context, peer PeerInfo, req Request) Response {
	handler, ok := d.internal[req.Method]
	if !ok {
		if d.log != nil {
			d.log.Debug("rpc: method not found", "method", req.Method)
		}
		return newErrorResponse(req.ID, ErrMethodNotFound, "method not found: "+req.Method, nil)
	}
	result, err := handler(ctx, peer, req.Params, nil)
	if err != nil {
		return d.errorResponse(req.ID, err)
	}
	return newResultResponse(req.ID, result)
}
