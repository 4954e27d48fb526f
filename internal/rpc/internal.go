package rpc

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/geilt/tairseach/internal/broker"
	"github.com/geilt/tairseach/internal/store"
)

// ConfigStore is the minimal interface RegisterBuiltins needs from
// internal/tairseachconfig, kept local to avoid an import cycle.
type ConfigStore interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	List() (map[string]string, error)
}

// RegisterBuiltins wires the fixed auth.*/permissions.*/config.*/server.*
// namespaces (spec.md §6) onto d. shutdown is invoked by server.shutdown;
// it must not block.
func RegisterBuiltins(d *Dispatcher, brk *broker.Broker, permission PermissionProbe, cfg ConfigStore, shutdown func()) {
	d.RegisterInternal("auth.status", func(ctx context.Context, _ PeerInfo, _ json.RawMessage, _ Credentials) (any, error) {
		return brk.Status(), nil
	})
	d.RegisterInternal("auth.providers", func(ctx context.Context, _ PeerInfo, _ json.RawMessage, _ Credentials) (any, error) {
		return brk.ListProviders(), nil
	})
	d.RegisterInternal("auth.accounts.list", func(ctx context.Context, _ PeerInfo, params json.RawMessage, _ Credentials) (any, error) {
		var p struct {
			Provider string `json:"provider"`
		}
		decodeParams(params, &p)
		return brk.ListAccounts(p.Provider), nil
	})
	d.RegisterInternal("auth.token.get", func(ctx context.Context, _ PeerInfo, params json.RawMessage, _ Credentials) (any, error) {
		var p struct {
			Provider       string   `json:"provider"`
			Account        string   `json:"account"`
			RequiredScopes []string `json:"required_scopes"`
		}
		decodeParams(params, &p)
		account := p.Account
		if account == "" {
			account = defaultAccount
		}
		return brk.GetToken(ctx, p.Provider, account, p.RequiredScopes)
	})
	d.RegisterInternal("auth.refresh", func(ctx context.Context, _ PeerInfo, params json.RawMessage, _ Credentials) (any, error) {
		var p struct {
			Provider string `json:"provider"`
			Account  string `json:"account"`
		}
		decodeParams(params, &p)
		account := p.Account
		if account == "" {
			account = defaultAccount
		}
		return brk.ForceRefresh(ctx, p.Provider, account)
	})
	d.RegisterInternal("auth.revoke", func(ctx context.Context, _ PeerInfo, params json.RawMessage, _ Credentials) (any, error) {
		var p struct {
			Provider string `json:"provider"`
			Account  string `json:"account"`
		}
		decodeParams(params, &p)
		account := p.Account
		if account == "" {
			account = defaultAccount
		}
		return nil, brk.Revoke(ctx, p.Provider, account)
	})
	d.RegisterInternal("auth.store.import", func(ctx context.Context, _ PeerInfo, params json.RawMessage, _ Credentials) (any, error) {
		var p struct {
			Provider string            `json:"provider"`
			Account  string            `json:"account"`
			Kind     string            `json:"kind"`
			Fields   map[string]string `json:"fields"`
		}
		decodeParams(params, &p)
		if p.Provider == "" || p.Account == "" {
			return nil, errors.New("auth.store.import: provider and account are required")
		}
		account := p.Account
		kind := store.Kind(p.Kind)
		if kind == "" {
			kind = store.KindGeneric
		}
		rec := store.Record{Provider: p.Provider, Account: account, Kind: kind, Fields: p.Fields}
		if err := brk.Store(ctx, rec); err != nil {
			return nil, err
		}
		return map[string]string{"provider": p.Provider, "account": account}, nil
	})
	d.RegisterInternal("auth.gogPassphrase", func(ctx context.Context, _ PeerInfo, _ json.RawMessage, _ Credentials) (any, error) {
		pass, err := brk.GetPassphrase()
		if err != nil {
			return nil, err
		}
		return map[string]string{"passphrase": pass}, nil
	})

	d.RegisterInternal("permissions.check", func(ctx context.Context, _ PeerInfo, params json.RawMessage, _ Credentials) (any, error) {
		var p struct {
			Permission string `json:"permission"`
		}
		decodeParams(params, &p)
		status, err := permission.Check(ctx, p.Permission)
		if err != nil {
			return nil, err
		}
		return map[string]string{"permission": p.Permission, "status": string(status)}, nil
	})
	d.RegisterInternal("permissions.list", func(ctx context.Context, _ PeerInfo, _ json.RawMessage, _ Credentials) (any, error) {
		return knownPermissionNames(), nil
	})
	d.RegisterInternal("permissions.request", func(ctx context.Context, _ PeerInfo, params json.RawMessage, _ Credentials) (any, error) {
		var p struct {
			Permission string `json:"permission"`
		}
		decodeParams(params, &p)
		status, err := permission.Check(ctx, p.Permission)
		if err != nil {
			return nil, err
		}
		return map[string]string{"permission": p.Permission, "status": string(status)}, nil
	})

	if cfg != nil {
		d.RegisterInternal("config.get", func(ctx context.Context, _ PeerInfo, params json.RawMessage, _ Credentials) (any, error) {
			var p struct {
				Key string `json:"key"`
			}
			decodeParams(params, &p)
			value, ok, err := cfg.Get(p.Key)
			if err != nil {
				return nil, err
			}
			return map[string]any{"key": p.Key, "value": value, "present": ok}, nil
		})
		d.RegisterInternal("config.set", func(ctx context.Context, _ PeerInfo, params json.RawMessage, _ Credentials) (any, error) {
			var p struct {
				Key   string `json:"key"`
				Value string `json:"value"`
			}
			decodeParams(params, &p)
			if p.Key == "" {
				return nil, errors.New("config.set: key must not be empty")
			}
			return nil, cfg.Set(p.Key, p.Value)
		})
	}

	d.RegisterInternal("server.status", func(ctx context.Context, _ PeerInfo, _ json.RawMessage, _ Credentials) (any, error) {
		return map[string]any{"running": true, "broker": brk.Status()}, nil
	})
	d.RegisterInternal("server.shutdown", func(ctx context.Context, _ PeerInfo, _ json.RawMessage, _ Credentials) (any, error) {
		if shutdown != nil {
			go shutdown()
		}
		return map[string]bool{"ok": true}, nil
	})
}

func decodeParams(raw json.RawMessage, target any) {
	if len(raw) == 0 {
		return
	}
	_ = json.Unmarshal(raw, target)
}

func knownPermissionNames() []string {
	names := make([]string, 0, len(remediation))
	for name := range remediation {
		names = append(names, name)
	}
	return names
}
