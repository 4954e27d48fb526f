// Package broker implements the Auth Broker (C4): the stateful
// orchestrator that sits between the credential store and the OAuth
// provider layer, resolving tokens with scope checks and refreshing
// them proactively in the background.
package broker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/geilt/tairseach/common/redact"
	"github.com/geilt/tairseach/internal/oauth"
	"github.com/geilt/tairseach/internal/store"
)

const (
	// onDemandMargin is how close to expiry GetToken will trigger a
	// synchronous refresh before returning a token.
	onDemandMargin = 60 * time.Second
	// backgroundHorizon is how far ahead of expiry the background task
	// will pre-emptively refresh an account.
	backgroundHorizon = 5 * time.Minute
	// tickInterval is how often the background refresh task wakes.
	tickInterval = 60 * time.Second

	passphraseProvider = "_internal"
	passphraseAccount  = "gog_passphrase"
)

// AuditFunc receives a broker-level lifecycle notice, carrying whatever
// trace ID ctx holds so the notice can be correlated with the RPC call
// that triggered it. It must not block and must never itself fail
// loudly: implementations log and return.
type AuditFunc func(ctx context.Context, kind, provider, account, message string)

// Status summarizes the broker's current health, per spec.md §4.4.
type Status struct {
	Initialized        bool `json:"initialized"`
	MasterKeyAvailable bool `json:"master_key_available"`
	AccountCount       int  `json:"account_count"`
	PassphraseSet      bool `json:"passphrase_set"`
}

// Token is the shape returned by GetToken/ForceRefresh.
type Token struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	Expiry      time.Time `json:"expiry"`
}

// Broker orchestrates the credential store and the OAuth provider
// registry. Constructed explicitly and owned by the caller (there is no
// package-level singleton); Stop must be called once to release the
// background refresh task.
type Broker struct {
	store     *store.Store
	providers *oauth.Registry
	audit     AuditFunc

	refreshing atomic.Bool
	stopOnce   sync.Once
	stopCh     chan struct{}
	doneCh     chan struct{}
}

// New constructs a Broker over an already-open store and provider
// registry. Call Run to start the background refresh loop.
func New(st *store.Store, providers *oauth.Registry, audit AuditFunc) *Broker {
	if audit == nil {
		audit = func(context.Context, string, string, string, string) {}
	}
	return &Broker{
		store:     st,
		providers: providers,
		audit:     audit,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Status reports the broker's current health.
func (b *Broker) Status() Status {
	accounts := b.store.List()
	_, passphraseSet := b.lookupPassphrase()
	return Status{
		Initialized:        true,
		MasterKeyAvailable: true,
		AccountCount:       len(accounts),
		PassphraseSet:      passphraseSet,
	}
}

// ListAccounts returns the metadata view of every stored account,
// optionally filtered by provider.
func (b *Broker) ListAccounts(providerFilter string) []store.Metadata {
	all := b.store.List()
	if providerFilter == "" {
		return all
	}
	out := make([]store.Metadata, 0, len(all))
	for _, m := range all {
		if m.Provider == providerFilter {
			out = append(out, m)
		}
	}
	return out
}

// ListProviders returns the canonical names of every registered OAuth
// provider.
func (b *Broker) ListProviders() []string {
	return b.providers.Names()
}

// GetToken implements spec.md §4.4's get_token algorithm: load the
// record, enforce any requested scopes, and refresh on-demand if the
// token is within 60 seconds of expiry (falling back to a stale token
// plus a warning if refresh fails but the token hasn't expired yet).
func (b *Broker) GetToken(ctx context.Context, provider, account string, requiredScopes []string) (*Token, error) {
	rec, err := b.store.Get(provider, account)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, newError(TokenNotFound, "no credential for %s:%s", provider, account)
		}
		return nil, fmt.Errorf("broker: load record: %w", err)
	}

	if err := requireScopes(rec, requiredScopes); err != nil {
		return nil, err
	}

	expiry, err := parseExpiry(rec)
	if err != nil {
		return nil, fmt.Errorf("broker: parse expiry: %w", err)
	}

	if time.Until(expiry) > onDemandMargin {
		return tokenFromRecord(rec, expiry), nil
	}

	refreshed, rerr := b.refreshOne(ctx, rec)
	if rerr == nil {
		return refreshed, nil
	}

	if time.Now().Before(expiry) {
		msg := redactErr(rerr, rec)
		slog.Warn("broker: refresh failed, serving stale token",
			"provider", provider, "account", account, "err", msg)
		b.audit(ctx, "token.refresh_failed_absorbed", provider, account, msg)
		return tokenFromRecord(rec, expiry), nil
	}

	return nil, newError(TokenRefreshFailed, "refresh failed for %s:%s: %v", provider, account, rerr)
}

// GetCredential returns the raw decrypted record for a non-OAuth
// credential (api_token, basic_auth, generic) without attempting any
// refresh. Callers needing an OAuth access token should use GetToken
// instead.
func (b *Broker) GetCredential(provider, account string) (*store.Record, error) {
	rec, err := b.store.Get(provider, account)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, newError(TokenNotFound, "no credential for %s:%s", provider, account)
		}
		return nil, fmt.Errorf("broker: load record: %w", err)
	}
	return rec, nil
}

// ForceRefresh refreshes the named account's token unconditionally.
func (b *Broker) ForceRefresh(ctx context.Context, provider, account string) (*Token, error) {
	rec, err := b.store.Get(provider, account)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, newError(TokenNotFound, "no credential for %s:%s", provider, account)
		}
		return nil, fmt.Errorf("broker: load record: %w", err)
	}
	tok, err := b.refreshOne(ctx, rec)
	if err != nil {
		return nil, newError(TokenRefreshFailed, "refresh failed for %s:%s: %v", provider, account, err)
	}
	return tok, nil
}

// Revoke best-effort informs the upstream provider and then deletes the
// credential locally regardless of the upstream's response.
func (b *Broker) Revoke(ctx context.Context, provider, account string) error {
	rec, err := b.store.Get(provider, account)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return newError(TokenNotFound, "no credential for %s:%s", provider, account)
		}
		return fmt.Errorf("broker: load record: %w", err)
	}

	if p, perr := b.providers.Get(provider); perr == nil {
		if rerr := p.Revoke(ctx, rec.Fields["access_token"]); rerr != nil {
			msg := redactErr(rerr, rec)
			slog.Warn("broker: upstream revoke failed, deleting locally anyway",
				"provider", provider, "account", account, "err", msg)
			b.audit(ctx, "token.revoke_failed_absorbed", provider, account, msg)
		}
	}

	if err := b.store.Delete(provider, account); err != nil {
		return fmt.Errorf("broker: delete record: %w", err)
	}
	b.audit(ctx, "token.revoked", provider, account, "")
	return nil
}

// Store persists rec as-is (used by auth.store / import).
func (b *Broker) Store(ctx context.Context, rec store.Record) error {
	if err := b.store.Put(rec); err != nil {
		return fmt.Errorf("broker: store record: %w", err)
	}
	b.audit(ctx, "token.stored", rec.Provider, rec.Account, "")
	return nil
}

// GetPassphrase returns the cached derived keyring passphrase, generating
// and persisting one the first time it is called (spec.md §9 Open
// Questions: the source regenerates on absence, not fails).
func (b *Broker) GetPassphrase() (string, error) {
	if pass, ok := b.lookupPassphrase(); ok {
		return pass, nil
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("broker: generate passphrase: %w", err)
	}
	pass := hex.EncodeToString(raw)

	err := b.store.Put(store.Record{
		Provider: passphraseProvider,
		Account:  passphraseAccount,
		Kind:     store.KindGeneric,
		Fields:   map[string]string{"value": pass},
	})
	if err != nil {
		return "", fmt.Errorf("broker: persist passphrase: %w", err)
	}
	return pass, nil
}

func (b *Broker) lookupPassphrase() (string, bool) {
	rec, err := b.store.Get(passphraseProvider, passphraseAccount)
	if err != nil {
		return "", false
	}
	return rec.Fields["value"], true
}

func requireScopes(rec *store.Record, required []string) error {
	if len(required) == 0 {
		return nil
	}
	have := make(map[string]bool)
	for _, s := range store.ParseScopes(rec.Fields["scopes"]) {
		have[s] = true
	}
	for _, want := range required {
		if !have[want] {
			return newError(ScopeInsufficient, "Token missing scope: %s", want)
		}
	}
	return nil
}

func parseExpiry(rec *store.Record) (time.Time, error) {
	raw := rec.Fields["expiry"]
	if raw == "" {
		return time.Time{}, fmt.Errorf("record has no expiry field")
	}
	return time.Parse(time.RFC3339, raw)
}

// redactErr strips rec's known credential values out of err's message
// before it is logged or audited, so an upstream error echoing a token or
// secret back in its body never reaches a log line or the audit trail.
func redactErr(err error, rec *store.Record) string {
	return redact.String(err.Error(), rec.Fields["access_token"], rec.Fields["refresh_token"])
}

func tokenFromRecord(rec *store.Record, expiry time.Time) *Token {
	return &Token{
		AccessToken: rec.Fields["access_token"],
		TokenType:   rec.Fields["token_type"],
		Expiry:      expiry,
	}
}

// refreshOne refreshes a single record via its provider and persists the
// result. Per spec.md §9, a refreshed record preserves its original
// issued_at (the source preserves it; this does not regenerate it).
func (b *Broker) refreshOne(ctx context.Context, rec *store.Record) (*Token, error) {
	p, err := b.providers.Get(rec.Provider)
	if err != nil {
		return nil, newError(ProviderNotSupported, "provider %q not supported", rec.Provider)
	}

	result, err := p.Refresh(ctx, rec.Fields["refresh_token"])
	if err != nil {
		return nil, err
	}

	updated := *rec
	updated.Fields = cloneFields(rec.Fields)
	updated.Fields["access_token"] = result.AccessToken
	if result.RefreshToken != "" {
		updated.Fields["refresh_token"] = result.RefreshToken
	}
	if result.TokenType != "" {
		updated.Fields["token_type"] = result.TokenType
	}
	updated.Fields["expiry"] = result.Expiry.UTC().Format(time.RFC3339)
	updated.Fields["last_refreshed"] = time.Now().UTC().Format(time.RFC3339)
	if scopes := store.ParseScopes(rec.Fields["scopes"]); len(result.Scopes) > 0 || len(scopes) > 0 {
		updated.Fields["scopes"] = store.EncodeScopes(unionScopeStrings(scopes, result.Scopes))
	}

	if err := b.store.Put(updated); err != nil {
		return nil, fmt.Errorf("persist refreshed record: %w", err)
	}
	b.audit(ctx, "token.refreshed", rec.Provider, rec.Account, "")

	expiry, _ := parseExpiry(&updated)
	return tokenFromRecord(&updated, expiry), nil
}

func cloneFields(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func unionScopeStrings(old, fresh []string) []string {
	if len(fresh) == 0 {
		return old
	}
	seen := make(map[string]bool, len(old)+len(fresh))
	out := make([]string, 0, len(old)+len(fresh))
	for _, s := range fresh {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range old {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// Run starts the background refresh loop. Blocks until Stop is called or
// ctx is cancelled. Grounded on the teacher's reconciler.Run ticker-loop
// shape, with an added tick-skip guard: a tick still in flight when the
// ticker fires again is simply skipped (spec.md §5: "ticks do not queue
// up"), which the teacher's reconciler does not need since its own ticks
// are cheap.
func (b *Broker) Run(ctx context.Context) {
	defer close(b.doneCh)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case <-ticker.C:
			if !b.refreshing.CompareAndSwap(false, true) {
				slog.Debug("broker: skipping refresh tick, previous tick still running")
				continue
			}
			b.refreshDue(ctx)
			b.refreshing.Store(false)
		}
	}
}

// Stop signals Run to exit and waits for it to finish.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	<-b.doneCh
}

// refreshDue refreshes every account whose expiry is within
// backgroundHorizon. A failure for one account never stops the others
// from being processed, matching the teacher's per-agent try/continue
// reconciliation loop.
func (b *Broker) refreshDue(ctx context.Context) {
	for _, m := range b.store.List() {
		if m.Provider == passphraseProvider {
			continue
		}
		rec, err := b.store.Get(m.Provider, m.Account)
		if err != nil {
			continue
		}
		expiry, err := parseExpiry(rec)
		if err != nil {
			continue
		}
		if time.Until(expiry) > backgroundHorizon {
			continue
		}
		if _, err := b.refreshOne(ctx, rec); err != nil {
			msg := redactErr(err, rec)
			slog.Warn("broker: background refresh failed",
				"provider", m.Provider, "account", m.Account, "err", msg)
			b.audit(ctx, "token.refresh_failed", m.Provider, m.Account, msg)
		}
	}
}
