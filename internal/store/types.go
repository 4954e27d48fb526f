package store

import "fmt"

// schemaVersion is the on-disk version tag for both the credentials and
// schema files. Bumped only on a breaking layout change.
const schemaVersion = 2

// Kind enumerates the recognized shapes of a credential's fields map.
type Kind string

const (
	KindOAuth2  Kind = "oauth2"
	KindAPIKey  Kind = "api_token"
	KindBasic   Kind = "basic"
	KindGeneric Kind = "generic"
)

// Record is the decrypted, in-memory representation of one account's
// credential. Fields may hold arbitrary provider-specific keys in
// addition to the well-known ones (access_token, refresh_token,
// client_id, client_secret, token_type, expiry, scopes, issued_at,
// last_refreshed).
type Record struct {
	Provider string            `json:"provider"`
	Account  string            `json:"account"`
	Kind     Kind              `json:"kind"`
	Fields   map[string]string `json:"fields"`
}

// Key returns the composite "{provider}:{account}" key used to index
// both on-disk files.
func (r Record) Key() string {
	return CompositeKey(r.Provider, r.Account)
}

// CompositeKey builds the "{provider}:{account}" key from its parts.
func CompositeKey(provider, account string) string {
	return fmt.Sprintf("%s:%s", provider, account)
}

// credentialsFile is the on-disk shape of credentials.enc.json.
type credentialsFile struct {
	Version     int                        `json:"version"`
	Credentials map[string]credentialEntry `json:"credentials"`
}

// credentialEntry is one encrypted record as persisted on disk.
type credentialEntry struct {
	Encrypted bool   `json:"encrypted"`
	Algorithm string `json:"algorithm"`
	IV        string `json:"iv"`
	Tag       string `json:"tag"`
	Data      string `json:"data"`
}

// schemaFile is the on-disk shape of credentials.schema.json.
type schemaFile struct {
	Version int                     `json:"version"`
	Entries map[string]schemaEntry `json:"entries"`
}

// schemaEntry is the plaintext metadata mirror of one credential.
type schemaEntry struct {
	Provider       string   `json:"provider"`
	Account        string   `json:"account"`
	Kind           Kind     `json:"type"`
	Scopes         []string `json:"scopes"`
	Added          string   `json:"added"`
	LastRefreshed  string   `json:"last_refreshed,omitempty"`
}

// Metadata is the secret-free view returned by List.
type Metadata struct {
	Provider      string   `json:"provider"`
	Account       string   `json:"account"`
	Kind          Kind     `json:"kind"`
	Scopes        []string `json:"scopes"`
	Added         string   `json:"added"`
	LastRefreshed string   `json:"last_refreshed,omitempty"`
}

const algorithmName = "aes-256-gcm"
