// Package store implements the encrypted, on-disk credential store: a
// single pair of files (an encrypted credentials file and a plaintext
// metadata mirror) kept in lock-step by one serializing writer, and
// flushed atomically via temp-file + fsync + rename.
package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	credentialsFileName = "credentials.enc.json"
	schemaFileName       = "credentials.schema.json"

	dirMode   = 0o700
	credMode  = 0o600
	schemaMode = 0o644
)

// ErrNotFound is returned by Get/Delete/Resolve when no record exists
// for the given provider/account pair.
var ErrNotFound = errors.New("store: credential not found")

// RemoteResolver is the abstract remote secret-vault capability consulted
// by Resolve when a credential is absent from the local cache (e.g. a
// 1Password-backed lookup). Implementations live outside this package.
type RemoteResolver interface {
	Resolve(ctx context.Context, provider, account string) (*Record, error)
}

// Store is the encrypted credential store. The zero value is not usable;
// construct with Open.
type Store struct {
	mu      sync.RWMutex
	baseDir string
	key     []byte

	creds  credentialsFile
	schema schemaFile
}

// Open loads (or initializes) the store rooted at baseDir, encrypting
// and decrypting with key (exactly 32 bytes). The base directory is
// created with owner-only permissions if it does not exist. Any legacy
// plaintext entry found in the credentials file is encrypted and the
// store is flushed once before Open returns.
func Open(baseDir string, key []byte) (*Store, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("store: key must be 32 bytes, got %d", len(key))
	}

	if err := os.MkdirAll(baseDir, dirMode); err != nil {
		return nil, fmt.Errorf("store: create base dir: %w", err)
	}
	if err := os.Chmod(baseDir, dirMode); err != nil {
		return nil, fmt.Errorf("store: chmod base dir: %w", err)
	}

	s := &Store{
		baseDir: baseDir,
		key:     append([]byte(nil), key...),
	}

	creds, err := loadCredentialsFile(s.credentialsPath())
	if err != nil {
		return nil, fmt.Errorf("store: load credentials file: %w", err)
	}
	s.creds = creds

	schema, err := loadSchemaFile(s.schemaPath())
	if err != nil {
		return nil, fmt.Errorf("store: load schema file: %w", err)
	}
	s.schema = schema

	migrated, err := s.migrateLegacyPlaintext()
	if err != nil {
		return nil, fmt.Errorf("store: migrate legacy entries: %w", err)
	}
	if migrated {
		if err := s.flush(); err != nil {
			return nil, fmt.Errorf("store: flush after migration: %w", err)
		}
	}

	return s, nil
}

func (s *Store) credentialsPath() string { return filepath.Join(s.baseDir, credentialsFileName) }
func (s *Store) schemaPath() string      { return filepath.Join(s.baseDir, schemaFileName) }

// migrateLegacyPlaintext encrypts any credentials entry stored with
// encrypted=false (a pre-v2 plaintext entry whose Data field holds the
// raw JSON record rather than ciphertext), and reports whether any
// change was made. Must be called with no lock held (Open hasn't
// returned yet).
func (s *Store) migrateLegacyPlaintext() (bool, error) {
	changed := false
	for key, entry := range s.creds.Credentials {
		if entry.Encrypted {
			continue
		}
		iv, ciphertext, tag, err := sealRecord(s.key, []byte(entry.Data))
		if err != nil {
			return false, fmt.Errorf("encrypt legacy entry %q: %w", key, err)
		}
		s.creds.Credentials[key] = credentialEntry{
			Encrypted: true,
			Algorithm: algorithmName,
			IV:        base64.StdEncoding.EncodeToString(iv),
			Tag:       base64.StdEncoding.EncodeToString(tag),
			Data:      base64.StdEncoding.EncodeToString(ciphertext),
		}
		changed = true
	}
	return changed, nil
}

// Get returns the decrypted record for (provider, account), or
// ErrNotFound if no such record exists.
func (s *Store) Get(provider, account string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(provider, account)
}

func (s *Store) getLocked(provider, account string) (*Record, error) {
	key := CompositeKey(provider, account)
	entry, ok := s.creds.Credentials[key]
	if !ok {
		return nil, ErrNotFound
	}
	return decryptEntry(s.key, entry)
}

func decryptEntry(key []byte, entry credentialEntry) (*Record, error) {
	iv, err := base64.StdEncoding.DecodeString(entry.IV)
	if err != nil {
		return nil, fmt.Errorf("decode iv: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(entry.Tag)
	if err != nil {
		return nil, fmt.Errorf("decode tag: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(entry.Data)
	if err != nil {
		return nil, fmt.Errorf("decode data: %w", err)
	}

	plaintext, err := openRecord(key, iv, ciphertext, tag)
	if err != nil {
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &rec, nil
}

// Put validates and persists r, updating both files atomically. The
// full record is overwritten on a repeated Put for the same key
// (last-writer-wins; records are never merged).
func (s *Store) Put(r Record) error {
	if required, ok := requiredFields(r.Kind); ok {
		for _, field := range required {
			if r.Fields[field] == "" {
				return fmt.Errorf("store: credential kind %q requires field %q", r.Kind, field)
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := r.Key()
	plaintext, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("store: marshal record: %w", err)
	}

	iv, ciphertext, tag, err := sealRecord(s.key, plaintext)
	if err != nil {
		return fmt.Errorf("store: encrypt record: %w", err)
	}

	s.creds.Credentials[key] = credentialEntry{
		Encrypted: true,
		Algorithm: algorithmName,
		IV:        base64.StdEncoding.EncodeToString(iv),
		Tag:       base64.StdEncoding.EncodeToString(tag),
		Data:      base64.StdEncoding.EncodeToString(ciphertext),
	}

	added := time.Now().UTC().Format(time.RFC3339)
	if existing, ok := s.schema.Entries[key]; ok {
		added = existing.Added
	}
	s.schema.Entries[key] = schemaEntry{
		Provider:      r.Provider,
		Account:       r.Account,
		Kind:          r.Kind,
		Scopes:        splitScopes(r.Fields["scopes"]),
		Added:         added,
		LastRefreshed: r.Fields["last_refreshed"],
	}

	return s.flush()
}

// Delete removes the record for (provider, account) from both files.
// Deleting an already-absent key returns ErrNotFound and makes no
// change to either file.
func (s *Store) Delete(provider, account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := CompositeKey(provider, account)
	if _, ok := s.creds.Credentials[key]; !ok {
		return ErrNotFound
	}
	delete(s.creds.Credentials, key)
	delete(s.schema.Entries, key)
	return s.flush()
}

// List returns the secret-free metadata view of every stored credential.
func (s *Store) List() []Metadata {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Metadata, 0, len(s.schema.Entries))
	for _, e := range s.schema.Entries {
		out = append(out, Metadata{
			Provider:      e.Provider,
			Account:       e.Account,
			Kind:          e.Kind,
			Scopes:        e.Scopes,
			Added:         e.Added,
			LastRefreshed: e.LastRefreshed,
		})
	}
	return out
}

// Resolve looks up (provider, account) in the local cache first; on a
// miss, and if remote is non-nil, it consults remote and writes the
// result back to the local cache before returning it.
func (s *Store) Resolve(ctx context.Context, provider, account string, remote RemoteResolver) (*Record, error) {
	if rec, err := s.Get(provider, account); err == nil {
		return rec, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if remote == nil {
		return nil, ErrNotFound
	}

	rec, err := remote.Resolve(ctx, provider, account)
	if err != nil {
		return nil, fmt.Errorf("%w: remote resolve failed: %v", ErrNotFound, err)
	}

	if err := s.Put(*rec); err != nil {
		return nil, fmt.Errorf("store: cache remote-resolved record: %w", err)
	}
	return rec, nil
}

// flush serializes both files to temp paths, fsyncs, and renames them
// into place. Callers must hold s.mu (write lock).
func (s *Store) flush() error {
	if err := writeJSONAtomic(s.credentialsPath(), s.creds, credMode); err != nil {
		return fmt.Errorf("flush credentials file: %w", err)
	}
	if err := writeJSONAtomic(s.schemaPath(), s.schema, schemaMode); err != nil {
		return fmt.Errorf("flush schema file: %w", err)
	}
	return nil
}

func loadCredentialsFile(path string) (credentialsFile, error) {
	var f credentialsFile
	ok, err := readJSONFile(path, &f)
	if err != nil {
		return credentialsFile{}, err
	}
	if !ok {
		f = credentialsFile{Version: schemaVersion, Credentials: map[string]credentialEntry{}}
	}
	if f.Credentials == nil {
		f.Credentials = map[string]credentialEntry{}
	}
	return f, nil
}

func loadSchemaFile(path string) (schemaFile, error) {
	var f schemaFile
	ok, err := readJSONFile(path, &f)
	if err != nil {
		return schemaFile{}, err
	}
	if !ok {
		f = schemaFile{Version: schemaVersion, Entries: map[string]schemaEntry{}}
	}
	if f.Entries == nil {
		f.Entries = map[string]schemaEntry{}
	}
	return f, nil
}

func readJSONFile(path string, target any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, target); err != nil {
		return false, fmt.Errorf("parse %s: %w", path, err)
	}
	return true, nil
}

func writeJSONAtomic(path string, v any, mode os.FileMode) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func splitScopes(raw string) []string {
	return ParseScopes(raw)
}

// ParseScopes decodes the "scopes" field of a Record (a JSON array string,
// or a bare scope string for single-scope records) into a slice.
func ParseScopes(raw string) []string {
	if raw == "" {
		return nil
	}
	var scopes []string
	if err := json.Unmarshal([]byte(raw), &scopes); err == nil {
		return scopes
	}
	return []string{raw}
}

// EncodeScopes encodes scopes as the JSON array string stored in a
// Record's "scopes" field.
func EncodeScopes(scopes []string) string {
	if len(scopes) == 0 {
		return ""
	}
	data, _ := json.Marshal(scopes)
	return string(data)
}
