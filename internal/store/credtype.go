package store

// credentialTypeRegistry maps a credential Kind to the field names a
// well-formed record of that kind must carry. Put validates new records
// against this registry before they are persisted.
//
// Grounded on the original implementation's CredentialTypeRegistry
// (auth/credential_types.rs), which performs the same pre-persist field
// completeness check.
var credentialTypeRegistry = map[Kind][]string{
	KindOAuth2:  {"access_token", "token_type", "expiry"},
	KindAPIKey:  {"api_key"},
	KindBasic:   {"username", "password"},
	KindGeneric: {},
}

// requiredFields returns the field names a record of kind k must carry,
// or nil if k is not a recognized kind (validation is then skipped,
// since the kind itself isn't one the registry constrains).
func requiredFields(k Kind) ([]string, bool) {
	fields, ok := credentialTypeRegistry[k]
	return fields, ok
}
