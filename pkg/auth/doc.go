/*
Package auth resolves bearer tokens to identities and enforces scopes.

Tokens are stored as SHA-256 hashes with an 8-character prefix as the
lookup key; the full hash comparison is constant-time. Each client
endpoint requires a scope (chat, completions, embeddings); the model
listing needs none beyond authentication.

The development bypass accepts any token as a synthetic full-scope
identity. The production self-check refuses a configuration that
enables it.
*/
package auth
