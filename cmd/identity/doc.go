// Package identity implements the principal directory: lookup, a read-through
// username cache, and invariant-guarded mutation over a pluggable Store.
//
// Credentials are handled through an injected Hasher; plaintext secrets are
// never persisted or logged.
package identity
