// Package types defines the shared data model: models and their
// lifecycle states, upstream entries, identities and credentials, usage
// rows, and the structured error vocabulary.
package types
