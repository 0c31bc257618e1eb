package storage

import (
	"time"

	"github.com/cortexhub/cortex/pkg/types"
)

// Store defines the interface for control-plane state storage.
// Implemented by the BoltDB-backed store.
type Store interface {
	// Models
	CreateModel(model *types.Model) error
	GetModel(id uint64) (*types.Model, error)
	GetModelByServedName(name string) (*types.Model, error)
	ListModels(includeArchived bool) ([]*types.Model, error)
	UpdateModel(model *types.Model) error
	DeleteModel(id uint64) error

	// Identities
	CreateIdentity(identity *types.Identity) error
	GetIdentity(id uint64) (*types.Identity, error)
	ListIdentities() ([]*types.Identity, error)
	DeleteIdentity(id uint64) error

	// API keys
	PutAPIKey(key *types.APIKey) error
	GetAPIKeyByPrefix(prefix string) (*types.APIKey, error)
	DeleteAPIKey(prefix string) error

	// Usage
	AppendUsage(row *types.UsageRow) error
	ListUsage(since time.Time, limit int) ([]*types.UsageRow, error)

	// Opaque key/value config (registry snapshot lives here)
	PutKV(key string, value []byte) error
	GetKV(key string) ([]byte, error)
	DeleteKV(key string) error

	// Utility
	Close() error
}
