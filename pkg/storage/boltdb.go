package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cortexhub/cortex/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketModels     = []byte("models")
	bucketIdentities = []byte("identities")
	bucketAPIKeys    = []byte("api_keys")
	bucketUsage      = []byte("usage")
	bucketConfigKV   = []byte("config_kv")
)

// ErrNotFound is returned when a record does not exist.
type ErrNotFound struct {
	Kind string
	Key  string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Key)
}

// IsNotFound reports whether err is a missing-record error.
func IsNotFound(err error) bool {
	_, ok := err.(*ErrNotFound)
	return ok
}

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "cortex.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketModels,
			bucketIdentities,
			bucketAPIKeys,
			bucketUsage,
			bucketConfigKV,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func u64Key(id uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, id)
	return k
}

// Model operations

// CreateModel assigns the next sequence id and persists the model. A
// non-archived model with the same served name is rejected.
func (s *BoltStore) CreateModel(model *types.Model) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketModels)

		if err := servedNameTaken(b, model.ServedName, 0); err != nil {
			return err
		}

		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		model.ID = id
		model.CreatedAt = time.Now()
		model.UpdatedAt = model.CreatedAt

		data, err := json.Marshal(model)
		if err != nil {
			return err
		}
		return b.Put(u64Key(model.ID), data)
	})
}

func servedNameTaken(b *bolt.Bucket, name string, selfID uint64) error {
	return b.ForEach(func(k, v []byte) error {
		var m types.Model
		if err := json.Unmarshal(v, &m); err != nil {
			return err
		}
		if m.ServedName == name && m.State != types.ModelStateArchived && m.ID != selfID {
			return types.NewAPIError(types.CodeConflict,
				"served name %s already in use by model %d", name, m.ID)
		}
		return nil
	})
}

func (s *BoltStore) GetModel(id uint64) (*types.Model, error) {
	var model types.Model
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketModels)
		data := b.Get(u64Key(id))
		if data == nil {
			return &ErrNotFound{Kind: "model", Key: fmt.Sprintf("%d", id)}
		}
		return json.Unmarshal(data, &model)
	})
	if err != nil {
		return nil, err
	}
	return &model, nil
}

func (s *BoltStore) GetModelByServedName(name string) (*types.Model, error) {
	var found *types.Model
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketModels)
		return b.ForEach(func(k, v []byte) error {
			var model types.Model
			if err := json.Unmarshal(v, &model); err != nil {
				return err
			}
			if model.ServedName == name && model.State != types.ModelStateArchived {
				found = &model
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, &ErrNotFound{Kind: "model", Key: name}
	}
	return found, nil
}

func (s *BoltStore) ListModels(includeArchived bool) ([]*types.Model, error) {
	var models []*types.Model
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketModels)
		return b.ForEach(func(k, v []byte) error {
			var model types.Model
			if err := json.Unmarshal(v, &model); err != nil {
				return err
			}
			if !includeArchived && model.State == types.ModelStateArchived {
				return nil
			}
			models = append(models, &model)
			return nil
		})
	})
	return models, err
}

func (s *BoltStore) UpdateModel(model *types.Model) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketModels)
		if b.Get(u64Key(model.ID)) == nil {
			return &ErrNotFound{Kind: "model", Key: fmt.Sprintf("%d", model.ID)}
		}
		if err := servedNameTaken(b, model.ServedName, model.ID); err != nil {
			return err
		}
		model.UpdatedAt = time.Now()
		data, err := json.Marshal(model)
		if err != nil {
			return err
		}
		return b.Put(u64Key(model.ID), data)
	})
}

func (s *BoltStore) DeleteModel(id uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketModels)
		return b.Delete(u64Key(id))
	})
}

// Identity operations

func (s *BoltStore) CreateIdentity(identity *types.Identity) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIdentities)
		if identity.ID == 0 {
			id, err := b.NextSequence()
			if err != nil {
				return err
			}
			identity.ID = id
		}
		if identity.CreatedAt.IsZero() {
			identity.CreatedAt = time.Now()
		}
		data, err := json.Marshal(identity)
		if err != nil {
			return err
		}
		return b.Put(u64Key(identity.ID), data)
	})
}

func (s *BoltStore) GetIdentity(id uint64) (*types.Identity, error) {
	var identity types.Identity
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIdentities)
		data := b.Get(u64Key(id))
		if data == nil {
			return &ErrNotFound{Kind: "identity", Key: fmt.Sprintf("%d", id)}
		}
		return json.Unmarshal(data, &identity)
	})
	if err != nil {
		return nil, err
	}
	return &identity, nil
}

func (s *BoltStore) ListIdentities() ([]*types.Identity, error) {
	var identities []*types.Identity
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIdentities)
		return b.ForEach(func(k, v []byte) error {
			var identity types.Identity
			if err := json.Unmarshal(v, &identity); err != nil {
				return err
			}
			identities = append(identities, &identity)
			return nil
		})
	})
	return identities, err
}

func (s *BoltStore) DeleteIdentity(id uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIdentities)
		return b.Delete(u64Key(id))
	})
}

// API key operations. Keys are stored under their hash prefix.

func (s *BoltStore) PutAPIKey(key *types.APIKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAPIKeys)
		if key.CreatedAt.IsZero() {
			key.CreatedAt = time.Now()
		}
		data, err := json.Marshal(key)
		if err != nil {
			return err
		}
		return b.Put([]byte(key.HashPrefix), data)
	})
}

func (s *BoltStore) GetAPIKeyByPrefix(prefix string) (*types.APIKey, error) {
	var key types.APIKey
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAPIKeys)
		data := b.Get([]byte(prefix))
		if data == nil {
			return &ErrNotFound{Kind: "api key", Key: prefix}
		}
		return json.Unmarshal(data, &key)
	})
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func (s *BoltStore) DeleteAPIKey(prefix string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAPIKeys)
		return b.Delete([]byte(prefix))
	})
}

// Usage operations. Rows are keyed by a bolt sequence so iteration follows
// append order.

func (s *BoltStore) AppendUsage(row *types.UsageRow) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsage)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(row)
		if err != nil {
			return err
		}
		return b.Put(u64Key(seq), data)
	})
}

func (s *BoltStore) ListUsage(since time.Time, limit int) ([]*types.UsageRow, error) {
	var rows []*types.UsageRow
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsage)
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var row types.UsageRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			if !since.IsZero() && row.StartedAt.Before(since) {
				continue
			}
			rows = append(rows, &row)
			if limit > 0 && len(rows) >= limit {
				return nil
			}
		}
		return nil
	})
	return rows, err
}

// Key/value config operations

func (s *BoltStore) PutKV(key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConfigKV)
		return b.Put([]byte(key), value)
	})
}

func (s *BoltStore) GetKV(key string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConfigKV)
		v := b.Get([]byte(key))
		if v == nil {
			return &ErrNotFound{Kind: "config key", Key: key}
		}
		// Copy: bolt data is only valid during the transaction
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *BoltStore) DeleteKV(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConfigKV)
		return b.Delete([]byte(key))
	})
}
