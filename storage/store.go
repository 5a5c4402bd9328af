package storage

import (
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	pkgerrors "github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var jsonIter = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	namesBucket   = []byte("ability_names")
	resultsBucket = []byte("analysis_cache")
)

// Store is the durable key-value collaborator: the cross-invocation
// ability-name cache and the TTL-bounded analysis-result cache.
type Store struct {
	db *bolt.DB
}

func New(db *bolt.DB) *Store {
	return &Store{db: db}
}

func MustInitDB(db *bolt.DB) {
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(namesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(resultsBucket)
		return err
	})
	if err != nil {
		panic(err)
	}
}

// GetName looks up one ability name.
func (s *Store) GetName(id int) (string, bool, error) {
	var name string
	err := s.db.View(func(tx *bolt.Tx) error {
		name = string(tx.Bucket(namesBucket).Get([]byte(strconv.Itoa(id))))
		return nil
	})
	if err != nil {
		return "", false, pkgerrors.Wrap(err, "storage: get name")
	}
	return name, name != "", nil
}

// BatchGetNames fetches the names known for the given ids in one
// transaction. Missing ids are simply absent from the result.
func (s *Store) BatchGetNames(ids []int) (map[int]string, error) {
	names := make(map[int]string, len(ids))
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(namesBucket)
		for _, id := range ids {
			if v := b.Get([]byte(strconv.Itoa(id))); len(v) > 0 {
				names[id] = string(v)
			}
		}
		return nil
	})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: batch get names")
	}
	return names, nil
}

// LoadNames returns the whole persisted id→name cache.
func (s *Store) LoadNames() (map[int]string, error) {
	names := make(map[int]string, 256)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(namesBucket).ForEach(func(k, v []byte) error {
			id, err := strconv.Atoi(string(k))
			if err != nil || len(v) == 0 {
				return nil
			}
			names[id] = string(v)
			return nil
		})
	})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: load names")
	}
	return names, nil
}

// PutNames writes a batch of resolved names in one transaction.
func (s *Store) PutNames(names map[int]string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(namesBucket)
		for id, name := range names {
			if name == "" {
				continue
			}
			if err := b.Put([]byte(strconv.Itoa(id)), []byte(name)); err != nil {
				return pkgerrors.Wrap(err, "storage: put name")
			}
		}
		return nil
	})
}

type cachedResult struct {
	StoredAt int64               `json:"stored_at"`
	Payload  jsoniter.RawMessage `json:"payload"`
}

// PutResult caches an analysis result under the request hash.
func (s *Store) PutResult(key uint64, payload []byte) error {
	data, err := jsonIter.Marshal(cachedResult{
		StoredAt: time.Now().Unix(),
		Payload:  payload,
	})
	if err != nil {
		return pkgerrors.Wrap(err, "storage: encode result")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(resultsBucket).Put(resultKey(key), data)
	})
}

// GetResult returns a cached analysis result when one exists and is
// younger than ttl. Stale entries are treated as absent.
func (s *Store) GetResult(key uint64, ttl time.Duration) ([]byte, bool, error) {
	var payload []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(resultsBucket).Get(resultKey(key))
		if len(data) == 0 {
			return nil
		}
		var cr cachedResult
		if err := jsonIter.Unmarshal(data, &cr); err != nil {
			return nil
		}
		if ttl > 0 && time.Since(time.Unix(cr.StoredAt, 0)) > ttl {
			return nil
		}
		payload = cr.Payload
		return nil
	})
	if err != nil {
		return nil, false, pkgerrors.Wrap(err, "storage: get result")
	}
	return payload, payload != nil, nil
}

func resultKey(key uint64) []byte {
	return []byte(strconv.FormatUint(key, 16))
}
