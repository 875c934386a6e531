package clustermap

import (
	"context"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/brindlefs/duotier/pkg/cachetier"
)

var bucketOwnership = []byte("ownership")

// BoltConfig configures the durable ownership-map backing store.
type BoltConfig struct {
	Path    string
	Timeout time.Duration
}

// BoltMap is an OwnershipMap whose Put/PutIfAbsent/Remove/Get records
// persist in a bbolt bucket so ownership survives a node restart, while
// locking and transaction bookkeeping — which only ever need to make sense
// for the lifetime of one running process — stay in-memory on an embedded
// InMemoryMap. This mirrors the division of labor in the teacher's
// BoltStore: bbolt holds durable state, everything process-local stays in
// plain Go maps.
type BoltMap struct {
	*InMemoryMap
	db *bolt.DB
}

// NewBoltMap opens (creating if necessary) a bbolt database at cfg.Path and
// returns a BoltMap backed by it. capacity/ttl configure the embedded
// InMemoryMap's record cache. Get reads only that cache: bbolt is read once,
// when the map is opened, so a record the cache has evicted or expired is not
// returned by Get even though bbolt still holds it.
func NewBoltMap(cfg BoltConfig, capacity int, ttl time.Duration) (*BoltMap, error) {
	if cfg.Path == "" {
		return nil, cachetier.E(cachetier.KindIllegalArgument, "clustermap.NewBoltMap", "path is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: cfg.Timeout})
	if err != nil {
		return nil, cachetier.Wrap(cachetier.KindIO, "clustermap.NewBoltMap", cfg.Path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketOwnership)
		return err
	}); err != nil {
		db.Close()
		return nil, cachetier.Wrap(cachetier.KindIO, "clustermap.NewBoltMap", cfg.Path, err)
	}

	m := &BoltMap{InMemoryMap: New(capacity, ttl), db: db}
	if err := m.loadAll(); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

func (m *BoltMap) loadAll() error {
	return m.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOwnership)
		return b.ForEach(func(k, v []byte) error {
			m.InMemoryMap.records.Set(string(k), string(v))
			return nil
		})
	})
}

func (m *BoltMap) persist(key, owner string) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOwnership).Put([]byte(key), []byte(owner))
	})
}

func (m *BoltMap) erase(key string) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOwnership).Delete([]byte(key))
	})
}

func (m *BoltMap) Put(ctx context.Context, key, owner string) error {
	if err := m.persist(key, owner); err != nil {
		return cachetier.Wrap(cachetier.KindIO, "clustermap.BoltMap.Put", key, err)
	}
	return m.InMemoryMap.Put(ctx, key, owner)
}

func (m *BoltMap) PutIfAbsent(ctx context.Context, key, owner string) (bool, error) {
	ok, err := m.InMemoryMap.PutIfAbsent(ctx, key, owner)
	if err != nil || !ok {
		return ok, err
	}
	if err := m.persist(key, owner); err != nil {
		return false, cachetier.Wrap(cachetier.KindIO, "clustermap.BoltMap.PutIfAbsent", key, err)
	}
	return true, nil
}

func (m *BoltMap) Remove(ctx context.Context, key string) error {
	if err := m.erase(key); err != nil {
		return cachetier.Wrap(cachetier.KindIO, "clustermap.BoltMap.Remove", key, err)
	}
	return m.InMemoryMap.Remove(ctx, key)
}

// Close closes the bbolt database and the embedded in-memory cache's
// background sweep.
func (m *BoltMap) Close() error {
	m.InMemoryMap.Close()
	return m.db.Close()
}
