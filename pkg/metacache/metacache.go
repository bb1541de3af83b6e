// Package metacache persists the last-installed manifest's regular
// entries in an embedded bbolt database, so the delta calculator does
// not have to re-parse the previous install's regulars.txt from
// scratch on every update.
package metacache

import (
	"encoding/json"
	"fmt"

	"github.com/otaclient/otaclient/pkg/manifest"
	bolt "go.etcd.io/bbolt"
)

var bucketRegulars = []byte("regulars")

// entryRecord is the subset of manifest.RegularEntry the cache needs
// to replay for delta computation.
type entryRecord struct {
	Path   string  `json:"path"`
	Size   *int64  `json:"size,omitempty"`
	NLink  int     `json:"nlink"`
	Inode  *uint64 `json:"inode,omitempty"`
}

// Cache wraps a bbolt database keyed by sha256, storing a
// JSON-marshaled entry set per key.
type Cache struct {
	db *bolt.DB
}

// Open opens (creating if absent) the metacache database at path.
func Open(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open metacache %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRegulars)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create metacache bucket: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Replace atomically overwrites the cache's contents with the regular
// entries of the manifest that was just installed.
func (c *Cache) Replace(entries []manifest.RegularEntry) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		// bbolt has no bucket-clear primitive cheaper than delete+recreate.
		if err := tx.DeleteBucket(bucketRegulars); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketRegulars)
		if err != nil {
			return err
		}
		byHash := make(map[string][]entryRecord)
		for _, e := range entries {
			byHash[e.SHA256] = append(byHash[e.SHA256], entryRecord{
				Path: e.Path, Size: e.Size, NLink: e.NLink, Inode: e.Inode,
			})
		}
		for hash, records := range byHash {
			data, err := json.Marshal(records)
			if err != nil {
				return fmt.Errorf("marshal records for %s: %w", hash, err)
			}
			if err := b.Put([]byte(hash), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Iterator replays the cached regular entries in hash order as a
// manifest.RegularStream-compatible entryIterator for pkg/delta.
type Iterator struct {
	hashes  []string
	records map[string][]entryRecord
	hashIdx int
	recIdx  int
}

// Iterate returns a pull-based iterator over the cached manifest, or
// an empty iterator if the cache has never been populated (a fresh
// install).
func (c *Cache) Iterate() (*Iterator, error) {
	it := &Iterator{records: make(map[string][]entryRecord)}
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRegulars)
		return b.ForEach(func(k, v []byte) error {
			var records []entryRecord
			if err := json.Unmarshal(v, &records); err != nil {
				return fmt.Errorf("unmarshal records for %s: %w", k, err)
			}
			hash := string(k)
			it.hashes = append(it.hashes, hash)
			it.records[hash] = records
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return it, nil
}

// Next implements the entryIterator contract pkg/delta.Compute
// expects: it reconstructs a minimal manifest.RegularEntry per cached
// record, sufficient for hash-partitioning.
func (it *Iterator) Next() (manifest.RegularEntry, bool, error) {
	for it.hashIdx < len(it.hashes) {
		hash := it.hashes[it.hashIdx]
		records := it.records[hash]
		if it.recIdx >= len(records) {
			it.hashIdx++
			it.recIdx = 0
			continue
		}
		r := records[it.recIdx]
		it.recIdx++
		return manifest.RegularEntry{
			SHA256: hash,
			Path:   r.Path,
			Size:   r.Size,
			NLink:  r.NLink,
			Inode:  r.Inode,
		}, true, nil
	}
	return manifest.RegularEntry{}, false, nil
}
