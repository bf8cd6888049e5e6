// Package catalog maintains a bbolt-backed cross-check of what the
// registry believes is on disk for each namespace: the order of sealed
// segments and the checkpoint watermark. The directory listing remains
// the source of truth for recovery; the catalog exists purely to detect
// divergence between what was recorded and what is actually present, so
// a corrupted or partially-written rotation is caught early instead of
// silently served.
package catalog

import (
	"encoding/binary"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var namespacesBucket = []byte("namespaces")

// Catalog wraps a single bbolt database file shared by every namespace
// in a registry.
type Catalog struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the catalog database at path.
func Open(path string) (*Catalog, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(namespacesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: init bucket: %w", err)
	}
	return &Catalog{db: db}, nil
}

// Close closes the underlying bbolt database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Entry records one sealed segment's place in a namespace's history.
type Entry struct {
	StartFrameNo         uint64
	LastCommittedFrameNo uint64
	SealedAt             time.Time
}

// RecordSeal appends a sealed-segment entry to namespace's history and
// advances its segment count. Entries are stored keyed by
// start_frame_no so iteration order matches segment order.
func (c *Catalog) RecordSeal(namespace string, e Entry) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		ns, err := c.namespaceBucket(tx, namespace)
		if err != nil {
			return err
		}
		segs, err := ns.CreateBucketIfNotExists([]byte("segments"))
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, e.StartFrameNo)
		val := make([]byte, 16)
		binary.BigEndian.PutUint64(val[0:8], e.LastCommittedFrameNo)
		binary.BigEndian.PutUint64(val[8:16], uint64(e.SealedAt.Unix()))
		return segs.Put(key, val)
	})
}

// RecordCheckpoint advances namespace's checkpoint watermark to
// upToFrameNo and removes every recorded segment entry whose
// last_committed_frame_no is now at or below the watermark, mirroring
// the segments the checkpointer actually deleted from disk.
func (c *Catalog) RecordCheckpoint(namespace string, upToFrameNo uint64) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		ns, err := c.namespaceBucket(tx, namespace)
		if err != nil {
			return err
		}
		watermark := make([]byte, 8)
		binary.BigEndian.PutUint64(watermark, upToFrameNo)
		if err := ns.Put([]byte("checkpoint_watermark"), watermark); err != nil {
			return err
		}
		segs := ns.Bucket([]byte("segments"))
		if segs == nil {
			return nil
		}
		var toDelete [][]byte
		c := segs.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			lastCommitted := binary.BigEndian.Uint64(v[0:8])
			if lastCommitted <= upToFrameNo {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
		}
		for _, k := range toDelete {
			if err := segs.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// CheckpointWatermark returns the last frame number folded into the
// base file for namespace, or 0 if none has been recorded yet.
func (c *Catalog) CheckpointWatermark(namespace string) (uint64, error) {
	var watermark uint64
	err := c.db.View(func(tx *bbolt.Tx) error {
		ns := tx.Bucket(namespacesBucket)
		if ns == nil {
			return nil
		}
		nsBucket := ns.Bucket([]byte(namespace))
		if nsBucket == nil {
			return nil
		}
		v := nsBucket.Get([]byte("checkpoint_watermark"))
		if v == nil {
			return nil
		}
		watermark = binary.BigEndian.Uint64(v)
		return nil
	})
	return watermark, err
}

// SegmentCount returns the number of sealed-segment entries recorded
// for namespace, used by the registry as a cross-check against the
// number of sealed segment files actually found on disk at Open time.
func (c *Catalog) SegmentCount(namespace string) (int, error) {
	count := 0
	err := c.db.View(func(tx *bbolt.Tx) error {
		ns := tx.Bucket(namespacesBucket)
		if ns == nil {
			return nil
		}
		nsBucket := ns.Bucket([]byte(namespace))
		if nsBucket == nil {
			return nil
		}
		segs := nsBucket.Bucket([]byte("segments"))
		if segs == nil {
			return nil
		}
		count = segs.Stats().KeyN
		return nil
	})
	return count, err
}

func (c *Catalog) namespaceBucket(tx *bbolt.Tx, namespace string) (*bbolt.Bucket, error) {
	root := tx.Bucket(namespacesBucket)
	return root.CreateBucketIfNotExists([]byte(namespace))
}
