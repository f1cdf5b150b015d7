// Package store is the post-processing stage's local durable state: the
// deferred upload retry queue. It keeps a bbolt bucket of retry records,
// using NextSequence()-assigned big-endian keys so a cursor
// walk over the bucket visits records oldest-first, which is the order the
// drain loop needs to process them in.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var retryBucket = []byte("upload_retry_queue")

// RetryRecord is one pending deferred upload attempt.
type RetryRecord struct {
	ID        uint64    `json:"id"`
	BookingID string    `json:"booking_id"`
	FinalPath string    `json:"final_path"`
	Key       string    `json:"key"` // destination object-store key
	Attempt   int       `json:"attempt"`
	NextTime  time.Time `json:"next_time"`
}

// Store wraps a bbolt database for the post-processor's retry queue.
type Store struct {
	db *bbolt.DB
}

// Open opens (and, if needed, initializes) the bbolt database at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o644, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(retryBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Enqueue inserts a new retry record, assigning it a monotonically
// increasing ID.
func (s *Store) Enqueue(rec RetryRecord) (uint64, error) {
	var id uint64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(retryBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = seq
		rec.ID = id
		encoded, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(itob(id), encoded)
	})
	return id, err
}

// Update rewrites a retry record in place (e.g. bumping Attempt/NextTime
// after a failed drain attempt).
func (s *Store) Update(rec RetryRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(retryBucket)
		encoded, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(itob(rec.ID), encoded)
	})
}

// Delete removes a retry record once it has drained successfully.
func (s *Store) Delete(id uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(retryBucket).Delete(itob(id))
	})
}

// Due returns every retry record whose NextTime has passed, oldest-first,
// by walking the bucket's cursor in key order.
func (s *Store) Due(now time.Time) ([]RetryRecord, error) {
	var due []RetryRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(retryBucket).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var rec RetryRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if !rec.NextTime.After(now) {
				due = append(due, rec)
			}
		}
		return nil
	})
	return due, err
}

// All returns every pending retry record, oldest-first, for status reporting.
func (s *Store) All() ([]RetryRecord, error) {
	var all []RetryRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(retryBucket).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var rec RetryRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			all = append(all, rec)
		}
		return nil
	})
	return all, err
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
