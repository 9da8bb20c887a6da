// Package embedded implements eventstore.Store on top of a single bbolt
// file: one nested bucket per stream, a global log bucket, an outbox
// bucket, and a projection-positions bucket.
package embedded

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/thalo-rs/thalo/pkg/event"
	"github.com/thalo-rs/thalo/pkg/eventstore"
	"github.com/thalo-rs/thalo/pkg/streamname"
)

var (
	bucketStreams   = []byte("streams")
	bucketGlobal    = []byte("global")
	bucketOutbox    = []byte("outbox")
	bucketPositions = []byte("positions")
)

// Store is a bbolt-backed eventstore.Store.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) a thalo.db file under dataDir and
// prepares its top-level buckets.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "thalo.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("eventstore/embedded: open %s: %w", dbPath, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketStreams, bucketGlobal, bucketOutbox, bucketPositions} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func seqKey(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func seqFromKey(k []byte) uint64 { return binary.BigEndian.Uint64(k) }

func splitCategory(stream string) (category string, ok bool) {
	n, err := streamname.New(stream)
	if err != nil {
		return stream, false
	}
	_, ok = n.ID()
	return n.Category(), ok
}

func sequenceEqual(a, b eventstore.ExpectedSequence) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (s *Store) AppendToStream(_ context.Context, stream string, events []event.NewEvent, expected eventstore.ExpectedSequence) ([]event.Record, error) {
	var written []event.Record

	err := s.db.Update(func(tx *bolt.Tx) error {
		streams := tx.Bucket(bucketStreams)
		sb, err := streams.CreateBucketIfNotExists([]byte(stream))
		if err != nil {
			return err
		}

		var current eventstore.ExpectedSequence
		if k, _ := sb.Cursor().Last(); k != nil {
			current = eventstore.Seq(seqFromKey(k))
		}
		if !sequenceEqual(current, expected) {
			return &eventstore.WrongExpectedSequenceError{StreamName: stream, Expected: expected, Current: current}
		}

		global := tx.Bucket(bucketGlobal)
		outbox := tx.Bucket(bucketOutbox)
		category, _ := splitCategory(stream)

		nextSeq := uint64(0)
		if current != nil {
			nextSeq = *current + 1
		}

		written = make([]event.Record, 0, len(events))
		for _, e := range events {
			globalSeq, err := global.NextSequence()
			if err != nil {
				return fmt.Errorf("next global sequence: %w", err)
			}
			globalSeq-- // NextSequence is 1-based; global_sequence is 0-based.

			rec := event.Record{
				StreamName:     stream,
				Sequence:       nextSeq,
				GlobalSequence: globalSeq,
				ID:             uuid.NewString(),
				EventType:      e.EventType,
				Data:           e.Data,
				Timestamp:      time.Now().UnixMilli(),
				Metadata:       e.Metadata,
			}

			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("marshal record: %w", err)
			}
			if err := sb.Put(seqKey(nextSeq), data); err != nil {
				return err
			}
			if err := global.Put(seqKey(globalSeq), data); err != nil {
				return err
			}

			outID, err := outbox.NextSequence()
			if err != nil {
				return fmt.Errorf("next outbox id: %w", err)
			}
			outRec := eventstore.OutboxRecord{
				ID:             outID,
				StreamName:     stream,
				Category:       category,
				GlobalSequence: globalSeq,
				EventType:      rec.EventType,
				Data:           rec.Data,
			}
			outData, err := json.Marshal(outRec)
			if err != nil {
				return fmt.Errorf("marshal outbox record: %w", err)
			}
			if err := outbox.Put(seqKey(outID), outData); err != nil {
				return err
			}

			written = append(written, rec)
			nextSeq++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return written, nil
}

func (s *Store) IterStream(_ context.Context, stream string, from uint64) (eventstore.RecordIterator, error) {
	var records []event.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		sb := tx.Bucket(bucketStreams).Bucket([]byte(stream))
		if sb == nil {
			return nil
		}
		c := sb.Cursor()
		for k, v := c.Seek(seqKey(from)); k != nil; k, v = c.Next() {
			var rec event.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal record at %q/%d: %w", stream, seqFromKey(k), err)
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &sliceIterator{records: records}, nil
}

func (s *Store) IterGlobal(_ context.Context, from uint64) (eventstore.RecordIterator, error) {
	var records []event.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		global := tx.Bucket(bucketGlobal)
		c := global.Cursor()
		for k, v := c.Seek(seqKey(from)); k != nil; k, v = c.Next() {
			var rec event.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal global record at %d: %w", seqFromKey(k), err)
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &sliceIterator{records: records}, nil
}

func (s *Store) StreamHead(_ context.Context, stream string) (eventstore.ExpectedSequence, error) {
	var head eventstore.ExpectedSequence
	err := s.db.View(func(tx *bolt.Tx) error {
		sb := tx.Bucket(bucketStreams).Bucket([]byte(stream))
		if sb == nil {
			return nil
		}
		if k, _ := sb.Cursor().Last(); k != nil {
			head = eventstore.Seq(seqFromKey(k))
		}
		return nil
	})
	return head, err
}

func (s *Store) LoadProjectionPosition(_ context.Context, name string) (eventstore.Position, error) {
	var pos eventstore.Position
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPositions).Get([]byte(name))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &pos)
	})
	return pos, err
}

func (s *Store) SaveProjectionPosition(_ context.Context, name string, pos eventstore.Position) error {
	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("marshal position: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPositions).Put([]byte(name), data)
	})
}

func (s *Store) PullOutbox(_ context.Context, limit int) ([]eventstore.OutboxRecord, func(context.Context) error, error) {
	var batch []eventstore.OutboxRecord
	var keys [][]byte

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketOutbox).Cursor()
		for k, v := c.First(); k != nil && len(batch) < limit; k, v = c.Next() {
			var rec eventstore.OutboxRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal outbox record: %w", err)
			}
			batch = append(batch, rec)
			key := make([]byte, len(k))
			copy(key, k)
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	del := func(context.Context) error {
		return s.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(bucketOutbox)
			for _, k := range keys {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return batch, del, nil
}

type sliceIterator struct {
	records []event.Record
	pos     int
}

func (it *sliceIterator) Next(context.Context) (event.Record, bool, error) {
	if it.pos >= len(it.records) {
		return event.Record{}, false, nil
	}
	r := it.records[it.pos]
	it.pos++
	return r, true, nil
}

func (it *sliceIterator) Close() error { return nil }
