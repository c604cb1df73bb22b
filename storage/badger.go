//  Copyright (c) 2020 Couchbase, Inc.
//  Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
//  except in compliance with the License. You may obtain a copy of the License at
//    http://www.apache.org/licenses/LICENSE-2.0
//  Unless required by applicable law or agreed to in writing, software distributed under the
//  License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
//  either express or implied. See the License for the specific language governing permissions
//  and limitations under the License.

package storage

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/couchbaselabs/morse/base"
	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
)

const (
	docKeyPrefix   = "d:"
	seqKeyPrefix   = "s:"
	lastSeqKey     = "m:lastSeq"
	localKeyPrefix = "l:"
)

// BadgerStore implements Store on a Badger key/value database.
//
// Layout: "d:<docID>" holds flags + sequence + body, "s:<8-byte BE sequence>"
// holds the docID saved at that sequence (latest sequence per doc only), and
// "m:lastSeq" holds the allocation counter.
type BadgerStore struct {
	db *badger.DB
	// writeLock serializes transactions; Badger's optimistic conflict
	// detection would otherwise abort concurrent sequence allocations.
	writeLock sync.Mutex
}

var _ Store = (*BadgerStore)(nil)

// OpenBadgerStore opens (creating if necessary) a Badger store in dir.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "opening badger store")
	}
	base.Infof(base.KeyStorage, "Opened storage at %q", dir)
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func docKey(docID string) []byte {
	return append([]byte(docKeyPrefix), docID...)
}

func seqKey(seq uint64) []byte {
	key := make([]byte, len(seqKeyPrefix)+8)
	copy(key, seqKeyPrefix)
	binary.BigEndian.PutUint64(key[len(seqKeyPrefix):], seq)
	return key
}

func encodeRecord(flags uint8, seq uint64, body []byte) []byte {
	value := make([]byte, 9+len(body))
	value[0] = flags
	binary.BigEndian.PutUint64(value[1:9], seq)
	copy(value[9:], body)
	return value
}

func decodeRecord(docID string, value []byte) (*Record, error) {
	if len(value) < 9 {
		return nil, base.MorseErrorf(base.StorageDomain, base.ErrCorruptData, "record for %q is truncated", docID)
	}
	body := make([]byte, len(value)-9)
	copy(body, value[9:])
	return &Record{
		DocID:    docID,
		Flags:    value[0],
		Sequence: binary.BigEndian.Uint64(value[1:9]),
		Body:     body,
	}, nil
}

func getRecord(txn *badger.Txn, docID string) (*Record, error) {
	item, err := txn.Get(docKey(docID))
	if err == badger.ErrKeyNotFound {
		return nil, base.ErrDocNotFound
	} else if err != nil {
		return nil, errors.Wrapf(err, "get %q", docID)
	}
	var record *Record
	err = item.Value(func(value []byte) error {
		record, err = decodeRecord(docID, value)
		return err
	})
	return record, err
}

func (s *BadgerStore) Get(docID string) (*Record, error) {
	var record *Record
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		record, err = getRecord(txn, docID)
		return err
	})
	return record, err
}

func (s *BadgerStore) GetBySequence(seq uint64) (*Record, error) {
	var record *Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(seqKey(seq))
		if err == badger.ErrKeyNotFound {
			return base.ErrDocNotFound
		} else if err != nil {
			return err
		}
		var docID string
		if err := item.Value(func(value []byte) error {
			docID = string(value)
			return nil
		}); err != nil {
			return err
		}
		record, err = getRecord(txn, docID)
		return err
	})
	return record, err
}

func (s *BadgerStore) EnumerateSince(since uint64, limit int) ([]*Record, error) {
	var records []*Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(seqKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(seqKey(since + 1)); it.Valid(); it.Next() {
			if limit > 0 && len(records) >= limit {
				break
			}
			var docID string
			if err := it.Item().Value(func(value []byte) error {
				docID = string(value)
				return nil
			}); err != nil {
				return err
			}
			record, err := getRecord(txn, docID)
			if err != nil {
				if base.IsDocNotFoundError(err) {
					continue // expired under the index entry
				}
				return err
			}
			records = append(records, record)
		}
		return nil
	})
	return records, err
}

func (s *BadgerStore) LastSequence() (uint64, error) {
	var last uint64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(lastSeqKey))
		if err == badger.ErrKeyNotFound {
			return nil
		} else if err != nil {
			return err
		}
		return item.Value(func(value []byte) error {
			last = binary.BigEndian.Uint64(value)
			return nil
		})
	})
	return last, err
}

func (s *BadgerStore) SetDocumentExpiration(docID string, when time.Time) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(docKey(docID))
		if err == badger.ErrKeyNotFound {
			return base.ErrDocNotFound
		} else if err != nil {
			return err
		}
		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		entry := badger.NewEntry(docKey(docID), value).WithTTL(time.Until(when))
		return txn.SetEntry(entry)
	})
}

func (s *BadgerStore) GetLocal(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(append([]byte(localKeyPrefix), key...))
		if err == badger.ErrKeyNotFound {
			return base.ErrDocNotFound
		} else if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	return value, err
}

func (s *BadgerStore) PutLocal(key string, value []byte) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	return s.db.Update(func(txn *badger.Txn) error {
		fullKey := append([]byte(localKeyPrefix), key...)
		if value == nil {
			return txn.Delete(fullKey)
		}
		return txn.Set(fullKey, value)
	})
}

func (s *BadgerStore) BeginTransaction() Transaction {
	s.writeLock.Lock()
	return &badgerTransaction{
		store: s,
		txn:   s.db.NewTransaction(true),
	}
}

type badgerTransaction struct {
	store    *BadgerStore
	txn      *badger.Txn
	finished bool
}

func (t *badgerTransaction) Get(docID string) (*Record, error) {
	return getRecord(t.txn, docID)
}

func (t *badgerTransaction) Put(docID string, body []byte, flags uint8) (uint64, error) {
	seq, err := t.nextSequence()
	if err != nil {
		return 0, err
	}

	// Drop the doc's previous sequence index entry, if any.
	if prev, err := getRecord(t.txn, docID); err == nil {
		if err := t.txn.Delete(seqKey(prev.Sequence)); err != nil {
			return 0, err
		}
	} else if !base.IsDocNotFoundError(err) {
		return 0, err
	}

	if err := t.txn.Set(docKey(docID), encodeRecord(flags, seq, body)); err != nil {
		return 0, err
	}
	if err := t.txn.Set(seqKey(seq), []byte(docID)); err != nil {
		return 0, err
	}
	return seq, nil
}

func (t *badgerTransaction) Delete(docID string) error {
	record, err := getRecord(t.txn, docID)
	if err != nil {
		return err
	}
	if err := t.txn.Delete(seqKey(record.Sequence)); err != nil {
		return err
	}
	return t.txn.Delete(docKey(docID))
}

func (t *badgerTransaction) nextSequence() (uint64, error) {
	var last uint64
	item, err := t.txn.Get([]byte(lastSeqKey))
	if err == nil {
		if err := item.Value(func(value []byte) error {
			last = binary.BigEndian.Uint64(value)
			return nil
		}); err != nil {
			return 0, err
		}
	} else if err != badger.ErrKeyNotFound {
		return 0, err
	}
	next := last + 1
	counter := make([]byte, 8)
	binary.BigEndian.PutUint64(counter, next)
	if err := t.txn.Set([]byte(lastSeqKey), counter); err != nil {
		return 0, err
	}
	return next, nil
}

func (t *badgerTransaction) Commit() error {
	if t.finished {
		return nil
	}
	t.finished = true
	defer t.store.writeLock.Unlock()
	return t.txn.Commit()
}

func (t *badgerTransaction) End() {
	if t.finished {
		return
	}
	t.finished = true
	t.txn.Discard()
	t.store.writeLock.Unlock()
}
