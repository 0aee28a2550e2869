package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/jamesainslie/minepref/pkg/minepref/preference"
)

// Key prefixes.
const (
	prefixState   = "s:" // current applied state
	prefixJournal = "j:" // every applied state, keyed by big-endian unix nanos
	prefixMeta    = "m:"
)

var keyApplied = []byte(prefixState + "applied")

// BadgerStore keeps the state in a Badger database and journals every save.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens or creates a Badger store in dir.
func OpenBadger(dir string) (*BadgerStore, error) {
	if dir == "" {
		return nil, errors.New("state path is required")
	}

	opts := badger.DefaultOptions(dir)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger store: %w", err)
	}

	s := &BadgerStore{db: db}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Load returns the current state, or nil when nothing was ever applied.
func (s *BadgerStore) Load() (*preference.AppliedState, error) {
	var state *preference.AppliedState

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyApplied)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			state = &preference.AppliedState{}
			if err := json.Unmarshal(val, state); err != nil {
				return fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
			if err := state.Preference.Validate(nil); err != nil {
				return fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}
	return state, nil
}

// Save replaces the current state and appends it to the journal in one transaction.
func (s *BadgerStore) Save(state *preference.AppliedState) error {
	if err := validate(state); err != nil {
		return err
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(keyApplied, data); err != nil {
			return err
		}
		return txn.Set(journalKey(state), data)
	})
}

// Journal returns up to limit journaled states, newest first. Zero means all.
func (s *BadgerStore) Journal(limit int) ([]*preference.AppliedState, error) {
	var out []*preference.AppliedState

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixJournal)
		// Reverse iteration seeks from the largest possible key in the prefix.
		seek := append([]byte(prefixJournal), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			err := it.Item().Value(func(val []byte) error {
				var state preference.AppliedState
				if err := json.Unmarshal(val, &state); err != nil {
					return fmt.Errorf("%w: journal: %v", ErrCorrupt, err)
				}
				out = append(out, &state)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// Reset forgets the current state; the journal is kept.
func (s *BadgerStore) Reset() error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(keyApplied)
	})
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func journalKey(state *preference.AppliedState) []byte {
	key := make([]byte, len(prefixJournal)+8)
	copy(key, prefixJournal)
	binary.BigEndian.PutUint64(key[len(prefixJournal):], uint64(state.AppliedAt.UnixNano()))
	return key
}
