// Package history persists apply reports so operators can inspect what the
// last passes did to each instance. It is write-mostly telemetry: live
// state is never cached here, every reconciliation pass fetches fresh.
package history

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/evanofslack/pihole-config-sync/metrics"
	"github.com/evanofslack/pihole-config-sync/reconcile"
)

const reportPrefix = "report:"

// Entry is one stored apply outcome for an instance.
type Entry struct {
	Instance  string                 `json:"instance"`
	Timestamp int64                  `json:"timestamp"`
	Error     string                 `json:"error,omitempty"`
	Report    *reconcile.ApplyReport `json:"report,omitempty"`
}

type Store struct {
	db      *badger.DB
	metrics *metrics.Metrics
}

func New(path string, m *metrics.Metrics) (*Store, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // Disable Badger's internal logger

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger db: %w", err)
	}
	return &Store{db: db, metrics: m}, nil
}

// Record stores the latest result for one instance, replacing the previous
// entry.
func (s *Store) Record(res reconcile.Result) error {
	entry := Entry{
		Instance:  res.Instance,
		Timestamp: time.Now().Unix(),
		Report:    res.Report,
	}
	if res.Err != nil {
		entry.Error = res.Err.Error()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		s.metrics.IncHistoryRequest("update", false)
		return err
	}

	key := []byte(reportPrefix + res.Instance)
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
	s.metrics.IncHistoryRequest("update", err == nil)
	return err
}

// Last returns the most recent entry for an instance, or nil if none is
// stored.
func (s *Store) Last(instance string) (*Entry, error) {
	var entry *Entry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(reportPrefix + instance))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var e Entry
			if err := json.Unmarshal(val, &e); err != nil {
				return err
			}
			entry = &e
			return nil
		})
	})
	s.metrics.IncHistoryRequest("read", err == nil)
	return entry, err
}

// All returns every stored entry keyed by instance name.
func (s *Store) All() (map[string]Entry, error) {
	entries := make(map[string]Entry)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(reportPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			name := string(item.Key())[len(reportPrefix):]

			err := item.Value(func(val []byte) error {
				var e Entry
				if err := json.Unmarshal(val, &e); err != nil {
					return err
				}
				entries[name] = e
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	s.metrics.IncHistoryRequest("read", err == nil)
	return entries, err
}

func (s *Store) Close() error {
	return s.db.Close()
}
