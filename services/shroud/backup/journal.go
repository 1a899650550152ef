// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// JournalDirName is the badger directory inside the backup directory.
const JournalDirName = ".journal"

const entryPrefix = "entry/"

var errJournalClosed = errors.New("backup journal is closed")

// Entry is the journal record of one saved original.
type Entry struct {
	RelPath string      `json:"rel_path"`
	Size    int64       `json:"size"`
	Mode    os.FileMode `json:"mode"`
	SHA256  string      `json:"sha256"`
	SavedAt time.Time   `json:"saved_at"`
}

// journal indexes saved originals in badger, keyed by relative path.
type journal struct {
	db *badger.DB
}

// badgerLogger routes badger's printf logging into slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// openJournal opens (or creates) the journal at path. A run writes a few
// hundred small entries at most, so the tables are kept small. Badger caps
// a batch at 15% of the memtable, and the value threshold must fit in one
// batch.
func openJournal(path string, syncWrites bool, logger *slog.Logger) (*journal, error) {
	if err := os.MkdirAll(path, 0750); err != nil {
		return nil, fmt.Errorf("create journal directory %s: %w", path, err)
	}
	opts := badger.DefaultOptions(path).
		WithSyncWrites(syncWrites).
		WithNumVersionsToKeep(1).
		WithMemTableSize(4 << 20).
		WithValueThreshold(64 << 10).
		WithValueLogFileSize(16 << 20).
		WithBlockCacheSize(1 << 20)
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger.With("component", "badger")})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &journal{db: db}, nil
}

func entryKey(rel string) []byte {
	return []byte(entryPrefix + rel)
}

// put commits e. With sync writes the entry is durable on return.
func (j *journal) put(e Entry) error {
	if j.closed() {
		return errJournalClosed
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(e.RelPath), data)
	})
}

// get returns the entry for rel, or false when none was committed.
func (j *journal) get(rel string) (Entry, bool, error) {
	if j.closed() {
		return Entry{}, false, errJournalClosed
	}
	var e Entry
	err := j.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(rel))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("read entry %s: %w", rel, err)
	}
	return e, true, nil
}

// list returns all entries in key order.
func (j *journal) list(ctx context.Context) ([]Entry, error) {
	if j.closed() {
		return nil, errJournalClosed
	}
	var out []Entry
	prefix := []byte(entryPrefix)
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var e Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return fmt.Errorf("decode entry %s: %w", it.Item().Key(), err)
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

func (j *journal) closed() bool {
	return j == nil || j.db == nil
}

func (j *journal) close() error {
	if j == nil || j.db == nil {
		return nil
	}
	err := j.db.Close()
	j.db = nil
	return err
}
