package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	logx "signalblast/pkg/logx"
)

var badgerPrefix = []byte("broadcast-")

type badgerStore struct {
	db  *badger.DB
	log logx.Logger
}

func openBadger(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("badger path is required")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger %s: %w", path, err)
	}
	return &badgerStore{db: db, log: log}, nil
}

func (s *badgerStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *badgerStore) PutBroadcast(ctx context.Context, rec BroadcastRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	stamp(&rec)
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(Key(rec.Author, rec.Timestamp)), payload)
	})
}

func (s *badgerStore) GetBroadcast(ctx context.Context, author string, ts int64) (BroadcastRecord, error) {
	if s == nil || s.db == nil {
		return BroadcastRecord{}, ErrDisabled
	}
	if err := ctx.Err(); err != nil {
		return BroadcastRecord{}, err
	}
	var rec BroadcastRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(Key(author, ts)))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return BroadcastRecord{}, ErrNotFound
	}
	if err != nil {
		return BroadcastRecord{}, err
	}
	return rec, nil
}

func (s *badgerStore) DeleteBroadcastsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	limit := cutoff.UnixMilli()

	var stale [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = badgerPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var rec BroadcastRecord
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &rec) }); err != nil {
				s.log.Warn("skip undecodable history record", logx.String("key", string(item.Key())), logx.Err(err))
				continue
			}
			if rec.CreatedAt < limit {
				stale = append(stale, item.KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range stale {
		if err := wb.Delete(k); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return len(stale), nil
}
