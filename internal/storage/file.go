package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	logx "signalblast/pkg/logx"
)

// fileStore is a dependency-light persistence backend.
//
// Files:
//   - <prefix>.history.snapshot.json (periodic snapshot)
//   - <prefix>.history.journal.jsonl (append-only journal)
//
// The journal is compacted into the snapshot every compactEvery writes and
// after each prune.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File
	records      map[string]BroadcastRecord

	writes int
}

const compactEvery = 1000

type journalRecord struct {
	Op     string           `json:"op"`
	Key    string           `json:"key"`
	Record *BroadcastRecord `json:"rec,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".history.snapshot.json"
	journalPath := prefix + ".history.journal.jsonl"

	records := map[string]BroadcastRecord{}
	if err := loadSnapshot(snapPath, records); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("history snapshot unreadable, starting from journal", logx.Err(err))
	}
	if err := replayJournal(journalPath, records); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("history journal replay stopped early", logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journalFile:  jf,
		records:      records,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	err := s.journalFile.Close()
	s.journalFile = nil
	return err
}

func (s *fileStore) PutBroadcast(ctx context.Context, rec BroadcastRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stamp(&rec)
	key := Key(rec.Author, rec.Timestamp)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("history journal closed")
	}
	s.records[key] = cloneRecord(rec)

	if err := json.NewEncoder(s.journalFile).Encode(journalRecord{Op: "put", Key: key, Record: &rec}); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("history compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetBroadcast(ctx context.Context, author string, ts int64) (BroadcastRecord, error) {
	if err := ctx.Err(); err != nil {
		return BroadcastRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[Key(author, ts)]
	if !ok {
		return BroadcastRecord{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (s *fileStore) DeleteBroadcastsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	limit := cutoff.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return 0, errors.New("history journal closed")
	}
	n := 0
	for k, rec := range s.records {
		if rec.CreatedAt < limit {
			delete(s.records, k)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, s.compactLocked()
}

func (s *fileStore) compactLocked() error {
	b, err := json.Marshal(s.records)
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(s.snapshotPath, b, 0o600); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string]BroadcastRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]BroadcastRecord
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]BroadcastRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Key == "" {
			continue
		}
		if r.Op == "put" && r.Record != nil {
			out[r.Key] = *r.Record
		}
	}
	return sc.Err()
}

func cloneRecord(rec BroadcastRecord) BroadcastRecord {
	out := rec
	out.Recipients = make(map[string]int64, len(rec.Recipients))
	for k, v := range rec.Recipients {
		out.Recipients[k] = v
	}
	return out
}
