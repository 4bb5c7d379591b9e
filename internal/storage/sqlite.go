package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "signalblast/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) PutBroadcast(ctx context.Context, rec BroadcastRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	stamp(&rec)
	recipients, err := json.Marshal(rec.Recipients)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO broadcasts(key, author, ts, created_at, recipients) VALUES(?,?,?,?,?)
		 ON CONFLICT(key) DO UPDATE SET recipients=excluded.recipients, created_at=excluded.created_at`,
		Key(rec.Author, rec.Timestamp), rec.Author, rec.Timestamp, rec.CreatedAt, string(recipients),
	)
	return err
}

func (s *sqliteStore) GetBroadcast(ctx context.Context, author string, ts int64) (BroadcastRecord, error) {
	if s == nil || s.db == nil {
		return BroadcastRecord{}, ErrDisabled
	}
	rec := BroadcastRecord{Author: author, Timestamp: ts}
	var recipients string
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at, recipients FROM broadcasts WHERE key = ?`, Key(author, ts),
	).Scan(&rec.CreatedAt, &recipients)
	if errors.Is(err, sql.ErrNoRows) {
		return BroadcastRecord{}, ErrNotFound
	}
	if err != nil {
		return BroadcastRecord{}, err
	}
	if err := json.Unmarshal([]byte(recipients), &rec.Recipients); err != nil {
		return BroadcastRecord{}, fmt.Errorf("decode %s: %w", Key(author, ts), err)
	}
	return rec, nil
}

func (s *sqliteStore) DeleteBroadcastsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM broadcasts WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
