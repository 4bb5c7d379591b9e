package storage

import (
	"context"
	"errors"
	"strconv"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("record not found")
)

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// BroadcastRecord maps each recipient of one broadcast to the timestamp the
// message got on the recipient's side.
type BroadcastRecord struct {
	Author     string           `json:"author"`
	Timestamp  int64            `json:"ts"`
	Recipients map[string]int64 `json:"recipients"`
	CreatedAt  int64            `json:"created_at"` // unix milli, set by the store if zero
}

// Key identifies a record by author and the author-side message timestamp.
func Key(author string, ts int64) string {
	return "broadcast-" + author + "-" + strconv.FormatInt(ts, 10)
}

// Store is the history API used by the broadcaster.
type Store interface {
	// PutBroadcast inserts or replaces the record for (Author, Timestamp).
	PutBroadcast(ctx context.Context, rec BroadcastRecord) error
	// GetBroadcast returns ErrNotFound when no record exists.
	GetBroadcast(ctx context.Context, author string, ts int64) (BroadcastRecord, error)
	// DeleteBroadcastsBefore drops records created before cutoff and reports how many.
	DeleteBroadcastsBefore(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

func stamp(rec *BroadcastRecord) {
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().UnixMilli()
	}
	if rec.Recipients == nil {
		rec.Recipients = map[string]int64{}
	}
}
