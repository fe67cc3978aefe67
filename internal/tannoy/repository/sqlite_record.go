package repository

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/pkg/errors"

	_ "modernc.org/sqlite"

	"github.com/tannoyproject/tannoy/internal/common/tannoyerrors"
)

// SqliteRecordStore keeps processed deliveries in a local sqlite database so
// that idempotency survives restarts. For performance, ids are cached locally
// in an LRU; sqlite permits a single writer, so writes additionally serialize
// on a lock.
type SqliteRecordStore struct {
	db    *sql.DB
	cache *simplelru.LRU
	lock  sync.RWMutex
}

func NewSqliteRecordStore(databasePath string, cacheSize int) (*SqliteRecordStore, error) {
	dbDir := filepath.Dir(databasePath)
	if _, err := os.Stat(dbDir); os.IsNotExist(err) {
		if errMkDir := os.MkdirAll(dbDir, 0o755); errMkDir != nil {
			return nil, errors.Wrapf(errMkDir, "could not make directory at %s for sqlite db", dbDir)
		}
	}

	db, err := sql.Open("sqlite", databasePath)
	if err != nil {
		return nil, errors.Wrapf(err, "error opening sqlite db at %s", databasePath)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, errors.WithStack(err)
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS records (
		Id TEXT,
		Received INT,
		Payload BLOB,
		PRIMARY KEY(Id))`)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_records_received ON records (Received)`); err != nil {
		return nil, errors.WithStack(err)
	}

	cache, err := simplelru.NewLRU(cacheSize, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return &SqliteRecordStore{
		db:    db,
		cache: cache,
	}, nil
}

func (s *SqliteRecordStore) Add(ctx context.Context, record *Record) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	// Overwriting isn't allowed.
	if _, ok := s.cache.Get(record.Id); ok {
		return false, nil
	}

	result, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO records (Id, Received, Payload) VALUES (?, ?, ?)",
		record.Id, record.ReceivedAt.UnixNano(), record.Payload)
	if err != nil {
		return false, errors.WithStack(err)
	}
	written, err := result.RowsAffected()
	if err != nil {
		return false, errors.WithStack(err)
	}
	if written == 0 {
		return false, nil
	}

	// Only add to the cache if we also wrote to sqlite.
	s.cache.Add(record.Id, record)
	return true, nil
}

func (s *SqliteRecordStore) Get(ctx context.Context, id string) (*Record, error) {
	// Peek rather than Get: Get mutates the LRU's recency order, which is not
	// safe under a read lock.
	s.lock.RLock()
	if cached, ok := s.cache.Peek(id); ok {
		s.lock.RUnlock()
		return cached.(*Record), nil
	}
	s.lock.RUnlock()

	var received int64
	var payload []byte
	row := s.db.QueryRowContext(ctx, "SELECT Received, Payload FROM records WHERE Id = ?", id)
	err := row.Scan(&received, &payload)
	if err == sql.ErrNoRows {
		return nil, errors.WithStack(&tannoyerrors.ErrNotFound{
			Type:  "record",
			Value: id,
		})
	} else if err != nil {
		return nil, errors.WithStack(err)
	}

	return &Record{
		Id:         id,
		ReceivedAt: time.Unix(0, received).UTC(),
		Payload:    payload,
	}, nil
}

// Cleanup removes all records older than lifespan. The LRU is left alone:
// deleting keys does not cause caches to update, so a delivery id may be seen
// as a duplicate for a while after its row is removed, which is harmless.
func (s *SqliteRecordStore) Cleanup(ctx context.Context, lifespan time.Duration) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	cutoff := time.Now().Add(-lifespan).UnixNano()
	_, err := s.db.ExecContext(ctx, "DELETE FROM records WHERE Received <= ?", cutoff)
	if err != nil {
		return errors.WithStack(err)
	}
	return nil
}

func (s *SqliteRecordStore) Close() error {
	return s.db.Close()
}
