package workerpool

import (
	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
)

const (
	jobsTable      = "jobs"
	idIndex        = "id"        // index for looking up jobs by id
	stateIndex     = "state"     // index for looking up jobs in a given state
	submittedIndex = "submitted" // index for iterating jobs in submission order
)

// Job states as stored in the registry and reported over the API.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// JobEntry is a row of the job registry. Rows stored in the JobDb must not be
// modified in-place; to update a job, insert a copied and amended row.
type JobEntry struct {
	// String representation of the job id
	JobId string
	// Current state, one of the Job* constants above
	State string
	// Requested execution time of the job
	DurationMs int64
	// Unix nanoseconds, orders listings
	SubmittedAt int64
	// Unix nanoseconds, zero until the job starts
	StartedAt int64
	// Unix nanoseconds, zero until the job finishes
	FinishedAt int64
	// Slot that ran the job, -1 while queued
	SlotId int
	// Failure message for failed jobs
	Error string
}

func (entry *JobEntry) copy() *JobEntry {
	result := *entry
	return &result
}

// InTerminalState returns true if the job will not change state again.
func (entry *JobEntry) InTerminalState() bool {
	return entry.State == JobCompleted || entry.State == JobFailed
}

// JobDb is the in-memory registry of submitted jobs, kept for introspection.
// It is implemented on top of https://github.com/hashicorp/go-memdb which is a
// simple in-memory database built on immutable radix trees.
type JobDb struct {
	// In-memory database. Stores *JobEntry.
	Db *memdb.MemDB
}

func NewJobDb() (*JobDb, error) {
	db, err := memdb.NewMemDB(jobDbSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &JobDb{
		Db: db,
	}, nil
}

// Upsert inserts the given entries, replacing any rows with the same id.
// Entries passed to this function must not be subsequently modified.
func (jobDb *JobDb) Upsert(txn *memdb.Txn, entries []*JobEntry) error {
	for _, entry := range entries {
		if err := txn.Insert(jobsTable, entry); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// GetById returns the entry with the given id or nil if no such entry exists.
// The entry returned by this function must not be subsequently modified.
func (jobDb *JobDb) GetById(txn *memdb.Txn, id string) (*JobEntry, error) {
	iter, err := txn.Get(jobsTable, idIndex, id)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	result := iter.Next()
	if result == nil {
		return nil, nil
	}
	return result.(*JobEntry), nil
}

// GetRecent returns up to limit entries in reverse submission order, i.e.,
// newest first. limit <= 0 means no limit.
func (jobDb *JobDb) GetRecent(txn *memdb.Txn, limit int) ([]*JobEntry, error) {
	iter, err := txn.GetReverse(jobsTable, submittedIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	result := make([]*JobEntry, 0)
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		result = append(result, obj.(*JobEntry))
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// GetByState returns all entries in the given state.
func (jobDb *JobDb) GetByState(txn *memdb.Txn, state string) ([]*JobEntry, error) {
	iter, err := txn.Get(jobsTable, stateIndex, state)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	result := make([]*JobEntry, 0)
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		result = append(result, obj.(*JobEntry))
	}
	return result, nil
}

// BatchDelete removes the entries with the given ids from the database.
// Ids not present in the database are ignored.
func (jobDb *JobDb) BatchDelete(txn *memdb.Txn, ids []string) error {
	for _, id := range ids {
		err := txn.Delete(jobsTable, &JobEntry{JobId: id})
		if err != nil {
			// This could be because the entry doesn't exist; memdb's error
			// isn't nice for parsing, so do an explicit check.
			entry, getErr := jobDb.GetById(txn, id)
			if getErr != nil {
				return getErr
			}
			if entry != nil {
				return errors.WithStack(err)
			}
		}
	}
	return nil
}

// PurgeFinishedBefore deletes terminal entries that finished before the cutoff
// (unix nanoseconds) and returns how many were removed.
func (jobDb *JobDb) PurgeFinishedBefore(txn *memdb.Txn, cutoff int64) (int, error) {
	ids := make([]string, 0)
	for _, state := range []string{JobCompleted, JobFailed} {
		entries, err := jobDb.GetByState(txn, state)
		if err != nil {
			return 0, err
		}
		for _, entry := range entries {
			if entry.FinishedAt < cutoff {
				ids = append(ids, entry.JobId)
			}
		}
	}
	if err := jobDb.BatchDelete(txn, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// ReadTxn returns a read-only transaction.
// Multiple read-only transactions can access the db concurrently.
func (jobDb *JobDb) ReadTxn() *memdb.Txn {
	return jobDb.Db.Txn(false)
}

// WriteTxn returns a writeable transaction.
// Only a single write transaction may access the db at any given time.
func (jobDb *JobDb) WriteTxn() *memdb.Txn {
	return jobDb.Db.Txn(true)
}

// jobDbSchema creates the database schema, a single "jobs" table with indexes
// for id lookups, state scans and submission-ordered listings.
func jobDbSchema() *memdb.DBSchema {
	indexes := make(map[string]*memdb.IndexSchema)
	indexes[idIndex] = &memdb.IndexSchema{
		Name:    idIndex, // lookup by primary key
		Unique:  true,
		Indexer: &memdb.StringFieldIndex{Field: "JobId"},
	}
	indexes[stateIndex] = &memdb.IndexSchema{
		Name:    stateIndex, // lookup by job state
		Unique:  false,
		Indexer: &memdb.StringFieldIndex{Field: "State"},
	}
	indexes[submittedIndex] = &memdb.IndexSchema{
		Name:    submittedIndex, // iterate in submission order
		Unique:  false,
		Indexer: &memdb.IntFieldIndex{Field: "SubmittedAt"},
	}
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			jobsTable: {
				Name:    jobsTable,
				Indexes: indexes,
			},
		},
	}
}
