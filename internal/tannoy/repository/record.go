// Package repository persists processed webhook deliveries so that retried
// deliveries can be recognised and ignored. Stores are write-once: inserting
// an id a second time is a normal "already processed" outcome, never an error.
package repository

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tannoyproject/tannoy/internal/common/logging"
)

// Record is a processed webhook delivery.
type Record struct {
	Id         string
	ReceivedAt time.Time
	Payload    []byte
}

// RecordStore is a time-limited write-once store of processed deliveries.
// Records can only be deleted by the cleanup function.
type RecordStore interface {
	// Add persists the record if its id has not been seen before.
	// Returns true if the record was written and false if the id already exists.
	Add(ctx context.Context, record *Record) (bool, error)
	// Get returns the record with the given id,
	// or an error of type *tannoyerrors.ErrNotFound if the id is unknown.
	Get(ctx context.Context, id string) (*Record, error)
	// Cleanup removes records older than lifespan.
	Cleanup(ctx context.Context, lifespan time.Duration) error
}

// PeriodicCleanup starts a goroutine that automatically runs the cleanup job
// every interval until the provided context is cancelled.
func PeriodicCleanup(ctx context.Context, store RecordStore, interval time.Duration, lifespan time.Duration) {
	log := logrus.StandardLogger().WithField("service", "RecordStoreCleanup")
	log.Info("service started")
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				start := time.Now()
				err := store.Cleanup(ctx, lifespan)
				if err != nil {
					logging.WithStacktrace(log, err).WithField("delay", time.Since(start)).Warn("cleanup failed")
				} else {
					log.WithField("delay", time.Since(start)).Info("cleanup succeeded")
				}
			}
		}
	}()
}
