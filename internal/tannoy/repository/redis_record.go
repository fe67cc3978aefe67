package repository

import (
	"context"
	"encoding/binary"
	"math"
	"time"

	"github.com/go-redis/redis"
	pool "github.com/jolestar/go-commons-pool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tannoyproject/tannoy/internal/common/compress"
	"github.com/tannoyproject/tannoy/internal/common/tannoyerrors"
)

const recordKeyPrefix = "tannoy:record:"

// Stored values are an envelope of flag byte, receive timestamp and payload.
const (
	payloadRaw  byte = 0
	payloadZlib byte = 1
)

const envelopeHeaderLength = 9

// RedisRecordStore keeps processed deliveries in redis. Uniqueness comes from
// SETNX and retention from per-key TTLs, so Cleanup has nothing to do.
// Payloads above the compression threshold are zlib-compressed; compressors
// are stateful, so they are borrowed from a pool rather than shared.
type RedisRecordStore struct {
	db                   redis.UniversalClient
	ttl                  time.Duration
	compressionThreshold int
	compressorPool       *pool.ObjectPool
	decompressorPool     *pool.ObjectPool
}

func NewRedisRecordStore(db redis.UniversalClient, ttl time.Duration, compressionThreshold int) *RedisRecordStore {
	// This is basically the default pool config but with a max of 100 rather
	// than 8 and a min of 10 rather than 0.
	poolConfig := pool.ObjectPoolConfig{
		MaxTotal:                 100,
		MaxIdle:                  50,
		MinIdle:                  10,
		BlockWhenExhausted:       true,
		MinEvictableIdleTime:     30 * time.Minute,
		SoftMinEvictableIdleTime: math.MaxInt64,
		TimeBetweenEvictionRuns:  0,
		NumTestsPerEvictionRun:   10,
	}

	// The store decides whether to compress, so pooled compressors are built
	// with no threshold of their own.
	compressorPool := pool.NewObjectPool(context.Background(), pool.NewPooledObjectFactorySimple(
		func(context.Context) (interface{}, error) {
			return compress.NewZlibCompressor(0)
		}), &poolConfig)

	decompressorPool := pool.NewObjectPool(context.Background(), pool.NewPooledObjectFactorySimple(
		func(context.Context) (interface{}, error) {
			return compress.NewZlibDecompressor()
		}), &poolConfig)

	return &RedisRecordStore{
		db:                   db,
		ttl:                  ttl,
		compressionThreshold: compressionThreshold,
		compressorPool:       compressorPool,
		decompressorPool:     decompressorPool,
	}
}

func (s *RedisRecordStore) Add(ctx context.Context, record *Record) (bool, error) {
	value, err := s.encode(ctx, record)
	if err != nil {
		return false, err
	}
	written, err := s.db.SetNX(recordKeyPrefix+record.Id, value, s.ttl).Result()
	if err != nil {
		return false, errors.WithStack(err)
	}
	return written, nil
}

func (s *RedisRecordStore) Get(ctx context.Context, id string) (*Record, error) {
	value, err := s.db.Get(recordKeyPrefix + id).Bytes()
	if err == redis.Nil {
		return nil, errors.WithStack(&tannoyerrors.ErrNotFound{
			Type:  "record",
			Value: id,
		})
	} else if err != nil {
		return nil, errors.WithStack(err)
	}
	return s.decode(ctx, id, value)
}

// Cleanup is a no-op for redis: expiry is enforced by the per-key TTLs set on write.
func (s *RedisRecordStore) Cleanup(ctx context.Context, lifespan time.Duration) error {
	return nil
}

func (s *RedisRecordStore) encode(ctx context.Context, record *Record) ([]byte, error) {
	flag := payloadRaw
	payload := record.Payload

	if len(payload) >= s.compressionThreshold {
		compressor, err := s.compressorPool.BorrowObject(ctx)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		defer func(compressorPool *pool.ObjectPool, ctx context.Context, object interface{}) {
			err := compressorPool.ReturnObject(ctx, object)
			if err != nil {
				log.WithError(err).Errorf("Error returning compressor to pool")
			}
		}(s.compressorPool, ctx, compressor)

		compressed, err := compressor.(compress.Compressor).Compress(payload)
		if err != nil {
			return nil, err
		}
		flag = payloadZlib
		payload = compressed
	}

	value := make([]byte, envelopeHeaderLength, envelopeHeaderLength+len(payload))
	value[0] = flag
	binary.BigEndian.PutUint64(value[1:9], uint64(record.ReceivedAt.UnixNano()))
	return append(value, payload...), nil
}

func (s *RedisRecordStore) decode(ctx context.Context, id string, value []byte) (*Record, error) {
	if len(value) < envelopeHeaderLength {
		return nil, errors.Errorf("record %s is malformed: %d bytes", id, len(value))
	}
	receivedAt := time.Unix(0, int64(binary.BigEndian.Uint64(value[1:9])))
	payload := value[envelopeHeaderLength:]

	if value[0] == payloadZlib {
		decompressor, err := s.decompressorPool.BorrowObject(ctx)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		defer func(decompressorPool *pool.ObjectPool, ctx context.Context, object interface{}) {
			err := decompressorPool.ReturnObject(ctx, object)
			if err != nil {
				log.WithError(err).Errorf("Error returning decompressor to pool")
			}
		}(s.decompressorPool, ctx, decompressor)

		payload, err = decompressor.(compress.Decompressor).Decompress(payload)
		if err != nil {
			return nil, err
		}
	}

	return &Record{
		Id:         id,
		ReceivedAt: receivedAt.UTC(),
		Payload:    payload,
	}, nil
}
