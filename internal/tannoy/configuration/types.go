package configuration

import (
	"time"

	"github.com/go-redis/redis"

	commonconfig "github.com/tannoyproject/tannoy/internal/common/config"
)

type TannoyConfig struct {
	HttpPort    uint16
	MetricsPort uint16

	Redis redis.UniversalOptions

	Bus       BusConfig
	Stream    StreamConfig
	Ws        WsConfig
	Poll      PollConfig
	RateLimit RateLimitConfig
	Pool      PoolConfig
	Webhooks  WebhookConfig
	Records   RecordStoreConfig
}

type BusConfig struct {
	// Number of recent events retained for replay.
	RingCapacity int
}

type StreamConfig struct {
	// Per-connection queue bounds; exceeding either drops the oldest frames.
	MaxQueuedFrames int
	MaxQueuedBytes  commonconfig.ByteSize
	// Connections blocked longer than this, or with more drops than
	// MaxDropped, are forcibly disconnected by the guard sweep.
	MaxBlockedDuration time.Duration
	MaxDropped         uint64
	GuardInterval      time.Duration
	HeartbeatInterval  time.Duration
	// Cap on events replayed on connect.
	ReplayLimit int
}

type WsConfig struct {
	DefaultRoom string
	// Incoming chat messages larger than this are dropped.
	MaxMessageBytes commonconfig.ByteSize
	// Fan-out skips clients whose outbound buffer exceeds this.
	MaxBufferedBytes commonconfig.ByteSize
	PingInterval     time.Duration
	WriteTimeout     time.Duration
}

type PollConfig struct {
	// Upper bound on the long poll budget requested via timeoutMs.
	MaxWait time.Duration
	// Upper bound on events returned per request.
	MaxBatch int
}

type RateLimitConfig struct {
	// Buckets idle longer than this are pruned.
	IdleTTL       time.Duration
	PruneInterval time.Duration
	// Policies keyed by name, e.g. "poll" and "webhook".
	Policies map[string]PolicyConfig
}

type PolicyConfig struct {
	// Tokens per second.
	Rate float64
	// Bucket capacity.
	Burst int
}

type PoolConfig struct {
	Slots    int
	MaxQueue int
	// How long terminal registry rows are kept, and how often they are purged.
	RetainFor     time.Duration
	PurgeInterval time.Duration
}

type WebhookConfig struct {
	// HMAC secrets keyed by source name; requests for unknown sources are rejected.
	Secrets map[string]string
	// Request bodies are read up to this many bytes.
	MaxBodyBytes commonconfig.ByteSize
}

type RecordStoreConfig struct {
	// One of "redis" or "sqlite".
	Backend string
	// How long processed delivery ids are remembered.
	Retention time.Duration
	// How often the sqlite backend deletes expired rows; redis expires keys itself.
	CleanupInterval time.Duration
	// Payloads at or above this size are compressed (redis backend).
	CompressionThreshold commonconfig.ByteSize
	// Size of the sqlite backend's id cache.
	CacheSize    int
	DatabasePath string
}
