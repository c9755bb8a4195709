package convsync

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	DefaultReadThreshold = 120.0
	DefaultEchoTimeout   = 30 * time.Second
	DefaultReceiptRetry  = 2 * time.Second
)

// IDGenerator returns a new provisional message id. Ids must carry
// TempIDPrefix and be unique within a session.
type IDGenerator func() string

// UUIDTempIDs generates tmp-<uuid> ids.
func UUIDTempIDs() IDGenerator {
	return func() string { return TempIDPrefix + uuid.NewString() }
}

// SequentialTempIDs generates tmp-1, tmp-2, ...
func SequentialTempIDs() IDGenerator {
	var n atomic.Uint64
	return func() string { return fmt.Sprintf("%s%d", TempIDPrefix, n.Add(1)) }
}

type config struct {
	selfID        string
	logger        *slog.Logger
	metrics       *Metrics
	clock         func() time.Time
	newTempID     IDGenerator
	newClientID   func() string
	readThreshold float64
	receiptEvery  rate.Limit
	receiptBurst  int
	echoTimeout   time.Duration
	resources     *ResourceManager
	handleStore   HandleStore
}

func defaultConfig() config {
	return config{
		logger:        slog.Default(),
		clock:         time.Now,
		newTempID:     UUIDTempIDs(),
		newClientID:   uuid.NewString,
		readThreshold: DefaultReadThreshold,
		receiptEvery:  rate.Every(DefaultReceiptRetry),
		receiptBurst:  1,
		echoTimeout:   DefaultEchoTimeout,
	}
}

// Option configures an Engine.
type Option func(*config)

// WithSelfID sets the local user's id. Messages authored by it are
// correlated against pending sends and never marked read.
func WithSelfID(id string) Option {
	return func(c *config) { c.selfID = id }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// WithClock overrides the clock used for placeholder timestamps and readAt.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.clock = now
		}
	}
}

func WithIDGenerator(gen IDGenerator) Option {
	return func(c *config) {
		if gen != nil {
			c.newTempID = gen
		}
	}
}

// WithReadThreshold sets how close (in pixels) to the bottom edge the
// container must be for visible messages to count as read.
func WithReadThreshold(px float64) Option {
	return func(c *config) { c.readThreshold = px }
}

// WithReceiptRetryRate throttles retries of failed read receipts.
func WithReceiptRetryRate(every rate.Limit, burst int) Option {
	return func(c *config) {
		c.receiptEvery = every
		c.receiptBurst = burst
	}
}

// WithEchoTimeout sets how long a confirmed send waits for its realtime echo
// before a CorrelationTimeout is logged. Zero disables the check.
func WithEchoTimeout(d time.Duration) Option {
	return func(c *config) { c.echoTimeout = d }
}

// WithResourceManager shares one manager between engines, so an attachment
// shown in two windows keeps a single handle.
func WithResourceManager(r *ResourceManager) Option {
	return func(c *config) { c.resources = r }
}

// WithHandleStore sets the store used by the engine's own ResourceManager.
// Ignored when WithResourceManager is given.
func WithHandleStore(s HandleStore) Option {
	return func(c *config) { c.handleStore = s }
}
