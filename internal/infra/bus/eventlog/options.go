package eventlog

import (
	"log"
	"time"

	"github.com/coachpo/orbit/internal/infra/retry"
)

// Option configures the event log.
type Option func(*Log)

// WithLogger overrides the default logger. A nil logger silences the log.
func WithLogger(logger *log.Logger) Option {
	return func(l *Log) {
		l.logger = logger
	}
}

// WithPublishRetry bounds retries of transient append failures.
func WithPublishRetry(policy retry.Policy) Option {
	return func(l *Log) {
		l.publishPolicy = policy
	}
}

// WithHandlerRetry bounds retries of handlers returning unavailable errors.
func WithHandlerRetry(policy retry.Policy) Option {
	return func(l *Log) {
		l.handlerPolicy = policy
	}
}

// WithPollInterval sets how often idle readers re-check the store for events
// appended by other processes.
func WithPollInterval(interval time.Duration) Option {
	return func(l *Log) {
		if interval > 0 {
			l.pollInterval = interval
		}
	}
}

// WithCommitInterval sets how often acknowledged watermarks are committed.
func WithCommitInterval(interval time.Duration) Option {
	return func(l *Log) {
		if interval > 0 {
			l.commitInterval = interval
		}
	}
}

// WithBatchSize sets the number of events read from the store per call.
func WithBatchSize(size int) Option {
	return func(l *Log) {
		if size > 0 {
			l.batchSize = size
		}
	}
}

// WithAlertHandler registers a callback invoked when a key is quarantined.
func WithAlertHandler(fn func(Alert)) Option {
	return func(l *Log) {
		l.alert = fn
	}
}

// WithClock overrides the wall clock used to stamp events.
func WithClock(clock func() time.Time) Option {
	return func(l *Log) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// PublishOption decorates an event before it is appended.
type PublishOption func(*publishConfig)

type publishConfig struct {
	headers map[string]string
}

// WithHeader attaches a header to the published event.
func WithHeader(key, value string) PublishOption {
	return func(c *publishConfig) {
		if key == "" {
			return
		}
		if c.headers == nil {
			c.headers = make(map[string]string, 2)
		}
		c.headers[key] = value
	}
}
