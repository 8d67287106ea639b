package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/orbit/internal/infra/telemetry"
)

// PoolStats is one reading of the connection pool that backs the event log
// and the order audit tables.
type PoolStats struct {
	Total        int32
	Idle         int32
	Acquired     int32
	Constructing int32
	Max          int32
	// Waits counts acquires that found no idle connection. Publishing stalls
	// behind these, so a rising rate means the pool is undersized.
	Waits       int64
	Canceled    int64
	AcquireWait time.Duration
}

// Saturation is the acquired share of the configured maximum.
func (s PoolStats) Saturation() float64 {
	if s.Max <= 0 {
		return 0
	}
	return float64(s.Acquired) / float64(s.Max)
}

// StatsOf reads pool.
func StatsOf(pool *pgxpool.Pool) PoolStats {
	stat := pool.Stat()
	return PoolStats{
		Total:        stat.TotalConns(),
		Idle:         stat.IdleConns(),
		Acquired:     stat.AcquiredConns(),
		Constructing: stat.ConstructingConns(),
		Max:          stat.MaxConns(),
		Waits:        stat.EmptyAcquireCount(),
		Canceled:     stat.CanceledAcquireCount(),
		AcquireWait:  stat.AcquireDuration(),
	}
}

// ObservePoolMetrics reports pool health through the global meter until the
// returned registration is unregistered.
func ObservePoolMetrics(pool *pgxpool.Pool, poolName string) (metric.Registration, error) {
	if pool == nil {
		return nil, fmt.Errorf("observe pool: nil pool")
	}
	return observePool(otel.Meter("orbit.db"), poolName, func() PoolStats { return StatsOf(pool) })
}

func observePool(meter metric.Meter, poolName string, read func() PoolStats) (metric.Registration, error) {
	name := strings.TrimSpace(poolName)
	if name == "" {
		name = "primary"
	}
	attrs := metric.WithAttributes(
		attribute.String("environment", telemetry.Environment()),
		attribute.String("db_pool", name),
	)

	conns, err := meter.Int64ObservableGauge("orbit_db_pool_connections",
		metric.WithDescription("Pool connections by state"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return nil, fmt.Errorf("observe pool: %w", err)
	}
	saturation, err := meter.Float64ObservableGauge("orbit_db_pool_saturation",
		metric.WithDescription("Acquired connections over the configured maximum"),
		metric.WithUnit("1"))
	if err != nil {
		return nil, fmt.Errorf("observe pool: %w", err)
	}
	waits, err := meter.Int64ObservableCounter("orbit_db_pool_acquire_waits_total",
		metric.WithDescription("Acquires that waited for a connection"),
		metric.WithUnit("{acquire}"))
	if err != nil {
		return nil, fmt.Errorf("observe pool: %w", err)
	}
	canceled, err := meter.Int64ObservableCounter("orbit_db_pool_acquire_canceled_total",
		metric.WithDescription("Acquires abandoned by their context"),
		metric.WithUnit("{acquire}"))
	if err != nil {
		return nil, fmt.Errorf("observe pool: %w", err)
	}
	waited, err := meter.Float64ObservableCounter("orbit_db_pool_acquire_seconds_total",
		metric.WithDescription("Cumulative time spent acquiring connections"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("observe pool: %w", err)
	}

	byState := func(state string) metric.ObserveOption {
		return metric.WithAttributes(
			attribute.String("environment", telemetry.Environment()),
			attribute.String("db_pool", name),
			attribute.String("state", state),
		)
	}
	idle, acquired, constructing := byState("idle"), byState("acquired"), byState("constructing")

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := read()
		o.ObserveInt64(conns, int64(s.Idle), idle)
		o.ObserveInt64(conns, int64(s.Acquired), acquired)
		o.ObserveInt64(conns, int64(s.Constructing), constructing)
		o.ObserveFloat64(saturation, s.Saturation(), attrs)
		o.ObserveInt64(waits, s.Waits, attrs)
		o.ObserveInt64(canceled, s.Canceled, attrs)
		o.ObserveFloat64(waited, s.AcquireWait.Seconds(), attrs)
		return nil
	}, conns, saturation, waits, canceled, waited)
}
