package schema

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Tick is a single immutable market data observation.
type Tick struct {
	InstrumentID string          `json:"instrument_id"`
	Timestamp    time.Time       `json:"timestamp"`
	LastPrice    decimal.Decimal `json:"last_price"`
	Volume       decimal.Decimal `json:"volume"`
	OpenInterest decimal.Decimal `json:"open_interest"`
	Source       string          `json:"source,omitempty"`
}

// Timeframe is a candle bucket width.
type Timeframe time.Duration

// Common timeframes.
const (
	Timeframe1m  = Timeframe(time.Minute)
	Timeframe5m  = Timeframe(5 * time.Minute)
	Timeframe15m = Timeframe(15 * time.Minute)
	Timeframe1h  = Timeframe(time.Hour)
	Timeframe1d  = Timeframe(24 * time.Hour)
)

// Duration returns the bucket width.
func (tf Timeframe) Duration() time.Duration { return time.Duration(tf) }

// String renders the timeframe in its compact token form (1m, 15m, 1h, 1d).
func (tf Timeframe) String() string {
	d := time.Duration(tf)
	switch {
	case d <= 0:
		return "0m"
	case d%(24*time.Hour) == 0:
		return strconv.FormatInt(int64(d/(24*time.Hour)), 10) + "d"
	case d%time.Hour == 0:
		return strconv.FormatInt(int64(d/time.Hour), 10) + "h"
	case d%time.Minute == 0:
		return strconv.FormatInt(int64(d/time.Minute), 10) + "m"
	default:
		return d.String()
	}
}

// ParseTimeframe parses tokens such as 1m, 5m, 1h and 1d.
func ParseTimeframe(raw string) (Timeframe, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if len(trimmed) < 2 {
		return 0, fmt.Errorf("invalid timeframe %q", raw)
	}
	unit := trimmed[len(trimmed)-1]
	n, err := strconv.Atoi(trimmed[:len(trimmed)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid timeframe %q", raw)
	}
	var base time.Duration
	switch unit {
	case 'm':
		base = time.Minute
	case 'h':
		base = time.Hour
	case 'd':
		base = 24 * time.Hour
	default:
		return 0, fmt.Errorf("invalid timeframe unit in %q", raw)
	}
	tf := Timeframe(time.Duration(n) * base)
	if err := tf.Validate(); err != nil {
		return 0, err
	}
	return tf, nil
}

// Validate ensures the timeframe is a whole number of minutes dividing a day.
func (tf Timeframe) Validate() error {
	d := time.Duration(tf)
	if d < time.Minute || d%time.Minute != 0 {
		return fmt.Errorf("timeframe %s must be a positive whole number of minutes", d)
	}
	if (24*time.Hour)%d != 0 {
		return fmt.Errorf("timeframe %s must divide 24h", tf)
	}
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (tf Timeframe) MarshalText() ([]byte, error) {
	return []byte(tf.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (tf *Timeframe) UnmarshalText(text []byte) error {
	parsed, err := ParseTimeframe(string(text))
	if err != nil {
		return err
	}
	*tf = parsed
	return nil
}

// BucketStart returns the start of the half-open bucket containing ts.
// Buckets are aligned to local midnight in loc.
func (tf Timeframe) BucketStart(ts time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := ts.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	width := time.Duration(tf)
	elapsed := local.Sub(midnight)
	return midnight.Add(elapsed - elapsed%width).UTC()
}

// Candle is an OHLCV aggregate over one half-open bucket.
type Candle struct {
	InstrumentID string          `json:"instrument_id"`
	Timeframe    Timeframe       `json:"timeframe"`
	StartTime    time.Time       `json:"start_time"`
	Open         decimal.Decimal `json:"open"`
	High         decimal.Decimal `json:"high"`
	Low          decimal.Decimal `json:"low"`
	Close        decimal.Decimal `json:"close"`
	Volume       decimal.Decimal `json:"volume"`
	OI           decimal.Decimal `json:"oi"`
	OIChange     decimal.Decimal `json:"oi_change"`
	TickCount    int             `json:"tick_count"`
	Closed       bool            `json:"closed"`
	Synthetic    bool            `json:"synthetic,omitempty"`
}

// EndTime returns the exclusive bucket end.
func (c Candle) EndTime() time.Time {
	return c.StartTime.Add(c.Timeframe.Duration())
}

// Contains reports whether ts falls inside the candle's bucket.
func (c Candle) Contains(ts time.Time) bool {
	return !ts.Before(c.StartTime) && ts.Before(c.EndTime())
}

// Identity returns the deterministic key of the candle.
func (c Candle) Identity() string {
	return c.InstrumentID + "|" + c.Timeframe.String() + "|" + c.StartTime.UTC().Format(time.RFC3339)
}
