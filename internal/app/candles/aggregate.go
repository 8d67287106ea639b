package candles

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/orbit/internal/domain/schema"
)

// Aggregate folds closed base candles into one candle of timeframe tf starting
// at start. Parts must be closed, belong to one instrument, lie inside
// [start, start+tf) and be ordered by start time. The result depends only on
// its inputs.
func Aggregate(tf schema.Timeframe, start time.Time, parts []schema.Candle) (schema.Candle, error) {
	if len(parts) == 0 {
		return schema.Candle{}, fmt.Errorf("aggregate %s: no constituents", tf)
	}
	end := start.Add(tf.Duration())
	out := schema.Candle{
		InstrumentID: parts[0].InstrumentID,
		Timeframe:    tf,
		StartTime:    start.UTC(),
		Open:         parts[0].Open,
		High:         parts[0].High,
		Low:          parts[0].Low,
		Close:        parts[len(parts)-1].Close,
		Volume:       decimal.Zero,
		OI:           parts[len(parts)-1].OI,
		OIChange:     decimal.Zero,
		Closed:       true,
		Synthetic:    true,
	}
	var prev time.Time
	for i, part := range parts {
		switch {
		case !part.Closed:
			return schema.Candle{}, fmt.Errorf("aggregate %s: constituent %d not closed", tf, i)
		case part.InstrumentID != out.InstrumentID:
			return schema.Candle{}, fmt.Errorf("aggregate %s: mixed instruments %s and %s", tf, out.InstrumentID, part.InstrumentID)
		case part.StartTime.Before(start) || part.EndTime().After(end):
			return schema.Candle{}, fmt.Errorf("aggregate %s: constituent %s outside bucket %s", tf, part.StartTime, start)
		case i > 0 && !part.StartTime.After(prev):
			return schema.Candle{}, fmt.Errorf("aggregate %s: constituents out of order", tf)
		}
		prev = part.StartTime
		if part.High.GreaterThan(out.High) {
			out.High = part.High
		}
		if part.Low.LessThan(out.Low) {
			out.Low = part.Low
		}
		out.Volume = out.Volume.Add(part.Volume)
		out.OIChange = out.OIChange.Add(part.OIChange)
		out.TickCount += part.TickCount
		if !part.Synthetic {
			out.Synthetic = false
		}
	}
	return out, nil
}

// constituents returns how many base candles make up one candle of tf.
func constituents(tf schema.Timeframe) int {
	return int(tf.Duration() / schema.Timeframe1m.Duration())
}
