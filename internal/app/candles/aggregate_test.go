package candles

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/orbit/internal/domain/schema"
)

func minuteCandle(minute int, open, high, low, closePx, volume string, synthetic bool) schema.Candle {
	ticks := 3
	if synthetic {
		ticks = 0
	}
	return schema.Candle{
		InstrumentID: "NIFTY",
		Timeframe:    schema.Timeframe1m,
		StartTime:    at(minute, 0),
		Open:         d(open),
		High:         d(high),
		Low:          d(low),
		Close:        d(closePx),
		Volume:       d(volume),
		OI:           d("1000"),
		OIChange:     d("5"),
		TickCount:    ticks,
		Closed:       true,
		Synthetic:    synthetic,
	}
}

func TestAggregate(t *testing.T) {
	real0 := minuteCandle(0, "100", "104", "99", "103", "30", false)
	real1 := minuteCandle(1, "103", "108", "102", "107", "20", false)
	flat2 := minuteCandle(2, "107", "107", "107", "107", "0", true)
	real3 := minuteCandle(3, "107", "107", "95", "96", "50", false)
	flat4 := minuteCandle(4, "96", "96", "96", "96", "0", true)

	other := real1
	other.InstrumentID = "BANKNIFTY"
	open := real1
	open.Closed = false
	late := minuteCandle(5, "96", "97", "95", "97", "10", false)

	cases := []struct {
		name    string
		parts   []schema.Candle
		want    schema.Candle
		wantErr string
	}{
		{
			name:  "real and synthetic constituents",
			parts: []schema.Candle{real0, real1, flat2, real3, flat4},
			want: schema.Candle{
				InstrumentID: "NIFTY",
				Timeframe:    schema.Timeframe5m,
				StartTime:    session,
				Open:         d("100"),
				High:         d("108"),
				Low:          d("95"),
				Close:        d("96"),
				Volume:       d("100"),
				OI:           d("1000"),
				OIChange:     d("25"),
				TickCount:    9,
				Closed:       true,
			},
		},
		{
			name:  "only synthetic constituents",
			parts: []schema.Candle{flat2, flat4},
			want: schema.Candle{
				InstrumentID: "NIFTY",
				Timeframe:    schema.Timeframe5m,
				StartTime:    session,
				Open:         d("107"),
				High:         d("107"),
				Low:          d("96"),
				Close:        d("96"),
				Volume:       d("0"),
				OI:           d("1000"),
				OIChange:     d("10"),
				Closed:       true,
				Synthetic:    true,
			},
		},
		{name: "empty", wantErr: "no constituents"},
		{name: "out of order", parts: []schema.Candle{real1, real0}, wantErr: "out of order"},
		{name: "repeated start", parts: []schema.Candle{real0, real0}, wantErr: "out of order"},
		{name: "mixed instruments", parts: []schema.Candle{real0, other}, wantErr: "mixed instruments"},
		{name: "open constituent", parts: []schema.Candle{real0, open}, wantErr: "not closed"},
		{name: "outside bucket", parts: []schema.Candle{real0, late}, wantErr: "outside bucket"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			first, err := Aggregate(schema.Timeframe5m, session, tc.parts)
			if tc.wantErr != "" {
				require.ErrorContains(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			requireCandle(t, tc.want, first)

			again, err := Aggregate(schema.Timeframe5m, session, tc.parts)
			require.NoError(t, err)
			require.Equal(t, first, again, "same constituents fold to the same candle")
		})
	}
}

func requireCandle(t *testing.T, want, got schema.Candle) {
	t.Helper()
	require.Equal(t, want.InstrumentID, got.InstrumentID)
	require.Equal(t, want.Timeframe, got.Timeframe)
	require.True(t, want.StartTime.Equal(got.StartTime), "start %s", got.StartTime)
	for _, f := range []struct {
		name      string
		want, got string
	}{
		{"open", want.Open.String(), got.Open.String()},
		{"high", want.High.String(), got.High.String()},
		{"low", want.Low.String(), got.Low.String()},
		{"close", want.Close.String(), got.Close.String()},
		{"volume", want.Volume.String(), got.Volume.String()},
		{"oi", want.OI.String(), got.OI.String()},
		{"oi_change", want.OIChange.String(), got.OIChange.String()},
	} {
		require.Equal(t, f.want, f.got, f.name)
	}
	require.Equal(t, want.TickCount, got.TickCount)
	require.Equal(t, want.Closed, got.Closed)
	require.Equal(t, want.Synthetic, got.Synthetic)
}

func TestConstituentsCountsBaseCandles(t *testing.T) {
	require.Equal(t, 5, constituents(schema.Timeframe5m))
	require.Equal(t, 1, constituents(schema.Timeframe1m))
}
