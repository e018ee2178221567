package timestamp_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bgrewell/udf-fsck/pkg/timestamp"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	want := timestamp.Timestamp{
		Year: 2024, Month: 3, Day: 14,
		Hour: 9, Minute: 26, Second: 53,
		Centiseconds: 58, HundredsOfMicroseconds: 12, Microseconds: 3,
	}
	got := timestamp.Unmarshal(want.Marshal())
	assert.Equal(t, want, got)
}

func TestFromTimeRoundTripsThroughTime(t *testing.T) {
	in := time.Date(2023, time.November, 2, 14, 5, 9, 120_000_000, time.UTC)
	ts, err := timestamp.FromTime(in)
	require.NoError(t, err)

	out := ts.Time()
	assert.Equal(t, in.Year(), out.Year())
	assert.Equal(t, in.Month(), out.Month())
	assert.Equal(t, in.Day(), out.Day())
	assert.Equal(t, in.Hour(), out.Hour())
	assert.Equal(t, in.Minute(), out.Minute())
	assert.Equal(t, in.Second(), out.Second())
}

func TestFromTimeRejectsOutOfRangeYear(t *testing.T) {
	_, err := timestamp.FromTime(time.Date(-40000, 1, 1, 0, 0, 0, 0, time.UTC))
	require.Error(t, err)
}

func TestAfter(t *testing.T) {
	earlier := timestamp.Timestamp{Year: 2020, Month: 1, Day: 1}
	later := timestamp.Timestamp{Year: 2021, Month: 1, Day: 1}
	assert.True(t, later.After(earlier))
	assert.False(t, earlier.After(later))
}

func TestUnspecifiedTimezoneDefaultsToUTC(t *testing.T) {
	ts := timestamp.Timestamp{TypeAndTimezone: 0x1000 | uint16(int16(-2047)&0x0FFF), Year: 2000, Month: 6, Day: 1}
	got := ts.Time()
	assert.Equal(t, time.UTC, got.Location())
}
