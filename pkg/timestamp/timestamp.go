// Package timestamp encodes and decodes the 12-byte UDF Timestamp
// (ECMA-167 1/7.3), used by the LVID's recording time and every FE/EFE's
// access/modification/attribute/creation times. It is the UDF analogue of
// the teacher's ECMA-119 "Volume Descriptor date and time" and "Recording
// date and time" fields (pkg/iso9660/encoding), but the on-disk layout is
// materially different: a 16-bit TypeAndTimezone field, a 16-bit year, and
// eight single-byte fields down to microseconds, all little
// endian, versus ECMA-119's ASCII-digit and 7-byte BCD-ish encodings.
package timestamp

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Size is the on-disk length of a UDF Timestamp.
const Size = 12

// Timestamp mirrors ECMA-167 1/7.3's struct timestamp.
type Timestamp struct {
	TypeAndTimezone      uint16
	Year                 int16
	Month                uint8
	Day                  uint8
	Hour                 uint8
	Minute               uint8
	Second               uint8
	Centiseconds         uint8
	HundredsOfMicroseconds uint8
	Microseconds         uint8
}

// typeLocal marks a timestamp as using local time semantics for its
// embedded timezone offset, the only type this tool ever writes.
const typeLocal = 1 << 12

// Marshal encodes the timestamp into its 12-byte on-disk form.
func (t Timestamp) Marshal() [Size]byte {
	var b [Size]byte
	binary.LittleEndian.PutUint16(b[0:2], t.TypeAndTimezone)
	binary.LittleEndian.PutUint16(b[2:4], uint16(t.Year))
	b[4] = t.Month
	b[5] = t.Day
	b[6] = t.Hour
	b[7] = t.Minute
	b[8] = t.Second
	b[9] = t.Centiseconds
	b[10] = t.HundredsOfMicroseconds
	b[11] = t.Microseconds
	return b
}

// Unmarshal decodes a 12-byte UDF Timestamp.
func Unmarshal(b [Size]byte) Timestamp {
	return Timestamp{
		TypeAndTimezone:        binary.LittleEndian.Uint16(b[0:2]),
		Year:                   int16(binary.LittleEndian.Uint16(b[2:4])),
		Month:                  b[4],
		Day:                    b[5],
		Hour:                   b[6],
		Minute:                 b[7],
		Second:                 b[8],
		Centiseconds:           b[9],
		HundredsOfMicroseconds: b[10],
		Microseconds:           b[11],
	}
}

// timezoneOffset extracts the signed 12-bit timezone field, in minutes from
// UTC, or reports that it is "not specified" (-2047 encodes unspecified per
// ECMA-167 1/7.3.1).
func (t Timestamp) timezoneOffset() (minutes int16, specified bool) {
	raw := int16(t.TypeAndTimezone << 4) >> 4 // sign-extend low 12 bits
	if raw == -2047 {
		return 0, false
	}
	return raw, true
}

// Time converts the Timestamp to a time.Time, defaulting to UTC when the
// timezone is unspecified.
func (t Timestamp) Time() time.Time {
	loc := time.UTC
	if off, ok := t.timezoneOffset(); ok && off != 0 {
		loc = time.FixedZone("UDF", int(off)*60)
	}
	nsec := (int(t.Centiseconds)*10000 + int(t.HundredsOfMicroseconds)*100 + int(t.Microseconds)) * 1000
	return time.Date(int(t.Year), time.Month(t.Month), int(t.Day), int(t.Hour), int(t.Minute), int(t.Second), nsec, loc)
}

// FromTime builds a Timestamp from a time.Time, recording the zone's offset
// from UTC in minutes and marking the timestamp as local-time typed.
func FromTime(t time.Time) (Timestamp, error) {
	year := t.Year()
	if year < -32768 || year > 32767 {
		return Timestamp{}, fmt.Errorf("year %d out of range for a UDF timestamp", year)
	}
	_, offsetSec := t.Zone()
	offsetMin := offsetSec / 60
	if offsetMin < -1440 || offsetMin > 1440 {
		return Timestamp{}, fmt.Errorf("timezone offset %d minutes out of UDF range", offsetMin)
	}
	typeTZ := uint16(typeLocal) | (uint16(offsetMin) & 0x0FFF)
	hundredNsec := t.Nanosecond() / 100
	return Timestamp{
		TypeAndTimezone:        typeTZ,
		Year:                   int16(year),
		Month:                  uint8(t.Month()),
		Day:                    uint8(t.Day()),
		Hour:                   uint8(t.Hour()),
		Minute:                 uint8(t.Minute()),
		Second:                 uint8(t.Second()),
		Centiseconds:           uint8(hundredNsec / 100000),
		HundredsOfMicroseconds: uint8((hundredNsec / 1000) % 100),
		Microseconds:           uint8((hundredNsec / 10) % 100),
	}, nil
}

// After reports whether t represents a later instant than other, comparing
// purely on the encoded fields (no timezone normalization beyond Time()).
func (t Timestamp) After(other Timestamp) bool {
	return t.Time().After(other.Time())
}
