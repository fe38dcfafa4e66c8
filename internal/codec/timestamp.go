package codec

import (
	"fmt"
	"time"
)

// Timestamps travel as 64-bit binary tick values: the low 62 bits count
// 100ns ticks since 0001-01-01T00:00:00 UTC and the top two bits hold the
// kind (0 unspecified, 1 UTC, 2 or 3 local).
const (
	ticksPerSecond   = 10_000_000
	nanosPerTick     = 100
	unixEpochSeconds = 62_135_596_800 // seconds from 0001-01-01 to 1970-01-01
	maxTicks         = 3_155_378_975_999_999_999

	ticksMask    = 0x3fffffffffffffff
	kindUTC      = 0x4000000000000000
	kindLocal    = 0x8000000000000000
	ticksCeiling = 0x4000000000000000
	ticksPerDay  = 86400 * ticksPerSecond
)

// timeToBinary converts t to its UTC binary tick form. Sub-tick precision is
// truncated.
func timeToBinary(t time.Time) (uint64, error) {
	u := t.UTC()
	sec := u.Unix() + unixEpochSeconds
	if sec < 0 {
		return 0, fmt.Errorf("timestamp %s is before year 1", u)
	}
	ticks := uint64(sec)*ticksPerSecond + uint64(u.Nanosecond()/nanosPerTick)
	if ticks > maxTicks {
		return 0, fmt.Errorf("timestamp %s is after year 9999", u)
	}
	return ticks | kindUTC, nil
}

// binaryToTime converts a binary tick value back to a UTC time.
func binaryToTime(v uint64) (time.Time, error) {
	ticks := int64(v & ticksMask)
	if v&kindLocal != 0 {
		// Local values store UTC ticks, wrapped below zero near year 1.
		if ticks > ticksCeiling-ticksPerDay {
			ticks -= ticksCeiling
		}
		if ticks < 0 {
			ticks = 0
		}
	}
	if ticks > maxTicks {
		return time.Time{}, fmt.Errorf("tick count %d out of range", ticks)
	}

	sec := ticks/ticksPerSecond - unixEpochSeconds
	nsec := (ticks % ticksPerSecond) * nanosPerTick
	return time.Unix(sec, nsec).UTC(), nil
}

// TruncateToTick drops the sub-100ns part of t, which the format cannot carry.
func TruncateToTick(t time.Time) time.Time {
	return t.Truncate(nanosPerTick * time.Nanosecond)
}
