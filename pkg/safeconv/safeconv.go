// Package safeconv provides integer conversions used for cache file headers
// and byte sizes.
package safeconv

import "math"

// MaxUint32 is the maximum value for uint32 type.
const MaxUint32 = uint32(math.MaxUint32)

// MustIntToUint32 converts int to uint32, panics on bounds violation.
// Use only when bounds violations are logically impossible.
func MustIntToUint32(v int) uint32 {
	if v < 0 || uint64(v) > uint64(MaxUint32) {
		panic("safeconv: int to uint32 out of bounds")
	}

	return uint32(v)
}

// IntToUint64 converts int to uint64, mapping negative values to zero.
func IntToUint64(v int) uint64 {
	if v < 0 {
		return 0
	}

	return uint64(v)
}

// Int64ToUint64 converts int64 to uint64, mapping negative values to zero.
func Int64ToUint64(v int64) uint64 {
	if v < 0 {
		return 0
	}

	return uint64(v)
}

// Uint64ToInt64 converts uint64 to int64, clamping at math.MaxInt64.
func Uint64ToInt64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}

	return int64(v)
}
