package util

import "math"

func SaturatingSub(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return 0
}

// SaturatingAdd returns a+b, clamped at math.MaxUint64.
func SaturatingAdd(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}

// AbsInt64 returns |v| as an unsigned value. math.MinInt64 maps to 1<<63
// without overflowing.
func AbsInt64(v int64) uint64 {
	if v >= 0 {
		return uint64(v)
	}
	return uint64(-(v + 1)) + 1
}

// DivSigned divides num by den truncating toward zero. The quotient magnitude
// is computed on |num| and the sign reapplied. A zero den yields 0.
func DivSigned(num int64, den uint64) int64 {
	if den == 0 {
		return 0
	}
	q := AbsInt64(num) / den
	if num < 0 {
		return -int64(q)
	}
	return int64(q)
}

// AddSigned applies a signed delta to v, saturating at 0 and math.MaxUint64.
func AddSigned(v uint64, delta int64) uint64 {
	if delta >= 0 {
		return SaturatingAdd(v, uint64(delta))
	}
	return SaturatingSub(v, AbsInt64(delta))
}

// SubSigned returns v - delta, saturating at 0 and math.MaxUint64. Unlike
// AddSigned(v, -delta) it handles delta == math.MinInt64.
func SubSigned(v uint64, delta int64) uint64 {
	if delta >= 0 {
		return SaturatingSub(v, uint64(delta))
	}
	return SaturatingAdd(v, AbsInt64(delta))
}

// Lag returns now - vtime as a signed value. Values further apart than
// math.MaxInt64 wrap, matching two's complement subtraction.
func Lag(now, vtime uint64) int64 {
	return int64(now) - int64(vtime)
}
