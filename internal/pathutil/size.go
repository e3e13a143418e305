package pathutil

import "math"

// ParseSize parses a strictly positive decimal byte count no larger than max.
// Signs, whitespace, empty input, zero and overflow are rejected. Leading
// zeros are accepted ("0010" is 10).
func ParseSize(tok string, max uint64) (uint64, bool) {
	if tok == "" {
		return 0, false
	}
	var v uint64
	for i := 0; i < len(tok); i++ {
		c := tok[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		d := uint64(c - '0')
		if v > (math.MaxUint64-d)/10 {
			return 0, false
		}
		v = v*10 + d
	}
	if v == 0 || v > max {
		return 0, false
	}
	return v, true
}
