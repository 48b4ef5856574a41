package twt

import (
	"errors"
	"fmt"
)

const (
	MaxMantissa = 0xFFFF
	MaxExponent = 31

	durationUnitUS   = 256
	durationUnitTUUS = 1024
)

var ErrIntervalRange = errors.New("twt: wake interval out of range")

// DecodeInterval returns mantissa * 2^exponent in microseconds.
func DecodeInterval(mantissa uint16, exponent uint8) uint64 {
	return uint64(mantissa) << exponent
}

// EncodeInterval picks the smallest exponent whose mantissa fits 16 bits.
// Intervals with set bits below that exponent are truncated.
func EncodeInterval(us uint64) (uint16, uint8, error) {
	for exp := uint8(0); exp <= MaxExponent; exp++ {
		if m := us >> exp; m <= MaxMantissa {
			return uint16(m), exp, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: %d", ErrIntervalRange, us)
}

// DecodeDuration converts the nominal minimum wake duration field to microseconds.
func DecodeDuration(units uint8, tu bool) uint32 {
	if tu {
		return uint32(units) * durationUnitTUUS
	}
	return uint32(units) * durationUnitUS
}

// EncodeDuration prefers the 256 µs unit and falls back to TUs, rounding up.
func EncodeDuration(us uint32) (uint8, bool, error) {
	if us%durationUnitUS == 0 && us/durationUnitUS <= 0xFF {
		return uint8(us / durationUnitUS), false, nil
	}
	units := (us + durationUnitTUUS - 1) / durationUnitTUUS
	if units > 0xFF {
		return 0, false, fmt.Errorf("twt: wake duration %dus out of range", us)
	}
	return uint8(units), true, nil
}
