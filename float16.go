// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package safetensors

import "math"

// Half-precision conversions for the F16 and BF16 dtypes. All four
// functions are pure bit manipulation: no allocation, no failure path.

// Bf16ToF32 widens a bfloat16 bit pattern to float32. The bfloat16
// layout is the upper 16 bits of a float32, so widening is a shift.
// Infinities and NaNs round-trip.
func Bf16ToF32(x uint16) float32 {
	return math.Float32frombits(uint32(x) << 16)
}

// F32ToBf16 narrows a float32 to a bfloat16 bit pattern with
// round-to-nearest-even.
func F32ToBf16(x float32) uint16 {
	u := math.Float32bits(x)
	if u&0x7f800000 == 0x7f800000 {
		// Inf or NaN: truncate, but keep a signaling NaN a NaN by
		// forcing a mantissa bit when the dropped half was non-zero.
		h := uint16(u >> 16)
		if u&0xffff != 0 {
			h |= 1
		}
		return h
	}
	u += 0x7fff + ((u >> 16) & 1)
	return uint16(u >> 16)
}

const (
	f16ShiftedExp = uint32(0x7c00) << 13
	f16Magic      = uint32(113) << 23
)

// F16ToF32 converts an IEEE 754 half-precision bit pattern to float32.
// The exponent is re-biased from 15 to 127; denormals are rebuilt with
// the magic-constant subtraction.
func F16ToF32(x uint16) float32 {
	o := uint32(x&0x7fff) << 13
	exp := o & f16ShiftedExp
	o += (127 - 15) << 23

	switch exp {
	case f16ShiftedExp:
		// Inf/NaN: the exponent must become all-ones in float32.
		o += (128 - 16) << 23
	case 0:
		// Denormal: renormalize through float arithmetic.
		o += 1 << 23
		o = math.Float32bits(math.Float32frombits(o) - math.Float32frombits(f16Magic))
	}

	return math.Float32frombits(o | uint32(x&0x8000)<<16)
}

// F32ToF16 converts a float32 to an IEEE 754 half-precision bit pattern
// with round-to-nearest-even. Overflow saturates to ±Inf; values below
// the half subnormal range flush to ±0; NaN payloads keep their top
// mantissa bits so they stay NaN.
func F32ToF16(x float32) uint16 {
	u := math.Float32bits(x)
	sign := uint16(u>>16) & 0x8000
	u &= 0x7fffffff

	if u >= 0x7f800000 {
		if u > 0x7f800000 {
			m := uint16(u>>13) & 0x3ff
			if m == 0 {
				// Mantissa bits all below the cut: quiet the NaN
				// rather than letting it collapse into Inf.
				m = 0x200
			}
			return sign | 0x7c00 | m
		}
		return sign | 0x7c00
	}

	if u >= 0x47800000 {
		// Larger than the greatest finite half: saturate.
		return sign | 0x7c00
	}

	if u < 0x38800000 {
		// Half subnormal range, or underflow to zero.
		shift := 126 - int(u>>23)
		if shift > 24 {
			return sign
		}
		mant := uint64(u&0x7fffff) | 1<<23
		half := uint16(mant >> uint(shift))
		rem := mant & (1<<uint(shift) - 1)
		halfway := uint64(1) << uint(shift-1)
		if rem > halfway || (rem == halfway && half&1 == 1) {
			half++
		}
		return sign | half
	}

	exp := u>>23 - 112
	mant := u & 0x7fffff
	half := uint16(exp<<10) | uint16(mant>>13)
	rem := mant & 0x1fff
	if rem > 0x1000 || (rem == 0x1000 && half&1 == 1) {
		// A carry out of the mantissa bumps the exponent, which also
		// handles rounding up into Inf.
		half++
	}
	return sign | half
}
