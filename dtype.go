// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package safetensors

import "fmt"

// DType is the element type of a tensor. The enumeration is closed: a
// header naming any other dtype string fails to parse.
type DType uint8

const (
	// Bool is an 8-bit boolean.
	Bool DType = iota + 1
	// U8 is an 8-bit unsigned integer.
	U8
	// I8 is an 8-bit signed integer.
	I8
	// U16 is a 16-bit unsigned integer.
	U16
	// I16 is a 16-bit signed integer.
	I16
	// F16 is an IEEE 754 half-precision float.
	F16
	// BF16 is a 16-bit brain float (truncated float32).
	BF16
	// U32 is a 32-bit unsigned integer.
	U32
	// I32 is a 32-bit signed integer.
	I32
	// F32 is an IEEE 754 single-precision float.
	F32
	// F64 is an IEEE 754 double-precision float.
	F64
	// U64 is a 64-bit unsigned integer.
	U64
	// I64 is a 64-bit signed integer.
	I64
)

var (
	dTypeToString = [...]string{
		Bool: "BOOL",
		U8:   "U8",
		I8:   "I8",
		U16:  "U16",
		I16:  "I16",
		F16:  "F16",
		BF16: "BF16",
		U32:  "U32",
		I32:  "I32",
		F32:  "F32",
		F64:  "F64",
		U64:  "U64",
		I64:  "I64",
	}

	dTypeToSize = [...]uint64{
		Bool: 1,
		U8:   1,
		I8:   1,
		U16:  2,
		I16:  2,
		F16:  2,
		BF16: 2,
		U32:  4,
		I32:  4,
		F32:  4,
		F64:  8,
		U64:  8,
		I64:  8,
	}
)

// IsValid reports whether the DType is a member of the closed enumeration.
func (dt DType) IsValid() bool {
	return dt >= Bool && dt <= I64
}

// Size returns the size in bytes of one element of this data type, or 0
// if the DType is invalid.
func (dt DType) Size() uint64 {
	if !dt.IsValid() {
		return 0
	}
	return dTypeToSize[dt]
}

// String returns the header spelling of the DType.
func (dt DType) String() string {
	if !dt.IsValid() {
		return fmt.Sprintf("DType(%d)", uint8(dt))
	}
	return dTypeToString[dt]
}

// DTypeFromString maps a header dtype string to its DType. The second
// return value is false for any string outside the enumeration.
func DTypeFromString(s string) (DType, bool) {
	switch s {
	case "BOOL":
		return Bool, true
	case "U8":
		return U8, true
	case "I8":
		return I8, true
	case "U16":
		return U16, true
	case "I16":
		return I16, true
	case "F16":
		return F16, true
	case "BF16":
		return BF16, true
	case "U32":
		return U32, true
	case "I32":
		return I32, true
	case "F32":
		return F32, true
	case "F64":
		return F64, true
	case "U64":
		return U64, true
	case "I64":
		return I64, true
	}
	return 0, false
}
