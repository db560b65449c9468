// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package safetensors

import (
	"fmt"
	"math"
	"math/bits"
)

// NumElements returns the number of elements described by the shape: one
// for a scalar (empty shape), zero when any dimension is zero, otherwise
// the product of all dimensions. The second return value is false when
// the product overflows uint64.
func (t TensorInfo) NumElements() (uint64, bool) {
	if hasZeroDim(t.Shape) {
		return 0, true
	}
	n := uint64(1)
	for _, d := range t.Shape {
		hi, lo := bits.Mul64(n, d)
		if hi != 0 {
			return 0, false
		}
		n = lo
	}
	return n, true
}

// ByteSize returns the byte size implied by shape and dtype. The second
// return value is false when the computation overflows uint64.
func (t TensorInfo) ByteSize() (uint64, bool) {
	n, ok := t.NumElements()
	if !ok {
		return 0, false
	}
	hi, lo := bits.Mul64(n, t.DType.Size())
	if hi != 0 {
		return 0, false
	}
	return lo, true
}

// IsEmpty reports whether any dimension is zero.
func (t TensorInfo) IsEmpty() bool {
	return hasZeroDim(t.Shape)
}

// Tensor looks up a tensor descriptor by name.
func (st *File) Tensor(name string) (TensorInfo, bool) {
	i, ok := st.index[name]
	if !ok {
		return TensorInfo{}, false
	}
	return st.Tensors[i], true
}

// TensorByIndex returns the i-th descriptor in header iteration order.
func (st *File) TensorByIndex(i int) (TensorInfo, bool) {
	if i < 0 || i >= len(st.Tensors) {
		return TensorInfo{}, false
	}
	return st.Tensors[i], true
}

// MetadataValue looks up a __metadata__ value by key. The directory is
// small, a linear scan is fine.
func (st *File) MetadataValue(key string) (string, bool) {
	for _, m := range st.Metadata {
		if m.Key == key {
			return m.Value, true
		}
	}
	return "", false
}

// TensorData returns the tensor's raw bytes as a view into the payload
// region, valid until Close. Offsets that are inverted or fall outside
// the payload return nil rather than a short view; the span is not
// checked against shape and dtype here, callers wanting that guarantee
// run ValidateDataOffsets once up front.
func (st *File) TensorData(t TensorInfo) []byte {
	begin, end := t.DataOffsets[0], t.DataOffsets[1]
	if begin > end || end > uint64(len(st.payload)) {
		return nil
	}
	return st.payload[begin:end]
}

// ValidateDataOffsets checks every non-empty tensor's offsets against
// the payload region: begin <= end <= payload length, and the offset
// span must equal the byte size implied by shape and dtype. It reports
// the first violation with the tensor's name. Payload bytes after the
// largest tensor end are recorded as an anomaly, never an error; gaps
// between tensors are not reported.
func (st *File) ValidateDataOffsets() error {
	if !st.parsed {
		return ErrNotParsed
	}

	payloadLen := uint64(len(st.payload))
	var covered uint64
	for _, t := range st.Tensors {
		if t.IsEmpty() {
			continue
		}
		begin, end := t.DataOffsets[0], t.DataOffsets[1]
		if begin > end {
			return fmt.Errorf("%w: tensor %q: begin %d > end %d", ErrBadOffsets, t.Name, begin, end)
		}
		if end > payloadLen {
			return fmt.Errorf("%w: tensor %q: end %d beyond payload of %d bytes",
				ErrBadOffsets, t.Name, end, payloadLen)
		}
		want, ok := t.ByteSize()
		if !ok {
			return fmt.Errorf("%w: tensor %q: byte size overflows", ErrBadOffsets, t.Name)
		}
		if got := end - begin; got != want {
			return fmt.Errorf("%w: tensor %q: expected %d bytes, got %d", ErrBadOffsets, t.Name, want, got)
		}
		if end > covered {
			covered = end
		}
	}

	if covered < payloadLen {
		st.Anomalies = append(st.Anomalies,
			fmt.Sprintf("payload has %d trailing bytes not covered by any tensor", payloadLen-covered))
	}
	return nil
}

// TensorFloat32 decodes a tensor's elements to float32. Supported dtypes
// are F32, F16 and BF16; the half-precision types go through the bit
// conversions in this package. Other dtypes return ErrInvalidTensor.
func (st *File) TensorFloat32(t TensorInfo) ([]float32, error) {
	data := st.TensorData(t)
	if data == nil {
		return nil, fmt.Errorf("%w: tensor %q: data out of bounds", ErrInvalidTensor, t.Name)
	}

	esize := t.DType.Size()
	if esize == 0 || uint64(len(data))%esize != 0 {
		return nil, fmt.Errorf("%w: tensor %q: %d bytes is not a whole number of %s elements",
			ErrInvalidTensor, t.Name, len(data), t.DType)
	}
	n := uint64(len(data)) / esize

	out := make([]float32, n)
	switch t.DType {
	case F32:
		for i := range out {
			out[i] = math.Float32frombits(leUint32(data[i*4:]))
		}
	case F16:
		for i := range out {
			out[i] = F16ToF32(leUint16(data[i*2:]))
		}
	case BF16:
		for i := range out {
			out[i] = Bf16ToF32(leUint16(data[i*2:]))
		}
	default:
		return nil, fmt.Errorf("%w: tensor %q: cannot decode %s as float32",
			ErrInvalidTensor, t.Name, t.DType)
	}
	return out, nil
}

func leUint16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
