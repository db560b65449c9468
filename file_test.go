// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package safetensors

import (
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

// buildContainer assembles a container from a header string and payload.
func buildContainer(header string, payload []byte) []byte {
	buf := make([]byte, 8, 8+len(header)+len(payload))
	binary.LittleEndian.PutUint64(buf, uint64(len(header)))
	buf = append(buf, header...)
	return append(buf, payload...)
}

func f32LE(vals ...float32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func TestParseSingleTensor(t *testing.T) {
	data := buildContainer(
		`{"test":{"dtype":"F32","shape":[2,3],"data_offsets":[0,24]}}`,
		f32LE(1, 2, 3, 4, 5, 6))

	st, err := OpenBytes(data, nil)
	if err != nil {
		t.Fatalf("OpenBytes failed, reason: %v", err)
	}
	defer st.Close()
	if err := st.Parse(); err != nil {
		t.Fatalf("Parse failed, reason: %v", err)
	}

	if len(st.Tensors) != 1 {
		t.Fatalf("got %d tensors, want 1", len(st.Tensors))
	}
	tt, ok := st.Tensor("test")
	if !ok {
		t.Fatal("Tensor(test) not found")
	}
	if tt.DType != F32 || len(tt.Shape) != 2 || tt.Shape[0] != 2 || tt.Shape[1] != 3 {
		t.Errorf("bad descriptor: %+v", tt)
	}
	if n, _ := tt.NumElements(); n != 6 {
		t.Errorf("NumElements = %d, want 6", n)
	}

	raw := st.TensorData(tt)
	if len(raw) != 24 {
		t.Fatalf("TensorData length = %d, want 24", len(raw))
	}
	if f := math.Float32frombits(binary.LittleEndian.Uint32(raw)); f != 1 {
		t.Errorf("payload[0] = %v, want 1", f)
	}
	if f := math.Float32frombits(binary.LittleEndian.Uint32(raw[20:])); f != 6 {
		t.Errorf("payload[20] = %v, want 6", f)
	}

	if err := st.ValidateDataOffsets(); err != nil {
		t.Errorf("ValidateDataOffsets failed, reason: %v", err)
	}
}

func TestParseTwoTensorsAndMetadata(t *testing.T) {
	data := buildContainer(
		`{"__metadata__":{"format":"pt","model":"test"},`+
			`"w":{"dtype":"F32","shape":[3,4],"data_offsets":[0,48]},`+
			`"b":{"dtype":"F32","shape":[4],"data_offsets":[48,64]}}`,
		make([]byte, 64))

	st, err := OpenBytes(data, nil)
	if err != nil {
		t.Fatalf("OpenBytes failed, reason: %v", err)
	}
	defer st.Close()
	if err := st.Parse(); err != nil {
		t.Fatalf("Parse failed, reason: %v", err)
	}

	if len(st.Tensors) != 2 || st.Tensors[0].Name != "w" || st.Tensors[1].Name != "b" {
		t.Errorf("tensor iteration order broken: %+v", st.Tensors)
	}
	if v, ok := st.MetadataValue("format"); !ok || v != "pt" {
		t.Errorf("MetadataValue(format) = %q, %v", v, ok)
	}
	if v, ok := st.MetadataValue("model"); !ok || v != "test" {
		t.Errorf("MetadataValue(model) = %q, %v", v, ok)
	}
	if _, ok := st.MetadataValue("missing"); ok {
		t.Error("MetadataValue(missing) found")
	}

	if ti, ok := st.TensorByIndex(1); !ok || ti.Name != "b" {
		t.Errorf("TensorByIndex(1) = %+v, %v", ti, ok)
	}
	if _, ok := st.TensorByIndex(2); ok {
		t.Error("TensorByIndex(2) found")
	}
}

func TestParseScalarTensor(t *testing.T) {
	data := buildContainer(`{"s":{"dtype":"F32","shape":[],"data_offsets":[0,4]}}`,
		f32LE(3.25))

	st, err := OpenBytes(data, nil)
	if err != nil {
		t.Fatalf("OpenBytes failed, reason: %v", err)
	}
	defer st.Close()
	if err := st.Parse(); err != nil {
		t.Fatalf("Parse failed, reason: %v", err)
	}

	s, ok := st.Tensor("s")
	if !ok {
		t.Fatal("Tensor(s) not found")
	}
	if len(s.Shape) != 0 {
		t.Errorf("ndim = %d, want 0", len(s.Shape))
	}
	if n, _ := s.NumElements(); n != 1 {
		t.Errorf("NumElements = %d, want 1", n)
	}
	if sz, _ := s.ByteSize(); sz != 4 {
		t.Errorf("ByteSize = %d, want 4", sz)
	}
}

func TestParseEmptyTensor(t *testing.T) {
	// An empty tensor has no data_offsets; they default to (0, 0).
	data := buildContainer(`{"e":{"dtype":"F32","shape":[0,10]}}`, nil)

	st, err := OpenBytes(data, nil)
	if err != nil {
		t.Fatalf("OpenBytes failed, reason: %v", err)
	}
	defer st.Close()
	if err := st.Parse(); err != nil {
		t.Fatalf("Parse failed, reason: %v", err)
	}
	if err := st.ValidateDataOffsets(); err != nil {
		t.Errorf("ValidateDataOffsets failed, reason: %v", err)
	}

	e, _ := st.Tensor("e")
	if sz, _ := e.ByteSize(); sz != 0 {
		t.Errorf("ByteSize = %d, want 0", sz)
	}
}

func TestParseSizeMismatch(t *testing.T) {
	// Offsets promise 8 bytes where the shape implies 16: the load
	// succeeds, the explicit offsets pass fails.
	data := buildContainer(`{"test":{"dtype":"F32","shape":[4],"data_offsets":[0,8]}}`,
		make([]byte, 16))

	st, err := OpenBytes(data, nil)
	if err != nil {
		t.Fatalf("OpenBytes failed, reason: %v", err)
	}
	defer st.Close()
	if err := st.Parse(); err != nil {
		t.Fatalf("Parse failed, reason: %v", err)
	}

	err = st.ValidateDataOffsets()
	if !errors.Is(err, ErrBadOffsets) {
		t.Errorf("ValidateDataOffsets = %v, want ErrBadOffsets", err)
	}
}

func TestParseTruncatedPayload(t *testing.T) {
	// Payload shorter than the largest offset end: load succeeds,
	// validation reports the overrun.
	data := buildContainer(`{"t":{"dtype":"F32","shape":[8],"data_offsets":[0,32]}}`,
		make([]byte, 16))

	st, err := OpenBytes(data, nil)
	if err != nil {
		t.Fatalf("OpenBytes failed, reason: %v", err)
	}
	defer st.Close()
	if err := st.Parse(); err != nil {
		t.Fatalf("Parse failed, reason: %v", err)
	}

	if err = st.ValidateDataOffsets(); !errors.Is(err, ErrBadOffsets) {
		t.Errorf("ValidateDataOffsets = %v, want ErrBadOffsets", err)
	}
	ti, _ := st.Tensor("t")
	if d := st.TensorData(ti); d != nil {
		t.Errorf("TensorData beyond payload = %d bytes, want nil", len(d))
	}
}

func TestParseUnicodeTensorName(t *testing.T) {
	data := buildContainer(
		`{"test\u0041\u0042":{"dtype":"F32","shape":[1],"data_offsets":[0,4]}}`,
		f32LE(1))

	st, err := OpenBytes(data, nil)
	if err != nil {
		t.Fatalf("OpenBytes failed, reason: %v", err)
	}
	defer st.Close()
	if err := st.Parse(); err != nil {
		t.Fatalf("Parse failed, reason: %v", err)
	}

	if _, ok := st.Tensor("testAB"); !ok {
		t.Error("Tensor(testAB) not found")
	}
}

func TestParseBoundaries(t *testing.T) {
	hugeSize := make([]byte, 16)
	binary.LittleEndian.PutUint64(hugeSize, 0xFFFFFFFFFFFFFFFF)

	smallSize := make([]byte, 16)
	binary.LittleEndian.PutUint64(smallSize, 1)

	overrun := make([]byte, 16)
	binary.LittleEndian.PutUint64(overrun, 9)

	tests := []struct {
		name string
		in   []byte
		out  error
	}{
		{"fifteen bytes", make([]byte, 15), ErrInvalidSize},
		{"empty", nil, ErrInvalidSize},
		{"huge header size", hugeSize, ErrHeaderTooLarge},
		{"header size below minimum", smallSize, ErrHeaderTooSmall},
		{"header past EOF", overrun, ErrHeaderExceedsFile},
		{"garbage header", buildContainer("{invalid!", []byte("0123456")), ErrJSONParse},
		{"trailing garbage in header", buildContainer(`{"a":{"dtype":"F32","shape":[1],"data_offsets":[0,4]}} x`, f32LE(1)), ErrJSONParse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := OpenBytes(tt.in, nil)
			if err != nil {
				t.Fatalf("OpenBytes failed, reason: %v", err)
			}
			defer st.Close()
			if err = st.Parse(); !errors.Is(err, tt.out) {
				t.Errorf("Parse = %v, want %v", err, tt.out)
			}
		})
	}
}

func TestParseHeaderPadding(t *testing.T) {
	data := buildContainer(`{"a":{"dtype":"F32","shape":[1],"data_offsets":[0,4]}}   `,
		f32LE(1))

	st, err := OpenBytes(data, nil)
	if err != nil {
		t.Fatalf("OpenBytes failed, reason: %v", err)
	}
	defer st.Close()
	if err := st.Parse(); err != nil {
		t.Errorf("Parse with padded header failed, reason: %v", err)
	}
}

func TestMapFile(t *testing.T) {
	data := buildContainer(
		`{"test":{"dtype":"F32","shape":[2,3],"data_offsets":[0,24]}}`,
		f32LE(1, 2, 3, 4, 5, 6))
	path := filepath.Join(t.TempDir(), "model.safetensors")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile failed, reason: %v", err)
	}

	st, err := Map(path, nil)
	if err != nil {
		t.Fatalf("Map failed, reason: %v", err)
	}
	if err := st.Parse(); err != nil {
		t.Fatalf("Parse failed, reason: %v", err)
	}
	if !st.Mapped || st.Copied {
		t.Errorf("mode flags = %+v, want mapped", st.FileInfo)
	}
	if err := st.ValidateDataOffsets(); err != nil {
		t.Errorf("ValidateDataOffsets failed, reason: %v", err)
	}

	ti, _ := st.Tensor("test")
	raw := st.TensorData(ti)
	if f := math.Float32frombits(binary.LittleEndian.Uint32(raw[20:])); f != 6 {
		t.Errorf("mapped payload[20] = %v, want 6", f)
	}

	if err := st.Close(); err != nil {
		t.Fatalf("Close failed, reason: %v", err)
	}
	// Double close is a no-op.
	if err := st.Close(); err != nil {
		t.Errorf("second Close failed, reason: %v", err)
	}
}

func TestOpenFile(t *testing.T) {
	data := buildContainer(`{"b":{"dtype":"U8","shape":[3],"data_offsets":[0,3]}}`,
		[]byte{7, 8, 9})
	path := filepath.Join(t.TempDir(), "tiny.safetensors")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile failed, reason: %v", err)
	}

	st, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open failed, reason: %v", err)
	}
	defer st.Close()
	if err := st.Parse(); err != nil {
		t.Fatalf("Parse failed, reason: %v", err)
	}
	if !st.Copied || st.Mapped {
		t.Errorf("mode flags = %+v, want copied", st.FileInfo)
	}

	if _, err := Open(filepath.Join(t.TempDir(), "does-not-exist"), nil); err == nil {
		t.Error("Open on a missing file did not fail")
	}
}

func TestMapBytesZeroCopy(t *testing.T) {
	data := buildContainer(`{"b":{"dtype":"U8","shape":[3],"data_offsets":[0,3]}}`,
		[]byte{7, 8, 9})

	st, err := MapBytes(data, nil)
	if err != nil {
		t.Fatalf("MapBytes failed, reason: %v", err)
	}
	defer st.Close()
	if err := st.Parse(); err != nil {
		t.Fatalf("Parse failed, reason: %v", err)
	}

	ti, _ := st.Tensor("b")
	raw := st.TensorData(ti)
	if len(raw) != 3 {
		t.Fatalf("TensorData length = %d, want 3", len(raw))
	}
	// The view aliases the caller's buffer: no copy was made.
	data[len(data)-1] = 42
	if raw[2] != 42 {
		t.Error("TensorData does not alias the mapped buffer")
	}
}

func TestOpenBytesCopies(t *testing.T) {
	data := buildContainer(`{"b":{"dtype":"U8","shape":[1],"data_offsets":[0,1]}}`,
		[]byte{7})

	st, err := OpenBytes(data, nil)
	if err != nil {
		t.Fatalf("OpenBytes failed, reason: %v", err)
	}
	defer st.Close()
	if err := st.Parse(); err != nil {
		t.Fatalf("Parse failed, reason: %v", err)
	}

	ti, _ := st.Tensor("b")
	data[len(data)-1] = 42
	if raw := st.TensorData(ti); raw[0] != 7 {
		t.Errorf("copy mode payload changed with the caller's buffer: %d", raw[0])
	}
}
