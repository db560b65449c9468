// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package safetensors

import (
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"unicode/utf8"
)

// NamedTensor couples a tensor-to-be-written with its raw little-endian
// element bytes.
type NamedTensor struct {
	Name  string
	DType DType
	Shape []uint64
	Data  []byte
}

// Save writes a safetensors container: the little-endian size prefix,
// the JSON header and the tightly packed payload. Tensors are written in
// the given order with ascending contiguous offsets; empty tensors take
// no payload bytes and their descriptors carry no data_offsets. The
// header is padded with spaces to an 8-byte boundary.
func Save(w io.Writer, tensors []NamedTensor, metadata []MetadataEntry) error {
	header, err := buildHeaderJSON(tensors, metadata)
	if err != nil {
		return err
	}

	var prefix [8]byte
	binary.LittleEndian.PutUint64(prefix[:], uint64(len(header)))
	if _, err = w.Write(prefix[:]); err != nil {
		return err
	}
	if _, err = w.Write(header); err != nil {
		return err
	}
	for _, t := range tensors {
		if len(t.Data) == 0 {
			continue
		}
		if _, err = w.Write(t.Data); err != nil {
			return err
		}
	}
	return nil
}

// Save re-serializes a parsed File, preserving tensor and metadata
// order. Offsets are re-packed, so a file whose payload carried gaps
// comes out tightly packed.
func (st *File) Save(w io.Writer) error {
	if !st.parsed {
		return ErrNotParsed
	}
	tensors := make([]NamedTensor, len(st.Tensors))
	for i, t := range st.Tensors {
		tensors[i] = NamedTensor{
			Name:  t.Name,
			DType: t.DType,
			Shape: t.Shape,
			Data:  st.TensorData(t),
		}
	}
	return Save(w, tensors, st.Metadata)
}

func buildHeaderJSON(tensors []NamedTensor, metadata []MetadataEntry) ([]byte, error) {
	if err := checkSaveInput(tensors, metadata); err != nil {
		return nil, err
	}

	buf := []byte{'{'}
	first := true

	if len(metadata) > 0 {
		buf = append(buf, `"`+metadataKey+`":{`...)
		for i, m := range metadata {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = appendJSONString(buf, m.Key)
			buf = append(buf, ':')
			buf = appendJSONString(buf, m.Value)
		}
		buf = append(buf, '}')
		first = false
	}

	offset := uint64(0)
	for _, t := range tensors {
		if !first {
			buf = append(buf, ',')
		}
		first = false

		buf = appendJSONString(buf, t.Name)
		buf = append(buf, `:{"dtype":"`...)
		buf = append(buf, t.DType.String()...)
		buf = append(buf, `","shape":[`...)
		for i, d := range t.Shape {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = strconv.AppendUint(buf, d, 10)
		}
		buf = append(buf, ']')
		if !hasZeroDim(t.Shape) {
			end := offset + uint64(len(t.Data))
			buf = append(buf, `,"data_offsets":[`...)
			buf = strconv.AppendUint(buf, offset, 10)
			buf = append(buf, ',')
			buf = strconv.AppendUint(buf, end, 10)
			buf = append(buf, ']')
			offset = end
		}
		buf = append(buf, '}')
	}
	buf = append(buf, '}')

	// Force alignment of the payload to 8 bytes.
	for len(buf)%8 != 0 {
		buf = append(buf, ' ')
	}
	return buf, nil
}

func checkSaveInput(tensors []NamedTensor, metadata []MetadataEntry) error {
	seenMeta := make(map[string]struct{}, len(metadata))
	for _, m := range metadata {
		if _, dup := seenMeta[m.Key]; dup {
			return fmt.Errorf("%w: metadata key %q", ErrDuplicateName, m.Key)
		}
		seenMeta[m.Key] = struct{}{}
	}

	seen := make(map[string]struct{}, len(tensors))
	for _, t := range tensors {
		if t.Name == "" {
			return fmt.Errorf("%w: empty name", ErrInvalidTensorName)
		}
		if t.Name == metadataKey {
			return fmt.Errorf("%w: %q is reserved", ErrInvalidTensorName, metadataKey)
		}
		if _, dup := seen[t.Name]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateName, t.Name)
		}
		seen[t.Name] = struct{}{}

		if !t.DType.IsValid() {
			return fmt.Errorf("%w: tensor %q", ErrUnknownDtype, t.Name)
		}
		if len(t.Shape) > MaxDims {
			return fmt.Errorf("%w: tensor %q: %d dimensions", ErrTooManyDims, t.Name, len(t.Shape))
		}
		info := TensorInfo{Name: t.Name, DType: t.DType, Shape: t.Shape}
		want, ok := info.ByteSize()
		if !ok {
			return fmt.Errorf("%w: tensor %q: byte size overflows", ErrInvalidTensor, t.Name)
		}
		if got := uint64(len(t.Data)); got != want {
			return fmt.Errorf("%w: tensor %q: have %d data bytes, shape and dtype imply %d",
				ErrInvalidTensor, t.Name, got, want)
		}
	}
	return nil
}

// appendJSONString appends s as a quoted JSON string literal. Control
// characters are escaped so that the output re-parses under the strict
// reader.
func appendJSONString(buf []byte, s string) []byte {
	buf = append(buf, '"')
	for _, r := range s {
		switch {
		case r == '"':
			buf = append(buf, '\\', '"')
		case r == '\\':
			buf = append(buf, '\\', '\\')
		case r == '\b':
			buf = append(buf, '\\', 'b')
		case r == '\f':
			buf = append(buf, '\\', 'f')
		case r == '\n':
			buf = append(buf, '\\', 'n')
		case r == '\r':
			buf = append(buf, '\\', 'r')
		case r == '\t':
			buf = append(buf, '\\', 't')
		case r < 0x20:
			buf = append(buf, fmt.Sprintf("\\u%04x", r)...)
		default:
			var tmp [utf8.UTFMax]byte
			n := utf8.EncodeRune(tmp[:], r)
			buf = append(buf, tmp[:n]...)
		}
	}
	return append(buf, '"')
}
