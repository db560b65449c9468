// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package safetensors

import (
	"fmt"
	"math"
)

// header is the validated in-memory form of the JSON header: the tensor
// directory and metadata, both in header iteration order, plus any
// non-fatal anomalies seen along the way.
type header struct {
	tensors   []TensorInfo
	metadata  []MetadataEntry
	anomalies []string
	hasMeta   bool
}

// maxExactUint is the largest integer a JSON number (an IEEE double) can
// represent exactly. Shape and offset values at or above it are rejected.
const maxExactUint = uint64(1) << 53

// parseHeader walks a parsed JSON tree and builds the tensor directory,
// enforcing the format invariants. The root must be an object; each
// member is either the reserved __metadata__ object or a tensor
// descriptor. Nothing half-built is returned on error.
func parseHeader(root jsonValue) (header, error) {
	var h header

	if root.kind != jsonObject {
		return header{}, fmt.Errorf("%w: root is %s", ErrHeaderNotObject, root.kind)
	}

	seen := make(map[string]struct{}, len(root.members))
	for _, m := range root.members {
		if m.key == metadataKey {
			meta, err := parseMetadata(m.value)
			if err != nil {
				return header{}, err
			}
			h.metadata = meta
			h.hasMeta = true
			continue
		}

		info, anomalies, err := parseTensorInfo(m.key, m.value)
		if err != nil {
			return header{}, err
		}
		// The JSON reader already rejects duplicate keys; assert it
		// anyway so the directory invariant never rests on a single
		// layer.
		if _, dup := seen[info.Name]; dup {
			return header{}, fmt.Errorf("%w: %q", ErrDuplicateName, info.Name)
		}
		seen[info.Name] = struct{}{}
		h.tensors = append(h.tensors, info)
		h.anomalies = append(h.anomalies, anomalies...)
	}

	return h, nil
}

func parseMetadata(v jsonValue) ([]MetadataEntry, error) {
	if v.kind != jsonObject {
		return nil, fmt.Errorf("%w: __metadata__ is %s", ErrHeaderNotObject, v.kind)
	}
	meta := make([]MetadataEntry, 0, len(v.members))
	for _, m := range v.members {
		if m.value.kind != jsonString {
			return nil, fmt.Errorf("%w: __metadata__ key %q has %s value, want string",
				ErrHeaderNotObject, m.key, m.value.kind)
		}
		meta = append(meta, MetadataEntry{Key: m.key, Value: m.value.str})
	}
	return meta, nil
}

func parseTensorInfo(name string, v jsonValue) (TensorInfo, []string, error) {
	if name == "" {
		return TensorInfo{}, nil, fmt.Errorf("%w: empty name", ErrInvalidTensorName)
	}
	if v.kind != jsonObject {
		return TensorInfo{}, nil, fmt.Errorf("%w: tensor %q is %s", ErrHeaderNotObject, name, v.kind)
	}

	info := TensorInfo{Name: name}
	var (
		anomalies  []string
		offsets    jsonValue
		gotDtype   bool
		gotShape   bool
		gotOffsets bool
	)

	for _, m := range v.members {
		switch m.key {
		case "dtype":
			if m.value.kind != jsonString {
				return TensorInfo{}, nil, fmt.Errorf("%w: tensor %q: dtype is %s, want string",
					ErrUnknownDtype, name, m.value.kind)
			}
			dt, ok := DTypeFromString(m.value.str)
			if !ok {
				return TensorInfo{}, nil, fmt.Errorf("%w: tensor %q: %q", ErrUnknownDtype, name, m.value.str)
			}
			info.DType = dt
			gotDtype = true
		case "shape":
			shape, err := parseShape(name, m.value)
			if err != nil {
				return TensorInfo{}, nil, err
			}
			info.Shape = shape
			gotShape = true
		case "data_offsets":
			offsets = m.value
			gotOffsets = true
		default:
			// Unrecognized descriptor fields are tolerated; keep a
			// trace on the warning sink.
			anomalies = append(anomalies, fmt.Sprintf("tensor %q: unknown field %q ignored", name, m.key))
		}
	}

	if !gotDtype {
		return TensorInfo{}, nil, fmt.Errorf(`%w: tensor %q: "dtype"`, ErrMissingField, name)
	}
	if !gotShape {
		return TensorInfo{}, nil, fmt.Errorf(`%w: tensor %q: "shape"`, ErrMissingField, name)
	}

	// data_offsets is required for non-empty tensors and forbidden for
	// empty ones; an empty tensor's offsets default to (0, 0).
	empty := hasZeroDim(info.Shape)
	switch {
	case empty && gotOffsets:
		return TensorInfo{}, nil, fmt.Errorf("%w: tensor %q: empty tensor carries data_offsets",
			ErrBadOffsets, name)
	case !empty && !gotOffsets:
		return TensorInfo{}, nil, fmt.Errorf(`%w: tensor %q: "data_offsets"`, ErrMissingField, name)
	case !empty:
		begin, end, err := parseDataOffsets(name, offsets)
		if err != nil {
			return TensorInfo{}, nil, err
		}
		info.DataOffsets = [2]uint64{begin, end}
	}

	return info, anomalies, nil
}

func parseShape(name string, v jsonValue) ([]uint64, error) {
	if v.kind != jsonArray {
		return nil, fmt.Errorf("%w: tensor %q: shape is %s, want array", ErrInvalidTensor, name, v.kind)
	}
	if len(v.arr) > MaxDims {
		return nil, fmt.Errorf("%w: tensor %q: %d dimensions", ErrTooManyDims, name, len(v.arr))
	}
	shape := make([]uint64, len(v.arr))
	for i, elem := range v.arr {
		dim, err := asUint(elem)
		if err != nil {
			return nil, fmt.Errorf("tensor %q: shape[%d]: %w", name, i, err)
		}
		shape[i] = dim
	}
	return shape, nil
}

func parseDataOffsets(name string, v jsonValue) (begin, end uint64, err error) {
	if v.kind != jsonArray {
		return 0, 0, fmt.Errorf("%w: tensor %q: data_offsets is %s, want array", ErrBadOffsets, name, v.kind)
	}
	if len(v.arr) != 2 {
		return 0, 0, fmt.Errorf("%w: tensor %q: expected 2 offsets, got %d", ErrBadOffsets, name, len(v.arr))
	}
	if begin, err = asUint(v.arr[0]); err != nil {
		return 0, 0, fmt.Errorf("tensor %q: data_offsets[0]: %w", name, err)
	}
	if end, err = asUint(v.arr[1]); err != nil {
		return 0, 0, fmt.Errorf("tensor %q: data_offsets[1]: %w", name, err)
	}
	if begin > end {
		return 0, 0, fmt.Errorf("%w: tensor %q: begin %d > end %d", ErrBadOffsets, name, begin, end)
	}
	return begin, end, nil
}

// asUint coerces a JSON number (an IEEE double) to an unsigned integer.
// Values that are not numbers, not integral, negative, or too large to
// round-trip through a double are rejected.
func asUint(v jsonValue) (uint64, error) {
	if v.kind != jsonNumber {
		return 0, fmt.Errorf("%w: value is %s, want integer", ErrInvalidTensor, v.kind)
	}
	f := v.num
	if f != math.Trunc(f) || f < 0 || f >= float64(maxExactUint) {
		return 0, fmt.Errorf("%w: %v is not a non-negative integer below 2^53", ErrInvalidTensor, f)
	}
	return uint64(f), nil
}

func hasZeroDim(shape []uint64) bool {
	for _, d := range shape {
		if d == 0 {
			return true
		}
	}
	return false
}
