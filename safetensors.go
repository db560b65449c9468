// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package safetensors loads and validates files in the safetensors
// container format: a little-endian `u64 header size`, followed by a JSON
// header describing named tensors, followed by the raw tensor payload.
// The header is treated as untrusted input; every offset derived from it
// is bounds-checked before use.
package safetensors

import (
	"errors"
	"os"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/sirupsen/logrus"
)

const (
	// MinFileSize is the smallest possible container: the 8-byte size
	// prefix plus the minimal "{}" header and no payload would be 10,
	// but the reference format reserves room for the prefix of the
	// payload region as well, so anything under 16 bytes is rejected
	// outright.
	MinFileSize = 16

	// MinHeaderSize is the size of the minimal header "{}".
	MinHeaderSize = 2

	// MaxDefaultHeaderSize caps the JSON header at 100 MiB so that a
	// forged size prefix cannot drive a giant allocation before parsing.
	MaxDefaultHeaderSize = 100 * 1024 * 1024

	// MaxDims is the maximum number of dimensions a tensor shape may have.
	MaxDims = 8

	// metadataKey is the reserved header key carrying free-form metadata.
	metadataKey = "__metadata__"
)

// Errors
var (

	// ErrInvalidSize is returned when the input is smaller than the
	// smallest possible safetensors container.
	ErrInvalidSize = errors.New("not a safetensors file, smaller than minimum container size")

	// ErrHeaderTooSmall is returned when the header size prefix is less
	// than the minimal header "{}".
	ErrHeaderTooSmall = errors.New("header size too small")

	// ErrHeaderTooLarge is returned when the header size prefix exceeds
	// the configured maximum header size.
	ErrHeaderTooLarge = errors.New("header size exceeds maximum")

	// ErrHeaderExceedsFile is returned when the header size prefix points
	// past the end of the input.
	ErrHeaderExceedsFile = errors.New("header size exceeds file size")

	// ErrJSONParse is returned when the header is not valid JSON under
	// the reader's grammar. The wrapped message carries the byte offset
	// of the first failure.
	ErrJSONParse = errors.New("invalid JSON header")

	// ErrHeaderNotObject is returned when the header root, a tensor
	// descriptor, or the __metadata__ entry is not a JSON object.
	ErrHeaderNotObject = errors.New("header value is not a JSON object")

	// ErrMissingField is returned when a tensor descriptor lacks a
	// required field.
	ErrMissingField = errors.New("tensor descriptor field is missing")

	// ErrUnknownDtype is returned when a tensor declares a dtype outside
	// the closed enumeration.
	ErrUnknownDtype = errors.New("unknown dtype")

	// ErrTooManyDims is returned when a tensor shape has more than
	// MaxDims dimensions.
	ErrTooManyDims = errors.New("tensor shape has too many dimensions")

	// ErrBadOffsets is returned when data_offsets is malformed or present
	// on an empty tensor, and by ValidateDataOffsets when offsets do not
	// fit the payload. Absent offsets on a non-empty tensor are reported
	// as ErrMissingField.
	ErrBadOffsets = errors.New("bad data_offsets")

	// ErrDuplicateName is returned when two tensors share a name. The
	// JSON reader already rejects duplicate keys, but the validator
	// asserts it again.
	ErrDuplicateName = errors.New("duplicate tensor name")

	// ErrInvalidTensorName is returned when a tensor name is empty.
	ErrInvalidTensorName = errors.New("invalid tensor name")

	// ErrInvalidTensor is returned when a tensor's data cannot be
	// interpreted as requested.
	ErrInvalidTensor = errors.New("invalid tensor")

	// ErrNotParsed is returned by ValidateDataOffsets and File.Save when
	// called before a successful Parse.
	ErrNotParsed = errors.New("file is not parsed")
)

// TensorInfo describes a single named tensor within the payload region.
// Endianness is little-endian; ordering is 'C'.
type TensorInfo struct {
	// Name of the tensor. Non-empty, unique within a file.
	Name string `json:"name"`

	// DType of each element.
	DType DType `json:"dtype"`

	// Shape of the tensor. An empty shape denotes a scalar.
	Shape []uint64 `json:"shape"`

	// DataOffsets is the [begin, end) byte range of the tensor data,
	// relative to the start of the payload region. Both are zero for
	// empty tensors.
	DataOffsets [2]uint64 `json:"data_offsets"`
}

// MetadataEntry is one key/value pair from the header's __metadata__
// object, order preserved.
type MetadataEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// FileInfo summarizes how a File was loaded and what it contains.
type FileInfo struct {
	// Copied is true when the File owns a heap copy of the input.
	Copied bool
	// Mapped is true when the File holds a read-only view into memory
	// it does not own (a memory mapping or caller-provided bytes).
	Mapped bool
	// HasMetadata is true when the header carried a __metadata__ object.
	HasMetadata bool
}

// A File represents an open safetensors container.
type File struct {
	// HeaderSize is the byte size of the JSON header.
	HeaderSize uint64 `json:"header_size"`

	// Tensors is the tensor directory, in header iteration order.
	Tensors []TensorInfo `json:"tensors,omitempty"`

	// Metadata holds the __metadata__ pairs, in header iteration order.
	Metadata []MetadataEntry `json:"metadata,omitempty"`

	// Anomalies records non-fatal oddities seen while parsing, such as
	// unknown tensor descriptor fields.
	Anomalies []string `json:"anomalies,omitempty"`

	FileInfo

	data    []byte
	payload []byte
	mm      mmap.MMap
	f       *os.File
	index   map[string]int
	parsed  bool
	opts    *Options
	logger  logrus.FieldLogger
}

// Options for loading.
type Options struct {

	// Maximum accepted header size in bytes, by default
	// (MaxDefaultHeaderSize).
	MaxHeaderSize uint64

	// A custom logger. Non-fatal parse anomalies are reported at warn
	// level. Defaults to an error-level logger on stderr.
	Logger logrus.FieldLogger
}

func newLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.ErrorLevel)
	return l
}
