// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package safetensors

import (
	"encoding/binary"
	"fmt"
	"os"

	mmap "github.com/edsrzf/mmap-go"
)

// Open reads the whole file into an owned buffer and returns a File in
// copy mode. Call Parse to build the tensor directory.
func Open(name string, opts *Options) (*File, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, err
	}

	file := newFile(data, opts)
	file.Copied = true
	return file, nil
}

// OpenBytes copies the given buffer and returns a File in copy mode. The
// caller's buffer is not referenced after OpenBytes returns.
func OpenBytes(data []byte, opts *Options) (*File, error) {
	owned := make([]byte, len(data))
	copy(owned, data)

	file := newFile(owned, opts)
	file.Copied = true
	return file, nil
}

// Map memory-maps the file read-only and returns a File in map mode: the
// payload is a view into the mapping, no bytes are copied. The file
// handle is kept open until Close so the mapping always has a backing
// object, matching the conservative teardown order on every platform.
func Map(name string, opts *Options) (*File, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap %s: %w", name, err)
	}

	file := newFile(data, opts)
	file.Mapped = true
	file.mm = data
	file.f = f
	return file, nil
}

// MapBytes returns a File holding views into the caller's buffer, with
// no copy. The buffer must stay valid and unmodified until Close.
func MapBytes(data []byte, opts *Options) (*File, error) {
	file := newFile(data, opts)
	file.Mapped = true
	return file, nil
}

func newFile(data []byte, opts *Options) *File {
	file := &File{data: data}
	if opts != nil {
		file.opts = opts
	} else {
		file.opts = &Options{}
	}

	if file.opts.MaxHeaderSize == 0 {
		file.opts.MaxHeaderSize = MaxDefaultHeaderSize
	}

	if file.opts.Logger == nil {
		file.logger = newLogger()
	} else {
		file.logger = file.opts.Logger
	}
	return file
}

// Close releases the payload buffer or mapping and the file handle.
// Close is idempotent; a second call is a no-op.
func (st *File) Close() error {
	var err error
	if st.mm != nil {
		err = st.mm.Unmap()
		st.mm = nil
	}
	if st.f != nil {
		if cerr := st.f.Close(); err == nil {
			err = cerr
		}
		st.f = nil
	}
	st.data = nil
	st.payload = nil
	return err
}

// Parse splits the container into size prefix, JSON header and payload,
// parses and validates the header, and fills the tensor directory. Data
// offsets are deliberately not checked against the payload length here;
// run ValidateDataOffsets for that, so files with corrupt offsets can
// still be opened for inspection.
func (st *File) Parse() error {
	size := uint64(len(st.data))
	if size < MinFileSize {
		return ErrInvalidSize
	}

	headerSize := binary.LittleEndian.Uint64(st.data)
	switch {
	case headerSize < MinHeaderSize:
		return fmt.Errorf("%w: %d", ErrHeaderTooSmall, headerSize)
	case headerSize > st.opts.MaxHeaderSize:
		return fmt.Errorf("%w: %d", ErrHeaderTooLarge, headerSize)
	case 8+headerSize > size:
		return fmt.Errorf("%w: header of %d bytes in a file of %d", ErrHeaderExceedsFile, headerSize, size)
	}

	headerBytes := st.data[8 : 8+headerSize]
	root, end, err := decodeJSON(headerBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJSONParse, err)
	}
	// Serializers pad the header with trailing spaces for alignment;
	// anything else after the top-level value is garbage.
	for ; end < len(headerBytes); end++ {
		switch headerBytes[end] {
		case ' ', '\t', '\n', '\r':
		default:
			return fmt.Errorf("%w: offset %d: trailing data after header value", ErrJSONParse, end)
		}
	}

	h, err := parseHeader(root)
	if err != nil {
		return err
	}

	st.HeaderSize = headerSize
	st.Tensors = h.tensors
	st.Metadata = h.metadata
	st.HasMetadata = h.hasMeta
	st.Anomalies = h.anomalies
	st.payload = st.data[8+headerSize:]
	st.index = make(map[string]int, len(h.tensors))
	for i, t := range h.tensors {
		st.index[t.Name] = i
	}
	st.parsed = true

	for _, a := range st.Anomalies {
		st.logger.Warn(a)
	}
	return nil
}

// Payload returns the raw data region following the header. The slice is
// a view bound to the File's lifetime.
func (st *File) Payload() []byte {
	return st.payload
}
