// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	safetensors "github.com/saferwall/safetensors"
)

func dump(path string) error {
	var (
		st  *safetensors.File
		err error
	)
	opts := &safetensors.Options{Logger: log}
	if wantMap {
		st, err = safetensors.Map(path, opts)
	} else {
		st, err = safetensors.Open(path, opts)
	}
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Parse(); err != nil {
		return err
	}

	mode := "copy"
	if st.Mapped {
		mode = "mmap"
	}
	fmt.Printf("%s: header %s, payload %s, %d tensors (%s mode)\n",
		path, humanize.IBytes(st.HeaderSize),
		humanize.IBytes(uint64(len(st.Payload()))), len(st.Tensors), mode)

	if st.HasMetadata {
		fmt.Println("metadata:")
		for _, m := range st.Metadata {
			fmt.Printf("  %s = %s\n", m.Key, m.Value)
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tDTYPE\tSHAPE\tOFFSETS\tSIZE")
	for _, t := range st.Tensors {
		size, _ := t.ByteSize()
		fmt.Fprintf(w, "%s\t%s\t%s\t[%d, %d)\t%s\n",
			t.Name, t.DType, formatShape(t.Shape),
			t.DataOffsets[0], t.DataOffsets[1], humanize.IBytes(size))
	}
	w.Flush()

	if wantValidate {
		if err := st.ValidateDataOffsets(); err != nil {
			return err
		}
		fmt.Println("data offsets: ok")
	}

	for _, a := range st.Anomalies {
		fmt.Printf("anomaly: %s\n", a)
	}

	if wantData {
		dumpData(st)
	}
	return nil
}

func dumpData(st *safetensors.File) {
	const maxElems = 8
	for _, t := range st.Tensors {
		vals, err := st.TensorFloat32(t)
		if err != nil {
			continue
		}
		if len(vals) > maxElems {
			vals = vals[:maxElems]
		}
		fmt.Printf("%s: %v\n", t.Name, vals)
	}
}

func formatShape(shape []uint64) string {
	if len(shape) == 0 {
		return "scalar"
	}
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = fmt.Sprintf("%d", d)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
