// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	wantValidate bool
	wantMap      bool
	wantData     bool

	log = logrus.New()
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "stdump",
		Short: "A safetensors inspector built with untrusted checkpoints in mind.",
	}

	dumpCmd := &cobra.Command{
		Use:   "dump <file>...",
		Short: "Dump the tensor directory and metadata of safetensors files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				if err := dump(path); err != nil {
					log.Errorf("dump %s failed: %v", path, err)
				}
			}
			return nil
		},
	}
	dumpCmd.Flags().BoolVar(&wantValidate, "validate", false,
		"cross-check data offsets against the payload")
	dumpCmd.Flags().BoolVar(&wantMap, "mmap", false,
		"memory-map the file instead of reading it")
	dumpCmd.Flags().BoolVar(&wantData, "data", false,
		"print the first elements of each float tensor")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("You are using version 1.0.0")
		},
	}

	rootCmd.AddCommand(dumpCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
