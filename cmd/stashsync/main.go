// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Command stashsync runs the collection authority and syncs a local cache
// against it from the command line.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
