// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Command sockgate forwards TCP and Unix socket services, rewriting HTTP
// request paths on the way.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "sockgate:", err)
		os.Exit(1)
	}
}
