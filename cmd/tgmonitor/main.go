package main

import (
	"fmt"
	"os"
)

// main runs the tgmonitor command tree.
// Params: CLI arguments.
// Returns: process exit code 2 for usage errors, 1 for runtime failures.
func main() {
	root := newRootCommand(os.Stdout, os.Stderr)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		if isUsageError(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
