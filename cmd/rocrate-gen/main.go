// Command rocrate-gen is the command-line helper the external
// dispatcher invokes after a workflow engine reaches COMPLETE or
// EXECUTOR_ERROR (spec §4.8). It is deliberately tiny: it resolves the
// run directory and shells out to the configured external RO-Crate
// generator binary via internal/rocrate — it never builds the
// manifest itself.
//
// Usage: rocrate-gen <run-dir-root> <run-id> <generator-cmd>
package main

import (
	"context"
	"fmt"
	"os"

	"apex-build/internal/rocrate"
	"apex-build/internal/runstore"
)

func main() {
	if len(os.Args) != 4 {
		fmt.Fprintln(os.Stderr, "usage: rocrate-gen <run-dir-root> <run-id> <generator-cmd>")
		os.Exit(2)
	}
	rootDir, runID, generatorCmd := os.Args[1], os.Args[2], os.Args[3]

	store, err := runstore.New(rootDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rocrate-gen: failed to open run store: %v\n", err)
		os.Exit(1)
	}

	if err := rocrate.Generate(context.Background(), store, runID, generatorCmd); err != nil {
		// Non-fatal by design (spec §4.8): the error crate was already
		// written by Generate. Exit non-zero only so the dispatcher's
		// own logs record that generation failed.
		fmt.Fprintf(os.Stderr, "rocrate-gen: %v\n", err)
		os.Exit(1)
	}
}
