package main

import (
	"errors"
	"fmt"
	"os"

	"filestore/internal/cli"
)

// exitLockHeld lets scripts tell lock contention apart from other failures.
const exitLockHeld = 3

func main() {
	if err := cli.Run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "filestore: %v\n", err)
		if errors.Is(err, cli.ErrLockHeld) {
			os.Exit(exitLockHeld)
		}
		os.Exit(1)
	}
}
