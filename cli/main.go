package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sliverarmory/rtld/linker"
)

// A program without an entry point exits like a failed exec.
const exitNoEntry = 127

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

func execute(args []string, stdout, stderr io.Writer) int {
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, linker.ErrNoEntry) {
			fmt.Fprintln(stderr, "rtld: program has no entry point")
			return exitNoEntry
		}
		return 1
	}
	return 0
}
