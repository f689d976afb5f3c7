package linker

import "errors"

var (
	// ErrNoEntry is fatal: the process must not be started.
	ErrNoEntry = errors.New("no program entry point")

	ErrMalformed  = errors.New("malformed image")
	ErrUnresolved = errors.New("unresolved symbol")
	ErrSlotBound  = errors.New("GOT slot already bound")
)
