//go:build linux

package mem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// allocBacking maps anonymous private pages so large images do not sit on
// the Go heap.
func allocBacking(size int) ([]byte, func() error, error) {
	page := unix.Getpagesize()
	length := (size + page - 1) &^ (page - 1)

	data, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap %d bytes: %w", length, err)
	}
	return data, func() error {
		return unix.Munmap(data)
	}, nil
}
