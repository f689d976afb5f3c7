// Package mem models the 32-bit user address space the dynamic linker runs in.
//
// Every access is bounds-checked against the mapped regions; touching an
// unmapped byte yields ErrFault instead of reading whatever happens to be
// there.
package mem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrFault   = errors.New("address not mapped")
	ErrOverlap = errors.New("region overlaps an existing mapping")
)

// Region is one contiguous mapping inside a Space.
type Region struct {
	Name  string
	Start uint32

	data    []byte
	release func() error
}

// Size returns the mapped length in bytes.
func (r *Region) Size() uint32 {
	return uint32(len(r.data))
}

func (r *Region) end() uint64 {
	return uint64(r.Start) + uint64(len(r.data))
}

func (r *Region) contains(addr uint64) bool {
	return addr >= uint64(r.Start) && addr < r.end()
}

// Space is a sparse set of non-overlapping regions.
type Space struct {
	mu      sync.RWMutex
	regions []*Region
	closed  bool
}

func NewSpace() *Space {
	return &Space{}
}

// Map reserves size bytes at start. The memory is zero filled.
func (s *Space) Map(name string, start, size uint32) (*Region, error) {
	if size == 0 {
		return nil, fmt.Errorf("map %s: empty region", name)
	}
	if uint64(start)+uint64(size) > 1<<32 {
		return nil, fmt.Errorf("map %s at %#x: region wraps the address space", name, start)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.New("address space is released")
	}
	for _, r := range s.regions {
		if uint64(start) < r.end() && uint64(start)+uint64(size) > uint64(r.Start) {
			return nil, fmt.Errorf("map %s at %#x+%#x: %w (%s)", name, start, size, ErrOverlap, r.Name)
		}
	}

	data, release, err := allocBacking(int(size))
	if err != nil {
		return nil, fmt.Errorf("map %s: %w", name, err)
	}
	region := &Region{Name: name, Start: start, data: data[:size], release: release}
	s.regions = append(s.regions, region)
	sort.Slice(s.regions, func(i, j int) bool {
		return s.regions[i].Start < s.regions[j].Start
	})
	return region, nil
}

// Release unmaps every region. The Space is unusable afterwards.
func (s *Space) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for _, r := range s.regions {
		if r.release != nil {
			if err := r.release(); err != nil {
				errs = append(errs, fmt.Errorf("release %s: %w", r.Name, err))
			}
		}
		r.data = nil
	}
	s.regions = nil
	return errors.Join(errs...)
}

// Regions returns a snapshot of the current mappings ordered by address.
func (s *Space) Regions() []Region {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Region, 0, len(s.regions))
	for _, r := range s.regions {
		out = append(out, Region{Name: r.Name, Start: r.Start, data: r.data})
	}
	return out
}

func (s *Space) find(addr uint64) *Region {
	i := sort.Search(len(s.regions), func(i int) bool {
		return s.regions[i].end() > addr
	})
	if i < len(s.regions) && s.regions[i].contains(addr) {
		return s.regions[i]
	}
	return nil
}

// access walks p across adjacent regions starting at addr.
func (s *Space) access(p []byte, addr uint32, write bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cur := uint64(addr)
	for done := 0; done < len(p); {
		r := s.find(cur)
		if r == nil {
			return fmt.Errorf("%w: %#x", ErrFault, cur)
		}
		off := cur - uint64(r.Start)
		var n int
		if write {
			n = copy(r.data[off:], p[done:])
		} else {
			n = copy(p[done:], r.data[off:])
		}
		done += n
		cur += uint64(n)
	}
	return nil
}

func (s *Space) ReadAt(p []byte, addr uint32) error {
	return s.access(p, addr, false)
}

func (s *Space) WriteAt(p []byte, addr uint32) error {
	return s.access(p, addr, true)
}

func (s *Space) Uint32(addr uint32) (uint32, error) {
	var b [4]byte
	if err := s.ReadAt(b[:], addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (s *Space) PutUint32(addr, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return s.WriteAt(b[:], addr)
}

// CString reads a NUL-terminated string of at most max bytes.
func (s *Space) CString(addr uint32, max int) (string, error) {
	buf := make([]byte, 0, 32)
	var b [1]byte
	for i := 0; i < max; i++ {
		if err := s.ReadAt(b[:], addr+uint32(i)); err != nil {
			return "", err
		}
		if b[0] == 0 {
			return string(buf), nil
		}
		buf = append(buf, b[0])
	}
	return "", fmt.Errorf("string at %#x exceeds %d bytes", addr, max)
}
