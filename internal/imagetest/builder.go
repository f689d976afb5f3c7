// Package imagetest assembles small ELF32 i386 images in memory: a main
// executable with PLT call sites, data imports and copy relocations, and a
// companion shared module with a DT_HASH table.
package imagetest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

const (
	DefaultMainVaddr = 0x08048000

	ehdrSize  = 52
	phdrSize  = 32
	pltSize   = 16
	symSize   = 16
	relSize   = 8
	pltGotRes = 3
)

// Import is a function the main image calls through the PLT.
type Import struct {
	Name  string
	Local bool // defined by the main image itself
}

// Copy is a data object whose storage the main image owns.
type Copy struct {
	Name string
	Size uint32
}

type Main struct {
	Vaddr   uint32
	PIE     bool // ET_DYN with %ebx-relative PLT stubs and a PT_PHDR
	Static  bool // no PT_DYNAMIC
	Imports []Import
	GlobDat []string
	Copies  []Copy
	Needed  string
	NoHash  bool // omit DT_HASH
	// ExtraTags are emitted before DT_NULL to exercise unknown tags.
	ExtraTags []elf.Dyn32
}

type Export struct {
	Name      string
	Size      uint32
	Data      []byte // object contents; nil for a function
	Weak      bool
	Local     bool
	Undefined bool
}

type Lib struct {
	Exports []Export
	Buckets uint32 // default 3
}

// Image is a built file plus the link-time addresses tests assert on.
type Image struct {
	Bytes   []byte
	Vaddr   uint32
	Entry   uint32
	Dynamic uint32
	GOT     uint32
	PLT     uint32
	Hash    uint32

	Slots   map[string]uint32 // import -> GOT slot
	Entries map[string]uint32 // import -> PLT entry
	Targets map[string]uint32 // GLOB_DAT / COPY name -> storage
	Symbols map[string]uint32 // defined symbol -> value
}

type layout struct {
	buf []byte
}

func (l *layout) alloc(size, align uint32) uint32 {
	off := (uint32(len(l.buf)) + align - 1) &^ (align - 1)
	l.buf = append(l.buf, make([]byte, off+size-uint32(len(l.buf)))...)
	return off
}

func (l *layout) put(off uint32, v any) {
	var b bytes.Buffer
	if err := binary.Write(&b, binary.LittleEndian, v); err != nil {
		panic(err)
	}
	copy(l.buf[off:], b.Bytes())
}

type strtab struct {
	data []byte
	idx  map[string]uint32
}

func newStrtab() *strtab {
	return &strtab{data: []byte{0}, idx: map[string]uint32{"": 0}}
}

func (s *strtab) add(name string) uint32 {
	if off, ok := s.idx[name]; ok {
		return off
	}
	off := uint32(len(s.data))
	s.data = append(s.data, name...)
	s.data = append(s.data, 0)
	s.idx[name] = off
	return off
}

// hashTable builds a DT_HASH section for syms (index 0 is the null symbol).
func hashTable(names []string, nbucket uint32) []uint32 {
	nchain := uint32(len(names))
	buckets := make([]uint32, nbucket)
	chains := make([]uint32, nchain)
	for i := uint32(1); i < nchain; i++ {
		h := elfHash(names[i]) % nbucket
		chains[i] = buckets[h]
		buckets[h] = i
	}
	out := []uint32{nbucket, nchain}
	out = append(out, buckets...)
	return append(out, chains...)
}

func elfHash(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = h<<4 + uint32(name[i])
		if g := h & 0xf0000000; g != 0 {
			h ^= g >> 24
			h &^= g
		}
	}
	return h
}

func header(typ elf.Type, entry uint32, phnum int) elf.Header32 {
	h := elf.Header32{
		Type:      uint16(typ),
		Machine:   uint16(elf.EM_386),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     entry,
		Phoff:     ehdrSize,
		Ehsize:    ehdrSize,
		Phentsize: phdrSize,
		Phnum:     uint16(phnum),
	}
	copy(h.Ident[:], elf.ELFMAG)
	h.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	h.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	h.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	return h
}

func symInfo(bind elf.SymBind, typ elf.SymType) uint8 {
	return elf.ST_INFO(bind, typ)
}
