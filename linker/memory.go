package linker

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
)

const (
	wordSize   = 4
	symSize    = 16 // sizeof(Elf32_Sym)
	relSize    = 8  // sizeof(Elf32_Rel)
	dynSize    = 8  // sizeof(Elf32_Dyn)
	phdrSize   = 32 // sizeof(Elf32_Phdr)
	ehdrSize   = 52 // sizeof(Elf32_Ehdr)
	maxNameLen = 1024
)

// Memory is the address space the linker decodes tables from and patches.
// Implementations must fail rather than return bytes for unmapped addresses.
type Memory interface {
	ReadAt(p []byte, addr uint32) error
	WriteAt(p []byte, addr uint32) error
}

// offset returns base+off*scale, rejecting anything that wraps 32 bits.
func offset(base, off, scale uint32) (uint32, error) {
	v := uint64(base) + uint64(off)*uint64(scale)
	if v > 0xffffffff {
		return 0, fmt.Errorf("%w: address %#x+%#x*%d overflows", ErrMalformed, base, off, scale)
	}
	return uint32(v), nil
}

func readWord(m Memory, addr uint32) (uint32, error) {
	var b [wordSize]byte
	if err := m.ReadAt(b[:], addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func writeWord(m Memory, addr, v uint32) error {
	var b [wordSize]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return m.WriteAt(b[:], addr)
}

func readStruct(m Memory, addr uint32, size int, v any) error {
	buf := make([]byte, size)
	if err := m.ReadAt(buf, addr); err != nil {
		return err
	}
	return binary.Read(bytes.NewReader(buf), binary.LittleEndian, v)
}

func readSym(m Memory, symtab, idx uint32) (elf.Sym32, error) {
	var sym elf.Sym32
	addr, err := offset(symtab, idx, symSize)
	if err != nil {
		return sym, err
	}
	err = readStruct(m, addr, symSize, &sym)
	return sym, err
}

func readRel(m Memory, table, off uint32) (elf.Rel32, error) {
	var rel elf.Rel32
	addr, err := offset(table, off, 1)
	if err != nil {
		return rel, err
	}
	err = readStruct(m, addr, relSize, &rel)
	return rel, err
}

// readString decodes the NUL-terminated string at strtab+off. strsz bounds
// the table when the image declared it.
func readString(m Memory, strtab, strsz, off uint32) (string, error) {
	limit := uint32(maxNameLen)
	if strsz != 0 {
		if off >= strsz {
			return "", fmt.Errorf("%w: string offset %#x outside table of %#x bytes", ErrMalformed, off, strsz)
		}
		limit = min(limit, strsz-off)
	}
	addr, err := offset(strtab, off, 1)
	if err != nil {
		return "", err
	}

	out := make([]byte, 0, 32)
	var b [1]byte
	for i := uint32(0); i < limit; i++ {
		if err := m.ReadAt(b[:], addr+i); err != nil {
			return "", err
		}
		if b[0] == 0 {
			return string(out), nil
		}
		out = append(out, b[0])
	}
	return "", fmt.Errorf("%w: unterminated string at %#x", ErrMalformed, addr)
}

// nameEquals compares the string at strtab+off with name without reading
// past the terminator name would need.
func nameEquals(m Memory, strtab, strsz, off uint32, name string) bool {
	need := uint64(len(name)) + 1
	if strsz != 0 && uint64(off)+need > uint64(strsz) {
		return false
	}
	addr, err := offset(strtab, off, 1)
	if err != nil || uint64(addr)+need > 1<<32 {
		return false
	}
	buf := make([]byte, need)
	if err := m.ReadAt(buf, addr); err != nil {
		return false
	}
	return buf[len(name)] == 0 && string(buf[:len(name)]) == name
}
