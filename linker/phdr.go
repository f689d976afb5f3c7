package linker

import (
	"debug/elf"
	"fmt"
)

// Segment locates a loaded segment by absolute address.
type Segment struct {
	Addr    uint32
	MemSize uint32
}

// FindSegment returns the first program header of type typ. Addresses in the
// returned header are as stored in the image, not rebased.
func FindSegment(m Memory, phdr, phnum, phent uint32, typ elf.ProgType) (elf.Prog32, bool, error) {
	var prog elf.Prog32
	if phnum == 0 {
		return prog, false, nil
	}
	if phent < phdrSize {
		return prog, false, fmt.Errorf("%w: program header entry size %d", ErrMalformed, phent)
	}
	if phnum > 0xffff {
		return prog, false, fmt.Errorf("%w: %d program headers", ErrMalformed, phnum)
	}

	for i := uint32(0); i < phnum; i++ {
		addr, err := offset(phdr, i, phent)
		if err != nil {
			return prog, false, err
		}
		if err := readStruct(m, addr, phdrSize, &prog); err != nil {
			return prog, false, fmt.Errorf("read program header %d: %w", i, err)
		}
		if elf.ProgType(prog.Type) == typ {
			return prog, true, nil
		}
	}
	return prog, false, nil
}

// FindDynamic locates PT_DYNAMIC. A missing segment means a static program.
func FindDynamic(m Memory, phdr, phnum, phent, base uint32) (Segment, bool, error) {
	prog, ok, err := FindSegment(m, phdr, phnum, phent, elf.PT_DYNAMIC)
	if err != nil || !ok {
		return Segment{}, false, err
	}
	return Segment{Addr: prog.Vaddr + base, MemSize: prog.Memsz}, true, nil
}

// loadBase derives the main image's load bias from PT_PHDR. Images without
// PT_PHDR are placed at their link address.
func loadBase(m Memory, a Auxv) (uint32, error) {
	prog, ok, err := FindSegment(m, a.Phdr, a.Phnum, a.Phent, elf.PT_PHDR)
	if err != nil || !ok {
		return 0, err
	}
	return a.Phdr - prog.Vaddr, nil
}
