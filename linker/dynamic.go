package linker

import (
	"debug/elf"
	"fmt"
)

// Upper bound when the segment does not declare its size.
const maxDynEntries = 512

// Dynamic is the decoded content of a PT_DYNAMIC segment. Address-valued
// entries are rebased.
type Dynamic struct {
	PltGot   uint32
	JmpRel   uint32
	PltRelSz uint32
	SymTab   uint32
	StrTab   uint32
	StrSz    uint32
	Rel      uint32
	RelSz    uint32
	Hash     uint32
	Needed   []uint32 // string table offsets
}

// ParseDynamic reads tag/value pairs up to DT_NULL or the end of seg.
// Tags the linker has no use for are skipped.
func ParseDynamic(m Memory, seg Segment, base uint32) (Dynamic, error) {
	var d Dynamic

	count := uint32(maxDynEntries)
	if seg.MemSize != 0 {
		count = min(seg.MemSize/dynSize, count)
	}

	for i := uint32(0); i < count; i++ {
		addr, err := offset(seg.Addr, i, dynSize)
		if err != nil {
			return d, err
		}
		var dyn elf.Dyn32
		if err := readStruct(m, addr, dynSize, &dyn); err != nil {
			return d, fmt.Errorf("read dynamic entry %d: %w", i, err)
		}

		switch elf.DynTag(dyn.Tag) {
		case elf.DT_NULL:
			return d, nil
		case elf.DT_PLTGOT:
			d.PltGot = dyn.Val + base
		case elf.DT_JMPREL:
			d.JmpRel = dyn.Val + base
		case elf.DT_PLTRELSZ:
			d.PltRelSz = dyn.Val
		case elf.DT_PLTREL:
			if elf.DynTag(dyn.Val) != elf.DT_REL {
				return d, fmt.Errorf("%w: PLT relocations of kind %v", ErrMalformed, elf.DynTag(dyn.Val))
			}
		case elf.DT_SYMTAB:
			d.SymTab = dyn.Val + base
		case elf.DT_STRTAB:
			d.StrTab = dyn.Val + base
		case elf.DT_STRSZ:
			d.StrSz = dyn.Val
		case elf.DT_SYMENT:
			if dyn.Val != symSize {
				return d, fmt.Errorf("%w: symbol entry size %d", ErrMalformed, dyn.Val)
			}
		case elf.DT_REL:
			d.Rel = dyn.Val + base
		case elf.DT_RELSZ:
			d.RelSz = dyn.Val
		case elf.DT_RELENT:
			if dyn.Val != relSize {
				return d, fmt.Errorf("%w: relocation entry size %d", ErrMalformed, dyn.Val)
			}
		case elf.DT_HASH:
			d.Hash = dyn.Val + base
		case elf.DT_NEEDED:
			d.Needed = append(d.Needed, dyn.Val)
		}
	}
	return d, nil
}
