package linker

import (
	"debug/elf"
	"log/slog"
)

// Companion holds the tables of the single shared module placed at the
// fixed companion address. The zero value means no companion is loaded.
type Companion struct {
	Base   uint32
	SymTab uint32
	StrTab uint32
	StrSz  uint32
	Hash   uint32
}

// Present reports whether by-name resolution can be attempted.
func (c Companion) Present() bool {
	return c.SymTab != 0 && c.StrTab != 0 && c.Hash != 0
}

// LocateCompanion probes addr for an ELF32 image. Anything short of a
// well-formed header with a usable dynamic segment yields the zero
// Companion; that is the normal "no companion" case.
func LocateCompanion(m Memory, addr uint32, log *slog.Logger) Companion {
	var magic [4]byte
	if err := m.ReadAt(magic[:], addr); err != nil || string(magic[:]) != elf.ELFMAG {
		log.Debug("no companion module", "addr", hexAddr(addr))
		return Companion{}
	}

	var hdr elf.Header32
	if err := readStruct(m, addr, ehdrSize, &hdr); err != nil {
		log.Debug("companion header unreadable", "addr", hexAddr(addr), "err", err)
		return Companion{}
	}
	if elf.Class(hdr.Ident[elf.EI_CLASS]) != elf.ELFCLASS32 || elf.Data(hdr.Ident[elf.EI_DATA]) != elf.ELFDATA2LSB {
		log.Debug("companion is not ELF32 little endian", "addr", hexAddr(addr))
		return Companion{}
	}

	phdr, err := offset(addr, hdr.Phoff, 1)
	if err != nil {
		return Companion{}
	}
	seg, ok, err := FindDynamic(m, phdr, uint32(hdr.Phnum), uint32(hdr.Phentsize), addr)
	if err != nil || !ok {
		log.Debug("companion has no dynamic segment", "addr", hexAddr(addr), "err", err)
		return Companion{}
	}
	dyn, err := ParseDynamic(m, seg, addr)
	if err != nil {
		log.Debug("companion dynamic segment malformed", "addr", hexAddr(addr), "err", err)
		return Companion{}
	}

	c := Companion{
		Base:   addr,
		SymTab: dyn.SymTab,
		StrTab: dyn.StrTab,
		StrSz:  dyn.StrSz,
		Hash:   dyn.Hash,
	}
	if !c.Present() {
		log.Debug("companion lacks symbol, string or hash table", "addr", hexAddr(addr))
		return Companion{}
	}
	return c
}
