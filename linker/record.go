package linker

import (
	"debug/elf"
	"fmt"
	"io"
	"log/slog"
)

// LinkRecord drives every resolution for one process. It is built once by
// Start (or NewLinkRecord) and handed by reference to Resolve. Only startup
// and the resolver write to it, one at a time.
type LinkRecord struct {
	Base     uint32 // main image load bias, 0 for a fixed-address executable
	Dynamic  uint32
	GOT      uint32
	JmpRel   uint32
	PltRelSz uint32
	SymTab   uint32
	StrTab   uint32
	StrSz    uint32
	Hash     uint32
	Rel      uint32
	RelSz    uint32
	Needed   []string

	Companion Companion

	mem  Memory
	got  *GOT
	log  *slog.Logger
	stub map[uint32]uint32 // GOT slot -> PLT entry, captured before binding
}

// NewLinkRecord assembles a record from a decoded dynamic segment. The GOT
// is wired when both DT_PLTGOT and DT_JMPREL are present.
func NewLinkRecord(m Memory, base uint32, dyn Dynamic, log *slog.Logger) *LinkRecord {
	if log == nil {
		log = discardLogger()
	}
	rec := &LinkRecord{
		Base:     base,
		GOT:      dyn.PltGot,
		JmpRel:   dyn.JmpRel,
		PltRelSz: dyn.PltRelSz,
		SymTab:   dyn.SymTab,
		StrTab:   dyn.StrTab,
		StrSz:    dyn.StrSz,
		Hash:     dyn.Hash,
		Rel:      dyn.Rel,
		RelSz:    dyn.RelSz,
		mem:      m,
		log:      log,
		stub:     make(map[uint32]uint32),
	}
	if rec.GOT != 0 && rec.JmpRel != 0 {
		rec.got = newGOT(m, rec.GOT, rec.PltRelSz/relSize)
	}
	return rec
}

// Table returns the record's GOT, or nil when the image has no PLT.
func (rec *LinkRecord) Table() *GOT {
	return rec.got
}

// Memory returns the address space the record was decoded from.
func (rec *LinkRecord) Memory() Memory {
	return rec.mem
}

func (rec *LinkRecord) symbol(idx uint32) (elf.Sym32, error) {
	if idx == 0 {
		return elf.Sym32{}, fmt.Errorf("%w: relocation against the null symbol", ErrMalformed)
	}
	if rec.SymTab == 0 {
		return elf.Sym32{}, fmt.Errorf("%w: no symbol table", ErrMalformed)
	}
	count, err := rec.symbolCount()
	if err != nil {
		return elf.Sym32{}, err
	}
	if idx >= count {
		return elf.Sym32{}, fmt.Errorf("%w: symbol index %d outside table of %d", ErrMalformed, idx, count)
	}
	return readSym(rec.mem, rec.SymTab, idx)
}

// symbolCount bounds the symbol table. DT_HASH's nchain is exact; without it
// the table ends where the string table begins, which is where linkers put it.
func (rec *LinkRecord) symbolCount() (uint32, error) {
	if rec.Hash != 0 {
		return readWord(rec.mem, rec.Hash+wordSize)
	}
	if rec.StrTab > rec.SymTab {
		return (rec.StrTab - rec.SymTab) / symSize, nil
	}
	return 0, fmt.Errorf("%w: symbol table size unknown without DT_HASH", ErrMalformed)
}

// bind resolves symbol idx of the main image: its own definition when it has
// one, the companion's otherwise.
func (rec *LinkRecord) bind(idx uint32) (uint32, string, error) {
	sym, err := rec.symbol(idx)
	if err != nil {
		return 0, "", err
	}
	name, err := readString(rec.mem, rec.StrTab, rec.StrSz, sym.Name)
	if err != nil {
		return 0, "", err
	}
	if sym.Value != 0 {
		return sym.Value + rec.Base, name, nil
	}
	addr := rec.Companion.Lookup(rec.mem, name)
	if addr == 0 {
		return 0, name, fmt.Errorf("%w: %s", ErrUnresolved, name)
	}
	return addr, name, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func hexAddr(v uint32) string {
	return fmt.Sprintf("%#08x", v)
}
