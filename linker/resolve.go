package linker

import (
	"debug/elf"
	"errors"
	"fmt"
)

// A lazily bound GOT slot initially points this far into its PLT entry,
// just past the indirect jump, at the push of the relocation offset.
const StubPushOffset = 6

// Resolve is the resolver behind the PLT trampoline. relOff is the byte
// offset of the call site's entry in the PLT relocation table. On success
// the call site's GOT slot holds the returned address.
func Resolve(rec *LinkRecord, relOff uint32) (uint32, error) {
	if rec == nil || rec.got == nil {
		return 0, fmt.Errorf("%w: no PLT relocation table", ErrMalformed)
	}
	if relOff%relSize != 0 || uint64(relOff)+relSize > uint64(rec.PltRelSz) {
		return 0, fmt.Errorf("%w: PLT relocation offset %#x (table is %#x bytes)", ErrMalformed, relOff, rec.PltRelSz)
	}

	rel, err := readRel(rec.mem, rec.JmpRel, relOff)
	if err != nil {
		return 0, fmt.Errorf("read PLT relocation %#x: %w", relOff, err)
	}
	if typ := elf.R_386(elf.R_TYPE32(rel.Info)); typ != elf.R_386_JMP_SLOT {
		return 0, fmt.Errorf("%w: PLT relocation %#x has type %v", ErrMalformed, relOff, typ)
	}

	slot := rel.Off + rec.Base
	if v, ok := rec.got.Bound(slot); ok {
		return v, nil
	}

	addr, name, err := rec.bind(elf.R_SYM32(rel.Info))
	if err != nil {
		rec.log.Warn("lazy binding failed", "reloff", relOff, "symbol", name, "err", err)
		return 0, fmt.Errorf("resolve PLT relocation %#x: %w", relOff, err)
	}
	if err := rec.got.Patch(slot, addr); err != nil {
		return 0, err
	}
	rec.log.Debug("bound PLT slot", "symbol", name, "slot", hexAddr(slot), "addr", hexAddr(addr))
	return addr, nil
}

// Import describes one PLT call site.
type Import struct {
	Name   string
	RelOff uint32
	Slot   uint32
	Entry  uint32 // PLT entry address, 0 when it could not be derived
	Bound  bool
}

// Imports enumerates the PLT relocation table.
func Imports(rec *LinkRecord) ([]Import, error) {
	if rec == nil || rec.got == nil {
		return nil, nil
	}
	var out []Import
	for off := uint32(0); off+relSize <= rec.PltRelSz; off += relSize {
		rel, err := readRel(rec.mem, rec.JmpRel, off)
		if err != nil {
			return nil, fmt.Errorf("read PLT relocation %#x: %w", off, err)
		}
		sym, err := rec.symbol(elf.R_SYM32(rel.Info))
		if err != nil {
			return nil, err
		}
		name, err := readString(rec.mem, rec.StrTab, rec.StrSz, sym.Name)
		if err != nil {
			return nil, err
		}
		slot := rel.Off + rec.Base
		_, bound := rec.got.Bound(slot)
		out = append(out, Import{
			Name:   name,
			RelOff: off,
			Slot:   slot,
			Entry:  rec.stub[slot],
			Bound:  bound,
		})
	}
	return out, nil
}

// captureStubs remembers where each untouched PLT slot points so the entry
// stays discoverable after the slot is bound.
func captureStubs(rec *LinkRecord) error {
	if rec.got == nil {
		return nil
	}
	for off := uint32(0); off+relSize <= rec.PltRelSz; off += relSize {
		rel, err := readRel(rec.mem, rec.JmpRel, off)
		if err != nil {
			return fmt.Errorf("read PLT relocation %#x: %w", off, err)
		}
		slot := rel.Off + rec.Base
		v, err := readWord(rec.mem, slot)
		if err != nil {
			return fmt.Errorf("read GOT slot %s: %w", hexAddr(slot), err)
		}
		if v >= StubPushOffset {
			rec.stub[slot] = v - StubPushOffset
		}
	}
	return nil
}

// BindNow resolves every PLT slot up front. Call sites that cannot be
// resolved stay lazy.
func BindNow(rec *LinkRecord) (bound, unresolved int, err error) {
	if rec == nil || rec.got == nil {
		return 0, 0, nil
	}
	for off := uint32(0); off+relSize <= rec.PltRelSz; off += relSize {
		if _, err := Resolve(rec, off); err != nil {
			if errors.Is(err, ErrUnresolved) {
				unresolved++
				continue
			}
			return bound, unresolved, err
		}
		bound++
	}
	return bound, unresolved, nil
}
