package linker

import (
	"debug/elf"
	"errors"
	"fmt"
)

// Copy relocations larger than this are rejected as corrupt.
const maxCopySize = 1 << 20

// RelocStats summarises one pass over the eager relocation table.
type RelocStats struct {
	GlobDat    int
	Copy       int
	Ignored    int
	Unresolved int
}

// ApplyRelocations processes the general relocation table before the
// program runs. Unresolved symbols leave their targets untouched.
func ApplyRelocations(rec *LinkRecord) (RelocStats, error) {
	var stats RelocStats
	if rec.Rel == 0 || rec.RelSz == 0 {
		return stats, nil
	}
	if rec.RelSz%relSize != 0 {
		return stats, fmt.Errorf("%w: relocation table size %#x", ErrMalformed, rec.RelSz)
	}

	for off := uint32(0); off < rec.RelSz; off += relSize {
		rel, err := readRel(rec.mem, rec.Rel, off)
		if err != nil {
			return stats, fmt.Errorf("read relocation %#x: %w", off, err)
		}
		target := rel.Off + rec.Base
		idx := elf.R_SYM32(rel.Info)

		switch elf.R_386(elf.R_TYPE32(rel.Info)) {
		case elf.R_386_GLOB_DAT:
			addr, name, err := rec.bind(idx)
			if errors.Is(err, ErrUnresolved) {
				rec.log.Warn("data binding unresolved", "symbol", name, "target", hexAddr(target))
				stats.Unresolved++
				continue
			}
			if err != nil {
				return stats, err
			}
			if err := writeWord(rec.mem, target, addr); err != nil {
				return stats, fmt.Errorf("bind %s at %s: %w", name, hexAddr(target), err)
			}
			stats.GlobDat++

		case elf.R_386_COPY:
			copied, err := copyRelocation(rec, idx, target)
			if errors.Is(err, ErrUnresolved) {
				rec.log.Warn("copy relocation unresolved", "target", hexAddr(target), "err", err)
				stats.Unresolved++
				continue
			}
			if err != nil {
				return stats, err
			}
			if copied {
				stats.Copy++
			} else {
				stats.Ignored++
			}

		default:
			stats.Ignored++
		}
	}
	return stats, nil
}

// copyRelocation duplicates the companion's initial value of symbol idx into
// the main image's storage at target.
func copyRelocation(rec *LinkRecord, idx, target uint32) (bool, error) {
	sym, err := rec.symbol(idx)
	if err != nil {
		return false, err
	}
	if sym.Size == 0 {
		return false, nil
	}
	if sym.Size > maxCopySize {
		return false, fmt.Errorf("%w: copy relocation of %d bytes", ErrMalformed, sym.Size)
	}
	name, err := readString(rec.mem, rec.StrTab, rec.StrSz, sym.Name)
	if err != nil {
		return false, err
	}

	src := rec.Companion.Lookup(rec.mem, name)
	if src == 0 {
		return false, fmt.Errorf("%w: %s", ErrUnresolved, name)
	}
	buf := make([]byte, sym.Size)
	if err := rec.mem.ReadAt(buf, src); err != nil {
		return false, fmt.Errorf("copy %s from %s: %w", name, hexAddr(src), err)
	}
	if err := rec.mem.WriteAt(buf, target); err != nil {
		return false, fmt.Errorf("copy %s to %s: %w", name, hexAddr(target), err)
	}
	rec.log.Debug("copied data object", "symbol", name, "from", hexAddr(src), "to", hexAddr(target), "size", sym.Size)
	return true, nil
}
