package linker

import (
	"debug/elf"
	"fmt"
)

// Chains longer than this are treated as corrupt.
const maxChain = 1 << 20

// ELFHash is the SysV symbol hash used by DT_HASH tables.
func ELFHash(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = h<<4 + uint32(name[i])
		g := h & 0xf0000000
		if g != 0 {
			h ^= g >> 24
		}
		h &^= g
	}
	return h
}

type hashTable struct {
	nbucket uint32
	nchain  uint32
	buckets uint32
	chains  uint32
}

func readHashTable(m Memory, addr uint32) (hashTable, error) {
	var t hashTable
	var err error
	if t.nbucket, err = readWord(m, addr); err != nil {
		return t, err
	}
	if t.nchain, err = readWord(m, addr+wordSize); err != nil {
		return t, err
	}
	if t.nbucket == 0 || t.nbucket > maxChain || t.nchain > maxChain {
		return t, fmt.Errorf("%w: hash table with %d buckets and %d chains", ErrMalformed, t.nbucket, t.nchain)
	}
	t.buckets = addr + 2*wordSize
	if t.chains, err = offset(t.buckets, t.nbucket, wordSize); err != nil {
		return t, err
	}
	if _, err = offset(t.chains, t.nchain, wordSize); err != nil {
		return t, err
	}
	return t, nil
}

func (t hashTable) bucket(m Memory, i uint32) (uint32, error) {
	return readWord(m, t.buckets+i*wordSize)
}

func (t hashTable) chain(m Memory, i uint32) (uint32, error) {
	return readWord(m, t.chains+i*wordSize)
}

// eligible reports whether sym may satisfy a reference from another module.
func eligible(sym elf.Sym32) bool {
	bind := elf.ST_BIND(sym.Info)
	if bind != elf.STB_GLOBAL && bind != elf.STB_WEAK {
		return false
	}
	return sym.Value != 0 && elf.SectionIndex(sym.Shndx) != elf.SHN_UNDEF
}

// Lookup returns the absolute address of the defined, exported symbol name
// in the companion, or 0. It only reads memory.
func (c Companion) Lookup(m Memory, name string) uint32 {
	if !c.Present() || name == "" {
		return 0
	}
	t, err := readHashTable(m, c.Hash)
	if err != nil {
		return 0
	}

	idx, err := t.bucket(m, ELFHash(name)%t.nbucket)
	if err != nil {
		return 0
	}
	for steps := uint32(0); idx != 0 && steps < t.nchain; steps++ {
		if idx >= t.nchain {
			return 0
		}
		sym, err := readSym(m, c.SymTab, idx)
		if err != nil {
			return 0
		}
		if eligible(sym) && nameEquals(m, c.StrTab, c.StrSz, sym.Name, name) {
			return c.Base + sym.Value
		}
		if idx, err = t.chain(m, idx); err != nil {
			return 0
		}
	}
	return 0
}

// Exports lists every eligible symbol of the companion by walking the chain
// array. Used for diagnostics; resolution always goes through Lookup.
func (c Companion) Exports(m Memory) (map[string]uint32, error) {
	out := make(map[string]uint32)
	if !c.Present() {
		return out, nil
	}
	t, err := readHashTable(m, c.Hash)
	if err != nil {
		return nil, err
	}
	for i := uint32(1); i < t.nchain; i++ {
		sym, err := readSym(m, c.SymTab, i)
		if err != nil {
			return nil, err
		}
		if !eligible(sym) {
			continue
		}
		name, err := readString(m, c.StrTab, c.StrSz, sym.Name)
		if err != nil {
			return nil, err
		}
		out[name] = c.Base + sym.Value
	}
	return out, nil
}
