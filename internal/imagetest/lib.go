package imagetest

import (
	"debug/elf"
)

// BuildLib lays out a companion module linked at address 0.
func BuildLib(cfg Lib) *Image {
	nbucket := cfg.Buckets
	if nbucket == 0 {
		nbucket = 3
	}
	img := &Image{
		Slots:   make(map[string]uint32),
		Entries: make(map[string]uint32),
		Targets: make(map[string]uint32),
		Symbols: make(map[string]uint32),
	}

	const nph = 2
	l := &layout{}
	l.alloc(ehdrSize+phdrSize*nph, 4)

	strs := newStrtab()
	names := []string{""}
	syms := []elf.Sym32{{}}
	for _, e := range cfg.Exports {
		bind := elf.STB_GLOBAL
		switch {
		case e.Local:
			bind = elf.STB_LOCAL
		case e.Weak:
			bind = elf.STB_WEAK
		}
		typ := elf.STT_FUNC
		if e.Data != nil {
			typ = elf.STT_OBJECT
		}
		sym := elf.Sym32{Name: strs.add(e.Name), Info: symInfo(bind, typ)}

		if !e.Undefined {
			size := max(e.Size, uint32(len(e.Data)))
			off := l.alloc(max(size, 4), 16)
			if e.Data != nil {
				copy(l.buf[off:], e.Data)
			} else {
				fill(l.buf[off:off+max(size, 4)], 0xc3)
			}
			sym.Value = off
			sym.Size = size
			sym.Shndx = 1
			img.Symbols[e.Name] = off
		}
		names = append(names, e.Name)
		syms = append(syms, sym)
	}

	symtab := l.alloc(symSize*uint32(len(syms)), 4)
	for i, sym := range syms {
		l.put(symtab+uint32(i)*symSize, sym)
	}
	hashWords := hashTable(names, nbucket)
	hash := l.alloc(4*uint32(len(hashWords)), 4)
	l.put(hash, hashWords)
	strtab := l.alloc(uint32(len(strs.data)), 1)
	copy(l.buf[strtab:], strs.data)

	tags := []elf.Dyn32{
		{Tag: int32(elf.DT_HASH), Val: hash},
		{Tag: int32(elf.DT_STRTAB), Val: strtab},
		{Tag: int32(elf.DT_SYMTAB), Val: symtab},
		{Tag: int32(elf.DT_STRSZ), Val: uint32(len(strs.data))},
		{Tag: int32(elf.DT_SYMENT), Val: symSize},
		{Tag: int32(elf.DT_NULL)},
	}
	dyn := l.alloc(8*uint32(len(tags)), 4)
	l.put(dyn, tags)
	img.Dynamic = dyn
	img.Hash = hash

	l.put(0, header(elf.ET_DYN, 0, nph))
	l.put(ehdrSize, []elf.Prog32{
		loadProg(0, uint32(len(l.buf))),
		dynamicProg(0, dyn, 8*uint32(len(tags))),
	})
	img.Bytes = l.buf
	return img
}
