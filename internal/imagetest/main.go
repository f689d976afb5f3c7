package imagetest

import (
	"debug/elf"
)

// BuildMain lays out a main executable in a single RWX PT_LOAD.
func BuildMain(cfg Main) *Image {
	vaddr := cfg.Vaddr
	if vaddr == 0 {
		vaddr = DefaultMainVaddr
	}
	img := &Image{
		Vaddr:   vaddr,
		Slots:   make(map[string]uint32),
		Entries: make(map[string]uint32),
		Targets: make(map[string]uint32),
		Symbols: make(map[string]uint32),
	}
	va := func(off uint32) uint32 { return vaddr + off }

	nph := 1
	if !cfg.Static {
		nph++
	}
	if cfg.PIE {
		nph++
	}

	l := &layout{}
	l.alloc(ehdrSize+phdrSize*uint32(nph), 4)
	text := l.alloc(16, 16)
	fill(l.buf[text:text+16], 0xc3)
	img.Entry = va(text)

	if cfg.Static {
		finishMain(l, img, cfg, nph, 0, 0)
		return img
	}

	strs := newStrtab()
	names := []string{""}
	syms := []elf.Sym32{{}}
	add := func(name string, sym elf.Sym32) uint32 {
		sym.Name = strs.add(name)
		names = append(names, name)
		syms = append(syms, sym)
		return uint32(len(syms) - 1)
	}

	importSym := make([]uint32, len(cfg.Imports))
	for i, imp := range cfg.Imports {
		sym := elf.Sym32{Info: symInfo(elf.STB_GLOBAL, elf.STT_FUNC)}
		if imp.Local {
			off := l.alloc(16, 16)
			fill(l.buf[off:off+16], 0xc3)
			sym.Value = va(off)
			sym.Size = 16
			sym.Shndx = 1
			img.Symbols[imp.Name] = sym.Value
		}
		importSym[i] = add(imp.Name, sym)
	}

	type dataRel struct {
		sym, target uint32
		typ         elf.R_386
	}
	var rels []dataRel
	for _, name := range cfg.GlobDat {
		off := l.alloc(4, 4)
		img.Targets[name] = va(off)
		idx := add(name, elf.Sym32{Info: symInfo(elf.STB_GLOBAL, elf.STT_OBJECT)})
		rels = append(rels, dataRel{sym: idx, target: va(off), typ: elf.R_386_GLOB_DAT})
	}
	for _, c := range cfg.Copies {
		off := l.alloc(c.Size, 4)
		img.Targets[c.Name] = va(off)
		idx := add(c.Name, elf.Sym32{
			Value: va(off),
			Size:  c.Size,
			Info:  symInfo(elf.STB_GLOBAL, elf.STT_OBJECT),
			Shndx: 1,
		})
		rels = append(rels, dataRel{sym: idx, target: va(off), typ: elf.R_386_COPY})
	}
	var needed uint32
	if cfg.Needed != "" {
		needed = strs.add(cfg.Needed)
	}

	symtab := l.alloc(symSize*uint32(len(syms)), 4)
	for i, sym := range syms {
		l.put(symtab+uint32(i)*symSize, sym)
	}
	var hash uint32
	if !cfg.NoHash {
		hashWords := hashTable(names, 3)
		hash = l.alloc(4*uint32(len(hashWords)), 4)
		l.put(hash, hashWords)
	}
	strtab := l.alloc(uint32(len(strs.data)), 1)
	copy(l.buf[strtab:], strs.data)

	var relDyn uint32
	if len(rels) > 0 {
		relDyn = l.alloc(relSize*uint32(len(rels)), 4)
		for i, r := range rels {
			l.put(relDyn+uint32(i)*relSize, elf.Rel32{Off: r.target, Info: elf.R_INFO32(r.sym, uint32(r.typ))})
		}
	}

	var tags []elf.Dyn32
	if cfg.Needed != "" {
		tags = append(tags, elf.Dyn32{Tag: int32(elf.DT_NEEDED), Val: needed})
	}
	if !cfg.NoHash {
		tags = append(tags, elf.Dyn32{Tag: int32(elf.DT_HASH), Val: va(hash)})
		img.Hash = va(hash)
	}
	tags = append(tags,
		elf.Dyn32{Tag: int32(elf.DT_STRTAB), Val: va(strtab)},
		elf.Dyn32{Tag: int32(elf.DT_SYMTAB), Val: va(symtab)},
		elf.Dyn32{Tag: int32(elf.DT_STRSZ), Val: uint32(len(strs.data))},
		elf.Dyn32{Tag: int32(elf.DT_SYMENT), Val: symSize},
	)

	if n := uint32(len(cfg.Imports)); n > 0 {
		jmprel := l.alloc(relSize*n, 4)
		plt := l.alloc(pltSize*(n+1), 16)
		got := l.alloc(4*(pltGotRes+n), 4)
		img.PLT = va(plt)
		img.GOT = va(got)

		writePLT0(l, plt, va(got), cfg.PIE)
		for i := uint32(0); i < n; i++ {
			name := cfg.Imports[i].Name
			slot := va(got) + 4*(pltGotRes+i)
			entry := plt + pltSize*(i+1)
			img.Slots[name] = slot
			img.Entries[name] = va(entry)

			l.put(jmprel+i*relSize, elf.Rel32{Off: slot, Info: elf.R_INFO32(importSym[i], uint32(elf.R_386_JMP_SLOT))})
			writePLTEntry(l, entry, plt, 4*(pltGotRes+i), slot, i*relSize, cfg.PIE)
			l.put(slot-vaddr, va(entry)+6)
		}

		tags = append(tags,
			elf.Dyn32{Tag: int32(elf.DT_PLTGOT), Val: va(got)},
			elf.Dyn32{Tag: int32(elf.DT_PLTRELSZ), Val: relSize * n},
			elf.Dyn32{Tag: int32(elf.DT_PLTREL), Val: uint32(elf.DT_REL)},
			elf.Dyn32{Tag: int32(elf.DT_JMPREL), Val: va(jmprel)},
		)
	}
	if len(rels) > 0 {
		tags = append(tags,
			elf.Dyn32{Tag: int32(elf.DT_REL), Val: va(relDyn)},
			elf.Dyn32{Tag: int32(elf.DT_RELSZ), Val: relSize * uint32(len(rels))},
			elf.Dyn32{Tag: int32(elf.DT_RELENT), Val: relSize},
		)
	}
	tags = append(tags, cfg.ExtraTags...)
	tags = append(tags, elf.Dyn32{Tag: int32(elf.DT_NULL)})

	dyn := l.alloc(8*uint32(len(tags)), 4)
	l.put(dyn, tags)
	img.Dynamic = va(dyn)
	if img.GOT != 0 {
		l.put(img.GOT-vaddr, va(dyn))
	}

	finishMain(l, img, cfg, nph, dyn, 8*uint32(len(tags)))
	return img
}

// PLT0 pushes GOT[1] and jumps through GOT[2].
func writePLT0(l *layout, plt, got uint32, pie bool) {
	if pie {
		l.put(plt, []byte{0xff, 0xb3})
		l.put(plt+2, uint32(4))
		l.put(plt+6, []byte{0xff, 0xa3})
		l.put(plt+8, uint32(8))
		return
	}
	l.put(plt, []byte{0xff, 0x35})
	l.put(plt+2, got+4)
	l.put(plt+6, []byte{0xff, 0x25})
	l.put(plt+8, got+8)
}

// A PLT entry jumps through its slot, and on first use falls through to
// push its relocation offset and enter PLT0.
func writePLTEntry(l *layout, entry, plt, disp, slot, relOff uint32, pie bool) {
	if pie {
		l.put(entry, []byte{0xff, 0xa3})
		l.put(entry+2, disp)
	} else {
		l.put(entry, []byte{0xff, 0x25})
		l.put(entry+2, slot)
	}
	l.put(entry+6, byte(0x68))
	l.put(entry+7, relOff)
	l.put(entry+11, byte(0xe9))
	l.put(entry+12, int32(plt)-int32(entry+pltSize))
}

func finishMain(l *layout, img *Image, cfg Main, nph int, dyn, dynSize uint32) {
	typ := elf.ET_EXEC
	if cfg.PIE {
		typ = elf.ET_DYN
	}
	l.put(0, header(typ, img.Entry, nph))

	var progs []elf.Prog32
	if cfg.PIE {
		progs = append(progs, elf.Prog32{
			Type:   uint32(elf.PT_PHDR),
			Off:    ehdrSize,
			Vaddr:  img.Vaddr + ehdrSize,
			Paddr:  img.Vaddr + ehdrSize,
			Filesz: phdrSize * uint32(nph),
			Memsz:  phdrSize * uint32(nph),
			Flags:  uint32(elf.PF_R),
			Align:  4,
		})
	}
	progs = append(progs, loadProg(img.Vaddr, uint32(len(l.buf))))
	if !cfg.Static {
		progs = append(progs, dynamicProg(img.Vaddr, dyn, dynSize))
	}
	l.put(ehdrSize, progs)
	img.Bytes = l.buf
}

func loadProg(vaddr, size uint32) elf.Prog32 {
	return elf.Prog32{
		Type:   uint32(elf.PT_LOAD),
		Vaddr:  vaddr,
		Paddr:  vaddr,
		Filesz: size,
		Memsz:  size,
		Flags:  uint32(elf.PF_R | elf.PF_W | elf.PF_X),
		Align:  0x1000,
	}
}

func dynamicProg(vaddr, off, size uint32) elf.Prog32 {
	return elf.Prog32{
		Type:   uint32(elf.PT_DYNAMIC),
		Off:    off,
		Vaddr:  vaddr + off,
		Paddr:  vaddr + off,
		Filesz: size,
		Memsz:  size,
		Flags:  uint32(elf.PF_R | elf.PF_W),
		Align:  4,
	}
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}
