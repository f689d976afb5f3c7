package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/sliverarmory/rtld/linker"
	"github.com/sliverarmory/rtld/mem"
)

const (
	PageSize  = 0x1000
	StackBase = 0x00800000
	StackSize = 0x8000
	// Room reserved at InterpBase for the linker's own image.
	InterpSize = 0x2000
)

// Auxiliary vector tags pushed for the linker.
const (
	AtNull   = 0
	AtPhdr   = 3
	AtPhent  = 4
	AtPhnum  = 5
	AtPagesz = 6
	AtBase   = 7
	AtEntry  = 9
)

type AuxEntry struct {
	Tag, Val uint32
}

type Config struct {
	Args          []string
	Env           []string
	CompanionBase uint32
	InterpBase    uint32
	// OmitEntry leaves AT_ENTRY out of the auxiliary vector.
	OmitEntry bool
}

// Process describes the address space handed to the linker.
type Process struct {
	SP        uint32
	Entry     uint32
	HeapBreak uint32
	Main      *Image
	Companion *Image
	Auxv      []AuxEntry
}

// Load maps main (and companion, if not empty) into space and builds the
// initial stack.
func Load(space *mem.Space, main, companion []byte, cfg Config) (*Process, error) {
	if cfg.CompanionBase == 0 {
		cfg.CompanionBase = linker.CompanionBase
	}
	if cfg.InterpBase == 0 {
		cfg.InterpBase = linker.InterpBase
	}

	img, err := Validate(main)
	if err != nil {
		return nil, fmt.Errorf("main image: %w", err)
	}
	end, err := MapImage(space, "main", img, 0)
	if err != nil {
		return nil, err
	}
	proc := &Process{
		Entry:     img.Header.Entry,
		HeapBreak: alignUp(end, PageSize),
		Main:      img,
	}

	if len(companion) > 0 {
		lib, err := Validate(companion)
		if err != nil {
			return nil, fmt.Errorf("companion image: %w", err)
		}
		if _, err := MapImage(space, "companion", lib, cfg.CompanionBase); err != nil {
			return nil, err
		}
		proc.Companion = lib
	}

	if _, err := space.Map("ld.so", cfg.InterpBase, InterpSize); err != nil {
		return nil, err
	}

	// An image without an entry point gets no AT_ENTRY; the linker refuses it.
	if !cfg.OmitEntry && img.Header.Entry != 0 {
		proc.Auxv = append(proc.Auxv, AuxEntry{AtEntry, img.Header.Entry})
	}
	proc.Auxv = append(proc.Auxv,
		AuxEntry{AtBase, cfg.InterpBase},
		AuxEntry{AtPagesz, PageSize},
		AuxEntry{AtPhdr, img.PhdrAddr()},
		AuxEntry{AtPhnum, uint32(img.Header.Phnum)},
		AuxEntry{AtPhent, uint32(img.Header.Phentsize)},
	)

	proc.SP, err = BuildStack(space, cfg.Args, cfg.Env, proc.Auxv)
	if err != nil {
		return nil, err
	}
	return proc, nil
}

// MapImage maps every PT_LOAD of img at base and returns the highest mapped
// address. The span from the lowest to the highest segment page is mapped
// as one region.
func MapImage(space *mem.Space, name string, img *Image, base uint32) (uint32, error) {
	var lo, hi uint64 = 1 << 32, 0
	for _, p := range img.Progs {
		if elf.ProgType(p.Type) != elf.PT_LOAD || p.Memsz == 0 {
			continue
		}
		if uint64(p.Off)+uint64(p.Filesz) > uint64(len(img.Raw)) || p.Filesz > p.Memsz {
			return 0, fmt.Errorf("%s: segment at %#x exceeds file", name, p.Vaddr)
		}
		start := uint64(p.Vaddr) + uint64(base)
		end := start + uint64(p.Memsz)
		if start == 0 || end >= KernelBase {
			return 0, fmt.Errorf("%s: segment %#x-%#x outside user space", name, start, end)
		}
		lo = min(lo, start&^(PageSize-1))
		hi = max(hi, end)
	}
	if hi == 0 {
		return 0, fmt.Errorf("%s: no loadable segments", name)
	}

	region := uint32(alignUp64(hi, PageSize) - lo)
	if _, err := space.Map(name, uint32(lo), region); err != nil {
		return 0, err
	}
	for _, p := range img.Progs {
		if elf.ProgType(p.Type) != elf.PT_LOAD || p.Filesz == 0 {
			continue
		}
		// The rest of Memsz is already zero.
		if err := space.WriteAt(img.Raw[p.Off:p.Off+p.Filesz], p.Vaddr+base); err != nil {
			return 0, fmt.Errorf("%s: copy segment: %w", name, err)
		}
	}
	return uint32(hi), nil
}

// BuildStack maps the user stack and lays out strings, argc, argv, envp and
// auxv the way the kernel's execve does. It returns the initial stack
// pointer, which addresses argc.
func BuildStack(space *mem.Space, args, env []string, auxv []AuxEntry) (uint32, error) {
	if _, err := space.Map("stack", StackBase, StackSize); err != nil {
		return 0, err
	}
	top := uint32(StackBase + StackSize)

	var strs bytes.Buffer
	place := func(list []string) []uint32 {
		var offs []uint32
		for _, s := range list {
			offs = append(offs, uint32(strs.Len()))
			strs.WriteString(s)
			strs.WriteByte(0)
		}
		return offs
	}
	argOffs := place(args)
	envOffs := place(env)

	strBase := (top - uint32(strs.Len())) &^ 3
	words := 1 + len(args) + 1 + len(env) + 1 + 2*(len(auxv)+1)
	sp := (strBase - uint32(words*4)) &^ 15
	if uint64(sp) < StackBase {
		return 0, fmt.Errorf("initial stack of %d bytes does not fit", top-sp)
	}

	vec := make([]uint32, 0, words)
	vec = append(vec, uint32(len(args)))
	for _, off := range argOffs {
		vec = append(vec, strBase+off)
	}
	vec = append(vec, 0)
	for _, off := range envOffs {
		vec = append(vec, strBase+off)
	}
	vec = append(vec, 0)
	for _, a := range auxv {
		vec = append(vec, a.Tag, a.Val)
	}
	vec = append(vec, AtNull, 0)

	var out bytes.Buffer
	if err := binary.Write(&out, binary.LittleEndian, vec); err != nil {
		return 0, err
	}
	if err := space.WriteAt(out.Bytes(), sp); err != nil {
		return 0, err
	}
	if err := space.WriteAt(strs.Bytes(), strBase); err != nil {
		return 0, err
	}
	return sp, nil
}

func decode(data []byte, off uint32, v any) error {
	if uint64(off) > uint64(len(data)) {
		return fmt.Errorf("offset %#x past end of file", off)
	}
	if err := binary.Read(bytes.NewReader(data[off:]), binary.LittleEndian, v); err != nil {
		return fmt.Errorf("decode at %#x: %w", off, err)
	}
	return nil
}

func alignUp(v, a uint32) uint32 {
	return (v + a - 1) &^ (a - 1)
}

func alignUp64(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}
