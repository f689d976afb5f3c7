// Package loader plays the kernel's part before the dynamic linker runs:
// it maps the main image and the optional companion module into an address
// space and builds the initial stack with argv, envp and the auxiliary
// vector.
package loader

import (
	"bytes"
	"debug/elf"
	"fmt"
)

// KernelBase is the first address user images may not touch.
const KernelBase = 0xC0000000

// Image is a validated ELF32 file.
type Image struct {
	Raw    []byte
	Header elf.Header32
	Progs  []elf.Prog32
}

// Validate checks that data is an ELF32 little-endian i386 executable or
// shared object whose program header table lies inside the file.
func Validate(data []byte) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("invalid ELF image: %w", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS32 || f.Data != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("unsupported ELF encoding: %s %s", f.Class, f.Data)
	}
	if f.Machine != elf.EM_386 {
		return nil, fmt.Errorf("foreign platform (provided: %s, expected: %s)", f.Machine, elf.EM_386)
	}
	if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return nil, fmt.Errorf("unsupported ELF file type: %s", f.Type)
	}

	img := &Image{Raw: data}
	if err := decode(data, 0, &img.Header); err != nil {
		return nil, err
	}
	h := img.Header
	if h.Phentsize != 32 {
		return nil, fmt.Errorf("unsupported program header size %d", h.Phentsize)
	}
	if h.Phnum == 0 {
		return nil, fmt.Errorf("image has no program headers")
	}
	end := uint64(h.Phoff) + uint64(h.Phnum)*32
	if end > uint64(len(data)) {
		return nil, fmt.Errorf("program headers end at %#x past file size %#x", end, len(data))
	}
	if h.Entry >= KernelBase {
		return nil, fmt.Errorf("entry point %#x inside the kernel", h.Entry)
	}

	img.Progs = make([]elf.Prog32, h.Phnum)
	if err := decode(data, h.Phoff, img.Progs); err != nil {
		return nil, err
	}
	return img, nil
}

// Dynamic reports whether the image has a PT_DYNAMIC segment.
func (img *Image) Dynamic() bool {
	for _, p := range img.Progs {
		if elf.ProgType(p.Type) == elf.PT_DYNAMIC {
			return true
		}
	}
	return false
}

// PhdrAddr returns the link-time address of the program header table: the
// PT_LOAD covering e_phoff decides where it ends up.
func (img *Image) PhdrAddr() uint32 {
	phoff := img.Header.Phoff
	for _, p := range img.Progs {
		if elf.ProgType(p.Type) == elf.PT_LOAD && phoff >= p.Off && phoff < p.Off+p.Filesz {
			return p.Vaddr + (phoff - p.Off)
		}
	}
	return 0
}
