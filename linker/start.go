// Package linker implements a minimal lazy-binding dynamic linker for ELF32
// i386 executables: it decodes the initial stack, finds the main image's
// dynamic segment, locates the single companion module at its fixed
// address, seeds the GOT for lazy PLT binding and applies eager data
// relocations before handing control to the program.
package linker

import (
	"fmt"
	"log/slog"
)

const (
	// CompanionBase is where the process loader places the companion module.
	CompanionBase = 0x11000000
	// InterpBase is where the linker's own image lives.
	InterpBase = 0x12000000
)

type Options struct {
	CompanionBase  uint32
	RecordAddr     uint32 // published in GOT[1]
	TrampolineAddr uint32 // published in GOT[2]
	BindNow        bool
	Logger         *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.CompanionBase == 0 {
		o.CompanionBase = CompanionBase
	}
	if o.TrampolineAddr == 0 {
		o.TrampolineAddr = InterpBase + 0x10
	}
	if o.RecordAddr == 0 {
		o.RecordAddr = InterpBase + 0x100
	}
	if o.Logger == nil {
		o.Logger = discardLogger()
	}
	return o
}

// Executor performs the final jump into the program.
type Executor interface {
	Jump(sp, entry uint32) error
}

// Handoff is the state control is transferred with: the stack pointer the
// process loader supplied and the program's entry point.
type Handoff struct {
	SP    uint32
	Entry uint32
}

// Transfer jumps to the program. It never jumps to address 0.
func (h Handoff) Transfer(x Executor) error {
	if h.Entry == 0 {
		return ErrNoEntry
	}
	return x.Jump(h.SP, h.Entry)
}

// Start runs the startup sequence against the initial stack at sp. A nil
// record with a valid Handoff means the program is static and nothing was
// linked. ErrNoEntry is fatal.
func Start(m Memory, sp uint32, opts Options) (*LinkRecord, Handoff, error) {
	opts = opts.withDefaults()
	log := opts.Logger

	aux, err := ParseAuxv(m, sp)
	if err != nil {
		return nil, Handoff{}, fmt.Errorf("parse auxiliary vector: %w", err)
	}
	handoff := Handoff{SP: aux.SP, Entry: aux.Entry}

	base, err := loadBase(m, aux)
	if err != nil {
		return nil, Handoff{}, fmt.Errorf("derive load base: %w", err)
	}
	seg, ok, err := FindDynamic(m, aux.Phdr, aux.Phnum, aux.Phent, base)
	if err != nil {
		return nil, Handoff{}, fmt.Errorf("walk program headers: %w", err)
	}
	if !ok {
		log.Info("static program, nothing to link", "entry", hexAddr(aux.Entry))
		return nil, handoff, nil
	}

	dyn, err := ParseDynamic(m, seg, base)
	if err != nil {
		return nil, Handoff{}, fmt.Errorf("parse dynamic segment: %w", err)
	}
	rec := NewLinkRecord(m, base, dyn, log)
	rec.Dynamic = seg.Addr
	for _, off := range dyn.Needed {
		name, err := readString(m, rec.StrTab, rec.StrSz, off)
		if err != nil {
			return nil, Handoff{}, fmt.Errorf("read DT_NEEDED name: %w", err)
		}
		rec.Needed = append(rec.Needed, name)
	}

	rec.Companion = LocateCompanion(m, opts.CompanionBase, log)

	if rec.got != nil {
		if err := rec.got.Seed(opts.RecordAddr, opts.TrampolineAddr); err != nil {
			return nil, Handoff{}, err
		}
		if err := captureStubs(rec); err != nil {
			return nil, Handoff{}, err
		}
	}

	stats, err := ApplyRelocations(rec)
	if err != nil {
		return nil, Handoff{}, fmt.Errorf("apply relocations: %w", err)
	}

	if opts.BindNow {
		bound, unresolved, err := BindNow(rec)
		if err != nil {
			return nil, Handoff{}, fmt.Errorf("bind PLT: %w", err)
		}
		log.Debug("bound PLT eagerly", "bound", bound, "unresolved", unresolved)
	}

	log.Info("program linked",
		"base", hexAddr(rec.Base),
		"companion", rec.Companion.Present(),
		"glob_dat", stats.GlobDat,
		"copy", stats.Copy,
		"unresolved", stats.Unresolved,
		"entry", hexAddr(aux.Entry),
	)
	return rec, handoff, nil
}
