// Package rtld runs ELF32 i386 programs under the lazy-binding dynamic
// linker in a simulated user address space: the process loader maps the
// program and its companion module, the linker links them, and PLT call
// sites resolve on first use through the stub machine.
package rtld

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/sliverarmory/rtld/linker"
	"github.com/sliverarmory/rtld/loader"
	"github.com/sliverarmory/rtld/mem"
	"github.com/sliverarmory/rtld/plt"
)

var (
	ErrProcessClosed = errors.New("rtld: process is closed")
	ErrNoImport      = errors.New("rtld: no such PLT import")
	ErrNoExport      = errors.New("rtld: no such companion export")
)

// Where the linker's trampoline and link record live inside its own image.
const (
	trampolineAddr = linker.InterpBase + 0x10
	recordAddr     = linker.InterpBase + 0x100
)

type Config struct {
	Args          []string
	Env           []string
	CompanionBase uint32
	BindNow       bool
	Logger        *slog.Logger
}

type Process struct {
	mu      sync.RWMutex
	space   *mem.Space
	record  *linker.LinkRecord
	machine *plt.Machine
	handoff linker.Handoff
	imports map[string]linker.Import
	loaded  *loader.Process
	closed  bool
}

// Spawn loads main and the optional companion image and links them. The
// program has not started yet; Start transfers control.
func Spawn(main, companion []byte, cfg Config) (*Process, error) {
	if len(main) == 0 {
		return nil, errors.New("rtld: empty main image")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	space := mem.NewSpace()
	loaded, err := loader.Load(space, main, companion, loader.Config{
		Args:          cfg.Args,
		Env:           cfg.Env,
		CompanionBase: cfg.CompanionBase,
	})
	if err != nil {
		_ = space.Release()
		return nil, fmt.Errorf("rtld: load: %w", err)
	}

	opts := linker.Options{
		CompanionBase:  cfg.CompanionBase,
		RecordAddr:     recordAddr,
		TrampolineAddr: trampolineAddr,
		BindNow:        cfg.BindNow,
		Logger:         cfg.Logger,
	}
	record, handoff, err := linker.Start(space, loaded.SP, opts)
	if err != nil {
		_ = space.Release()
		return nil, fmt.Errorf("rtld: link: %w", err)
	}

	p := &Process{
		space:   space,
		record:  record,
		handoff: handoff,
		loaded:  loaded,
		imports: make(map[string]linker.Import),
	}
	p.machine = plt.New(space, trampolineAddr, plt.WithLogger(cfg.Logger))
	if record != nil {
		p.machine.Attach(recordAddr, record)
		p.machine.EBX = record.GOT

		imports, err := linker.Imports(record)
		if err != nil {
			_ = space.Release()
			return nil, fmt.Errorf("rtld: imports: %w", err)
		}
		for _, imp := range imports {
			p.imports[imp.Name] = imp
		}
	}
	return p, nil
}

// SpawnFiles reads the images from disk. companionPath may be empty.
func SpawnFiles(mainPath, companionPath string, cfg Config) (*Process, error) {
	main, err := os.ReadFile(mainPath)
	if err != nil {
		return nil, fmt.Errorf("rtld: read main image: %w", err)
	}
	var companion []byte
	if companionPath != "" {
		if companion, err = os.ReadFile(companionPath); err != nil {
			return nil, fmt.Errorf("rtld: read companion image: %w", err)
		}
	}
	return Spawn(main, companion, cfg)
}

// Record returns the link record, nil for a static program.
func (p *Process) Record() *linker.LinkRecord {
	return p.record
}

// Handoff is the stack pointer and entry point control transfers with.
func (p *Process) Handoff() linker.Handoff {
	return p.handoff
}

// Auxv is the auxiliary vector the process loader pushed.
func (p *Process) Auxv() []loader.AuxEntry {
	return p.loaded.Auxv
}

func (p *Process) Space() *mem.Space {
	return p.space
}

func (p *Process) Machine() *plt.Machine {
	return p.machine
}

// Imports lists the PLT call sites in relocation order.
func (p *Process) Imports() ([]linker.Import, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, ErrProcessClosed
	}
	if p.record == nil {
		return nil, nil
	}
	imports, err := linker.Imports(p.record)
	if err != nil {
		return nil, fmt.Errorf("rtld: imports: %w", err)
	}
	return imports, nil
}

// Provide registers fn as the code of the companion export name.
func (p *Process) Provide(name string, fn plt.HostFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrProcessClosed
	}
	if p.record == nil {
		return fmt.Errorf("%w: %s (static program)", ErrNoExport, name)
	}
	addr := p.record.Companion.Lookup(p.space, name)
	if addr == 0 {
		return fmt.Errorf("%w: %s", ErrNoExport, name)
	}
	p.machine.Register(addr, fn)
	return nil
}

// Start transfers control to the program entry, which runs fn.
func (p *Process) Start(fn func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrProcessClosed
	}
	p.machine.Register(p.handoff.Entry, func([]uint32) uint32 {
		if fn != nil {
			fn()
		}
		return 0
	})
	p.mu.Unlock()

	if err := p.handoff.Transfer(p.machine); err != nil {
		return fmt.Errorf("rtld: transfer: %w", err)
	}
	return nil
}

// CallImport calls the named import through its PLT entry. Calls are
// serialised: the process has one stack and one GOT.
func (p *Process) CallImport(name string, args ...uint32) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, ErrProcessClosed
	}
	imp, ok := p.imports[name]
	if !ok || imp.Entry == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNoImport, name)
	}
	ret, err := p.machine.Call(imp.Entry, args...)
	if err != nil {
		return 0, fmt.Errorf("rtld: call %s: %w", name, err)
	}
	return ret, nil
}

// Close releases the address space.
func (p *Process) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return p.space.Release()
}
