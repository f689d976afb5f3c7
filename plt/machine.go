// Package plt executes the handful of i386 instructions that make up PLT
// stubs and hands control to the linker's resolver when a stub reaches the
// trampoline published in GOT[2].
//
// On hardware the trampoline is a few instructions of assembly that pop the
// link record and relocation offset, call the resolver and jump to its
// result with every other register intact. Here it is the Machine: a tiny
// interpreter for exactly the stub encodings a linker emits, with program
// and library code supplied as Go functions registered at their addresses.
// Everything that parses or walks tables stays in package linker.
package plt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/sliverarmory/rtld/linker"
)

var (
	ErrIllegalInstruction = errors.New("illegal instruction")
	ErrStepLimit          = errors.New("step limit exceeded")
	ErrUnknownRecord      = errors.New("unknown link record")
	ErrStackImbalance     = errors.New("stack imbalance")
)

const (
	defaultMaxSteps = 64

	// Return address pushed by Call; landing on it ends the call.
	returnSentinel = 0xfffffff0
)

// HostFunc stands in for compiled code at a registered address. args are
// the caller's cdecl arguments, first argument first.
type HostFunc func(args []uint32) uint32

// ResolverFunc is the two-argument resolver entered from the trampoline.
type ResolverFunc func(rec *linker.LinkRecord, relOff uint32) (uint32, error)

// Stats counts what the machine did since it was created.
type Stats struct {
	Steps    int
	Resolves int
	Calls    int
}

// Machine models one thread of execution. It is not safe for concurrent use.
type Machine struct {
	EBX uint32 // GOT address for position-independent stubs

	mem        linker.Memory
	trampoline uint32
	resolve    ResolverFunc
	records    map[uint32]*linker.LinkRecord
	hosts      map[uint32]HostFunc
	stack      []uint32
	maxSteps   int
	stats      Stats
	log        *slog.Logger

	handoff linker.Handoff
}

type Option func(*Machine)

// WithResolver replaces linker.Resolve.
func WithResolver(fn ResolverFunc) Option {
	return func(x *Machine) {
		x.resolve = fn
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(x *Machine) {
		x.log = log
	}
}

func WithMaxSteps(n int) Option {
	return func(x *Machine) {
		x.maxSteps = n
	}
}

// New returns a machine whose resolver trampoline lives at trampoline.
func New(m linker.Memory, trampoline uint32, opts ...Option) *Machine {
	x := &Machine{
		mem:        m,
		trampoline: trampoline,
		resolve:    linker.Resolve,
		records:    make(map[uint32]*linker.LinkRecord),
		hosts:      make(map[uint32]HostFunc),
		maxSteps:   defaultMaxSteps,
		log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Attach makes rec reachable through the address published in GOT[1].
func (x *Machine) Attach(addr uint32, rec *linker.LinkRecord) {
	x.records[addr] = rec
}

// Register places fn at addr.
func (x *Machine) Register(addr uint32, fn HostFunc) {
	x.hosts[addr] = fn
}

func (x *Machine) Stats() Stats {
	return x.stats
}

// Handoff returns the state of the last Jump.
func (x *Machine) Handoff() linker.Handoff {
	return x.handoff
}

// Jump implements linker.Executor: the program's entry must be registered.
func (x *Machine) Jump(sp, entry uint32) error {
	x.handoff = linker.Handoff{SP: sp, Entry: entry}
	fn, ok := x.hosts[entry]
	if !ok {
		return fmt.Errorf("jump to %#08x: %w", entry, ErrIllegalInstruction)
	}
	fn(nil)
	return nil
}

// Call runs code at addr the way a cdecl call instruction would and
// returns EAX once a registered function returns.
func (x *Machine) Call(addr uint32, args ...uint32) (uint32, error) {
	x.stats.Calls++
	depth := len(x.stack)
	for i := len(args) - 1; i >= 0; i-- {
		x.push(args[i])
	}
	x.push(returnSentinel)

	ret, err := x.run(addr, args)
	if err != nil {
		x.stack = x.stack[:depth]
		return 0, err
	}
	if len(x.stack) != depth+len(args) {
		x.stack = x.stack[:depth]
		return 0, ErrStackImbalance
	}
	// caller pops its own arguments
	x.stack = x.stack[:depth]
	return ret, nil
}

func (x *Machine) run(eip uint32, args []uint32) (uint32, error) {
	for steps := 0; ; steps++ {
		if steps >= x.maxSteps {
			return 0, fmt.Errorf("%w at %#08x", ErrStepLimit, eip)
		}
		x.stats.Steps++

		if fn, ok := x.hosts[eip]; ok {
			ret := fn(args)
			if len(x.stack) == 0 || x.pop() != returnSentinel {
				return 0, ErrStackImbalance
			}
			return ret, nil
		}
		if eip == x.trampoline {
			next, err := x.enterTrampoline()
			if err != nil {
				return 0, err
			}
			eip = next
			continue
		}

		next, err := x.step(eip)
		if err != nil {
			return 0, err
		}
		eip = next
	}
}

// enterTrampoline consumes the two words PLT0 left on the stack, the link
// record on top and the relocation offset below it, and returns the
// resolved target.
func (x *Machine) enterTrampoline() (uint32, error) {
	if len(x.stack) < 2 {
		return 0, ErrStackImbalance
	}
	recAddr := x.pop()
	relOff := x.pop()

	rec, ok := x.records[recAddr]
	if !ok {
		return 0, fmt.Errorf("%w at %#08x", ErrUnknownRecord, recAddr)
	}
	x.stats.Resolves++
	target, err := x.resolve(rec, relOff)
	if err != nil {
		return 0, err
	}
	x.log.Debug("trampoline resolved", "reloff", relOff, "target", fmt.Sprintf("%#08x", target))
	return target, nil
}

// step decodes and executes one stub instruction.
func (x *Machine) step(eip uint32) (uint32, error) {
	if eip == 0 {
		return 0, fmt.Errorf("%w: jump to address 0", ErrIllegalInstruction)
	}
	var op [2]byte
	if err := x.mem.ReadAt(op[:1], eip); err != nil {
		return 0, fmt.Errorf("fetch at %#08x: %w", eip, err)
	}

	switch op[0] {
	case 0x68: // push imm32
		imm, err := x.word(eip + 1)
		if err != nil {
			return 0, err
		}
		x.push(imm)
		return eip + 5, nil

	case 0xe9: // jmp rel32
		rel, err := x.word(eip + 1)
		if err != nil {
			return 0, err
		}
		return eip + 5 + rel, nil

	case 0xff:
		if err := x.mem.ReadAt(op[1:], eip+1); err != nil {
			return 0, fmt.Errorf("fetch at %#08x: %w", eip+1, err)
		}
		disp, err := x.word(eip + 2)
		if err != nil {
			return 0, err
		}
		switch op[1] {
		case 0x25: // jmp *disp32
			return x.word(disp)
		case 0xa3: // jmp *disp32(%ebx)
			return x.word(x.EBX + disp)
		case 0x35: // push disp32
			v, err := x.word(disp)
			if err != nil {
				return 0, err
			}
			x.push(v)
			return eip + 6, nil
		case 0xb3: // push disp32(%ebx)
			v, err := x.word(x.EBX + disp)
			if err != nil {
				return 0, err
			}
			x.push(v)
			return eip + 6, nil
		}
	}
	return 0, fmt.Errorf("%w: % x at %#08x", ErrIllegalInstruction, op[:], eip)
}

func (x *Machine) word(addr uint32) (uint32, error) {
	var b [4]byte
	if err := x.mem.ReadAt(b[:], addr); err != nil {
		return 0, fmt.Errorf("read %#08x: %w", addr, err)
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (x *Machine) push(v uint32) {
	x.stack = append(x.stack, v)
}

func (x *Machine) pop() uint32 {
	v := x.stack[len(x.stack)-1]
	x.stack = x.stack[:len(x.stack)-1]
	return v
}
