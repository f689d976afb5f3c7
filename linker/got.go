package linker

import (
	"fmt"
)

// Slots 0-2 of the GOT belong to the linker.
const (
	SlotDynamic    = 0
	SlotRecord     = 1
	SlotTrampoline = 2
	ReservedSlots  = 3
)

// GOT is the main image's PLT indirection table. Slots past the reserved
// three are written by Patch only, and only once each; callers must not
// patch concurrently.
type GOT struct {
	Addr  uint32
	Slots uint32 // reserved slots included

	mem   Memory
	bound map[uint32]uint32
}

func newGOT(m Memory, addr, pltSlots uint32) *GOT {
	return &GOT{
		Addr:  addr,
		Slots: ReservedSlots + pltSlots,
		mem:   m,
		bound: make(map[uint32]uint32),
	}
}

// SlotAddr returns the address of slot i.
func (g *GOT) SlotAddr(i uint32) uint32 {
	return g.Addr + i*wordSize
}

// Slot reads slot i.
func (g *GOT) Slot(i uint32) (uint32, error) {
	if i >= g.Slots {
		return 0, fmt.Errorf("%w: GOT slot %d of %d", ErrMalformed, i, g.Slots)
	}
	return readWord(g.mem, g.SlotAddr(i))
}

// Seed publishes the link record and resolver trampoline addresses in
// slots 1 and 2. No other slot is touched.
func (g *GOT) Seed(record, trampoline uint32) error {
	if err := writeWord(g.mem, g.SlotAddr(SlotRecord), record); err != nil {
		return fmt.Errorf("seed GOT[%d]: %w", SlotRecord, err)
	}
	if err := writeWord(g.mem, g.SlotAddr(SlotTrampoline), trampoline); err != nil {
		return fmt.Errorf("seed GOT[%d]: %w", SlotTrampoline, err)
	}
	return nil
}

func (g *GOT) index(slot uint32) (uint32, error) {
	if slot < g.Addr || (slot-g.Addr)%wordSize != 0 {
		return 0, fmt.Errorf("%w: %s is not a GOT slot", ErrMalformed, hexAddr(slot))
	}
	i := (slot - g.Addr) / wordSize
	if i < ReservedSlots || i >= g.Slots {
		return 0, fmt.Errorf("%w: %s is outside the PLT slots", ErrMalformed, hexAddr(slot))
	}
	return i, nil
}

// Bound returns the value a slot was patched with.
func (g *GOT) Bound(slot uint32) (uint32, bool) {
	i, err := g.index(slot)
	if err != nil {
		return 0, false
	}
	v, ok := g.bound[i]
	return v, ok
}

// Patch binds the PLT slot at address slot to value. A slot is patched at
// most once; a second attempt returns ErrSlotBound and leaves memory alone.
func (g *GOT) Patch(slot, value uint32) error {
	i, err := g.index(slot)
	if err != nil {
		return err
	}
	if _, ok := g.bound[i]; ok {
		return fmt.Errorf("%w: GOT[%d]", ErrSlotBound, i)
	}
	if value == 0 {
		return fmt.Errorf("%w: refusing to bind GOT[%d] to address 0", ErrMalformed, i)
	}
	if err := writeWord(g.mem, slot, value); err != nil {
		return fmt.Errorf("patch GOT[%d]: %w", i, err)
	}
	g.bound[i] = value
	return nil
}
