package linker_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/rtld/internal/imagetest"
	"github.com/sliverarmory/rtld/linker"
	"github.com/sliverarmory/rtld/loader"
)

type recordingExecutor struct {
	sp, entry uint32
	calls     int
}

func (x *recordingExecutor) Jump(sp, entry uint32) error {
	x.sp, x.entry = sp, entry
	x.calls++
	return nil
}

func TestStartStatic(t *testing.T) {
	f := load(t, imagetest.Main{Static: true}, addLib, loader.Config{})
	before := make([]byte, len(f.main.Bytes))
	require.NoError(t, f.space.ReadAt(before, f.main.Vaddr))

	rec, handoff, err := linker.Start(f.space, f.proc.SP, linker.Options{Logger: quiet()})
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Equal(t, linker.Handoff{SP: f.proc.SP, Entry: f.main.Entry}, handoff)

	after := make([]byte, len(f.main.Bytes))
	require.NoError(t, f.space.ReadAt(after, f.main.Vaddr))
	assert.Equal(t, before, after)
}

func TestStartWithoutEntry(t *testing.T) {
	f := load(t, lazyMain, addLib, loader.Config{OmitEntry: true})

	_, _, err := linker.Start(f.space, f.proc.SP, linker.Options{Logger: quiet()})
	assert.True(t, errors.Is(err, linker.ErrNoEntry))

	// nothing was seeded
	assert.Zero(t, f.word(t, f.main.GOT+4))
}

func TestStartNeeded(t *testing.T) {
	image := lazyMain
	image.Needed = "libtest.so"
	f := load(t, image, addLib, loader.Config{})

	rec, _, err := linker.Start(f.space, f.proc.SP, linker.Options{Logger: quiet()})
	require.NoError(t, err)
	assert.Equal(t, []string{"libtest.so"}, rec.Needed)
	assert.Equal(t, f.main.Dynamic, rec.Dynamic)
}

func TestStartPIE(t *testing.T) {
	image := lazyMain
	image.PIE = true
	f := load(t, image, addLib, loader.Config{})

	rec, _, err := linker.Start(f.space, f.proc.SP, linker.Options{Logger: quiet()})
	require.NoError(t, err)
	assert.Zero(t, rec.Base)
	assert.Equal(t, f.main.GOT, rec.GOT)

	addr, err := linker.Resolve(rec, 0)
	require.NoError(t, err)
	assert.Equal(t, f.libAddr("test_add"), addr)
}

func TestStartCustomAddresses(t *testing.T) {
	f := load(t, lazyMain, addLib, loader.Config{})

	rec, _, err := linker.Start(f.space, f.proc.SP, linker.Options{
		RecordAddr:     0x12000400,
		TrampolineAddr: 0x12000020,
		Logger:         quiet(),
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(0x12000400), f.word(t, rec.Table().SlotAddr(linker.SlotRecord)))
	assert.Equal(t, uint32(0x12000020), f.word(t, rec.Table().SlotAddr(linker.SlotTrampoline)))
}

func TestHandoffTransfer(t *testing.T) {
	x := &recordingExecutor{}

	require.NoError(t, linker.Handoff{SP: 0x7ffff0, Entry: 0x08048100}.Transfer(x))
	assert.Equal(t, uint32(0x7ffff0), x.sp)
	assert.Equal(t, uint32(0x08048100), x.entry)

	err := linker.Handoff{SP: 0x7ffff0}.Transfer(x)
	assert.True(t, errors.Is(err, linker.ErrNoEntry))
	assert.Equal(t, 1, x.calls)
}
