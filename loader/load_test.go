package loader

import (
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/rtld/internal/imagetest"
	"github.com/sliverarmory/rtld/linker"
	"github.com/sliverarmory/rtld/mem"
)

func newSpace(t *testing.T) *mem.Space {
	t.Helper()
	s := mem.NewSpace()
	t.Cleanup(func() {
		assert.NoError(t, s.Release())
	})
	return s
}

func TestValidate(t *testing.T) {
	good := imagetest.BuildMain(imagetest.Main{}).Bytes

	tests := []struct {
		name  string
		patch func(b []byte) []byte
		ok    bool
	}{
		{name: "valid", patch: func(b []byte) []byte { return b }, ok: true},
		{name: "truncated", patch: func(b []byte) []byte { return b[:20] }},
		{name: "not elf", patch: func(b []byte) []byte { b[0] = 0; return b }},
		{name: "elf64", patch: func(b []byte) []byte { b[elf.EI_CLASS] = byte(elf.ELFCLASS64); return b }},
		{name: "big endian", patch: func(b []byte) []byte { b[elf.EI_DATA] = byte(elf.ELFDATA2MSB); return b }},
		{name: "x86-64", patch: func(b []byte) []byte { b[18] = byte(elf.EM_X86_64); return b }},
		{name: "relocatable", patch: func(b []byte) []byte { b[16] = byte(elf.ET_REL); return b }},
		{name: "no program headers", patch: func(b []byte) []byte { b[44] = 0; return b }},
		{name: "program headers past end", patch: func(b []byte) []byte { b[44] = 0xff; return b }},
		{name: "kernel entry", patch: func(b []byte) []byte { b[27] = 0xc0; return b }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := Validate(tt.patch(append([]byte(nil), good...)))
			if tt.ok {
				require.NoError(t, err)
				assert.Len(t, img.Progs, 2)
				assert.True(t, img.Dynamic())
				return
			}
			assert.Error(t, err)
		})
	}
}

func TestPhdrAddr(t *testing.T) {
	img, err := Validate(imagetest.BuildMain(imagetest.Main{PIE: true}).Bytes)
	require.NoError(t, err)
	assert.Equal(t, uint32(imagetest.DefaultMainVaddr+52), img.PhdrAddr())

	img, err = Validate(imagetest.BuildMain(imagetest.Main{Static: true}).Bytes)
	require.NoError(t, err)
	assert.False(t, img.Dynamic())
}

func TestLoad(t *testing.T) {
	space := newSpace(t)
	main := imagetest.BuildMain(imagetest.Main{Imports: []imagetest.Import{{Name: "test_add"}}})
	lib := imagetest.BuildLib(imagetest.Lib{Exports: []imagetest.Export{{Name: "test_add"}}})

	proc, err := Load(space, main.Bytes, lib.Bytes, Config{
		Args: []string{"main", "x"},
		Env:  []string{"A=1"},
	})
	require.NoError(t, err)

	assert.Equal(t, main.Entry, proc.Entry)
	assert.NotNil(t, proc.Companion)
	assert.Zero(t, proc.SP%16)
	assert.True(t, proc.SP > StackBase && proc.SP < StackBase+StackSize)
	assert.Zero(t, proc.HeapBreak%PageSize)

	assert.Equal(t, []AuxEntry{
		{AtEntry, main.Entry},
		{AtBase, linker.InterpBase},
		{AtPagesz, PageSize},
		{AtPhdr, main.Vaddr + 52},
		{AtPhnum, 2},
		{AtPhent, 32},
	}, proc.Auxv)

	// images are copied to their addresses
	buf := make([]byte, 4)
	require.NoError(t, space.ReadAt(buf, linker.CompanionBase))
	assert.Equal(t, []byte(elf.ELFMAG), buf)
	require.NoError(t, space.ReadAt(buf, main.Vaddr))
	assert.Equal(t, []byte(elf.ELFMAG), buf)

	names := make([]string, 0)
	for _, r := range space.Regions() {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"stack", "main", "companion", "ld.so"}, names)
}

func TestLoadWithoutCompanion(t *testing.T) {
	space := newSpace(t)
	main := imagetest.BuildMain(imagetest.Main{})

	proc, err := Load(space, main.Bytes, nil, Config{OmitEntry: true})
	require.NoError(t, err)
	assert.Nil(t, proc.Companion)
	for _, a := range proc.Auxv {
		assert.NotEqual(t, uint32(AtEntry), a.Tag)
	}

	buf := make([]byte, 4)
	assert.Error(t, space.ReadAt(buf, linker.CompanionBase))
}

func TestBuildStack(t *testing.T) {
	space := newSpace(t)

	sp, err := BuildStack(space, []string{"prog", "arg"}, []string{"K=V"}, []AuxEntry{{AtPagesz, PageSize}})
	require.NoError(t, err)

	// argc, argv[2], NULL, envp[1], NULL, auxv pair, AT_NULL pair
	words := make([]uint32, 0, 10)
	for i := uint32(0); i < 10; i++ {
		v, err := space.Uint32(sp + 4*i)
		require.NoError(t, err)
		words = append(words, v)
	}
	assert.Equal(t, uint32(2), words[0])
	assert.Zero(t, words[3])
	assert.Zero(t, words[5])
	assert.Equal(t, []uint32{AtPagesz, PageSize, AtNull, 0}, words[6:])

	arg, err := space.CString(words[1], 64)
	require.NoError(t, err)
	assert.Equal(t, "prog", arg)
	env, err := space.CString(words[4], 64)
	require.NoError(t, err)
	assert.Equal(t, "K=V", env)
}

func TestBuildStackOverflow(t *testing.T) {
	space := newSpace(t)
	big := make([]string, 0, 64)
	for i := 0; i < 64; i++ {
		big = append(big, string(make([]byte, 1024)))
	}
	_, err := BuildStack(space, big, nil, nil)
	assert.Error(t, err)
}
