package linker_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/rtld/internal/imagetest"
	"github.com/sliverarmory/rtld/linker"
	"github.com/sliverarmory/rtld/loader"
	"github.com/sliverarmory/rtld/mem"
)

type fixture struct {
	space *mem.Space
	proc  *loader.Process
	main  *imagetest.Image
	lib   *imagetest.Image
}

func load(t *testing.T, main imagetest.Main, lib *imagetest.Lib, cfg loader.Config) *fixture {
	t.Helper()

	f := &fixture{space: mem.NewSpace(), main: imagetest.BuildMain(main)}
	t.Cleanup(func() {
		assert.NoError(t, f.space.Release())
	})

	var libBytes []byte
	if lib != nil {
		f.lib = imagetest.BuildLib(*lib)
		libBytes = f.lib.Bytes
	}
	proc, err := loader.Load(f.space, f.main.Bytes, libBytes, cfg)
	require.NoError(t, err)
	f.proc = proc
	return f
}

func (f *fixture) word(t *testing.T, addr uint32) uint32 {
	t.Helper()
	v, err := f.space.Uint32(addr)
	require.NoError(t, err)
	return v
}

func (f *fixture) libAddr(name string) uint32 {
	return linker.CompanionBase + f.lib.Symbols[name]
}

var addLib = &imagetest.Lib{Exports: []imagetest.Export{
	{Name: "test_add"},
	{Name: "test_sub"},
}}
