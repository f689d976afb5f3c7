package rtld_test

import (
	"debug/elf"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/rtld"
)

// Builds a real i386 program and companion with zig and links them.
func TestToolchainLazyBinding(t *testing.T) {
	requireCommand(t, "zig")

	outDir := t.TempDir()
	lib := zigBuild(t, outDir, "libtest.so", "testdata/c/libtest.c", "-shared", "-fPIC")
	main := zigBuild(t, outDir, "main", "testdata/c/main.c",
		"-fno-pic", "-no-pie",
		"-Wl,--image-base=0x8048000",
		"-L"+outDir, "-ltest",
	)

	proc, err := rtld.SpawnFiles(main, lib, rtld.Config{Args: []string{"main"}})
	require.NoError(t, err)
	defer proc.Close()

	require.NotNil(t, proc.Record())
	require.True(t, proc.Record().Companion.Present())
	require.NoError(t, proc.Provide("test_add", func(args []uint32) uint32 {
		return args[0] + args[1]
	}))

	ret, err := proc.CallImport("test_add", 38, 4)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), ret)
	ret, err = proc.CallImport("test_add", 100, 23)
	require.NoError(t, err)
	assert.Equal(t, uint32(123), ret)
	assert.Equal(t, 1, proc.Machine().Stats().Resolves)

	// counter is copied into the program's own storage
	addr := dynamicSymbol(t, main, "counter")
	if addr != 0 {
		v, err := proc.Space().Uint32(addr)
		require.NoError(t, err)
		assert.Equal(t, uint32(7), v)
	}
}

func zigBuild(t *testing.T, outDir, name, source string, flags ...string) string {
	t.Helper()

	outputPath := filepath.Join(outDir, name)
	args := []string{"cc", "-target", "x86-linux-gnu", "-O1", "-g0", "-Wl,--hash-style=sysv", "-Wl,-z,lazy"}
	args = append(args, flags...)
	args = append(args, "-o", outputPath, source)

	cmd := exec.Command("zig", args...)
	cmd.Env = append(
		os.Environ(),
		"ZIG_GLOBAL_CACHE_DIR="+filepath.Join(os.TempDir(), "rtld-zig-global-cache"),
		"ZIG_LOCAL_CACHE_DIR="+filepath.Join(os.TempDir(), "rtld-zig-local-cache"),
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Skipf("zig cannot build %s for x86-linux-gnu: %v\n%s", name, err, output)
	}
	return outputPath
}

// dynamicSymbol returns the value of a defined dynamic symbol, or 0.
func dynamicSymbol(t *testing.T, path, name string) uint32 {
	t.Helper()

	f, err := elf.Open(path)
	require.NoError(t, err)
	defer f.Close()

	syms, err := f.DynamicSymbols()
	require.NoError(t, err)
	for _, sym := range syms {
		if sym.Name == name && sym.Section != elf.SHN_UNDEF {
			return uint32(sym.Value)
		}
	}
	return 0
}

func requireCommand(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not found in PATH", name)
	}
}
