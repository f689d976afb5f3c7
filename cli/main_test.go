package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/rtld"
	"github.com/sliverarmory/rtld/internal/imagetest"
)

func writeImage(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o755))
	return path
}

func resetFlags(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		companionPath = ""
		calls = nil
		bindNow = false
	})
}

func TestExitWithoutEntry(t *testing.T) {
	resetFlags(t)

	prog := imagetest.BuildMain(imagetest.Main{Imports: []imagetest.Import{{Name: "test_add"}}})
	raw := append([]byte(nil), prog.Bytes...)
	copy(raw[24:28], []byte{0, 0, 0, 0}) // e_entry
	path := writeImage(t, "main", raw)

	var stdout, stderr bytes.Buffer
	code := execute([]string{"inspect", path}, &stdout, &stderr)
	assert.Equal(t, exitNoEntry, code)
	assert.Contains(t, stderr.String(), "no entry point")
}

func TestExitCodes(t *testing.T) {
	resetFlags(t)

	prog := imagetest.BuildMain(imagetest.Main{Imports: []imagetest.Import{{Name: "test_add"}}})
	path := writeImage(t, "main", prog.Bytes)

	var stdout, stderr bytes.Buffer
	assert.Equal(t, 0, execute([]string{"inspect", path}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "test_add")

	assert.Equal(t, 1, execute([]string{"inspect", filepath.Join(t.TempDir(), "absent")}, &stdout, &stderr))
}

func TestWithProcessReleases(t *testing.T) {
	resetFlags(t)

	prog := imagetest.BuildMain(imagetest.Main{Imports: []imagetest.Import{{Name: "test_add"}}})
	path := writeImage(t, "main", prog.Bytes)

	var seen *rtld.Process
	require.NoError(t, withProcess(path, nil, func(proc *rtld.Process) error {
		seen = proc
		_, err := proc.Imports()
		return err
	}))
	require.NotNil(t, seen)

	_, err := seen.Imports()
	assert.True(t, errors.Is(err, rtld.ErrProcessClosed))
}

func TestRunDrivesLazyBinding(t *testing.T) {
	resetFlags(t)

	prog := imagetest.BuildMain(imagetest.Main{Imports: []imagetest.Import{{Name: "test_add"}}})
	lib := imagetest.BuildLib(imagetest.Lib{Exports: []imagetest.Export{{Name: "test_add"}}})
	mainPath := writeImage(t, "main", prog.Bytes)
	libPath := writeImage(t, "libtest.so", lib.Bytes)

	var stdout, stderr bytes.Buffer
	code := execute([]string{"run", "-c", libPath, "--call", "test_add:38,4", "--call", "test_add:100,23", mainPath}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	out := stdout.String()
	assert.Contains(t, out, "call test_add(38, 4)")
	assert.Contains(t, out, "call test_add(100, 23)")
	assert.Contains(t, out, "calls=2 resolves=1")
}
