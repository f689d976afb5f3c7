package mem

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSpace(t *testing.T) *Space {
	t.Helper()

	s := NewSpace()
	t.Cleanup(func() {
		assert.NoError(t, s.Release())
	})
	return s
}

func TestMapRejectsOverlap(t *testing.T) {
	s := newTestSpace(t)

	_, err := s.Map("a", 0x1000, 0x1000)
	require.NoError(t, err)

	_, err = s.Map("b", 0x1800, 0x1000)
	assert.True(t, errors.Is(err, ErrOverlap))

	_, err = s.Map("c", 0x2000, 0x10)
	assert.NoError(t, err)

	_, err = s.Map("wrap", 0xfffffff0, 0x20)
	assert.Error(t, err)

	_, err = s.Map("empty", 0x9000, 0)
	assert.Error(t, err)
}

func TestReadWriteAcrossAdjacentRegions(t *testing.T) {
	s := newTestSpace(t)

	_, err := s.Map("lo", 0x1000, 0x10)
	require.NoError(t, err)
	_, err = s.Map("hi", 0x1010, 0x10)
	require.NoError(t, err)

	require.NoError(t, s.PutUint32(0x100e, 0xdeadbeef))
	v, err := s.Uint32(0x100e)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xdeadbeef), v)

	regions := s.Regions()
	require.Len(t, regions, 2)
	assert.Equal(t, "lo", regions[0].Name)
	assert.Equal(t, uint32(0x10), regions[1].Size())
}

func TestFaultOnUnmapped(t *testing.T) {
	s := newTestSpace(t)

	_, err := s.Map("only", 0x1000, 0x10)
	require.NoError(t, err)

	_, err = s.Uint32(0x100e)
	assert.True(t, errors.Is(err, ErrFault))

	err = s.WriteAt([]byte{1}, 0x0fff)
	assert.True(t, errors.Is(err, ErrFault))

	_, err = s.Uint32(0xfffffffe)
	assert.True(t, errors.Is(err, ErrFault))
}

func TestCString(t *testing.T) {
	s := newTestSpace(t)

	_, err := s.Map("str", 0x4000, 0x20)
	require.NoError(t, err)
	require.NoError(t, s.WriteAt([]byte("test_add\x00tail"), 0x4000))

	got, err := s.CString(0x4000, 64)
	require.NoError(t, err)
	assert.Equal(t, "test_add", got)

	_, err = s.CString(0x4000, 4)
	assert.Error(t, err)

	require.NoError(t, s.WriteAt([]byte("unterminated-until-end-of-region"), 0x4000))
	_, err = s.CString(0x4000, 256)
	assert.True(t, errors.Is(err, ErrFault))
}

func TestReleaseIsIdempotent(t *testing.T) {
	s := NewSpace()
	_, err := s.Map("r", 0x1000, 0x100)
	require.NoError(t, err)

	require.NoError(t, s.Release())
	require.NoError(t, s.Release())

	_, err = s.Map("late", 0x2000, 0x10)
	assert.Error(t, err)
	assert.True(t, errors.Is(s.ReadAt(make([]byte, 1), 0x1000), ErrFault))
}
