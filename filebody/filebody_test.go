package filebody_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wichfs/wichfs/bitmap"
	"github.com/wichfs/wichfs/device"
	"github.com/wichfs/wichfs/errors"
	"github.com/wichfs/wichfs/filebody"
	"github.com/wichfs/wichfs/inode"
	"github.com/wichfs/wichfs/sliceblock"
)

type harness struct {
	dev    *device.MemDevice
	blocks *bitmap.Bitmap
	engine *filebody.Engine
}

func newHarness(t *testing.T, totalBlocks uint32) *harness {
	t.Helper()
	dev := device.NewMemDevice(totalBlocks)
	blocks := bitmap.New(int(totalBlocks))

	var first, nrSliced, nrUsed uint32
	counters := sliceblock.Counters{
		FirstFreeSlicedBlock: &first,
		NrSlicedBlocks:       &nrSliced,
		NrUsedSlices:         &nrUsed,
	}
	slices := sliceblock.New(dev, blocks.AsBlockAllocator(), counters)

	clock := func() time.Time { return time.Unix(1700000000, 0) }
	freeBlocks := func() uint32 { return uint32(blocks.CountFree()) }

	engine := filebody.New(dev, blocks.AsBlockAllocator(), slices, freeBlocks, clock)
	return &harness{dev: dev, blocks: blocks, engine: engine}
}

func ascii(n int) []byte {
	return []byte(strings.Repeat("a", n))
}

func TestScenario1SmallWriteReadBack(t *testing.T) {
	h := newHarness(t, 64)
	in := &inode.Inode{Ino: 2}

	n, err := h.engine.Write(in, 0, ascii(50), false)
	require.NoError(t, err)
	assert.Equal(t, 50, n)
	assert.True(t, in.IsSmall())

	got, err := h.engine.Read(in, 0, 50)
	require.NoError(t, err)
	assert.Equal(t, ascii(50), got)
}

func TestScenario2MultiSliceWriteReadBack(t *testing.T) {
	h := newHarness(t, 64)
	in := &inode.Inode{Ino: 2}

	n, err := h.engine.Write(in, 0, ascii(250), false)
	require.NoError(t, err)
	assert.Equal(t, 250, n)
	assert.True(t, in.IsSmall()) // 250 < T, still small

	got, err := h.engine.Read(in, 0, 250)
	require.NoError(t, err)
	assert.Equal(t, ascii(250), got)
}

func TestScenario3AppendWithinSameSliceCount(t *testing.T) {
	h := newHarness(t, 64)
	in := &inode.Inode{Ino: 2}

	_, err := h.engine.Write(in, 0, ascii(50), false)
	require.NoError(t, err)
	_, err = h.engine.Write(in, 0, ascii(50), true)
	require.NoError(t, err)

	assert.EqualValues(t, 100, in.Size)
	got, err := h.engine.Read(in, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, ascii(100), got)
}

func TestScenario4AppendCrossingSliceCount(t *testing.T) {
	h := newHarness(t, 64)
	in := &inode.Inode{Ino: 2}

	_, err := h.engine.Write(in, 0, ascii(50), false)
	require.NoError(t, err)
	_, err = h.engine.Write(in, 0, ascii(200), true)
	require.NoError(t, err)

	assert.EqualValues(t, 250, in.Size)
	got, err := h.engine.Read(in, 0, 250)
	require.NoError(t, err)
	assert.Equal(t, ascii(250), got)
}

func TestScenario5ResliceGrowsRunLength(t *testing.T) {
	h := newHarness(t, 64)
	in := &inode.Inode{Ino: 2}

	_, err := h.engine.Write(in, 0, ascii(100), false)
	require.NoError(t, err)
	firstRunSlices := in.NumSlices

	_, err = h.engine.Write(in, 0, ascii(100), true)
	require.NoError(t, err)

	assert.Greater(t, in.NumSlices, firstRunSlices)
	got, err := h.engine.Read(in, 0, 200)
	require.NoError(t, err)
	assert.Equal(t, ascii(200), got)
}

func TestScenario6AppendAcrossReslice(t *testing.T) {
	// The 3000-byte total here stays under T (3968, spec §4.F) and so stays
	// small; this test only checks the read-back round trip the scenario
	// table requires, not which representation carries it.
	h := newHarness(t, 64)
	in := &inode.Inode{Ino: 2}

	_, err := h.engine.Write(in, 0, ascii(2500), false)
	require.NoError(t, err)

	_, err = h.engine.Write(in, 0, ascii(500), true)
	require.NoError(t, err)

	assert.EqualValues(t, 3000, in.Size)

	got, err := h.engine.Read(in, 0, 3000)
	require.NoError(t, err)
	assert.Equal(t, ascii(3000), got)
}

func TestScenario7OpenTruncateOnSmallFile(t *testing.T) {
	h := newHarness(t, 64)
	in := &inode.Inode{Ino: 2}

	_, err := h.engine.Write(in, 0, ascii(200), false)
	require.NoError(t, err)

	require.NoError(t, h.engine.OpenTruncate(in, true, true))
	assert.EqualValues(t, 0, in.Size)
	assert.True(t, in.IsEmpty())

	_, err = h.engine.Write(in, 0, ascii(100), false)
	require.NoError(t, err)

	got, err := h.engine.Read(in, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, ascii(100), got)
}

func TestScenario8OpenTruncateThenRewriteBigger(t *testing.T) {
	h := newHarness(t, 64)
	in := &inode.Inode{Ino: 2}

	_, err := h.engine.Write(in, 0, ascii(500), false)
	require.NoError(t, err)

	require.NoError(t, h.engine.OpenTruncate(in, true, true))
	_, err = h.engine.Write(in, 0, ascii(250), false)
	require.NoError(t, err)

	got, err := h.engine.Read(in, 0, 250)
	require.NoError(t, err)
	assert.Equal(t, ascii(250), got)
}

func TestWriteExceedingMaxFileSizeFails(t *testing.T) {
	h := newHarness(t, 64)
	in := &inode.Inode{Ino: 2}

	_, err := h.engine.Write(in, 4<<20, ascii(1), false)
	assert.ErrorIs(t, err, errors.ErrTooLarge)
}

func TestSparseWriteZeroFillsGap(t *testing.T) {
	h := newHarness(t, 128)
	in := &inode.Inode{Ino: 2}

	_, err := h.engine.Write(in, 0, ascii(10), false)
	require.NoError(t, err)

	// Jump well past old_size, forcing a large representation and a hole.
	_, err = h.engine.Write(in, 5000, ascii(10), false)
	require.NoError(t, err)
	assert.True(t, in.IsLarge())

	gap, err := h.engine.Read(in, 10, 100)
	require.NoError(t, err)
	for _, b := range gap {
		assert.Equal(t, byte(0), b)
	}
}

func TestReadClipsToFileSize(t *testing.T) {
	h := newHarness(t, 64)
	in := &inode.Inode{Ino: 2}

	_, err := h.engine.Write(in, 0, ascii(30), false)
	require.NoError(t, err)

	got, err := h.engine.Read(in, 0, 1000)
	require.NoError(t, err)
	assert.Len(t, got, 30)
}

func TestReadPastEndOfFileIsEmpty(t *testing.T) {
	h := newHarness(t, 64)
	in := &inode.Inode{Ino: 2}

	_, err := h.engine.Write(in, 0, ascii(10), false)
	require.NoError(t, err)

	got, err := h.engine.Read(in, 10, 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSmallFileReadIgnoresPos(t *testing.T) {
	// Spec §9: small-file reads always start at offset 0 within the live
	// slice run, regardless of the requested pos. Reproduced verbatim from
	// the source, not treated as a bug.
	h := newHarness(t, 64)
	in := &inode.Inode{Ino: 2}

	payload := []byte("0123456789")
	_, err := h.engine.Write(in, 0, payload, false)
	require.NoError(t, err)

	got, err := h.engine.Read(in, 5, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("01234"), got)
}

func TestTruncateToZeroThenWriteStartsFresh(t *testing.T) {
	h := newHarness(t, 64)
	in := &inode.Inode{Ino: 2}

	_, err := h.engine.Write(in, 0, ascii(5000), false)
	require.NoError(t, err)
	require.True(t, in.IsLarge())

	require.NoError(t, h.engine.Truncate(in, 0))
	assert.EqualValues(t, 0, in.Size)

	empty, err := h.engine.Read(in, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = h.engine.Write(in, 0, ascii(20), false)
	require.NoError(t, err)
	got, err := h.engine.Read(in, 0, 20)
	require.NoError(t, err)
	assert.Equal(t, ascii(20), got)
}

func TestShrinkLargeFileReleasesTrailingBlocks(t *testing.T) {
	h := newHarness(t, 64)
	in := &inode.Inode{Ino: 2}

	_, err := h.engine.Write(in, 0, ascii(10000), false)
	require.NoError(t, err)
	freeBefore := h.blocks.CountFree()

	require.NoError(t, h.engine.Truncate(in, 4096))
	freeAfter := h.blocks.CountFree()

	assert.Greater(t, freeAfter, freeBefore)
	assert.EqualValues(t, 4096, in.Size)

	got, err := h.engine.Read(in, 0, 4096)
	require.NoError(t, err)
	assert.Equal(t, ascii(4096), got)
}

func TestShrinkSmallFileReleasesTrailingSlices(t *testing.T) {
	h := newHarness(t, 64)
	in := &inode.Inode{Ino: 2}

	_, err := h.engine.Write(in, 0, ascii(500), false)
	require.NoError(t, err)
	before := in.NumSlices

	require.NoError(t, h.engine.Truncate(in, 130))
	assert.Less(t, in.NumSlices, before)
	assert.EqualValues(t, 130, in.Size)

	got, err := h.engine.Read(in, 0, 130)
	require.NoError(t, err)
	assert.Equal(t, ascii(130), got)
}

func TestExactThresholdBoundaryStaysSmall(t *testing.T) {
	h := newHarness(t, 256)
	in := &inode.Inode{Ino: 2}

	_, err := h.engine.Write(in, 0, ascii(3968), false) // T == BlockSize - SliceSize
	require.NoError(t, err)
	assert.True(t, in.IsSmall())
}

func TestOneByteOverThresholdGoesLarge(t *testing.T) {
	h := newHarness(t, 256)
	in := &inode.Inode{Ino: 2}

	_, err := h.engine.Write(in, 0, ascii(3969), false)
	require.NoError(t, err)
	assert.True(t, in.IsLarge())
}
