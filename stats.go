package wichfs

import (
	"github.com/gocarina/gocsv"

	"github.com/wichfs/wichfs/ondisk"
)

// Stats is the read-only derived-counter surface of spec §4.H, tagged for
// gocsv the same way the teacher's disks.DiskGeometry is (disks/disks.go) —
// one exported struct doubling as both the in-memory stats view and the
// CSV row schema for the stat CLI.
type Stats struct {
	FreeBlocks      uint32  `csv:"free_blocks"`
	UsedBlocks      uint32  `csv:"used_blocks"`
	SlicedBlocks    uint32  `csv:"sliced_blocks"`
	TotalFreeSlices uint32  `csv:"total_free_slices"`
	Files           uint32  `csv:"files"`
	SmallFiles      uint32  `csv:"small_files"`
	TotalDataSize   uint64  `csv:"total_data_size"`
	TotalUsedSize   uint64  `csv:"total_used_size"`
	Efficiency      float64 `csv:"efficiency"`
}

// Stats derives the spec §4.H counters from the current superblock state
// and a scan of the inode store. "files" counts every inode with a nonzero
// link count, since directory-entry awareness is out of the core's scope
// (spec §1 Non-goals); it is the inode store's own picture of liveness.
func (fs *Filesystem) Stats() Stats {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	usedBlocks := fs.sb.NrBlocks - fs.sb.NrFreeBlocks
	totalFreeSlices := fs.sb.NrSlicedBlocks*31 - fs.sb.NrUsedSlices

	var files, smallFiles uint32
	var totalDataSize uint64
	for ino := uint32(1); ino < fs.sb.NrInodes; ino++ {
		if fs.ifree.IsFree(int(ino)) {
			continue
		}
		in, err := fs.inodes.IGet(ino)
		if err != nil || in.Nlink == 0 {
			continue
		}
		files++
		if in.IsSmall() {
			smallFiles++
		}
		totalDataSize += uint64(in.Size)
	}

	totalUsedSize := uint64(usedBlocks) * ondisk.BlockSize
	var efficiency float64
	if totalUsedSize > 0 {
		efficiency = float64(totalDataSize) * 100 / float64(totalUsedSize)
	}

	return Stats{
		FreeBlocks:      fs.sb.NrFreeBlocks,
		UsedBlocks:      usedBlocks,
		SlicedBlocks:    fs.sb.NrSlicedBlocks,
		TotalFreeSlices: totalFreeSlices,
		Files:           files,
		SmallFiles:      smallFiles,
		TotalDataSize:   totalDataSize,
		TotalUsedSize:   totalUsedSize,
		Efficiency:      efficiency,
	}
}

// StatsCSV renders Stats as a single-row CSV document, for the stat CLI
// and for any external observability scraper that wants a flat format.
func (fs *Filesystem) StatsCSV() (string, error) {
	return gocsv.MarshalString([]Stats{fs.Stats()})
}
