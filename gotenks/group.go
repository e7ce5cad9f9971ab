package gotenks

// group is the in-memory state of one block group: its two bitmaps plus a
// cached cursor for the next free slot of each. Indices handed in and out
// are 1-based within the group; bit i-1 covers index i.
type group struct {
	dataBitmap  *bitmap
	inodeBitmap *bitmap
	nextData    int // 0-based scan cursors
	nextInode   int
}

// newGroup creates an empty group for a filesystem with the given block size.
func newGroup(blockSize uint32) *group {
	return &group{
		dataBitmap:  newBitmap(blockSize),
		inodeBitmap: newBitmap(blockSize),
	}
}

// groupFromBytes loads a group from its two raw bitmap blocks.
func groupFromBytes(data, inode []byte) *group {
	g := &group{
		dataBitmap:  bitmapFromBytes(data),
		inodeBitmap: bitmapFromBytes(inode),
	}
	g.nextData = normalizeCursor(g.dataBitmap.firstFree(0))
	g.nextInode = normalizeCursor(g.inodeBitmap.firstFree(0))
	return g
}

func normalizeCursor(i int) int {
	if i < 0 {
		return 0
	}
	return i
}

func (g *group) hasInode(i int) bool {
	return g.inodeBitmap.isSet(i - 1)
}

func (g *group) hasDataBlock(i int) bool {
	return g.dataBitmap.isSet(i - 1)
}

// allocateInode claims the first free inode slot and returns its 1-based
// index, or false if the group is full.
func (g *group) allocateInode() (int, bool) {
	i, ok := allocate(g.inodeBitmap, &g.nextInode)
	return i, ok
}

// allocateDataBlock claims the first free data block and returns its 1-based
// index, or false if the group is full.
func (g *group) allocateDataBlock() (int, bool) {
	i, ok := allocate(g.dataBitmap, &g.nextData)
	return i, ok
}

func allocate(bm *bitmap, cursor *int) (int, bool) {
	i := bm.firstFree(*cursor)
	if i < 0 {
		// the cursor may have skipped released slots
		i = bm.firstFree(0)
	}
	if i < 0 {
		return 0, false
	}
	bm.set(i)
	*cursor = i + 1
	return i + 1, true
}

// releaseInode clears the bit for inode i. The cursor is rewound so a
// released slot is reused first.
func (g *group) releaseInode(i int) {
	release(g.inodeBitmap, &g.nextInode, i)
}

// releaseDataBlock clears the bit for data block i.
func (g *group) releaseDataBlock(i int) {
	release(g.dataBitmap, &g.nextData, i)
}

func release(bm *bitmap, cursor *int, i int) {
	bm.clear(i - 1)
	if i-1 < *cursor {
		*cursor = i - 1
	}
}

func (g *group) freeInodes() int {
	return g.inodeBitmap.countFree()
}

func (g *group) freeDataBlocks() int {
	return g.dataBitmap.countFree()
}
