package scanner

import (
	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"dedupe/internal/catalog"
	"dedupe/internal/similarity"
)

// blockIndex maps blocking keys to the ids of the records sharing them.
type blockIndex struct {
	kinds     []string
	prefixLen int
	blocks    map[string]*roaring64.Bitmap
	members   *roaring64.Bitmap
	lastID    int64
}

func newBlockIndex(kinds []string, prefixLen int) *blockIndex {
	return &blockIndex{
		kinds:     kinds,
		prefixLen: prefixLen,
		blocks:    make(map[string]*roaring64.Bitmap),
		members:   roaring64.New(),
	}
}

func (ix *blockIndex) keys(rec *catalog.Record) []string {
	return similarity.BlockingKeys(rec, ix.kinds, ix.prefixLen)
}

func (ix *blockIndex) add(rec *catalog.Record) {
	ix.members.Add(uint64(rec.ID))
	ix.lastID = max(ix.lastID, rec.ID)
	for _, key := range ix.keys(rec) {
		bm, ok := ix.blocks[key]
		if !ok {
			bm = roaring64.New()
			ix.blocks[key] = bm
		}
		bm.Add(uint64(rec.ID))
	}
}

func (ix *blockIndex) contains(id int64) bool {
	return ix.members.Contains(uint64(id))
}

func (ix *blockIndex) size() uint64 {
	return ix.members.GetCardinality()
}

// prune drops singleton blocks, which can never yield a pair, and blocks
// larger than maxSize, which are too unselective to compare pairwise. It
// returns the oversized keys with their sizes.
func (ix *blockIndex) prune(maxSize int) map[string]uint64 {
	oversized := make(map[string]uint64)
	for key, bm := range ix.blocks {
		card := bm.GetCardinality()
		switch {
		case card < 2:
			delete(ix.blocks, key)
		case maxSize > 0 && card > uint64(maxSize):
			oversized[key] = card
			delete(ix.blocks, key)
		}
	}
	return oversized
}

// mates returns the ids sharing at least one block with rec whose id is
// greater than above, in ascending order.
func (ix *blockIndex) mates(rec *catalog.Record, above int64) []int64 {
	union := roaring64.New()
	for _, key := range ix.keys(rec) {
		if bm, ok := ix.blocks[key]; ok {
			union.Or(bm)
		}
	}
	if above >= 0 {
		union.RemoveRange(0, uint64(above)+1)
	}
	if rec.ID > 0 {
		union.Remove(uint64(rec.ID))
	}
	raw := union.ToArray()
	ids := make([]int64, len(raw))
	for i, id := range raw {
		ids[i] = int64(id)
	}
	return ids
}
