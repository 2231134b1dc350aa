package cache

import (
	"encoding/binary"
	"fmt"
)

// fsTableMagic tags the on-disk table header so a load can fail fast on a
// garbage or foreign image rather than silently misparsing it.
const fsTableMagic = 0x54424C46 // "FLBT" little-endian-ish, arbitrary but stable

// fsTableHdrSize is the fixed-size disk header preceding the dense entry
// list: magic(4) + table_data_size(8) + cnt_entries(4).
const fsTableHdrSize = 16

// avgRangesPerNode is the assumed number of fragments per cached object used
// when budgeting worst-case table size. The original fs_table.h that would
// pin this constant exactly isn't part of the retrieved source; this value
// is a conservative reconstruction from spec.md §4.4's sizing description
// (successive approximation from a configured average object size), so the
// table never undersizes itself for the common case of a handful of
// fragments per object.
const avgRangesPerNode = 2

// FSTable maps an FSNodeKey to the RangeVector describing where its
// fragments live on disk. Grounded on xproxy-beta/cache/fs_metadata.cpp,
// which drives fs_table through clean_init/load/save/rem_table_entry but
// whose own header was not part of the retrieved source — the entry
// layout here follows spec.md §3 "FS table" directly: a dense sequence of
// (fingerprint, range_vector) pairs.
type FSTable struct {
	nodes              map[FSNodeKey]*RangeVector
	maxAllowedDataSize uint64
	avgObjSize         uint32
}

// NewFSTable sizes a table for availDiskSpace bytes of usable volume space,
// assuming objects average avgObjSize bytes. Mirrors fs_metadata's
// table_(avail_disk_space(vi, min_avg_obj_size), min_avg_obj_size) member
// initializer.
func NewFSTable(availDiskSpace uint64, avgObjSize uint32) *FSTable {
	if avgObjSize == 0 {
		panic("cache: fs table average object size must be > 0")
	}
	return &FSTable{
		nodes:              make(map[FSNodeKey]*RangeVector),
		maxAllowedDataSize: FSTableDataSize(availDiskSpace/uint64(avgObjSize), (availDiskSpace/uint64(avgObjSize))*avgRangesPerNode),
		avgObjSize:         avgObjSize,
	}
}

// FSTableDataSize is the serialized size of a table holding cntNodes
// fingerprints and cntRanges total range elements across them.
func FSTableDataSize(cntNodes, cntRanges uint64) uint64 {
	return cntNodes*FSNodeKeySize + cntRanges*RangeElemWireSize
}

// FSTableFullSize adds the fixed disk header to a raw table data size.
func FSTableFullSize(tableDataSize uint64) uint64 {
	return fsTableHdrSize + tableDataSize
}

// FSTableMaxFullSize is the worst-case on-disk table size budgeted for
// availDiskSpace bytes of data area, given avgObjSize. Used by
// fs_metadata's successive-approximation disk-space split.
func FSTableMaxFullSize(availDiskSpace uint64, avgObjSize uint32) uint64 {
	cntNodes := availDiskSpace / uint64(avgObjSize)
	return FSTableFullSize(FSTableDataSize(cntNodes, cntNodes*avgRangesPerNode))
}

func (t *FSTable) CleanInit() {
	for k := range t.nodes {
		delete(t.nodes, k)
	}
}

func (t *FSTable) CntEntries() int { return len(t.nodes) }
func (t *FSTable) CntFSNodes() int { return len(t.nodes) }

func (t *FSTable) CntRanges() int {
	n := 0
	for _, rv := range t.nodes {
		n += rv.Len()
	}
	return n
}

func (t *FSTable) MaxAllowedDataSize() uint64 { return t.maxAllowedDataSize }

func (t *FSTable) EntriesDataSize() uint64 {
	return FSTableDataSize(uint64(t.CntFSNodes()), uint64(t.CntRanges()))
}

func (t *FSTable) SizeOnDisk() uint64      { return FSTableFullSize(t.EntriesDataSize()) }
func (t *FSTable) MaxSizeOnDisk() uint64   { return FSTableFullSize(t.maxAllowedDataSize) }

// FindNode returns the range vector for key, if any.
func (t *FSTable) FindNode(key FSNodeKey) (*RangeVector, bool) {
	rv, ok := t.nodes[key]
	return rv, ok
}

// AddRange inserts e under key, creating the node's range vector if this is
// its first fragment. Fails (returns false) on overlap or once the table's
// data-size budget would be exceeded.
func (t *FSTable) AddRange(key FSNodeKey, e RangeElem) (*RangeElem, bool) {
	rv, ok := t.nodes[key]
	if !ok {
		if t.EntriesDataSize()+FSNodeKeySize+RangeElemWireSize > t.maxAllowedDataSize {
			return nil, false
		}
		rv = NewRangeVector(e)
		t.nodes[key] = rv
		return rv.elemAt(0), true
	}
	if t.EntriesDataSize()+RangeElemWireSize > t.maxAllowedDataSize {
		return nil, false
	}
	return rv.AddRange(e)
}

// RemRange removes the element of key's range vector that matches rng's
// offset and size, removing the node entirely once its vector becomes
// empty, and reports whether such an element was found. Grounded on
// fs_metadata::rem_table_entry.
func (t *FSTable) RemRange(key FSNodeKey, rng RangeElem) bool {
	rv, ok := t.nodes[key]
	if !ok {
		return false
	}
	found := rv.FindExactRangeElem(rng)
	if found == nil {
		return false
	}
	rv.RemOne(found)
	if rv.Empty() {
		delete(t.nodes, key)
	}
	return true
}

// Save writes the dense (key, range_vector) sequence after a fixed header.
func (t *FSTable) Save(w *MemoryWriter) {
	hdr := make([]byte, fsTableHdrSize)
	binary.LittleEndian.PutUint32(hdr[0:4], fsTableMagic)
	binary.LittleEndian.PutUint64(hdr[4:12], t.EntriesDataSize())
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(t.CntFSNodes()))
	w.Write(hdr)

	for key, rv := range t.nodes {
		w.Write(key[:])
		rv.Save(w)
	}
}

// Load reads back a table image written by Save. errInfo, when Load
// returns false, carries a short human-readable diagnosis mirroring the
// original's err_info_t out-parameter.
func (t *FSTable) Load(r *MemoryReader) (ok bool, errInfo string) {
	hdr := make([]byte, fsTableHdrSize)
	if _, err := io_ReadFull(r, hdr); err != nil {
		return false, "short table header"
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != fsTableMagic {
		return false, "bad table magic"
	}
	tableDataSize := binary.LittleEndian.Uint64(hdr[4:12])
	cntNodes := binary.LittleEndian.Uint32(hdr[12:16])
	if uint64(cntNodes)*FSNodeKeySize > tableDataSize {
		return false, "table entry count inconsistent with data size"
	}

	nodes := make(map[FSNodeKey]*RangeVector, cntNodes)
	for i := uint32(0); i < cntNodes; i++ {
		var key FSNodeKey
		kb := make([]byte, FSNodeKeySize)
		if _, err := io_ReadFull(r, kb); err != nil {
			return false, fmt.Sprintf("short key at entry %d", i)
		}
		copy(key[:], kb)

		var rv RangeVector
		if !rv.Load(r) {
			return false, fmt.Sprintf("corrupted range vector at entry %d", i)
		}
		if _, dup := nodes[key]; dup {
			return false, fmt.Sprintf("duplicate key at entry %d", i)
		}
		nodes[key] = &rv
	}

	t.nodes = nodes
	return true, ""
}
