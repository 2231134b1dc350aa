package cache

import "fmt"

// AggFailResult enumerates why AggWriteBlock.AddFragment declined a write.
type AggFailResult int

const (
	AggFailOverlaps AggFailResult = iota
	AggFailNoSpaceMeta
	AggFailNoSpaceData
)

func (r AggFailResult) String() string {
	switch r {
	case AggFailOverlaps:
		return "overlaps"
	case AggFailNoSpaceMeta:
		return "no_space_meta"
	case AggFailNoSpaceData:
		return "no_space_data"
	default:
		return "unknown"
	}
}

// AggWriteBlockMaxSize is the whole-block size in VolumeBlocks.
var AggWriteBlockMaxSize = VolumeBlocksFromBytes(AggWriteBlockSize)

// AggWriteBlock is the in-memory buffer the aggregate writer fills with
// fragments before issuing one disk write per 4 MiB block. Grounded on
// xproxy-beta/cache/agg_write_block.h/.cpp. The block is not copyable or
// movable in the original (it owns a page-aligned allocation); here it's
// always referenced by pointer for the same reason — its backing array
// must not move while an O_DIRECT write against it is outstanding (see
// volumeio.go). blockData is a plain make([]byte, ...) rather than a
// dedicated aligned allocation; at 4 MiB it lands on Go's large-object path
// and comes out page-aligned in practice, but nothing here guarantees it.
type AggWriteBlock struct {
	blockMeta        *AggWriteMeta
	blockData        []byte
	buffPos          VolumeBlocks
	pendingDiskWrite bool
}

// NewAggWriteBlock allocates one aggregate write block: 4 KiB metadata
// prefix + 4 MiB data area.
func NewAggWriteBlock() *AggWriteBlock {
	return &AggWriteBlock{
		blockMeta: NewAggWriteMeta(AggWriteMetaSize),
		blockData: make([]byte, AggWriteBlockSize),
		buffPos:   VolumeBlocksFromBytes(AggWriteMetaSize),
	}
}

// AddFragment appends frag (whose length must equal rng.Len()) at the
// current buffer position, recording its placement in the block's
// metadata. curr_write_offs is the disk offset of this block's first byte,
// needed to compute the fragment's absolute disk location. Grounded on
// agg_write_block::add_fragment.
func (b *AggWriteBlock) AddFragment(key FSNodeKey, rng Range, currWriteOffs VolumeBlocks, frag []byte) (elem RangeElem, ok bool, reason AggFailResult) {
	if b.pendingDiskWrite {
		panic("cache: AddFragment called with a disk write pending")
	}
	if uint64(len(frag)) != rng.Len() {
		panic("cache: fragment buffer size doesn't match the given range")
	}
	if len(frag) > ObjectFragMaxDataSize {
		panic("cache: fragment too big")
	}

	finSize := VolumeBlocksFromBytes(uint64(ObjectFragSize(uint32(len(frag)))))
	if b.buffPos+finSize > AggWriteBlockMaxSize {
		return RangeElem{}, false, AggFailNoSpaceData
	}

	diskOffs := currWriteOffs + b.buffPos
	re := MakeRangeElem(rng.Beg(), uint32(rng.Len()), diskOffs)

	switch b.blockMeta.AddEntry(key, re) {
	case AggAddOK:
		hdr := MakeFragHdr(key, re)
		hb, _ := hdr.MarshalBinary()
		wpos := b.buffPos.ToBytes()
		copy(b.blockData[wpos:], hb)
		copy(b.blockData[wpos+uint64(len(hb)):], frag)
		b.buffPos += finSize
		return re, true, 0
	case AggAddOverlaps:
		return RangeElem{}, false, AggFailOverlaps
	case AggAddNoSpace:
		return RangeElem{}, false, AggFailNoSpaceMeta
	default:
		panic("cache: unreachable agg write meta add result")
	}
}

// TryReadFragment copies the fragment for (key, rng) into buff if it's
// still resident in this block's in-memory buffer. currWriteOffs must be
// the same disk offset passed to AddFragment for entries in this block.
func (b *AggWriteBlock) TryReadFragment(key FSNodeKey, rng RangeElem, currWriteOffs VolumeBlocks, buff []byte) bool {
	if !b.blockMeta.HasEntry(key, rng) {
		return false
	}
	rngDlen := ObjectFragSize(rng.RngSize())
	begDoff := currWriteOffs.ToBytes()
	endDoff := (currWriteOffs + b.buffPos).ToBytes()
	rngBoff := rng.DiskOffset().ToBytes()
	rngEoff := rngBoff + uint64(rngDlen)
	if rngBoff < begDoff || rngEoff > endDoff {
		panic("cache: fragment disk range must lie fully inside the current aggregate range")
	}
	if uint32(len(buff)) != rngDlen {
		panic(fmt.Sprintf("cache: read buffer size %d doesn't match fragment size %d", len(buff), rngDlen))
	}
	bufOff := rngBoff - begDoff
	copy(buff, b.blockData[bufOff:bufOff+uint64(rngDlen)])
	return true
}

// StatsFSWr tracks per-flush write-amplification stats, surfaced through
// cache_fs's stats snapshot. Grounded on cache_stats.h's stats_fs_wr, as
// referenced by agg_write_block::begin_disk_write.
type StatsFSWr struct {
	WrittenMetaSize uint32
	WastedMetaSize  uint32
	WrittenDataSize uint32
	WastedDataSize  uint32
}

// BeginDiskWrite serializes the block's metadata into the buffer's own
// prefix and returns the read-only slice that should be handed to the disk
// write. It marks the block as having a write in flight until
// EndDiskWrite is called.
func (b *AggWriteBlock) BeginDiskWrite(sts *StatsFSWr) []byte {
	b.pendingDiskWrite = true

	w := NewMemoryWriter()
	b.blockMeta.Save(w)
	saved := w.Bytes()
	if len(saved) > AggWriteMetaSize {
		panic("cache: aggregate metadata overflowed its fixed prefix")
	}
	copy(b.blockData[:AggWriteMetaSize], saved)

	sz := RoundToStoreBlockSize(b.buffPos.ToBytes())
	if sz > AggWriteBlockSize {
		panic("cache: wrong buff_pos calculations")
	}

	sts.WrittenMetaSize = uint32(len(saved))
	sts.WastedMetaSize = AggWriteMetaSize - uint32(len(saved))
	sts.WrittenDataSize = AggWriteBlockSize
	sts.WastedDataSize = AggWriteBlockSize - uint32(sz)

	return b.blockData[:sz]
}

// EndDiskWrite clears the in-flight flag, rewinds the buffer position to
// just past the metadata prefix, and hands back the entries that were just
// flushed so the caller can fold them into durable fs_metadata.
func (b *AggWriteBlock) EndDiskWrite() []AggMetaEntry {
	b.pendingDiskWrite = false
	b.buffPos = VolumeBlocksFromBytes(AggWriteMetaSize)
	return b.blockMeta.ReleaseEntries()
}

// MetadataBuff exposes the metadata prefix for scratch use. Unsafe to call
// while a disk write is pending.
func (b *AggWriteBlock) MetadataBuff() []byte {
	if b.pendingDiskWrite {
		panic("cache: MetadataBuff called with a disk write pending")
	}
	return b.blockData[:AggWriteMetaSize]
}

func (b *AggWriteBlock) BytesAvail() uint32 {
	return uint32(b.buffPos.ToBytes() - AggWriteMetaSize)
}

func (b *AggWriteBlock) FreeSpace() uint32 {
	return AggWriteDataSize - b.BytesAvail()
}
