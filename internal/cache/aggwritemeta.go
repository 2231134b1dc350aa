package cache

import (
	"encoding/binary"
	"sort"

	"golang.org/x/exp/slices"
)

// aggWriteMetaMagic brackets the serialized entry list as header and
// footer, so a short or torn write is caught on load instead of silently
// misparsed. Grounded on agg_write_meta::hdr_ftr_magic.
const aggWriteMetaMagic = 0xDEADBED01DEBDAED

// aggMetaEntrySize is the packed wire size of one AggMetaEntry: the
// FSNodeKey (16 bytes) followed by the packed RangeElem (16 bytes).
const aggMetaEntrySize = FSNodeKeySize + RangeElemWireSize

// AggAddResult reports the outcome of AggWriteMeta.AddEntry.
type AggAddResult int

const (
	AggAddOK AggAddResult = iota
	AggAddOverlaps
	AggAddNoSpace
)

func (r AggAddResult) String() string {
	switch r {
	case AggAddOK:
		return "ok"
	case AggAddOverlaps:
		return "overlaps"
	case AggAddNoSpace:
		return "no_space"
	default:
		return "unknown"
	}
}

// AggWriteMeta is the sorted, flat list of (fingerprint, range_elem) pairs
// that prefixes an aggregate write block. Grounded on
// xproxy-beta/cache/agg_write_meta.h/.cpp — kept as a sorted slice, as the
// original keeps a sorted vector instead of a tree, specifically so
// serialization is a single contiguous copy.
type AggWriteMeta struct {
	entries       []AggMetaEntry
	maxCntEntries uint32
}

// NewAggWriteMeta reserves space for metaBuffSize bytes of metadata,
// leaving one entry's worth of room for the header+count+footer as the
// original's static_assert requires.
func NewAggWriteMeta(metaBuffSize uint32) *AggWriteMeta {
	if metaBuffSize <= 2*aggMetaEntrySize {
		panic("cache: agg write meta buffer too small")
	}
	return &AggWriteMeta{maxCntEntries: metaBuffSize/aggMetaEntrySize - 1}
}

func (m *AggWriteMeta) Empty() bool         { return len(m.entries) == 0 }
func (m *AggWriteMeta) CntEntries() int     { return len(m.entries) }
func (m *AggWriteMeta) MaxCntEntries() uint32 { return m.maxCntEntries }

func (m *AggWriteMeta) Clear() { m.entries = m.entries[:0] }

// Entries exposes the live sorted entry slice for read-only iteration.
func (m *AggWriteMeta) Entries() []AggMetaEntry { return m.entries }

func overlappingEntries(a, b AggMetaEntry) bool {
	return a.Key == b.Key && a.Rng.ToRange().Overlaps(b.Rng.ToRange())
}

// AddEntry inserts (key, rng) in sorted position, refusing an insertion
// that would overlap an already-present entry for the same key or that
// would exceed the buffer's capacity. Grounded on
// agg_write_meta::add_entry.
func (m *AggWriteMeta) AddEntry(key FSNodeKey, rng RangeElem) AggAddResult {
	if uint32(len(m.entries)) >= m.maxCntEntries {
		return AggAddNoSpace
	}
	e := AggMetaEntry{Key: key, Rng: rng}
	pos, _ := slices.BinarySearchFunc(m.entries, e, func(x, target AggMetaEntry) int {
		switch {
		case x.Less(target):
			return -1
		case target.Less(x):
			return 1
		default:
			return 0
		}
	})
	if pos > 0 && overlappingEntries(m.entries[pos-1], e) {
		return AggAddOverlaps
	}
	if pos < len(m.entries) && overlappingEntries(m.entries[pos], e) {
		return AggAddOverlaps
	}
	m.entries = append(m.entries, AggMetaEntry{})
	copy(m.entries[pos+1:], m.entries[pos:])
	m.entries[pos] = e
	return AggAddOK
}

// RemEntry removes the entry at idx, mirroring agg_write_meta::rem_entry's
// iterator-erase contract.
func (m *AggWriteMeta) RemEntry(idx int) {
	m.entries = append(m.entries[:idx], m.entries[idx+1:]...)
}

// HasEntry reports whether (key, rng) is present, by exact offset/size
// match.
func (m *AggWriteMeta) HasEntry(key FSNodeKey, rng RangeElem) bool {
	target := AggMetaEntry{Key: key, Rng: rng}
	idx := sort.Search(len(m.entries), func(i int) bool { return !m.entries[i].Less(target) })
	return idx < len(m.entries) && m.entries[idx].Equal(target)
}

// SetEntries replaces the entry list wholesale, sorting it first. Used when
// re-populating a fresh block from evacuated entries.
func (m *AggWriteMeta) SetEntries(entries []AggMetaEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Less(entries[j]) })
	m.entries = entries
}

// ReleaseEntries hands back the current entry list and resets this meta to
// empty, matching agg_write_meta::release_entries (used by end_disk_write).
func (m *AggWriteMeta) ReleaseEntries() []AggMetaEntry {
	ret := m.entries
	m.entries = nil
	return ret
}

// Save writes magic, count, the packed entries, and the closing magic.
func (m *AggWriteMeta) Save(w *MemoryWriter) {
	var magic [8]byte
	binary.LittleEndian.PutUint64(magic[:], aggWriteMetaMagic)
	w.Write(magic[:])

	var cnt [4]byte
	binary.LittleEndian.PutUint32(cnt[:], uint32(len(m.entries)))
	w.Write(cnt[:])

	for _, e := range m.entries {
		w.Write(e.Key[:])
		b, _ := e.Rng.MarshalBinary()
		w.Write(b)
	}

	w.Write(magic[:])
}

// Load reads back an image written by Save, rejecting it on a bad magic, an
// over-budget count, or an unsorted entry list.
func (m *AggWriteMeta) Load(r *MemoryReader) bool {
	magic := make([]byte, 8)
	if _, err := io_ReadFull(r, magic); err != nil || binary.LittleEndian.Uint64(magic) != aggWriteMetaMagic {
		return false
	}

	cntBuf := make([]byte, 4)
	if _, err := io_ReadFull(r, cntBuf); err != nil {
		return false
	}
	cnt := binary.LittleEndian.Uint32(cntBuf)
	if cnt > m.maxCntEntries {
		return false
	}

	entries := make([]AggMetaEntry, cnt)
	buf := make([]byte, aggMetaEntrySize)
	for i := range entries {
		if _, err := io_ReadFull(r, buf); err != nil {
			return false
		}
		copy(entries[i].Key[:], buf[:FSNodeKeySize])
		if err := entries[i].Rng.UnmarshalBinary(buf[FSNodeKeySize:]); err != nil {
			return false
		}
	}
	if !slices.IsSortedFunc(entries, func(a, b AggMetaEntry) bool { return a.Less(b) }) {
		return false
	}

	if _, err := io_ReadFull(r, magic); err != nil || binary.LittleEndian.Uint64(magic) != aggWriteMetaMagic {
		return false
	}

	m.entries = entries
	return true
}
