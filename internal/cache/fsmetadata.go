package cache

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// fsMetadataCurrentVersion tags the on-disk header/footer layout. Bumped
// whenever a field is added or reinterpreted.
const fsMetadataCurrentVersion = 1

// fsMetadataHdrSize is the packed size of FSMetadataHdr/Ftr: version(4) +
// create_time unix-nanos(8) + uuid(16) + sync_serial(8).
const fsMetadataHdrSize = 36

// FSMetadataHdr (and identically shaped Ftr) identify and date-stamp one of
// the two durable metadata copies. Grounded on the hdr_/ftr_ members used
// throughout fs_metadata.cpp (fs_metadata_hdr.h itself wasn't part of the
// retrieved source, so the field set here follows spec.md §3's "Metadata
// header/footer" description exactly: version, creation timestamp, volume
// UUID, sync_serial).
type FSMetadataHdr struct {
	version    uint32
	createTime time.Time
	uuid       uuid.UUID
	syncSerial uint64
}

func (h FSMetadataHdr) IsCurrent() bool       { return h.version == fsMetadataCurrentVersion }
func (h FSMetadataHdr) CreateTime() time.Time { return h.createTime }
func (h FSMetadataHdr) UUID() uuid.UUID       { return h.uuid }
func (h FSMetadataHdr) SyncSerial() uint64    { return h.syncSerial }

func (h *FSMetadataHdr) cleanInit() {
	h.version = fsMetadataCurrentVersion
	h.createTime = time.Now()
	h.uuid = uuid.New()
	h.syncSerial = 0
}

func (h *FSMetadataHdr) incSyncSerial() { h.syncSerial++ }
func (h *FSMetadataHdr) decSyncSerial() {
	if h.syncSerial > 0 {
		h.syncSerial--
	}
}

func (h FSMetadataHdr) String() string {
	return fmt.Sprintf("{v:%d created:%s uuid:%s serial:%d}",
		h.version, h.createTime.Format(time.RFC3339), h.uuid, h.syncSerial)
}

func (h FSMetadataHdr) marshal() []byte {
	buf := make([]byte, fsMetadataHdrSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.version)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(h.createTime.UnixNano()))
	copy(buf[12:28], h.uuid[:])
	binary.LittleEndian.PutUint64(buf[28:36], h.syncSerial)
	return buf
}

func (h *FSMetadataHdr) unmarshal(buf []byte) error {
	if len(buf) != fsMetadataHdrSize {
		return fmt.Errorf("cache: fs metadata header/footer wire size is %d, not %d", len(buf), fsMetadataHdrSize)
	}
	h.version = binary.LittleEndian.Uint32(buf[0:4])
	h.createTime = time.Unix(0, int64(binary.LittleEndian.Uint64(buf[4:12])))
	copy(h.uuid[:], buf[12:28])
	h.syncSerial = binary.LittleEndian.Uint64(buf[28:36])
	return nil
}

// FSOpsData is the durable write cursor: an absolute volume byte offset
// (the data area's start plus whole aggregate write blocks) plus a lap count.
// Grounded on the ops_ member driven through fs_metadata::inc_write_pos /
// wrap_write_pos / set_write_pos.
type FSOpsData struct {
	writePos uint64
	writeLap uint64
}

func (o FSOpsData) WritePos() uint64 { return o.writePos }
func (o FSOpsData) WriteLap() uint64 { return o.writeLap }

func (o *FSOpsData) cleanInit(initDataOffset uint64) {
	o.writePos = initDataOffset
	o.writeLap = 0
}

func (o *FSOpsData) incWritePos(pos uint64) { o.writePos += pos }

func (o *FSOpsData) wrapWritePos(initWritePos uint64) {
	o.writePos = initWritePos
	o.writeLap++
}

const fsOpsDataSize = 16

func (o FSOpsData) marshal() []byte {
	buf := make([]byte, fsOpsDataSize)
	binary.LittleEndian.PutUint64(buf[0:8], o.writePos)
	binary.LittleEndian.PutUint64(buf[8:16], o.writeLap)
	return buf
}

func (o *FSOpsData) unmarshal(buf []byte) error {
	if len(buf) != fsOpsDataSize {
		return fmt.Errorf("cache: fs ops data wire size is %d, not %d", len(buf), fsOpsDataSize)
	}
	o.writePos = binary.LittleEndian.Uint64(buf[0:8])
	o.writeLap = binary.LittleEndian.Uint64(buf[8:16])
	return nil
}

// DiskReader is the minimal read side fs_metadata needs from a volume file
// descriptor during load: seek-then-read, plus a path for diagnostics.
// Satisfied by the cursor NewVolumeReadCursor builds over a VolumeFD (see
// volumeio.go).
type DiskReader interface {
	SetNextOffset(off uint64) error
	Read(buf []byte) error
	Path() string
}

// StatsFSMD and StatsFSOps are the metadata-side counters surfaced through
// cache_fs's stats snapshot. Grounded on xproxy-beta/cache/cache_stats.h's
// stats_fs_md/stats_fs_ops, as referenced by fs_metadata::get_stats.
type StatsFSMD struct {
	CntEntries        uint64
	CntNodes          uint64
	CntRanges         uint64
	MaxAllowedDataSize uint64
	EntriesDataSize    uint64
	CurrDataSize       uint64
}

type StatsFSOps struct {
	WritePos uint64
	WriteLap uint64

	// DataBegin/DataEnd are filled in by the façade that owns the volume's
	// data-area bounds; fs_metadata itself has no notion of them.
	DataBegin uint64
	DataEnd   uint64
}

// FSMetadata ties together the versioned header/footer, the write cursor
// and the fingerprint table, and implements the A/B durable-copy
// load/save/select protocol. Grounded on xproxy-beta/cache/fs_metadata.cpp.
type FSMetadata struct {
	hdr     FSMetadataHdr
	ops     FSOpsData
	table   *FSTable
	ftr     FSMetadataHdr
	isDirty bool
}

// NewFSMetadata sizes the table from vi and minAvgObjSize, matching
// fs_metadata's constructor (including its availability sanity check).
func NewFSMetadata(vi VolumeInfo, minAvgObjSize uint32) *FSMetadata {
	avail := availDiskSpace(vi, minAvgObjSize)
	md := &FSMetadata{table: NewFSTable(avail, minAvgObjSize)}
	if vi.AvailSize() <= 2*md.MaxSizeOnDisk() {
		panic("cache: volume too small for the configured average object size")
	}
	return md
}

// availDiskSpace is the successive-approximation split between metadata and
// data area described in spec.md §4.4, ported verbatim from
// fs_metadata.cpp's anonymous-namespace avail_disk_space helper.
func availDiskSpace(vi VolumeInfo, minAvgObjSize uint32) uint64 {
	metadataDiskSize := func(diskSpace uint64, objSize uint32) uint64 {
		ms := RoundToStoreBlockSize(fsMetadataHdrSize+fsOpsDataSize+FSTableMaxFullSize(diskSpace, objSize)) +
			RoundToStoreBlockSize(fsMetadataHdrSize)
		if diskSpace <= ms {
			panic("cache: volume has no room left for data after metadata sizing")
		}
		return ms
	}
	diskSpace := vi.AvailSize()
	var mdSize uint64
	mdSize = metadataDiskSize(diskSpace-mdSize, minAvgObjSize)
	mdSize = metadataDiskSize(diskSpace-mdSize, minAvgObjSize)
	mdSize = metadataDiskSize(diskSpace-mdSize, minAvgObjSize)
	return diskSpace - mdSize
}

// CleanInit resets the metadata to a freshly formatted, empty volume whose
// data area begins at initDataOffs.
func (m *FSMetadata) CleanInit(initDataOffs uint64) {
	m.hdr.cleanInit()
	m.ops.cleanInit(initDataOffs)
	m.table.CleanInit()
	m.ftr = m.hdr
	m.isDirty = false
}

func (m *FSMetadata) SizeOnDisk() uint64 {
	return RoundToStoreBlockSize(fsMetadataHdrSize+fsOpsDataSize+m.table.SizeOnDisk()) +
		RoundToStoreBlockSize(fsMetadataHdrSize)
}

func (m *FSMetadata) MaxSizeOnDisk() uint64 {
	return RoundToStoreBlockSize(fsMetadataHdrSize+fsOpsDataSize+m.table.MaxSizeOnDisk()) +
		RoundToStoreBlockSize(fsMetadataHdrSize)
}

// Save lays out header, ops, table, then footer at the next
// store-block-aligned offset, matching fs_metadata::save's layout exactly
// (including the footer placed so it can be read back independently).
func (m *FSMetadata) Save(w *MemoryWriter) {
	if !m.hdr.IsCurrent() || !m.ftr.IsCurrent() || m.hdr.createTime != m.ftr.createTime {
		panic("cache: fs metadata header/footer inconsistent at save time")
	}
	w.Write(m.hdr.marshal())
	w.Write(m.ops.marshal())
	m.table.Save(w)

	finalSize := m.SizeOnDisk()
	w.SetNextOffset(int64(finalSize - StoreBlockSize))
	w.Write(m.ftr.marshal())
	w.SetNextOffset(int64(finalSize))
}

// IncSyncSerial and DecSyncSerial bump the durable generation counter
// without marking the metadata dirty — sync_serial changes are themselves
// the unit of durability the A/B selection protocol relies on.
func (m *FSMetadata) IncSyncSerial() {
	m.hdr.incSyncSerial()
	m.ftr = m.hdr
}

func (m *FSMetadata) DecSyncSerial() {
	m.hdr.decSyncSerial()
	m.ftr = m.hdr
}

func (m *FSMetadata) IncWritePos(pos uint64) {
	m.ops.incWritePos(pos)
	m.isDirty = true
}

func (m *FSMetadata) WrapWritePos(initWritePos uint64) {
	m.ops.wrapWritePos(initWritePos)
	m.isDirty = true
}

func (m *FSMetadata) IsDirty() bool      { return m.isDirty }
func (m *FSMetadata) ClearDirty()        { m.isDirty = false }
func (m *FSMetadata) WritePos() uint64   { return m.ops.WritePos() }
func (m *FSMetadata) WriteLap() uint64   { return m.ops.WriteLap() }
func (m *FSMetadata) SyncSerial() uint64 { return m.hdr.SyncSerial() }
func (m *FSMetadata) UUID() uuid.UUID    { return m.hdr.UUID() }

// FindNode looks up the range vector tracking key's fragments.
func (m *FSMetadata) FindNode(key FSNodeKey) (*RangeVector, bool) {
	return m.table.FindNode(key)
}

// AddRange records a newly committed fragment.
func (m *FSMetadata) AddRange(key FSNodeKey, e RangeElem) (*RangeElem, bool) {
	return m.table.AddRange(key, e)
}

// RemTableEntry removes rng from key's range vector if found. Grounded on
// fs_metadata::rem_table_entry.
func (m *FSMetadata) RemTableEntry(key FSNodeKey, rng RangeElem) bool {
	return m.table.RemRange(key, rng)
}

// GetStats snapshots both the table and the cursor, matching
// fs_metadata::get_stats.
func (m *FSMetadata) GetStats() (StatsFSMD, StatsFSOps) {
	smd := StatsFSMD{
		CntEntries:         uint64(m.table.CntEntries()),
		CntNodes:           uint64(m.table.CntFSNodes()),
		CntRanges:          uint64(m.table.CntRanges()),
		MaxAllowedDataSize: m.table.MaxAllowedDataSize(),
		EntriesDataSize:    m.table.EntriesDataSize(),
	}
	smd.CurrDataSize = FSTableDataSize(smd.CntNodes, smd.CntRanges)
	sops := StatsFSOps{WritePos: m.ops.WritePos(), WriteLap: m.ops.WriteLap()}
	return smd, sops
}

// Load selects the fresher of the two durable metadata copies and loads it
// fully, matching fs_metadata::load's two-phase
// (check-headers-then-load-full) protocol. It returns which of the two
// slots (0 for A, 1 for B) was selected, so the caller can resume syncing
// from the correct "other" copy instead of always assuming A.
func (m *FSMetadata) Load(r DiskReader) (int, bool) {
	idx, ok := m.loadCheckMetadataHdrFtr(r)
	if !ok {
		return 0, false
	}
	if !m.loadFullMetadata(r, idx) {
		return 0, false
	}
	return idx, true
}

func (m *FSMetadata) loadCheckMetadataHdrFtr(r DiskReader) (int, bool) {
	offsHdrA := uint64(0)
	offsHdrB := m.MaxSizeOnDisk()

	getFtrOffs := func() (uint64, bool) {
		ops := make([]byte, fsOpsDataSize)
		if err := r.Read(ops); err != nil {
			return 0, false
		}
		// The table header alone (magic + data size + count) is enough to
		// compute the footer offset without decoding every entry, mirroring
		// fs_table::load(reader, hdr, err_info) in the original.
		hdrBuf := make([]byte, fsTableHdrSize)
		if err := r.Read(hdrBuf); err != nil {
			return 0, false
		}
		if binary.LittleEndian.Uint32(hdrBuf[0:4]) != fsTableMagic {
			return 0, false
		}
		tableDataSize := binary.LittleEndian.Uint64(hdrBuf[4:12])
		return RoundToStoreBlockSize(fsMetadataHdrSize+fsOpsDataSize+fsTableHdrSize+tableDataSize), true
	}

	var hdrA, hdrB, ftrA, ftrB FSMetadataHdr
	if err := r.SetNextOffset(offsHdrA); err != nil {
		return 0, false
	}
	hb := make([]byte, fsMetadataHdrSize)
	if err := r.Read(hb); err != nil {
		return 0, false
	}
	if err := hdrA.unmarshal(hb); err != nil {
		return 0, false
	}
	offs, ok := getFtrOffs()
	if !ok {
		return 0, false
	}
	if err := r.SetNextOffset(offsHdrA + offs); err != nil {
		return 0, false
	}
	fb := make([]byte, fsMetadataHdrSize)
	if err := r.Read(fb); err != nil {
		return 0, false
	}
	if err := ftrA.unmarshal(fb); err != nil {
		return 0, false
	}

	if err := r.SetNextOffset(offsHdrB); err != nil {
		return 0, false
	}
	if err := r.Read(hb); err != nil {
		return 0, false
	}
	if err := hdrB.unmarshal(hb); err != nil {
		return 0, false
	}
	offs, ok = getFtrOffs()
	if !ok {
		return 0, false
	}
	if err := r.SetNextOffset(offsHdrB + offs); err != nil {
		return 0, false
	}
	if err := r.Read(fb); err != nil {
		return 0, false
	}
	if err := ftrB.unmarshal(fb); err != nil {
		return 0, false
	}

	if !hdrA.IsCurrent() || !ftrA.IsCurrent() || !hdrB.IsCurrent() || !ftrB.IsCurrent() ||
		hdrA.uuid != ftrA.uuid || hdrB.uuid != ftrB.uuid {
		return 0, false
	}

	if hdrA.syncSerial == ftrA.syncSerial &&
		(hdrA.syncSerial >= hdrB.syncSerial || hdrB.syncSerial != ftrB.syncSerial) {
		return 0, true // use the A copy
	}
	if hdrB.syncSerial == ftrB.syncSerial {
		return 1, true // use the B copy
	}
	return 0, false
}

func (m *FSMetadata) loadFullMetadata(r DiskReader, metadataIdx int) bool {
	mdOffs := uint64(metadataIdx) * m.MaxSizeOnDisk()

	var hdr, ftr FSMetadataHdr
	var ops FSOpsData
	// The budget (maxAllowedDataSize) was already computed from the real
	// volume geometry when m.table was constructed; Load only replaces the
	// node map, so that budget carries over unchanged across a reload.
	tbl := &FSTable{nodes: make(map[FSNodeKey]*RangeVector), maxAllowedDataSize: m.table.maxAllowedDataSize, avgObjSize: m.table.avgObjSize}

	if err := r.SetNextOffset(mdOffs); err != nil {
		return false
	}
	hb := make([]byte, fsMetadataHdrSize)
	if err := r.Read(hb); err != nil {
		return false
	}
	if err := hdr.unmarshal(hb); err != nil {
		return false
	}
	ob := make([]byte, fsOpsDataSize)
	if err := r.Read(ob); err != nil {
		return false
	}
	if err := ops.unmarshal(ob); err != nil {
		return false
	}

	// The table's serialized size isn't known up front on the read path, so
	// the whole remaining metadata region up to MaxSizeOnDisk is buffered
	// and parsed via MemoryReader, mirroring the intent of disk_reader
	// (which streams) while working within VolumeFD's whole-block I/O
	// contract (see volumeio.go).
	region := make([]byte, m.MaxSizeOnDisk()-fsMetadataHdrSize-fsOpsDataSize)
	if err := r.Read(region); err != nil {
		return false
	}
	mr := NewMemoryReader(region)
	ok, _ := tbl.Load(mr)
	if !ok {
		return false
	}

	ftrOffs := RoundToStoreBlockSize(fsMetadataHdrSize + fsOpsDataSize + tbl.SizeOnDisk())
	if err := r.SetNextOffset(mdOffs + ftrOffs); err != nil {
		return false
	}
	fb := make([]byte, fsMetadataHdrSize)
	if err := r.Read(fb); err != nil {
		return false
	}
	if err := ftr.unmarshal(fb); err != nil {
		return false
	}

	if !hdr.IsCurrent() || !ftr.IsCurrent() || hdr.createTime != ftr.createTime {
		return false
	}

	m.hdr = hdr
	m.ops = ops
	m.table = tbl
	m.ftr = ftr
	return true
}
