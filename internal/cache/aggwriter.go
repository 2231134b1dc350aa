package cache

import (
	"fmt"
	"sync"
)

// aggWriterState enumerates the states of the aggregate writer's disk-I/O
// cycle. Grounded on xproxy-beta/cache/agg_writer.cpp's boost::sml
// transition table (namespace awsm), reproduced here as an explicit tagged
// enum per Design Note 9 in place of a generated state-machine library.
type aggWriterState int

const (
	awBegin aggWriterState = iota
	awAsyncMDRead1
	awAsyncMDRead2
	awAsyncEvac1
	awAsyncEvac2
	awWaitNext
	awWaitWrite
	awAsyncFlush1
	awAsyncFlush2
	awLastFlush
	awDone
)

func (s aggWriterState) String() string {
	switch s {
	case awBegin:
		return "begin"
	case awAsyncMDRead1:
		return "async_md_read1"
	case awAsyncMDRead2:
		return "async_md_read2"
	case awAsyncEvac1:
		return "async_evac1"
	case awAsyncEvac2:
		return "async_evac2"
	case awWaitNext:
		return "wait_next"
	case awWaitWrite:
		return "wait_write"
	case awAsyncFlush1:
		return "async_flush1"
	case awAsyncFlush2:
		return "async_flush2"
	case awLastFlush:
		return "wait_last_flush"
	case awDone:
		return "done"
	default:
		return "unknown"
	}
}

// WritePosInfo reports the write cursor after a metadata commit, mirroring
// the { write_pos_, write_lap_ } pair cache_fs_ops hands back from
// fsmd_commit_disk_write / fsmd_fin_flush_commit.
type WritePosInfo struct {
	WritePos uint64
	WriteLap uint64
}

// CacheFSOps is the slice of cache_fs_ops the aggregate writer needs: disk
// error reporting, AIO queue access, and fs_metadata mutation. Declared
// here, by the consumer, rather than in cachefsops.go, following the usual
// Go convention of small consumer-side interfaces; cachefsops.go implements
// it alongside the rest of the façade.
type CacheFSOps interface {
	VolPath() string
	AIOSPushFrontWriteQueue(t AIOTask)
	VMtxWaitDiskReaders()
	ReportDiskError()

	FSMDRemNonEvacFrags(entries []AggMetaEntry, afterPos VolumeBlocks, dataSize VolumeBlocks) []AggMetaEntry
	FSMDAddEvacFragment(key FSNodeKey, rng Range, frag []byte, writePos VolumeBlocks, wb *AggWriteBlock) bool
	FSMDAddNewFragment(key FSNodeKey, rng Range, frag []byte, writePos VolumeBlocks, wb *AggWriteBlock) bool
	FSMDCommitDiskWrite(writePos VolumeBlocks, finished []WriteTransaction, wb *AggWriteBlock) WritePosInfo
	FSMDFinFlushCommit(writePos VolumeBlocks, finished []WriteTransaction, wb *AggWriteBlock)
}

// AggWriterStats mirrors agg_writer::stats; get with AggWriter.GetStats.
type AggWriterStats struct {
	WrittenMetaSize       uint64
	WastedMetaSize        uint64
	WrittenDataSize       uint64
	WastedDataSize        uint64
	CntBlockMetaReadOK    uint64
	CntBlockMetaReadErr   uint64
	CntEvacEntriesChecked uint64
	CntEvacEntriesTodo    uint64
	CntEvacEntriesOK      uint64
	CntEvacEntriesErr     uint64
}

type pendingWrite struct {
	buff  *FragWriteBuff
	trans WriteTransaction
}

// AggWriter batches incoming object fragments into one 4 KiB-metadata + 4
// MiB-data block at a time and cycles through the volume's write area.
// Grounded on xproxy-beta/cache/agg_writer.h/.cpp. It implements AIOTask so
// an AIOService worker thread drives its disk I/O.
type AggWriter struct {
	link AIOTaskLink

	fsOps CacheFSOps

	mu         sync.Mutex
	state      aggWriterState
	deferFlush bool

	writeBlock *AggWriteBlock

	evacMeta   *AggWriteMeta
	evacFrag   []byte
	pend       pendingWrite
	writePos   VolumeBlocks
	isFirstLap bool

	finishedTrans []WriteTransaction

	stats AggWriterStats

	aioData AIOData
	aioOp   AIOOp
}

// NewAggWriter constructs a writer positioned at writePos, on lap writeLap
// of the circular write cursor.
func NewAggWriter(writePos VolumeBlocks, writeLap uint64) *AggWriter {
	return &AggWriter{
		state:      awBegin,
		writeBlock: NewAggWriteBlock(),
		evacMeta:   NewAggWriteMeta(AggWriteMetaSize),
		writePos:   writePos,
		isFirstLap: writeLap == 0,
	}
}

// Start attaches the writer to its owning cache_fs_ops and kicks off the
// first md-read (or, on the cache's very first lap, skips straight to
// accepting writes).
func (w *AggWriter) Start(fsOps CacheFSOps) {
	w.fsOps = fsOps
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stepDoNext()
}

// StopFlush drains the writer's in-progress block to disk and parks it in
// its terminal state. Must only be called once every AIOService worker for
// this volume has stopped.
func (w *AggWriter) StopFlush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != awBegin && w.state != awWaitNext && w.state != awWaitWrite {
		panic(fmt.Sprintf("cache: StopFlush called from state %s", w.state))
	}
	w.fsOps.VMtxWaitDiskReaders()
	w.fsOps.FSMDFinFlushCommit(w.writePos, w.finishedTrans, w.writeBlock)
	w.state = awDone
}

// Write tries to add wbuf's bytes to the current block under wtrans. It
// returns false (without consuming wbuf) if the block is out of space, in
// which case the caller must retry after the writer has flushed.
func (w *AggWriter) Write(wbuf *FragWriteBuff, wtrans *WriteTransaction) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != awWaitWrite {
		panic(fmt.Sprintf("cache: Write called from state %s", w.state))
	}
	ok := w.doWriteImpl(wtrans, wbuf, false)
	if !ok {
		w.deferFlush = true
	}
	w.processDeferred()
	return ok
}

// FinalWrite is Write's counterpart for the last chunk of an object: it
// always consumes wbuf, parking it as pending data for a later pass if the
// block has no room right now.
func (w *AggWriter) FinalWrite(wbuf *FragWriteBuff, wtrans WriteTransaction) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != awWaitWrite {
		panic(fmt.Sprintf("cache: FinalWrite called from state %s", w.state))
	}
	if wbuf.Size() < ObjectFragMinDataSize || w.doWriteImpl(&wtrans, wbuf, true) {
		w.finishedTrans = append(w.finishedTrans, wtrans)
	} else {
		w.pend = pendingWrite{buff: wbuf, trans: wtrans}
		w.deferFlush = true
	}
	w.processDeferred()
}

func (w *AggWriter) GetStats() AggWriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *AggWriter) WriteBlock() *AggWriteBlock { return w.writeBlock }

// --- AIOTask ---

func (w *AggWriter) Link() *AIOTaskLink { return &w.link }

func (w *AggWriter) Operation() AIOOp {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.aioOp
}

// Exec is never used: the writer only ever performs read/write AIO
// operations, matching the original's X3ME_ASSERT(false) in agg_writer::exec.
func (w *AggWriter) Exec() {
	panic("cache: AggWriter.Exec must never be called, it only does I/O")
}

func (w *AggWriter) OnBeginIOOp() (*AIOData, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stepIOBegin()
	if w.aioOp == AIOWrite {
		// Ensures no reader is mid-flight into the disk area about to be
		// overwritten; this block was already evacuated of anything with
		// readers before we got here.
		w.fsOps.VMtxWaitDiskReaders()
	}
	return &w.aioData, true
}

func (w *AggWriter) OnEndIOOp(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stepIODone(err)
	w.processDeferred()
	w.stepDoNext()
	w.processDeferred()
}

func (w *AggWriter) ServiceStopped() {}

// --- state machine ---

func (w *AggWriter) processDeferred() {
	if w.deferFlush {
		w.deferFlush = false
		w.stepAsyncFlush()
	}
}

// stepDoNext handles the ev_do_next transitions: begin->[write_pend|md
// read], wait_next->[evac|write_pend].
func (w *AggWriter) stepDoNext() {
	switch w.state {
	case awBegin:
		if w.isFirstLap {
			w.writePendData()
			w.state = awWaitWrite
		} else {
			w.aioOp = AIORead
			w.fsOps.AIOSPushFrontWriteQueue(w)
			w.state = awAsyncMDRead1
		}
	case awWaitNext:
		if !w.evacMeta.Empty() {
			w.aioOp = AIORead
			w.fsOps.AIOSPushFrontWriteQueue(w)
			w.state = awAsyncEvac1
		} else {
			w.writePendData()
			w.state = awWaitWrite
		}
	default:
		panic(fmt.Sprintf("cache: ev_do_next unexpected in state %s", w.state))
	}
}

func (w *AggWriter) stepIOBegin() {
	switch w.state {
	case awAsyncMDRead1:
		w.beginMDRead()
		w.state = awAsyncMDRead2
	case awAsyncEvac1:
		w.beginEvac()
		w.state = awAsyncEvac2
	case awAsyncFlush1:
		w.beginFlush()
		w.state = awAsyncFlush2
	default:
		panic(fmt.Sprintf("cache: ev_io_begin unexpected in state %s", w.state))
	}
}

func (w *AggWriter) stepIODone(err error) {
	switch w.state {
	case awAsyncMDRead2:
		w.onMDRead(err)
		w.state = awWaitNext
	case awAsyncEvac2:
		w.onEvacDone(err)
		w.state = awWaitNext
	case awAsyncFlush2:
		w.onFlushDone(err)
		w.state = awBegin
	default:
		panic(fmt.Sprintf("cache: ev_io_done unexpected in state %s", w.state))
	}
}

func (w *AggWriter) stepAsyncFlush() {
	if w.state != awWaitWrite {
		panic(fmt.Sprintf("cache: ev_do_async_flush unexpected in state %s", w.state))
	}
	w.aioOp = AIOWrite
	w.fsOps.AIOSPushFrontWriteQueue(w)
	w.state = awAsyncFlush1
}

// --- action handlers ---

func (w *AggWriter) beginMDRead() {
	buf := w.writeBlock.MetadataBuff()
	w.aioData = AIOData{Buf: buf, Offs: w.writePos.ToBytes()}
	w.aioOp = AIORead
}

func (w *AggWriter) onMDRead(err error) {
	if err != nil {
		w.stats.CntBlockMetaReadErr++
		w.fsOps.ReportDiskError()
		return
	}
	tmp := NewAggWriteMeta(AggWriteMetaSize)
	rdr := NewMemoryReader(w.aioData.Buf)
	if !tmp.Load(rdr) {
		w.stats.CntBlockMetaReadErr++
		return
	}
	w.stats.CntBlockMetaReadOK++
	fragsMeta := tmp.ReleaseEntries()
	w.stats.CntEvacEntriesChecked += uint64(len(fragsMeta))
	if len(fragsMeta) == 0 {
		return
	}
	inc := VolumeBlocksFromBytes(AggWriteMetaSize)
	sz := VolumeBlocksFromBytes(AggWriteDataSize)
	fragsMeta = w.fsOps.FSMDRemNonEvacFrags(fragsMeta, w.writePos+inc, sz)
	if len(fragsMeta) > 0 {
		w.stats.CntEvacEntriesTodo += uint64(len(fragsMeta))
		w.evacMeta.SetEntries(fragsMeta)
	}
}

func (w *AggWriter) beginEvac() {
	entries := w.evacMeta.Entries()
	entry := entries[0]
	sz := ObjectFragSize(entry.Rng.RngSize())
	offs := entry.Rng.DiskOffset().ToBytes()

	if w.evacFrag == nil {
		w.evacFrag = make([]byte, ObjectFragSize(ObjectFragMaxDataSize))
	}
	w.aioData = AIOData{Buf: w.evacFrag[:sz], Offs: offs}
	w.aioOp = AIORead
}

func (w *AggWriter) onEvacDone(err error) {
	entries := w.evacMeta.Entries()
	e := entries[0]
	if err != nil {
		w.stats.CntEvacEntriesErr++
		w.fsOps.ReportDiskError()
	} else {
		var hdr FragHdr
		if uerr := hdr.UnmarshalBinary(w.aioData.Buf[:ObjectFragHdrSize]); uerr == nil {
			expHdr := MakeFragHdr(e.Key, e.Rng)
			if hdr.Equal(expHdr) {
				w.stats.CntEvacEntriesOK++
				rng := NewFragRange(e.Rng.RngOffset(), uint64(e.Rng.RngSize()))
				frag := w.aioData.Buf[ObjectFragHdrSize : ObjectFragHdrSize+rng.Len()]
				w.fsOps.FSMDAddEvacFragment(e.Key, rng, frag, w.writePos, w.writeBlock)
			} else {
				w.stats.CntEvacEntriesErr++
			}
		} else {
			w.stats.CntEvacEntriesErr++
		}
	}
	w.evacMeta.RemEntry(0)
	if w.evacMeta.Empty() {
		w.evacFrag = nil
	}
}

func (w *AggWriter) writePendData() {
	if w.pend.buff == nil || w.pend.buff.Empty() {
		return
	}
	if w.doWriteImpl(&w.pend.trans, w.pend.buff, true) {
		w.finishedTrans = append(w.finishedTrans, w.pend.trans)
		w.pend = pendingWrite{}
	} else {
		w.deferFlush = true
	}
}

func (w *AggWriter) doWriteImpl(wtrans *WriteTransaction, wbuf *FragWriteBuff, _ bool) bool {
	key := wtrans.FSNodeKey()
	rng := NewFragRange(wtrans.CurrOffset(), uint64(wbuf.Size()))
	ok := w.fsOps.FSMDAddNewFragment(key, rng, wbuf.Data(), w.writePos, w.writeBlock)
	if ok {
		wtrans.AddWritten(uint32(rng.Len()))
	}
	return ok
}

func (w *AggWriter) beginFlush() {
	var sts StatsFSWr
	block := w.writeBlock.BeginDiskWrite(&sts)

	w.stats.WrittenMetaSize += uint64(sts.WrittenMetaSize)
	w.stats.WastedMetaSize += uint64(sts.WastedMetaSize)
	w.stats.WrittenDataSize += uint64(sts.WrittenDataSize)
	w.stats.WastedDataSize += uint64(sts.WastedDataSize)

	w.aioData = AIOData{Buf: block, Offs: w.writePos.ToBytes()}
	w.aioOp = AIOWrite
}

func (w *AggWriter) onFlushDone(err error) {
	if err != nil {
		w.fsOps.ReportDiskError()
	}
	info := w.fsOps.FSMDCommitDiskWrite(w.writePos, w.finishedTrans, w.writeBlock)
	w.finishedTrans = w.finishedTrans[:0]
	w.writePos = VolumeBlocksFromBytes(info.WritePos)
	w.isFirstLap = info.WriteLap == 0
}
