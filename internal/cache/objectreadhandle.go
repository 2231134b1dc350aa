package cache

import (
	"sync"
	"sync/atomic"
)

// ReadHandler receives the outcome of one AsyncRead call: err is non-nil
// once the read is exhausted (EOF) or failed; n is the number of bytes
// copied into the caller's buffer this call.
type ReadHandler func(err error, n uint32)

// CloseHandler receives the outcome of an AsyncClose call.
type CloseHandler func(err error)

// objectReadHandleState mirrors object_read_handle::state.
type objectReadHandleState int32

const (
	orhRunning objectReadHandleState = iota
	orhClose
	orhClosed
	orhServiceStopped
)

// ObjectReadFSOps is the slice of cache_fs_ops an ObjectReadHandle needs.
// Grounded on the calls object_read_handle.cpp makes through fs_ops_.
type ObjectReadFSOps interface {
	VolPath() string
	AIOSPushReadQueue(t AIOTask)
	AIOSEnqueueReadQueue(t AIOTask)
	FSMDFindNextRangeElem(rtrans *ReadTransaction) (RangeElem, error)
	AggwTryReadFrag(key FSNodeKey, rng RangeElem, buff []byte) bool
	VMtxLockShared(offs uint64) bool
	VMtxUnlockShared()
	FSMDEndRead(rtrans ReadTransaction)
	CountMemMiss()
	ReportDiskError()
}

// ObjectReadHandle streams one previously opened object range off the
// cache, fragment by fragment, fulfilling each AsyncRead from whichever
// fragment is currently loaded (memory fast-path or disk fallback).
// Grounded on xproxy-beta/cache/object_read_handle.h/.cpp.
//
// The original's handler_buffers<...>/buffers scatter-gather types are
// collapsed to a plain []byte per call: this cache package has no
// network-buffer layer of its own to interoperate with, so the abstraction
// the original needed to bridge into asio's buffer sequences has no
// counterpart here.
type ObjectReadHandle struct {
	link AIOTaskLink

	fsOps ObjectReadFSOps

	userMu       sync.Mutex
	readBuf      []byte
	readHandler  ReadHandler
	closeHandler CloseHandler

	// Touched only from AIO read threads, and only ever from one at a time
	// (serializer enforces this), except for logging the object key, which
	// is immutable for the handle's lifetime.
	rtrans  ReadTransaction
	currRng RangeElem
	fragBuf []byte

	aioData AIOData

	state          int32 // objectReadHandleState, accessed atomically
	serializer     sync.Mutex
	volMutexLocked bool
}

// NewObjectReadHandle wraps an already-validated read transaction.
func NewObjectReadHandle(fsOps ObjectReadFSOps, rtrans ReadTransaction) *ObjectReadHandle {
	if !rtrans.Valid() {
		panic("cache: NewObjectReadHandle requires a valid read transaction")
	}
	return &ObjectReadHandle{fsOps: fsOps, rtrans: rtrans, currRng: MakeZeroRangeElem()}
}

// AsyncRead and AsyncClose must only ever be called from a single caller
// goroutine at a time (the handle's owner), matching the original's
// documented threading contract.
func (h *ObjectReadHandle) AsyncRead(buf []byte, handler ReadHandler) {
	h.userMu.Lock()
	h.readBuf = buf
	h.readHandler = handler
	h.userMu.Unlock()
	h.fsOps.AIOSPushReadQueue(h)
}

func (h *ObjectReadHandle) AsyncClose(handler CloseHandler) {
	if atomic.CompareAndSwapInt32(&h.state, int32(orhRunning), int32(orhClose)) {
		h.userMu.Lock()
		h.closeHandler = handler
		h.userMu.Unlock()
		h.fsOps.AIOSEnqueueReadQueue(h)
		h.tryFireError(errOperationAborted)
	} else {
		h.tryFireError(errOperationAborted)
		handler(nil)
	}
}

// AsyncCloseNoHandler is AsyncClose's fire-and-forget counterpart: the
// caller doesn't need confirmation the close has completed, just that the
// handle stops delivering further reads.
func (h *ObjectReadHandle) AsyncCloseNoHandler() {
	if atomic.CompareAndSwapInt32(&h.state, int32(orhRunning), int32(orhClose)) {
		h.fsOps.AIOSEnqueueReadQueue(h)
	}
	h.tryFireError(errOperationAborted)
}

// --- AIOTask ---

func (h *ObjectReadHandle) Link() *AIOTaskLink { return &h.link }
func (h *ObjectReadHandle) Operation() AIOOp   { return AIORead }

func (h *ObjectReadHandle) Exec() {
	panic("cache: ObjectReadHandle.Exec must never be called, it only does I/O")
}

func (h *ObjectReadHandle) OnBeginIOOp() (*AIOData, bool) {
	if !h.serializer.TryLock() {
		// Another goroutine is already inside the begin/end critical
		// section (most likely a close racing a read); come back later.
		h.fsOps.AIOSEnqueueReadQueue(h)
		return nil, false
	}
	unlockHere := true
	defer func() {
		if unlockHere {
			h.serializer.Unlock()
		}
	}()

	switch objectReadHandleState(atomic.LoadInt32(&h.state)) {
	case orhRunning:
		for h.tryReadAllFromMemBuff() == readEndOfBuf {
			data, tryMem := h.beginIOOp()
			if data != nil {
				unlockHere = false
				return data, true
			}
			if !tryMem {
				break
			}
		}
		return nil, false
	case orhClose:
		h.readHandleDone()
		h.tryFireError(errOperationAborted)
		h.tryFireClosed(nil)
	case orhClosed:
		h.tryFireError(errInvalidHandle)
		h.tryFireClosed(nil)
	case orhServiceStopped:
	}
	return nil, false
}

// beginIOOp resolves the next fragment to read and either serves it from
// the aggregate writer's in-memory block or sets up a disk read.
func (h *ObjectReadHandle) beginIOOp() (data *AIOData, tryMem bool) {
	newRng, err := h.fsOps.FSMDFindNextRangeElem(&h.rtrans)
	if err != nil {
		h.readHandleDone()
		h.tryFireError(err)
		h.tryFireClosed(nil)
		return nil, false
	}

	alignedSize := ObjectFragSize(newRng.RngSize())
	if uint32(len(h.fragBuf)) < alignedSize {
		h.fragBuf = make([]byte, alignedSize)
	}
	h.currRng = newRng

	if newRng.InMemory() && h.fsOps.AggwTryReadFrag(h.rtrans.FSNodeKey(), newRng, h.fragBuf[:alignedSize]) {
		if !h.checkReadData() {
			h.readHandleDone()
			h.tryFireError(errCorruptedObjectData)
			h.tryFireClosed(nil)
			return nil, false
		}
		h.aioData = AIOData{}
		return nil, true
	}
	if !newRng.InMemory() {
		h.fsOps.CountMemMiss()
	}

	h.aioData = AIOData{Buf: h.fragBuf[:alignedSize], Offs: newRng.DiskOffset().ToBytes()}
	h.volMutexLocked = h.fsOps.VMtxLockShared(h.aioData.Offs)
	return &h.aioData, false
}

func (h *ObjectReadHandle) OnEndIOOp(err error) {
	defer h.serializer.Unlock()

	if h.volMutexLocked {
		h.fsOps.VMtxUnlockShared()
		h.volMutexLocked = false
	}

	if err != nil {
		h.readHandleDone()
		h.tryFireError(errDiskError)
		h.tryFireClosed(nil)
		h.fsOps.ReportDiskError()
		return
	}

	if !h.checkReadData() {
		h.readHandleDone()
		h.tryFireError(errCorruptedObjectData)
		h.tryFireClosed(nil)
		return
	}

	if res := h.tryReadAllFromMemBuff(); res != readEndOfBuf {
		return
	}
	if objectReadHandleState(atomic.LoadInt32(&h.state)) == orhRunning {
		h.fsOps.AIOSEnqueueReadQueue(h)
	}
}

func (h *ObjectReadHandle) ServiceStopped() {
	atomic.StoreInt32(&h.state, int32(orhServiceStopped))
	h.tryFireError(errServiceStopped)
	h.tryFireClosed(errServiceStopped)
}

// --- helpers ---

type readResult int

const (
	readAllRead readResult = iota
	readEndOfBuf
	readAborted
)

// CalcCopyRng returns the (skip, size) pair describing which slice of
// rng's fragment payload should be copied to satisfy rtrans's current
// position: skip bytes into the fragment, size bytes to copy. Exported
// because its edge cases (transaction offset ahead of the fragment's
// start, when a previous call left data unread) are exactly the cases
// worth a dedicated table test.
func CalcCopyRng(rtrans ReadTransaction, rng RangeElem) (skip, size uint32) {
	rngOffs := rng.RngOffset()
	trnOffs := rtrans.CurrOffset()
	rngEnd := rng.RngEndOffset()
	trnEnd := rtrans.EndOffset()
	if trnOffs < rngOffs || trnOffs > rngEnd {
		panic("cache: read transaction offset outside the current range element")
	}
	skip = uint32(trnOffs - rngOffs)
	beg := trnOffs
	if rngOffs > beg {
		beg = rngOffs
	}
	end := trnEnd
	if rngEnd < end {
		end = rngEnd
	}
	if end <= beg {
		return skip, 0
	}
	return skip, uint32(end - beg)
}

func (h *ObjectReadHandle) tryReadAllFromMemBuff() readResult {
	if h.fragBuf == nil {
		return readEndOfBuf
	}
	if h.rtrans.CurrOffset() >= h.currRng.RngEndOffset() {
		return readEndOfBuf
	}

	h.userMu.Lock()
	buf, handler := h.readBuf, h.readHandler
	h.readBuf, h.readHandler = nil, nil
	h.userMu.Unlock()
	if handler == nil {
		h.tryFireClosed(nil)
		return readAborted
	}

	skip, size := CalcCopyRng(h.rtrans, h.currRng)
	fragData := h.fragBuf[ObjectFragHdrSize:]
	copied := copy(buf, fragData[skip:skip+size])
	h.rtrans.AddRead(uint64(copied))

	full := copied == len(buf)
	fin := h.rtrans.Finished()
	if !full && !fin {
		h.userMu.Lock()
		h.readBuf, h.readHandler = buf, handler
		h.userMu.Unlock()
		return readEndOfBuf
	}

	var reportErr error
	if fin {
		reportErr = errEOF
		h.readHandleDone()
	}
	handler(reportErr, uint32(copied))
	if fin {
		h.tryFireClosed(nil)
	}
	return readAllRead
}

func (h *ObjectReadHandle) checkReadData() bool {
	var hdr FragHdr
	if err := hdr.UnmarshalBinary(h.fragBuf[:ObjectFragHdrSize]); err != nil {
		return false
	}
	expHdr := MakeFragHdr(h.rtrans.FSNodeKey(), h.currRng)
	return hdr.Equal(expHdr)
}

func (h *ObjectReadHandle) readHandleDone() {
	h.fsOps.FSMDEndRead(h.rtrans)
	h.rtrans.Invalidate()
	atomic.StoreInt32(&h.state, int32(orhClosed))
}

func (h *ObjectReadHandle) tryFireError(err error) {
	h.userMu.Lock()
	handler := h.readHandler
	h.readBuf, h.readHandler = nil, nil
	h.userMu.Unlock()
	if handler != nil {
		handler(err, 0)
	}
}

func (h *ObjectReadHandle) tryFireClosed(err error) {
	h.userMu.Lock()
	handler := h.closeHandler
	h.closeHandler = nil
	h.userMu.Unlock()
	if handler != nil {
		handler(err)
	}
}
