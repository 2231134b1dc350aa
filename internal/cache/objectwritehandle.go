package cache

import (
	"sync"
	"sync/atomic"
)

// WriteHandler receives the outcome of one AsyncWrite call: n is the number
// of bytes out of buf this call has accepted (copied into the handle's
// pending fragment buffer or skipped as already-present padding); err is
// non-nil once the handle can't take any more data for this object.
type WriteHandler func(err error, n uint32)

// objectWriteHandleState mirrors object_write_handle::state.
type objectWriteHandleState int32

const (
	owhRunning objectWriteHandleState = iota
	owhClose
	owhClosed
	owhServiceStopped
)

// ObjectWriteFSOps is the slice of cache_fs_ops an ObjectWriteHandle needs.
// Grounded on the calls object_write_handle makes through fs_ops_: pushing
// itself onto the aggregate writer's task queue, and handing filled
// fragments to the aggregate writer itself.
type ObjectWriteFSOps interface {
	AIOSPushWriteQueue(t AIOTask)
	AIOSEnqueueWriteQueue(t AIOTask)
	// AggwWriteFrag hands buff to the aggregate writer. It returns false if
	// the writer has no room right now; buff and trans are left untouched
	// on a reject and the caller may try again later.
	AggwWriteFrag(buff *FragWriteBuff, trans *WriteTransaction) bool
	// AggwWriteFinalFrag always accepts buff, however full.
	AggwWriteFinalFrag(buff *FragWriteBuff, trans WriteTransaction)
}

// ObjectWriteHandle accepts a stream of user writes against one object
// write transaction and batches them into aggregate-writer-sized fragments.
// Grounded on xproxy-beta/cache/object_write_handle.h (no matching .cpp was
// retrieved; behavior here is grounded on
// tests/cache/object_write_handle_tests.cpp instead, read fixture by
// fixture to pin down the busy/close/service-stop edge cases).
//
// actualRng is the full object-level range the caller opened; wtrans's own
// range may be a subset of it (the cache already holds the bytes at the
// front and/or back, so only the middle needs to reach disk). Bytes outside
// wtrans's range are still accounted against actualRng (so AsyncWrite's
// byte count always adds up to the caller's own view of the object) but
// never reach the aggregate writer.
type ObjectWriteHandle struct {
	link AIOTaskLink

	fsOps ObjectWriteFSOps

	userMu      sync.Mutex
	pendBuf     []byte
	pendOff     int
	pendHandler WriteHandler

	// Touched only from the AIO write thread.
	wtrans         WriteTransaction
	wbuf           *FragWriteBuff
	processedBytes uint64
	actualRng      Range

	state int32 // objectWriteHandleState, accessed atomically
}

// NewObjectWriteHandle takes ownership of wtrans.
func NewObjectWriteHandle(fsOps ObjectWriteFSOps, actualRng Range, wtrans WriteTransaction) *ObjectWriteHandle {
	h := &ObjectWriteHandle{fsOps: fsOps, actualRng: actualRng, wtrans: wtrans}
	h.wbuf = h.allocateWBuff()
	return h
}

func (h *ObjectWriteHandle) allocateWBuff() *FragWriteBuff {
	cap := h.wtrans.RemainingBytes()
	if cap > ObjectFragMaxDataSize {
		cap = ObjectFragMaxDataSize
	}
	return NewFragWriteBuff(uint32(cap))
}

// AsyncWrite and AsyncClose must only ever be called from a single caller
// goroutine at a time, the handle's owner.
func (h *ObjectWriteHandle) AsyncWrite(buf []byte, handler WriteHandler) {
	h.userMu.Lock()
	h.pendBuf = buf
	h.pendOff = 0
	h.pendHandler = handler
	h.userMu.Unlock()
	h.fsOps.AIOSPushWriteQueue(h)
}

// AsyncClose triggers the final fragment flush. The user of this handle
// must not use it again afterwards. Unlike AsyncRead's close, there is no
// completion handler: the final write either lands or doesn't, and either
// way the handle is done with it.
func (h *ObjectWriteHandle) AsyncClose() {
	if atomic.CompareAndSwapInt32(&h.state, int32(owhRunning), int32(owhClose)) {
		h.fsOps.AIOSEnqueueWriteQueue(h)
	}
	h.tryFireAborted()
}

// --- AIOTask ---

func (h *ObjectWriteHandle) Link() *AIOTaskLink { return &h.link }
func (h *ObjectWriteHandle) Operation() AIOOp   { return AIOExec }

func (h *ObjectWriteHandle) Exec() {
	switch objectWriteHandleState(atomic.LoadInt32(&h.state)) {
	case owhRunning:
		h.tryWriteAll()
	case owhClose:
		h.fsOps.AggwWriteFinalFrag(h.wbuf, h.wtrans)
		atomic.StoreInt32(&h.state, int32(owhClosed))
	case owhClosed, owhServiceStopped:
	}
}

func (h *ObjectWriteHandle) OnBeginIOOp() (*AIOData, bool) {
	panic("cache: ObjectWriteHandle never performs positional IO, it only execs")
}

func (h *ObjectWriteHandle) OnEndIOOp(error) {
	panic("cache: ObjectWriteHandle never performs positional IO, it only execs")
}

func (h *ObjectWriteHandle) ServiceStopped() {
	atomic.StoreInt32(&h.state, int32(owhServiceStopped))
	h.tryFireError(errServiceStopped)
}

// --- helpers ---

// tryWriteAll drains as much of the pending user buffer as it can into the
// current fragment buffer, flushing to the aggregate writer each time it
// fills. It only blocks (re-enqueuing itself and leaving the handler
// unfired) when the writer rejects a full buffer and there is still data
// left in this call with nowhere else to go; a reject with nothing left to
// place just leaves the stuck buffer for the next write or the final flush
// to pick up.
func (h *ObjectWriteHandle) tryWriteAll() {
	h.userMu.Lock()
	buf, off, handler := h.pendBuf, h.pendOff, h.pendHandler
	h.userMu.Unlock()
	if handler == nil {
		return
	}

	if h.processedBytes >= h.actualRng.Len() {
		h.finishPending(errUnexpectedData, 0)
		return
	}

	total := len(buf)
	trnBeg := h.wtrans.GetRange().Beg()
	trnEnd := h.wtrans.GetRange().End()

	for off < total {
		absOffset := h.actualRng.Beg() + h.processedBytes
		available := uint64(total - off)

		switch {
		case absOffset < trnBeg:
			skip := trnBeg - absOffset
			if skip > available {
				skip = available
			}
			off += int(skip)
			h.processedBytes += skip

		case absOffset >= trnEnd:
			off = total
			h.processedBytes += available

		default:
			free := uint64(h.wbuf.Capacity() - h.wbuf.Size())
			n := available
			if rem := trnEnd - absOffset; rem < n {
				n = rem
			}
			if free < n {
				n = free
			}
			if n > 0 {
				copy(h.wbuf.Buff()[:n], buf[off:off+int(n)])
				h.wbuf.Commit(uint32(n))
				off += int(n)
				h.processedBytes += n
			}

			if !h.wbuf.Full() {
				continue
			}
			if h.fsOps.AggwWriteFrag(h.wbuf, &h.wtrans) {
				if h.wtrans.Finished() {
					h.wbuf.Clear()
				} else {
					h.wbuf = h.allocateWBuff()
				}
			} else if off < total {
				h.userMu.Lock()
				h.pendOff = off
				h.userMu.Unlock()
				h.fsOps.AIOSEnqueueWriteQueue(h)
				return
			}
		}
	}

	h.finishPending(nil, uint32(total))
}

func (h *ObjectWriteHandle) finishPending(err error, n uint32) {
	h.userMu.Lock()
	handler := h.pendHandler
	h.pendBuf, h.pendOff, h.pendHandler = nil, 0, nil
	h.userMu.Unlock()
	if handler != nil {
		handler(err, n)
	}
}

func (h *ObjectWriteHandle) tryFireAborted() { h.tryFireError(errOperationAborted) }

func (h *ObjectWriteHandle) tryFireError(err error) {
	h.userMu.Lock()
	handler := h.pendHandler
	h.pendBuf, h.pendOff, h.pendHandler = nil, 0, nil
	h.userMu.Unlock()
	if handler != nil {
		handler(err, 0)
	}
}
