package cache

// OpenReadHandler receives the outcome of an open-for-read request: a ready
// ObjectReadHandle, or an error (most commonly object_not_present, when the
// cache doesn't hold every range the caller asked for).
type OpenReadHandler func(err error, h *ObjectReadHandle)

// OpenWriteHandler is OpenReadHandler's write-path counterpart.
type OpenWriteHandler func(err error, h *ObjectWriteHandle)

// ObjectOpenFSOps is the slice of cache_fs_ops the open handles need: enough
// to resolve the open itself, plus everything the handle it hands back
// needs, since that handle is constructed with the very same fsOps.
// Grounded on xproxy-beta/cache/object_open_handle.h/.cpp.
type ObjectOpenFSOps interface {
	ObjectReadFSOps
	ObjectWriteFSOps

	AIOSCancelTaskReadQueue(t AIOTask) bool
	FSMDBeginRead(key ObjectKey) (ReadTransaction, bool)
	FSMDBeginWrite(key ObjectKey, truncate bool) (WriteTransaction, error)
}

// objectOpenHandle is the shared base of the read and write open handles:
// both resolve through exec (operation always AIOExec) and neither ever
// performs positional IO of its own.
type objectOpenHandle struct {
	link   AIOTaskLink
	fsOps  ObjectOpenFSOps
	objKey ObjectKey
}

func (h *objectOpenHandle) Link() *AIOTaskLink { return &h.link }
func (h *objectOpenHandle) Operation() AIOOp   { return AIOExec }

func (h *objectOpenHandle) OnBeginIOOp() (*AIOData, bool) {
	panic("cache: object open handles never perform positional IO")
}

func (h *objectOpenHandle) OnEndIOOp(error) {
	panic("cache: object open handles never perform positional IO")
}

// ObjectOpenReadHandle resolves a read_transaction against obj_key and,
// once resolved, hands the caller a running ObjectReadHandle.
type ObjectOpenReadHandle struct {
	objectOpenHandle
	handler OpenReadHandler
}

// OpenObjectForRead builds an open-read request and pushes it onto fsOps's
// read queue; handler fires exactly once, either with a ready read handle
// or with the reason the open couldn't be resolved.
func OpenObjectForRead(fsOps ObjectOpenFSOps, key ObjectKey, handler OpenReadHandler) *ObjectOpenReadHandle {
	h := &ObjectOpenReadHandle{
		objectOpenHandle: objectOpenHandle{fsOps: fsOps, objKey: key},
		handler:          handler,
	}
	fsOps.AIOSPushReadQueue(h)
	return h
}

func (h *ObjectOpenReadHandle) Exec() {
	if rtrans, ok := h.fsOps.FSMDBeginRead(h.objKey); ok {
		h.callHandler(nil, NewObjectReadHandle(h.fsOps, rtrans))
	} else {
		h.callHandler(errObjectNotPresent, nil)
	}
}

func (h *ObjectOpenReadHandle) ServiceStopped() {
	h.callHandler(errServiceStopped, nil)
}

// AsyncClose cancels the pending open if it hasn't already run. The caller
// must hold a reference to h across this call: a successful cancel is the
// only thing that fires the handler, so h must stay alive until then.
func (h *ObjectOpenReadHandle) AsyncClose() {
	if h.fsOps.AIOSCancelTaskReadQueue(h) {
		h.callHandler(errOperationAborted, nil)
	}
}

func (h *ObjectOpenReadHandle) callHandler(err error, orh *ObjectReadHandle) {
	handler := h.handler
	h.handler = nil
	if handler != nil {
		handler(err, orh)
	}
}

// ObjectOpenWriteHandle resolves a write_transaction against obj_key,
// optionally truncating any bytes the cache already holds for it first.
type ObjectOpenWriteHandle struct {
	objectOpenHandle
	handler  OpenWriteHandler
	truncate bool
}

func OpenObjectForWrite(fsOps ObjectOpenFSOps, key ObjectKey, truncate bool, handler OpenWriteHandler) *ObjectOpenWriteHandle {
	h := &ObjectOpenWriteHandle{
		objectOpenHandle: objectOpenHandle{fsOps: fsOps, objKey: key},
		handler:          handler,
		truncate:         truncate,
	}
	fsOps.AIOSPushReadQueue(h)
	return h
}

func (h *ObjectOpenWriteHandle) Exec() {
	wtrans, err := h.fsOps.FSMDBeginWrite(h.objKey, h.truncate)
	if err != nil {
		h.callHandler(err, nil)
		return
	}
	h.callHandler(nil, NewObjectWriteHandle(h.fsOps, h.objKey.GetRange(), wtrans))
}

func (h *ObjectOpenWriteHandle) ServiceStopped() {
	h.callHandler(errServiceStopped, nil)
}

func (h *ObjectOpenWriteHandle) AsyncClose() {
	if h.fsOps.AIOSCancelTaskReadQueue(h) {
		h.callHandler(errOperationAborted, nil)
	}
}

func (h *ObjectOpenWriteHandle) callHandler(err error, owh *ObjectWriteHandle) {
	handler := h.handler
	h.handler = nil
	if handler != nil {
		handler(err, owh)
	}
}
