package cache

import "container/list"

// AIOOp tags what an AIOTask wants the service's worker loop to do with it.
type AIOOp uint8

const (
	AIOExec AIOOp = iota
	AIORead
	AIOWrite
)

// AIOData describes one positional I/O to perform on behalf of a task.
// Grounded on xproxy-beta/cache/aio_data.h.
type AIOData struct {
	Buf  []byte
	Offs uint64
}

// AIOTask is implemented by anything that wants work done on an
// AIOService's queues: the aggregate writer's flush cycle, metadata sync,
// and object read/write handles. Grounded on xproxy-beta/cache/aio_task.h.
//
// The C++ original derives from an intrusive list hook and is managed
// through boost::intrusive_ptr (queue holds a strong ref while linked,
// service holds one for the duration of a running task). Go's garbage
// collector already owns object lifetime, so that scheme is dropped per
// Design Note 9; what remains load-bearing is the "don't enqueue the same
// task twice" invariant, which AIOTaskQueue now enforces through the Link
// each task embeds (see aiotaskqueue.go) instead of an intrusive hook.
type AIOTask interface {
	Operation() AIOOp
	Exec()
	// OnBeginIOOp returns the read/write description the worker should
	// perform, or ok=false if the task no longer wants the operation done.
	OnBeginIOOp() (data *AIOData, ok bool)
	OnEndIOOp(err error)
	ServiceStopped()
	Link() *AIOTaskLink
}

// AIOTaskLink is the embeddable queue-membership marker tasks carry instead
// of an intrusive list hook. Its zero value is "not queued". Only
// AIOTaskQueue ever touches elem, always under its own mutex.
type AIOTaskLink struct {
	elem *list.Element
}

func (l *AIOTaskLink) isLinked() bool { return l.elem != nil }
