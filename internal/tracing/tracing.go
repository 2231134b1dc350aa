// Package tracing provides the injected event sink that replaces a global
// logger throughout internal/cache and internal/cachemgr. It is adapted
// from the teacher's own Chrome-trace-format event recorder: same wire
// format (a JSON array of trace events, loadable in chrome://tracing), but
// handed around as a value instead of reached through package-level state,
// so a volume's disk events and the manager's lifecycle events can be
// told apart by caller-supplied Pid/Tid instead of a single shared sink.
package tracing

import (
	"encoding/json"
	"io"
	"io/ioutil"
	"sync"
	"time"
)

var start = time.Now()

// Sink records named events as a Chrome trace event file. The zero Sink
// discards everything, so a *Sink can always be passed around even when
// nothing asked for tracing.
type Sink struct {
	mu     sync.Mutex
	w      io.Writer
	opened bool
}

// NewSink starts writing Chrome trace events into w. The matching closing
// bracket of the JSON array is optional and intentionally never written, the
// same shortcut the teacher's sink takes.
func NewSink(w io.Writer) *Sink {
	s := &Sink{w: w, opened: true}
	w.Write([]byte{'['})
	return s
}

// Discard is a Sink that drops every event, for callers that don't want
// tracing (the default for FSOperations/CacheFS when cmd/cached isn't
// given a -ctracefile).
var Discard = &Sink{w: ioutil.Discard}

// Event begins a named, timed event tagged with pid/tid (the volume path
// hash and goroutine-ish role, in this package's usage — there's no real
// OS thread id to report). Call Done on the result once the operation it
// covers has finished.
func (s *Sink) Event(name string, pid, tid uint64) *PendingEvent {
	return &PendingEvent{
		sink:           s,
		Name:           name,
		Type:           "X",
		ClockTimestamp: uint64(time.Since(start) / time.Microsecond),
		Pid:            pid,
		Tid:            tid,
		begin:          time.Now(),
	}
}

// Counter records an instantaneous counter sample (e.g. a stats snapshot),
// distinct from Event's begin/end duration events.
func (s *Sink) Counter(name string, pid uint64, args interface{}) {
	ev := PendingEvent{
		sink:           s,
		Name:           name,
		Type:           "C",
		ClockTimestamp: uint64(time.Since(start) / time.Microsecond),
		Pid:            pid,
		Args:           args,
	}
	ev.write()
}

// PendingEvent is a single in-flight Event awaiting Done.
type PendingEvent struct {
	Name           string      `json:"name"`
	Type           string      `json:"ph"`
	ClockTimestamp uint64      `json:"ts"`
	Duration       uint64      `json:"dur,omitempty"`
	Pid            uint64      `json:"pid"`
	Tid            uint64      `json:"tid"`
	Args           interface{} `json:"args,omitempty"`

	sink  *Sink
	begin time.Time
}

// Done closes out the event, recording how long it took since Event.
func (e *PendingEvent) Done() {
	e.Duration = uint64(time.Since(e.begin) / time.Microsecond)
	e.write()
}

func (e *PendingEvent) write() {
	if e.sink == nil || e.sink.w == nil {
		return
	}
	b, err := json.Marshal(e)
	if err != nil {
		return
	}
	e.sink.mu.Lock()
	defer e.sink.mu.Unlock()
	e.sink.w.Write(append(b, ','))
}
