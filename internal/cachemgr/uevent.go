package cachemgr

import (
	"strings"

	"github.com/s-urbaniak/uevent"
)

// WatchUevents subscribes to the kernel's netlink uevent stream and retires
// any volume whose underlying block device reports a "remove" action,
// feeding it into the same badFSCh path a reported disk error would. This
// recovers a concern Design Note 9 calls out as an open question in the
// original ("preventing one bad volume from taking all volumes down" is
// still sticky hash-sharding, left as-is), but the narrower, already-solved
// half of it: cache_fs_compare's own comment explains the volume set is
// sorted by UUID rather than path "because there are cases where the same
// volume is assigned different letter after unplug/plug" - this watcher is
// what notices the unplug in the first place, instead of only discovering
// it on the next failed read/write.
//
// Grounded on the teacher's own uevent.NewReader/NewDecoder pairing in
// cmd/minitrd/minitrd.go (subscribing to kernel block uevents to react to
// new/removed devices); WatchUevents runs until Stop is called or the
// uevent connection itself fails.
func (m *Manager) WatchUevents() error {
	r, err := uevent.NewReader()
	if err != nil {
		return err
	}
	dec := uevent.NewDecoder(r)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer r.Close()
		for {
			ev, err := dec.Decode()
			if err != nil {
				m.tr.Counter("uevent_decode_error", 0, err.Error())
				return
			}
			if ev.Vars["SUBSYSTEM"] != "block" || ev.Action != "remove" {
				continue
			}
			devname := ev.Vars["DEVNAME"]
			if devname == "" {
				continue
			}
			m.retireByDeviceName(devname)
		}
	}()

	// Closing the reader is what unblocks dec.Decode() once Stop fires.
	go func() {
		<-m.stopCh
		r.Close()
	}()
	return nil
}

// retireByDeviceName posts every currently routed volume whose path refers
// to devname onto badFSCh, the same hand-off on_fs_bad uses. A volume path
// is matched by suffix since the kernel reports bare device names
// ("sdb", "nvme0n1") while the storage configuration file holds full
// "/dev/..." paths.
func (m *Manager) retireByDeviceName(devname string) {
	for _, e := range *m.fsSet.Load() {
		if strings.HasSuffix(e.fs.VolPath(), "/"+devname) {
			m.onFSBad(e.fs)
		}
	}
}
