package cachemgr

import (
	"encoding/json"
	"time"

	"github.com/google/renameio"
	"github.com/klauspost/pgzip"

	"github.com/epenchev/cache-work-sub002/internal/cache"
)

// statusSnapshot is the JSON document written to Manager.statusPath after
// every metadata-sync sweep: a point-in-time view of every routable
// volume's external and internal stats, for an operator or monitoring
// sidecar to read without going through the running process. There's no
// original source file behind this - it's the spec's own "cachemgr status
// snapshot" DOMAIN STACK entry for github.com/google/renameio and
// github.com/klauspost/pgzip, modelled on the teacher's own
// renameio.TempFile + pgzip.NewWriter pairing in cmd/distri/initrd.go
// (atomic overwrite of a compressed generated artifact).
type statusSnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Volumes     []volumeStatus `json:"volumes"`
}

type volumeStatus struct {
	Path  string          `json:"path"`
	UUID  string          `json:"uuid"`
	Stats volumeStatsView `json:"stats"`
}

// volumeStatsView flattens cache.StatsFS/StatsInternal into plain counters,
// so the on-disk shape doesn't depend on internal/cache's struct layout.
type volumeStatsView struct {
	CntEntries       uint64 `json:"cnt_entries"`
	WritePos         uint64 `json:"write_pos"`
	WriteLap         uint64 `json:"write_lap"`
	MemHits          uint64 `json:"mem_hits"`
	MemMisses        uint64 `json:"mem_misses"`
	AddOK            uint64 `json:"add_ok"`
	AddSkipped       uint64 `json:"add_skipped"`
	AddOverLimit     uint64 `json:"add_over_limit"`
	AddOverlaps      uint64 `json:"add_overlaps"`
	BeginWriteOK     uint64 `json:"begin_write_ok"`
	BeginWriteFail   uint64 `json:"begin_write_fail"`
}

// newVolumeStatus flattens one volume's cache.StatsFS/StatsInternal pair
// into the on-disk view, kept free of fsEntry/Manager so it can be exercised
// directly without opening a real volume.
func newVolumeStatus(sfs cache.StatsFS, sint cache.StatsInternal) volumeStatus {
	return volumeStatus{
		Path: sfs.Path,
		UUID: sfs.UUID.String(),
		Stats: volumeStatsView{
			CntEntries:     sfs.MD.CntEntries,
			WritePos:       sfs.Ops.WritePos,
			WriteLap:       sfs.Ops.WriteLap,
			MemHits:        sint.CntReadFragMemHit,
			MemMisses:      sint.CntReadFragMemMiss,
			AddOK:          sint.CntFragMetaAddOK,
			AddSkipped:     sint.CntFragMetaAddSkipped,
			AddOverLimit:   sint.CntFragMetaAddLimit,
			AddOverlaps:    sint.CntFragMetaAddOverlaps,
			BeginWriteOK:   sint.CntBeginWriteOK,
			BeginWriteFail: sint.CntBeginWriteFail,
		},
	}
}

// writeStatusSnapshot serializes every volume's current stats to JSON,
// gzips it with pgzip (the compression itself is the only thing pgzip
// buys here over compress/gzip - parallel blocks over a status file that
// can run large on a many-volume deployment), and atomically replaces
// Manager.statusPath via renameio so a concurrent reader never observes a
// partially-written file. A no-op if SetStatusPath was never called.
func (m *Manager) writeStatusSnapshot() {
	if m.statusPath == "" {
		return
	}
	snap := statusSnapshot{GeneratedAt: time.Now()}
	for _, e := range *m.fsSet.Load() {
		snap.Volumes = append(snap.Volumes, newVolumeStatus(e.fs.GetStats(), e.fs.GetInternalStats()))
	}

	t, err := renameio.TempFile("", m.statusPath)
	if err != nil {
		m.tr.Counter("status_snapshot_error", 0, err.Error())
		return
	}
	defer t.Cleanup()

	zw := pgzip.NewWriter(t)
	enc := json.NewEncoder(zw)
	if err := enc.Encode(snap); err != nil {
		m.tr.Counter("status_snapshot_error", 0, err.Error())
		return
	}
	if err := zw.Close(); err != nil {
		m.tr.Counter("status_snapshot_error", 0, err.Error())
		return
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		m.tr.Counter("status_snapshot_error", 0, err.Error())
	}
}
