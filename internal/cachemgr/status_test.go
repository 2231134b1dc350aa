package cachemgr

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/epenchev/cache-work-sub002/internal/cache"
)

func TestNewVolumeStatusFlattensStats(t *testing.T) {
	id := uuid.New()
	sfs := cache.StatsFS{
		Path: "/dev/sdb",
		UUID: id,
		MD:   cache.StatsFSMD{CntEntries: 42},
		Ops:  cache.StatsFSOps{WritePos: 1024, WriteLap: 3},
	}
	sint := cache.StatsInternal{
		Path:                   "/dev/sdb",
		CntReadFragMemHit:      7,
		CntReadFragMemMiss:     2,
		CntFragMetaAddOK:       5,
		CntFragMetaAddSkipped:  1,
		CntFragMetaAddLimit:    0,
		CntFragMetaAddOverlaps: 1,
		CntBeginWriteOK:        9,
		CntBeginWriteFail:      0,
	}

	got := newVolumeStatus(sfs, sint)
	want := volumeStatus{
		Path: "/dev/sdb",
		UUID: id.String(),
		Stats: volumeStatsView{
			CntEntries:     42,
			WritePos:       1024,
			WriteLap:       3,
			MemHits:        7,
			MemMisses:      2,
			AddOK:          5,
			AddSkipped:     1,
			AddOverLimit:   0,
			AddOverlaps:    1,
			BeginWriteOK:   9,
			BeginWriteFail: 0,
		},
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("newVolumeStatus mismatch (-want +got):\n%s", diff)
	}
}
