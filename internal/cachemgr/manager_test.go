package cachemgr

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/epenchev/cache-work-sub002/internal/cache"
	"github.com/epenchev/cache-work-sub002/internal/config"
)

func TestShardIndexStableForSameURL(t *testing.T) {
	const cnt = 5
	want := shardIndex("http://example.com/same", cnt)
	for i := 0; i < 100; i++ {
		if got := shardIndex("http://example.com/same", cnt); got != want {
			t.Fatalf("shardIndex not stable across calls: got %d, want %d", got, want)
		}
	}
	for i := 0; i < cnt; i++ {
		if idx := shardIndex("http://example.com/same", cnt); idx < 0 || idx >= cnt {
			t.Fatalf("shardIndex out of range: %d", idx)
		}
	}
}

// newTestVolumeFiles creates n regular files sized like minimal volumes and
// a storage configuration file listing them, mirroring
// internal/cache's own newTestVolumeFile helper (a handful of filesystems,
// tmpfs among them, reject O_DIRECT on regular files, so callers skip the
// test when that happens instead of failing on an environment the test was
// never meant to run on).
func newTestVolumeFiles(t *testing.T, n int) string {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "volumes.list")
	f, err := os.Create(cfgPath)
	if err != nil {
		t.Fatalf("create storage cfg: %v", err)
	}
	defer f.Close()

	for i := 0; i < n; i++ {
		volPath := filepath.Join(dir, "vol"+string(rune('0'+i))+".img")
		vf, err := os.Create(volPath)
		if err != nil {
			t.Fatalf("create volume file: %v", err)
		}
		if err := vf.Truncate(cache.MinVolumeSize); err != nil {
			vf.Close()
			t.Fatalf("truncate volume file: %v", err)
		}
		vf.Close()
		if _, err := f.WriteString(volPath + "\n"); err != nil {
			t.Fatalf("write storage cfg: %v", err)
		}
	}
	return cfgPath
}

func skipIfNoDirectIO(t *testing.T, err error) {
	t.Helper()
	if err != nil && errors.Is(err, unix.EINVAL) {
		t.Skipf("O_DIRECT not supported on this filesystem: %v", err)
	}
}

func TestManagerStartStopAndReadMiss(t *testing.T) {
	cfgPath := newTestVolumeFiles(t, 2)
	cfg := config.Config{StorageCfgPath: cfgPath, VolumeThreads: 2, MinAvgObjectSizeKB: cache.MinObjSize / 1024}

	reset := New(nil)
	err := reset.Start(cfg, true /*resetVolumes*/)
	skipIfNoDirectIO(t, err)
	if err != nil {
		t.Fatalf("reset Start: %v", err)
	}

	mgr := New(nil)
	if err := mgr.Start(cfg, false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mgr.Stop()

	stats := mgr.GetStats()
	if len(stats) != 2 {
		t.Fatalf("GetStats returned %d volumes, want 2", len(stats))
	}
	if stats[0].UUID.String() >= stats[1].UUID.String() {
		t.Fatalf("volumes should be routable in UUID order: %s >= %s", stats[0].UUID, stats[1].UUID)
	}

	ckey := cache.CacheKey{URL: "http://example.com/missing", ObjFullLen: 64 * 1024, LastModified: 1}
	done := make(chan error, 1)
	h, err := mgr.AsyncOpenRead(ckey, 0, func(err error, rh *cache.ObjectReadHandle) {
		done <- err
	})
	if err != nil {
		t.Fatalf("AsyncOpenRead: %v", err)
	}
	_ = h
	if err := <-done; cache.KindOf(err) != cache.ErrObjectNotPresent {
		t.Fatalf("open-read on an empty cache should miss, got %v", err)
	}
}

func TestManagerStartFailsOnUnconfiguredVolumes(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "volumes.list")
	if err := os.WriteFile(cfgPath, []byte("#only comments\n"), 0644); err != nil {
		t.Fatalf("write storage cfg: %v", err)
	}
	cfg := config.Config{StorageCfgPath: cfgPath, VolumeThreads: 2, MinAvgObjectSizeKB: 64}

	mgr := New(nil)
	if err := mgr.Start(cfg, false); err == nil {
		t.Fatal("Start should fail when the storage cfg lists no volumes")
	}
}
