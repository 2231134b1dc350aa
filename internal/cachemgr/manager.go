// Package cachemgr shards incoming cache_key requests across a set of
// volumes and owns their shared lifecycle: parallel start-up, periodic
// metadata sync, and bad-volume retirement. Grounded on
// xproxy-beta/cache/cache_mgr.h/.cpp (C12 in spec.md's component table).
package cachemgr

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/epenchev/cache-work-sub002/internal/cache"
	"github.com/epenchev/cache-work-sub002/internal/config"
	"github.com/epenchev/cache-work-sub002/internal/tracing"
)

// metadataSyncPeriod is cache_mgr::schedule_metadata_sync's fixed 20 minute
// timeout.
const metadataSyncPeriod = 20 * time.Minute

// fsEntry pairs an open volume with the stable sort key (its UUID) the
// manager rotates sync duty by. Grounded on detail::cache_fs_compare, which
// sorts by uuid() specifically because "there are cases where the same
// volume is assigned a different letter after unplug/plug, restart, etc."
type fsEntry struct {
	fs *cache.CacheFS
}

// Manager hashes each request's cache_key onto one of a sharded set of
// volumes, drives their periodic metadata sync, and retires any volume that
// reports too many disk errors. The volume set itself is held behind a
// copy-on-write pointer (cache_fs_.read_copy() / update() in the original)
// so request-path readers never block behind a sync or retirement.
type Manager struct {
	fsSet atomic.Pointer[[]fsEntry]

	tr *tracing.Sink

	// badFSCh serializes bad-FS retirement onto a single goroutine, the Go
	// equivalent of posting onto cache_mgr's dedicated control io_service:
	// it keeps concurrent on_fs_bad reports from racing on the volume set,
	// and frees whichever AIO goroutine observed the error to go back to
	// useful work.
	badFSCh chan *cache.CacheFS

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	statusPath string
}

// New returns an idle Manager. Call Start to load and open the configured
// volumes.
func New(tr *tracing.Sink) *Manager {
	if tr == nil {
		tr = tracing.Discard
	}
	m := &Manager{
		tr:      tr,
		badFSCh: make(chan *cache.CacheFS, 8),
		stopCh:  make(chan struct{}),
	}
	empty := []fsEntry{}
	m.fsSet.Store(&empty)
	return m
}

// SetStatusPath enables the periodic JSON status snapshot (see status.go),
// written after every full metadata-sync sweep to path via an atomic,
// gzip-compressed replace. An empty path (the default) disables the
// snapshot entirely.
func (m *Manager) SetStatusPath(path string) { m.statusPath = path }

// Start loads cfg's storage configuration file, opens every listed volume
// in parallel, and launches the manager's control loop: periodic metadata
// sync plus bad-FS retirement. If resetVolumes is set, Start only formats
// the listed volumes; none is opened and no control loop runs. Grounded on cache_mgr::start / init_reset / init_volumes_fs.
func (m *Manager) Start(cfg config.Config, resetVolumes bool) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	paths, err := config.LoadStorageCfg(cfg.StorageCfgPath)
	if err != nil {
		return err
	}
	return m.initVolumes(paths, cfg.MinAvgObjectSizeKB*1024, cfg.VolumeThreads, resetVolumes)
}

// initVolumes opens every path in parallel (cache_mgr::init_volumes_fs
// parallelizes precisely because each open does a blocking metadata read).
// If resetVolumes is set, InitResetVolume formats each path instead and the
// routing set is left empty: a reset run exists to prepare volumes, not to
// start serving from them.
func (m *Manager) initVolumes(paths []string, minAvgObjSize uint32, numThreads int, resetVolumes bool) error {
	fss := make([]*cache.CacheFS, len(paths))
	var g errgroup.Group
	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			if resetVolumes {
				return cache.InitResetVolume(p, minAvgObjSize)
			}
			fs, err := cache.OpenCacheFS(p, minAvgObjSize, numThreads, m.onFSBad)
			if err != nil {
				return err
			}
			fs.SetTracer(m.tr)
			fss[i] = fs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// Mirror init_volumes_fs: any single failure aborts start-up as a
		// whole rather than serving a partial volume set.
		for _, fs := range fss {
			if fs != nil {
				fs.Close(true)
			}
		}
		return xerrors.Errorf("cachemgr: failed to initialize one or more volumes: %w", err)
	}
	if resetVolumes {
		return nil
	}

	entries := make([]fsEntry, 0, len(fss))
	for _, fs := range fss {
		entries = append(entries, fsEntry{fs: fs})
	}
	sortByUUID(entries)
	m.fsSet.Store(&entries)

	m.wg.Add(1)
	go m.controlLoop()
	return nil
}

func sortByUUID(entries []fsEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].fs.UUID().String() < entries[j].fs.UUID().String()
	})
}

// Stop halts the control loop, then closes every volume in parallel (each
// may need to block on a final metadata flush), mirroring cache_mgr::stop.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	entries := *m.fsSet.Load()
	var wg sync.WaitGroup
	wg.Add(len(entries))
	for _, e := range entries {
		e := e
		go func() {
			defer wg.Done()
			e.fs.Close(false)
		}()
	}
	wg.Wait()

	empty := []fsEntry{}
	m.fsSet.Store(&empty)
}

// shardIndex picks which volume owns key, hashing its URL with FNV-1a
// (spec.md §4.10: "Hashes each request URL via FNV-style hashing onto the
// surviving volume set"), matching cache_key_to_fs_idx's "same url always
// goes to the same disk" property without boost::hash_range's exact bit
// pattern, which isn't reproducible outside Boost.
func shardIndex(url string, cnt int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(url))
	return int(h.Sum32() % uint32(cnt))
}

// AsyncOpenRead resolves ckey against the volume it hashes to, skipping the
// first skipBytes of its range. Grounded on cache_mgr::async_open_read.
func (m *Manager) AsyncOpenRead(ckey cache.CacheKey, skipBytes uint64, handler cache.OpenReadHandler) (*cache.ObjectOpenReadHandle, error) {
	entries := *m.fsSet.Load()
	if len(entries) == 0 {
		return nil, xerrors.Errorf("cachemgr: no volumes available")
	}
	objKey, ok := cache.NewObjectKeyFromCacheKey(ckey, skipBytes)
	if !ok {
		return nil, xerrors.Errorf("cachemgr: read not allowed for %s at skip %d", ckey, skipBytes)
	}
	fs := entries[shardIndex(ckey.URL, len(entries))].fs
	m.tr.Counter("open_read", 0, map[string]string{"vol": fs.VolPath(), "key": ckey.String()})
	return fs.AsyncOpenRead(objKey, handler), nil
}

// AsyncOpenWrite reserves ckey's range for writing on the volume it hashes
// to. We never skip bytes on write, matching cache_mgr::async_open_write's
// own "bytes64_t skip = 0" comment.
func (m *Manager) AsyncOpenWrite(ckey cache.CacheKey, truncate bool, handler cache.OpenWriteHandler) (*cache.ObjectOpenWriteHandle, error) {
	entries := *m.fsSet.Load()
	if len(entries) == 0 {
		return nil, xerrors.Errorf("cachemgr: no volumes available")
	}
	objKey, ok := cache.NewObjectKeyFromCacheKey(ckey, 0)
	if !ok {
		return nil, xerrors.Errorf("cachemgr: write not allowed for %s", ckey)
	}
	fs := entries[shardIndex(ckey.URL, len(entries))].fs
	m.tr.Counter("open_write", 0, map[string]string{"vol": fs.VolPath(), "key": ckey.String(), "truncate": fmt.Sprint(truncate)})
	return fs.AsyncOpenWrite(objKey, truncate, handler), nil
}

// GetStats and GetInternalStats snapshot every currently-routable volume,
// mirroring cache_mgr::get_stats / get_internal_stats.
func (m *Manager) GetStats() []cache.StatsFS {
	entries := *m.fsSet.Load()
	ret := make([]cache.StatsFS, 0, len(entries))
	for _, e := range entries {
		ret = append(ret, e.fs.GetStats())
	}
	return ret
}

func (m *Manager) GetInternalStats() []cache.StatsInternal {
	entries := *m.fsSet.Load()
	ret := make([]cache.StatsInternal, 0, len(entries))
	for _, e := range entries {
		ret = append(ret, e.fs.GetInternalStats())
	}
	return ret
}

// onFSBad is CacheFS's bad-volume callback: it's invoked from whichever AIO
// goroutine first pushed the volume's error count past its threshold, so it
// only ever hands off to badFSCh rather than touching the routing set
// itself, matching on_fs_bad's own "post onto the control io_service"
// rationale (serialize retirements, free the reporting thread immediately).
func (m *Manager) onFSBad(fs *cache.CacheFS) {
	select {
	case m.badFSCh <- fs:
	case <-m.stopCh:
	}
}

// retireFS removes fs from the routing set (a fresh copy-on-write swap, so
// any in-flight reader of the old set is unaffected) and closes it without
// a final sync, matching on_fs_bad_cb's "don't sync a bad filesystem".
func (m *Manager) retireFS(fs *cache.CacheFS) {
	old := *m.fsSet.Load()
	found := false
	next := make([]fsEntry, 0, len(old))
	for _, e := range old {
		if e.fs == fs {
			found = true
			continue
		}
		next = append(next, e)
	}
	if !found {
		return
	}
	m.fsSet.Store(&next)
	m.tr.Counter("retire_volume", 0, map[string]string{"vol": fs.VolPath()})
	fs.Close(true)
}

// controlLoop runs on its own goroutine for the manager's lifetime: it
// drains badFSCh (serializing retirements, the single place the routing set
// is ever mutated after start-up) and drives the periodic metadata sync
// sweep. Grounded on cache_mgr's single io_service thread, which multiplexes
// exactly these two event sources.
func (m *Manager) controlLoop() {
	defer m.wg.Done()

	tmr := time.NewTimer(metadataSyncPeriod)
	defer tmr.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case fs := <-m.badFSCh:
			m.retireFS(fs)
		case <-tmr.C:
			m.runMetadataSyncSweep()
			tmr.Reset(metadataSyncPeriod)
		}
	}
}

// runMetadataSyncSweep walks the UUID-sorted volume set once, syncing each
// volume's metadata in turn (cache_mgr::start_metadata_sync's recursive
// "sync one, schedule the next from its completion callback" chain,
// flattened into a single loop since nothing here needs async interleaving
// with request traffic - sync itself is what's asynchronous, not the
// sweep's own progression). A volume retired mid-sweep by a concurrent
// onFSBad report is simply absent from the next snapshot read, the same
// "UUID ordering survives an in-flight removal" property the original's
// lower_bound-based resume relies on.
func (m *Manager) runMetadataSyncSweep() {
	entries := *m.fsSet.Load()
	for _, e := range entries {
		done := make(chan struct{})
		e.fs.AsyncSyncMetadata(func(*cache.CacheFS) { close(done) })
		select {
		case <-done:
		case <-m.stopCh:
			return
		}
	}
	m.writeStatusSnapshot()
}
