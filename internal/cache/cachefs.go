package cache

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/epenchev/cache-work-sub002/internal/tracing"
)

// maxDiskErrorsBeforeBad is how many reported disk errors a volume tolerates
// before it's handed to OnFSBad. cache_fs.h's own comment on cnt_disk_errors_
// only says fatal disk errors are "very unlikely" to pile up; no concrete
// threshold came through in the retrieved source, so a small fixed count is
// pinned here instead of guessing at the original's.
const maxDiskErrorsBeforeBad = 8

// StatsFS is the externally visible per-volume snapshot returned by
// CacheFS.GetStats, combining the fingerprint table and write-cursor
// counters with the volume's own identity. Grounded on
// xproxy-beta/cache/cache_fs.h's stats_fs / get_stats.
type StatsFS struct {
	Path string
	UUID uuid.UUID
	MD   StatsFSMD
	Ops  StatsFSOps
}

// OnFSBad is invoked at most once per CacheFS, once it has accumulated
// enough disk errors that its owner should stop routing traffic to it.
// Grounded on cache_fs::on_fs_bad_cb_t.
type OnFSBad func(*CacheFS)

// CacheFS is one managed volume: its raw device, durable metadata,
// aggregate write buffer and AIO worker pool, wired together behind the
// open/close/stats surface internal/cachemgr drives. Grounded on
// xproxy-beta/cache/cache_fs.h; no matching cache_fs.cpp came through in
// the retrieved source, so the open/close/sync sequencing below follows the
// header's own method ordering, its doc comments, and fs_metadata.cpp's A/B
// durable-copy protocol rather than a line-for-line port.
type CacheFS struct {
	vol  *VolumeFD
	md   *FSMetadata
	ops  *FSOperations
	aggw *AggWriter
	aios *AIOService

	path          string
	id            uuid.UUID
	metaBase      uint64 // disk offset of metadata slot 0
	metaSlotSize  uint64 // store-block-aligned size of one metadata slot
	activeSlot    int    // which of the two slots is currently durable

	onFSBad OnFSBad

	cntDiskErrors uint32

	asyncSyncInProgress atomic.Bool

	closed bool

	tr *tracing.Sink
}

// SetTracer routes this volume's lifecycle events (open, sync, close,
// disk-error escalation) into sink instead of discarding them, and
// propagates the same sink down into the façade that does the actual disk
// I/O. Grounded on Design Note 9's "injected tracing interface" in place of
// the teacher's package-level logger.
func (c *CacheFS) SetTracer(sink *tracing.Sink) {
	c.tr = sink
	c.ops.SetTracer(sink)
}

// InitResetVolume formats path from scratch: two identical, empty copies of
// the metadata are written right after the skipped header region, leaving
// the remainder of the volume as the data area. It has no corresponding
// close and must only be run once, before a CacheFS ever opens the volume.
// Grounded on cache_fs::init_reset / init_reset_impl.
func InitResetVolume(path string, minAvgObjSize uint32) error {
	vol, err := OpenVolumeFD(path)
	if err != nil {
		return err
	}
	defer vol.Close()

	base := RoundToVolumeBlockSize(VolumeSkipBytes)
	if vol.Size() <= base {
		return fmt.Errorf("cache: volume %q is too small to hold even the skipped header region", path)
	}

	vi := NewVolumeInfo(vol.Size() - base)
	md := NewFSMetadata(vi, minAvgObjSize)
	slotSize := md.MaxSizeOnDisk()
	dataOffset := base + 2*slotSize

	md.CleanInit(dataOffset)

	w := NewMemoryWriter()
	md.Save(w)
	buf := w.Bytes()
	if uint64(len(buf)) > slotSize {
		return fmt.Errorf("cache: formatted metadata image (%d bytes) exceeds its slot (%d bytes)", len(buf), slotSize)
	}
	padded := make([]byte, slotSize)
	copy(padded, buf)

	if err := writeInChunks(vol, padded, base); err != nil {
		return err
	}
	return writeInChunks(vol, padded, base+slotSize)
}

// writeInChunks writes buf to vol at offs in MetadataSyncChunkSize pieces,
// matching the teacher's own preference for bounded-size I/O calls over a
// single huge unbuffered write.
func writeInChunks(vol *VolumeFD, buf []byte, offs uint64) error {
	for len(buf) > 0 {
		n := uint64(len(buf))
		if n > MetadataSyncChunkSize {
			n = MetadataSyncChunkSize
		}
		if err := vol.WriteAt(buf[:n], offs); err != nil {
			return err
		}
		buf = buf[n:]
		offs += n
	}
	return nil
}

// OpenCacheFS opens an already-formatted volume (see InitResetVolume),
// starts its AIO worker pool and its aggregate writer, and returns a ready
// CacheFS. Grounded on cache_fs::init.
func OpenCacheFS(path string, minAvgObjSize uint32, numThreads int, onFSBad OnFSBad) (*CacheFS, error) {
	vol, err := OpenVolumeFD(path)
	if err != nil {
		return nil, err
	}

	base := RoundToVolumeBlockSize(VolumeSkipBytes)
	if vol.Size() <= base {
		vol.Close()
		return nil, fmt.Errorf("cache: volume %q is too small to hold even the skipped header region", path)
	}

	vi := NewVolumeInfo(vol.Size() - base)
	md := NewFSMetadata(vi, minAvgObjSize)
	slotSize := md.MaxSizeOnDisk()

	activeSlot, ok := md.Load(NewVolumeReadCursor(vol, base))
	if !ok {
		vol.Close()
		return nil, fmt.Errorf("cache: volume %q has no valid metadata, run InitResetVolume first", path)
	}

	dataOffset := base + 2*slotSize
	cntDataBlocks := VolumeBlocksFromBytes(vol.Size() - dataOffset)

	aios := NewAIOService(vol)
	ops := NewFSOperations(vol, md, aios, path, VolumeBlocksFromBytes(dataOffset), cntDataBlocks)
	aggw := NewAggWriter(VolumeBlocksFromBytes(md.WritePos()), md.WriteLap())
	ops.SetAggWriter(aggw)

	c := &CacheFS{
		vol:          vol,
		md:           md,
		ops:          ops,
		aggw:         aggw,
		aios:         aios,
		path:         path,
		id:           md.UUID(),
		metaBase:     base,
		metaSlotSize: slotSize,
		activeSlot:   activeSlot,
		onFSBad:      onFSBad,
		tr:           tracing.Discard,
	}
	ops.SetOnDiskErrorCB(c.onDiskError)

	aios.Start(numThreads)
	aggw.Start(ops)
	return c, nil
}

// Close stops the volume's AIO workers, flushes whatever the aggregate
// writer still holds onto disk, and durably syncs the metadata one last
// time unless forced is set (a forced close skips that final sync to shut
// down as fast as possible, e.g. in response to a fatal disk error).
// Grounded on cache_fs::close's doc comment.
func (c *CacheFS) Close(forced bool) {
	c.aios.Stop()
	c.aggw.StopFlush()
	if !forced {
		c.syncMetadataNow()
	}
	c.vol.Close()
	c.closed = true
}

func (c *CacheFS) VolPath() string  { return c.path }
func (c *CacheFS) UUID() uuid.UUID { return c.id }

// AsyncOpenRead resolves key against this volume's cache, handing handler a
// running ObjectReadHandle once resolved.
func (c *CacheFS) AsyncOpenRead(key ObjectKey, handler OpenReadHandler) *ObjectOpenReadHandle {
	return OpenObjectForRead(c.ops, key, handler)
}

// AsyncOpenWrite reserves key's range for writing, optionally discarding
// whatever the cache already holds for it first.
func (c *CacheFS) AsyncOpenWrite(key ObjectKey, truncate bool, handler OpenWriteHandler) *ObjectOpenWriteHandle {
	return OpenObjectForWrite(c.ops, key, truncate, handler)
}

// GetStats and GetInternalStats can safely be called from any goroutine.
func (c *CacheFS) GetStats() StatsFS {
	smd, sops := c.ops.GetStats()
	return StatsFS{Path: c.path, UUID: c.id, MD: smd, Ops: sops}
}

func (c *CacheFS) GetInternalStats() StatsInternal {
	return c.ops.GetInternalStats()
}

// AsyncSyncMetadata kicks off a background durable sync of the metadata (a
// no-op if it isn't dirty) and calls onEnd from that same goroutine once
// done; onEnd is skipped if Close ran in the meantime. At most one sync runs
// at a time — a second call while one is already in flight is dropped
// silently, matching async_sync_metadata's own "won't be called again until
// this one ends" contract.
func (c *CacheFS) AsyncSyncMetadata(onEnd func(*CacheFS)) {
	if !c.asyncSyncInProgress.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer c.asyncSyncInProgress.Store(false)
		c.syncMetadataNow()
		if onEnd != nil && !c.closed {
			onEnd(c)
		}
	}()
}

// syncMetadataNow is the synchronous sync cache_fs::sync_metadata performs;
// AsyncSyncMetadata and Close both funnel through it. It alternates between
// the volume's two metadata slots each time it runs, the A/B protocol
// fs_metadata.cpp's load side selects between by comparing sync_serial.
func (c *CacheFS) syncMetadataNow() {
	if !c.md.IsDirty() {
		return
	}
	ev := c.tr.Event("sync_metadata", fsNodeHashPid(c.path), 0)
	defer ev.Done()
	c.md.IncSyncSerial()
	w := NewMemoryWriter()
	c.md.Save(w)
	buf := w.Bytes()
	if uint64(len(buf)) > c.metaSlotSize {
		panic("cache: metadata image grew past its slot size after initial formatting")
	}
	padded := make([]byte, c.metaSlotSize)
	copy(padded, buf)

	nextSlot := 1 - c.activeSlot
	offs := c.metaBase + uint64(nextSlot)*c.metaSlotSize
	if err := writeInChunks(c.vol, padded, offs); err != nil {
		c.md.DecSyncSerial()
		c.onDiskError()
		return
	}
	c.activeSlot = nextSlot
	c.md.ClearDirty()
}

// onDiskError is cache_fs_ops' on_disk_error callback target: every failed
// disk read/write anywhere in this volume's pipeline funnels back here.
func (c *CacheFS) onDiskError() {
	n := atomic.AddUint32(&c.cntDiskErrors, 1)
	if n == maxDiskErrorsBeforeBad && c.onFSBad != nil {
		c.onFSBad(c)
	}
}
