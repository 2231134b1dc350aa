package cache

import "testing"

func newTestFSOperations(t *testing.T) (*FSOperations, VolumeBlocks, VolumeBlocks) {
	t.Helper()

	const availSize = 64 * 1024 * 1024
	const minAvgObjSize = 64 * 1024

	md := NewFSMetadata(NewVolumeInfo(availSize), minAvgObjSize)
	dataOffset := VolumeBlocksFromBytes(RoundToVolumeBlockSize(VolumeSkipBytes) + 2*md.MaxSizeOnDisk())
	md.CleanInit(dataOffset.ToBytes())
	cntDataBlocks := VolumeBlocksFromBytes(availSize)

	return NewFSOperations(nil, md, nil, "/dev/test", dataOffset, cntDataBlocks), dataOffset, cntDataBlocks
}

func TestVMtxLockSharedInsideWriteArea(t *testing.T) {
	ops, dataOffset, _ := newTestFSOperations(t)

	wpos := dataOffset.ToBytes()
	if !ops.VMtxLockShared(wpos) {
		t.Fatal("offset at the write cursor itself should require the volume lock")
	}
	ops.VMtxUnlockShared()

	inside := wpos + AggWriteBlockSize
	if !ops.VMtxLockShared(inside) {
		t.Fatal("offset one block past the write cursor is still inside the danger zone")
	}
	ops.VMtxUnlockShared()
}

func TestVMtxLockSharedOutsideWriteArea(t *testing.T) {
	ops, dataOffset, cntDataBlocks := newTestFSOperations(t)

	// Something comfortably past the 3-block danger zone and comfortably
	// before the end of the data area shouldn't need the lock at all.
	far := dataOffset.ToBytes() + 10*AggWriteBlockSize
	if far >= dataOffset.ToBytes()+cntDataBlocks.ToBytes() {
		t.Fatal("test offset computed outside the data area, fix the test fixture")
	}
	if ops.VMtxLockShared(far) {
		t.Fatal("an offset well outside the next few blocks shouldn't take the volume lock")
		// no matching unlock needed: VMtxLockShared(false) never locks
	}
}

func TestFSMDBeginWriteTruncate(t *testing.T) {
	ops, _, _ := newTestFSOperations(t)

	key := MakeFSNodeKey([]byte("/some/object"))
	objKey := NewObjectKey(key, NewRange(0, MinObjSize))

	wtrans, err := ops.FSMDBeginWrite(objKey, true)
	if err != nil {
		t.Fatalf("truncating an object the cache never heard of should still succeed: %v", err)
	}
	if !wtrans.Valid() {
		t.Fatal("expected a valid write transaction")
	}
	if got := wtrans.GetRange(); got != objKey.GetRange() {
		t.Fatalf("truncate should reserve the whole requested range, got %v want %v", got, objKey.GetRange())
	}
}

func TestFSMDBeginWriteTruncateBlockedByReaders(t *testing.T) {
	ops, _, _ := newTestFSOperations(t)

	key := MakeFSNodeKey([]byte("/some/object"))
	rng := NewFragRange(0, MinObjSize)
	elem := MakeRangeElem(rng.Beg(), uint32(rng.Len()), VolumeBlocksFromBytes(0))
	elem.AtomicIncReaders()
	if _, ok := ops.md.AddRange(key, elem); !ok {
		t.Fatal("setup: adding the fixture fragment should have succeeded")
	}

	objKey := NewObjectKey(key, NewRange(0, MinObjSize))
	_, err := ops.FSMDBeginWrite(objKey, true)
	if err == nil {
		t.Fatal("truncating an object with an active reader must fail")
	}
	if KindOf(err) != ErrObjectInUse {
		t.Fatalf("got error kind %v, want %v", KindOf(err), ErrObjectInUse)
	}
}

func TestFSMDBeginWriteRejectsOverlappingInFlightWrite(t *testing.T) {
	ops, _, _ := newTestFSOperations(t)

	key := MakeFSNodeKey([]byte("/some/object"))
	objKey := NewObjectKey(key, NewRange(0, MinObjSize))

	first, err := ops.FSMDBeginWrite(objKey, false)
	if err != nil {
		t.Fatalf("first open-for-write should succeed: %v", err)
	}
	if !first.Valid() {
		t.Fatal("expected a valid write transaction")
	}

	if _, err := ops.FSMDBeginWrite(objKey, false); err == nil {
		t.Fatal("a second concurrent open-for-write over the same range must be rejected")
	} else if KindOf(err) != ErrObjectInUse {
		t.Fatalf("got error kind %v, want %v", KindOf(err), ErrObjectInUse)
	}

	if ops.wtrans.CntEntries() != 1 {
		t.Fatalf("registry should still hold exactly the first reservation, got %d entries", ops.wtrans.CntEntries())
	}
}

func TestFSMDCommitDiskWriteReleasesReservation(t *testing.T) {
	ops, _, _ := newTestFSOperations(t)

	key := MakeFSNodeKey([]byte("/some/object"))
	objKey := NewObjectKey(key, NewRange(0, MinObjSize))

	wtrans, err := ops.FSMDBeginWrite(objKey, false)
	if err != nil {
		t.Fatalf("open-for-write should succeed: %v", err)
	}
	if ops.wtrans.CntEntries() != 1 {
		t.Fatal("setup: reservation should be tracked before commit")
	}

	ops.FSMDCommitDiskWrite(VolumeBlocksFromBytes(ops.md.WritePos()), []WriteTransaction{wtrans}, NewAggWriteBlock())

	if ops.wtrans.CntEntries() != 0 {
		t.Fatalf("commit should release the reservation, got %d entries still held", ops.wtrans.CntEntries())
	}

	if _, err := ops.FSMDBeginWrite(objKey, false); err != nil {
		t.Fatalf("the same range should be reservable again once the earlier write committed: %v", err)
	}
}

func TestFSMDRemNonEvacFragsDropsReaderlessAndMissing(t *testing.T) {
	ops, dataOffset, cntDataBlocks := newTestFSOperations(t)

	key := MakeFSNodeKey([]byte("/some/object"))
	rng := NewFragRange(0, MinObjSize)
	keep := MakeRangeElem(rng.Beg(), uint32(rng.Len()), dataOffset)
	keep.AtomicIncReaders()
	if _, ok := ops.md.AddRange(key, keep); !ok {
		t.Fatal("setup: adding the kept fragment should have succeeded")
	}

	drop := MakeRangeElem(rng.Beg()+MinObjSize, uint32(rng.Len()), dataOffset)
	// drop is never added to ops.md at all, standing in for a fragment
	// whose entry was already removed by the time eviction runs.

	idle := MakeRangeElem(rng.Beg()+2*MinObjSize, uint32(rng.Len()), dataOffset)
	if _, ok := ops.md.AddRange(key, idle); !ok {
		t.Fatal("setup: adding the readerless fragment should have succeeded")
	}

	in := []AggMetaEntry{
		{Key: key, Rng: keep},
		{Key: key, Rng: drop},
		{Key: key, Rng: idle},
	}
	out := ops.FSMDRemNonEvacFrags(in, dataOffset, cntDataBlocks)
	if len(out) != 1 || out[0].Rng.RngOffset() != keep.RngOffset() {
		t.Fatalf("expected only the still-read fragment to survive, got %+v", out)
	}
}
