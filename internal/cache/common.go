// Package cache implements a circular, log-structured object cache over a
// raw block device. It ingests HTTP response bodies as byte ranges and
// serves them back to later requests straight from the block store.
//
// The package mirrors the structure of the x3me xproxy cache subsystem:
// an aggregate writer batches incoming fragments into 4 MiB blocks, a
// versioned metadata table indexes fragments by object fingerprint and
// byte range, and a small thread pool per volume serves reads and writes
// asynchronously.
package cache

const (
	// StoreBlockSize is the granularity of every disk I/O the cache issues.
	StoreBlockSize = 4 * 1024

	// VolumeBlockSize is the unit used to address on-disk fragment
	// locations. It matches the sector size of a freshly fdisk-partitioned
	// disk (2048 sectors * 512 bytes = 1 MiB default offset), which is also
	// why VolumeSkipBytes below is 1 MiB.
	VolumeBlockSize = 512

	// VolumeSkipBytes is never written by the cache. It lets an operator
	// tell a raw disk apart from an already-partitioned one.
	VolumeSkipBytes = 1 * 1024 * 1024

	// AggWriteMetaSize is the size of the metadata prefix of an aggregate
	// write block.
	AggWriteMetaSize = 4 * 1024
	// AggWriteDataSize is the size of the data area of an aggregate write
	// block.
	AggWriteDataSize  = 4 * 1024 * 1024
	AggWriteBlockSize = AggWriteMetaSize + AggWriteDataSize

	// ObjectFragMinDataSize is the smallest fragment the cache will ever
	// write; needed so we can always collect whole objects even one byte
	// at a time.
	ObjectFragMinDataSize = 1
	ObjectFragMaxDataSize = 1 * 1024 * 1024
	ObjectFragHdrSize     = 8
	ObjectFragMaxSize     = ObjectFragHdrSize + ObjectFragMaxDataSize

	MetadataSyncChunkSize = 4 * 1024 * 1024

	MinVolumeSize = 32 * 1024 * 1024
	MaxVolumeSize = 512 * 1024 * 1024 * 1024 * 1024

	MinObjSize = 8 * 1024
	MaxObjSize = 8 * 1024 * 1024 * 1024
)

func init() {
	mustBePow2(VolumeBlockSize, "VolumeBlockSize")
	mustBePow2(StoreBlockSize, "StoreBlockSize")
	if VolumeSkipBytes%StoreBlockSize != 0 {
		panic("cache: VolumeSkipBytes must be a multiple of StoreBlockSize")
	}
	if VolumeSkipBytes >= MinVolumeSize {
		panic("cache: VolumeSkipBytes can't consume the whole minimum volume")
	}
	if ObjectFragMaxSize > AggWriteDataSize {
		panic("cache: an object fragment must fit in a single aggregate write")
	}
	if AggWriteBlockSize%StoreBlockSize != 0 {
		panic("cache: AggWriteBlockSize must be a multiple of StoreBlockSize")
	}
}

func mustBePow2(v uint64, name string) {
	if v == 0 || v&(v-1) != 0 {
		panic("cache: " + name + " must be a power of two")
	}
}

// RoundToVolumeBlockSize rounds num up to the next multiple of VolumeBlockSize.
func RoundToVolumeBlockSize(num uint64) uint64 {
	return roundUpPow2(num, VolumeBlockSize)
}

// RoundToStoreBlockSize rounds num up to the next multiple of StoreBlockSize.
func RoundToStoreBlockSize(num uint64) uint64 {
	return roundUpPow2(num, StoreBlockSize)
}

func roundUpPow2(num, blockSize uint64) uint64 {
	return (num + blockSize - 1) &^ (blockSize - 1)
}

// ObjectFragSize returns the on-disk size, rounded up to the volume block
// size, of a fragment carrying dataSize bytes of payload.
func ObjectFragSize(dataSize uint32) uint32 {
	return uint32(RoundToVolumeBlockSize(uint64(ObjectFragHdrSize) + uint64(dataSize)))
}
