package cache

// VolumeBlocks and StoreBlocks are unit-safe wrappers around a block count,
// grounded on xproxy-beta/cache/unit_blocks.h. The C++ original is a class
// template parameterised over both the backing integer type and the block
// size; Go has no compile-time value parameter that would let a single
// generic type carry "512" or "4096" as part of its type, so this rewrite
// keeps the safety property (you cannot add a byte offset to a block count
// without an explicit conversion) but drops the genericity over block size,
// trading it for two concrete named types.
type VolumeBlocks uint64

// StoreBlocks counts whole StoreBlockSize units.
type StoreBlocks uint64

// VolumeBlocksFromBytes converts a byte count, which must already be a
// multiple of VolumeBlockSize, into VolumeBlocks.
func VolumeBlocksFromBytes(b uint64) VolumeBlocks {
	if b%VolumeBlockSize != 0 {
		panic("cache: byte value is not a multiple of VolumeBlockSize")
	}
	return VolumeBlocks(b / VolumeBlockSize)
}

// RoundVolumeBlocksUp rounds b up to the nearest VolumeBlockSize boundary
// and returns it as VolumeBlocks.
func RoundVolumeBlocksUp(b uint64) VolumeBlocks {
	return VolumeBlocksFromBytes(RoundToVolumeBlockSize(b))
}

// ToBytes converts back to a byte offset.
func (v VolumeBlocks) ToBytes() uint64 { return uint64(v) * VolumeBlockSize }

func StoreBlocksFromBytes(b uint64) StoreBlocks {
	if b%StoreBlockSize != 0 {
		panic("cache: byte value is not a multiple of StoreBlockSize")
	}
	return StoreBlocks(b / StoreBlockSize)
}

func RoundStoreBlocksUp(b uint64) StoreBlocks {
	return StoreBlocksFromBytes(RoundToStoreBlockSize(b))
}

func (s StoreBlocks) ToBytes() uint64 { return uint64(s) * StoreBlockSize }
