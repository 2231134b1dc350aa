package cache

// VolumeInfo describes the static geometry of a volume as seen by
// fs_metadata sizing. Grounded on the `volume_info` parameter of
// xproxy-beta/cache/fs_metadata.cpp's constructor; volume_info.h itself
// wasn't part of the retrieved source, so only the single accessor
// fs_metadata actually calls (avail_size) is reproduced here.
type VolumeInfo struct {
	availSize uint64
}

// NewVolumeInfo describes a volume with availSize bytes available for
// metadata + data beyond the reserved skip region.
func NewVolumeInfo(availSize uint64) VolumeInfo { return VolumeInfo{availSize: availSize} }

func (v VolumeInfo) AvailSize() uint64 { return v.availSize }
