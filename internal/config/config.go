// Package config loads the small settings surface cache_mgr needs to start:
// the storage configuration file listing volume device paths, the per-volume
// AIO thread count, and the minimum average object size used to size each
// volume's metadata table. Grounded on spec.md §6 ("External interfaces" /
// "Configuration") and xproxy-beta/cache/cache_mgr.cpp's init_reset /
// load_storage_cfg, which this package ports field for field: same bounds,
// same "one path per line, # comments, blank lines ignored" format.
package config

import (
	"bufio"
	"os"
	"strings"

	"golang.org/x/xerrors"
)

// Bounds on cache_min_avg_object_size_KB, spec.md §6.
const (
	MinAvgObjectSizeKB = 8
	MaxAvgObjectSizeKB = 8 * 1024 * 1024
)

// MinVolumeThreads is cache_volume_threads' floor: one writer plus at least
// one reader goroutine per volume (aio_service::min_num_threads).
const MinVolumeThreads = 2

// Config is the fully validated settings cache_mgr.Start needs.
type Config struct {
	// StorageCfgPath is the text file listing one raw device path per line.
	StorageCfgPath string
	// VolumeThreads is the per-volume AIO worker count (>= MinVolumeThreads).
	VolumeThreads int
	// MinAvgObjectSizeKB drives each volume's fs_table sizing
	// (successive-approximation metadata-vs-data split).
	MinAvgObjectSizeKB uint32
}

// Validate checks the bounds cache_mgr::init_reset enforces before it will
// even attempt to load the storage configuration file.
func (c Config) Validate() error {
	if c.VolumeThreads < MinVolumeThreads {
		return xerrors.Errorf("config: cache_volume_threads must be at least %d, got %d", MinVolumeThreads, c.VolumeThreads)
	}
	if c.MinAvgObjectSizeKB < MinAvgObjectSizeKB || c.MinAvgObjectSizeKB > MaxAvgObjectSizeKB {
		return xerrors.Errorf("config: cache_min_avg_object_size_KB must be in [%d, %d], got %d",
			MinAvgObjectSizeKB, MaxAvgObjectSizeKB, c.MinAvgObjectSizeKB)
	}
	return nil
}

// LoadStorageCfg reads one raw device path per line from path. Blank lines
// and lines starting with '#' (after trimming whitespace) are skipped.
// Grounded on cache_mgr::load_storage_cfg.
func LoadStorageCfg(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("config: unable to load storage configuration from %q: %w", path, err)
	}
	defer f.Close()

	var paths []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		paths = append(paths, line)
	}
	if err := sc.Err(); err != nil {
		return nil, xerrors.Errorf("config: reading storage configuration %q: %w", path, err)
	}
	if len(paths) == 0 {
		return nil, xerrors.Errorf("config: no volume paths loaded from %q", path)
	}
	return paths, nil
}
