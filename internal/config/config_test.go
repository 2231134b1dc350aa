package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadStorageCfg(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volumes.list")
	content := "# raw cache volumes\n/dev/sdb\n\n  /dev/sdc  \n# trailing comment\n/dev/sdd\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write storage cfg: %v", err)
	}

	got, err := LoadStorageCfg(path)
	if err != nil {
		t.Fatalf("LoadStorageCfg: %v", err)
	}
	want := []string{"/dev/sdb", "/dev/sdc", "/dev/sdd"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("entry %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLoadStorageCfgEmptyFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volumes.list")
	if err := os.WriteFile(path, []byte("# nothing but comments\n\n"), 0644); err != nil {
		t.Fatalf("write storage cfg: %v", err)
	}
	if _, err := LoadStorageCfg(path); err == nil {
		t.Fatal("a storage cfg with no real entries should fail to load")
	}
}

func TestLoadStorageCfgMissingFile(t *testing.T) {
	if _, err := LoadStorageCfg(filepath.Join(t.TempDir(), "does-not-exist")); err == nil {
		t.Fatal("a missing storage cfg file should fail to load")
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{VolumeThreads: 2, MinAvgObjectSizeKB: 64}, false},
		{"too few threads", Config{VolumeThreads: 1, MinAvgObjectSizeKB: 64}, true},
		{"obj size too small", Config{VolumeThreads: 2, MinAvgObjectSizeKB: 1}, true},
		{"obj size too big", Config{VolumeThreads: 2, MinAvgObjectSizeKB: MaxAvgObjectSizeKB + 1}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}
