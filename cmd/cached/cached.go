// Command cached runs the block-device-backed object cache as a standalone
// daemon: it loads the configured volumes, serves stats over HTTP, and
// drains cleanly on SIGINT/SIGTERM. Grounded on cmd/distri/distri.go's
// flag/verb structure (flag.NewFlagSet per subcommand, pprof/trace flags
// parsed once in main) and distri's own stats output conventions
// (github.com/mattn/go-isatty gating ANSI color).
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/epenchev/cache-work-sub002/internal/cachemgr"
	"github.com/epenchev/cache-work-sub002/internal/config"
	"github.com/epenchev/cache-work-sub002/internal/tracing"

	_ "net/http/pprof"
)

func usage() {
	fmt.Fprintf(os.Stderr, `cached serves the on-disk object cache described by a storage
configuration file.

Usage:
  cached serve [-flags]
  cached reset-volumes [-flags]

`)
	flag.PrintDefaults()
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	verb, args := os.Args[1], os.Args[2:]

	var err error
	switch verb {
	case "serve":
		err = serve(args)
	case "reset-volumes":
		err = resetVolumes(args)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "cached %s: %v\n", verb, err)
		os.Exit(1)
	}
}

func commonFlags(fset *flag.FlagSet) (storageCfg *string, volumeThreads *int, minAvgObjSizeKB *uint) {
	storageCfg = fset.String("storage_cfg", "/etc/cached/volumes.list",
		"path to a text file listing one raw cache volume device per line")
	volumeThreads = fset.Int("volume_threads", 4,
		"AIO worker goroutines per volume (>= 2: one writer, the rest readers)")
	minAvgObjSizeKB = fset.Uint("min_avg_object_size_kb", 64,
		"expected average cached object size in KiB, used to size each volume's metadata table")
	return
}

func resetVolumes(args []string) error {
	fset := flag.NewFlagSet("reset-volumes", flag.ExitOnError)
	storageCfg, volumeThreads, minAvgObjSizeKB := commonFlags(fset)
	fset.Parse(args)

	cfg := config.Config{
		StorageCfgPath:     *storageCfg,
		VolumeThreads:      *volumeThreads,
		MinAvgObjectSizeKB: uint32(*minAvgObjSizeKB),
	}
	mgr := cachemgr.New(tracing.Discard)
	if err := mgr.Start(cfg, true /*resetVolumes*/); err != nil {
		return err
	}
	fmt.Println("all configured volumes formatted")
	return nil
}

func serve(args []string) error {
	fset := flag.NewFlagSet("serve", flag.ExitOnError)
	storageCfg, volumeThreads, minAvgObjSizeKB := commonFlags(fset)
	listen := fset.String("listen", "", "host:port to serve /stats and pprof on")
	statusPath := fset.String("status_path", "", "path to atomically write a gzip-compressed JSON status snapshot to after every metadata sync sweep")
	ctracefile := fset.String("ctracefile", "", "path to write a chrome://tracing-format event log to")
	watchUevents := fset.Bool("watch_uevents", true, "retire a volume immediately when its block device reports a kernel remove uevent")
	fset.Parse(args)

	var sink *tracing.Sink
	if *ctracefile != "" {
		f, err := os.Create(*ctracefile)
		if err != nil {
			return err
		}
		defer f.Close()
		sink = tracing.NewSink(f)
	} else {
		sink = tracing.Discard
	}

	cfg := config.Config{
		StorageCfgPath:     *storageCfg,
		VolumeThreads:      *volumeThreads,
		MinAvgObjectSizeKB: uint32(*minAvgObjSizeKB),
	}

	mgr := cachemgr.New(sink)
	mgr.SetStatusPath(*statusPath)
	if err := mgr.Start(cfg, false /*resetVolumes*/); err != nil {
		return err
	}

	if *watchUevents {
		if err := mgr.WatchUevents(); err != nil {
			fmt.Fprintf(os.Stderr, "cached: watch_uevents disabled: %v\n", err)
		}
	}

	if *listen != "" {
		http.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(struct {
				Stats         interface{} `json:"stats"`
				InternalStats interface{} `json:"internal_stats"`
			}{mgr.GetStats(), mgr.GetInternalStats()})
		})
		go http.ListenAndServe(*listen, nil)
	}

	colorOut := isatty.IsTerminal(os.Stdout.Fd())
	printStartupBanner(colorOut, *storageCfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Println("cached: draining...")
	start := time.Now()
	mgr.Stop()
	fmt.Printf("cached: drained in %s\n", time.Since(start))
	return nil
}

func printStartupBanner(color bool, storageCfg string) {
	if color {
		fmt.Printf("\x1b[32mcached\x1b[0m started, serving volumes from %s\n", storageCfg)
	} else {
		fmt.Printf("cached started, serving volumes from %s\n", storageCfg)
	}
}
