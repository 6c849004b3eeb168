// Package profilers implement helper functions to set up profiling of training and evaluation runs.
//
// If linked, it will install the profiler flags: -prof to serve net/http/pprof on the given port, and
// -cpu_profile to write a CPU profile of the whole run.
package profilers

import (
	"context"
	"flag"
	"fmt"
	"k8s.io/klog/v2"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"
	"runtime/pprof"
)

var (
	flagProfiler   = flag.Int("prof", -1, "If set, runs the profile at the given port.")
	flagCPUProfile = flag.String("cpu_profile", "", "write cpu profile to `file`")
)

// state set by Setup and used by OnQuit.
var (
	globalCtx    context.Context
	profilerAddr string
	cpuProfile   *os.File
)

// Setup starts the HTTP (flag -prof) and CPU profilers (flag -cpu_profile), if they were configured.
// You should follow with a deferred call to OnQuit.
func Setup(ctx context.Context) {
	globalCtx = ctx
	if *flagProfiler > 0 {
		profilerAddr = fmt.Sprintf("localhost:%d", *flagProfiler)
		go func() {
			klog.Fatal(http.ListenAndServe(profilerAddr, nil))
		}()
		fmt.Printf("Profiler serving on http://%s/debug/pprof: e.g. `go tool pprof %s/debug/pprof/heap`\n",
			profilerAddr, profilerAddr)
	}
	if *flagCPUProfile != "" {
		var err error
		cpuProfile, err = os.Create(*flagCPUProfile)
		if err != nil {
			klog.Fatalf("Could not create CPU profile: %+v", err)
		}
		if err = pprof.StartCPUProfile(cpuProfile); err != nil {
			klog.Fatalf("Could not start CPU profile: %+v", err)
		}
		klog.Infof("Writing CPU profile to %q", *flagCPUProfile)
	}
}

// OnQuit should be deferred just after Setup: it stops the CPU profile and, if the HTTP profiler is running,
// keeps the program alive (so the profiles can be inspected) until the context given to Setup is done.
func OnQuit() {
	if cpuProfile != nil {
		pprof.StopCPUProfile()
		if err := cpuProfile.Close(); err != nil {
			klog.Errorf("Failed to close CPU profile: %+v", err)
		}
		cpuProfile = nil
	}
	if profilerAddr == "" {
		return
	}
	// Don't freeze on panic.
	if err := recover(); err != nil {
		panic(err)
	}
	if globalCtx.Err() != nil {
		// Already interrupted.
		return
	}

	// Garbage collect, to see if any tensors or executors are leaking.
	for range 10 {
		runtime.GC()
	}
	fmt.Printf("Run finished: kept alive with profiler at http://%s/debug/pprof, interrupt (Ctrl+C) to exit\n",
		profilerAddr)
	<-globalCtx.Done()
}
