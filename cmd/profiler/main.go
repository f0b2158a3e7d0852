package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"runtime"
	"runtime/pprof"
	"slices"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/paulmach/orb"
	"golang.org/x/sync/errgroup"
	"gopkg.in/alecthomas/kingpin.v2"

	"web/mapcluster/cluster"
)

var (
	app        = kingpin.New("profiler", "Builds and queries synthetic cluster datasets under pprof.")
	cpuprofile = app.Flag("cpuprofile", "Write cpu profile to file.").String()
	memprofile = app.Flag("memprofile", "Write memory profile to file.").String()
	numPoints  = app.Flag("points", "Number of markers to generate.").Default("100000").Int()
	zoomLevel  = app.Flag("zoom", "Zoom level to query.").Default("8").Int()
	readers    = app.Flag("readers", "Concurrent query goroutines.").Default("4").Int()
	queries    = app.Flag("queries", "Queries per reader.").Default("1000").Int()
	snapshot   = app.Flag("snapshot", "Also save and reopen the cluster at this path (.zst, .lz4 or raw).").String()
	testall    = app.Flag("testall", "Run the full size and zoom grid.").Bool()
)

var usBound = orb.Bound{Min: orb.Point{-125, 25}, Max: orb.Point{-67, 49}}

type result struct {
	build    time.Duration
	allocs   uint64
	gcRuns   uint32
	nodes    int
	queryP50 time.Duration
	qps      float64
}

func build(n int) (*cluster.Supercluster, result, error) {
	markers := cluster.GenerateTestMarkers(n, usBound, 42)

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	start := time.Now()

	sc, err := cluster.Build(markers, cluster.DefaultOptions(), nil)
	if err != nil {
		return nil, result{}, err
	}

	res := result{build: time.Since(start)}
	runtime.ReadMemStats(&after)
	res.allocs = after.TotalAlloc - before.TotalAlloc
	res.gcRuns = after.NumGC - before.NumGC
	return sc, res, nil
}

// query runs random viewport queries at zoom from several goroutines.
func query(ctx context.Context, sc *cluster.Supercluster, zoom, readers, perReader int, res *result) error {
	span := 360 / float64(int(1)<<max(zoom, 0))
	var nodes atomic.Int64
	latencies := make([][]time.Duration, readers)

	g, ctx := errgroup.WithContext(ctx)
	start := time.Now()
	for i := 0; i < readers; i++ {
		g.Go(func() error {
			r := rand.New(rand.NewSource(int64(i)))
			lat := make([]time.Duration, 0, perReader)
			for q := 0; q < perReader; q++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				west := usBound.Min.Lon() + r.Float64()*(usBound.Max.Lon()-usBound.Min.Lon())
				south := usBound.Min.Lat() + r.Float64()*(usBound.Max.Lat()-usBound.Min.Lat())
				b := orb.Bound{Min: orb.Point{west, south}, Max: orb.Point{west + span, south + span/2}}

				t := time.Now()
				nodes.Add(int64(len(sc.GetClusters(b, zoom))))
				lat = append(lat, time.Since(t))
			}
			latencies[i] = lat
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	var all []time.Duration
	for _, l := range latencies {
		all = append(all, l...)
	}
	if len(all) > 0 {
		res.queryP50 = median(all)
		res.qps = float64(len(all)) / elapsed.Seconds()
		res.nodes = int(nodes.Load()) / len(all)
	}
	return nil
}

func median(d []time.Duration) time.Duration {
	sorted := slices.Clone(d)
	slices.Sort(sorted)
	return sorted[len(sorted)/2]
}

func runSingleProfile(ctx context.Context, n, zoom int) error {
	fmt.Printf("Profiling with %s markers at zoom level %d\n", humanize.Comma(int64(n)), zoom)

	sc, res, err := build(n)
	if err != nil {
		return err
	}
	fmt.Printf("Build completed in %v\n", res.build)
	fmt.Printf("Memory allocated: %s (%d GC runs)\n", humanize.Bytes(res.allocs), res.gcRuns)

	if *snapshot != "" {
		start := time.Now()
		if err := sc.Save(*snapshot); err != nil {
			return err
		}
		fi, err := os.Stat(*snapshot)
		if err != nil {
			return err
		}
		fmt.Printf("Snapshot saved in %v: %s\n", time.Since(start), humanize.Bytes(uint64(fi.Size())))

		start = time.Now()
		if sc, err = cluster.Open(*snapshot, nil); err != nil {
			return err
		}
		fmt.Printf("Snapshot reopened in %v\n", time.Since(start))
	}

	if err := query(ctx, sc, zoom, *readers, *queries, &res); err != nil {
		return err
	}
	fmt.Printf("Queries: %d readers, p50 %v, %.0f q/s, %d nodes per query\n", *readers, res.queryP50, res.qps, res.nodes)
	return nil
}

func runProfileBattery(ctx context.Context) error {
	pointCounts := []int{1000, 10000, 50000, 100000}
	zoomLevels := []int{2, 5, 8, 12, 15}

	fmt.Println("Running comprehensive profile battery...")
	fmt.Println("=======================================")
	fmt.Printf("%-10s | %-5s | %-12s | %-10s | %-7s | %-12s | %-10s\n",
		"Points", "Zoom", "Build", "Alloc", "GC Runs", "Query p50", "Nodes")
	fmt.Println("--------------------------------------------------------------------------------")

	for _, n := range pointCounts {
		sc, res, err := build(n)
		if err != nil {
			return err
		}
		for _, zoom := range zoomLevels {
			if err := query(ctx, sc, zoom, *readers, 200, &res); err != nil {
				return err
			}
			fmt.Printf("%-10s | %-5d | %-12v | %-10s | %-7d | %-12v | %-10d\n",
				humanize.Comma(int64(n)), zoom, res.build.Round(time.Microsecond), humanize.Bytes(res.allocs), res.gcRuns, res.queryP50, res.nodes)
		}
		fmt.Println("--------------------------------------------------------------------------------")
	}
	return nil
}

func main() {
	app.HelpFlag.Short('h')
	kingpin.MustParse(app.Parse(os.Args[1:]))

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			kingpin.Fatalf("could not create CPU profile: %v", err)
		}
		defer f.Close()

		if err := pprof.StartCPUProfile(f); err != nil {
			kingpin.Fatalf("could not start CPU profile: %v", err)
		}
		defer pprof.StopCPUProfile()
	}

	ctx := context.Background()
	var err error
	if *testall {
		err = runProfileBattery(ctx)
	} else {
		err = runSingleProfile(ctx, *numPoints, *zoomLevel)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "profile failed: %v\n", err)
		return
	}

	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "could not create memory profile: %v\n", err)
			return
		}
		defer f.Close()
		runtime.GC()
		if err := pprof.WriteHeapProfile(f); err != nil {
			fmt.Fprintf(os.Stderr, "could not write memory profile: %v\n", err)
		}
	}
}
