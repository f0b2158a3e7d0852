package cluster

import (
	"fmt"
	"math/rand"
	"runtime"
	"testing"
	"time"

	"github.com/paulmach/orb"
)

var usBound = orb.Bound{Min: orb.Point{-125, 25}, Max: orb.Point{-65, 49}}

// benchmarkLoad measures a full build of all zoom levels.
func benchmarkLoad(b *testing.B, numPoints int) {
	markers := GenerateTestMarkers(numPoints, usBound, 42)

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := Build(markers, DefaultOptions(), nil); err != nil {
			b.Fatal(err)
		}
	}

	b.StopTimer()
	runtime.ReadMemStats(&after)
	allocMB := float64(after.TotalAlloc-before.TotalAlloc) / 1024 / 1024
	b.ReportMetric(allocMB/float64(b.N), "MB/op")
}

// benchmarkQuery measures GetClusters over random viewports at one zoom.
func benchmarkQuery(b *testing.B, numPoints int, zoom int) {
	sc, err := Build(GenerateTestMarkers(numPoints, usBound, 42), DefaultOptions(), nil)
	if err != nil {
		b.Fatal(err)
	}

	r := rand.New(rand.NewSource(1))
	span := 360 / float64(int(1)<<zoom)
	var results int
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		lng := -125 + r.Float64()*60
		lat := 25 + r.Float64()*24
		bound := orb.Bound{Min: orb.Point{lng, lat}, Max: orb.Point{lng + span, lat + span/2}}
		results += len(sc.GetClusters(bound, zoom))
	}

	b.ReportMetric(float64(results)/float64(b.N), "nodes/op")
}

func BenchmarkLoadSmall(b *testing.B)  { benchmarkLoad(b, 1000) }
func BenchmarkLoadMedium(b *testing.B) { benchmarkLoad(b, 10000) }
func BenchmarkLoadLarge(b *testing.B)  { benchmarkLoad(b, 100000) }

func BenchmarkQueryMedium_LowZoom(b *testing.B)  { benchmarkQuery(b, 10000, 2) }
func BenchmarkQueryMedium_MidZoom(b *testing.B)  { benchmarkQuery(b, 10000, 8) }
func BenchmarkQueryMedium_HighZoom(b *testing.B) { benchmarkQuery(b, 10000, 14) }
func BenchmarkQueryLarge_LowZoom(b *testing.B)   { benchmarkQuery(b, 100000, 2) }
func BenchmarkQueryLarge_MidZoom(b *testing.B)   { benchmarkQuery(b, 100000, 8) }
func BenchmarkQueryLarge_HighZoom(b *testing.B)  { benchmarkQuery(b, 100000, 14) }

func BenchmarkKDTreeWithin(b *testing.B) {
	pts := randomXY(100000, 3)
	tree := NewKDTree(pts, DefaultNodeSize)
	r := rand.New(rand.NewSource(4))
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		tree.Within(r.Float64(), r.Float64(), 0.001)
	}
}

// TestProfileClustering prints per-zoom node counts and build time for a
// size grid. It only runs with -v outside short mode.
func TestProfileClustering(t *testing.T) {
	if testing.Short() || !testing.Verbose() {
		t.Skip("Skipping profile test")
	}

	for _, numPoints := range []int{1000, 10000, 100000} {
		start := time.Now()
		sc, err := Build(GenerateTestMarkers(numPoints, usBound, 42), DefaultOptions(), nil)
		if err != nil {
			t.Fatal(err)
		}
		fmt.Printf("%d points built in %v\n", numPoints, time.Since(start))

		for _, zoom := range []int{2, 8, 14} {
			start := time.Now()
			nodes := sc.GetClusters(usBound, zoom)
			fmt.Printf("  zoom %2d: %6d nodes in %v\n", zoom, len(nodes), time.Since(start))
		}
	}
}
