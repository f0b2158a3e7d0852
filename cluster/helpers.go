package cluster

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/paulmach/orb"
)

type MetadataSummary struct {
	TotalPoints     int                    `json:"totalPoints"`
	NumClusters     int                    `json:"numClusters"`
	NumSinglePoints int                    `json:"numSinglePoints"`
	MetricsSummary  map[string]MetricStats `json:"metricsSummary"`
	MetadataSummary map[string]interface{} `json:"metadataSummary"`
}

type MetricStats struct {
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Sum     float64 `json:"sum"`
	Average float64 `json:"average"`
}

// CalculateMetadataSummary aggregates a query result. Metric stats are taken
// over the per-marker average of each node (a cluster's totals divided by
// its count). Marker classes become a percentage distribution and string
// options report their most common value.
func CalculateMetadataSummary(nodes []ClusterNode) MetadataSummary {
	summary := MetadataSummary{
		MetricsSummary:  make(map[string]MetricStats),
		MetadataSummary: make(map[string]interface{}),
	}

	if len(nodes) == 0 {
		return summary
	}

	type acc struct {
		min, max, sum float64
		count         int
	}
	metrics := make(map[string]*acc)
	classes := make(map[string]int)
	options := make(map[string]map[string]int)

	for _, n := range nodes {
		if n.IsCluster() {
			summary.NumClusters++
		} else {
			summary.NumSinglePoints++
		}
		summary.TotalPoints += n.Count

		for name, total := range n.Metrics {
			value := total / float64(n.Count)
			a, ok := metrics[name]
			if !ok {
				a = &acc{min: value, max: value}
				metrics[name] = a
			}
			a.min = min(a.min, value)
			a.max = max(a.max, value)
			a.sum += total
			a.count += n.Count
		}

		if n.Marker == nil {
			continue
		}
		if n.Marker.Class != "" {
			classes[n.Marker.Class]++
		}
		for key, raw := range n.Marker.Options {
			s, ok := raw.(string)
			if !ok {
				continue
			}
			if options[key] == nil {
				options[key] = make(map[string]int)
			}
			options[key][s]++
		}
	}

	for name, a := range metrics {
		summary.MetricsSummary[name] = MetricStats{
			Min:     a.min,
			Max:     a.max,
			Sum:     a.sum,
			Average: a.sum / float64(a.count),
		}
	}

	if len(classes) > 0 {
		total := 0
		for _, c := range classes {
			total += c
		}
		distribution := make(map[string]float64, len(classes))
		for class, c := range classes {
			distribution[class] = float64(c) / float64(total) * 100
		}
		summary.MetadataSummary["class"] = distribution
	}

	for key, freq := range options {
		var mostCommon string
		var maxCount int
		for value, c := range freq {
			if c > maxCount || (c == maxCount && value < mostCommon) {
				maxCount = c
				mostCommon = value
			}
		}
		summary.MetadataSummary[key] = mostCommon
	}

	return summary
}

// GenerateTestMarkers returns n markers spread uniformly over bound, with a
// few metrics and options. The same seed yields the same markers.
func GenerateTestMarkers(n int, bound orb.Bound, seed int64) []Marker {
	r := rand.New(rand.NewSource(seed))
	markers := make([]Marker, n)
	categories := []string{"A", "B", "C"}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < n; i++ {
		category := categories[r.Intn(len(categories))]
		markers[i] = Marker{
			Lng:   bound.Min.Lon() + r.Float64()*(bound.Max.Lon()-bound.Min.Lon()),
			Lat:   bound.Min.Lat() + r.Float64()*(bound.Max.Lat()-bound.Min.Lat()),
			Class: fmt.Sprintf("marker-%s", category),
			Options: map[string]interface{}{
				"category":  category,
				"timestamp": base.Add(-time.Duration(r.Intn(7*24)) * time.Hour).Format(time.RFC3339),
			},
			Metrics: map[string]float64{
				"value":     r.Float64() * 100,
				"sales":     r.Float64() * 1000,
				"customers": float64(r.Intn(100)),
			},
		}
	}

	return markers
}
