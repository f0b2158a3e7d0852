package cluster

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrInvalidConfig is returned when Options cannot produce an engine.
	ErrInvalidConfig = errors.New("invalid cluster config")

	// ErrInvalidZoom is returned for direct access to a level that was not built.
	ErrInvalidZoom = errors.New("invalid zoom level")

	// ErrClusterNotFound is returned when an (origin zoom, id) pair does not name a cluster.
	ErrClusterNotFound = errors.New("cluster not found")
)

// MaxSupportedZoom is the highest MaxZoom an engine accepts.
const MaxSupportedZoom = 30

// SuperclusterOptions configures the clustering engine.
type SuperclusterOptions struct {
	MinZoom  int     `json:"minZoom" toml:"min_zoom"`
	MaxZoom  int     `json:"maxZoom" toml:"max_zoom"`
	Radius   float64 `json:"radius" toml:"radius"`
	Extent   float64 `json:"extent" toml:"extent"`
	NodeSize int     `json:"nodeSize" toml:"node_size"`
}

// DefaultOptions returns the stock configuration: zoom 0..16, a 40px radius
// on 512px tiles and 64-point leaf buckets.
func DefaultOptions() SuperclusterOptions {
	return SuperclusterOptions{
		MinZoom:  0,
		MaxZoom:  16,
		Radius:   40,
		Extent:   512,
		NodeSize: DefaultNodeSize,
	}
}

// Validate checks the options without applying defaults.
func (o SuperclusterOptions) Validate() error {
	if o.NodeSize <= 0 || o.NodeSize > math.MaxInt32 {
		return fmt.Errorf("%w: node size must be positive, got %d", ErrInvalidConfig, o.NodeSize)
	}
	if o.MinZoom < 0 || o.MaxZoom > MaxSupportedZoom {
		return fmt.Errorf("%w: zoom range [%d, %d] outside [0, %d]", ErrInvalidConfig, o.MinZoom, o.MaxZoom, MaxSupportedZoom)
	}
	if o.MinZoom > o.MaxZoom {
		return fmt.Errorf("%w: min zoom %d is above max zoom %d", ErrInvalidConfig, o.MinZoom, o.MaxZoom)
	}
	if o.Extent <= 0 || math.IsNaN(o.Extent) || math.IsInf(o.Extent, 0) {
		return fmt.Errorf("%w: extent must be positive, got %v", ErrInvalidConfig, o.Extent)
	}
	if o.Radius < 0 || math.IsNaN(o.Radius) || math.IsInf(o.Radius, 0) {
		return fmt.Errorf("%w: radius must be non-negative, got %v", ErrInvalidConfig, o.Radius)
	}
	return nil
}

// NumLevels is the number of per-zoom trees a loaded engine holds.
func (o SuperclusterOptions) NumLevels() int {
	return o.MaxZoom - o.MinZoom + 2
}

// radiusAt is the clustering radius in normalized units at zoom.
func (o SuperclusterOptions) radiusAt(zoom int) float64 {
	return o.Radius / (o.Extent * math.Pow(2, float64(zoom)))
}
