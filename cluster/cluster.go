package cluster

import (
	"fmt"
	"math"
	"time"

	"github.com/paulmach/orb"

	"web/mapcluster/logging"
)

// level is one zoom's points and the tree built over them.
type level struct {
	points Points
	tree   *KDTree
}

// Supercluster implements hierarchical greedy clustering: one KD-tree per
// integer zoom in [MinZoom, MaxZoom+1], built bottom-up from the raw markers.
//
// Load is single-writer. Once it returns the engine is read-only and any
// number of goroutines may query it. To change the markers build a new
// engine and swap it in.
type Supercluster struct {
	Options SuperclusterOptions
	Markers []Marker

	levels []*level
	logger *logging.Logger
}

// NewSupercluster validates options and returns an empty engine.
func NewSupercluster(options SuperclusterOptions) (*Supercluster, error) {
	if err := options.Validate(); err != nil {
		return nil, err
	}
	return &Supercluster{
		Options: options,
		logger:  logging.NoopLogger(),
	}, nil
}

// Build validates options and loads markers in one step.
func Build(markers []Marker, options SuperclusterOptions, logger *logging.Logger) (*Supercluster, error) {
	sc, err := NewSupercluster(options)
	if err != nil {
		return nil, err
	}
	if logger != nil {
		sc.logger = logger
	}
	sc.Load(markers)
	return sc, nil
}

// WithLogger sets the logger used for build diagnostics.
func (sc *Supercluster) WithLogger(logger *logging.Logger) *Supercluster {
	if logger != nil {
		sc.logger = logger
	}
	return sc
}

// Load indexes markers. Each marker's ID is set to its position in the
// input; the engine keeps its own copy of the slice.
func (sc *Supercluster) Load(markers []Marker) {
	start := time.Now()

	owned := make([]Marker, len(markers))
	copy(owned, markers)

	points := make(Points, len(owned))
	for i := range owned {
		owned[i].ID = i
		points[i] = owned[i].point()
	}

	minZoom, maxZoom := sc.Options.MinZoom, sc.Options.MaxZoom
	levels := make([]*level, sc.Options.NumLevels())

	clusters := points
	for z := maxZoom; z >= minZoom; z-- {
		lvl := &level{points: clusters, tree: NewKDTree(clusters, sc.Options.NodeSize)}
		levels[z+1-minZoom] = lvl
		clusters = sc.cluster(lvl, z)
	}
	levels[0] = &level{points: clusters, tree: NewKDTree(clusters, sc.Options.NodeSize)}

	sc.Markers = owned
	sc.levels = levels

	sc.logger.Debug("cluster levels built",
		"markers", len(owned),
		"levels", len(levels),
		"top_level_points", len(clusters),
		"duration", time.Since(start))
}

// Loaded reports whether Load has run.
func (sc *Supercluster) Loaded() bool {
	return sc.levels != nil
}

// Tree returns the KD-tree built for zoom. Zooms outside
// [MinZoom, MaxZoom+1] yield ErrInvalidZoom.
func (sc *Supercluster) Tree(zoom int) (*KDTree, error) {
	lvl, err := sc.level(zoom)
	if err != nil {
		return nil, err
	}
	return lvl.tree, nil
}

func (sc *Supercluster) level(zoom int) (*level, error) {
	idx := zoom - sc.Options.MinZoom
	if idx < 0 || idx >= len(sc.levels) {
		return nil, fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidZoom, zoom, sc.Options.MinZoom, sc.Options.MaxZoom+1)
	}
	return sc.levels[idx], nil
}

func (sc *Supercluster) limitZoom(zoom int) int {
	return max(sc.Options.MinZoom, min(sc.Options.MaxZoom+1, zoom))
}

// cluster runs the merge pass for zoom over the level built for zoom+1 and
// returns the points of the level for zoom.
func (sc *Supercluster) cluster(lvl *level, zoom int) Points {
	r := sc.Options.radiusAt(zoom)
	points := lvl.points
	next := make(Points, 0, len(points))

	for i := range points {
		p := &points[i]
		if p.Zoom <= zoom {
			continue
		}
		p.Zoom = zoom

		numPoints := p.Weight()
		wx := p.X * float64(numPoints)
		wy := p.Y * float64(numPoints)
		var metrics map[string]float64

		for _, j := range lvl.tree.Within(p.X, p.Y, r) {
			b := &points[j]
			if b.Zoom <= zoom {
				continue
			}
			b.Zoom = zoom

			w := b.Weight()
			wx += b.X * float64(w)
			wy += b.Y * float64(w)
			numPoints += w
			metrics = accumulateMetrics(metrics, b.Metrics)
			b.ParentID = i
		}

		if numPoints == p.Weight() {
			next = append(next, p.carry())
			continue
		}

		p.ParentID = i
		next = append(next, Point{
			Kind:       KindCluster,
			X:          wx / float64(numPoints),
			Y:          wy / float64(numPoints),
			ID:         i,
			ParentID:   NoParent,
			NumPoints:  numPoints,
			Zoom:       Unmerged,
			OriginZoom: zoom,
			Metrics:    accumulateMetrics(metrics, p.Metrics),
		})
	}

	return next
}

// GetClusters returns the clusters and markers inside bound at zoom.
// bound.Min is (west, south) and bound.Max is (east, north) in degrees.
// zoom is clamped to [MinZoom, MaxZoom+1]. A box crossing the antimeridian
// (west > east) is queried as two boxes.
func (sc *Supercluster) GetClusters(bound orb.Bound, zoom int) []ClusterNode {
	lvl, err := sc.level(sc.limitZoom(zoom))
	if err != nil {
		return nil
	}

	south := math.Max(-90, math.Min(90, bound.Min.Lat()))
	north := math.Max(-90, math.Min(90, bound.Max.Lat()))

	west := normalizeLng(bound.Min.Lon())
	east := bound.Max.Lon()
	if east != 180 {
		east = normalizeLng(east)
	}

	if bound.Max.Lon()-bound.Min.Lon() >= 360 {
		west, east = -180, 180
	} else if west > east {
		nodes := sc.rangeNodes(lvl, west, south, 180, north)
		return append(nodes, sc.rangeNodes(lvl, -180, south, east, north)...)
	}

	return sc.rangeNodes(lvl, west, south, east, north)
}

func (sc *Supercluster) rangeNodes(lvl *level, west, south, east, north float64) []ClusterNode {
	ids := lvl.tree.Range(LngX(west), LatY(north), LngX(east), LatY(south))
	nodes := make([]ClusterNode, 0, len(ids))
	for _, i := range ids {
		nodes = append(nodes, sc.node(&lvl.points[i]))
	}
	return nodes
}

// node resolves a level point to a result. Markers always resolve to the
// engine's copy of the original input by ID.
func (sc *Supercluster) node(p *Point) ClusterNode {
	if !p.IsCluster() {
		m := &sc.Markers[p.ID]
		return ClusterNode{
			ID:      m.ID,
			Lng:     m.Lng,
			Lat:     m.Lat,
			Count:   1,
			Metrics: m.Metrics,
			Marker:  m,
		}
	}
	return ClusterNode{
		ID:      p.ID,
		Lng:     XLng(p.X),
		Lat:     YLat(p.Y),
		Count:   p.NumPoints,
		Zoom:    p.OriginZoom,
		Metrics: p.Metrics,
	}
}

func normalizeLng(lng float64) float64 {
	return math.Mod(math.Mod(lng+180, 360)+360, 360) - 180
}
