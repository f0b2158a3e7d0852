package cluster

import "math"

// Unmerged is the Zoom value of a point that no merge pass has visited yet.
const Unmerged = math.MaxInt32

// NoParent is the ParentID of a point that was not folded into a cluster.
const NoParent = -1

// Kind tells a raw marker from a synthetic cluster.
type Kind uint8

const (
	KindMarker Kind = iota
	KindCluster
)

func (k Kind) String() string {
	if k == KindCluster {
		return "cluster"
	}
	return "marker"
}

// Marker is one input record. The engine reads Lng and Lat only; Class,
// Options and Metrics travel with the marker for the renderer.
type Marker struct {
	ID      int                    `json:"id"`
	Lng     float64                `json:"lng"`
	Lat     float64                `json:"lat"`
	Class   string                 `json:"class,omitempty"`
	Options map[string]interface{} `json:"options,omitempty"`
	Metrics map[string]float64     `json:"metrics,omitempty"`
}

// point projects the marker. Longitudes outside [-180, 180] wrap around and
// latitudes are clamped to the poles.
func (m *Marker) point() Point {
	lng := m.Lng
	if lng < -180 || lng > 180 {
		lng = normalizeLng(lng)
	}
	lat := math.Max(-90, math.Min(90, m.Lat))
	return Point{
		Kind:      KindMarker,
		X:         LngX(lng),
		Y:         LatY(lat),
		ID:        m.ID,
		ParentID:  NoParent,
		NumPoints: 1,
		Zoom:      Unmerged,
		Metrics:   m.Metrics,
	}
}

// Point is the per-level record shared by markers and clusters.
//
// For a marker ID is the index into the original input. For a cluster ID is
// the index of its anchor in the level it was built from (OriginZoom+1),
// and ParentID of every member at that level equals ID.
type Point struct {
	Kind       Kind
	X, Y       float64
	ID         int
	ParentID   int
	NumPoints  int
	Zoom       int
	OriginZoom int
	Metrics    map[string]float64
}

// Weight is the number of original markers the point stands for.
func (p *Point) Weight() int {
	return p.NumPoints
}

// IsCluster reports whether p was created by a merge pass.
func (p *Point) IsCluster() bool {
	return p.Kind == KindCluster
}

// carry copies p into the next level unchanged.
func (p *Point) carry() Point {
	c := *p
	c.ParentID = NoParent
	c.Zoom = Unmerged
	return c
}

// Points adapts a level to the KD-tree.
type Points []Point

func (ps Points) Len() int { return len(ps) }

func (ps Points) XY(i int) (float64, float64) { return ps[i].X, ps[i].Y }

// ClusterNode is one query result: either a cluster or an original marker.
type ClusterNode struct {
	ID      int                `json:"id"`
	Lng     float64            `json:"lng"`
	Lat     float64            `json:"lat"`
	Count   int                `json:"count"`
	Zoom    int                `json:"zoom"` // origin zoom, clusters only
	Metrics map[string]float64 `json:"metrics,omitempty"`
	Marker  *Marker            `json:"marker,omitempty"`
}

// IsCluster reports whether the node aggregates several markers.
func (c ClusterNode) IsCluster() bool {
	return c.Marker == nil
}

// accumulateMetrics adds src into dst, allocating dst on first use.
func accumulateMetrics(dst, src map[string]float64) map[string]float64 {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]float64, len(src))
	}
	for k, v := range src {
		dst[k] += v
	}
	return dst
}
