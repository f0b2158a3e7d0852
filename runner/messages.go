package runner

import (
	"github.com/paulmach/orb"

	"web/mapcluster/cluster"
)

// ClusterInfo describes a saved cluster snapshot.
type ClusterInfo struct {
	ID        string `json:"id"`
	NumPoints int    `json:"numPoints"`
	Timestamp string `json:"timestamp"`
	FileSize  int64  `json:"fileSize"`
	Loaded    bool   `json:"loaded"`
}

// Bounds is a geographic viewport in degrees. West may exceed East for a
// box that crosses the antimeridian.
type Bounds struct {
	West  float64 `json:"west"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	North float64 `json:"north"`
}

func (b Bounds) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b.West, b.South}, Max: orb.Point{b.East, b.North}}
}

// CreateClusterRequest builds from Markers, or from NumPoints synthetic
// markers when Markers is empty. A nil Options uses the runner defaults.
type CreateClusterRequest struct {
	NumPoints int                          `json:"numPoints,omitempty"`
	Markers   []cluster.Marker             `json:"markers,omitempty"`
	Options   *cluster.SuperclusterOptions `json:"options,omitempty"`
}

type CreateClusterResponse struct {
	Cluster ClusterInfo `json:"cluster"`
}

// ReloadClusterRequest replaces the markers of an existing cluster. A nil
// Options keeps the options the cluster was built with.
type ReloadClusterRequest struct {
	ClusterID string                       `json:"clusterId"`
	NumPoints int                          `json:"numPoints,omitempty"`
	Markers   []cluster.Marker             `json:"markers,omitempty"`
	Options   *cluster.SuperclusterOptions `json:"options,omitempty"`
}

type ReloadClusterResponse struct {
	Cluster ClusterInfo `json:"cluster"`
}

type LoadClusterRequest struct {
	ClusterID string `json:"clusterId"`
}

type LoadClusterResponse struct {
	Cluster ClusterInfo `json:"cluster"`
}

type ListClustersRequest struct{}

type ListClustersResponse struct {
	Clusters []ClusterInfo `json:"clusters"`
}

type GetClustersRequest struct {
	ClusterID string `json:"clusterId"`
	Zoom      int    `json:"zoom"`
	Bounds    Bounds `json:"bounds"`
}

type GetClustersResponse struct {
	Clusters []cluster.ClusterNode `json:"clusters"`
}

type GetMetadataRequest struct {
	ClusterID string `json:"clusterId"`
	Zoom      int    `json:"zoom"`
	Bounds    Bounds `json:"bounds"`
}

type GetMetadataResponse struct {
	Summary cluster.MetadataSummary `json:"summary"`
}

// GetChildrenRequest names a cluster by the zoom it was created at and its
// id, as reported in a ClusterNode.
type GetChildrenRequest struct {
	ClusterID string `json:"clusterId"`
	Zoom      int    `json:"zoom"`
	ID        int    `json:"id"`
}

type GetChildrenResponse struct {
	Children []cluster.ClusterNode `json:"children"`
}

type GetExpansionZoomRequest struct {
	ClusterID string `json:"clusterId"`
	Zoom      int    `json:"zoom"`
	ID        int    `json:"id"`
}

type GetExpansionZoomResponse struct {
	Zoom int `json:"zoom"`
}
