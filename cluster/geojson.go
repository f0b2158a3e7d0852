package cluster

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// FeatureCollection converts query results to GeoJSON point features.
func FeatureCollection(nodes []ClusterNode) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, node := range nodes {
		fc.Append(Feature(node))
	}
	return fc
}

// Feature converts one result. Clusters carry cluster_id, point_count and
// the origin zoom; markers carry their id, class and render options.
func Feature(node ClusterNode) *geojson.Feature {
	f := geojson.NewFeature(orb.Point{node.Lng, node.Lat})
	f.Properties["cluster"] = node.IsCluster()
	f.Properties["point_count"] = node.Count

	if node.IsCluster() {
		f.Properties["cluster_id"] = node.ID
		f.Properties["zoom"] = node.Zoom
	} else {
		f.ID = node.ID
		f.Properties["id"] = node.ID
		if node.Marker.Class != "" {
			f.Properties["class"] = node.Marker.Class
		}
		if len(node.Marker.Options) > 0 {
			f.Properties["options"] = node.Marker.Options
		}
	}

	if len(node.Metrics) > 0 {
		f.Properties["metrics"] = node.Metrics
	}
	return f
}
