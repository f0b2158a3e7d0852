package cluster

import (
	"fmt"
	"math"
)

// anchor finds the point a cluster was built around. A cluster created by
// the pass at originZoom has its anchor at index id of level originZoom+1,
// and only the anchor carries its own index as ParentID.
func (sc *Supercluster) anchor(originZoom, id int) (*level, *Point, error) {
	if originZoom < sc.Options.MinZoom || originZoom > sc.Options.MaxZoom {
		return nil, nil, fmt.Errorf("%w: origin zoom %d", ErrClusterNotFound, originZoom)
	}
	lvl, err := sc.level(originZoom + 1)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrClusterNotFound, err)
	}
	if id < 0 || id >= len(lvl.points) || lvl.points[id].ParentID != id {
		return nil, nil, fmt.Errorf("%w: id %d at zoom %d", ErrClusterNotFound, id, originZoom)
	}
	return lvl, &lvl.points[id], nil
}

// Children returns the points folded into the cluster identified by its
// origin zoom and id (ClusterNode.Zoom and ClusterNode.ID).
func (sc *Supercluster) Children(originZoom, id int) ([]ClusterNode, error) {
	lvl, a, err := sc.anchor(originZoom, id)
	if err != nil {
		return nil, err
	}

	var children []ClusterNode
	for _, j := range lvl.tree.Within(a.X, a.Y, sc.Options.radiusAt(originZoom)) {
		if b := &lvl.points[j]; b.ParentID == id {
			children = append(children, sc.node(b))
		}
	}
	return children, nil
}

// Leaves returns up to limit original markers under a cluster, skipping the
// first offset. limit <= 0 returns all of them.
func (sc *Supercluster) Leaves(originZoom, id, limit, offset int) ([]ClusterNode, error) {
	if limit <= 0 {
		limit = math.MaxInt
	}
	leaves, _, err := sc.appendLeaves(nil, originZoom, id, limit, max(offset, 0), 0)
	return leaves, err
}

func (sc *Supercluster) appendLeaves(result []ClusterNode, originZoom, id, limit, offset, skipped int) ([]ClusterNode, int, error) {
	children, err := sc.Children(originZoom, id)
	if err != nil {
		return result, skipped, err
	}

	for _, child := range children {
		if child.IsCluster() {
			if skipped+child.Count <= offset {
				skipped += child.Count
			} else {
				result, skipped, err = sc.appendLeaves(result, child.Zoom, child.ID, limit, offset, skipped)
				if err != nil {
					return result, skipped, err
				}
			}
		} else if skipped < offset {
			skipped++
		} else {
			result = append(result, child)
		}
		if len(result) == limit {
			break
		}
	}
	return result, skipped, nil
}

// ExpansionZoom returns the zoom at which the cluster no longer shows as a
// single point, following chains of single-child clusters.
func (sc *Supercluster) ExpansionZoom(originZoom, id int) (int, error) {
	for {
		children, err := sc.Children(originZoom, id)
		if err != nil {
			return 0, err
		}
		zoom := originZoom + 1
		if len(children) != 1 || !children[0].IsCluster() || zoom > sc.Options.MaxZoom {
			return zoom, nil
		}
		originZoom, id = children[0].Zoom, children[0].ID
	}
}
