package cluster

import (
	"errors"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChildrenOfPair(t *testing.T) {
	sc := mustBuild(t, twoPairs(), DefaultOptions())

	for _, node := range sc.GetClusters(world, 0) {
		require.True(t, node.IsCluster())

		children, err := sc.Children(node.Zoom, node.ID)
		require.NoError(t, err)
		assert.Len(t, children, 2)
		assert.Equal(t, node.Count, totalCount(children))
	}
}

func TestChildrenSumToParent(t *testing.T) {
	sc := mustBuild(t, GenerateTestMarkers(3000, orb.Bound{Min: orb.Point{-10, -10}, Max: orb.Point{10, 10}}, 11), DefaultOptions())

	checked := 0
	for z := 0; z <= 6; z++ {
		for _, node := range sc.GetClusters(world, z) {
			if !node.IsCluster() {
				continue
			}
			children, err := sc.Children(node.Zoom, node.ID)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, len(children), 2)
			assert.Equal(t, node.Count, totalCount(children), "cluster %d@%d", node.ID, node.Zoom)
			checked++
		}
	}
	assert.Positive(t, checked)
}

func TestChildrenNotFound(t *testing.T) {
	sc := mustBuild(t, twoPairs(), DefaultOptions())

	_, err := sc.Children(-1, 0)
	assert.True(t, errors.Is(err, ErrClusterNotFound))
	_, err = sc.Children(17, 0)
	assert.True(t, errors.Is(err, ErrClusterNotFound))
	_, err = sc.Children(3, 1000)
	assert.True(t, errors.Is(err, ErrClusterNotFound))

	// markers at zoom 16 never merged, so no point there anchors a cluster
	_, err = sc.Children(16, 0)
	assert.True(t, errors.Is(err, ErrClusterNotFound))
}

func TestLeaves(t *testing.T) {
	markers := GenerateTestMarkers(500, orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{0.5, 0.5}}, 2)
	sc := mustBuild(t, markers, DefaultOptions())

	top := sc.GetClusters(world, 0)
	require.Len(t, top, 1)
	root := top[0]
	require.Equal(t, 500, root.Count)

	all, err := sc.Leaves(root.Zoom, root.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 500)

	seen := make(map[int]bool)
	for _, leaf := range all {
		assert.False(t, leaf.IsCluster())
		assert.False(t, seen[leaf.ID])
		seen[leaf.ID] = true
	}

	page, err := sc.Leaves(root.Zoom, root.ID, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, all[:10], page)

	page, err = sc.Leaves(root.Zoom, root.ID, 10, 95)
	require.NoError(t, err)
	assert.Equal(t, all[95:105], page)

	page, err = sc.Leaves(root.Zoom, root.ID, 10, 495)
	require.NoError(t, err)
	assert.Equal(t, all[495:], page)
}

func TestExpansionZoom(t *testing.T) {
	sc := mustBuild(t, twoPairs(), DefaultOptions())

	for _, node := range sc.GetClusters(world, 0) {
		zoom, err := sc.ExpansionZoom(node.Zoom, node.ID)
		require.NoError(t, err)
		assert.Equal(t, node.Zoom+1, zoom)
		assert.Len(t, sc.GetClusters(orb.Bound{Min: orb.Point{node.Lng - 0.01, node.Lat - 0.01}, Max: orb.Point{node.Lng + 0.01, node.Lat + 0.01}}, zoom), 2)
	}

	_, err := sc.ExpansionZoom(5, 999)
	assert.True(t, errors.Is(err, ErrClusterNotFound))
}
