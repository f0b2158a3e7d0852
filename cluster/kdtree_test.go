package cluster

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type xyPoints [][2]float64

func (p xyPoints) Len() int                     { return len(p) }
func (p xyPoints) XY(i int) (float64, float64) { return p[i][0], p[i][1] }

func randomXY(n int, seed int64) xyPoints {
	r := rand.New(rand.NewSource(seed))
	pts := make(xyPoints, n)
	for i := range pts {
		pts[i] = [2]float64{r.Float64(), r.Float64()}
	}
	return pts
}

func bruteRange(pts xyPoints, minX, minY, maxX, maxY float64) []int {
	var ids []int
	for i, p := range pts {
		if p[0] >= minX && p[0] <= maxX && p[1] >= minY && p[1] <= maxY {
			ids = append(ids, i)
		}
	}
	return ids
}

func bruteWithin(pts xyPoints, qx, qy, r float64) []int {
	var ids []int
	for i, p := range pts {
		if sqDist(p[0], p[1], qx, qy) <= r*r {
			ids = append(ids, i)
		}
	}
	return ids
}

func sorted(ids []int) []int {
	out := append([]int(nil), ids...)
	sort.Ints(out)
	return out
}

// checkPartition walks the implicit tree and verifies every split.
func checkPartition(t *testing.T, tree *KDTree, left, right, depth int) {
	if right-left <= tree.NodeSize {
		return
	}
	m := (left + right) >> 1
	axis := depth % 2
	pivot := tree.Coords[2*m+axis]
	for i := left; i < m; i++ {
		require.LessOrEqual(t, tree.Coords[2*i+axis], pivot)
	}
	for i := m + 1; i <= right; i++ {
		require.GreaterOrEqual(t, tree.Coords[2*i+axis], pivot)
	}
	checkPartition(t, tree, left, m-1, depth+1)
	checkPartition(t, tree, m+1, right, depth+1)
}

func TestKDTreeEmpty(t *testing.T) {
	tree := NewKDTree(xyPoints{}, 0)
	assert.Equal(t, 0, tree.Len())
	assert.Equal(t, DefaultNodeSize, tree.NodeSize)
	assert.Empty(t, tree.Range(0, 0, 1, 1))
	assert.Empty(t, tree.Within(0.5, 0.5, 1))
}

func TestKDTreeSingleBucket(t *testing.T) {
	pts := xyPoints{{0.1, 0.1}, {0.5, 0.5}, {0.9, 0.9}}
	tree := NewKDTree(pts, 64)

	assert.Equal(t, []uint32{0, 1, 2}, tree.IDs)
	assert.ElementsMatch(t, []int{1}, tree.Range(0.4, 0.4, 0.6, 0.6))
	assert.ElementsMatch(t, []int{0, 1, 2}, tree.Range(0, 0, 1, 1))
	assert.ElementsMatch(t, []int{0}, tree.Within(0, 0, 0.2))
}

func TestKDTreeMatchesBruteForce(t *testing.T) {
	cases := []struct {
		name     string
		n        int
		nodeSize int
	}{
		{"small buckets", 500, 4},
		{"default buckets", 2000, 64},
		{"sampled select", 5000, 10},
		{"one per leaf", 700, 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pts := randomXY(tc.n, int64(tc.n))
			tree := NewKDTree(pts, tc.nodeSize)
			require.Equal(t, tc.n, tree.Len())
			checkPartition(t, tree, 0, tree.Len()-1, 0)

			r := rand.New(rand.NewSource(7))
			for q := 0; q < 50; q++ {
				x0, y0 := r.Float64(), r.Float64()
				x1, y1 := x0+r.Float64()*0.3, y0+r.Float64()*0.3
				assert.Equal(t, bruteRange(pts, x0, y0, x1, y1), sorted(tree.Range(x0, y0, x1, y1)))

				qx, qy, rad := r.Float64(), r.Float64(), r.Float64()*0.2
				assert.Equal(t, bruteWithin(pts, qx, qy, rad), sorted(tree.Within(qx, qy, rad)))
			}
		})
	}
}

func TestKDTreeDuplicateCoordinates(t *testing.T) {
	pts := make(xyPoints, 1000)
	for i := range pts {
		pts[i] = [2]float64{0.5, float64(i%3) / 10}
	}
	tree := NewKDTree(pts, 8)
	checkPartition(t, tree, 0, tree.Len()-1, 0)

	assert.Len(t, tree.Within(0.5, 0.1, 0), len(bruteWithin(pts, 0.5, 0.1, 0)))
	assert.Len(t, tree.Range(0.5, 0, 0.5, 0.2), 1000)
}

func TestKDTreeInclusiveBounds(t *testing.T) {
	pts := xyPoints{{0, 0}, {1, 1}, {0.5, 0.5}}
	tree := NewKDTree(pts, 1)

	assert.ElementsMatch(t, []int{0, 1, 2}, tree.Range(0, 0, 1, 1))
	assert.ElementsMatch(t, []int{0, 2}, tree.Within(0.25, 0.25, 0.25*1.5))
}

func TestKDTreeBounds(t *testing.T) {
	pts := xyPoints{{0.2, 0.7}, {0.8, 0.1}, {0.5, 0.5}}
	tree := NewKDTree(pts, 64)

	assert.Equal(t, 0.2, tree.Bounds.Min.X())
	assert.Equal(t, 0.1, tree.Bounds.Min.Y())
	assert.Equal(t, 0.8, tree.Bounds.Max.X())
	assert.Equal(t, 0.7, tree.Bounds.Max.Y())
}
