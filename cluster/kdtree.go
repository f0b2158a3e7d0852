package cluster

import (
	"math"

	"github.com/paulmach/orb"
)

// DefaultNodeSize is the leaf bucket size used when none is configured.
const DefaultNodeSize = 64

// floydRivestCutoff is the range length above which select samples a
// narrower window before partitioning.
const floydRivestCutoff = 600

// Positioned is anything the KD-tree can index: a sequence of 2-D points.
type Positioned interface {
	Len() int
	XY(i int) (x, y float64)
}

// KDTree is a static 2-D index stored as two flat slices.
//
// IDs is a permutation of the input indices and Coords holds the matching
// x,y pairs interleaved. Every range [left, right] longer than NodeSize is
// split at its median m = (left+right)/2 on the axis of its depth: entries
// before m are <= the median and entries after it are >= the median.
// Shorter ranges are unsorted leaf buckets. The tree never changes after
// NewKDTree returns.
type KDTree struct {
	IDs      []uint32
	Coords   []float64
	NodeSize int
	Bounds   orb.Bound
}

// NewKDTree indexes points. nodeSize <= 0 selects DefaultNodeSize.
func NewKDTree(points Positioned, nodeSize int) *KDTree {
	if nodeSize <= 0 {
		nodeSize = DefaultNodeSize
	}
	n := points.Len()
	tree := &KDTree{
		IDs:      make([]uint32, n),
		Coords:   make([]float64, 2*n),
		NodeSize: nodeSize,
		Bounds: orb.Bound{
			Min: orb.Point{math.Inf(1), math.Inf(1)},
			Max: orb.Point{math.Inf(-1), math.Inf(-1)},
		},
	}

	for i := 0; i < n; i++ {
		x, y := points.XY(i)
		tree.IDs[i] = uint32(i)
		tree.Coords[2*i] = x
		tree.Coords[2*i+1] = y
		tree.Bounds = tree.Bounds.Extend(orb.Point{x, y})
	}

	tree.sort(0, n-1, 0)
	return tree
}

// newKDTreeFromArrays wraps already partitioned arrays, as read back from a
// snapshot.
func newKDTreeFromArrays(ids []uint32, coords []float64, nodeSize int) *KDTree {
	tree := &KDTree{
		IDs:      ids,
		Coords:   coords,
		NodeSize: nodeSize,
		Bounds: orb.Bound{
			Min: orb.Point{math.Inf(1), math.Inf(1)},
			Max: orb.Point{math.Inf(-1), math.Inf(-1)},
		},
	}
	for i := 0; i < len(ids); i++ {
		tree.Bounds = tree.Bounds.Extend(orb.Point{coords[2*i], coords[2*i+1]})
	}
	return tree
}

// Len returns the number of indexed points.
func (t *KDTree) Len() int {
	return len(t.IDs)
}

func (t *KDTree) sort(left, right, depth int) {
	if right-left <= t.NodeSize {
		return
	}

	m := (left + right) >> 1
	t.selectK(m, left, right, depth%2)

	t.sort(left, m-1, depth+1)
	t.sort(m+1, right, depth+1)
}

// selectK moves the k-th smallest element of [left, right] on the given
// axis to position k and partitions the range around it (Floyd-Rivest).
func (t *KDTree) selectK(k, left, right, axis int) {
	for right > left {
		if right-left > floydRivestCutoff {
			n := float64(right - left + 1)
			m := float64(k - left + 1)
			z := math.Log(n)
			s := 0.5 * math.Exp(2*z/3)
			sd := 0.5 * math.Sqrt(z*s*(n-s)/n)
			if m-n/2 < 0 {
				sd = -sd
			}
			newLeft := max(left, int(math.Floor(float64(k)-m*s/n+sd)))
			newRight := min(right, int(math.Floor(float64(k)+(n-m)*s/n+sd)))
			t.selectK(k, newLeft, newRight, axis)
		}

		pivot := t.Coords[2*k+axis]
		i := left
		j := right

		t.swapItem(left, k)
		if t.Coords[2*right+axis] > pivot {
			t.swapItem(left, right)
		}

		for i < j {
			t.swapItem(i, j)
			i++
			j--
			for t.Coords[2*i+axis] < pivot {
				i++
			}
			for t.Coords[2*j+axis] > pivot {
				j--
			}
		}

		if t.Coords[2*left+axis] == pivot {
			t.swapItem(left, j)
		} else {
			j++
			t.swapItem(j, right)
		}

		if j <= k {
			left = j + 1
		}
		if k <= j {
			right = j - 1
		}
	}
}

func (t *KDTree) swapItem(i, j int) {
	t.IDs[i], t.IDs[j] = t.IDs[j], t.IDs[i]
	t.Coords[2*i], t.Coords[2*j] = t.Coords[2*j], t.Coords[2*i]
	t.Coords[2*i+1], t.Coords[2*j+1] = t.Coords[2*j+1], t.Coords[2*i+1]
}

// Range returns the ids of all points inside the inclusive box.
func (t *KDTree) Range(minX, minY, maxX, maxY float64) []int {
	var result []int
	stack := []int{0, len(t.IDs) - 1, 0}

	for len(stack) > 0 {
		top := len(stack) - 3
		left, right, axis := stack[top], stack[top+1], stack[top+2]
		stack = stack[:top]

		if right-left <= t.NodeSize {
			for i := left; i <= right; i++ {
				x, y := t.Coords[2*i], t.Coords[2*i+1]
				if x >= minX && x <= maxX && y >= minY && y <= maxY {
					result = append(result, int(t.IDs[i]))
				}
			}
			continue
		}

		m := (left + right) >> 1
		x, y := t.Coords[2*m], t.Coords[2*m+1]
		if x >= minX && x <= maxX && y >= minY && y <= maxY {
			result = append(result, int(t.IDs[m]))
		}

		next := 1 - axis
		if (axis == 0 && minX <= x) || (axis == 1 && minY <= y) {
			stack = append(stack, left, m-1, next)
		}
		if (axis == 0 && maxX >= x) || (axis == 1 && maxY >= y) {
			stack = append(stack, m+1, right, next)
		}
	}

	return result
}

// Within returns the ids of all points at distance <= r from (qx, qy).
func (t *KDTree) Within(qx, qy, r float64) []int {
	var result []int
	stack := []int{0, len(t.IDs) - 1, 0}
	r2 := r * r

	for len(stack) > 0 {
		top := len(stack) - 3
		left, right, axis := stack[top], stack[top+1], stack[top+2]
		stack = stack[:top]

		if right-left <= t.NodeSize {
			for i := left; i <= right; i++ {
				if sqDist(t.Coords[2*i], t.Coords[2*i+1], qx, qy) <= r2 {
					result = append(result, int(t.IDs[i]))
				}
			}
			continue
		}

		m := (left + right) >> 1
		x, y := t.Coords[2*m], t.Coords[2*m+1]
		if sqDist(x, y, qx, qy) <= r2 {
			result = append(result, int(t.IDs[m]))
		}

		next := 1 - axis
		if (axis == 0 && qx-r <= x) || (axis == 1 && qy-r <= y) {
			stack = append(stack, left, m-1, next)
		}
		if (axis == 0 && qx+r >= x) || (axis == 1 && qy+r >= y) {
			stack = append(stack, m+1, right, next)
		}
	}

	return result
}

func sqDist(ax, ay, bx, by float64) float64 {
	dx := ax - bx
	dy := ay - by
	return dx*dx + dy*dy
}
