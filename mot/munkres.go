package mot

import (
	"math"
)

// assignmentEps is tolerance for comparing totals of two assignments. Must stay below tie bias
const assignmentEps = 1e-12

// solveMaxAssignment is Kuhn-Munkres with potentials (O(n^3)) on a square weight matrix.
// Returns column index for every row maximizing total weight.
func solveMaxAssignment(weights [][]float64) []int {
	n := len(weights)
	// 1-based potentials: index 0 is the virtual row/column
	u := make([]float64, n+1)
	v := make([]float64, n+1)
	p := make([]int, n+1)
	way := make([]int, n+1)
	for i := 1; i <= n; i++ {
		p[0] = i
		j0 := 0
		minv := make([]float64, n+1)
		used := make([]bool, n+1)
		for j := range minv {
			minv[j] = math.Inf(1)
		}
		for {
			used[j0] = true
			i0 := p[j0]
			delta := math.Inf(1)
			j1 := 0
			for j := 1; j <= n; j++ {
				if used[j] {
					continue
				}
				// Maximization as minimization of negated weights
				cur := -weights[i0-1][j-1] - u[i0] - v[j]
				if cur < minv[j] {
					minv[j] = cur
					way[j] = j0
				}
				if minv[j] < delta {
					delta = minv[j]
					j1 = j
				}
			}
			for j := 0; j <= n; j++ {
				if used[j] {
					u[p[j]] += delta
					v[j] -= delta
				} else {
					minv[j] -= delta
				}
			}
			j0 = j1
			if p[j0] == 0 {
				break
			}
		}
		for {
			j1 := way[j0]
			p[j0] = p[j1]
			j0 = j1
			if j0 == 0 {
				break
			}
		}
	}
	rowToCol := make([]int, n)
	for j := 1; j <= n; j++ {
		if p[j] != 0 {
			rowToCol[p[j]-1] = j - 1
		}
	}
	return rowToCol
}

// assignmentTotal sums weights of assignment. Returns false when assignment is not a permutation
func assignmentTotal(weights [][]float64, rowToCol []int) (float64, bool) {
	n := len(weights)
	if len(rowToCol) != n {
		return 0, false
	}
	seen := make([]bool, n)
	total := 0.0
	for i, j := range rowToCol {
		if j < 0 || j >= n || seen[j] {
			return 0, false
		}
		seen[j] = true
		total += weights[i][j]
	}
	return total, true
}
