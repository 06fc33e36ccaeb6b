package graph

import (
	"strconv"
	"strings"

	"github.com/cbegin/loopgraph-go/internal/loop"
)

// Vector is a fixed-dimension stimulus or edge vector. The dimension is set
// when the graph is built; vectors of other lengths are rejected.
type Vector []float64

// OneHot returns a vector of length n with a 1 at index i.
func OneHot(n, i int) Vector {
	v := make(Vector, n)
	if i >= 0 && i < n {
		v[i] = 1
	}
	return v
}

// Dot is only defined for vectors of equal length.
func Dot(a, b Vector) (float64, error) {
	if len(a) != len(b) {
		return 0, loop.Configf("", "dot product of vectors with length %d and %d", len(a), len(b))
	}
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum, nil
}

func (v Vector) Clone() Vector {
	return append(Vector(nil), v...)
}

func (v Vector) Equal(o Vector) bool {
	if len(v) != len(o) {
		return false
	}
	for i := range v {
		if v[i] != o[i] {
			return false
		}
	}
	return true
}

func (v Vector) String() string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.FormatFloat(x, 'g', -1, 64)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
