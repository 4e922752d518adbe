package workflow

import (
	"iter"
	"strings"
)

// Dimension is one named matrix axis.
type Dimension struct {
	Name   string
	Values []string
}

// Matrix is an ordered set of dimensions whose cross product determines how
// many instances of a job are created.
type Matrix struct {
	Dimensions []Dimension
}

// Cell is a single dimension assignment.
type Cell struct {
	Name  string
	Value string
}

// Binding assigns one value to every non-empty dimension.
type Binding []Cell

// Map returns the binding as a name to value map.
func (b Binding) Map() map[string]string {
	m := make(map[string]string, len(b))
	for _, c := range b {
		m[c.Name] = c.Value
	}
	return m
}

// String joins the values in dimension order, e.g. "stable, ubuntu".
func (b Binding) String() string {
	values := make([]string, len(b))
	for i, c := range b {
		values[i] = c.Value
	}
	return strings.Join(values, ", ")
}

// axes returns the dimensions that contribute to the cross product.
// Dimensions without values are ignored.
func (m Matrix) axes() []Dimension {
	axes := make([]Dimension, 0, len(m.Dimensions))
	for _, d := range m.Dimensions {
		if len(d.Values) > 0 {
			axes = append(axes, d)
		}
	}
	return axes
}

// Size returns the number of bindings Expand yields. A matrix without
// dimensions has exactly one (empty) binding.
func (m Matrix) Size() int {
	n := 1
	for _, d := range m.axes() {
		n *= len(d.Values)
	}
	return n
}

// Expand returns the cross product of the matrix dimensions. The first
// dimension varies slowest. The sequence is lazy and can be ranged over any
// number of times.
func (m Matrix) Expand() iter.Seq[Binding] {
	axes := m.axes()
	return func(yield func(Binding) bool) {
		idx := make([]int, len(axes))
		for {
			b := make(Binding, len(axes))
			for i, d := range axes {
				b[i] = Cell{Name: d.Name, Value: d.Values[idx[i]]}
			}
			if !yield(b) {
				return
			}

			// odometer increment, last axis fastest
			i := len(axes) - 1
			for ; i >= 0; i-- {
				idx[i]++
				if idx[i] < len(axes[i].Values) {
					break
				}
				idx[i] = 0
			}
			if i < 0 {
				return
			}
		}
	}
}
