// Package layout places strip pixels in a two dimensional canvas and samples
// the canvas into the per-device image the bus consumes.
package layout

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrBadVertexList is returned for vertex lists that do not parse.
var ErrBadVertexList = errors.New("bad vertex list")

// Vertex is one corner of a strip path. Canvas coordinates span [-1, 1] on
// both axes with +y up. Scale weights the share of pixels given to the
// segment that starts at this vertex.
type Vertex struct {
	X, Y  float64
	Scale float64
}

// VertexList is a strip path in pixel order.
type VertexList []Vertex

// ParseVertexList parses "x y[ scale],x y[ scale],...". Scale defaults to 1.
// An empty string is an empty list.
func ParseVertexList(s string) (VertexList, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	terms := strings.Split(s, ",")
	out := make(VertexList, 0, len(terms))
	for _, term := range terms {
		fields := strings.Fields(term)
		if len(fields) < 2 || len(fields) > 3 {
			return nil, fmt.Errorf("%w: term %q needs \"x y\" or \"x y scale\"", ErrBadVertexList, term)
		}
		v := Vertex{Scale: 1}
		nums := []*float64{&v.X, &v.Y, &v.Scale}
		for i, f := range fields {
			n, err := strconv.ParseFloat(f, 64)
			if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
				return nil, fmt.Errorf("%w: term %q: bad number %q", ErrBadVertexList, term, f)
			}
			*nums[i] = n
		}
		if v.Scale < 0 {
			return nil, fmt.Errorf("%w: term %q: negative scale", ErrBadVertexList, term)
		}
		out = append(out, v)
	}
	return out, nil
}

// String renders the list in the form ParseVertexList accepts.
func (l VertexList) String() string {
	parts := make([]string, len(l))
	for i, v := range l {
		parts[i] = fmt.Sprintf("%0.3f %0.3f %0.2f", v.X, v.Y, v.Scale)
	}
	return strings.Join(parts, ",")
}

// Point is a canvas position.
type Point struct {
	X, Y float64
}

// Points spreads n sample points along the path. Each segment receives pixels
// in proportion to its length times the scale of its first vertex. A single
// vertex, or a path of zero length, puts every point on the first vertex.
func Points(l VertexList, n int) []Point {
	if n <= 0 || len(l) == 0 {
		return nil
	}
	pts := make([]Point, n)

	var total float64
	for i := 0; i+1 < len(l); i++ {
		total += segmentWeight(l[i], l[i+1])
	}
	if total == 0 {
		for i := range pts {
			pts[i] = Point{l[0].X, l[0].Y}
		}
		return pts
	}

	step := total / float64(n)
	var done float64
	p := 0
	for i := 0; i+1 < len(l) && p < n; i++ {
		a, b := l[i], l[i+1]
		w := segmentWeight(a, b)
		for p < n && float64(p)*step <= done+w {
			t := 0.0
			if w > 0 {
				t = (float64(p)*step - done) / w
			}
			pts[p] = Point{a.X + t*(b.X-a.X), a.Y + t*(b.Y-a.Y)}
			p++
		}
		done += w
	}
	// Rounding can leave the last points unassigned; pin them to the end.
	last := l[len(l)-1]
	for ; p < n; p++ {
		pts[p] = Point{last.X, last.Y}
	}
	return pts
}

func segmentWeight(a, b Vertex) float64 {
	return a.Scale * math.Hypot(b.X-a.X, b.Y-a.Y)
}
