package coord

import (
	"fmt"
	"math"
)

// Axis identifies one of the three linear machine axes.
type Axis byte

const (
	X Axis = 'X'
	Y Axis = 'Y'
	Z Axis = 'Z'
)

// Axes lists the linear axes in X, Y, Z order.
var Axes = [...]Axis{X, Y, Z}

func (a Axis) String() string { return string(a) }

type Point struct{ X, Y, Z float64 }

func (p Point) Equal(b Point) bool {
	return p.X == b.X && p.Y == b.Y && p.Z == b.Z
}

// Get returns the value of p along a.
func (p Point) Get(a Axis) float64 {
	switch a {
	case X:
		return p.X
	case Y:
		return p.Y
	case Z:
		return p.Z
	}
	panic(fmt.Sprintf("coord: unknown axis %q", byte(a)))
}

// Set returns a copy of p with the value along a replaced.
func (p Point) Set(a Axis, val float64) Point {
	switch a {
	case X:
		p.X = val
	case Y:
		p.Y = val
	case Z:
		p.Z = val
	default:
		panic(fmt.Sprintf("coord: unknown axis %q", byte(a)))
	}
	return p
}

// Finite returns true if no component is NaN or infinite.
func (p Point) Finite() bool {
	for _, v := range [...]float64{p.X, p.Y, p.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func (p Point) Mul(val float64) Point {
	p.X *= val
	p.Y *= val
	p.Z *= val
	return p
}

func (p Point) Div(val float64) Point {
	p.X /= val
	p.Y /= val
	p.Z /= val
	return p
}

// Add will add the target values to p.
func (p Point) Add(target Point) Point {
	p.X += target.X
	p.Y += target.Y
	p.Z += target.Z
	return p
}

// Sub will subtract the target values from p.
func (p Point) Sub(target Point) Point {
	p.X -= target.X
	p.Y -= target.Y
	p.Z -= target.Z
	return p
}

// DistanceXY will return the 2D distance to p from (x,y).
func (p Point) DistanceXY(x, y float64) float64 {
	return math.Sqrt(math.Pow(x-p.X, 2) + math.Pow(y-p.Y, 2))
}
