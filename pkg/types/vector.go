package types

import "math"

// Vector is a 2-D value type. No identity; equality is structural (==).
type Vector struct {
	X float64 `json:"x" mapstructure:"x"`
	Y float64 `json:"y" mapstructure:"y"`
}

func NewVector(x, y float64) Vector { return Vector{X: x, Y: y} }

func (v Vector) Add(o Vector) Vector { return Vector{v.X + o.X, v.Y + o.Y} }

func (v Vector) Sub(o Vector) Vector { return Vector{v.X - o.X, v.Y - o.Y} }

func (v Vector) Scale(s float64) Vector { return Vector{v.X * s, v.Y * s} }

func (v Vector) Magnitude() float64 { return math.Hypot(v.X, v.Y) }

// Normalize returns the unit vector in v's direction.
// The zero vector normalizes to the zero vector.
func (v Vector) Normalize() Vector {
	m := v.Magnitude()
	if m == 0 {
		return Vector{}
	}
	return Vector{v.X / m, v.Y / m}
}

func (v Vector) Distance(o Vector) float64 { return v.Sub(o).Magnitude() }

func (v Vector) Dot(o Vector) float64 { return v.X*o.X + v.Y*o.Y }

// IsZero reports whether both components are exactly zero.
func (v Vector) IsZero() bool { return v.X == 0 && v.Y == 0 }
