// Package entity tracks player entities: the locally controlled player
// integrated from input, and remote players extrapolated from their last
// authoritative sample (dead reckoning).
package entity

import "math"

// Vec2 is a point or velocity in world units (pixels).
type Vec2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (v Vec2) Add(o Vec2) Vec2      { return Vec2{v.X + o.X, v.Y + o.Y} }
func (v Vec2) Sub(o Vec2) Vec2      { return Vec2{v.X - o.X, v.Y - o.Y} }
func (v Vec2) Scale(s float64) Vec2 { return Vec2{v.X * s, v.Y * s} }
func (v Vec2) Len() float64         { return math.Hypot(v.X, v.Y) }
func (v Vec2) Dist(o Vec2) float64  { return v.Sub(o).Len() }

// Normalize returns the unit vector in v's direction, or zero.
func (v Vec2) Normalize() Vec2 {
	l := v.Len()
	if l == 0 {
		return Vec2{}
	}
	return Vec2{v.X / l, v.Y / l}
}

// Bounds is the playable area [0,Width] x [0,Height].
type Bounds struct {
	Width, Height float64
}

// Clamp moves p inside the bounds.
func (b Bounds) Clamp(p Vec2) Vec2 {
	return Vec2{
		X: min(max(p.X, 0), b.Width),
		Y: min(max(p.Y, 0), b.Height),
	}
}

// Contains reports whether p lies inside the bounds.
func (b Bounds) Contains(p Vec2) bool {
	return p.X >= 0 && p.X <= b.Width && p.Y >= 0 && p.Y <= b.Height
}
