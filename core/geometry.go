package core

import "math"

// Vec3 is a projected map coordinate in metres; Z is elevation.
type Vec3 struct {
	X, Y, Z float64
}

// PlanDistanceTo returns the horizontal distance, ignoring elevation.
func (v Vec3) PlanDistanceTo(other Vec3) float64 {
	return math.Hypot(v.X-other.X, v.Y-other.Y)
}

// Lerp returns the point a fraction f of the way from v to other.
func (v Vec3) Lerp(other Vec3, f float64) Vec3 {
	return Vec3{
		X: v.X + (other.X-v.X)*f,
		Y: v.Y + (other.Y-v.Y)*f,
		Z: v.Z + (other.Z-v.Z)*f,
	}
}

// PointAt returns the map position of a particle at pos metres along p,
// interpolated between its end junctions. Unconnected or zero-length pipes
// report the inlet position.
func (p *Pipe) PointAt(pos float64) Vec3 {
	var a, b Vec3
	if p.From != nil {
		a = p.From.Position()
	}
	if p.To == nil {
		return a
	}
	b = p.To.Position()
	if p.length <= 0 {
		return a
	}
	f := math.Max(0, math.Min(1, pos/p.length))
	return a.Lerp(b, f)
}
