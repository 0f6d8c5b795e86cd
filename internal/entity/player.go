package entity

import "time"

// Sample is one authoritative observation of a player.
type Sample struct {
	Position Vec2
	Velocity Vec2
	Yaw      float64
}

// LocalPlayer is the input-driven, authoritative entity on a client.
type LocalPlayer struct {
	Position Vec2
	Velocity Vec2
	Yaw      float64
}

// Step advances the player by dt under the held keys at speed units per
// second and clamps the result to bounds.
func (p *LocalPlayer) Step(keys Keys, dt time.Duration, bounds Bounds, speed float64) {
	dir, yaw, ok := Direction(keys)
	if ok {
		p.Yaw = yaw
	}
	p.Velocity = dir.Scale(speed)
	p.Position = bounds.Clamp(p.Position.Add(p.Velocity.Scale(dt.Seconds())))
}

// Spawn places the player at pos facing east and at rest.
func (p *LocalPlayer) Spawn(pos Vec2) {
	p.Position = pos
	p.Velocity = Vec2{}
	p.Yaw = 0
}

// Sample returns the player's current state for an Update packet.
func (p *LocalPlayer) Sample() Sample {
	return Sample{Position: p.Position, Velocity: p.Velocity, Yaw: p.Yaw}
}
