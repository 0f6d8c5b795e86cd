package entity

// Keys is the directional key state sampled once per tick.
type Keys struct {
	North, East, South, West bool
}

// Any reports whether any direction is held.
func (k Keys) Any() bool {
	return k.North || k.East || k.South || k.West
}

type heading struct {
	dir Vec2
	yaw float64
}

// Direction maps held keys to a unit direction and a yaw in degrees.
// Diagonals win over cardinals; among cardinals the order is E, N, W, S.
// ok is false when no mapped combination is held, in which case the
// entity should stop and keep its previous yaw.
func Direction(k Keys) (dir Vec2, yaw float64, ok bool) {
	var h heading
	switch {
	case k.North && k.East:
		h = heading{Vec2{1, 1}, 45}
	case k.North && k.West:
		h = heading{Vec2{-1, 1}, 135}
	case k.South && k.West:
		h = heading{Vec2{-1, -1}, 225}
	case k.South && k.East:
		h = heading{Vec2{1, -1}, 315}
	case k.East:
		h = heading{Vec2{1, 0}, 0}
	case k.North:
		h = heading{Vec2{0, 1}, 90}
	case k.West:
		h = heading{Vec2{-1, 0}, 180}
	case k.South:
		h = heading{Vec2{0, -1}, 270}
	default:
		return Vec2{}, 0, false
	}
	return h.dir.Normalize(), h.yaw, true
}
