package entity

import (
	"maps"
	"slices"
	"time"
)

// Remote is a player known only through samples. Position is the
// extrapolated estimate; Base/BaseTime is the last authoritative sample.
type Remote struct {
	Position  Vec2
	Velocity  Vec2
	Yaw       float64
	Base      Vec2
	BaseTime  time.Time
	LastHeard time.Time
}

// Registry owns the remote entities of one tick loop, keyed by K (a player
// identity on clients, an endpoint on game instances).
type Registry[K comparable] struct {
	entities map[K]*Remote
}

// NewRegistry creates an empty registry.
func NewRegistry[K comparable]() *Registry[K] {
	return &Registry[K]{entities: make(map[K]*Remote)}
}

// Apply replaces the entity's base with s at time now, creating it if
// unseen. Extrapolation restarts from s; error never accumulates across
// samples. Reports whether the entity was created.
func (r *Registry[K]) Apply(key K, s Sample, now time.Time) bool {
	e, ok := r.entities[key]
	if !ok {
		e = &Remote{}
		r.entities[key] = e
	}
	e.Base = s.Position
	e.Position = s.Position
	e.Velocity = s.Velocity
	e.Yaw = s.Yaw
	e.BaseTime = now
	e.LastHeard = now
	return !ok
}

// Place rebases the entity on s, as when the server respawns it, without
// counting as traffic from the entity. Unseen entities are created as
// heard at now.
func (r *Registry[K]) Place(key K, s Sample, now time.Time) {
	e, ok := r.entities[key]
	if !ok {
		e = &Remote{LastHeard: now}
		r.entities[key] = e
	}
	e.Base = s.Position
	e.Position = s.Position
	e.Velocity = s.Velocity
	e.Yaw = s.Yaw
	e.BaseTime = now
}

// Touch records traffic from the entity without a new sample.
func (r *Registry[K]) Touch(key K, now time.Time) {
	if e, ok := r.entities[key]; ok {
		e.LastHeard = now
	}
}

// Extrapolate moves every entity to base + velocity*(now - baseTime),
// clamped to bounds.
func (r *Registry[K]) Extrapolate(now time.Time, bounds Bounds) {
	for _, e := range r.entities {
		elapsed := now.Sub(e.BaseTime).Seconds()
		e.Position = bounds.Clamp(e.Base.Add(e.Velocity.Scale(elapsed)))
	}
}

// Expire removes every entity not heard from for longer than timeout and
// returns their keys.
func (r *Registry[K]) Expire(now time.Time, timeout time.Duration) []K {
	var removed []K
	for key, e := range r.entities {
		if now.Sub(e.LastHeard) > timeout {
			delete(r.entities, key)
			removed = append(removed, key)
		}
	}
	return removed
}

// Get returns a copy of the entity.
func (r *Registry[K]) Get(key K) (Remote, bool) {
	e, ok := r.entities[key]
	if !ok {
		return Remote{}, false
	}
	return *e, true
}

// Remove deletes the entity.
func (r *Registry[K]) Remove(key K) {
	delete(r.entities, key)
}

// Clear removes every entity.
func (r *Registry[K]) Clear() {
	clear(r.entities)
}

// Len returns the number of entities.
func (r *Registry[K]) Len() int {
	return len(r.entities)
}

// Keys returns the keys in unspecified order.
func (r *Registry[K]) Keys() []K {
	return slices.Collect(maps.Keys(r.entities))
}

// Each calls fn for every entity.
func (r *Registry[K]) Each(fn func(K, Remote)) {
	for k, e := range r.entities {
		fn(k, *e)
	}
}
