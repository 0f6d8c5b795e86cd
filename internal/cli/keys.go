package cli

import (
	"fmt"
	"strings"
	"sync"

	"github.com/energizer-project/flagrun/internal/entity"
)

// HeldKeys is the directional input the console sets and the session
// samples every frame.
type HeldKeys struct {
	mu   sync.Mutex
	keys entity.Keys
}

// Set replaces the held keys.
func (h *HeldKeys) Set(k entity.Keys) {
	h.mu.Lock()
	h.keys = k
	h.mu.Unlock()
}

// Get returns the held keys. It satisfies session.InputFunc.
func (h *HeldKeys) Get() entity.Keys {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.keys
}

// ParseKeys turns direction words into held keys. Each argument is either
// a word (north, east, south, west, stop) or a run of compass letters such
// as "ne".
func ParseKeys(args []string) (entity.Keys, error) {
	var k entity.Keys
	for _, arg := range args {
		switch strings.ToLower(arg) {
		case "stop", "none":
			k = entity.Keys{}
			continue
		case "north", "up":
			k.North = true
			continue
		case "south", "down":
			k.South = true
			continue
		case "east", "right":
			k.East = true
			continue
		case "west", "left":
			k.West = true
			continue
		}
		for _, r := range strings.ToLower(arg) {
			switch r {
			case 'n':
				k.North = true
			case 's':
				k.South = true
			case 'e':
				k.East = true
			case 'w':
				k.West = true
			default:
				return entity.Keys{}, fmt.Errorf("unknown direction %q", arg)
			}
		}
	}
	return k, nil
}

func formatKeys(k entity.Keys) string {
	var b strings.Builder
	for _, d := range []struct {
		held bool
		name string
	}{{k.North, "N"}, {k.East, "E"}, {k.South, "S"}, {k.West, "W"}} {
		if d.held {
			b.WriteString(d.name)
		}
	}
	if b.Len() == 0 {
		return "-"
	}
	return b.String()
}
