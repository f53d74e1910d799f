package overlay

import (
	"math/rand"
	"sync"

	"github.com/1ureka/huddle/internal/tiles"
)

// Animator defaults, in render ticks and viewport pixels.
const (
	DefaultLifespan = 90
	DefaultDrift    = 80.0
	DefaultRise     = 4.0
)

// Layout resolves tile rectangles at the time of each tick.
type Layout interface {
	Bounds(identity string) (tiles.Rect, bool)
	Viewport() tiles.Rect
}

// AnimatorConfig tunes entity motion. Zero fields take the defaults.
type AnimatorConfig struct {
	Lifespan int     // ticks an entity lives
	Drift    float64 // total upward drift of anchored entities
	Rise     float64 // per-tick upward speed of free entities
	Rand     *rand.Rand
}

// Sprite is one entity as it should be drawn this frame.
type Sprite struct {
	ID      uint64
	Symbol  string
	Target  string
	X, Y    float64
	Opacity float64
}

type entity struct {
	id        uint64
	reaction  Reaction
	remaining int
	lifespan  int

	// free-floating state
	x, y, vy float64

	// anchored: whether the target tile has been observed
	seen bool
}

// Animator owns the set of live floating entities. Tick is called once per
// rendered frame; Spawn may be called from any goroutine.
type Animator struct {
	layout Layout
	cfg    AnimatorConfig

	mu       sync.Mutex
	entities []*entity
	nextID   uint64
}

// NewAnimator returns an Animator positioning entities against layout.
func NewAnimator(layout Layout, cfg AnimatorConfig) *Animator {
	if cfg.Lifespan <= 0 {
		cfg.Lifespan = DefaultLifespan
	}
	if cfg.Drift == 0 {
		cfg.Drift = DefaultDrift
	}
	if cfg.Rise == 0 {
		cfg.Rise = DefaultRise
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(rand.Int63()))
	}
	return &Animator{layout: layout, cfg: cfg}
}

// Spawn adds an entity for r.
func (a *Animator) Spawn(r Reaction) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.nextID++
	e := &entity{
		id:        a.nextID,
		reaction:  r,
		remaining: a.cfg.Lifespan,
		lifespan:  a.cfg.Lifespan,
	}
	if !r.Anchored() {
		vp := a.layout.Viewport()
		e.x = vp.X + a.cfg.Rand.Float64()*vp.W
		e.y = vp.Y + vp.H
		e.vy = -a.cfg.Rise
	}
	a.entities = append(a.entities, e)
}

// Tick advances every entity by one frame and returns those that are visible.
// An entity with lifespan L is drawn on L ticks, fully opaque on the first and
// at 1/L on the last, and is gone once the L-th tick returns.
//
// Anchored entities are positioned from their tile's current rectangle. One
// whose tile has not appeared yet stays hidden but keeps aging; once its tile
// has been seen, the entity is evicted on the first tick the tile is missing.
func (a *Animator) Tick() []Sprite {
	a.mu.Lock()
	defer a.mu.Unlock()

	sprites := make([]Sprite, 0, len(a.entities))
	live := a.entities[:0]

	for _, e := range a.entities {
		opacity := float64(e.remaining) / float64(e.lifespan)
		progress := 1 - opacity
		e.remaining--
		alive := e.remaining > 0

		if !e.reaction.Anchored() {
			e.y += e.vy
			if alive {
				live = append(live, e)
			}
			sprites = append(sprites, a.sprite(e, e.x, e.y, opacity))
			continue
		}

		rect, ok := a.layout.Bounds(e.reaction.Target)
		if !ok {
			if alive && !e.seen {
				live = append(live, e)
			}
			continue
		}
		e.seen = true
		if alive {
			live = append(live, e)
		}

		x := rect.X + e.reaction.OX*rect.W
		y := rect.Y + e.reaction.OY*rect.H - a.cfg.Drift*easeOut(progress)
		sprites = append(sprites, a.sprite(e, x, y, opacity))
	}

	for i := len(live); i < len(a.entities); i++ {
		a.entities[i] = nil
	}
	a.entities = live
	return sprites
}

// Remove drops the entity with id. Removing an unknown id is a no-op.
func (a *Animator) Remove(id uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, e := range a.entities {
		if e.id == id {
			a.entities = append(a.entities[:i], a.entities[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of live entities, hidden ones included.
func (a *Animator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entities)
}

func (a *Animator) sprite(e *entity, x, y, opacity float64) Sprite {
	return Sprite{
		ID:      e.id,
		Symbol:  e.reaction.Symbol,
		Target:  e.reaction.Target,
		X:       x,
		Y:       y,
		Opacity: opacity,
	}
}

// easeOut is the quadratic ease-out curve on [0, 1].
func easeOut(p float64) float64 {
	return p * (2 - p)
}
