package pocket

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/mastercactapus/atc/coord"
)

// Store is where the pocket table is persisted.
type Store interface {
	Read() ([]byte, error)
	Write([]byte) error
}

// PositionSource reports live machine positions for Capture.
type PositionSource interface {
	AxisMachinePosition(coord.Axis) (float64, error)
}

type Option func(*Registry)

// WithLogger sets the logger used to report storage problems.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// Registry owns the pocket table. Every read returns a copy and every
// mutation is persisted before it returns.
//
// Pocket ids outside [1,Size] are clamped to the nearest valid id.
type Registry struct {
	mx      sync.Mutex
	size    int
	current int
	pockets []Pocket

	store Store
	log   *zap.Logger
}

// New creates a registry of size pockets backed by st. The table is
// not read until Load; until then accessors see default pockets.
func New(size int, st Store, opts ...Option) *Registry {
	if size < 1 {
		panic("pocket: size must be positive")
	}
	r := &Registry{
		size:    size,
		current: 1,
		store:   st,
		log:     zap.NewNop(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Registry) Size() int { return r.size }

func (r *Registry) clamp(id int) int {
	if id < 1 {
		return 1
	}
	if id > r.size {
		return r.size
	}
	return id
}

// EnsureLoaded creates the default table if none is in memory.
func (r *Registry) EnsureLoaded() {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.ensureLoaded()
}

func (r *Registry) ensureLoaded() {
	if r.pockets == nil {
		r.pockets = defaults(r.size)
	}
}

// Load replaces the in-memory table with the persisted one.
//
// Missing or corrupt data resets the table to defaults and writes them
// back immediately. Any other read failure is returned and neither the
// in-memory table nor the stored one is touched. clean is true only if
// the stored table parsed and matched the configured size.
func (r *Registry) Load() (clean bool, err error) {
	r.mx.Lock()
	defer r.mx.Unlock()

	data, err := r.store.Read()
	switch {
	case errors.Is(err, os.ErrNotExist):
		r.log.Info("no pocket table, writing defaults", zap.Int("pockets", r.size))
		r.pockets = defaults(r.size)
		return false, r.save()
	case err != nil:
		r.log.Error("read pocket table", zap.Error(err))
		return false, fmt.Errorf("read pocket table: %w", err)
	}

	pockets, clean, err := decode(data, r.size)
	if err != nil {
		r.log.Warn("pocket table corrupt, resetting to defaults", zap.Error(err))
		r.pockets = defaults(r.size)
		return false, r.save()
	}
	r.pockets = pockets
	if clean {
		return true, nil
	}
	r.log.Warn("pocket table normalized, rewriting", zap.Int("pockets", r.size))
	return false, r.save()
}

// Save writes the in-memory table to the store.
func (r *Registry) Save() error {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.ensureLoaded()
	return r.save()
}

func (r *Registry) save() error {
	data, err := encode(r.pockets)
	if err == nil {
		err = r.store.Write(data)
	}
	if err != nil {
		r.log.Error("save pocket table", zap.Error(err))
		return fmt.Errorf("save pocket table: %w", err)
	}
	return nil
}

// update applies fn to pocket id and persists the table. The in-memory
// change is kept even if the write fails.
func (r *Registry) update(id int, fn func(*Pocket)) (Pocket, error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.ensureLoaded()

	p := &r.pockets[r.clamp(id)-1]
	fn(p)
	return *p, r.save()
}

// Capture stores the live machine position into pocket id and marks it
// taught. The assigned tool is kept.
func (r *Registry) Capture(id int, src PositionSource) (Pocket, error) {
	var pos coord.Point
	for _, a := range coord.Axes {
		v, err := src.AxisMachinePosition(a)
		if err != nil {
			return r.Get(id), fmt.Errorf("read %s position: %w", a, err)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return r.Get(id), fmt.Errorf("read %s position: %w", a, ErrInvalidPosition)
		}
		pos = pos.Set(a, v)
	}

	return r.update(id, func(p *Pocket) {
		p.Position = pos
		p.Taught = true
	})
}

// Clear forgets the position and tool of pocket id.
func (r *Registry) Clear(id int) (Pocket, error) {
	return r.update(id, func(p *Pocket) {
		*p = defaultPocket(p.ID)
	})
}

// AssignTool records that pocket id holds tool. The pocket does not need
// to be taught. Assigning Unassigned empties the pocket.
func (r *Registry) AssignTool(id, tool int) (Pocket, error) {
	if tool < 0 {
		return r.Get(id), fmt.Errorf("tool %d: %w", tool, ErrInvalidTool)
	}
	return r.update(id, func(p *Pocket) {
		p.Tool = tool
	})
}

// Select makes id the current pocket and returns the clamped id.
func (r *Registry) Select(id int) int {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.current = r.clamp(id)
	return r.current
}

// SelectByTool makes the first pocket holding tool current. It returns
// false and leaves the selection alone if no pocket holds it.
func (r *Registry) SelectByTool(tool int) bool {
	p, err := r.PocketForTool(tool)
	if err != nil {
		return false
	}
	r.Select(p.ID)
	return true
}

func (r *Registry) CurrentID() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.current
}

func (r *Registry) Current() Pocket {
	return r.Get(r.CurrentID())
}

func (r *Registry) Get(id int) Pocket {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.ensureLoaded()
	return r.pockets[r.clamp(id)-1]
}

// Pockets returns a copy of the whole table, ordered by id.
func (r *Registry) Pockets() []Pocket {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.ensureLoaded()
	return append([]Pocket(nil), r.pockets...)
}
