// Package atc runs automatic tool changes: putting the spindle's tool
// back in its pocket and picking up another one.
package atc

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mastercactapus/atc/coord"
	"github.com/mastercactapus/atc/machine"
	"github.com/mastercactapus/atc/pocket"
)

type Option func(*Changer)

func WithLogger(l *zap.Logger) Option {
	return func(c *Changer) { c.log = l }
}

// WithMetrics registers the sequence counters with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *Changer) { c.metrics.mustRegister(reg) }
}

// Changer sequences tool changes on a host. Only one sequence runs at a
// time; pocket maintenance and manual outputs wait their turn the same way.
type Changer struct {
	host machine.Host
	reg  *pocket.Registry
	opt  Options
	log  *zap.Logger

	metrics  *metrics
	controls *Controls
	busy     atomic.Bool
}

func New(host machine.Host, reg *pocket.Registry, opt Options, opts ...Option) *Changer {
	c := &Changer{
		host:    host,
		reg:     reg,
		opt:     opt,
		log:     zap.NewNop(),
		metrics: newMetrics(),
	}
	for _, o := range opts {
		o(c)
	}
	c.controls = &Controls{host: host, sig: opt.Signals, busy: &c.busy, log: c.log}
	return c
}

func (c *Changer) Controls() *Controls        { return c.controls }
func (c *Changer) Registry() *pocket.Registry { return c.reg }
func (c *Changer) Options() Options           { return c.opt }
func (c *Changer) Host() machine.Host         { return c.host }

// Busy reports whether a sequence or other exclusive command is running.
func (c *Changer) Busy() bool { return c.busy.Load() }

// exclusive holds busy for the duration of fn, failing with KindBusy if
// it is already held.
func exclusive(busy *atomic.Bool, op string, fn func() error) error {
	if !busy.CompareAndSwap(false, true) {
		return busyError(op)
	}
	defer busy.Store(false)
	return fn()
}

// Exclusive runs fn with the changer held, so no tool change, pocket edit
// or manual output can start until it returns. Use it for anything else
// that moves the machine, such as homing or raw g-code.
func (c *Changer) Exclusive(op string, fn func() error) error {
	return exclusive(&c.busy, op, fn)
}

// UnloadTool returns the tool in the spindle to its pocket.
func (c *Changer) UnloadTool(ctx context.Context) error {
	if !c.busy.CompareAndSwap(false, true) {
		return busyError("unload")
	}
	defer c.busy.Store(false)

	start := time.Now()
	err := c.newSequence(ctx, "unload").unload()
	c.metrics.observe("unload", start, err)
	return err
}

// LoadTool puts tool in the spindle, first returning any other tool to
// its pocket.
func (c *Changer) LoadTool(ctx context.Context, tool int) error {
	if !c.busy.CompareAndSwap(false, true) {
		return busyError("load")
	}
	defer c.busy.Store(false)

	start := time.Now()
	err := c.newSequence(ctx, "load").load(tool)
	c.metrics.observe("load", start, err)
	return err
}

// CapturePocket teaches pocket id the current machine position.
func (c *Changer) CapturePocket(id int) (pocket.Pocket, error) {
	if !c.busy.CompareAndSwap(false, true) {
		return pocket.Pocket{}, busyError("capture")
	}
	defer c.busy.Store(false)

	for _, a := range coord.Axes {
		if !c.host.IsAxisHomed(a) {
			return pocket.Pocket{}, &Error{Kind: KindPrecondition, Op: "capture", Reason: fmt.Sprintf("%s axis not homed", a)}
		}
	}

	orig, err := c.host.Units()
	if err != nil {
		return pocket.Pocket{}, &Error{Kind: KindCommand, Op: "capture", Reason: "units unreadable", Err: err}
	}
	if orig != c.opt.Units {
		if err := c.host.SetUnits(c.opt.Units); err != nil {
			return pocket.Pocket{}, &Error{Kind: KindCommand, Op: "capture", Reason: "switch units", Err: err}
		}
		defer func() {
			if err := c.host.SetUnits(orig); err != nil {
				c.log.Error("restore units", zap.Error(err))
			}
		}()
	}

	p, err := c.reg.Capture(id, c.host)
	if err != nil {
		return p, &Error{Kind: KindCommand, Op: "capture", Reason: fmt.Sprintf("capture pocket %d", id), Err: err}
	}
	c.log.Info("pocket captured", zap.Int("pocket", p.ID), zap.Float64("x", p.Position.X), zap.Float64("y", p.Position.Y), zap.Float64("z", p.Position.Z))
	return p, nil
}

// ClearPocket forgets the position and tool of pocket id.
func (c *Changer) ClearPocket(id int) (pocket.Pocket, error) {
	if !c.busy.CompareAndSwap(false, true) {
		return pocket.Pocket{}, busyError("clear")
	}
	defer c.busy.Store(false)

	p, err := c.reg.Clear(id)
	if err != nil {
		return p, &Error{Kind: KindData, Op: "clear", Reason: fmt.Sprintf("clear pocket %d", id), Err: err}
	}
	return p, nil
}

// AssignTool records that pocket id holds tool.
func (c *Changer) AssignTool(id, tool int) (pocket.Pocket, error) {
	if !c.busy.CompareAndSwap(false, true) {
		return pocket.Pocket{}, busyError("assign")
	}
	defer c.busy.Store(false)

	p, err := c.reg.AssignTool(id, tool)
	switch {
	case err == nil:
	case tool < 0:
		return p, &Error{Kind: KindPrecondition, Op: "assign", Reason: fmt.Sprintf("invalid tool number %d", tool), Err: err}
	default:
		return p, &Error{Kind: KindData, Op: "assign", Reason: fmt.Sprintf("assign tool %d to pocket %d", tool, id), Err: err}
	}
	if ids := c.reg.Duplicates()[tool]; len(ids) > 1 {
		c.log.Warn("tool assigned to more than one pocket, lowest pocket wins", zap.Int("tool", tool), zap.Ints("pockets", ids))
	}
	return p, nil
}
