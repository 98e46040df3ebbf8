package atc

import (
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/mastercactapus/atc/machine"
)

// Actuator is a changer output that can be driven manually.
type Actuator string

const (
	DrawbarOpen      Actuator = "drawbar_open"
	DrawbarClose     Actuator = "drawbar_close"
	DustCollectorOn  Actuator = "dust_collector_on"
	DustCollectorOff Actuator = "dust_collector_off"
	BlowOff          Actuator = "blow_off"
)

var ErrUnknownActuator = errors.New("unknown actuator")

// Actuators lists every actuator in the order they are shut off.
func Actuators() []Actuator {
	return []Actuator{DrawbarOpen, DrawbarClose, DustCollectorOn, DustCollectorOff, BlowOff}
}

// ParseActuator accepts an actuator name like "drawbar_open".
func ParseActuator(s string) (Actuator, error) {
	for _, a := range Actuators() {
		if string(a) == s {
			return a, nil
		}
	}
	return "", fmt.Errorf("%q: %w", s, ErrUnknownActuator)
}

func (s Signals) signal(a Actuator) (string, bool) {
	var name string
	switch a {
	case DrawbarOpen:
		name = s.DrawbarOpen
	case DrawbarClose:
		name = s.DrawbarClose
	case DustCollectorOn:
		name = s.DustCollectorOn
	case DustCollectorOff:
		name = s.DustCollectorOff
	case BlowOff:
		name = s.BlowOff
	}
	return name, name != ""
}

// Controls drives the changer outputs by hand. Every command is refused
// while a tool change is running.
type Controls struct {
	host machine.Host
	sig  Signals
	busy *atomic.Bool
	log  *zap.Logger
}

func (c *Controls) set(a Actuator, on bool) error {
	name, ok := c.sig.signal(a)
	if !ok {
		return fmt.Errorf("%q: %w", a, ErrUnknownActuator)
	}
	return c.host.SetSignal(name, on)
}

// Set drives a to on.
func (c *Controls) Set(a Actuator, on bool) error {
	op := "set " + string(a)
	return exclusive(c.busy, op, func() error {
		c.log.Info("manual output", zap.String("actuator", string(a)), zap.Bool("on", on))
		if err := c.set(a, on); err != nil {
			return &Error{Kind: KindCommand, Op: op, Reason: "output unreachable", Err: err}
		}
		return nil
	})
}

func (c *Controls) Enable(a Actuator) error  { return c.Set(a, true) }
func (c *Controls) Disable(a Actuator) error { return c.Set(a, false) }

// allOff attempts every actuator, even after a failure.
func (c *Controls) allOff() error {
	var errs []error
	for _, a := range Actuators() {
		if err := c.set(a, false); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a, err))
		}
	}
	return errors.Join(errs...)
}

// AllOff drives every actuator off.
func (c *Controls) AllOff() error {
	return exclusive(c.busy, "all off", func() error {
		if err := c.allOff(); err != nil {
			return &Error{Kind: KindCommand, Op: "all off", Reason: "output unreachable", Err: err}
		}
		return nil
	})
}

// ToolSeated reads the tool seated input.
func (c *Controls) ToolSeated() (bool, error) {
	return c.host.Signal(c.sig.ToolSeated)
}
