// Package sim is an in-memory machine.Host. It interprets motion with
// gcode.VM and records every executed block, for dry runs and tests.
package sim

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mastercactapus/atc/coord"
	"github.com/mastercactapus/atc/gcode"
	"github.com/mastercactapus/atc/machine"
)

const mmPerInch = 25.4

type Option func(*Host)

func WithLogger(l *zap.Logger) Option {
	return func(h *Host) { h.log = l }
}

// WithInput sets the initial value of an input signal.
func WithInput(name string, on bool) Option {
	return func(h *Host) { h.inputs[name] = on }
}

// WithTool starts the simulator with a tool in the spindle.
func WithTool(tool int) Option {
	return func(h *Host) { h.tool = tool }
}

// Homed starts the simulator already homed.
func Homed() Option {
	return func(h *Host) { h.homed = true }
}

// Host simulates a controller. Motion completes instantly and the
// machine is always idle; Sleep is skipped.
type Host struct {
	log *zap.Logger

	mx      sync.Mutex
	vm      *gcode.VM
	program []gcode.Block
	homed   bool
	tool    int
	inputs  map[string]bool
	outputs map[string]bool

	state    chan machine.State
	messages chan string
}

var _ machine.Host = &Host{}

func New(opts ...Option) *Host {
	h := &Host{
		log:      zap.NewNop(),
		vm:       gcode.NewVM(),
		inputs:   make(map[string]bool),
		outputs:  make(map[string]bool),
		state:    make(chan machine.State),
		messages: make(chan string, 16),
	}
	for _, o := range opts {
		o(h)
	}
	h.log = h.log.Named("sim")
	return h
}

// Home moves to machine zero and marks every axis homed.
func (h *Host) Home(context.Context) error {
	h.mx.Lock()
	h.vm.SetMPos(coord.Point{})
	h.homed = true
	h.mx.Unlock()
	h.publish()
	return nil
}

func (h *Host) IsAxisHomed(coord.Axis) bool {
	h.mx.Lock()
	defer h.mx.Unlock()
	return h.homed
}

func (h *Host) AxisMachinePosition(a coord.Axis) (float64, error) {
	h.mx.Lock()
	defer h.mx.Unlock()
	return h.vm.MPos().Get(a), nil
}

func (h *Host) CurrentTool() (int, error) {
	h.mx.Lock()
	defer h.mx.Unlock()
	return h.tool, nil
}

func (h *Host) SetCurrentTool(tool int) error {
	if tool < 0 {
		return fmt.Errorf("invalid tool %d", tool)
	}
	h.mx.Lock()
	h.tool = tool
	h.mx.Unlock()
	return nil
}

func (h *Host) Execute(ctx context.Context, b gcode.Block) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mx.Lock()
	err := h.vm.Run(b)
	if err == nil {
		h.program = append(h.program, b.Clone())
	}
	h.mx.Unlock()
	if err != nil {
		return fmt.Errorf("%s: %w", b, err)
	}
	h.log.Debug("execute", zap.Stringer("block", b))
	h.publish()
	return nil
}

// Run parses and executes raw g-code lines.
func (h *Host) Run(lines []string) error {
	blocks, err := gcode.Parse(strings.Join(lines, "\n"))
	if err != nil {
		return err
	}
	for _, b := range blocks {
		if err := h.Execute(context.Background(), b); err != nil {
			return err
		}
	}
	return nil
}

func (h *Host) Units() (machine.Units, error) {
	h.mx.Lock()
	defer h.mx.Unlock()
	if h.vm.Inches() {
		return machine.Inch, nil
	}
	return machine.Millimeter, nil
}

func (h *Host) SetUnits(u machine.Units) error {
	if u != machine.Inch && u != machine.Millimeter {
		return fmt.Errorf("unknown units %q", u)
	}
	h.mx.Lock()
	defer h.mx.Unlock()
	return h.vm.Run(gcode.UnitsBlock(u.Inch()))
}

func (h *Host) Signal(name string) (bool, error) {
	h.mx.Lock()
	defer h.mx.Unlock()
	v, ok := h.inputs[name]
	if !ok {
		return false, fmt.Errorf("input %q: %w", name, machine.ErrUnknownSignal)
	}
	return v, nil
}

// SetInput changes the value reported for an input signal.
func (h *Host) SetInput(name string, on bool) {
	h.mx.Lock()
	h.inputs[name] = on
	h.mx.Unlock()
}

func (h *Host) SetSignal(name string, on bool) error {
	h.mx.Lock()
	h.outputs[name] = on
	h.mx.Unlock()
	h.log.Debug("set signal", zap.String("signal", name), zap.Bool("on", on))
	return nil
}

// Output returns the last value written to an output signal.
func (h *Host) Output(name string) bool {
	h.mx.Lock()
	defer h.mx.Unlock()
	return h.outputs[name]
}

func (h *Host) Sleep(context.Context, time.Duration) {}

func (h *Host) Notify(message string) {
	h.log.Info("operator notification", zap.String("message", message))
	select {
	case h.messages <- message:
	default:
	}
}

// Prompt is acknowledged immediately.
func (h *Host) Prompt(_ context.Context, message string) error {
	h.Notify(message)
	return nil
}

func (h *Host) Idle() bool       { return true }
func (h *Host) FeedHold() error  { return nil }
func (h *Host) CycleStop() error { return nil }

// Resume is a no-op; the simulator never holds.
func (h *Host) Resume() error { return nil }

// Messages delivers operator notifications; they are dropped if nobody
// is reading.
func (h *Host) Messages() <-chan string { return h.messages }

// Program returns a copy of every block executed so far.
func (h *Host) Program() []gcode.Block {
	h.mx.Lock()
	defer h.mx.Unlock()
	return append([]gcode.Block(nil), h.program...)
}

// State delivers a status report after each motion; reports are dropped
// if nobody is reading.
func (h *Host) State() chan machine.State { return h.state }

// CurrentState reports the simulated status; positions are in millimeters.
func (h *Host) CurrentState() machine.State {
	h.mx.Lock()
	defer h.mx.Unlock()
	st := machine.State{Status: "Idle", MPos: h.vm.MPos(), WCO: h.vm.WCO()}
	if h.vm.Inches() {
		st.MPos = st.MPos.Mul(mmPerInch)
	}
	return st
}

func (h *Host) publish() {
	select {
	case h.state <- h.CurrentState():
	default:
	}
}
