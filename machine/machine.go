package machine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/mastercactapus/atc/coord"
	"github.com/mastercactapus/atc/gcode"
)

// ToolStore persists the number of the tool in the spindle.
type ToolStore interface {
	Read() ([]byte, error)
	Write([]byte) error
}

type Option func(*Machine)

func WithLogger(l *zap.Logger) Option {
	return func(m *Machine) { m.log = l }
}

// WithToolStore persists the current tool so it survives a restart.
func WithToolStore(st ToolStore) Option {
	return func(m *Machine) { m.tools = st }
}

// Machine is a Host backed by a grbl controller.
type Machine struct {
	Adapter

	opt   Options
	log   *zap.Logger
	tools ToolStore

	mx         sync.Mutex
	homed      bool
	units      Units
	tool       int
	toolLoaded bool

	messages chan string
}

var _ Host = &Machine{}

// syncBlock makes grbl hold the "ok" until the planner is empty, so a
// write returns only after the motion before it has finished.
var syncBlock = gcode.Block{{W: 'G', Arg: 4}, {W: 'P', Arg: 0}}

func NewMachine(a Adapter, opt Options, opts ...Option) *Machine {
	def := DefaultOptions()
	if opt.MotionTimeout <= 0 {
		opt.MotionTimeout = def.MotionTimeout
	}
	if opt.HomingTimeout <= 0 {
		opt.HomingTimeout = def.HomingTimeout
	}
	if opt.PollInterval <= 0 {
		opt.PollInterval = def.PollInterval
	}
	if opt.Units == "" {
		opt.Units = def.Units
	}
	m := &Machine{
		Adapter:  a,
		opt:      opt,
		log:      zap.NewNop(),
		units:    opt.Units,
		messages: make(chan string, 16),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Messages delivers operator notifications. Messages are dropped if
// nobody is reading.
func (m *Machine) Messages() <-chan string {
	return m.messages
}

func (m *Machine) runBlocks(b ...gcode.Block) error {
	_, err := m.Adapter.ReadFrom(gcode.NewBuffer(gcode.NewBlocksReader(b...)))
	return err
}

func (m *Machine) writeLine(line string) error {
	_, err := m.Adapter.Write([]byte(strings.TrimSpace(line) + "\n"))
	return err
}

// Run sends raw lines to the controller and waits for them to be accepted.
func (m *Machine) Run(lines []string) error {
	for _, l := range lines {
		if err := m.writeLine(l); err != nil {
			return fmt.Errorf("%s: %w", strings.TrimSpace(l), err)
		}
	}
	return nil
}

func (m *Machine) waitIdle(ctx context.Context, timeout time.Duration) error {
	errBusy := errors.New("busy")
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		st := m.CurrentState().Status
		switch {
		case st == "Idle":
			return struct{}{}, nil
		case strings.HasPrefix(st, "Alarm"):
			return struct{}{}, backoff.Permanent(ErrAlarm)
		}
		return struct{}{}, errBusy
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(m.opt.PollInterval)),
		backoff.WithMaxElapsedTime(timeout),
	)
	if errors.Is(err, errBusy) {
		return fmt.Errorf("machine not idle after %s: %w", timeout, ErrTimeout)
	}
	return err
}

// active reports whether status means the controller is working through
// the program or is paused by the operator rather than stuck.
func active(status string) bool {
	switch {
	case status == "Run", status == "Jog", status == "Home":
		return true
	case strings.HasPrefix(status, "Hold"), strings.HasPrefix(status, "Door"):
		return true
	}
	return false
}

// waitAck waits for done. A move may take as long as it needs; waitAck
// only gives up once the controller has gone MotionTimeout without
// moving or reporting an active status.
func (m *Machine) waitAck(ctx context.Context, done <-chan error) error {
	t := time.NewTicker(m.opt.PollInterval)
	defer t.Stop()

	last := m.CurrentState()
	progress := time.Now()
	for {
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}

		st := m.CurrentState()
		switch {
		case strings.HasPrefix(st.Status, "Alarm"):
			return ErrAlarm
		case active(st.Status) || !st.MPos.Equal(last.MPos):
			progress = time.Now()
		case time.Since(progress) > m.opt.MotionTimeout:
			return fmt.Errorf("no progress for %s: %w", m.opt.MotionTimeout, ErrTimeout)
		}
		last = st
	}
}

// Execute sends b and waits for the motion to complete and the controller
// to report idle.
func (m *Machine) Execute(ctx context.Context, b gcode.Block) error {
	if err := b.Validate(); err != nil {
		return fmt.Errorf("invalid block %s: %w", b, err)
	}
	m.log.Debug("execute", zap.Stringer("block", b))

	done := make(chan error, 1)
	go func() { done <- m.runBlocks(b, syncBlock) }()
	if err := m.waitAck(ctx, done); err != nil {
		return fmt.Errorf("%s: %w", b, err)
	}

	if b.Has(gcode.Word{W: 'G', Arg: 20}) || b.Has(gcode.Word{W: 'G', Arg: 21}) {
		m.mx.Lock()
		m.units = Millimeter
		if b.Has(gcode.Word{W: 'G', Arg: 20}) {
			m.units = Inch
		}
		m.mx.Unlock()
	}

	return m.waitIdle(ctx, m.opt.MotionTimeout)
}

// Home runs the homing cycle.
func (m *Machine) Home(ctx context.Context) error {
	m.log.Info("homing")
	if err := m.writeLine("$H"); err != nil {
		return fmt.Errorf("home: %w", err)
	}
	if err := m.waitIdle(ctx, m.opt.HomingTimeout); err != nil {
		return fmt.Errorf("home: %w", err)
	}
	m.mx.Lock()
	m.homed = true
	m.mx.Unlock()
	return nil
}

// IsAxisHomed reports whether homing has completed since start. grbl homes
// all axes together, so the answer is the same for every axis.
func (m *Machine) IsAxisHomed(coord.Axis) bool {
	if strings.HasPrefix(m.CurrentState().Status, "Alarm") {
		return false
	}
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.homed || m.opt.AssumeHomed
}

// AxisMachinePosition returns the machine position of a in the active units.
func (m *Machine) AxisMachinePosition(a coord.Axis) (float64, error) {
	st := m.CurrentState()
	if st.Status == "" {
		return 0, ErrNoStatus
	}
	v := st.MPos.Get(a)
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.units.Inch() {
		v /= mmPerInch
	}
	return v, nil
}

type toolRecord struct {
	Tool int `json:"tool"`
}

func (m *Machine) CurrentTool() (int, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.toolLoaded || m.tools == nil {
		return m.tool, nil
	}

	data, err := m.tools.Read()
	if errors.Is(err, os.ErrNotExist) {
		m.toolLoaded = true
		return m.tool, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read current tool: %w", err)
	}
	var rec toolRecord
	if err = json.Unmarshal(data, &rec); err != nil {
		return 0, fmt.Errorf("read current tool: %w", err)
	}
	m.tool = rec.Tool
	m.toolLoaded = true
	return m.tool, nil
}

func (m *Machine) SetCurrentTool(tool int) error {
	if tool < 0 {
		return fmt.Errorf("invalid tool %d", tool)
	}
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.tools != nil {
		data, err := json.Marshal(toolRecord{Tool: tool})
		if err != nil {
			return err
		}
		if err = m.tools.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("write current tool: %w", err)
		}
	}
	m.tool = tool
	m.toolLoaded = true
	return nil
}

func (m *Machine) Units() (Units, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.units, nil
}

func (m *Machine) SetUnits(u Units) error {
	if u != Inch && u != Millimeter {
		return fmt.Errorf("unknown units %q", u)
	}
	if err := m.runBlocks(gcode.UnitsBlock(u.Inch())); err != nil {
		return fmt.Errorf("set units %s: %w", u, err)
	}
	m.mx.Lock()
	m.units = u
	m.mx.Unlock()
	return nil
}

func (m *Machine) Signal(name string) (bool, error) {
	pin, ok := m.opt.Inputs[name]
	if !ok {
		return false, fmt.Errorf("input %q: %w", name, ErrUnknownSignal)
	}
	st := m.CurrentState()
	if st.Status == "" {
		return false, ErrNoStatus
	}
	return strings.Contains(st.Pins, pin), nil
}

func (m *Machine) SetSignal(name string, on bool) error {
	out, ok := m.opt.Outputs[name]
	if !ok {
		return fmt.Errorf("output %q: %w", name, ErrUnknownSignal)
	}
	line := out.Off
	if on {
		line = out.On
	}
	m.log.Debug("set signal", zap.String("signal", name), zap.Bool("on", on))
	if err := m.writeLine(line); err != nil {
		return fmt.Errorf("output %q: %w", name, err)
	}
	return nil
}

func (m *Machine) Sleep(ctx context.Context, d time.Duration) { Sleep(ctx, d) }

func (m *Machine) Notify(message string) {
	m.log.Info("operator notification", zap.String("message", message))
	select {
	case m.messages <- message:
	default:
	}
}

// Prompt shows message and pauses the program with M0. It returns once
// the operator resumes (cycle start) and the controller is idle again.
func (m *Machine) Prompt(ctx context.Context, message string) error {
	m.Notify(message)
	if err := m.writeLine("M0"); err != nil {
		return fmt.Errorf("hold: %w", err)
	}

	t := time.NewTicker(m.opt.PollInterval)
	defer t.Stop()
	var held bool
	for {
		st := m.CurrentState().Status
		switch {
		case strings.HasPrefix(st, "Hold"):
			held = true
		case strings.HasPrefix(st, "Alarm"):
			return ErrAlarm
		case held && st == "Idle":
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (m *Machine) Idle() bool { return m.CurrentState().Status == "Idle" }

func (m *Machine) FeedHold() error { return m.WriteByte(RealtimeFeedHold) }

// CycleStop aborts the program with a soft reset. The reset puts the
// parser back in its power-on units.
func (m *Machine) CycleStop() error {
	if err := m.WriteByte(RealtimeReset); err != nil {
		return err
	}
	m.mx.Lock()
	m.units = m.opt.Units
	m.mx.Unlock()
	return nil
}

// Resume releases a feed hold or M0 pause.
func (m *Machine) Resume() error { return m.WriteByte(RealtimeCycleStart) }
