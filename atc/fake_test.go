package atc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mastercactapus/atc/coord"
	"github.com/mastercactapus/atc/gcode"
	"github.com/mastercactapus/atc/machine"
	"github.com/mastercactapus/atc/pocket"
)

var errMotion = errors.New("error:9")

// fakeHost records every command in order.
type fakeHost struct {
	mx sync.Mutex

	calls   []string
	execs   int
	homed   bool
	tool    int
	units   machine.Units
	pos     coord.Point
	idle    bool
	seated  []bool
	reads   int
	notes   []string
	prompts int

	failExec   int
	failSignal string
	onExecute  func(n int)
	onSignal   func(name string, on bool)
}

var _ machine.Host = &fakeHost{}

func newFakeHost(tool int) *fakeHost {
	return &fakeHost{homed: true, tool: tool, units: machine.Inch, idle: true, seated: []bool{true}}
}

func (h *fakeHost) record(format string, args ...interface{}) {
	h.calls = append(h.calls, fmt.Sprintf(format, args...))
}

func (h *fakeHost) Calls() []string {
	h.mx.Lock()
	defer h.mx.Unlock()
	return append([]string(nil), h.calls...)
}

func (h *fakeHost) Executed() []string {
	var res []string
	for _, c := range h.Calls() {
		if len(c) > 8 && c[:8] == "execute " {
			res = append(res, c[8:])
		}
	}
	return res
}

func (h *fakeHost) IsAxisHomed(coord.Axis) bool {
	h.mx.Lock()
	defer h.mx.Unlock()
	return h.homed
}

func (h *fakeHost) AxisMachinePosition(a coord.Axis) (float64, error) {
	h.mx.Lock()
	defer h.mx.Unlock()
	return h.pos.Get(a), nil
}

func (h *fakeHost) CurrentTool() (int, error) {
	h.mx.Lock()
	defer h.mx.Unlock()
	return h.tool, nil
}

func (h *fakeHost) SetCurrentTool(tool int) error {
	h.mx.Lock()
	defer h.mx.Unlock()
	h.record("settool %d", tool)
	h.tool = tool
	return nil
}

func (h *fakeHost) Execute(ctx context.Context, b gcode.Block) error {
	h.mx.Lock()
	h.execs++
	n := h.execs
	hook := h.onExecute
	h.record("execute %s", b)
	fail := h.failExec == n
	h.mx.Unlock()

	if hook != nil {
		hook(n)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if fail {
		return errMotion
	}
	return nil
}

func (h *fakeHost) Units() (machine.Units, error) {
	h.mx.Lock()
	defer h.mx.Unlock()
	return h.units, nil
}

func (h *fakeHost) SetUnits(u machine.Units) error {
	h.mx.Lock()
	defer h.mx.Unlock()
	h.record("units %s", u)
	h.units = u
	return nil
}

func (h *fakeHost) Signal(name string) (bool, error) {
	h.mx.Lock()
	defer h.mx.Unlock()
	h.record("read %s", name)
	v := h.seated[len(h.seated)-1]
	if h.reads < len(h.seated) {
		v = h.seated[h.reads]
	}
	h.reads++
	return v, nil
}

func (h *fakeHost) SetSignal(name string, on bool) error {
	h.mx.Lock()
	state := "off"
	if on {
		state = "on"
	}
	h.record("set %s %s", name, state)
	fail := name == h.failSignal
	hook := h.onSignal
	h.mx.Unlock()

	if hook != nil {
		hook(name, on)
	}
	if fail {
		return machine.ErrUnknownSignal
	}
	return nil
}

func (h *fakeHost) Sleep(_ context.Context, d time.Duration) {
	h.mx.Lock()
	defer h.mx.Unlock()
	h.record("sleep %s", d)
}

func (h *fakeHost) Notify(message string) {
	h.mx.Lock()
	defer h.mx.Unlock()
	h.record("notify")
	h.notes = append(h.notes, message)
}

func (h *fakeHost) Prompt(ctx context.Context, message string) error {
	h.mx.Lock()
	defer h.mx.Unlock()
	h.record("prompt")
	h.prompts++
	return ctx.Err()
}

func (h *fakeHost) Idle() bool {
	h.mx.Lock()
	defer h.mx.Unlock()
	return h.idle
}

func (h *fakeHost) FeedHold() error {
	h.mx.Lock()
	defer h.mx.Unlock()
	h.record("feedhold")
	return nil
}

func (h *fakeHost) CycleStop() error {
	h.mx.Lock()
	defer h.mx.Unlock()
	h.record("cyclestop")
	return nil
}

type memStore struct{ data []byte }

func (s *memStore) Read() ([]byte, error) {
	if s.data == nil {
		return nil, os.ErrNotExist
	}
	return s.data, nil
}

func (s *memStore) Write(data []byte) error {
	s.data = append([]byte(nil), data...)
	return nil
}

func testOptions() Options {
	opt := DefaultOptions()
	opt.SafeZ = 0
	opt.ApproachOffsetX = 3
	opt.ApproachClearance = 0.5
	opt.BlowOffClearance = 1
	opt.CaptureOffset = 0
	opt.RetryOffset = 0.25
	opt.FeedRate = 60
	opt.SlowFeedRate = 10
	opt.DrawbarSettle = time.Second
	opt.DrawbarHold = 2 * time.Second
	opt.SeatSettle = 100 * time.Millisecond
	return opt
}

type position coord.Point

func (p position) AxisMachinePosition(a coord.Axis) (float64, error) {
	return coord.Point(p).Get(a), nil
}

// newChanger builds a changer with pocket 2 at (10, 5, -3) holding tool 4
// and pocket 3 at (20, 5, -3) holding tool 5.
func newChanger(t *testing.T, h *fakeHost) *Changer {
	t.Helper()
	log := zaptest.NewLogger(t)
	reg := pocket.New(6, &memStore{}, pocket.WithLogger(log))
	reg.EnsureLoaded()
	for id, p := range map[int]coord.Point{2: {X: 10, Y: 5, Z: -3}, 3: {X: 20, Y: 5, Z: -3}} {
		_, err := reg.Capture(id, position(p))
		require.NoError(t, err)
		_, err = reg.AssignTool(id, id+2)
		require.NoError(t, err)
	}
	return New(h, reg, testOptions(), WithLogger(log))
}

// allOff is what the failure path does to the outputs.
var allOff = []string{
	"set drawbar_open off",
	"set drawbar_close off",
	"set dust_collector_on off",
	"set dust_collector_off off",
	"set blow_off off",
}
