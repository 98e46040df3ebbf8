package atc

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mastercactapus/atc/coord"
	"github.com/mastercactapus/atc/machine"
	"github.com/mastercactapus/atc/pocket"
)

var stowPocket2 = []string{
	"execute G53G0Z0",
	"execute G53G1X7Y5F60",
	"execute G53G1X10Y5F60",
	"execute G53G1Z-2.5F60",
	"set drawbar_open on",
	"sleep 1s",
	"set drawbar_open off",
	"execute G53G0Z0",
}

func TestChanger_Unload(t *testing.T) {
	h := newFakeHost(4)
	c := newChanger(t, h)

	require.NoError(t, c.UnloadTool(context.Background()))
	assert.Equal(t, append(stowPocket2, "settool 0"), h.Calls())
	assert.Equal(t, 0, h.tool)
	assert.False(t, c.Busy())
}

func TestChanger_UnloadSwitchesUnits(t *testing.T) {
	h := newFakeHost(4)
	h.units = machine.Millimeter
	c := newChanger(t, h)

	require.NoError(t, c.UnloadTool(context.Background()))
	calls := h.Calls()
	assert.Equal(t, "units inch", calls[0])
	assert.Equal(t, stowPocket2, calls[1:len(calls)-2])
	assert.Equal(t, []string{"units mm", "settool 0"}, calls[len(calls)-2:])
	assert.Equal(t, machine.Millimeter, h.units)
}

func TestChanger_UnloadMotionFailure(t *testing.T) {
	for n := 1; n <= 5; n++ {
		h := newFakeHost(4)
		h.units = machine.Millimeter
		h.failExec = n
		c := newChanger(t, h)

		err := c.UnloadTool(context.Background())
		require.Error(t, err, "step %d", n)
		assert.ErrorIs(t, err, errMotion)
		assert.Equal(t, KindCommand, KindOf(err))

		assert.Equal(t, 4, h.tool, "step %d", n)
		assert.NotContains(t, h.Calls(), "settool 0")
		assert.Len(t, h.Executed(), n)
		assert.Len(t, h.notes, 1)
		assert.Contains(t, h.notes[0], "ATC: ")
		assert.Equal(t, machine.Millimeter, h.units, "units restored after failure")

		calls := h.Calls()
		assert.Equal(t, allOff, calls[len(calls)-len(allOff)-1:len(calls)-1])
		assert.NotContains(t, calls, "feedhold")
	}
}

func TestChanger_FailureStopsMachine(t *testing.T) {
	h := newFakeHost(4)
	h.idle = false
	h.failExec = 3
	c := newChanger(t, h)

	require.Error(t, c.UnloadTool(context.Background()))
	calls := h.Calls()
	i := len(h.Executed())
	assert.Equal(t, []string{"notify", "feedhold", "cyclestop"}, calls[i:i+3])
	assert.Equal(t, allOff, calls[i+3:])
}

func TestChanger_UnloadPreconditions(t *testing.T) {
	t.Run("no tool", func(t *testing.T) {
		h := newFakeHost(0)
		err := newChanger(t, h).UnloadTool(context.Background())
		assert.Equal(t, KindPrecondition, KindOf(err))
		assert.EqualError(t, err, "unload: no tool loaded")
		assert.Empty(t, h.Executed())
	})
	t.Run("not homed", func(t *testing.T) {
		h := newFakeHost(4)
		h.homed = false
		err := newChanger(t, h).UnloadTool(context.Background())
		assert.Equal(t, KindPrecondition, KindOf(err))
		assert.Contains(t, err.Error(), "not homed")
		assert.Empty(t, h.Executed())
	})
	t.Run("untaught", func(t *testing.T) {
		h := newFakeHost(4)
		c := newChanger(t, h)
		_, err := c.Registry().Clear(2)
		require.NoError(t, err)
		_, err = c.Registry().AssignTool(2, 4)
		require.NoError(t, err)

		err = c.UnloadTool(context.Background())
		assert.Equal(t, KindPrecondition, KindOf(err))
		assert.ErrorIs(t, err, pocket.ErrNotTaught)
		assert.Empty(t, h.Executed())
		assert.Equal(t, 4, h.tool)
	})
	t.Run("unknown tool", func(t *testing.T) {
		h := newFakeHost(9)
		err := newChanger(t, h).UnloadTool(context.Background())
		assert.ErrorIs(t, err, pocket.ErrNotFound)
		assert.Empty(t, h.Executed())
		assert.Equal(t, allOff, h.Calls()[1:])
	})
}

func TestChanger_LoadAlreadyLoaded(t *testing.T) {
	h := newFakeHost(4)
	c := newChanger(t, h)

	require.NoError(t, c.LoadTool(context.Background(), 4))
	assert.Equal(t, []string{"execute G53G0Z0"}, h.Calls())
}

func TestChanger_LoadNotAssigned(t *testing.T) {
	h := newFakeHost(4)
	c := newChanger(t, h)

	err := c.LoadTool(context.Background(), 7)
	require.Error(t, err)
	assert.Equal(t, KindPrecondition, KindOf(err))
	assert.Contains(t, err.Error(), "not assigned")
	assert.ErrorIs(t, err, pocket.ErrNotFound)
	assert.Empty(t, h.Executed())
	assert.Equal(t, 4, h.tool)

	err = c.LoadTool(context.Background(), 0)
	assert.Equal(t, KindPrecondition, KindOf(err))
	assert.ErrorIs(t, err, pocket.ErrInvalidTool)
	assert.Empty(t, h.Executed())
}

var pickupPocket3 = []string{
	"execute G53G0Z0",
	"execute G53G1X20Y5F60",
	"execute G53G1Z-2F60",
	"set blow_off on",
	"execute G53G1Z-2.5F10",
	"set blow_off off",
	"set drawbar_close on",
	"execute G53G1Z-3F10",
	"sleep 2s",
	"set drawbar_close off",
	"sleep 100ms",
	"read tool_seated",
}

var retractPocket3 = []string{
	"execute G53G0Z0",
	"execute G53G1X17F60",
	"settool 5",
}

func TestChanger_Load(t *testing.T) {
	h := newFakeHost(4)
	c := newChanger(t, h)

	require.NoError(t, c.LoadTool(context.Background(), 5))

	var want []string
	want = append(want, stowPocket2...)
	want = append(want, "settool 0")
	want = append(want, pickupPocket3...)
	want = append(want, retractPocket3...)
	assert.Equal(t, want, h.Calls())
	assert.Equal(t, 5, h.tool)
	assert.Equal(t, 3, c.Registry().CurrentID())
	assert.Empty(t, h.notes)
}

func TestChanger_LoadEmptySpindle(t *testing.T) {
	h := newFakeHost(0)
	c := newChanger(t, h)

	require.NoError(t, c.LoadTool(context.Background(), 5))
	assert.Equal(t, append(append([]string(nil), pickupPocket3...), retractPocket3...), h.Calls())
}

func TestChanger_LoadSeatRetry(t *testing.T) {
	h := newFakeHost(0)
	h.seated = []bool{false, true}
	c := newChanger(t, h)

	require.NoError(t, c.LoadTool(context.Background(), 5))

	var want []string
	want = append(want, pickupPocket3...)
	want = append(want,
		"set drawbar_open on",
		"execute G53G1Z-2.75F10",
		"set drawbar_open off",
		"set drawbar_close on",
		"execute G53G1Z-3F10",
		"sleep 2s",
		"set drawbar_close off",
		"sleep 100ms",
		"read tool_seated",
	)
	want = append(want, retractPocket3...)
	assert.Equal(t, want, h.Calls())
	assert.Equal(t, 0, h.prompts)
	assert.Equal(t, 5, h.tool)
}

func TestChanger_LoadSeatPrompt(t *testing.T) {
	h := newFakeHost(0)
	h.seated = []bool{false, false}
	c := newChanger(t, h)

	require.NoError(t, c.LoadTool(context.Background(), 5))
	assert.Equal(t, 1, h.prompts)
	assert.Equal(t, 2, h.reads)
	assert.Equal(t, 5, h.tool)

	calls := h.Calls()
	i := len(calls) - len(retractPocket3) - 4
	assert.Equal(t, []string{"prompt", "set drawbar_close on", "sleep 2s", "set drawbar_close off"}, calls[i:i+4])
	assert.Equal(t, 1, countOf(calls, "execute G53G1Z-2.75F10"))
}

func TestChanger_LoadUnloadFails(t *testing.T) {
	h := newFakeHost(4)
	h.failExec = 2
	c := newChanger(t, h)

	err := c.LoadTool(context.Background(), 5)
	require.Error(t, err)
	assert.Equal(t, "load", err.(*Error).Op)
	assert.Len(t, h.notes, 1, "reported once")
	assert.Len(t, h.Executed(), 2)
	assert.Equal(t, 4, h.tool)
}

func TestChanger_LoadPickupFails(t *testing.T) {
	for n := 1; n <= 6; n++ {
		h := newFakeHost(0)
		h.failExec = n
		c := newChanger(t, h)

		err := c.LoadTool(context.Background(), 5)
		require.Error(t, err, "step %d", n)
		assert.Equal(t, 0, h.tool, "step %d", n)
		assert.Len(t, h.notes, 1)
	}
}

func TestChanger_SignalFailure(t *testing.T) {
	h := newFakeHost(0)
	h.failSignal = "blow_off"
	c := newChanger(t, h)

	err := c.LoadTool(context.Background(), 5)
	assert.Equal(t, KindCommand, KindOf(err))
	assert.ErrorIs(t, err, machine.ErrUnknownSignal)
	assert.Equal(t, 0, h.tool)
	assert.Len(t, h.Executed(), 3)
}

func TestChanger_BusyManualOutput(t *testing.T) {
	h := newFakeHost(4)
	started := make(chan struct{})
	release := make(chan struct{})
	h.onSignal = func(string, bool) {
		close(started)
		<-release
	}
	c := newChanger(t, h)

	done := make(chan error, 1)
	go func() { done <- c.Controls().Enable(BlowOff) }()
	<-started

	assert.True(t, c.Busy())
	assert.Equal(t, KindBusy, KindOf(c.LoadTool(context.Background(), 5)))
	assert.Equal(t, KindBusy, KindOf(c.UnloadTool(context.Background())))
	assert.Equal(t, KindBusy, KindOf(c.Controls().AllOff()))
	assert.Equal(t, KindBusy, KindOf(c.Exclusive("home", func() error { return nil })))
	assert.Empty(t, h.Executed())

	close(release)
	require.NoError(t, <-done)
	assert.False(t, c.Busy())
}

func TestChanger_Exclusive(t *testing.T) {
	h := newFakeHost(4)
	c := newChanger(t, h)

	var during error
	err := c.Exclusive("run", func() error {
		during = c.LoadTool(context.Background(), 5)
		return errors.New("stalled")
	})
	assert.EqualError(t, err, "stalled")
	assert.Equal(t, KindBusy, KindOf(during))
	assert.Empty(t, h.Executed())
	assert.False(t, c.Busy())
}

func TestChanger_Busy(t *testing.T) {
	h := newFakeHost(4)
	started := make(chan struct{})
	release := make(chan struct{})
	h.onExecute = func(n int) {
		if n == 1 {
			close(started)
			<-release
		}
	}
	c := newChanger(t, h)

	done := make(chan error, 1)
	go func() { done <- c.LoadTool(context.Background(), 5) }()
	<-started

	assert.True(t, c.Busy())
	assert.Equal(t, KindBusy, KindOf(c.UnloadTool(context.Background())))
	assert.Equal(t, KindBusy, KindOf(c.LoadTool(context.Background(), 4)))
	assert.Equal(t, KindBusy, KindOf(c.Controls().Enable(BlowOff)))
	_, err := c.AssignTool(1, 8)
	assert.Equal(t, KindBusy, KindOf(err))

	close(release)
	require.NoError(t, <-done)
	assert.Empty(t, h.notes)
	assert.Equal(t, 5, h.tool)
}

func TestChanger_Cancel(t *testing.T) {
	h := newFakeHost(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.onExecute = func(n int) {
		if n == 2 {
			cancel()
		}
	}
	c := newChanger(t, h)

	err := c.UnloadTool(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, KindCommand, KindOf(err))
	assert.Len(t, h.Executed(), 2, "running step finishes")
	assert.Equal(t, 4, h.tool)
}

func TestChanger_CapturePocket(t *testing.T) {
	h := newFakeHost(0)
	h.units = machine.Millimeter
	h.pos = coord.Point{X: 1.5, Y: 2.5, Z: -4}
	c := newChanger(t, h)

	p, err := c.CapturePocket(5)
	require.NoError(t, err)
	assert.True(t, p.Taught)
	assert.Equal(t, h.pos, p.Position)
	assert.Equal(t, []string{"units inch", "units mm"}, h.Calls())

	h.homed = false
	_, err = c.CapturePocket(5)
	assert.Equal(t, KindPrecondition, KindOf(err))
}

func TestChanger_AssignAndClear(t *testing.T) {
	c := newChanger(t, newFakeHost(0))

	p, err := c.AssignTool(1, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, p.Tool)
	assert.Equal(t, map[int][]int{4: {1, 2}}, c.Registry().Duplicates())

	_, err = c.AssignTool(1, -1)
	assert.Equal(t, KindPrecondition, KindOf(err))

	p, err = c.ClearPocket(2)
	require.NoError(t, err)
	assert.False(t, p.Taught)
	assert.Equal(t, pocket.Unassigned, p.Tool)
}

func TestChanger_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := newFakeHost(4)
	c := New(h, newChanger(t, h).Registry(), testOptions(), WithMetrics(reg))

	require.NoError(t, c.UnloadTool(context.Background()))
	require.Error(t, c.UnloadTool(context.Background()))

	families, err := reg.Gather()
	require.NoError(t, err)
	results := make(map[string]float64)
	for _, f := range families {
		if f.GetName() != "atc_sequences_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "result" {
					results[l.GetValue()] = m.GetCounter().GetValue()
				}
			}
		}
	}
	assert.Equal(t, map[string]float64{"ok": 1, "precondition": 1}, results)
}

func TestKindOf(t *testing.T) {
	err := &Error{Kind: KindCommand, Op: "load", Reason: "raise to safe Z failed", Err: errMotion}
	assert.EqualError(t, err, "load: raise to safe Z failed: error:9")
	assert.True(t, errors.Is(err, errMotion))
	assert.Equal(t, KindCommand, KindOf(err))
	assert.Equal(t, KindUnknown, KindOf(errMotion))
	assert.Equal(t, "busy", KindBusy.String())
}

func countOf(list []string, s string) (n int) {
	for _, v := range list {
		if v == s {
			n++
		}
	}
	return n
}
