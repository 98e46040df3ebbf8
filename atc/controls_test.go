package atc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mastercactapus/atc/machine"
)

func TestControls(t *testing.T) {
	h := newFakeHost(0)
	ctl := newChanger(t, h).Controls()

	require.NoError(t, ctl.Enable(DustCollectorOn))
	require.NoError(t, ctl.Disable(DustCollectorOn))
	require.NoError(t, ctl.Set(BlowOff, true))
	assert.Equal(t, []string{
		"set dust_collector_on on",
		"set dust_collector_on off",
		"set blow_off on",
	}, h.Calls())

	seated, err := ctl.ToolSeated()
	require.NoError(t, err)
	assert.True(t, seated)

	err = ctl.Enable("coolant")
	assert.ErrorIs(t, err, ErrUnknownActuator)
	assert.Equal(t, KindCommand, KindOf(err))
}

func TestControls_AllOff(t *testing.T) {
	h := newFakeHost(0)
	h.failSignal = "drawbar_close"
	ctl := newChanger(t, h).Controls()

	err := ctl.AllOff()
	assert.ErrorIs(t, err, machine.ErrUnknownSignal)
	assert.Equal(t, KindCommand, KindOf(err))
	assert.Equal(t, allOff, h.Calls(), "every actuator attempted")
}

func TestParseActuator(t *testing.T) {
	a, err := ParseActuator("drawbar_open")
	require.NoError(t, err)
	assert.Equal(t, DrawbarOpen, a)

	_, err = ParseActuator("spindle")
	assert.ErrorIs(t, err, ErrUnknownActuator)
}

func TestOptions_Validate(t *testing.T) {
	assert.NoError(t, DefaultOptions().Validate())

	opt := DefaultOptions()
	opt.CaptureOffset = opt.ApproachClearance + 0.1
	opt.FeedRate = 0
	opt.Signals.ToolSeated = ""
	opt.Units = "cubits"
	err := opt.Validate()
	require.Error(t, err)
	for _, s := range []string{"captureOffset", "feedRate", "signals.toolSeated", "units"} {
		assert.Contains(t, err.Error(), s)
	}
}
