package machine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mastercactapus/atc/coord"
	"github.com/mastercactapus/atc/gcode"
)

// Units is the active length unit of the controller.
type Units string

const (
	Inch       Units = "inch"
	Millimeter Units = "mm"
)

const mmPerInch = 25.4

func (u Units) Inch() bool { return u == Inch }

// ParseUnits accepts "inch"/"in" and "mm".
func ParseUnits(s string) (Units, error) {
	switch s {
	case "inch", "in":
		return Inch, nil
	case "mm":
		return Millimeter, nil
	}
	return "", fmt.Errorf("unknown units %q", s)
}

var (
	ErrTimeout       = errors.New("timed out waiting for machine")
	ErrAlarm         = errors.New("machine in alarm state")
	ErrUnknownSignal = errors.New("unknown signal")
	ErrNoStatus      = errors.New("no status from controller")
)

// Host is everything the tool changer needs from the machine controller.
//
// Execute blocks until the controller is idle again or the configured
// motion timeout elapses, and reports whether the block was rejected.
// Prompt blocks until the operator acknowledges the message.
type Host interface {
	IsAxisHomed(coord.Axis) bool
	AxisMachinePosition(coord.Axis) (float64, error)

	CurrentTool() (int, error)
	SetCurrentTool(int) error

	Execute(context.Context, gcode.Block) error
	Units() (Units, error)
	SetUnits(Units) error

	Signal(name string) (bool, error)
	SetSignal(name string, on bool) error

	Sleep(context.Context, time.Duration)
	Notify(message string)
	Prompt(ctx context.Context, message string) error

	Idle() bool
	FeedHold() error
	CycleStop() error
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
