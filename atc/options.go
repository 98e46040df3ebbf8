package atc

import (
	"errors"
	"fmt"
	"time"

	"github.com/mastercactapus/atc/machine"
)

// Signals maps each actuator and input to a host signal name.
type Signals struct {
	DrawbarOpen      string `yaml:"drawbarOpen"`
	DrawbarClose     string `yaml:"drawbarClose"`
	DustCollectorOn  string `yaml:"dustCollectorOn"`
	DustCollectorOff string `yaml:"dustCollectorOff"`
	BlowOff          string `yaml:"blowOff"`
	ToolSeated       string `yaml:"toolSeated"`
}

// Options describe the changer geometry and timing. Distances are machine
// coordinates in Units; clearances are measured up from the pocket Z.
type Options struct {
	Units machine.Units `yaml:"units"`

	SafeZ float64 `yaml:"safeZ"`

	// ApproachOffsetX is subtracted from the pocket X to get the point the
	// spindle enters and leaves the pocket from.
	ApproachOffsetX float64 `yaml:"approachOffsetX"`

	ApproachClearance float64 `yaml:"approachClearance"`
	BlowOffClearance  float64 `yaml:"blowOffClearance"`
	CaptureOffset     float64 `yaml:"captureOffset"`
	RetryOffset       float64 `yaml:"retryOffset"`

	FeedRate     float64 `yaml:"feedRate"`
	SlowFeedRate float64 `yaml:"slowFeedRate"`

	// DrawbarSettle is how long the drawbar is held open to release a tool.
	DrawbarSettle time.Duration `yaml:"drawbarSettle"`
	// DrawbarHold is how long the drawbar close output is held to clamp.
	DrawbarHold time.Duration `yaml:"drawbarHold"`
	SeatSettle  time.Duration `yaml:"seatSettle"`

	Signals Signals `yaml:"signals"`
}

func DefaultOptions() Options {
	return Options{
		Units:             machine.Inch,
		SafeZ:             -0.25,
		ApproachOffsetX:   3,
		ApproachClearance: 0.25,
		BlowOffClearance:  1,
		CaptureOffset:     0,
		RetryOffset:       0.1,
		FeedRate:          60,
		SlowFeedRate:      10,
		DrawbarSettle:     time.Second,
		DrawbarHold:       time.Second,
		SeatSettle:        250 * time.Millisecond,
		Signals: Signals{
			DrawbarOpen:      "drawbar_open",
			DrawbarClose:     "drawbar_close",
			DustCollectorOn:  "dust_collector_on",
			DustCollectorOff: "dust_collector_off",
			BlowOff:          "blow_off",
			ToolSeated:       "tool_seated",
		},
	}
}

// Validate rejects geometry the sequences cannot run safely.
func (o Options) Validate() error {
	var errs []error
	if o.Units != machine.Inch && o.Units != machine.Millimeter {
		errs = append(errs, fmt.Errorf("units: unknown value %q", o.Units))
	}
	if o.ApproachOffsetX <= 0 {
		errs = append(errs, errors.New("approachOffsetX: must be positive"))
	}
	if o.CaptureOffset > o.ApproachClearance {
		errs = append(errs, errors.New("captureOffset: must not be above approachClearance"))
	}
	if o.ApproachClearance > o.BlowOffClearance {
		errs = append(errs, errors.New("approachClearance: must not be above blowOffClearance"))
	}
	if o.RetryOffset <= 0 {
		errs = append(errs, errors.New("retryOffset: must be positive"))
	}
	if o.FeedRate <= 0 || o.SlowFeedRate <= 0 {
		errs = append(errs, errors.New("feedRate and slowFeedRate: must be positive"))
	}
	if o.DrawbarSettle < 0 || o.DrawbarHold < 0 || o.SeatSettle < 0 {
		errs = append(errs, errors.New("durations: must not be negative"))
	}
	s := o.Signals
	for name, v := range map[string]string{
		"drawbarOpen":      s.DrawbarOpen,
		"drawbarClose":     s.DrawbarClose,
		"dustCollectorOn":  s.DustCollectorOn,
		"dustCollectorOff": s.DustCollectorOff,
		"blowOff":          s.BlowOff,
		"toolSeated":       s.ToolSeated,
	} {
		if v == "" {
			errs = append(errs, fmt.Errorf("signals.%s: required", name))
		}
	}
	return errors.Join(errs...)
}
