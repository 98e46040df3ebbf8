package machine

import "time"

// Output is a discrete output driven by a line of g-code, e.g. M64/M65.
type Output struct {
	On  string `yaml:"on"`
	Off string `yaml:"off"`
}

// Options configure a Machine.
type Options struct {
	// MotionTimeout bounds how long Execute waits on a controller that
	// is neither moving nor reporting Run, and how long it waits for idle
	// once a command is acknowledged.
	MotionTimeout time.Duration `yaml:"motionTimeout"`
	HomingTimeout time.Duration `yaml:"homingTimeout"`
	PollInterval  time.Duration `yaml:"pollInterval"`

	// AssumeHomed is for machines without homing switches.
	AssumeHomed bool `yaml:"assumeHomed"`

	// Units the controller starts in; grbl defaults to G21.
	Units Units `yaml:"units"`

	Outputs map[string]Output `yaml:"outputs"`

	// Inputs maps a signal name to a status report pin letter (Pn:).
	Inputs map[string]string `yaml:"inputs"`
}

func DefaultOptions() Options {
	return Options{
		MotionTimeout: 3 * time.Second,
		HomingTimeout: time.Minute,
		PollInterval:  50 * time.Millisecond,
		Units:         Millimeter,
		Outputs: map[string]Output{
			"drawbar_open":       {On: "M64 P0", Off: "M65 P0"},
			"drawbar_close":      {On: "M64 P1", Off: "M65 P1"},
			"dust_collector_on":  {On: "M64 P2", Off: "M65 P2"},
			"dust_collector_off": {On: "M64 P3", Off: "M65 P3"},
			"blow_off":           {On: "M64 P4", Off: "M65 P4"},
		},
		Inputs: map[string]string{
			"tool_seated": "P",
		},
	}
}
