// Package config loads the atc server configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mastercactapus/atc/atc"
	"github.com/mastercactapus/atc/machine"
)

const (
	// ControllerGrbl talks to grbl over a serial port or SPJS.
	ControllerGrbl = "grbl"

	// ControllerSim runs against the in-memory simulator.
	ControllerSim = "sim"
)

// Config is the root configuration.
type Config struct {
	// Pockets is the number of pockets in the rack.
	Pockets int    `yaml:"pockets"`
	DataDir string `yaml:"dataDir"`

	Server     ServerConfig     `yaml:"server"`
	Controller ControllerConfig `yaml:"controller"`
	Machine    machine.Options  `yaml:"machine"`
	Changer    atc.Options      `yaml:"changer"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// ControllerConfig selects how the controller is reached. When SPJS is
// set, Port is the port name on the SPJS host.
type ControllerConfig struct {
	Type string `yaml:"type"`
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
	SPJS string `yaml:"spjs,omitempty"`
}

func Default() Config {
	return Config{
		Pockets: 6,
		DataDir: "./data",
		Server:  ServerConfig{Addr: ":9091"},
		Controller: ControllerConfig{
			Type: ControllerGrbl,
			Port: "/dev/ttyUSB0",
			Baud: 115200,
		},
		Machine: machine.DefaultOptions(),
		Changer: atc.DefaultOptions(),
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	if err = Decode(f, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Decode reads YAML from r into cfg, rejecting unknown fields.
func Decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	err := dec.Decode(cfg)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// Validate checks the configuration as a whole, including that every
// changer signal is wired to a machine output or input.
func (c Config) Validate() error {
	var errs []error
	if c.Pockets < 1 {
		errs = append(errs, fmt.Errorf("pockets: must be at least 1, got %d", c.Pockets))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("dataDir: required"))
	}
	switch c.Controller.Type {
	case ControllerSim:
	case ControllerGrbl:
		if c.Controller.Port == "" {
			errs = append(errs, errors.New("controller.port: required"))
		}
		if c.Controller.SPJS == "" && c.Controller.Baud <= 0 {
			errs = append(errs, errors.New("controller.baud: must be positive"))
		}
		sig := c.Changer.Signals
		for _, name := range []string{sig.DrawbarOpen, sig.DrawbarClose, sig.DustCollectorOn, sig.DustCollectorOff, sig.BlowOff} {
			if _, ok := c.Machine.Outputs[name]; name != "" && !ok {
				errs = append(errs, fmt.Errorf("machine.outputs: no output named %q", name))
			}
		}
		if _, ok := c.Machine.Inputs[sig.ToolSeated]; sig.ToolSeated != "" && !ok {
			errs = append(errs, fmt.Errorf("machine.inputs: no input named %q", sig.ToolSeated))
		}
	default:
		errs = append(errs, fmt.Errorf("controller.type: unknown controller %q", c.Controller.Type))
	}
	if _, err := machine.ParseUnits(string(c.Machine.Units)); err != nil {
		errs = append(errs, fmt.Errorf("machine.units: %w", err))
	}
	if err := c.Changer.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("changer: %w", err))
	}
	return errors.Join(errs...)
}
