package machine

import (
	"io"

	"github.com/mastercactapus/atc/coord"
)

// An Adapter represents the minimal CNC machine interface.
type Adapter interface {
	State() chan State
	CurrentState() State

	WriteByte(byte) error
	Write([]byte) (int, error)
	ReadFrom(io.Reader) (int64, error)
}

// State is the last status report from the controller. Positions are in
// millimeters; Pins holds the letters of active input pins.
type State struct {
	Status string
	MPos   coord.Point
	WCO    coord.Point
	Pins   string
}

// Realtime commands understood by grbl.
const (
	RealtimeStatus     byte = '?'
	RealtimeFeedHold   byte = '!'
	RealtimeCycleStart byte = '~'
	RealtimeReset      byte = 0x18
)
