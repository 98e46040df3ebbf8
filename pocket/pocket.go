// Package pocket keeps the table of tool-changer pockets: where each
// pocket is, whether its position was taught, and which tool it holds.
package pocket

import (
	"errors"

	"github.com/mastercactapus/atc/coord"
)

const (
	// Untaught is the value every coordinate of an untaught pocket holds.
	Untaught = -1.0

	// Unassigned is the tool number of a pocket that holds no tool.
	Unassigned = 0
)

var (
	ErrNotFound        = errors.New("tool not assigned to any pocket")
	ErrNotTaught       = errors.New("pocket position not taught")
	ErrToolMismatch    = errors.New("pocket is assigned a different tool")
	ErrInvalidPosition = errors.New("pocket position is not numeric")
	ErrInvalidTool     = errors.New("invalid tool number")
)

// UntaughtPosition is the sentinel position of an untaught pocket.
var UntaughtPosition = coord.Point{X: Untaught, Y: Untaught, Z: Untaught}

// Pocket is one tool storage slot.
type Pocket struct {
	ID       int         `json:"id"`
	Position coord.Point `json:"position"`
	Taught   bool        `json:"taught"`
	Tool     int         `json:"tool"`
}

func defaultPocket(id int) Pocket {
	return Pocket{ID: id, Position: UntaughtPosition, Tool: Unassigned}
}

func defaults(n int) []Pocket {
	p := make([]Pocket, n)
	for i := range p {
		p[i] = defaultPocket(i + 1)
	}
	return p
}
