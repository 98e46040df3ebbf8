package gcode

import (
	"errors"

	"github.com/mastercactapus/atc/coord"
)

const mmPerInch = 25.4

// VM will track state and interpret gcode.
//
// Positions are tracked internally in millimeters, matching what grbl
// reports; MPos and WPos convert to the active units.
type VM struct {
	pos coord.Point
	wco coord.Point

	modal [256]float64

	feed float64
}

// NewVM constructs a new VM with default state.
func NewVM() *VM {
	vm := &VM{}

	// using grbl defaults
	vm.modal[ModalGroupMotion] = 0
	vm.modal[ModalGroupCoordinateSystem] = 54
	vm.modal[ModalGroupPlaneSelection] = 17
	vm.modal[ModalGroupDistanceMode] = 90
	vm.modal[ModalGroupArcDistanceMode] = 91.1
	vm.modal[ModalGroupFeedRateMode] = 94
	vm.modal[ModalGroupUnits] = 21
	vm.modal[ModalGroupCutterCompensationMode] = 40
	vm.modal[ModalGroupToolLength] = 49
	vm.modal[ModalGroupStopping] = 0
	vm.modal[ModalGroupSpindle] = 5
	vm.modal[ModalGroupCoolant] = 9

	return vm
}

func (vm VM) Inches() bool         { return vm.modal[ModalGroupUnits] == 20 }
func (vm VM) RelativeMotion() bool { return vm.modal[ModalGroupDistanceMode] == 91 }
func (vm VM) Feed() float64        { return vm.feed }

func (vm VM) scale() float64 {
	if vm.Inches() {
		return mmPerInch
	}
	return 1
}

// WPos returns the work position in the active units.
func (vm VM) WPos() coord.Point {
	return vm.pos.Sub(vm.wco).Div(vm.scale())
}

// MPos returns the machine position in the active units.
func (vm VM) MPos() coord.Point {
	return vm.pos.Div(vm.scale())
}

// SetMPos sets the machine position, in millimeters.
func (vm *VM) SetMPos(p coord.Point) {
	vm.pos = p
}

// SetWCO sets the work coordinate offset, in millimeters.
func (vm *VM) SetWCO(p coord.Point) {
	vm.wco = p
}
func (vm VM) WCO() coord.Point {
	return vm.wco
}

func isSupported(g Word) bool {
	if g.IsAxis() {
		return true
	}

	switch g.W {
	case 'G':
		switch g.Arg {
		case 0, 1, 4, 53, 90, 91, 20, 21, 94:
			return true
		}
	case 'F', 'P':
		return true
	case 'M':
		switch g.Arg {
		case 0, 3, 5, 62, 63, 64, 65:
			return true
		}
	}

	return false
}

func applyBlock(p coord.Point, b Block, mul float64) coord.Point {
	for _, g := range b {
		if g.IsAxis() {
			p = p.Set(coord.Axis(g.W), g.Arg*mul)
		}
	}

	return p
}

func (vm *VM) Run(b Block) error {
	err := b.Validate()
	if err != nil {
		return err
	}
	for _, g := range b {
		if !isSupported(g) {
			return errors.New("unsupported code: " + g.String())
		}
	}
	machineCoords := b.Has(Word{W: 'G', Arg: 53})
	if b.Has(Word{W: 'G', Arg: 4}) {
		// dwell, P is not an axis
		return nil
	}
	for _, g := range b {
		mg := g.ModalGroup()
		if mg != ModalGroupNone && mg != ModalGroupNonModal && mg != ModalGroupFeedRate {
			vm.modal[mg] = g.Arg
		}
		if g.W == 'F' {
			vm.feed = g.Arg
		}
	}

	args := b.Args()
	var hasAxis bool
	for _, g := range args {
		hasAxis = hasAxis || g.IsAxis()
	}
	if !hasAxis {
		return nil
	}
	if machineCoords && vm.RelativeMotion() {
		return errors.New("G53 requires absolute distance mode")
	}

	mul := vm.scale()
	// apply motion
	switch {
	case vm.RelativeMotion():
		delta := applyBlock(coord.Point{}, args, mul)
		vm.pos = vm.pos.Add(delta)
	case machineCoords:
		vm.pos = applyBlock(vm.pos.Div(mul), args, 1).Mul(mul)
	default:
		vm.pos = applyBlock(vm.WPos(), args, 1).Mul(mul).Add(vm.wco)
	}

	return nil
}
