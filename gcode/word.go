package gcode

import (
	"strconv"
	"strings"

	"github.com/mastercactapus/atc/coord"
)

type Word struct {
	W   byte
	Arg float64
}

// AxisWord returns the word moving axis a to val.
func AxisWord(a coord.Axis, val float64) Word {
	return Word{W: byte(a), Arg: val}
}

func (w Word) IsAxis() bool {
	switch w.W {
	case 'X', 'Y', 'Z':
		return true
	}
	return false
}

func (w Word) IsValid() bool {
	return w.W >= 'A' && w.W <= 'Z'
}

func formatFloat(f float64, prec int) string {
	s := strconv.FormatFloat(f, 'f', prec, 64)
	if strings.ContainsRune(s, '.') {
		s = strings.TrimRight(s, "0")
	}
	s = strings.TrimRight(s, ".")
	if s == "-0" {
		return "0"
	}
	return s
}

// String formats the word with up to 4 decimal places, enough for
// 0.1 micron in mm and 0.0001" in inch mode.
func (w Word) String() string {
	return string(w.W) + formatFloat(w.Arg, 4)
}
