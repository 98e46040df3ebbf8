package gcode

// Helpers for building machine-coordinate (G53) moves. G53 is non-modal so
// every block carries it; the motion word is repeated for the same reason.

var (
	wordG53 = Word{W: 'G', Arg: 53}
	wordG0  = Word{W: 'G', Arg: 0}
	wordG1  = Word{W: 'G', Arg: 1}
)

// Rapid returns a G53 G0 block for the given axis words.
func Rapid(axes ...Word) Block {
	b := make(Block, 0, len(axes)+2)
	b = append(b, wordG53, wordG0)
	return append(b, axes...)
}

// Feed returns a G53 G1 block for the given axis words at feed rate f.
func Feed(f float64, axes ...Word) Block {
	b := make(Block, 0, len(axes)+3)
	b = append(b, wordG53, wordG1)
	b = append(b, axes...)
	return append(b, Word{W: 'F', Arg: f})
}

// UnitsBlock returns G20 for inches or G21 for millimeters.
func UnitsBlock(inch bool) Block {
	if inch {
		return Block{{W: 'G', Arg: 20}}
	}
	return Block{{W: 'G', Arg: 21}}
}
