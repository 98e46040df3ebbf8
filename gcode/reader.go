package gcode

import "io"

type Reader interface {
	Read() (Block, error)
}

type BlocksReader struct {
	Blocks []Block
	n      int
}

// NewBlocksReader returns a Reader over the given blocks.
func NewBlocksReader(blocks ...Block) *BlocksReader {
	return &BlocksReader{Blocks: blocks}
}

func (b *BlocksReader) Read() (Block, error) {
	if b.n == len(b.Blocks) {
		return nil, io.EOF
	}

	b.n++
	return b.Blocks[b.n-1], nil
}
