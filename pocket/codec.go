package pocket

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/mastercactapus/atc/coord"
)

// fixed is a coordinate written with exactly six decimals so that
// saving an unchanged table always produces the same bytes.
type fixed float64

func (f fixed) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, fmt.Errorf("coordinate %v: %w", v, ErrInvalidPosition)
	}
	return []byte(strconv.FormatFloat(v, 'f', 6, 64)), nil
}

type record struct {
	ID     int   `json:"id"`
	X      fixed `json:"x"`
	Y      fixed `json:"y"`
	Z      fixed `json:"z"`
	Taught bool  `json:"taught"`
	Tool   int   `json:"tool"`
}

type table struct {
	Count   int      `json:"count"`
	Pockets []record `json:"pockets"`
}

func encode(pockets []Pocket) ([]byte, error) {
	t := table{
		Count:   len(pockets),
		Pockets: make([]record, len(pockets)),
	}
	for i, p := range pockets {
		t.Pockets[i] = record{
			ID:     p.ID,
			X:      fixed(p.Position.X),
			Y:      fixed(p.Position.Y),
			Z:      fixed(p.Position.Z),
			Taught: p.Taught,
			Tool:   p.Tool,
		}
	}
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// decode parses a persisted table into exactly size pockets.
//
// Pockets beyond size are dropped and missing ones are defaulted; either
// case, or an untaught pocket carrying a stale position, reports
// clean=false so the caller re-persists the normalized table.
func decode(data []byte, size int) (pockets []Pocket, clean bool, err error) {
	var t table
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err = dec.Decode(&t); err != nil {
		return nil, false, fmt.Errorf("parse pocket table: %w", err)
	}
	if dec.More() {
		return nil, false, errors.New("parse pocket table: trailing data")
	}
	if t.Count < 1 || t.Count != len(t.Pockets) {
		return nil, false, fmt.Errorf("pocket table: count %d does not match %d records", t.Count, len(t.Pockets))
	}

	clean = t.Count == size
	pockets = defaults(size)
	seen := make(map[int]bool, len(t.Pockets))
	for _, rec := range t.Pockets {
		if rec.ID < 1 || rec.ID > t.Count || seen[rec.ID] {
			return nil, false, fmt.Errorf("pocket table: invalid or duplicate id %d", rec.ID)
		}
		seen[rec.ID] = true
		if rec.Tool < 0 {
			return nil, false, fmt.Errorf("pocket table: pocket %d: %w", rec.ID, ErrInvalidTool)
		}
		if rec.ID > size {
			continue
		}

		p := Pocket{
			ID:       rec.ID,
			Position: coord.Point{X: float64(rec.X), Y: float64(rec.Y), Z: float64(rec.Z)},
			Taught:   rec.Taught,
			Tool:     rec.Tool,
		}
		if !p.Taught && p.Position != UntaughtPosition {
			p.Position = UntaughtPosition
			clean = false
		}
		pockets[rec.ID-1] = p
	}

	return pockets, clean, nil
}
