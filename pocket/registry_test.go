package pocket

import (
	"errors"
	"math"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mastercactapus/atc/coord"
)

type memStore struct {
	data     []byte
	writes   int
	readErr  error
	writeErr error
}

func (s *memStore) Read() ([]byte, error) {
	if s.readErr != nil {
		return nil, s.readErr
	}
	if s.data == nil {
		return nil, os.ErrNotExist
	}
	return append([]byte(nil), s.data...), nil
}

func (s *memStore) Write(data []byte) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	s.writes++
	s.data = append([]byte(nil), data...)
	return nil
}

type fixedPosition struct {
	pos coord.Point
	err error
}

func (f fixedPosition) AxisMachinePosition(a coord.Axis) (float64, error) {
	return f.pos.Get(a), f.err
}

func newRegistry(t *testing.T, size int) (*Registry, *memStore) {
	st := &memStore{}
	return New(size, st, WithLogger(zaptest.NewLogger(t))), st
}

func TestRegistry_Defaults(t *testing.T) {
	r, st := newRegistry(t, 4)

	p := r.Get(2)
	assert.Equal(t, Pocket{ID: 2, Position: UntaughtPosition, Tool: Unassigned}, p)
	assert.Len(t, r.Pockets(), 4)
	assert.Equal(t, 0, st.writes, "accessors must not write")
}

func TestRegistry_Clamp(t *testing.T) {
	r, _ := newRegistry(t, 4)

	for _, tc := range []struct{ in, want int }{{-5, 1}, {0, 1}, {1, 1}, {4, 4}, {5, 4}, {100, 4}} {
		assert.Equal(t, tc.want, r.Get(tc.in).ID, "Get(%d)", tc.in)
		assert.Equal(t, tc.want, r.Select(tc.in), "Select(%d)", tc.in)
		assert.Equal(t, tc.want, r.Current().ID)

		p, err := r.AssignTool(tc.in, 7)
		require.NoError(t, err)
		assert.Equal(t, tc.want, p.ID)

		p, err = r.Capture(tc.in, fixedPosition{pos: coord.Point{X: 1, Y: 2, Z: 3}})
		require.NoError(t, err)
		assert.Equal(t, tc.want, p.ID)

		p, err = r.Clear(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, p.ID)
	}
}

func TestRegistry_Capture(t *testing.T) {
	r, st := newRegistry(t, 3)

	_, err := r.AssignTool(2, 5)
	require.NoError(t, err)

	p, err := r.Capture(2, fixedPosition{pos: coord.Point{X: 10, Y: 5, Z: -3}})
	require.NoError(t, err)
	assert.True(t, p.Taught)
	assert.Equal(t, 5, p.Tool)
	assert.Equal(t, coord.Point{X: 10, Y: 5, Z: -3}, p.Position)
	assert.Equal(t, 2, st.writes)

	_, err = r.Capture(1, fixedPosition{err: errors.New("offline")})
	assert.Error(t, err)
	assert.False(t, r.Get(1).Taught)

	_, err = r.Capture(1, fixedPosition{pos: coord.Point{X: math.NaN()}})
	assert.ErrorIs(t, err, ErrInvalidPosition)
	assert.Equal(t, 2, st.writes)
}

func TestRegistry_Clear(t *testing.T) {
	r, _ := newRegistry(t, 3)
	_, err := r.Capture(3, fixedPosition{pos: coord.Point{X: 1, Y: 1, Z: 1}})
	require.NoError(t, err)
	_, err = r.AssignTool(3, 9)
	require.NoError(t, err)

	p, err := r.Clear(3)
	require.NoError(t, err)
	assert.Equal(t, defaultPocket(3), p)
	assert.Equal(t, defaultPocket(3), r.Get(3))
}

func TestRegistry_AssignTool(t *testing.T) {
	r, _ := newRegistry(t, 3)

	p, err := r.AssignTool(1, 4)
	require.NoError(t, err)
	assert.False(t, p.Taught)
	assert.Equal(t, 4, p.Tool)

	_, err = r.AssignTool(1, -1)
	assert.ErrorIs(t, err, ErrInvalidTool)
	assert.Equal(t, 4, r.Get(1).Tool)
}

func TestRegistry_SaveFailureKeepsMemory(t *testing.T) {
	r, st := newRegistry(t, 2)
	st.writeErr = errors.New("disk full")

	_, err := r.AssignTool(2, 6)
	assert.Error(t, err)
	assert.Equal(t, 6, r.Get(2).Tool)

	st.writeErr = nil
	require.NoError(t, r.Save())
	assert.Contains(t, string(st.data), `"tool": 6`)
}

func TestRegistry_RoundTrip(t *testing.T) {
	r, st := newRegistry(t, 3)
	_, err := r.Capture(2, fixedPosition{pos: coord.Point{X: 10, Y: 5.1234567, Z: -3}})
	require.NoError(t, err)
	_, err = r.AssignTool(2, 4)
	require.NoError(t, err)
	first := append([]byte(nil), st.data...)

	r2 := New(3, st)
	clean, err := r2.Load()
	require.NoError(t, err)
	assert.True(t, clean)
	assert.Equal(t, 4, r2.Get(2).Tool)
	assert.InDelta(t, 5.123457, r2.Get(2).Position.Y, 1e-9)

	require.NoError(t, r2.Save())
	second := append([]byte(nil), st.data...)

	r3 := New(3, st)
	_, err = r3.Load()
	require.NoError(t, err)
	require.NoError(t, r3.Save())

	assert.Equal(t, string(second), string(st.data))
	assert.Equal(t, r2.Pockets(), r3.Pockets())
	assert.Contains(t, string(first), `"y": 5.123457`)
}

func TestRegistry_Encoding(t *testing.T) {
	r, st := newRegistry(t, 1)
	require.NoError(t, r.Save())

	assert.Equal(t, `{
  "count": 1,
  "pockets": [
    {
      "id": 1,
      "x": -1.000000,
      "y": -1.000000,
      "z": -1.000000,
      "taught": false,
      "tool": 0
    }
  ]
}
`, string(st.data))
}

func TestRegistry_LoadSelfHeals(t *testing.T) {
	for name, data := range map[string]string{
		"garbage":       "pockets: what",
		"truncated":     `{"count": 2, "pockets": [`,
		"count":         `{"count": 3, "pockets": []}`,
		"duplicate id":  `{"count": 2, "pockets": [{"id":1},{"id":1}]}`,
		"unknown field": `{"count": 1, "pockets": [{"id":1}], "extra": true}`,
		"negative tool": `{"count": 1, "pockets": [{"id":1, "tool": -2}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			st := &memStore{data: []byte(data)}
			r := New(2, st, WithLogger(zaptest.NewLogger(t)))

			clean, err := r.Load()
			require.NoError(t, err)
			assert.False(t, clean)
			assert.Equal(t, defaults(2), r.Pockets())
			assert.Equal(t, 1, st.writes)

			clean, err = r.Load()
			require.NoError(t, err)
			assert.True(t, clean)
		})
	}
}

func TestRegistry_LoadMissing(t *testing.T) {
	r, st := newRegistry(t, 2)
	clean, err := r.Load()
	require.NoError(t, err)
	assert.False(t, clean)
	assert.Equal(t, 1, st.writes)
}

func TestRegistry_LoadReadError(t *testing.T) {
	r, st := newRegistry(t, 3)
	_, err := r.Capture(2, fixedPosition{pos: coord.Point{X: 10, Y: 5, Z: -3}})
	require.NoError(t, err)
	_, err = r.AssignTool(2, 4)
	require.NoError(t, err)
	stored := append([]byte(nil), st.data...)
	writes := st.writes

	st.readErr = errors.New("permission denied")
	clean, err := r.Load()
	assert.Error(t, err)
	assert.False(t, clean)
	assert.Equal(t, writes, st.writes)
	assert.Equal(t, stored, st.data)

	p := r.Get(2)
	assert.True(t, p.Taught)
	assert.Equal(t, 4, p.Tool)

	st.readErr = nil
	clean, err = r.Load()
	require.NoError(t, err)
	assert.True(t, clean)
	assert.Equal(t, 4, r.Get(2).Tool)
}

func TestRegistry_LoadResize(t *testing.T) {
	st := &memStore{data: []byte(`{"count": 3, "pockets": [
		{"id": 1, "x": 1, "y": 2, "z": 3, "taught": true, "tool": 1},
		{"id": 2, "x": 4, "y": 5, "z": 6, "taught": false, "tool": 2},
		{"id": 3, "x": 7, "y": 8, "z": 9, "taught": true, "tool": 3}
	]}`)}
	r := New(2, st)

	clean, err := r.Load()
	require.NoError(t, err)
	assert.False(t, clean)
	assert.Equal(t, []Pocket{
		{ID: 1, Position: coord.Point{X: 1, Y: 2, Z: 3}, Taught: true, Tool: 1},
		{ID: 2, Position: UntaughtPosition, Tool: 2},
	}, r.Pockets())
	assert.Equal(t, 1, st.writes)
}

func TestRegistry_LoadWriteFailure(t *testing.T) {
	st := &memStore{data: []byte("nope"), writeErr: errors.New("read-only")}
	r := New(2, st)

	clean, err := r.Load()
	assert.Error(t, err)
	assert.False(t, clean)
	assert.Equal(t, defaults(2), r.Pockets())
}
