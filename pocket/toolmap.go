package pocket

import (
	"fmt"
	"sort"
)

// PocketForTool returns the first pocket, by id, assigned tool.
func (r *Registry) PocketForTool(tool int) (Pocket, error) {
	if tool <= 0 {
		return Pocket{}, fmt.Errorf("tool %d: %w", tool, ErrNotFound)
	}
	for _, p := range r.Pockets() {
		if p.Tool == tool {
			return p, nil
		}
	}
	return Pocket{}, fmt.Errorf("tool %d: %w", tool, ErrNotFound)
}

// ValidateAssignment checks that p can be used to store or fetch tool.
// It must pass before any motion toward the pocket.
func ValidateAssignment(tool int, p Pocket) error {
	switch {
	case !p.Taught:
		return fmt.Errorf("pocket %d: %w", p.ID, ErrNotTaught)
	case p.Tool != tool:
		return fmt.Errorf("pocket %d holds tool %d, not %d: %w", p.ID, p.Tool, tool, ErrToolMismatch)
	case !p.Position.Finite():
		return fmt.Errorf("pocket %d: %w", p.ID, ErrInvalidPosition)
	}
	return nil
}

// Duplicates returns the pocket ids of every tool assigned to more than
// one pocket. Lookups use the lowest id.
func (r *Registry) Duplicates() map[int][]int {
	byTool := make(map[int][]int)
	for _, p := range r.Pockets() {
		if p.Tool == Unassigned {
			continue
		}
		byTool[p.Tool] = append(byTool[p.Tool], p.ID)
	}
	for tool, ids := range byTool {
		if len(ids) < 2 {
			delete(byTool, tool)
			continue
		}
		sort.Ints(ids)
	}
	return byTool
}
