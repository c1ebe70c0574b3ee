package executor

// displayRegistry tracks where each display id was rendered:
// display id -> cell index -> output positions.
type displayRegistry map[string]map[int][]int

func (r displayRegistry) register(id string, cell, pos int) {
	cells, ok := r[id]
	if !ok {
		cells = make(map[int][]int)
		r[id] = cells
	}
	cells[cell] = append(cells[cell], pos)
}

// clearCell drops every registration pointing at cell.
func (r displayRegistry) clearCell(cell int) {
	for id, cells := range r {
		delete(cells, cell)
		if len(cells) == 0 {
			delete(r, id)
		}
	}
}

func (r displayRegistry) positions(id string) map[int][]int {
	return r[id]
}
