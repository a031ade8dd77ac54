package sorter

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
)

// Rejection reasons reported by Allocator.Assign.
const (
	ReasonUnsupportedClassification = "unsupported_classification"
	ReasonGridFull                  = "grid_full"
)

var (
	ErrUnsupportedClassification = errors.New("unsupported classification")
	ErrGridFull                  = errors.New("destination grid full")
	ErrAlreadyAssigned           = errors.New("item already has a destination")
)

// RejectedError is returned when an item cannot be bound to a destination.
type RejectedError struct {
	Reason         string
	Classification Classification
	Item           Item
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("item %q rejected: %s (%s)", e.Item.Identifier, e.Reason, e.Classification)
}

// Is lets errors.Is match the sentinel for the rejection reason.
func (e *RejectedError) Is(target error) bool {
	switch e.Reason {
	case ReasonUnsupportedClassification:
		return target == ErrUnsupportedClassification
	case ReasonGridFull:
		return target == ErrGridFull
	}
	return false
}

// GridSpec configures one destination grid.
type GridSpec struct {
	Classification Classification
	Rows           int
	Cols           int
}

// DestinationGrid is a snapshot of one destination grid's fill state.
type DestinationGrid struct {
	ID             int            `json:"id"`
	Classification Classification `json:"classification"`
	Rows           int            `json:"rows"`
	Cols           int            `json:"cols"`
	NextRow        int            `json:"next_row"`
	NextCol        int            `json:"next_col"`
	Filled         int            `json:"filled"`
}

// Full reports whether the write cursor has run past the last row.
func (g DestinationGrid) Full() bool { return g.NextRow >= g.Rows }

// Capacity returns rows*cols.
func (g DestinationGrid) Capacity() int { return g.Rows * g.Cols }

type grid struct {
	DestinationGrid
	cells [][]*Item
	// replaced holds the racks swapped out by ResetGrid, oldest first.
	replaced []rackFill
}

type rackFill struct {
	filled int
	cells  [][]*Item
}

// RackDump is the occupancy of one rack of a destination grid.
type RackDump struct {
	Filled int        `json:"filled"`
	Cells  [][]string `json:"cells"`
	// Sources mirrors Cells with the source grid id of each occupant, -1
	// for empty cells.
	Sources [][]int `json:"sources"`
}

// GridDump is the diagnostic view of one grid including the occupants of the
// rack currently being filled.
type GridDump struct {
	DestinationGrid
	Full    bool       `json:"full"`
	Cells   [][]string `json:"cells"`
	Sources [][]int    `json:"sources"`
	// Queued counts items waiting for this grid's rack to be replaced.
	Queued int `json:"queued"`
	// Replaced lists the racks already swapped out during the run.
	Replaced []RackDump `json:"replaced,omitempty"`
}

// Total returns the number of items assigned to the grid across every rack.
func (d GridDump) Total() int {
	n := d.Filled
	for _, r := range d.Replaced {
		n += r.Filled
	}
	return n
}

// Allocator binds classified items to destination slots, filling each grid
// row-major in call order. Items that arrive for a full grid are queued until
// the grid is reset. It is safe for concurrent use.
type Allocator struct {
	mu       sync.Mutex
	order    []Classification
	grids    map[Classification]*grid
	items    []Item
	rejected []Item
	queued   []Item
}

// NewAllocator builds one grid per spec. Grid ids follow the spec order.
func NewAllocator(specs []GridSpec) (*Allocator, error) {
	if len(specs) < 2 || len(specs) > 6 {
		return nil, fmt.Errorf("need 2 to 6 destination classifications, got %d", len(specs))
	}
	a := &Allocator{grids: make(map[Classification]*grid, len(specs))}
	for i, s := range specs {
		if s.Classification == "" {
			return nil, fmt.Errorf("destination %d has no classification", i)
		}
		if _, dup := a.grids[s.Classification]; dup {
			return nil, fmt.Errorf("duplicate destination classification %q", s.Classification)
		}
		if s.Rows <= 0 || s.Cols <= 0 {
			return nil, fmt.Errorf("destination %q: rows and cols must be positive, got %dx%d", s.Classification, s.Rows, s.Cols)
		}
		g := &grid{DestinationGrid: DestinationGrid{
			ID:             i,
			Classification: s.Classification,
			Rows:           s.Rows,
			Cols:           s.Cols,
		}}
		g.cells = newCells(s.Rows, s.Cols)
		a.grids[s.Classification] = g
		a.order = append(a.order, s.Classification)
	}
	return a, nil
}

func newCells(rows, cols int) [][]*Item {
	cells := make([][]*Item, rows)
	for r := range cells {
		cells[r] = make([]*Item, cols)
	}
	return cells
}

// Assign binds item to the next free slot of the grid for its
// classification. The returned item carries the destination. An item refused
// with grid_full is queued for AssignQueued rather than dropped.
func (a *Allocator) Assign(item Item) (Item, error) {
	if item.Destination != nil {
		return item, ErrAlreadyAssigned
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	g, ok := a.grids[item.Classification]
	if !ok {
		a.rejected = append(a.rejected, item)
		return item, &RejectedError{Reason: ReasonUnsupportedClassification, Classification: item.Classification, Item: item}
	}
	if g.Full() {
		a.queued = append(a.queued, item)
		return item, &RejectedError{Reason: ReasonGridFull, Classification: item.Classification, Item: item}
	}
	return a.bind(g, item), nil
}

// AssignQueued takes a queued item off the queue and binds it. While its
// grid is still full the item stays queued and grid_full is returned.
func (a *Allocator) AssignQueued(item Item) (Item, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := slices.IndexFunc(a.queued, func(q Item) bool {
		return q.Identifier == item.Identifier && q.Source == item.Source
	})
	if idx < 0 {
		return item, fmt.Errorf("item %q is not queued", item.Identifier)
	}
	g := a.grids[item.Classification]
	if g.Full() {
		return item, &RejectedError{Reason: ReasonGridFull, Classification: item.Classification, Item: item}
	}
	a.queued = slices.Delete(a.queued, idx, idx+1)
	return a.bind(g, item), nil
}

func (a *Allocator) bind(g *grid, item Item) Item {
	item.Destination = &Destination{GridID: g.ID, Row: g.NextRow, Col: g.NextCol}
	stored := item
	g.cells[g.NextRow][g.NextCol] = &stored
	g.Filled++
	a.items = append(a.items, item)

	g.NextCol++
	if g.NextCol == g.Cols {
		g.NextCol = 0
		g.NextRow++
	}
	return item
}

// ItemsForSource returns the assigned items of one source grid in
// assignment order.
func (a *Allocator) ItemsForSource(sourceID int) []Item {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Item
	for _, it := range a.items {
		if it.Source.GridID == sourceID {
			out = append(out, it)
		}
	}
	return out
}

// Items returns every assigned item in assignment order.
func (a *Allocator) Items() []Item {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Item(nil), a.items...)
}

// Queued returns the items of one source grid waiting for a full grid to be
// reset, in arrival order.
func (a *Allocator) Queued(sourceID int) []Item {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Item
	for _, it := range a.queued {
		if it.Source.GridID == sourceID {
			out = append(out, it)
		}
	}
	return out
}

// Rejected returns every item refused for an unsupported classification, in
// call order.
func (a *Allocator) Rejected() []Item {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Item(nil), a.rejected...)
}

// Grid returns a snapshot of the grid bound to c.
func (a *Allocator) Grid(c Classification) (DestinationGrid, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	g, ok := a.grids[c]
	if !ok {
		return DestinationGrid{}, false
	}
	return g.DestinationGrid, true
}

// GridByID returns the snapshot of the grid with the given id.
func (a *Allocator) GridByID(id int) (DestinationGrid, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id < 0 || id >= len(a.order) {
		return DestinationGrid{}, false
	}
	return a.grids[a.order[id]].DestinationGrid, true
}

// Classifications returns the accepted classifications in grid-id order.
func (a *Allocator) Classifications() []Classification {
	return append([]Classification(nil), a.order...)
}

// Full reports whether the grid for c accepts no more assignments. Unknown
// classifications report false.
func (a *Allocator) Full(c Classification) bool {
	g, ok := a.Grid(c)
	return ok && g.Full()
}

// ResetGrid handles a replaced destination grid: the cursor returns to
// (0,0) and the fill count to zero. The outgoing rack is kept for Matrix and
// items assigned before the reset keep their destinations.
func (a *Allocator) ResetGrid(c Classification) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	g, ok := a.grids[c]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedClassification, c)
	}
	if g.Filled > 0 {
		g.replaced = append(g.replaced, rackFill{filled: g.Filled, cells: g.cells})
		g.cells = newCells(g.Rows, g.Cols)
	}
	g.NextRow, g.NextCol, g.Filled = 0, 0, 0
	return nil
}

// Matrix returns the full diagnostic dump in grid-id order.
func (a *Allocator) Matrix() []GridDump {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]GridDump, 0, len(a.order))
	for _, c := range a.order {
		g := a.grids[c]
		cur := dumpRack(g.Filled, g.cells)
		d := GridDump{
			DestinationGrid: g.DestinationGrid,
			Full:            g.Full(),
			Cells:           cur.Cells,
			Sources:         cur.Sources,
		}
		for _, it := range a.queued {
			if it.Classification == c {
				d.Queued++
			}
		}
		for _, r := range g.replaced {
			d.Replaced = append(d.Replaced, dumpRack(r.filled, r.cells))
		}
		out = append(out, d)
	}
	return out
}

func dumpRack(filled int, cells [][]*Item) RackDump {
	d := RackDump{
		Filled:  filled,
		Cells:   make([][]string, len(cells)),
		Sources: make([][]int, len(cells)),
	}
	for r, row := range cells {
		d.Cells[r] = make([]string, len(row))
		d.Sources[r] = make([]int, len(row))
		for col, it := range row {
			d.Sources[r][col] = -1
			if it != nil {
				d.Cells[r][col] = it.Identifier
				d.Sources[r][col] = it.Source.GridID
			}
		}
	}
	return d
}

// Format writes the matrix as a text table, one block per destination grid.
func (a *Allocator) Format(w io.Writer) error {
	const cellWidth = 20
	rule := strings.Repeat("=", 100)
	var b strings.Builder
	fmt.Fprintf(&b, "%s\nDESTINATION MATRIX\n%s\n", rule, rule)
	writeRack := func(r RackDump) {
		for row, ids := range r.Cells {
			fmt.Fprintf(&b, "row %2d: ", row)
			for col, id := range ids {
				cell := "[empty]"
				if r.Sources[row][col] >= 0 {
					cell = fmt.Sprintf("%s(S%d)", id, r.Sources[row][col])
				}
				fmt.Fprintf(&b, "%-*s ", cellWidth, cell)
			}
			b.WriteString("\n")
		}
	}
	total := 0
	for _, d := range a.Matrix() {
		name := strings.ToUpper(string(d.Classification))
		for i, r := range d.Replaced {
			fmt.Fprintf(&b, "\ngrid %d: %s rack %d (replaced)\n%s\n", d.ID, name, i+1, strings.Repeat("-", 100))
			writeRack(r)
			fmt.Fprintf(&b, "filled: %d/%d\n", r.Filled, d.Capacity())
		}
		if len(d.Replaced) > 0 {
			fmt.Fprintf(&b, "\ngrid %d: %s rack %d\n%s\n", d.ID, name, len(d.Replaced)+1, strings.Repeat("-", 100))
		} else {
			fmt.Fprintf(&b, "\ngrid %d: %s\n%s\n", d.ID, name, strings.Repeat("-", 100))
		}
		writeRack(RackDump{Filled: d.Filled, Cells: d.Cells, Sources: d.Sources})
		fmt.Fprintf(&b, "filled: %d/%d\n", d.Filled, d.Capacity())
		if d.Queued > 0 {
			fmt.Fprintf(&b, "queued for a fresh rack: %d\n", d.Queued)
		}
		total += d.Total()
	}
	fmt.Fprintf(&b, "\n%s\nTOTAL TUBES: %d\n%s\n", rule, total, rule)
	_, err := io.WriteString(w, b.String())
	return err
}
