package sorter

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNewAllocator_Validation(t *testing.T) {
	tests := []struct {
		name  string
		specs []GridSpec
	}{
		{"one classification", []GridSpec{{ClassUGI, 10, 6}}},
		{"seven classifications", []GridSpec{{ClassUGI, 1, 1}, {ClassVPCH, 1, 1}, {ClassUGIVPCH, 1, 1}, {ClassGeneral, 1, 1}, {ClassBuffer, 1, 1}, {"x", 1, 1}, {"y", 1, 1}}},
		{"empty classification", []GridSpec{{"", 10, 6}, {ClassUGI, 10, 6}}},
		{"duplicate", []GridSpec{{ClassUGI, 10, 6}, {ClassUGI, 10, 6}}},
		{"zero rows", []GridSpec{{ClassUGI, 0, 6}, {ClassVPCH, 10, 6}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewAllocator(tt.specs); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestAllocator_RowMajorInCallOrder(t *testing.T) {
	all := []Classification{ClassUGI, ClassVPCH, ClassUGIVPCH, ClassGeneral, ClassBuffer, ClassError}
	for n := 2; n <= len(all); n++ {
		for _, dims := range [][2]int{{1, 1}, {2, 3}, {10, 6}, {4, 1}} {
			t.Run(fmt.Sprintf("%d_classes_%dx%d", n, dims[0], dims[1]), func(t *testing.T) {
				var specs []GridSpec
				for _, c := range all[:n] {
					specs = append(specs, GridSpec{Classification: c, Rows: dims[0], Cols: dims[1]})
				}
				a := newTestAllocator(t, specs...)

				seen := map[Destination]bool{}
				next := map[Classification]int{}
				capacity := dims[0] * dims[1]
				for i := 0; i < n*capacity+n; i++ {
					c := all[i%n]
					got, err := a.Assign(Item{Identifier: fmt.Sprint(i), Classification: c})
					if next[c] >= capacity {
						if !errors.Is(err, ErrGridFull) {
							t.Fatalf("assign %d: err = %v, want ErrGridFull", i, err)
						}
						continue
					}
					if err != nil {
						t.Fatalf("assign %d: %v", i, err)
					}
					want := Destination{GridID: i % n, Row: next[c] / dims[1], Col: next[c] % dims[1]}
					if *got.Destination != want {
						t.Fatalf("assign %d: destination = %+v, want %+v", i, *got.Destination, want)
					}
					if seen[want] {
						t.Fatalf("destination %+v assigned twice", want)
					}
					seen[want] = true
					next[c]++
				}
			})
		}
	}
}

func TestAllocator_ConcurrentAssignNeverDuplicates(t *testing.T) {
	a := newTestAllocator(t)
	var wg sync.WaitGroup
	results := make(chan Item, 200)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := ClassUGI
			if i%2 == 1 {
				c = ClassVPCH
			}
			if it, err := a.Assign(Item{Identifier: fmt.Sprint(i), Classification: c}); err == nil {
				results <- it
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := map[Destination]bool{}
	for it := range results {
		if seen[*it.Destination] {
			t.Fatalf("destination %+v assigned twice", *it.Destination)
		}
		seen[*it.Destination] = true
	}
	if len(seen) != 120 {
		t.Errorf("assigned %d, want 120", len(seen))
	}
	if !a.Full(ClassUGI) || !a.Full(ClassVPCH) {
		t.Error("both grids should be full")
	}
}

func TestAllocator_FullUntilReset(t *testing.T) {
	a := newTestAllocator(t,
		GridSpec{Classification: ClassUGI, Rows: 2, Cols: 2},
		GridSpec{Classification: ClassVPCH, Rows: 2, Cols: 2},
	)
	for i := 0; i < 4; i++ {
		if _, err := a.Assign(Item{Identifier: fmt.Sprint(i), Classification: ClassUGI}); err != nil {
			t.Fatalf("assign %d: %v", i, err)
		}
	}
	if !a.Full(ClassUGI) {
		t.Fatal("grid should be full")
	}
	for i := 0; i < 3; i++ {
		_, err := a.Assign(Item{Identifier: "late", Classification: ClassUGI})
		var rej *RejectedError
		if !errors.As(err, &rej) || rej.Reason != ReasonGridFull {
			t.Fatalf("err = %v, want grid_full rejection", err)
		}
	}
	if _, err := a.Assign(Item{Identifier: "other", Classification: ClassVPCH}); err != nil {
		t.Fatalf("full grid must not block other grids: %v", err)
	}

	if err := a.ResetGrid(ClassUGI); err != nil {
		t.Fatalf("ResetGrid: %v", err)
	}
	g, _ := a.Grid(ClassUGI)
	if g.NextRow != 0 || g.NextCol != 0 || g.Filled != 0 {
		t.Fatalf("after reset grid = %+v, want cursor (0,0) fill 0", g)
	}
	got, err := a.Assign(Item{Identifier: "fresh", Classification: ClassUGI})
	if err != nil {
		t.Fatalf("assign after reset: %v", err)
	}
	if diff := cmp.Diff(Destination{GridID: 0, Row: 0, Col: 0}, *got.Destination); diff != "" {
		t.Errorf("destination mismatch (-want +got):\n%s", diff)
	}
	if err := a.ResetGrid(ClassGeneral); !errors.Is(err, ErrUnsupportedClassification) {
		t.Errorf("ResetGrid(general) = %v, want ErrUnsupportedClassification", err)
	}
}

func TestAllocator_NeverAssignsSentinelsOrUnsupported(t *testing.T) {
	a := newTestAllocator(t)
	for _, c := range []Classification{ClassError, ClassUnknown, ClassGeneral, ""} {
		got, err := a.Assign(Item{Identifier: "x", Classification: c})
		if !errors.Is(err, ErrUnsupportedClassification) {
			t.Errorf("%q: err = %v, want ErrUnsupportedClassification", c, err)
		}
		if got.Destination != nil {
			t.Errorf("%q: destination set on rejected item", c)
		}
	}
	if len(a.Items()) != 0 {
		t.Errorf("items = %d, want 0", len(a.Items()))
	}
	if len(a.Rejected()) != 4 {
		t.Errorf("rejected = %d, want 4", len(a.Rejected()))
	}
}

func TestAllocator_SentinelRackWhenConfigured(t *testing.T) {
	a := newTestAllocator(t,
		GridSpec{Classification: ClassUGI, Rows: 1, Cols: 6},
		GridSpec{Classification: ClassError, Rows: 1, Cols: 6},
	)
	got, err := a.Assign(Item{Identifier: "x", Classification: ClassError})
	if err != nil {
		t.Fatalf("error rack configured, assign failed: %v", err)
	}
	if got.Destination.GridID != 1 {
		t.Errorf("grid = %d, want 1", got.Destination.GridID)
	}
	if _, err := a.Assign(Item{Identifier: "y", Classification: ClassUnknown}); !errors.Is(err, ErrUnsupportedClassification) {
		t.Errorf("unknown without rack: err = %v", err)
	}
}

func TestAllocator_AlreadyAssigned(t *testing.T) {
	a := newTestAllocator(t)
	it, err := a.Assign(Item{Identifier: "x", Classification: ClassUGI})
	if err != nil {
		t.Fatal(err)
	}
	again, err := a.Assign(it)
	if !errors.Is(err, ErrAlreadyAssigned) {
		t.Fatalf("err = %v, want ErrAlreadyAssigned", err)
	}
	if *again.Destination != *it.Destination {
		t.Error("destination changed on reassign")
	}
	g, _ := a.Grid(ClassUGI)
	if g.Filled != 1 {
		t.Errorf("filled = %d, want 1", g.Filled)
	}
}

func TestAllocator_ItemsForSourceKeepsAssignmentOrder(t *testing.T) {
	a := newTestAllocator(t)
	ids := []struct {
		id  string
		src int
		c   Classification
	}{
		{"a", 0, ClassUGI}, {"b", 1, ClassVPCH}, {"c", 0, ClassVPCH}, {"d", 1, ClassUGI}, {"e", 0, ClassUGI},
	}
	for _, x := range ids {
		if _, err := a.Assign(Item{Identifier: x.id, Source: Source{GridID: x.src}, Classification: x.c}); err != nil {
			t.Fatal(err)
		}
	}
	var got []string
	for _, it := range a.ItemsForSource(0) {
		got = append(got, it.Identifier)
	}
	if diff := cmp.Diff([]string{"a", "c", "e"}, got); diff != "" {
		t.Errorf("ItemsForSource(0) mismatch (-want +got):\n%s", diff)
	}
	if n := len(a.ItemsForSource(7)); n != 0 {
		t.Errorf("unknown source has %d items", n)
	}
}

func TestAllocator_MatrixAndFormat(t *testing.T) {
	a := newTestAllocator(t,
		GridSpec{Classification: ClassUGI, Rows: 2, Cols: 2},
		GridSpec{Classification: ClassVPCH, Rows: 1, Cols: 2},
	)
	a.Assign(Item{Identifier: "T1", Source: Source{GridID: 0}, Classification: ClassUGI})
	a.Assign(Item{Identifier: "T2", Source: Source{GridID: 1}, Classification: ClassUGI})
	a.Assign(Item{Identifier: "T3", Source: Source{GridID: 0}, Classification: ClassUGI})

	m := a.Matrix()
	if len(m) != 2 {
		t.Fatalf("matrix grids = %d, want 2", len(m))
	}
	wantCells := [][]string{{"T1", "T2"}, {"T3", ""}}
	if diff := cmp.Diff(wantCells, m[0].Cells); diff != "" {
		t.Errorf("cells mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]int{{0, 1}, {0, -1}}, m[0].Sources); diff != "" {
		t.Errorf("sources mismatch (-want +got):\n%s", diff)
	}
	if m[0].Filled != 3 || m[0].Full || m[1].Filled != 0 {
		t.Errorf("unexpected fill: %+v / %+v", m[0].DestinationGrid, m[1].DestinationGrid)
	}

	var b strings.Builder
	if err := a.Format(&b); err != nil {
		t.Fatal(err)
	}
	out := b.String()
	for _, want := range []string{"grid 0: UGI", "grid 1: VPCH", "T2(S1)", "[empty]", "filled: 3/4", "TOTAL TUBES: 3"} {
		if !strings.Contains(out, want) {
			t.Errorf("Format output missing %q:\n%s", want, out)
		}
	}
}

func TestAllocator_QueuedItemsAndReplacedRacks(t *testing.T) {
	a := newTestAllocator(t,
		GridSpec{Classification: ClassUGI, Rows: 1, Cols: 2},
		GridSpec{Classification: ClassVPCH, Rows: 1, Cols: 2},
	)
	for i, src := range []int{0, 0, 1, 0} {
		a.Assign(Item{Identifier: fmt.Sprintf("T%d", i), Source: Source{GridID: src, Col: i}, Classification: ClassUGI})
	}
	queued0, queued1 := a.Queued(0), a.Queued(1)
	if len(queued0) != 1 || queued0[0].Identifier != "T3" || len(queued1) != 1 || queued1[0].Identifier != "T2" {
		t.Fatalf("queued = %v / %v, want T3 / T2", queued0, queued1)
	}
	if len(a.Rejected()) != 0 {
		t.Errorf("grid_full items must be queued, not rejected: %v", a.Rejected())
	}
	if m := a.Matrix(); m[0].Queued != 2 {
		t.Errorf("matrix queued = %d, want 2", m[0].Queued)
	}

	if _, err := a.AssignQueued(queued1[0]); !errors.Is(err, ErrGridFull) {
		t.Fatalf("AssignQueued on a full grid = %v, want ErrGridFull", err)
	}
	if err := a.ResetGrid(ClassUGI); err != nil {
		t.Fatal(err)
	}
	got, err := a.AssignQueued(queued1[0])
	if err != nil {
		t.Fatalf("AssignQueued after reset: %v", err)
	}
	if diff := cmp.Diff(Destination{GridID: 0, Row: 0, Col: 0}, *got.Destination); diff != "" {
		t.Errorf("destination mismatch (-want +got):\n%s", diff)
	}
	if _, err := a.AssignQueued(queued1[0]); err == nil {
		t.Error("an item can leave the queue only once")
	}
	if len(a.Queued(1)) != 0 || len(a.Queued(0)) != 1 {
		t.Errorf("queue after AssignQueued = %v / %v", a.Queued(0), a.Queued(1))
	}

	d := a.Matrix()[0]
	if d.Filled != 1 || len(d.Replaced) != 1 || d.Replaced[0].Filled != 2 || d.Total() != 3 {
		t.Fatalf("dump after reset = %+v", d)
	}
	if diff := cmp.Diff([][]string{{"T0", "T1"}}, d.Replaced[0].Cells); diff != "" {
		t.Errorf("replaced rack mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]string{{"T2", ""}}, d.Cells); diff != "" {
		t.Errorf("current rack mismatch (-want +got):\n%s", diff)
	}

	var b strings.Builder
	if err := a.Format(&b); err != nil {
		t.Fatal(err)
	}
	out := b.String()
	for _, want := range []string{"grid 0: UGI rack 1 (replaced)", "grid 0: UGI rack 2", "queued for a fresh rack: 1", "TOTAL TUBES: 3"} {
		if !strings.Contains(out, want) {
			t.Errorf("Format output missing %q:\n%s", want, out)
		}
	}
}

func TestParseClassification(t *testing.T) {
	c, err := ParseClassification(" UGI+VPCH ")
	if err != nil || c != ClassUGIVPCH {
		t.Errorf("ParseClassification = %q, %v", c, err)
	}
	if _, err := ParseClassification("blood"); err == nil {
		t.Error("expected error for unknown name")
	}
	if !ClassError.IsSentinel() || !ClassUnknown.IsSentinel() || ClassUGI.IsSentinel() {
		t.Error("IsSentinel mismatch")
	}
}
